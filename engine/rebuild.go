package engine

import (
	"log/slog"
	"time"

	"github.com/rotisserie/eris"

	"github.com/pthm-cable/sphtasks/comm"
	"github.com/pthm-cable/sphtasks/partition"
	"github.com/pthm-cable/sphtasks/runner"
	"github.com/pthm-cable/sphtasks/telemetry"
)

// Prepare marks the tasks of the coming step, rebuilding the space first if
// a rank asks for it. nodrift skips the drift that normally precedes a
// rebuild, for callers that have just drifted or never moved a particle.
func (e *Engine) Prepare(nodrift bool) error {
	e.perf.StartPhase(telemetry.PhaseMarkTasks)
	rebuild := e.forceRebuild
	if !rebuild {
		r, err := e.MarkTasks()
		if err != nil {
			return err
		}
		rebuild = r
	}
	if e.NrNodes > 1 {
		flag := 0
		if rebuild {
			flag = 1
		}
		v, err := e.comm.AllReduceInt(flag, comm.Max)
		if err != nil {
			return eris.Wrap(err, "reducing rebuild flag")
		}
		rebuild = v > 0
	}

	e.rebuilt = rebuild
	if rebuild {
		e.perf.StartPhase(telemetry.PhaseRebuild)
		if !nodrift {
			if err := e.Drift(true); err != nil {
				return err
			}
		}
		if err := e.Rebuild(); err != nil {
			return err
		}
		e.forceRebuild = false
	}

	if every := e.cfg.Scheduler.ReweightSteps; every > 0 && e.tasksAge%every == 1 {
		e.Sched.Reweight()
	}
	e.tasksAge++
	return nil
}

// Rebuild re-grids the space, moves particles to the ranks owning their
// cells, rebuilds the trees and the task graph and marks the new tasks.
func (e *Engine) Rebuild() error {
	start := time.Now()
	if err := e.regrid(); err != nil {
		return err
	}
	if e.NrNodes > 1 {
		if err := e.ExchangeStrays(); err != nil {
			return err
		}
	}
	if err := e.Space.Rebuild(e.mapper); err != nil {
		return eris.Wrap(err, "rebuilding space")
	}
	if e.NrNodes > 1 {
		if err := e.ExchangeCells(); err != nil {
			return err
		}
	}
	if err := e.MakeTasks(); err != nil {
		return err
	}
	again, err := e.MarkTasks()
	if err != nil {
		return err
	}
	if again {
		return eris.New("tasks of a freshly rebuilt space ask for another rebuild")
	}
	slog.Debug("rebuild", "rank", e.NodeID, "cells", e.Space.NrCells(), "tasks", e.Sched.NrTasks(), "took", time.Since(start))
	return nil
}

// regrid resizes the top-level grid to the global largest smoothing length.
// A decomposition is carried over to the new grid when possible.
func (e *Engine) regrid() error {
	hMax, err := e.comm.AllReduceFloat(e.Space.HMaxLocal(), comm.Max)
	if err != nil {
		return eris.Wrap(err, "reducing h_max")
	}
	first := e.Space.CellsTop == nil
	changed, old, err := e.Space.Regrid(hMax)
	if err != nil {
		return err
	}
	if !changed || first || e.NrNodes == 1 {
		return nil
	}

	if !partition.SpaceToSpace(old, e.Space, e.NrNodes) {
		if e.NodeID == 0 {
			slog.Warn("decomposition does not fit the new grid, using a vectorised one", "cdim", e.Space.CDim)
		}
		partition.SplitVector(e.Space, partition.PickVector(e.Space.CDim, e.NrNodes))
	}
	return e.MakeProxies()
}

// Drift moves the local particles to the current time. With all unset only
// trees with active particles or active neighbours move.
func (e *Engine) Drift(all bool) error {
	prev := e.Env.DriftAll
	e.Env.DriftAll = all || e.Policy.Has(PolicyDriftAll)
	defer func() { e.Env.DriftAll = prev }()

	cells := e.Space.LocalCells()
	return e.mapper(len(cells), func(i int) error {
		runner.Drift(cells[i], e.Env, e.Sched)
		return nil
	})
}
