package engine

import (
	"log/slog"

	"github.com/pthm-cable/sphtasks/hydro"
)

// InitParticles builds the first task graph and runs the start-up density
// pass, which settles the smoothing lengths before the first step.
func (e *Engine) InitParticles() error {
	e.forceRebuild = true
	if err := e.Prepare(true); err != nil {
		return err
	}
	if _, err := e.MarkTasks(); err != nil {
		return err
	}

	mask, submask := e.initMasks()
	if err := e.Launch(mask, submask); err != nil {
		return err
	}

	if e.cfg.ICs.Entropic {
		s := e.Space
		for i := range s.Parts {
			hydro.ConvertQuantities(&s.Parts[i], &s.XParts[i], &e.Env.Hydro)
		}
	}
	e.StepNum = -1
	if e.NodeID == 0 {
		slog.Info("particles initialised", "tasks", e.Sched.NrTasks(), "cells", e.Space.NrCells())
	}
	return nil
}
