package engine

import (
	"log/slog"

	"github.com/rotisserie/eris"

	"github.com/pthm-cable/sphtasks/cell"
	"github.com/pthm-cable/sphtasks/comm"
	"github.com/pthm-cable/sphtasks/part"
	"github.com/pthm-cable/sphtasks/runner"
	"github.com/pthm-cable/sphtasks/telemetry"
)

// CollectTimestep finds the end of the next step, the smallest ti_end_min
// of any cell on any rank, and counts the particles updated by the last one.
func (e *Engine) CollectTimestep() error {
	tiEndMin := part.MaxNrTimesteps
	updates, gUpdates := 0, 0
	for _, c := range e.Space.CellsTop {
		if c.NodeID != e.NodeID {
			continue
		}
		if err := collectKick(c); err != nil {
			return err
		}
		tiEndMin = min(tiEndMin, c.TiEndMin)
		updates += c.Updated
		gUpdates += c.GUpdated
	}

	if e.NrNodes > 1 {
		vals := []float64{float64(tiEndMin)}
		red, err := e.comm.AllReduce(vals, comm.Min)
		if err != nil {
			return eris.Wrap(err, "reducing ti_end_min")
		}
		tiEndMin = int(red[0])
		sums, err := e.comm.AllReduce([]float64{float64(updates), float64(gUpdates)}, comm.Sum)
		if err != nil {
			return eris.Wrap(err, "reducing update counts")
		}
		updates, gUpdates = int(sums[0]), int(sums[1])
	}
	e.tiEndMin, e.updates, e.gUpdates = tiEndMin, updates, gUpdates
	return nil
}

// collectKick gathers the results of the kicks below c into c. Cells above
// the super-cell have no kick of their own.
func collectKick(c *cell.Cell) error {
	if c.Kick != cell.NoTask {
		return nil
	}
	if c.Count() == 0 && c.GCount() == 0 {
		return nil
	}
	if !c.Split {
		return eris.Errorf("cell %d holds particles but no kick task covers it", c.ID)
	}
	tiEndMin, tiEndMax := part.MaxNrTimesteps, 0
	updated, gUpdated := 0, 0
	for _, cp := range c.Progeny {
		if cp == nil {
			continue
		}
		if err := collectKick(cp); err != nil {
			return err
		}
		tiEndMin = min(tiEndMin, cp.TiEndMin)
		tiEndMax = max(tiEndMax, cp.TiEndMax)
		updated += cp.Updated
		gUpdated += cp.GUpdated
	}
	c.TiEndMin, c.TiEndMax = tiEndMin, tiEndMax
	c.Updated, c.GUpdated = updated, gUpdated
	return nil
}

// PrintStats drifts every particle to the current time and reports the
// conserved quantities summed over all ranks.
func (e *Engine) PrintStats() error {
	if err := e.Drift(true); err != nil {
		return err
	}
	st := e.Stats()
	vals := []float64{
		st.Mass, st.EKin, st.EInt, st.EPot, st.ERad, st.Entropy,
		st.Mom[0], st.Mom[1], st.Mom[2],
		st.AngMom[0], st.AngMom[1], st.AngMom[2],
	}
	if e.NrNodes > 1 {
		red, err := e.comm.AllReduce(vals, comm.Sum)
		if err != nil {
			return eris.Wrap(err, "reducing statistics")
		}
		vals = red
	}
	if e.NodeID != 0 {
		return nil
	}

	en := telemetry.Energies{
		Time:    e.Time,
		Mass:    vals[0],
		EKin:    vals[1],
		EInt:    vals[2],
		EPot:    vals[3],
		ERad:    vals[4],
		Entropy: vals[5],
		MomX:    vals[6],
		MomY:    vals[7],
		MomZ:    vals[8],
		AngMomX: vals[9],
		AngMomY: vals[10],
		AngMomZ: vals[11],
	}
	en.ETot = en.EKin + en.EInt + en.EPot
	slog.Info("statistics", "energies", en)
	if err := e.out.WriteEnergies(en); err != nil {
		return eris.Wrap(err, "writing statistics")
	}
	return nil
}

// Stats sums the conserved quantities of the local particles at the current
// time.
func (e *Engine) Stats() cell.Stats {
	var st cell.Stats
	for _, c := range e.Space.LocalCells() {
		st.Add(runner.CellStats(c, e.Env))
	}
	st.EPot += e.Env.MeshEPot
	return st
}
