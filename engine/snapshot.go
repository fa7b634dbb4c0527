package engine

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/pthm-cable/sphtasks/part"
	"github.com/pthm-cable/sphtasks/telemetry"
)

// computeNextSnapshotTime finds the first output time after the current
// tick. The snapshot tick is -1 once the outputs run past the time-line.
func (e *Engine) computeNextSnapshotTime() {
	sc := e.cfg.Snapshots
	tl := e.Env.Timeline
	e.tiNextSnapshot = -1
	if !e.snapshotEnabled {
		return
	}
	end := e.cfg.TimeIntegration.TimeEnd + sc.DeltaTime
	for t := sc.TimeFirst; t < end; t += sc.DeltaTime {
		ti := int((t - tl.TimeBegin) * tl.TimeBaseInv)
		if ti > e.TiCurrent {
			if ti <= part.MaxNrTimesteps {
				e.tiNextSnapshot = ti
			}
			break
		}
	}
	if e.tiNextSnapshot > 0 && e.NodeID == 0 {
		slog.Debug("next snapshot", "time", tl.Time(e.tiNextSnapshot), "ti", e.tiNextSnapshot)
	}
}

// DumpSnapshot writes the local particles at the current time. Each rank of
// a decomposed run writes its own file.
func (e *Engine) DumpSnapshot() error {
	defer func() { e.snapshotCount++ }()
	if e.out == nil {
		return nil
	}
	path := e.out.SnapshotPath(e.cfg.Snapshots.Basename, e.snapshotCount)
	if e.NrNodes > 1 {
		path = strings.TrimSuffix(path, ".csv") + fmt.Sprintf(".rank%d.csv", e.NodeID)
	}
	if err := telemetry.WriteSnapshot(path, e.ParticleRecords()); err != nil {
		return eris.Wrapf(err, "writing snapshot %d", e.snapshotCount)
	}
	slog.Info("snapshot", "rank", e.NodeID, "time", e.Time, "path", path)
	return nil
}

// ParticleRecords lists the gas particles and the dark matter of this rank.
func (e *Engine) ParticleRecords() []telemetry.ParticleRecord {
	s := e.Space
	recs := make([]telemetry.ParticleRecord, 0, len(s.Parts)+len(s.GParts))
	for i := range s.Parts {
		p := &s.Parts[i]
		recs = append(recs, telemetry.ParticleRecord{
			ID: p.ID, Gas: true,
			X: p.X[0], Y: p.X[1], Z: p.X[2],
			VX: p.V[0], VY: p.V[1], VZ: p.V[2],
			Mass: p.Mass, H: p.H, Rho: p.Rho, U: p.U,
			TiBegin: p.TiBegin, TiEnd: p.TiEnd,
		})
	}
	for i := range s.GParts {
		gp := &s.GParts[i]
		if gp.Part >= 0 {
			continue
		}
		recs = append(recs, telemetry.ParticleRecord{
			ID: gp.ID,
			X: gp.X[0], Y: gp.X[1], Z: gp.X[2],
			VX: gp.V[0], VY: gp.V[1], VZ: gp.V[2],
			Mass: gp.Mass,
			TiBegin: gp.TiBegin, TiEnd: gp.TiEnd,
		})
	}
	return recs
}
