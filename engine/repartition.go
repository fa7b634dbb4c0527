package engine

import (
	"log/slog"
	"time"

	"github.com/rotisserie/eris"
)

// Repartition recomputes the decomposition from the task costs gathered
// since the last one. An adopted decomposition forces a rebuild, which moves
// the particles to their new ranks.
func (e *Engine) Repartition() error {
	start := time.Now()
	e.forceRepart = false
	steps := e.repart.Count()
	changed, err := e.repart.Apply(e.Space, e.comm)
	if err != nil {
		return eris.Wrap(err, "repartitioning")
	}
	if !changed {
		return nil
	}
	if err := e.MakeProxies(); err != nil {
		return err
	}
	e.forceRebuild = true
	if e.NodeID == 0 {
		slog.Info("repartitioned", "type", string(e.repart.Type), "steps", steps, "took", time.Since(start))
	}
	return nil
}
