package runner

import (
	"github.com/rotisserie/eris"

	"github.com/pthm-cable/sphtasks/cell"
	"github.com/pthm-cable/sphtasks/part"
	"github.com/pthm-cable/sphtasks/task"
)

// doRecv finishes a completed receive. Time-step messages carry the
// pre-order ti_end_min list in Buff; particle messages have already been
// copied into the foreign cell, whose aggregates are rebuilt here.
func (r *Runner) doRecv(t *task.Task) error {
	if t.Subtype == task.SubtypeTend {
		buf, ok := t.Buff.(*[]int)
		if !ok || buf == nil {
			return eris.Errorf("time-step message for cell %d has no buffer", t.Ci.ID)
		}
		if n := t.Ci.UnpackTiEnds(*buf); n != len(*buf) {
			return eris.Errorf("time-step message for cell %d: used %d of %d entries", t.Ci.ID, n, len(*buf))
		}
		t.Buff = nil
		return nil
	}
	recvCell(t.Ci)
	return nil
}

func recvCell(c *cell.Cell) {
	tiEndMin, tiEndMax := part.MaxNrTimesteps, 0
	var hMax float64
	if !c.Split {
		for i := range c.Parts {
			p := &c.Parts[i]
			tiEndMin = min(tiEndMin, p.TiEnd)
			tiEndMax = max(tiEndMax, p.TiEnd)
			hMax = max(hMax, p.H)
		}
		for i := range c.GParts {
			tiEndMin = min(tiEndMin, c.GParts[i].TiEnd)
			tiEndMax = max(tiEndMax, c.GParts[i].TiEnd)
		}
	} else {
		for _, cp := range c.Progeny {
			if cp != nil {
				recvCell(cp)
				tiEndMin = min(tiEndMin, cp.TiEndMin)
				tiEndMax = max(tiEndMax, cp.TiEndMax)
				hMax = max(hMax, cp.HMax)
			}
		}
	}
	c.TiEndMin, c.TiEndMax, c.HMax = tiEndMin, tiEndMax, hMax
	c.Sorted = 0
}
