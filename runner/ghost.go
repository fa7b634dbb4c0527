package runner

import (
	"log/slog"

	"github.com/pthm-cable/sphtasks/cell"
	"github.com/pthm-cable/sphtasks/gravity"
	"github.com/pthm-cable/sphtasks/hydro"
	"github.com/pthm-cable/sphtasks/part"
	"github.com/pthm-cable/sphtasks/task"
)

func (r *Runner) doInit(c *cell.Cell) {
	ti := r.env.TiCurrent
	if c.TiEndMin > ti {
		return
	}
	if c.Split {
		for _, cp := range c.Progeny {
			if cp != nil {
				r.doInit(cp)
			}
		}
		return
	}
	for i := range c.Parts {
		if p := &c.Parts[i]; p.IsActive(ti) {
			hydro.InitPart(p)
		}
	}
	for i := range c.GParts {
		if gp := &c.GParts[i]; gp.IsActive(ti) {
			gravity.InitGPart(gp)
		}
	}
}

// doGhost finishes the density of the active particles and iterates the
// smoothing length of those whose neighbour count is off target, redoing
// their density against every interaction of the cell and its ancestors.
func (r *Runner) doGhost(c *cell.Cell) {
	ti := r.env.TiCurrent
	if c.TiEndMin > ti {
		return
	}
	if c.Split {
		for _, cp := range c.Progeny {
			if cp != nil {
				r.doGhost(cp)
			}
		}
		return
	}

	props := &r.env.Hydro
	target := props.TargetNeighbours
	maxW, minW := target+props.DeltaNeighbours, target-props.DeltaNeighbours

	pids := r.pids[:0]
	for i := range c.Parts {
		if c.Parts[i].IsActive(ti) {
			pids = append(pids, i)
		}
	}

	for iter := 0; len(pids) > 0 && iter < props.MaxSmoothingIter; iter++ {
		redo := pids[:0]
		for _, pid := range pids {
			p := &c.Parts[pid]
			hydro.EndDensity(p)

			hCorr := p.H
			if p.WCountDh != 0 {
				hCorr = (target - p.WCount) / p.WCountDh
				hCorr = max(min(hCorr, p.H), -0.5*p.H)
			}
			if p.WCount > maxW || p.WCount < minW {
				p.H += hCorr
				hydro.InitPart(p)
				redo = append(redo, pid)
				continue
			}
			r.prepareForce(p)
		}
		pids = redo
		if len(pids) == 0 {
			break
		}
		r.redoDensity(c, pids)
	}

	if len(pids) > 0 {
		slog.Warn("smoothing length failed to converge",
			"cell", c.ID, "particles", len(pids), "iterations", props.MaxSmoothingIter)
		for _, pid := range pids {
			p := &c.Parts[pid]
			hydro.EndDensity(p)
			r.prepareForce(p)
		}
	}
	r.pids = pids[:0]
}

// redoDensity reruns the density interactions of the listed particles of c.
func (r *Runner) redoDensity(c *cell.Cell, pids []int) {
	for finger := c; finger != nil; finger = finger.Parent {
		for _, tid := range finger.Density {
			t := r.sched.Task(tid)
			switch t.Type {
			case task.TypeSelf, task.TypeSubSelf:
				r.doSelfSubset(finger, c, pids)
			case task.TypePair, task.TypeSubPair:
				other := t.Cj
				if t.Cj == finger {
					other = t.Ci
				}
				r.doPairSubset(finger, other, c, pids)
			}
		}
	}
}

func (r *Runner) prepareForce(p *part.Part) {
	props := &r.env.Hydro
	hydro.PrepareForce(p, props)
	hydro.ResetAcceleration(p)
	if props.ExtraLoop {
		hydro.InitGradient(p)
	}
}

func (r *Runner) doExtraGhost(c *cell.Cell) {
	ti := r.env.TiCurrent
	if c.TiEndMin > ti {
		return
	}
	if c.Split {
		for _, cp := range c.Progeny {
			if cp != nil {
				r.doExtraGhost(cp)
			}
		}
		return
	}
	for i := range c.Parts {
		if p := &c.Parts[i]; p.IsActive(ti) {
			hydro.EndGradient(p, &r.env.Hydro)
		}
	}
}
