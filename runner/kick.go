package runner

import (
	"math"

	"github.com/pthm-cable/sphtasks/cell"
	"github.com/pthm-cable/sphtasks/hydro"
	"github.com/pthm-cable/sphtasks/part"
	"github.com/pthm-cable/sphtasks/scheduler"
	"github.com/pthm-cable/sphtasks/task"
)

// linked returns the gravity particle of p, if any.
func (r *Runner) linked(p *part.Part) *part.GPart {
	if p.GPart < 0 {
		return nil
	}
	return &r.env.Space.GParts[p.GPart]
}

func (r *Runner) partTimestep(p *part.Part, gp *part.GPart) int {
	e := r.env
	dt := hydro.ComputeTimestep(p, &e.Hydro)
	if gp != nil {
		if e.External != nil {
			dt = min(dt, e.External.Timestep(gp))
		}
		if e.SelfGravity {
			dt = min(dt, e.Grav.Timestep(gp))
		}
	}
	if e.Cooling != nil {
		dt = min(dt, e.Cooling.Timestep(p))
	}
	dt = max(min(dt, e.DtMax), e.DtMin)
	dt = min(dt, hydro.LimitHChange(p, &e.Hydro))
	return e.Timeline.IntegerTimestep(dt, p.TiBegin, p.TiEnd)
}

func (r *Runner) gpartTimestep(gp *part.GPart) int {
	e := r.env
	dt := math.MaxFloat64
	if e.External != nil {
		dt = min(dt, e.External.Timestep(gp))
	}
	if e.SelfGravity {
		dt = min(dt, e.Grav.Timestep(gp))
	}
	dt = max(min(dt, e.DtMax), e.DtMin)
	return e.Timeline.IntegerTimestep(dt, gp.TiBegin, gp.TiEnd)
}

// kickPart closes the particle's current step and opens one of newDti ticks:
// the full velocity moves to the middle of the new step and the predicted
// velocity is set back to its start.
func (r *Runner) kickPart(p *part.Part, xp *part.XPart, gp *part.GPart, newDti int) {
	tl := r.env.Timeline
	tiStart := (p.TiBegin + p.TiEnd) / 2
	tiEnd := p.TiEnd + newDti/2
	dt := tl.Dt(tiEnd - tiStart)
	halfDt := tl.Dt(tiEnd - p.TiEnd)

	p.TiBegin = p.TiEnd
	p.TiEnd = p.TiBegin + newDti

	a := p.AHydro
	if gp != nil {
		for k := 0; k < 3; k++ {
			a[k] += gp.AGrav[k]
		}
	}
	for k := 0; k < 3; k++ {
		xp.VFull[k] += a[k] * dt
		p.V[k] = xp.VFull[k] - halfDt*a[k]
	}
	hydro.KickExtra(p, xp, &r.env.Hydro, dt, halfDt)

	if gp != nil {
		gp.V = xp.VFull
		gp.TiBegin, gp.TiEnd = p.TiBegin, p.TiEnd
	}
}

func (r *Runner) kickGPart(gp *part.GPart, newDti int) {
	tl := r.env.Timeline
	tiStart := (gp.TiBegin + gp.TiEnd) / 2
	tiEnd := gp.TiEnd + newDti/2
	dt := tl.Dt(tiEnd - tiStart)

	gp.TiBegin = gp.TiEnd
	gp.TiEnd = gp.TiBegin + newDti
	for k := 0; k < 3; k++ {
		gp.V[k] += gp.AGrav[k] * dt
	}
}

// doKick kicks the active particles with their own time-steps and rebuilds
// the time-step aggregates of the subtree.
func (r *Runner) doKick(c *cell.Cell) {
	ti := r.env.TiCurrent
	if c.TiEndMin > ti {
		c.Updated, c.GUpdated = 0, 0
		return
	}
	r.kickCell(c, func(tiEnd int) bool { return tiEnd <= ti }, func(p *part.Part, gp *part.GPart) int {
		if p != nil {
			return r.partTimestep(p, gp)
		}
		return r.gpartTimestep(gp)
	})
}

// doKickFixdt kicks every particle with the global maximal step.
func (r *Runner) doKickFixdt(c *cell.Cell) {
	dti := r.env.Timeline.FixedTimestep(r.env.DtMax)
	r.kickCell(c, func(int) bool { return true }, func(*part.Part, *part.GPart) int { return dti })
}

func (r *Runner) kickCell(c *cell.Cell, due func(tiEnd int) bool, step func(*part.Part, *part.GPart) int) {
	updated, gUpdated := 0, 0
	tiEndMin, tiEndMax := part.MaxNrTimesteps, 0

	if !c.Split {
		for k := range c.GParts {
			gp := &c.GParts[k]
			if gp.Part >= 0 {
				continue
			}
			if due(gp.TiEnd) {
				r.kickGPart(gp, step(nil, gp))
				gUpdated++
			}
			tiEndMin = min(tiEndMin, gp.TiEnd)
			tiEndMax = max(tiEndMax, gp.TiEnd)
		}
		for k := range c.Parts {
			p, xp := &c.Parts[k], &c.XParts[k]
			if due(p.TiEnd) {
				gp := r.linked(p)
				hydro.EndForce(p)
				r.kickPart(p, xp, gp, step(p, gp))
				updated++
				if gp != nil {
					gUpdated++
				}
			}
			tiEndMin = min(tiEndMin, p.TiEnd)
			tiEndMax = max(tiEndMax, p.TiEnd)
		}
	} else {
		for _, cp := range c.Progeny {
			if cp == nil {
				continue
			}
			if !due(cp.TiEndMin) {
				cp.Updated, cp.GUpdated = 0, 0
			} else {
				r.kickCell(cp, due, step)
			}
			updated += cp.Updated
			gUpdated += cp.GUpdated
			tiEndMin = min(tiEndMin, cp.TiEndMin)
			tiEndMax = max(tiEndMax, cp.TiEndMax)
		}
	}

	c.Updated, c.GUpdated = updated, gUpdated
	c.TiEndMin, c.TiEndMax = tiEndMin, tiEndMax
}

func (r *Runner) doCooling(c *cell.Cell) {
	if c.Split {
		for _, cp := range c.Progeny {
			if cp != nil {
				r.doCooling(cp)
			}
		}
		return
	}
	e := r.env
	for k := range c.Parts {
		p := &c.Parts[k]
		// The kick has already opened the new step.
		if p.TiBegin == e.TiCurrent {
			e.Cooling.CoolPart(p, &c.XParts[k], e.Timeline.Dt(p.TiEnd-p.TiBegin))
		}
	}
}

func (r *Runner) doSourceTerms(c *cell.Cell) {
	src := r.env.Source
	if !src.Due(r.env.Time) || !src.Contains(c.Loc, c.Width) {
		return
	}
	if c.Split {
		for _, cp := range c.Progeny {
			if cp != nil {
				r.doSourceTerms(cp)
			}
		}
		return
	}
	if c.Count() > 0 {
		src.Inject(c.Parts, c.XParts)
	}
}

// Drift moves the particles of a local top cell to the current time and
// recomputes the motion bound, smoothing length bound and conserved
// quantities of the tree. Trees with no active particle and no active
// neighbour keep their state unless the drift-all policy is set.
func Drift(c *cell.Cell, e *Env, sched *scheduler.Scheduler) {
	if !e.DriftAll && !driftNeeded(c, e.TiCurrent, sched) {
		return
	}
	drift(c, e)
}

// driftNeeded reports whether the subtree or any pair partner of it has
// active particles.
func driftNeeded(c *cell.Cell, ti int, sched *scheduler.Scheduler) bool {
	if c.IsActive(ti) {
		return true
	}
	if sched != nil {
		for _, tid := range c.Density {
			t := sched.Task(tid)
			if t.Type != task.TypePair && t.Type != task.TypeSubPair {
				continue
			}
			other := t.Cj
			if other == c {
				other = t.Ci
			}
			if other.IsActive(ti) {
				return true
			}
		}
	}
	for _, cp := range c.Progeny {
		if cp != nil && driftNeeded(cp, ti, sched) {
			return true
		}
	}
	return false
}

func drift(c *cell.Cell, e *Env) {
	ti := e.TiCurrent
	if ti == c.TiOld {
		return
	}
	dt := e.Timeline.Dt(ti - c.TiOld)

	var stats cell.Stats
	var dx2Max, hMax, dxMax float64

	if !c.Split {
		for k := range c.GParts {
			gp := &c.GParts[k]
			for d := 0; d < 3; d++ {
				gp.X[d] += gp.V[d] * dt
				gp.XDiff[d] -= gp.V[d] * dt
			}
			dx2Max = max(dx2Max, norm2(gp.XDiff))
			if gp.Part < 0 {
				stats.Add(gpartStats(gp, e, ti))
			}
		}
		for k := range c.Parts {
			p, xp := &c.Parts[k], &c.XParts[k]
			var gp *part.GPart
			if p.GPart >= 0 {
				gp = &e.Space.GParts[p.GPart]
			}
			for d := 0; d < 3; d++ {
				a := p.AHydro[d]
				if gp != nil {
					a += gp.AGrav[d]
				}
				p.X[d] += xp.VFull[d] * dt
				p.V[d] += a * dt
				xp.XDiff[d] -= xp.VFull[d] * dt
			}
			hydro.PredictExtra(p, &e.Hydro, dt)
			dx2Max = max(dx2Max, norm2(xp.XDiff))
			hMax = max(hMax, p.H)
			stats.Add(partStats(p, xp, gp, e, ti))
		}
		dxMax = math.Sqrt(dx2Max)
	} else {
		for _, cp := range c.Progeny {
			if cp == nil {
				continue
			}
			drift(cp, e)
			dxMax = max(dxMax, cp.DxMax)
			hMax = max(hMax, cp.HMax)
			stats.Add(cp.Stats)
		}
	}

	c.HMax = hMax
	c.DxMax = dxMax
	c.Stats = stats
	c.Sorted = 0
	c.TiOld = ti
}

func norm2(v [3]float64) float64 { return v[0]*v[0] + v[1]*v[1] + v[2]*v[2] }

func partStats(p *part.Part, xp *part.XPart, gp *part.GPart, e *Env, ti int) cell.Stats {
	halfDt := e.Timeline.Dt(ti - (p.TiBegin+p.TiEnd)/2)
	var v [3]float64
	for d := 0; d < 3; d++ {
		a := p.AHydro[d]
		if gp != nil {
			a += gp.AGrav[d]
		}
		v[d] = xp.VFull[d] + a*halfDt
	}
	m := p.Mass
	s := cell.Stats{
		Mass:    m,
		EKin:    0.5 * m * norm2(v),
		EInt:    m * p.U,
		ERad:    xp.URadiated,
		Entropy: m * hydro.Entropy(p, &e.Hydro),
	}
	if e.External != nil {
		s.EPot = m * e.External.Potential(p.X)
	}
	momenta(&s, m, p.X, v)
	return s
}

func gpartStats(gp *part.GPart, e *Env, ti int) cell.Stats {
	halfDt := e.Timeline.Dt(ti - (gp.TiBegin+gp.TiEnd)/2)
	var v [3]float64
	for d := 0; d < 3; d++ {
		v[d] = gp.V[d] + gp.AGrav[d]*halfDt
	}
	m := gp.Mass
	s := cell.Stats{Mass: m, EKin: 0.5 * m * norm2(v)}
	if e.External != nil {
		s.EPot = m * e.External.Potential(gp.X)
	}
	momenta(&s, m, gp.X, v)
	return s
}

func momenta(s *cell.Stats, m float64, x, v [3]float64) {
	for d := 0; d < 3; d++ {
		s.Mom[d] = m * v[d]
	}
	s.AngMom[0] = m * (x[1]*v[2] - x[2]*v[1])
	s.AngMom[1] = m * (x[2]*v[0] - x[0]*v[2])
	s.AngMom[2] = m * (x[0]*v[1] - x[1]*v[0])
}

// CellStats sums the conserved quantities of a local subtree at the current
// time without moving any particle. Dark matter is counted through its own
// gravity particles, gas through its parts.
func CellStats(c *cell.Cell, e *Env) cell.Stats {
	var s cell.Stats
	ti := e.TiCurrent
	for k := range c.GParts {
		if gp := &c.GParts[k]; gp.Part < 0 {
			s.Add(gpartStats(gp, e, ti))
		}
	}
	for k := range c.Parts {
		p := &c.Parts[k]
		var gp *part.GPart
		if p.GPart >= 0 {
			gp = &e.Space.GParts[p.GPart]
		}
		s.Add(partStats(p, &c.XParts[k], gp, e, ti))
	}
	return s
}
