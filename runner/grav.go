package runner

import (
	"github.com/pthm-cable/sphtasks/cell"
	"github.com/pthm-cable/sphtasks/part"
)

func (r *Runner) gravPair(gi, gj *part.GPart, shift [3]float64, ai, aj bool) {
	g := &r.env.Grav
	var dx [3]float64
	for k := 0; k < 3; k++ {
		dx[k] = gi.X[k] - gj.X[k] - shift[k]
	}
	switch {
	case ai && aj:
		g.Iact(dx, gi, gj)
	case ai:
		g.IactNonsym(dx, gi, gj)
	case aj:
		g.IactNonsym([3]float64{-dx[0], -dx[1], -dx[2]}, gj, gi)
	}
}

func (r *Runner) doGravSelf(c *cell.Cell) {
	ti := r.env.TiCurrent
	if !c.IsActive(ti) {
		return
	}
	var zero [3]float64
	gparts := c.GParts
	for i := range gparts {
		ai := gparts[i].IsActive(ti)
		for j := i + 1; j < len(gparts); j++ {
			r.gravPair(&gparts[i], &gparts[j], zero, ai, gparts[j].IsActive(ti))
		}
	}
}

func (r *Runner) doGravPair(ci, cj *cell.Cell) {
	ti := r.env.TiCurrent
	if !ci.IsActive(ti) && !cj.IsActive(ti) {
		return
	}
	shift := r.shift(ci, cj)
	for i := range ci.GParts {
		gi := &ci.GParts[i]
		ai := gi.IsActive(ti)
		for j := range cj.GParts {
			gj := &cj.GParts[j]
			if aj := gj.IsActive(ti); ai || aj {
				r.gravPair(gi, gj, shift, ai, aj)
			}
		}
	}
}

// doGravMM applies the multipoles of every non-neighbouring top cell to the
// active gravity particles of c.
func (r *Runner) doGravMM(c *cell.Cell) {
	ti := r.env.TiCurrent
	if !c.IsActive(ti) {
		return
	}
	sp := r.env.Space
	g := &r.env.Grav
	for _, cj := range sp.CellsTop {
		if cj == c || cj.Multipole.Mass == 0 || cell.AreNeighbours(c, cj, sp.Dim, sp.Periodic) {
			continue
		}
		shift := r.shift(c, cj)
		for i := range c.GParts {
			if gp := &c.GParts[i]; gp.IsActive(ti) {
				g.IactMultipole(gp, cj.Multipole, shift)
			}
		}
	}
}

// doGravUp rebuilds the multipoles of the subtree from its particles.
func doGravUp(c *cell.Cell) {
	c.Multipole.Reset()
	if !c.Split {
		c.Multipole.AddGParts(c.GParts)
		return
	}
	for _, cp := range c.Progeny {
		if cp != nil {
			doGravUp(cp)
			c.Multipole.Add(cp.Multipole)
		}
	}
}

// doGravFFT estimates the potential energy of the whole box on the mesh.
func (r *Runner) doGravFFT() {
	m := r.env.Mesh
	if m == nil {
		return
	}
	m.Reset()
	gparts := r.env.Space.GParts
	for i := range gparts {
		m.Assign(gparts[i].X, gparts[i].Mass)
	}
	r.env.MeshEPot = m.PotentialEnergy(r.env.Grav.G)
}

func (r *Runner) doGravExternal(c *cell.Cell) {
	ti := r.env.TiCurrent
	if c.TiEndMin > ti {
		return
	}
	if c.Split {
		for _, cp := range c.Progeny {
			if cp != nil {
				r.doGravExternal(cp)
			}
		}
		return
	}
	for i := range c.GParts {
		if gp := &c.GParts[i]; gp.IsActive(ti) {
			r.env.External.Acceleration(gp)
		}
	}
}
