package gravity

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/pthm-cable/sphtasks/config"
	"github.com/pthm-cable/sphtasks/part"
)

// PointMass is a fixed external point-mass potential.
type PointMass struct {
	Position     r3.Vec
	Mass         float64
	G            float64
	TimestepMult float64
}

// NewPointMass reads the external potential section.
func NewPointMass(cfg *config.Config) PointMass {
	ep := cfg.ExternalPotential
	return PointMass{
		Position:     vec(ep.Position),
		Mass:         ep.Mass,
		G:            cfg.Gravity.G,
		TimestepMult: ep.TimestepMult,
	}
}

// Acceleration adds the potential's pull to gp.
func (pm *PointMass) Acceleration(gp *part.GPart) {
	d := r3.Sub(vec(gp.X), pm.Position)
	r := r3.Norm(d)
	if r == 0 {
		return
	}
	f := pm.G * pm.Mass / (r * r * r)
	gp.AGrav[0] -= f * d.X
	gp.AGrav[1] -= f * d.Y
	gp.AGrav[2] -= f * d.Z
}

// Timestep is a fraction of the local orbital time.
func (pm *PointMass) Timestep(gp *part.GPart) float64 {
	d := r3.Sub(vec(gp.X), pm.Position)
	r := r3.Norm(d)
	if r == 0 || pm.Mass == 0 {
		return math.MaxFloat64
	}
	return pm.TimestepMult * math.Sqrt(r*r*r/(pm.G*pm.Mass))
}

// Potential returns the specific potential energy at x.
func (pm *PointMass) Potential(x [3]float64) float64 {
	r := r3.Norm(r3.Sub(vec(x), pm.Position))
	if r == 0 {
		return 0
	}
	return -pm.G * pm.Mass / r
}
