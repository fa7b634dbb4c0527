// Package cooling applies a constant cooling rate with an energy floor.
package cooling

import (
	"math"

	"github.com/pthm-cable/sphtasks/config"
	"github.com/pthm-cable/sphtasks/part"
)

// ConstDuDt changes the specific internal energy at a fixed rate.
type ConstDuDt struct {
	DuDt         float64
	MinEnergy    float64
	TimestepMult float64
}

// New reads the cooling section.
func New(cfg *config.Config) ConstDuDt {
	c := cfg.Cooling
	return ConstDuDt{DuDt: c.DuDt, MinEnergy: c.MinEnergy, TimestepMult: c.TimestepMult}
}

// CoolPart applies dt of cooling and books the radiated energy.
func (c *ConstDuDt) CoolPart(p *part.Part, xp *part.XPart, dt float64) {
	uOld := xp.UFull
	uNew := max(uOld+c.DuDt*dt, c.MinEnergy)
	if uNew > uOld && c.DuDt < 0 {
		uNew = uOld
	}
	xp.UFull = uNew
	p.U = max(p.U+(uNew-uOld), c.MinEnergy)
	xp.URadiated += (uOld - uNew) * p.Mass
}

// Timestep keeps the relative energy change per step bounded.
func (c *ConstDuDt) Timestep(p *part.Part) float64 {
	if c.DuDt == 0 {
		return math.MaxFloat64
	}
	return c.TimestepMult * math.Abs((p.U-c.MinEnergy)/c.DuDt)
}
