// Package gravity holds the gravity physics: softened direct summation,
// monopole multipoles for distant cells, a point-mass external potential and
// a mesh estimate of the potential energy.
package gravity

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/pthm-cable/sphtasks/config"
	"github.com/pthm-cable/sphtasks/part"
)

// Props holds self-gravity parameters.
type Props struct {
	G       float64
	Epsilon float64
	Eta     float64
}

// NewProps reads the gravity section.
func NewProps(cfg *config.Config) Props {
	return Props{G: cfg.Gravity.G, Epsilon: cfg.Gravity.Epsilon, Eta: cfg.Gravity.Eta}
}

func vec(x [3]float64) r3.Vec { return r3.Vec{X: x[0], Y: x[1], Z: x[2]} }

// InitGPart clears the acceleration before the gravity tasks.
func InitGPart(gp *part.GPart) {
	gp.AGrav = [3]float64{}
}

// Iact adds the Plummer-softened attraction between two gravity particles.
// dx = xi - xj.
func (p *Props) Iact(dx [3]float64, gi, gj *part.GPart) {
	d := vec(dx)
	r2 := r3.Norm2(d) + p.Epsilon*p.Epsilon
	f := p.G / (r2 * math.Sqrt(r2))
	for k, c := range [3]float64{d.X, d.Y, d.Z} {
		gi.AGrav[k] -= gj.Mass * f * c
		gj.AGrav[k] += gi.Mass * f * c
	}
}

// IactNonsym adds the attraction of gj on gi only.
func (p *Props) IactNonsym(dx [3]float64, gi, gj *part.GPart) {
	d := vec(dx)
	r2 := r3.Norm2(d) + p.Epsilon*p.Epsilon
	f := p.G * gj.Mass / (r2 * math.Sqrt(r2))
	gi.AGrav[0] -= f * d.X
	gi.AGrav[1] -= f * d.Y
	gi.AGrav[2] -= f * d.Z
}

// Timestep limits the step by the acceleration and the softening.
func (p *Props) Timestep(gp *part.GPart) float64 {
	a := r3.Norm(vec(gp.AGrav))
	if a == 0 {
		return math.MaxFloat64
	}
	return math.Sqrt(2 * p.Eta * p.Epsilon / a)
}

// Multipole is the monopole of a cell.
type Multipole struct {
	Mass float64
	CoM  r3.Vec
}

// Reset empties the multipole.
func (m *Multipole) Reset() { *m = Multipole{} }

// AddGParts accumulates the particles into the multipole.
func (m *Multipole) AddGParts(gparts []part.GPart) {
	mass := m.Mass
	sum := r3.Scale(mass, m.CoM)
	for i := range gparts {
		sum = r3.Add(sum, r3.Scale(gparts[i].Mass, vec(gparts[i].X)))
		mass += gparts[i].Mass
	}
	m.Mass = mass
	if mass > 0 {
		m.CoM = r3.Scale(1/mass, sum)
	}
}

// Add combines a child multipole into m.
func (m *Multipole) Add(o Multipole) {
	mass := m.Mass + o.Mass
	if mass == 0 {
		return
	}
	m.CoM = r3.Scale(1/mass, r3.Add(r3.Scale(m.Mass, m.CoM), r3.Scale(o.Mass, o.CoM)))
	m.Mass = mass
}

// IactMultipole adds the attraction of a distant multipole on gp. shift is
// added to the multipole position for periodic images.
func (p *Props) IactMultipole(gp *part.GPart, m Multipole, shift [3]float64) {
	if m.Mass == 0 {
		return
	}
	d := r3.Sub(vec(gp.X), r3.Add(m.CoM, vec(shift)))
	r2 := r3.Norm2(d) + p.Epsilon*p.Epsilon
	f := p.G * m.Mass / (r2 * math.Sqrt(r2))
	gp.AGrav[0] -= f * d.X
	gp.AGrav[1] -= f * d.Y
	gp.AGrav[2] -= f * d.Z
}
