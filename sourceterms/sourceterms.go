// Package sourceterms injects the energy of a point supernova.
package sourceterms

import (
	"sync/atomic"

	"github.com/pthm-cable/sphtasks/config"
	"github.com/pthm-cable/sphtasks/part"
)

// Supernova deposits a fixed energy once, into the gas of the leaf cell that
// contains its position, at the first step after its time.
type Supernova struct {
	Position [3]float64
	Energy   float64
	Time     float64

	done atomic.Bool
}

// New reads the source term section.
func New(cfg *config.Config) *Supernova {
	st := cfg.SourceTerms
	return &Supernova{Position: st.Position, Energy: st.Energy, Time: st.Time}
}

// Done reports whether the energy has been injected.
func (s *Supernova) Done() bool { return s.done.Load() }

// Due reports whether the supernova should go off at time t.
func (s *Supernova) Due(t float64) bool { return !s.done.Load() && t >= s.Time }

// Contains reports whether the cell [loc, loc+width) holds the position.
func (s *Supernova) Contains(loc, width [3]float64) bool {
	for k := 0; k < 3; k++ {
		if s.Position[k] < loc[k] || s.Position[k] >= loc[k]+width[k] {
			return false
		}
	}
	return true
}

// Inject spreads the energy over the particles in proportion to their mass.
// Only the first caller injects.
func (s *Supernova) Inject(parts []part.Part, xparts []part.XPart) bool {
	var mass float64
	for i := range parts {
		mass += parts[i].Mass
	}
	if mass == 0 || !s.done.CompareAndSwap(false, true) {
		return false
	}
	du := s.Energy / mass
	for i := range parts {
		parts[i].U += du
		xparts[i].UFull += du
	}
	return true
}
