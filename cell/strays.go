package cell

import (
	"github.com/rotisserie/eris"

	"github.com/pthm-cable/sphtasks/part"
)

// Strays is a batch of particles leaving this rank. Links between Parts and
// GParts are indices local to the batch.
type Strays struct {
	Parts  []part.Part
	XParts []part.XPart
	GParts []part.GPart
}

// Len is the number of particles in the batch.
func (b *Strays) Len() int { return len(b.Parts) + len(b.GParts) }

// ExtractStrays removes every particle whose top cell is owned by another
// rank and returns them grouped by destination. Dark matter gparts follow
// their own position and gas gparts follow their part.
func (s *Space) ExtractStrays() (map[int]*Strays, error) {
	if err := s.WrapParticles(); err != nil {
		return nil, err
	}
	out := make(map[int]*Strays)
	batch := func(node int) *Strays {
		b, ok := out[node]
		if !ok {
			b = &Strays{}
			out[node] = b
		}
		return b
	}

	gpartDest := make([]int, len(s.GParts))
	for i := range gpartDest {
		gpartDest[i] = -1
	}

	keptParts := 0
	for i := range s.Parts {
		p := s.Parts[i]
		node := s.CellsTop[s.TopIndex(p.X)].NodeID
		if node == s.NodeID {
			s.Parts[keptParts] = p
			s.XParts[keptParts] = s.XParts[i]
			if p.GPart >= 0 {
				s.GParts[p.GPart].Part = int32(keptParts)
			}
			keptParts++
			continue
		}
		b := batch(node)
		if p.GPart >= 0 {
			g := p.GPart
			gpartDest[g] = node
			p.GPart = int32(len(b.GParts))
			gp := s.GParts[g]
			gp.Part = int32(len(b.Parts))
			b.GParts = append(b.GParts, gp)
		}
		b.Parts = append(b.Parts, p)
		b.XParts = append(b.XParts, s.XParts[i])
	}
	s.Parts = s.Parts[:keptParts]
	s.XParts = s.XParts[:keptParts]

	keptG := 0
	for i := range s.GParts {
		gp := s.GParts[i]
		if gpartDest[i] >= 0 {
			continue
		}
		if gp.Part < 0 {
			node := s.CellsTop[s.TopIndex(gp.X)].NodeID
			if node != s.NodeID {
				b := batch(node)
				b.GParts = append(b.GParts, gp)
				continue
			}
		}
		s.GParts[keptG] = gp
		keptG++
	}
	s.GParts = s.GParts[:keptG]
	part.RelinkGParts(s.GParts, s.Parts)
	return out, nil
}

// AppendStrays adds received particles to the local arrays, translating the
// batch-local links.
func (s *Space) AppendStrays(b *Strays) error {
	if len(b.Parts) != len(b.XParts) {
		return eris.Errorf("stray batch has %d parts but %d xparts", len(b.Parts), len(b.XParts))
	}
	pOff, gOff := int32(len(s.Parts)), int32(len(s.GParts))
	for _, p := range b.Parts {
		if p.GPart >= 0 {
			if int(p.GPart) >= len(b.GParts) {
				return eris.Errorf("stray part %d links to gpart %d outside the batch", p.ID, p.GPart)
			}
			p.GPart += gOff
		}
		s.Parts = append(s.Parts, p)
	}
	s.XParts = append(s.XParts, b.XParts...)
	for _, gp := range b.GParts {
		if gp.Part >= 0 {
			gp.Part += pOff
		}
		s.GParts = append(s.GParts, gp)
	}
	return nil
}
