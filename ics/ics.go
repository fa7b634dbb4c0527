// Package ics generates initial conditions: gas on a jittered lattice, the
// same lattice with a Sedov hot spot, or uniformly random gas.
package ics

import (
	"math"

	"github.com/rotisserie/eris"
	"golang.org/x/exp/rand"

	"github.com/pthm-cable/sphtasks/config"
	"github.com/pthm-cable/sphtasks/part"
)

// Kind names a generator.
type Kind string

const (
	KindLattice       Kind = "lattice"
	KindSedov         Kind = "sedov"
	KindUniformRandom Kind = "uniform_random"
)

// Kinds lists the available generators.
var Kinds = []Kind{KindLattice, KindSedov, KindUniformRandom}

// Generate builds the particles described by cfg.ICs in the configured box.
// With WithGravity set every gas particle gets a linked gravity particle.
func Generate(cfg *config.Config) ([]part.Part, []part.GPart, error) {
	ic := cfg.ICs
	if ic.NSide <= 0 {
		return nil, nil, eris.Errorf("initial conditions need n_side > 0, got %d", ic.NSide)
	}
	if ic.Density <= 0 {
		return nil, nil, eris.Errorf("initial conditions need a positive density, got %g", ic.Density)
	}
	box := cfg.Space.BoxSize
	rng := rand.New(rand.NewSource(ic.Seed))

	var parts []part.Part
	switch Kind(ic.Kind) {
	case KindLattice:
		parts = lattice(box, ic.NSide, ic.Perturbation, rng)
	case KindSedov:
		parts = lattice(box, ic.NSide, 0, rng)
	case KindUniformRandom:
		parts = uniform(box, ic.NSide*ic.NSide*ic.NSide, rng)
	default:
		return nil, nil, eris.Errorf("unknown initial conditions kind %q", ic.Kind)
	}

	n := len(parts)
	volume := box[0] * box[1] * box[2]
	mass := ic.Density * volume / float64(n)
	spacing := math.Cbrt(volume / float64(n))
	h := cfg.Hydro.ResolutionEta * spacing
	for i := range parts {
		p := &parts[i]
		p.ID = int64(i + 1)
		p.Mass = mass
		p.H = h
		p.U = ic.Energy
		p.GPart = -1
		if ic.Velocity > 0 {
			for k := 0; k < 3; k++ {
				p.V[k] = ic.Velocity * (2*rng.Float64() - 1)
			}
		}
	}
	if Kind(ic.Kind) == KindSedov {
		if err := sedov(parts, box, ic.BlastRadius, ic.BlastEnergy); err != nil {
			return nil, nil, err
		}
	}

	var gparts []part.GPart
	if ic.WithGravity {
		gparts = make([]part.GPart, n)
		for i := range parts {
			p := &parts[i]
			gparts[i] = part.GPart{
				X:       p.X,
				V:       p.V,
				Mass:    p.Mass,
				Epsilon: cfg.Gravity.Epsilon,
				ID:      p.ID,
				Part:    int32(i),
			}
			p.GPart = int32(i)
		}
	}
	return parts, gparts, nil
}

// lattice places nside^3 particles at cell centres, each moved by up to
// jitter/2 of the spacing in every direction.
func lattice(box [3]float64, nside int, jitter float64, rng *rand.Rand) []part.Part {
	parts := make([]part.Part, 0, nside*nside*nside)
	var dx [3]float64
	for k := 0; k < 3; k++ {
		dx[k] = box[k] / float64(nside)
	}
	for i := 0; i < nside; i++ {
		for j := 0; j < nside; j++ {
			for l := 0; l < nside; l++ {
				var p part.Part
				for k, n := range [3]int{i, j, l} {
					x := (float64(n) + 0.5) * dx[k]
					if jitter > 0 {
						x += jitter * dx[k] * (rng.Float64() - 0.5)
					}
					p.X[k] = min(max(x, 0), math.Nextafter(box[k], 0))
				}
				parts = append(parts, p)
			}
		}
	}
	return parts
}

func uniform(box [3]float64, n int, rng *rand.Rand) []part.Part {
	parts := make([]part.Part, n)
	for i := range parts {
		for k := 0; k < 3; k++ {
			parts[i].X[k] = rng.Float64() * box[k]
		}
	}
	return parts
}

// sedov deposits energy on the particles within radius (a fraction of the
// smallest box side) of the box centre, shared equally by mass.
func sedov(parts []part.Part, box [3]float64, radius, energy float64) error {
	r := radius * min(box[0], box[1], box[2])
	centre := [3]float64{box[0] / 2, box[1] / 2, box[2] / 2}
	var hot []int
	var m float64
	for i := range parts {
		var r2 float64
		for k := 0; k < 3; k++ {
			d := parts[i].X[k] - centre[k]
			r2 += d * d
		}
		if r2 <= r*r {
			hot = append(hot, i)
			m += parts[i].Mass
		}
	}
	if len(hot) == 0 {
		return eris.Errorf("blast radius %g holds no particle", r)
	}
	for _, i := range hot {
		parts[i].U += energy / m
	}
	return nil
}

// Share returns the particles rank of nrRanks starts with: every nrRanks-th
// gas particle from rank on and the dark matter picked the same way, with
// the gas-gravity links renumbered. The shares of all ranks are disjoint and
// cover the input.
func Share(parts []part.Part, gparts []part.GPart, rank, nrRanks int) ([]part.Part, []part.GPart) {
	if nrRanks <= 1 {
		return parts, gparts
	}
	var outP []part.Part
	var outG []part.GPart
	for i := rank; i < len(parts); i += nrRanks {
		p := parts[i]
		if p.GPart >= 0 {
			g := gparts[p.GPart]
			g.Part = int32(len(outP))
			p.GPart = int32(len(outG))
			outG = append(outG, g)
		}
		outP = append(outP, p)
	}
	dm := 0
	for i := range gparts {
		if gparts[i].Part >= 0 {
			continue
		}
		if dm%nrRanks == rank {
			outG = append(outG, gparts[i])
		}
		dm++
	}
	return outP, outG
}
