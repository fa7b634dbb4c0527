package gravity

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pthm-cable/sphtasks/part"
)

func TestIact_Newton3(t *testing.T) {
	p := Props{G: 1, Epsilon: 0.01}
	gi := &part.GPart{X: [3]float64{0, 0, 0}, Mass: 1}
	gj := &part.GPart{X: [3]float64{1, 0, 0}, Mass: 3}
	dx := [3]float64{gi.X[0] - gj.X[0], 0, 0}
	p.Iact(dx, gi, gj)

	assert.Greater(t, gi.AGrav[0], 0.0)
	assert.Less(t, gj.AGrav[0], 0.0)
	assert.InDelta(t, 0, gi.Mass*gi.AGrav[0]+gj.Mass*gj.AGrav[0], 1e-12)
	assert.InDelta(t, 3.0, gi.AGrav[0], 1e-3)

	nonsym := part.GPart{Mass: 1}
	p.IactNonsym(dx, &nonsym, gj)
	assert.InDelta(t, gi.AGrav[0], nonsym.AGrav[0], 1e-12)
}

func TestMultipole_AddMatchesDirect(t *testing.T) {
	gparts := []part.GPart{
		{X: [3]float64{0, 0, 0}, Mass: 1},
		{X: [3]float64{1, 0, 0}, Mass: 1},
		{X: [3]float64{0, 2, 0}, Mass: 2},
	}
	var all Multipole
	all.AddGParts(gparts)

	var a, b Multipole
	a.AddGParts(gparts[:1])
	b.AddGParts(gparts[1:])
	a.Add(b)

	assert.InDelta(t, 4.0, all.Mass, 1e-12)
	assert.InDelta(t, all.CoM.X, a.CoM.X, 1e-12)
	assert.InDelta(t, all.CoM.Y, a.CoM.Y, 1e-12)
	assert.InDelta(t, 0.25, all.CoM.X, 1e-12)
	assert.InDelta(t, 1.0, all.CoM.Y, 1e-12)
}

func TestPointMass(t *testing.T) {
	pm := PointMass{Mass: 2, G: 1, TimestepMult: 0.1}
	gp := &part.GPart{X: [3]float64{2, 0, 0}}
	pm.Acceleration(gp)
	assert.InDelta(t, -0.5, gp.AGrav[0], 1e-12)
	assert.InDelta(t, -1.0, pm.Potential(gp.X), 1e-12)
	assert.InDelta(t, 0.2, pm.Timestep(gp), 1e-12)
}

func TestMesh_UniformHasNoEnergy(t *testing.T) {
	m := NewMesh(4, [3]float64{1, 1, 1})
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			for k := 0; k < 4; k++ {
				m.Assign([3]float64{(float64(i) + 0.5) / 4, (float64(j) + 0.5) / 4, (float64(k) + 0.5) / 4}, 1)
			}
		}
	}
	assert.InDelta(t, 0, m.PotentialEnergy(1), 1e-9)
}

func TestMesh_ClumpIsBound(t *testing.T) {
	m := NewMesh(8, [3]float64{1, 1, 1})
	m.Assign([3]float64{0.5, 0.5, 0.5}, 1)
	m.Assign([3]float64{0.55, 0.5, 0.5}, 1)
	assert.Less(t, m.PotentialEnergy(1), 0.0)
}
