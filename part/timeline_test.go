package part

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIntegerTimestep_PowerOfTwo(t *testing.T) {
	tl := NewTimeline(0, 1)
	for _, dt := range []float64{1e-2, 3e-3, 0.25, 1e-7} {
		dti := tl.IntegerTimestep(dt, 0, 0)
		assert.Greater(t, dti, 0)
		assert.Zero(t, dti&(dti-1), "dt=%g gave %d", dt, dti)
		assert.LessOrEqual(t, tl.Dt(dti), dt)
		assert.Greater(t, tl.Dt(2*dti), dt)
	}
}

func TestIntegerTimestep_LimitsGrowth(t *testing.T) {
	tl := NewTimeline(0, 1)
	cur := 1 << 10
	dti := tl.IntegerTimestep(1.0, cur, 2*cur)
	assert.Equal(t, 2*cur, dti)
}

func TestIntegerTimestep_StaysSynchronised(t *testing.T) {
	tl := NewTimeline(0, 1)
	cur := 1 << 10
	// Ending at an odd multiple of cur, a doubled step would leave the grid.
	dti := tl.IntegerTimestep(1.0, cur*2, cur*3)
	assert.Equal(t, cur, dti)
}

func TestRelink(t *testing.T) {
	parts := []Part{{GPart: 1}, {GPart: -1}, {GPart: 0}}
	gparts := []GPart{{Part: -1}, {Part: -1}}
	Relink(parts, gparts)
	assert.Equal(t, int32(2), gparts[0].Part)
	assert.Equal(t, int32(0), gparts[1].Part)

	parts[0].GPart, parts[2].GPart = -1, -1
	RelinkGParts(gparts, parts)
	assert.Equal(t, int32(0), parts[2].GPart)
	assert.Equal(t, int32(1), parts[0].GPart)
}
