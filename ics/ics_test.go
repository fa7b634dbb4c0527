package ics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pthm-cable/sphtasks/config"
)

func testConfig(kind string) *config.Config {
	cfg := config.Default()
	cfg.ICs.Kind = kind
	cfg.ICs.NSide = 6
	cfg.ICs.BlastRadius = 0.2
	return cfg
}

func TestGenerate(t *testing.T) {
	tests := []struct {
		kind string
	}{
		{"lattice"},
		{"sedov"},
		{"uniform_random"},
	}
	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			cfg := testConfig(tt.kind)
			parts, gparts, err := Generate(cfg)
			require.NoError(t, err)
			require.Len(t, parts, 216)
			assert.Empty(t, gparts)

			var mass float64
			ids := make(map[int64]bool)
			for _, p := range parts {
				mass += p.Mass
				assert.False(t, ids[p.ID], "duplicate id %d", p.ID)
				ids[p.ID] = true
				assert.Equal(t, int32(-1), p.GPart)
				assert.Greater(t, p.H, 0.0)
				for k := 0; k < 3; k++ {
					assert.GreaterOrEqual(t, p.X[k], 0.0)
					assert.Less(t, p.X[k], cfg.Space.BoxSize[k])
				}
			}
			assert.InDelta(t, cfg.ICs.Density, mass, 1e-9)
		})
	}
}

func TestGenerate_SedovEnergy(t *testing.T) {
	cfg := testConfig("sedov")
	cfg.ICs.Energy = 0
	cfg.ICs.BlastRadius = 0.2
	cfg.ICs.BlastEnergy = 3

	parts, _, err := Generate(cfg)
	require.NoError(t, err)
	var e float64
	hot := 0
	for _, p := range parts {
		e += p.Mass * p.U
		if p.U > 0 {
			hot++
		}
	}
	assert.InDelta(t, 3.0, e, 1e-9)
	assert.Greater(t, hot, 0)
	assert.Less(t, hot, len(parts))
}

func TestGenerate_Errors(t *testing.T) {
	cfg := testConfig("spiral")
	_, _, err := Generate(cfg)
	assert.Error(t, err)

	cfg = testConfig("lattice")
	cfg.ICs.NSide = 0
	_, _, err = Generate(cfg)
	assert.Error(t, err)

	cfg = testConfig("sedov")
	cfg.ICs.BlastRadius = 1e-6
	_, _, err = Generate(cfg)
	assert.Error(t, err)
}

func TestGenerate_Deterministic(t *testing.T) {
	a, _, err := Generate(testConfig("uniform_random"))
	require.NoError(t, err)
	b, _, err := Generate(testConfig("uniform_random"))
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestShare(t *testing.T) {
	cfg := testConfig("lattice")
	cfg.ICs.WithGravity = true
	parts, gparts, err := Generate(cfg)
	require.NoError(t, err)
	require.Len(t, gparts, len(parts))

	seen := make(map[int64]int)
	total := 0
	for rank := 0; rank < 3; rank++ {
		p, g := Share(parts, gparts, rank, 3)
		total += len(p)
		require.Len(t, g, len(p))
		for i := range p {
			seen[p[i].ID]++
			require.GreaterOrEqual(t, p[i].GPart, int32(0))
			gp := g[p[i].GPart]
			assert.Equal(t, int32(i), gp.Part)
			assert.Equal(t, p[i].ID, gp.ID)
		}
	}
	assert.Equal(t, len(parts), total)
	for id, n := range seen {
		assert.Equal(t, 1, n, "particle %d", id)
	}
}
