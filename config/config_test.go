package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, [3]float64{1, 1, 1}, cfg.Space.BoxSize)
	assert.True(t, cfg.Policy.Hydro)
	assert.Equal(t, 1, cfg.Derived.NrRanks)
	assert.Greater(t, cfg.Derived.NrThreads, 0)
	assert.Equal(t, cfg.Derived.NrThreads, cfg.Derived.NrQueues)
	assert.InDelta(t, 1.0/MaxNrTimesteps, cfg.Derived.TimeBase, 1e-18)
	require.NoError(t, cfg.Validate())
}

func TestLoad_OverlaysUserFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "params.yml")
	require.NoError(t, os.WriteFile(path, []byte("scheduler:\n  nr_threads: 3\nspace:\n  periodic: false\n"), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Scheduler.NrThreads)
	assert.Equal(t, 3, cfg.Derived.NrQueues)
	assert.False(t, cfg.Space.Periodic)
	// Untouched keys keep their defaults.
	assert.Equal(t, 400, cfg.Space.SplitSize)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config file")
}

func TestSet(t *testing.T) {
	cfg := Default()

	require.NoError(t, cfg.Set("hydro:resolution_eta=1.5"))
	assert.Equal(t, 1.5, cfg.Hydro.ResolutionEta)

	require.NoError(t, cfg.Set("space:box_size=[2, 3, 4]"))
	assert.Equal(t, [3]float64{2, 3, 4}, cfg.Space.BoxSize)

	require.NoError(t, cfg.Set("time_integration:time_end=2"))
	assert.InDelta(t, 2.0/MaxNrTimesteps, cfg.Derived.TimeBase, 1e-18)

	assert.Error(t, cfg.Set("hydro:resolution_eta"))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(*Config) {}, true},
		{"negative split size", func(c *Config) { c.Space.SplitSize = -1 }, false},
		{"unknown repartition", func(c *Config) { c.Domain.RepartitionType = "random" }, false},
		{"time end before begin", func(c *Config) { c.TimeIntegration.TimeEnd = -1 }, false},
		{"self gravity on two ranks", func(c *Config) {
			c.Policy.SelfGravity = true
			c.Domain.NrRanks = 2
		}, false},
		{"statistics disabled", func(c *Config) { c.Statistics.DeltaTime = 0 }, true},
		{"self gravity on one rank", func(c *Config) { c.Policy.SelfGravity = true }, true},
		{"cooling without hydro", func(c *Config) {
			c.Policy.Cooling = true
			c.Policy.Hydro = false
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestWriteYAML_RoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Scheduler.MaxSteal = 7
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, cfg.WriteYAML(path))

	back, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, back.Scheduler.MaxSteal)
}
