package telemetry

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pthm-cable/sphtasks/config"
)

func TestOutputManager_Disabled(t *testing.T) {
	om, err := NewOutputManager("")
	require.NoError(t, err)
	assert.Nil(t, om)
	assert.NoError(t, om.WriteStep(StepStats{}))
	assert.NoError(t, om.Close())
	assert.Empty(t, om.Dir())
}

func TestOutputManager_WritesHeaderOnce(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "run")
	om, err := NewOutputManager(dir)
	require.NoError(t, err)

	require.NoError(t, om.WriteStep(StepStats{Step: 1, Time: 0.5, Updates: 10}))
	require.NoError(t, om.WriteStep(StepStats{Step: 2, Time: 1.0, Updates: 20}))
	require.NoError(t, om.WriteEnergies(Energies{Time: 1, Mass: 3}))
	require.NoError(t, om.WriteConfig(config.Default()))
	require.NoError(t, om.Close())

	data, err := os.ReadFile(filepath.Join(dir, "timesteps.csv"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "step,time,dt,"))
	assert.True(t, strings.HasPrefix(lines[2], "2,1,"))

	_, err = os.Stat(filepath.Join(dir, "config.yaml"))
	assert.NoError(t, err)
}

func TestSnapshot_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snap.csv")
	in := []ParticleRecord{
		{ID: 1, Gas: true, X: 0.25, Mass: 1, H: 0.1, Rho: 2, U: 3, TiEnd: 8},
		{ID: 2, X: 0.75, VZ: -1, Mass: 5},
	}
	require.NoError(t, WriteSnapshot(path, in))
	out, err := ReadSnapshot(path)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}
