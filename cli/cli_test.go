package cli

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// execute runs the root command with args and returns its standard output.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

// small keeps the engine runs of these tests to a few hundred particles.
var small = []string{
	"--threads", "2",
	"-P", "initial_conditions:n_side=8",
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "sphtasks", cmd.Use)

	for _, name := range []string{"run", "tasks", "validate"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}

	verbose := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verbose)
	assert.Equal(t, "v", verbose.Shorthand)
	format := cmd.PersistentFlags().Lookup("log-format")
	require.NotNil(t, format)
	assert.Equal(t, "json", format.DefValue)
}

func TestRootCommand_BadLogFormat(t *testing.T) {
	_, err := execute(t, "validate", "--log-format", "xml")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestParamOptions_Build(t *testing.T) {
	opts := &ParamOptions{}
	cmd := &cobra.Command{Use: "test"}
	opts.register(cmd)
	require.NoError(t, cmd.ParseFlags([]string{
		"-P", "space:periodic=false",
		"-P", "space:box_size=[2, 2, 2]",
		"--threads", "3",
		"--ranks", "2",
		"--fixdt",
		"--steal=false",
		"--setaffinity",
		"-o", "out dir",
	}))

	cfg, err := opts.load(cmd)
	require.NoError(t, err)
	assert.False(t, cfg.Space.Periodic)
	assert.Equal(t, [3]float64{2, 2, 2}, cfg.Space.BoxSize)
	assert.Equal(t, 3, cfg.Derived.NrThreads)
	assert.Equal(t, 2, cfg.Derived.NrRanks)
	assert.True(t, cfg.Policy.FixDt)
	assert.False(t, cfg.Policy.Steal)
	assert.True(t, cfg.Policy.SetAffinity)
	assert.Equal(t, "out dir", cfg.Telemetry.OutputDir)

	// Flags left alone keep the defaults.
	assert.True(t, cfg.Policy.Hydro)
	assert.False(t, cfg.Policy.Cooling)
}

func TestParamOptions_ConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "params.yaml")
	require.NoError(t, os.WriteFile(path, []byte("space:\n  split_size: 50\npolicy:\n  cooling: true\n"), 0644))

	opts := &ParamOptions{}
	cmd := &cobra.Command{Use: "test"}
	opts.register(cmd)
	require.NoError(t, cmd.ParseFlags([]string{"-c", path, "-P", "space:split_size=60"}))

	cfg, err := opts.load(cmd)
	require.NoError(t, err)
	assert.Equal(t, 60, cfg.Space.SplitSize)
	assert.True(t, cfg.Policy.Cooling)
}

func TestValidateCommand(t *testing.T) {
	tests := []struct {
		name string
		args []string
		code int
		want string
	}{
		{"defaults", nil, ExitSuccess, "Parameters valid"},
		{"bad value", []string{"-P", "initial_conditions:n_side=0"}, ExitFailure, "Invalid parameters"},
		{"self gravity on two ranks", []string{"--self-gravity", "--ranks", "2"}, ExitFailure, "Invalid parameters"},
		{"malformed override", []string{"-P", "space:periodic"}, ExitCommandError, ""},
		{"missing file", []string{"-c", "does/not/exist.yaml"}, ExitCommandError, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := execute(t, append([]string{"validate"}, tt.args...)...)
			assert.Equal(t, tt.code, GetExitCode(err))
			if tt.want != "" {
				assert.Contains(t, out, tt.want)
			}
		})
	}
}

func TestTasksCommand(t *testing.T) {
	dot := filepath.Join(t.TempDir(), "tasks.dot")
	out, err := execute(t, append([]string{"tasks", "--dot", dot}, small...)...)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.NotEmpty(t, lines)
	assert.Contains(t, lines[0], "rank 0")
	for _, name := range []string{"self", "pair", "ghost", "kick", "init", "skipped", "total", "unlocks"} {
		assert.Contains(t, out, "\n"+name+" ", "missing row %q", name)
	}

	data, err := os.ReadFile(dot)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "digraph"))
}

func TestTasksCommand_TwoRanks(t *testing.T) {
	out, err := execute(t, append([]string{"tasks", "--ranks", "2"}, small...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "rank 1")
	assert.Contains(t, out, "\nsend ")
	assert.Contains(t, out, "\nrecv ")
}

func TestRunCommand(t *testing.T) {
	dir := t.TempDir()
	// Steps are numbered from 0, so stopping at step 2 runs three.
	args := append([]string{"run", "--steps", "2", "-o", dir, "-P", "telemetry:task_log=true"}, small...)
	out, err := execute(t, args...)
	require.NoError(t, err)
	assert.Contains(t, out, "Ran 3 steps")
	assert.Contains(t, out, "512 particles")

	for _, name := range []string{"config.yaml", "timesteps.csv", "statistics.csv", "perf.csv", TaskLogName} {
		assert.FileExists(t, filepath.Join(dir, name))
	}
	steps, err := os.ReadFile(filepath.Join(dir, "timesteps.csv"))
	require.NoError(t, err)
	// Header plus one line per step.
	assert.Len(t, strings.Split(strings.TrimSpace(string(steps)), "\n"), 4)
}

func TestRunCommand_TwoRanks(t *testing.T) {
	args := append([]string{"run", "--steps", "1", "--ranks", "2"}, small...)
	out, err := execute(t, args...)
	require.NoError(t, err)
	assert.Contains(t, out, "Ran 2 steps")
	assert.Contains(t, out, "512 particles on 2 ranks")
}

func TestRunCommand_TaskLogNeedsOutputDir(t *testing.T) {
	args := append([]string{"run", "--steps", "1", "-P", "telemetry:task_log=true"}, small...)
	_, err := execute(t, args...)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitSuccess, GetExitCode(nil))
	assert.Equal(t, ExitFailure, GetExitCode(io.EOF))
	assert.Equal(t, ExitCommandError, GetExitCode(NewExitError(ExitCommandError, "bad")))
	wrapped := WrapExitError(ExitFailure, "run", io.EOF)
	assert.ErrorIs(t, wrapped, io.EOF)
	assert.Equal(t, "run: EOF", wrapped.Error())
}
