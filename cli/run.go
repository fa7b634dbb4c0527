package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/pthm-cable/sphtasks/comm"
	"github.com/pthm-cable/sphtasks/config"
	"github.com/pthm-cable/sphtasks/engine"
	"github.com/pthm-cable/sphtasks/ics"
	"github.com/pthm-cable/sphtasks/part"
	"github.com/pthm-cable/sphtasks/telemetry"
)

// TaskLogName is the task log file inside the output directory.
const TaskLogName = "tasks.db"

// RunOptions holds the flags of the run command.
type RunOptions struct {
	*RootOptions
	Params ParamOptions
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a simulation",
		Long: `Run a simulation from the built-in initial conditions.

Parameters come from the embedded defaults, overlaid by --config and then
by every -P override in order. Policy flags given on the command line win
over both.

Example:
  sphtasks run -c params.yaml -o out/
  sphtasks run --ranks 2 --threads 4 -P initial_conditions:kind=sedov --steps 50`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulation(opts, cmd)
		},
	}
	opts.Params.register(cmd)
	return cmd
}

// runResult summarises one rank's run.
type runResult struct {
	Steps       int
	Time        float64
	Parts       int
	Interrupted bool
}

func runSimulation(opts *RunOptions, cmd *cobra.Command) error {
	cfg, err := opts.Params.load(cmd)
	if err != nil {
		return err
	}

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	out, err := telemetry.NewOutputManager(cfg.Telemetry.OutputDir)
	if err != nil {
		return WrapExitError(ExitCommandError, "creating output directory", err)
	}
	defer func() {
		if err := out.Close(); err != nil {
			slog.Error("closing output files", "error", err)
		}
	}()
	if err := out.WriteConfig(cfg); err != nil {
		return WrapExitError(ExitCommandError, "saving parameters", err)
	}

	var taskLog *telemetry.TaskLog
	if cfg.Telemetry.TaskLog {
		if out == nil {
			return NewExitError(ExitCommandError, "telemetry.task_log needs telemetry.output_dir")
		}
		taskLog, err = telemetry.OpenTaskLog(filepath.Join(out.Dir(), TaskLogName), cfg.Derived.NrRanks)
		if err != nil {
			return WrapExitError(ExitCommandError, "opening task log", err)
		}
		defer func() {
			if err := taskLog.Close(); err != nil {
				slog.Error("closing task log", "error", err)
			}
		}()
		slog.Info("task log open", "run_id", taskLog.RunID())
	}

	parts, gparts, err := ics.Generate(cfg)
	if err != nil {
		return WrapExitError(ExitCommandError, "generating initial conditions", err)
	}
	slog.Info("initial conditions",
		"kind", cfg.ICs.Kind,
		"parts", len(parts),
		"gparts", len(gparts),
		"ranks", cfg.Derived.NrRanks,
	)

	results := make([]runResult, cfg.Derived.NrRanks)
	err = forEachRank(cfg, parts, gparts, engine.Options{Output: out, TaskLog: taskLog},
		func(e *engine.Engine) error {
			res, err := stepUntilDone(ctx, e)
			results[e.NodeID] = res
			return err
		})
	if err != nil {
		return WrapExitError(ExitFailure, "simulation failed", err)
	}

	var nParts int
	for _, r := range results {
		nParts += r.Parts
	}
	res := results[0]
	p := message.NewPrinter(language.English)
	if res.Interrupted {
		p.Fprintf(cmd.OutOrStdout(), "Interrupted after %d steps at t=%g\n", res.Steps, res.Time)
		return nil
	}
	p.Fprintf(cmd.OutOrStdout(), "Ran %d steps to t=%g with %d particles on %d ranks\n",
		res.Steps, res.Time, nParts, len(results))
	return nil
}

// forEachRank starts one engine per rank over its share of the particles,
// brings it to the start of the first step and hands it to fn. A rank that
// fails aborts the world so the others stop waiting for it.
func forEachRank(cfg *config.Config, parts []part.Part, gparts []part.GPart, opts engine.Options,
	fn func(e *engine.Engine) error) error {
	n := cfg.Derived.NrRanks
	world := comm.NewWorld(n)

	var g errgroup.Group
	for rank := 0; rank < n; rank++ {
		p, gp := ics.Share(parts, gparts, rank, n)
		g.Go(func() error {
			err := runRank(cfg, world.Comm(rank), p, gp, opts, fn)
			if err != nil {
				world.Abort(err)
				return eris.Wrapf(err, "rank %d", rank)
			}
			return nil
		})
	}
	return g.Wait()
}

func runRank(cfg *config.Config, c *comm.Comm, parts []part.Part, gparts []part.GPart, opts engine.Options,
	fn func(e *engine.Engine) error) (err error) {
	e, err := engine.New(cfg, c, parts, gparts, opts)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := e.Clean(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	if err := e.InitParticles(); err != nil {
		return err
	}
	return fn(e)
}

// stepUntilDone steps e until the end of the run. Cancellation is agreed
// on by every rank before the next step so that none is left waiting.
func stepUntilDone(ctx context.Context, e *engine.Engine) (runResult, error) {
	res := runResult{}
	for !e.IsDone() {
		stop := 0
		if ctx.Err() != nil {
			stop = 1
		}
		stop, err := e.Comm().AllReduceInt(stop, comm.Max)
		if err != nil {
			return res, err
		}
		if stop > 0 {
			if e.NodeID == 0 {
				slog.Warn("interrupted", "step", e.StepNum, "time", e.Time)
			}
			res.Interrupted = true
			break
		}
		if err := e.Step(); err != nil {
			return res, err
		}
	}
	res.Steps = e.StepNum + 1
	res.Time = e.Time
	res.Parts = len(e.Space.Parts)
	return res, nil
}
