package cli

import (
	"io"
	"os"
	"sync"

	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/pthm-cable/sphtasks/engine"
	"github.com/pthm-cable/sphtasks/ics"
	"github.com/pthm-cable/sphtasks/task"
)

// TasksOptions holds the flags of the tasks command.
type TasksOptions struct {
	*RootOptions
	Params  ParamOptions
	DotPath string
}

// NewTasksCommand creates the tasks command.
func NewTasksCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TasksOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Build the task graph and print its task counts",
		Long: `Build the space and task graph of the first step and print how many
tasks of each type every rank holds, and how many of them are skipped.
With --dot the dependency graph of rank 0 is written in Graphviz format.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTasks(opts, cmd)
		},
	}
	opts.Params.register(cmd)
	cmd.Flags().StringVar(&opts.DotPath, "dot", "", "write the task graph of rank 0 to this file")
	return cmd
}

type rankCounts struct {
	counts  [task.TypeCount + 1]int
	tasks   int
	unlocks int
}

func runTasks(opts *TasksOptions, cmd *cobra.Command) error {
	cfg, err := opts.Params.load(cmd)
	if err != nil {
		return err
	}
	parts, gparts, err := ics.Generate(cfg)
	if err != nil {
		return WrapExitError(ExitCommandError, "generating initial conditions", err)
	}

	var mu sync.Mutex
	ranks := make([]rankCounts, cfg.Derived.NrRanks)
	err = forEachRank(cfg, parts, gparts, engine.Options{}, func(e *engine.Engine) error {
		rc := rankCounts{
			counts:  e.Sched.Counts(),
			tasks:   e.Sched.NrTasks(),
			unlocks: e.Sched.NrUnlocks(),
		}
		mu.Lock()
		ranks[e.NodeID] = rc
		mu.Unlock()
		if e.NodeID != 0 || opts.DotPath == "" {
			return nil
		}
		f, err := os.Create(opts.DotPath)
		if err != nil {
			return err
		}
		if err := e.Sched.WriteDot(f); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	})
	if err != nil {
		return WrapExitError(ExitFailure, "building task graph", err)
	}
	printCounts(cmd.OutOrStdout(), ranks)
	return nil
}

// printCounts writes one row per task type present on any rank and one
// column per rank.
func printCounts(w io.Writer, ranks []rankCounts) {
	p := message.NewPrinter(language.English)
	p.Fprintf(w, "%-16s", "type")
	for r := range ranks {
		p.Fprintf(w, " %10s", p.Sprintf("rank %d", r))
	}
	p.Fprintln(w)

	row := func(name string, get func(rc rankCounts) int) {
		p.Fprintf(w, "%-16s", name)
		for _, rc := range ranks {
			p.Fprintf(w, " %10d", get(rc))
		}
		p.Fprintln(w)
	}
	for t := task.Type(0); t < task.TypeCount; t++ {
		present := false
		for _, rc := range ranks {
			present = present || rc.counts[t] > 0
		}
		if present {
			row(t.String(), func(rc rankCounts) int { return rc.counts[t] })
		}
	}
	row("skipped", func(rc rankCounts) int { return rc.counts[task.TypeCount] })
	row("total", func(rc rankCounts) int { return rc.tasks })
	row("unlocks", func(rc rankCounts) int { return rc.unlocks })
}
