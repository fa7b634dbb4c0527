package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pthm-cable/sphtasks/config"
)

// ParamOptions are the flags that build the run parameters: a parameter
// file, -P overrides and shortcuts for the common switches.
type ParamOptions struct {
	ConfigPath string
	Sets       []string
	Ranks      int
	Threads    int
	Steps      int
	OutputDir  string

	policy policyFlags
}

// policyFlags mirror the engine policy bits. Only flags given on the
// command line override the parameter file.
type policyFlags struct {
	Steal           bool
	SetAffinity     bool
	FixDt           bool
	CPUTight        bool
	Hydro           bool
	SelfGravity     bool
	ExternalGravity bool
	Cosmology       bool
	DriftAll        bool
	Cooling         bool
	SourceTerms     bool
}

func (o *ParamOptions) register(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVarP(&o.ConfigPath, "config", "c", "", "parameter file (empty = defaults)")
	f.StringArrayVarP(&o.Sets, "param", "P", nil, "override a parameter, section:key=value (repeatable)")
	f.IntVar(&o.Ranks, "ranks", 0, "in-process ranks (0 = parameter file)")
	f.IntVarP(&o.Threads, "threads", "t", 0, "runners per rank (0 = parameter file)")
	f.IntVarP(&o.Steps, "steps", "n", 0, "stop once step N is done, counting from 0 (0 = parameter file)")
	f.StringVarP(&o.OutputDir, "output-dir", "o", "", "output directory (empty = parameter file)")

	p := &o.policy
	f.BoolVar(&p.Steal, "steal", false, "steal work from other queues")
	f.BoolVar(&p.SetAffinity, "setaffinity", false, "pin runners to CPUs")
	f.BoolVar(&p.FixDt, "fixdt", false, "every particle takes the maximal time-step")
	f.BoolVar(&p.CPUTight, "cputight", false, "runners spin instead of sleeping")
	f.BoolVar(&p.Hydro, "hydro", false, "run the SPH loops")
	f.BoolVar(&p.SelfGravity, "self-gravity", false, "particles attract each other")
	f.BoolVar(&p.ExternalGravity, "external-gravity", false, "apply the external point-mass potential")
	f.BoolVar(&p.Cosmology, "cosmology", false, "accepted, has no effect")
	f.BoolVar(&p.DriftAll, "drift-all", false, "drift every particle each step")
	f.BoolVar(&p.Cooling, "cooling", false, "radiate internal energy")
	f.BoolVar(&p.SourceTerms, "source-terms", false, "inject energy from source terms")
}

// load builds the parameters and validates them.
func (o *ParamOptions) load(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := o.build(cmd)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid parameters", err)
	}
	return cfg, nil
}

// build reads the parameter file and applies the -P overrides, then the
// flags given on the command line.
func (o *ParamOptions) build(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "loading parameters", err)
	}
	for _, s := range o.Sets {
		if err := cfg.Set(s); err != nil {
			return nil, WrapExitError(ExitCommandError, "applying override", err)
		}
	}

	f := cmd.Flags()
	var sets []string
	intFlag := func(name, key string, v int) {
		if f.Changed(name) {
			sets = append(sets, fmt.Sprintf("%s=%d", key, v))
		}
	}
	intFlag("ranks", "domain_decomposition:nr_ranks", o.Ranks)
	intFlag("threads", "scheduler:nr_threads", o.Threads)
	intFlag("steps", "time_integration:max_steps", o.Steps)
	if f.Changed("output-dir") {
		sets = append(sets, fmt.Sprintf("telemetry:output_dir=%q", o.OutputDir))
	}

	p := o.policy
	for _, b := range []struct {
		flag, key string
		on        bool
	}{
		{"steal", "steal", p.Steal},
		{"setaffinity", "set_affinity", p.SetAffinity},
		{"fixdt", "fixdt", p.FixDt},
		{"cputight", "cputight", p.CPUTight},
		{"hydro", "hydro", p.Hydro},
		{"self-gravity", "self_gravity", p.SelfGravity},
		{"external-gravity", "external_gravity", p.ExternalGravity},
		{"cosmology", "cosmology", p.Cosmology},
		{"drift-all", "drift_all", p.DriftAll},
		{"cooling", "cooling", p.Cooling},
		{"source-terms", "source_terms", p.SourceTerms},
	} {
		if f.Changed(b.flag) {
			sets = append(sets, fmt.Sprintf("policy:%s=%t", b.key, b.on))
		}
	}
	for _, s := range sets {
		if err := cfg.Set(s); err != nil {
			return nil, WrapExitError(ExitCommandError, "applying flag", err)
		}
	}
	return cfg, nil
}
