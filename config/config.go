// Package config provides parameter-file loading and access for the engine.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// MaxNrTimesteps is the length of the integer time-line.
const MaxNrTimesteps = 1 << 28

// Config holds all engine parameters.
type Config struct {
	Scheduler         SchedulerConfig         `yaml:"scheduler"`
	Space             SpaceConfig             `yaml:"space"`
	Hydro             HydroConfig             `yaml:"hydro"`
	TimeIntegration   TimeIntegrationConfig   `yaml:"time_integration"`
	Gravity           GravityConfig           `yaml:"gravity"`
	ExternalPotential ExternalPotentialConfig `yaml:"external_potential"`
	Cooling           CoolingConfig           `yaml:"cooling"`
	SourceTerms       SourceTermsConfig       `yaml:"source_terms"`
	Statistics        StatisticsConfig        `yaml:"statistics"`
	Snapshots         SnapshotsConfig         `yaml:"snapshots"`
	Domain            DomainConfig            `yaml:"domain_decomposition"`
	Policy            PolicyConfig            `yaml:"policy"`
	Telemetry         TelemetryConfig         `yaml:"telemetry"`
	ICs               ICsConfig               `yaml:"initial_conditions"`

	// Derived values computed after loading
	Derived DerivedConfig `yaml:"-"`
}

// SchedulerConfig holds task scheduling parameters.
type SchedulerConfig struct {
	NrThreads     int  `yaml:"nr_threads"`      // Runners per rank (0 = GOMAXPROCS)
	NrQueues      int  `yaml:"nr_queues"`       // Queues per rank (0 = nr_threads)
	MaxTries      int  `yaml:"max_tries"`       // Retries on the preferred queue before stealing
	MaxSteal      int  `yaml:"max_steal"`       // Random steal attempts per retry
	SearchWindow  int  `yaml:"search_window"`   // Ready tasks inspected per pop
	TasksPerCell  int  `yaml:"tasks_per_cell"`  // Task array size per top cell; doubled on overflow
	ReweightSteps int  `yaml:"reweight_steps"`  // Reweight the graph from measured ticks every N steps
	ForceSplit    bool `yaml:"force_split"`     // Split oversized pairs even when they are not splittable
	DumpTasks     bool `yaml:"dump_tasks"`      // Write a per-step task CSV
	Verbose       bool `yaml:"verbose"`         // Debug-level timing logs
}

// SpaceConfig holds cell tree parameters.
type SpaceConfig struct {
	BoxSize       [3]float64 `yaml:"box_size"`
	Periodic      bool       `yaml:"periodic"`
	SplitSize     int        `yaml:"split_size"`      // Split cells with more particles than this
	SubSize       int        `yaml:"sub_size"`        // Keep sub-tasks below count_i*count_j of this
	MaxDepth      int        `yaml:"max_depth"`       // Tree depth limit
	MaxSize       int        `yaml:"max_size"`        // Pairs of cells both larger than this are force-split
	Stretch       float64    `yaml:"stretch"`         // Margin on h_max when sizing top cells
	MaxRelDx      float64    `yaml:"max_rel_dx"`      // Rebuild when dx_max exceeds this fraction of a cell
	MinTopWidth   float64    `yaml:"min_top_width"`   // Lower bound on top-level cell width (0 = none)
	MaxTopCells   int        `yaml:"max_top_cells"`   // Upper bound on top cells per dimension
	InitialH      float64    `yaml:"initial_h"`       // Smoothing length used when ICs carry none
}

// HydroConfig holds SPH parameters.
type HydroConfig struct {
	ResolutionEta          float64 `yaml:"resolution_eta"`           // h = eta * mean inter-particle spacing
	DeltaNeighbours        float64 `yaml:"delta_neighbours"`         // Tolerance on the weighted neighbour count
	MaxSmoothingIterations int     `yaml:"max_smoothing_iterations"` // Newton iterations in the ghost
	CFL                    float64 `yaml:"cfl_condition"`
	LogMaxHChange          float64 `yaml:"log_max_h_change"` // Limit on |dlog h| per step
	AdiabaticIndex         float64 `yaml:"adiabatic_index"`
	ViscosityAlpha         float64 `yaml:"viscosity_alpha"`
	ExtraLoop              bool    `yaml:"extra_loop"` // Run the gradient loop between density and force
}

// TimeIntegrationConfig holds time-line parameters.
type TimeIntegrationConfig struct {
	TimeBegin float64 `yaml:"time_begin"`
	TimeEnd   float64 `yaml:"time_end"`
	DtMin     float64 `yaml:"dt_min"`
	DtMax     float64 `yaml:"dt_max"`
	MaxSteps  int     `yaml:"max_steps"` // Stop once this step number is done (0 = run to time_end)
}

// GravityConfig holds self-gravity parameters.
type GravityConfig struct {
	G         float64 `yaml:"g"`
	Epsilon   float64 `yaml:"epsilon"`    // Plummer softening
	Eta       float64 `yaml:"eta"`        // Time-step accuracy parameter
	MeshCells int     `yaml:"mesh_cells"` // Mesh resolution for the potential-energy FFT (0 = top grid)
}

// ExternalPotentialConfig holds the point-mass potential.
type ExternalPotentialConfig struct {
	Position     [3]float64 `yaml:"position"`
	Mass         float64    `yaml:"mass"`
	TimestepMult float64    `yaml:"timestep_mult"`
}

// CoolingConfig holds constant-rate cooling parameters.
type CoolingConfig struct {
	DuDt         float64 `yaml:"du_dt"`          // Internal energy change per unit time (negative cools)
	MinEnergy    float64 `yaml:"min_energy"`     // Floor on specific internal energy
	TimestepMult float64 `yaml:"timestep_mult"`
}

// SourceTermsConfig holds the point supernova.
type SourceTermsConfig struct {
	Position [3]float64 `yaml:"position"`
	Energy   float64    `yaml:"energy"`
	Time     float64    `yaml:"time"`
}

// StatisticsConfig holds energy statistics output.
type StatisticsConfig struct {
	DeltaTime float64 `yaml:"delta_time"`
}

// SnapshotsConfig holds snapshot schedule.
type SnapshotsConfig struct {
	Basename  string  `yaml:"basename"`
	TimeFirst float64 `yaml:"time_first"`
	DeltaTime float64 `yaml:"delta_time"` // 0 disables snapshots
}

// DomainConfig holds rank decomposition parameters.
type DomainConfig struct {
	NrRanks           int    `yaml:"nr_ranks"`            // In-process ranks
	InitialType       string `yaml:"initial_type"`        // grid | vectorized | graph_weighted | graph_unweighted
	InitialGrid       [3]int `yaml:"initial_grid"`        // Grid factors for the grid initial type (0 = derive)
	RepartitionType   string `yaml:"repartition_type"`    // none | both | vertex | edge | vertex_edge
	RepartitionPeriod int    `yaml:"repartition_period"`  // Force a repartition every N steps
	MaxProxies        int    `yaml:"max_proxies"`
}

// PolicyConfig holds the engine policy switches.
type PolicyConfig struct {
	Steal           bool `yaml:"steal"`
	SetAffinity     bool `yaml:"set_affinity"`
	FixDt           bool `yaml:"fixdt"`
	CPUTight        bool `yaml:"cputight"`
	Hydro           bool `yaml:"hydro"`
	SelfGravity     bool `yaml:"self_gravity"`
	ExternalGravity bool `yaml:"external_gravity"`
	Cosmology       bool `yaml:"cosmology"`
	DriftAll        bool `yaml:"drift_all"`
	Cooling         bool `yaml:"cooling"`
	SourceTerms     bool `yaml:"source_terms"`
}

// TelemetryConfig holds output parameters.
type TelemetryConfig struct {
	OutputDir           string `yaml:"output_dir"`            // Empty disables file output
	TaskLog             bool   `yaml:"task_log"`              // Record per-task ticks in SQLite
	PerfCollectorWindow int    `yaml:"perf_collector_window"` // Steps averaged in perf stats
	PerfEvery           int    `yaml:"perf_every"`            // Log perf stats every N steps
}

// ICsConfig holds the built-in initial-condition generator settings.
type ICsConfig struct {
	Kind         string  `yaml:"kind"`          // lattice | sedov | uniform_random
	NSide        int     `yaml:"n_side"`        // Particles per dimension
	Density      float64 `yaml:"density"`
	Energy       float64 `yaml:"energy"`        // Specific internal energy
	Perturbation float64 `yaml:"perturbation"`  // Lattice jitter as a fraction of spacing
	Velocity     float64 `yaml:"velocity"`      // Random velocity amplitude
	Seed         uint64  `yaml:"seed"`
	Entropic     bool    `yaml:"entropic"`      // Energy field holds entropy, converted after density
	BlastEnergy  float64 `yaml:"blast_energy"`  // Sedov total energy
	BlastRadius  float64 `yaml:"blast_radius"`  // Sedov hot-spot radius in box units
	WithGravity  bool    `yaml:"with_gravity"`  // Create linked gravity particles
}

// DerivedConfig holds computed values derived from the loaded config.
type DerivedConfig struct {
	TimeBase         float64 // Physical time per integer tick
	TimeBaseInv      float64
	NrThreads        int
	NrQueues         int
	NrRanks          int
}

// global holds the loaded configuration.
var global *Config

// Init loads configuration from the given path, or uses embedded defaults if path is empty.
// Must be called before Cfg().
func Init(path string) error {
	cfg, err := Load(path)
	if err != nil {
		return err
	}
	global = cfg
	return nil
}

// Cfg returns the global configuration. Panics if Init was not called.
func Cfg() *Config {
	if global == nil {
		panic("config: Cfg() called before Init()")
	}
	return global
}

// Default returns the embedded defaults with derived values computed.
func Default() *Config {
	cfg, err := Load("")
	if err != nil {
		panic(fmt.Sprintf("config: embedded defaults: %v", err))
	}
	return cfg
}

// Load loads configuration from a YAML file, merging with embedded defaults.
// If path is empty, only embedded defaults are used.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(defaultsYAML, cfg); err != nil {
		return nil, fmt.Errorf("parsing embedded defaults: %w", err)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Only overwrites fields present in file
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	cfg.computeDerived()
	return cfg, nil
}

// Set overrides a single parameter given as "section:key=value" (nested keys are
// colon-separated). The value is parsed as a YAML scalar or flow sequence.
func (c *Config) Set(assignment string) error {
	path, value, ok := strings.Cut(assignment, "=")
	if !ok {
		return fmt.Errorf("parameter %q: expected section:key=value", assignment)
	}
	keys := strings.Split(strings.TrimSpace(path), ":")

	var b strings.Builder
	for depth, k := range keys {
		b.WriteString(strings.Repeat("  ", depth))
		b.WriteString(strings.TrimSpace(k))
		b.WriteString(":")
		if depth == len(keys)-1 {
			b.WriteString(" ")
			b.WriteString(strings.TrimSpace(value))
		}
		b.WriteString("\n")
	}

	if err := yaml.Unmarshal([]byte(b.String()), c); err != nil {
		return fmt.Errorf("parameter %q: %w", assignment, err)
	}
	c.computeDerived()
	return nil
}

// computeDerived calculates values derived from loaded config.
func (c *Config) computeDerived() {
	span := c.TimeIntegration.TimeEnd - c.TimeIntegration.TimeBegin
	c.Derived.TimeBase = span / MaxNrTimesteps
	if c.Derived.TimeBase > 0 {
		c.Derived.TimeBaseInv = 1 / c.Derived.TimeBase
	}

	c.Derived.NrThreads = c.Scheduler.NrThreads
	if c.Derived.NrThreads <= 0 {
		c.Derived.NrThreads = runtime.GOMAXPROCS(0)
	}
	c.Derived.NrQueues = c.Scheduler.NrQueues
	if c.Derived.NrQueues <= 0 {
		c.Derived.NrQueues = c.Derived.NrThreads
	}
	c.Derived.NrRanks = max(c.Domain.NrRanks, 1)
}

// WriteYAML writes the configuration to a YAML file.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}
