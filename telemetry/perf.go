package telemetry

import (
	"log/slog"
	"slices"
	"time"

	"gonum.org/v1/gonum/stat"
)

// Phase names for the engine step.
const (
	PhaseCollect   = "collect"
	PhaseSnapshot  = "snapshot"
	PhaseStats     = "stats"
	PhaseDrift     = "drift"
	PhaseMarkTasks = "marktasks"
	PhaseRebuild   = "rebuild"
	PhaseLaunch    = "launch"
	PhaseOutput    = "output"
)

var phases = []string{
	PhaseCollect, PhaseSnapshot, PhaseStats, PhaseDrift,
	PhaseMarkTasks, PhaseRebuild, PhaseLaunch, PhaseOutput,
}

// PerfSample holds timing data for a single step.
type PerfSample struct {
	StepDuration time.Duration
	Phases       map[string]time.Duration
}

// PerfCollector tracks engine phase timings over a rolling window.
type PerfCollector struct {
	windowSize    int
	samples       []PerfSample
	writeIndex    int
	sampleCount   int
	currentPhases map[string]time.Duration
	stepStart     time.Time
	phaseStart    time.Time
	lastPhase     string
}

// NewPerfCollector creates a collector averaging over windowSize steps.
func NewPerfCollector(windowSize int) *PerfCollector {
	if windowSize < 1 {
		windowSize = 10
	}
	return &PerfCollector{
		windowSize:    windowSize,
		samples:       make([]PerfSample, windowSize),
		currentPhases: make(map[string]time.Duration),
	}
}

// StartStep begins timing a new engine step.
func (p *PerfCollector) StartStep() {
	p.stepStart = time.Now()
	p.currentPhases = make(map[string]time.Duration)
	p.lastPhase = ""
}

// StartPhase ends the running phase, if any, and starts timing phase.
func (p *PerfCollector) StartPhase(phase string) {
	now := time.Now()
	if p.lastPhase != "" {
		p.currentPhases[p.lastPhase] += now.Sub(p.phaseStart)
	}
	p.phaseStart = now
	p.lastPhase = phase
}

// EndStep finishes timing the current step and records the sample. It
// returns the step's wall-clock duration.
func (p *PerfCollector) EndStep() time.Duration {
	now := time.Now()
	if p.lastPhase != "" {
		p.currentPhases[p.lastPhase] += now.Sub(p.phaseStart)
	}
	d := now.Sub(p.stepStart)
	p.samples[p.writeIndex] = PerfSample{StepDuration: d, Phases: p.currentPhases}
	p.writeIndex = (p.writeIndex + 1) % p.windowSize
	if p.sampleCount < p.windowSize {
		p.sampleCount++
	}
	p.lastPhase = ""
	return d
}

// PerfStats holds aggregated performance statistics.
type PerfStats struct {
	AvgStep time.Duration
	MinStep time.Duration
	MaxStep time.Duration
	P95Step time.Duration

	PhaseAvg map[string]time.Duration
	PhasePct map[string]float64

	StepsPerSecond float64
}

// Stats computes aggregated statistics over the current window.
func (p *PerfCollector) Stats() PerfStats {
	if p.sampleCount == 0 {
		return PerfStats{
			PhaseAvg: make(map[string]time.Duration),
			PhasePct: make(map[string]float64),
		}
	}

	var total time.Duration
	var minStep, maxStep time.Duration
	phaseSum := make(map[string]time.Duration)
	durations := make([]float64, 0, p.sampleCount)

	for i := 0; i < p.sampleCount; i++ {
		s := p.samples[i]
		total += s.StepDuration
		durations = append(durations, float64(s.StepDuration))
		if i == 0 || s.StepDuration < minStep {
			minStep = s.StepDuration
		}
		if s.StepDuration > maxStep {
			maxStep = s.StepDuration
		}
		for phase, dur := range s.Phases {
			phaseSum[phase] += dur
		}
	}
	slices.Sort(durations)

	avg := total / time.Duration(p.sampleCount)
	phaseAvg := make(map[string]time.Duration)
	phasePct := make(map[string]float64)
	for phase, sum := range phaseSum {
		phaseAvg[phase] = sum / time.Duration(p.sampleCount)
		if avg > 0 {
			phasePct[phase] = float64(phaseAvg[phase]) / float64(avg) * 100
		}
	}

	var perSec float64
	if avg > 0 {
		perSec = float64(time.Second) / float64(avg)
	}

	return PerfStats{
		AvgStep:        avg,
		MinStep:        minStep,
		MaxStep:        maxStep,
		P95Step:        time.Duration(stat.Quantile(0.95, stat.Empirical, durations, nil)),
		PhaseAvg:       phaseAvg,
		PhasePct:       phasePct,
		StepsPerSecond: perSec,
	}
}

// LogValue implements slog.LogValuer for structured logging.
func (s PerfStats) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.Int64("avg_step_us", s.AvgStep.Microseconds()),
		slog.Int64("min_step_us", s.MinStep.Microseconds()),
		slog.Int64("max_step_us", s.MaxStep.Microseconds()),
		slog.Int64("p95_step_us", s.P95Step.Microseconds()),
		slog.Float64("steps_per_sec", s.StepsPerSecond),
	}
	for _, phase := range phases {
		if pct, ok := s.PhasePct[phase]; ok && pct > 0.1 {
			attrs = append(attrs, slog.Float64(phase+"_pct", float64(int(pct*10))/10))
		}
	}
	return slog.GroupValue(attrs...)
}

// PerfStatsCSV is a flat struct for CSV export of performance stats.
type PerfStatsCSV struct {
	Step         int     `csv:"step"`
	AvgStepUS    int64   `csv:"avg_step_us"`
	MinStepUS    int64   `csv:"min_step_us"`
	MaxStepUS    int64   `csv:"max_step_us"`
	P95StepUS    int64   `csv:"p95_step_us"`
	StepsPerSec  float64 `csv:"steps_per_sec"`
	CollectPct   float64 `csv:"collect_pct"`
	SnapshotPct  float64 `csv:"snapshot_pct"`
	StatsPct     float64 `csv:"stats_pct"`
	DriftPct     float64 `csv:"drift_pct"`
	MarkTasksPct float64 `csv:"marktasks_pct"`
	RebuildPct   float64 `csv:"rebuild_pct"`
	LaunchPct    float64 `csv:"launch_pct"`
	OutputPct    float64 `csv:"output_pct"`
}

// ToCSV converts PerfStats to a flat CSV-friendly struct.
func (s PerfStats) ToCSV(step int) PerfStatsCSV {
	return PerfStatsCSV{
		Step:         step,
		AvgStepUS:    s.AvgStep.Microseconds(),
		MinStepUS:    s.MinStep.Microseconds(),
		MaxStepUS:    s.MaxStep.Microseconds(),
		P95StepUS:    s.P95Step.Microseconds(),
		StepsPerSec:  s.StepsPerSecond,
		CollectPct:   s.PhasePct[PhaseCollect],
		SnapshotPct:  s.PhasePct[PhaseSnapshot],
		StatsPct:     s.PhasePct[PhaseStats],
		DriftPct:     s.PhasePct[PhaseDrift],
		MarkTasksPct: s.PhasePct[PhaseMarkTasks],
		RebuildPct:   s.PhasePct[PhaseRebuild],
		LaunchPct:    s.PhasePct[PhaseLaunch],
		OutputPct:    s.PhasePct[PhaseOutput],
	}
}
