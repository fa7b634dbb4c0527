package main

import (
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/pthm-cable/sphtasks/config"
	"github.com/pthm-cable/sphtasks/engine"
	"github.com/pthm-cable/sphtasks/ics"
)

// failedFitness scores a parameter set the engine could not run with.
const failedFitness = 1e9

// FitnessEvaluator runs short simulations and scores the wall time per
// step.
type FitnessEvaluator struct {
	params     *ParamVector
	steps      int
	seeds      []uint64
	baseConfig *config.Config

	mu         sync.Mutex
	lastSpread float64 // relative spread over the seeds of the last Evaluate
}

// NewFitnessEvaluator creates a new evaluator.
func NewFitnessEvaluator(params *ParamVector, steps int, seeds []uint64, baseCfg *config.Config) *FitnessEvaluator {
	return &FitnessEvaluator{
		params:     params,
		steps:      steps,
		seeds:      seeds,
		baseConfig: baseCfg,
	}
}

// LastSpread returns the relative standard deviation of the step times
// measured by the most recent evaluation.
func (fe *FitnessEvaluator) LastSpread() float64 {
	fe.mu.Lock()
	defer fe.mu.Unlock()
	return fe.lastSpread
}

// Evaluate returns the median milliseconds per step over the seeds (lower
// is better). Seeds run one after the other so that they do not compete
// for the runners' CPUs.
func (fe *FitnessEvaluator) Evaluate(x []float64) float64 {
	times := make([]float64, 0, len(fe.seeds))
	for _, seed := range fe.seeds {
		ms, err := fe.runSimulation(x, seed)
		if err != nil {
			slog.Warn("evaluation failed", "seed", seed, "params", fe.params.Clamp(x), "error", err)
			return failedFitness
		}
		times = append(times, ms)
	}
	sort.Float64s(times)
	median := stat.Quantile(0.5, stat.Empirical, times, nil)

	mean, std := stat.MeanStdDev(times, nil)
	fe.mu.Lock()
	fe.lastSpread = 0
	if mean > 0 && !math.IsNaN(std) {
		fe.lastSpread = std / mean
	}
	fe.mu.Unlock()
	return median
}

// runSimulation builds an engine with the parameters x, skips the first
// step, which pays for the initial rebuild, and times the rest.
func (fe *FitnessEvaluator) runSimulation(x []float64, seed uint64) (float64, error) {
	cfg := fe.copyConfig()
	fe.params.ApplyToConfig(cfg, x)
	cfg.ICs.Seed = seed
	cfg.Statistics.DeltaTime = 0
	cfg.Snapshots.DeltaTime = 0
	cfg.Telemetry.OutputDir = ""
	cfg.TimeIntegration.MaxSteps = 0

	parts, gparts, err := ics.Generate(cfg)
	if err != nil {
		return 0, err
	}
	e, err := engine.New(cfg, nil, parts, gparts, engine.Options{})
	if err != nil {
		return 0, err
	}
	defer e.Clean()
	if err := e.InitParticles(); err != nil {
		return 0, err
	}
	if err := e.Step(); err != nil {
		return 0, err
	}

	start := time.Now()
	n := 0
	for ; n < fe.steps && !e.IsDone(); n++ {
		if err := e.Step(); err != nil {
			return 0, err
		}
	}
	if n == 0 {
		return 0, nil
	}
	return float64(time.Since(start).Microseconds()) / 1000 / float64(n), nil
}

// copyConfig returns a copy of the base config. Every section is a value,
// so a struct copy is deep.
func (fe *FitnessEvaluator) copyConfig() *config.Config {
	cfg := *fe.baseConfig
	return &cfg
}
