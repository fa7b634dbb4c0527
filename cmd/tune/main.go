// Command tune searches the scheduler and tree parameters for the shortest
// wall time per step on a given problem, using CMA-ES.
package main

import (
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gonum.org/v1/gonum/optimize"

	"github.com/pthm-cable/sphtasks/config"
)

func main() {
	configPath := flag.String("config", "", "base parameter file (empty = defaults)")
	steps := flag.Int("steps", 20, "timed steps per evaluation")
	seeds := flag.Int("seeds", 3, "initial-condition seeds per evaluation")
	maxEvals := flag.Int("max-evals", 100, "evaluation budget")
	population := flag.Int("population", 0, "CMA-ES population (0 = 4 + 3n/2)")
	outputDir := flag.String("output", "", "directory for tune_log.csv and best_config.yaml (required)")
	flag.Parse()

	if *outputDir == "" {
		log.Fatal("--output is required")
	}
	if err := os.MkdirAll(*outputDir, 0755); err != nil {
		log.Fatalf("creating %s: %v", *outputDir, err)
	}
	// Progress goes to stdout; the engine only reports problems.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))

	if err := config.Init(*configPath); err != nil {
		log.Fatalf("loading parameters: %v", err)
	}
	base := config.Cfg()

	params := NewParamVector()
	evalSeeds := make([]uint64, *seeds)
	for i := range evalSeeds {
		evalSeeds[i] = base.ICs.Seed + uint64(i)*1000
	}

	tn, err := newTuner(params, NewFitnessEvaluator(params, *steps, evalSeeds, base),
		filepath.Join(*outputDir, "tune_log.csv"), *maxEvals)
	if err != nil {
		log.Fatal(err)
	}
	defer tn.close()

	pop := *population
	if pop == 0 {
		pop = 4 + 3*params.Dim()/2
	}
	fmt.Printf("tuning %d parameters: population %d, %d evaluations of %d seeds x %d steps\n",
		params.Dim(), pop, *maxEvals, *seeds, *steps)

	result, err := optimize.Minimize(
		optimize.Problem{Func: tn.evaluate},
		params.Normalize(params.ExtractFromConfig(base)),
		&optimize.Settings{FuncEvaluations: *maxEvals},
		&optimize.CmaEsChol{InitStepSize: 0.3, Population: pop},
	)
	if err != nil {
		log.Printf("optimization ended: %v", err)
	}
	best := tn.bestParams
	if best == nil && result != nil {
		best = params.Clamp(params.Denormalize(result.X))
	}
	if best == nil {
		log.Fatal("no evaluation completed")
	}

	fmt.Printf("\n%d evaluations in %s, best %.3f ms/step\n",
		tn.evals, time.Since(tn.start).Round(time.Second), tn.bestFitness)
	for i, spec := range params.Specs {
		fmt.Printf("  %-24s %.0f\n", spec.Name, best[i])
	}

	out, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("reloading parameters: %v", err)
	}
	params.ApplyToConfig(out, best)
	path := filepath.Join(*outputDir, "best_config.yaml")
	if err := out.WriteYAML(path); err != nil {
		log.Fatalf("writing %s: %v", path, err)
	}
	fmt.Printf("saved %s\n", path)
}
