package main

import (
	"fmt"
	"os"
	"time"

	"github.com/gocarina/gocsv"
)

// evalRecord is one line of tune_log.csv.
type evalRecord struct {
	Eval         int     `csv:"eval"`
	MSPerStep    float64 `csv:"ms_per_step"`
	Spread       float64 `csv:"spread"`
	SplitSize    float64 `csv:"split_size"`
	SubSize      float64 `csv:"sub_size"`
	SearchWindow float64 `csv:"search_window"`
	MaxTries     float64 `csv:"max_tries"`
	MaxSteal     float64 `csv:"max_steal"`
}

// tuner is the objective handed to the optimizer. It evaluates points in
// the normalized space, logs each evaluation and keeps the best one.
type tuner struct {
	params    *ParamVector
	evaluator *FitnessEvaluator
	log       *os.File
	header    bool
	maxEvals  int

	start       time.Time
	evals       int
	bestFitness float64
	bestParams  []float64
}

func newTuner(params *ParamVector, fe *FitnessEvaluator, logPath string, maxEvals int) (*tuner, error) {
	f, err := os.Create(logPath)
	if err != nil {
		return nil, fmt.Errorf("creating tune log: %w", err)
	}
	return &tuner{
		params:      params,
		evaluator:   fe,
		log:         f,
		maxEvals:    maxEvals,
		start:       time.Now(),
		bestFitness: failedFitness,
	}, nil
}

func (tn *tuner) evaluate(x []float64) float64 {
	raw := tn.params.Denormalize(x)
	fitness := tn.evaluator.Evaluate(raw)
	tn.evals++

	clamped := tn.params.Clamp(raw)
	if fitness < tn.bestFitness {
		tn.bestFitness = fitness
		tn.bestParams = clamped
	}
	if err := tn.record(fitness, clamped); err != nil {
		fmt.Fprintf(os.Stderr, "logging evaluation %d: %v\n", tn.evals, err)
	}

	elapsed := time.Since(tn.start)
	eta := time.Duration(tn.maxEvals-tn.evals) * (elapsed / time.Duration(tn.evals))
	fmt.Printf("eval %d/%d: %.3f ms/step (best %.3f), elapsed %s, eta %s\n",
		tn.evals, tn.maxEvals, fitness, tn.bestFitness,
		elapsed.Round(time.Second), eta.Round(time.Second))
	return fitness
}

func (tn *tuner) record(fitness float64, p []float64) error {
	rec := []evalRecord{{
		Eval:         tn.evals,
		MSPerStep:    fitness,
		Spread:       tn.evaluator.LastSpread(),
		SplitSize:    p[0],
		SubSize:      p[1],
		SearchWindow: p[2],
		MaxTries:     p[3],
		MaxSteal:     p[4],
	}}
	if !tn.header {
		tn.header = true
		return gocsv.Marshal(rec, tn.log)
	}
	return gocsv.MarshalWithoutHeaders(rec, tn.log)
}

func (tn *tuner) close() error {
	return tn.log.Close()
}
