package main

import (
	"math"

	"github.com/pthm-cable/sphtasks/config"
)

// ParamSpec bounds one searched parameter.
type ParamSpec struct {
	Name    string  // Parameter path as accepted by config.Set
	Min     float64 // Lower bound
	Max     float64 // Upper bound
	Default float64
	Log     bool // Searched on a log scale
}

// ParamVector is the ordered set of searched parameters. Vectors passed to
// its methods follow the order of Specs.
type ParamVector struct {
	Specs []ParamSpec
}

// NewParamVector creates the scheduler and tree parameters that trade
// task overhead against load balance.
func NewParamVector() *ParamVector {
	return &ParamVector{
		Specs: []ParamSpec{
			{Name: "space:split_size", Min: 16, Max: 2000, Default: 400, Log: true},
			{Name: "space:sub_size", Min: 1e3, Max: 1e8, Default: 8e6, Log: true},
			{Name: "scheduler:search_window", Min: 1, Max: 64, Default: 8, Log: true},
			{Name: "scheduler:max_tries", Min: 1, Max: 50, Default: 10},
			{Name: "scheduler:max_steal", Min: 1, Max: 50, Default: 10},
		},
	}
}

// Dim is the length of a parameter vector.
func (pv *ParamVector) Dim() int {
	return len(pv.Specs)
}

// DefaultVector is the point the defaults file describes.
func (pv *ParamVector) DefaultVector() []float64 {
	v := make([]float64, len(pv.Specs))
	for i, spec := range pv.Specs {
		v[i] = spec.Default
	}
	return v
}

// Normalize maps raw values onto the unit cube the optimizer searches.
func (pv *ParamVector) Normalize(raw []float64) []float64 {
	u := make([]float64, len(pv.Specs))
	for i, spec := range pv.Specs {
		if spec.Log {
			u[i] = math.Log(raw[i]/spec.Min) / math.Log(spec.Max/spec.Min)
		} else {
			u[i] = (raw[i] - spec.Min) / (spec.Max - spec.Min)
		}
	}
	return u
}

// Denormalize is the inverse of Normalize. Points outside the unit cube
// map outside the bounds; Clamp brings them back.
func (pv *ParamVector) Denormalize(u []float64) []float64 {
	raw := make([]float64, len(pv.Specs))
	for i, spec := range pv.Specs {
		if spec.Log {
			raw[i] = spec.Min * math.Pow(spec.Max/spec.Min, u[i])
		} else {
			raw[i] = spec.Min + u[i]*(spec.Max-spec.Min)
		}
	}
	return raw
}

// Clamp bounds every value and rounds it to an integer; all tunables are
// counts.
func (pv *ParamVector) Clamp(v []float64) []float64 {
	clamped := make([]float64, len(pv.Specs))
	for i, spec := range pv.Specs {
		clamped[i] = math.Round(min(max(v[i], spec.Min), spec.Max))
	}
	return clamped
}

// ApplyToConfig writes the clamped values into cfg.
func (pv *ParamVector) ApplyToConfig(cfg *config.Config, values []float64) {
	clamped := pv.Clamp(values)
	cfg.Space.SplitSize = int(clamped[0])
	cfg.Space.SubSize = int(clamped[1])
	cfg.Scheduler.SearchWindow = int(clamped[2])
	cfg.Scheduler.MaxTries = int(clamped[3])
	cfg.Scheduler.MaxSteal = int(clamped[4])
}

// ExtractFromConfig reads the current parameter values from cfg.
func (pv *ParamVector) ExtractFromConfig(cfg *config.Config) []float64 {
	return []float64{
		float64(cfg.Space.SplitSize),
		float64(cfg.Space.SubSize),
		float64(cfg.Scheduler.SearchWindow),
		float64(cfg.Scheduler.MaxTries),
		float64(cfg.Scheduler.MaxSteal),
	}
}
