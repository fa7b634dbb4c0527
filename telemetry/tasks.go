package telemetry

import (
	"cmp"
	"log/slog"
	"slices"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/pthm-cable/sphtasks/scheduler"
)

// TaskTimes summarises the measured run times of one task kind.
type TaskTimes struct {
	Kind    string  `csv:"kind"`
	Count   int     `csv:"count"`
	TotalMS float64 `csv:"total_ms"`
	MeanUS  float64 `csv:"mean_us"`
	P50US   float64 `csv:"p50_us"`
	P90US   float64 `csv:"p90_us"`
}

// LogValue implements slog.LogValuer for structured logging.
func (t TaskTimes) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("count", t.Count),
		slog.Float64("total_ms", t.TotalMS),
		slog.Float64("p50_us", t.P50US),
		slog.Float64("p90_us", t.P90US),
	)
}

// SummariseTasks groups executed tasks by type and subtype. The result is
// ordered by total time, largest first.
func SummariseTasks(records []scheduler.TaskRecord) []TaskTimes {
	byKind := make(map[string][]float64)
	for _, r := range records {
		if r.Skip || r.Runner < 0 || r.Toc < r.Tic {
			continue
		}
		kind := r.Type
		if r.Subtype != "none" {
			kind += "/" + r.Subtype
		}
		byKind[kind] = append(byKind[kind], float64(r.Toc-r.Tic)/1e3)
	}

	out := make([]TaskTimes, 0, len(byKind))
	for kind, us := range byKind {
		slices.Sort(us)
		total := floats.Sum(us)
		out = append(out, TaskTimes{
			Kind:    kind,
			Count:   len(us),
			TotalMS: total / 1e3,
			MeanUS:  total / float64(len(us)),
			P50US:   stat.Quantile(0.5, stat.LinInterp, us, nil),
			P90US:   stat.Quantile(0.9, stat.LinInterp, us, nil),
		})
	}
	slices.SortFunc(out, func(a, b TaskTimes) int {
		if c := cmp.Compare(b.TotalMS, a.TotalMS); c != 0 {
			return c
		}
		return cmp.Compare(a.Kind, b.Kind)
	})
	return out
}
