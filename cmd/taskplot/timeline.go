package main

import (
	"cmp"
	"slices"

	"github.com/pthm-cable/sphtasks/telemetry"
)

// TimelineRow is one task placed on its runner's time axis.
type TimelineRow struct {
	Rank    int     `csv:"rank"`
	Step    int     `csv:"step"`
	Runner  int     `csv:"runner"`
	Task    string  `csv:"task"`
	StartMS float64 `csv:"start_ms"`
	EndMS   float64 `csv:"end_ms"`
}

type stepKey struct{ rank, step int }

// Timeline converts raw ticks, nanoseconds since the scheduler started, to
// milliseconds since the first task of the same rank and step. Rows come
// out ordered by rank, step, runner and start.
func Timeline(rows []telemetry.TaskRow) []TimelineRow {
	first := make(map[stepKey]int64)
	for _, r := range rows {
		k := stepKey{r.Rank, r.Step}
		if t, ok := first[k]; !ok || r.Tic < t {
			first[k] = r.Tic
		}
	}

	out := make([]TimelineRow, 0, len(rows))
	for _, r := range rows {
		t0 := first[stepKey{r.Rank, r.Step}]
		name := r.Type
		if r.Subtype != "none" && r.Subtype != "" {
			name += "/" + r.Subtype
		}
		out = append(out, TimelineRow{
			Rank:    r.Rank,
			Step:    r.Step,
			Runner:  r.Runner,
			Task:    name,
			StartMS: float64(r.Tic-t0) / 1e6,
			EndMS:   float64(max(r.Toc, r.Tic)-t0) / 1e6,
		})
	}
	slices.SortStableFunc(out, func(a, b TimelineRow) int {
		return cmp.Or(
			cmp.Compare(a.Rank, b.Rank),
			cmp.Compare(a.Step, b.Step),
			cmp.Compare(a.Runner, b.Runner),
			cmp.Compare(a.StartMS, b.StartMS),
		)
	})
	return out
}

// RunnerLoad is the work one runner did over every plotted step.
type RunnerLoad struct {
	Rank   int
	Runner int
	Tasks  int
	Busy   float64 // Fraction of the step spans spent in tasks
	SpanMS float64 // Summed length of the steps
}

// Utilisation sums the task time of every runner and divides it by the
// summed span of the steps of its rank.
func Utilisation(tl []TimelineRow) []RunnerLoad {
	span := make(map[stepKey]float64)
	for _, r := range tl {
		k := stepKey{r.Rank, r.Step}
		span[k] = max(span[k], r.EndMS)
	}
	rankSpan := make(map[int]float64)
	for k, s := range span {
		rankSpan[k.rank] += s
	}

	type runnerKey struct{ rank, runner int }
	loads := make(map[runnerKey]*RunnerLoad)
	var keys []runnerKey
	for _, r := range tl {
		k := runnerKey{r.Rank, r.Runner}
		l, ok := loads[k]
		if !ok {
			l = &RunnerLoad{Rank: r.Rank, Runner: r.Runner}
			loads[k] = l
			keys = append(keys, k)
		}
		l.Tasks++
		l.Busy += r.EndMS - r.StartMS
	}
	slices.SortFunc(keys, func(a, b runnerKey) int {
		return cmp.Or(cmp.Compare(a.rank, b.rank), cmp.Compare(a.runner, b.runner))
	})

	out := make([]RunnerLoad, 0, len(keys))
	for _, k := range keys {
		l := *loads[k]
		l.SpanMS = rankSpan[k.rank]
		if l.SpanMS > 0 {
			l.Busy /= l.SpanMS
		} else {
			l.Busy = 0
		}
		out = append(out, l)
	}
	return out
}
