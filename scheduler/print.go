package scheduler

import (
	"cmp"
	"fmt"
	"io"
	"slices"

	"github.com/gocarina/gocsv"

	"github.com/pthm-cable/sphtasks/task"
)

// TaskRecord is one row of the task dump.
type TaskRecord struct {
	Step     int     `csv:"step"`
	Index    int     `csv:"index"`
	Rank     int     `csv:"rank"`
	Type     string  `csv:"type"`
	Subtype  string  `csv:"subtype"`
	Flags    int     `csv:"flags"`
	CellI    int32   `csv:"ci"`
	CellJ    int32   `csv:"cj"`
	Unlocks  int     `csv:"unlocks"`
	Wait     int32   `csv:"wait"`
	Weight   float64 `csv:"weight"`
	Skip     bool    `csv:"skip"`
	Implicit bool    `csv:"implicit"`
	Runner   int32   `csv:"rid"`
	Tic      int64   `csv:"tic"`
	Toc      int64   `csv:"toc"`
}

// Records returns one record per task in topological order.
func (s *Scheduler) Records(step int) []TaskRecord {
	order := s.Order()
	out := make([]TaskRecord, 0, len(order))
	for _, tid := range order {
		t := &s.Tasks[tid]
		r := TaskRecord{
			Step:     step,
			Index:    int(tid),
			Rank:     t.Rank,
			Type:     t.Type.String(),
			Subtype:  t.Subtype.String(),
			Flags:    t.Flags,
			CellI:    -1,
			CellJ:    -1,
			Unlocks:  len(t.Unlocks),
			Wait:     t.Wait.Load(),
			Weight:   t.Weight,
			Skip:     t.Skip,
			Implicit: t.Implicit,
			Runner:   t.Rid.Load(),
			Tic:      t.Tic,
			Toc:      t.Toc,
		}
		if t.Ci != nil {
			r.CellI = t.Ci.ID
		}
		if t.Cj != nil {
			r.CellJ = t.Cj.ID
		}
		out = append(out, r)
	}
	return out
}

// WriteTasksCSV writes the task dump, with a header when header is set.
func (s *Scheduler) WriteTasksCSV(w io.Writer, step int, header bool) error {
	records := s.Records(step)
	if header {
		if err := gocsv.Marshal(records, w); err != nil {
			return fmt.Errorf("writing tasks: %w", err)
		}
		return nil
	}
	if err := gocsv.MarshalWithoutHeaders(records, w); err != nil {
		return fmt.Errorf("writing tasks: %w", err)
	}
	return nil
}

func taskName(t *task.Task) string {
	if t.Subtype == task.SubtypeNone {
		return t.Type.String()
	}
	return t.Type.String() + "_" + t.Subtype.String()
}

// WriteDot writes the dependency graph between task kinds in Graphviz
// format. Edge labels count the task-level edges; skipped tasks are left out.
func (s *Scheduler) WriteDot(w io.Writer) error {
	type edge struct{ from, to string }
	edges := make(map[edge]int)
	nodes := make(map[string]int)
	for i := range s.Tasks[:s.nrTasks] {
		t := &s.Tasks[i]
		if t.Skip || t.Type == task.TypeNone {
			continue
		}
		from := taskName(t)
		nodes[from]++
		for _, u := range t.Unlocks {
			tu := &s.Tasks[u]
			if tu.Skip || tu.Type == task.TypeNone {
				continue
			}
			edges[edge{from, taskName(tu)}]++
		}
	}

	names := make([]string, 0, len(nodes))
	for n := range nodes {
		names = append(names, n)
	}
	slices.Sort(names)
	keys := make([]edge, 0, len(edges))
	for e := range edges {
		keys = append(keys, e)
	}
	slices.SortFunc(keys, func(a, b edge) int {
		if r := cmp.Compare(a.from, b.from); r != 0 {
			return r
		}
		return cmp.Compare(a.to, b.to)
	})

	if _, err := fmt.Fprintln(w, "digraph tasks {"); err != nil {
		return err
	}
	for _, n := range names {
		if _, err := fmt.Fprintf(w, "\t%q [label=\"%s (%d)\"];\n", n, n, nodes[n]); err != nil {
			return err
		}
	}
	for _, e := range keys {
		if _, err := fmt.Fprintf(w, "\t%q -> %q [label=\"%d\"];\n", e.from, e.to, edges[e]); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintln(w, "}")
	return err
}

// Counts tallies the tasks per type. Skipped tasks are counted in the last
// entry.
func (s *Scheduler) Counts() [task.TypeCount + 1]int {
	var counts [task.TypeCount + 1]int
	for i := range s.Tasks[:s.nrTasks] {
		t := &s.Tasks[i]
		if t.Skip {
			counts[task.TypeCount]++
		} else {
			counts[t.Type]++
		}
	}
	return counts
}
