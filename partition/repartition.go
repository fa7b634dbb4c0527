package partition

import (
	"log/slog"
	"slices"

	"github.com/rotisserie/eris"
	"gonum.org/v1/gonum/stat"

	"github.com/pthm-cable/sphtasks/cell"
	"github.com/pthm-cable/sphtasks/comm"
	"github.com/pthm-cable/sphtasks/task"
)

// RepartType selects which weights drive a repartition.
type RepartType string

const (
	RepartNone       RepartType = "none"
	RepartBoth       RepartType = "both"
	RepartVertex     RepartType = "vertex"
	RepartEdge       RepartType = "edge"
	RepartVertexEdge RepartType = "vertex_edge"
)

// ParseRepart checks a configured repartition type.
func ParseRepart(s string) (RepartType, error) {
	switch t := RepartType(s); t {
	case RepartNone, RepartBoth, RepartVertex, RepartEdge, RepartVertexEdge:
		return t, nil
	}
	return "", eris.Errorf("unknown repartition type %q", s)
}

// wscale converts tick differences into weights.
const wscale = 1e-3

// Repartition accumulates task costs between repartitions.
type Repartition struct {
	Type    RepartType
	NodeID  int
	NrNodes int

	graph   *Graph
	cdim    [3]int
	vw      []float64
	ew      [][]float64
	wtot    float64
	nrTasks int
	count   int
}

// NewRepartition returns an empty accumulator for one rank.
func NewRepartition(typ RepartType, nodeID, nrNodes int) *Repartition {
	return &Repartition{Type: typ, NodeID: nodeID, NrNodes: nrNodes}
}

// Count is the number of steps accumulated since the last Clear.
func (r *Repartition) Count() int { return r.count }

// Clear drops the accumulated weights.
func (r *Repartition) Clear() {
	r.graph, r.vw, r.ew = nil, nil, nil
	r.wtot, r.nrTasks, r.count = 0, 0, 0
}

func (r *Repartition) usesEdges() bool {
	return r.Type == RepartBoth || r.Type == RepartEdge || r.Type == RepartVertexEdge
}

func (r *Repartition) ensure(s *cell.Space) {
	if r.graph != nil && r.cdim == s.CDim {
		return
	}
	if r.graph != nil {
		slog.Debug("top grid changed, dropping accumulated weights", "old", r.cdim, "new", s.CDim)
	}
	r.Clear()
	r.cdim = s.CDim
	r.graph = NewGraph(s.CDim, s.Periodic)
	r.vw = make([]float64, r.graph.N)
	r.ew = r.graph.Unflatten(make([]float64, r.graph.NrEdges()))
}

func weighted(t *task.Task) bool {
	switch t.Type {
	case task.TypeSelf, task.TypePair, task.TypeSubSelf, task.TypeSubPair,
		task.TypeGhost, task.TypeKick, task.TypeInit:
		return t.Ci != nil && !t.Skip && !t.Implicit
	}
	return false
}

// Accumulate adds the measured costs of the tasks of one step. Self work and
// particle updates go to the vertex of their top cell, pairs between two
// top cells go to the edge joining them, half to each vertex. A task whose
// clock ran backwards is charged the median cost of its type.
func (r *Repartition) Accumulate(s *cell.Space, tasks []task.Task) {
	if r.Type == RepartNone || r.Type == RepartVertex {
		return
	}
	r.ensure(s)
	r.count++

	costs := make(map[task.Type][]float64)
	for i := range tasks {
		t := &tasks[i]
		if weighted(t) && t.Toc >= t.Tic {
			costs[t.Type] = append(costs[t.Type], float64(t.Toc-t.Tic))
		}
	}
	medians := make(map[task.Type]float64, len(costs))
	for typ, c := range costs {
		slices.Sort(c)
		medians[typ] = stat.Quantile(0.5, stat.Empirical, c, nil)
	}

	vertices := r.Type != RepartVertexEdge
	for i := range tasks {
		t := &tasks[i]
		if !weighted(t) {
			continue
		}
		raw := float64(t.Toc - t.Tic)
		if t.Toc < t.Tic {
			slog.Debug("task clock ran backwards, using median cost", "type", t.Type.String(), "ticks", raw)
			raw = medians[t.Type]
		}
		w := raw * wscale
		r.wtot += w
		r.nrTasks++

		cid := int(t.Ci.TopID)
		cjd := -1
		if t.Cj != nil {
			cjd = int(t.Cj.TopID)
		}

		switch {
		case t.Type == task.TypeGhost || t.Type == task.TypeKick || t.Type == task.TypeInit:
			if vertices {
				r.vw[cid] += w
			}
		case t.Type == task.TypeSelf || t.Type == task.TypeSubSelf:
			if vertices && t.Ci.NodeID == r.NodeID {
				r.vw[cid] += w
			}
		case cjd < 0 || cid == cjd:
			if vertices {
				r.vw[cid] += w
			}
		case t.Ci.NodeID == r.NodeID:
			if vertices {
				r.vw[cid] += w / 2
				if t.Cj.NodeID == r.NodeID {
					r.vw[cjd] += w / 2
				}
			}
			if a := r.graph.EdgeIndex(cid, cjd); a >= 0 {
				r.ew[cid][a] += w
			}
			if b := r.graph.EdgeIndex(cjd, cid); b >= 0 {
				r.ew[cjd][b] += w
			}
		}
	}
}

// Apply combines the weights of every rank and computes a new decomposition
// of s. Every rank computes the same result from the reduced weights. It
// reports whether the new decomposition was adopted; one that leaves a rank
// without cells is discarded and the current one kept.
func (r *Repartition) Apply(s *cell.Space, c *comm.Comm) (bool, error) {
	defer r.Clear()
	if r.Type == RepartNone {
		return false, nil
	}
	r.ensure(s)

	var vw []float64
	var ew [][]float64
	var err error

	switch r.Type {
	case RepartVertex, RepartVertexEdge:
		if vw, err = c.AllReduce(CellCounts(s), comm.Sum); err != nil {
			return false, eris.Wrap(err, "reducing cell counts")
		}
		if r.Type == RepartVertexEdge {
			// Counts are rescaled to the same units as the edge costs.
			tot, err := c.AllReduce([]float64{r.wtot, float64(r.nrTasks)}, comm.Sum)
			if err != nil {
				return false, eris.Wrap(err, "reducing task totals")
			}
			if tot[1] > 0 {
				for i := range vw {
					vw[i] *= tot[0] / tot[1]
				}
			}
		}
	case RepartBoth:
		if vw, err = c.AllReduce(r.vw, comm.Sum); err != nil {
			return false, eris.Wrap(err, "reducing vertex weights")
		}
	}

	if r.usesEdges() {
		flat, err := c.AllReduce(r.graph.Flatten(r.ew), comm.Sum)
		if err != nil {
			return false, eris.Wrap(err, "reducing edge weights")
		}
		for i, w := range flat {
			if w == 0 {
				flat[i] = 1
			}
		}
		ew = r.graph.Unflatten(flat)
	}
	for i, w := range vw {
		if w == 0 {
			vw[i] = 1
		}
	}

	part, err := r.graph.Partition(r.NrNodes, vw, ew)
	if err != nil {
		return false, eris.Wrap(err, "partitioning cell graph")
	}
	present := make([]bool, r.NrNodes)
	for _, p := range part {
		present[p] = true
	}
	if slices.Contains(present, false) {
		if r.NodeID == 0 {
			slog.Warn("new partition leaves a rank without cells, keeping the current one", "type", string(r.Type))
		}
		return false, nil
	}
	for i, cl := range s.CellsTop {
		cl.NodeID = part[i]
	}
	return true, nil
}
