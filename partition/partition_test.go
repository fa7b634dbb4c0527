package partition

import (
	"fmt"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/pthm-cable/sphtasks/cell"
	"github.com/pthm-cable/sphtasks/comm"
	"github.com/pthm-cable/sphtasks/config"
	"github.com/pthm-cable/sphtasks/task"
)

// gridSpace returns an empty space whose top grid has unit-width cells.
func gridSpace(t *testing.T, box [3]float64, periodic bool) *cell.Space {
	t.Helper()
	cfg := config.Default()
	cfg.Space.BoxSize = box
	cfg.Space.Periodic = periodic
	cfg.Space.MinTopWidth = 1
	cfg.Space.MaxTopCells = 64
	s := cell.NewSpace(cfg, 0, nil, nil)
	_, _, err := s.Regrid(0)
	require.NoError(t, err)
	return s
}

func regionSizes(part []int, n int) []int {
	sizes := make([]int, n)
	for _, p := range part {
		sizes[p]++
	}
	return sizes
}

func TestGridFactors(t *testing.T) {
	tests := []struct {
		n    int
		want [3]int
	}{
		{1, [3]int{1, 1, 1}},
		{7, [3]int{7, 1, 1}},
		{8, [3]int{2, 2, 2}},
		{12, [3]int{3, 2, 2}},
		{16, [3]int{4, 2, 2}},
	}
	for _, tt := range tests {
		got := GridFactors(tt.n)
		assert.Equal(t, tt.want, got, "n=%d", tt.n)
		assert.Equal(t, tt.n, got[0]*got[1]*got[2])
	}
}

func TestNewGraph(t *testing.T) {
	t.Run("open box", func(t *testing.T) {
		g := NewGraph([3]int{3, 3, 3}, false)
		assert.Len(t, g.Adj[cellIndex([3]int{3, 3, 3}, 1, 1, 1)], 26)
		assert.Len(t, g.Adj[0], 7)
	})
	t.Run("periodic box", func(t *testing.T) {
		g := NewGraph([3]int{3, 3, 3}, true)
		for i := range g.Adj {
			assert.Len(t, g.Adj[i], 26)
		}
		assert.Equal(t, 27*26, g.NrEdges())
	})
	t.Run("flatten round trip", func(t *testing.T) {
		g := NewGraph([3]int{2, 2, 3}, false)
		ew := g.Unflatten(make([]float64, g.NrEdges()))
		ew[3][1] = 5
		flat := g.Flatten(ew)
		assert.Equal(t, 5.0, g.Unflatten(flat)[3][1])
	})
}

func TestGraphPartition(t *testing.T) {
	t.Run("slabs along the long axis", func(t *testing.T) {
		cdim := [3]int{16, 4, 4}
		g := NewGraph(cdim, false)
		part, err := g.Partition(4, nil, nil)
		require.NoError(t, err)

		assert.Equal(t, []int{64, 64, 64, 64}, regionSizes(part, 4))
		for r := 0; r < 4; r++ {
			assert.Len(t, g.components(part, r), 1, "region %d is not connected", r)
		}
		// Every x plane lies inside one region.
		for i := 0; i < cdim[0]; i++ {
			p := part[cellIndex(cdim, i, 0, 0)]
			for j := 0; j < cdim[1]; j++ {
				for k := 0; k < cdim[2]; k++ {
					assert.Equal(t, p, part[cellIndex(cdim, i, j, k)])
				}
			}
		}
	})

	t.Run("vertex weights move the cut", func(t *testing.T) {
		cdim := [3]int{16, 4, 4}
		g := NewGraph(cdim, false)
		vw := make([]float64, g.N)
		for i := range vw {
			vw[i] = 1
			if g.Coords[i][0] < 4 {
				vw[i] = 3
			}
		}
		part, err := g.Partition(2, vw, nil)
		require.NoError(t, err)
		sizes := regionSizes(part, 2)
		assert.Equal(t, 64, sizes[part[0]])
	})

	t.Run("large graph uses power iteration", func(t *testing.T) {
		g := NewGraph([3]int{40, 4, 4}, false)
		require.Greater(t, g.N, denseLimit)
		part, err := g.Partition(2, nil, nil)
		require.NoError(t, err)

		sizes := regionSizes(part, 2)
		assert.InDelta(t, 1.0, float64(sizes[0])/float64(sizes[1]), 0.2)
		for r := 0; r < 2; r++ {
			assert.Len(t, g.components(part, r), 1)
		}
	})

	t.Run("odd region count on periodic box", func(t *testing.T) {
		g := NewGraph([3]int{6, 6, 6}, true)
		part, err := g.Partition(3, nil, nil)
		require.NoError(t, err)
		sizes := regionSizes(part, 3)
		total := 0
		for _, n := range sizes {
			assert.Positive(t, n)
			total += n
		}
		assert.Equal(t, 216, total)
	})

	t.Run("too few cells", func(t *testing.T) {
		g := NewGraph([3]int{1, 1, 2}, false)
		_, err := g.Partition(3, nil, nil)
		assert.Error(t, err)
	})
}

func TestRepairJoinsDetachedPieces(t *testing.T) {
	cdim := [3]int{5, 1, 1}
	g := NewGraph(cdim, false)
	part := []int{0, 1, 0, 0, 0}
	g.repair(part, 2, []float64{1, 1, 1, 1, 1}, nil)
	// Cell 0 is cut off from the rest of region 0 and only touches region 1.
	assert.Equal(t, []int{1, 1, 0, 0, 0}, part)
}

func TestInitial(t *testing.T) {
	t.Run("grid", func(t *testing.T) {
		s := gridSpace(t, [3]float64{4, 4, 4}, true)
		require.NoError(t, Initial(InitialGrid, [3]int{}, s, 8, nil))
		assert.True(t, CheckComplete(s, 8))
		assert.Equal(t, 0, s.CellsTop[cellIndex(s.CDim, 0, 0, 0)].NodeID)
		assert.Equal(t, 1, s.CellsTop[cellIndex(s.CDim, 3, 0, 0)].NodeID)
		assert.Equal(t, 7, s.CellsTop[cellIndex(s.CDim, 3, 3, 3)].NodeID)
	})

	t.Run("grid that does not match the rank count", func(t *testing.T) {
		s := gridSpace(t, [3]float64{4, 4, 4}, true)
		assert.Error(t, Initial(InitialGrid, [3]int{3, 1, 1}, s, 2, nil))
	})

	t.Run("incomplete grid falls back to vectors", func(t *testing.T) {
		s := gridSpace(t, [3]float64{4, 4, 4}, true)
		require.NoError(t, Initial(InitialGrid, [3]int{1, 1, 5}, s, 5, nil))
		assert.True(t, CheckComplete(s, 5))
	})

	t.Run("vectorized", func(t *testing.T) {
		s := gridSpace(t, [3]float64{4, 4, 4}, true)
		require.NoError(t, Initial(InitialVectorized, [3]int{}, s, 4, nil))
		sizes := make([]int, 4)
		for _, c := range s.CellsTop {
			sizes[c.NodeID]++
		}
		assert.Equal(t, []int{16, 16, 16, 16}, sizes)
	})

	t.Run("weighted graph", func(t *testing.T) {
		s := gridSpace(t, [3]float64{8, 4, 4}, false)
		counts := make([]float64, len(s.CellsTop))
		for i := range counts {
			counts[i] = 10
		}
		require.NoError(t, Initial(InitialGraphWeighted, [3]int{}, s, 2, counts))
		assert.True(t, CheckComplete(s, 2))
	})

	t.Run("weighted graph needs counts", func(t *testing.T) {
		s := gridSpace(t, [3]float64{8, 4, 4}, false)
		assert.Error(t, Initial(InitialGraphWeighted, [3]int{}, s, 2, nil))
	})

	t.Run("more ranks than cells", func(t *testing.T) {
		s := gridSpace(t, [3]float64{1, 1, 2}, false)
		assert.Error(t, Initial(InitialVectorized, [3]int{}, s, 3, nil))
	})
}

func TestSpaceToSpace(t *testing.T) {
	s := gridSpace(t, [3]float64{4, 4, 4}, true)
	old := cell.Grid{CDim: [3]int{2, 2, 2}, NodeIDs: []int{0, 1, 2, 3, 4, 5, 6, 7}}
	require.True(t, SpaceToSpace(old, s, 8))
	assert.Equal(t, 0, s.CellsTop[cellIndex(s.CDim, 0, 0, 0)].NodeID)
	assert.Equal(t, 7, s.CellsTop[cellIndex(s.CDim, 3, 3, 3)].NodeID)
	assert.Equal(t, 4, s.CellsTop[cellIndex(s.CDim, 2, 1, 0)].NodeID)

	assert.False(t, SpaceToSpace(cell.Grid{}, s, 8))
}

func TestParseTypes(t *testing.T) {
	_, err := ParseInitial("graph_weighted")
	assert.NoError(t, err)
	_, err = ParseInitial("metis")
	assert.Error(t, err)
	_, err = ParseRepart("vertex_edge")
	assert.NoError(t, err)
	_, err = ParseRepart("random")
	assert.Error(t, err)
}

func timedTask(typ task.Type, ci, cj *cell.Cell, tic, toc int64) task.Task {
	var t task.Task
	t.Reset(typ, task.SubtypeDensity, 0, ci, cj)
	t.Tic, t.Toc = tic, toc
	return t
}

func TestAccumulate(t *testing.T) {
	s := gridSpace(t, [3]float64{4, 4, 4}, false)
	c0 := s.CellsTop[cellIndex(s.CDim, 0, 0, 0)]
	c1 := s.CellsTop[cellIndex(s.CDim, 1, 0, 0)]

	tasks := []task.Task{
		timedTask(task.TypeSelf, c0, nil, 0, 1000),
		timedTask(task.TypeSelf, c0, nil, 0, 2000),
		timedTask(task.TypeSelf, c0, nil, 0, 3000),
		timedTask(task.TypeSelf, c0, nil, 5000, 1000),
		timedTask(task.TypePair, c0, c1, 0, 4000),
		timedTask(task.TypeSort, c0, nil, 0, 9000),
	}
	skipped := timedTask(task.TypeSelf, c1, nil, 0, 9000)
	skipped.Skip = true
	tasks = append(tasks, skipped)

	r := NewRepartition(RepartBoth, 0, 1)
	r.Accumulate(s, tasks)
	assert.Equal(t, 1, r.Count())

	// The backwards self task is charged the median of its type.
	assert.InDelta(t, 8.0+2.0, r.vw[c0.TopID], 1e-12)
	assert.InDelta(t, 2.0, r.vw[c1.TopID], 1e-12)
	assert.InDelta(t, 4.0, r.ew[c0.TopID][r.graph.EdgeIndex(int(c0.TopID), int(c1.TopID))], 1e-12)
	assert.InDelta(t, 4.0, r.ew[c1.TopID][r.graph.EdgeIndex(int(c1.TopID), int(c0.TopID))], 1e-12)
	assert.Equal(t, 5, r.nrTasks)

	r.Clear()
	assert.Zero(t, r.Count())
}

func TestApplyAgreesAcrossRanks(t *testing.T) {
	const ranks = 2
	world := comm.NewWorld(ranks)
	spaces := make([]*cell.Space, ranks)
	for i := range spaces {
		spaces[i] = gridSpace(t, [3]float64{8, 4, 4}, false)
	}

	var g errgroup.Group
	adopted := make([]bool, ranks)
	for rank := 0; rank < ranks; rank++ {
		g.Go(func() error {
			s := spaces[rank]
			r := NewRepartition(RepartEdge, rank, ranks)
			var tasks []task.Task
			for _, c := range s.CellsTop {
				tasks = append(tasks, timedTask(task.TypeSelf, c, nil, 0, int64(1000*(rank+1))))
			}
			r.Accumulate(s, tasks)
			ok, err := r.Apply(s, world.Comm(rank))
			adopted[rank] = ok
			return err
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, []bool{true, true}, adopted)
	for i := range spaces[0].CellsTop {
		assert.Equal(t, spaces[0].CellsTop[i].NodeID, spaces[1].CellsTop[i].NodeID)
	}
	assert.True(t, CheckComplete(spaces[0], ranks))
}

func TestRepartitionBalancesMeasuredCost(t *testing.T) {
	for _, ranks := range []int{2, 3, 4} {
		t.Run(fmt.Sprintf("%d ranks", ranks), func(t *testing.T) {
			world := comm.NewWorld(ranks)
			spaces := make([]*cell.Space, ranks)
			for i := range spaces {
				spaces[i] = gridSpace(t, [3]float64{12, 8, 4}, false)
				for cid, c := range spaces[i].CellsTop {
					c.NodeID = cid % ranks
				}
			}

			// Each rank times its own cells; a cell costs its y coordinate plus one.
			cost := func(c *cell.Cell) int64 { return int64(1000 * (c.Loc[1] + 1)) }
			var g errgroup.Group
			for rank := 0; rank < ranks; rank++ {
				g.Go(func() error {
					s := spaces[rank]
					r := NewRepartition(RepartBoth, rank, ranks)
					for step := 0; step < 2; step++ {
						var tasks []task.Task
						for _, c := range s.CellsTop {
							if c.NodeID == rank {
								tasks = append(tasks, timedTask(task.TypeSelf, c, nil, 0, cost(c)))
							}
						}
						r.Accumulate(s, tasks)
					}
					ok, err := r.Apply(s, world.Comm(rank))
					if err == nil && !ok {
						err = fmt.Errorf("rank %d kept the old partition", rank)
					}
					return err
				})
			}
			require.NoError(t, g.Wait())

			s := spaces[0]
			part := make([]int, len(s.CellsTop))
			load := make([]float64, ranks)
			for i, c := range s.CellsTop {
				part[i] = c.NodeID
				load[c.NodeID] += float64(cost(c))
				for _, other := range spaces[1:] {
					require.Equal(t, c.NodeID, other.CellsTop[i].NodeID)
				}
			}
			lo, hi := slices.Min(load), slices.Max(load)
			require.Positive(t, lo)
			assert.LessOrEqual(t, hi/lo, 1.2, "loads %v", load)

			graph := NewGraph(s.CDim, s.Periodic)
			for r := 0; r < ranks; r++ {
				assert.Len(t, graph.components(part, r), 1, "region %d is not connected", r)
			}
		})
	}
}
