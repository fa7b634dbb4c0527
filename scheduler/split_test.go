package scheduler

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"

	"github.com/pthm-cable/sphtasks/cell"
	"github.com/pthm-cable/sphtasks/config"
	"github.com/pthm-cable/sphtasks/hydro"
	"github.com/pthm-cable/sphtasks/part"
	"github.com/pthm-cable/sphtasks/task"
)

func splitSpace(t *testing.T, n int, h float64) *cell.Space {
	t.Helper()
	cfg := config.Default()
	cfg.Space.Periodic = false
	cfg.Space.MaxTopCells = 3
	cfg.Space.SplitSize = 20

	rng := rand.New(rand.NewSource(11))
	parts := make([]part.Part, n)
	for i := range parts {
		p := &parts[i]
		p.ID, p.H, p.Mass, p.GPart = int64(i), h, 1, -1
		for k := 0; k < 3; k++ {
			p.X[k] = rng.Float64()
		}
	}
	s := cell.NewSpace(cfg, 0, parts, nil)
	_, _, err := s.Regrid(h)
	require.NoError(t, err)
	require.NoError(t, s.Rebuild(nil))
	s.MapCells(true, func(c *cell.Cell) { c.ResetTasks() })
	return s
}

// topLevelDensity adds a density self task per top cell and a pair per
// touching top-cell pair.
func topLevelDensity(t *testing.T, sched *Scheduler, sp *cell.Space) {
	t.Helper()
	for i, ci := range sp.CellsTop {
		_, err := sched.AddTask(task.TypeSelf, task.SubtypeDensity, 0, ci, nil, false)
		require.NoError(t, err)
		for _, cj := range sp.CellsTop[i+1:] {
			if cell.AreNeighbours(ci, cj, sp.Dim, sp.Periodic) {
				_, err := sched.AddTask(task.TypePair, task.SubtypeDensity, 0, ci, cj, false)
				require.NoError(t, err)
			}
		}
	}
}

func covers(c *cell.Cell, i int) bool {
	return i >= c.PartOffset && i < c.PartOffset+c.Count()
}

func TestSplitTasks_CoversEveryNeighbourPairOnce(t *testing.T) {
	const h = 0.02
	for _, tc := range []struct {
		name    string
		subSize int
	}{
		{"full split", 1},
		{"sub tasks", 1 << 20},
	} {
		t.Run(tc.name, func(t *testing.T) {
			sp := splitSpace(t, 1500, h)
			p := testParams(1)
			p.SubSize = tc.subSize
			sched := New(sp, p, 200000, nil)
			topLevelDensity(t, sched, sp)
			require.NoError(t, sched.SplitTasks())
			sched.SetUnlocks()
			require.NoError(t, sched.RankTasks())

			var live []int32
			for tid := int32(0); int(tid) < sched.NrTasks(); tid++ {
				tk := sched.Task(tid)
				if tk.Skip || tk.Type == task.TypeNone || tk.Type == task.TypeSort {
					continue
				}
				live = append(live, tid)
				if tk.Type == task.TypePair {
					// Un-split pairs wait for sorts along their axis.
					for _, c := range []*cell.Cell{tk.Ci, tk.Cj} {
						require.NotEqual(t, cell.NoTask, c.Sorts)
						st := sched.Task(c.Sorts)
						assert.NotZero(t, st.Flags&(1<<tk.Flags))
						assert.True(t, slices.Contains(st.Unlocks, tid))
					}
				}
				if tc.subSize == 1 {
					assert.NotEqual(t, task.TypeSubPair, tk.Type)
				}
			}

			parts := sp.Parts
			r := h * hydro.KernelGamma
			for i := range parts {
				for j := i + 1; j < len(parts); j++ {
					var d2 float64
					for k := 0; k < 3; k++ {
						dx := parts[i].X[k] - parts[j].X[k]
						d2 += dx * dx
					}
					if d2 >= r*r {
						continue
					}
					n := 0
					for _, tid := range live {
						tk := sched.Task(tid)
						switch tk.Type {
						case task.TypeSelf, task.TypeSubSelf:
							if covers(tk.Ci, i) && covers(tk.Ci, j) {
								n++
							}
						case task.TypePair, task.TypeSubPair:
							if (covers(tk.Ci, i) && covers(tk.Cj, j)) || (covers(tk.Ci, j) && covers(tk.Cj, i)) {
								n++
							}
						}
					}
					assert.Equal(t, 1, n, "parts %d and %d", i, j)
				}
			}
		})
	}
}

func TestSplitTasks_SkipsForeignAndEmpty(t *testing.T) {
	sp := splitSpace(t, 50, 0.05)
	sched := New(sp, testParams(1), 1000, nil)

	empty := &cell.Cell{NodeID: 0}
	foreign := &cell.Cell{NodeID: 3, Parts: make([]part.Part, 2)}
	kick, err := sched.AddTask(task.TypeKick, task.SubtypeNone, 0, foreign, nil, false)
	require.NoError(t, err)
	mm, err := sched.AddTask(task.TypeGravMM, task.SubtypeNone, 0, empty, nil, false)
	require.NoError(t, err)
	self, err := sched.AddTask(task.TypeSelf, task.SubtypeDensity, 0, foreign, nil, false)
	require.NoError(t, err)

	require.NoError(t, sched.SplitTasks())
	assert.True(t, sched.Task(kick).Skip)
	assert.Equal(t, task.TypeNone, sched.Task(kick).Type)
	assert.True(t, sched.Task(mm).Skip)
	assert.True(t, sched.Task(self).Skip)
}
