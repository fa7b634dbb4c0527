package engine

import (
	"math"
	"path/filepath"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/pthm-cable/sphtasks/cell"
	"github.com/pthm-cable/sphtasks/comm"
	"github.com/pthm-cable/sphtasks/config"
	"github.com/pthm-cable/sphtasks/ics"
	"github.com/pthm-cable/sphtasks/task"
	"github.com/pthm-cable/sphtasks/telemetry"
)

// testConfig is a small periodic lattice run: 8^3 particles over a 3x3x3
// top grid, two runners, no file output.
func testConfig(t *testing.T, sets ...string) *config.Config {
	t.Helper()
	cfg := config.Default()
	base := []string{
		"scheduler:nr_threads=2",
		"initial_conditions:n_side=8",
		"statistics:delta_time=0",
		"snapshots:delta_time=0",
	}
	for _, s := range append(base, sets...) {
		require.NoError(t, cfg.Set(s))
	}
	return cfg
}

func newEngine(t *testing.T, cfg *config.Config) *Engine {
	t.Helper()
	parts, gparts, err := ics.Generate(cfg)
	require.NoError(t, err)
	e, err := New(cfg, nil, parts, gparts, Options{})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, e.Clean()) })
	return e
}

func typeCounts(e *Engine) map[task.Type]int {
	counts := make(map[task.Type]int)
	for i := range e.Sched.Tasks[:e.Sched.NrTasks()] {
		counts[e.Sched.Tasks[i].Type]++
	}
	return counts
}

func TestInitParticles_SingleCell(t *testing.T) {
	cfg := testConfig(t,
		"space:periodic=false",
		"space:max_top_cells=1",
		"initial_conditions:n_side=2",
		"initial_conditions:perturbation=0",
	)
	e := newEngine(t, cfg)
	require.NoError(t, e.InitParticles())

	require.Len(t, e.Space.CellsTop, 1)
	c := e.Space.CellsTop[0]
	assert.False(t, c.Split)
	assert.Equal(t, 0, c.Depth)
	assert.Equal(t, 8, c.Count())
	assert.Same(t, c, c.Super)

	assert.Equal(t, map[task.Type]int{
		task.TypeSelf:  2,
		task.TypeGhost: 1,
		task.TypeInit:  1,
		task.TypeKick:  1,
	}, typeCounts(e))
	require.Len(t, c.Density, 1)
	require.Len(t, c.Force, 1)

	density, force := c.Density[0], c.Force[0]
	assert.Contains(t, e.Sched.Task(c.Init).Unlocks, density)
	assert.Contains(t, e.Sched.Task(density).Unlocks, c.Ghost)
	assert.Contains(t, e.Sched.Task(c.Ghost).Unlocks, force)
	assert.Contains(t, e.Sched.Task(force).Unlocks, c.Kick)

	for i := range e.Space.Parts {
		assert.Greater(t, e.Space.Parts[i].Rho, 0.0)
	}
	assert.Equal(t, -1, e.StepNum)
}

func TestMakeTasks_Idempotent(t *testing.T) {
	e := newEngine(t, testConfig(t))
	require.NoError(t, e.InitParticles())

	first := typeCounts(e)
	nrTasks, nrUnlocks := e.Sched.NrTasks(), e.Sched.NrUnlocks()

	require.NoError(t, e.MakeTasks())
	assert.Equal(t, first, typeCounts(e))
	assert.Equal(t, nrTasks, e.Sched.NrTasks())
	assert.Equal(t, nrUnlocks, e.Sched.NrUnlocks())
}

func TestMakeTasks_HydroDependencies(t *testing.T) {
	e := newEngine(t, testConfig(t, "hydro:extra_loop=true"))
	require.NoError(t, e.InitParticles())

	assert.Len(t, e.Space.CellsTop, 27)
	var checked int
	e.Space.MapCells(true, func(c *cell.Cell) {
		if c.Super != c {
			return
		}
		require.NotEqual(t, cell.NoTask, c.Init)
		require.NotEqual(t, cell.NoTask, c.Ghost)
		require.NotEqual(t, cell.NoTask, c.ExtraGhost)
		require.NotEqual(t, cell.NoTask, c.Kick)
		hasGradient := false
		for _, tid := range e.Sched.Task(c.Ghost).Unlocks {
			if e.Sched.Task(tid).Subtype == task.SubtypeGradient {
				hasGradient = true
			}
		}
		assert.True(t, hasGradient, "ghost of cell %d unlocks no gradient task", c.ID)
		checked++
	})
	assert.Greater(t, checked, 0)

	for i := range e.Sched.Tasks[:e.Sched.NrTasks()] {
		tk := &e.Sched.Tasks[i]
		if tk.Skip || tk.Subtype != task.SubtypeDensity {
			continue
		}
		sup := tk.Ci.Super
		assert.Contains(t, e.Sched.Task(sup.Init).Unlocks, int32(i), "init of cell %d does not unlock density task %d", sup.ID, i)
	}
}

func TestMakeTasks_Gravity(t *testing.T) {
	e := newEngine(t, testConfig(t,
		"policy:self_gravity=true",
		"initial_conditions:with_gravity=true",
	))
	require.NoError(t, e.InitParticles())

	counts := typeCounts(e)
	assert.Equal(t, 1, counts[task.TypeGravGatherM])
	assert.Equal(t, 1, counts[task.TypeGravFFT])
	assert.Equal(t, 27, counts[task.TypeGravUp])
	assert.Equal(t, 27, counts[task.TypeGravMM])

	for i := range e.Sched.Tasks[:e.Sched.NrTasks()] {
		tk := &e.Sched.Tasks[i]
		if tk.Type == task.TypeGravGatherM {
			assert.True(t, tk.Implicit)
		}
	}
}

func TestRankTasks_TwoCells(t *testing.T) {
	e := newEngine(t, testConfig(t,
		"space:periodic=false",
		"space:box_size=[2,1,1]",
		"space:max_top_cells=2",
	))
	require.NoError(t, e.InitParticles())
	require.Len(t, e.Space.CellsTop, 2)
	for _, c := range e.Space.CellsTop {
		require.False(t, c.Split)
	}

	ranks := make(map[string][]int)
	for i := range e.Sched.Tasks[:e.Sched.NrTasks()] {
		tk := &e.Sched.Tasks[i]
		kind := tk.Type.String()
		if tk.Subtype != task.SubtypeNone {
			kind += "/" + tk.Subtype.String()
		}
		ranks[kind] = append(ranks[kind], tk.Rank)
	}
	want := map[string]int{
		"init":         0,
		"sort":         1,
		"self/density": 1,
		"pair/density": 2,
		"ghost":        3,
		"self/force":   4,
		"pair/force":   4,
		"kick":         5,
	}
	for kind, rank := range want {
		require.NotEmpty(t, ranks[kind], kind)
		for _, r := range ranks[kind] {
			assert.Equal(t, rank, r, kind)
		}
	}
	assert.Len(t, ranks["pair/density"], 1)
	assert.Len(t, ranks["ghost"], 2)
}

func TestMarkTasks_RebuildOnDisplacement(t *testing.T) {
	e := newEngine(t, testConfig(t))
	require.NoError(t, e.InitParticles())

	rebuild, err := e.MarkTasks()
	require.NoError(t, err)
	assert.False(t, rebuild)

	e.Space.CellsTop[13].DxMax = 1
	rebuild, err = e.MarkTasks()
	require.NoError(t, err)
	assert.True(t, rebuild)
}

func TestMarkTasks_InactiveCellsSkipped(t *testing.T) {
	e := newEngine(t, testConfig(t))
	require.NoError(t, e.InitParticles())

	for _, c := range e.Space.CellsTop {
		c.Walk(func(cp *cell.Cell) { cp.TiEndMin = 1 << 20 })
	}
	e.tiEndMin = 0
	rebuild, err := e.MarkTasks()
	require.NoError(t, err)
	require.False(t, rebuild)

	for i := range e.Sched.Tasks[:e.Sched.NrTasks()] {
		tk := &e.Sched.Tasks[i]
		switch tk.Type {
		case task.TypeSelf, task.TypePair, task.TypeSubSelf, task.TypeSubPair, task.TypeKick, task.TypeInit, task.TypeSort:
			assert.True(t, tk.Skip, "%s/%s task %d", tk.Type, tk.Subtype, i)
		}
	}
}

func TestStep_Advances(t *testing.T) {
	e := newEngine(t, testConfig(t))
	require.NoError(t, e.InitParticles())

	prev := -1
	for i := 0; i < 4; i++ {
		require.NoError(t, e.Step())
		assert.Equal(t, i, e.StepNum)
		if i > 0 {
			assert.Greater(t, e.TiCurrent, prev)
		}
		prev = e.TiCurrent
	}
	assert.False(t, e.IsDone())
	for i := range e.Space.Parts {
		p := &e.Space.Parts[i]
		assert.Greater(t, p.TiEnd, e.TiCurrent-1, "particle %d", p.ID)
	}
}

func TestStep_ConservesMassAndMomentum(t *testing.T) {
	e := newEngine(t, testConfig(t,
		"policy:fixdt=true",
		"time_integration:dt_max=1e-3",
	))
	require.NoError(t, e.InitParticles())
	before := e.Stats()

	for i := 0; i < 3; i++ {
		require.NoError(t, e.Step())
	}
	after := e.Stats()
	assert.InDelta(t, before.Mass, after.Mass, 1e-12)

	var scale float64
	for i := range e.Space.Parts {
		p := &e.Space.Parts[i]
		scale += p.Mass * math.Sqrt(p.V[0]*p.V[0]+p.V[1]*p.V[1]+p.V[2]*p.V[2])
	}
	for k := 0; k < 3; k++ {
		assert.InDelta(t, before.Mom[k], after.Mom[k], 1e-8*scale+1e-14, "momentum %d", k)
	}
}

func TestIsDone_MaxSteps(t *testing.T) {
	e := newEngine(t, testConfig(t, "time_integration:max_steps=2"))
	require.NoError(t, e.InitParticles())
	steps := 0
	for !e.IsDone() {
		require.NoError(t, e.Step())
		steps++
		require.LessOrEqual(t, steps, 3)
	}
	assert.Equal(t, 3, steps)
}

func TestComputeNextSnapshotTime(t *testing.T) {
	e := newEngine(t, testConfig(t,
		"snapshots:time_first=0.25",
		"snapshots:delta_time=0.25",
	))
	tl := e.Env.Timeline
	assert.Equal(t, int(0.25*tl.TimeBaseInv), e.tiNextSnapshot)

	e.TiCurrent = e.tiNextSnapshot
	e.computeNextSnapshotTime()
	assert.Equal(t, int(0.5*tl.TimeBaseInv), e.tiNextSnapshot)

	e.TiCurrent = int(0.99 * tl.TimeBaseInv)
	e.computeNextSnapshotTime()
	assert.Equal(t, int(1.0*tl.TimeBaseInv), e.tiNextSnapshot)

	e.TiCurrent = int(1.0 * tl.TimeBaseInv)
	e.computeNextSnapshotTime()
	assert.Equal(t, -1, e.tiNextSnapshot)
}

func TestDumpSnapshot(t *testing.T) {
	cfg := testConfig(t)
	parts, gparts, err := ics.Generate(cfg)
	require.NoError(t, err)

	dir := t.TempDir()
	om, err := telemetry.NewOutputManager(dir)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, om.Close()) })

	e, err := New(cfg, nil, parts, gparts, Options{Output: om})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, e.Clean()) })
	require.NoError(t, e.InitParticles())
	require.NoError(t, e.DumpSnapshot())

	recs, err := telemetry.ReadSnapshot(filepath.Join(dir, "snapshot_0000.csv"))
	require.NoError(t, err)
	require.Len(t, recs, len(parts))
	ids := make(map[int64]bool)
	for _, r := range recs {
		assert.True(t, r.Gas)
		assert.Greater(t, r.Rho, 0.0)
		ids[r.ID] = true
	}
	assert.Len(t, ids, nrParts)
	assert.Equal(t, 1, e.snapshotCount)
}

// runRanks builds one engine per rank on a shared world, initialises the
// particles and takes steps steps on every rank. It returns the engines and
// the total number of gas particles.
func runRanks(t *testing.T, cfg *config.Config, nrRanks, steps int) ([]*Engine, *comm.World, int) {
	t.Helper()
	parts, gparts, err := ics.Generate(cfg)
	require.NoError(t, err)

	world := comm.NewWorld(nrRanks)
	engines := make([]*Engine, nrRanks)
	var g errgroup.Group
	for rank := 0; rank < nrRanks; rank++ {
		p, gp := ics.Share(slices.Clone(parts), slices.Clone(gparts), rank, nrRanks)
		g.Go(func() error {
			e, err := New(cfg, world.Comm(rank), p, gp, Options{})
			if err != nil {
				return err
			}
			engines[rank] = e
			if err := e.InitParticles(); err != nil {
				return err
			}
			for i := 0; i < steps; i++ {
				if err := e.Step(); err != nil {
					return err
				}
			}
			return nil
		})
	}
	err = g.Wait()
	t.Cleanup(func() {
		for _, e := range engines {
			if e != nil {
				require.NoError(t, e.Clean())
			}
		}
	})
	require.NoError(t, err)
	return engines, world, len(parts)
}

func TestTwoRanks(t *testing.T) {
	const nrRanks = 2
	cfg := testConfig(t, "domain_decomposition:nr_ranks=2")
	engines, world, nrParts := runRanks(t, cfg, nrRanks, 3)

	e0, e1 := engines[0], engines[1]
	assert.True(t, e0.Policy.Has(PolicyMPI))
	assert.Equal(t, e0.TiCurrent, e1.TiCurrent)
	assert.Equal(t, e0.Sched.NrTasks() > 0, e1.Sched.NrTasks() > 0)

	ids := make(map[int64]int)
	for _, e := range engines {
		for i := range e.Space.Parts {
			p := &e.Space.Parts[i]
			ids[p.ID]++
			assert.Equal(t, e.NodeID, e.Space.CellsTop[e.Space.TopIndex(p.X)].NodeID, "particle %d on the wrong rank", p.ID)
		}
	}
	assert.Len(t, ids, nrParts)
	for id, n := range ids {
		assert.Equal(t, 1, n, "particle %d", id)
	}

	require.Len(t, e0.Proxies, 1)
	require.Len(t, e1.Proxies, 1)
	tops := func(cells []*cell.Cell) []int32 {
		var out []int32
		for _, c := range cells {
			out = append(out, c.TopID)
		}
		return out
	}
	assert.Equal(t, tops(e0.Proxies[0].CellsOut), tops(e1.Proxies[0].CellsIn))
	assert.Equal(t, tops(e1.Proxies[0].CellsOut), tops(e0.Proxies[0].CellsIn))
	assert.Zero(t, world.Pending())
}

func TestRecv_WaitsForLocalGhosts(t *testing.T) {
	cfg := testConfig(t,
		"domain_decomposition:nr_ranks=2",
		"hydro:extra_loop=true",
	)
	engines, _, _ := runRanks(t, cfg, 2, 0)

	for _, e := range engines {
		checked := 0
		e.Space.MapCells(true, func(foreign *cell.Cell) {
			if foreign.NodeID == e.NodeID || foreign.RecvRho == cell.NoTask {
				return
			}
			require.NotEqual(t, cell.NoTask, foreign.RecvGradient)
			for _, tid := range foreign.Density {
				tk := e.Sched.Task(tid)
				local := tk.Ci
				if local == foreign {
					local = tk.Cj
				}
				if local.Count() == 0 {
					continue
				}
				ghost := e.Sched.Task(local.Super.Ghost)
				assert.Contains(t, ghost.Unlocks, foreign.RecvRho, "rank %d: ghost of cell %d", e.NodeID, local.Super.ID)
				assert.Contains(t, ghost.Unlocks, foreign.RecvGradient, "rank %d: ghost of cell %d", e.NodeID, local.Super.ID)
				checked++
			}
		})
		assert.Greater(t, checked, 0, "rank %d has no pair with a foreign cell", e.NodeID)
	}
}

// Irregular particles with a tight neighbour tolerance make the ghosts
// iterate h against the foreign cells while the receives are pending. Run
// with -race to check the two stay ordered.
func TestTwoRanks_SmoothingIteration(t *testing.T) {
	cfg := testConfig(t,
		"domain_decomposition:nr_ranks=2",
		"scheduler:nr_threads=4",
		"initial_conditions:perturbation=0.3",
		"hydro:delta_neighbours=0.1",
		"hydro:extra_loop=true",
	)
	engines, world, _ := runRanks(t, cfg, 2, 3)

	assert.Equal(t, engines[0].TiCurrent, engines[1].TiCurrent)
	for _, e := range engines {
		for i := range e.Space.Parts {
			p := &e.Space.Parts[i]
			assert.Greater(t, p.Rho, 0.0, "rank %d particle %d", e.NodeID, p.ID)
			assert.Greater(t, p.H, 0.0, "rank %d particle %d", e.NodeID, p.ID)
		}
	}
	assert.Zero(t, world.Pending())
}
