package cell

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"

	"github.com/pthm-cable/sphtasks/config"
	"github.com/pthm-cable/sphtasks/part"
)

// testConfig keeps the top grid at 3^3 so trees get deep.
func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Space.MaxTopCells = 3
	return cfg
}

// randomSpace builds a rebuilt space of n uniformly placed gas particles,
// half of them with linked gravity particles.
func randomSpace(t *testing.T, n, splitSize int, h float64) *Space {
	t.Helper()
	cfg := testConfig()
	cfg.Space.SplitSize = splitSize

	rng := rand.New(rand.NewSource(1))
	parts := make([]part.Part, n)
	var gparts []part.GPart
	for i := range parts {
		p := &parts[i]
		p.ID = int64(i)
		p.H = h
		p.Mass = 1
		p.GPart = -1
		for k := 0; k < 3; k++ {
			p.X[k] = rng.Float64()
		}
		p.TiEnd = 1 + i%4
		if i%2 == 0 {
			p.GPart = int32(len(gparts))
			gparts = append(gparts, part.GPart{X: p.X, ID: p.ID, Mass: 1, Part: int32(i), TiEnd: p.TiEnd})
		}
	}

	s := NewSpace(cfg, 0, parts, gparts)
	_, _, err := s.Regrid(h)
	require.NoError(t, err)
	require.NoError(t, s.Rebuild(nil))
	return s
}

func leaves(s *Space) []*Cell {
	var out []*Cell
	s.MapCells(true, func(c *Cell) {
		if !c.Split {
			out = append(out, c)
		}
	})
	return out
}

func TestRebuild_LeavesPartitionParticles(t *testing.T) {
	s := randomSpace(t, 5000, 50, 0.05)

	seen := make(map[int64]int)
	for _, c := range leaves(s) {
		assert.True(t, c.Count() <= s.SplitSize || c.Depth == s.MaxDepth, "leaf %d too large", c.ID)
		for i := range c.Parts {
			p := &c.Parts[i]
			seen[p.ID]++
			assert.True(t, c.Contains(p.X), "part %d outside its leaf", p.ID)
			assert.LessOrEqual(t, p.H, c.HMax)
		}
		for i := range c.GParts {
			assert.True(t, c.Contains(c.GParts[i].X))
		}
	}
	assert.Len(t, seen, 5000)
	for id, n := range seen {
		assert.Equal(t, 1, n, "part %d seen %d times", id, n)
	}

	for i := range s.Parts {
		p := &s.Parts[i]
		if p.GPart >= 0 {
			gp := &s.GParts[p.GPart]
			assert.Equal(t, int32(i), gp.Part)
			assert.Equal(t, p.ID, gp.ID)
		}
	}
}

func TestRebuild_AggregatesTimeBins(t *testing.T) {
	s := randomSpace(t, 2000, 20, 0.05)
	s.MapCells(true, func(c *Cell) {
		if c.Count() == 0 && c.GCount() == 0 {
			return
		}
		lo, hi := part.MaxNrTimesteps, 0
		for i := range c.Parts {
			lo = min(lo, c.Parts[i].TiEnd)
			hi = max(hi, c.Parts[i].TiEnd)
		}
		for i := range c.GParts {
			lo = min(lo, c.GParts[i].TiEnd)
			hi = max(hi, c.GParts[i].TiEnd)
		}
		assert.Equal(t, lo, c.TiEndMin)
		assert.Equal(t, hi, c.TiEndMax)
	})
}

func TestRegrid_SingleCell(t *testing.T) {
	cfg := config.Default()
	cfg.Space.Periodic = false
	parts := make([]part.Part, 10)
	for i := range parts {
		parts[i].X = [3]float64{0.1 * float64(i), 0.5, 0.5}
		parts[i].H = 0.6
		parts[i].GPart = -1
	}
	s := NewSpace(cfg, 0, parts, nil)
	changed, _, err := s.Regrid(0.6)
	require.NoError(t, err)
	assert.True(t, changed)
	require.NoError(t, s.Rebuild(nil))

	require.Len(t, s.CellsTop, 1)
	c := s.CellsTop[0]
	assert.False(t, c.Split)
	assert.Equal(t, 0, c.Depth)
	assert.Equal(t, 10, c.Count())

	changed, _, err = s.Regrid(0.6)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestRegrid_PeriodicNeedsThreeCells(t *testing.T) {
	cfg := config.Default()
	s := NewSpace(cfg, 0, nil, nil)
	_, _, err := s.Regrid(0.3)
	assert.Error(t, err)

	_, _, err = s.Regrid(0.1)
	require.NoError(t, err)
	assert.Equal(t, [3]int{4, 4, 4}, s.CDim)
}

func TestWrapParticles(t *testing.T) {
	cfg := config.Default()
	parts := []part.Part{{X: [3]float64{-0.25, 1.5, 0.5}, GPart: -1}}
	s := NewSpace(cfg, 0, parts, nil)
	require.NoError(t, s.WrapParticles())
	assert.InDelta(t, 0.75, s.Parts[0].X[0], 1e-12)
	assert.InDelta(t, 0.5, s.Parts[0].X[1], 1e-12)

	cfg.Space.Periodic = false
	s = NewSpace(cfg, 0, []part.Part{{X: [3]float64{-0.25, 0.5, 0.5}, GPart: -1}}, nil)
	assert.Error(t, s.WrapParticles())
}

func TestRebuild_WrapsDriftAcrossBoundary(t *testing.T) {
	const eps = 1e-6
	s := randomSpace(t, 500, 50, 0.05)
	find := func() *part.Part {
		for i := range s.Parts {
			if s.Parts[i].ID == 7 {
				return &s.Parts[i]
			}
		}
		t.Fatal("particle 7 lost")
		return nil
	}
	p := find()
	p.X[0] = s.Dim[0] - eps
	p.X[0] += 2 * eps
	require.NoError(t, s.Rebuild(nil))

	p = find()
	assert.InDelta(t, eps, p.X[0], 1e-12)
	top := s.CellsTop[s.TopIndex(p.X)]
	assert.Zero(t, top.Loc[0])
	assert.True(t, top.Contains(p.X))
}

func TestSanitize_CapsSmoothingLength(t *testing.T) {
	s := randomSpace(t, 1000, 50, 0.05)
	s.Parts[0].H = 10
	s.sanitized = false
	require.NoError(t, s.Rebuild(nil))
	for _, c := range leaves(s) {
		for i := range c.Parts {
			assert.Less(t, c.Parts[i].H, c.DMin)
		}
	}
}

func TestLockTree_Exclusive(t *testing.T) {
	const (
		workers  = 16
		attempts = 1_000_000
	)
	s := randomSpace(t, 8*8*8*8, 8, 0.05)
	var all []*Cell
	s.MapCells(true, func(c *Cell) { all = append(all, c) })
	index := make(map[*Cell]int, len(all))
	for i, c := range all {
		index[c] = i
	}

	var mu sync.Mutex
	held := make(map[*Cell]bool)
	related := func(a, b *Cell) bool {
		for c := a; c != nil; c = c.Parent {
			if c == b {
				return true
			}
		}
		for c := b; c != nil; c = c.Parent {
			if c == a {
				return true
			}
		}
		return false
	}

	var conflicts atomic.Int64
	acquired := make([]atomic.Int64, len(all))
	var wg sync.WaitGroup
	for g := 0; g < workers; g++ {
		wg.Add(1)
		go func(seed uint64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for n := 0; n < attempts/workers; n++ {
				c := all[rng.Intn(len(all))]
				if !c.LockTree() {
					continue
				}
				acquired[index[c]].Add(1)
				mu.Lock()
				for other := range held {
					if related(c, other) {
						conflicts.Add(1)
					}
				}
				held[c] = true
				mu.Unlock()

				mu.Lock()
				delete(held, c)
				mu.Unlock()
				c.UnlockTree()
			}
		}(uint64(g + 1))
	}
	wg.Wait()

	assert.Zero(t, conflicts.Load())
	for i, c := range all {
		assert.Positive(t, acquired[i].Load(), "cell %d at depth %d never locked", c.ID, c.Depth)
		assert.False(t, c.Locked())
		assert.False(t, c.Held())
	}
}

func TestLockTree_FailsOnLockedAncestor(t *testing.T) {
	s := randomSpace(t, 4000, 50, 0.05)
	var parent *Cell
	s.MapCells(false, func(c *Cell) {
		if parent == nil && c.Split {
			parent = c
		}
	})
	require.NotNil(t, parent)
	child := parent.Progeny[0]

	require.True(t, parent.LockTree())
	assert.False(t, child.LockTree())
	parent.UnlockTree()

	require.True(t, child.LockTree())
	assert.True(t, parent.Held())
	assert.False(t, parent.LockTree())
	child.UnlockTree()
	assert.False(t, parent.Held())
}

func TestDoSort_AllDirections(t *testing.T) {
	s := randomSpace(t, 3000, 40, 0.05)
	var c *Cell
	s.MapCells(false, func(top *Cell) {
		if c == nil && top.Split {
			c = top
		}
	})
	require.NotNil(t, c)

	c.DoSort(0x1FFF)
	assert.Equal(t, uint16(0x1FFF), c.Sorted)
	for sid := 0; sid < 13; sid++ {
		entries := c.Sort[sid]
		require.Len(t, entries, c.Count(), "sid %d", sid)
		seen := make([]bool, c.Count())
		for i, e := range entries {
			if i > 0 {
				assert.LessOrEqual(t, entries[i-1].D, e.D, "sid %d not monotone at %d", sid, i)
			}
			x := c.Parts[e.I].X
			axis := RunnerShift[sid]
			assert.InDelta(t, x[0]*axis[0]+x[1]*axis[1]+x[2]*axis[2], e.D, 1e-12)
			assert.False(t, seen[e.I])
			seen[e.I] = true
		}
	}

	c.ClearSorts()
	assert.Zero(t, c.Sorted)
	assert.Zero(t, c.Progeny[0].Sorted)
}

func TestPackUnpack_PreservesTopology(t *testing.T) {
	s := randomSpace(t, 3000, 30, 0.05)
	src := s.CellsTop[0]
	pcells := src.Pack(nil, s.NextTag)
	assert.Equal(t, src.PCellSize, len(pcells))

	remote := NewSpace(testConfig(), 1, nil, nil)
	_, _, err := remote.Regrid(0.05)
	require.NoError(t, err)
	dst := remote.CellsTop[0]
	assert.Equal(t, len(pcells), remote.Unpack(pcells, dst))

	var shape func(a, b *Cell)
	shape = func(a, b *Cell) {
		assert.Equal(t, a.Split, b.Split)
		assert.Equal(t, a.Count(), b.RemoteCount)
		assert.Equal(t, a.GCount(), b.RemoteGCount)
		assert.Equal(t, a.Tag, b.Tag)
		assert.Equal(t, a.Loc, b.Loc)
		assert.Equal(t, a.HMax, b.HMax)
		for k := 0; k < 8; k++ {
			if a.Progeny[k] == nil {
				assert.Nil(t, b.Progeny[k])
				continue
			}
			require.NotNil(t, b.Progeny[k])
			shape(a.Progeny[k], b.Progeny[k])
		}
	}
	shape(src, dst)

	foreign := make([]part.Part, len(src.Parts))
	copy(foreign, src.Parts)
	assert.Equal(t, len(foreign), dst.LinkParts(foreign, 0))

	tiEnds := src.PackTiEnds(nil)
	assert.Equal(t, len(pcells), dst.UnpackTiEnds(tiEnds))
}

func TestExtractStrays_RoutesByOwner(t *testing.T) {
	s := randomSpace(t, 2000, 100, 0.05)
	for cid, c := range s.CellsTop {
		if s.TopCoords(cid)[0] >= s.CDim[0]/2 {
			c.NodeID = 1
		}
	}

	strays, err := s.ExtractStrays()
	require.NoError(t, err)
	require.Contains(t, strays, 1)
	batch := strays[1]

	for i := range s.Parts {
		assert.Equal(t, 0, s.CellsTop[s.TopIndex(s.Parts[i].X)].NodeID)
		if g := s.Parts[i].GPart; g >= 0 {
			assert.Equal(t, int32(i), s.GParts[g].Part)
		}
	}
	for i := range batch.Parts {
		assert.Equal(t, 1, s.CellsTop[s.TopIndex(batch.Parts[i].X)].NodeID)
		if g := batch.Parts[i].GPart; g >= 0 {
			assert.Equal(t, int32(i), batch.GParts[g].Part)
			assert.Equal(t, batch.Parts[i].ID, batch.GParts[g].ID)
		}
	}
	assert.Equal(t, 2000, len(s.Parts)+len(batch.Parts))

	other := NewSpace(testConfig(), 1, nil, nil)
	require.NoError(t, other.AppendStrays(batch))
	assert.Len(t, other.Parts, len(batch.Parts))
	for i := range other.Parts {
		if g := other.Parts[i].GPart; g >= 0 {
			assert.Equal(t, int32(i), other.GParts[g].Part)
		}
	}
}

func TestGetSID_Canonical(t *testing.T) {
	dim := [3]float64{1, 1, 1}
	mk := func(x, y, z float64) *Cell {
		return &Cell{Loc: [3]float64{x, y, z}, Width: [3]float64{0.25, 0.25, 0.25}}
	}
	a, b := mk(0.25, 0.25, 0.25), mk(0.5, 0.25, 0.25)

	ci, cj, sid, shift := GetSID(dim, true, a, b)
	assert.Same(t, a, ci)
	assert.Same(t, b, cj)
	assert.Equal(t, 4, sid)
	assert.Equal(t, [3]float64{}, shift)

	ci, cj, sid, _ = GetSID(dim, true, b, a)
	assert.Same(t, a, ci)
	assert.Same(t, b, cj)
	assert.Equal(t, 4, sid)

	// Across the periodic boundary the right-most cell comes first.
	left, right := mk(0, 0.25, 0.25), mk(0.75, 0.25, 0.25)
	ci, cj, sid, shift = GetSID(dim, true, left, right)
	assert.Same(t, right, ci)
	assert.Same(t, left, cj)
	assert.Equal(t, 4, sid)
	assert.Equal(t, [3]float64{1, 0, 0}, shift)
	assert.True(t, AreNeighbours(left, right, dim, true))
	assert.False(t, AreNeighbours(left, right, dim, false))
}

func TestPairTables(t *testing.T) {
	assert.Len(t, SelfPairs, 28)
	// Each child on a shared face touches every child across it.
	assert.Len(t, PairProgeny[4], 16)
	assert.Len(t, PairProgeny[1], 4)
	assert.Len(t, PairProgeny[0], 1)
}
