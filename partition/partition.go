// Package partition assigns the top-level cells of a space to ranks, either
// geometrically at start-up or from measured task costs while running.
package partition

import (
	"log/slog"
	"math"

	"github.com/rotisserie/eris"

	"github.com/pthm-cable/sphtasks/cell"
)

// InitialType selects the start-up decomposition.
type InitialType string

const (
	InitialGrid            InitialType = "grid"
	InitialVectorized      InitialType = "vectorized"
	InitialGraphWeighted   InitialType = "graph_weighted"
	InitialGraphUnweighted InitialType = "graph_unweighted"
)

// ParseInitial checks a configured initial type.
func ParseInitial(s string) (InitialType, error) {
	switch t := InitialType(s); t {
	case InitialGrid, InitialVectorized, InitialGraphWeighted, InitialGraphUnweighted:
		return t, nil
	}
	return "", eris.Errorf("unknown initial partition type %q", s)
}

// Initial assigns every top cell of s to one of nrNodes ranks. grid gives
// the factors of the grid decomposition, zeros derive them from nrNodes.
// counts are the global particle counts per top cell, used by the weighted
// graph type. A grid or graph result that leaves a rank without cells falls
// back to the vectorised decomposition.
func Initial(typ InitialType, grid [3]int, s *cell.Space, nrNodes int, counts []float64) error {
	if len(s.CellsTop) < nrNodes {
		return eris.Errorf("too few cells (%d) for %d ranks", len(s.CellsTop), nrNodes)
	}

	switch typ {
	case InitialGrid:
		if grid[0]*grid[1]*grid[2] == 0 {
			grid = GridFactors(nrNodes)
		}
		if grid[0]*grid[1]*grid[2] != nrNodes {
			return eris.Errorf("grid %v does not match %d ranks", grid, nrNodes)
		}
		for _, c := range s.CellsTop {
			var ind [3]int
			for k := 0; k < 3; k++ {
				ind[k] = min(int(c.Loc[k]/s.Dim[k]*float64(grid[k])), grid[k]-1)
			}
			c.NodeID = ind[0] + grid[0]*(ind[1]+grid[1]*ind[2])
		}

	case InitialGraphWeighted, InitialGraphUnweighted:
		var vw []float64
		if typ == InitialGraphWeighted {
			if len(counts) != len(s.CellsTop) {
				return eris.Errorf("got %d cell weights for %d cells", len(counts), len(s.CellsTop))
			}
			vw = make([]float64, len(counts))
			for i, w := range counts {
				vw[i] = max(w, 1)
			}
		}
		g := NewGraph(s.CDim, s.Periodic)
		part, err := g.Partition(nrNodes, vw, nil)
		if err != nil {
			return err
		}
		for i, c := range s.CellsTop {
			c.NodeID = part[i]
		}

	case InitialVectorized:
		SplitVector(s, PickVector(s.CDim, nrNodes))
		return nil

	default:
		return eris.Errorf("unknown initial partition type %q", typ)
	}

	if !CheckComplete(s, nrNodes) {
		slog.Warn("initial partition left ranks empty, using a vectorised partition", "type", string(typ), "ranks", nrNodes)
		SplitVector(s, PickVector(s.CDim, nrNodes))
	}
	return nil
}

// GridFactors splits n into three factors that are as close to each other
// as possible, largest first.
func GridFactors(n int) [3]int {
	best := [3]int{n, 1, 1}
	for a := 1; a*a*a <= n; a++ {
		if n%a != 0 {
			continue
		}
		m := n / a
		for b := a; b*b <= m; b++ {
			if m%b != 0 {
				continue
			}
			c := m / b
			if c-a < best[0]-best[2] {
				best = [3]int{c, b, a}
			}
		}
	}
	return best
}

// PickVector picks one seed cell per region by walking the grid in storage
// order with a fixed stride.
func PickVector(cdim [3]int, nregions int) [][3]int {
	length := cdim[0] * cdim[1] * cdim[2]
	step := max(length/max(nregions, 1), 1)
	seeds := make([][3]int, 0, nregions)
	n := 0
	for i := 0; i < cdim[0]; i++ {
		for j := 0; j < cdim[1]; j++ {
			for k := 0; k < cdim[2]; k++ {
				if n == 0 && len(seeds) < nregions {
					seeds = append(seeds, [3]int{i, j, k})
				}
				n++
				if n == step {
					n = 0
				}
			}
		}
	}
	return seeds
}

// SplitVector gives every cell to the geometrically closest seed.
func SplitVector(s *cell.Space, seeds [][3]int) {
	for i := 0; i < s.CDim[0]; i++ {
		for j := 0; j < s.CDim[1]; j++ {
			for k := 0; k < s.CDim[2]; k++ {
				sel := -1
				best := math.MaxFloat64
				for l, seed := range seeds {
					dx := float64(seed[0] - i)
					dy := float64(seed[1] - j)
					dz := float64(seed[2] - k)
					if r2 := dx*dx + dy*dy + dz*dz; r2 < best {
						best, sel = r2, l
					}
				}
				s.CellsTop[cellIndex(s.CDim, i, j, k)].NodeID = sel
			}
		}
	}
}

// CheckComplete reports whether every rank owns at least one top cell.
func CheckComplete(s *cell.Space, nrNodes int) bool {
	present := make([]int, nrNodes)
	for _, c := range s.CellsTop {
		if c.NodeID < 0 || c.NodeID >= nrNodes {
			slog.Warn("bad rank in partition", "cell", c.TopID, "rank", c.NodeID)
			return false
		}
		present[c.NodeID]++
	}
	for rank, n := range present {
		if n == 0 {
			slog.Debug("rank not present in partition", "rank", rank)
			return false
		}
	}
	return true
}

// SpaceToSpace carries a decomposition over to a resized top grid: each new
// cell goes to the rank owning the old cell under its centre. It reports
// whether every rank still owns a cell.
func SpaceToSpace(old cell.Grid, s *cell.Space, nrNodes int) bool {
	if len(old.NodeIDs) == 0 {
		return false
	}
	for i := 0; i < s.CDim[0]; i++ {
		for j := 0; j < s.CDim[1]; j++ {
			for k := 0; k < s.CDim[2]; k++ {
				var oi [3]int
				for d, n := range [3]int{i, j, k} {
					oi[d] = min(int((float64(n)+0.5)*float64(old.CDim[d])/float64(s.CDim[d])), old.CDim[d]-1)
				}
				s.CellsTop[cellIndex(s.CDim, i, j, k)].NodeID = old.NodeIDs[cellIndex(old.CDim, oi[0], oi[1], oi[2])]
			}
		}
	}
	return CheckComplete(s, nrNodes)
}

// CellCounts counts the local particles of s per top cell.
func CellCounts(s *cell.Space) []float64 {
	counts := make([]float64, len(s.CellsTop))
	for i := range s.Parts {
		counts[s.TopIndex(s.Parts[i].X)]++
	}
	for i := range s.GParts {
		if s.GParts[i].Part < 0 {
			counts[s.TopIndex(s.GParts[i].X)]++
		}
	}
	return counts
}

func cellIndex(cdim [3]int, i, j, k int) int {
	return (i*cdim[1]+j)*cdim[2] + k
}
