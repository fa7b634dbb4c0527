package partition

import (
	"cmp"
	"math"
	"slices"

	"github.com/rotisserie/eris"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// denseLimit is the largest subgraph whose Fiedler vector is taken from a
// full eigendecomposition; larger ones use power iteration.
const denseLimit = 512

const (
	powerIterations = 400
	powerTolerance  = 1e-9
)

// Graph is the adjacency of the top-level cells: each cell is linked to the
// up to 26 cells that share a face, edge or corner with it.
type Graph struct {
	N      int
	Adj    [][]int
	Coords [][3]int
}

// NewGraph builds the top-cell graph of a cdim grid.
func NewGraph(cdim [3]int, periodic bool) *Graph {
	n := cdim[0] * cdim[1] * cdim[2]
	g := &Graph{N: n, Adj: make([][]int, n), Coords: make([][3]int, n)}
	for i := 0; i < cdim[0]; i++ {
		for j := 0; j < cdim[1]; j++ {
			for k := 0; k < cdim[2]; k++ {
				cid := cellIndex(cdim, i, j, k)
				g.Coords[cid] = [3]int{i, j, k}
				var adj []int
				for di := -1; di <= 1; di++ {
					for dj := -1; dj <= 1; dj++ {
						for dk := -1; dk <= 1; dk++ {
							ii, jj, kk := i+di, j+dj, k+dk
							if periodic {
								ii = (ii + cdim[0]) % cdim[0]
								jj = (jj + cdim[1]) % cdim[1]
								kk = (kk + cdim[2]) % cdim[2]
							} else if ii < 0 || ii >= cdim[0] || jj < 0 || jj >= cdim[1] || kk < 0 || kk >= cdim[2] {
								continue
							}
							cjd := cellIndex(cdim, ii, jj, kk)
							if cjd != cid && !slices.Contains(adj, cjd) {
								adj = append(adj, cjd)
							}
						}
					}
				}
				g.Adj[cid] = adj
			}
		}
	}
	return g
}

// NrEdges is the number of directed edges, the length of a flattened edge
// weight array.
func (g *Graph) NrEdges() int {
	n := 0
	for _, adj := range g.Adj {
		n += len(adj)
	}
	return n
}

// EdgeIndex returns the position of j in the adjacency of i, -1 if the cells
// are not neighbours.
func (g *Graph) EdgeIndex(i, j int) int {
	return slices.Index(g.Adj[i], j)
}

// Flatten packs per-cell edge weights into one slice in adjacency order.
func (g *Graph) Flatten(ew [][]float64) []float64 {
	out := make([]float64, 0, g.NrEdges())
	for i := range g.Adj {
		out = append(out, ew[i]...)
	}
	return out
}

// Unflatten is the inverse of Flatten.
func (g *Graph) Unflatten(flat []float64) [][]float64 {
	ew := make([][]float64, g.N)
	off := 0
	for i, adj := range g.Adj {
		ew[i] = flat[off : off+len(adj) : off+len(adj)]
		off += len(adj)
	}
	return ew
}

// Partition splits the graph into nparts connected regions of near-equal
// vertex weight by recursive spectral bisection. Nil weights count as one.
func (g *Graph) Partition(nparts int, vw []float64, ew [][]float64) ([]int, error) {
	if nparts < 1 {
		return nil, eris.Errorf("cannot partition into %d regions", nparts)
	}
	if g.N < nparts {
		return nil, eris.Errorf("too few cells (%d) for %d regions", g.N, nparts)
	}
	if vw == nil {
		vw = make([]float64, g.N)
		for i := range vw {
			vw[i] = 1
		}
	}

	part := make([]int, g.N)
	nodes := make([]int, g.N)
	for i := range nodes {
		nodes[i] = i
	}
	g.bisect(nodes, nparts, 0, vw, ew, part)
	g.repair(part, nparts, vw, ew)
	return part, nil
}

func (g *Graph) bisect(nodes []int, k, first int, vw []float64, ew [][]float64, part []int) {
	if k == 1 {
		for _, n := range nodes {
			part[n] = first
		}
		return
	}
	kl := k / 2

	f := g.fiedler(nodes, ew)
	order := make([]int, len(nodes))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		if c := cmp.Compare(f[a], f[b]); c != 0 {
			return c
		}
		return cmp.Compare(nodes[a], nodes[b])
	})

	total := 0.0
	for _, n := range nodes {
		total += vw[n]
	}
	target := total * float64(kl) / float64(k)

	// Each side keeps at least as many cells as regions it must hold.
	cut, best, sum := kl, -1.0, 0.0
	for i := 0; i < len(order); i++ {
		if i >= kl && i <= len(order)-(k-kl) {
			if d := math.Abs(sum - target); best < 0 || d < best {
				best, cut = d, i
			}
		}
		sum += vw[nodes[order[i]]]
	}

	left := make([]int, 0, cut)
	right := make([]int, 0, len(nodes)-cut)
	for i, o := range order {
		if i < cut {
			left = append(left, nodes[o])
		} else {
			right = append(right, nodes[o])
		}
	}
	g.bisect(left, kl, first, vw, ew, part)
	g.bisect(right, k-kl, first+kl, vw, ew, part)
}

// weight is the symmetrised weight of the edge i-j at adjacency slot a of i.
func (g *Graph) weight(ew [][]float64, i, a int) float64 {
	if ew == nil {
		return 1
	}
	j := g.Adj[i][a]
	w := ew[i][a]
	if b := g.EdgeIndex(j, i); b >= 0 {
		w = (w + ew[j][b]) / 2
	}
	// Zero edges would let the graph fall apart into free components.
	return max(w, 1e-6)
}

// fiedler returns the eigenvector of the second smallest eigenvalue of the
// weighted Laplacian of the subgraph on nodes.
func (g *Graph) fiedler(nodes []int, ew [][]float64) []float64 {
	n := len(nodes)
	local := make(map[int]int, n)
	for i, v := range nodes {
		local[v] = i
	}
	if n <= 2 {
		f := make([]float64, n)
		for i := range f {
			f[i] = float64(i)
		}
		return f
	}

	if n <= denseLimit {
		lap := mat.NewSymDense(n, nil)
		for i, v := range nodes {
			for a, u := range g.Adj[v] {
				j, ok := local[u]
				if !ok || j <= i {
					continue
				}
				w := g.weight(ew, v, a)
				lap.SetSym(i, j, lap.At(i, j)-w)
				lap.SetSym(i, i, lap.At(i, i)+w)
				lap.SetSym(j, j, lap.At(j, j)+w)
			}
		}
		var es mat.EigenSym
		if es.Factorize(lap, true) {
			var vecs mat.Dense
			es.VectorsTo(&vecs)
			return mat.Col(nil, 1, &vecs)
		}
	}
	return g.fiedlerPower(nodes, local, ew)
}

// fiedlerPower finds the Fiedler vector by power iteration on cI-L with the
// constant vector projected out. The start vector is the coordinate along
// the widest extent of the subgraph, which is already close for grid graphs.
func (g *Graph) fiedlerPower(nodes []int, local map[int]int, ew [][]float64) []float64 {
	n := len(nodes)
	deg := make([]float64, n)
	maxDeg := 0.0
	for i, v := range nodes {
		for a, u := range g.Adj[v] {
			if _, ok := local[u]; ok {
				deg[i] += g.weight(ew, v, a)
			}
		}
		maxDeg = max(maxDeg, deg[i])
	}
	shift := 2 * maxDeg

	var lo, hi [3]int
	for d := 0; d < 3; d++ {
		lo[d], hi[d] = g.Coords[nodes[0]][d], g.Coords[nodes[0]][d]
	}
	for _, v := range nodes {
		for d := 0; d < 3; d++ {
			lo[d] = min(lo[d], g.Coords[v][d])
			hi[d] = max(hi[d], g.Coords[v][d])
		}
	}
	axis := 0
	for d := 1; d < 3; d++ {
		if hi[d]-lo[d] > hi[axis]-lo[axis] {
			axis = d
		}
	}

	x := make([]float64, n)
	for i, v := range nodes {
		// Small index term breaks ties between cells in the same plane.
		x[i] = float64(g.Coords[v][axis]) + 1e-3*float64(i)/float64(n)
	}
	y := make([]float64, n)
	orthonormalise(x)
	for it := 0; it < powerIterations; it++ {
		for i, v := range nodes {
			acc := (shift - deg[i]) * x[i]
			for a, u := range g.Adj[v] {
				if j, ok := local[u]; ok {
					acc += g.weight(ew, v, a) * x[j]
				}
			}
			y[i] = acc
		}
		orthonormalise(y)
		if floats.Distance(x, y, 2) < powerTolerance {
			x, y = y, x
			break
		}
		x, y = y, x
	}
	return x
}

// orthonormalise removes the mean of x and scales it to unit length.
func orthonormalise(x []float64) {
	floats.AddConst(-floats.Sum(x)/float64(len(x)), x)
	if norm := floats.Norm(x, 2); norm > 0 {
		floats.Scale(1/norm, x)
	}
}

// repair moves every detached piece of a region to the neighbouring region
// it shares the most edge weight with, so that all regions are connected.
func (g *Graph) repair(part []int, nparts int, vw []float64, ew [][]float64) {
	for pass := 0; pass < 8; pass++ {
		moved := false
		for r := 0; r < nparts; r++ {
			comps := g.components(part, r)
			if len(comps) < 2 {
				continue
			}
			// Keep the heaviest piece.
			keep, best := 0, -1.0
			for c, comp := range comps {
				w := 0.0
				for _, v := range comp {
					w += vw[v]
				}
				if w > best {
					keep, best = c, w
				}
			}
			for c, comp := range comps {
				if c == keep {
					continue
				}
				links := make(map[int]float64)
				for _, v := range comp {
					for a, u := range g.Adj[v] {
						if part[u] != r {
							links[part[u]] += g.weight(ew, v, a)
						}
					}
				}
				to, bestLink := -1, -1.0
				for p, w := range links {
					if w > bestLink || (w == bestLink && p < to) {
						to, bestLink = p, w
					}
				}
				if to < 0 {
					continue
				}
				for _, v := range comp {
					part[v] = to
				}
				moved = true
			}
		}
		if !moved {
			return
		}
	}
}

// components returns the connected pieces of region r.
func (g *Graph) components(part []int, r int) [][]int {
	seen := make([]bool, g.N)
	var comps [][]int
	for v := 0; v < g.N; v++ {
		if part[v] != r || seen[v] {
			continue
		}
		comp := []int{v}
		seen[v] = true
		for q := 0; q < len(comp); q++ {
			for _, u := range g.Adj[comp[q]] {
				if part[u] == r && !seen[u] {
					seen[u] = true
					comp = append(comp, u)
				}
			}
		}
		comps = append(comps, comp)
	}
	return comps
}

