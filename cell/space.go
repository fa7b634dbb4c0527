package cell

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/rotisserie/eris"

	"github.com/pthm-cable/sphtasks/config"
	"github.com/pthm-cable/sphtasks/hydro"
	"github.com/pthm-cable/sphtasks/part"
)

const cellChunk = 1024

// Mapper runs fn(i) for i in [0, n), possibly in parallel.
type Mapper func(n int, fn func(i int) error) error

// SerialMapper runs the calls in order on the calling goroutine.
func SerialMapper(n int, fn func(i int) error) error {
	for i := 0; i < n; i++ {
		if err := fn(i); err != nil {
			return err
		}
	}
	return nil
}

// Space owns the particles of one rank and the cell trees over them.
type Space struct {
	Dim      [3]float64
	Periodic bool
	CDim     [3]int
	Width    [3]float64
	IWidth   [3]float64
	CellsTop []*Cell

	Parts  []part.Part
	XParts []part.XPart
	GParts []part.GPart

	// Particles of foreign cells, refreshed by the exchange tasks.
	PartsForeign  []part.Part
	GPartsForeign []part.GPart

	NodeID      int
	SplitSize   int
	MaxDepth    int
	Stretch     float64
	MinTopWidth float64
	MaxTopCells int
	MaxRelDx    float64

	sanitized bool

	pool    sync.Mutex
	chunks  [][]Cell
	free    []*Cell
	inUse   atomic.Int64
	nextTag atomic.Int64
}

// NewSpace creates a space over the given particles. The space takes
// ownership of the slices.
func NewSpace(cfg *config.Config, nodeID int, parts []part.Part, gparts []part.GPart) *Space {
	sc := cfg.Space
	s := &Space{
		Dim:         sc.BoxSize,
		Periodic:    sc.Periodic,
		Parts:       parts,
		XParts:      make([]part.XPart, len(parts)),
		GParts:      gparts,
		NodeID:      nodeID,
		SplitSize:   sc.SplitSize,
		MaxDepth:    sc.MaxDepth,
		Stretch:     sc.Stretch,
		MinTopWidth: sc.MinTopWidth,
		MaxTopCells: sc.MaxTopCells,
		MaxRelDx:    sc.MaxRelDx,
	}
	return s
}

// NextTag returns a fresh communication tag.
func (s *Space) NextTag() int { return int(s.nextTag.Add(1)) }

// NrCells is the number of cells currently allocated from the pool.
func (s *Space) NrCells() int { return int(s.inUse.Load()) }

// getCell takes a cell from the pool. Cells have stable addresses.
func (s *Space) getCell() *Cell {
	s.pool.Lock()
	defer s.pool.Unlock()
	s.inUse.Add(1)

	if n := len(s.free); n > 0 {
		c := s.free[n-1]
		s.free = s.free[:n-1]
		c.reset()
		return c
	}

	last := len(s.chunks) - 1
	if last < 0 || len(s.chunks[last]) == cap(s.chunks[last]) {
		s.chunks = append(s.chunks, make([]Cell, 0, cellChunk))
		last++
	}
	chunk := s.chunks[last]
	chunk = append(chunk, Cell{})
	s.chunks[last] = chunk
	c := &chunk[len(chunk)-1]
	c.ID = int32(last*cellChunk + len(chunk) - 1)
	c.reset()
	return c
}

// recycle returns the subtree below and including c to the pool.
func (s *Space) recycle(c *Cell) {
	for k, cp := range c.Progeny {
		if cp != nil {
			s.recycle(cp)
			c.Progeny[k] = nil
		}
	}
	s.pool.Lock()
	s.free = append(s.free, c)
	s.pool.Unlock()
	s.inUse.Add(-1)
}

// reset clears a cell for reuse, keeping its id and buffer capacity.
func (c *Cell) reset() {
	id := c.ID
	sorts := c.Sort
	density, gradient, force, grav := c.Density[:0], c.Gradient[:0], c.Force[:0], c.Grav[:0]
	sxv, srho, sgrad, sti := c.SendXV[:0], c.SendRho[:0], c.SendGradient[:0], c.SendTi[:0]
	*c = Cell{}
	c.ID = id
	for sid := range sorts {
		c.Sort[sid] = sorts[sid][:0]
	}
	c.Density, c.Gradient, c.Force, c.Grav = density, gradient, force, grav
	c.SendXV, c.SendRho, c.SendGradient, c.SendTi = sxv, srho, sgrad, sti
	c.TiEndMin = part.MaxNrTimesteps
	c.owner = -1
	c.ResetTasks()
}

// cellID returns the top-cell index of grid coordinates.
func (s *Space) cellID(i, j, k int) int {
	return (i*s.CDim[1]+j)*s.CDim[2] + k
}

// TopIndex returns the top cell containing x.
func (s *Space) TopIndex(x [3]float64) int {
	var ind [3]int
	for k := 0; k < 3; k++ {
		ind[k] = int(x[k] * s.IWidth[k])
		ind[k] = max(0, min(ind[k], s.CDim[k]-1))
	}
	return s.cellID(ind[0], ind[1], ind[2])
}

// TopCoords returns the grid coordinates of a top cell index.
func (s *Space) TopCoords(cid int) [3]int {
	return [3]int{cid / (s.CDim[1] * s.CDim[2]), (cid / s.CDim[2]) % s.CDim[1], cid % s.CDim[2]}
}

// Grid is the layout of the top-level cells before a regrid.
type Grid struct {
	CDim    [3]int
	NodeIDs []int
}

// Regrid sizes the top-level grid so a top cell is at least as wide as the
// largest interaction range. hMax is the global largest smoothing length. It
// reports whether the grid changed and returns the old layout.
func (s *Space) Regrid(hMax float64) (bool, Grid, error) {
	minWidth := max(hMax*hydro.KernelGamma*s.Stretch, s.MinTopWidth)

	var cdim [3]int
	for k := 0; k < 3; k++ {
		n := s.MaxTopCells
		if minWidth > 0 {
			n = int(math.Floor(s.Dim[k] / minWidth))
		}
		cdim[k] = max(1, min(n, s.MaxTopCells))
		if s.Periodic && cdim[k] < 3 {
			return false, Grid{}, eris.Errorf("periodic space needs at least 3 top cells per dimension, got %d (h_max %g too large for box %g)", cdim[k], hMax, s.Dim[k])
		}
	}

	old := Grid{CDim: s.CDim}
	for _, c := range s.CellsTop {
		old.NodeIDs = append(old.NodeIDs, c.NodeID)
	}
	if cdim == s.CDim && s.CellsTop != nil {
		return false, old, nil
	}

	for _, c := range s.CellsTop {
		s.recycle(c)
	}
	s.CDim = cdim
	for k := 0; k < 3; k++ {
		s.Width[k] = s.Dim[k] / float64(cdim[k])
		s.IWidth[k] = 1 / s.Width[k]
	}
	dmin := min(s.Width[0], s.Width[1], s.Width[2])

	s.CellsTop = make([]*Cell, cdim[0]*cdim[1]*cdim[2])
	for i := 0; i < cdim[0]; i++ {
		for j := 0; j < cdim[1]; j++ {
			for k := 0; k < cdim[2]; k++ {
				cid := s.cellID(i, j, k)
				c := s.getCell()
				c.Loc = [3]float64{float64(i) * s.Width[0], float64(j) * s.Width[1], float64(k) * s.Width[2]}
				c.Width = s.Width
				c.DMin = dmin
				c.TopID = int32(cid)
				c.NodeID = s.NodeID
				s.CellsTop[cid] = c
			}
		}
	}
	return true, old, nil
}

// WrapParticles maps particles into the box. Particles outside a
// non-periodic box are an error.
func (s *Space) WrapParticles() error {
	wrap := func(x *[3]float64, id int64) error {
		for k := 0; k < 3; k++ {
			if x[k] >= 0 && x[k] < s.Dim[k] {
				continue
			}
			if !s.Periodic {
				return eris.Errorf("particle %d at %v is outside the box", id, *x)
			}
			x[k] = math.Mod(x[k], s.Dim[k])
			if x[k] < 0 {
				x[k] += s.Dim[k]
			}
			if x[k] >= s.Dim[k] {
				x[k] = 0
			}
		}
		return nil
	}
	for i := range s.Parts {
		if err := wrap(&s.Parts[i].X, s.Parts[i].ID); err != nil {
			return err
		}
	}
	for i := range s.GParts {
		if err := wrap(&s.GParts[i].X, s.GParts[i].ID); err != nil {
			return err
		}
	}
	return nil
}

// HMaxLocal returns the largest smoothing length of the local particles.
func (s *Space) HMaxLocal() float64 {
	var h float64
	for i := range s.Parts {
		h = max(h, s.Parts[i].H)
	}
	return h
}

// Rebuild sorts the local particles into the top cells and rebuilds every
// local tree. Foreign top cells are emptied and wait for the cell exchange.
func (s *Space) Rebuild(mapper Mapper) error {
	if err := s.WrapParticles(); err != nil {
		return err
	}
	for _, c := range s.CellsTop {
		for k, cp := range c.Progeny {
			if cp != nil {
				s.recycle(cp)
				c.Progeny[k] = nil
			}
		}
		nodeID, loc, width, dmin, top := c.NodeID, c.Loc, c.Width, c.DMin, c.TopID
		c.reset()
		c.NodeID, c.Loc, c.Width, c.DMin, c.TopID = nodeID, loc, width, dmin, top
	}

	nCells := len(s.CellsTop)
	ind := make([]int, len(s.Parts))
	for i := range s.Parts {
		ind[i] = s.TopIndex(s.Parts[i].X)
		if s.CellsTop[ind[i]].NodeID != s.NodeID {
			return eris.Errorf("particle %d belongs to rank %d, strays must be exchanged before rebuilding", s.Parts[i].ID, s.CellsTop[ind[i]].NodeID)
		}
	}
	gind := make([]int, len(s.GParts))
	for i := range s.GParts {
		gind[i] = s.TopIndex(s.GParts[i].X)
	}

	for i := range s.XParts {
		s.XParts[i].XDiff = [3]float64{}
	}
	for i := range s.GParts {
		s.GParts[i].XDiff = [3]float64{}
	}

	counts := s.sortParts(ind, nCells)
	gcounts := s.sortGParts(gind, nCells)

	offset, goffset := 0, 0
	for cid, c := range s.CellsTop {
		c.Parts = s.Parts[offset : offset+counts[cid] : offset+counts[cid]]
		c.XParts = s.XParts[offset : offset+counts[cid] : offset+counts[cid]]
		c.PartOffset = offset
		c.GParts = s.GParts[goffset : goffset+gcounts[cid] : goffset+gcounts[cid]]
		c.GPartOffset = goffset
		offset += counts[cid]
		goffset += gcounts[cid]
	}

	if mapper == nil {
		mapper = SerialMapper
	}
	if err := mapper(nCells, func(i int) error {
		c := s.CellsTop[i]
		if c.NodeID == s.NodeID {
			s.split(c)
		}
		return nil
	}); err != nil {
		return err
	}

	if !s.sanitized {
		s.Sanitize()
		s.sanitized = true
	}
	return nil
}

// sortParts counting-sorts parts and xparts by top cell and relinks the
// gravity particles. It returns the per-cell counts.
func (s *Space) sortParts(ind []int, nCells int) []int {
	counts := make([]int, nCells)
	for _, c := range ind {
		counts[c]++
	}
	starts := make([]int, nCells)
	for c := 1; c < nCells; c++ {
		starts[c] = starts[c-1] + counts[c-1]
	}
	parts := make([]part.Part, len(s.Parts))
	xparts := make([]part.XPart, len(s.XParts))
	for i, c := range ind {
		j := starts[c]
		starts[c]++
		parts[j] = s.Parts[i]
		xparts[j] = s.XParts[i]
	}
	copy(s.Parts, parts)
	copy(s.XParts, xparts)
	part.Relink(s.Parts, s.GParts)
	return counts
}

func (s *Space) sortGParts(ind []int, nCells int) []int {
	counts := make([]int, nCells)
	for _, c := range ind {
		counts[c]++
	}
	starts := make([]int, nCells)
	for c := 1; c < nCells; c++ {
		starts[c] = starts[c-1] + counts[c-1]
	}
	gparts := make([]part.GPart, len(s.GParts))
	for i, c := range ind {
		gparts[starts[c]] = s.GParts[i]
		starts[c]++
	}
	copy(s.GParts, gparts)
	part.RelinkGParts(s.GParts, s.Parts)
	return counts
}

func octant(x [3]float64, mid [3]float64) int {
	k := 0
	if x[0] >= mid[0] {
		k |= 4
	}
	if x[1] >= mid[1] {
		k |= 2
	}
	if x[2] >= mid[2] {
		k |= 1
	}
	return k
}

// split recursively divides a cell into octants while it holds more than
// SplitSize particles, partitioning its slices in place.
func (s *Space) split(c *Cell) {
	count, gcount := len(c.Parts), len(c.GParts)
	c.Sorted = 0

	if (count <= s.SplitSize && gcount <= s.SplitSize) || c.Depth >= s.MaxDepth {
		c.Split = false
		c.DxMax = 0
		c.HMax = 0
		c.TiEndMin, c.TiEndMax = part.MaxNrTimesteps, 0
		for i := range c.Parts {
			p := &c.Parts[i]
			c.HMax = max(c.HMax, p.H)
			c.TiEndMin = min(c.TiEndMin, p.TiEnd)
			c.TiEndMax = max(c.TiEndMax, p.TiEnd)
		}
		for i := range c.GParts {
			gp := &c.GParts[i]
			c.TiEndMin = min(c.TiEndMin, gp.TiEnd)
			c.TiEndMax = max(c.TiEndMax, gp.TiEnd)
		}
		return
	}

	c.Split = true
	var mid [3]float64
	for k := 0; k < 3; k++ {
		mid[k] = c.Loc[k] + c.Width[k]/2
	}

	// Partition the parts.
	var counts, starts [8]int
	keys := make([]int8, count)
	for i := range c.Parts {
		o := octant(c.Parts[i].X, mid)
		keys[i] = int8(o)
		counts[o]++
	}
	for k := 1; k < 8; k++ {
		starts[k] = starts[k-1] + counts[k-1]
	}
	parts := make([]part.Part, count)
	xparts := make([]part.XPart, count)
	next := starts
	for i, o := range keys {
		parts[next[o]] = c.Parts[i]
		xparts[next[o]] = c.XParts[i]
		next[o]++
	}
	copy(c.Parts, parts)
	copy(c.XParts, xparts)
	for i := range c.Parts {
		if g := c.Parts[i].GPart; g >= 0 {
			s.GParts[g].Part = int32(c.PartOffset + i)
		}
	}

	// Partition the gparts.
	var gcounts, gstarts [8]int
	gkeys := make([]int8, gcount)
	for i := range c.GParts {
		o := octant(c.GParts[i].X, mid)
		gkeys[i] = int8(o)
		gcounts[o]++
	}
	for k := 1; k < 8; k++ {
		gstarts[k] = gstarts[k-1] + gcounts[k-1]
	}
	gparts := make([]part.GPart, gcount)
	gnext := gstarts
	for i, o := range gkeys {
		gparts[gnext[o]] = c.GParts[i]
		gnext[o]++
	}
	copy(c.GParts, gparts)
	for i := range c.GParts {
		if p := c.GParts[i].Part; p >= 0 {
			s.Parts[p].GPart = int32(c.GPartOffset + i)
		}
	}

	c.HMax, c.DxMax = 0, 0
	c.TiEndMin, c.TiEndMax = part.MaxNrTimesteps, 0
	for k := 0; k < 8; k++ {
		child := s.getCell()
		for d := 0; d < 3; d++ {
			child.Width[d] = c.Width[d] / 2
			child.Loc[d] = c.Loc[d]
		}
		if k&4 != 0 {
			child.Loc[0] += child.Width[0]
		}
		if k&2 != 0 {
			child.Loc[1] += child.Width[1]
		}
		if k&1 != 0 {
			child.Loc[2] += child.Width[2]
		}
		child.DMin = c.DMin / 2
		child.Depth = c.Depth + 1
		child.Parent = c
		child.NodeID = c.NodeID
		child.TopID = c.TopID

		lo, hi := starts[k], starts[k]+counts[k]
		child.Parts = c.Parts[lo:hi:hi]
		child.XParts = c.XParts[lo:hi:hi]
		child.PartOffset = c.PartOffset + lo
		glo, ghi := gstarts[k], gstarts[k]+gcounts[k]
		child.GParts = c.GParts[glo:ghi:ghi]
		child.GPartOffset = c.GPartOffset + glo
		c.Progeny[k] = child

		s.split(child)
		c.HMax = max(c.HMax, child.HMax)
		c.TiEndMin = min(c.TiEndMin, child.TiEndMin)
		c.TiEndMax = max(c.TiEndMax, child.TiEndMax)
	}
}

// Sanitize caps outlier smoothing lengths at the size of their leaf and
// refreshes h_max and dx_max bottom-up.
func (s *Space) Sanitize() {
	for _, c := range s.CellsTop {
		if c.NodeID == s.NodeID {
			sanitize(c)
			c.RecomputeHMax()
		}
	}
}

func sanitize(c *Cell) {
	if c.Split {
		for _, cp := range c.Progeny {
			if cp != nil {
				sanitize(cp)
			}
		}
		return
	}
	upper := c.DMin / (1.2 * hydro.KernelGamma)
	for i := range c.Parts {
		if c.Parts[i].H > upper {
			c.Parts[i].H = upper
		}
	}
}

// RecomputeHMax refreshes h_max and dx_max of the subtree from its particles.
func (c *Cell) RecomputeHMax() {
	if c.Split {
		c.HMax, c.DxMax = 0, 0
		for _, cp := range c.Progeny {
			if cp != nil {
				cp.RecomputeHMax()
				c.HMax = max(c.HMax, cp.HMax)
				c.DxMax = max(c.DxMax, cp.DxMax)
			}
		}
		return
	}
	c.HMax = 0
	var dx2 float64
	for i := range c.Parts {
		c.HMax = max(c.HMax, c.Parts[i].H)
		if c.XParts != nil {
			d := c.XParts[i].XDiff
			dx2 = max(dx2, d[0]*d[0]+d[1]*d[1]+d[2]*d[2])
		}
	}
	c.DxMax = math.Sqrt(dx2)
}

// MapCells calls fn on every top cell, or on every cell of every tree in
// pre-order when full is set.
func (s *Space) MapCells(full bool, fn func(*Cell)) {
	for _, c := range s.CellsTop {
		if full {
			c.Walk(fn)
		} else {
			fn(c)
		}
	}
}

// Walk calls fn on c and its descendants in pre-order.
func (c *Cell) Walk(fn func(*Cell)) {
	fn(c)
	for _, cp := range c.Progeny {
		if cp != nil {
			cp.Walk(fn)
		}
	}
}

// Clean releases the sort storage of every cell.
func (s *Space) Clean() {
	for _, c := range s.CellsTop {
		c.FreeSorts()
	}
}

// LocalCells returns the top cells owned by this rank.
func (s *Space) LocalCells() []*Cell {
	var out []*Cell
	for _, c := range s.CellsTop {
		if c.NodeID == s.NodeID {
			out = append(out, c)
		}
	}
	return out
}
