// Package cell implements the spatial tree: top-level grid cells recursively
// split into octants, with per-cell locks, sort arrays and the aggregates the
// scheduler and engine need.
package cell

import (
	"github.com/kelindar/bitmap"

	"github.com/pthm-cable/sphtasks/gravity"
	"github.com/pthm-cable/sphtasks/part"
)

// NoTask marks an empty task anchor.
const NoTask int32 = -1

// Cell is a node of the octree. Particle slices alias the space arrays and a
// split cell's slices are the concatenation of its children's.
type Cell struct {
	ID    int32 // Stable pool index
	TopID int32 // Index of the top-level ancestor in Space.CellsTop

	Loc   [3]float64
	Width [3]float64
	DMin  float64
	HMax  float64
	DxMax float64

	Parts       []part.Part
	XParts      []part.XPart
	GParts      []part.GPart
	PartOffset  int // Index of Parts[0] in the owning array
	GPartOffset int

	Split   bool
	Progeny [8]*Cell
	Parent  *Cell
	Super   *Cell // Highest ancestor carrying hydro tasks
	GSuper  *Cell // Highest ancestor carrying gravity tasks
	Depth   int

	// Task anchors, indices into the scheduler's task array.
	Sorts        int32
	Init         int32
	Ghost        int32
	ExtraGhost   int32
	Kick         int32
	Cooling      int32
	SourceTerms  int32
	GravExternal int32
	GravUp       int32
	RecvXV       int32
	RecvRho      int32
	RecvGradient int32
	RecvTi       int32

	// Send tasks, one per proxy the cell goes to.
	SendXV       []int32
	SendRho      []int32
	SendGradient []int32
	SendTi       []int32

	// Interaction tasks touching this cell.
	Density  []int32
	Gradient []int32
	Force    []int32
	Grav     []int32
	NrTasks  int32

	lock  int32
	hold  int32
	glock int32
	ghold int32

	NodeID       int
	SendTo       bitmap.Bitmap // Proxies this cell is sent to
	PCellSize    int
	Tag          int
	RemoteCount  int // Particle counts announced by the owning rank
	RemoteGCount int

	TiEndMin int
	TiEndMax int
	TiOld    int
	Updated  int
	GUpdated int

	Stats Stats

	Sort   [13][]SortEntry
	Sorted uint16

	Multipole gravity.Multipole

	owner int32
}

// Stats are the conserved quantities aggregated by the drift.
type Stats struct {
	Mass    float64
	EKin    float64
	EInt    float64
	EPot    float64
	ERad    float64
	Entropy float64
	Mom     [3]float64
	AngMom  [3]float64
}

// Add accumulates o into s.
func (s *Stats) Add(o Stats) {
	s.Mass += o.Mass
	s.EKin += o.EKin
	s.EInt += o.EInt
	s.EPot += o.EPot
	s.ERad += o.ERad
	s.Entropy += o.Entropy
	for k := 0; k < 3; k++ {
		s.Mom[k] += o.Mom[k]
		s.AngMom[k] += o.AngMom[k]
	}
}

// Count is the number of gas particles in the cell.
func (c *Cell) Count() int { return len(c.Parts) }

// GCount is the number of gravity particles in the cell.
func (c *Cell) GCount() int { return len(c.GParts) }

// CanSplit reports whether pair interactions on this cell may recurse into
// its children.
func (c *Cell) CanSplit(stretch float64, kernelGamma float64) bool {
	return c.Split && c.HMax*kernelGamma*stretch < c.DMin/2
}

// IsActive reports whether any particle of the cell ends its step at ti.
func (c *Cell) IsActive(ti int) bool { return c.TiEndMin <= ti }

// ResetTasks clears every task anchor.
func (c *Cell) ResetTasks() {
	c.Sorts, c.Init, c.Ghost, c.ExtraGhost, c.Kick = NoTask, NoTask, NoTask, NoTask, NoTask
	c.Cooling, c.SourceTerms, c.GravExternal, c.GravUp = NoTask, NoTask, NoTask, NoTask
	c.RecvXV, c.RecvRho, c.RecvGradient, c.RecvTi = NoTask, NoTask, NoTask, NoTask
	c.Density = c.Density[:0]
	c.Gradient = c.Gradient[:0]
	c.Force = c.Force[:0]
	c.Grav = c.Grav[:0]
	c.SendXV, c.SendRho = c.SendXV[:0], c.SendRho[:0]
	c.SendGradient, c.SendTi = c.SendGradient[:0], c.SendTi[:0]
	c.NrTasks = 0
	c.Super, c.GSuper = nil, nil
}

// Owner returns the queue this cell was last run on, -1 if none.
func (c *Cell) Owner() int { return int(loadInt32(&c.owner)) }

// SetOwner records the queue a task on this cell ran on.
func (c *Cell) SetOwner(qid int) { storeInt32(&c.owner, int32(qid)) }

// Top returns the top-level ancestor.
func (c *Cell) Top() *Cell {
	for c.Parent != nil {
		c = c.Parent
	}
	return c
}

// Contains reports whether x lies inside the cell.
func (c *Cell) Contains(x [3]float64) bool {
	for k := 0; k < 3; k++ {
		if x[k] < c.Loc[k] || x[k] >= c.Loc[k]+c.Width[k] {
			return false
		}
	}
	return true
}

// AreNeighbours reports whether two cells touch, allowing for periodic wrap.
func AreNeighbours(ci, cj *Cell, dim [3]float64, periodic bool) bool {
	for k := 0; k < 3; k++ {
		// Centre separation must be at most half the summed widths.
		center := cj.Loc[k] + cj.Width[k]/2 - ci.Loc[k] - ci.Width[k]/2
		if periodic {
			if center > dim[k]/2 {
				center -= dim[k]
			} else if center < -dim[k]/2 {
				center += dim[k]
			}
		}
		if center < 0 {
			center = -center
		}
		if center > (ci.Width[k]+cj.Width[k])/2*1.0001 {
			return false
		}
	}
	return true
}

// IsAncestorOf reports whether c is o or one of o's ancestors, which is when
// c's particle slices contain o's.
func (c *Cell) IsAncestorOf(o *Cell) bool {
	for ; o != nil && o.Depth >= c.Depth; o = o.Parent {
		if o == c {
			return true
		}
	}
	return false
}

// IsDriftNeeded reports whether any particle of the subtree ends its step
// at or before ti.
func (c *Cell) IsDriftNeeded(ti int) bool {
	if c.TiEndMin > ti {
		return false
	}
	if c.Split {
		for _, cp := range c.Progeny {
			if cp != nil && cp.IsDriftNeeded(ti) {
				return true
			}
		}
		return false
	}
	for i := range c.Parts {
		if c.Parts[i].TiEnd <= ti {
			return true
		}
	}
	for i := range c.GParts {
		if c.GParts[i].TiEnd <= ti {
			return true
		}
	}
	return false
}
