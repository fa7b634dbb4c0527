package cell

import "github.com/pthm-cable/sphtasks/part"

// PCell is the flattened form of a cell sent to other ranks. A tree is sent
// as its pre-order list; Progeny holds offsets relative to the parent entry.
type PCell struct {
	HMax     float64
	TiEndMin int
	TiEndMax int
	Count    int
	GCount   int
	Tag      int
	Progeny  [8]int32
}

// Pack appends the pre-order pcell list of c to out, assigning fresh tags
// from next. It returns the extended slice.
func (c *Cell) Pack(out []PCell, next func() int) []PCell {
	start := len(out)
	c.Tag = next()
	out = append(out, PCell{
		HMax:     c.HMax,
		TiEndMin: c.TiEndMin,
		TiEndMax: c.TiEndMax,
		Count:    len(c.Parts),
		GCount:   len(c.GParts),
		Tag:      c.Tag,
	})
	for k := 0; k < 8; k++ {
		if c.Progeny[k] == nil {
			out[start].Progeny[k] = -1
			continue
		}
		out[start].Progeny[k] = int32(len(out) - start)
		out = c.Progeny[k].Pack(out, next)
	}
	c.PCellSize = len(out) - start
	return out
}

// Unpack rebuilds the tree shape below c from a pcell list, taking new cells
// from the space pool. It returns the number of pcells consumed.
func (s *Space) Unpack(pc []PCell, c *Cell) int {
	p := &pc[0]
	c.HMax = p.HMax
	c.TiEndMin = p.TiEndMin
	c.TiEndMax = p.TiEndMax
	c.Tag = p.Tag
	c.RemoteCount = p.Count
	c.RemoteGCount = p.GCount
	c.Split = false

	count := 1
	for k := 0; k < 8; k++ {
		if p.Progeny[k] < 0 {
			continue
		}
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
		child.NodeID = c.NodeID
		child.TopID = c.TopID
		child.Parent = c
		c.Progeny[k] = child
		c.Split = true
		count += s.Unpack(pc[p.Progeny[k]:], child)
	}
	c.PCellSize = count
	return count
}

// PackCounts returns the particle counts of a pcell list root.
func PackCounts(pc []PCell) (count, gcount int) { return pc[0].Count, pc[0].GCount }

// PackTiEnds appends the pre-order ti_end_min values of the subtree.
func (c *Cell) PackTiEnds(out []int) []int {
	out = append(out, c.TiEndMin)
	for _, cp := range c.Progeny {
		if cp != nil {
			out = cp.PackTiEnds(out)
		}
	}
	return out
}

// UnpackTiEnds reads pre-order ti_end_min values into the subtree and returns
// the number consumed.
func (c *Cell) UnpackTiEnds(tiEnds []int) int {
	c.TiEndMin = tiEnds[0]
	n := 1
	for _, cp := range c.Progeny {
		if cp != nil {
			n += cp.UnpackTiEnds(tiEnds[n:])
		}
	}
	return n
}

// LinkParts points an unpacked foreign subtree at a contiguous run of parts
// sized by the counts announced by its owner, starting at offset in the
// foreign array. It returns the number of parts used.
func (c *Cell) LinkParts(parts []part.Part, offset int) int {
	n := c.RemoteCount
	c.Parts = parts[:n:n]
	c.PartOffset = offset
	if c.Split {
		used := 0
		for _, cp := range c.Progeny {
			if cp != nil {
				used += cp.LinkParts(parts[used:n], offset+used)
			}
		}
	}
	return n
}

// LinkGParts is LinkParts for gravity particles.
func (c *Cell) LinkGParts(gparts []part.GPart, offset int) int {
	n := c.RemoteGCount
	c.GParts = gparts[:n:n]
	c.GPartOffset = offset
	if c.Split {
		used := 0
		for _, cp := range c.Progeny {
			if cp != nil {
				used += cp.LinkGParts(gparts[used:n], offset+used)
			}
		}
	}
	return n
}
