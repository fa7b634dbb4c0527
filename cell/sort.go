package cell

import (
	"cmp"
	"slices"
)

// SortEntry is the projection of a particle on a sort axis.
type SortEntry struct {
	D float64 // Projected distance
	I int32   // Index into the cell's Parts
}

// DoSort builds the sort arrays requested by the flags mask that are not
// already valid. Split cells sort their progeny first and merge. The caller
// must own the subtree.
func (c *Cell) DoSort(flags uint16) {
	flags &^= c.Sorted
	if flags == 0 {
		return
	}

	count := len(c.Parts)
	if c.Split {
		for _, cp := range c.Progeny {
			if cp != nil && len(cp.Parts) > 0 {
				cp.DoSort(flags)
			}
		}
		for sid := 0; sid < 13; sid++ {
			if flags&(1<<sid) == 0 {
				continue
			}
			c.Sort[sid] = c.mergeProgeny(sid, c.Sort[sid][:0])
		}
	} else {
		for sid := 0; sid < 13; sid++ {
			if flags&(1<<sid) == 0 {
				continue
			}
			entries := c.Sort[sid][:0]
			if cap(entries) < count {
				entries = make([]SortEntry, 0, count)
			}
			axis := RunnerShift[sid]
			for i := range c.Parts {
				x := c.Parts[i].X
				entries = append(entries, SortEntry{
					D: x[0]*axis[0] + x[1]*axis[1] + x[2]*axis[2],
					I: int32(i),
				})
			}
			slices.SortFunc(entries, func(a, b SortEntry) int {
				if r := cmp.Compare(a.D, b.D); r != 0 {
					return r
				}
				return cmp.Compare(a.I, b.I)
			})
			c.Sort[sid] = entries
		}
	}
	c.Sorted |= flags
}

// mergeProgeny merges the children's sort arrays for one direction.
func (c *Cell) mergeProgeny(sid int, out []SortEntry) []SortEntry {
	var heads [8]int
	var offsets [8]int32
	for k, cp := range c.Progeny {
		if cp != nil {
			offsets[k] = int32(cp.PartOffset - c.PartOffset)
		}
	}
	if cap(out) < len(c.Parts) {
		out = make([]SortEntry, 0, len(c.Parts))
	}
	for {
		best := -1
		var bestD float64
		for k, cp := range c.Progeny {
			if cp == nil || len(cp.Parts) == 0 || heads[k] >= len(cp.Sort[sid]) {
				continue
			}
			d := cp.Sort[sid][heads[k]].D
			if best < 0 || d < bestD {
				best, bestD = k, d
			}
		}
		if best < 0 {
			return out
		}
		e := c.Progeny[best].Sort[sid][heads[best]]
		out = append(out, SortEntry{D: e.D, I: e.I + offsets[best]})
		heads[best]++
	}
}

// ClearSorts invalidates every sort array of the subtree.
func (c *Cell) ClearSorts() {
	c.Sorted = 0
	if c.Split {
		for _, cp := range c.Progeny {
			if cp != nil {
				cp.ClearSorts()
			}
		}
	}
}

// FreeSorts drops the sort storage of the subtree.
func (c *Cell) FreeSorts() {
	for sid := range c.Sort {
		c.Sort[sid] = nil
	}
	c.Sorted = 0
	for _, cp := range c.Progeny {
		if cp != nil {
			cp.FreeSorts()
		}
	}
}
