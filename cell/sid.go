package cell

// RunnerShift holds the unit vector along which each of the 13 pair
// directions is sorted.
var RunnerShift = [13][3]float64{
	{5.773502691896258e-01, 5.773502691896258e-01, 5.773502691896258e-01},
	{7.071067811865475e-01, 7.071067811865475e-01, 0.0},
	{5.773502691896258e-01, 5.773502691896258e-01, -5.773502691896258e-01},
	{7.071067811865475e-01, 0.0, 7.071067811865475e-01},
	{1.0, 0.0, 0.0},
	{7.071067811865475e-01, 0.0, -7.071067811865475e-01},
	{5.773502691896258e-01, -5.773502691896258e-01, 5.773502691896258e-01},
	{7.071067811865475e-01, -7.071067811865475e-01, 0.0},
	{5.773502691896258e-01, -5.773502691896258e-01, -5.773502691896258e-01},
	{0.0, 7.071067811865475e-01, 7.071067811865475e-01},
	{0.0, 1.0, 0.0},
	{0.0, 7.071067811865475e-01, -7.071067811865475e-01},
	{0.0, 0.0, 1.0},
}

// SIDScale is the fraction of particle pairs within range for each direction,
// used to estimate the cost of a pair.
var SIDScale = [13]float64{
	0.1897, 0.4025, 0.1897, 0.4025, 0.5788, 0.4025, 0.1897,
	0.4025, 0.1897, 0.4025, 0.5788, 0.4025, 0.5788,
}

// directionIndex maps a separation to 0..26, each component contributing
// 0 (negative), 1 (zero) or 2 (positive).
func directionIndex(dx [3]float64) int {
	idx := 0
	for k := 0; k < 3; k++ {
		switch {
		case dx[k] < 0:
			idx = 3 * idx
		case dx[k] > 0:
			idx = 3*idx + 2
		default:
			idx = 3*idx + 1
		}
	}
	return idx
}

// flip is set for directions whose pair must be swapped into canonical order.
func flip(idx int) bool { return idx < 13 }

// sortListID folds the 27 directions onto the 13 sort axes.
func sortListID(idx int) int {
	if idx > 13 {
		return 26 - idx
	}
	if idx == 13 {
		return 0
	}
	return idx
}

// GetSID returns the pair in canonical order together with its sort direction
// and the periodic shift to add to cj's positions to bring them next to ci.
func GetSID(dim [3]float64, periodic bool, ci, cj *Cell) (*Cell, *Cell, int, [3]float64) {
	var dx, shift [3]float64
	for k := 0; k < 3; k++ {
		dx[k] = cj.Loc[k] - ci.Loc[k]
		switch {
		case periodic && dx[k] < -dim[k]/2:
			shift[k] = dim[k]
		case periodic && dx[k] > dim[k]/2:
			shift[k] = -dim[k]
		}
		dx[k] += shift[k]
	}

	idx := directionIndex(dx)
	if flip(idx) {
		ci, cj = cj, ci
		for k := range shift {
			shift[k] = -shift[k]
		}
	}
	return ci, cj, sortListID(idx), shift
}

// ChildPair is one pair of children produced when splitting a pair or self
// interaction.
type ChildPair struct {
	I, J int // Progeny indices
	SID  int
}

var (
	// PairProgeny lists, for each sort direction, the child pairs of two
	// split neighbours that touch.
	PairProgeny [13][]ChildPair
	// SelfPairs lists all 28 child pairs of a split cell.
	SelfPairs []ChildPair
)

func childOffset(k int) [3]int { return [3]int{(k >> 2) & 1, (k >> 1) & 1, k & 1} }

// directionOf returns the integer direction (-1, 0, 1 per axis) of a sid.
func directionOf(sid int) [3]int {
	var d [3]int
	for k := 0; k < 3; k++ {
		switch {
		case RunnerShift[sid][k] > 0:
			d[k] = 1
		case RunnerShift[sid][k] < 0:
			d[k] = -1
		}
	}
	return d
}

func init() {
	for sid := 0; sid < 13; sid++ {
		dir := directionOf(sid)
		for i := 0; i < 8; i++ {
			for j := 0; j < 8; j++ {
				oi, oj := childOffset(i), childOffset(j)
				var delta [3]float64
				touching := true
				for k := 0; k < 3; k++ {
					d := 2*dir[k] + oj[k] - oi[k]
					if d < -1 || d > 1 {
						touching = false
					}
					delta[k] = float64(d)
				}
				if touching {
					PairProgeny[sid] = append(PairProgeny[sid], ChildPair{I: i, J: j, SID: sortListID(directionIndex(delta))})
				}
			}
		}
	}

	for i := 0; i < 8; i++ {
		for j := i + 1; j < 8; j++ {
			oi, oj := childOffset(i), childOffset(j)
			var delta [3]float64
			for k := 0; k < 3; k++ {
				delta[k] = float64(oj[k] - oi[k])
			}
			SelfPairs = append(SelfPairs, ChildPair{I: i, J: j, SID: sortListID(directionIndex(delta))})
		}
	}
}
