package runner

import (
	"github.com/pthm-cable/sphtasks/cell"
	"github.com/pthm-cable/sphtasks/hydro"
	"github.com/pthm-cable/sphtasks/part"
	"github.com/pthm-cable/sphtasks/task"
)

const kernelGamma2 = hydro.KernelGamma * hydro.KernelGamma

type iactFunc func(r2 float64, dx [3]float64, hi, hj float64, pi, pj *part.Part)

// loop is one neighbour loop. Gather loops update a particle from the
// neighbours inside its own kernel; symmetric loops use the larger of the
// two kernels.
type loop struct {
	sym       iactFunc
	nonsym    iactFunc
	symmetric bool
}

func newLoops(props *hydro.Props) [task.SubtypeCount]*loop {
	var l [task.SubtypeCount]*loop
	l[task.SubtypeDensity] = &loop{sym: hydro.IactDensity, nonsym: hydro.IactNonsymDensity}
	l[task.SubtypeGradient] = &loop{
		sym: func(r2 float64, dx [3]float64, hi, hj float64, pi, pj *part.Part) {
			hydro.IactGradient(r2, dx, hi, hj, pi, pj, props)
		},
		nonsym: func(r2 float64, dx [3]float64, hi, hj float64, pi, pj *part.Part) {
			hydro.IactNonsymGradient(r2, dx, hi, hj, pi, pj, props)
		},
	}
	l[task.SubtypeForce] = &loop{
		sym: func(r2 float64, dx [3]float64, hi, hj float64, pi, pj *part.Part) {
			hydro.IactForce(r2, dx, hi, hj, pi, pj, props)
		},
		nonsym: func(r2 float64, dx [3]float64, hi, hj float64, pi, pj *part.Part) {
			hydro.IactNonsymForce(r2, dx, hi, hj, pi, pj, props)
		},
		symmetric: true,
	}
	return l
}

// interact applies the loop to a pair at separation dx = xi - xj. Only
// active particles are updated.
func (l *loop) interact(r2 float64, dx [3]float64, pi, pj *part.Part, ai, aj bool) {
	hi, hj := pi.H, pj.H
	var doI, doJ bool
	if l.symmetric {
		in := r2 < max(hi*hi, hj*hj)*kernelGamma2
		doI, doJ = ai && in, aj && in
	} else {
		doI = ai && r2 < hi*hi*kernelGamma2
		doJ = aj && r2 < hj*hj*kernelGamma2
	}
	switch {
	case doI && doJ:
		l.sym(r2, dx, hi, hj, pi, pj)
	case doI:
		l.nonsym(r2, dx, hi, hj, pi, pj)
	case doJ:
		l.nonsym(r2, [3]float64{-dx[0], -dx[1], -dx[2]}, hj, hi, pj, pi)
	}
}

func separation(xi, xj, shift [3]float64) ([3]float64, float64) {
	var dx [3]float64
	var r2 float64
	for k := 0; k < 3; k++ {
		dx[k] = xi[k] - xj[k] - shift[k]
		r2 += dx[k] * dx[k]
	}
	return dx, r2
}

func (r *Runner) doSelf(c *cell.Cell, l *loop) {
	ti := r.env.TiCurrent
	if !c.IsActive(ti) {
		return
	}
	var zero [3]float64
	parts := c.Parts
	for i := range parts {
		pi := &parts[i]
		ai := pi.IsActive(ti)
		for j := i + 1; j < len(parts); j++ {
			pj := &parts[j]
			aj := pj.IsActive(ti)
			if !ai && !aj {
				continue
			}
			dx, r2 := separation(pi.X, pj.X, zero)
			l.interact(r2, dx, pi, pj, ai, aj)
		}
	}
}

// doPair walks both cells along their sort axis and skips particles whose
// projections are further apart than the largest kernel.
func (r *Runner) doPair(ci, cj *cell.Cell, l *loop) {
	ti := r.env.TiCurrent
	if !ci.IsActive(ti) && !cj.IsActive(ti) {
		return
	}
	sp := r.env.Space
	ci, cj, sid, shift := cell.GetSID(sp.Dim, sp.Periodic, ci, cj)

	// Sub-tasks reach cells that no sort task covered. The task holds
	// both trees, so sorting here is safe.
	need := uint16(1) << sid
	ci.DoSort(need)
	cj.DoSort(need)

	axis := cell.RunnerShift[sid]
	dshift := shift[0]*axis[0] + shift[1]*axis[1] + shift[2]*axis[2]
	reach := max(ci.HMax, cj.HMax)*hydro.KernelGamma + ci.DxMax + cj.DxMax

	si, sj := ci.Sort[sid], cj.Sort[sid]
	if len(si) == 0 || len(sj) == 0 {
		return
	}
	djMin := sj[0].D + dshift
	for k := len(si) - 1; k >= 0; k-- {
		di := si[k].D
		if di+reach < djMin {
			break
		}
		pi := &ci.Parts[si[k].I]
		ai := pi.IsActive(ti)
		for m := 0; m < len(sj) && sj[m].D+dshift < di+reach; m++ {
			pj := &cj.Parts[sj[m].I]
			aj := pj.IsActive(ti)
			if !ai && !aj {
				continue
			}
			dx, r2 := separation(pi.X, pj.X, shift)
			l.interact(r2, dx, pi, pj, ai, aj)
		}
	}
}

func (r *Runner) doSubSelf(c *cell.Cell, l *loop) {
	if c.Count() == 0 || !c.IsActive(r.env.TiCurrent) {
		return
	}
	if !c.Split {
		r.doSelf(c, l)
		return
	}
	for _, cp := range c.Progeny {
		if cp != nil && cp.Count() > 0 {
			r.doSubSelf(cp, l)
		}
	}
	for _, pp := range cell.SelfPairs {
		cpi, cpj := c.Progeny[pp.I], c.Progeny[pp.J]
		if cpi.Count() > 0 && cpj.Count() > 0 {
			r.doSubPair(cpi, cpj, l)
		}
	}
}

func (r *Runner) doSubPair(ci, cj *cell.Cell, l *loop) {
	ti := r.env.TiCurrent
	if ci.Count() == 0 || cj.Count() == 0 || (!ci.IsActive(ti) && !cj.IsActive(ti)) {
		return
	}
	sp := r.env.Space
	ci, cj, sid, _ := cell.GetSID(sp.Dim, sp.Periodic, ci, cj)
	if !r.canSplit(ci) || !r.canSplit(cj) {
		r.doPair(ci, cj, l)
		return
	}
	for _, pp := range cell.PairProgeny[sid] {
		cpi, cpj := ci.Progeny[pp.I], cj.Progeny[pp.J]
		if cpi.Count() > 0 && cpj.Count() > 0 {
			r.doSubPair(cpi, cpj, l)
		}
	}
}

// doSelfSubset recomputes the density of the listed particles of c against
// every particle of the enclosing cell finger. Neighbouring ghosts may be
// updating the smoothing lengths of finger's other particles, so only
// their positions and masses are read.
func (r *Runner) doSelfSubset(finger, c *cell.Cell, pids []int) {
	for _, pid := range pids {
		pi := &c.Parts[pid]
		h2 := pi.H * pi.H * kernelGamma2
		for j := range finger.Parts {
			pj := &finger.Parts[j]
			if pj == pi {
				continue
			}
			dx, r2 := separation(pi.X, pj.X, [3]float64{})
			if r2 < h2 {
				hydro.IactNonsymDensity(r2, dx, pi.H, 0, pi, pj)
			}
		}
	}
}

// doPairSubset recomputes the density of the listed particles of c, which
// lies inside finger, against every particle of other.
func (r *Runner) doPairSubset(finger, other, c *cell.Cell, pids []int) {
	shift := r.shift(finger, other)
	for _, pid := range pids {
		pi := &c.Parts[pid]
		h2 := pi.H * pi.H * kernelGamma2
		for j := range other.Parts {
			pj := &other.Parts[j]
			dx, r2 := separation(pi.X, pj.X, shift)
			if r2 < h2 {
				hydro.IactNonsymDensity(r2, dx, pi.H, 0, pi, pj)
			}
		}
	}
}
