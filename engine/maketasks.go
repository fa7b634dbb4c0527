package engine

import (
	"log/slog"
	"slices"
	"time"

	"github.com/rotisserie/eris"

	"github.com/pthm-cable/sphtasks/cell"
	"github.com/pthm-cable/sphtasks/scheduler"
	"github.com/pthm-cable/sphtasks/task"
)

// MakeTasks builds the task graph of the current trees. A graph that does
// not fit the task array is rebuilt with twice the room per cell.
func (e *Engine) MakeTasks() error {
	start := time.Now()
	for {
		err := e.makeTasks()
		if err == nil {
			break
		}
		if !eris.Is(err, scheduler.ErrTaskOverflow) {
			return err
		}
		e.tasksPerCell *= 2
		slog.Debug("task array overflow, growing", "rank", e.NodeID, "tasks_per_cell", e.tasksPerCell)
	}
	if e.cfg.Scheduler.Verbose {
		slog.Debug("maketasks", "rank", e.NodeID, "tasks", e.Sched.NrTasks(), "unlocks", e.Sched.NrUnlocks(), "took", time.Since(start))
	}
	return nil
}

func (e *Engine) makeTasks() error {
	s, sched := e.Space, e.Sched
	sched.Reset(max(s.NrCells(), len(s.CellsTop)) * e.tasksPerCell)
	s.MapCells(true, (*cell.Cell).ResetTasks)

	if e.Policy.Has(PolicyHydro) {
		if err := e.makeHydroLoopTasks(); err != nil {
			return err
		}
	}
	if e.Policy.Has(PolicySelfGravity) {
		if err := e.makeGravityTasks(); err != nil {
			return err
		}
	}
	if err := sched.SplitTasks(); err != nil {
		return err
	}
	if e.Policy.Has(PolicySelfGravity) {
		if err := e.makeGravityRecursiveTasks(); err != nil {
			return err
		}
	}
	e.countAndLinkTasks()

	for _, c := range s.CellsTop {
		if err := e.makeHierarchicalTasks(c, nil); err != nil {
			return err
		}
	}
	if e.Policy.Has(PolicyHydro) {
		if err := e.makeExtraHydroLoopTasks(); err != nil {
			return err
		}
	}
	if err := e.linkHierarchicalTasks(); err != nil {
		return err
	}
	if e.Policy.Has(PolicySelfGravity) {
		if err := e.linkGravityTasks(); err != nil {
			return err
		}
	}

	if e.Policy.Has(PolicyMPI) {
		for _, p := range e.Proxies {
			for _, c := range p.CellsIn {
				if err := e.addRecvTasks(c, nil); err != nil {
					return err
				}
			}
			for _, c := range p.CellsOut {
				if err := e.addSendTasks(c, p.CellsIn[0], nil); err != nil {
					return err
				}
			}
		}
	}

	sched.SetUnlocks()
	if err := sched.RankTasks(); err != nil {
		return err
	}
	sched.Reweight()
	e.tasksAge = 0
	return nil
}

// makeHydroLoopTasks adds the density self task of every local non-empty
// top cell and a density pair for every neighbouring couple of non-empty top
// cells with at least one local member.
func (e *Engine) makeHydroLoopTasks() error {
	s := e.Space
	cdim := s.CDim
	for i := 0; i < cdim[0]; i++ {
		for j := 0; j < cdim[1]; j++ {
			for k := 0; k < cdim[2]; k++ {
				cid := cellIndex(cdim, i, j, k)
				ci := s.CellsTop[cid]
				if ci.Count() == 0 {
					continue
				}
				if ci.NodeID == e.NodeID {
					if _, err := e.Sched.AddTask(task.TypeSelf, task.SubtypeDensity, 0, ci, nil, false); err != nil {
						return err
					}
				}
				err := e.forNeighbours(i, j, k, func(cjd int) error {
					cj := s.CellsTop[cjd]
					if cid >= cjd || cj.Count() == 0 || (ci.NodeID != e.NodeID && cj.NodeID != e.NodeID) {
						return nil
					}
					_, err := e.Sched.AddTask(task.TypePair, task.SubtypeDensity, 0, ci, cj, true)
					return err
				})
				if err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// forNeighbours calls fn with the index of every top cell within one cell of
// (i, j, k), including itself. Periodic boxes wrap, others clip.
func (e *Engine) forNeighbours(i, j, k int, fn func(cjd int) error) error {
	s := e.Space
	cdim := s.CDim
	var seen []int
	for di := -1; di <= 1; di++ {
		ii, ok := wrapIndex(i+di, cdim[0], s.Periodic)
		if !ok {
			continue
		}
		for dj := -1; dj <= 1; dj++ {
			jj, ok := wrapIndex(j+dj, cdim[1], s.Periodic)
			if !ok {
				continue
			}
			for dk := -1; dk <= 1; dk++ {
				kk, ok := wrapIndex(k+dk, cdim[2], s.Periodic)
				if !ok {
					continue
				}
				cjd := cellIndex(cdim, ii, jj, kk)
				if slices.Contains(seen, cjd) {
					continue
				}
				seen = append(seen, cjd)
				if err := fn(cjd); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func wrapIndex(i, n int, periodic bool) (int, bool) {
	if periodic {
		return (i + n) % n, true
	}
	return i, i >= 0 && i < n
}

func cellIndex(cdim [3]int, i, j, k int) int {
	return (i*cdim[1]+j)*cdim[2] + k
}

// makeGravityTasks adds the short-range self and pair gravity of the local
// top cells and the long-range multipole task of each.
func (e *Engine) makeGravityTasks() error {
	s := e.Space
	for cid, ci := range s.CellsTop {
		if ci.GCount() == 0 || ci.NodeID != e.NodeID {
			continue
		}
		if _, err := e.Sched.AddTask(task.TypeSelf, task.SubtypeGrav, 0, ci, nil, false); err != nil {
			return err
		}
		if _, err := e.Sched.AddTask(task.TypeGravMM, task.SubtypeNone, 0, ci, nil, false); err != nil {
			return err
		}
		for cjd := cid + 1; cjd < len(s.CellsTop); cjd++ {
			cj := s.CellsTop[cjd]
			if cj.GCount() == 0 || cj.NodeID != e.NodeID || !cell.AreNeighbours(ci, cj, s.Dim, s.Periodic) {
				continue
			}
			if _, err := e.Sched.AddTask(task.TypePair, task.SubtypeGrav, 0, ci, cj, true); err != nil {
				return err
			}
		}
	}
	return nil
}

// makeGravityRecursiveTasks adds the multipole construction of every local
// top cell and anchors it on the whole tree.
func (e *Engine) makeGravityRecursiveTasks() error {
	for _, c := range e.Space.CellsTop {
		if c.NodeID != e.NodeID || c.GCount() == 0 {
			continue
		}
		up, err := e.Sched.AddTask(task.TypeGravUp, task.SubtypeNone, 0, c, nil, false)
		if err != nil {
			return err
		}
		c.Walk(func(cp *cell.Cell) { cp.GravUp = up })
	}
	return nil
}

// countAndLinkTasks chains the sorts of split cells to those of their
// children and attaches every interaction to the cells it touches.
func (e *Engine) countAndLinkTasks() {
	sched := e.Sched
	n := sched.NrTasks()
	for tid := int32(0); tid < int32(n); tid++ {
		t := sched.Task(tid)
		if t.Skip || t.Type == task.TypeNone {
			continue
		}
		if t.Type == task.TypeSort && t.Ci.Split {
			for _, cp := range t.Ci.Progeny {
				if cp != nil && cp.Sorts != cell.NoTask {
					sched.Task(cp.Sorts).Skip = false
					sched.AddUnlock(cp.Sorts, tid)
				}
			}
		}

		switch t.Type {
		case task.TypeSelf, task.TypeSubSelf, task.TypePair, task.TypeSubPair:
		default:
			continue
		}
		pair := t.Type == task.TypePair || t.Type == task.TypeSubPair
		t.Ci.NrTasks++
		if pair {
			t.Cj.NrTasks++
		}
		switch t.Subtype {
		case task.SubtypeDensity:
			t.Ci.Density = append(t.Ci.Density, tid)
			if pair {
				t.Cj.Density = append(t.Cj.Density, tid)
			}
		case task.SubtypeGrav:
			t.Ci.Grav = append(t.Ci.Grav, tid)
			if pair {
				t.Cj.Grav = append(t.Cj.Grav, tid)
			}
		}
	}
}

// makeHierarchicalTasks finds the super-cell of every tree, the highest cell
// carrying interactions or, failing that, the first unsplit cell holding
// particles, and gives each local one its per-cell tasks.
func (e *Engine) makeHierarchicalTasks(c, super *cell.Cell) error {
	if super == nil && (len(c.Density) > 0 || len(c.Grav) > 0 || (!c.Split && (c.Count() > 0 || c.GCount() > 0))) {
		super = c
		if c.NodeID == e.NodeID {
			if err := e.addSuperTasks(c); err != nil {
				return err
			}
		}
	}
	c.Super, c.GSuper = super, super
	for _, cp := range c.Progeny {
		if cp != nil {
			if err := e.makeHierarchicalTasks(cp, super); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) addSuperTasks(c *cell.Cell) error {
	sched := e.Sched
	add := func(anchor *int32, typ task.Type) error {
		tid, err := sched.AddTask(typ, task.SubtypeNone, 0, c, nil, false)
		if err != nil {
			return err
		}
		*anchor = tid
		return nil
	}

	if err := add(&c.Init, task.TypeInit); err != nil {
		return err
	}
	kick := task.TypeKick
	if e.Policy.Has(PolicyFixDt) {
		kick = task.TypeKickFixdt
	}
	if err := add(&c.Kick, kick); err != nil {
		return err
	}
	if e.Policy.Has(PolicyHydro) && c.Count() > 0 {
		if err := add(&c.Ghost, task.TypeGhost); err != nil {
			return err
		}
		if e.Policy.Has(PolicyExtraHydroLoop) {
			if err := add(&c.ExtraGhost, task.TypeExtraGhost); err != nil {
				return err
			}
		}
		if e.Policy.Has(PolicyCooling) {
			if err := add(&c.Cooling, task.TypeCooling); err != nil {
				return err
			}
		}
		if e.Policy.Has(PolicySourceTerms) {
			if err := add(&c.SourceTerms, task.TypeSourceTerms); err != nil {
				return err
			}
		}
	}
	if e.Policy.Has(PolicyExternalGravity) && c.GCount() > 0 {
		if err := add(&c.GravExternal, task.TypeGravExternal); err != nil {
			return err
		}
	}
	return nil
}

// makeExtraHydroLoopTasks adds the gradient and force twins of every density
// interaction and chains the hydro loops through the super-cell tasks of
// each local cell involved.
func (e *Engine) makeExtraHydroLoopTasks() error {
	sched := e.Sched
	extra := e.Policy.Has(PolicyExtraHydroLoop)
	n := int32(sched.NrTasks())
	for tid := int32(0); tid < n; tid++ {
		t := sched.Task(tid)
		if t.Skip || t.Subtype != task.SubtypeDensity {
			continue
		}
		switch t.Type {
		case task.TypeSelf, task.TypeSubSelf, task.TypePair, task.TypeSubPair:
		default:
			continue
		}
		typ, flags, ci, cj, tight := t.Type, t.Flags, t.Ci, t.Cj, t.Tight
		pair := cj != nil

		grad := cell.NoTask
		if extra {
			g, err := sched.AddTask(typ, task.SubtypeGradient, flags, ci, cj, tight)
			if err != nil {
				return err
			}
			grad = g
			ci.Gradient = append(ci.Gradient, g)
			if pair {
				cj.Gradient = append(cj.Gradient, g)
			}
		}
		force, err := sched.AddTask(typ, task.SubtypeForce, flags, ci, cj, tight)
		if err != nil {
			return err
		}
		ci.Force = append(ci.Force, force)
		if pair {
			cj.Force = append(cj.Force, force)
		}

		if ci.NodeID == e.NodeID {
			e.hydroLoopDependencies(tid, grad, force, ci)
		}
		if pair && cj.NodeID == e.NodeID && (ci.NodeID != e.NodeID || ci.Super != cj.Super) {
			e.hydroLoopDependencies(tid, grad, force, cj)
		}
	}
	return nil
}

// hydroLoopDependencies chains init, density, ghost, gradient, extra ghost,
// force and kick of the super-cell of c.
func (e *Engine) hydroLoopDependencies(density, gradient, force int32, c *cell.Cell) {
	sched, sup := e.Sched, c.Super
	sched.AddUnlock(sup.Init, density)
	sched.AddUnlock(density, sup.Ghost)
	if gradient != cell.NoTask {
		sched.AddUnlock(sup.Ghost, gradient)
		sched.AddUnlock(gradient, sup.ExtraGhost)
		sched.AddUnlock(sup.ExtraGhost, force)
	} else {
		sched.AddUnlock(sup.Ghost, force)
	}
	sched.AddUnlock(force, sup.Kick)
}

// linkHierarchicalTasks orders the per-cell tasks of every local
// super-cell: init before the sorts and the external gravity, the kick
// before cooling and source terms.
func (e *Engine) linkHierarchicalTasks() error {
	sched := e.Sched
	var err error
	e.Space.MapCells(true, func(c *cell.Cell) {
		if err != nil || c.Super != c || c.NodeID != e.NodeID {
			return
		}
		if c.Init == cell.NoTask || c.Kick == cell.NoTask {
			err = eris.Errorf("super-cell %d has no init or kick task", c.ID)
			return
		}
		c.Walk(func(cp *cell.Cell) {
			if cp.Sorts != cell.NoTask {
				sched.AddUnlock(c.Init, cp.Sorts)
			}
		})
		if c.GravExternal != cell.NoTask {
			sched.AddUnlock(c.Init, c.GravExternal)
			sched.AddUnlock(c.GravExternal, c.Kick)
		}
		last := c.Kick
		if c.Cooling != cell.NoTask {
			sched.AddUnlock(last, c.Cooling)
			last = c.Cooling
		}
		if c.SourceTerms != cell.NoTask {
			sched.AddUnlock(last, c.SourceTerms)
		}
	})
	return err
}

// linkGravityTasks adds the global multipole gather and mesh tasks and
// places every gravity task between the init and kick of its super-cell.
func (e *Engine) linkGravityTasks() error {
	sched := e.Sched
	n := int32(sched.NrTasks())

	gather, err := sched.AddTask(task.TypeGravGatherM, task.SubtypeNone, 0, nil, nil, false)
	if err != nil {
		return err
	}
	sched.Task(gather).Implicit = true
	fft, err := sched.AddTask(task.TypeGravFFT, task.SubtypeNone, 0, nil, nil, false)
	if err != nil {
		return err
	}
	sched.AddUnlock(gather, fft)

	link := func(tid int32, c *cell.Cell) {
		sched.AddUnlock(c.GSuper.Init, tid)
		sched.AddUnlock(tid, c.GSuper.Kick)
	}
	for tid := int32(0); tid < n; tid++ {
		t := sched.Task(tid)
		if t.Skip {
			continue
		}
		switch {
		case t.Type == task.TypeGravUp:
			sched.AddUnlock(tid, gather)
		case t.Type == task.TypeGravMM:
			sched.AddUnlock(gather, tid)
			link(tid, t.Ci)
		case t.Subtype != task.SubtypeGrav:
		case t.Type == task.TypeSelf || t.Type == task.TypeSubSelf:
			if t.Ci.NodeID == e.NodeID {
				link(tid, t.Ci)
			}
		case t.Type == task.TypePair || t.Type == task.TypeSubPair:
			if t.Ci.NodeID == e.NodeID {
				link(tid, t.Ci)
			}
			if t.Cj.NodeID == e.NodeID && t.Ci.GSuper != t.Cj.GSuper {
				link(tid, t.Cj)
			}
		}
	}
	return nil
}
