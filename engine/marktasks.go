package engine

import (
	"github.com/rotisserie/eris"

	"github.com/pthm-cable/sphtasks/cell"
	"github.com/pthm-cable/sphtasks/task"
)

// MarkTasks decides which tasks run in the coming step. It reports true
// when particles have moved too far for the current trees, in which case
// the marking is incomplete and the space must be rebuilt.
func (e *Engine) MarkTasks() (bool, error) {
	if e.Policy.Has(PolicyFixDt) {
		return e.markFixDt(), nil
	}
	return e.markMultiDt()
}

// needsRebuild reports whether a tight pair has outgrown its cells.
func (e *Engine) needsRebuild(t *task.Task) bool {
	if !t.Tight || t.Subtype == task.SubtypeGrav {
		return false
	}
	ci, cj := t.Ci, t.Cj
	maxRelDx := e.Space.MaxRelDx
	return max(ci.HMax, cj.HMax)+ci.DxMax+cj.DxMax > cj.DMin ||
		ci.DxMax > maxRelDx*ci.HMax ||
		cj.DxMax > maxRelDx*cj.HMax
}

// markFixDt runs every task each step. Sorts of local cells whose
// directions are all still valid only pass their dependencies on.
func (e *Engine) markFixDt() bool {
	sched := e.Sched
	for _, tid := range sched.Order() {
		t := sched.Task(tid)
		switch t.Type {
		case task.TypePair, task.TypeSubPair:
			if t.Cj != nil && e.needsRebuild(t) {
				return true
			}
		case task.TypeSort:
			t.Implicit = t.Ci.NodeID == e.NodeID && uint16(t.Flags)&^t.Ci.Sorted == 0
		}
	}
	return false
}

// markMultiDt activates the tasks touching cells with particles ending
// their step now. Tasks are visited in rank order so every sort is reset
// before the pairs that request its directions.
func (e *Engine) markMultiDt() (bool, error) {
	sched := e.Sched
	ti := e.tiEndMin
	inactive := func(c *cell.Cell) bool { return c.TiEndMin > ti }

	for _, tid := range sched.Order() {
		t := sched.Task(tid)
		switch t.Type {
		case task.TypeSort:
			t.Flags = 0
			t.Skip = true
			t.Implicit = false

		case task.TypeSend, task.TypeRecv:
			t.Skip = true

		case task.TypeSelf, task.TypeSubSelf, task.TypeGhost, task.TypeExtraGhost, task.TypeInit,
			task.TypeCooling, task.TypeSourceTerms, task.TypeGravExternal, task.TypeGravMM:
			t.Skip = inactive(t.Ci)

		case task.TypeKick, task.TypeKickFixdt:
			t.Skip = inactive(t.Ci)
			t.Ci.Updated, t.Ci.GUpdated = 0, 0

		case task.TypePair, task.TypeSubPair:
			ci, cj := t.Ci, t.Cj
			if cj == nil {
				t.Skip = inactive(ci)
				continue
			}
			if e.needsRebuild(t) {
				return true, nil
			}
			t.Skip = inactive(ci) && inactive(cj)
			if t.Skip || t.Subtype == task.SubtypeGrav {
				continue
			}
			// Foreign particles are replaced by this step's receive.
			if ci.NodeID != e.NodeID {
				ci.Sorted = 0
			}
			if cj.NodeID != e.NodeID {
				cj.Sorted = 0
			}
			if t.Type == task.TypePair {
				e.requestSort(ci, t.Flags)
				e.requestSort(cj, t.Flags)
			}
			if ci.NodeID != e.NodeID {
				if err := e.activateExchange(ci, cj); err != nil {
					return false, err
				}
			} else if cj.NodeID != e.NodeID {
				if err := e.activateExchange(cj, ci); err != nil {
					return false, err
				}
			}

		case task.TypeNone:
			t.Skip = true
		}
	}
	return false, nil
}

// requestSort makes the sort task of c cover direction sid if it is not
// already valid.
func (e *Engine) requestSort(c *cell.Cell, sid int) {
	if c.Sorted&(1<<sid) != 0 || c.Sorts == cell.NoTask {
		return
	}
	st := e.Sched.Task(c.Sorts)
	st.Flags |= 1 << sid
	st.Skip = false
}

// activateExchange turns on the receives of foreign cell cf and the sends
// of local cell cl to the rank owning cf.
func (e *Engine) activateExchange(cf, cl *cell.Cell) error {
	sched := e.Sched
	if cf.RecvXV == cell.NoTask || cf.RecvRho == cell.NoTask {
		return eris.Errorf("foreign cell %d of rank %d has no receive tasks", cf.ID, cf.NodeID)
	}
	for _, tid := range []int32{cf.RecvXV, cf.RecvRho, cf.RecvGradient, cf.RecvTi} {
		if tid != cell.NoTask {
			sched.Task(tid).Skip = false
		}
	}

	sends := []struct {
		name string
		list []int32
		must bool
	}{
		{"xv", cl.SendXV, true},
		{"rho", cl.SendRho, true},
		{"gradient", cl.SendGradient, e.Policy.Has(PolicyExtraHydroLoop)},
		{"ti", cl.SendTi, !e.Policy.Has(PolicyFixDt)},
	}
	for _, s := range sends {
		found := false
		for _, tid := range s.list {
			if t := sched.Task(tid); t.Cj.NodeID == cf.NodeID {
				t.Skip = false
				found = true
				break
			}
		}
		if !found && s.must {
			return eris.Errorf("cell %d has no %s send to rank %d", cl.ID, s.name, cf.NodeID)
		}
	}
	return nil
}
