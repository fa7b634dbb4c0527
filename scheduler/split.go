package scheduler

import (
	"github.com/pthm-cable/sphtasks/cell"
	"github.com/pthm-cable/sphtasks/hydro"
	"github.com/pthm-cable/sphtasks/task"
)

const splitChunk = 1000

// SplitTasks replaces interactions on large cells by interactions on their
// children, or by sub-tasks that recurse at run time, and attaches the sort
// tasks that un-split pairs need. Tasks added while splitting are split
// recursively.
func (s *Scheduler) SplitTasks() error {
	n := min(int(s.tasksNext.Load()), len(s.Tasks))
	nChunks := (n + splitChunk - 1) / splitChunk
	return s.mapper(nChunks, func(c int) error {
		for i := c * splitChunk; i < min((c+1)*splitChunk, n); i++ {
			if err := s.splitTask(int32(i)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Scheduler) canSplit(c *cell.Cell) bool {
	return c.CanSplit(s.Stretch, hydro.KernelGamma)
}

func (s *Scheduler) addSplit(typ task.Type, sub task.Subtype, flags int, ci, cj *cell.Cell, tight bool) error {
	tid, err := s.AddTask(typ, sub, flags, ci, cj, tight)
	if err != nil {
		return err
	}
	return s.splitTask(tid)
}

func (s *Scheduler) splitTask(tid int32) error {
	t := &s.Tasks[tid]
	for redo := true; redo; {
		redo = false

		if t.Ci == nil || (t.Type == task.TypePair && t.Cj == nil) ||
			((t.Type == task.TypeKick || t.Type == task.TypeKickFixdt || t.Type == task.TypeInit) && t.Ci.NodeID != s.NodeID) {
			t.Type = task.TypeNone
			t.Skip = true
			return nil
		}

		switch {
		case t.Type == task.TypeSelf && t.Subtype != task.SubtypeGrav:
			ci := t.Ci
			if ci.NodeID != s.NodeID {
				t.Skip = true
				return nil
			}
			if !s.canSplit(ci) {
				return nil
			}
			if count := ci.Count(); count > 0 && count < s.SubSize/count {
				t.Type = task.TypeSubSelf
				return nil
			}

			// Reuse this task for the first non-empty child.
			redo = true
			first := -1
			for k, cp := range ci.Progeny {
				if cp == nil || cp.Count() == 0 {
					continue
				}
				if first < 0 {
					first = k
					continue
				}
				if err := s.addSplit(task.TypeSelf, t.Subtype, 0, cp, nil, false); err != nil {
					return err
				}
			}
			for _, pp := range cell.SelfPairs {
				cpi, cpj := ci.Progeny[pp.I], ci.Progeny[pp.J]
				if cpi.Count() == 0 || cpj.Count() == 0 {
					continue
				}
				if err := s.addSplit(task.TypePair, t.Subtype, pp.SID, cpi, cpj, false); err != nil {
					return err
				}
			}
			if first < 0 {
				t.Type = task.TypeNone
				t.Skip = true
				return nil
			}
			t.Ci = ci.Progeny[first]

		case t.Type == task.TypePair && t.Subtype != task.SubtypeGrav:
			if t.Ci.NodeID != s.NodeID && t.Cj.NodeID != s.NodeID {
				t.Skip = true
				return nil
			}
			ci, cj, sid, _ := cell.GetSID(s.space.Dim, s.space.Periodic, t.Ci, t.Cj)
			t.Ci, t.Cj, t.Flags = ci, cj, sid
			if ci.Count() == 0 || cj.Count() == 0 {
				t.Type = task.TypeNone
				t.Skip = true
				return nil
			}

			switch {
			case s.canSplit(ci) && s.canSplit(cj):
				corner := sid == 0 || sid == 2 || sid == 6 || sid == 8
				if float64(ci.Count())*cell.SIDScale[sid] < float64(s.SubSize)/float64(cj.Count()) && !corner {
					t.Type = task.TypeSubPair
					return nil
				}

				redo = true
				reused := false
				for _, pp := range cell.PairProgeny[sid] {
					cpi, cpj := ci.Progeny[pp.I], cj.Progeny[pp.J]
					if cpi.Count() == 0 || cpj.Count() == 0 {
						continue
					}
					if !reused {
						t.Ci, t.Cj, t.Flags, t.Tight = cpi, cpj, pp.SID, true
						reused = true
						continue
					}
					if err := s.addSplit(task.TypePair, t.Subtype, pp.SID, cpi, cpj, true); err != nil {
						return err
					}
				}
				if !reused {
					t.Type = task.TypeNone
					t.Skip = true
					return nil
				}

			case s.ForceSplit && ci.Split && cj.Split && ci.Count() > s.MaxSize/cj.Count():
				t.Type = task.TypeNone
				t.Skip = true
				for _, cpi := range ci.Progeny {
					for _, cpj := range cj.Progeny {
						if cpi.Count() == 0 || cpj.Count() == 0 {
							continue
						}
						_, _, csid, _ := cell.GetSID(s.space.Dim, s.space.Periodic, cpi, cpj)
						if err := s.addSplit(task.TypePair, t.Subtype, csid, cpi, cpj, false); err != nil {
							return err
						}
					}
				}
				return nil

			default:
				for _, c := range [2]*cell.Cell{ci, cj} {
					if err := s.addSort(c, sid, tid); err != nil {
						return err
					}
				}
			}

		case t.Type == task.TypeGravMM:
			if t.Ci.GCount() == 0 {
				t.Type = task.TypeNone
				t.Skip = true
			}
		}
	}
	return nil
}

// addSort makes the sort task of c cover direction sid and unlock tid.
func (s *Scheduler) addSort(c *cell.Cell, sid int, tid int32) error {
	c.Lock()
	if c.Sorts == cell.NoTask {
		st, err := s.AddTask(task.TypeSort, task.SubtypeNone, 1<<sid, c, nil, false)
		if err != nil {
			c.Unlock()
			return err
		}
		c.Sorts = st
	} else {
		s.Tasks[c.Sorts].Flags |= 1 << sid
	}
	sorts := c.Sorts
	c.Unlock()
	s.AddUnlock(sorts, tid)
	return nil
}
