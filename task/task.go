// Package task defines the unit of work of the scheduler: a typed operation
// on one or two cells with dependency counters and timing.
package task

import (
	"sync/atomic"

	"github.com/rotisserie/eris"

	"github.com/pthm-cable/sphtasks/cell"
)

// Type is the kind of work a task performs.
type Type int8

const (
	TypeNone Type = iota
	TypeSort
	TypeSelf
	TypePair
	TypeSubSelf
	TypeSubPair
	TypeInit
	TypeGhost
	TypeExtraGhost
	TypeKick
	TypeKickFixdt
	TypeSend
	TypeRecv
	TypeGravGatherM
	TypeGravFFT
	TypeGravMM
	TypeGravUp
	TypeGravExternal
	TypeCooling
	TypeSourceTerms
	TypeCount
)

// Subtype selects the interaction or message of self, pair, send and recv
// tasks.
type Subtype int8

const (
	SubtypeNone Subtype = iota
	SubtypeDensity
	SubtypeGradient
	SubtypeForce
	SubtypeGrav
	SubtypeTend
	SubtypeCount
)

var typeNames = [TypeCount]string{
	"none", "sort", "self", "pair", "sub_self",
	"sub_pair", "init", "ghost", "extra_ghost", "kick",
	"kick_fixdt", "send", "recv", "grav_gather_m", "grav_fft",
	"grav_mm", "grav_up", "grav_external", "cooling", "source_terms",
}

var subtypeNames = [SubtypeCount]string{
	"none", "density", "gradient", "force", "grav", "tend",
}

func (t Type) String() string {
	if t < 0 || t >= TypeCount {
		return "unknown"
	}
	return typeNames[t]
}

func (s Subtype) String() string {
	if s < 0 || s >= SubtypeCount {
		return "unknown"
	}
	return subtypeNames[s]
}

// Bit is the mask bit of the type.
func (t Type) Bit() uint32 { return 1 << uint(t) }

// Bit is the submask bit of the subtype.
func (s Subtype) Bit() uint32 { return 1 << uint(s) }

// TypeMask builds a mask from task types.
func TypeMask(types ...Type) uint32 {
	var m uint32
	for _, t := range types {
		m |= t.Bit()
	}
	return m
}

// SubtypeMask builds a submask from subtypes.
func SubtypeMask(subs ...Subtype) uint32 {
	var m uint32
	for _, s := range subs {
		m |= s.Bit()
	}
	return m
}

// MaskNames lists the types set in a mask.
func MaskNames(mask uint32) []string {
	var out []string
	for t := Type(1); t < TypeCount; t++ {
		if mask&t.Bit() != 0 {
			out = append(out, t.String())
		}
	}
	return out
}

// SubmaskNames lists the subtypes set in a submask.
func SubmaskNames(submask uint32) []string {
	var out []string
	for s := Subtype(1); s < SubtypeCount; s++ {
		if submask&s.Bit() != 0 {
			out = append(out, s.String())
		}
	}
	return out
}

// Action is the particle data a task touches.
type Action int8

const (
	ActionNone Action = iota
	ActionPart
	ActionGPart
	ActionAll
	ActionMultipole
)

// Request is an outstanding non-blocking message.
type Request interface {
	// Test reports whether the message has completed.
	Test() (bool, error)
}

// Task is one node of the dependency graph.
type Task struct {
	Type    Type
	Subtype Subtype
	Flags   int // Sort mask, pair sid, or message tag
	Ci, Cj  *cell.Cell

	Wait    atomic.Int32
	Unlocks []int32 // Successors, a window of the scheduler's edge pool

	Weight float64
	Rank   int
	Tic    int64
	Toc    int64

	Skip     bool
	Implicit bool
	Tight    bool

	// Rid is -1 until the task is enqueued, then the runner that ran it.
	Rid atomic.Int32

	Req  Request
	Buff any
}

// Reset clears a task slot for reuse.
func (t *Task) Reset(typ Type, sub Subtype, flags int, ci, cj *cell.Cell) {
	t.Type, t.Subtype, t.Flags = typ, sub, flags
	t.Ci, t.Cj = ci, cj
	t.Wait.Store(0)
	t.Unlocks = nil
	t.Weight, t.Rank = 0, 0
	t.Tic, t.Toc = 0, 0
	t.Skip, t.Implicit, t.Tight = false, false, false
	t.Rid.Store(-1)
	t.Req, t.Buff = nil, nil
}

// Eligible reports whether the task runs under the given masks.
func (t *Task) Eligible(mask, submask uint32) bool {
	return mask&t.Type.Bit() != 0 && (t.Subtype == SubtypeNone || submask&t.Subtype.Bit() != 0)
}

// ActsOn reports which particle data the task touches.
func (t *Task) ActsOn() (Action, error) {
	switch t.Type {
	case TypeNone:
		return ActionNone, nil
	case TypeSort, TypeGhost, TypeExtraGhost, TypeCooling, TypeSourceTerms:
		return ActionPart, nil
	case TypeSelf, TypePair, TypeSubSelf, TypeSubPair:
		switch t.Subtype {
		case SubtypeDensity, SubtypeGradient, SubtypeForce:
			return ActionPart, nil
		case SubtypeGrav:
			return ActionGPart, nil
		}
		return ActionNone, eris.Errorf("no action for %s/%s task", t.Type, t.Subtype)
	case TypeInit, TypeKick, TypeKickFixdt, TypeSend, TypeRecv:
		return ActionAll, nil
	case TypeGravGatherM, TypeGravFFT, TypeGravMM, TypeGravUp:
		return ActionMultipole, nil
	case TypeGravExternal:
		return ActionGPart, nil
	}
	return ActionNone, eris.Errorf("unknown task type %d", t.Type)
}

func (t *Task) action() Action {
	a, err := t.ActsOn()
	if err != nil {
		return ActionNone
	}
	return a
}

// Lock tries to take the cell locks the task needs. Send and recv tasks
// instead test their request. A false result means try again later.
func (t *Task) Lock() (bool, error) {
	ci, cj := t.Ci, t.Cj
	switch t.Type {
	case TypeSend, TypeRecv:
		if t.Req == nil {
			return false, eris.Errorf("%s/%s task (tag %d) has no request", t.Type, t.Subtype, t.Flags)
		}
		// Particle sends copy ci.Parts on their first test, which must not
		// overlap a hydro task on ci.
		if t.Type == TypeSend && t.Subtype != SubtypeTend {
			if !ci.LockTree() {
				return false, nil
			}
			defer ci.UnlockTree()
		}
		done, err := t.Req.Test()
		if err != nil {
			return false, eris.Wrapf(err, "testing request of %s/%s task (tag %d)", t.Type, t.Subtype, t.Flags)
		}
		return done, nil

	case TypeSort:
		return ci.LockTree(), nil

	case TypeSelf, TypeSubSelf:
		if t.Subtype == SubtypeGrav {
			return ci.GLockTree(), nil
		}
		return ci.LockTree(), nil

	case TypePair, TypeSubPair:
		first, second := lockOrder(ci, cj)
		if t.Subtype == SubtypeGrav {
			if first.GHeld() || second.GHeld() || !first.GLockTree() {
				return false, nil
			}
			if !second.GLockTree() {
				first.GUnlockTree()
				return false, nil
			}
			return true, nil
		}
		if first.Held() || second.Held() || !first.LockTree() {
			return false, nil
		}
		if !second.LockTree() {
			first.UnlockTree()
			return false, nil
		}
		return true, nil

	case TypeGravMM, TypeGravExternal:
		return ci.GLockTree(), nil
	}
	return true, nil
}

// lockOrder returns the cells of a pair with the lower id first.
func lockOrder(ci, cj *cell.Cell) (*cell.Cell, *cell.Cell) {
	if cj.ID < ci.ID {
		return cj, ci
	}
	return ci, cj
}

// Unlock releases the locks taken by Lock.
func (t *Task) Unlock() {
	ci, cj := t.Ci, t.Cj
	switch t.Type {
	case TypeSort:
		ci.UnlockTree()
	case TypeSelf, TypeSubSelf:
		if t.Subtype == SubtypeGrav {
			ci.GUnlockTree()
		} else {
			ci.UnlockTree()
		}
	case TypePair, TypeSubPair:
		if t.Subtype == SubtypeGrav {
			ci.GUnlockTree()
			cj.GUnlockTree()
		} else {
			ci.UnlockTree()
			cj.UnlockTree()
		}
	case TypeGravMM, TypeGravExternal:
		ci.GUnlockTree()
	}
}

func overlapParts(ci, cj *cell.Cell) int {
	if ci == nil || cj == nil {
		return 0
	}
	if ci.IsAncestorOf(cj) {
		return cj.Count()
	}
	if cj.IsAncestorOf(ci) {
		return ci.Count()
	}
	return 0
}

func overlapGParts(ci, cj *cell.Cell) int {
	if ci == nil || cj == nil {
		return 0
	}
	if ci.IsAncestorOf(cj) {
		return cj.GCount()
	}
	if cj.IsAncestorOf(ci) {
		return ci.GCount()
	}
	return 0
}

// Overlap is the Jaccard similarity of the particles two tasks touch.
func Overlap(a, b *Task) float64 {
	if a == nil || b == nil {
		return 0
	}
	aa, ba := a.action(), b.action()
	if aa == ActionNone || ba == ActionNone {
		return 0
	}
	aPart := aa == ActionPart || aa == ActionAll
	aGPart := aa == ActionGPart || aa == ActionAll
	bPart := ba == ActionPart || ba == ActionAll
	bGPart := ba == ActionGPart || ba == ActionAll

	var count func(*cell.Cell) int
	var inter func(ci, cj *cell.Cell) int
	switch {
	case aPart && bPart:
		count, inter = (*cell.Cell).Count, overlapParts
	case aGPart && bGPart:
		count, inter = (*cell.Cell).GCount, overlapGParts
	default:
		return 0
	}

	union := 0
	for _, c := range [...]*cell.Cell{a.Ci, a.Cj, b.Ci, b.Cj} {
		if c != nil {
			union += count(c)
		}
	}
	intersect := inter(a.Ci, b.Ci) + inter(a.Ci, b.Cj) + inter(a.Cj, b.Ci) + inter(a.Cj, b.Cj)
	if union-intersect <= 0 {
		return 0
	}
	return float64(intersect) / float64(union-intersect)
}
