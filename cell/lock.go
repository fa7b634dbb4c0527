package cell

import "sync/atomic"

func loadInt32(p *int32) int32     { return atomic.LoadInt32(p) }
func storeInt32(p *int32, v int32) { atomic.StoreInt32(p, v) }

func tryLock(l *int32) bool { return atomic.CompareAndSwapInt32(l, 0, 1) }
func unlock(l *int32)       { atomic.StoreInt32(l, 0) }

// lockWait spins until the lock is taken. Only used for short critical
// sections during graph construction.
func lockWait(l *int32) {
	for !tryLock(l) {
	}
}

// LockTree takes exclusive ownership of c and its subtree. It fails if c is
// locked, if any descendant is locked, or if an ancestor is locked while the
// holds are placed. On failure nothing is left held.
func (c *Cell) LockTree() bool {
	return lockTree(c, func(c *Cell) (*int32, *int32) { return &c.lock, &c.hold })
}

// UnlockTree releases a lock taken by LockTree.
func (c *Cell) UnlockTree() {
	unlockTree(c, func(c *Cell) (*int32, *int32) { return &c.lock, &c.hold })
}

// GLockTree is LockTree on the gravity lock.
func (c *Cell) GLockTree() bool {
	return lockTree(c, func(c *Cell) (*int32, *int32) { return &c.glock, &c.ghold })
}

// GUnlockTree releases a lock taken by GLockTree.
func (c *Cell) GUnlockTree() {
	unlockTree(c, func(c *Cell) (*int32, *int32) { return &c.glock, &c.ghold })
}

// Lock takes the cell's own lock without touching the tree. Used to guard
// anchor updates while tasks are being built.
func (c *Cell) Lock() { lockWait(&c.lock) }

// Unlock releases Lock.
func (c *Cell) Unlock() { unlock(&c.lock) }

// Held reports whether a descendant of c holds a hydro lock.
func (c *Cell) Held() bool { return atomic.LoadInt32(&c.hold) != 0 }

// GHeld reports whether a descendant of c holds a gravity lock.
func (c *Cell) GHeld() bool { return atomic.LoadInt32(&c.ghold) != 0 }

// Locked reports whether c's own hydro lock is taken.
func (c *Cell) Locked() bool { return atomic.LoadInt32(&c.lock) != 0 }

type lockFields func(*Cell) (lock, hold *int32)

func lockTree(c *Cell, fields lockFields) bool {
	l, h := fields(c)
	if atomic.LoadInt32(h) != 0 || !tryLock(l) {
		return false
	}
	// A descendant may have been locked in the meantime.
	if atomic.LoadInt32(h) != 0 {
		unlock(l)
		return false
	}

	// Climb to the root, holding every ancestor.
	var finger *Cell
	for finger = c.Parent; finger != nil; finger = finger.Parent {
		fl, fh := fields(finger)
		if !tryLock(fl) {
			break
		}
		atomic.AddInt32(fh, 1)
		unlock(fl)
	}
	if finger == nil {
		return true
	}

	// Hit a locked ancestor: undo the holds placed so far.
	for f := c.Parent; f != finger; f = f.Parent {
		_, fh := fields(f)
		atomic.AddInt32(fh, -1)
	}
	unlock(l)
	return false
}

func unlockTree(c *Cell, fields lockFields) {
	l, _ := fields(c)
	unlock(l)
	for f := c.Parent; f != nil; f = f.Parent {
		_, fh := fields(f)
		atomic.AddInt32(fh, -1)
	}
}
