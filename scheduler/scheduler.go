// Package scheduler owns the task graph of one rank: it builds and ranks the
// dependencies, hands ready tasks to runners through per-runner queues and
// lets idle runners steal.
package scheduler

import (
	"errors"
	"log/slog"
	"math/bits"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/exp/rand"

	"github.com/pthm-cable/sphtasks/cell"
	"github.com/pthm-cable/sphtasks/queue"
	"github.com/pthm-cable/sphtasks/task"
)

const (
	initialUnlocks = 10000
	wscale         = 1e-3
)

// ErrTaskOverflow is returned by AddTask when the task array is full. The
// graph must be rebuilt with a larger array.
var ErrTaskOverflow = errors.New("task list overflow")

// Flags select scheduling policies.
type Flags uint8

const (
	FlagSteal Flags = 1 << iota
	FlagCPUTight
)

// Params configure graph splitting and task fetching.
type Params struct {
	NodeID       int
	NrQueues     int
	MaxTries     int
	MaxSteal     int
	SearchWindow int
	SubSize      int
	MaxSize      int
	ForceSplit   bool
	Stretch      float64
	Flags        Flags
}

// Poster starts the transfer of a send or recv task when it is enqueued.
type Poster interface {
	Post(t *task.Task) error
}

// unlockBuf holds the edges added so far: Tasks[k] is unlocked by Ind[k].
type unlockBuf struct {
	Tasks []int32
	Ind   []int32
}

// Scheduler holds the tasks, their dependencies and the ready queues.
type Scheduler struct {
	Params

	Tasks     []task.Task
	tasksNext atomic.Int32
	nrTasks   int
	tasksInd  []int32

	unlocks         atomic.Pointer[unlockBuf]
	nrUnlocks       atomic.Int32
	completedWrites atomic.Int32
	unlockPool      []int32

	queues []*queue.Queue

	waiting   atomic.Int32
	sleepMu   sync.Mutex
	sleepCond *sync.Cond

	mask    uint32
	submask uint32

	// Queues that poll instead of sleeping, set when messages are in flight.
	pollQueues int

	space  *cell.Space
	mapper cell.Mapper
	poster Poster
	epoch  time.Time

	errMu   sync.Mutex
	err     error
	aborted atomic.Bool
}

// New creates a scheduler with room for size tasks.
func New(space *cell.Space, p Params, size int, mapper cell.Mapper) *Scheduler {
	p.NrQueues = max(p.NrQueues, 1)
	p.MaxTries = max(p.MaxTries, 1)
	if mapper == nil {
		mapper = cell.SerialMapper
	}
	s := &Scheduler{
		Params: p,
		space:  space,
		mapper: mapper,
		epoch:  time.Now(),
	}
	s.sleepCond = sync.NewCond(&s.sleepMu)
	s.queues = make([]*queue.Queue, p.NrQueues)
	for k := range s.queues {
		s.queues[k] = queue.New(nil, p.SearchWindow)
	}
	s.Reset(size)
	return s
}

// SetPoster installs the transport used by send and recv tasks. Runners of
// the first two queues then poll rather than sleep.
func (s *Scheduler) SetPoster(p Poster) {
	s.poster = p
	if p != nil {
		s.pollQueues = 2
	} else {
		s.pollQueues = 0
	}
}

// Reset empties the graph, growing the task array to size if needed.
func (s *Scheduler) Reset(size int) {
	if size > len(s.Tasks) {
		s.Tasks = make([]task.Task, size)
		s.tasksInd = make([]int32, size)
	}
	s.tasksNext.Store(0)
	s.nrTasks = 0
	s.waiting.Store(0)
	s.mask, s.submask = 0, 0
	s.nrUnlocks.Store(0)
	s.completedWrites.Store(0)
	s.unlocks.Store(&unlockBuf{Tasks: make([]int32, initialUnlocks), Ind: make([]int32, initialUnlocks)})
	s.unlockPool = nil
	for _, q := range s.queues {
		q.Reset(s.Tasks)
	}
	s.errMu.Lock()
	s.err = nil
	s.errMu.Unlock()
	s.aborted.Store(false)
}

// Size is the capacity of the task array.
func (s *Scheduler) Size() int { return len(s.Tasks) }

// NrTasks is the number of tasks added.
func (s *Scheduler) NrTasks() int {
	if s.nrTasks > 0 {
		return s.nrTasks
	}
	return min(int(s.tasksNext.Load()), len(s.Tasks))
}

// NrUnlocks is the number of dependency edges.
func (s *Scheduler) NrUnlocks() int { return int(s.nrUnlocks.Load()) }

// Task returns the task with index tid.
func (s *Scheduler) Task(tid int32) *task.Task { return &s.Tasks[tid] }

// Now is the monotonic clock used for task tics and tocs.
func (s *Scheduler) Now() int64 { return int64(time.Since(s.epoch)) }

// AddTask allocates a task slot. It is safe for concurrent use.
func (s *Scheduler) AddTask(typ task.Type, sub task.Subtype, flags int, ci, cj *cell.Cell, tight bool) (int32, error) {
	ind := s.tasksNext.Add(1) - 1
	if int(ind) >= len(s.Tasks) {
		return -1, eris.Wrapf(ErrTaskOverflow, "adding %s/%s task %d of %d", typ, sub, ind, len(s.Tasks))
	}
	t := &s.Tasks[ind]
	t.Reset(typ, sub, flags, ci, cj)
	t.Tight = tight
	return ind, nil
}

// AddUnlock records that tb waits for ta. It is safe for concurrent use: the
// edge buffer grows behind an atomic pointer once every lower slot has been
// written.
func (s *Scheduler) AddUnlock(ta, tb int32) {
	ind := s.nrUnlocks.Add(1) - 1
	for {
		buf := s.unlocks.Load()
		n := int32(len(buf.Tasks))
		switch {
		case ind < n:
			buf.Tasks[ind] = tb
			buf.Ind[ind] = ta
			s.completedWrites.Add(1)
			return
		case ind == n:
			for s.completedWrites.Load() < ind {
				runtime.Gosched()
			}
			grown := &unlockBuf{Tasks: make([]int32, 2*n), Ind: make([]int32, 2*n)}
			copy(grown.Tasks, buf.Tasks)
			copy(grown.Ind, buf.Ind)
			s.unlocks.Store(grown)
		default:
			runtime.Gosched()
		}
	}
}

// SetUnlocks packs the edges into one successor slice per task.
func (s *Scheduler) SetUnlocks() {
	nrTasks := min(int(s.tasksNext.Load()), len(s.Tasks))
	s.nrTasks = nrTasks
	buf := s.unlocks.Load()
	nrUnlocks := int(s.nrUnlocks.Load())

	counts := make([]int32, nrTasks+1)
	for k := 0; k < nrUnlocks; k++ {
		counts[buf.Ind[k]+1]++
	}
	for k := 1; k <= nrTasks; k++ {
		counts[k] += counts[k-1]
	}
	pool := make([]int32, nrUnlocks)
	next := make([]int32, nrTasks)
	copy(next, counts[:nrTasks])
	for k := 0; k < nrUnlocks; k++ {
		src := buf.Ind[k]
		pool[next[src]] = buf.Tasks[k]
		next[src]++
	}
	s.unlockPool = pool
	for k := 0; k < nrTasks; k++ {
		lo, hi := counts[k], counts[k+1]
		s.Tasks[k].Unlocks = pool[lo:hi:hi]
	}
}

// RankTasks orders the tasks topologically by peeling layers of tasks with
// no remaining predecessors. A layer that makes no progress means a cycle.
func (s *Scheduler) RankTasks() error {
	nrTasks := s.nrTasks
	tasks := s.Tasks[:nrTasks]
	tid := s.tasksInd[:nrTasks]

	for i := range tasks {
		tasks[i].Wait.Store(0)
	}
	for i := range tasks {
		for _, u := range tasks[i].Unlocks {
			tasks[u].Wait.Add(1)
		}
	}

	left := 0
	for k := range tasks {
		if tasks[k].Wait.Load() == 0 {
			tid[left] = int32(k)
			left++
		}
	}

	for j, rank := 0, 0; j < nrTasks; rank++ {
		if j == left {
			return eris.Errorf("unsatisfiable task dependencies: %d of %d tasks ranked", left, nrTasks)
		}
		leftOld := left
		for ; j < leftOld; j++ {
			t := &tasks[tid[j]]
			t.Rank = rank
			for _, u := range t.Unlocks {
				if tasks[u].Wait.Add(-1) == 0 {
					tid[left] = u
					left++
				}
			}
		}
	}
	return nil
}

// Order returns the task indices in topological order.
func (s *Scheduler) Order() []int32 { return s.tasksInd[:s.nrTasks] }

// Cost is the estimated local cost of a task not yet measured.
func (s *Scheduler) Cost(t *task.Task) float64 {
	ci, cj := t.Ci, t.Cj
	pairScale := func() float64 {
		alpha := 2.0
		if ci.NodeID != s.NodeID || cj.NodeID != s.NodeID {
			alpha = 3
		}
		if t.Flags < 0 || t.Flags >= len(cell.SIDScale) {
			return alpha
		}
		return alpha * cell.SIDScale[t.Flags]
	}
	switch t.Type {
	case task.TypeSort:
		n := ci.Count()
		return float64(bits.OnesCount(uint(t.Flags))) * float64(n) * float64(bits.Len(uint(n)))
	case task.TypeSelf, task.TypeSubSelf:
		if t.Subtype == task.SubtypeGrav {
			return float64(ci.GCount()) * float64(ci.GCount())
		}
		return float64(ci.Count()) * float64(ci.Count())
	case task.TypePair, task.TypeSubPair:
		if t.Subtype == task.SubtypeGrav {
			return pairScale() * float64(ci.GCount()) * float64(cj.GCount())
		}
		return pairScale() * float64(ci.Count()) * float64(cj.Count())
	case task.TypeGhost, task.TypeExtraGhost:
		if ci == ci.Super {
			return float64(ci.Count())
		}
	case task.TypeKick, task.TypeKickFixdt, task.TypeInit, task.TypeCooling, task.TypeSourceTerms:
		return float64(ci.Count() + ci.GCount())
	case task.TypeGravUp, task.TypeGravExternal:
		return float64(ci.GCount())
	case task.TypeGravMM:
		return float64(ci.GCount())
	}
	return 0
}

// Reweight sets each task's weight to its own cost plus the heaviest chain
// of successors. Measured times are used where available.
func (s *Scheduler) Reweight() {
	start := time.Now()
	order := s.Order()
	for k := len(order) - 1; k >= 0; k-- {
		t := &s.Tasks[order[k]]
		t.Weight = 0
		for _, u := range t.Unlocks {
			t.Weight = max(t.Weight, s.Tasks[u].Weight)
		}
		if !t.Implicit && t.Tic > 0 && t.Toc > t.Tic {
			t.Weight += wscale * float64(t.Toc-t.Tic)
		} else {
			t.Weight += wscale * s.Cost(t)
		}
	}
	slog.Debug("reweight", "tasks", len(order), "took", time.Since(start))
}

// Start resets the wait counters for the given masks and enqueues every task
// that has no active predecessor.
func (s *Scheduler) Start(mask, submask uint32) error {
	s.mask = mask
	s.submask = submask | task.SubtypeNone.Bit()
	tasks := s.Tasks[:s.nrTasks]

	for i := range tasks {
		tasks[i].Wait.Store(1)
		tasks[i].Rid.Store(-1)
	}

	const chunk = 1000
	nChunks := (len(tasks) + chunk - 1) / chunk
	if err := s.mapper(nChunks, func(c int) error {
		for i := c * chunk; i < min((c+1)*chunk, len(tasks)); i++ {
			t := &tasks[i]
			if t.Skip || !t.Eligible(s.mask, s.submask) {
				continue
			}
			if t.Type == task.TypeSort && t.Flags == 0 {
				return eris.Errorf("empty sort task %d", i)
			}
			for _, u := range t.Unlocks {
				tasks[u].Wait.Add(1)
			}
		}
		return nil
	}); err != nil {
		return err
	}

	order := s.Order()
	if err := s.mapper(nChunks, func(c int) error {
		for i := c * chunk; i < min((c+1)*chunk, len(order)); i++ {
			t := &tasks[order[i]]
			if t.Wait.Add(-1) == 0 && !t.Skip && t.Eligible(s.mask, s.submask) {
				if err := s.Enqueue(order[i]); err != nil {
					return err
				}
			}
		}
		return nil
	}); err != nil {
		return err
	}

	s.sleepMu.Lock()
	s.sleepCond.Broadcast()
	s.sleepMu.Unlock()
	return nil
}

// Active reports whether a task runs under the current masks.
func (s *Scheduler) Active(t *task.Task) bool {
	return !t.Skip && t.Eligible(s.mask, s.submask)
}

func superOwner(c *cell.Cell, grav bool) int {
	if c == nil {
		return -1
	}
	sup := c.Super
	if grav {
		sup = c.GSuper
	}
	if sup == nil {
		return -1
	}
	return sup.Owner()
}

// Enqueue puts a ready task on a queue. Implicit tasks release their
// successors at once.
func (s *Scheduler) Enqueue(tid int32) error {
	t := &s.Tasks[tid]
	if !t.Rid.CompareAndSwap(-1, -2) {
		return s.Abort(eris.Errorf("%s/%s task %d enqueued twice", t.Type, t.Subtype, tid))
	}
	if !s.Active(t) {
		return nil
	}

	if t.Implicit {
		for _, u := range t.Unlocks {
			if err := s.release(u); err != nil {
				return err
			}
		}
		return nil
	}

	qid := -1
	switch t.Type {
	case task.TypeSelf, task.TypeSubSelf, task.TypeSort, task.TypeGhost, task.TypeExtraGhost,
		task.TypeKick, task.TypeKickFixdt, task.TypeInit, task.TypeCooling, task.TypeSourceTerms:
		qid = superOwner(t.Ci, t.Subtype == task.SubtypeGrav)
	case task.TypeGravUp, task.TypeGravExternal, task.TypeGravMM:
		qid = superOwner(t.Ci, true)
	case task.TypePair, task.TypeSubPair:
		grav := t.Subtype == task.SubtypeGrav
		qid = superOwner(t.Ci, grav)
		qj := superOwner(t.Cj, grav)
		if qid < 0 || (qj >= 0 && qj < len(s.queues) && s.queues[qid].Count() > s.queues[qj].Count()) {
			qid = qj
		}
	case task.TypeRecv, task.TypeSend:
		if s.poster == nil {
			return s.Abort(eris.Errorf("%s/%s task %d without a transport", t.Type, t.Subtype, tid))
		}
		if err := s.poster.Post(t); err != nil {
			return s.Abort(eris.Wrapf(err, "posting %s/%s task (tag %d)", t.Type, t.Subtype, t.Flags))
		}
		qid = 0
		if t.Type == task.TypeRecv {
			qid = 1 % len(s.queues)
		}
	}
	if qid >= len(s.queues) {
		return s.Abort(eris.Errorf("bad queue %d for %s/%s task", qid, t.Type, t.Subtype))
	}
	if qid < 0 {
		qid = rand.Intn(len(s.queues))
	}

	s.waiting.Add(1)
	s.queues[qid].Insert(tid)
	return nil
}

// release decrements a successor's wait and enqueues it when it reaches 0.
func (s *Scheduler) release(u int32) error {
	res := s.Tasks[u].Wait.Add(-1)
	if res < 0 {
		t := &s.Tasks[u]
		return s.Abort(eris.Errorf("negative wait on %s/%s task %d", t.Type, t.Subtype, u))
	}
	if res == 0 {
		return s.Enqueue(u)
	}
	return nil
}

// Done releases the task's locks and successors and wakes idle runners.
// The caller stamps Toc first.
func (s *Scheduler) Done(tid int32) error {
	t := &s.Tasks[tid]
	if !t.Implicit {
		t.Unlock()
	}
	return s.Unlock(tid)
}

// Unlock releases the successors of a task that took no locks.
func (s *Scheduler) Unlock(tid int32) error {
	t := &s.Tasks[tid]
	for _, u := range t.Unlocks {
		if err := s.release(u); err != nil {
			return err
		}
	}
	if !t.Implicit {
		s.sleepMu.Lock()
		s.waiting.Add(-1)
		s.sleepCond.Broadcast()
		s.sleepMu.Unlock()
	}
	return nil
}

// Waiting is the number of enqueued tasks not yet done.
func (s *Scheduler) Waiting() int { return int(s.waiting.Load()) }

// GetTask returns a locked task for the runner of queue qid, or -1 once the
// step is complete or aborted.
func (s *Scheduler) GetTask(qid int, prev *task.Task, rng *rand.Rand) (int32, error) {
	if qid < 0 || qid >= len(s.queues) {
		return -1, eris.Errorf("bad queue id %d", qid)
	}
	res := int32(-1)
	var err error

	for s.waiting.Load() > 0 && res < 0 && !s.aborted.Load() {
		for tries := 0; res < 0 && s.waiting.Load() > 0 && tries < s.MaxTries; tries++ {
			if q := s.queues[qid]; q.Count() > 0 {
				if res, err = q.GetTask(prev, false); err != nil {
					return -1, s.Abort(err)
				}
				if res >= 0 {
					break
				}
			}

			if s.Flags&FlagSteal != 0 {
				qids := make([]int, 0, len(s.queues))
				for k, q := range s.queues {
					if k != qid && q.Count() > 0 {
						qids = append(qids, k)
					}
				}
				for k := 0; k < s.MaxSteal && len(qids) > 0; k++ {
					ind := rng.Intn(len(qids))
					if res, err = s.queues[qids[ind]].Steal(); err != nil {
						return -1, s.Abort(err)
					}
					if res >= 0 {
						break
					}
					qids[ind] = qids[len(qids)-1]
					qids = qids[:len(qids)-1]
				}
				if res >= 0 {
					break
				}
			}
		}

		if res >= 0 || s.aborted.Load() {
			break
		}
		if qid < s.pollQueues || s.Flags&FlagCPUTight != 0 {
			runtime.Gosched()
			continue
		}
		s.sleepMu.Lock()
		if res, err = s.queues[qid].GetTask(prev, true); err != nil {
			s.sleepMu.Unlock()
			return -1, s.Abort(err)
		}
		if res < 0 && s.waiting.Load() > 0 && !s.aborted.Load() {
			s.sleepCond.Wait()
		}
		s.sleepMu.Unlock()
	}

	if res >= 0 {
		t := &s.Tasks[res]
		t.Tic = s.Now()
		t.Rid.Store(int32(qid))
	}
	return res, nil
}

// Abort records a fatal error and wakes every runner so the step ends. It
// returns the first error recorded.
func (s *Scheduler) Abort(err error) error {
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
	}
	first := s.err
	s.errMu.Unlock()
	s.aborted.Store(true)
	s.sleepMu.Lock()
	s.sleepCond.Broadcast()
	s.sleepMu.Unlock()
	return first
}

// Err is the error recorded by Abort, if any.
func (s *Scheduler) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// ClearWaiting drops the pending-task count and empties the queues after an
// aborted step.
func (s *Scheduler) ClearWaiting() {
	s.waiting.Store(0)
	for _, q := range s.queues {
		q.Reset(s.Tasks)
	}
	s.sleepMu.Lock()
	s.sleepCond.Broadcast()
	s.sleepMu.Unlock()
}

// NrQueues is the number of ready queues.
func (s *Scheduler) NrQueues() int { return len(s.queues) }

// Masks returns the active type and subtype masks.
func (s *Scheduler) Masks() (uint32, uint32) { return s.mask, s.submask }
