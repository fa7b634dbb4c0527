// Package queue implements the per-runner ready queues: a max-heap of task
// indices ordered by weight, fed through an incoming buffer.
package queue

import (
	"sync"
	"sync/atomic"

	"github.com/pthm-cable/sphtasks/task"
)

// Queue holds ready task indices. Insert never blocks on the heap lock.
type Queue struct {
	mu    sync.Mutex
	tasks []task.Task
	heap  []int32

	inMu          sync.Mutex
	incoming      []int32
	countIncoming atomic.Int32

	window int
}

// New creates a queue over the scheduler's task array. window is the number
// of ready entries scanned for the best-overlap task.
func New(tasks []task.Task, window int) *Queue {
	return &Queue{tasks: tasks, window: max(window, 1)}
}

// Reset empties the queue and points it at a new task array.
func (q *Queue) Reset(tasks []task.Task) {
	q.mu.Lock()
	q.inMu.Lock()
	q.tasks = tasks
	q.heap = q.heap[:0]
	q.incoming = q.incoming[:0]
	q.countIncoming.Store(0)
	q.inMu.Unlock()
	q.mu.Unlock()
}

// Insert adds a ready task.
func (q *Queue) Insert(tid int32) {
	q.inMu.Lock()
	q.incoming = append(q.incoming, tid)
	q.countIncoming.Add(1)
	q.inMu.Unlock()
}

// Count is the number of tasks held, ready or incoming.
func (q *Queue) Count() int {
	q.mu.Lock()
	n := len(q.heap)
	q.mu.Unlock()
	return n + int(q.countIncoming.Load())
}

// drain moves incoming tasks into the heap. Caller holds q.mu.
func (q *Queue) drain() {
	if q.countIncoming.Load() == 0 {
		return
	}
	q.inMu.Lock()
	for _, tid := range q.incoming {
		q.heap = append(q.heap, tid)
		q.siftUp(len(q.heap) - 1)
	}
	q.incoming = q.incoming[:0]
	q.countIncoming.Store(0)
	q.inMu.Unlock()
}

func (q *Queue) weight(i int) float64 { return q.tasks[q.heap[i]].Weight }

func (q *Queue) siftUp(i int) {
	for i > 0 {
		parent := (i - 1) / 2
		if q.weight(parent) >= q.weight(i) {
			return
		}
		q.heap[parent], q.heap[i] = q.heap[i], q.heap[parent]
		i = parent
	}
}

func (q *Queue) siftDown(i int) {
	n := len(q.heap)
	for {
		largest := i
		l, r := 2*i+1, 2*i+2
		if l < n && q.weight(l) > q.weight(largest) {
			largest = l
		}
		if r < n && q.weight(r) > q.weight(largest) {
			largest = r
		}
		if largest == i {
			return
		}
		q.heap[largest], q.heap[i] = q.heap[i], q.heap[largest]
		i = largest
	}
}

// remove takes entry i out of the heap.
func (q *Queue) remove(i int) {
	last := len(q.heap) - 1
	if i != last {
		q.heap[i] = q.heap[last]
	}
	q.heap = q.heap[:last]
	if i < last {
		q.siftDown(i)
		q.siftUp(i)
	}
}

type candidate struct {
	ind   int
	score float64
}

// GetTask removes and returns a task whose locks were taken, preferring
// among the first ready entries the one sharing most data with prev. With
// blocking unset it gives up at once if the queue is busy. It returns -1 if
// nothing could be locked.
func (q *Queue) GetTask(prev *task.Task, blocking bool) (int32, error) {
	if blocking {
		q.mu.Lock()
	} else if !q.mu.TryLock() {
		return -1, nil
	}
	defer q.mu.Unlock()

	q.drain()
	if len(q.heap) == 0 {
		return -1, nil
	}

	window := make([]candidate, 0, q.window)
	best := func() int {
		b := 0
		for i := 1; i < len(window); i++ {
			if window[i].score > window[b].score {
				b = i
			}
		}
		return b
	}

	ind := -1
	for k := 0; k < len(q.heap) && ind < 0; k++ {
		score := task.Overlap(prev, &q.tasks[q.heap[k]])
		if len(window) < q.window {
			window = append(window, candidate{ind: k, score: score})
			continue
		}
		b := best()
		ok, err := q.tasks[q.heap[window[b].ind]].Lock()
		if err != nil {
			return -1, err
		}
		if ok {
			ind = window[b].ind
			break
		}
		window[b] = candidate{ind: k, score: score}
	}
	for len(window) > 0 && ind < 0 {
		b := best()
		ok, err := q.tasks[q.heap[window[b].ind]].Lock()
		if err != nil {
			return -1, err
		}
		if ok {
			ind = window[b].ind
			break
		}
		window[b] = window[len(window)-1]
		window = window[:len(window)-1]
	}
	if ind < 0 {
		return -1, nil
	}

	tid := q.heap[ind]
	q.remove(ind)
	return tid, nil
}

// Steal takes the first lockable task scanning from the tail of the ready
// entries. It never waits for the queue lock.
func (q *Queue) Steal() (int32, error) {
	if !q.mu.TryLock() {
		return -1, nil
	}
	defer q.mu.Unlock()

	q.drain()
	for k := len(q.heap) - 1; k >= 0; k-- {
		ok, err := q.tasks[q.heap[k]].Lock()
		if err != nil {
			return -1, err
		}
		if ok {
			tid := q.heap[k]
			q.remove(k)
			return tid, nil
		}
	}
	return -1, nil
}
