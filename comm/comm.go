// Package comm is the in-process message layer between ranks: tagged
// point-to-point messages with non-blocking requests, and collectives.
package comm

import (
	"fmt"
	"slices"
	"sync"

	"github.com/rotisserie/eris"
)

// Op is a reduction operator.
type Op int8

const (
	Sum Op = iota
	Min
	Max
)

func (op Op) apply(a, b float64) float64 {
	switch op {
	case Min:
		return min(a, b)
	case Max:
		return max(a, b)
	}
	return a + b
}

type mailboxKey struct {
	src, dst, tag int
}

// World connects a fixed number of ranks.
type World struct {
	size int

	mu      sync.Mutex
	cond    *sync.Cond
	version uint64
	boxes   map[mailboxKey][]any

	cmu     sync.Mutex
	ccond   *sync.Cond
	gen     uint64
	arrived int
	acc     []float64
	result  []float64
	accErr  error
	resErr  error

	// Set by Abort; guarded by mu and cmu respectively.
	abortP2P  error
	abortColl error
}

// NewWorld creates a world of size ranks.
func NewWorld(size int) *World {
	w := &World{size: max(size, 1), boxes: make(map[mailboxKey][]any)}
	w.cond = sync.NewCond(&w.mu)
	w.ccond = sync.NewCond(&w.cmu)
	return w
}

// Size is the number of ranks.
func (w *World) Size() int { return w.size }

// Comm returns the endpoint of a rank.
func (w *World) Comm(rank int) *Comm { return &Comm{w: w, rank: rank} }

// Comm is one rank's view of the world.
type Comm struct {
	w    *World
	rank int
}

// Rank is this endpoint's rank.
func (c *Comm) Rank() int { return c.rank }

// Size is the number of ranks.
func (c *Comm) Size() int { return c.w.size }

// Request is an outstanding point-to-point operation.
type Request struct {
	w    *World
	done bool
	test func() (bool, error)
}

// Test reports whether the operation completed. It never blocks.
func (r *Request) Test() (bool, error) {
	if r.done {
		return true, nil
	}
	ok, err := r.test()
	if err != nil {
		return false, err
	}
	r.done = ok
	return ok, nil
}

// Wait blocks until the operation completes or the world is aborted.
func (r *Request) Wait() error {
	w := r.w
	for {
		w.mu.Lock()
		seen, aborted := w.version, w.abortP2P
		w.mu.Unlock()
		if aborted != nil {
			return eris.Wrap(aborted, "world aborted")
		}

		ok, err := r.Test()
		if err != nil || ok {
			return err
		}

		w.mu.Lock()
		for w.version == seen && w.abortP2P == nil {
			w.cond.Wait()
		}
		w.mu.Unlock()
	}
}

// Abort fails every blocked and future Wait and AllReduce of the world with
// err. A rank that cannot continue calls it so that its peers do not wait
// for it forever.
func (w *World) Abort(err error) {
	if err == nil {
		err = eris.New("aborted")
	}
	w.mu.Lock()
	if w.abortP2P == nil {
		w.abortP2P = err
	}
	w.version++
	w.cond.Broadcast()
	w.mu.Unlock()

	w.cmu.Lock()
	if w.abortColl == nil {
		w.abortColl = err
	}
	w.ccond.Broadcast()
	w.cmu.Unlock()
}

// WaitAll waits for every request.
func WaitAll(reqs []*Request) error {
	for _, r := range reqs {
		if err := r.Wait(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Comm) checkPeer(peer int) error {
	if peer < 0 || peer >= c.w.size {
		return eris.Errorf("rank %d: no peer %d in a world of %d", c.rank, peer, c.w.size)
	}
	return nil
}

// Isend posts a copy of data to rank dst. The returned request is already
// complete since the data is buffered.
func Isend[T any](c *Comm, dst, tag int, data []T) (*Request, error) {
	if err := c.checkPeer(dst); err != nil {
		return nil, err
	}
	w := c.w
	key := mailboxKey{src: c.rank, dst: dst, tag: tag}
	w.mu.Lock()
	w.boxes[key] = append(w.boxes[key], slices.Clone(data))
	w.version++
	w.cond.Broadcast()
	w.mu.Unlock()
	return &Request{w: w, done: true}, nil
}

// IsendDeferred posts a send to rank dst whose payload is copied from data
// when the request is first tested. The caller keeps data stable during that
// test only.
func IsendDeferred[T any](c *Comm, dst, tag int, data []T) (*Request, error) {
	if err := c.checkPeer(dst); err != nil {
		return nil, err
	}
	w := c.w
	key := mailboxKey{src: c.rank, dst: dst, tag: tag}
	return &Request{w: w, test: func() (bool, error) {
		msg := slices.Clone(data)
		w.mu.Lock()
		w.boxes[key] = append(w.boxes[key], msg)
		w.version++
		w.cond.Broadcast()
		w.mu.Unlock()
		return true, nil
	}}, nil
}

// Irecv posts a receive from rank src into dst, which must have exactly the
// length of the message.
func Irecv[T any](c *Comm, src, tag int, dst []T) (*Request, error) {
	if err := c.checkPeer(src); err != nil {
		return nil, err
	}
	w := c.w
	key := mailboxKey{src: src, dst: c.rank, tag: tag}
	return &Request{w: w, test: func() (bool, error) {
		w.mu.Lock()
		defer w.mu.Unlock()
		queue := w.boxes[key]
		if len(queue) == 0 {
			return false, nil
		}
		msg, ok := queue[0].([]T)
		if !ok {
			return false, eris.Errorf("rank %d: message from %d tag %d is %T, want %T", c.rank, src, tag, queue[0], dst)
		}
		if len(msg) != len(dst) {
			return false, eris.Errorf("rank %d: message from %d tag %d has %d elements, want %d", c.rank, src, tag, len(msg), len(dst))
		}
		copy(dst, msg)
		if len(queue) == 1 {
			delete(w.boxes, key)
		} else {
			w.boxes[key] = queue[1:]
		}
		return true, nil
	}}, nil
}

// IrecvAny posts a receive of a message of unknown length from src. The
// payload is available from the returned slot once the request completes.
func IrecvAny[T any](c *Comm, src, tag int) (*Request, *[]T, error) {
	if err := c.checkPeer(src); err != nil {
		return nil, nil, err
	}
	w := c.w
	key := mailboxKey{src: src, dst: c.rank, tag: tag}
	out := new([]T)
	return &Request{w: w, test: func() (bool, error) {
		w.mu.Lock()
		defer w.mu.Unlock()
		queue := w.boxes[key]
		if len(queue) == 0 {
			return false, nil
		}
		msg, ok := queue[0].([]T)
		if !ok {
			return false, eris.Errorf("rank %d: message from %d tag %d is %T, want %T", c.rank, src, tag, queue[0], *out)
		}
		*out = msg
		if len(queue) == 1 {
			delete(w.boxes, key)
		} else {
			w.boxes[key] = queue[1:]
		}
		return true, nil
	}}, out, nil
}

// Pending is the number of undelivered messages in the world.
func (w *World) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, q := range w.boxes {
		n += len(q)
	}
	return n
}

// AllReduce combines vals element-wise across every rank. Every rank must
// call it with the same length.
func (c *Comm) AllReduce(vals []float64, op Op) ([]float64, error) {
	w := c.w
	w.cmu.Lock()
	defer w.cmu.Unlock()
	if w.abortColl != nil {
		return nil, eris.Wrap(w.abortColl, "world aborted")
	}

	gen := w.gen
	if w.arrived == 0 {
		w.acc = slices.Clone(vals)
		w.accErr = nil
	} else if len(vals) != len(w.acc) {
		w.accErr = fmt.Errorf("rank %d reduced %d values, others %d", c.rank, len(vals), len(w.acc))
	} else {
		for i, v := range vals {
			w.acc[i] = op.apply(w.acc[i], v)
		}
	}
	w.arrived++

	if w.arrived == w.size {
		w.result, w.acc = w.acc, nil
		w.resErr = w.accErr
		w.arrived = 0
		w.gen++
		w.ccond.Broadcast()
	} else {
		for w.gen == gen && w.abortColl == nil {
			w.ccond.Wait()
		}
		if w.gen == gen {
			return nil, eris.Wrap(w.abortColl, "world aborted")
		}
	}
	if w.resErr != nil {
		return nil, eris.Wrap(w.resErr, "all-reduce")
	}
	return slices.Clone(w.result), nil
}

// AllReduceFloat reduces one value.
func (c *Comm) AllReduceFloat(v float64, op Op) (float64, error) {
	out, err := c.AllReduce([]float64{v}, op)
	if err != nil {
		return 0, err
	}
	return out[0], nil
}

// AllReduceInt reduces one integer. Values must fit a float64 mantissa.
func (c *Comm) AllReduceInt(v int, op Op) (int, error) {
	out, err := c.AllReduceFloat(float64(v), op)
	return int(out), err
}

// Barrier waits for every rank.
func (c *Comm) Barrier() error {
	_, err := c.AllReduce(nil, Sum)
	return err
}
