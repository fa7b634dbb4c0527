package engine

import (
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/pthm-cable/sphtasks/runner"
)

// runnerPool keeps one goroutine per runner alive for the whole run. A step
// releases every runner once and waits until all of them report back.
type runnerPool struct {
	runners []*runner.Runner

	// Worker pool channels
	workChans []chan struct{} // one release per runner and step
	doneChan  chan error      // runners report the end of their step
	stopChan  chan struct{}   // signals runners to exit
	wg        sync.WaitGroup  // tracks active runners
	running   bool            // true if runners are running
}

func newRunnerPool(runners []*runner.Runner) *runnerPool {
	return &runnerPool{runners: runners}
}

// start launches the persistent runner goroutines.
func (p *runnerPool) start() {
	if p.running {
		return
	}

	p.workChans = make([]chan struct{}, len(p.runners))
	p.doneChan = make(chan error, len(p.runners))
	p.stopChan = make(chan struct{})
	p.running = true

	for i, r := range p.runners {
		p.workChans[i] = make(chan struct{}, 1)
		p.wg.Add(1)
		go p.worker(r, p.workChans[i])
	}
}

// stop signals all runners to exit and waits for them.
func (p *runnerPool) stop() {
	if !p.running {
		return
	}

	close(p.stopChan)
	p.wg.Wait()
	close(p.doneChan)
	p.running = false
}

// worker runs in a goroutine, serving one step per release until stopped.
func (p *runnerPool) worker(r *runner.Runner, work <-chan struct{}) {
	defer p.wg.Done()

	if err := r.Pin(); err != nil {
		slog.Warn("runner not pinned", "runner", r.ID, "cpu", r.CPU, "error", err)
		r.CPU = -1
	}
	defer r.Unpin()

	for {
		select {
		case <-p.stopChan:
			return
		case <-work:
			p.doneChan <- r.Run()
		}
	}
}

// launch releases every runner for one step and waits for all of them. It
// returns the first runner error.
func (p *runnerPool) launch() error {
	p.start()
	for _, w := range p.workChans {
		w <- struct{}{}
	}
	var first error
	for range p.runners {
		if err := <-p.doneChan; err != nil && first == nil {
			first = err
		}
	}
	return first
}

// mapper runs fn over [0, n) on at most limit goroutines. It serves the
// space rebuild, the graph split, the scheduler start and the drift.
func mapper(limit int) func(n int, fn func(i int) error) error {
	return func(n int, fn func(i int) error) error {
		if limit <= 1 || n <= 1 {
			for i := 0; i < n; i++ {
				if err := fn(i); err != nil {
					return err
				}
			}
			return nil
		}
		var g errgroup.Group
		g.SetLimit(limit)
		for i := 0; i < n; i++ {
			g.Go(func() error { return fn(i) })
		}
		return g.Wait()
	}
}
