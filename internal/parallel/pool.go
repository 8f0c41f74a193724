// Package parallel runs kernel work-groups across a fixed set of goroutines.
package parallel

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned when submitting work to a closed pool.
var ErrClosed = errors.New("parallel: pool closed")

// Task is one unit of work, typically a kernel work-group.
type Task func() error

// WorkerPool executes tasks on a fixed number of goroutines.
//
// Each worker owns a queue. Tasks are spread round-robin across queues and
// an idle worker steals from its peers, so one slow work-group does not
// hold back the rest of a launch.
//
// Thread safety: WorkerPool is safe for concurrent use. Run must not be
// called from inside a task or concurrently with Close.
type WorkerPool struct {
	workers int
	queues  []chan func()
	done    chan struct{}
	wg      sync.WaitGroup
	running atomic.Bool

	executed atomic.Uint64
}

// NewWorkerPool starts a pool with the given number of workers.
// If workers is 0 or negative, GOMAXPROCS is used.
func NewWorkerPool(workers int) *WorkerPool {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	depth := max(workers*4, 8)

	p := &WorkerPool{
		workers: workers,
		queues:  make([]chan func(), workers),
		done:    make(chan struct{}),
	}
	for i := range workers {
		p.queues[i] = make(chan func(), depth)
	}
	p.running.Store(true)

	p.wg.Add(workers)
	for i := range workers {
		go p.worker(i)
	}
	return p
}

func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()
	own := p.queues[id]
	for {
		select {
		case <-p.done:
			p.drain(own)
			return
		case fn := <-own:
			fn()
			continue
		default:
		}

		if fn := p.steal(id); fn != nil {
			fn()
			continue
		}

		select {
		case <-p.done:
			p.drain(own)
			return
		case fn := <-own:
			fn()
		}
	}
}

func (p *WorkerPool) drain(q chan func()) {
	for {
		select {
		case fn := <-q:
			fn()
		default:
			return
		}
	}
}

func (p *WorkerPool) steal(self int) func() {
	for i := range p.workers {
		if i == self {
			continue
		}
		select {
		case fn := <-p.queues[i]:
			return fn
		default:
		}
	}
	return nil
}

// Run executes every task and waits for all of them. It returns the first
// error reported by a task; remaining tasks still run.
func (p *WorkerPool) Run(tasks []Task) error {
	if len(tasks) == 0 {
		return nil
	}
	if !p.running.Load() {
		return ErrClosed
	}

	var (
		wg       sync.WaitGroup
		once     sync.Once
		firstErr error
	)
	wg.Add(len(tasks))
	for i, task := range tasks {
		fn := func() {
			defer wg.Done()
			if err := task(); err != nil {
				once.Do(func() { firstErr = err })
			}
			p.executed.Add(1)
		}
		select {
		case p.queues[i%p.workers] <- fn:
		case <-p.done:
			// Closing: run inline so the launch still finishes.
			fn()
		}
	}
	wg.Wait()
	return firstErr
}

// Close stops the workers after the queued tasks have run.
// Close is safe to call multiple times.
func (p *WorkerPool) Close() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	close(p.done)
	p.wg.Wait()
}

// Workers returns the number of workers.
func (p *WorkerPool) Workers() int { return p.workers }

// IsRunning reports whether the pool accepts work.
func (p *WorkerPool) IsRunning() bool { return p.running.Load() }

// Executed returns the number of tasks run since the pool started.
func (p *WorkerPool) Executed() uint64 { return p.executed.Load() }
