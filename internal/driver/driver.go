// Package driver implements the asynchronous submission loop shared by the
// mux backends.
//
// Dispatch hands a submission to an unbounded ring so callers never block
// on execution. A single goroutine per queue drains the ring in order:
//
//	Dispatch ──► ring ──► wait semaphores ──► OnStart ──► exec
//	                                                        │
//	             OnComplete ◄── fence ◄── signal semaphores ◄┘
//
// Backends supply only the exec function that runs a command buffer.
package driver

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/channels"

	"github.com/gogpu/mux/muxcore"
)

// ExecFunc runs one command buffer to completion.
type ExecFunc func(cb muxcore.CommandBuffer) error

// Queue is a muxcore.HardwareQueue that executes command buffers with an
// ExecFunc on its own goroutine. Semaphores and fences must be the host
// implementations from muxcore.
//
// Thread safety: Queue is safe for concurrent use.
type Queue struct {
	name   string
	exec   ExecFunc
	logger func() *slog.Logger

	ring *channels.InfiniteChannel
	done chan struct{}

	mu        sync.Mutex
	idle      *sync.Cond
	inflight  int
	destroyed bool

	dispatched atomic.Uint64
	completed  atomic.Uint64
}

var _ muxcore.HardwareQueue = (*Queue)(nil)

// New starts a queue. logger may be nil.
func New(name string, exec ExecFunc, logger func() *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default
	}
	q := &Queue{
		name:   name,
		exec:   exec,
		logger: logger,
		ring:   channels.NewInfiniteChannel(),
		done:   make(chan struct{}),
	}
	q.idle = sync.NewCond(&q.mu)
	go q.run()
	return q
}

// Dispatch queues d for execution.
func (q *Queue) Dispatch(d muxcore.Dispatch) error {
	if d.CommandBuffer == nil {
		return fmt.Errorf("driver %s: nil command buffer", q.name)
	}
	if d.Fence != nil {
		if _, ok := d.Fence.(*muxcore.HostFence); !ok {
			return fmt.Errorf("driver %s: fence %T: %w", q.name, d.Fence, muxcore.ErrForeignHandle)
		}
	}
	for _, s := range append(d.Wait[:len(d.Wait):len(d.Wait)], d.Signal...) {
		if _, ok := s.(*muxcore.HostSemaphore); !ok {
			return fmt.Errorf("driver %s: semaphore %T: %w", q.name, s, muxcore.ErrForeignHandle)
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.destroyed {
		return fmt.Errorf("driver %s: %w", q.name, muxcore.ErrDestroyed)
	}
	q.inflight++
	q.dispatched.Add(1)
	q.ring.In() <- d
	return nil
}

// TryWait waits for a fence created by a muxcore host device.
func (q *Queue) TryWait(f muxcore.Fence, timeout time.Duration) (bool, error) {
	hf, ok := f.(*muxcore.HostFence)
	if !ok {
		return false, fmt.Errorf("driver %s: fence %T: %w", q.name, f, muxcore.ErrForeignHandle)
	}
	return hf.Wait(timeout)
}

// WaitAll blocks until every dispatched command buffer has completed and
// its completion callback has returned.
func (q *Queue) WaitAll() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.inflight > 0 {
		q.idle.Wait()
	}
	return nil
}

// Destroy rejects new work, waits for in-flight work and stops the loop.
// Destroy is safe to call multiple times.
func (q *Queue) Destroy() {
	q.mu.Lock()
	if q.destroyed {
		q.mu.Unlock()
		return
	}
	q.destroyed = true
	for q.inflight > 0 {
		q.idle.Wait()
	}
	q.mu.Unlock()

	q.ring.Close()
	<-q.done
}

// Dispatched returns the number of command buffers accepted so far.
func (q *Queue) Dispatched() uint64 { return q.dispatched.Load() }

// Completed returns the number of command buffers that finished executing.
func (q *Queue) Completed() uint64 { return q.completed.Load() }

func (q *Queue) run() {
	defer close(q.done)
	for v := range q.ring.Out() {
		d, ok := v.(muxcore.Dispatch)
		if !ok {
			continue
		}
		q.execute(d)
	}
}

func (q *Queue) execute(d muxcore.Dispatch) {
	for _, s := range d.Wait {
		<-s.(*muxcore.HostSemaphore).Done()
	}

	if d.OnStart != nil {
		d.OnStart()
	}

	err := q.exec(d.CommandBuffer)
	if err != nil {
		q.logger().Warn("driver: command buffer failed",
			"queue", q.name, "ops", d.CommandBuffer.Len(), "error", err)
	}

	// Semaphores before the fence: once the fence is observed the
	// scheduler may recycle every handle of this dispatch.
	for _, s := range d.Signal {
		s.Signal()
	}
	if d.Fence != nil {
		d.Fence.(*muxcore.HostFence).Signal(err)
	}
	q.completed.Add(1)

	if d.OnComplete != nil {
		d.OnComplete(err)
	}

	q.mu.Lock()
	q.inflight--
	if q.inflight == 0 {
		q.idle.Broadcast()
	}
	q.mu.Unlock()
}
