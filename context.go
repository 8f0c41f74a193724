package mux

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gammazero/deque"
	"go.uber.org/multierr"

	"github.com/gogpu/mux/internal/arena"
	"github.com/gogpu/mux/internal/gate"
	"github.com/gogpu/mux/internal/pool"
	"github.com/gogpu/mux/muxcore"
)

// Context owns the device resources shared by a set of queues: the
// command buffer, fence and semaphore pools, the table of in-flight
// batches, and the gate holding commands blocked on unresolved events.
//
// Thread safety: Context is safe for concurrent use.
type Context struct {
	dev  muxcore.Device
	opts options

	cmdbufs *pool.Cache[muxcore.CommandBuffer]
	fences  *pool.Cache[muxcore.Fence]
	sems    *pool.Semaphores[muxcore.Semaphore]
	records *arena.Table[*dispatchRecord]
	gate    *gate.Gate[*Event]

	// settle holds executed commands until their wait lists resolve.
	settle *gate.Gate[*Event]

	queueSeq atomic.Uint64

	mu       sync.Mutex
	queues   []*Queue
	released bool
}

// NewContext creates a context on dev. The caller keeps ownership of dev
// and must destroy it after releasing the context.
func NewContext(dev muxcore.Device, opts ...Option) (*Context, error) {
	if dev == nil {
		return nil, fmt.Errorf("%w: nil device", ErrInvalidValue)
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	c := &Context{
		dev:     dev,
		opts:    o,
		records: arena.New[*dispatchRecord](64),
	}
	c.cmdbufs = pool.NewCache(pool.Config[muxcore.CommandBuffer]{
		Name:      "command-buffers",
		Create:    dev.CreateCommandBuffer,
		Reset:     func(cb muxcore.CommandBuffer) error { return cb.Reset() },
		Destroy:   dev.DestroyCommandBuffer,
		MaxCached: o.cmdbufCache,
		MaxLive:   o.maxCmdbufs,
	})
	c.fences = pool.NewCache(pool.Config[muxcore.Fence]{
		Name:      "fences",
		Create:    dev.CreateFence,
		Reset:     func(f muxcore.Fence) error { return f.Reset() },
		Destroy:   dev.DestroyFence,
		MaxCached: o.fenceCache,
		MaxLive:   o.maxFences,
	})
	c.sems = pool.NewSemaphores(pool.Config[muxcore.Semaphore]{
		Name:      "semaphores",
		Create:    dev.CreateSemaphore,
		Reset:     func(s muxcore.Semaphore) error { return s.Reset() },
		Destroy:   dev.DestroySemaphore,
		MaxCached: o.semCache,
		MaxLive:   o.maxSems,
	})
	c.gate = gate.New(func(ev *Event) (bool, error) { return ev.state() })
	c.settle = gate.New(func(ev *Event) (bool, error) { return ev.outcome() })

	if o.metrics {
		initMetrics()
	}
	trackContext(c)
	info := dev.Info()
	Logger().Info("mux: context created", "device", info.Name, "backend", info.Backend)
	return c, nil
}

// Device returns the device the context was created on.
func (c *Context) Device() muxcore.Device { return c.dev }

// NewQueue creates a queue backed by a new hardware queue.
func (c *Context) NewQueue(opts ...QueueOption) (*Queue, error) {
	var o queueOptions
	for _, opt := range opts {
		opt(&o)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return nil, fmt.Errorf("context: %w", ErrReleased)
	}
	hw, err := c.dev.NewQueue()
	if err != nil {
		return nil, resourceError("hardware queue", err)
	}

	seq := c.queueSeq.Add(1)
	if o.label == "" {
		o.label = fmt.Sprintf("queue-%d", seq)
	}
	q := &Queue{
		ctx:         c,
		hw:          hw,
		label:       o.label,
		outOfOrder:  o.outOfOrder,
		profiling:   o.profiling,
		pending:     deque.New[*dispatchRecord](0, 16),
		running:     make(map[arena.ID]*dispatchRecord),
		outstanding: make(map[*Event]struct{}),
	}
	c.queues = append(c.queues, q)
	Logger().Info("mux: queue created", "queue", q.label, "out_of_order", q.outOfOrder)
	return q, nil
}

// NewUserEvent creates an event resolved by Complete or Fail. Commands
// waiting on it are held back until then.
func (c *Context) NewUserEvent() *Event {
	ev := newEvent(c, nil, KindUser)
	ev.user = true
	ev.status = StatusSubmitted
	return ev
}

// PoolStats describes one handle pool.
type PoolStats struct {
	InUse     int
	Cached    int
	Live      int
	Created   uint64
	Destroyed uint64
	Hits      uint64
	Misses    uint64
}

func poolStats(s pool.Stats) PoolStats {
	return PoolStats{
		InUse:     s.InUse,
		Cached:    s.Cached,
		Live:      s.Live,
		Created:   s.Created,
		Destroyed: s.Destroyed,
		Hits:      s.Hits,
		Misses:    s.Misses,
	}
}

// Stats is a snapshot of a context's resource usage.
type Stats struct {
	CommandBuffers PoolStats
	Fences         PoolStats
	Semaphores     PoolStats

	// Batches is the number of batches recorded but not yet reclaimed.
	Batches int

	// Gated is the number of commands held back by unresolved events.
	Gated int
}

func (s Stats) String() string {
	return fmt.Sprintf("Stats[cmdbufs %d/%d, fences %d/%d, sems %d/%d in use/live, %d batches, %d gated]",
		s.CommandBuffers.InUse, s.CommandBuffers.Live,
		s.Fences.InUse, s.Fences.Live,
		s.Semaphores.InUse, s.Semaphores.Live,
		s.Batches, s.Gated)
}

// Stats returns current resource usage.
func (c *Context) Stats() Stats {
	return Stats{
		CommandBuffers: poolStats(c.cmdbufs.Stats()),
		Fences:         poolStats(c.fences.Stats()),
		Semaphores:     poolStats(c.sems.Stats()),
		Batches:        c.records.Len(),
		Gated:          c.gate.Len(),
	}
}

// Release fails commands still held in the gate with ErrReleased,
// finishes and releases every queue, and frees pooled handles. It does
// not destroy the device. Nothing can be created on c afterwards.
func (c *Context) Release(ctx context.Context) error {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return nil
	}
	c.released = true
	queues := append([]*Queue(nil), c.queues...)
	c.mu.Unlock()

	c.gate.DropAll(fmt.Errorf("context: %w", ErrReleased))

	var errs error
	for _, q := range queues {
		errs = multierr.Append(errs, q.Release(ctx))
	}
	if errs != nil {
		return errs
	}

	c.cmdbufs.Close()
	c.fences.Close()
	c.sems.Close()
	untrackContext(c)
	Logger().Info("mux: context released", "device", c.dev.Info().Name)
	return nil
}

func (c *Context) checkAlive() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return fmt.Errorf("context: %w", ErrReleased)
	}
	return nil
}

func (c *Context) removeQueue(q *Queue) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, o := range c.queues {
		if o == q {
			c.queues = append(c.queues[:i], c.queues[i+1:]...)
			return
		}
	}
}

// reclaim polls every queue for finished batches. Submit calls it once
// before giving up on an exhausted pool.
func (c *Context) reclaim() {
	c.mu.Lock()
	queues := append([]*Queue(nil), c.queues...)
	c.mu.Unlock()

	n := 0
	for _, q := range queues {
		n += q.CleanupCompletedCommandBuffers()
	}
	Logger().Debug("mux: reclaimed completed batches", "batches", n)
}
