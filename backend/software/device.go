// Package software implements a mux device that executes command buffers
// on the host.
//
// Buffers are plain byte slices. Each hardware queue is a driver goroutine
// that runs its command buffers in order; kernel launches are split into
// work-groups that run on a shared worker pool, each work-item calling the
// kernel's host function.
package software

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gogpu/mux/backend"
	"github.com/gogpu/mux/internal/driver"
	"github.com/gogpu/mux/internal/parallel"
	"github.com/gogpu/mux/muxcore"
)

func init() {
	backend.Register(backend.Software, func() (muxcore.Device, error) {
		return New(), nil
	})
}

// ExecHook is called before each command buffer executes with the number
// of recorded operations. A non-nil error fails the command buffer
// without running it.
type ExecHook func(ops int) error

// Option configures a Device.
type Option func(*options)

type options struct {
	name     string
	workers  int
	execHook ExecHook
}

func defaultOptions() options {
	return options{name: "software"}
}

// WithWorkers sets the number of goroutines running kernel work-groups.
// Zero or negative uses GOMAXPROCS.
func WithWorkers(n int) Option {
	return func(o *options) {
		o.workers = n
	}
}

// WithExecHook installs a hook run before every command buffer.
// Tests use it to delay execution or inject device faults.
func WithExecHook(h ExecHook) Option {
	return func(o *options) {
		o.execHook = h
	}
}

// WithName sets the device name reported by Info.
func WithName(name string) Option {
	return func(o *options) {
		o.name = name
	}
}

// Device is a host-executed muxcore.Device.
//
// Thread safety: Device is safe for concurrent use.
type Device struct {
	opts    options
	workers *parallel.WorkerPool
	logger  atomic.Pointer[slog.Logger]

	mu        sync.Mutex
	queues    []*driver.Queue
	destroyed bool

	liveBuffers atomic.Int64
}

var _ muxcore.Device = (*Device)(nil)

// New creates a software device.
func New(opts ...Option) *Device {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	d := &Device{
		opts:    o,
		workers: parallel.NewWorkerPool(o.workers),
	}
	d.logger.Store(slog.New(slog.DiscardHandler))
	return d
}

// SetLogger sets the logger used by the device and its queues.
func (d *Device) SetLogger(l *slog.Logger) {
	if l == nil {
		l = slog.New(slog.DiscardHandler)
	}
	d.logger.Store(l)
}

func (d *Device) slogger() *slog.Logger { return d.logger.Load() }

// Info describes the device.
func (d *Device) Info() muxcore.DeviceInfo {
	return muxcore.DeviceInfo{Name: d.opts.name, Backend: backend.Software}
}

// CreateBuffer allocates a zeroed host buffer.
func (d *Device) CreateBuffer(size uint64) (muxcore.Buffer, error) {
	if size == 0 {
		return nil, fmt.Errorf("software: zero-sized buffer")
	}
	if err := d.checkAlive(); err != nil {
		return nil, err
	}
	d.liveBuffers.Add(1)
	return &Buffer{data: make([]byte, size)}, nil
}

// DestroyBuffer releases a buffer.
func (d *Device) DestroyBuffer(b muxcore.Buffer) {
	if sb, ok := b.(*Buffer); ok && sb.data != nil {
		sb.data = nil
		d.liveBuffers.Add(-1)
	}
}

// CreateCommandBuffer returns an empty command buffer.
func (d *Device) CreateCommandBuffer() (muxcore.CommandBuffer, error) {
	if err := d.checkAlive(); err != nil {
		return nil, err
	}
	return &commandBuffer{dev: d}, nil
}

// DestroyCommandBuffer releases a command buffer.
func (d *Device) DestroyCommandBuffer(cb muxcore.CommandBuffer) {
	if c, ok := cb.(*commandBuffer); ok {
		c.ops = nil
	}
}

// CreateSemaphore returns a host semaphore.
func (d *Device) CreateSemaphore() (muxcore.Semaphore, error) {
	if err := d.checkAlive(); err != nil {
		return nil, err
	}
	return muxcore.NewHostSemaphore(), nil
}

// DestroySemaphore is a no-op; host semaphores are garbage collected.
func (d *Device) DestroySemaphore(muxcore.Semaphore) {}

// CreateFence returns a host fence.
func (d *Device) CreateFence() (muxcore.Fence, error) {
	if err := d.checkAlive(); err != nil {
		return nil, err
	}
	return muxcore.NewHostFence(), nil
}

// DestroyFence is a no-op; host fences are garbage collected.
func (d *Device) DestroyFence(muxcore.Fence) {}

// NewQueue starts a new hardware queue.
func (d *Device) NewQueue() (muxcore.HardwareQueue, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return nil, fmt.Errorf("software: %w", muxcore.ErrDestroyed)
	}
	name := fmt.Sprintf("%s/%d", d.opts.name, len(d.queues))
	q := driver.New(name, d.execute, d.slogger)
	d.queues = append(d.queues, q)
	return q, nil
}

// Destroy stops every queue and the worker pool.
func (d *Device) Destroy() {
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return
	}
	d.destroyed = true
	queues := d.queues
	d.mu.Unlock()

	for _, q := range queues {
		q.Destroy()
	}
	d.workers.Close()
}

// Dispatched returns the number of command buffers submitted to any queue.
func (d *Device) Dispatched() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	var n uint64
	for _, q := range d.queues {
		n += q.Dispatched()
	}
	return n
}

// LiveBuffers returns the number of buffers not yet destroyed.
func (d *Device) LiveBuffers() int64 { return d.liveBuffers.Load() }

func (d *Device) checkAlive() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return fmt.Errorf("software: %w", muxcore.ErrDestroyed)
	}
	return nil
}

// execute runs one command buffer on the calling driver goroutine.
func (d *Device) execute(cb muxcore.CommandBuffer) error {
	c, ok := cb.(*commandBuffer)
	if !ok || c.dev != d {
		return fmt.Errorf("software: command buffer %T: %w", cb, muxcore.ErrForeignHandle)
	}
	if h := d.opts.execHook; h != nil {
		if err := h(len(c.ops)); err != nil {
			return fmt.Errorf("%w: %w", muxcore.ErrExecutionFailed, err)
		}
	}
	for i, op := range c.ops {
		if err := op.run(); err != nil {
			return fmt.Errorf("%w: op %d (%s): %w", muxcore.ErrExecutionFailed, i, op.kind, err)
		}
	}
	d.slogger().Debug("software: executed command buffer", "ops", len(c.ops))
	return nil
}
