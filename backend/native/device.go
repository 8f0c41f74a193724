package native

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"

	"github.com/gogpu/mux/backend"
	"github.com/gogpu/mux/internal/driver"
	"github.com/gogpu/mux/muxcore"
)

func init() {
	backend.Register(backend.Noop, func() (muxcore.Device, error) {
		return OpenNoop()
	})
}

// Option configures a Device.
type Option func(*options)

type options struct {
	name         string
	fenceTimeout time.Duration
	pollInitial  time.Duration
	pollMax      time.Duration
}

func defaultOptions() options {
	return options{
		fenceTimeout: 5 * time.Second,
		pollInitial:  50 * time.Microsecond,
		pollMax:      5 * time.Millisecond,
	}
}

// WithFenceTimeout bounds how long one submission may run before its
// command buffer fails with ErrFenceTimeout. Default: 5s.
func WithFenceTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.fenceTimeout = d
		}
	}
}

// WithPollInterval sets the initial and maximum interval of the
// exponential fence poll.
func WithPollInterval(initial, maxInterval time.Duration) Option {
	return func(o *options) {
		if initial > 0 {
			o.pollInitial = initial
		}
		if maxInterval >= o.pollInitial {
			o.pollMax = maxInterval
		}
	}
}

// WithName overrides the device name reported by Info.
func WithName(name string) Option {
	return func(o *options) {
		o.name = name
	}
}

// instanceCreator is the part of a HAL backend Open needs.
type instanceCreator interface {
	CreateInstance(desc *hal.InstanceDescriptor) (hal.Instance, error)
}

// Device is a muxcore.Device on a HAL device.
//
// Thread safety: Device is safe for concurrent use.
type Device struct {
	opts      options
	backend   string
	instance  hal.Instance
	device    hal.Device
	queue     hal.Queue
	owned     bool
	pipelines *pipelineCache
	logger    atomic.Pointer[slog.Logger]

	// submitMu serializes use of the HAL queue across driver goroutines.
	submitMu sync.Mutex

	mu        sync.Mutex
	queues    []*driver.Queue
	destroyed bool

	liveBuffers atomic.Int64
	submits     atomic.Uint64
}

var _ muxcore.Device = (*Device)(nil)

// OpenNoop opens a device on the no-op HAL backend. Submissions complete
// immediately and buffer contents are not computed; it exercises the
// scheduling path without a GPU.
func OpenNoop(opts ...Option) (*Device, error) {
	return openAdapter(&noop.API{}, backend.Noop, opts)
}

// NewFromProvider wraps the HAL device and queue of a host application.
// The provider keeps ownership: Destroy releases only what this package
// created. provider must expose HalDevice() and HalQueue().
func NewFromProvider(provider gpucontext.DeviceProvider, opts ...Option) (*Device, error) {
	type halProvider interface {
		HalDevice() any
		HalQueue() any
	}
	hp, ok := provider.(halProvider)
	if !ok {
		return nil, ErrNotHALProvider
	}
	device, ok := hp.HalDevice().(hal.Device)
	if !ok || device == nil {
		return nil, fmt.Errorf("%w: HalDevice is %T", ErrNotHALProvider, hp.HalDevice())
	}
	queue, ok := hp.HalQueue().(hal.Queue)
	if !ok || queue == nil {
		return nil, fmt.Errorf("%w: HalQueue is %T", ErrNotHALProvider, hp.HalQueue())
	}
	d := newDevice(device, queue, "shared", buildOptions(opts))
	if d.opts.name == "" {
		d.opts.name = "shared"
	}
	return d, nil
}

func buildOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func newDevice(device hal.Device, queue hal.Queue, backendName string, o options) *Device {
	d := &Device{
		opts:      o,
		backend:   backendName,
		device:    device,
		queue:     queue,
		pipelines: newPipelineCache(),
	}
	d.logger.Store(slog.New(slog.DiscardHandler))
	return d
}

// openAdapter creates an instance on api and opens its preferred adapter.
func openAdapter(api instanceCreator, backendName string, opts []Option) (*Device, error) {
	instance, err := api.CreateInstance(&hal.InstanceDescriptor{Flags: 0})
	if err != nil {
		return nil, fmt.Errorf("native %s: create instance: %w", backendName, err)
	}
	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		return nil, fmt.Errorf("native %s: %w", backendName, ErrNoAdapter)
	}

	selected := &adapters[0]
	for i := range adapters {
		if adapters[i].Info.DeviceType == gputypes.DeviceTypeDiscreteGPU ||
			adapters[i].Info.DeviceType == gputypes.DeviceTypeIntegratedGPU {
			selected = &adapters[i]
			break
		}
	}

	openDev, err := selected.Adapter.Open(gputypes.Features(0), gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		return nil, fmt.Errorf("native %s: open device: %w", backendName, err)
	}

	o := buildOptions(opts)
	if o.name == "" {
		o.name = selected.Info.Name
	}
	d := newDevice(openDev.Device, openDev.Queue, backendName, o)
	d.instance = instance
	d.owned = true
	d.slogger().Info("native: device opened", "backend", backendName, "adapter", selected.Info.Name)
	return d, nil
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
	return muxcore.DeviceInfo{Name: d.opts.name, Backend: d.backend}
}

// HAL returns the underlying HAL device and queue.
func (d *Device) HAL() (hal.Device, hal.Queue) { return d.device, d.queue }

// Buffer is a HAL storage buffer.
type Buffer struct {
	buf  hal.Buffer
	size uint64
	dev  *Device
}

// Size returns the requested size in bytes.
func (b *Buffer) Size() uint64 { return b.size }

// copyAlignment is the HAL alignment of buffer copy offsets and sizes.
const copyAlignment uint64 = 4

func alignUp(n, a uint64) uint64 { return (n + a - 1) &^ (a - 1) }

// CreateBuffer allocates a storage buffer usable as copy source and
// destination. The allocation is rounded up to the copy alignment.
func (d *Device) CreateBuffer(size uint64) (muxcore.Buffer, error) {
	if size == 0 {
		return nil, fmt.Errorf("native: zero-sized buffer")
	}
	if err := d.checkAlive(); err != nil {
		return nil, err
	}
	buf, err := d.device.CreateBuffer(&hal.BufferDescriptor{
		Label: "mux_buffer",
		Size:  alignUp(size, copyAlignment),
		Usage: gputypes.BufferUsageStorage | gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, fmt.Errorf("native: create buffer: %w: %w", muxcore.ErrOutOfMemory, err)
	}
	d.liveBuffers.Add(1)
	return &Buffer{buf: buf, size: size, dev: d}, nil
}

// DestroyBuffer releases a buffer.
func (d *Device) DestroyBuffer(b muxcore.Buffer) {
	nb, ok := b.(*Buffer)
	if !ok || nb.dev != d || nb.buf == nil {
		return
	}
	d.device.DestroyBuffer(nb.buf)
	nb.buf = nil
	d.liveBuffers.Add(-1)
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

// CreateSemaphore returns a host semaphore. Ordering between dispatches
// is enforced by the driver loop before a submission reaches the HAL.
func (d *Device) CreateSemaphore() (muxcore.Semaphore, error) {
	if err := d.checkAlive(); err != nil {
		return nil, err
	}
	return muxcore.NewHostSemaphore(), nil
}

// DestroySemaphore is a no-op.
func (d *Device) DestroySemaphore(muxcore.Semaphore) {}

// CreateFence returns a host fence, signaled once every HAL submission of
// the dispatch has been observed complete.
func (d *Device) CreateFence() (muxcore.Fence, error) {
	if err := d.checkAlive(); err != nil {
		return nil, err
	}
	return muxcore.NewHostFence(), nil
}

// DestroyFence is a no-op.
func (d *Device) DestroyFence(muxcore.Fence) {}

// NewQueue starts a new hardware queue.
func (d *Device) NewQueue() (muxcore.HardwareQueue, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return nil, fmt.Errorf("native: %w", muxcore.ErrDestroyed)
	}
	name := fmt.Sprintf("%s/%d", d.opts.name, len(d.queues))
	q := driver.New(name, d.execute, d.slogger)
	d.queues = append(d.queues, q)
	return q, nil
}

// Destroy stops every queue and releases cached pipelines. The HAL device
// and instance are destroyed only if Open or OpenNoop created them.
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
	d.pipelines.destroyAll(d.device)
	if d.owned {
		d.device.Destroy()
		if d.instance != nil {
			d.instance.Destroy()
		}
	}
	d.slogger().Info("native: device destroyed", "backend", d.backend, "submits", d.submits.Load())
}

// Submits returns the number of HAL submissions made so far.
func (d *Device) Submits() uint64 { return d.submits.Load() }

// LiveBuffers returns the number of buffers not yet destroyed.
func (d *Device) LiveBuffers() int64 { return d.liveBuffers.Load() }

// PipelineStats returns pipeline cache hits and misses.
func (d *Device) PipelineStats() (hits, misses uint64) { return d.pipelines.stats() }

func (d *Device) checkAlive() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return fmt.Errorf("native: %w", muxcore.ErrDestroyed)
	}
	return nil
}
