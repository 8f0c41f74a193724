package native

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"

	"github.com/gogpu/mux"
	"github.com/gogpu/mux/backend"
	"github.com/gogpu/mux/kernel"
	"github.com/gogpu/mux/muxcore"
)

const scaleWGSL = `
@group(0) @binding(0) var<storage, read> src: array<u32>;
@group(0) @binding(1) var<storage, read_write> dst: array<u32>;

@compute @workgroup_size(1)
fn main(@builtin(global_invocation_id) id: vec3<u32>) {
    dst[id.x] = src[id.x] * 2u;
}
`

func createNoopDevice(t *testing.T, opts ...Option) *Device {
	t.Helper()
	dev, err := OpenNoop(opts...)
	if err != nil {
		t.Fatalf("OpenNoop failed: %v", err)
	}
	t.Cleanup(dev.Destroy)
	return dev
}

func mustBuffer(t *testing.T, dev *Device, size uint64) muxcore.Buffer {
	t.Helper()
	b, err := dev.CreateBuffer(size)
	if err != nil {
		t.Fatalf("CreateBuffer(%d): %v", size, err)
	}
	return b
}

func skipIfUnimplemented(t *testing.T, err error) {
	t.Helper()
	if err != nil && strings.Contains(err.Error(), "not yet implemented") {
		t.Skipf("shader compiler limitation: %v", err)
	}
}

func TestOpenNoop(t *testing.T) {
	dev := createNoopDevice(t, WithName("test-noop"))
	info := dev.Info()
	if info.Backend != backend.Noop {
		t.Errorf("Backend = %q, want %q", info.Backend, backend.Noop)
	}
	if info.Name != "test-noop" {
		t.Errorf("Name = %q, want test-noop", info.Name)
	}
	if d, q := dev.HAL(); d == nil || q == nil {
		t.Error("HAL() returned nil handles")
	}
}

func TestRegistryOpensNoop(t *testing.T) {
	dev, err := backend.Open(backend.Noop)
	if err != nil {
		t.Fatalf("backend.Open(noop): %v", err)
	}
	defer dev.Destroy()
	if _, ok := dev.(*Device); !ok {
		t.Errorf("backend.Open(noop) returned %T", dev)
	}
}

func TestBuffers(t *testing.T) {
	dev := createNoopDevice(t)
	if _, err := dev.CreateBuffer(0); err == nil {
		t.Error("CreateBuffer(0) succeeded")
	}
	b := mustBuffer(t, dev, 10)
	if b.Size() != 10 {
		t.Errorf("Size() = %d, want 10", b.Size())
	}
	if dev.LiveBuffers() != 1 {
		t.Errorf("LiveBuffers() = %d, want 1", dev.LiveBuffers())
	}
	dev.DestroyBuffer(b)
	dev.DestroyBuffer(b)
	if dev.LiveBuffers() != 0 {
		t.Errorf("LiveBuffers() after destroy = %d, want 0", dev.LiveBuffers())
	}
}

func TestRecordValidation(t *testing.T) {
	dev := createNoopDevice(t)
	other := createNoopDevice(t)
	buf := mustBuffer(t, dev, 16)
	foreign := mustBuffer(t, other, 16)

	cmd, _ := dev.CreateCommandBuffer()
	hostOnly, err := kernel.NewExecutable("host", "").Kernel("main", func(muxcore.WorkItem, [][]byte) error { return nil })
	if err != nil {
		t.Fatalf("Kernel: %v", err)
	}
	wgsl, _ := kernel.NewExecutable("scale", scaleWGSL).Kernel("main", nil)
	one := muxcore.NDRange{Dims: 1, Global: [3]uint64{4}}

	tests := []struct {
		name string
		rec  func() error
		want error
	}{
		{"unaligned write offset", func() error { return cmd.WriteBuffer(buf, 2, make([]byte, 4)) }, ErrUnaligned},
		{"unaligned write size", func() error { return cmd.WriteBuffer(buf, 0, make([]byte, 3)) }, muxcore.ErrUnsupported},
		{"write out of bounds", func() error { return cmd.WriteBuffer(buf, 12, make([]byte, 8)) }, muxcore.ErrOutOfBounds},
		{"unaligned read offset", func() error { return cmd.ReadBuffer(buf, 1, make([]byte, 4)) }, ErrUnaligned},
		{"unaligned copy", func() error { return cmd.CopyBuffer(buf, 0, buf, 8, 6) }, ErrUnaligned},
		{"foreign buffer", func() error { return cmd.CopyBuffer(foreign, 0, buf, 0, 4) }, muxcore.ErrForeignHandle},
		{"unaligned fill", func() error { return cmd.FillBuffer(buf, 0, 6, []byte{1, 2}) }, ErrUnaligned},
		{"host-only kernel", func() error { return cmd.DispatchKernel(hostOnly, one, nil) }, ErrNoDeviceCode},
		{"local memory", func() error {
			return cmd.DispatchKernel(wgsl, one, []muxcore.Binding{{LocalSize: 64}})
		}, muxcore.ErrUnsupported},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.rec(); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
	if cmd.Len() != 0 {
		t.Errorf("rejected operations were recorded: Len() = %d", cmd.Len())
	}

	if err := cmd.ReadBuffer(buf, 4, make([]byte, 3)); err != nil {
		t.Errorf("aligned read of odd length: %v", err)
	}
	if err := cmd.Reset(); err != nil || cmd.Len() != 0 {
		t.Errorf("Reset: err=%v len=%d", err, cmd.Len())
	}
}

func dispatchAndWait(t *testing.T, dev *Device, q muxcore.HardwareQueue, d muxcore.Dispatch) error {
	t.Helper()
	fence, _ := dev.CreateFence()
	d.Fence = fence
	if err := q.Dispatch(d); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	ok, err := q.TryWait(fence, 5*time.Second)
	if !ok {
		t.Fatal("fence not signaled")
	}
	return err
}

func TestDispatchSubmitsSegments(t *testing.T) {
	dev := createNoopDevice(t)
	q, err := dev.NewQueue()
	if err != nil {
		t.Fatalf("NewQueue: %v", err)
	}
	src := mustBuffer(t, dev, 16)
	dst := mustBuffer(t, dev, 16)

	cb, _ := dev.CreateCommandBuffer()
	_ = cb.WriteBuffer(src, 0, make([]byte, 16))
	_ = cb.CopyBuffer(src, 0, dst, 0, 16)
	_ = cb.Barrier()
	_ = cb.FillBuffer(dst, 8, 8, []byte{0xAB})
	_ = cb.ReadBuffer(dst, 0, make([]byte, 16))

	if err := dispatchAndWait(t, dev, q, muxcore.Dispatch{CommandBuffer: cb}); err != nil {
		t.Fatalf("execution: %v", err)
	}
	// copy (closed by barrier) and read.
	if got := dev.Submits(); got != 2 {
		t.Errorf("Submits() = %d, want 2", got)
	}

	// Replay re-encodes the same recording.
	if err := dispatchAndWait(t, dev, q, muxcore.Dispatch{CommandBuffer: cb}); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if got := dev.Submits(); got != 4 {
		t.Errorf("Submits() after replay = %d, want 4", got)
	}
}

func TestDispatchWaitsOnSemaphores(t *testing.T) {
	dev := createNoopDevice(t)
	q1, _ := dev.NewQueue()
	q2, _ := dev.NewQueue()
	buf := mustBuffer(t, dev, 4)
	sem, _ := dev.CreateSemaphore()

	first, _ := dev.CreateCommandBuffer()
	_ = first.WriteBuffer(buf, 0, []byte{1, 2, 3, 4})
	second, _ := dev.CreateCommandBuffer()
	_ = second.ReadBuffer(buf, 0, make([]byte, 4))

	started := make(chan struct{})
	secondFence, _ := dev.CreateFence()
	if err := q2.Dispatch(muxcore.Dispatch{
		CommandBuffer: second,
		Fence:         secondFence,
		Wait:          []muxcore.Semaphore{sem},
		OnStart:       func() { close(started) },
	}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	select {
	case <-started:
		t.Fatal("dispatch started before its wait semaphore was signaled")
	case <-time.After(20 * time.Millisecond):
	}

	if err := dispatchAndWait(t, dev, q1, muxcore.Dispatch{
		CommandBuffer: first,
		Signal:        []muxcore.Semaphore{sem},
	}); err != nil {
		t.Fatalf("first: %v", err)
	}
	ok, err := q2.TryWait(secondFence, 5*time.Second)
	if !ok || err != nil {
		t.Fatalf("second: ok=%v err=%v", ok, err)
	}
	select {
	case <-started:
	default:
		t.Error("OnStart was not called")
	}
}

func TestKernelLaunch(t *testing.T) {
	dev := createNoopDevice(t)
	q, _ := dev.NewQueue()
	k, err := kernel.NewExecutable("scale", scaleWGSL).Kernel("main", nil)
	if err != nil {
		t.Fatalf("Kernel: %v", err)
	}
	if _, err := k.Executable().SPIRV(); err != nil {
		skipIfUnimplemented(t, err)
		t.Fatalf("SPIRV: %v", err)
	}

	src := mustBuffer(t, dev, 16)
	dst := mustBuffer(t, dev, 16)
	cb, _ := dev.CreateCommandBuffer()
	nd := muxcore.NDRange{Dims: 1, Global: [3]uint64{4}}
	bindings := []muxcore.Binding{{Buffer: src}, {Buffer: dst}}
	if err := cb.DispatchKernel(k, nd, bindings); err != nil {
		t.Fatalf("DispatchKernel: %v", err)
	}
	_ = cb.DispatchKernel(k, nd, bindings)

	if err := dispatchAndWait(t, dev, q, muxcore.Dispatch{CommandBuffer: cb}); err != nil {
		skipIfUnimplemented(t, err)
		t.Fatalf("execution: %v", err)
	}
	hits, misses := dev.PipelineStats()
	if misses != 1 || hits != 1 {
		t.Errorf("pipeline cache hits=%d misses=%d, want 1/1", hits, misses)
	}
}

func TestPipelineKey(t *testing.T) {
	k1, _ := kernel.NewExecutable("a", scaleWGSL).Kernel("main", nil)
	k2, _ := kernel.NewExecutable("b", scaleWGSL).Kernel("main", nil)
	storage := []binding{{buf: &Buffer{}}, {buf: &Buffer{}}}
	mixed := []binding{{buf: &Buffer{}}, {value: []byte{1}}}

	if signature(storage) != "ss" || signature(mixed) != "su" {
		t.Fatalf("signature = %q, %q", signature(storage), signature(mixed))
	}
	if pipelineKey(k1, "ss") == pipelineKey(k2, "ss") {
		t.Error("different kernels share a key")
	}
	if pipelineKey(k1, "ss") == pipelineKey(k1, "su") {
		t.Error("different layouts share a key")
	}
	if pipelineKey(k1, "ss") != pipelineKey(k1, "ss") {
		t.Error("key is not stable")
	}
}

func TestDestroyRejectsNewWork(t *testing.T) {
	dev, err := OpenNoop()
	if err != nil {
		t.Fatalf("OpenNoop: %v", err)
	}
	dev.Destroy()
	dev.Destroy()
	if _, err := dev.CreateBuffer(4); !errors.Is(err, muxcore.ErrDestroyed) {
		t.Errorf("CreateBuffer after Destroy err = %v", err)
	}
	if _, err := dev.NewQueue(); !errors.Is(err, muxcore.ErrDestroyed) {
		t.Errorf("NewQueue after Destroy err = %v", err)
	}
}

type plainProvider struct{}

func (plainProvider) Device() gpucontext.Device             { return nil }
func (plainProvider) Queue() gpucontext.Queue               { return nil }
func (plainProvider) Adapter() gpucontext.Adapter           { return nil }
func (plainProvider) SurfaceFormat() gputypes.TextureFormat { return gputypes.TextureFormatBGRA8Unorm }

type halProvider struct {
	plainProvider
	dev *Device
}

func (p halProvider) HalDevice() any { return p.dev.device }
func (p halProvider) HalQueue() any  { return p.dev.queue }

func TestNewFromProvider(t *testing.T) {
	if _, err := NewFromProvider(plainProvider{}); !errors.Is(err, ErrNotHALProvider) {
		t.Errorf("plain provider err = %v, want ErrNotHALProvider", err)
	}

	host := createNoopDevice(t)
	shared, err := NewFromProvider(halProvider{dev: host})
	if err != nil {
		t.Fatalf("NewFromProvider: %v", err)
	}
	if shared.owned {
		t.Error("shared device claims ownership of the host device")
	}
	shared.Destroy()

	// The host device survives the shared wrapper.
	if _, err := host.CreateBuffer(4); err != nil {
		t.Errorf("host CreateBuffer after shared Destroy: %v", err)
	}
}

func TestSchedulerOnNoopDevice(t *testing.T) {
	dev := createNoopDevice(t)
	c, err := mux.NewContext(dev)
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	defer func() {
		if err := c.Release(ctx); err != nil {
			t.Errorf("Release: %v", err)
		}
	}()

	q, err := c.NewQueue()
	if err != nil {
		t.Fatalf("NewQueue: %v", err)
	}
	buf, err := c.CreateBuffer(16)
	if err != nil {
		t.Fatalf("CreateBuffer: %v", err)
	}
	defer func() { _ = buf.Release() }()

	if _, err := q.Submit(mux.WriteBuffer{Buffer: buf, Data: make([]byte, 16)}); err != nil {
		t.Fatalf("Submit write: %v", err)
	}
	ev, err := q.Submit(mux.ReadBuffer{Buffer: buf, Data: make([]byte, 16), Blocking: true})
	if err != nil {
		t.Fatalf("Submit read: %v", err)
	}
	if err := ev.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if _, err := q.Submit(mux.WriteBuffer{Buffer: buf, Offset: 1, Data: make([]byte, 4)}); !errors.Is(err, mux.ErrInvalidValue) {
		t.Errorf("unaligned write err = %v, want ErrInvalidValue", err)
	}
}
