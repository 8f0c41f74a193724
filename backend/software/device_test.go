package software

import (
	"encoding/binary"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gogpu/mux/backend"
	"github.com/gogpu/mux/muxcore"
)

// hostKernel is a muxcore.Kernel backed only by a host function.
type hostKernel struct {
	fn    muxcore.HostFunc
	local [3]uint32
}

func (k hostKernel) Name() string           { return "test.main" }
func (k hostKernel) EntryPoint() string     { return "main" }
func (k hostKernel) Source() string         { return "" }
func (k hostKernel) Host() muxcore.HostFunc { return k.fn }
func (k hostKernel) LocalSize() [3]uint32   { return k.local }

func addOne(item muxcore.WorkItem, args [][]byte) error {
	i := item.Global[0] * 4
	v := binary.LittleEndian.Uint32(args[0][i:])
	binary.LittleEndian.PutUint32(args[1][i:], v+1)
	return nil
}

func newTestDevice(t *testing.T, opts ...Option) (*Device, muxcore.HardwareQueue) {
	t.Helper()
	dev := New(opts...)
	q, err := dev.NewQueue()
	if err != nil {
		t.Fatalf("NewQueue: %v", err)
	}
	t.Cleanup(dev.Destroy)
	return dev, q
}

func mustBuffer(t *testing.T, dev *Device, size uint64) muxcore.Buffer {
	t.Helper()
	b, err := dev.CreateBuffer(size)
	if err != nil {
		t.Fatalf("CreateBuffer(%d): %v", size, err)
	}
	return b
}

func submitAndWait(t *testing.T, dev *Device, q muxcore.HardwareQueue, cb muxcore.CommandBuffer) error {
	t.Helper()
	fence, _ := dev.CreateFence()
	if err := q.Dispatch(muxcore.Dispatch{CommandBuffer: cb, Fence: fence}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	ok, err := q.TryWait(fence, 5*time.Second)
	if !ok {
		t.Fatal("fence not signaled within timeout")
	}
	return err
}

func TestDevice_Registered(t *testing.T) {
	if !backend.IsRegistered(backend.Software) {
		t.Fatal("software backend not registered on import")
	}
	dev, err := backend.Open(backend.Software)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer dev.Destroy()
	if dev.Info().Backend != backend.Software {
		t.Errorf("Info().Backend = %q", dev.Info().Backend)
	}
}

func TestDevice_WriteKernelRead(t *testing.T) {
	dev, q := newTestDevice(t, WithWorkers(4))

	const n = 256
	src := mustBuffer(t, dev, n*4)
	dst := mustBuffer(t, dev, n*4)

	in := make([]byte, n*4)
	for i := range n {
		binary.LittleEndian.PutUint32(in[i*4:], uint32(i*3))
	}
	out := make([]byte, n*4)

	cb, _ := dev.CreateCommandBuffer()
	if err := cb.WriteBuffer(src, 0, in); err != nil {
		t.Fatalf("WriteBuffer: %v", err)
	}
	nd := muxcore.NDRange{Dims: 1, Global: [3]uint64{n}, Local: [3]uint64{32}}
	bindings := []muxcore.Binding{{Buffer: src}, {Buffer: dst}}
	if err := cb.DispatchKernel(hostKernel{fn: addOne}, nd, bindings); err != nil {
		t.Fatalf("DispatchKernel: %v", err)
	}
	if err := cb.ReadBuffer(dst, 0, out); err != nil {
		t.Fatalf("ReadBuffer: %v", err)
	}
	if cb.Len() != 3 {
		t.Errorf("Len() = %d, want 3", cb.Len())
	}

	if err := submitAndWait(t, dev, q, cb); err != nil {
		t.Fatalf("execution: %v", err)
	}
	for i := range n {
		if got := binary.LittleEndian.Uint32(out[i*4:]); got != uint32(i*3+1) {
			t.Fatalf("out[%d] = %d, want %d", i, got, i*3+1)
		}
	}
}

func TestDevice_CopyAndFill(t *testing.T) {
	dev, q := newTestDevice(t)
	a := mustBuffer(t, dev, 16)
	b := mustBuffer(t, dev, 16)
	out := make([]byte, 16)

	cb, _ := dev.CreateCommandBuffer()
	_ = cb.FillBuffer(a, 0, 16, []byte{0xAB, 0xCD})
	_ = cb.CopyBuffer(a, 4, b, 8, 8)
	_ = cb.Barrier()
	_ = cb.ReadBuffer(b, 0, out)

	if err := submitAndWait(t, dev, q, cb); err != nil {
		t.Fatalf("execution: %v", err)
	}
	for i := range 8 {
		if out[i] != 0 {
			t.Errorf("out[%d] = %#x, want 0", i, out[i])
		}
	}
	for i := 8; i < 16; i += 2 {
		if out[i] != 0xAB || out[i+1] != 0xCD {
			t.Errorf("out[%d:%d] = %#x %#x, want AB CD", i, i+2, out[i], out[i+1])
		}
	}
}

func TestDevice_ReplayAfterReset(t *testing.T) {
	dev, q := newTestDevice(t)
	buf := mustBuffer(t, dev, 4)
	out := make([]byte, 4)

	cb, _ := dev.CreateCommandBuffer()
	_ = cb.WriteBuffer(buf, 0, []byte{1, 2, 3, 4})
	_ = cb.ReadBuffer(buf, 0, out)

	for range 2 {
		if err := submitAndWait(t, dev, q, cb); err != nil {
			t.Fatalf("execution: %v", err)
		}
	}
	if out[3] != 4 {
		t.Errorf("out = %v", out)
	}

	_ = cb.Reset()
	if cb.Len() != 0 {
		t.Errorf("Len() after Reset = %d", cb.Len())
	}
}

func TestDevice_RecordValidation(t *testing.T) {
	dev, _ := newTestDevice(t)
	buf := mustBuffer(t, dev, 8)
	cb, _ := dev.CreateCommandBuffer()

	if err := cb.WriteBuffer(buf, 4, make([]byte, 8)); !errors.Is(err, muxcore.ErrOutOfBounds) {
		t.Errorf("out-of-bounds write err = %v", err)
	}
	if err := cb.ReadBuffer(buf, 9, make([]byte, 1)); !errors.Is(err, muxcore.ErrOutOfBounds) {
		t.Errorf("out-of-bounds read err = %v", err)
	}
	if err := cb.FillBuffer(buf, 0, 7, []byte{1, 2}); err == nil {
		t.Error("fill with misaligned size succeeded")
	}
	nd := muxcore.NDRange{Dims: 1, Global: [3]uint64{4}}
	if err := cb.DispatchKernel(hostKernel{}, nd, nil); !errors.Is(err, muxcore.ErrUnsupported) {
		t.Errorf("kernel without host err = %v", err)
	}
	if cb.Len() != 0 {
		t.Errorf("rejected ops were recorded: Len() = %d", cb.Len())
	}
	if _, err := dev.CreateBuffer(0); err == nil {
		t.Error("zero-sized buffer created")
	}
}

func TestDevice_ExecHookFailure(t *testing.T) {
	boom := errors.New("injected fault")
	dev, q := newTestDevice(t, WithExecHook(func(int) error { return boom }))
	buf := mustBuffer(t, dev, 4)
	out := []byte{9, 9, 9, 9}

	cb, _ := dev.CreateCommandBuffer()
	_ = cb.ReadBuffer(buf, 0, out)

	err := submitAndWait(t, dev, q, cb)
	if !errors.Is(err, muxcore.ErrExecutionFailed) || !errors.Is(err, boom) {
		t.Fatalf("execution err = %v, want ErrExecutionFailed wrapping boom", err)
	}
	if out[0] != 9 {
		t.Error("failed command buffer still executed")
	}
}

func TestDevice_KernelErrorAndSpecializedLocal(t *testing.T) {
	dev, q := newTestDevice(t)
	buf := mustBuffer(t, dev, 64)

	var seenLocal atomic.Uint64
	k := hostKernel{
		local: [3]uint32{8, 1, 1},
		fn: func(item muxcore.WorkItem, _ [][]byte) error {
			seenLocal.Store(item.LocalSize[0])
			if item.Global[0] == 13 {
				return errors.New("bad item")
			}
			return nil
		},
	}
	cb, _ := dev.CreateCommandBuffer()
	nd := muxcore.NDRange{Dims: 1, Global: [3]uint64{16}, Local: [3]uint64{4}}
	if err := cb.DispatchKernel(k, nd, []muxcore.Binding{{Buffer: buf}}); err != nil {
		t.Fatalf("DispatchKernel: %v", err)
	}

	err := submitAndWait(t, dev, q, cb)
	if !errors.Is(err, muxcore.ErrExecutionFailed) {
		t.Errorf("err = %v, want ErrExecutionFailed", err)
	}
	if seenLocal.Load() != 8 {
		t.Errorf("local size = %d, want scheduled size 8", seenLocal.Load())
	}
}

func TestDevice_DestroyRejectsWork(t *testing.T) {
	dev := New()
	dev.Destroy()
	dev.Destroy()
	if _, err := dev.NewQueue(); !errors.Is(err, muxcore.ErrDestroyed) {
		t.Errorf("NewQueue after Destroy err = %v", err)
	}
	if _, err := dev.CreateBuffer(4); !errors.Is(err, muxcore.ErrDestroyed) {
		t.Errorf("CreateBuffer after Destroy err = %v", err)
	}
}
