package driver

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gogpu/mux/muxcore"
)

// opsBuffer is a minimal command buffer that only counts recorded ops.
type opsBuffer struct {
	id  int
	ops int
}

func (b *opsBuffer) WriteBuffer(muxcore.Buffer, uint64, []byte) error { b.ops++; return nil }
func (b *opsBuffer) ReadBuffer(muxcore.Buffer, uint64, []byte) error  { b.ops++; return nil }
func (b *opsBuffer) CopyBuffer(muxcore.Buffer, uint64, muxcore.Buffer, uint64, uint64) error {
	b.ops++
	return nil
}
func (b *opsBuffer) FillBuffer(muxcore.Buffer, uint64, uint64, []byte) error { b.ops++; return nil }
func (b *opsBuffer) DispatchKernel(muxcore.Kernel, muxcore.NDRange, []muxcore.Binding) error {
	b.ops++
	return nil
}
func (b *opsBuffer) Barrier() error { return nil }
func (b *opsBuffer) Len() int       { return b.ops }
func (b *opsBuffer) Reset() error   { b.ops = 0; return nil }

func TestQueue_ExecutesInOrder(t *testing.T) {
	var mu sync.Mutex
	var order []int
	q := New("test", func(cb muxcore.CommandBuffer) error {
		mu.Lock()
		order = append(order, cb.(*opsBuffer).id)
		mu.Unlock()
		return nil
	}, nil)
	defer q.Destroy()

	for i := range 20 {
		if err := q.Dispatch(muxcore.Dispatch{CommandBuffer: &opsBuffer{id: i}}); err != nil {
			t.Fatalf("Dispatch(%d): %v", i, err)
		}
	}
	if err := q.WaitAll(); err != nil {
		t.Fatalf("WaitAll: %v", err)
	}

	if len(order) != 20 {
		t.Fatalf("executed %d buffers, want 20", len(order))
	}
	for i, id := range order {
		if id != i {
			t.Fatalf("order[%d] = %d, want %d", i, id, i)
		}
	}
	if q.Dispatched() != 20 || q.Completed() != 20 {
		t.Errorf("dispatched/completed = %d/%d, want 20/20", q.Dispatched(), q.Completed())
	}
}

func TestQueue_CallbacksAsyncAndSignals(t *testing.T) {
	boom := errors.New("boom")
	release := make(chan struct{})
	q := New("test", func(muxcore.CommandBuffer) error {
		<-release
		return boom
	}, nil)
	defer q.Destroy()

	fence := muxcore.NewHostFence()
	sig := muxcore.NewHostSemaphore()
	var started, completed atomic.Bool
	var gotErr atomic.Value
	done := make(chan struct{})

	err := q.Dispatch(muxcore.Dispatch{
		CommandBuffer: &opsBuffer{},
		Fence:         fence,
		Signal:        []muxcore.Semaphore{sig},
		OnStart:       func() { started.Store(true) },
		OnComplete: func(err error) {
			gotErr.Store(err)
			completed.Store(true)
			close(done)
		},
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if completed.Load() {
		t.Fatal("OnComplete ran synchronously inside Dispatch")
	}
	if ok, _ := q.TryWait(fence, 0); ok {
		t.Fatal("fence signaled before execution finished")
	}

	close(release)
	<-done

	if !started.Load() {
		t.Error("OnStart not called")
	}
	if err, _ := gotErr.Load().(error); !errors.Is(err, boom) {
		t.Errorf("OnComplete err = %v, want boom", err)
	}
	if ok, err := q.TryWait(fence, -1); !ok || !errors.Is(err, boom) {
		t.Errorf("TryWait = %v, %v; want true, boom", ok, err)
	}
	if !sig.Signaled() {
		t.Error("signal semaphore not signaled after a failed execution")
	}
}

func TestQueue_WaitSemaphoreBlocksExecution(t *testing.T) {
	var ran atomic.Int32
	q := New("test", func(muxcore.CommandBuffer) error {
		ran.Add(1)
		return nil
	}, nil)
	defer q.Destroy()

	gate := muxcore.NewHostSemaphore()
	fence := muxcore.NewHostFence()
	if err := q.Dispatch(muxcore.Dispatch{
		CommandBuffer: &opsBuffer{},
		Fence:         fence,
		Wait:          []muxcore.Semaphore{gate},
	}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	time.Sleep(10 * time.Millisecond)
	if ran.Load() != 0 {
		t.Fatal("executed before wait semaphore was signaled")
	}

	gate.Signal()
	if ok, _ := q.TryWait(fence, time.Second); !ok {
		t.Fatal("fence not signaled after semaphore released the dispatch")
	}
	if ran.Load() != 1 {
		t.Errorf("ran = %d, want 1", ran.Load())
	}
}

type foreignSemaphore struct{}

func (foreignSemaphore) Signal()      {}
func (foreignSemaphore) Reset() error { return nil }

func TestQueue_RejectsForeignHandles(t *testing.T) {
	q := New("test", func(muxcore.CommandBuffer) error { return nil }, nil)
	defer q.Destroy()

	err := q.Dispatch(muxcore.Dispatch{
		CommandBuffer: &opsBuffer{},
		Wait:          []muxcore.Semaphore{foreignSemaphore{}},
	})
	if !errors.Is(err, muxcore.ErrForeignHandle) {
		t.Errorf("Dispatch err = %v, want ErrForeignHandle", err)
	}
	if err := q.Dispatch(muxcore.Dispatch{}); err == nil {
		t.Error("Dispatch with nil command buffer succeeded")
	}
}

func TestQueue_DestroyRejectsNewWork(t *testing.T) {
	q := New("test", func(muxcore.CommandBuffer) error { return nil }, nil)
	q.Destroy()
	q.Destroy()

	err := q.Dispatch(muxcore.Dispatch{CommandBuffer: &opsBuffer{}})
	if !errors.Is(err, muxcore.ErrDestroyed) {
		t.Errorf("Dispatch after Destroy = %v, want ErrDestroyed", err)
	}
}
