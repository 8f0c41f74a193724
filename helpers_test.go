package mux

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/gogpu/mux/backend/software"
	"github.com/gogpu/mux/internal/arena"
	"github.com/gogpu/mux/kernel"
	"github.com/gogpu/mux/muxcore"
)

const testTimeout = 5 * time.Second

var oneItem = muxcore.NDRange{Dims: 1, Global: [3]uint64{1}}

func newTestContext(t *testing.T, devOpts []software.Option, opts ...Option) (*Context, *software.Device) {
	t.Helper()
	dev := software.New(devOpts...)
	c, err := NewContext(dev, opts...)
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		if err := c.Release(ctx); err != nil {
			t.Errorf("Release: %v", err)
		}
		dev.Destroy()
	})
	return c, dev
}

func newTestQueue(t *testing.T, c *Context, opts ...QueueOption) *Queue {
	t.Helper()
	q, err := c.NewQueue(opts...)
	if err != nil {
		t.Fatalf("NewQueue: %v", err)
	}
	return q
}

func mustBuffer(t *testing.T, c *Context, size uint64) *Buffer {
	t.Helper()
	b, err := c.CreateBuffer(size)
	if err != nil {
		t.Fatalf("CreateBuffer(%d): %v", size, err)
	}
	return b
}

func mustSubmit(t *testing.T, q *Queue, cmd Command, waitList ...*Event) *Event {
	t.Helper()
	ev, err := q.Submit(cmd, waitList...)
	if err != nil {
		t.Fatalf("Submit(%v): %v", cmd.Kind(), err)
	}
	return ev
}

func finish(t *testing.T, q *Queue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if err := q.Finish(ctx); err != nil {
		t.Fatalf("Finish: %v", err)
	}
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	t.Cleanup(cancel)
	return ctx
}

func hostKernel(t *testing.T, name string, fn muxcore.HostFunc) muxcore.Kernel {
	t.Helper()
	k, err := kernel.NewExecutable(name, "").Kernel("main", fn)
	if err != nil {
		t.Fatalf("Kernel: %v", err)
	}
	return k
}

// doubleKernel writes src[i]*2 to dst[i] for u32 elements.
func doubleKernel(t *testing.T) muxcore.Kernel {
	return hostKernel(t, "double", func(item muxcore.WorkItem, args [][]byte) error {
		i := item.Global[0] * 4
		binary.LittleEndian.PutUint32(args[1][i:], binary.LittleEndian.Uint32(args[0][i:])*2)
		return nil
	})
}

// sequence records the u32 value argument of every launch of its kernel.
type sequence struct {
	mu   sync.Mutex
	seen []uint32
}

func (s *sequence) kernel(t *testing.T) muxcore.Kernel {
	return hostKernel(t, "sequence", func(_ muxcore.WorkItem, args [][]byte) error {
		s.mu.Lock()
		s.seen = append(s.seen, binary.LittleEndian.Uint32(args[0]))
		s.mu.Unlock()
		return nil
	})
}

func (s *sequence) values() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint32(nil), s.seen...)
}

func u32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

// recordingBatches counts the batches of q still accepting commands.
func recordingBatches(q *Queue) int {
	n := 0
	q.ctx.records.Range(func(_ arena.ID, rec *dispatchRecord) bool {
		if rec.queue == q && rec.stateOf() == stateRecording {
			n++
		}
		return true
	})
	return n
}
