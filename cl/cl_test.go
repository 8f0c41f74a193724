package cl

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/gogpu/mux"
	"github.com/gogpu/mux/backend/software"
	"github.com/gogpu/mux/kernel"
	"github.com/gogpu/mux/muxcore"
)

func newContext(t *testing.T) *mux.Context {
	t.Helper()
	dev := software.New()
	c, err := mux.NewContext(dev)
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.Release(ctx); err != nil {
			t.Errorf("Release: %v", err)
		}
		dev.Destroy()
	})
	return c
}

func newQueue(t *testing.T, c *mux.Context, props uint64) *CommandQueue {
	t.Helper()
	q, err := CreateCommandQueue(c, props)
	if err != nil {
		t.Fatalf("CreateCommandQueue: %v", err)
	}
	return q
}

func newBuffer(t *testing.T, c *mux.Context, size uint64) *mux.Buffer {
	t.Helper()
	b, err := c.CreateBuffer(size)
	if err != nil {
		t.Fatalf("CreateBuffer: %v", err)
	}
	return b
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int32
	}{
		{"nil", nil, Success},
		{"invalid value", mux.ErrInvalidValue, InvalidValue},
		{"invalid operation", mux.ErrInvalidOperation, InvalidOperation},
		{"released", fmt.Errorf("queue q: %w", mux.ErrReleased), InvalidOperation},
		{"out of resources", fmt.Errorf("%w: command buffer", mux.ErrOutOfResources), OutOfResources},
		{"device error", mux.ErrDeviceError, DeviceNotAvailable},
		{"wait list", fmt.Errorf("%w: %w", mux.ErrWaitListFailed, &mux.UserEventError{Code: -9}), ExecStatusErrorForEventsInWaitList},
		{"user status", &mux.UserEventError{Code: -1001}, -1001},
		{"work dimension", ErrInvalidWorkDimension, InvalidWorkDimension},
		{"global size", fmt.Errorf("%w: x", ErrInvalidGlobalWorkSize), InvalidGlobalWorkSize},
		{"profiling", ErrProfilingInfoNotAvailable, ProfilingInfoNotAvailable},
		{"mem object", ErrInvalidMemObject, InvalidMemObject},
		{"command queue", ErrInvalidCommandQueue, InvalidCommandQueue},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ErrorCode(tt.err); got != tt.want {
				t.Errorf("ErrorCode(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}

func TestCreateCommandQueue(t *testing.T) {
	c := newContext(t)

	if _, err := CreateCommandQueue(c, 1<<5); ErrorCode(err) != InvalidValue {
		t.Errorf("unknown property: code %d, want %d", ErrorCode(err), InvalidValue)
	}
	if _, err := CreateCommandQueue(nil, 0); ErrorCode(err) != InvalidValue {
		t.Errorf("nil context: code %d, want %d", ErrorCode(err), InvalidValue)
	}

	q := newQueue(t, c, QueueOutOfOrderExecModeEnable|QueueProfilingEnable)
	if !q.Queue().OutOfOrder() {
		t.Error("out-of-order property not applied")
	}
	if q.Properties() != QueueOutOfOrderExecModeEnable|QueueProfilingEnable {
		t.Errorf("Properties() = %#x", q.Properties())
	}

	var nilQueue *CommandQueue
	if err := nilQueue.Flush(); ErrorCode(err) != InvalidCommandQueue {
		t.Errorf("nil queue Flush: code %d, want %d", ErrorCode(err), InvalidCommandQueue)
	}
}

func TestBlockingTransfers(t *testing.T) {
	c := newContext(t)
	q := newQueue(t, c, 0)
	buf := newBuffer(t, c, 16)

	data := []byte("0123456789abcdef")
	ev, err := q.EnqueueWriteBuffer(buf, true, 0, data, nil)
	if err != nil {
		t.Fatalf("EnqueueWriteBuffer: %v", err)
	}
	if got := EventStatus(ev); got != Complete {
		t.Errorf("blocking write status = %d, want %d", got, Complete)
	}

	out := make([]byte, 8)
	if _, err := q.EnqueueReadBuffer(buf, true, 8, out, nil); err != nil {
		t.Fatalf("EnqueueReadBuffer: %v", err)
	}
	if !bytes.Equal(out, data[8:]) {
		t.Errorf("read %q, want %q", out, data[8:])
	}

	if _, err := q.EnqueueReadBuffer(buf, true, 12, out, nil); ErrorCode(err) != InvalidValue {
		t.Errorf("out of range read: code %d, want %d", ErrorCode(err), InvalidValue)
	}
	if _, err := q.EnqueueReadBuffer(nil, true, 0, out, nil); ErrorCode(err) != InvalidMemObject {
		t.Errorf("nil buffer: code %d, want %d", ErrorCode(err), InvalidMemObject)
	}
	if _, err := q.EnqueueWriteBuffer(buf, false, 0, data, []*mux.Event{nil}); ErrorCode(err) != InvalidEventWaitList {
		t.Errorf("nil wait list entry: code %d, want %d", ErrorCode(err), InvalidEventWaitList)
	}
}

func TestNonBlockingPipeline(t *testing.T) {
	c := newContext(t)
	q := newQueue(t, c, 0)
	src := newBuffer(t, c, 16)
	dst := newBuffer(t, c, 16)

	double, err := kernel.NewExecutable("double", "").Kernel("main", func(item muxcore.WorkItem, args [][]byte) error {
		i := item.Global[0] * 4
		binary.LittleEndian.PutUint32(args[1][i:], binary.LittleEndian.Uint32(args[0][i:])*2)
		return nil
	})
	if err != nil {
		t.Fatalf("Kernel: %v", err)
	}

	if _, err := q.EnqueueFillBuffer(src, []byte{3, 0, 0, 0}, 0, 16, nil); err != nil {
		t.Fatalf("EnqueueFillBuffer: %v", err)
	}
	if _, err := q.EnqueueNDRangeKernel(double, 1, []uint64{4}, nil,
		[]mux.Arg{mux.BufferArg(src), mux.BufferArg(dst)}, nil); err != nil {
		t.Fatalf("EnqueueNDRangeKernel: %v", err)
	}
	out := make([]byte, 16)
	read, err := q.EnqueueReadBuffer(dst, false, 0, out, nil)
	if err != nil {
		t.Fatalf("EnqueueReadBuffer: %v", err)
	}
	if err := WaitForEvents(context.Background(), []*mux.Event{read}); err != nil {
		t.Fatalf("WaitForEvents: %v", err)
	}
	for i := range 4 {
		if got := binary.LittleEndian.Uint32(out[i*4:]); got != 6 {
			t.Errorf("out[%d] = %d, want 6", i, got)
		}
	}

	if err := WaitForEvents(context.Background(), nil); ErrorCode(err) != InvalidValue {
		t.Errorf("empty wait: code %d, want %d", ErrorCode(err), InvalidValue)
	}
}

func TestNDRange(t *testing.T) {
	tests := []struct {
		name    string
		workDim uint32
		global  []uint64
		local   []uint64
		want    int32
	}{
		{"1d", 1, []uint64{64}, nil, Success},
		{"2d local", 2, []uint64{8, 8}, []uint64{4, 4}, Success},
		{"zero dims", 0, []uint64{1}, nil, InvalidWorkDimension},
		{"four dims", 4, []uint64{1, 1, 1, 1}, nil, InvalidWorkDimension},
		{"short global", 2, []uint64{1}, nil, InvalidGlobalWorkSize},
		{"zero global", 1, []uint64{0}, nil, InvalidGlobalWorkSize},
		{"short local", 2, []uint64{4, 4}, []uint64{2}, InvalidValue},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			nd, err := NDRange(tt.workDim, tt.global, tt.local)
			if got := ErrorCode(err); got != tt.want {
				t.Fatalf("code %d, want %d (err %v)", got, tt.want, err)
			}
			if err == nil && nd.Dims != int(tt.workDim) {
				t.Errorf("Dims = %d, want %d", nd.Dims, tt.workDim)
			}
		})
	}
}

func TestUserEventStatus(t *testing.T) {
	c := newContext(t)
	q := newQueue(t, c, 0)
	buf := newBuffer(t, c, 4)

	ue, err := CreateUserEvent(c)
	if err != nil {
		t.Fatalf("CreateUserEvent: %v", err)
	}
	if got := EventStatus(ue); got != Submitted {
		t.Errorf("new user event status = %d, want %d", got, Submitted)
	}

	gated, err := q.EnqueueWriteBuffer(buf, false, 0, []byte{1, 2, 3, 4}, []*mux.Event{ue})
	if err != nil {
		t.Fatalf("EnqueueWriteBuffer: %v", err)
	}
	if got := EventStatus(gated); got != Queued {
		t.Errorf("gated command status = %d, want %d", got, Queued)
	}

	if err := SetUserEventStatus(ue, Running); ErrorCode(err) != InvalidValue {
		t.Errorf("SetUserEventStatus(Running): code %d, want %d", ErrorCode(err), InvalidValue)
	}
	if err := SetUserEventStatus(ue, -42); err != nil {
		t.Fatalf("SetUserEventStatus(-42): %v", err)
	}
	if err := SetUserEventStatus(ue, Complete); ErrorCode(err) != InvalidOperation {
		t.Errorf("second SetUserEventStatus: code %d, want %d", ErrorCode(err), InvalidOperation)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = WaitForEvents(ctx, []*mux.Event{gated})
	if got := ErrorCode(err); got != ExecStatusErrorForEventsInWaitList {
		t.Errorf("wait on gated command: code %d, want %d", got, ExecStatusErrorForEventsInWaitList)
	}
	if got := EventStatus(ue); got != -42 {
		t.Errorf("user event status = %d, want -42", got)
	}
	if got := EventStatus(gated); got != ExecStatusErrorForEventsInWaitList {
		t.Errorf("gated command status = %d, want %d", got, ExecStatusErrorForEventsInWaitList)
	}

	_, err = q.EnqueueReadBuffer(buf, true, 0, make([]byte, 4), []*mux.Event{ue})
	if got := ErrorCode(err); got != ExecStatusErrorForEventsInWaitList {
		t.Errorf("blocking read after failed event: code %d, want %d", got, ExecStatusErrorForEventsInWaitList)
	}
}

func TestSetEventCallback(t *testing.T) {
	c := newContext(t)
	q := newQueue(t, c, 0)

	ue, _ := CreateUserEvent(c)
	marker, err := q.EnqueueMarkerWithWaitList([]*mux.Event{ue})
	if err != nil {
		t.Fatalf("EnqueueMarkerWithWaitList: %v", err)
	}

	got := make(chan int32, 2)
	for _, ev := range []*mux.Event{ue, marker} {
		if err := SetEventCallback(ev, Complete, func(_ *mux.Event, status int32) { got <- status }); err != nil {
			t.Fatalf("SetEventCallback: %v", err)
		}
	}
	if err := SetEventCallback(ue, Queued, func(*mux.Event, int32) {}); ErrorCode(err) != InvalidValue {
		t.Errorf("callback for Queued: code %d, want %d", ErrorCode(err), InvalidValue)
	}

	if err := SetUserEventStatus(ue, -7); err != nil {
		t.Fatalf("SetUserEventStatus: %v", err)
	}
	want := map[int32]bool{-7: true, ExecStatusErrorForEventsInWaitList: true}
	for range 2 {
		select {
		case s := <-got:
			if !want[s] {
				t.Errorf("callback status %d, want one of %v", s, want)
			}
			delete(want, s)
		case <-time.After(5 * time.Second):
			t.Fatal("callback never fired")
		}
	}
}

func TestEventProfilingInfo(t *testing.T) {
	c := newContext(t)

	plain := newQueue(t, c, 0)
	ev, err := plain.EnqueueBarrierWithWaitList(nil)
	if err != nil {
		t.Fatalf("EnqueueBarrierWithWaitList: %v", err)
	}
	if err := plain.Finish(context.Background()); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if _, err := GetEventProfilingInfo(ev, ProfilingCommandEnd); ErrorCode(err) != ProfilingInfoNotAvailable {
		t.Errorf("non-profiling queue: code %d, want %d", ErrorCode(err), ProfilingInfoNotAvailable)
	}

	q := newQueue(t, c, QueueProfilingEnable)
	buf := newBuffer(t, c, 8)
	ev, err = q.EnqueueFillBuffer(buf, []byte{0xff}, 0, 8, nil)
	if err != nil {
		t.Fatalf("EnqueueFillBuffer: %v", err)
	}
	if err := q.Finish(context.Background()); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	var prev uint64
	for _, param := range []uint32{ProfilingCommandQueued, ProfilingCommandSubmit, ProfilingCommandStart, ProfilingCommandEnd} {
		ts, err := GetEventProfilingInfo(ev, param)
		if err != nil {
			t.Fatalf("GetEventProfilingInfo(%#x): %v", param, err)
		}
		if ts < prev {
			t.Errorf("timestamp %#x = %d before previous %d", param, ts, prev)
		}
		prev = ts
	}
	if _, err := GetEventProfilingInfo(ev, 0x1290); !errors.Is(err, mux.ErrInvalidValue) {
		t.Errorf("unknown param: got %v, want ErrInvalidValue", err)
	}
}
