package cl

import (
	"context"
	"fmt"
	"time"

	"github.com/gogpu/mux"
	"github.com/gogpu/mux/muxcore"
)

// CommandQueue wraps a mux queue with OpenCL enqueue semantics.
type CommandQueue struct {
	q     *mux.Queue
	props uint64
}

// CreateCommandQueue creates a queue on c. props is a bitwise OR of
// QueueOutOfOrderExecModeEnable and QueueProfilingEnable.
func CreateCommandQueue(c *mux.Context, props uint64, opts ...mux.QueueOption) (*CommandQueue, error) {
	if c == nil {
		return nil, fmt.Errorf("cl: nil context: %w", mux.ErrInvalidValue)
	}
	if props&^(QueueOutOfOrderExecModeEnable|QueueProfilingEnable) != 0 {
		return nil, fmt.Errorf("%w: %#x", errInvalidQueueProperties, props)
	}
	if props&QueueOutOfOrderExecModeEnable != 0 {
		opts = append(opts, mux.OutOfOrder())
	}
	if props&QueueProfilingEnable != 0 {
		opts = append(opts, mux.WithProfiling())
	}
	q, err := c.NewQueue(opts...)
	if err != nil {
		return nil, err
	}
	return &CommandQueue{q: q, props: props}, nil
}

// Queue returns the underlying mux queue.
func (cq *CommandQueue) Queue() *mux.Queue { return cq.q }

// Properties returns the properties the queue was created with.
func (cq *CommandQueue) Properties() uint64 { return cq.props }

func checkWaitList(waitList []*mux.Event) error {
	for i, ev := range waitList {
		if ev == nil {
			return fmt.Errorf("%w: entry %d is nil", ErrInvalidEventWaitList, i)
		}
	}
	return nil
}

func (cq *CommandQueue) submit(cmd mux.Command, waitList []*mux.Event) (*mux.Event, error) {
	if cq == nil || cq.q == nil {
		return nil, ErrInvalidCommandQueue
	}
	if err := checkWaitList(waitList); err != nil {
		return nil, err
	}
	return cq.q.Submit(cmd, waitList...)
}

// blockingWait waits for a blocking transfer and reports the transfer's
// own error. A transfer that never ran because of its wait list reports
// ExecStatusErrorForEventsInWaitList.
func blockingWait(ev *mux.Event) (*mux.Event, error) {
	if err := ev.Wait(context.Background()); err != nil {
		if own := ev.Err(); own != nil {
			return ev, own
		}
		return ev, err
	}
	return ev, nil
}

func checkMemObject(b *mux.Buffer) error {
	if b == nil {
		return fmt.Errorf("%w: nil buffer", ErrInvalidMemObject)
	}
	return nil
}

// EnqueueWriteBuffer writes data into buf at offset. data is captured at
// enqueue time, so it may be reused as soon as the call returns. A
// blocking write returns once the write has executed.
func (cq *CommandQueue) EnqueueWriteBuffer(buf *mux.Buffer, blocking bool, offset uint64, data []byte, waitList []*mux.Event) (*mux.Event, error) {
	if err := checkMemObject(buf); err != nil {
		return nil, err
	}
	ev, err := cq.submit(mux.WriteBuffer{Buffer: buf, Offset: offset, Data: data, Blocking: blocking}, waitList)
	if err != nil || !blocking {
		return ev, err
	}
	return blockingWait(ev)
}

// EnqueueReadBuffer reads len(data) bytes of buf at offset into data. A
// non-blocking read owns data until the returned event completes.
func (cq *CommandQueue) EnqueueReadBuffer(buf *mux.Buffer, blocking bool, offset uint64, data []byte, waitList []*mux.Event) (*mux.Event, error) {
	if err := checkMemObject(buf); err != nil {
		return nil, err
	}
	ev, err := cq.submit(mux.ReadBuffer{Buffer: buf, Offset: offset, Data: data, Blocking: blocking}, waitList)
	if err != nil || !blocking {
		return ev, err
	}
	return blockingWait(ev)
}

// EnqueueCopyBuffer copies size bytes from src to dst.
func (cq *CommandQueue) EnqueueCopyBuffer(src, dst *mux.Buffer, srcOffset, dstOffset, size uint64, waitList []*mux.Event) (*mux.Event, error) {
	if err := checkMemObject(src); err != nil {
		return nil, err
	}
	if err := checkMemObject(dst); err != nil {
		return nil, err
	}
	return cq.submit(mux.CopyBuffer{Src: src, SrcOffset: srcOffset, Dst: dst, DstOffset: dstOffset, Size: size}, waitList)
}

// EnqueueFillBuffer repeats pattern over size bytes of buf at offset.
func (cq *CommandQueue) EnqueueFillBuffer(buf *mux.Buffer, pattern []byte, offset, size uint64, waitList []*mux.Event) (*mux.Event, error) {
	if err := checkMemObject(buf); err != nil {
		return nil, err
	}
	return cq.submit(mux.FillBuffer{Buffer: buf, Offset: offset, Size: size, Pattern: pattern}, waitList)
}

// NDRange builds an iteration space from OpenCL-style arguments. local
// may be nil to let the implementation choose.
func NDRange(workDim uint32, global, local []uint64) (muxcore.NDRange, error) {
	if workDim < 1 || workDim > 3 {
		return muxcore.NDRange{}, fmt.Errorf("%w: %d", ErrInvalidWorkDimension, workDim)
	}
	if uint32(len(global)) < workDim {
		return muxcore.NDRange{}, fmt.Errorf("%w: %d sizes for %d dimensions", ErrInvalidGlobalWorkSize, len(global), workDim)
	}
	if local != nil && uint32(len(local)) < workDim {
		return muxcore.NDRange{}, fmt.Errorf("cl: %d local sizes for %d dimensions: %w", len(local), workDim, mux.ErrInvalidValue)
	}
	nd := muxcore.NDRange{Dims: int(workDim)}
	for i := range workDim {
		if global[i] == 0 {
			return muxcore.NDRange{}, fmt.Errorf("%w: dimension %d is zero", ErrInvalidGlobalWorkSize, i)
		}
		nd.Global[i] = global[i]
		if local != nil {
			nd.Local[i] = local[i]
		}
	}
	return nd, nil
}

// EnqueueNDRangeKernel launches k over workDim dimensions.
func (cq *CommandQueue) EnqueueNDRangeKernel(k muxcore.Kernel, workDim uint32, global, local []uint64, args []mux.Arg, waitList []*mux.Event) (*mux.Event, error) {
	if k == nil {
		return nil, fmt.Errorf("%w: nil kernel", ErrInvalidKernel)
	}
	nd, err := NDRange(workDim, global, local)
	if err != nil {
		return nil, err
	}
	return cq.submit(mux.KernelLaunch{Kernel: k, Range: nd, Args: args}, waitList)
}

// EnqueueCommandBuffer replays a finalized command buffer.
func (cq *CommandQueue) EnqueueCommandBuffer(cb *mux.CommandBuffer, waitList []*mux.Event) (*mux.Event, error) {
	return cq.submit(mux.Replay{CommandBuffer: cb}, waitList)
}

// EnqueueMarkerWithWaitList enqueues a marker. With an empty wait list
// the marker waits for every earlier command of the queue.
func (cq *CommandQueue) EnqueueMarkerWithWaitList(waitList []*mux.Event) (*mux.Event, error) {
	return cq.submit(mux.Marker{}, waitList)
}

// EnqueueBarrierWithWaitList enqueues a barrier. Later commands wait for
// it even on an out-of-order queue.
func (cq *CommandQueue) EnqueueBarrierWithWaitList(waitList []*mux.Event) (*mux.Event, error) {
	return cq.submit(mux.Barrier{}, waitList)
}

// Flush dispatches every pending command of the queue.
func (cq *CommandQueue) Flush() error {
	if cq == nil || cq.q == nil {
		return ErrInvalidCommandQueue
	}
	return cq.q.Flush()
}

// Finish blocks until every command of the queue has completed.
func (cq *CommandQueue) Finish(ctx context.Context) error {
	if cq == nil || cq.q == nil {
		return ErrInvalidCommandQueue
	}
	return cq.q.Finish(ctx)
}

// Release releases the queue once its commands have finished.
func (cq *CommandQueue) Release(ctx context.Context) error {
	if cq == nil || cq.q == nil {
		return ErrInvalidCommandQueue
	}
	return cq.q.Release(ctx)
}

// WaitForEvents blocks until every event has finished. An empty list is
// InvalidValue; any failed event makes the call report
// ExecStatusErrorForEventsInWaitList.
func WaitForEvents(ctx context.Context, events []*mux.Event) error {
	if err := checkWaitList(events); err != nil {
		return err
	}
	return mux.WaitForEvents(ctx, events...)
}

// CreateUserEvent returns a user event in the Submitted state.
func CreateUserEvent(c *mux.Context) (*mux.Event, error) {
	if c == nil {
		return nil, fmt.Errorf("cl: nil context: %w", mux.ErrInvalidValue)
	}
	return c.NewUserEvent(), nil
}

// SetUserEventStatus resolves a user event: Complete releases the
// commands gated on it, a negative status fails them.
func SetUserEventStatus(ev *mux.Event, status int32) error {
	switch {
	case ev == nil:
		return fmt.Errorf("cl: nil event: %w", mux.ErrInvalidValue)
	case status == Complete:
		return ev.Complete()
	case status < 0:
		return ev.Fail(status)
	default:
		return fmt.Errorf("%w: %d", errInvalidUserEventStatus, status)
	}
}

// EventCallback receives the event and the status it reached, negative
// for a failed event.
type EventCallback func(ev *mux.Event, status int32)

// SetEventCallback registers fn for Submitted, Running or Complete.
func SetEventCallback(ev *mux.Event, status int32, fn EventCallback) error {
	if ev == nil || fn == nil {
		return fmt.Errorf("cl: nil event or callback: %w", mux.ErrInvalidValue)
	}
	return ev.OnStatus(mux.EventStatus(status), func(e *mux.Event, reached mux.EventStatus) {
		if reached == mux.StatusError {
			fn(e, EventStatus(e))
			return
		}
		fn(e, int32(reached))
	})
}

// GetEventProfilingInfo returns one timestamp of ev in nanoseconds since
// the Unix epoch.
func GetEventProfilingInfo(ev *mux.Event, param uint32) (uint64, error) {
	if ev == nil {
		return 0, fmt.Errorf("cl: nil event: %w", mux.ErrInvalidValue)
	}
	p, err := ev.Profile()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrProfilingInfoNotAvailable, err)
	}
	var t time.Time
	switch param {
	case ProfilingCommandQueued:
		t = p.Queued
	case ProfilingCommandSubmit:
		t = p.Submitted
	case ProfilingCommandStart:
		t = p.Started
	case ProfilingCommandEnd:
		t = p.Ended
	default:
		return 0, fmt.Errorf("%w: %#x", errUnsupportedProfilingParam, param)
	}
	return uint64(t.UnixNano()), nil
}
