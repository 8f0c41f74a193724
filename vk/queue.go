package vk

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"go.uber.org/multierr"

	"github.com/gogpu/mux"
	"github.com/gogpu/mux/muxcore"
)

// Device groups the queues and synchronization objects of one mux
// context.
type Device struct {
	ctx *mux.Context

	// submitMu serializes submissions so semaphore signals are consumed
	// in submission order.
	submitMu sync.Mutex

	mu     sync.Mutex
	queues []*Queue
}

// NewDevice wraps c.
func NewDevice(c *mux.Context) *Device {
	return &Device{ctx: c}
}

// Context returns the wrapped mux context.
func (d *Device) Context() *mux.Context { return d.ctx }

// NewQueue creates an in-order queue.
func (d *Device) NewQueue(opts ...mux.QueueOption) (*Queue, error) {
	mq, err := d.ctx.NewQueue(opts...)
	if err != nil {
		return nil, err
	}
	q := &Queue{dev: d, q: mq}
	d.mu.Lock()
	d.queues = append(d.queues, q)
	d.mu.Unlock()
	return q, nil
}

// CreateSemaphore returns an unsignaled binary semaphore.
func (d *Device) CreateSemaphore() *Semaphore {
	return &Semaphore{dev: d}
}

// CreateFence returns a fence, already signaled if signaled is true.
func (d *Device) CreateFence(signaled bool) *Fence {
	return &Fence{dev: d, signaled: signaled}
}

// WaitIdle waits for every queue of the device.
func (d *Device) WaitIdle(ctx context.Context) error {
	d.mu.Lock()
	queues := append([]*Queue(nil), d.queues...)
	d.mu.Unlock()

	var errs error
	for _, q := range queues {
		errs = multierr.Append(errs, q.WaitIdle(ctx))
	}
	return errs
}

// Queue submits batches of command buffers.
type Queue struct {
	dev *Device
	q   *mux.Queue
}

// Queue returns the underlying mux queue.
func (q *Queue) Queue() *mux.Queue { return q.q }

// SubmitInfo is one batch: its command buffers run after every wait
// semaphore is signaled, and its signal semaphores are signaled once the
// command buffers complete.
type SubmitInfo struct {
	WaitSemaphores   []*Semaphore
	CommandBuffers   []*CommandBuffer
	SignalSemaphores []*Semaphore
}

func (q *Queue) validate(infos []SubmitInfo, fence *Fence) error {
	if fence != nil {
		if fence.dev != q.dev {
			return fmt.Errorf("%w: fence of another device", ErrValidation)
		}
		if fence.inUse() {
			return fmt.Errorf("%w: fence is signaled or in use", ErrValidation)
		}
	}

	// Signals pending before this call plus signals added by earlier
	// batches of this call, minus the waits that consume them.
	pending := make(map[*Semaphore]bool)
	state := func(s *Semaphore) bool {
		if p, ok := pending[s]; ok {
			return p
		}
		return s.pending != nil
	}
	for i, info := range infos {
		for _, s := range info.WaitSemaphores {
			switch {
			case s == nil || s.dev != q.dev:
				return fmt.Errorf("%w: batch %d: foreign or nil wait semaphore", ErrValidation, i)
			case !state(s):
				return fmt.Errorf("%w: batch %d: wait on a semaphore with no pending signal", ErrValidation, i)
			}
			pending[s] = false
		}
		for j, cb := range info.CommandBuffers {
			if cb == nil {
				return fmt.Errorf("%w: batch %d: command buffer %d is nil", mux.ErrInvalidValue, i, j)
			}
		}
		for _, s := range info.SignalSemaphores {
			switch {
			case s == nil || s.dev != q.dev:
				return fmt.Errorf("%w: batch %d: foreign or nil signal semaphore", ErrValidation, i)
			case state(s):
				return fmt.Errorf("%w: batch %d: signal of a semaphore already signaled", ErrValidation, i)
			}
			pending[s] = true
		}
	}
	return nil
}

// Submit enqueues infos in order and flushes the queue. If fence is not
// nil it signals once every batch has completed; with no batches it
// signals once all earlier work of the queue has completed.
//
// Validation happens before any batch is enqueued. A failure while
// enqueueing leaves earlier batches of the call submitted.
func (q *Queue) Submit(infos []SubmitInfo, fence *Fence) error {
	q.dev.submitMu.Lock()
	defer q.dev.submitMu.Unlock()

	if err := q.validate(infos, fence); err != nil {
		return err
	}

	var tracked []*mux.Event
	for _, info := range infos {
		waits := make([]*mux.Event, len(info.WaitSemaphores))
		for i, s := range info.WaitSemaphores {
			waits[i] = s.pending
			s.pending = nil
		}
		last, events, err := q.submitBatch(info, waits)
		for _, w := range waits {
			_ = w.Release()
		}
		if err != nil {
			releaseAll(tracked)
			return err
		}
		for _, s := range info.SignalSemaphores {
			last.Retain()
			s.pending = last
		}
		tracked = append(tracked, events...)
	}

	if len(infos) == 0 && fence != nil {
		ev, err := q.q.Submit(mux.Marker{})
		if err != nil {
			return err
		}
		tracked = append(tracked, ev)
	}

	if fence != nil {
		fence.attach(tracked)
	} else {
		releaseAll(tracked)
	}
	return q.q.Flush()
}

// submitBatch enqueues one batch. It returns the event that completes
// last and every event created.
func (q *Queue) submitBatch(info SubmitInfo, waits []*mux.Event) (*mux.Event, []*mux.Event, error) {
	if len(info.CommandBuffers) == 0 {
		ev, err := q.q.Submit(mux.Marker{}, waits...)
		if err != nil {
			return nil, nil, err
		}
		return ev, []*mux.Event{ev}, nil
	}

	events := make([]*mux.Event, 0, len(info.CommandBuffers))
	for _, cb := range info.CommandBuffers {
		ev, err := q.q.Submit(mux.Replay{CommandBuffer: cb.cb}, waits...)
		if err != nil {
			releaseAll(events)
			return nil, nil, err
		}
		events = append(events, ev)
	}
	return events[len(events)-1], events, nil
}

func releaseAll(events []*mux.Event) {
	for _, ev := range events {
		_ = ev.Release()
	}
}

// WaitIdle waits until every submitted batch of the queue has completed.
func (q *Queue) WaitIdle(ctx context.Context) error {
	return q.q.Finish(ctx)
}

// BufferCopy is one region of CmdCopyBuffer.
type BufferCopy struct {
	SrcOffset uint64
	DstOffset uint64
	Size      uint64
}

// CommandBuffer records commands for repeated submission.
type CommandBuffer struct {
	cb *mux.CommandBuffer
}

// AllocateCommandBuffer returns a command buffer in the recording state.
func (q *Queue) AllocateCommandBuffer() (*CommandBuffer, error) {
	cb, err := q.q.NewCommandBuffer()
	if err != nil {
		return nil, err
	}
	return &CommandBuffer{cb: cb}, nil
}

// CmdUpdateBuffer writes data into buf at offset. data is captured now.
func (c *CommandBuffer) CmdUpdateBuffer(buf *mux.Buffer, offset uint64, data []byte) error {
	return c.cb.Record(mux.WriteBuffer{Buffer: buf, Offset: offset, Data: data})
}

// CmdFillBuffer repeats the 32-bit word data over size bytes of buf.
func (c *CommandBuffer) CmdFillBuffer(buf *mux.Buffer, offset, size uint64, data uint32) error {
	pattern := make([]byte, 4)
	binary.LittleEndian.PutUint32(pattern, data)
	return c.cb.Record(mux.FillBuffer{Buffer: buf, Offset: offset, Size: size, Pattern: pattern})
}

// CmdCopyBuffer copies every region from src to dst.
func (c *CommandBuffer) CmdCopyBuffer(src, dst *mux.Buffer, regions []BufferCopy) error {
	for i, r := range regions {
		if err := c.cb.Record(mux.CopyBuffer{
			Src: src, SrcOffset: r.SrcOffset,
			Dst: dst, DstOffset: r.DstOffset,
			Size: r.Size,
		}); err != nil {
			return fmt.Errorf("region %d: %w", i, err)
		}
	}
	return nil
}

// CmdDispatch launches groupX*groupY*groupZ work-groups of k. The group
// size is the kernel's scheduled local size, one item per unset
// dimension. A dispatch with a zero group count records nothing.
func (c *CommandBuffer) CmdDispatch(k muxcore.Kernel, groupX, groupY, groupZ uint32, args ...mux.Arg) error {
	if k == nil {
		return fmt.Errorf("%w: nil kernel", mux.ErrInvalidValue)
	}
	if groupX == 0 || groupY == 0 || groupZ == 0 {
		return nil
	}
	local := k.LocalSize()
	nd := muxcore.NDRange{Dims: 3}
	for i, groups := range [3]uint32{groupX, groupY, groupZ} {
		l := uint64(max(local[i], 1))
		nd.Local[i] = l
		nd.Global[i] = uint64(groups) * l
	}
	return c.cb.Record(mux.KernelLaunch{Kernel: k, Range: nd, Args: args})
}

// CmdPipelineBarrier makes every earlier command visible to later ones.
func (c *CommandBuffer) CmdPipelineBarrier() error {
	return c.cb.Record(mux.Barrier{})
}

// End finishes recording. The command buffer can then be submitted any
// number of times, one submission at a time.
func (c *CommandBuffer) End() error {
	return c.cb.Finalize()
}

// Free releases the command buffer. It must not be pending execution.
func (c *CommandBuffer) Free() error {
	return c.cb.Release()
}
