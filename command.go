package mux

import (
	"fmt"

	"github.com/gogpu/mux/muxcore"
)

// CommandKind identifies the payload of a command.
type CommandKind int

// Command kinds.
const (
	KindKernel CommandKind = iota
	KindWrite
	KindRead
	KindCopy
	KindFill
	KindBarrier
	KindMarker
	KindReplay
	KindUser
)

var kindNames = [...]string{
	KindKernel:  "kernel",
	KindWrite:   "write",
	KindRead:    "read",
	KindCopy:    "copy",
	KindFill:    "fill",
	KindBarrier: "barrier",
	KindMarker:  "marker",
	KindReplay:  "replay",
	KindUser:    "user",
}

func (k CommandKind) String() string {
	if k >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("CommandKind(%d)", int(k))
}

// Command is a unit of work accepted by Queue.Submit. The set of commands
// is closed; use the payload types of this package.
type Command interface {
	Kind() CommandKind

	validate(q *Queue) error
	encode(cb muxcore.CommandBuffer) error
	buffers() []*Buffer
	blocking() bool
}

// Arg is one kernel argument. Exactly one field must be set.
type Arg struct {
	Buffer    *Buffer
	LocalSize uint64
	Value     []byte
}

// BufferArg binds b as a storage buffer argument.
func BufferArg(b *Buffer) Arg { return Arg{Buffer: b} }

// LocalArg reserves n bytes of work-group local memory.
func LocalArg(n uint64) Arg { return Arg{LocalSize: n} }

// ValueArg passes v by value.
func ValueArg(v []byte) Arg { return Arg{Value: v} }

// KernelLaunch runs Kernel over Range.
type KernelLaunch struct {
	Kernel muxcore.Kernel
	Range  muxcore.NDRange
	Args   []Arg
}

func (KernelLaunch) Kind() CommandKind { return KindKernel }

func (c KernelLaunch) validate(q *Queue) error {
	if c.Kernel == nil {
		return fmt.Errorf("%w: kernel launch without kernel", ErrInvalidValue)
	}
	if err := c.Range.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidValue, err)
	}
	for i, a := range c.Args {
		set := 0
		if a.Buffer != nil {
			set++
			if err := q.ownBuffer(a.Buffer); err != nil {
				return fmt.Errorf("arg %d: %w", i, err)
			}
		}
		if a.LocalSize > 0 {
			set++
		}
		if a.Value != nil {
			set++
		}
		if set != 1 {
			return fmt.Errorf("%w: arg %d must set exactly one of Buffer, LocalSize, Value", ErrInvalidValue, i)
		}
	}
	return nil
}

func (c KernelLaunch) encode(cb muxcore.CommandBuffer) error {
	bindings := make([]muxcore.Binding, len(c.Args))
	for i, a := range c.Args {
		bindings[i] = muxcore.Binding{LocalSize: a.LocalSize, Value: a.Value}
		if a.Buffer != nil {
			bindings[i].Buffer = a.Buffer.handle
		}
	}
	return cb.DispatchKernel(c.Kernel, c.Range, bindings)
}

func (c KernelLaunch) buffers() []*Buffer {
	var bufs []*Buffer
	for _, a := range c.Args {
		if a.Buffer != nil {
			bufs = append(bufs, a.Buffer)
		}
	}
	return bufs
}

func (KernelLaunch) blocking() bool { return false }

// WriteBuffer copies Data into Buffer at Offset. Data is captured when the
// command is submitted. Blocking flushes the queue immediately.
type WriteBuffer struct {
	Buffer   *Buffer
	Offset   uint64
	Data     []byte
	Blocking bool
}

func (WriteBuffer) Kind() CommandKind { return KindWrite }

func (c WriteBuffer) validate(q *Queue) error {
	return q.checkRange(c.Buffer, c.Offset, uint64(len(c.Data)))
}

func (c WriteBuffer) encode(cb muxcore.CommandBuffer) error {
	return cb.WriteBuffer(c.Buffer.handle, c.Offset, c.Data)
}

func (c WriteBuffer) buffers() []*Buffer { return []*Buffer{c.Buffer} }
func (c WriteBuffer) blocking() bool     { return c.Blocking }

// ReadBuffer copies len(Data) bytes of Buffer at Offset into Data when the
// command executes. Data must stay valid until the event completes.
type ReadBuffer struct {
	Buffer   *Buffer
	Offset   uint64
	Data     []byte
	Blocking bool
}

func (ReadBuffer) Kind() CommandKind { return KindRead }

func (c ReadBuffer) validate(q *Queue) error {
	return q.checkRange(c.Buffer, c.Offset, uint64(len(c.Data)))
}

func (c ReadBuffer) encode(cb muxcore.CommandBuffer) error {
	return cb.ReadBuffer(c.Buffer.handle, c.Offset, c.Data)
}

func (c ReadBuffer) buffers() []*Buffer { return []*Buffer{c.Buffer} }
func (c ReadBuffer) blocking() bool     { return c.Blocking }

// CopyBuffer copies Size bytes between buffers.
type CopyBuffer struct {
	Src       *Buffer
	SrcOffset uint64
	Dst       *Buffer
	DstOffset uint64
	Size      uint64
}

func (CopyBuffer) Kind() CommandKind { return KindCopy }

func (c CopyBuffer) validate(q *Queue) error {
	if err := q.checkRange(c.Src, c.SrcOffset, c.Size); err != nil {
		return fmt.Errorf("src: %w", err)
	}
	if err := q.checkRange(c.Dst, c.DstOffset, c.Size); err != nil {
		return fmt.Errorf("dst: %w", err)
	}
	if c.Src == c.Dst && c.SrcOffset < c.DstOffset+c.Size && c.DstOffset < c.SrcOffset+c.Size {
		return fmt.Errorf("%w: overlapping copy within one buffer", ErrInvalidValue)
	}
	return nil
}

func (c CopyBuffer) encode(cb muxcore.CommandBuffer) error {
	return cb.CopyBuffer(c.Src.handle, c.SrcOffset, c.Dst.handle, c.DstOffset, c.Size)
}

func (c CopyBuffer) buffers() []*Buffer { return []*Buffer{c.Src, c.Dst} }
func (CopyBuffer) blocking() bool       { return false }

// FillBuffer repeats Pattern over Size bytes of Buffer at Offset.
type FillBuffer struct {
	Buffer  *Buffer
	Offset  uint64
	Size    uint64
	Pattern []byte
}

func (FillBuffer) Kind() CommandKind { return KindFill }

func (c FillBuffer) validate(q *Queue) error {
	if len(c.Pattern) == 0 || c.Size%uint64(len(c.Pattern)) != 0 || c.Offset%uint64(len(c.Pattern)) != 0 {
		return fmt.Errorf("%w: fill of %d bytes at %d with %d-byte pattern",
			ErrInvalidValue, c.Size, c.Offset, len(c.Pattern))
	}
	return q.checkRange(c.Buffer, c.Offset, c.Size)
}

func (c FillBuffer) encode(cb muxcore.CommandBuffer) error {
	return cb.FillBuffer(c.Buffer.handle, c.Offset, c.Size, c.Pattern)
}

func (c FillBuffer) buffers() []*Buffer { return []*Buffer{c.Buffer} }
func (FillBuffer) blocking() bool       { return false }

// Barrier orders commands. On an out-of-order queue a barrier without a
// wait list waits for every earlier command, and every later command
// waits for the barrier.
type Barrier struct{}

func (Barrier) Kind() CommandKind                     { return KindBarrier }
func (Barrier) validate(*Queue) error                 { return nil }
func (Barrier) encode(cb muxcore.CommandBuffer) error { return cb.Barrier() }
func (Barrier) buffers() []*Buffer                    { return nil }
func (Barrier) blocking() bool                        { return false }

// Marker completes once the commands it waits on complete. Without a wait
// list it waits for every earlier command of the queue.
type Marker struct{}

func (Marker) Kind() CommandKind                  { return KindMarker }
func (Marker) validate(*Queue) error              { return nil }
func (Marker) encode(muxcore.CommandBuffer) error { return nil }
func (Marker) buffers() []*Buffer                 { return nil }
func (Marker) blocking() bool                     { return false }

// Replay dispatches a finalized persistent command buffer. Its batch is
// never extended with other commands.
type Replay struct {
	CommandBuffer *CommandBuffer
}

func (Replay) Kind() CommandKind { return KindReplay }

func (c Replay) validate(q *Queue) error {
	if c.CommandBuffer == nil {
		return fmt.Errorf("%w: replay without command buffer", ErrInvalidValue)
	}
	return c.CommandBuffer.checkReplay(q)
}

func (Replay) encode(muxcore.CommandBuffer) error { return nil }
func (Replay) buffers() []*Buffer                 { return nil }
func (Replay) blocking() bool                     { return false }
