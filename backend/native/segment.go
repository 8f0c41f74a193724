package native

import (
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v4"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/mux/muxcore"
)

// uniformAlignment is the size granularity of uniform bindings.
const uniformAlignment uint64 = 16

// pendingRead is a read staged by the open segment.
type pendingRead struct {
	staging hal.Buffer
	size    uint64
	dst     []byte
}

// segment encodes consecutive device operations into one HAL submission.
//
// States:
//
//	idle ──► encoding ──► submit ──► idle
//	            │
//	            └── fail ──► discard
type segment struct {
	d     *Device
	label string
	enc   hal.CommandEncoder

	bindGroups []hal.BindGroup
	transient  []hal.Buffer
	reads      []pendingRead
}

// execute runs one command buffer on the calling driver goroutine.
func (d *Device) execute(cb muxcore.CommandBuffer) error {
	c, ok := cb.(*commandBuffer)
	if !ok || c.dev != d {
		return fmt.Errorf("native: command buffer %T: %w", cb, muxcore.ErrForeignHandle)
	}

	d.submitMu.Lock()
	defer d.submitMu.Unlock()

	s := &segment{d: d, label: d.opts.name}
	defer s.discard()
	for i, o := range c.ops {
		if err := s.run(o); err != nil {
			return fmt.Errorf("%w: op %d (%s): %w", muxcore.ErrExecutionFailed, i, o.kind, err)
		}
	}
	if err := s.submit(); err != nil {
		return fmt.Errorf("%w: %w", muxcore.ErrExecutionFailed, err)
	}
	d.slogger().Debug("native: executed command buffer", "ops", len(c.ops))
	return nil
}

func (s *segment) run(o op) error {
	switch o.kind {
	case opWrite, opFill:
		if err := s.submit(); err != nil {
			return err
		}
		s.d.queue.WriteBuffer(o.dst.buf, o.dstOffset, o.data)
		return nil

	case opBarrier:
		return s.submit()

	case opCopy:
		enc, err := s.encoder()
		if err != nil {
			return err
		}
		enc.CopyBufferToBuffer(o.src.buf, o.dst.buf, []hal.BufferCopy{
			{SrcOffset: o.srcOffset, DstOffset: o.dstOffset, Size: o.size},
		})
		return nil

	case opRead:
		return s.stageRead(o)

	case opKernel:
		return s.launch(o)

	default:
		return fmt.Errorf("native: unknown op %v", o.kind)
	}
}

func (s *segment) encoder() (hal.CommandEncoder, error) {
	if s.enc != nil {
		return s.enc, nil
	}
	enc, err := s.d.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: s.label})
	if err != nil {
		return nil, fmt.Errorf("create command encoder: %w", err)
	}
	if err := enc.BeginEncoding(s.label); err != nil {
		return nil, fmt.Errorf("begin encoding: %w", err)
	}
	s.enc = enc
	return enc, nil
}

// stageRead copies the aligned window covering the read into a mappable
// buffer; the bytes are delivered when the segment's fence signals.
func (s *segment) stageRead(o op) error {
	window := alignUp(o.size, copyAlignment)
	if window == 0 {
		return nil
	}
	staging, err := s.d.device.CreateBuffer(&hal.BufferDescriptor{
		Label: "mux_staging",
		Size:  window,
		Usage: gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return fmt.Errorf("create staging buffer: %w: %w", muxcore.ErrOutOfMemory, err)
	}
	s.transient = append(s.transient, staging)

	enc, err := s.encoder()
	if err != nil {
		return err
	}
	enc.CopyBufferToBuffer(o.src.buf, staging, []hal.BufferCopy{
		{SrcOffset: o.srcOffset, DstOffset: 0, Size: window},
	})
	s.reads = append(s.reads, pendingRead{staging: staging, size: window, dst: o.data})
	return nil
}

func (s *segment) launch(o op) error {
	p, err := s.d.pipelines.getOrCreate(s.d.device, o.kernel, o.bindings)
	if err != nil {
		return err
	}

	entries := make([]gputypes.BindGroupEntry, len(o.bindings))
	for i, b := range o.bindings {
		if b.buf != nil {
			entries[i] = gputypes.BindGroupEntry{Binding: uint32(i), Resource: gputypes.BufferBinding{
				Buffer: b.buf.buf.NativeHandle(), Offset: 0, Size: alignUp(b.buf.size, copyAlignment),
			}}
			continue
		}
		ub, err := s.uniform(b.value)
		if err != nil {
			return err
		}
		entries[i] = gputypes.BindGroupEntry{Binding: uint32(i), Resource: gputypes.BufferBinding{
			Buffer: ub.NativeHandle(), Offset: 0, Size: alignUp(uint64(len(b.value)), uniformAlignment),
		}}
	}

	bg, err := s.d.device.CreateBindGroup(&hal.BindGroupDescriptor{
		Label:   o.kernel.Name() + "_bind",
		Layout:  p.layout,
		Entries: entries,
	})
	if err != nil {
		return fmt.Errorf("create bind group: %w", err)
	}
	s.bindGroups = append(s.bindGroups, bg)

	enc, err := s.encoder()
	if err != nil {
		return err
	}
	groups := o.nd.Groups(muxcore.EffectiveLocal(o.kernel, o.nd))
	pass := enc.BeginComputePass(&hal.ComputePassDescriptor{Label: o.kernel.Name()})
	pass.SetPipeline(p.pipeline)
	pass.SetBindGroup(0, bg, nil)
	pass.Dispatch(uint32(groups[0]), uint32(groups[1]), uint32(groups[2]))
	pass.End()
	return nil
}

// uniform uploads a by-value argument into a transient uniform buffer.
func (s *segment) uniform(value []byte) (hal.Buffer, error) {
	size := max(alignUp(uint64(len(value)), uniformAlignment), uniformAlignment)
	ub, err := s.d.device.CreateBuffer(&hal.BufferDescriptor{
		Label: "mux_uniform",
		Size:  size,
		Usage: gputypes.BufferUsageUniform | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, fmt.Errorf("create uniform buffer: %w: %w", muxcore.ErrOutOfMemory, err)
	}
	s.transient = append(s.transient, ub)
	padded := make([]byte, size)
	copy(padded, value)
	s.d.queue.WriteBuffer(ub, 0, padded)
	return ub, nil
}

// submit ends the open encoder, submits it and waits for its fence, then
// delivers staged reads and frees transient objects.
func (s *segment) submit() error {
	if s.enc == nil {
		return nil
	}
	enc := s.enc
	s.enc = nil
	cmdBuf, err := enc.EndEncoding()
	if err != nil {
		return fmt.Errorf("end encoding: %w", err)
	}
	defer s.d.device.FreeCommandBuffer(cmdBuf)

	fence, err := s.d.device.CreateFence()
	if err != nil {
		return fmt.Errorf("create fence: %w", err)
	}
	defer s.d.device.DestroyFence(fence)

	if err := s.d.queue.Submit([]hal.CommandBuffer{cmdBuf}, fence, 1); err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	s.d.submits.Add(1)
	if err := s.d.waitFence(fence); err != nil {
		return err
	}

	for _, r := range s.reads {
		window := make([]byte, r.size)
		if err := s.d.queue.ReadBuffer(r.staging, 0, window); err != nil {
			return fmt.Errorf("readback: %w", err)
		}
		copy(r.dst, window)
	}
	s.reads = s.reads[:0]
	s.freeTransient()
	return nil
}

// discard abandons an open encoder and frees transient objects. It is a
// no-op after a successful final submit.
func (s *segment) discard() {
	if s.enc != nil {
		s.enc.DiscardEncoding()
		s.enc = nil
	}
	s.reads = nil
	s.freeTransient()
}

func (s *segment) freeTransient() {
	for _, bg := range s.bindGroups {
		s.d.device.DestroyBindGroup(bg)
	}
	for _, b := range s.transient {
		s.d.device.DestroyBuffer(b)
	}
	s.bindGroups = s.bindGroups[:0]
	s.transient = s.transient[:0]
}

// waitFence polls f with exponential backoff until it signals, the device
// reports an error, or the fence timeout elapses.
func (d *Device) waitFence(f hal.Fence) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.opts.pollInitial
	b.MaxInterval = d.opts.pollMax
	b.MaxElapsedTime = d.opts.fenceTimeout

	polls := 0
	err := backoff.Retry(func() error {
		polls++
		ok, err := d.device.Wait(f, 1, 0)
		switch {
		case err != nil:
			return backoff.Permanent(fmt.Errorf("%w: wait: %w", muxcore.ErrDeviceLost, err))
		case !ok:
			return errFenceBusy
		}
		return nil
	}, b)
	if errors.Is(err, errFenceBusy) {
		d.slogger().Warn("native: fence timeout", "timeout", d.opts.fenceTimeout, "polls", polls)
		return fmt.Errorf("%w after %v", ErrFenceTimeout, d.opts.fenceTimeout)
	}
	return err
}
