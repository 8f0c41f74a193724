package native

import (
	"fmt"

	"github.com/gogpu/mux/muxcore"
)

type opKind uint8

const (
	opWrite opKind = iota
	opRead
	opCopy
	opFill
	opKernel
	opBarrier
)

func (k opKind) String() string {
	switch k {
	case opWrite:
		return "write"
	case opRead:
		return "read"
	case opCopy:
		return "copy"
	case opFill:
		return "fill"
	case opKernel:
		return "kernel"
	case opBarrier:
		return "barrier"
	default:
		return fmt.Sprintf("opKind(%d)", uint8(k))
	}
}

// op is one recorded operation. Buffers are resolved at record time and
// encoded when the command buffer executes.
type op struct {
	kind      opKind
	src, dst  *Buffer
	srcOffset uint64
	dstOffset uint64
	size      uint64

	// data is the write payload, the expanded fill pattern, or the read
	// destination.
	data []byte

	kernel   muxcore.Kernel
	nd       muxcore.NDRange
	bindings []binding
}

// binding is a kernel argument: a buffer bound as storage or a value
// bound as a uniform.
type binding struct {
	buf   *Buffer
	value []byte
}

// commandBuffer records operations for re-encoding on every execution.
type commandBuffer struct {
	dev *Device
	ops []op
}

func (c *commandBuffer) asBuffer(b muxcore.Buffer) (*Buffer, error) {
	nb, ok := b.(*Buffer)
	if !ok || nb == nil || nb.dev != c.dev {
		return nil, fmt.Errorf("native: buffer %T: %w", b, muxcore.ErrForeignHandle)
	}
	if nb.buf == nil {
		return nil, fmt.Errorf("native: buffer: %w", muxcore.ErrDestroyed)
	}
	return nb, nil
}

func checkRange(b *Buffer, offset, size uint64) error {
	if offset > b.size || size > b.size-offset {
		return fmt.Errorf("%w: [%d, %d) of %d bytes", muxcore.ErrOutOfBounds, offset, offset+size, b.size)
	}
	return nil
}

func checkAligned(values ...uint64) error {
	for _, v := range values {
		if v%copyAlignment != 0 {
			return fmt.Errorf("%w: %d: %w", ErrUnaligned, v, muxcore.ErrUnsupported)
		}
	}
	return nil
}

func (c *commandBuffer) WriteBuffer(dst muxcore.Buffer, offset uint64, data []byte) error {
	b, err := c.asBuffer(dst)
	if err != nil {
		return err
	}
	if err := checkRange(b, offset, uint64(len(data))); err != nil {
		return err
	}
	if err := checkAligned(offset, uint64(len(data))); err != nil {
		return err
	}
	c.ops = append(c.ops, op{kind: opWrite, dst: b, dstOffset: offset, data: append([]byte(nil), data...)})
	return nil
}

// ReadBuffer needs an aligned offset only; the staged window is rounded
// up and trimmed to len(data).
func (c *commandBuffer) ReadBuffer(src muxcore.Buffer, offset uint64, data []byte) error {
	b, err := c.asBuffer(src)
	if err != nil {
		return err
	}
	if err := checkRange(b, offset, uint64(len(data))); err != nil {
		return err
	}
	if err := checkAligned(offset); err != nil {
		return err
	}
	c.ops = append(c.ops, op{kind: opRead, src: b, srcOffset: offset, size: uint64(len(data)), data: data})
	return nil
}

func (c *commandBuffer) CopyBuffer(src muxcore.Buffer, srcOffset uint64, dst muxcore.Buffer, dstOffset, size uint64) error {
	s, err := c.asBuffer(src)
	if err != nil {
		return err
	}
	d, err := c.asBuffer(dst)
	if err != nil {
		return err
	}
	if err := checkRange(s, srcOffset, size); err != nil {
		return err
	}
	if err := checkRange(d, dstOffset, size); err != nil {
		return err
	}
	if err := checkAligned(srcOffset, dstOffset, size); err != nil {
		return err
	}
	c.ops = append(c.ops, op{kind: opCopy, src: s, srcOffset: srcOffset, dst: d, dstOffset: dstOffset, size: size})
	return nil
}

// FillBuffer is executed as a queue write of the expanded pattern.
func (c *commandBuffer) FillBuffer(dst muxcore.Buffer, offset, size uint64, pattern []byte) error {
	b, err := c.asBuffer(dst)
	if err != nil {
		return err
	}
	if len(pattern) == 0 || size%uint64(len(pattern)) != 0 {
		return fmt.Errorf("native: fill size %d is not a multiple of pattern size %d", size, len(pattern))
	}
	if err := checkRange(b, offset, size); err != nil {
		return err
	}
	if err := checkAligned(offset, size); err != nil {
		return err
	}
	expanded := make([]byte, size)
	for i := 0; i < len(expanded); i += len(pattern) {
		copy(expanded[i:], pattern)
	}
	c.ops = append(c.ops, op{kind: opFill, dst: b, dstOffset: offset, data: expanded})
	return nil
}

func (c *commandBuffer) DispatchKernel(k muxcore.Kernel, nd muxcore.NDRange, bindings []muxcore.Binding) error {
	if k == nil {
		return fmt.Errorf("native: nil kernel: %w", muxcore.ErrUnsupported)
	}
	if k.Source() == "" {
		return fmt.Errorf("%w: %s: %w", ErrNoDeviceCode, k.Name(), muxcore.ErrUnsupported)
	}
	if err := nd.Validate(); err != nil {
		return err
	}
	resolved := make([]binding, len(bindings))
	for i, b := range bindings {
		switch {
		case b.Buffer != nil:
			nb, err := c.asBuffer(b.Buffer)
			if err != nil {
				return fmt.Errorf("binding %d: %w", i, err)
			}
			resolved[i].buf = nb
		case b.LocalSize > 0:
			// Work-group memory is declared statically in WGSL.
			return fmt.Errorf("native: binding %d: dynamic local memory: %w", i, muxcore.ErrUnsupported)
		default:
			resolved[i].value = append([]byte(nil), b.Value...)
		}
	}
	c.ops = append(c.ops, op{kind: opKernel, kernel: k, nd: nd, bindings: resolved})
	return nil
}

// Barrier ends the current HAL submission; later operations observe every
// earlier one.
func (c *commandBuffer) Barrier() error {
	c.ops = append(c.ops, op{kind: opBarrier})
	return nil
}

func (c *commandBuffer) Len() int { return len(c.ops) }

func (c *commandBuffer) Reset() error {
	clear(c.ops)
	c.ops = c.ops[:0]
	return nil
}
