package software

import (
	"fmt"

	"github.com/gogpu/mux/internal/parallel"
	"github.com/gogpu/mux/muxcore"
)

// Buffer is host memory backing a software buffer.
type Buffer struct {
	data []byte
}

// Size returns the buffer size in bytes.
func (b *Buffer) Size() uint64 { return uint64(len(b.data)) }

// op is one recorded operation.
type op struct {
	kind string
	run  func() error
}

// commandBuffer records operations as closures over host memory.
type commandBuffer struct {
	dev *Device
	ops []op
}

func asBuffer(b muxcore.Buffer) (*Buffer, error) {
	sb, ok := b.(*Buffer)
	if !ok || sb == nil {
		return nil, fmt.Errorf("software: buffer %T: %w", b, muxcore.ErrForeignHandle)
	}
	if sb.data == nil {
		return nil, fmt.Errorf("software: buffer: %w", muxcore.ErrDestroyed)
	}
	return sb, nil
}

func checkRange(b *Buffer, offset, size uint64) error {
	if offset > b.Size() || size > b.Size()-offset {
		return fmt.Errorf("%w: [%d, %d) of %d bytes", muxcore.ErrOutOfBounds, offset, offset+size, b.Size())
	}
	return nil
}

func (c *commandBuffer) WriteBuffer(dst muxcore.Buffer, offset uint64, data []byte) error {
	b, err := asBuffer(dst)
	if err != nil {
		return err
	}
	if err := checkRange(b, offset, uint64(len(data))); err != nil {
		return err
	}
	src := append([]byte(nil), data...)
	c.ops = append(c.ops, op{kind: "write", run: func() error {
		copy(b.data[offset:], src)
		return nil
	}})
	return nil
}

func (c *commandBuffer) ReadBuffer(src muxcore.Buffer, offset uint64, data []byte) error {
	b, err := asBuffer(src)
	if err != nil {
		return err
	}
	if err := checkRange(b, offset, uint64(len(data))); err != nil {
		return err
	}
	c.ops = append(c.ops, op{kind: "read", run: func() error {
		copy(data, b.data[offset:offset+uint64(len(data))])
		return nil
	}})
	return nil
}

func (c *commandBuffer) CopyBuffer(src muxcore.Buffer, srcOffset uint64, dst muxcore.Buffer, dstOffset, size uint64) error {
	s, err := asBuffer(src)
	if err != nil {
		return err
	}
	d, err := asBuffer(dst)
	if err != nil {
		return err
	}
	if err := checkRange(s, srcOffset, size); err != nil {
		return err
	}
	if err := checkRange(d, dstOffset, size); err != nil {
		return err
	}
	c.ops = append(c.ops, op{kind: "copy", run: func() error {
		copy(d.data[dstOffset:dstOffset+size], s.data[srcOffset:srcOffset+size])
		return nil
	}})
	return nil
}

func (c *commandBuffer) FillBuffer(dst muxcore.Buffer, offset, size uint64, pattern []byte) error {
	b, err := asBuffer(dst)
	if err != nil {
		return err
	}
	if len(pattern) == 0 || size%uint64(len(pattern)) != 0 {
		return fmt.Errorf("software: fill size %d is not a multiple of pattern size %d", size, len(pattern))
	}
	if err := checkRange(b, offset, size); err != nil {
		return err
	}
	pat := append([]byte(nil), pattern...)
	c.ops = append(c.ops, op{kind: "fill", run: func() error {
		region := b.data[offset : offset+size]
		for i := 0; i < len(region); i += len(pat) {
			copy(region[i:], pat)
		}
		return nil
	}})
	return nil
}

// binding is a kernel argument resolved at record time.
type binding struct {
	buf   *Buffer
	local uint64
	value []byte
}

func (c *commandBuffer) DispatchKernel(k muxcore.Kernel, nd muxcore.NDRange, bindings []muxcore.Binding) error {
	if k == nil || k.Host() == nil {
		return fmt.Errorf("software: kernel has no host implementation: %w", muxcore.ErrUnsupported)
	}
	if err := nd.Validate(); err != nil {
		return err
	}
	resolved := make([]binding, len(bindings))
	for i, b := range bindings {
		switch {
		case b.Buffer != nil:
			sb, err := asBuffer(b.Buffer)
			if err != nil {
				return fmt.Errorf("binding %d: %w", i, err)
			}
			resolved[i].buf = sb
		case b.LocalSize > 0:
			resolved[i].local = b.LocalSize
		default:
			resolved[i].value = append([]byte(nil), b.Value...)
		}
	}
	c.ops = append(c.ops, op{kind: "kernel " + k.Name(), run: func() error {
		return c.dev.runKernel(k, nd, resolved)
	}})
	return nil
}

// Barrier is a no-op: operations already run in recording order.
func (c *commandBuffer) Barrier() error {
	c.ops = append(c.ops, op{kind: "barrier", run: func() error { return nil }})
	return nil
}

func (c *commandBuffer) Len() int { return len(c.ops) }

func (c *commandBuffer) Reset() error {
	clear(c.ops)
	c.ops = c.ops[:0]
	return nil
}

// runKernel executes every work-group of a launch on the worker pool.
func (d *Device) runKernel(k muxcore.Kernel, nd muxcore.NDRange, bindings []binding) error {
	host := k.Host()
	local := muxcore.EffectiveLocal(k, nd)
	groups := nd.Groups(local)

	tasks := make([]parallel.Task, 0, groups[0]*groups[1]*groups[2])
	for gz := range groups[2] {
		for gy := range groups[1] {
			for gx := range groups[0] {
				group := [3]uint64{gx, gy, gz}
				tasks = append(tasks, func() error {
					return runGroup(host, nd, local, group, bindings)
				})
			}
		}
	}

	if err := d.workers.Run(tasks); err != nil {
		return fmt.Errorf("%s: %w", k.Name(), err)
	}
	return nil
}

func runGroup(host muxcore.HostFunc, nd muxcore.NDRange, local, group [3]uint64, bindings []binding) error {
	args := make([][]byte, len(bindings))
	for i, b := range bindings {
		switch {
		case b.buf != nil:
			args[i] = b.buf.data
		case b.local > 0:
			args[i] = make([]byte, b.local)
		default:
			args[i] = b.value
		}
	}

	end := [3]uint64{1, 1, 1}
	for i := range nd.Dims {
		end[i] = nd.Offset[i] + nd.Global[i]
	}

	item := muxcore.WorkItem{Group: group, LocalSize: local, Range: nd}
	for lz := range local[2] {
		for ly := range local[1] {
			for lx := range local[0] {
				l := [3]uint64{lx, ly, lz}
				inRange := true
				for i := range 3 {
					item.Global[i] = group[i]*local[i] + l[i]
					if i < nd.Dims {
						item.Global[i] += nd.Offset[i]
					}
					if item.Global[i] >= end[i] {
						inRange = false
					}
				}
				if !inRange {
					continue
				}
				item.Local = l
				if err := host(item, args); err != nil {
					return fmt.Errorf("work-item %v: %w", item.Global, err)
				}
			}
		}
	}
	return nil
}
