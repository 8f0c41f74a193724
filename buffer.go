package mux

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/gogpu/mux/muxcore"
)

// Buffer is a reference-counted device buffer. Commands retain the
// buffers they reference until their batch completes, so a client may
// release a buffer right after submitting work on it.
type Buffer struct {
	ctx    *Context
	handle muxcore.Buffer
	size   uint64
	refs   atomic.Int32
}

// CreateBuffer allocates a device buffer of size bytes.
func (c *Context) CreateBuffer(size uint64) (*Buffer, error) {
	if size == 0 {
		return nil, fmt.Errorf("%w: zero-sized buffer", ErrInvalidValue)
	}
	if err := c.checkAlive(); err != nil {
		return nil, err
	}
	h, err := c.dev.CreateBuffer(size)
	if err != nil {
		if errors.Is(err, muxcore.ErrOutOfMemory) {
			return nil, resourceError("buffer", err)
		}
		return nil, deviceError(err)
	}
	b := &Buffer{ctx: c, handle: h, size: size}
	b.refs.Store(1)
	return b, nil
}

// Size returns the buffer size in bytes.
func (b *Buffer) Size() uint64 { return b.size }

// Handle returns the backend buffer.
func (b *Buffer) Handle() muxcore.Buffer { return b.handle }

// Retain adds a reference.
func (b *Buffer) Retain() { b.refs.Add(1) }

// Release drops a reference. The device buffer is destroyed with the last
// one.
func (b *Buffer) Release() error {
	n := b.refs.Add(-1)
	switch {
	case n < 0:
		b.refs.Add(1)
		return fmt.Errorf("%w: buffer released too many times", ErrInvalidOperation)
	case n == 0:
		b.ctx.dev.DestroyBuffer(b.handle)
	}
	return nil
}

func (b *Buffer) alive() bool { return b.refs.Load() > 0 }

// ownBuffer checks that b may be used by commands of q.
func (q *Queue) ownBuffer(b *Buffer) error {
	switch {
	case b == nil:
		return fmt.Errorf("%w: nil buffer", ErrInvalidValue)
	case b.ctx != q.ctx:
		return fmt.Errorf("%w: buffer belongs to another context", ErrInvalidOperation)
	case !b.alive():
		return fmt.Errorf("%w: buffer: %w", ErrInvalidOperation, ErrReleased)
	}
	return nil
}

func (q *Queue) checkRange(b *Buffer, offset, size uint64) error {
	if err := q.ownBuffer(b); err != nil {
		return err
	}
	if offset > b.size || size > b.size-offset {
		return fmt.Errorf("%w: range [%d, %d) outside %d-byte buffer", ErrInvalidValue, offset, offset+size, b.size)
	}
	return nil
}
