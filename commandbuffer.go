package mux

import (
	"fmt"
	"sync"

	"github.com/gogpu/mux/muxcore"
)

// CommandBuffer is a persistent, replayable sequence of commands recorded
// once and dispatched with Replay any number of times. It owns its device
// command buffer; between replays the buffer is returned to it rather
// than to the context's pool.
//
// Only non-blocking commands can be recorded, and a command buffer
// cannot be replayed again while a previous replay is in flight.
type CommandBuffer struct {
	queue *Queue
	cb    muxcore.CommandBuffer

	mu        sync.Mutex
	buffers   []*Buffer
	commands  int
	finalized bool
	inFlight  bool
	released  bool
}

// Queue returns the queue the command buffer replays on.
func (c *CommandBuffer) Queue() *Queue { return c.queue }

// Record appends cmd.
func (c *CommandBuffer) Record(cmd Command) error {
	if cmd == nil {
		return fmt.Errorf("%w: nil command", ErrInvalidValue)
	}
	switch {
	case cmd.Kind() == KindReplay:
		return fmt.Errorf("%w: command buffers cannot record replays", ErrInvalidOperation)
	case cmd.blocking():
		return fmt.Errorf("%w: command buffers cannot record blocking commands", ErrInvalidOperation)
	}
	if err := cmd.validate(c.queue); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.released:
		return fmt.Errorf("command buffer: %w", ErrReleased)
	case c.finalized:
		return fmt.Errorf("%w: command buffer is finalized", ErrInvalidOperation)
	}
	if err := cmd.encode(c.cb); err != nil {
		return recordError(err)
	}
	for _, b := range cmd.buffers() {
		b.Retain()
		c.buffers = append(c.buffers, b)
	}
	c.commands++
	return nil
}

// Finalize ends recording. A finalized command buffer can be replayed.
func (c *CommandBuffer) Finalize() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.released:
		return fmt.Errorf("command buffer: %w", ErrReleased)
	case c.finalized:
		return fmt.Errorf("%w: command buffer already finalized", ErrInvalidOperation)
	}
	c.finalized = true
	return nil
}

// Len returns the number of recorded commands.
func (c *CommandBuffer) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.commands
}

// Release returns the device command buffer to the context and drops the
// references recorded commands hold on their buffers.
func (c *CommandBuffer) Release() error {
	c.mu.Lock()
	switch {
	case c.released:
		c.mu.Unlock()
		return fmt.Errorf("command buffer: %w", ErrReleased)
	case c.inFlight:
		c.mu.Unlock()
		return fmt.Errorf("%w: command buffer is in flight", ErrInvalidOperation)
	}
	c.released = true
	bufs := c.buffers
	c.buffers = nil
	c.mu.Unlock()

	c.queue.ctx.cmdbufs.Release(c.cb)
	for _, b := range bufs {
		_ = b.Release()
	}
	return nil
}

func (c *CommandBuffer) checkReplay(q *Queue) error {
	if c.queue != q {
		return fmt.Errorf("%w: command buffer belongs to queue %s", ErrInvalidOperation, c.queue.label)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.released:
		return fmt.Errorf("command buffer: %w", ErrReleased)
	case !c.finalized:
		return fmt.Errorf("%w: command buffer is not finalized", ErrInvalidOperation)
	}
	return nil
}

// claim marks the command buffer in flight for one replay.
func (c *CommandBuffer) claim() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight {
		return fmt.Errorf("%w: command buffer is already in flight", ErrInvalidOperation)
	}
	c.inFlight = true
	return nil
}

// unclaim returns ownership after the replay completed or was dropped.
func (c *CommandBuffer) unclaim() {
	c.mu.Lock()
	c.inFlight = false
	c.mu.Unlock()
}
