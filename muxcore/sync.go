package muxcore

import (
	"context"
	"sync"
	"time"
)

// HostSemaphore is a binary semaphore implemented on the host. It stays
// signaled until Reset, so any number of waiters observe one Signal.
type HostSemaphore struct {
	mu       sync.Mutex
	ch       chan struct{}
	signaled bool
}

// NewHostSemaphore returns an unsignaled semaphore.
func NewHostSemaphore() *HostSemaphore {
	return &HostSemaphore{ch: make(chan struct{})}
}

// Signal marks the semaphore signaled. Extra signals are ignored.
func (s *HostSemaphore) Signal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.signaled {
		s.signaled = true
		close(s.ch)
	}
}

// Signaled reports whether the semaphore is signaled.
func (s *HostSemaphore) Signaled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.signaled
}

// Done returns a channel closed when the semaphore is signaled.
func (s *HostSemaphore) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch
}

// Wait blocks until the semaphore is signaled or ctx ends.
func (s *HostSemaphore) Wait(ctx context.Context) error {
	select {
	case <-s.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reset returns the semaphore to the unsignaled state.
func (s *HostSemaphore) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.signaled {
		s.signaled = false
		s.ch = make(chan struct{})
	}
	return nil
}

// HostFence is a fence implemented on the host. It records the execution
// error of the dispatch that signaled it.
type HostFence struct {
	mu       sync.Mutex
	ch       chan struct{}
	signaled bool
	err      error
}

// NewHostFence returns an unsignaled fence.
func NewHostFence() *HostFence {
	return &HostFence{ch: make(chan struct{})}
}

// Signal marks the fence signaled with the dispatch's execution error.
// Only the first signal after a reset counts.
func (f *HostFence) Signal(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.signaled {
		return
	}
	f.signaled = true
	f.err = err
	close(f.ch)
}

// Wait waits up to timeout for the fence. A negative timeout waits
// forever and zero polls.
func (f *HostFence) Wait(timeout time.Duration) (bool, error) {
	f.mu.Lock()
	ch := f.ch
	if f.signaled {
		err := f.err
		f.mu.Unlock()
		return true, err
	}
	f.mu.Unlock()

	switch {
	case timeout == 0:
		return false, nil
	case timeout < 0:
		<-ch
	default:
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-ch:
		case <-timer.C:
			return false, nil
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return true, f.err
}

// Reset returns the fence to the unsignaled state.
func (f *HostFence) Reset() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.signaled {
		f.signaled = false
		f.err = nil
		f.ch = make(chan struct{})
	}
	return nil
}
