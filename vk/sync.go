package vk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gogpu/mux"
)

// Semaphore is a binary semaphore. A submission signals it and exactly
// one later submission consumes the signal by waiting on it.
type Semaphore struct {
	dev     *Device
	pending *mux.Event // guarded by dev.submitMu
}

// Pending reports whether a signal is waiting to be consumed.
func (s *Semaphore) Pending() bool {
	s.dev.submitMu.Lock()
	defer s.dev.submitMu.Unlock()
	return s.pending != nil
}

// Destroy drops a pending signal. The semaphore must not be used by any
// unsubmitted work.
func (s *Semaphore) Destroy() {
	s.dev.submitMu.Lock()
	defer s.dev.submitMu.Unlock()
	if s.pending != nil {
		_ = s.pending.Release()
		s.pending = nil
	}
}

// Fence reports completion of one submission to the host.
type Fence struct {
	dev *Device

	mu       sync.Mutex
	signaled bool
	events   []*mux.Event
}

func (f *Fence) inUse() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.signaled || len(f.events) > 0
}

func (f *Fence) attach(events []*mux.Event) {
	f.mu.Lock()
	f.events = events
	f.mu.Unlock()
}

// snapshot returns the tracked events, or nil with signaled set.
func (f *Fence) snapshot() (signaled bool, events []*mux.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.signaled, append([]*mux.Event(nil), f.events...)
}

// GetStatus returns nil once the fence is signaled, ErrNotReady while its
// submission runs, and the submission's error if it failed.
func (f *Fence) GetStatus() error {
	signaled, events := f.snapshot()
	if signaled {
		return nil
	}
	if len(events) == 0 {
		return ErrNotReady
	}
	for _, ev := range events {
		switch ev.Status() {
		case mux.StatusError:
			return fmt.Errorf("vk: submission failed: %w", ev.Err())
		case mux.StatusComplete:
		default:
			return ErrNotReady
		}
	}
	f.mu.Lock()
	f.signaled = true
	f.mu.Unlock()
	return nil
}

// Wait blocks until the fence signals or timeout elapses.
func (f *Fence) Wait(timeout time.Duration) error {
	return WaitForFences([]*Fence{f}, true, timeout)
}

// Reset returns the fence to the unsignaled state. A fence whose
// submission is still running cannot be reset.
func (f *Fence) Reset() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ev := range f.events {
		if s := ev.Status(); s != mux.StatusComplete && s != mux.StatusError {
			return fmt.Errorf("%w: reset of a fence in use", ErrValidation)
		}
	}
	for _, ev := range f.events {
		_ = ev.Release()
	}
	f.events = nil
	f.signaled = false
	return nil
}

// WaitForFences waits for every fence, or for any one of them when
// waitAll is false. It returns ErrTimeout if timeout elapses first and
// the error of a failed submission otherwise.
func WaitForFences(fences []*Fence, waitAll bool, timeout time.Duration) error {
	if len(fences) == 0 {
		return fmt.Errorf("%w: no fences", mux.ErrInvalidValue)
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	done := make(chan error, len(fences))
	for _, f := range fences {
		go func() { done <- f.wait(ctx) }()
	}

	var first error
	for range fences {
		err := <-done
		switch {
		case err == nil && !waitAll:
			return nil
		case err != nil && first == nil:
			first = err
		}
	}
	return first
}

func (f *Fence) wait(ctx context.Context) error {
	signaled, events := f.snapshot()
	if signaled {
		return nil
	}
	if len(events) == 0 {
		// Unsubmitted fences never signal.
		<-ctx.Done()
		return fmt.Errorf("%w: fence was never submitted", ErrTimeout)
	}
	for _, ev := range events {
		select {
		case <-ev.Done():
		case <-ctx.Done():
			return ErrTimeout
		}
	}
	return f.GetStatus()
}
