package mux

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/mux/internal/arena"
)

// EventStatus is the execution status of an event. Statuses only move
// towards Complete or Error; the numeric value decreases as they advance.
type EventStatus int32

// Event statuses.
const (
	StatusComplete  EventStatus = 0
	StatusRunning   EventStatus = 1
	StatusSubmitted EventStatus = 2
	StatusQueued    EventStatus = 3
	StatusError     EventStatus = -1
)

func (s EventStatus) String() string {
	switch s {
	case StatusComplete:
		return "complete"
	case StatusRunning:
		return "running"
	case StatusSubmitted:
		return "submitted"
	case StatusQueued:
		return "queued"
	case StatusError:
		return "error"
	default:
		return fmt.Sprintf("EventStatus(%d)", int32(s))
	}
}

func (s EventStatus) terminal() bool { return s <= StatusComplete }

// EventCallback is called once when an event reaches the status it was
// registered for, or a later one. status is the status actually reached.
type EventCallback func(ev *Event, status EventStatus)

// Profile holds the timestamps of an event on a profiling queue.
type Profile struct {
	Queued    time.Time
	Submitted time.Time
	Started   time.Time
	Ended     time.Time
}

type eventCallback struct {
	status EventStatus
	fn     EventCallback
}

var eventSeq atomic.Uint64

// Event is the completion handle of a submitted command or a user event.
//
// Thread safety: Event is safe for concurrent use.
type Event struct {
	id        uint64
	ctx       *Context
	queue     *Queue
	kind      CommandKind
	user      bool
	profiling bool
	refs      atomic.Int32

	mu        sync.Mutex
	status    EventStatus
	err       error
	record    arena.ID
	gated     bool
	done      chan struct{}
	callbacks []eventCallback
	profile   Profile
}

func newEvent(c *Context, q *Queue, kind CommandKind) *Event {
	ev := &Event{
		id:     eventSeq.Add(1),
		ctx:    c,
		queue:  q,
		kind:   kind,
		status: StatusQueued,
		done:   make(chan struct{}),
	}
	ev.refs.Store(1)
	if q != nil && q.profiling {
		ev.profiling = true
		ev.profile.Queued = time.Now()
	}
	return ev
}

// ID returns a process-unique event number.
func (e *Event) ID() uint64 { return e.id }

// Kind returns the kind of command the event completes, or KindUser.
func (e *Event) Kind() CommandKind { return e.kind }

// Queue returns the queue the command was submitted to. It is nil for
// user events.
func (e *Event) Queue() *Queue { return e.queue }

// Context returns the owning context.
func (e *Event) Context() *Context { return e.ctx }

// IsUser reports whether e is a user event.
func (e *Event) IsUser() bool { return e.user }

// Status returns the current status.
func (e *Event) Status() EventStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Err returns the error of a failed event, nil otherwise.
func (e *Event) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// Done returns a channel closed once the event is complete or failed.
func (e *Event) Done() <-chan struct{} { return e.done }

// Wait blocks until the event resolves, flushing its queue first if the
// command has not been dispatched yet.
func (e *Event) Wait(ctx context.Context) error {
	return WaitForEvents(ctx, e)
}

// Retain adds a client reference.
func (e *Event) Retain() { e.refs.Add(1) }

// Release drops a client reference. Releasing an event does not cancel
// its command.
func (e *Event) Release() error {
	if n := e.refs.Add(-1); n < 0 {
		e.refs.Add(1)
		return fmt.Errorf("%w: event %d released too many times", ErrInvalidOperation, e.id)
	}
	return nil
}

// Refs returns the number of client references.
func (e *Event) Refs() int { return int(e.refs.Load()) }

// OnStatus registers fn to run once e reaches status. Valid statuses are
// Submitted, Running and Complete; a failed event fires every pending
// callback with StatusError. If e has already reached status, fn runs
// before OnStatus returns.
//
// Callbacks for the terminal status run before Done is closed, so fn must
// not wait on e.
func (e *Event) OnStatus(status EventStatus, fn EventCallback) error {
	if fn == nil {
		return fmt.Errorf("%w: nil callback", ErrInvalidValue)
	}
	switch status {
	case StatusComplete, StatusRunning, StatusSubmitted:
	default:
		return fmt.Errorf("%w: callback status %v", ErrInvalidValue, status)
	}

	e.mu.Lock()
	if e.status <= status {
		reached := e.status
		e.mu.Unlock()
		fn(e, reached)
		return nil
	}
	e.callbacks = append(e.callbacks, eventCallback{status: status, fn: fn})
	e.mu.Unlock()
	return nil
}

// Profile returns the event's timestamps. Events of queues created
// without WithProfiling, user events, and unfinished events have none.
func (e *Event) Profile() (Profile, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case !e.profiling:
		return Profile{}, fmt.Errorf("%w: profiling not enabled", ErrInvalidOperation)
	case !e.status.terminal():
		return Profile{}, fmt.Errorf("%w: event %d not finished", ErrInvalidOperation, e.id)
	}
	return e.profile, nil
}

// Complete resolves a user event successfully and releases every command
// gated on it.
func (e *Event) Complete() error {
	if !e.user {
		return fmt.Errorf("%w: event %d is not a user event", ErrInvalidOperation, e.id)
	}
	if !e.resolve(nil) {
		return fmt.Errorf("%w: user event %d already resolved", ErrInvalidOperation, e.id)
	}
	return nil
}

// Fail resolves a user event with a negative status. Every command gated
// on it fails with ErrWaitListFailed and never executes.
func (e *Event) Fail(code int32) error {
	if !e.user {
		return fmt.Errorf("%w: event %d is not a user event", ErrInvalidOperation, e.id)
	}
	if code >= 0 {
		return fmt.Errorf("%w: user event status %d is not negative", ErrInvalidValue, code)
	}
	if !e.resolve(&UserEventError{Code: code}) {
		return fmt.Errorf("%w: user event %d already resolved", ErrInvalidOperation, e.id)
	}
	return nil
}

// advance moves e forward to s. It returns the callbacks to run, which
// the caller must invoke after dropping its own locks.
func (e *Event) advance(s EventStatus) func() {
	e.mu.Lock()
	if e.status.terminal() || s >= e.status {
		e.mu.Unlock()
		return nil
	}
	e.status = s
	if e.profiling {
		now := time.Now()
		switch s {
		case StatusSubmitted:
			e.profile.Submitted = now
		case StatusRunning:
			e.profile.Started = now
		}
	}
	fire := e.takeCallbacksLocked(s)
	e.mu.Unlock()
	return fire
}

// resolve moves e to its terminal status, runs callbacks and releases
// gated work. It reports false if e had already resolved.
func (e *Event) resolve(err error) bool {
	e.mu.Lock()
	if e.status.terminal() {
		e.mu.Unlock()
		return false
	}
	if err != nil {
		e.status = StatusError
		e.err = err
	} else {
		e.status = StatusComplete
	}
	if e.profiling {
		now := time.Now()
		if e.profile.Submitted.IsZero() {
			e.profile.Submitted = now
		}
		if e.profile.Started.IsZero() {
			e.profile.Started = now
		}
		e.profile.Ended = now
	}
	e.gated = false
	fire := e.takeCallbacksLocked(e.status)
	e.mu.Unlock()

	if fire != nil {
		fire()
	}
	close(e.done)
	if e.queue != nil {
		e.queue.untrack(e)
	}
	e.ctx.gate.Notify(e, err)
	e.ctx.settle.Notify(e, err)
	return true
}

func (e *Event) takeCallbacksLocked(s EventStatus) func() {
	var ready []eventCallback
	kept := e.callbacks[:0]
	for _, cb := range e.callbacks {
		if s <= cb.status {
			ready = append(ready, cb)
		} else {
			kept = append(kept, cb)
		}
	}
	e.callbacks = kept
	if len(ready) == 0 {
		return nil
	}
	return func() {
		for _, cb := range ready {
			cb.fn(e, s)
		}
	}
}

// admit binds e to the record its command was batched into.
func (e *Event) admit(id arena.ID) {
	e.mu.Lock()
	e.record = id
	e.gated = false
	e.mu.Unlock()
}

func (e *Event) markGated() {
	e.mu.Lock()
	e.gated = true
	e.mu.Unlock()
}

func (e *Event) recordID() arena.ID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.record
}

// state reports e for gating: resolved is true once e no longer blocks
// dependents, err is set if it failed.
func (e *Event) state() (resolved bool, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status.terminal() {
		return true, e.err
	}
	return !e.user && !e.gated, nil
}

// outcome reports whether e has reached a terminal status and its error.
func (e *Event) outcome() (resolved bool, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status.terminal(), e.err
}

func (e *Event) blocking() bool {
	ok, _ := e.state()
	return !ok
}

// failure returns the error of a failed event.
func (e *Event) failure() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status == StatusError {
		return e.err
	}
	return nil
}
