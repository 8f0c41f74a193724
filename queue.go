package mux

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gammazero/deque"

	"github.com/gogpu/mux/internal/arena"
	"github.com/gogpu/mux/internal/gate"
	"github.com/gogpu/mux/muxcore"
)

// Queue batches submitted commands into hardware command buffers and
// dispatches them to one hardware queue.
//
// Clients must serialize Submit, Flush and Finish calls on one queue;
// completion callbacks from the hardware may run concurrently with them.
// Different queues may be driven from different goroutines.
type Queue struct {
	ctx        *Context
	hw         muxcore.HardwareQueue
	label      string
	outOfOrder bool
	profiling  bool

	mu          sync.Mutex
	recording   *dispatchRecord
	tail        *dispatchRecord
	pending     *deque.Deque[*dispatchRecord]
	running     map[arena.ID]*dispatchRecord
	last        *Event
	lastBarrier *Event
	outstanding map[*Event]struct{}
	flushing    bool
	released    bool
}

// dep is one event a command waits on.
type dep struct {
	ev        *Event
	orderOnly bool
}

// Label returns the queue label.
func (q *Queue) Label() string { return q.label }

// OutOfOrder reports whether the queue was created with OutOfOrder.
func (q *Queue) OutOfOrder() bool { return q.outOfOrder }

// Context returns the owning context.
func (q *Queue) Context() *Context { return q.ctx }

// Submit admits cmd. The command starts no earlier than every event in
// waitList has completed, and on an in-order queue no earlier than the
// previously submitted command has completed.
//
// If a wait-list event is an unresolved user event, or a command that is
// itself held back, cmd is held in the context's gate and Submit returns
// at once. A wait-list event that has failed, or fails while cmd is held,
// fails cmd with ErrWaitListFailed; cmd is never executed. If the event
// fails after cmd was dispatched, cmd runs but still resolves with
// ErrWaitListFailed.
//
// Errors returned here leave no trace on the queue: ErrInvalidValue and
// ErrInvalidOperation for malformed commands or foreign events, and
// ErrOutOfResources when no command buffer, fence or semaphore could be
// obtained even after reclaiming completed batches.
func (q *Queue) Submit(cmd Command, waitList ...*Event) (*Event, error) {
	if cmd == nil {
		return nil, fmt.Errorf("%w: nil command", ErrInvalidValue)
	}
	for i, w := range waitList {
		switch {
		case w == nil:
			return nil, fmt.Errorf("%w: wait list entry %d is nil", ErrInvalidValue, i)
		case w.ctx != q.ctx:
			return nil, fmt.Errorf("%w: wait list entry %d belongs to another context", ErrInvalidOperation, i)
		}
	}
	if err := cmd.validate(q); err != nil {
		return nil, err
	}

	bufs := cmd.buffers()
	for _, b := range bufs {
		b.Retain()
	}
	cleanup := func() {
		for _, b := range bufs {
			_ = b.Release()
		}
	}
	if rp, ok := cmd.(Replay); ok {
		if err := rp.CommandBuffer.claim(); err != nil {
			cleanup()
			return nil, err
		}
		cleanup = func() { rp.CommandBuffer.unclaim() }
	}

	ev := newEvent(q.ctx, q, cmd.Kind())
	for attempt := 0; ; attempt++ {
		q.mu.Lock()
		if q.released {
			q.mu.Unlock()
			cleanup()
			return nil, fmt.Errorf("queue %s: %w", q.label, ErrReleased)
		}

		deps := q.dependenciesLocked(cmd, waitList)
		if err := failedDependency(deps); err != nil {
			q.mu.Unlock()
			cleanup()
			ev.resolve(err)
			return ev, nil
		}
		if blockers := blockersOf(deps); len(blockers) > 0 {
			ev.markGated()
			q.trackLocked(ev, cmd)
			q.mu.Unlock()
			q.deferCommand(ev, cmd, deps, blockers, cleanup)
			return ev, nil
		}

		flush, err := q.admitLocked(ev, cmd, deps, cleanup)
		if err == nil {
			q.trackLocked(ev, cmd)
		}
		q.mu.Unlock()

		switch {
		case err == nil:
			if flush {
				q.Flush()
			}
			return ev, nil
		case errors.Is(err, ErrOutOfResources) && attempt == 0:
			q.ctx.reclaim()
		default:
			cleanup()
			return nil, err
		}
	}
}

// dependenciesLocked returns the events cmd waits on: its wait list plus
// the implicit ordering of the queue.
func (q *Queue) dependenciesLocked(cmd Command, waitList []*Event) []dep {
	deps := make([]dep, 0, len(waitList)+1)
	for _, w := range waitList {
		deps = append(deps, dep{ev: w})
	}
	if !q.outOfOrder {
		if q.last != nil {
			deps = append(deps, dep{ev: q.last, orderOnly: true})
		}
		return deps
	}
	if q.lastBarrier != nil {
		deps = append(deps, dep{ev: q.lastBarrier, orderOnly: true})
	}
	if k := cmd.Kind(); (k == KindBarrier || k == KindMarker) && len(waitList) == 0 {
		for ev := range q.outstanding {
			deps = append(deps, dep{ev: ev, orderOnly: true})
		}
	}
	return deps
}

func failedDependency(deps []dep) error {
	for _, d := range deps {
		if d.orderOnly {
			continue
		}
		if err := d.ev.failure(); err != nil {
			return waitListError(err)
		}
	}
	return nil
}

func blockersOf(deps []dep) []gate.Blocker[*Event] {
	var blockers []gate.Blocker[*Event]
	for _, d := range deps {
		if d.ev.blocking() {
			blockers = append(blockers, gate.Blocker[*Event]{Key: d.ev, OrderOnly: d.orderOnly})
		}
	}
	return blockers
}

func (q *Queue) trackLocked(ev *Event, cmd Command) {
	q.outstanding[ev] = struct{}{}
	q.last = ev
	if q.outOfOrder && cmd.Kind() == KindBarrier {
		q.lastBarrier = ev
	}
}

func (q *Queue) untrack(ev *Event) {
	q.mu.Lock()
	delete(q.outstanding, ev)
	q.mu.Unlock()
}

// deferCommand parks cmd in the gate until its blockers resolve.
func (q *Queue) deferCommand(ev *Event, cmd Command, deps []dep, blockers []gate.Blocker[*Event], cleanup func()) {
	gatedCommands.WithLabelValues(q.label).Inc()
	Logger().Debug("mux: command gated",
		"queue", q.label, "event", ev.id, "kind", cmd.Kind(), "blockers", len(blockers))

	q.ctx.gate.Defer(gate.Entry[*Event]{
		Blockers: blockers,
		Release: func() {
			q.admitGated(ev, cmd, deps, cleanup)
		},
		Drop: func(err error) {
			cleanup()
			ev.resolve(waitListError(err))
		},
	})
}

// admitGated admits a command whose blockers have all resolved. Failures
// can no longer be returned to the submitter and resolve the event.
func (q *Queue) admitGated(ev *Event, cmd Command, deps []dep, cleanup func()) {
	for attempt := 0; ; attempt++ {
		q.mu.Lock()
		if q.released {
			q.mu.Unlock()
			cleanup()
			ev.resolve(fmt.Errorf("queue %s: %w", q.label, ErrReleased))
			return
		}
		if err := failedDependency(deps); err != nil {
			q.mu.Unlock()
			cleanup()
			ev.resolve(err)
			return
		}
		_, err := q.admitLocked(ev, cmd, deps, cleanup)
		q.mu.Unlock()

		switch {
		case err == nil:
			q.ctx.gate.Notify(ev, nil)
			q.Flush()
			return
		case errors.Is(err, ErrOutOfResources) && attempt == 0:
			q.ctx.reclaim()
		default:
			Logger().Warn("mux: gated command failed on admission",
				"queue", q.label, "event", ev.id, "error", err)
			cleanup()
			ev.resolve(err)
			return
		}
	}
}

// admitLocked records cmd into the batch chosen by chooseBatch. It
// reports whether the queue must be flushed right away. On error nothing
// has changed.
func (q *Queue) admitLocked(ev *Event, cmd Command, deps []dep, cleanup func()) (bool, error) {
	var (
		depRecs  []*dispatchRecord
		foreign  int
		explicit int
	)
	for _, d := range deps {
		id := d.ev.recordID()
		if id.IsZero() {
			continue
		}
		rec, ok := q.ctx.records.Get(id)
		if !ok || containsRecord(depRecs, rec) {
			continue
		}
		depRecs = append(depRecs, rec)
		if !d.orderOnly {
			explicit++
		}
		if !q.orders(rec) {
			foreign++
		}
	}
	_, replay := cmd.(Replay)
	choice := chooseBatch(batchInputs{
		hasRecording:  q.recording != nil,
		sealed:        q.recording != nil && q.recording.sealed,
		replay:        replay,
		explicitWaits: explicit,
		foreign:       foreign,
	})

	var rec *dispatchRecord
	if choice == newBuffer {
		var err error
		if rec, err = q.newRecordLocked(cmd); err != nil {
			return false, err
		}
		q.closeRecordingLocked()
		rec.id = q.ctx.records.Insert(rec)
		for _, d := range depRecs {
			rec.addDep(d.id)
		}
		if !q.outOfOrder && q.tail != nil {
			rec.addDep(q.tail.id)
		}
		q.recording = rec
		q.tail = rec
	} else {
		rec = q.recording
		if err := cmd.encode(rec.cmdbuf); err != nil {
			return false, recordError(err)
		}
	}

	var waitList []*Event
	for _, d := range deps {
		if !d.orderOnly && d.ev.recordID() != rec.id && d.ev.Status() != StatusComplete {
			waitList = append(waitList, d.ev)
		}
	}
	rec.events = append(rec.events, ev)
	rec.waitLists = append(rec.waitLists, waitList)
	rec.cleanups = append(rec.cleanups, cleanup)
	rec.commands++
	ev.admit(rec.id)

	batchedCommands.WithLabelValues(q.label, choice.String()).Inc()
	Logger().Debug("mux: command admitted",
		"queue", q.label, "event", ev.id, "kind", cmd.Kind(), "batch", rec.id, "decision", choice)
	return cmd.blocking() || rec.sealed, nil
}

// orders reports whether a command recorded into the current recording
// buffer of q is already ordered after rec.
func (q *Queue) orders(rec *dispatchRecord) bool {
	if rec == q.recording {
		return true
	}
	return !q.outOfOrder && rec.queue == q
}

func containsRecord(recs []*dispatchRecord, rec *dispatchRecord) bool {
	for _, r := range recs {
		if r == rec {
			return true
		}
	}
	return false
}

// newRecordLocked acquires the hardware handles of a new batch and records
// cmd into it. The record is not installed; on error every handle has been
// returned.
func (q *Queue) newRecordLocked(cmd Command) (*dispatchRecord, error) {
	c := q.ctx
	rec := &dispatchRecord{queue: q}

	if rp, ok := cmd.(Replay); ok {
		rec.cmdbuf = rp.CommandBuffer.cb
		rec.owner = rp.CommandBuffer
		rec.sealed = true
	} else {
		cb, err := c.cmdbufs.Acquire()
		if err != nil {
			return nil, resourceError("command buffer", err)
		}
		rec.cmdbuf = cb
	}
	releaseCmdbuf := func() {
		if rec.owner == nil {
			c.cmdbufs.Release(rec.cmdbuf)
		}
	}

	fence, err := c.fences.Acquire()
	if err != nil {
		releaseCmdbuf()
		return nil, resourceError("fence", err)
	}
	rec.fence = fence

	sem, err := c.sems.Acquire()
	if err != nil {
		releaseCmdbuf()
		c.fences.Release(fence)
		return nil, resourceError("semaphore", err)
	}
	rec.signal = sem

	if err := cmd.encode(rec.cmdbuf); err != nil {
		releaseCmdbuf()
		c.fences.Release(fence)
		c.sems.Release(sem)
		return nil, recordError(err)
	}
	return rec, nil
}

// closeRecordingLocked moves the recording buffer to the pending set.
func (q *Queue) closeRecordingLocked() {
	rec := q.recording
	if rec == nil {
		return
	}
	q.recording = nil
	rec.setState(statePending)
	q.pending.PushBack(rec)
}

// NewCommandBuffer creates a persistent command buffer for this queue.
func (q *Queue) NewCommandBuffer() (*CommandBuffer, error) {
	if err := q.ctx.checkAlive(); err != nil {
		return nil, err
	}
	cb, err := q.ctx.cmdbufs.Acquire()
	if err != nil {
		q.ctx.reclaim()
		if cb, err = q.ctx.cmdbufs.Acquire(); err != nil {
			return nil, resourceError("command buffer", err)
		}
	}
	return &CommandBuffer{queue: q, cb: cb}, nil
}

// Release finishes outstanding work and destroys the hardware queue.
// Commands still held in the gate fail with ErrReleased once their
// blockers resolve.
func (q *Queue) Release(ctx context.Context) error {
	if err := q.Finish(ctx); err != nil {
		return err
	}
	q.mu.Lock()
	if q.released {
		q.mu.Unlock()
		return nil
	}
	q.released = true
	q.mu.Unlock()

	q.hw.Destroy()
	q.ctx.removeQueue(q)
	forgetQueue(q.label)
	Logger().Info("mux: queue released", "queue", q.label)
	return nil
}
