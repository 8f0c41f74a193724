package mux

import (
	"context"
	"fmt"

	"github.com/gogpu/mux/internal/arena"
	"github.com/gogpu/mux/internal/gate"
	"github.com/gogpu/mux/muxcore"
)

// Flush dispatches every recorded batch of q to the hardware. Batches
// waiting on commands of other queues first flush those queues, so a
// dispatch never waits on a semaphore nobody will signal.
//
// Commands held in the gate are not affected; they are dispatched when
// released.
func (q *Queue) Flush() error {
	q.mu.Lock()
	if q.released {
		q.mu.Unlock()
		return fmt.Errorf("queue %s: %w", q.label, ErrReleased)
	}
	if q.flushing {
		// Re-entered through another queue's flush; the outer call
		// dispatches everything recorded so far.
		q.mu.Unlock()
		return nil
	}
	q.flushing = true

	visited := map[*Queue]bool{q: true}
	for {
		q.closeRecordingLocked()
		var upstream []*Queue
		for _, o := range q.upstreamLocked() {
			if !visited[o] {
				visited[o] = true
				upstream = append(upstream, o)
			}
		}
		if len(upstream) == 0 {
			break
		}
		q.mu.Unlock()
		for _, o := range upstream {
			_ = o.Flush()
		}
		q.mu.Lock()
	}

	failed, notify := q.dispatchPendingLocked()
	q.flushing = false
	q.mu.Unlock()

	for _, fire := range notify {
		fire()
	}
	for _, f := range failed {
		q.ctx.complete(f.id, f.err)
	}
	return nil
}

// upstreamLocked returns the other queues owning batches that pending
// batches of q depend on and that have not been dispatched yet.
func (q *Queue) upstreamLocked() []*Queue {
	var out []*Queue
	for i := range q.pending.Len() {
		for _, id := range q.pending.At(i).deps {
			rec, ok := q.ctx.records.Get(id)
			if !ok || rec.queue == q || rec.stateOf() >= stateRunning {
				continue
			}
			out = append(out, rec.queue)
		}
	}
	return out
}

type dispatchFailure struct {
	id  arena.ID
	err error
}

// dispatchPendingLocked hands pending batches to the hardware in FIFO
// order. Completion of failed dispatches and event callbacks are left to
// the caller, which runs them after releasing q.mu.
func (q *Queue) dispatchPendingLocked() ([]dispatchFailure, []func()) {
	var (
		failed []dispatchFailure
		notify []func()
	)
	c := q.ctx
	for q.pending.Len() > 0 {
		rec := q.pending.PopFront()
		waits := q.waitSemaphoresLocked(rec)

		rec.mu.Lock()
		rec.state = stateRunning
		rec.waits = waits
		rec.mu.Unlock()
		q.running[rec.id] = rec

		for _, ev := range rec.events {
			if fire := ev.advance(StatusSubmitted); fire != nil {
				notify = append(notify, fire)
			}
		}

		id := rec.id
		err := q.hw.Dispatch(muxcore.Dispatch{
			CommandBuffer: rec.cmdbuf,
			Fence:         rec.fence,
			Wait:          waits,
			Signal:        []muxcore.Semaphore{rec.signal},
			OnStart:       func() { c.started(id) },
			OnComplete:    func(err error) { c.complete(id, err) },
		})
		if err != nil {
			// Waiters on this batch must not be stranded.
			rec.signal.Signal()
			failed = append(failed, dispatchFailure{id: id, err: fmt.Errorf("%w: dispatch: %w", ErrDeviceError, err)})
			continue
		}

		dispatchedBatches.WithLabelValues(q.label).Inc()
		Logger().Debug("mux: batch dispatched",
			"queue", q.label, "batch", id, "commands", rec.commands, "waits", len(waits))
	}
	return failed, notify
}

// waitSemaphoresLocked returns the signal semaphores of rec's dependencies
// that have not completed, each retained for the dispatch.
func (q *Queue) waitSemaphoresLocked(rec *dispatchRecord) []muxcore.Semaphore {
	var waits []muxcore.Semaphore
	for _, id := range rec.deps {
		d, ok := q.ctx.records.Get(id)
		if !ok {
			continue
		}
		d.mu.Lock()
		if d.state != stateCompleted {
			q.ctx.sems.Retain(d.signal)
			waits = append(waits, d.signal)
		}
		d.mu.Unlock()
	}
	return waits
}

// started marks the events of a batch running.
func (c *Context) started(id arena.ID) {
	rec, ok := c.records.Get(id)
	if !ok {
		return
	}
	q := rec.queue
	q.mu.Lock()
	events := rec.events
	q.mu.Unlock()

	for _, ev := range events {
		if fire := ev.advance(StatusRunning); fire != nil {
			fire()
		}
	}
}

// complete reclaims a finished batch and resolves its events. It is
// reached from the hardware completion callback, from fence polling and
// from failed dispatches; only the first call for a record has effect and
// reports true.
func (c *Context) complete(id arena.ID, err error) bool {
	rec, ok := c.records.Get(id)
	if !ok {
		return false
	}
	q := rec.queue

	q.mu.Lock()
	rec.mu.Lock()
	if rec.state == stateCompleted {
		rec.mu.Unlock()
		q.mu.Unlock()
		return false
	}
	rec.state = stateCompleted
	waits := rec.waits
	rec.waits = nil
	rec.mu.Unlock()

	delete(q.running, id)
	c.records.Remove(id)
	if q.tail == rec {
		q.tail = nil
	}
	events, waitLists, cleanups := rec.events, rec.waitLists, rec.cleanups
	rec.events, rec.waitLists, rec.cleanups = nil, nil, nil
	q.mu.Unlock()

	if rec.owner == nil {
		c.cmdbufs.Release(rec.cmdbuf)
	}
	c.fences.Release(rec.fence)
	for _, s := range waits {
		c.sems.Release(s)
	}
	c.sems.Release(rec.signal)

	for _, fn := range cleanups {
		fn()
	}

	err = deviceError(err)
	result := "success"
	if err != nil {
		result = "error"
		Logger().Warn("mux: batch failed", "queue", q.label, "batch", id, "events", len(events), "error", err)
	} else {
		Logger().Debug("mux: batch completed", "queue", q.label, "batch", id, "events", len(events))
	}
	for i, ev := range events {
		if err != nil || len(waitLists[i]) == 0 {
			ev.resolve(err)
			continue
		}
		c.settleAfter(ev, waitLists[i])
	}
	completedCommands.WithLabelValues(q.label, result).Add(float64(len(events)))
	return true
}

// settleAfter resolves ev, whose batch has executed, once every event in
// its wait list has resolved. Semaphores only order execution, so a batch
// waiting on a failed one still runs; its commands fail here with
// ErrWaitListFailed instead.
func (c *Context) settleAfter(ev *Event, waitList []*Event) {
	blockers := make([]gate.Blocker[*Event], len(waitList))
	for i, w := range waitList {
		blockers[i] = gate.Blocker[*Event]{Key: w}
	}
	c.settle.Defer(gate.Entry[*Event]{
		Blockers: blockers,
		Release:  func() { ev.resolve(nil) },
		Drop: func(err error) {
			Logger().Debug("mux: executed command failed by its wait list",
				"queue", ev.queue.label, "event", ev.id, "error", err)
			ev.resolve(waitListError(err))
		},
	})
}

// CleanupCompletedCommandBuffers polls the fences of running batches
// without blocking and reclaims those that have finished. It is safe to
// call at any time, including concurrently with completion callbacks.
// It returns the number of batches reclaimed by this call.
func (q *Queue) CleanupCompletedCommandBuffers() int {
	type probe struct {
		id    arena.ID
		fence muxcore.Fence
	}
	q.mu.Lock()
	probes := make([]probe, 0, len(q.running))
	for id, rec := range q.running {
		probes = append(probes, probe{id: id, fence: rec.fence})
	}
	q.mu.Unlock()

	n := 0
	for _, p := range probes {
		done, err := q.hw.TryWait(p.fence, 0)
		if !done {
			if err != nil {
				Logger().Warn("mux: fence poll failed", "queue", q.label, "batch", p.id, "error", err)
			}
			continue
		}
		if q.ctx.complete(p.id, err) {
			n++
		}
	}
	return n
}

// Finish flushes q and blocks until every command submitted so far has
// completed or failed. Commands held in the gate keep Finish waiting
// until they are released or dropped, or until ctx is done.
//
// Finish must not be called from an event callback.
func (q *Queue) Finish(ctx context.Context) error {
	if err := q.Flush(); err != nil {
		return err
	}

	q.mu.Lock()
	events := make([]*Event, 0, len(q.outstanding))
	for ev := range q.outstanding {
		events = append(events, ev)
	}
	q.mu.Unlock()

	if err := q.hw.WaitAll(); err != nil {
		return fmt.Errorf("%w: %w", ErrDeviceError, err)
	}
	q.CleanupCompletedCommandBuffers()

	for _, ev := range events {
		select {
		case <-ev.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
