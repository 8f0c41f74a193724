package mux

import (
	"context"
	"fmt"

	"go.uber.org/multierr"
)

// WaitForEvents blocks until every event has completed or failed. Queues
// holding undispatched commands among events are flushed first. The
// returned error wraps ErrWaitListFailed and combines the errors of every
// failed event; ctx cancellation returns ctx.Err().
//
// All events must belong to the same context.
func WaitForEvents(ctx context.Context, events ...*Event) error {
	if len(events) == 0 {
		return fmt.Errorf("%w: empty event list", ErrInvalidValue)
	}
	for i, ev := range events {
		switch {
		case ev == nil:
			return fmt.Errorf("%w: event %d is nil", ErrInvalidValue, i)
		case ev.ctx != events[0].ctx:
			return fmt.Errorf("%w: events belong to different contexts", ErrInvalidOperation)
		}
	}

	flushed := make(map[*Queue]bool)
	for _, ev := range events {
		q := ev.queue
		if q == nil || flushed[q] || ev.Status() != StatusQueued {
			continue
		}
		flushed[q] = true
		if err := q.Flush(); err != nil {
			return err
		}
	}

	var errs error
	for _, ev := range events {
		select {
		case <-ev.done:
		case <-ctx.Done():
			return ctx.Err()
		}
		if err := ev.Err(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("event %d: %w", ev.id, err))
		}
	}
	if errs != nil {
		return waitListError(errs)
	}
	return nil
}
