// Package gate holds deferred work until the synchronization points it
// waits on resolve.
//
// An entry names a set of blockers. When every blocker has resolved the
// entry's Release function runs. When a blocker that carries data
// dependency (not OrderOnly) resolves with an error, the entry is settled
// early and its Drop function runs with that error. Release and Drop are
// always called without the gate lock held, and each entry settles exactly
// once.
package gate

import "sync"

// Blocker is one synchronization point an entry waits on.
type Blocker[K comparable] struct {
	Key K

	// OrderOnly blockers only delay the entry; their failure does not
	// drop it.
	OrderOnly bool
}

// Entry is a deferred piece of work.
type Entry[K comparable] struct {
	Blockers []Blocker[K]
	Release  func()
	Drop     func(err error)
}

type entry[K comparable] struct {
	Entry[K]
	remaining int
	settled   bool
}

type waiter[K comparable] struct {
	en        *entry[K]
	orderOnly bool
}

// ResolveFunc reports whether key has resolved and, if so, with which error.
type ResolveFunc[K comparable] func(key K) (resolved bool, err error)

// Gate tracks entries blocked on unresolved keys.
//
// Thread safety: Gate is safe for concurrent use. ResolveFunc is called
// with the gate lock held and must only take leaf locks.
type Gate[K comparable] struct {
	mu       sync.Mutex
	resolved ResolveFunc[K]
	waiting  map[K][]waiter[K]
	pending  int
}

// New creates a gate that uses resolved to check blockers at Defer time.
func New[K comparable](resolved ResolveFunc[K]) *Gate[K] {
	return &Gate[K]{
		resolved: resolved,
		waiting:  make(map[K][]waiter[K]),
	}
}

// Defer registers e. Blockers that have already resolved are accounted
// for immediately, so e may be released or dropped before Defer returns.
func (g *Gate[K]) Defer(e Entry[K]) {
	en := &entry[K]{Entry: e}

	g.mu.Lock()
	var dropErr error
	open := make([]Blocker[K], 0, len(e.Blockers))
	for _, b := range e.Blockers {
		ok, err := g.resolved(b.Key)
		if !ok {
			open = append(open, b)
			continue
		}
		if err != nil && !b.OrderOnly && dropErr == nil {
			dropErr = err
		}
	}

	if dropErr != nil || len(open) == 0 {
		en.settled = true
		g.mu.Unlock()
		settle(en, dropErr)
		return
	}

	for _, b := range open {
		g.waiting[b.Key] = append(g.waiting[b.Key], waiter[K]{en: en, orderOnly: b.OrderOnly})
	}
	en.remaining = len(open)
	g.pending++
	g.mu.Unlock()
}

// Notify reports that key resolved with err and settles every entry that
// became ready as a result.
func (g *Gate[K]) Notify(key K, err error) {
	type ready struct {
		en  *entry[K]
		err error
	}

	g.mu.Lock()
	list, ok := g.waiting[key]
	if !ok {
		g.mu.Unlock()
		return
	}
	delete(g.waiting, key)

	var out []ready
	for _, w := range list {
		en := w.en
		if en.settled {
			continue
		}
		if err != nil && !w.orderOnly {
			g.settleLocked(en)
			out = append(out, ready{en: en, err: err})
			continue
		}
		en.remaining--
		if en.remaining == 0 {
			g.settleLocked(en)
			out = append(out, ready{en: en})
		}
	}
	g.mu.Unlock()

	for _, r := range out {
		settle(r.en, r.err)
	}
}

// Len returns the number of unsettled entries.
func (g *Gate[K]) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pending
}

// DropAll settles every pending entry with err.
func (g *Gate[K]) DropAll(err error) {
	g.mu.Lock()
	var out []*entry[K]
	for key, list := range g.waiting {
		for _, w := range list {
			if !w.en.settled {
				w.en.settled = true
				g.pending--
				out = append(out, w.en)
			}
		}
		delete(g.waiting, key)
	}
	g.mu.Unlock()

	for _, en := range out {
		settle(en, err)
	}
}

// settleLocked marks en settled and removes its waiters under other keys.
func (g *Gate[K]) settleLocked(en *entry[K]) {
	en.settled = true
	g.pending--
	for _, b := range en.Blockers {
		list, ok := g.waiting[b.Key]
		if !ok {
			continue
		}
		kept := list[:0]
		for _, w := range list {
			if w.en != en {
				kept = append(kept, w)
			}
		}
		if len(kept) == 0 {
			delete(g.waiting, b.Key)
		} else {
			g.waiting[b.Key] = kept
		}
	}
}

func settle[K comparable](en *entry[K], err error) {
	if err != nil {
		if en.Drop != nil {
			en.Drop(err)
		}
		return
	}
	if en.Release != nil {
		en.Release()
	}
}
