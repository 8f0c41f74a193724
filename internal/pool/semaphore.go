package pool

import (
	"fmt"
	"sync"
)

// Semaphores is a reference-counted handle pool. A handle is returned to
// the underlying cache only when its last reference is released, since
// one semaphore may be awaited by several dispatches at once.
//
// Thread safety: Semaphores is safe for concurrent use.
type Semaphores[H comparable] struct {
	cache *Cache[H]

	mu   sync.Mutex
	refs map[H]int
}

// NewSemaphores creates a reference-counted pool from cfg.
func NewSemaphores[H comparable](cfg Config[H]) *Semaphores[H] {
	return &Semaphores[H]{
		cache: NewCache(cfg),
		refs:  make(map[H]int),
	}
}

// Acquire returns a handle holding one reference.
func (s *Semaphores[H]) Acquire() (H, error) {
	h, err := s.cache.Acquire()
	if err != nil {
		return h, err
	}
	s.mu.Lock()
	s.refs[h] = 1
	s.mu.Unlock()
	return h, nil
}

// Retain adds a reference to an acquired handle.
func (s *Semaphores[H]) Retain(h H) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.refs[h]
	if !ok {
		panic(fmt.Sprintf("pool: retain of released semaphore %v", h))
	}
	s.refs[h] = n + 1
}

// Release drops a reference. The last release resets the handle and
// returns it to the cache (or destroys it past the cache bound).
func (s *Semaphores[H]) Release(h H) {
	s.mu.Lock()
	n, ok := s.refs[h]
	if !ok {
		s.mu.Unlock()
		return
	}
	if n > 1 {
		s.refs[h] = n - 1
		s.mu.Unlock()
		return
	}
	delete(s.refs, h)
	s.mu.Unlock()

	s.cache.Release(h)
}

// Refs returns the reference count of h, zero if it is not acquired.
func (s *Semaphores[H]) Refs(h H) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refs[h]
}

// Stats returns the underlying cache counters.
func (s *Semaphores[H]) Stats() Stats {
	return s.cache.Stats()
}

// Close destroys cached handles.
func (s *Semaphores[H]) Close() {
	s.cache.Close()
}
