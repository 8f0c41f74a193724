// Package pool implements bounded caches of reusable device handles.
package pool

import (
	"errors"
	"fmt"
	"sync"
)

// Pool errors.
var (
	// ErrExhausted is returned when the live-handle limit is reached.
	ErrExhausted = errors.New("pool: live handle limit reached")

	// ErrClosed is returned when acquiring from a closed pool.
	ErrClosed = errors.New("pool: closed")
)

// DefaultMaxCached is the default number of idle handles kept for reuse.
const DefaultMaxCached = 8

// Config describes how a Cache creates, resets and destroys handles.
type Config[H comparable] struct {
	// Name labels the pool in Stats output.
	Name string

	// Create allocates a new handle. Required.
	Create func() (H, error)

	// Reset returns a released handle to its initial state. A failing
	// Reset destroys the handle instead of caching it. Optional.
	Reset func(H) error

	// Destroy frees a handle. Optional.
	Destroy func(H)

	// MaxCached bounds the idle cache. Zero means DefaultMaxCached,
	// negative disables caching.
	MaxCached int

	// MaxLive bounds the number of handles alive at once, idle or not.
	// Zero or negative means unbounded.
	MaxLive int
}

// Stats contains pool usage counters.
type Stats struct {
	Name      string
	Live      int // handles allocated and not destroyed
	Cached    int // idle handles ready for reuse
	InUse     int // handles currently acquired
	Created   uint64
	Destroyed uint64
	Hits      uint64 // acquisitions served from the cache
	Misses    uint64 // acquisitions that allocated
}

// String returns a human-readable string of pool stats.
func (s Stats) String() string {
	return fmt.Sprintf("Pool[%s: %d in use, %d cached, %d live, %d created, %d destroyed, %d/%d hit/miss]",
		s.Name, s.InUse, s.Cached, s.Live, s.Created, s.Destroyed, s.Hits, s.Misses)
}

// Cache is a bounded cache of reusable handles.
//
// Thread safety: Cache is safe for concurrent use. Create, Reset and
// Destroy run without the cache lock held.
type Cache[H comparable] struct {
	mu     sync.Mutex
	cfg    Config[H]
	free   []H
	live   int
	stats  Stats
	closed bool
}

// NewCache creates a cache from cfg.
func NewCache[H comparable](cfg Config[H]) *Cache[H] {
	if cfg.MaxCached == 0 {
		cfg.MaxCached = DefaultMaxCached
	}
	if cfg.MaxCached < 0 {
		cfg.MaxCached = 0
	}
	return &Cache[H]{
		cfg:   cfg,
		free:  make([]H, 0, cfg.MaxCached),
		stats: Stats{Name: cfg.Name},
	}
}

// Acquire returns a reset handle from the cache, or allocates a new one.
func (c *Cache[H]) Acquire() (H, error) {
	var zero H

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return zero, ErrClosed
	}
	if n := len(c.free); n > 0 {
		h := c.free[n-1]
		c.free = c.free[:n-1]
		c.stats.Hits++
		c.mu.Unlock()
		return h, nil
	}
	if c.cfg.MaxLive > 0 && c.live >= c.cfg.MaxLive {
		c.mu.Unlock()
		return zero, fmt.Errorf("%w: %s (%d)", ErrExhausted, c.cfg.Name, c.cfg.MaxLive)
	}
	// Reserve the slot before allocating outside the lock.
	c.live++
	c.stats.Misses++
	c.mu.Unlock()

	h, err := c.cfg.Create()
	if err != nil {
		c.mu.Lock()
		c.live--
		c.mu.Unlock()
		return zero, fmt.Errorf("pool %s: create: %w", c.cfg.Name, err)
	}

	c.mu.Lock()
	c.stats.Created++
	c.mu.Unlock()
	return h, nil
}

// Release resets h and returns it to the cache. Handles beyond the cache
// bound, handles that fail to reset and handles released after Close are
// destroyed.
func (c *Cache[H]) Release(h H) {
	var resetErr error
	if c.cfg.Reset != nil {
		resetErr = c.cfg.Reset(h)
	}

	c.mu.Lock()
	if resetErr == nil && !c.closed && len(c.free) < c.cfg.MaxCached {
		c.free = append(c.free, h)
		c.mu.Unlock()
		return
	}
	c.live--
	c.stats.Destroyed++
	c.mu.Unlock()

	if c.cfg.Destroy != nil {
		c.cfg.Destroy(h)
	}
}

// Stats returns a snapshot of the pool counters.
func (c *Cache[H]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Live = c.live
	s.Cached = len(c.free)
	s.InUse = c.live - len(c.free)
	return s
}

// Close destroys all cached handles. Handles still acquired are destroyed
// when released. Close is safe to call multiple times.
func (c *Cache[H]) Close() {
	c.mu.Lock()
	c.closed = true
	free := c.free
	c.free = nil
	c.live -= len(free)
	c.stats.Destroyed += uint64(len(free))
	c.mu.Unlock()

	if c.cfg.Destroy == nil {
		return
	}
	for _, h := range free {
		c.cfg.Destroy(h)
	}
}
