// Package arena provides a generational slot table.
//
// Values are addressed by an ID that combines a slot index with the
// generation the slot had when the value was inserted. Once a value is
// removed its slot may be reused, but the old ID never resolves again,
// so holders of stale IDs observe "not found" instead of a different value.
package arena

import (
	"fmt"
	"sync"
)

// ID addresses a value in a Table. The zero ID is never issued.
type ID uint64

// Index returns the slot index encoded in the ID.
func (id ID) Index() uint32 { return uint32(id) }

// Gen returns the slot generation encoded in the ID.
func (id ID) Gen() uint32 { return uint32(id >> 32) }

// IsZero reports whether the ID is the invalid zero ID.
func (id ID) IsZero() bool { return id == 0 }

func (id ID) String() string {
	return fmt.Sprintf("%d:%d", id.Index(), id.Gen())
}

func makeID(index, gen uint32) ID {
	return ID(uint64(gen)<<32 | uint64(index))
}

type slot[T any] struct {
	gen  uint32
	used bool
	val  T
}

// Table stores values of type T under generational IDs.
//
// Thread safety: Table is safe for concurrent use.
type Table[T any] struct {
	mu    sync.Mutex
	slots []slot[T]
	free  []uint32
	count int
}

// New creates an empty table with room for capacity values before growing.
func New[T any](capacity int) *Table[T] {
	return &Table[T]{slots: make([]slot[T], 0, capacity)}
}

// Insert stores v and returns its ID.
func (t *Table[T]) Insert(v T) ID {
	t.mu.Lock()
	defer t.mu.Unlock()

	var idx uint32
	if n := len(t.free); n > 0 {
		idx = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		idx = uint32(len(t.slots)) //nolint:gosec // slot count stays far below 2^32
		t.slots = append(t.slots, slot[T]{})
	}

	s := &t.slots[idx]
	s.gen++
	if s.gen == 0 {
		// Wrapped; generation zero is reserved for the zero ID.
		s.gen = 1
	}
	s.used = true
	s.val = v
	t.count++
	return makeID(idx, s.gen)
}

// Get returns the value stored under id.
// The second result is false if id was never issued or has been removed.
func (t *Table[T]) Get(id ID) (T, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var zero T
	s, ok := t.lookup(id)
	if !ok {
		return zero, false
	}
	return s.val, true
}

// Remove deletes the value stored under id.
// Returns false if id was already removed or never issued.
func (t *Table[T]) Remove(id ID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.lookup(id)
	if !ok {
		return false
	}
	var zero T
	s.val = zero
	s.used = false
	t.free = append(t.free, id.Index())
	t.count--
	return true
}

// Len returns the number of live values.
func (t *Table[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

// Range calls fn for each live value until fn returns false.
// The table lock is held while fn runs; fn must not call back into the table.
func (t *Table[T]) Range(fn func(ID, T) bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.slots {
		s := &t.slots[i]
		if !s.used {
			continue
		}
		if !fn(makeID(uint32(i), s.gen), s.val) { //nolint:gosec // see Insert
			return
		}
	}
}

func (t *Table[T]) lookup(id ID) (*slot[T], bool) {
	if id.IsZero() {
		return nil, false
	}
	idx := id.Index()
	if int(idx) >= len(t.slots) {
		return nil, false
	}
	s := &t.slots[idx]
	if !s.used || s.gen != id.Gen() {
		return nil, false
	}
	return s, true
}
