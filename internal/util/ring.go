package util

import "sync"

// Ring is a bounded history buffer: once cap entries are held, Push drops
// the oldest. Safe for concurrent use.
type Ring[T any] struct {
	mu      sync.Mutex
	cap     int
	entries []T
}

// NewRing creates a ring holding at most capacity entries.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{cap: capacity}
}

// Push records one entry, evicting the oldest when the ring is full.
func (r *Ring[T]) Push(v T) {
	r.mu.Lock()
	r.entries = append(r.entries, v)
	if len(r.entries) > r.cap {
		// Shift instead of reallocating; the ring stays small.
		copy(r.entries, r.entries[1:])
		r.entries = r.entries[:r.cap]
	}
	r.mu.Unlock()
}

// Snapshot returns the held entries, oldest first.
func (r *Ring[T]) Snapshot() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]T(nil), r.entries...)
}

// Len reports how many entries the ring currently holds.
func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
