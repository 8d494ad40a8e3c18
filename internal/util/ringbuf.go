package util

import "sync"

// RingBuffer keeps the most recent items pushed into a fixed capacity,
// silently dropping the oldest once full. Safe for concurrent use; the
// topology layer uses it for session history.
type RingBuffer[T any] struct {
	mu    sync.RWMutex
	items []T
	start int
	n     int
}

// NewRingBuffer creates a ring buffer holding at most capacity items.
func NewRingBuffer[T any](capacity int) *RingBuffer[T] {
	return &RingBuffer[T]{items: make([]T, capacity)}
}

// Push appends an item, evicting the oldest when the buffer is full.
func (r *RingBuffer[T]) Push(item T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[(r.start+r.n)%len(r.items)] = item
	if r.n == len(r.items) {
		r.start = (r.start + 1) % len(r.items)
		return
	}
	r.n++
}

// Snapshot copies the retained items out, oldest first.
func (r *RingBuffer[T]) Snapshot() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]T, r.n)
	for i := range out {
		out[i] = r.items[(r.start+i)%len(r.items)]
	}
	return out
}

// Len reports how many items are currently retained.
func (r *RingBuffer[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.n
}
