package sensor

import (
	"sync"
	"time"
)

// Order selects the ordering of samples returned by Recent.
type Order int

const (
	// OldestFirst returns samples in chronological order, most recent last.
	OldestFirst Order = iota
	// NewestFirst returns samples in reverse-chronological order.
	NewestFirst
)

// ParseOrder maps "oldest"/"newest" to an Order. Anything else yields OldestFirst.
func ParseOrder(s string) Order {
	if s == "newest" {
		return NewestFirst
	}
	return OldestFirst
}

// RingBuffer is a fixed-capacity history of samples for one sensor. When
// full, a push overwrites the oldest entry.
//
// One producer pushes while any number of readers call Latest and Recent.
// All access goes through a single mutex whose critical section is a slot
// copy, and readers receive copies so no lock is held while they serialise.
type RingBuffer struct {
	mu       sync.Mutex
	slots    []Sample
	cursor   int // next slot to overwrite
	written  uint64
	lastPush time.Time
}

// NewRingBuffer creates a ring buffer holding up to capacity samples.
func NewRingBuffer(capacity int) (*RingBuffer, error) {
	if capacity <= 0 {
		return nil, ErrInvalidCapacity
	}
	return &RingBuffer{slots: make([]Sample, capacity)}, nil
}

// Push stores s as the newest sample. It never fails and never blocks beyond
// the slot copy.
func (r *RingBuffer) Push(s Sample) {
	now := time.Now()

	r.mu.Lock()
	r.slots[r.cursor] = s
	r.cursor = (r.cursor + 1) % len(r.slots)
	r.written++
	r.lastPush = now
	r.mu.Unlock()
}

// Latest returns the most recently pushed sample. The boolean is false if
// nothing has been pushed yet.
func (r *RingBuffer) Latest() (Sample, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.written == 0 {
		return Sample{}, false
	}
	idx := (r.cursor - 1 + len(r.slots)) % len(r.slots)
	return r.slots[idx], true
}

// Recent returns up to n of the most recent samples in the requested order.
// n is clamped to [0, capacity].
func (r *RingBuffer) Recent(n int, order Order) []Sample {
	if n < 0 {
		n = 0
	}
	if n > len(r.slots) {
		n = len(r.slots)
	}

	r.mu.Lock()
	count := n
	if stored := r.storedLocked(); count > stored {
		count = stored
	}
	out := make([]Sample, count)
	size := len(r.slots)
	for i := 0; i < count; i++ {
		out[i] = r.slots[(r.cursor-count+i+size)%size]
	}
	r.mu.Unlock()

	if order == NewestFirst {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out
}

// Len returns the number of samples currently held.
func (r *RingBuffer) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.storedLocked()
}

// Cap returns the fixed capacity.
func (r *RingBuffer) Cap() int {
	return len(r.slots)
}

// Written returns the total number of pushes since creation.
func (r *RingBuffer) Written() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.written
}

// LastPush returns the wall-clock time of the most recent push, or the zero
// time if nothing has been pushed.
func (r *RingBuffer) LastPush() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastPush
}

func (r *RingBuffer) storedLocked() int {
	if r.written < uint64(len(r.slots)) {
		return int(r.written)
	}
	return len(r.slots)
}
