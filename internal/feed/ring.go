package feed

import (
	"sync"
	"time"
)

// ringCapacity bounds the timestamp ring. When more messages than this arrive
// inside the window the reported count saturates at capacity, which is the
// documented approximation.
const ringCapacity = 2000

// tsRing is a fixed-size ring of message timestamps used for the rolling
// 60-second message count. Record and Count are O(1) amortised: Count only
// advances the tail past expired entries, each of which is visited once.
type tsRing struct {
	mu    sync.Mutex
	slots [ringCapacity]time.Time
	head  int // next write position
	tail  int // oldest retained entry
	size  int
}

func newTSRing() *tsRing {
	return &tsRing{}
}

// Record appends a timestamp, overwriting the oldest entry when full.
func (r *tsRing) Record(t time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.slots[r.head] = t
	r.head = (r.head + 1) % ringCapacity
	if r.size == ringCapacity {
		r.tail = (r.tail + 1) % ringCapacity
	} else {
		r.size++
	}
}

// Count returns the number of retained timestamps within [now-window, now].
func (r *tsRing) Count(now time.Time, window time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := now.Add(-window)
	for r.size > 0 && r.slots[r.tail].Before(cutoff) {
		r.tail = (r.tail + 1) % ringCapacity
		r.size--
	}
	return r.size
}
