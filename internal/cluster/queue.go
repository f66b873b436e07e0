package cluster

import (
	"sync"

	"github.com/roach88/fragcache/internal/invalidation"
)

// outbox is a thread-safe FIFO of batches waiting to be sent.
//
// Propagation must never block on the network, so Enqueue never waits.
// Batches queued while the sender is busy are merged into one, which keeps
// the outbox bounded by the number of distinct rows rather than by the
// number of saves.
//
// The queue uses a channel for signaling to enable context-aware waiting
// in the send loop.
type outbox struct {
	mu      sync.Mutex
	pending *invalidation.Invalidations
	closed  bool
	signal  chan struct{} // Signals availability (buffered, size 1)
}

func newOutbox() *outbox {
	return &outbox{signal: make(chan struct{}, 1)}
}

// Enqueue adds inv to the pending batch. Returns false if the outbox is
// closed.
func (q *outbox) Enqueue(inv *invalidation.Invalidations) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	if q.pending == nil {
		q.pending = invalidation.New()
	}
	q.pending.Merge(inv)

	// Non-blocking: the buffer of 1 coalesces multiple signals.
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue takes the pending batch without blocking.
func (q *outbox) TryDequeue() (*invalidation.Invalidations, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.pending == nil || q.pending.IsEmpty() {
		return nil, false
	}
	inv := q.pending
	q.pending = nil
	return inv, true
}

// Wait returns a channel that signals when a batch may be available. It
// is closed by Close.
func (q *outbox) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the number of rows pending.
func (q *outbox) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pending == nil {
		return 0
	}
	return q.pending.Len()
}

// Close signals that no more batches will be enqueued.
func (q *outbox) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
