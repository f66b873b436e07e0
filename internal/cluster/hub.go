package cluster

import (
	"context"
	"sync"
)

// Hub is an in-process transport connecting the nodes of one process.
// Every subscriber receives every message, its own included.
type Hub struct {
	mu     sync.Mutex
	boxes  map[string]*mailbox
	closed bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{boxes: make(map[string]*mailbox)}
}

type mailbox struct {
	mu     sync.Mutex
	items  [][]byte
	signal chan struct{}
}

func (b *mailbox) push(p []byte) {
	b.mu.Lock()
	b.items = append(b.items, p)
	b.mu.Unlock()
	select {
	case b.signal <- struct{}{}:
	default:
	}
}

func (b *mailbox) drain() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	items := b.items
	b.items = nil
	return items
}

// Publish implements Transport.
func (h *Hub) Publish(_ context.Context, env Envelope) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	for _, b := range h.boxes {
		b.push(env.Payload)
	}
	return nil
}

// Subscribe implements Transport. Messages published before the
// subscription are not delivered.
func (h *Hub) Subscribe(ctx context.Context, nodeID string, handler Handler) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrClosed
	}
	b := &mailbox{signal: make(chan struct{}, 1)}
	h.boxes[nodeID] = b
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		if h.boxes[nodeID] == b {
			delete(h.boxes, nodeID)
		}
		h.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-b.signal:
		}
		for _, p := range b.drain() {
			if err := handler(ctx, p); err != nil {
				return err
			}
		}
	}
}

// Subscribers returns the number of subscribed nodes.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.boxes)
}

// Close implements Transport.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}
