package cluster

import (
	"context"
	"errors"
)

// ErrClosed is returned by transports used after Close.
var ErrClosed = errors.New("transport closed")

// Envelope is an encoded message with the metadata transports route on.
type Envelope struct {
	ID      string
	Node    string
	Payload []byte
}

// Handler processes one received payload. An error means the payload was
// not processed and may be delivered again.
type Handler func(ctx context.Context, payload []byte) error

// Transport moves encoded messages between nodes with at-least-once
// delivery. A node may receive its own messages back.
type Transport interface {
	// Publish sends env to the other nodes.
	Publish(ctx context.Context, env Envelope) error

	// Subscribe delivers the messages addressed to nodeID to h until ctx
	// is done or the transport fails.
	Subscribe(ctx context.Context, nodeID string, h Handler) error

	Close() error
}
