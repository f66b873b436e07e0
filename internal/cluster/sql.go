package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// DefaultPollInterval is how often the SQL transport looks for messages.
const DefaultPollInterval = time.Second

// NodeTable is the part of the store the SQL transport uses: a registry of
// nodes and a per-node queue of payloads.
type NodeTable interface {
	RegisterNode(ctx context.Context, nodeID string, now time.Time) error
	UnregisterNode(ctx context.Context, nodeID string) error
	AppendInvalidations(ctx context.Context, from, msgID string, payload []byte) (int64, error)
	PollInvalidations(ctx context.Context, nodeID string) ([][]byte, error)
}

// SQLTransport exchanges messages through the database every node
// already shares. Publishing copies the payload once per registered node
// other than the sender; subscribers poll their own queue.
type SQLTransport struct {
	store    NodeTable
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// SQLOption configures an SQLTransport.
type SQLOption func(*SQLTransport)

// WithPollInterval sets the polling interval.
func WithPollInterval(d time.Duration) SQLOption {
	return func(t *SQLTransport) {
		if d > 0 {
			t.interval = d
		}
	}
}

// WithSQLLogger sets the logger.
func WithSQLLogger(l *slog.Logger) SQLOption {
	return func(t *SQLTransport) { t.logger = l }
}

// NewSQLTransport creates a transport over store.
func NewSQLTransport(store NodeTable, opts ...SQLOption) *SQLTransport {
	t := &SQLTransport{store: store, interval: DefaultPollInterval, now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Publish implements Transport.
func (t *SQLTransport) Publish(ctx context.Context, env Envelope) error {
	n, err := t.store.AppendInvalidations(ctx, env.Node, env.ID, env.Payload)
	if err != nil {
		return fmt.Errorf("publish %s: %w", env.ID, err)
	}
	t.logger.Debug("queued invalidations", "message", env.ID, "nodes", n)
	return nil
}

// Subscribe implements Transport. The node is registered while
// subscribed; its queue is dropped when it leaves.
func (t *SQLTransport) Subscribe(ctx context.Context, nodeID string, handler Handler) error {
	if err := t.store.RegisterNode(ctx, nodeID, t.now()); err != nil {
		return fmt.Errorf("register node %s: %w", nodeID, err)
	}
	defer func() {
		if err := t.store.UnregisterNode(context.Background(), nodeID); err != nil {
			t.logger.Warn("unregister node", "node", nodeID, "error", err)
		}
	}()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		if err := t.poll(ctx, nodeID, handler); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (t *SQLTransport) poll(ctx context.Context, nodeID string, handler Handler) error {
	payloads, err := t.store.PollInvalidations(ctx, nodeID)
	if err != nil {
		return err
	}
	for _, p := range payloads {
		if err := handler(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// Close implements Transport. The store is owned by the caller.
func (t *SQLTransport) Close() error { return nil }
