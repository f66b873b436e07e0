package cluster

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/fragcache/internal/ident"
	"github.com/roach88/fragcache/internal/invalidation"
	"github.com/roach88/fragcache/internal/retry"
)

// DefaultDedupeSize is how many received message ids are remembered to
// drop redeliveries.
const DefaultDedupeSize = 4096

// Invalidator connects a node's propagator to the other nodes.
//
// As the propagator's publisher it queues every locally propagated batch
// and sends it in the background; received batches from other nodes are
// delivered to local recipients without being published again. Messages
// from the node itself and redelivered messages are dropped.
type Invalidator struct {
	nodeID     string
	transport  Transport
	prop       *invalidation.Propagator
	ids        ident.Generator
	logger     *slog.Logger
	newBackOff func() backoff.BackOff

	outbox *outbox
	seen   *lru.Cache[string, struct{}]

	sent     atomic.Int64
	received atomic.Int64
}

// InvalidatorOption configures an Invalidator.
type InvalidatorOption func(*Invalidator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) InvalidatorOption {
	return func(iv *Invalidator) { iv.logger = l }
}

// WithIDGenerator sets how message ids are generated. Defaults to UUIDv7.
func WithIDGenerator(g ident.Generator) InvalidatorOption {
	return func(iv *Invalidator) { iv.ids = g }
}

// WithDedupeSize sets how many received message ids are remembered.
func WithDedupeSize(n int) InvalidatorOption {
	return func(iv *Invalidator) {
		if n > 0 {
			iv.seen, _ = lru.New[string, struct{}](n)
		}
	}
}

// WithSendBackOff sets the backoff between failed sends.
func WithSendBackOff(fn func() backoff.BackOff) InvalidatorOption {
	return func(iv *Invalidator) { iv.newBackOff = fn }
}

// NewInvalidator creates the invalidator of nodeID and installs it as
// prop's publisher.
func NewInvalidator(nodeID string, t Transport, prop *invalidation.Propagator, opts ...InvalidatorOption) *Invalidator {
	seen, _ := lru.New[string, struct{}](DefaultDedupeSize)
	iv := &Invalidator{
		nodeID:    nodeID,
		transport: t,
		prop:      prop,
		ids:       ident.UUIDv7Generator{},
		logger:    slog.Default(),
		outbox:    newOutbox(),
		seen:      seen,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 50 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			b.MaxElapsedTime = 0
			return backoff.WithMaxRetries(b, 8)
		},
	}
	for _, opt := range opts {
		opt(iv)
	}
	iv.logger = iv.logger.With("node", nodeID)
	prop.SetPublisher(iv)
	return iv
}

// NodeID returns the node id.
func (iv *Invalidator) NodeID() string { return iv.nodeID }

// Publish implements invalidation.Publisher. It never blocks.
func (iv *Invalidator) Publish(inv *invalidation.Invalidations) {
	if !iv.outbox.Enqueue(inv) {
		iv.logger.Debug("invalidator closed, dropping batch", "rows", inv.Len())
	}
}

// Run sends queued batches and delivers received ones until ctx is done,
// Close is called, or the transport fails.
func (iv *Invalidator) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// Closing the outbox stops the subscriber too.
		defer cancel()
		return iv.sendLoop(ctx)
	})
	g.Go(func() error {
		return iv.transport.Subscribe(ctx, iv.nodeID, iv.receive)
	})
	return g.Wait()
}

func (iv *Invalidator) sendLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, open := <-iv.outbox.Wait():
			if inv, ok := iv.outbox.TryDequeue(); ok {
				iv.send(ctx, inv)
			}
			if !open {
				return nil
			}
		}
	}
}

// send publishes inv, retrying transient failures. A batch that cannot be
// sent is queued again.
func (iv *Invalidator) send(ctx context.Context, inv *invalidation.Invalidations) {
	msg := NewMessage(iv.ids.Generate(), iv.nodeID, inv)
	payload, err := Encode(msg)
	if err != nil {
		iv.logger.Error("dropping unencodable batch", "message", msg.ID, "error", err)
		return
	}
	env := Envelope{ID: msg.ID, Node: iv.nodeID, Payload: payload}

	policy := retry.Policy{
		BackOff:   iv.newBackOff(),
		Retryable: func(error) bool { return ctx.Err() == nil },
		OnRetry: func(attempt int, err error, wait time.Duration) {
			iv.logger.Warn("publish failed, retrying", "message", msg.ID, "attempt", attempt, "wait", wait, "error", err)
		},
	}
	err = retry.Do(ctx, policy, func(ctx context.Context, _ int) error {
		return iv.transport.Publish(ctx, env)
	})
	if err != nil {
		if ctx.Err() == nil {
			iv.logger.Error("publish failed, requeueing", "message", msg.ID, "error", err)
			iv.outbox.Enqueue(inv)
		}
		return
	}
	iv.sent.Add(1)
	iv.logger.Debug("published invalidations", "message", msg.ID, "rows", inv.Len(), "all", inv.All)
}

// receive handles one payload from the transport.
func (iv *Invalidator) receive(_ context.Context, payload []byte) error {
	msg, err := Decode(payload)
	if err != nil {
		iv.logger.Warn("dropping undecodable message", "error", err)
		return nil
	}
	if msg.Node == iv.nodeID {
		return nil
	}
	if iv.seen.Contains(msg.ID) {
		iv.logger.Debug("dropping redelivered message", "message", msg.ID)
		return nil
	}
	iv.seen.Add(msg.ID, struct{}{})

	n := iv.prop.Deliver(msg.Invalidations(), "")
	iv.received.Add(1)
	iv.logger.Debug("received invalidations", "message", msg.ID, "from", msg.Node, "recipients", n)
	return nil
}

// Close stops Run after the pending batch is sent.
func (iv *Invalidator) Close() {
	iv.outbox.Close()
}

// Sent returns the number of messages published.
func (iv *Invalidator) Sent() int64 { return iv.sent.Load() }

// Received returns the number of messages delivered locally.
func (iv *Invalidator) Received() int64 { return iv.received.Load() }

// Pending returns the number of rows waiting to be sent.
func (iv *Invalidator) Pending() int { return iv.outbox.Len() }
