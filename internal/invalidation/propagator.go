package invalidation

import (
	"log/slog"
	"sort"
	"sync"
)

// Recipient receives invalidation batches. Implementations apply them under
// their own lock and must not block on other recipients.
type Recipient interface {
	RecipientID() string
	ReceiveInvalidations(inv *Invalidations)
}

// Publisher forwards locally produced batches to other nodes. Publish must
// not block on the network.
type Publisher interface {
	Publish(inv *Invalidations)
}

// Propagator fans out invalidation batches to every registered recipient
// except the one that produced them.
//
// Thread-safe: Propagate may be called concurrently by committing sessions.
type Propagator struct {
	mu         sync.RWMutex
	recipients map[string]Recipient
	publisher  Publisher
	logger     *slog.Logger
}

// PropagatorOption configures a Propagator.
type PropagatorOption func(*Propagator)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) PropagatorOption {
	return func(p *Propagator) { p.logger = l }
}

// WithPublisher forwards every propagated batch to pub.
func WithPublisher(pub Publisher) PropagatorOption {
	return func(p *Propagator) { p.publisher = pub }
}

// NewPropagator creates a propagator with no recipients.
func NewPropagator(opts ...PropagatorOption) *Propagator {
	p := &Propagator{
		recipients: make(map[string]Recipient),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SetPublisher replaces the cluster publisher; nil disables forwarding.
func (p *Propagator) SetPublisher(pub Publisher) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.publisher = pub
}

// Register adds r. Registering the same id again replaces the recipient.
func (p *Propagator) Register(r Recipient) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recipients[r.RecipientID()] = r
}

// Unregister removes the recipient with id.
func (p *Propagator) Unregister(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.recipients, id)
}

// Len returns the number of registered recipients.
func (p *Propagator) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.recipients)
}

// Propagate delivers a locally produced batch to every recipient but
// source, then hands it to the publisher. Every recipient has received the
// batch when Propagate returns.
func (p *Propagator) Propagate(inv *Invalidations, source string) {
	if inv.IsEmpty() {
		return
	}
	p.Deliver(inv, source)

	p.mu.RLock()
	pub := p.publisher
	p.mu.RUnlock()
	if pub != nil {
		pub.Publish(inv)
	}
}

// Deliver hands the batch to every recipient but source without
// publishing it. Used for batches received from other nodes, whose source
// is empty. Returns the number of recipients.
func (p *Propagator) Deliver(inv *Invalidations, source string) int {
	if inv.IsEmpty() {
		return 0
	}
	targets := p.snapshot(source)
	for _, r := range targets {
		r.ReceiveInvalidations(inv)
	}
	p.logger.Debug("invalidations propagated",
		"source", source,
		"rows", inv.Len(),
		"all", inv.All,
		"recipients", len(targets))
	return len(targets)
}

// snapshot returns the recipients other than source in id order, so
// delivery order is deterministic.
func (p *Propagator) snapshot(source string) []Recipient {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]string, 0, len(p.recipients))
	for id := range p.recipients {
		if id != source {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	out := make([]Recipient, len(ids))
	for i, id := range ids {
		out[i] = p.recipients[id]
	}
	return out
}
