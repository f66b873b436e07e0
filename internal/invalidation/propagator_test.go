package invalidation

import (
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingRecipient struct {
	id  string
	mu  sync.Mutex
	got []*Invalidations
}

func (r *recordingRecipient) RecipientID() string { return r.id }

func (r *recordingRecipient) ReceiveInvalidations(inv *Invalidations) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, inv)
}

func (r *recordingRecipient) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

type recordingPublisher struct {
	mu  sync.Mutex
	got []*Invalidations
}

func (p *recordingPublisher) Publish(inv *Invalidations) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.got = append(p.got, inv)
}

func quietPropagator(opts ...PropagatorOption) *Propagator {
	opts = append([]PropagatorOption{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	return NewPropagator(opts...)
}

func batch() *Invalidations {
	iv := New()
	iv.Add("hierarchy", []string{"doc1"}, Modified)
	return iv
}

func TestPropagate_SkipsSource(t *testing.T) {
	p := quietPropagator()
	a := &recordingRecipient{id: "a"}
	b := &recordingRecipient{id: "b"}
	c := &recordingRecipient{id: "c"}
	p.Register(a)
	p.Register(b)
	p.Register(c)

	p.Propagate(batch(), "a")

	assert.Equal(t, 0, a.count())
	assert.Equal(t, 1, b.count())
	assert.Equal(t, 1, c.count())
}

func TestPropagate_PublishesButDeliverDoesNot(t *testing.T) {
	pub := &recordingPublisher{}
	p := quietPropagator(WithPublisher(pub))
	r := &recordingRecipient{id: "r"}
	p.Register(r)

	p.Propagate(batch(), "s")
	n := p.Deliver(batch(), "")

	assert.Equal(t, 1, n)
	assert.Equal(t, 2, r.count())
	assert.Len(t, pub.got, 1)

	p.SetPublisher(nil)
	p.Propagate(batch(), "s")
	assert.Len(t, pub.got, 1)
}

func TestPropagate_EmptyBatchIgnored(t *testing.T) {
	pub := &recordingPublisher{}
	p := quietPropagator(WithPublisher(pub))
	r := &recordingRecipient{id: "r"}
	p.Register(r)

	p.Propagate(New(), "s")
	assert.Equal(t, 0, r.count())
	assert.Empty(t, pub.got)
}

func TestRegisterUnregister(t *testing.T) {
	p := quietPropagator()
	r := &recordingRecipient{id: "r"}
	p.Register(r)
	p.Register(r)
	require.Equal(t, 1, p.Len())

	p.Unregister("r")
	assert.Equal(t, 0, p.Len())
	p.Propagate(batch(), "s")
	assert.Equal(t, 0, r.count())
}

func TestPropagate_Concurrent(t *testing.T) {
	p := quietPropagator()
	recipients := make([]*recordingRecipient, 8)
	for i := range recipients {
		recipients[i] = &recordingRecipient{id: string(rune('a' + i))}
		p.Register(recipients[i])
	}

	var wg sync.WaitGroup
	for i := range recipients {
		wg.Add(1)
		go func(src string) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				p.Propagate(batch(), src)
			}
		}(recipients[i].id)
	}
	wg.Wait()

	for _, r := range recipients {
		assert.Equal(t, 7*50, r.count(), r.id)
	}
}
