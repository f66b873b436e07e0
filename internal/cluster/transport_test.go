package cluster

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	kafka "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fragcache/internal/store"
)

type collected struct {
	mu       sync.Mutex
	payloads []string
}

func (c *collected) handle(_ context.Context, p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.payloads = append(c.payloads, string(p))
	return nil
}

func (c *collected) get() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.payloads...)
}

func subscribe(t *testing.T, tr Transport, nodeID string) *collected {
	t.Helper()
	c := &collected{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tr.Subscribe(ctx, nodeID, c.handle) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})
	return c
}

func TestHub_FansOutToEverySubscriber(t *testing.T) {
	hub := NewHub()
	a := subscribe(t, hub, "a")
	b := subscribe(t, hub, "b")
	require.Eventually(t, func() bool { return hub.Subscribers() == 2 }, time.Second, time.Millisecond)

	require.NoError(t, hub.Publish(context.Background(), Envelope{ID: "1", Node: "a", Payload: []byte("x")}))
	require.Eventually(t, func() bool { return len(a.get()) == 1 && len(b.get()) == 1 }, time.Second, time.Millisecond)

	require.NoError(t, hub.Close())
	assert.ErrorIs(t, hub.Publish(context.Background(), Envelope{}), ErrClosed)
}

func TestSQLTransport_SkipsSender(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "cluster.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	tr := NewSQLTransport(s, WithPollInterval(5*time.Millisecond), WithSQLLogger(quiet))
	a := subscribe(t, tr, "node-a")
	b := subscribe(t, tr, "node-b")
	require.Eventually(t, func() bool {
		nodes, err := s.ClusterNodes(context.Background())
		return err == nil && len(nodes) == 2
	}, time.Second, time.Millisecond)

	require.NoError(t, tr.Publish(context.Background(), Envelope{ID: "m1", Node: "node-a", Payload: []byte(`{"m":1}`)}))

	require.Eventually(t, func() bool { return len(b.get()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{`{"m":1}`}, b.get())
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, a.get())
}

// fakeKafka is an in-memory topic with one reader per group.
type fakeKafka struct {
	mu       sync.Mutex
	messages []kafka.Message
	commits  map[string]int
	closed   bool
}

func (f *fakeKafka) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range msgs {
		m.Offset = int64(len(f.messages))
		f.messages = append(f.messages, m)
	}
	return nil
}

func (f *fakeKafka) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeKafka) reader(group string) KafkaReader {
	return &fakeReader{topic: f, group: group}
}

type fakeReader struct {
	topic *fakeKafka
	group string
	next  int
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	for {
		r.topic.mu.Lock()
		if r.next < len(r.topic.messages) {
			m := r.topic.messages[r.next]
			r.next++
			r.topic.mu.Unlock()
			return m, nil
		}
		r.topic.mu.Unlock()
		select {
		case <-ctx.Done():
			return kafka.Message{}, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.topic.mu.Lock()
	defer r.topic.mu.Unlock()
	r.topic.commits[r.group] += len(msgs)
	return nil
}

func (r *fakeReader) Close() error { return nil }

func TestKafkaTransport_PublishAndConsume(t *testing.T) {
	topic := &fakeKafka{commits: make(map[string]int)}
	tr := NewKafkaTransport(KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "invalidations"},
		WithKafkaWriter(topic),
		WithKafkaReaderFactory(topic.reader),
		WithKafkaLogger(quiet),
	)

	require.NoError(t, tr.Publish(context.Background(), Envelope{ID: "m1", Node: "node-a", Payload: []byte("p1")}))
	topic.mu.Lock()
	require.Len(t, topic.messages, 1)
	assert.Equal(t, "node-a", string(topic.messages[0].Key))
	assert.Equal(t, messageIDHeader, topic.messages[0].Headers[0].Key)
	assert.Equal(t, "m1", string(topic.messages[0].Headers[0].Value))
	topic.mu.Unlock()

	b := subscribe(t, tr, "node-b")
	require.Eventually(t, func() bool { return len(b.get()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"p1"}, b.get())
	require.Eventually(t, func() bool {
		topic.mu.Lock()
		defer topic.mu.Unlock()
		return topic.commits["node-b"] == 1
	}, time.Second, time.Millisecond)

	require.NoError(t, tr.Close())
	assert.True(t, topic.closed)
}

func TestKafkaTransport_EndToEnd(t *testing.T) {
	topic := &fakeKafka{commits: make(map[string]int)}
	newTransport := func() Transport {
		return NewKafkaTransport(KafkaConfig{Topic: "invalidations"},
			WithKafkaWriter(topic), WithKafkaReaderFactory(topic.reader), WithKafkaLogger(quiet))
	}
	a := startNode(t, "node-a", newTransport())
	b := startNode(t, "node-b", newTransport())

	a.prop.Propagate(rowInvalidation("d1"), "session-1")
	require.Eventually(t, func() bool { return b.sink.count() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, a.sink.count())
}
