package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	kafka "github.com/segmentio/kafka-go"
)

// KafkaReader is the consuming side of a kafka-go reader.
type KafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaWriter is the producing side of a kafka-go writer.
type KafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig locates the topic invalidations travel on.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// messageIDHeader carries the message id.
const messageIDHeader = "message-id"

// KafkaTransport exchanges messages through a Kafka topic. Each node reads
// the topic in its own consumer group so every node sees every message.
type KafkaTransport struct {
	writer    KafkaWriter
	newReader func(groupID string) KafkaReader
	logger    *slog.Logger
}

// KafkaOption configures a KafkaTransport.
type KafkaOption func(*KafkaTransport)

// WithKafkaWriter replaces the writer.
func WithKafkaWriter(w KafkaWriter) KafkaOption {
	return func(t *KafkaTransport) { t.writer = w }
}

// WithKafkaReaderFactory replaces how readers are created.
func WithKafkaReaderFactory(fn func(groupID string) KafkaReader) KafkaOption {
	return func(t *KafkaTransport) { t.newReader = fn }
}

// WithKafkaLogger sets the logger.
func WithKafkaLogger(l *slog.Logger) KafkaOption {
	return func(t *KafkaTransport) { t.logger = l }
}

// NewKafkaTransport creates a transport on cfg.Topic.
func NewKafkaTransport(cfg KafkaConfig, opts ...KafkaOption) *KafkaTransport {
	t := &KafkaTransport{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
		},
		newReader: func(groupID string) KafkaReader {
			return kafka.NewReader(kafka.ReaderConfig{
				Brokers:  cfg.Brokers,
				Topic:    cfg.Topic,
				GroupID:  groupID,
				MinBytes: 1,
				MaxBytes: 10e6,
			})
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Publish implements Transport. Messages are keyed by sender so one
// node's messages stay ordered.
func (t *KafkaTransport) Publish(ctx context.Context, env Envelope) error {
	err := t.writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(env.Node),
		Value:   env.Payload,
		Headers: []kafka.Header{{Key: messageIDHeader, Value: []byte(env.ID)}},
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", env.ID, err)
	}
	return nil
}

// Subscribe implements Transport. A message is committed only after the
// handler accepted it.
func (t *KafkaTransport) Subscribe(ctx context.Context, nodeID string, handler Handler) error {
	r := t.newReader(nodeID)
	defer r.Close()

	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, kafka.RebalanceInProgress) {
				continue
			}
			var kerr kafka.Error
			if errors.As(err, &kerr) && kerr.Temporary() {
				t.logger.Debug("temporary kafka error", "error", err)
				continue
			}
			return fmt.Errorf("fetch: %w", err)
		}
		if err := handler(ctx, m.Value); err != nil {
			return err
		}
		if err := r.CommitMessages(ctx, m); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("commit: %w", err)
		}
	}
}

// Close implements Transport.
func (t *KafkaTransport) Close() error {
	return t.writer.Close()
}
