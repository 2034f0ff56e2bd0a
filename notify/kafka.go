package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/warp/estate-reconciler/logging"
	"github.com/warp/estate-reconciler/reconcile"
)

// KafkaConfig selects the brokers and topic for published events.
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	MaxAttempts  int
	WriteTimeout time.Duration
}

// MessageWriter is the subset of *kafka.Writer the notifier uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaNotifier publishes events as JSON messages.
type KafkaNotifier struct {
	writer  MessageWriter
	topic   string
	timeout time.Duration
	now     func() time.Time
}

var _ reconcile.Notifier = (*KafkaNotifier)(nil)

// NewKafka builds a notifier backed by a kafka.Writer.
func NewKafka(cfg KafkaConfig) (*KafkaNotifier, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka notifier: no brokers configured")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka notifier: no topic configured")
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		RequiredAcks:           kafka.RequireAll,
		MaxAttempts:            attempts,
		WriteBackoffMin:        100 * time.Millisecond,
		WriteBackoffMax:        time.Second,
	}
	return NewKafkaWithWriter(writer, cfg.Topic, cfg.WriteTimeout), nil
}

// NewKafkaWithWriter wires an existing writer, e.g. a fake in tests.
func NewKafkaWithWriter(w MessageWriter, topic string, timeout time.Duration) *KafkaNotifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &KafkaNotifier{
		writer:  w,
		topic:   topic,
		timeout: timeout,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (k *KafkaNotifier) TransactionAutoProcessed(ctx context.Context, tx reconcile.Transaction, entry reconcile.LedgerEntry) {
	k.publish(ctx, autoProcessedEvent(tx, entry, k.now()))
}

func (k *KafkaNotifier) SessionCompleted(ctx context.Context, s reconcile.ImportSession) {
	k.publish(ctx, sessionEvent(s, k.now()))
}

// Publish sends one event and reports the outcome.
func (k *KafkaNotifier) Publish(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	return k.writer.WriteMessages(ctx, kafka.Message{
		Topic: k.topic,
		Key:   []byte(e.Key()),
		Value: data,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(e.Type)},
		},
	})
}

func (k *KafkaNotifier) publish(ctx context.Context, e Event) {
	log := logging.FromContext(ctx)
	if err := k.Publish(ctx, e); err != nil {
		log.Error().Err(err).Str("event", e.Type).Str("topic", k.topic).Msg("failed to publish event")
		return
	}
	log.Debug().Str("event", e.Type).Str("key", e.Key()).Msg("event published")
}

// Close flushes and closes the writer.
func (k *KafkaNotifier) Close() error {
	return k.writer.Close()
}
