package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"example.com/activityledger/internal/logger"
)

// ErrMissingPartitionKey is returned for a ledger record without a user key.
var ErrMissingPartitionKey = errors.New("ledger record has no partition key")

// KafkaProducer opens one writer per ledger topic on first use. Records are
// hashed on the user id key so each user's day events keep their order.
type KafkaProducer struct {
	brokers []string
	log     *logger.Logger
	mu      sync.Mutex
	writers map[string]*kafka.Writer
}

// NewKafkaProducer creates a KafkaProducer. WithLogger receives writer errors.
func NewKafkaProducer(brokers []string, opts ...Option) *KafkaProducer {
	o := applyOptions(opts)
	return &KafkaProducer{
		brokers: brokers,
		log:     o.log,
		writers: make(map[string]*kafka.Writer),
	}
}

// WriteMessages publishes ledger records to topic.
func (p *KafkaProducer) WriteMessages(ctx context.Context, topic string, msgs ...kafka.Message) error {
	for _, msg := range msgs {
		if len(msg.Key) == 0 {
			return fmt.Errorf("topic %s: %w", topic, ErrMissingPartitionKey)
		}
	}
	return p.writerForTopic(topic).WriteMessages(ctx, msgs...)
}

func (p *KafkaProducer) writerForTopic(topic string) *kafka.Writer {
	p.mu.Lock()
	defer p.mu.Unlock()

	if writer, ok := p.writers[topic]; ok {
		return writer
	}

	log := p.log.With("topic", topic)
	writer := &kafka.Writer{
		Addr:         kafka.TCP(p.brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Compression:  kafka.Snappy,
		BatchTimeout: 50 * time.Millisecond,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			log.Warn("ledger topic writer error", "detail", fmt.Sprintf(msg, args...))
		}),
	}
	p.writers[topic] = writer
	return writer
}

// Close releases all writers.
func (p *KafkaProducer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs error
	for topic, writer := range p.writers {
		if err := writer.Close(); err != nil {
			errs = errors.Join(errs, fmt.Errorf("close writer for %s: %w", topic, err))
		}
		delete(p.writers, topic)
	}
	return errs
}
