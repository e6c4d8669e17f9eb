// Package consumer feeds qualifying events from Kafka into the ledger.
package consumer

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"example.com/activityledger/internal/logger"
)

// ErrPermanent marks handler failures that redelivery cannot fix. The
// processor commits such messages instead of retrying them.
var ErrPermanent = errors.New("permanent message failure")

// Reader exposes the minimal kafka.Reader interface needed by the processor.
type Reader interface {
	FetchMessage(context.Context) (kafka.Message, error)
	CommitMessages(context.Context, ...kafka.Message) error
	Close() error
}

// Handler receives decoded messages from Kafka.
type Handler interface {
	Handle(context.Context, Message) error
}

// Message is the decoded representation of a Kafka record.
type Message struct {
	Topic         string
	Partition     int
	Offset        int64
	Timestamp     time.Time
	EventType     string
	SchemaSubject string
	// SchemaID is zero for plain JSON records without Confluent framing.
	SchemaID int
	Payload  json.RawMessage
}

// Option configures optional behaviour for the Processor.
type Option func(*Processor)

// WithLogger overrides the logger used to report errors.
func WithLogger(log *logger.Logger) Option {
	return func(p *Processor) {
		if log != nil {
			p.log = log
		}
	}
}

// WithRetry sets how often a failing message is retried before Run gives up.
func WithRetry(attempts int, baseDelay time.Duration) Option {
	return func(p *Processor) {
		if attempts > 0 {
			p.attempts = attempts
		}
		if baseDelay > 0 {
			p.baseDelay = baseDelay
		}
	}
}

// Processor pulls messages from Kafka, decodes them, and dispatches to a Handler.
type Processor struct {
	reader    Reader
	handler   Handler
	log       *logger.Logger
	attempts  int
	baseDelay time.Duration
}

// NewProcessor constructs a Processor with the provided reader and handler.
func NewProcessor(reader Reader, handler Handler, opts ...Option) *Processor {
	p := &Processor{
		reader:    reader,
		handler:   handler,
		log:       logger.Nop(),
		attempts:  5,
		baseDelay: 200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run processes Kafka messages until the context is cancelled. A message whose
// handler keeps failing is left uncommitted and Run returns, so the group
// redelivers it after restart.
func (p *Processor) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		msg, err := p.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			p.log.Warn("fetch error", "error", err)
			continue
		}

		event, decodeErr := decodeMessage(msg)
		if decodeErr != nil {
			p.log.Warn("decode error", "topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "error", decodeErr)
			recordDecodeError(msg.Topic)
			// Commit malformed messages to avoid poison-pill loops.
			p.commit(ctx, msg)
			continue
		}

		handleErr := p.handleWithRetry(ctx, event)
		switch {
		case handleErr == nil:
			if p.commit(ctx, msg) {
				recordProcessed(event)
			}
		case errors.Is(handleErr, ErrPermanent):
			p.log.Warn("dropping message", "topic", event.Topic, "offset", event.Offset, "error", handleErr)
			recordHandlerError(event)
			p.commit(ctx, msg)
		default:
			recordHandlerError(event)
			return fmt.Errorf("handle %s/%d@%d: %w", event.Topic, event.Partition, event.Offset, handleErr)
		}
	}
}

func (p *Processor) handleWithRetry(ctx context.Context, event Message) error {
	var err error
	for attempt := 1; attempt <= p.attempts; attempt++ {
		err = p.handler.Handle(ctx, event)
		if err == nil || errors.Is(err, ErrPermanent) {
			return err
		}
		p.log.Warn("handler error", "topic", event.Topic, "offset", event.Offset, "attempt", attempt, "error", err)
		if attempt == p.attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.backoff(attempt)):
		}
	}
	return err
}

func (p *Processor) backoff(attempt int) time.Duration {
	delay := time.Duration(1<<uint(attempt-1)) * p.baseDelay
	if delay > 30*time.Second {
		delay = 30 * time.Second
	}
	return delay
}

func (p *Processor) commit(ctx context.Context, msg kafka.Message) bool {
	if err := p.reader.CommitMessages(ctx, msg); err != nil {
		p.log.Warn("commit error", "topic", msg.Topic, "offset", msg.Offset, "error", err)
		return false
	}
	return true
}

// decodeMessage accepts Confluent-framed records (magic byte 0 plus a
// big-endian schema id) as well as bare JSON.
func decodeMessage(msg kafka.Message) (Message, error) {
	if len(msg.Value) == 0 {
		return Message{}, errors.New("empty payload")
	}

	var (
		schemaID int
		body     []byte
	)
	switch {
	case msg.Value[0] == 0:
		if len(msg.Value) < 5 {
			return Message{}, fmt.Errorf("invalid payload length: %d", len(msg.Value))
		}
		schemaID = int(binary.BigEndian.Uint32(msg.Value[1:5]))
		body = msg.Value[5:]
	default:
		body = msg.Value
	}
	if !json.Valid(body) {
		return Message{}, errors.New("payload is not valid JSON")
	}

	eventType, _ := headerValue(msg, "event_type")
	schemaSubject, _ := headerValue(msg, "schema_subject")

	return Message{
		Topic:         msg.Topic,
		Partition:     msg.Partition,
		Offset:        msg.Offset,
		Timestamp:     msg.Time,
		EventType:     string(eventType),
		SchemaSubject: string(schemaSubject),
		SchemaID:      schemaID,
		Payload:       json.RawMessage(append([]byte(nil), body...)),
	}, nil
}

func headerValue(msg kafka.Message, key string) ([]byte, bool) {
	for _, header := range msg.Headers {
		if header.Key == key {
			return header.Value, true
		}
	}
	return nil, false
}
