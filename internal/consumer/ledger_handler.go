package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"example.com/activityledger/internal/domain"
	"example.com/activityledger/internal/events"
)

// Recorder is the slice of the ledger service the consumer needs.
type Recorder interface {
	RecordEvent(ctx context.Context, input domain.RecordEventInput) (domain.RecordResult, error)
}

// LedgerHandler records every qualifying event against the ledger.
type LedgerHandler struct {
	ledger Recorder
}

// NewLedgerHandler constructs a LedgerHandler.
func NewLedgerHandler(ledger Recorder) *LedgerHandler {
	return &LedgerHandler{ledger: ledger}
}

// Handle decodes a QualifyingEvent payload and increments the user's day.
// Messages without an event id are keyed by their Kafka position so
// redelivery is still deduplicated.
func (h *LedgerHandler) Handle(ctx context.Context, msg Message) error {
	var event events.QualifyingEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		return fmt.Errorf("%w: decode qualifying event: %v", ErrPermanent, err)
	}

	eventID := event.EventID
	if eventID == "" {
		eventID = fmt.Sprintf("%s-%d-%d", msg.Topic, msg.Partition, msg.Offset)
	}
	source := event.Source
	if source == "" {
		source = msg.Topic
	}

	_, err := h.ledger.RecordEvent(ctx, domain.RecordEventInput{
		UserID:     event.UserID,
		OccurredAt: event.OccurredAt,
		Timezone:   event.Timezone,
		EventID:    eventID,
		Source:     source,
	})
	if errors.Is(err, domain.ErrInvalidInput) {
		return fmt.Errorf("%w: %w", ErrPermanent, err)
	}
	return err
}
