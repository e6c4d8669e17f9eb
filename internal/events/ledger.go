// Package events defines the payloads the ledger consumes from and publishes to Kafka.
package events

import "time"

// Outbound event types.
const (
	TypeDayIncremented = "activity.day_incremented"
	TypeDaysBackfilled = "activity.days_backfilled"
)

// QualifyingEvent is the inbound message that marks a user active at an instant.
type QualifyingEvent struct {
	EventID    string    `json:"event_id"`
	UserID     string    `json:"user_id"`
	OccurredAt time.Time `json:"occurred_at"`
	Timezone   string    `json:"timezone"`
	Source     string    `json:"source,omitempty"`
}

// DayIncremented is emitted after a ledger day gained one event.
type DayIncremented struct {
	UserID    string    `json:"user_id"`
	Date      string    `json:"date"`
	Timezone  string    `json:"timezone"`
	Count     int       `json:"count"`
	EventID   string    `json:"event_id"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BackfilledDay is one rebuilt day inside DaysBackfilled.
type BackfilledDay struct {
	Date     string `json:"date"`
	Timezone string `json:"timezone"`
	Count    int    `json:"count"`
}

// DaysBackfilled is emitted after a user's ledger was rebuilt from the event log.
type DaysBackfilled struct {
	UserID       string          `json:"user_id"`
	Days         []BackfilledDay `json:"days"`
	BackfilledAt time.Time       `json:"backfilled_at"`
}

// Route describes where an outbound event type is published.
type Route struct {
	Topic         string
	SchemaSubject string
}

// Routes maps outbound event types to their Kafka destination.
var Routes = map[string]Route{
	TypeDayIncremented: {Topic: "activity_days", SchemaSubject: "activity_days-value"},
	TypeDaysBackfilled: {Topic: "activity_days", SchemaSubject: "activity_days_backfilled-value"},
}
