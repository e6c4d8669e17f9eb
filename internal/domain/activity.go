package domain

import (
	"time"

	"example.com/activityledger/internal/calendar"
)

// DayKey is the natural key of the ledger.
type DayKey struct {
	UserID   string
	Date     calendar.Date
	Timezone string
}

// ActivityRecord counts the qualifying events of one user on one calendar day.
// Date is the day as observed in Timezone.
type ActivityRecord struct {
	UserID    string        `json:"user_id"`
	Date      calendar.Date `json:"date"`
	Timezone  string        `json:"timezone"`
	Count     int           `json:"count"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Key returns the record's natural key.
func (r ActivityRecord) Key() DayKey {
	return DayKey{UserID: r.UserID, Date: r.Date, Timezone: r.Timezone}
}

// QualifyingEvent is one entry of the raw event log kept next to the ledger.
type QualifyingEvent struct {
	EventID    string
	UserID     string
	OccurredAt time.Time
	Timezone   string
	Source     string
}

// DayTotal is a recomputed count used when rebuilding the ledger.
type DayTotal struct {
	Key   DayKey
	Count int
}
