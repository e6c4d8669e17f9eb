package gormstore

import (
	"time"

	"example.com/activityledger/internal/calendar"
	"example.com/activityledger/internal/domain"
)

// ActivityDay is the gorm row for one ledger day. ActivityDate holds
// YYYY-MM-DD so range filters compare lexically on every dialect.
type ActivityDay struct {
	UserID       string    `gorm:"primaryKey;type:varchar(128)"`
	ActivityDate string    `gorm:"primaryKey;type:varchar(10)"`
	Timezone     string    `gorm:"primaryKey;type:varchar(64)"`
	EventCount   int       `gorm:"column:event_count;not null;default:0"`
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time `gorm:"not null"`
}

func (ActivityDay) TableName() string {
	return "activity_days"
}

func (d ActivityDay) toDomain() (domain.ActivityRecord, error) {
	date, err := calendar.Parse(d.ActivityDate)
	if err != nil {
		return domain.ActivityRecord{}, err
	}
	return domain.ActivityRecord{
		UserID:    d.UserID,
		Date:      date,
		Timezone:  d.Timezone,
		Count:     d.EventCount,
		CreatedAt: d.CreatedAt.UTC(),
		UpdatedAt: d.UpdatedAt.UTC(),
	}, nil
}

// QualifyingEvent is the gorm row of the raw event log. Event ids are
// unique per user; ActivityDate and Timezone name the day it was counted on.
type QualifyingEvent struct {
	UserID       string    `gorm:"primaryKey;index:idx_qualifying_events_user;type:varchar(128)"`
	EventID      string    `gorm:"primaryKey;type:varchar(128)"`
	OccurredAt   time.Time `gorm:"index:idx_qualifying_events_user;not null"`
	Timezone     string    `gorm:"type:varchar(64);not null"`
	ActivityDate string    `gorm:"type:varchar(10);not null"`
	Source       string    `gorm:"type:varchar(128)"`
	RecordedAt   time.Time `gorm:"autoCreateTime"`
}

func (e QualifyingEvent) dayKey() (domain.DayKey, error) {
	date, err := calendar.Parse(e.ActivityDate)
	if err != nil {
		return domain.DayKey{}, err
	}
	return domain.DayKey{UserID: e.UserID, Date: date, Timezone: e.Timezone}, nil
}

func (QualifyingEvent) TableName() string {
	return "qualifying_events"
}
