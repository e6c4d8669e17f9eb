// Package gormstore stores the activity ledger through gorm on Postgres or SQLite.
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"example.com/activityledger/internal/calendar"
	"example.com/activityledger/internal/domain"
)

// Open connects to dsn. postgres:// and key=value DSNs use the Postgres
// driver; anything else is handed to SQLite after stripping a sqlite:// prefix.
func Open(dsn string) (*gorm.DB, error) {
	cfg := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)}

	var dialector gorm.Dialector
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"), strings.Contains(dsn, "host="):
		dialector = postgres.Open(dsn)
	default:
		dialector = sqlite.Open(strings.TrimPrefix(dsn, "sqlite://"))
	}

	db, err := gorm.Open(dialector, cfg)
	if err != nil {
		return nil, fmt.Errorf("open gorm store: %w", err)
	}
	if dialector.Name() == "sqlite" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		// SQLite serialises writers; one connection avoids "database is locked".
		sqlDB.SetMaxOpenConns(1)
	}
	return db, nil
}

// Repository implements domain.Repository with gorm.
type Repository struct {
	db  *gorm.DB
	now func() time.Time
}

// NewRepository constructs a Repository.
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db, now: time.Now}
}

// AutoMigrate creates or updates the tables this store owns.
func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(&ActivityDay{}, &QualifyingEvent{})
}

// Increment records the event and bumps the day inside one transaction.
func (r *Repository) Increment(ctx context.Context, key domain.DayKey, event domain.QualifyingEvent) (domain.ActivityRecord, bool, error) {
	var (
		record domain.ActivityRecord
		replay bool
	)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if event.EventID != "" {
			row := QualifyingEvent{
				UserID:       event.UserID,
				EventID:      event.EventID,
				OccurredAt:   event.OccurredAt.UTC(),
				Timezone:     event.Timezone,
				ActivityDate: key.Date.String(),
				Source:       event.Source,
			}
			res := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "user_id"}, {Name: "event_id"}},
				DoNothing: true,
			}).Create(&row)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				replay = true
				original, err := recordedDay(tx, event.UserID, event.EventID)
				if err != nil {
					return err
				}
				record, err = findDay(tx, original)
				return err
			}
		}

		ts := r.now().UTC()
		day := ActivityDay{
			UserID:       key.UserID,
			ActivityDate: key.Date.String(),
			Timezone:     key.Timezone,
			EventCount:   1,
			CreatedAt:    ts,
			UpdatedAt:    ts,
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}, {Name: "activity_date"}, {Name: "timezone"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"event_count": gorm.Expr("activity_days.event_count + 1"),
				"updated_at":  ts,
			}),
		}).Create(&day).Error; err != nil {
			return err
		}

		var err error
		record, err = findDay(tx, key)
		return err
	})
	if err != nil {
		return domain.ActivityRecord{}, false, err
	}
	return record, replay, nil
}

func recordedDay(tx *gorm.DB, userID, eventID string) (domain.DayKey, error) {
	var logged QualifyingEvent
	if err := tx.Where("user_id = ? AND event_id = ?", userID, eventID).Take(&logged).Error; err != nil {
		return domain.DayKey{}, fmt.Errorf("load recorded day for event %s: %w", eventID, err)
	}
	return logged.dayKey()
}

func findDay(tx *gorm.DB, key domain.DayKey) (domain.ActivityRecord, error) {
	var row ActivityDay
	err := tx.Where("user_id = ? AND activity_date = ? AND timezone = ?", key.UserID, key.Date.String(), key.Timezone).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.ActivityRecord{UserID: key.UserID, Date: key.Date, Timezone: key.Timezone}, nil
	}
	if err != nil {
		return domain.ActivityRecord{}, err
	}
	return row.toDomain()
}

// Range returns the user's days between from and to inclusive.
func (r *Repository) Range(ctx context.Context, userID string, from, to calendar.Date) ([]domain.ActivityRecord, error) {
	var rows []ActivityDay
	if err := r.db.WithContext(ctx).
		Where("user_id = ? AND activity_date BETWEEN ? AND ?", userID, from.String(), to.String()).
		Order("activity_date").Order("timezone").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return toRecords(rows)
}

// Events returns the user's raw event log ordered by occurrence.
func (r *Repository) Events(ctx context.Context, userID string) ([]domain.QualifyingEvent, error) {
	var rows []QualifyingEvent
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("occurred_at").Order("event_id").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]domain.QualifyingEvent, 0, len(rows))
	for _, row := range rows {
		out = append(out, domain.QualifyingEvent{
			EventID:    row.EventID,
			UserID:     row.UserID,
			OccurredAt: row.OccurredAt.UTC(),
			Timezone:   row.Timezone,
			Source:     row.Source,
		})
	}
	return out, nil
}

// ReplaceDays overwrites every supplied day and zeroes the user's other
// days in one transaction.
func (r *Repository) ReplaceDays(ctx context.Context, userID string, totals []domain.DayTotal) ([]domain.ActivityRecord, error) {
	out := make([]domain.ActivityRecord, 0, len(totals))
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ts := r.now().UTC()
		replaced := make(map[domain.DayKey]struct{}, len(totals))
		for _, total := range totals {
			key := total.Key
			key.UserID = userID
			replaced[key] = struct{}{}
			day := ActivityDay{
				UserID:       userID,
				ActivityDate: key.Date.String(),
				Timezone:     key.Timezone,
				EventCount:   total.Count,
				CreatedAt:    ts,
				UpdatedAt:    ts,
			}
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "user_id"}, {Name: "activity_date"}, {Name: "timezone"}},
				DoUpdates: clause.AssignmentColumns([]string{"event_count", "updated_at"}),
			}).Create(&day).Error; err != nil {
				return err
			}
			record, err := findDay(tx, key)
			if err != nil {
				return err
			}
			out = append(out, record)
		}

		var stale []ActivityDay
		if err := tx.Where("user_id = ? AND event_count <> 0", userID).Find(&stale).Error; err != nil {
			return err
		}
		for _, row := range stale {
			record, err := row.toDomain()
			if err != nil {
				return fmt.Errorf("decode activity day: %w", err)
			}
			if _, ok := replaced[record.Key()]; ok {
				continue
			}
			if err := tx.Model(&ActivityDay{}).
				Where("user_id = ? AND activity_date = ? AND timezone = ?", row.UserID, row.ActivityDate, row.Timezone).
				Updates(map[string]interface{}{"event_count": 0, "updated_at": ts}).Error; err != nil {
				return err
			}
			record.Count = 0
			record.UpdatedAt = ts
			out = append(out, record)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func toRecords(rows []ActivityDay) ([]domain.ActivityRecord, error) {
	out := make([]domain.ActivityRecord, 0, len(rows))
	for _, row := range rows {
		record, err := row.toDomain()
		if err != nil {
			return nil, fmt.Errorf("decode activity day: %w", err)
		}
		out = append(out, record)
	}
	return out, nil
}
