// Package postgres stores the activity ledger in Postgres through pgx.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/activityledger/internal/calendar"
	"example.com/activityledger/internal/domain"
	"example.com/activityledger/internal/events"
)

// Repository provides Postgres-backed persistence for ledger days, the raw
// event log and outbox events.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const recordColumns = `user_id, activity_date, timezone, event_count, created_at, updated_at`

// Increment records the event and bumps the day inside a single transaction.
func (r *Repository) Increment(ctx context.Context, key domain.DayKey, event domain.QualifyingEvent) (record domain.ActivityRecord, replay bool, err error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.ActivityRecord{}, false, err
	}
	defer func() {
		if err != nil {
			tx.Rollback(ctx)
		}
	}()

	if event.EventID != "" {
		tag, execErr := tx.Exec(ctx,
			`INSERT INTO qualifying_events (event_id, user_id, occurred_at, timezone, activity_date, source)
             VALUES ($1,$2,$3,$4,$5::date,$6)
             ON CONFLICT (user_id, event_id) DO NOTHING`,
			event.EventID, event.UserID, event.OccurredAt, event.Timezone, key.Date.String(), event.Source,
		)
		if execErr != nil {
			err = execErr
			return domain.ActivityRecord{}, false, err
		}
		if tag.RowsAffected() == 0 {
			var original domain.DayKey
			original, err = recordedDay(ctx, tx, key.UserID, event.EventID)
			if err != nil {
				return domain.ActivityRecord{}, false, err
			}
			record, err = currentRecord(ctx, tx, original)
			if err != nil {
				return domain.ActivityRecord{}, false, err
			}
			err = tx.Commit(ctx)
			return record, err == nil, err
		}
	}

	row := tx.QueryRow(ctx,
		`INSERT INTO activity_days (user_id, activity_date, timezone, event_count)
         VALUES ($1, $2::date, $3, 1)
         ON CONFLICT (user_id, activity_date, timezone)
         DO UPDATE SET event_count = activity_days.event_count + 1, updated_at = NOW()
         RETURNING `+recordColumns,
		key.UserID, key.Date.String(), key.Timezone,
	)
	record, err = scanRecord(row)
	if err != nil {
		return domain.ActivityRecord{}, false, err
	}

	if err = insertOutbox(ctx, tx, events.TypeDayIncremented, key.UserID, dedupeKey(key.UserID, event.EventID, events.TypeDayIncremented), events.DayIncremented{
		UserID:    record.UserID,
		Date:      record.Date.String(),
		Timezone:  record.Timezone,
		Count:     record.Count,
		EventID:   event.EventID,
		UpdatedAt: record.UpdatedAt,
	}); err != nil {
		return domain.ActivityRecord{}, false, err
	}

	if err = tx.Commit(ctx); err != nil {
		return domain.ActivityRecord{}, false, err
	}
	return record, false, nil
}

// recordedDay returns the day a logged event was counted against.
func recordedDay(ctx context.Context, tx pgx.Tx, userID, eventID string) (domain.DayKey, error) {
	var day time.Time
	key := domain.DayKey{UserID: userID}
	err := tx.QueryRow(ctx,
		`SELECT activity_date, timezone FROM qualifying_events WHERE user_id=$1 AND event_id=$2`,
		userID, eventID,
	).Scan(&day, &key.Timezone)
	if err != nil {
		return domain.DayKey{}, fmt.Errorf("load recorded day for event %s: %w", eventID, err)
	}
	key.Date = calendar.DateOf(day)
	return key, nil
}

func currentRecord(ctx context.Context, tx pgx.Tx, key domain.DayKey) (domain.ActivityRecord, error) {
	row := tx.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM activity_days
         WHERE user_id=$1 AND activity_date=$2::date AND timezone=$3`,
		key.UserID, key.Date.String(), key.Timezone,
	)
	record, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ActivityRecord{UserID: key.UserID, Date: key.Date, Timezone: key.Timezone}, nil
	}
	return record, err
}

// Range returns the user's days between from and to inclusive.
func (r *Repository) Range(ctx context.Context, userID string, from, to calendar.Date) ([]domain.ActivityRecord, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+recordColumns+` FROM activity_days
         WHERE user_id=$1 AND activity_date BETWEEN $2::date AND $3::date
         ORDER BY activity_date, timezone`,
		userID, from.String(), to.String(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := make([]domain.ActivityRecord, 0)
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, record)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

// Events returns the user's raw event log ordered by occurrence.
func (r *Repository) Events(ctx context.Context, userID string) ([]domain.QualifyingEvent, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT event_id, user_id, occurred_at, timezone, source FROM qualifying_events
         WHERE user_id=$1 ORDER BY occurred_at, event_id`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := make([]domain.QualifyingEvent, 0)
	for rows.Next() {
		var event domain.QualifyingEvent
		if err := rows.Scan(&event.EventID, &event.UserID, &event.OccurredAt, &event.Timezone, &event.Source); err != nil {
			return nil, err
		}
		event.OccurredAt = event.OccurredAt.UTC()
		results = append(results, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

// ReplaceDays overwrites every supplied day, zeroes the user's other days
// and emits one backfill event covering both.
func (r *Repository) ReplaceDays(ctx context.Context, userID string, totals []domain.DayTotal) (results []domain.ActivityRecord, err error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			tx.Rollback(ctx)
		}
	}()

	results = make([]domain.ActivityRecord, 0, len(totals))
	days := make([]events.BackfilledDay, 0, len(totals))
	dates := make([]string, 0, len(totals))
	zones := make([]string, 0, len(totals))
	for _, total := range totals {
		dates = append(dates, total.Key.Date.String())
		zones = append(zones, total.Key.Timezone)
		row := tx.QueryRow(ctx,
			`INSERT INTO activity_days (user_id, activity_date, timezone, event_count)
             VALUES ($1, $2::date, $3, $4)
             ON CONFLICT (user_id, activity_date, timezone)
             DO UPDATE SET event_count = EXCLUDED.event_count, updated_at = NOW()
             RETURNING `+recordColumns,
			userID, total.Key.Date.String(), total.Key.Timezone, total.Count,
		)
		var record domain.ActivityRecord
		record, err = scanRecord(row)
		if err != nil {
			return nil, err
		}
		results = append(results, record)
		days = append(days, events.BackfilledDay{Date: record.Date.String(), Timezone: record.Timezone, Count: record.Count})
	}

	rows, err := tx.Query(ctx,
		`UPDATE activity_days SET event_count = 0, updated_at = NOW()
         WHERE user_id=$1 AND event_count <> 0
           AND (activity_date, timezone) NOT IN (
               SELECT d::date, z FROM unnest($2::text[], $3::text[]) AS t(d, z))
         RETURNING `+recordColumns,
		userID, dates, zones,
	)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var record domain.ActivityRecord
		record, err = scanRecord(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		results = append(results, record)
		days = append(days, events.BackfilledDay{Date: record.Date.String(), Timezone: record.Timezone, Count: 0})
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return nil, err
	}

	if len(days) > 0 {
		if err = insertOutbox(ctx, tx, events.TypeDaysBackfilled, userID, dedupeKey(userID, "", events.TypeDaysBackfilled), events.DaysBackfilled{
			UserID:       userID,
			Days:         days,
			BackfilledAt: time.Now().UTC(),
		}); err != nil {
			return nil, err
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, err
	}
	return results, nil
}

func insertOutbox(ctx context.Context, tx pgx.Tx, eventType, userID, dedupe string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	route, ok := events.Routes[eventType]
	if !ok {
		return fmt.Errorf("unknown event type: %s", eventType)
	}

	const stmt = `INSERT INTO outbox (aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload, dedupe_key)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`

	_, err = tx.Exec(ctx, stmt,
		"activity_day",
		userID,
		eventType,
		route.Topic,
		route.SchemaSubject,
		userID,
		body,
		dedupe,
	)
	return err
}

func dedupeKey(userID, id, eventType string) string {
	if id == "" {
		id = uuid.NewString()
	}
	return fmt.Sprintf("%s:%s:%s", userID, id, eventType)
}

func scanRecord(row pgx.Row) (domain.ActivityRecord, error) {
	var (
		record domain.ActivityRecord
		day    time.Time
	)
	if err := row.Scan(&record.UserID, &day, &record.Timezone, &record.Count, &record.CreatedAt, &record.UpdatedAt); err != nil {
		return domain.ActivityRecord{}, err
	}
	record.Date = calendar.DateOf(day)
	return record, nil
}
