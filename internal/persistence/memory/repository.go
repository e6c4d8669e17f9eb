// Package memory is an in-process ledger store for development and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"example.com/activityledger/internal/calendar"
	"example.com/activityledger/internal/domain"
)

// Repository keeps the ledger in maps guarded by a single mutex.
type Repository struct {
	mu     sync.Mutex
	now    func() time.Time
	days   map[domain.DayKey]domain.ActivityRecord
	events map[eventKey]loggedEvent
	order  []eventKey
}

// Event ids are unique per user.
type eventKey struct {
	userID  string
	eventID string
}

type loggedEvent struct {
	event domain.QualifyingEvent
	day   domain.DayKey
}

// NewRepository constructs an empty Repository.
func NewRepository() *Repository {
	return &Repository{
		now:    time.Now,
		days:   make(map[domain.DayKey]domain.ActivityRecord),
		events: make(map[eventKey]loggedEvent),
	}
}

// Increment implements domain.Repository.
func (r *Repository) Increment(ctx context.Context, key domain.DayKey, event domain.QualifyingEvent) (domain.ActivityRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return domain.ActivityRecord{}, false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if event.EventID != "" {
		id := eventKey{userID: key.UserID, eventID: event.EventID}
		if logged, seen := r.events[id]; seen {
			record, ok := r.days[logged.day]
			if !ok {
				record = domain.ActivityRecord{UserID: logged.day.UserID, Date: logged.day.Date, Timezone: logged.day.Timezone}
			}
			return record, true, nil
		}
		r.events[id] = loggedEvent{event: event, day: key}
		r.order = append(r.order, id)
	}

	ts := r.now().UTC()
	record, ok := r.days[key]
	if !ok {
		record = domain.ActivityRecord{UserID: key.UserID, Date: key.Date, Timezone: key.Timezone, CreatedAt: ts}
	}
	record.Count++
	record.UpdatedAt = ts
	r.days[key] = record
	return record, false, nil
}

// Range implements domain.Repository.
func (r *Repository) Range(ctx context.Context, userID string, from, to calendar.Date) ([]domain.ActivityRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]domain.ActivityRecord, 0)
	for key, record := range r.days {
		if key.UserID != userID || key.Date.Before(from) || key.Date.After(to) {
			continue
		}
		out = append(out, record)
	}
	sortRecords(out)
	return out, nil
}

// Events implements domain.Repository.
func (r *Repository) Events(ctx context.Context, userID string) ([]domain.QualifyingEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]domain.QualifyingEvent, 0)
	for _, id := range r.order {
		if id.userID == userID {
			out = append(out, r.events[id].event)
		}
	}
	return out, nil
}

// ReplaceDays implements domain.Repository. Days of the user missing from
// totals are set to zero, never removed.
func (r *Repository) ReplaceDays(ctx context.Context, userID string, totals []domain.DayTotal) ([]domain.ActivityRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	ts := r.now().UTC()
	out := make([]domain.ActivityRecord, 0, len(totals))
	replaced := make(map[domain.DayKey]struct{}, len(totals))
	for _, total := range totals {
		key := total.Key
		key.UserID = userID
		replaced[key] = struct{}{}
		record, ok := r.days[key]
		if !ok {
			record = domain.ActivityRecord{UserID: userID, Date: key.Date, Timezone: key.Timezone, CreatedAt: ts}
		}
		record.Count = total.Count
		record.UpdatedAt = ts
		r.days[key] = record
		out = append(out, record)
	}
	for key, record := range r.days {
		if key.UserID != userID || record.Count == 0 {
			continue
		}
		if _, ok := replaced[key]; ok {
			continue
		}
		record.Count = 0
		record.UpdatedAt = ts
		r.days[key] = record
		out = append(out, record)
	}
	sortRecords(out)
	return out, nil
}

// Seed stores a record directly, bypassing the event log.
func (r *Repository) Seed(records ...domain.ActivityRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, record := range records {
		r.days[record.Key()] = record
	}
}

func sortRecords(records []domain.ActivityRecord) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].Date != records[j].Date {
			return records[i].Date.Before(records[j].Date)
		}
		return records[i].Timezone < records[j].Timezone
	})
}
