package domain

import (
	"context"

	"example.com/activityledger/internal/calendar"
)

// Repository persists the ledger and its raw event log.
type Repository interface {
	// Increment records event and atomically adds one to the record at key,
	// creating it with a count of one when absent. When the event id was
	// already recorded nothing changes and replay is true.
	Increment(ctx context.Context, key DayKey, event QualifyingEvent) (record ActivityRecord, replay bool, err error)
	// Range returns the user's records with from <= date <= to, ordered by date then timezone.
	Range(ctx context.Context, userID string, from, to calendar.Date) ([]ActivityRecord, error)
	// Events returns the user's raw event log.
	Events(ctx context.Context, userID string) ([]QualifyingEvent, error)
	// ReplaceDays overwrites the count of every supplied day in one transaction.
	ReplaceDays(ctx context.Context, userID string, totals []DayTotal) ([]ActivityRecord, error)
}

// CacheEntry is the result of a YearCache lookup. Generation must be handed
// back to Set so fills that raced with an invalidation are dropped.
type CacheEntry struct {
	Hit        bool
	Records    []ActivityRecord
	Generation int64
}

// YearCache stores a user's ledger rows for one calendar year.
type YearCache interface {
	Get(ctx context.Context, userID string, year int) (CacheEntry, error)
	Set(ctx context.Context, userID string, year int, generation int64, records []ActivityRecord) error
	Invalidate(ctx context.Context, userID string, years ...int) error
}

type noopCache struct{}

func (noopCache) Get(context.Context, string, int) (CacheEntry, error) { return CacheEntry{}, nil }

func (noopCache) Set(context.Context, string, int, int64, []ActivityRecord) error { return nil }

func (noopCache) Invalidate(context.Context, string, ...int) error { return nil }
