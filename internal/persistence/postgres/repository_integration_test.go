//go:build integration

package postgres

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/activityledger/internal/calendar"
	"example.com/activityledger/internal/domain"
	"example.com/activityledger/internal/events"
	"example.com/activityledger/internal/testsupport"
)

func TestRepositoryIncrementIsAtomic(t *testing.T) {
	ctx := context.Background()
	pool, _ := testsupport.StartPostgres(ctx, t)
	repo := NewRepository(pool)

	userID := uuid.NewString()
	key := domain.DayKey{UserID: userID, Date: calendar.New(2024, time.March, 9), Timezone: "America/New_York"}

	const workers = 20
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := repo.Increment(ctx, key, domain.QualifyingEvent{
				EventID:    uuid.NewString(),
				UserID:     userID,
				OccurredAt: time.Date(2024, time.March, 10, 3, 30, 0, 0, time.UTC),
				Timezone:   key.Timezone,
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	records, err := repo.Range(ctx, userID, key.Date, key.Date)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, workers, records[0].Count)
	require.Equal(t, key.Date, records[0].Date)

	var outboxed int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE event_type=$1 AND aggregate_id=$2`, events.TypeDayIncremented, userID).Scan(&outboxed))
	require.Equal(t, workers, outboxed)
}

func TestRepositoryReplayLeavesCountUnchanged(t *testing.T) {
	ctx := context.Background()
	pool, _ := testsupport.StartPostgres(ctx, t)
	repo := NewRepository(pool)

	userID := uuid.NewString()
	key := domain.DayKey{UserID: userID, Date: calendar.New(2024, time.June, 1), Timezone: "UTC"}
	event := domain.QualifyingEvent{EventID: "evt-replay", UserID: userID, OccurredAt: time.Date(2024, time.June, 1, 8, 0, 0, 0, time.UTC), Timezone: "UTC"}

	first, replay, err := repo.Increment(ctx, key, event)
	require.NoError(t, err)
	require.False(t, replay)
	require.Equal(t, 1, first.Count)

	second, replay, err := repo.Increment(ctx, key, event)
	require.NoError(t, err)
	require.True(t, replay)
	require.Equal(t, 1, second.Count)

	logged, err := repo.Events(ctx, userID)
	require.NoError(t, err)
	require.Len(t, logged, 1)
	require.True(t, logged[0].OccurredAt.Equal(event.OccurredAt))
}

func TestRepositoryEventIDsAreScopedPerUser(t *testing.T) {
	ctx := context.Background()
	pool, _ := testsupport.StartPostgres(ctx, t)
	repo := NewRepository(pool)

	alice, bob := uuid.NewString(), uuid.NewString()
	day := calendar.New(2024, time.March, 3)
	at := time.Date(2024, time.March, 3, 9, 0, 0, 0, time.UTC)

	_, replay, err := repo.Increment(ctx, domain.DayKey{UserID: alice, Date: day, Timezone: "UTC"},
		domain.QualifyingEvent{EventID: "answer-1", UserID: alice, OccurredAt: at, Timezone: "UTC"})
	require.NoError(t, err)
	require.False(t, replay)

	record, replay, err := repo.Increment(ctx, domain.DayKey{UserID: bob, Date: day, Timezone: "UTC"},
		domain.QualifyingEvent{EventID: "answer-1", UserID: bob, OccurredAt: at, Timezone: "UTC"})
	require.NoError(t, err)
	require.False(t, replay)
	require.Equal(t, bob, record.UserID)
	require.Equal(t, 1, record.Count)

	var outboxed int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE event_type=$1 AND aggregate_id=$2`, events.TypeDayIncremented, bob).Scan(&outboxed))
	require.Equal(t, 1, outboxed)
}

func TestRepositoryReplayReturnsOriginallyRecordedDay(t *testing.T) {
	ctx := context.Background()
	pool, _ := testsupport.StartPostgres(ctx, t)
	repo := NewRepository(pool)

	userID := uuid.NewString()
	original := domain.DayKey{UserID: userID, Date: calendar.New(2024, time.March, 3), Timezone: "UTC"}
	event := domain.QualifyingEvent{EventID: "dup", UserID: userID, OccurredAt: time.Date(2024, time.March, 3, 9, 0, 0, 0, time.UTC), Timezone: "UTC"}
	_, _, err := repo.Increment(ctx, original, event)
	require.NoError(t, err)

	moved := domain.DayKey{UserID: userID, Date: calendar.New(2024, time.March, 4), Timezone: "Asia/Tokyo"}
	event.Timezone = moved.Timezone
	record, replay, err := repo.Increment(ctx, moved, event)
	require.NoError(t, err)
	require.True(t, replay)
	require.Equal(t, original, record.Key())
	require.Equal(t, 1, record.Count)
}

func TestRepositoryReplaceDaysZeroesMissingDays(t *testing.T) {
	ctx := context.Background()
	pool, _ := testsupport.StartPostgres(ctx, t)
	repo := NewRepository(pool)

	userID := uuid.NewString()
	stale := calendar.New(2024, time.March, 2)
	_, err := repo.ReplaceDays(ctx, userID, []domain.DayTotal{{Key: domain.DayKey{UserID: userID, Date: stale, Timezone: "UTC"}, Count: 7}})
	require.NoError(t, err)

	records, err := repo.ReplaceDays(ctx, userID, nil)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Zero(t, records[0].Count)

	days, err := repo.Range(ctx, userID, stale, stale)
	require.NoError(t, err)
	require.Len(t, days, 1)
	require.Zero(t, days[0].Count)
}

func TestRepositoryReplaceDaysOverwrites(t *testing.T) {
	ctx := context.Background()
	pool, _ := testsupport.StartPostgres(ctx, t)
	repo := NewRepository(pool)

	userID := uuid.NewString()
	day := calendar.New(2024, time.February, 29)
	_, _, err := repo.Increment(ctx, domain.DayKey{UserID: userID, Date: day, Timezone: "UTC"}, domain.QualifyingEvent{EventID: uuid.NewString(), UserID: userID, OccurredAt: time.Now(), Timezone: "UTC"})
	require.NoError(t, err)

	totals := []domain.DayTotal{
		{Key: domain.DayKey{UserID: userID, Date: day, Timezone: "UTC"}, Count: 7},
		{Key: domain.DayKey{UserID: userID, Date: day.AddDays(1), Timezone: "UTC"}, Count: 2},
	}
	for i := 0; i < 2; i++ {
		records, err := repo.ReplaceDays(ctx, userID, totals)
		require.NoError(t, err)
		require.Len(t, records, 2)
		require.Equal(t, 7, records[0].Count)
		require.Equal(t, calendar.New(2024, time.March, 1), records[1].Date)
	}

	records, err := repo.Range(ctx, userID, day, day.AddDays(1))
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, 7, records[0].Count)
	require.Equal(t, 2, records[1].Count)

	var backfills int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE event_type=$1 AND aggregate_id=$2`, events.TypeDaysBackfilled, userID).Scan(&backfills))
	require.Equal(t, 2, backfills)
}

func TestRepositoryRangeUnknownUser(t *testing.T) {
	ctx := context.Background()
	pool, _ := testsupport.StartPostgres(ctx, t)

	records, err := NewRepository(pool).Range(ctx, uuid.NewString(), calendar.New(2024, time.January, 1), calendar.New(2024, time.December, 31))
	require.NoError(t, err)
	require.NotNil(t, records)
	require.Empty(t, records)
}
