//go:build integration

package outbox

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"example.com/activityledger/internal/calendar"
	"example.com/activityledger/internal/domain"
	"example.com/activityledger/internal/events"
	"example.com/activityledger/internal/persistence/postgres"
	"example.com/activityledger/internal/testsupport"
)

func TestDispatcherPublishesLedgerEvents(t *testing.T) {
	ctx := context.Background()
	pool, _ := testsupport.StartPostgres(ctx, t)
	userID := recordDay(t, ctx, pool)

	producer := &stubProducer{}
	registry := &stubRegistry{id: 42}
	dispatcher := NewDispatcher(pool, producer, registry, 10*time.Millisecond, 5)

	beforeDelivered := testutil.ToFloat64(ledgerEventsDelivered.WithLabelValues(events.TypeDayIncremented))
	beforeHistogram := histogramSampleCount(t)

	require.NoError(t, dispatcher.processBatch(ctx))

	require.Len(t, producer.writes, 1)
	require.Equal(t, "activity_days", producer.writes[0].topic)
	require.Len(t, producer.writes[0].messages, 1)

	record := producer.writes[0].messages[0]
	require.Equal(t, userID, string(record.Key))
	require.Equal(t, byte(0), record.Value[0])
	require.Equal(t, uint32(42), binary.BigEndian.Uint32(record.Value[1:5]))

	var payload events.DayIncremented
	require.NoError(t, json.Unmarshal(record.Value[5:], &payload))
	require.Equal(t, userID, payload.UserID)
	require.Equal(t, "2024-03-02", payload.Date)
	require.Equal(t, 1, payload.Count)

	require.InDelta(t, beforeDelivered+1, testutil.ToFloat64(ledgerEventsDelivered.WithLabelValues(events.TypeDayIncremented)), 0.0001)
	require.Greater(t, histogramSampleCount(t), beforeHistogram)

	var published int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE published_at IS NOT NULL`).Scan(&published))
	require.Equal(t, 1, published)

	// Nothing left to claim.
	require.NoError(t, dispatcher.processBatch(ctx))
	require.Len(t, producer.writes, 1)
}

func TestDispatcherRoutesMessagesToDLQOnFailure(t *testing.T) {
	ctx := context.Background()
	pool, _ := testsupport.StartPostgres(ctx, t)
	userID := recordDay(t, ctx, pool)

	producer := &stubProducer{err: errors.New("kafka write failed")}
	dispatcher := NewDispatcher(pool, producer, &stubRegistry{id: 7}, 10*time.Millisecond, 5)

	beforeFailed := testutil.ToFloat64(ledgerEventsFailed.WithLabelValues(events.TypeDayIncremented))
	beforeDLQ := testutil.ToFloat64(ledgerEventsDeadLettered.WithLabelValues("activity_days", events.TypeDayIncremented))

	require.NoError(t, dispatcher.processBatch(ctx))

	require.InDelta(t, beforeFailed+1, testutil.ToFloat64(ledgerEventsFailed.WithLabelValues(events.TypeDayIncremented)), 0.0001)
	require.InDelta(t, beforeDLQ+1, testutil.ToFloat64(ledgerEventsDeadLettered.WithLabelValues("activity_days", events.TypeDayIncremented)), 0.0001)

	var dlqCount int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox_dlq WHERE aggregate_id = $1`, userID).Scan(&dlqCount))
	require.Equal(t, 1, dlqCount)

	var published int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE published_at IS NOT NULL`).Scan(&published))
	require.Equal(t, 1, published)
}

func TestDispatcherCachesSchemaIDsAcrossBatch(t *testing.T) {
	ctx := context.Background()
	pool, _ := testsupport.StartPostgres(ctx, t)
	recordDay(t, ctx, pool)
	recordDay(t, ctx, pool)

	producer := &stubProducer{}
	registry := &stubRegistry{id: 21}
	dispatcher := NewDispatcher(pool, producer, registry, 10*time.Millisecond, 5)

	require.NoError(t, dispatcher.processBatch(ctx))

	require.Len(t, producer.writes, 1)
	require.Len(t, producer.writes[0].messages, 2)
	require.Len(t, registry.calls, 1, "schema registry should be invoked once due to cache")
	require.Equal(t, "activity_days-value", registry.calls[0].subject)
}

func TestDispatcherUnknownSchemaMovesEventsToDLQ(t *testing.T) {
	ctx := context.Background()
	pool, _ := testsupport.StartPostgres(ctx, t)
	eventID := seedOutbox(t, ctx, pool, uuid.NewString(), "activity.unknown")

	producer := &stubProducer{}
	registry := &stubRegistry{id: 99}
	dispatcher := NewDispatcher(pool, producer, registry, 10*time.Millisecond, 5)

	require.NoError(t, dispatcher.processBatch(ctx))

	require.Empty(t, producer.writes, "unknown schema should skip kafka writes")
	require.Empty(t, registry.calls, "schema registry should not be invoked when metadata missing")

	var reason string
	require.NoError(t, pool.QueryRow(ctx, `SELECT reason FROM outbox_dlq WHERE event_id = $1`, eventID).Scan(&reason))
	require.Contains(t, reason, "no schema metadata for event_type=activity.unknown")

	var publishedAt time.Time
	require.NoError(t, pool.QueryRow(ctx, `SELECT published_at FROM outbox WHERE event_id = $1`, eventID).Scan(&publishedAt))
	require.False(t, publishedAt.IsZero(), "event should still be marked as published")
}

func TestDLQManagerRequeuesAndQuarantines(t *testing.T) {
	ctx := context.Background()
	pool, _ := testsupport.StartPostgres(ctx, t)
	recordDay(t, ctx, pool)
	unknownID := seedOutbox(t, ctx, pool, uuid.NewString(), "activity.unknown")

	failing := NewDispatcher(pool, &stubProducer{err: errors.New("broker down")}, &stubRegistry{id: 3}, time.Millisecond, 10)
	require.NoError(t, failing.processBatch(ctx))

	manager := NewDLQManager(pool, 1, time.Millisecond)
	requeuedBefore := testutil.ToFloat64(dlqOutcomes.WithLabelValues(outcomeRequeued, "activity_days", events.TypeDayIncremented))
	quarantinedBefore := testutil.ToFloat64(dlqOutcomes.WithLabelValues(outcomeQuarantined, "activity_days", "activity.unknown"))

	processed, err := manager.RunOnce(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, processed)
	require.InDelta(t, requeuedBefore+1, testutil.ToFloat64(dlqOutcomes.WithLabelValues(outcomeRequeued, "activity_days", events.TypeDayIncremented)), 0.0001)

	var pending int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE published_at IS NULL`).Scan(&pending))
	require.Equal(t, 1, pending)

	// The unknown event failed its retry; wait out the backoff and it is quarantined.
	var retries int
	require.NoError(t, pool.QueryRow(ctx, `SELECT retry_count FROM outbox_dlq WHERE event_id = $1`, unknownID).Scan(&retries))
	require.Equal(t, 1, retries)

	require.Eventually(t, func() bool {
		_, err := manager.RunOnce(ctx, 10)
		if err != nil {
			return false
		}
		var quarantined int
		_ = pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox_dlq WHERE event_id = $1 AND quarantined_at IS NOT NULL`, unknownID).Scan(&quarantined)
		return quarantined == 1
	}, 5*time.Second, 50*time.Millisecond)
	require.Zero(t, testutil.ToFloat64(dlqBacklog.WithLabelValues(events.TypeDayIncremented)))
	require.Zero(t, testutil.ToFloat64(dlqBacklog.WithLabelValues(events.TypeDaysBackfilled)))
	require.InDelta(t, quarantinedBefore+1, testutil.ToFloat64(dlqOutcomes.WithLabelValues(outcomeQuarantined, "activity_days", "activity.unknown")), 0.0001)

	// A healthy dispatcher now delivers the requeued event.
	producer := &stubProducer{}
	require.NoError(t, NewDispatcher(pool, producer, &stubRegistry{id: 3}, time.Millisecond, 10).processBatch(ctx))
	require.Len(t, producer.writes, 1)
}

// recordDay increments one ledger day for a fresh user so the repository
// writes its own outbox row.
func recordDay(t *testing.T, ctx context.Context, pool *pgxpool.Pool) string {
	t.Helper()

	userID := uuid.NewString()
	repo := postgres.NewRepository(pool)
	_, _, err := repo.Increment(ctx,
		domain.DayKey{UserID: userID, Date: calendar.New(2024, time.March, 2), Timezone: "UTC"},
		domain.QualifyingEvent{EventID: uuid.NewString(), UserID: userID, OccurredAt: time.Date(2024, time.March, 2, 12, 0, 0, 0, time.UTC), Timezone: "UTC"},
	)
	require.NoError(t, err)
	return userID
}

func seedOutbox(t *testing.T, ctx context.Context, pool *pgxpool.Pool, aggregateID, eventType string) int64 {
	t.Helper()

	payload, err := json.Marshal(map[string]any{"user_id": aggregateID})
	require.NoError(t, err)

	var id int64
	err = pool.QueryRow(ctx,
		`INSERT INTO outbox (aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload)
         VALUES ($1,$2,$3,$4,$5,$6,$7) RETURNING event_id`,
		"activity_day", aggregateID, eventType, "activity_days", "activity_days-value", aggregateID, payload,
	).Scan(&id)
	require.NoError(t, err)
	return id
}

func histogramSampleCount(t *testing.T) uint64 {
	t.Helper()

	metric := &dto.Metric{}
	require.NoError(t, batchDuration.Write(metric))
	hist := metric.GetHistogram()
	require.NotNil(t, hist)
	return hist.GetSampleCount()
}
