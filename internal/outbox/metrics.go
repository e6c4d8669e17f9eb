package outbox

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"

	"example.com/activityledger/internal/events"
)

var (
	ledgerEventsDelivered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "activity_ledger",
		Subsystem: "outbox",
		Name:      "ledger_events_delivered_total",
		Help:      "Ledger events published to Kafka, by event type.",
	}, []string{"event_type"})

	ledgerEventsFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "activity_ledger",
		Subsystem: "outbox",
		Name:      "ledger_events_failed_total",
		Help:      "Ledger events whose batch failed to publish, by event type.",
	}, []string{"event_type"})

	ledgerEventsDeadLettered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "activity_ledger",
		Subsystem: "outbox",
		Name:      "ledger_events_dead_lettered_total",
		Help:      "Ledger events parked in outbox_dlq, by topic and event type.",
	}, []string{"topic", "event_type"})

	batchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "activity_ledger",
		Subsystem: "outbox",
		Name:      "batch_duration_seconds",
		Help:      "Time spent claiming, publishing and marking one outbox batch.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
	})

	dlqOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "activity_ledger",
		Subsystem: "dlq",
		Name:      "ledger_events_total",
		Help:      "Dead-lettered ledger events handled by the DLQ manager, by outcome.",
	}, []string{"outcome", "topic", "event_type"})

	dlqBacklog = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "activity_ledger",
		Subsystem: "dlq",
		Name:      "queued_ledger_events",
		Help:      "Ledger events waiting in outbox_dlq, by event type.",
	}, []string{"event_type"})
)

// DLQ outcomes.
const (
	outcomeProcessed   = "processed"
	outcomeRequeued    = "requeued"
	outcomeRetry       = "retry_scheduled"
	outcomeQuarantined = "quarantined"
)

func init() {
	prometheus.MustRegister(ledgerEventsDelivered, ledgerEventsFailed, ledgerEventsDeadLettered, batchDuration, dlqOutcomes, dlqBacklog)
}

func countByEventType(vec *prometheus.CounterVec, messages []Message) {
	for _, msg := range messages {
		vec.WithLabelValues(msg.EventType).Inc()
	}
}

func recordDLQOutcome(outcome string, entry dlqEntry) {
	dlqOutcomes.WithLabelValues(outcome, entry.Topic, entry.EventType).Inc()
}

// refreshBacklog sets the per-type DLQ depth. Routed types with nothing
// queued report zero.
func refreshBacklog(ctx context.Context, pool *pgxpool.Pool) {
	rows, err := pool.Query(ctx, `SELECT event_type, COUNT(*) FROM outbox_dlq WHERE quarantined_at IS NULL GROUP BY event_type`)
	if err != nil {
		return
	}
	defer rows.Close()

	depth := make(map[string]float64, len(events.Routes))
	for eventType := range events.Routes {
		depth[eventType] = 0
	}
	for rows.Next() {
		var (
			eventType string
			count     int64
		)
		if err := rows.Scan(&eventType, &count); err != nil {
			return
		}
		depth[eventType] = float64(count)
	}
	if rows.Err() != nil {
		return
	}
	dlqBacklog.Reset()
	for eventType, count := range depth {
		dlqBacklog.WithLabelValues(eventType).Set(count)
	}
}
