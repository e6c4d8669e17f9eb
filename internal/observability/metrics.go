// Package observability owns the ledger's Prometheus collectors and tracing setup.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Increment outcomes used as the "result" label.
const (
	IncrementApplied  = "applied"
	IncrementReplayed = "replayed"
	IncrementRejected = "rejected"
	IncrementFailed   = "failed"
)

var (
	incrementCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "activity_ledger",
		Subsystem: "ledger",
		Name:      "increments_total",
		Help:      "Qualifying events handled by the ledger, by result.",
	}, []string{"result"})

	lastIncrementGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "activity_ledger",
		Subsystem: "ledger",
		Name:      "last_increment_timestamp_seconds",
		Help:      "Unix timestamp of the most recent applied increment.",
	})

	backfillCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "activity_ledger",
		Subsystem: "ledger",
		Name:      "backfilled_days_total",
		Help:      "Ledger days rewritten by backfill runs.",
	})

	queryDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "activity_ledger",
		Subsystem: "ledger",
		Name:      "query_duration_seconds",
		Help:      "Time spent loading ledger rows, by operation.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"operation"})

	cacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "activity_ledger",
		Subsystem: "cache",
		Name:      "lookups_total",
		Help:      "Year cache lookups, by outcome.",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(incrementCounter, lastIncrementGauge, backfillCounter, queryDuration, cacheLookups)
}

// RecordIncrement counts an increment attempt and, for applied ones, moves the watermark.
func RecordIncrement(result string, ts time.Time) {
	incrementCounter.WithLabelValues(result).Inc()
	if result == IncrementApplied && !ts.IsZero() {
		lastIncrementGauge.Set(float64(ts.Unix()))
	}
}

// RecordBackfill adds the number of rewritten days.
func RecordBackfill(days int) {
	backfillCounter.Add(float64(days))
}

// ObserveQuery records how long a ledger read took.
func ObserveQuery(operation string, started time.Time) {
	queryDuration.WithLabelValues(operation).Observe(time.Since(started).Seconds())
}

// RecordCacheLookup counts a cache hit, miss or error.
func RecordCacheLookup(outcome string) {
	cacheLookups.WithLabelValues(outcome).Inc()
}

// IncrementCount exposes the counter for tests.
func IncrementCount(result string) prometheus.Counter {
	return incrementCounter.WithLabelValues(result)
}
