package observability

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestRecordIncrementMovesWatermarkOnlyWhenApplied(t *testing.T) {
	ts := time.Date(2024, time.March, 2, 12, 0, 0, 0, time.UTC)
	before := testutil.ToFloat64(IncrementCount(IncrementReplayed))

	RecordIncrement(IncrementApplied, ts)
	require.Equal(t, float64(ts.Unix()), testutil.ToFloat64(lastIncrementGauge))

	RecordIncrement(IncrementReplayed, ts.Add(time.Hour))
	require.Equal(t, float64(ts.Unix()), testutil.ToFloat64(lastIncrementGauge))
	require.InDelta(t, before+1, testutil.ToFloat64(IncrementCount(IncrementReplayed)), 0.0001)
}

func TestRecordBackfillAndCacheLookups(t *testing.T) {
	before := testutil.ToFloat64(backfillCounter)
	RecordBackfill(3)
	require.InDelta(t, before+3, testutil.ToFloat64(backfillCounter), 0.0001)

	hits := testutil.ToFloat64(cacheLookups.WithLabelValues("hit"))
	RecordCacheLookup("hit")
	require.InDelta(t, hits+1, testutil.ToFloat64(cacheLookups.WithLabelValues("hit")), 0.0001)

	ObserveQuery("year", time.Now())
	require.Equal(t, 1, testutil.CollectAndCount(queryDuration))
}

func TestSetupTracingExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := SetupTracing(&buf)
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(context.Background(), "ledger.test")
	span.End()

	require.NoError(t, shutdown(context.Background()))
	require.Contains(t, buf.String(), "ledger.test")
}
