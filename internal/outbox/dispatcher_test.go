package outbox

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"example.com/activityledger/internal/events"
)

func TestEncodeWireFormat(t *testing.T) {
	frame := encodeWireFormat(258, []byte(`{}`))
	require.Len(t, frame, 7)
	require.Equal(t, byte(0), frame[0])
	require.Equal(t, uint32(258), binary.BigEndian.Uint32(frame[1:5]))
	require.Equal(t, `{}`, string(frame[5:]))
}

func TestSchemaCatalogCoversRoutes(t *testing.T) {
	for eventType := range events.Routes {
		schema, ok := schemaCatalog[eventType]
		require.True(t, ok, eventType)
		require.True(t, json.Valid([]byte(schema)), eventType)
	}
	require.Len(t, schemaCatalog, len(events.Routes))
}

func TestDeliverGroupsByTopicAndTagsHeaders(t *testing.T) {
	producer := &stubProducer{}
	registry := &stubRegistry{id: 5}
	d := &Dispatcher{producer: producer, registry: registry}

	messages := []Message{
		{EventID: 1, EventType: events.TypeDayIncremented, Topic: "activity_days", SchemaSubject: "activity_days-value", PartitionKey: "u1", Payload: json.RawMessage(`{"a":1}`)},
		{EventID: 2, EventType: events.TypeDaysBackfilled, Topic: "activity_days", SchemaSubject: "activity_days_backfilled-value", PartitionKey: "u2", Payload: json.RawMessage(`{"b":2}`)},
		{EventID: 3, EventType: events.TypeDayIncremented, Topic: "activity_days_mirror", SchemaSubject: "activity_days-value", PartitionKey: "u1", Payload: json.RawMessage(`{"c":3}`)},
	}
	require.NoError(t, d.deliver(context.Background(), messages))

	require.Len(t, producer.writes, 2)
	require.Equal(t, "activity_days", producer.writes[0].topic)
	require.Len(t, producer.writes[0].messages, 2)
	require.Equal(t, "activity_days_mirror", producer.writes[1].topic)
	require.Len(t, registry.calls, 2)

	first := producer.writes[0].messages[0]
	require.Equal(t, "u1", string(first.Key))
	require.Equal(t, []kafka.Header{
		{Key: "event_type", Value: []byte(events.TypeDayIncremented)},
		{Key: "schema_subject", Value: []byte("activity_days-value")},
	}, first.Headers)
}

func TestDeliveryMetricsCountEachLedgerEventType(t *testing.T) {
	incremented := testutil.ToFloat64(ledgerEventsDelivered.WithLabelValues(events.TypeDayIncremented))
	backfilled := testutil.ToFloat64(ledgerEventsDelivered.WithLabelValues(events.TypeDaysBackfilled))

	countByEventType(ledgerEventsDelivered, []Message{
		{EventType: events.TypeDayIncremented},
		{EventType: events.TypeDayIncremented},
		{EventType: events.TypeDaysBackfilled},
	})

	require.InDelta(t, incremented+2, testutil.ToFloat64(ledgerEventsDelivered.WithLabelValues(events.TypeDayIncremented)), 0.0001)
	require.InDelta(t, backfilled+1, testutil.ToFloat64(ledgerEventsDelivered.WithLabelValues(events.TypeDaysBackfilled)), 0.0001)
}

func TestDeliverFailsOnRegistryError(t *testing.T) {
	producer := &stubProducer{}
	d := &Dispatcher{producer: producer, registry: &stubRegistry{err: errors.New("registry down")}}

	err := d.deliver(context.Background(), []Message{{EventType: events.TypeDayIncremented, Topic: "activity_days", SchemaSubject: "activity_days-value"}})
	require.ErrorContains(t, err, "registry down")
	require.Empty(t, producer.writes)
}

func TestDLQBackoffDelay(t *testing.T) {
	m := NewDLQManager(nil, 0, 0)
	require.Equal(t, 5, m.maxRetries)
	require.Equal(t, time.Minute, m.backoffDelay(1))
	require.Equal(t, 4*time.Minute, m.backoffDelay(3))
	require.Equal(t, time.Hour, m.backoffDelay(7))
	require.Equal(t, time.Hour, m.backoffDelay(64))
}

func TestSchemaRegistryClientRegistersMissingSchema(t *testing.T) {
	var registered string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		switch r.URL.Path {
		case "/subjects/activity_days-value":
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error_code":40403}`))
		case "/subjects/activity_days-value/versions":
			var body struct {
				SchemaType string `json:"schemaType"`
				Schema     string `json:"schema"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			registered = body.SchemaType
			_, _ = w.Write([]byte(`{"id":17}`))
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	id, err := NewSchemaRegistryClient(srv.URL+"/").EnsureSchema(context.Background(), "activity_days-value", dayIncrementedSchema)
	require.NoError(t, err)
	require.Equal(t, 17, id)
	require.Equal(t, "JSON", registered)
}

func TestSchemaRegistryClientReusesRegisteredSchema(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/subjects/activity_days-value" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{"subject":"activity_days-value","id":9,"version":3}`))
	}))
	defer srv.Close()

	id, err := NewSchemaRegistryClient(srv.URL).EnsureSchema(context.Background(), "activity_days-value", dayIncrementedSchema)
	require.NoError(t, err)
	require.Equal(t, 9, id)
}

func TestSchemaRegistryClientSurfacesServerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error_code":42201}`))
	}))
	defer srv.Close()

	_, err := NewSchemaRegistryClient(srv.URL).EnsureSchema(context.Background(), "activity_days-value", dayIncrementedSchema)
	require.ErrorContains(t, err, "422")
}

type stubProducer struct {
	mu     sync.Mutex
	err    error
	writes []writtenBatch
}

type writtenBatch struct {
	topic    string
	messages []kafka.Message
}

func (s *stubProducer) WriteMessages(_ context.Context, topic string, msgs ...kafka.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return s.err
	}
	copied := make([]kafka.Message, len(msgs))
	copy(copied, msgs)
	s.writes = append(s.writes, writtenBatch{topic: topic, messages: copied})
	return nil
}

type stubRegistry struct {
	mu    sync.Mutex
	id    int
	err   error
	calls []schemaCall
}

type schemaCall struct {
	subject string
	schema  string
}

func (s *stubRegistry) EnsureSchema(_ context.Context, subject string, schema string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls = append(s.calls, schemaCall{subject: subject, schema: schema})
	if s.err != nil {
		return 0, s.err
	}
	if s.id == 0 {
		s.id = 1
	}
	return s.id, nil
}
