// Package domain implements the activity ledger: recording qualifying events
// against per-user calendar days and reading them back as statistics and
// heatmap grids.
package domain

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"example.com/activityledger/internal/calendar"
	"example.com/activityledger/internal/heatmap"
	"example.com/activityledger/internal/logger"
	"example.com/activityledger/internal/observability"
	"example.com/activityledger/internal/stats"
)

const (
	minYear = 1
	maxYear = 9999
)

// Option configures optional behaviour for the Service.
type Option func(*Service)

// WithCache enables the per-year ledger cache.
func WithCache(cache YearCache) Option {
	return func(s *Service) {
		if cache != nil {
			s.cache = cache
		}
	}
}

// WithLogger overrides the logger.
func WithLogger(log *logger.Logger) Option {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

// WithClock overrides the source of "now".
func WithClock(clock func() time.Time) Option {
	return func(s *Service) {
		if clock != nil {
			s.now = clock
		}
	}
}

// Service orchestrates ledger workflows.
type Service struct {
	repo   Repository
	cache  YearCache
	log    *logger.Logger
	now    func() time.Time
	tracer trace.Tracer
	loads  singleflight.Group
}

// NewService constructs a Service.
func NewService(repo Repository, opts ...Option) *Service {
	s := &Service{
		repo:   repo,
		cache:  noopCache{},
		log:    logger.Nop(),
		now:    time.Now,
		tracer: otel.Tracer("example.com/activityledger/internal/domain"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RecordEventInput describes one qualifying event.
type RecordEventInput struct {
	UserID     string
	OccurredAt time.Time
	Timezone   string
	// EventID deduplicates redelivered events. Empty means every call counts.
	EventID string
	Source  string
}

// RecordResult is the ledger row after an event was recorded.
type RecordResult struct {
	Record ActivityRecord
	Replay bool
}

// RecordEvent adds one qualifying event to the user's day in the given timezone.
func (s *Service) RecordEvent(ctx context.Context, input RecordEventInput) (RecordResult, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.RecordEvent", trace.WithAttributes(
		attribute.String("user.id", input.UserID),
		attribute.String("timezone", input.Timezone),
	))
	defer span.End()

	key, event, err := s.prepareEvent(input)
	if err != nil {
		observability.RecordIncrement(observability.IncrementRejected, time.Time{})
		return RecordResult{}, endSpan(span, err)
	}

	record, replay, err := s.repo.Increment(ctx, key, event)
	if err != nil {
		observability.RecordIncrement(observability.IncrementFailed, time.Time{})
		return RecordResult{}, endSpan(span, storageFailure("increment activity day", err))
	}

	if replay {
		observability.RecordIncrement(observability.IncrementReplayed, time.Time{})
		s.log.Debug("qualifying event replayed", "user_id", key.UserID, "event_id", event.EventID)
		return RecordResult{Record: record, Replay: true}, nil
	}

	observability.RecordIncrement(observability.IncrementApplied, record.UpdatedAt)
	s.invalidate(ctx, key.UserID, key.Date.Year)
	span.SetAttributes(attribute.String("activity.date", key.Date.String()), attribute.Int("activity.count", record.Count))
	return RecordResult{Record: record}, nil
}

func (s *Service) prepareEvent(input RecordEventInput) (DayKey, QualifyingEvent, error) {
	userID := strings.TrimSpace(input.UserID)
	if userID == "" {
		return DayKey{}, QualifyingEvent{}, invalid("user_id", "is required")
	}
	if input.OccurredAt.IsZero() {
		return DayKey{}, QualifyingEvent{}, invalid("occurred_at", "is required")
	}
	zone := strings.TrimSpace(input.Timezone)
	loc, err := calendar.LoadZone(zone)
	if err != nil {
		return DayKey{}, QualifyingEvent{}, invalid("timezone", err.Error())
	}

	eventID := strings.TrimSpace(input.EventID)
	if eventID == "" {
		eventID = uuid.NewString()
	}

	key := DayKey{UserID: userID, Date: calendar.DayOf(input.OccurredAt, loc), Timezone: zone}
	event := QualifyingEvent{
		EventID:    eventID,
		UserID:     userID,
		OccurredAt: input.OccurredAt.UTC(),
		Timezone:   zone,
		Source:     strings.TrimSpace(input.Source),
	}
	return key, event, nil
}

// Days returns the user's records between from and to inclusive, ascending by date.
func (s *Service) Days(ctx context.Context, userID string, from, to calendar.Date) ([]ActivityRecord, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.Days", trace.WithAttributes(attribute.String("user.id", userID)))
	defer span.End()

	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, endSpan(span, invalid("user_id", "is required"))
	}
	if from.IsZero() || to.IsZero() {
		return nil, endSpan(span, invalid("range", "from and to are required"))
	}
	if to.Before(from) {
		return nil, endSpan(span, invalid("range", "from must not be after to"))
	}

	started := time.Now()
	records, err := s.repo.Range(ctx, userID, from, to)
	observability.ObserveQuery("range", started)
	if err != nil {
		return nil, endSpan(span, storageFailure("query activity days", err))
	}
	if records == nil {
		records = []ActivityRecord{}
	}
	return records, nil
}

// Backfill rebuilds the user's ledger from the raw event log. Every day found
// in the log has its count replaced, so repeated runs converge on the same state.
func (s *Service) Backfill(ctx context.Context, userID string) ([]ActivityRecord, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.Backfill", trace.WithAttributes(attribute.String("user.id", userID)))
	defer span.End()

	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, endSpan(span, invalid("user_id", "is required"))
	}

	events, err := s.repo.Events(ctx, userID)
	if err != nil {
		return nil, endSpan(span, storageFailure("load event log", err))
	}

	totals := s.groupEvents(userID, events)
	records, err := s.repo.ReplaceDays(ctx, userID, totals)
	if err != nil {
		return nil, endSpan(span, storageFailure("replace activity days", err))
	}

	years := make(map[int]struct{})
	for _, record := range records {
		years[record.Date.Year] = struct{}{}
	}
	touched := make([]int, 0, len(years))
	for year := range years {
		touched = append(touched, year)
	}
	sort.Ints(touched)
	s.invalidate(ctx, userID, touched...)

	observability.RecordBackfill(len(records))
	s.log.Info("ledger backfilled", "user_id", userID, "events", len(events), "days", len(records))
	if records == nil {
		records = []ActivityRecord{}
	}
	return records, nil
}

func (s *Service) groupEvents(userID string, events []QualifyingEvent) []DayTotal {
	zones := make(map[string]*time.Location)
	counts := make(map[DayKey]int)
	for _, event := range events {
		loc, ok := zones[event.Timezone]
		if !ok {
			var err error
			loc, err = calendar.LoadZone(event.Timezone)
			if err != nil {
				s.log.Warn("skipping event with unusable timezone", "user_id", userID, "event_id", event.EventID, "error", err)
				continue
			}
			zones[event.Timezone] = loc
		}
		key := DayKey{UserID: userID, Date: calendar.DayOf(event.OccurredAt, loc), Timezone: event.Timezone}
		counts[key]++
	}

	totals := make([]DayTotal, 0, len(counts))
	for key, count := range counts {
		totals = append(totals, DayTotal{Key: key, Count: count})
	}
	sort.Slice(totals, func(i, j int) bool {
		a, b := totals[i].Key, totals[j].Key
		if a.Date != b.Date {
			return a.Date.Before(b.Date)
		}
		return a.Timezone < b.Timezone
	})
	return totals
}

// OverviewQuery selects a user's year as seen from a timezone.
type OverviewQuery struct {
	UserID   string
	Year     int
	Timezone string
	// Now is the viewer's current instant; zero means the service clock.
	Now time.Time
}

// Overview is a year of statistics plus its heatmap grid.
type Overview struct {
	Year       int
	AsOf       calendar.Date
	Statistics stats.Statistics
	Months     []heatmap.Month
	MaxCount   int
}

// Statistics computes streaks and totals over the requested year.
func (s *Service) Statistics(ctx context.Context, q OverviewQuery) (stats.Statistics, error) {
	overview, err := s.Overview(ctx, q)
	if err != nil {
		return stats.Statistics{}, err
	}
	return overview.Statistics, nil
}

// YearGrid builds the heatmap grid for a user's year.
func (s *Service) YearGrid(ctx context.Context, userID string, year int) ([]heatmap.Month, int, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, 0, invalid("user_id", "is required")
	}
	if year < minYear || year > maxYear {
		return nil, 0, invalid("year", fmt.Sprintf("must be between %d and %d", minYear, maxYear))
	}
	records, err := s.yearRecords(ctx, userID, year)
	if err != nil {
		return nil, 0, err
	}
	activity := heatmap.Activity(DayCounts(records))
	return heatmap.BuildYearGrid(year, activity), heatmap.MaxCount(year, activity), nil
}

// Overview loads the year once and derives both statistics and the grid.
func (s *Service) Overview(ctx context.Context, q OverviewQuery) (Overview, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.Overview", trace.WithAttributes(
		attribute.String("user.id", q.UserID),
		attribute.Int("year", q.Year),
	))
	defer span.End()

	userID := strings.TrimSpace(q.UserID)
	if userID == "" {
		return Overview{}, endSpan(span, invalid("user_id", "is required"))
	}
	if q.Year < minYear || q.Year > maxYear {
		return Overview{}, endSpan(span, invalid("year", fmt.Sprintf("must be between %d and %d", minYear, maxYear)))
	}
	loc, err := calendar.LoadZone(q.Timezone)
	if err != nil {
		return Overview{}, endSpan(span, invalid("timezone", err.Error()))
	}

	current := q.Now
	if current.IsZero() {
		current = s.now()
	}
	asOf := calendar.DayOf(current, loc)

	records, err := s.yearRecords(ctx, userID, q.Year)
	if err != nil {
		return Overview{}, endSpan(span, err)
	}

	days := DayCounts(records)
	activity := heatmap.Activity(days)
	return Overview{
		Year:       q.Year,
		AsOf:       asOf,
		Statistics: stats.Compute(days, asOf),
		Months:     heatmap.BuildYearGrid(q.Year, activity),
		MaxCount:   heatmap.MaxCount(q.Year, activity),
	}, nil
}

// DayCounts projects records onto the statistics input.
func DayCounts(records []ActivityRecord) []stats.DayCount {
	out := make([]stats.DayCount, 0, len(records))
	for _, r := range records {
		out = append(out, stats.DayCount{Date: r.Date, Count: r.Count})
	}
	return out
}

// yearRecords reads a year of rows through the cache. Concurrent misses for
// the same user and year share one store query.
func (s *Service) yearRecords(ctx context.Context, userID string, year int) ([]ActivityRecord, error) {
	entry, err := s.cache.Get(ctx, userID, year)
	switch {
	case err != nil:
		observability.RecordCacheLookup("error")
		s.log.Warn("year cache lookup failed", "user_id", userID, "year", year, "error", err)
		entry = CacheEntry{}
	case entry.Hit:
		observability.RecordCacheLookup("hit")
		return entry.Records, nil
	default:
		observability.RecordCacheLookup("miss")
	}

	// The fill is shared by every waiter, so one caller's cancellation must not fail the rest.
	fillCtx := context.WithoutCancel(ctx)
	flightKey := fmt.Sprintf("%s|%d", userID, year)
	loaded, err, _ := s.loads.Do(flightKey, func() (interface{}, error) {
		from, to := calendar.YearBounds(year)
		started := time.Now()
		records, err := s.repo.Range(fillCtx, userID, from, to)
		observability.ObserveQuery("year", started)
		if err != nil {
			return nil, storageFailure("query activity year", err)
		}
		if records == nil {
			records = []ActivityRecord{}
		}
		if setErr := s.cache.Set(fillCtx, userID, year, entry.Generation, records); setErr != nil {
			s.log.Warn("year cache fill failed", "user_id", userID, "year", year, "error", setErr)
		}
		return records, nil
	})
	if err != nil {
		return nil, err
	}
	return loaded.([]ActivityRecord), nil
}

func (s *Service) invalidate(ctx context.Context, userID string, years ...int) {
	if len(years) == 0 {
		return
	}
	if err := s.cache.Invalidate(ctx, userID, years...); err != nil {
		s.log.Warn("year cache invalidation failed", "user_id", userID, "years", years, "error", err)
	}
}

func endSpan(span trace.Span, err error) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}
