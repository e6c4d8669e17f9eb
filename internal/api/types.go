package api

import (
	"time"

	"example.com/activityledger/internal/calendar"
	"example.com/activityledger/internal/domain"
	"example.com/activityledger/internal/heatmap"
	"example.com/activityledger/internal/stats"
)

// RecordEventRequest is the payload for POST /v1/activity/events.
type RecordEventRequest struct {
	OccurredAt time.Time `json:"occurred_at"`
	Timezone   string    `json:"timezone"`
	EventID    string    `json:"event_id,omitempty"`
	Source     string    `json:"source,omitempty"`
}

// RecordEventResponse returns the day after the increment.
type RecordEventResponse struct {
	Record domain.ActivityRecord `json:"record"`
	Replay bool                  `json:"idempotent_replay"`
}

// DaysResponse packages a page of ledger rows.
type DaysResponse struct {
	Items      []domain.ActivityRecord `json:"items"`
	NextCursor string                  `json:"next_cursor,omitempty"`
}

// StatsResponse is the statistics of one year as seen from a timezone.
type StatsResponse struct {
	Year     int           `json:"year"`
	Timezone string        `json:"timezone"`
	AsOf     calendar.Date `json:"as_of"`
	stats.Statistics
}

// CellView is one rendered heatmap square.
type CellView struct {
	Date   calendar.Date `json:"date"`
	Count  int           `json:"count"`
	Bucket int           `json:"bucket"`
	Color  string        `json:"color"`
}

// MonthView holds the weeks of a month; nil cells are padding.
type MonthView struct {
	Month int            `json:"month"`
	Name  string         `json:"name"`
	Weeks [][7]*CellView `json:"weeks"`
}

// HeatmapResponse is the rendered year grid.
type HeatmapResponse struct {
	Year     int             `json:"year"`
	MaxCount int             `json:"max_count"`
	Palette  heatmap.Palette `json:"palette"`
	Months   []MonthView     `json:"months"`
}

// OverviewResponse merges statistics with the grid.
type OverviewResponse struct {
	StatsResponse
	Heatmap HeatmapResponse `json:"heatmap"`
}

// BackfillRequest is the payload for POST /v1/activity/backfill.
type BackfillRequest struct {
	UserID string `json:"user_id"`
}

// BackfillResponse lists the rebuilt days.
type BackfillResponse struct {
	UserID string                  `json:"user_id"`
	Days   []domain.ActivityRecord `json:"days"`
}
