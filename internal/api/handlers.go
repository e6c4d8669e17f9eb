// Package api exposes HTTP handlers for the activity ledger.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"example.com/activityledger/internal/auth"
	"example.com/activityledger/internal/calendar"
	"example.com/activityledger/internal/domain"
	"example.com/activityledger/internal/heatmap"
	"example.com/activityledger/internal/logger"
	"example.com/activityledger/internal/persistence"
)

const (
	defaultDaysLimit = 366
	maxDaysLimit     = 3660
)

// Config carries presentation defaults for the handlers.
type Config struct {
	Palette         heatmap.Palette
	DefaultTimezone string
	Logger          *logger.Logger
	Clock           func() time.Time
}

// Handler coordinates HTTP requests with the domain service.
type Handler struct {
	service         *domain.Service
	palette         heatmap.Palette
	defaultTimezone string
	log             *logger.Logger
	now             func() time.Time
}

// NewHandler builds a Handler.
func NewHandler(service *domain.Service, cfg Config) *Handler {
	h := &Handler{
		service:         service,
		palette:         cfg.Palette,
		defaultTimezone: cfg.DefaultTimezone,
		log:             cfg.Logger,
		now:             cfg.Clock,
	}
	if !h.palette.Valid() {
		h.palette = heatmap.DefaultPalette
	}
	if h.defaultTimezone == "" {
		h.defaultTimezone = "UTC"
	}
	if h.log == nil {
		h.log = logger.Nop()
	}
	if h.now == nil {
		h.now = time.Now
	}
	return h
}

// RegisterRoutes wires endpoints to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/activity/events", h.events)
	mux.HandleFunc("/v1/activity/days", h.days)
	mux.HandleFunc("/v1/activity/stats", h.stats)
	mux.HandleFunc("/v1/activity/heatmap", h.yearGrid)
	mux.HandleFunc("/v1/activity/overview", h.overview)
	mux.HandleFunc("/v1/activity/backfill", h.backfill)
	mux.HandleFunc("/healthz", healthz)
}

// healthz reports a simple OK status for container health checks.
func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) events(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	claims, ok := requireScope(w, r, auth.ScopeActivityWrite)
	if !ok {
		return
	}

	var req RecordEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}

	timezone := req.Timezone
	if strings.TrimSpace(timezone) == "" {
		timezone = h.defaultTimezone
	}

	result, err := h.service.RecordEvent(r.Context(), domain.RecordEventInput{
		UserID:     claims.Subject,
		OccurredAt: req.OccurredAt,
		Timezone:   timezone,
		EventID:    req.EventID,
		Source:     req.Source,
	})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	status := http.StatusAccepted
	if result.Replay {
		status = http.StatusOK
	}
	writeJSON(w, status, RecordEventResponse{Record: result.Record, Replay: result.Replay})
}

func (h *Handler) days(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	claims, ok := requireScope(w, r, auth.ScopeActivityRead)
	if !ok {
		return
	}

	query := r.URL.Query()
	from, err := calendar.Parse(query.Get("from"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", "from must be YYYY-MM-DD")
		return
	}
	to, err := calendar.Parse(query.Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", "to must be YYYY-MM-DD")
		return
	}

	limit := defaultDaysLimit
	if raw := query.Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			if parsed > maxDaysLimit {
				parsed = maxDaysLimit
			}
			limit = parsed
		}
	}
	cursor, err := persistence.DecodeCursor(query.Get("cursor"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", "invalid cursor")
		return
	}

	records, err := h.service.Days(r.Context(), claims.Subject, from, to)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	page, next := persistence.Page(records, cursor, limit)
	writeJSON(w, http.StatusOK, DaysResponse{Items: page, NextCursor: persistence.EncodeCursor(next)})
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	claims, ok := requireScope(w, r, auth.ScopeActivityRead)
	if !ok {
		return
	}

	q, ok := h.overviewQuery(w, r, claims)
	if !ok {
		return
	}
	overview, err := h.service.Overview(r.Context(), q)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, StatsResponse{
		Year:       overview.Year,
		Timezone:   q.Timezone,
		AsOf:       overview.AsOf,
		Statistics: overview.Statistics,
	})
}

func (h *Handler) yearGrid(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	claims, ok := requireScope(w, r, auth.ScopeActivityRead)
	if !ok {
		return
	}

	q, ok := h.overviewQuery(w, r, claims)
	if !ok {
		return
	}
	months, maxCount, err := h.service.YearGrid(r.Context(), claims.Subject, q.Year)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.heatmapView(q.Year, months, maxCount))
}

func (h *Handler) overview(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	claims, ok := requireScope(w, r, auth.ScopeActivityRead)
	if !ok {
		return
	}

	q, ok := h.overviewQuery(w, r, claims)
	if !ok {
		return
	}
	overview, err := h.service.Overview(r.Context(), q)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, OverviewResponse{
		StatsResponse: StatsResponse{
			Year:       overview.Year,
			Timezone:   q.Timezone,
			AsOf:       overview.AsOf,
			Statistics: overview.Statistics,
		},
		Heatmap: h.heatmapView(overview.Year, overview.Months, overview.MaxCount),
	})
}

func (h *Handler) backfill(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	if _, ok := requireScope(w, r, auth.ScopeActivityAdmin); !ok {
		return
	}

	var req BackfillRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}

	records, err := h.service.Backfill(r.Context(), req.UserID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, BackfillResponse{UserID: strings.TrimSpace(req.UserID), Days: records})
}

// overviewQuery reads year and timezone, defaulting to the current year in that zone.
func (h *Handler) overviewQuery(w http.ResponseWriter, r *http.Request, claims *auth.Claims) (domain.OverviewQuery, bool) {
	query := r.URL.Query()
	timezone := strings.TrimSpace(query.Get("timezone"))
	if timezone == "" {
		timezone = h.defaultTimezone
	}
	loc, err := calendar.LoadZone(timezone)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return domain.OverviewQuery{}, false
	}

	current := h.now()
	year := calendar.DayOf(current, loc).Year
	if raw := query.Get("year"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "validation_failed", "year must be an integer")
			return domain.OverviewQuery{}, false
		}
		year = parsed
	}

	return domain.OverviewQuery{UserID: claims.Subject, Year: year, Timezone: timezone, Now: current}, true
}

func (h *Handler) heatmapView(year int, months []heatmap.Month, maxCount int) HeatmapResponse {
	resp := HeatmapResponse{
		Year:     year,
		MaxCount: maxCount,
		Palette:  h.palette,
		Months:   make([]MonthView, 0, len(months)),
	}
	for _, month := range months {
		view := MonthView{Month: int(month.Month), Name: month.Month.String(), Weeks: make([][7]*CellView, 0, len(month.Weeks))}
		for _, week := range month.Weeks {
			var row [7]*CellView
			for i, cell := range week {
				if cell.Empty {
					continue
				}
				row[i] = &CellView{
					Date:   cell.Date,
					Count:  cell.Count,
					Bucket: int(cell.Bucket),
					Color:  h.palette.Color(cell.Bucket),
				}
			}
			view.Weeks = append(view.Weeks, row)
		}
		resp.Months = append(resp.Months, view)
	}
	return resp
}

func requireScope(w http.ResponseWriter, r *http.Request, scope string) (*auth.Claims, bool) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return nil, false
	}
	if !claims.HasScope(scope) {
		writeError(w, http.StatusForbidden, "forbidden", "scope "+scope+" required")
		return nil, false
	}
	return claims, true
}

func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	if errors.Is(err, domain.ErrInvalidInput) {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}
	h.log.Error("request failed", "error", err)
	writeError(w, http.StatusInternalServerError, "server_error", "activity store unavailable")
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	payload := map[string]string{
		"type":   code,
		"detail": detail,
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
