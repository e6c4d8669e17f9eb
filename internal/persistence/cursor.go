// Package persistence contains helpers shared by repository implementations
// and their callers.
package persistence

import (
	"encoding/base64"
	"fmt"
	"strings"

	"example.com/activityledger/internal/calendar"
	"example.com/activityledger/internal/domain"
)

// Cursor marks the last ledger row of a page. Rows sort by date then timezone.
type Cursor struct {
	Date     calendar.Date
	Timezone string
}

// CursorAfter returns the cursor pointing at record.
func CursorAfter(record domain.ActivityRecord) *Cursor {
	return &Cursor{Date: record.Date, Timezone: record.Timezone}
}

// Follows reports whether record sorts strictly after the cursor.
func (c *Cursor) Follows(record domain.ActivityRecord) bool {
	if c == nil {
		return true
	}
	if record.Date != c.Date {
		return record.Date.After(c.Date)
	}
	return record.Timezone > c.Timezone
}

// EncodeCursor serialises the cursor to a string token.
func EncodeCursor(c *Cursor) string {
	if c == nil {
		return ""
	}
	raw := fmt.Sprintf("%s|%s", c.Date, c.Timezone)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor parses the encoded cursor token.
func DecodeCursor(token string) (*Cursor, error) {
	if strings.TrimSpace(token) == "" {
		return nil, nil
	}
	decoded, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, err
	}
	parts := strings.SplitN(string(decoded), "|", 2)
	if len(parts) != 2 || parts[1] == "" {
		return nil, fmt.Errorf("invalid cursor format")
	}
	date, err := calendar.Parse(parts[0])
	if err != nil {
		return nil, err
	}
	return &Cursor{Date: date, Timezone: parts[1]}, nil
}

// Page returns up to limit records following cursor and the cursor for the
// next page, nil when nothing remains. records must already be sorted.
func Page(records []domain.ActivityRecord, cursor *Cursor, limit int) ([]domain.ActivityRecord, *Cursor) {
	start := 0
	for start < len(records) && !cursor.Follows(records[start]) {
		start++
	}
	rest := records[start:]
	if limit <= 0 || len(rest) <= limit {
		return rest, nil
	}
	page := rest[:limit]
	return page, CursorAfter(page[len(page)-1])
}
