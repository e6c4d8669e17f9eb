// Package calendar converts instants into civil calendar days.
//
// Every day boundary in the service is computed here. Callers hand in an
// instant plus an IANA zone and get back a Date that carries no time-of-day
// and no location, so downstream code can compare, hash and step through days
// without timezone arithmetic.
package calendar

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jinzhu/now"
)

// Layout is the wire format of a Date.
const Layout = "2006-01-02"

// ErrMissingZone is returned when an empty timezone name is supplied.
var ErrMissingZone = errors.New("timezone is required")

// Heatmap weeks run Monday through Sunday.
var mondayFirst = &now.Config{WeekStartDay: time.Monday}

// Date is a calendar day with no time component.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// New builds a Date, normalising out-of-range values the way time.Date does.
func New(year int, month time.Month, day int) Date {
	return DateOf(time.Date(year, month, day, 12, 0, 0, 0, time.UTC))
}

// DateOf returns the date part of t in t's own location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

// DayOf converts an instant to the calendar day it falls on in loc.
func DayOf(instant time.Time, loc *time.Location) Date {
	if loc == nil {
		loc = time.UTC
	}
	return DateOf(instant.In(loc))
}

// LoadZone resolves an IANA zone name. "Local" is rejected because it depends
// on the host the service happens to run on.
func LoadZone(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrMissingZone
	}
	if name == "Local" {
		return nil, fmt.Errorf("timezone %q is not an IANA zone", name)
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("unknown timezone %q: %w", name, err)
	}
	return loc, nil
}

// Parse reads a YYYY-MM-DD string.
func Parse(value string) (Date, error) {
	t, err := time.Parse(Layout, strings.TrimSpace(value))
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q: %w", value, err)
	}
	return DateOf(t), nil
}

// YearBounds returns the first and last day of year.
func YearBounds(year int) (Date, Date) {
	anchor := now.With(time.Date(year, time.June, 15, 12, 0, 0, 0, time.UTC))
	return DateOf(anchor.BeginningOfYear()), DateOf(anchor.EndOfYear())
}

// MonthBounds returns the first and last day of month.
func MonthBounds(year int, month time.Month) (Date, Date) {
	anchor := now.With(time.Date(year, month, 15, 12, 0, 0, 0, time.UTC))
	return DateOf(anchor.BeginningOfMonth()), DateOf(anchor.EndOfMonth())
}

// DaysIn reports the number of days in the given month.
func DaysIn(year int, month time.Month) int {
	_, last := MonthBounds(year, month)
	return last.Day
}

// String formats the date as YYYY-MM-DD.
func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

// IsZero reports whether d is the zero Date.
func (d Date) IsZero() bool {
	return d == Date{}
}

// Midnight returns the first instant of d in loc.
func (d Date) Midnight(loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	return now.With(time.Date(d.Year, d.Month, d.Day, 12, 0, 0, 0, loc)).BeginningOfDay()
}

// AddDays steps n days forward (or backward for negative n).
func (d Date) AddDays(n int) Date {
	return New(d.Year, d.Month, d.Day+n)
}

// Before reports whether d is earlier than other.
func (d Date) Before(other Date) bool {
	return d.noonUTC().Before(other.noonUTC())
}

// After reports whether d is later than other.
func (d Date) After(other Date) bool {
	return d.noonUTC().After(other.noonUTC())
}

// DaysUntil returns the number of days from d to other; negative when other is earlier.
func (d Date) DaysUntil(other Date) int {
	return int(other.noonUTC().Sub(d.noonUTC()) / (24 * time.Hour))
}

// WeekStart returns the Monday on or before d.
func (d Date) WeekStart() Date {
	return DateOf(mondayFirst.With(d.noonUTC()).BeginningOfWeek())
}

// MondayIndex returns the weekday with Monday=0 through Sunday=6.
func (d Date) MondayIndex() int {
	return d.WeekStart().DaysUntil(d)
}

// MarshalText implements encoding.TextMarshaler.
func (d Date) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Date) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

func (d Date) noonUTC() time.Time {
	return time.Date(d.Year, d.Month, d.Day, 12, 0, 0, 0, time.UTC)
}
