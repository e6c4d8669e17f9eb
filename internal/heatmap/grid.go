// Package heatmap lays out a year of daily counts as a contribution grid.
package heatmap

import (
	"time"

	"example.com/activityledger/internal/calendar"
	"example.com/activityledger/internal/stats"
)

// Bucket is one of five shading intensities.
type Bucket int

const (
	Bucket0 Bucket = iota
	Bucket1
	Bucket2
	Bucket3
	Bucket4
)

// Cell is one square of the grid. Empty cells pad weeks outside the month.
type Cell struct {
	Empty  bool
	Date   calendar.Date
	Count  int
	Bucket Bucket
}

// Week holds seven cells, Monday first.
type Week [7]Cell

// Month groups the weeks of one calendar month.
type Month struct {
	Month time.Month
	Weeks []Week
}

// BucketFor maps count to a bucket relative to the year's busiest day.
func BucketFor(count, maxCount int) Bucket {
	if count <= 0 {
		return Bucket0
	}
	if maxCount < 1 {
		maxCount = 1
	}
	ratio := float64(count) / float64(maxCount)
	switch {
	case ratio < 0.25:
		return Bucket1
	case ratio < 0.50:
		return Bucket2
	case ratio < 0.75:
		return Bucket3
	default:
		return Bucket4
	}
}

// MaxCount returns the highest count inside year, never less than 1.
func MaxCount(year int, activity map[calendar.Date]int) int {
	highest := 1
	for date, count := range activity {
		if date.Year == year && count > highest {
			highest = count
		}
	}
	return highest
}

// Activity folds day counts into the map BuildYearGrid expects.
func Activity(days []stats.DayCount) map[calendar.Date]int {
	return stats.Merge(days)
}

// BuildYearGrid returns twelve month buckets for year.
func BuildYearGrid(year int, activity map[calendar.Date]int) []Month {
	maxCount := MaxCount(year, activity)
	months := make([]Month, 0, 12)
	for m := time.January; m <= time.December; m++ {
		months = append(months, buildMonth(year, m, activity, maxCount))
	}
	return months
}

func buildMonth(year int, month time.Month, activity map[calendar.Date]int, maxCount int) Month {
	first, last := calendar.MonthBounds(year, month)
	lead := first.MondayIndex()
	total := lead + last.Day

	weeks := make([]Week, (total+6)/7)
	for i := 0; i < len(weeks)*7; i++ {
		cell := Cell{Empty: true}
		if offset := i - lead; offset >= 0 && offset < total-lead {
			date := first.AddDays(offset)
			count := activity[date]
			if count < 0 {
				count = 0
			}
			cell = Cell{Date: date, Count: count, Bucket: BucketFor(count, maxCount)}
		}
		weeks[i/7][i%7] = cell
	}
	return Month{Month: month, Weeks: weeks}
}
