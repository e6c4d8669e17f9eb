// Package stats derives streaks and totals from per-day activity counts.
package stats

import (
	"sort"

	"example.com/activityledger/internal/calendar"
)

// DayCount is the number of qualifying events on one calendar day.
type DayCount struct {
	Date  calendar.Date `json:"date"`
	Count int           `json:"count"`
}

// Statistics summarises a run of days.
type Statistics struct {
	CurrentStreak int       `json:"current_streak"`
	LongestStreak int       `json:"longest_streak"`
	BestDay       *DayCount `json:"best_day"`
	ActiveDays    int       `json:"active_days"`
	TotalCount    int       `json:"total_count"`
}

// Compute derives Statistics from days as of the caller's today.
//
// Dates absent from days count as zero. Several entries for the same date
// (records kept under different timezones) are summed, and negative counts
// are treated as zero.
func Compute(days []DayCount, asOf calendar.Date) Statistics {
	counts := Merge(days)
	if len(counts) == 0 {
		return Statistics{}
	}

	ordered := make([]calendar.Date, 0, len(counts))
	for date := range counts {
		ordered = append(ordered, date)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Before(ordered[j]) })

	var out Statistics
	for _, date := range ordered {
		count := counts[date]
		out.TotalCount += count
		if count <= 0 {
			continue
		}
		out.ActiveDays++
		if out.BestDay == nil || count > out.BestDay.Count {
			out.BestDay = &DayCount{Date: date, Count: count}
		}
	}

	out.CurrentStreak = currentStreak(counts, asOf)
	out.LongestStreak = longestStreak(counts, ordered[0], ordered[len(ordered)-1])
	return out
}

// Merge folds days into a date-keyed map.
func Merge(days []DayCount) map[calendar.Date]int {
	counts := make(map[calendar.Date]int, len(days))
	for _, day := range days {
		count := day.Count
		if count < 0 {
			count = 0
		}
		counts[day.Date] += count
	}
	return counts
}

// currentStreak walks backwards from asOf and stops at the first idle day.
// An idle asOf yields zero; yesterday is not consulted.
func currentStreak(counts map[calendar.Date]int, asOf calendar.Date) int {
	streak := 0
	for day := asOf; counts[day] > 0; day = day.AddDays(-1) {
		streak++
	}
	return streak
}

// longestStreak scans every calendar day in [first, last] so gaps between
// records reset the run.
func longestStreak(counts map[calendar.Date]int, first, last calendar.Date) int {
	longest, run := 0, 0
	for day := first; !day.After(last); day = day.AddDays(1) {
		if counts[day] > 0 {
			run++
			if run > longest {
				longest = run
			}
			continue
		}
		run = 0
	}
	return longest
}
