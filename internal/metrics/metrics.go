// Package metrics derives activity summaries from raw puff timestamps.
// Everything here is a pure function of the event list and "now", so a
// summary can be recomputed on every snapshot without drift.
package metrics

import (
	"math"
	"time"
)

// streakBoundDays caps the backward walk for the zero-activity streak.
const streakBoundDays = 30

// Summary is the derived per-user activity view embedded in snapshots.
type Summary struct {
	PuffsToday         int     `json:"puffsToday"`
	PuffsYesterday     int     `json:"puffsYesterday"`
	AveragePerDay      float64 `json:"averagePerDay"`
	ChangePercentage   float64 `json:"changePercentage"`
	ZeroActivityStreak int     `json:"zeroActivityStreak"`
}

// Compute derives the summary from timestamps ordered newest first. The
// day boundaries are midnights in now's location.
func Compute(timestamps []time.Time, now time.Time) Summary {
	if len(timestamps) == 0 {
		return Summary{}
	}

	startOfToday := startOfDay(now)
	startOfYesterday := startOfToday.AddDate(0, 0, -1)

	summary := Summary{}
	for _, ts := range timestamps {
		if !ts.Before(startOfToday) {
			summary.PuffsToday++
		} else if !ts.Before(startOfYesterday) {
			summary.PuffsYesterday++
		}
	}

	earliest := timestamps[len(timestamps)-1]
	summary.AveragePerDay = round2(float64(len(timestamps)) / float64(daysSince(earliest, now)))
	summary.ChangePercentage = round2(changePercentage(summary.PuffsToday, summary.PuffsYesterday))

	if summary.PuffsToday == 0 {
		summary.ZeroActivityStreak = zeroStreak(timestamps, startOfToday)
	}

	return summary
}

// daysSince counts whole days between the first event and now, rounding
// up and never returning less than one.
func daysSince(earliest, now time.Time) int {
	elapsed := now.Sub(earliest)
	days := int(math.Ceil(elapsed.Hours() / 24))
	if days < 1 {
		return 1
	}
	return days
}

func changePercentage(today, yesterday int) float64 {
	if yesterday == 0 {
		if today == 0 {
			return 0
		}
		return 100
	}
	return float64(today-yesterday) / float64(yesterday) * 100
}

// zeroStreak walks backward from yesterday counting consecutive empty
// days, stopping at the first day with activity or at the 30-day bound.
func zeroStreak(timestamps []time.Time, startOfToday time.Time) int {
	streak := 0
	dayEnd := startOfToday
	for day := 0; day < streakBoundDays; day++ {
		dayStart := dayEnd.AddDate(0, 0, -1)
		if countWithin(timestamps, dayStart, dayEnd) > 0 {
			break
		}
		streak++
		dayEnd = dayStart
	}
	return streak
}

func countWithin(timestamps []time.Time, start, end time.Time) int {
	count := 0
	for _, ts := range timestamps {
		if !ts.Before(start) && ts.Before(end) {
			count++
		}
	}
	return count
}

func startOfDay(t time.Time) time.Time {
	year, month, day := t.Date()
	return time.Date(year, month, day, 0, 0, 0, 0, t.Location())
}

func round2(value float64) float64 {
	return math.Round(value*100) / 100
}
