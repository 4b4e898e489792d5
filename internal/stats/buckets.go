package stats

import (
	"time"

	"modengine/internal/moderation"
)

// Granularity is the width of a counter bucket
type Granularity string

const (
	Hour  Granularity = "hour"
	Day   Granularity = "day"
	Week  Granularity = "week"
	Month Granularity = "month"
)

// Granularities lists every tier a recorded action is counted in
func Granularities() []Granularity {
	return []Granularity{Hour, Day, Week, Month}
}

// Key identifies one counter: a category within one bucket of one tier
type Key struct {
	Granularity Granularity
	Start       int64 // bucket start, unix seconds UTC
	Category    moderation.ContentCategory
}

// Align returns the start of the bucket containing t. Weeks start on Monday UTC.
func Align(g Granularity, t time.Time) time.Time {
	t = t.UTC()
	y, m, d := t.Date()
	switch g {
	case Hour:
		return t.Truncate(time.Hour)
	case Day:
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	case Week:
		offset := (int(t.Weekday()) + 6) % 7
		return time.Date(y, m, d-offset, 0, 0, 0, 0, time.UTC)
	case Month:
		return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
	}
	return t
}

// Next returns the start of the bucket after the one starting at start
func Next(g Granularity, start time.Time) time.Time {
	switch g {
	case Hour:
		return start.Add(time.Hour)
	case Day:
		return start.AddDate(0, 0, 1)
	case Week:
		return start.AddDate(0, 0, 7)
	default:
		return start.AddDate(0, 1, 0)
	}
}

// tier returns the bucket granularity summed for a timeframe
func tier(tf moderation.Timeframe) Granularity {
	switch tf {
	case moderation.TimeframeDay:
		return Hour
	case moderation.TimeframeWeek, moderation.TimeframeMonth:
		return Day
	case moderation.TimeframeYear:
		return Week
	default:
		return Month
	}
}

// windowStart returns the aligned start of the window ending at now.
// Only meaningful for bounded timeframes.
func windowStart(tf moderation.Timeframe, now time.Time) time.Time {
	var from time.Time
	switch tf {
	case moderation.TimeframeDay:
		from = now.Add(-24 * time.Hour)
	case moderation.TimeframeWeek:
		from = now.AddDate(0, 0, -7)
	case moderation.TimeframeMonth:
		from = monthsBefore(now, 1)
	default:
		from = monthsBefore(now, 12)
	}
	return Align(tier(tf), from)
}

// monthsBefore steps back n calendar months, clamping the day to the end of the
// target month so that 03-31 goes back to 02-29 rather than rolling into March.
func monthsBefore(t time.Time, n int) time.Time {
	t = t.UTC()
	y, m, d := t.Date()
	first := time.Date(y, m-time.Month(n), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
	if last := first.AddDate(0, 1, -1).Day(); d > last {
		d = last
	}
	return first.AddDate(0, 0, d-1)
}

// keysFor returns the counters a categorized action at t increments, one per tier
func keysFor(t time.Time, cat moderation.ContentCategory) []Key {
	keys := make([]Key, 0, 4)
	for _, g := range Granularities() {
		keys = append(keys, Key{Granularity: g, Start: Align(g, t).Unix(), Category: cat})
	}
	return keys
}
