package stats

import (
	"testing"
	"time"

	"modengine/internal/moderation"

	"github.com/stretchr/testify/assert"
)

func TestAlign(t *testing.T) {
	at := time.Date(2024, 1, 3, 17, 45, 12, 0, time.UTC) // Wednesday

	tests := []struct {
		g    Granularity
		t    time.Time
		want time.Time
	}{
		{Hour, at, time.Date(2024, 1, 3, 17, 0, 0, 0, time.UTC)},
		{Day, at, time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)},
		{Week, at, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		{Week, time.Date(2024, 1, 7, 23, 59, 0, 0, time.UTC), time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		{Week, time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC), time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC)},
		{Month, at, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		t.Run(string(tt.g)+" "+tt.t.Format(time.RFC3339), func(t *testing.T) {
			assert.Equal(t, tt.want, Align(tt.g, tt.t))
		})
	}
}

func TestAlign_ConvertsToUTC(t *testing.T) {
	loc := time.FixedZone("UTC+10", 10*60*60)
	local := time.Date(2024, 2, 1, 5, 0, 0, 0, loc) // 2024-01-31 19:00 UTC

	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), Align(Month, local))
	assert.Equal(t, time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC), Align(Day, local))
}

func TestNext(t *testing.T) {
	start := time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)

	assert.Equal(t, start.Add(time.Hour), Next(Hour, start))
	assert.Equal(t, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), Next(Day, start))
	assert.Equal(t, time.Date(2024, 2, 7, 0, 0, 0, 0, time.UTC), Next(Week, start))
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), Next(Month, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)))
}

func TestTier(t *testing.T) {
	assert.Equal(t, Hour, tier(moderation.TimeframeDay))
	assert.Equal(t, Day, tier(moderation.TimeframeWeek))
	assert.Equal(t, Day, tier(moderation.TimeframeMonth))
	assert.Equal(t, Week, tier(moderation.TimeframeYear))
	assert.Equal(t, Month, tier(moderation.TimeframeAll))
}

func TestWindowStart(t *testing.T) {
	day := func(y int, m time.Month, d int) time.Time { return time.Date(y, m, d, 0, 0, 0, 0, time.UTC) }

	tests := []struct {
		name string
		tf   moderation.Timeframe
		now  time.Time
		want time.Time
	}{
		{"day", moderation.TimeframeDay, time.Date(2024, 3, 10, 15, 30, 0, 0, time.UTC), time.Date(2024, 3, 9, 15, 0, 0, 0, time.UTC)},
		{"week", moderation.TimeframeWeek, day(2024, 3, 10), day(2024, 3, 3)},
		{"month mid", moderation.TimeframeMonth, day(2024, 3, 15), day(2024, 2, 15)},
		{"month 30th", moderation.TimeframeMonth, day(2024, 3, 30), day(2024, 2, 29)},
		{"month 31st", moderation.TimeframeMonth, day(2024, 3, 31), day(2024, 2, 29)},
		{"month 31st non leap", moderation.TimeframeMonth, day(2023, 3, 31), day(2023, 2, 28)},
		{"month across year", moderation.TimeframeMonth, day(2024, 1, 31), day(2023, 12, 31)},
		{"month 31st to 30 day month", moderation.TimeframeMonth, day(2024, 5, 31), day(2024, 4, 30)},
		{"year leap day", moderation.TimeframeYear, day(2024, 2, 29), Align(Week, day(2023, 2, 28))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, windowStart(tt.tf, tt.now))
		})
	}
}

func TestKeysFor(t *testing.T) {
	at := time.Date(2024, 1, 3, 17, 45, 0, 0, time.UTC)
	keys := keysFor(at, moderation.ContentSpam)

	assert.Len(t, keys, 4)
	for i, g := range Granularities() {
		assert.Equal(t, g, keys[i].Granularity)
		assert.Equal(t, Align(g, at).Unix(), keys[i].Start)
		assert.Equal(t, moderation.ContentSpam, keys[i].Category)
	}
}
