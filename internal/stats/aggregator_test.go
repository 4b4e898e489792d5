package stats

import (
	"context"
	"testing"
	"time"

	"modengine/internal/moderation"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2024, 3, 15, 12, 30, 0, 0, time.UTC)

func newMiniRedisClient(t *testing.T) (*miniredis.Miniredis, *goredis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}

	client := goredis.NewClient(&goredis.Options{
		Addr: mr.Addr(),
	})

	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return mr, client
}

func backends() map[string]func(t *testing.T) Counters {
	return map[string]func(t *testing.T) Counters{
		"memory": func(t *testing.T) Counters {
			return NewMemoryCounters()
		},
		"redis": func(t *testing.T) Counters {
			_, client := newMiniRedisClient(t)
			return NewRedisCounters(client, "")
		},
	}
}

func actionEntry(seq uint64, at time.Time, cat moderation.ContentCategory) moderation.AuditEntry {
	kind := moderation.ActionFlag
	if cat == "" {
		kind = moderation.ActionApprove
	}
	entry := moderation.NewActionEntry(moderation.ModerationAction{
		ID:        "a",
		Kind:      kind,
		PostID:    "p1",
		Category:  cat,
		Timestamp: at,
	})
	entry.Sequence = seq
	return entry
}

func approveEntry(seq uint64, at time.Time, cat moderation.ContentCategory) moderation.AuditEntry {
	entry := actionEntry(seq, at, cat)
	entry.Action.Kind = moderation.ActionApprove
	return entry
}

func flagEntry(seq uint64, at time.Time) moderation.AuditEntry {
	entry := moderation.NewFlagEntry(moderation.UserFlag{
		ID:        "f",
		UserID:    "u1",
		Category:  moderation.FlagInappropriate,
		Severity:  moderation.SeverityHigh,
		Timestamp: at,
	})
	entry.Sequence = seq
	return entry
}

// seed records one action per category at increasing ages plus entries that must not count
func seed(t *testing.T, agg *Aggregator) {
	t.Helper()
	ctx := context.Background()

	entries := []moderation.AuditEntry{
		actionEntry(1, testNow.Add(-1*time.Hour), moderation.ContentSpam),
		actionEntry(2, testNow.AddDate(0, 0, -3), moderation.ContentHateSpeech),
		actionEntry(3, testNow.AddDate(0, 0, -20), moderation.ContentViolence),
		actionEntry(4, testNow.AddDate(0, 0, -200), moderation.ContentSpam),
		flagEntry(5, testNow.Add(-time.Minute)),
		actionEntry(6, testNow.Add(-time.Minute), ""),
		approveEntry(7, testNow.Add(-time.Minute), moderation.ContentSpam),
	}
	for _, e := range entries {
		require.NoError(t, agg.Record(ctx, e))
	}
}

func TestAggregator(t *testing.T) {
	for name, newCounters := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			t.Run("timeframes", func(t *testing.T) {
				agg := New(newCounters(t)).WithClock(func() time.Time { return testNow })
				seed(t, agg)

				tests := []struct {
					tf    moderation.Timeframe
					total int64
					gran  string
				}{
					{moderation.TimeframeDay, 1, "hour"},
					{moderation.TimeframeWeek, 2, "day"},
					{moderation.TimeframeMonth, 3, "day"},
					{moderation.TimeframeYear, 4, "week"},
					{moderation.TimeframeAll, 4, "month"},
				}
				for _, tt := range tests {
					t.Run(string(tt.tf), func(t *testing.T) {
						got, err := agg.Query(ctx, moderation.StatsQuery{Timeframe: tt.tf, Category: moderation.CategoryAll})
						require.NoError(t, err)
						assert.Equal(t, tt.total, got.Total)
						assert.Equal(t, tt.gran, got.Window.Granularity)
						assert.Equal(t, testNow, got.Window.End)
						assert.Len(t, got.ByCategory, 4, "all categories are reported, zeros included")
						assert.Equal(t, uint64(7), got.AsOfSequence)

						var sum int64
						for _, n := range got.ByCategory {
							sum += n
						}
						assert.Equal(t, got.Total, sum)
					})
				}
			})

			t.Run("window start", func(t *testing.T) {
				agg := New(newCounters(t)).WithClock(func() time.Time { return testNow })
				seed(t, agg)

				day, err := agg.Query(ctx, moderation.StatsQuery{Timeframe: moderation.TimeframeDay})
				require.NoError(t, err)
				assert.Equal(t, time.Date(2024, 3, 14, 12, 0, 0, 0, time.UTC), day.Window.Start)

				month, err := agg.Query(ctx, moderation.StatsQuery{Timeframe: moderation.TimeframeMonth})
				require.NoError(t, err)
				assert.Equal(t, time.Date(2024, 2, 15, 0, 0, 0, 0, time.UTC), month.Window.Start)

				all, err := agg.Query(ctx, moderation.StatsQuery{Timeframe: moderation.TimeframeAll})
				require.NoError(t, err)
				assert.Equal(t, Align(Month, testNow.AddDate(0, 0, -200)), all.Window.Start)
			})

			t.Run("single category", func(t *testing.T) {
				agg := New(newCounters(t)).WithClock(func() time.Time { return testNow })
				seed(t, agg)

				got, err := agg.Query(ctx, moderation.StatsQuery{Timeframe: moderation.TimeframeYear, Category: moderation.ContentSpam})
				require.NoError(t, err)
				assert.Equal(t, int64(2), got.Total)
				assert.Equal(t, map[moderation.ContentCategory]int64{moderation.ContentSpam: 2}, got.ByCategory)
				assert.Equal(t, moderation.ContentSpam, got.Category)
			})

			t.Run("defaults", func(t *testing.T) {
				agg := New(newCounters(t)).WithClock(func() time.Time { return testNow })
				seed(t, agg)

				got, err := agg.Query(ctx, moderation.StatsQuery{})
				require.NoError(t, err)
				assert.Equal(t, moderation.TimeframeMonth, got.Timeframe)
				assert.Equal(t, moderation.CategoryAll, got.Category)
				assert.Equal(t, int64(3), got.Total)
			})

			t.Run("empty", func(t *testing.T) {
				agg := New(newCounters(t)).WithClock(func() time.Time { return testNow })

				got, err := agg.Query(ctx, moderation.StatsQuery{Timeframe: moderation.TimeframeAll})
				require.NoError(t, err)
				assert.Zero(t, got.Total)
				assert.Zero(t, got.AsOfSequence)
				assert.Equal(t, testNow, got.Window.Start)
			})

			t.Run("sequence is a high watermark", func(t *testing.T) {
				agg := New(newCounters(t)).WithClock(func() time.Time { return testNow })

				require.NoError(t, agg.Record(ctx, actionEntry(7, testNow, moderation.ContentSpam)))
				require.NoError(t, agg.Record(ctx, actionEntry(3, testNow, moderation.ContentSpam)))

				seq, err := agg.Sequence(ctx)
				require.NoError(t, err)
				assert.Equal(t, uint64(7), seq)
			})

			t.Run("closed buckets do not change", func(t *testing.T) {
				counters := newCounters(t)
				now := testNow
				agg := New(counters).WithClock(func() time.Time { return now })

				closed := Key{Granularity: Hour, Start: Align(Hour, now).Unix(), Category: moderation.ContentSpam}
				require.NoError(t, agg.Record(ctx, actionEntry(1, now, moderation.ContentSpam)))
				require.NoError(t, agg.Record(ctx, actionEntry(2, now.Add(10*time.Minute), moderation.ContentSpam)))

				before, err := counters.Get(ctx, []Key{closed})
				require.NoError(t, err)
				assert.Equal(t, []int64{2}, before)

				now = now.Add(2 * time.Hour)
				current := Key{Granularity: Hour, Start: Align(Hour, now).Unix(), Category: moderation.ContentSpam}
				for seq := uint64(3); seq <= 5; seq++ {
					require.NoError(t, agg.Record(ctx, actionEntry(seq, now, moderation.ContentSpam)))
				}

				after, err := counters.Get(ctx, []Key{closed, current})
				require.NoError(t, err)
				assert.Equal(t, []int64{2, 3}, after)

				day, err := agg.Query(ctx, moderation.StatsQuery{Timeframe: moderation.TimeframeDay, Category: moderation.ContentSpam})
				require.NoError(t, err)
				assert.Equal(t, int64(5), day.Total)
			})

			t.Run("reset", func(t *testing.T) {
				agg := New(newCounters(t)).WithClock(func() time.Time { return testNow })
				seed(t, agg)

				require.NoError(t, agg.Reset(ctx))

				got, err := agg.Query(ctx, moderation.StatsQuery{Timeframe: moderation.TimeframeAll})
				require.NoError(t, err)
				assert.Zero(t, got.Total)
				assert.Zero(t, got.AsOfSequence)
			})
		})
	}
}

func TestRedisCounters_Unavailable(t *testing.T) {
	mr, client := newMiniRedisClient(t)
	counters := NewRedisCounters(client, "test")
	mr.Close()

	err := counters.Incr(context.Background(), keysFor(testNow, moderation.ContentSpam), 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, moderation.ErrStorageUnavailable)
}

func TestRedisCounters_Prefix(t *testing.T) {
	mr, client := newMiniRedisClient(t)
	counters := NewRedisCounters(client, "custom")

	require.NoError(t, counters.Incr(context.Background(), keysFor(testNow, moderation.ContentViolence), 9))

	assert.True(t, mr.Exists("custom:hour"))
	assert.True(t, mr.Exists("custom:month"))
	seq, err := mr.Get("custom:seq")
	require.NoError(t, err)
	assert.Equal(t, "9", seq)
}
