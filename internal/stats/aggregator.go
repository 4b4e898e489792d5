// Package stats maintains flagged-content counters fed by committed audit
// entries and answers timeframe queries from them without scanning the log.
package stats

import (
	"context"
	"time"

	"modengine/internal/moderation"
)

// Counters is the storage behind an Aggregator.
// Implementations must be safe for concurrent use.
type Counters interface {
	// Incr adds one to every key and raises the recorded sequence to at least seq.
	Incr(ctx context.Context, keys []Key, seq uint64) error

	// Advance raises the recorded sequence to at least seq without counting anything.
	Advance(ctx context.Context, seq uint64) error

	// Get returns the value of each key, zero for keys never incremented.
	Get(ctx context.Context, keys []Key) ([]int64, error)

	// Scan returns every non-zero counter of one tier.
	Scan(ctx context.Context, g Granularity) (map[Key]int64, error)

	// Sequence returns the highest sequence recorded.
	Sequence(ctx context.Context) (uint64, error)

	Reset(ctx context.Context) error
}

// Aggregator counts categorized moderation actions into hour, day, week and
// month buckets. User flags and uncategorized actions only advance the sequence.
type Aggregator struct {
	counters Counters
	nowFn    func() time.Time
}

var _ moderation.Aggregator = (*Aggregator)(nil)

// New creates an aggregator over the given counters
func New(counters Counters) *Aggregator {
	return &Aggregator{counters: counters, nowFn: time.Now}
}

// WithClock sets the clock used to resolve query windows
func (a *Aggregator) WithClock(now func() time.Time) *Aggregator {
	a.nowFn = now
	return a
}

// Record counts a committed entry. Only categorized flag, hide and remove
// actions are counted; other entries just advance the sequence.
func (a *Aggregator) Record(ctx context.Context, entry moderation.AuditEntry) error {
	if !counted(entry) {
		return a.counters.Advance(ctx, entry.Sequence)
	}
	return a.counters.Incr(ctx, keysFor(entry.Action.Timestamp, entry.Action.Category), entry.Sequence)
}

func counted(entry moderation.AuditEntry) bool {
	return entry.Type == moderation.EntryModerationAction &&
		entry.Action != nil &&
		entry.Action.Category != "" &&
		entry.Action.Kind != moderation.ActionApprove
}

// Query sums the counters covering the requested timeframe and category.
// Bounded windows start at the bucket containing now minus the timeframe,
// so the oldest bucket may include up to one bucket of earlier activity.
func (a *Aggregator) Query(ctx context.Context, q moderation.StatsQuery) (moderation.FlaggedContentStats, error) {
	if q.Timeframe == "" {
		q.Timeframe = moderation.TimeframeMonth
	}
	if q.Category == "" {
		q.Category = moderation.CategoryAll
	}

	asOf, err := a.counters.Sequence(ctx)
	if err != nil {
		return moderation.FlaggedContentStats{}, err
	}

	now := a.nowFn().UTC()
	g := tier(q.Timeframe)
	cats := q.Categories()

	result := moderation.FlaggedContentStats{
		Timeframe:    q.Timeframe,
		Category:     q.Category,
		ByCategory:   make(map[moderation.ContentCategory]int64, len(cats)),
		Window:       moderation.StatsWindow{End: now, Granularity: string(g)},
		AsOfSequence: asOf,
	}
	for _, c := range cats {
		result.ByCategory[c] = 0
	}

	if q.Timeframe == moderation.TimeframeAll {
		counts, err := a.counters.Scan(ctx, g)
		if err != nil {
			return moderation.FlaggedContentStats{}, err
		}
		earliest := now
		for key, n := range counts {
			if _, ok := result.ByCategory[key.Category]; !ok {
				continue
			}
			result.ByCategory[key.Category] += n
			result.Total += n
			if start := time.Unix(key.Start, 0).UTC(); start.Before(earliest) {
				earliest = start
			}
		}
		result.Window.Start = earliest
		return result, ctx.Err()
	}

	start := windowStart(q.Timeframe, now)
	result.Window.Start = start

	var keys []Key
	for b := start; !b.After(now); b = Next(g, b) {
		for _, c := range cats {
			keys = append(keys, Key{Granularity: g, Start: b.Unix(), Category: c})
		}
	}

	values, err := a.counters.Get(ctx, keys)
	if err != nil {
		return moderation.FlaggedContentStats{}, err
	}
	for i, key := range keys {
		result.ByCategory[key.Category] += values[i]
		result.Total += values[i]
	}

	return result, ctx.Err()
}

// Reset discards all counters
func (a *Aggregator) Reset(ctx context.Context) error {
	return a.counters.Reset(ctx)
}

// Sequence returns the highest audit sequence the aggregator has recorded
func (a *Aggregator) Sequence(ctx context.Context) (uint64, error) {
	return a.counters.Sequence(ctx)
}
