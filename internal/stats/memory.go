package stats

import (
	"context"
	"sync"
	"sync/atomic"
)

// MemoryCounters keeps counters in process memory. They are lost on restart
// and rebuilt by replaying the audit log.
type MemoryCounters struct {
	counts sync.Map // Key -> *atomic.Int64
	seq    atomic.Uint64
}

var _ Counters = (*MemoryCounters)(nil)

// NewMemoryCounters creates an empty in-memory counter set
func NewMemoryCounters() *MemoryCounters {
	return &MemoryCounters{}
}

func (m *MemoryCounters) Incr(ctx context.Context, keys []Key, seq uint64) error {
	for _, key := range keys {
		v, _ := m.counts.LoadOrStore(key, new(atomic.Int64))
		v.(*atomic.Int64).Add(1)
	}
	return m.Advance(ctx, seq)
}

func (m *MemoryCounters) Advance(_ context.Context, seq uint64) error {
	for {
		cur := m.seq.Load()
		if seq <= cur || m.seq.CompareAndSwap(cur, seq) {
			return nil
		}
	}
}

func (m *MemoryCounters) Get(ctx context.Context, keys []Key) ([]int64, error) {
	values := make([]int64, len(keys))
	for i, key := range keys {
		if v, ok := m.counts.Load(key); ok {
			values[i] = v.(*atomic.Int64).Load()
		}
	}
	return values, ctx.Err()
}

func (m *MemoryCounters) Scan(ctx context.Context, g Granularity) (map[Key]int64, error) {
	out := make(map[Key]int64)
	m.counts.Range(func(k, v any) bool {
		key := k.(Key)
		if key.Granularity == g {
			if n := v.(*atomic.Int64).Load(); n != 0 {
				out[key] = n
			}
		}
		return true
	})
	return out, ctx.Err()
}

func (m *MemoryCounters) Sequence(context.Context) (uint64, error) {
	return m.seq.Load(), nil
}

func (m *MemoryCounters) Reset(context.Context) error {
	m.counts.Clear()
	m.seq.Store(0)
	return nil
}
