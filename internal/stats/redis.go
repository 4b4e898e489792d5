package stats

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"modengine/internal/moderation"

	goredis "github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces the aggregator's keys
const DefaultRedisPrefix = "modengine:stats"

// incrScript increments one hash field per key and raises the sequence key to
// ARGV[1] if it is higher. KEYS[1] is the sequence key, KEYS[i] pairs with ARGV[i].
var incrScript = goredis.NewScript(`
for i = 2, #KEYS do
  redis.call('HINCRBY', KEYS[i], ARGV[i], 1)
end
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
if tonumber(ARGV[1]) > cur then
  redis.call('SET', KEYS[1], ARGV[1])
end
return 1
`)

// RedisCounters keeps counters in Redis hashes, one hash per tier, so that
// several engine instances share one set of statistics.
type RedisCounters struct {
	client goredis.UniversalClient
	prefix string
}

var _ Counters = (*RedisCounters)(nil)

// NewRedisCounters creates counters stored under prefix. An empty prefix uses DefaultRedisPrefix.
func NewRedisCounters(client goredis.UniversalClient, prefix string) *RedisCounters {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisCounters{client: client, prefix: prefix}
}

func (r *RedisCounters) hashKey(g Granularity) string {
	return r.prefix + ":" + string(g)
}

func (r *RedisCounters) seqKey() string {
	return r.prefix + ":seq"
}

func field(key Key) string {
	return strconv.FormatInt(key.Start, 10) + "|" + string(key.Category)
}

func parseField(g Granularity, f string) (Key, bool) {
	start, cat, ok := strings.Cut(f, "|")
	if !ok {
		return Key{}, false
	}
	unix, err := strconv.ParseInt(start, 10, 64)
	if err != nil {
		return Key{}, false
	}
	return Key{Granularity: g, Start: unix, Category: moderation.ContentCategory(cat)}, true
}

func (r *RedisCounters) Incr(ctx context.Context, keys []Key, seq uint64) error {
	redisKeys := make([]string, 0, len(keys)+1)
	args := make([]any, 0, len(keys)+1)
	redisKeys = append(redisKeys, r.seqKey())
	args = append(args, seq)
	for _, key := range keys {
		redisKeys = append(redisKeys, r.hashKey(key.Granularity))
		args = append(args, field(key))
	}

	if err := incrScript.Run(ctx, r.client, redisKeys, args...).Err(); err != nil {
		return moderation.Unavailable("redis incr stats", err)
	}
	return nil
}

func (r *RedisCounters) Advance(ctx context.Context, seq uint64) error {
	return r.Incr(ctx, nil, seq)
}

func (r *RedisCounters) Get(ctx context.Context, keys []Key) ([]int64, error) {
	values := make([]int64, len(keys))
	if len(keys) == 0 {
		return values, nil
	}

	// Group by tier so each tier is one HMGET
	byTier := make(map[Granularity][]int)
	for i, key := range keys {
		byTier[key.Granularity] = append(byTier[key.Granularity], i)
	}

	pipe := r.client.Pipeline()
	cmds := make(map[Granularity]*goredis.SliceCmd, len(byTier))
	for g, idx := range byTier {
		fields := make([]string, len(idx))
		for j, i := range idx {
			fields[j] = field(keys[i])
		}
		cmds[g] = pipe.HMGet(ctx, r.hashKey(g), fields...)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, moderation.Unavailable("redis read stats", err)
	}

	for g, cmd := range cmds {
		for j, v := range cmd.Val() {
			s, ok := v.(string)
			if !ok {
				continue
			}
			n, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("redis stats counter %s: %w", s, err)
			}
			values[byTier[g][j]] = n
		}
	}
	return values, nil
}

func (r *RedisCounters) Scan(ctx context.Context, g Granularity) (map[Key]int64, error) {
	all, err := r.client.HGetAll(ctx, r.hashKey(g)).Result()
	if err != nil {
		return nil, moderation.Unavailable("redis scan stats", err)
	}

	out := make(map[Key]int64, len(all))
	for f, v := range all {
		key, ok := parseField(g, f)
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n == 0 {
			continue
		}
		out[key] = n
	}
	return out, nil
}

func (r *RedisCounters) Sequence(ctx context.Context) (uint64, error) {
	seq, err := r.client.Get(ctx, r.seqKey()).Uint64()
	if errors.Is(err, goredis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, moderation.Unavailable("redis stats sequence", err)
	}
	return seq, nil
}

func (r *RedisCounters) Reset(ctx context.Context) error {
	keys := []string{r.seqKey()}
	for _, g := range Granularities() {
		keys = append(keys, r.hashKey(g))
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return moderation.Unavailable("redis reset stats", err)
	}
	return nil
}

// Ping checks that Redis is reachable within timeout
func (r *RedisCounters) Ping(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return r.client.Ping(ctx).Err()
}
