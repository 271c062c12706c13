package counter

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Scores are Unix microseconds: exact in a Lua double and fine enough to
// keep millisecond window boundaries.

var statsScript = redis.NewScript(`
	local key = KEYS[1]
	local min = tonumber(ARGV[1])
	local max = tonumber(ARGV[2])

	local count = redis.call('ZCOUNT', key, min, max)
	local oldest = redis.call('ZRANGEBYSCORE', key, min, max, 'WITHSCORES', 'LIMIT', 0, 1)
	local newest = redis.call('ZREVRANGEBYSCORE', key, max, min, 'WITHSCORES', 'LIMIT', 0, 1)

	local o = '0'
	local n = '0'
	if #oldest > 0 then o = oldest[2] end
	if #newest > 0 then n = newest[2] end
	return {count, o, n}
`)

var admitScript = redis.NewScript(`
	local key = KEYS[1]
	local min = tonumber(ARGV[1])
	local now = tonumber(ARGV[2])
	local limit = tonumber(ARGV[3])
	local member = ARGV[4]
	local ttl = tonumber(ARGV[5])

	local count = redis.call('ZCOUNT', key, min, now)
	local oldest = redis.call('ZRANGEBYSCORE', key, min, now, 'WITHSCORES', 'LIMIT', 0, 1)
	local newest = redis.call('ZREVRANGEBYSCORE', key, now, min, 'WITHSCORES', 'LIMIT', 0, 1)

	local o = '0'
	local n = '0'
	if #oldest > 0 then o = oldest[2] end
	if #newest > 0 then n = newest[2] end

	local admitted = 0
	if count < limit then
		redis.call('ZADD', key, now, member)
		redis.call('PEXPIRE', key, ttl)
		admitted = 1
	end
	return {admitted, count, o, n}
`)

// RedisStore is a Store backed by one Redis sorted set per key, so several
// engine instances share counters.
type RedisStore struct {
	settings
	client *redis.Client

	mu      sync.Mutex
	horizon time.Duration
}

// NewRedisStore creates a counter store on an existing Redis client.
func NewRedisStore(client *redis.Client, opts ...Option) *RedisStore {
	return &RedisStore{
		settings: newSettings(opts),
		client:   client,
	}
}

// Record appends an occurrence of key.
func (r *RedisStore) Record(ctx context.Context, key string, at time.Time) error {
	k := r.key(key)
	micros := at.UnixMicro()

	pipe := r.client.TxPipeline()
	pipe.ZAdd(ctx, k, redis.Z{Score: float64(micros), Member: member(micros)})
	pipe.PExpire(ctx, k, r.retention())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record occurrence: %w", err)
	}
	return nil
}

// Stats returns the occurrences of key within [now-window, now].
func (r *RedisStore) Stats(ctx context.Context, key string, window time.Duration) (Stats, error) {
	r.observe(window)
	now := r.clock.Now()

	res, err := statsScript.Run(ctx, r.client, []string{r.key(key)},
		now.Add(-window).UnixMicro(), now.UnixMicro()).Slice()
	if err != nil {
		return Stats{}, fmt.Errorf("failed to count occurrences: %w", err)
	}
	if len(res) != 3 {
		return Stats{}, fmt.Errorf("unexpected stats reply length %d", len(res))
	}
	return parseStats(res[0], res[1], res[2])
}

// Admit counts and conditionally records in one Lua script.
func (r *RedisStore) Admit(ctx context.Context, key string, window time.Duration, limit int) (Stats, bool, error) {
	r.observe(window)
	now := r.clock.Now()
	micros := now.UnixMicro()

	res, err := admitScript.Run(ctx, r.client, []string{r.key(key)},
		now.Add(-window).UnixMicro(), micros, limit, member(micros), r.retention().Milliseconds()).Slice()
	if err != nil {
		return Stats{}, false, fmt.Errorf("rate limit check failed: %w", err)
	}
	if len(res) != 4 {
		return Stats{}, false, fmt.Errorf("unexpected admit reply length %d", len(res))
	}

	st, err := parseStats(res[1], res[2], res[3])
	if err != nil {
		return Stats{}, false, err
	}
	admitted, _ := res[0].(int64)
	return st, admitted == 1, nil
}

// Sweep trims every counter key below the retention horizon. Idle keys
// also expire on their own through PEXPIRE.
func (r *RedisStore) Sweep(ctx context.Context) (int, error) {
	cutoff := strconv.FormatInt(r.clock.Now().Add(-r.retention()).UnixMicro(), 10)
	removed := 0

	iter := r.client.Scan(ctx, 0, r.key("*"), 500).Iterator()
	for iter.Next(ctx) {
		n, err := r.client.ZRemRangeByScore(ctx, iter.Val(), "-inf", "("+cutoff).Result()
		if err != nil {
			return removed, fmt.Errorf("failed to trim %s: %w", iter.Val(), err)
		}
		removed += int(n)
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("failed to scan counter keys: %w", err)
	}
	return removed, nil
}

// Reset forgets every occurrence of key.
func (r *RedisStore) Reset(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		return fmt.Errorf("failed to reset counter: %w", err)
	}
	return nil
}

func (r *RedisStore) key(key string) string {
	return r.keyPrefix + ":counter:" + key
}

func (r *RedisStore) observe(window time.Duration) {
	r.mu.Lock()
	if window > r.horizon {
		r.horizon = window
	}
	r.mu.Unlock()
}

func (r *RedisStore) retention() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.horizon > r.minRetention {
		return r.horizon
	}
	return r.minRetention
}

func member(micros int64) string {
	return strconv.FormatInt(micros, 10) + "-" + uuid.NewString()
}

func parseStats(count, oldest, newest interface{}) (Stats, error) {
	n, ok := count.(int64)
	if !ok {
		return Stats{}, fmt.Errorf("unexpected count type %T", count)
	}
	if n == 0 {
		return Stats{}, nil
	}
	o, err := parseScore(oldest)
	if err != nil {
		return Stats{}, err
	}
	nw, err := parseScore(newest)
	if err != nil {
		return Stats{}, err
	}
	return Stats{Count: int(n), Oldest: time.UnixMicro(o), Newest: time.UnixMicro(nw)}, nil
}

func parseScore(v interface{}) (int64, error) {
	switch s := v.(type) {
	case string:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid score %q: %w", s, err)
		}
		return int64(f), nil
	case int64:
		return s, nil
	default:
		return 0, fmt.Errorf("unexpected score type %T", v)
	}
}
