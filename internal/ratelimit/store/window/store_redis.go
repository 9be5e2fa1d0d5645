package window

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"authd/internal/ratelimit/models"
)

// redisKeyPrefix namespaces limiter keys inside the shared Redis deployment.
const redisKeyPrefix = "authd:rl:"

// acquireScript runs the whole prune-count-append sequence server-side so
// concurrent instances can never interleave a read with an append. Scores
// are microsecond timestamps from the caller's clock; members carry a
// sequence suffix so same-microsecond acquisitions stay distinct.
//
// KEYS[1] = window key
// ARGV[1] = now (microseconds)
// ARGV[2] = window (microseconds)
// ARGV[3] = limit
// ARGV[4] = member
// Returns {allowed, count, oldestScore}.
var acquireScript = redis.NewScript(`
local cutoff = tonumber(ARGV[1]) - tonumber(ARGV[2])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', cutoff)
local count = redis.call('ZCARD', KEYS[1])
if count < tonumber(ARGV[3]) then
  redis.call('ZADD', KEYS[1], ARGV[1], ARGV[4])
  redis.call('PEXPIRE', KEYS[1], math.ceil(tonumber(ARGV[2]) / 1000))
  count = count + 1
  local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
  return {1, count, oldest[2]}
end
local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
if oldest[2] == nil then
  return {0, count, ARGV[1]}
end
return {0, count, oldest[2]}
`)

var countScript = redis.NewScript(`
local cutoff = tonumber(ARGV[1]) - tonumber(ARGV[2])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', cutoff)
return redis.call('ZCARD', KEYS[1])
`)

// RedisStore is the shared sliding-window store. All mutations go through
// server-side scripts; there is no client-side read-modify-write.
type RedisStore struct {
	client *redis.Client
	seq    atomic.Uint64
}

// NewRedis constructs a Redis-backed window store.
func NewRedis(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Acquire atomically admits or denies one acquisition for the key.
func (s *RedisStore) Acquire(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (*models.Decision, error) {
	nowMicros := now.UnixMicro()
	member := strconv.FormatInt(nowMicros, 10) + "-" + strconv.FormatUint(s.seq.Add(1), 10)

	raw, err := acquireScript.Run(ctx, s.client,
		[]string{redisKeyPrefix + key},
		nowMicros,
		window.Microseconds(),
		limit,
		member,
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("acquire script: %w", err)
	}
	if len(raw) != 3 {
		return nil, fmt.Errorf("acquire script: unexpected reply of %d elements", len(raw))
	}

	allowed, err := scriptInt(raw[0])
	if err != nil {
		return nil, fmt.Errorf("acquire script reply: %w", err)
	}
	count, err := scriptInt(raw[1])
	if err != nil {
		return nil, fmt.Errorf("acquire script reply: %w", err)
	}
	oldestMicros, err := scriptInt(raw[2])
	if err != nil {
		return nil, fmt.Errorf("acquire script reply: %w", err)
	}

	resetAt := time.UnixMicro(oldestMicros).Add(window)
	decision := &models.Decision{
		Allowed:   allowed == 1,
		Limit:     limit,
		Remaining: limit - int(count),
		ResetAt:   resetAt,
	}
	if decision.Remaining < 0 {
		decision.Remaining = 0
	}
	if !decision.Allowed {
		if retryAfter := resetAt.Sub(now); retryAfter > 0 {
			decision.RetryAfter = retryAfter
		}
	}
	return decision, nil
}

// Count returns the in-window entry count without consuming a slot.
func (s *RedisStore) Count(ctx context.Context, key string, window time.Duration, now time.Time) (int, error) {
	count, err := countScript.Run(ctx, s.client,
		[]string{redisKeyPrefix + key},
		now.UnixMicro(),
		window.Microseconds(),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("count script: %w", err)
	}
	return count, nil
}

// Reset clears a key.
func (s *RedisStore) Reset(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, redisKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("reset window key: %w", err)
	}
	return nil
}

// Sweep is a no-op for Redis: every key carries a PEXPIRE refreshed on
// acquisition, so idle keys evict themselves.
func (s *RedisStore) Sweep(ctx context.Context, cutoff time.Time) (int, error) {
	return 0, nil
}

// scriptInt coerces a Lua script reply element to int64. Redis returns
// numbers as int64 and bulk strings (ZRANGE scores) as string.
func scriptInt(v any) (int64, error) {
	switch t := v.(type) {
	case int64:
		return t, nil
	case string:
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return 0, err
		}
		return int64(f), nil
	default:
		return 0, fmt.Errorf("unexpected script reply type %T", v)
	}
}
