package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter is a sliding-window Limiter backed by Redis sorted sets,
// one set per class+key. Timestamps are set members scored by unix
// milliseconds, so trimming the window is a single ZREMRANGEBYSCORE.
type RedisLimiter struct {
	client redis.UniversalClient
	now    func() time.Time
	seq    atomic.Uint64
}

var _ Limiter = (*RedisLimiter)(nil)

// allowScript trims, counts, and conditionally records a hit in one
// server-side unit so two racing requests cannot both slip under the
// cap. Scores are unix milliseconds; nanoseconds overflow Lua's float
// precision. Returns {allowed, count, oldest surviving score}.
//
// KEYS[1] bucket
// ARGV[1] window cutoff (ms), ARGV[2] limit, ARGV[3] now (ms),
// ARGV[4] member, ARGV[5] key TTL (ms)
var allowScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
local count = redis.call('ZCARD', KEYS[1])
local allowed = 0
if count < tonumber(ARGV[2]) then
	redis.call('ZADD', KEYS[1], ARGV[3], ARGV[4])
	redis.call('PEXPIRE', KEYS[1], ARGV[5])
	allowed = 1
	count = count + 1
end
local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
local reset = 0
if oldest[2] then
	reset = tonumber(oldest[2])
end
return {allowed, count, reset}
`)

// NewRedisLimiter creates a limiter over the given Redis client.
func NewRedisLimiter(client redis.UniversalClient) *RedisLimiter {
	return &RedisLimiter{client: client, now: time.Now}
}

// SetClock overrides the time source. Test hook.
func (l *RedisLimiter) SetClock(now func() time.Time) {
	l.now = now
}

func redisKey(class Class, key string) string {
	return "ratelimit:" + class.Name + ":" + key
}

func (l *RedisLimiter) Allow(ctx context.Context, class Class, key string) (Result, error) {
	now := l.now()

	// Members carry a sequence suffix so two hits in the same instant
	// still count twice.
	member := strconv.FormatInt(now.UnixNano(), 10) + "-" + strconv.FormatUint(l.seq.Add(1), 10)

	vals, err := allowScript.Run(ctx, l.client, []string{redisKey(class, key)},
		now.Add(-class.Window).UnixMilli(),
		class.Limit,
		now.UnixMilli(),
		member,
		// Keep the key from leaking if the client never comes back.
		(class.Window + time.Minute).Milliseconds(),
	).Int64Slice()
	if err != nil {
		return Result{}, fmt.Errorf("rate limit: %w", err)
	}
	if len(vals) != 3 {
		return Result{}, fmt.Errorf("rate limit: unexpected script reply of length %d", len(vals))
	}

	allowed := vals[0] == 1
	count := int(vals[1])

	resetAt := now.Add(class.Window)
	if vals[2] > 0 {
		resetAt = time.UnixMilli(vals[2]).Add(class.Window)
	}

	res := Result{
		Allowed:   allowed,
		Limit:     class.Limit,
		Remaining: class.Limit - count,
		ResetAt:   resetAt,
	}
	if !allowed {
		res.Remaining = 0
		res.RetryAfter = resetAt.Sub(now)
	}
	return res, nil
}
