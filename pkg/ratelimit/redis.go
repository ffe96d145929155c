package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisLimiter is a sliding-window limiter kept in Redis sorted sets, so
// every instance behind a load balancer shares the same counts.
type RedisLimiter struct {
	client redis.UniversalClient
	prefix string
	limit  int
	window time.Duration
	now    func() time.Time
}

// NewRedisLimiter allows limit requests per window for each key
func NewRedisLimiter(client redis.UniversalClient, prefix string, limit int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		prefix: prefix,
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

func (l *RedisLimiter) key(key string) string {
	return l.prefix + ":" + key
}

// slidingWindowScript trims the window, counts it and records the request in
// one step, so concurrent instances cannot both take the last slot.
// Returns {1, ""} when allowed, {0, oldestScore} when over the limit.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
redis.call('ZREMRANGEBYSCORE', key, '0', ARGV[1])
if redis.call('ZCARD', key) >= tonumber(ARGV[3]) then
	local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
	return {0, oldest[2] or ''}
end
redis.call('ZADD', key, ARGV[2], ARGV[4])
redis.call('PEXPIRE', key, ARGV[5])
return {1, ''}
`)

func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	now := l.now()
	nowNano := now.UnixNano()
	windowStart := now.Add(-l.window).UnixNano()
	member := strconv.FormatInt(nowNano, 10) + ":" + uuid.NewString()
	ttl := (l.window + time.Minute).Milliseconds()

	res, err := slidingWindowScript.Run(ctx, l.client, []string{l.key(key)},
		strconv.FormatInt(windowStart, 10),
		strconv.FormatInt(nowNano, 10),
		l.limit,
		member,
		strconv.FormatInt(ttl, 10),
	).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("failed to evaluate rate limit window: %w", err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("unexpected rate limit reply: %v", res)
	}

	if allowed, _ := res[0].(int64); allowed == 1 {
		return true, 0, nil
	}

	wait := l.window
	if score, ok := res[1].(string); ok && score != "" {
		if oldest, err := strconv.ParseFloat(score, 64); err == nil {
			wait = time.Unix(0, int64(oldest)).Add(l.window).Sub(now)
		}
	}
	return false, wait, nil
}

// Reset clears the window for key
func (l *RedisLimiter) Reset(ctx context.Context, key string) error {
	return l.client.Del(ctx, l.key(key)).Err()
}
