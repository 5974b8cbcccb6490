// Package ratelimit provides a per-user sliding window limiter shared by every instance.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Result of one Allow call.
type Result struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// slidingWindow keeps one sorted-set entry per accepted action, scored by time.
var slidingWindow = redis.NewScript(`
local key = KEYS[1]
local counter_key = KEYS[2]
local now = tonumber(ARGV[1])
local window_start = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local window_ms = tonumber(ARGV[4])

redis.call('ZREMRANGEBYSCORE', key, '-inf', window_start)
local count = redis.call('ZCARD', key)

if count < limit then
	local seq = redis.call('INCR', counter_key)
	redis.call('ZADD', key, now, now .. ':' .. seq)
	redis.call('PEXPIRE', key, window_ms)
	redis.call('PEXPIRE', counter_key, window_ms)
	return {1, limit - count - 1, 0}
end

local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local retry = 0
if #oldest >= 2 then
	retry = oldest[2] + window_ms - now
end
return {0, 0, retry}
`)

type Limiter struct {
	rdb    *redis.Client
	max    int
	window time.Duration
	now    func() time.Time
}

func New(rdb *redis.Client, max int, window time.Duration) *Limiter {
	return &Limiter{rdb: rdb, max: max, window: window, now: time.Now}
}

func key(userID string) string {
	return "ratelimit:" + userID
}

// Allow records one action for userID if the budget permits it.
func (l *Limiter) Allow(ctx context.Context, userID string) (Result, error) {
	now := l.now()
	k := key(userID)

	vals, err := slidingWindow.Run(ctx, l.rdb, []string{k, k + ":seq"},
		now.UnixMilli(),
		now.Add(-l.window).UnixMilli(),
		l.max,
		l.window.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return Result{}, fmt.Errorf("rate limit %s: %w", userID, err)
	}
	if len(vals) < 3 {
		return Result{}, fmt.Errorf("rate limit %s: unexpected reply length %d", userID, len(vals))
	}

	res := Result{Allowed: vals[0] == 1, Remaining: int(vals[1])}
	if !res.Allowed && vals[2] > 0 {
		res.RetryAfter = time.Duration(vals[2]) * time.Millisecond
	}
	return res, nil
}
