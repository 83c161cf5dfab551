package httpx

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisSlidingWindowLimiter is the multi-instance variant of
// SlidingWindowLimiter: every hit is a member of a sorted set scored by its
// timestamp in milliseconds.
type RedisSlidingWindowLimiter struct {
	rdb    *redis.Client
	limit  int
	window time.Duration
	prefix string
}

var redisSlidingWindowScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call("ZREMRANGEBYSCORE", KEYS[1], 0, now - window)
if redis.call("ZCARD", KEYS[1]) >= limit then
  return 0
end
redis.call("ZADD", KEYS[1], now, ARGV[4])
redis.call("PEXPIRE", KEYS[1], window)
return 1
`)

func NewRedisSlidingWindowLimiter(rdb *redis.Client, limit int, window time.Duration, prefix string) *RedisSlidingWindowLimiter {
	if limit <= 0 {
		limit = 60
	}
	if window <= 0 {
		window = time.Minute
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "rl"
	}
	return &RedisSlidingWindowLimiter{rdb: rdb, limit: limit, window: window, prefix: prefix}
}

func (rl *RedisSlidingWindowLimiter) Allow(ctx context.Context, key string) (bool, error) {
	now := time.Now().UnixMilli()
	res, err := redisSlidingWindowScript.Run(ctx, rl.rdb,
		[]string{rl.prefix + ":" + key},
		now, rl.window.Milliseconds(), rl.limit, strconv.FormatInt(now, 10)+"-"+uuid.NewString(),
	).Result()
	if err != nil {
		return false, err
	}
	switch v := res.(type) {
	case int64:
		return v == 1, nil
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return false, err
		}
		return n == 1, nil
	default:
		return false, fmt.Errorf("unexpected redis script result type %T", res)
	}
}
