package middleware

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter is a fixed-window Limiter shared by every instance pointing
// at the same Redis.
type RedisLimiter struct {
	rdb    redis.Cmdable
	prefix string
}

func NewRedisLimiter(rdb redis.Cmdable, prefix string) *RedisLimiter {
	if prefix == "" {
		prefix = "imagefy:ratelimit:"
	}
	return &RedisLimiter{rdb: rdb, prefix: prefix}
}

// Allow starts the window on the first hit (SETNX with TTL) and counts with
// INCR, so the key expires with its window.
func (l *RedisLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	if key == "" {
		return false, fmt.Errorf("rate limit key required")
	}
	k := l.prefix + key

	pipe := l.rdb.TxPipeline()
	pipe.SetNX(ctx, k, 0, window)
	count := pipe.Incr(ctx, k)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("redis rate limit: %w", err)
	}
	return count.Val() <= int64(limit), nil
}
