package credentials

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimiter answers whether one more API-key verification attempt is
// allowed for the given key prefix.
type RateLimiter interface {
	Allow(ctx context.Context, prefix string) (bool, error)
}

// RedisRateLimiter enforces the API-key budget with an atomic INCR against
// a shared per-second counter, so every gateway instance draws from the
// same budget. Fixed one-second windows keep the counter cheap; the
// boundary error this admits is within the tolerated drift.
type RedisRateLimiter struct {
	rdb     *redis.Client
	perSec  int64
	burst   int64
	nowFunc func() time.Time
}

// NewRedisRateLimiter builds a limiter allowing, per key prefix and
// one-second window, perSec requests or burst requests, whichever is larger.
func NewRedisRateLimiter(rdb *redis.Client, perSec float64, burst int) *RedisRateLimiter {
	return &RedisRateLimiter{
		rdb:     rdb,
		perSec:  int64(perSec),
		burst:   int64(burst),
		nowFunc: time.Now,
	}
}

// Allow counts one attempt. Redis errors fail open: an unreachable counter
// store must not take API-key authentication down with it.
func (l *RedisRateLimiter) Allow(ctx context.Context, prefix string) (bool, error) {
	if l.perSec <= 0 {
		return true, nil
	}

	window := l.nowFunc().Unix()
	key := fmt.Sprintf("gw:ratelimit:apikey:%s:%d", prefix, window)

	pipe := l.rdb.TxPipeline()
	count := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, 2*time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return true, err
	}

	limit := l.perSec
	if l.burst > limit {
		limit = l.burst
	}
	return count.Val() <= limit, nil
}
