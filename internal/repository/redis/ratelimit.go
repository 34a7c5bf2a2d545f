package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
)

const rateLimitPrefix = "ingest:ratelimit:"

// RateLimiter counts ingest requests per client in fixed windows shared by
// every process behind the same Redis
type RateLimiter struct {
	client *Client
	clock  clockwork.Clock
	limit  int
	window time.Duration
}

// NewRateLimiter allows limit requests per client per window
func NewRateLimiter(client *Client, clock clockwork.Clock, limit int, window time.Duration) *RateLimiter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{client: client, clock: clock, limit: limit, window: window}
}

func (r *RateLimiter) windowKey(key string, start time.Time) string {
	return rateLimitPrefix + key + ":" + strconv.FormatInt(start.Unix(), 10)
}

// Allow counts one request for key. It returns whether the request fits in
// the current window, how many remain and when the window resets.
func (r *RateLimiter) Allow(ctx context.Context, key string) (bool, int, time.Time, error) {
	start := r.clock.Now().Truncate(r.window)
	reset := start.Add(r.window)
	fullKey := r.windowKey(key, start)

	pipe := r.client.rdb.TxPipeline()
	incr := pipe.Incr(ctx, fullKey)
	pipe.ExpireNX(ctx, fullKey, r.window)

	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, time.Time{}, fmt.Errorf("failed to execute rate limit check: %w", err)
	}

	count := incr.Val()
	remaining := int64(r.limit) - count
	if remaining < 0 {
		remaining = 0
	}

	return count <= int64(r.limit), int(remaining), reset, nil
}

// Reset clears the current window for key
func (r *RateLimiter) Reset(ctx context.Context, key string) error {
	start := r.clock.Now().Truncate(r.window)
	if err := r.client.rdb.Del(ctx, r.windowKey(key, start)).Err(); err != nil {
		return fmt.Errorf("failed to reset rate limit: %w", err)
	}
	return nil
}
