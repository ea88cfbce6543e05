package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Decision is the outcome of one rate-limit check.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter is consumed by the reservation guard. Implementations must count
// the request as part of the check so check-then-act cannot race.
type Limiter interface {
	CheckAndIncrement(ctx context.Context, userID string) (Decision, error)
}

// FixedWindow implements a per-user fixed-window counter in Redis, shared
// across API instances.
type FixedWindow struct {
	client *redis.Client
	prefix string
	max    int
	window time.Duration
}

// NewFixedWindow constructs a limiter allowing max requests per window.
func NewFixedWindow(client *redis.Client, prefix string, max int, window time.Duration) *FixedWindow {
	return &FixedWindow{
		client: client,
		prefix: prefix,
		max:    max,
		window: window,
	}
}

// CheckAndIncrement consumes one slot for the user if available. When the
// window is exhausted it reports how long the caller should wait.
func (l *FixedWindow) CheckAndIncrement(ctx context.Context, userID string) (Decision, error) {
	key := fmt.Sprintf("ratelimit:%s:%s", l.prefix, userID)

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("increment rate limit key: %w", err)
	}
	if count == 1 {
		if err := l.client.Expire(ctx, key, l.window).Err(); err != nil {
			return Decision{}, fmt.Errorf("set rate limit window: %w", err)
		}
	}

	if count > int64(l.max) {
		ttl, err := l.client.TTL(ctx, key).Result()
		if err != nil || ttl < 0 {
			ttl = l.window
		}
		return Decision{Allowed: false, Remaining: 0, RetryAfter: ttl}, nil
	}

	return Decision{Allowed: true, Remaining: l.max - int(count)}, nil
}
