package rate

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MrEthical07/authcore/internal/failure"
)

// Config holds login throttle tuning.
type Config struct {
	MaxAttempts int
	Window      time.Duration
}

// Limiter counts failed logins per email. A zero MaxAttempts disables it.
type Limiter struct {
	redis  redis.UniversalClient
	prefix string
	config Config
}

// New creates a [Limiter] backed by the given Redis client.
func New(redisClient redis.UniversalClient, prefix string, cfg Config) *Limiter {
	return &Limiter{
		redis:  redisClient,
		prefix: prefix,
		config: cfg,
	}
}

func (l *Limiter) enabled() bool {
	return l != nil && l.redis != nil && l.config.MaxAttempts > 0 && l.config.Window > 0
}

// Check fails with failure.ErrLoginRateLimited once the window budget for
// email is spent.
func (l *Limiter) Check(ctx context.Context, email string) error {
	if !l.enabled() {
		return nil
	}
	count, err := l.redis.Get(ctx, l.key(email)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return failure.Unavailable(err)
	}
	if count >= int64(l.config.MaxAttempts) {
		return failure.ErrLoginRateLimited
	}
	return nil
}

// Fail records one failed attempt.
func (l *Limiter) Fail(ctx context.Context, email string) error {
	if !l.enabled() {
		return nil
	}
	key := l.key(email)
	count, err := l.redis.Incr(ctx, key).Result()
	if err != nil {
		return failure.Unavailable(err)
	}

	// Fixed window: TTL is set only by the first hit.
	if count == 1 {
		if err := l.redis.Expire(ctx, key, l.config.Window).Err(); err != nil {
			return failure.Unavailable(err)
		}
	}
	return nil
}

// Reset clears the counter after a successful login.
func (l *Limiter) Reset(ctx context.Context, email string) error {
	if !l.enabled() {
		return nil
	}
	if err := l.redis.Del(ctx, l.key(email)).Err(); err != nil {
		return failure.Unavailable(err)
	}
	return nil
}

// Attempts returns the failed attempts counted in the current window.
func (l *Limiter) Attempts(ctx context.Context, email string) (int, error) {
	if !l.enabled() {
		return 0, nil
	}
	count, err := l.redis.Get(ctx, l.key(email)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, failure.Unavailable(err)
	}
	return int(count), nil
}

func (l *Limiter) key(email string) string {
	return l.prefix + "al:" + strings.ToLower(strings.TrimSpace(email))
}
