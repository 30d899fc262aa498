package rate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/MrEthical07/authcore/internal/failure"
)

func newTestLimiter(t *testing.T, cfg Config) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb, "ac:", cfg), mr
}

func TestLimiterBlocksAfterBudget(t *testing.T) {
	l, _ := newTestLimiter(t, Config{MaxAttempts: 3, Window: time.Minute})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := l.Check(ctx, "a@x.com"); err != nil {
			t.Fatalf("attempt %d: unexpected %v", i, err)
		}
		if err := l.Fail(ctx, "a@x.com"); err != nil {
			t.Fatalf("fail: %v", err)
		}
	}
	if err := l.Check(ctx, "A@X.com "); !errors.Is(err, failure.ErrLoginRateLimited) {
		t.Fatalf("expected rate limited, got %v", err)
	}
	if err := l.Check(ctx, "b@x.com"); err != nil {
		t.Fatalf("other email must not be throttled: %v", err)
	}
}

func TestLimiterWindowExpires(t *testing.T) {
	l, mr := newTestLimiter(t, Config{MaxAttempts: 1, Window: time.Minute})
	ctx := context.Background()

	if err := l.Fail(ctx, "a@x.com"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if err := l.Check(ctx, "a@x.com"); !errors.Is(err, failure.ErrLoginRateLimited) {
		t.Fatalf("expected rate limited, got %v", err)
	}
	mr.FastForward(61 * time.Second)
	if err := l.Check(ctx, "a@x.com"); err != nil {
		t.Fatalf("window should have expired: %v", err)
	}
}

func TestLimiterReset(t *testing.T) {
	l, _ := newTestLimiter(t, Config{MaxAttempts: 2, Window: time.Minute})
	ctx := context.Background()

	_ = l.Fail(ctx, "a@x.com")
	if n, _ := l.Attempts(ctx, "a@x.com"); n != 1 {
		t.Fatalf("expected 1 attempt, got %d", n)
	}
	if err := l.Reset(ctx, "a@x.com"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if n, _ := l.Attempts(ctx, "a@x.com"); n != 0 {
		t.Fatalf("expected 0 attempts after reset, got %d", n)
	}
}

func TestLimiterDisabled(t *testing.T) {
	l, _ := newTestLimiter(t, Config{})
	for i := 0; i < 5; i++ {
		_ = l.Fail(context.Background(), "a@x.com")
	}
	if err := l.Check(context.Background(), "a@x.com"); err != nil {
		t.Fatalf("disabled limiter must not block: %v", err)
	}
}

func TestLimiterRedisDown(t *testing.T) {
	l, mr := newTestLimiter(t, Config{MaxAttempts: 1, Window: time.Minute})
	mr.Close()
	if err := l.Check(context.Background(), "a@x.com"); !errors.Is(err, failure.ErrUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
}
