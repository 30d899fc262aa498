package otp

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/MrEthical07/authcore/internal/failure"
)

func newOTPStoreTest(t *testing.T) (*Store, *miniredis.Miniredis, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewStore(rdb, "ac:", time.Hour), mr, func() {
		rdb.Close()
		mr.Close()
	}
}

func newRecord(id, code string, now time.Time) *Record {
	r := &Record{
		ID:              id,
		AccountID:       "a1",
		Email:           "A@x.com",
		Purpose:         PurposeEmailVerification,
		CreatedAt:       now,
		ExpiresAt:       now.Add(10 * time.Minute),
		ResendAllowedAt: now.Add(time.Minute),
	}
	r.SetCode(code)
	return r
}

func TestCreateAndPending(t *testing.T) {
	store, mr, done := newOTPStoreTest(t)
	defer done()
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_000_000)

	if _, err := store.Create(ctx, newRecord("r1", "123456", now), now); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := store.Pending(ctx, "a@x.com", PurposeEmailVerification, now)
	if err != nil {
		t.Fatalf("pending by email: %v", err)
	}
	if got.ID != "r1" || got.Attempts != 0 || got.Used {
		t.Fatalf("unexpected record %+v", got)
	}
	if !got.Matches("123456") || got.Matches("654321") {
		t.Fatal("code digest comparison is wrong")
	}
	if _, err := store.PendingForAccount(ctx, "a1", PurposeEmailVerification, now); err != nil {
		t.Fatalf("pending by account: %v", err)
	}
	if _, err := store.Pending(ctx, "a@x.com", PurposeForgotPassword, now); !errors.Is(err, failure.ErrOTPNotFoundOrExpired) {
		t.Fatalf("purposes must not share records, got %v", err)
	}

	ttl := mr.TTL("ac:otp:r1")
	if ttl <= 10*time.Minute || ttl > 70*time.Minute {
		t.Fatalf("expected physical ttl of expiry plus retention, got %v", ttl)
	}
}

func TestPendingRejectsExpired(t *testing.T) {
	store, _, done := newOTPStoreTest(t)
	defer done()
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_000_000)

	if _, err := store.Create(ctx, newRecord("r1", "123456", now), now); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.Pending(ctx, "a@x.com", PurposeEmailVerification, now.Add(11*time.Minute)); !errors.Is(err, failure.ErrOTPNotFoundOrExpired) {
		t.Fatalf("expected expired record to be hidden, got %v", err)
	}
	r, err := store.Get(ctx, "r1")
	if err != nil || r.ID != "r1" {
		t.Fatalf("expected expired record to stay readable by id, got %+v %v", r, err)
	}
}

func TestCreateSupersedesPrevious(t *testing.T) {
	store, _, done := newOTPStoreTest(t)
	defer done()
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_000_000)

	if _, err := store.Create(ctx, newRecord("r1", "111111", now), now); err != nil {
		t.Fatalf("create first: %v", err)
	}
	n, err := store.Create(ctx, newRecord("r2", "222222", now), now)
	if err != nil {
		t.Fatalf("create second: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one superseded record, got %d", n)
	}

	old, err := store.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("get old: %v", err)
	}
	if !old.Used {
		t.Fatal("expected previous record to be superseded")
	}
	cur, err := store.Pending(ctx, "a@x.com", PurposeEmailVerification, now)
	if err != nil || cur.ID != "r2" {
		t.Fatalf("expected r2 pending, got %+v %v", cur, err)
	}
}

func TestIncrementAttemptsAtomic(t *testing.T) {
	store, _, done := newOTPStoreTest(t)
	defer done()
	ctx := context.Background()
	now := time.Now()

	if _, err := store.Create(ctx, newRecord("r1", "123456", now), now); err != nil {
		t.Fatalf("create: %v", err)
	}

	const n = 20
	var wg sync.WaitGroup
	wg.Add(n)
	seen := make(chan int, n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			v, err := store.IncrementAttempts(ctx, "r1")
			if err != nil {
				t.Errorf("increment: %v", err)
			}
			seen <- v
		}()
	}
	wg.Wait()
	close(seen)

	unique := map[int]bool{}
	for v := range seen {
		unique[v] = true
	}
	if len(unique) != n {
		t.Fatalf("expected %d distinct counter values, got %d", n, len(unique))
	}
	r, _ := store.Get(ctx, "r1")
	if r.Attempts != n {
		t.Fatalf("expected attempts=%d, got %s", n, strconv.Itoa(r.Attempts))
	}

	if _, err := store.IncrementAttempts(ctx, "missing"); !errors.Is(err, failure.ErrOTPNotFoundOrExpired) {
		t.Fatalf("expected not found for missing record, got %v", err)
	}
}

func TestMarkUsedOnce(t *testing.T) {
	store, _, done := newOTPStoreTest(t)
	defer done()
	ctx := context.Background()
	now := time.Now()

	if _, err := store.Create(ctx, newRecord("r1", "123456", now), now); err != nil {
		t.Fatalf("create: %v", err)
	}
	ok, err := store.MarkUsed(ctx, "r1")
	if err != nil || !ok {
		t.Fatalf("expected first mark to succeed, got %v %v", ok, err)
	}
	ok, err = store.MarkUsed(ctx, "r1")
	if err != nil || ok {
		t.Fatalf("expected second mark to report false, got %v %v", ok, err)
	}
	if _, err := store.Pending(ctx, "a@x.com", PurposeEmailVerification, now); !errors.Is(err, failure.ErrOTPNotFoundOrExpired) {
		t.Fatalf("used record must not be pending, got %v", err)
	}
}

func TestGenerateCodeRange(t *testing.T) {
	for i := 0; i < 2000; i++ {
		code, err := GenerateCode()
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		if len(code) != 6 {
			t.Fatalf("expected six digits, got %q", code)
		}
		n, err := strconv.Atoi(code)
		if err != nil || n < 100000 || n > 999999 {
			t.Fatalf("code out of range: %q", code)
		}
	}
}

func TestCooldownRemaining(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	r := newRecord("r1", "123456", now)
	if got := r.CooldownRemaining(now.Add(20 * time.Second)); got != 40*time.Second {
		t.Fatalf("expected 40s, got %v", got)
	}
	if got := r.CooldownRemaining(now.Add(2 * time.Minute)); got != 0 {
		t.Fatalf("expected zero after cooldown, got %v", got)
	}
}
