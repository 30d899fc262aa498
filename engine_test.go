package authcore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap/zaptest"

	"github.com/MrEthical07/authcore/identity"
	"github.com/MrEthical07/authcore/notify"
)

const enginePassword = "correct-horse-battery"

type engineClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *engineClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

type engineFixture struct {
	engine *Engine
	mr     *miniredis.Miniredis
	rdb    *redis.Client
	clock  *engineClock
	mail   *notify.Memory
	sink   *ChannelSink
}

func (f *engineFixture) advance(d time.Duration) {
	f.clock.mu.Lock()
	f.clock.now = f.clock.now.Add(d)
	f.clock.mu.Unlock()
	f.mr.FastForward(d)
}

func testEngineConfig() Config {
	cfg := validConfig()
	cfg.Password.Memory = 8 * 1024
	cfg.Password.Time = 1
	cfg.Password.Parallelism = 1
	cfg.Audit.BufferSize = 256
	cfg.Audit.DropIfFull = false
	cfg.Metrics.EnableLatencyHistograms = true
	return cfg
}

func newEngineFixture(t testing.TB, mutate ...func(*Config)) *engineFixture {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := testEngineConfig()
	for _, m := range mutate {
		m(&cfg)
	}

	f := &engineFixture{
		mr:    mr,
		rdb:   rdb,
		clock: &engineClock{now: time.Unix(1_700_000_000, 0)},
		mail:  &notify.Memory{},
		sink:  NewChannelSink(256),
	}
	engine, err := New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithNotifier(notify.NewFallback(nil, f.mail, nil)).
		WithIdentityVerifier(identity.Static{
			"google-ok": {Subject: "google:42", Email: "gina@example.com", DisplayName: "Gina"},
		}).
		WithLogger(zaptest.NewLogger(t)).
		WithClock(f.clock.Now).
		WithAuditSink(f.sink).
		Build()
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}
	t.Cleanup(engine.Close)
	f.engine = engine
	return f
}

func (f *engineFixture) lastCode(t testing.TB, job notify.JobType, email string) string {
	t.Helper()
	j, ok := f.mail.Last(job, email)
	if !ok {
		t.Fatalf("no %s job for %s", job, email)
	}
	return j.Payload[notify.KeyCode]
}

// signUp registers and verifies email, returning the first sign-in.
func (f *engineFixture) signUp(t testing.TB, email string) *AuthResult {
	t.Helper()
	ctx := context.Background()
	if _, err := f.engine.Register(ctx, RegisterInput{Email: email, Password: enginePassword, DisplayName: "Ann"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	res, err := f.engine.VerifyEmail(ctx, VerifyEmailInput{
		Email: email,
		Code:  f.lastCode(t, notify.JobVerificationCode, email),
	}, DeviceMeta{})
	if err != nil {
		t.Fatalf("verify email: %v", err)
	}
	return res
}

func TestBuilderRequiresRedis(t *testing.T) {
	_, err := New().WithConfig(validConfig()).Build()
	if err == nil {
		t.Fatal("expected build without redis to fail")
	}
}

func TestBuilderSingleUse(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	b := New().WithConfig(testEngineConfig()).WithRedis(rdb)
	e, err := b.Build()
	if err != nil {
		t.Fatalf("first build: %v", err)
	}
	defer e.Close()
	if _, err := b.Build(); err == nil {
		t.Fatal("expected second build to fail")
	}
}

func TestBuilderRejectsInvalidConfig(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	_, err := New().WithRedis(rdb).Build()
	if err == nil {
		t.Fatal("expected default config without key material to fail")
	}
}

func TestEngineNotReady(t *testing.T) {
	var nilEngine *Engine
	if _, err := nilEngine.Login(context.Background(), LoginInput{}, DeviceMeta{}); !errors.Is(err, ErrEngineNotReady) {
		t.Fatalf("expected ErrEngineNotReady, got %v", err)
	}
	if err := (&Engine{}).Logout(context.Background(), "x"); !errors.Is(err, ErrEngineNotReady) {
		t.Fatalf("expected ErrEngineNotReady, got %v", err)
	}
	if KindOf(ErrEngineNotReady) != KindUnavailable {
		t.Fatal("not-ready must classify as unavailable")
	}
	nilEngine.Close()
	if nilEngine.AuditDropped() != 0 || len(nilEngine.MetricsSnapshot().Counters) != 0 {
		t.Fatal("nil engine must report empty observability")
	}
}

func TestEngineRegistrationToRotation(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	res := f.signUp(t, "ann@example.com")
	if !res.Account.Verified || res.Account.Generation != 0 {
		t.Fatalf("unexpected account after verify: %+v", res.Account)
	}

	p, err := f.engine.ValidateAccess(ctx, res.Tokens.AccessToken)
	if err != nil {
		t.Fatalf("validate access: %v", err)
	}
	if p.AccountID != res.Account.ID || p.Role != RoleUser {
		t.Fatalf("unexpected principal: %+v", p)
	}

	rotated, err := f.engine.Refresh(ctx, res.Tokens.RefreshToken, DeviceMeta{})
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if rotated.Tokens.TokenID == res.Tokens.TokenID {
		t.Fatal("rotation must issue a new token id")
	}

	// replaying the spent token revokes the family
	if _, err := f.engine.Refresh(ctx, res.Tokens.RefreshToken, DeviceMeta{}); !errors.Is(err, ErrRefreshReuse) {
		t.Fatalf("expected ErrRefreshReuse, got %v", err)
	}
	if _, err := f.engine.Refresh(ctx, rotated.Tokens.RefreshToken, DeviceMeta{}); !errors.Is(err, ErrRefreshReuse) {
		t.Fatalf("expected rotated token revoked by reuse, got %v", err)
	}

	snap := f.engine.MetricsSnapshot()
	if snap.Counters[MetricRefreshReuse] == 0 || snap.Counters[MetricRefreshRotated] != 1 {
		t.Fatalf("unexpected counters: reuse=%d rotated=%d",
			snap.Counters[MetricRefreshReuse], snap.Counters[MetricRefreshRotated])
	}
	if total := sum(snap.Histograms[MetricValidateLatency]); total != 1 {
		t.Fatalf("expected one latency observation, got %d", total)
	}
}

func TestEngineLogoutAllInvalidatesAccess(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	res := f.signUp(t, "bo@example.com")

	second, err := f.engine.Login(ctx, LoginInput{Email: "bo@example.com", Password: enginePassword}, DeviceMeta{Label: "tablet"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	sessions, err := f.engine.ListSessions(ctx, res.Account.ID)
	if err != nil || len(sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d (%v)", len(sessions), err)
	}

	n, err := f.engine.LogoutAll(ctx, res.Account.ID)
	if err != nil || n != 2 {
		t.Fatalf("logout all: n=%d err=%v", n, err)
	}
	if _, err := f.engine.ValidateAccess(ctx, second.Tokens.AccessToken); !errors.Is(err, ErrStaleSession) {
		t.Fatalf("expected ErrStaleSession for outstanding access token, got %v", err)
	}
	if _, err := f.engine.Refresh(ctx, res.Tokens.RefreshToken, DeviceMeta{}); !errors.Is(err, ErrRefreshReuse) {
		t.Fatalf("expected revoked refresh to be reuse, got %v", err)
	}
	if KindOf(ErrStaleSession) != KindUnauthorized {
		t.Fatal("stale session must classify as unauthorized")
	}
}

func TestEngineConcurrentRefreshSingleWinner(t *testing.T) {
	f := newEngineFixture(t)
	res := f.signUp(t, "cy@example.com")

	const n = 16
	var wg sync.WaitGroup
	wg.Add(n)
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, err := f.engine.Refresh(context.Background(), res.Tokens.RefreshToken, DeviceMeta{})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	success := 0
	for err := range results {
		if err == nil {
			success++
			continue
		}
		if !errors.Is(err, ErrRefreshReuse) {
			t.Fatalf("unexpected refresh error: %v", err)
		}
	}
	if success != 1 {
		t.Fatalf("expected exactly one refresh success, got %d", success)
	}
}

func TestEngineDeviceFromContext(t *testing.T) {
	f := newEngineFixture(t)
	res := f.signUp(t, "dee@example.com")

	ctx := WithUserAgent(WithClientIP(context.Background(), "203.0.113.9"), "curl/8")
	if _, err := f.engine.Login(ctx, LoginInput{Email: "dee@example.com", Password: enginePassword}, DeviceMeta{}); err != nil {
		t.Fatalf("login: %v", err)
	}
	sessions, err := f.engine.ListSessions(context.Background(), res.Account.ID)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	found := false
	for _, s := range sessions {
		if s.Device.IP == "203.0.113.9" && s.Device.UserAgent == "curl/8" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a session carrying the context device, got %+v", sessions)
	}
}

func TestEnginePasswordResetRevokesSessions(t *testing.T) {
	f := newEngineFixture(t, func(c *Config) { c.PasswordReset.Strategy = ResetOTP })
	ctx := context.Background()
	res := f.signUp(t, "eve@example.com")

	if err := f.engine.RequestPasswordReset(ctx, "eve@example.com"); err != nil {
		t.Fatalf("request reset: %v", err)
	}
	if err := f.engine.RequestPasswordReset(ctx, "nobody@example.com"); err != nil {
		t.Fatalf("unknown email must not be revealed: %v", err)
	}
	code := f.lastCode(t, notify.JobResetCode, "eve@example.com")
	err := f.engine.ResetPasswordWithOTP(ctx, ResetWithCodeInput{Email: "eve@example.com", Code: code, NewPassword: "a-brand-new-secret"})
	if err != nil {
		t.Fatalf("reset: %v", err)
	}

	if _, err := f.engine.ValidateAccess(ctx, res.Tokens.AccessToken); !errors.Is(err, ErrStaleSession) {
		t.Fatalf("expected old access token stale, got %v", err)
	}
	if _, err := f.engine.Login(ctx, LoginInput{Email: "eve@example.com", Password: enginePassword}, DeviceMeta{}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected old password rejected, got %v", err)
	}
	if _, err := f.engine.Login(ctx, LoginInput{Email: "eve@example.com", Password: "a-brand-new-secret"}, DeviceMeta{}); err != nil {
		t.Fatalf("login with new password: %v", err)
	}
}

func TestEngineAccessExpiry(t *testing.T) {
	f := newEngineFixture(t)
	res := f.signUp(t, "fay@example.com")

	f.advance(16 * time.Minute)
	if _, err := f.engine.ValidateAccess(context.Background(), res.Tokens.AccessToken); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
	if _, err := f.engine.Refresh(context.Background(), res.Tokens.RefreshToken, DeviceMeta{}); err != nil {
		t.Fatalf("refresh after access expiry: %v", err)
	}
}

func TestEngineIdentityLoginAndFavorites(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	res, err := f.engine.LoginWithIdentity(ctx, "google-ok", DeviceMeta{})
	if err != nil {
		t.Fatalf("identity login: %v", err)
	}
	if !res.Created || !res.Account.Verified {
		t.Fatalf("expected a created verified account, got %+v", res)
	}
	if _, err := f.engine.LoginWithIdentity(ctx, "forged", DeviceMeta{}); !errors.Is(err, ErrIdentityRejected) {
		t.Fatalf("expected ErrIdentityRejected, got %v", err)
	}

	if err := f.engine.AddFavorite(ctx, res.Account.ID, "sku-1"); err != nil {
		t.Fatalf("add favorite: %v", err)
	}
	if err := f.engine.AddFavorite(ctx, res.Account.ID, "sku-1"); !errors.Is(err, ErrAlreadyFavorited) {
		t.Fatalf("expected ErrAlreadyFavorited, got %v", err)
	}
	if err := f.engine.RemoveFavorite(ctx, res.Account.ID, "sku-1"); err != nil {
		t.Fatalf("remove favorite: %v", err)
	}
}

func TestEngineAuditEvents(t *testing.T) {
	f := newEngineFixture(t)
	f.signUp(t, "gus@example.com")
	f.engine.Close()

	seen := map[string]bool{}
drain:
	for {
		select {
		case ev := <-f.sink.Events():
			seen[ev.Type] = true
		default:
			break drain
		}
	}
	for _, want := range []string{AuditRegister, AuditOTPSent, AuditEmailVerified} {
		if !seen[want] {
			t.Fatalf("missing audit event %q, saw %v", want, seen)
		}
	}
}

func sum(buckets []uint64) uint64 {
	var total uint64
	for _, b := range buckets {
		total += b
	}
	return total
}
