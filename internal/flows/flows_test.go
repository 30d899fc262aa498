package flows

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	nanoid "github.com/jaevor/go-nanoid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap/zaptest"

	"github.com/MrEthical07/authcore/account"
	"github.com/MrEthical07/authcore/identity"
	"github.com/MrEthical07/authcore/internal/failure"
	"github.com/MrEthical07/authcore/internal/rate"
	"github.com/MrEthical07/authcore/jwt"
	"github.com/MrEthical07/authcore/notify"
	"github.com/MrEthical07/authcore/otp"
	"github.com/MrEthical07/authcore/password"
	"github.com/MrEthical07/authcore/refresh"
)

const testPassword = "correct-horse-battery"

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) add(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testEnv struct {
	deps     Deps
	mr       *miniredis.Miniredis
	rdb      *redis.Client
	clock    *testClock
	mail     *notify.Memory
	accounts *account.RedisStore
	refresh  *refresh.Store
	otp      *otp.Store
	hasher   *password.Argon2
}

type envOption func(*Deps)

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	codec, err := jwt.NewManager(jwt.Config{
		AccessTTL:     15 * time.Minute,
		RefreshTTL:    7 * 24 * time.Hour,
		SigningMethod: jwt.MethodHS256,
		PrivateKey:    []byte("0123456789abcdef0123456789abcdef"),
		Issuer:        "authcore",
		Audience:      "shop",
		Now:           clock.Now,
	})
	if err != nil {
		t.Fatalf("jwt manager: %v", err)
	}
	hasher, err := password.NewArgon2(password.Config{
		Memory: 8 * 1024, Time: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32, MinLength: 8,
	})
	if err != nil {
		t.Fatalf("argon2: %v", err)
	}
	resetToken, err := nanoid.Standard(48)
	if err != nil {
		t.Fatalf("nanoid: %v", err)
	}

	env := &testEnv{
		mr:       mr,
		rdb:      rdb,
		clock:    clock,
		mail:     &notify.Memory{},
		accounts: account.NewRedisStore(rdb, "ac:"),
		refresh:  refresh.NewStore(rdb, "ac:"),
		otp:      otp.NewStore(rdb, "ac:", otp.DefaultRetention),
		hasher:   hasher,
	}
	env.deps = Deps{
		Codec:       codec,
		Refresh:     env.refresh,
		OTP:         env.otp,
		Accounts:    env.accounts,
		Credentials: hasher,
		Notifier:    notify.NewFallback(nil, env.mail, nil),
		Identity:    identity.Static{},
		Limiter:     rate.New(rdb, "ac:", rate.Config{MaxAttempts: 10, Window: 15 * time.Minute}),
		Logger:      zaptest.NewLogger(t),
		Policy: Policy{
			OTPTTL:            10 * time.Minute,
			OTPResendCooldown: 60 * time.Second,
			OTPMaxAttempts:    5,
			ResetTTL:          time.Hour,
			ResetLinkBase:     "https://shop.test/reset",
		},
		Now:           clock.Now,
		NewID:         uuid.NewString,
		NewResetToken: resetToken,
	}
	for _, opt := range opts {
		opt(&env.deps)
	}
	return env
}

// advance moves both the engine clock and Redis key expiry.
func (e *testEnv) advance(d time.Duration) {
	e.clock.add(d)
	e.mr.FastForward(d)
}

func (e *testEnv) seedAccount(t *testing.T, email string, role account.Role, verified bool) *account.Account {
	t.Helper()
	hash, err := e.hasher.Hash(testPassword)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	a := &account.Account{
		ID:           uuid.NewString(),
		Email:        email,
		DisplayName:  "Alice",
		Role:         role,
		PasswordHash: hash,
		Verified:     verified,
		Active:       true,
		CreatedAt:    e.clock.Now(),
	}
	if err := e.accounts.Create(context.Background(), a); err != nil {
		t.Fatalf("seed account: %v", err)
	}
	return a
}

func (e *testEnv) login(t *testing.T, email string, device refresh.DeviceMeta) *AuthResult {
	t.Helper()
	res, err := RunLogin(context.Background(), LoginInput{Email: email, Password: testPassword}, device, e.deps)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	return res
}

func TestRotationIsSingleUse(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedAccount(t, "a@x.com", account.RoleUser, true)

	first := env.login(t, "a@x.com", refresh.DeviceMeta{Label: "phone"})
	env.advance(time.Second)

	rotated, err := RunRotate(ctx, first.Tokens.RefreshToken, refresh.DeviceMeta{}, env.deps)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if rotated.Tokens.TokenID == first.Tokens.TokenID {
		t.Fatal("rotation must issue a new token id")
	}
	old, _ := env.refresh.Lookup(ctx, first.Tokens.TokenID)
	if !old.Revoked {
		t.Fatal("presented credential must be revoked by rotation")
	}
	next, _ := env.refresh.Lookup(ctx, rotated.Tokens.TokenID)
	if next.Device.Label != "phone" {
		t.Fatalf("device metadata should carry over, got %+v", next.Device)
	}

	_, err = RunRotate(ctx, first.Tokens.RefreshToken, refresh.DeviceMeta{}, env.deps)
	if !errors.Is(err, failure.ErrRefreshReuse) {
		t.Fatalf("expected reuse detection, got %v", err)
	}
	next, _ = env.refresh.Lookup(ctx, rotated.Tokens.TokenID)
	if !next.Revoked {
		t.Fatal("reuse must revoke the successor credential too")
	}
	if _, err := RunRotate(ctx, rotated.Tokens.RefreshToken, refresh.DeviceMeta{}, env.deps); !errors.Is(err, failure.ErrRefreshReuse) {
		t.Fatalf("successor must be unusable after reuse, got %v", err)
	}
}

func TestRotateMismatchDoesNotRevoke(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	acct := env.seedAccount(t, "a@x.com", account.RoleUser, true)
	res := env.login(t, "a@x.com", refresh.DeviceMeta{})

	env.advance(2 * time.Second)
	forged, _, err := env.deps.Codec.CreateRefresh(jwt.RefreshInput{TokenID: res.Tokens.TokenID, AccountID: acct.ID})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := RunRotate(ctx, forged, refresh.DeviceMeta{}, env.deps); !errors.Is(err, failure.ErrRefreshMismatch) {
		t.Fatalf("expected mismatch, got %v", err)
	}
	cred, _ := env.refresh.Lookup(ctx, res.Tokens.TokenID)
	if cred.Revoked {
		t.Fatal("mismatch must not revoke the stored credential")
	}
	if _, err := RunRotate(ctx, res.Tokens.RefreshToken, refresh.DeviceMeta{}, env.deps); err != nil {
		t.Fatalf("genuine token should still rotate: %v", err)
	}
}

func TestRotateFailures(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	acct := env.seedAccount(t, "a@x.com", account.RoleUser, true)

	if _, err := RunRotate(ctx, "not-a-token", refresh.DeviceMeta{}, env.deps); !errors.Is(err, failure.ErrInvalidToken) {
		t.Fatalf("expected invalid token, got %v", err)
	}

	unknown, _, _ := env.deps.Codec.CreateRefresh(jwt.RefreshInput{TokenID: uuid.NewString(), AccountID: acct.ID})
	if _, err := RunRotate(ctx, unknown, refresh.DeviceMeta{}, env.deps); !errors.Is(err, failure.ErrRefreshNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	res := env.login(t, "a@x.com", refresh.DeviceMeta{})
	if err := env.accounts.SetActive(ctx, acct.ID, false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if _, err := RunRotate(ctx, res.Tokens.RefreshToken, refresh.DeviceMeta{}, env.deps); !errors.Is(err, failure.ErrAccountUnavailable) {
		t.Fatalf("expected account unavailable, got %v", err)
	}
}

func TestRotateStaleGeneration(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	acct := env.seedAccount(t, "a@x.com", account.RoleUser, true)
	res := env.login(t, "a@x.com", refresh.DeviceMeta{})

	if _, err := env.accounts.IncrementGeneration(ctx, acct.ID); err != nil {
		t.Fatalf("bump: %v", err)
	}
	if _, err := RunRotate(ctx, res.Tokens.RefreshToken, refresh.DeviceMeta{}, env.deps); !errors.Is(err, failure.ErrStaleSession) {
		t.Fatalf("expected stale session, got %v", err)
	}
	cred, _ := env.refresh.Lookup(ctx, res.Tokens.TokenID)
	if !cred.Revoked {
		t.Fatal("stale credential must be revoked")
	}
}

func TestRotateExpiredToken(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccount(t, "a@x.com", account.RoleUser, true)
	res := env.login(t, "a@x.com", refresh.DeviceMeta{})

	env.advance(8 * 24 * time.Hour)
	_, err := RunRotate(context.Background(), res.Tokens.RefreshToken, refresh.DeviceMeta{}, env.deps)
	if !errors.Is(err, failure.ErrTokenExpired) {
		t.Fatalf("expected expired, got %v", err)
	}
}

func TestConcurrentRotationSingleWinner(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccount(t, "a@x.com", account.RoleUser, true)
	res := env.login(t, "a@x.com", refresh.DeviceMeta{})

	const workers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		reuse     int
	)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := RunRotate(context.Background(), res.Tokens.RefreshToken, refresh.DeviceMeta{}, env.deps)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, failure.ErrRefreshReuse):
				reuse++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if successes != 1 {
		t.Fatalf("expected exactly one winner, got %d", successes)
	}
	if reuse != workers-1 {
		t.Fatalf("expected %d reuse detections, got %d", workers-1, reuse)
	}
}

func TestLogoutAllInvalidatesEverything(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	acct := env.seedAccount(t, "a@x.com", account.RoleUser, true)

	d1 := env.login(t, "a@x.com", refresh.DeviceMeta{Label: "laptop"})
	env.advance(time.Second)
	d2 := env.login(t, "a@x.com", refresh.DeviceMeta{Label: "phone"})

	for _, tok := range []string{d1.Tokens.AccessToken, d2.Tokens.AccessToken} {
		if _, err := RunValidateAccess(ctx, tok, env.deps); err != nil {
			t.Fatalf("access should be valid before logout-all: %v", err)
		}
	}

	n, err := RunLogoutAll(ctx, acct.ID, env.deps)
	if err != nil {
		t.Fatalf("logout all: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 revoked credentials, got %d", n)
	}
	after, _ := env.accounts.ByID(ctx, acct.ID)
	if after.Generation != acct.Generation+1 {
		t.Fatalf("generation should advance by one, got %d", after.Generation)
	}
	for _, tok := range []string{d1.Tokens.AccessToken, d2.Tokens.AccessToken} {
		if _, err := RunValidateAccess(ctx, tok, env.deps); !errors.Is(err, failure.ErrStaleSession) {
			t.Fatalf("expected stale session, got %v", err)
		}
	}
	sessions, err := RunListSessions(ctx, acct.ID, env.deps)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(sessions) != 0 {
		t.Fatalf("expected no active sessions, got %d", len(sessions))
	}
}

func TestListSessionsAndLogout(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	acct := env.seedAccount(t, "a@x.com", account.RoleUser, true)

	d1 := env.login(t, "a@x.com", refresh.DeviceMeta{Label: "laptop", IP: "10.0.0.1"})
	env.advance(time.Second)
	env.login(t, "a@x.com", refresh.DeviceMeta{Label: "phone"})

	sessions, err := RunListSessions(ctx, acct.ID, env.deps)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(sessions) != 2 || sessions[0].Device.Label != "phone" || sessions[1].Device.Label != "laptop" {
		t.Fatalf("unexpected sessions %+v", sessions)
	}

	if err := RunLogout(ctx, d1.Tokens.RefreshToken, env.deps); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if err := RunLogout(ctx, d1.Tokens.RefreshToken, env.deps); err != nil {
		t.Fatalf("logout must be idempotent: %v", err)
	}
	if err := RunLogout(ctx, "garbage", env.deps); err != nil {
		t.Fatalf("undecodable tokens are ignored: %v", err)
	}
	sessions, _ = RunListSessions(ctx, acct.ID, env.deps)
	if len(sessions) != 1 || sessions[0].Device.Label != "phone" {
		t.Fatalf("unexpected sessions after logout %+v", sessions)
	}
}

func TestValidateAccess(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	acct := env.seedAccount(t, "a@x.com", account.RoleAdmin, true)
	res := env.login(t, "a@x.com", refresh.DeviceMeta{})

	p, err := RunValidateAccess(ctx, res.Tokens.AccessToken, env.deps)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if p.AccountID != acct.ID || p.Role != account.RoleAdmin {
		t.Fatalf("unexpected principal %+v", p)
	}
	if _, err := RunValidateAccess(ctx, res.Tokens.RefreshToken, env.deps); !errors.Is(err, failure.ErrInvalidToken) {
		t.Fatalf("refresh token must not pass as access, got %v", err)
	}

	env.advance(16 * time.Minute)
	if _, err := RunValidateAccess(ctx, res.Tokens.AccessToken, env.deps); !errors.Is(err, failure.ErrTokenExpired) {
		t.Fatalf("expected expired, got %v", err)
	}
}
