package flows

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/MrEthical07/authcore/account"
	"github.com/MrEthical07/authcore/identity"
	"github.com/MrEthical07/authcore/internal/audit"
	"github.com/MrEthical07/authcore/jwt"
	"github.com/MrEthical07/authcore/notify"
	"github.com/MrEthical07/authcore/otp"
	"github.com/MrEthical07/authcore/refresh"
)

// Codec signs and parses access and refresh tokens.
type Codec interface {
	CreateAccess(in jwt.AccessInput) (string, time.Time, error)
	CreateRefresh(in jwt.RefreshInput) (string, time.Time, error)
	ParseAccess(tokenStr string) (*jwt.AccessClaims, error)
	ParseRefresh(tokenStr string) (*jwt.RefreshClaims, error)
	AccessTTL() time.Duration
	RefreshTTL() time.Duration
}

// RefreshStore persists refresh credentials.
type RefreshStore interface {
	Save(ctx context.Context, c *refresh.Credential, ttl time.Duration) error
	Lookup(ctx context.Context, tokenID string) (*refresh.Credential, error)
	Revoke(ctx context.Context, tokenID string, now time.Time) (bool, error)
	RevokeAll(ctx context.Context, accountID string, now time.Time) (int, error)
	ListActive(ctx context.Context, accountID string, now time.Time) ([]refresh.Credential, error)
}

// OTPStore persists one-time codes.
type OTPStore interface {
	Create(ctx context.Context, r *otp.Record, now time.Time) (int, error)
	Pending(ctx context.Context, email string, purpose otp.Purpose, now time.Time) (*otp.Record, error)
	PendingForAccount(ctx context.Context, accountID string, purpose otp.Purpose, now time.Time) (*otp.Record, error)
	IncrementAttempts(ctx context.Context, id string) (int, error)
	MarkUsed(ctx context.Context, id string) (bool, error)
}

// Credentials hashes and compares passwords.
type Credentials interface {
	Hash(plain string) (string, error)
	Compare(plain, encoded string) (bool, error)
	// CompareDummy burns the same work as Compare for unknown accounts.
	CompareDummy(plain string)
}

// LoginLimiter throttles failed logins per email.
type LoginLimiter interface {
	Check(ctx context.Context, email string) error
	Fail(ctx context.Context, email string) error
	Reset(ctx context.Context, email string) error
}

// ResetStrategy selects how forgotten passwords are recovered.
type ResetStrategy int

const (
	// ResetLink mails a single-use link carrying a high-entropy token.
	ResetLink ResetStrategy = iota
	// ResetOTP mails a forgot_password code.
	ResetOTP
)

// Policy carries the tunables flows read.
type Policy struct {
	OTPTTL            time.Duration
	OTPResendCooldown time.Duration
	OTPMaxAttempts    int
	ResetTTL          time.Duration
	ResetStrategy     ResetStrategy
	// ResetLinkBase is the page the reset token is appended to.
	ResetLinkBase string
}

// Metrics carries the metric ids flows increment. Zero ids are valid.
type Metrics struct {
	PairIssued       int
	RefreshRotated   int
	RefreshReuse     int
	RefreshMismatch  int
	RefreshNotFound  int
	StaleSession     int
	Logout           int
	LogoutAll        int
	OTPSent          int
	OTPVerified      int
	OTPIncorrect     int
	OTPExhausted     int
	OTPCooldown      int
	Register         int
	LoginSuccess     int
	LoginFailure     int
	LoginRateLimited int
	IdentityLogin    int
	ResetRequested   int
	PasswordReset    int
	PasswordChanged  int
	AccessValid      int
	AccessRejected   int
	NotifyFailed     int
}

// Deps is everything a flow may touch.
type Deps struct {
	Codec       Codec
	Refresh     RefreshStore
	OTP         OTPStore
	Accounts    account.Store
	Credentials Credentials
	Notifier    notify.Dispatcher
	Identity    identity.Verifier
	Limiter     LoginLimiter
	Logger      *zap.Logger
	Policy      Policy

	Now           func() time.Time
	NewID         func() string
	NewResetToken func() string

	MetricInc func(int)
	Emit      func(context.Context, audit.Event)
	Metrics   Metrics
}

func (d *Deps) inc(id int) {
	if d.MetricInc != nil {
		d.MetricInc(id)
	}
}

func (d *Deps) emit(ctx context.Context, ev audit.Event) {
	if d.Emit == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = d.Now()
	}
	d.Emit(ctx, ev)
}

func (d *Deps) log() *zap.Logger {
	if d.Logger == nil {
		return zap.NewNop()
	}
	return d.Logger
}
