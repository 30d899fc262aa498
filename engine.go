package authcore

import (
	"context"
	"time"

	"go.uber.org/zap"

	internalaudit "github.com/MrEthical07/authcore/internal/audit"
	"github.com/MrEthical07/authcore/internal/flows"
)

// Engine runs the account and token lifecycle. It is built by Builder and is
// safe for concurrent use.
type Engine struct {
	config  Config
	flow    flows.Service
	audit   *internalaudit.Dispatcher
	metrics *Metrics
	logger  *zap.Logger
}

// Close flushes pending audit events and stops the dispatcher.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	if e.audit != nil {
		e.audit.Close()
		if dropped := e.audit.Dropped(); dropped > 0 {
			e.logger.Warn("audit events dropped", zap.Uint64("dropped", dropped))
		}
	}
}

// AuditDropped reports how many audit events were discarded under
// backpressure.
func (e *Engine) AuditDropped() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Dropped()
}

// MetricsSnapshot copies the engine counters.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return e.metrics.Snapshot()
}

func (e *Engine) metricInc(id int) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(MetricID(id))
}

func (e *Engine) ready() error {
	if e == nil || !e.flow.Initialized() {
		return ErrEngineNotReady
	}
	return nil
}

/*
====================================
REGISTRATION
====================================
*/

// Register creates an unverified account and mails an email_verification
// code. A second registration of an unverified email re-sends the code
// (subject to the resend cooldown) and fails with ErrPendingVerification.
func (e *Engine) Register(ctx context.Context, in RegisterInput) (*Account, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	return e.flow.Register(ctx, in)
}

// VerifyEmail consumes an email_verification code, marks the account
// verified and signs it in.
func (e *Engine) VerifyEmail(ctx context.Context, in VerifyEmailInput, device DeviceMeta) (*AuthResult, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	return e.flow.VerifyEmail(ctx, in, deviceFromContext(ctx, device))
}

// ResendOTP issues a fresh code for purpose, superseding the pending one.
// It fails with *CooldownError inside the resend cooldown.
func (e *Engine) ResendOTP(ctx context.Context, email string, purpose Purpose) error {
	if err := e.ready(); err != nil {
		return err
	}
	return e.flow.ResendOTP(ctx, email, purpose)
}

/*
====================================
SIGN-IN
====================================
*/

// Login verifies an email and password and issues a token pair.
func (e *Engine) Login(ctx context.Context, in LoginInput, device DeviceMeta) (*AuthResult, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	return e.flow.Login(ctx, in, deviceFromContext(ctx, device))
}

// AdminLogin is Login restricted to admin accounts. Every rejection is
// ErrInvalidCredentials.
func (e *Engine) AdminLogin(ctx context.Context, in LoginInput, device DeviceMeta) (*AuthResult, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	return e.flow.AdminLogin(ctx, in, deviceFromContext(ctx, device))
}

// LoginWithIdentity signs in with an external identity token, creating or
// linking the account as needed.
func (e *Engine) LoginWithIdentity(ctx context.Context, token string, device DeviceMeta) (*AuthResult, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	return e.flow.IdentityLogin(ctx, token, deviceFromContext(ctx, device))
}

/*
====================================
TOKENS
====================================
*/

// Refresh rotates a refresh token. The presented token is single-use;
// presenting it again revokes every session of the account.
func (e *Engine) Refresh(ctx context.Context, refreshToken string, device DeviceMeta) (*AuthResult, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	res, err := e.flow.Rotate(ctx, refreshToken, deviceFromContext(ctx, device))
	if err != nil {
		return nil, err
	}
	return &AuthResult{Account: res.Account, Tokens: res.Tokens}, nil
}

// Logout revokes the presented refresh token. Unknown or already revoked
// tokens are not an error.
func (e *Engine) Logout(ctx context.Context, refreshToken string) error {
	if err := e.ready(); err != nil {
		return err
	}
	return e.flow.Logout(ctx, refreshToken)
}

// LogoutAll bumps the account generation and revokes every refresh
// credential. Outstanding access tokens stop validating immediately.
func (e *Engine) LogoutAll(ctx context.Context, accountID string) (int, error) {
	if err := e.ready(); err != nil {
		return 0, err
	}
	return e.flow.LogoutAll(ctx, accountID)
}

// ListSessions returns the active sessions of an account, newest first.
func (e *Engine) ListSessions(ctx context.Context, accountID string) ([]Session, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	return e.flow.ListSessions(ctx, accountID)
}

// ValidateAccess checks an access token and the account's current
// generation.
func (e *Engine) ValidateAccess(ctx context.Context, accessToken string) (*Principal, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if e.metrics.LatencyEnabled() {
		start := time.Now()
		defer func() { e.metrics.Observe(MetricValidateLatency, time.Since(start)) }()
	}
	return e.flow.ValidateAccess(ctx, accessToken)
}

/*
====================================
PASSWORDS
====================================
*/

// RequestPasswordReset starts recovery for email. It returns nil whether or
// not the email is registered.
func (e *Engine) RequestPasswordReset(ctx context.Context, email string) error {
	if err := e.ready(); err != nil {
		return err
	}
	return e.flow.RequestPasswordReset(ctx, email)
}

// ResetPassword consumes a reset link token and sets a new password. Every
// session of the account is revoked.
func (e *Engine) ResetPassword(ctx context.Context, in ResetInput) error {
	if err := e.ready(); err != nil {
		return err
	}
	return e.flow.ResetPassword(ctx, in)
}

// ResetPasswordWithOTP consumes a forgot_password code and sets a new
// password. Every session of the account is revoked.
func (e *Engine) ResetPasswordWithOTP(ctx context.Context, in ResetWithCodeInput) error {
	if err := e.ready(); err != nil {
		return err
	}
	return e.flow.ResetPasswordWithOTP(ctx, in)
}

// ChangePassword replaces the password of a signed-in account after
// checking the current one.
func (e *Engine) ChangePassword(ctx context.Context, accountID string, in ChangePasswordInput) error {
	if err := e.ready(); err != nil {
		return err
	}
	return e.flow.ChangePassword(ctx, accountID, in)
}

/*
====================================
FAVORITES
====================================
*/

// AddFavorite records productID on the account. Duplicates fail with
// ErrAlreadyFavorited.
func (e *Engine) AddFavorite(ctx context.Context, accountID, productID string) error {
	if err := e.ready(); err != nil {
		return err
	}
	return e.flow.AddFavorite(ctx, accountID, productID)
}

// RemoveFavorite drops productID from the account.
func (e *Engine) RemoveFavorite(ctx context.Context, accountID, productID string) error {
	if err := e.ready(); err != nil {
		return err
	}
	return e.flow.RemoveFavorite(ctx, accountID, productID)
}
