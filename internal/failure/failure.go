// Package failure holds the error taxonomy shared by the engine, its flows and
// its stores. Every sentinel carries a Kind so transports can map a whole
// family of failures to one status without losing the specific cause.
package failure

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Kind classifies an error for propagation decisions.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindValidation
	KindNotFound
	KindConflict
	KindUnauthorized
	KindRateLimited
	KindUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindUnauthorized:
		return "unauthorized"
	case KindRateLimited:
		return "rate_limited"
	case KindUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Error is a sentinel with a fixed kind.
type Error struct {
	kind Kind
	msg  string
}

func New(kind Kind, msg string) *Error {
	return &Error{kind: kind, msg: msg}
}

func (e *Error) Error() string { return e.msg }

// Kind reports the classification of e.
func (e *Error) Kind() Kind { return e.kind }

var (
	ErrValidation = New(KindValidation, "invalid input")

	ErrAccountNotFound            = New(KindNotFound, "account not found")
	ErrInvalidOrExpiredResetToken = New(KindNotFound, "password reset token is invalid or has expired")
	ErrOTPNotFoundOrExpired       = New(KindNotFound, "verification code not found or expired, request a new code")
	ErrRefreshNotFound            = New(KindNotFound, "refresh token not found")

	ErrAlreadyRegistered   = New(KindConflict, "email already registered")
	ErrPendingVerification = New(KindConflict, "account pending verification, a new code was sent")
	ErrAlreadyFavorited    = New(KindConflict, "product already in favorites")
	ErrEmailTaken          = New(KindConflict, "email already in use")
	ErrIdentityLinked      = New(KindConflict, "external identity already linked to another account")

	ErrInvalidCredentials = New(KindUnauthorized, "invalid email or password")
	ErrTokenExpired       = New(KindUnauthorized, "token expired")
	ErrInvalidToken       = New(KindUnauthorized, "invalid token")
	ErrStaleSession       = New(KindUnauthorized, "session is no longer valid, please sign in again")
	ErrRefreshReuse       = New(KindUnauthorized, "refresh token reuse detected, all sessions revoked")
	ErrRefreshMismatch    = New(KindUnauthorized, "refresh token does not match its record")
	ErrAccountUnavailable = New(KindUnauthorized, "account unavailable")
	ErrAccountDisabled    = New(KindUnauthorized, "account disabled")
	ErrAccountUnverified  = New(KindUnauthorized, "email address not verified")
	ErrIdentityRejected   = New(KindUnauthorized, "external identity rejected")

	ErrOTPIncorrect        = New(KindUnauthorized, "incorrect verification code")
	ErrOTPAttemptsExceeded = New(KindRateLimited, "too many attempts, request a new code")
	ErrOTPCooldown         = New(KindRateLimited, "please wait before requesting a new code")
	ErrLoginRateLimited    = New(KindRateLimited, "too many login attempts")

	ErrUnavailable    = New(KindUnavailable, "backend unavailable")
	ErrEngineNotReady = New(KindUnavailable, "engine not initialized")
)

// KindOf walks the wrap chain and returns the first classified kind.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var kinded interface{ Kind() Kind }
	if errors.As(err, &kinded) {
		return kinded.Kind()
	}
	return KindUnknown
}

// Unavailable wraps a backend error so it classifies as KindUnavailable.
func Unavailable(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// IncorrectCodeError reports a wrong OTP together with the attempts left.
type IncorrectCodeError struct {
	Remaining int
}

func (e *IncorrectCodeError) Error() string {
	return fmt.Sprintf("%s, %d attempt(s) remaining", ErrOTPIncorrect.msg, e.Remaining)
}

func (e *IncorrectCodeError) Unwrap() error { return ErrOTPIncorrect }

// CooldownError reports how long a caller must wait before a resend.
type CooldownError struct {
	Remaining time.Duration
}

// Seconds rounds the remaining wait up to whole seconds.
func (e *CooldownError) Seconds() int {
	return int(math.Ceil(e.Remaining.Seconds()))
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("%s, retry in %d second(s)", ErrOTPCooldown.msg, e.Seconds())
}

func (e *CooldownError) Unwrap() error { return ErrOTPCooldown }

// ValidationError names the first input field that failed a rule.
type ValidationError struct {
	Field string
	Rule  string
}

func (e *ValidationError) Error() string {
	if e.Rule == "" {
		return fmt.Sprintf("%s: field %q", ErrValidation.msg, e.Field)
	}
	return fmt.Sprintf("%s: field %q failed %q", ErrValidation.msg, e.Field, e.Rule)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }
