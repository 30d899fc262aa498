package authcore

import "github.com/MrEthical07/authcore/internal/failure"

// ErrorKind classifies an engine error for transport mapping.
type ErrorKind = failure.Kind

const (
	KindUnknown      = failure.KindUnknown
	KindValidation   = failure.KindValidation
	KindNotFound     = failure.KindNotFound
	KindConflict     = failure.KindConflict
	KindUnauthorized = failure.KindUnauthorized
	KindRateLimited  = failure.KindRateLimited
	KindUnavailable  = failure.KindUnavailable
)

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) ErrorKind {
	return failure.KindOf(err)
}

type (
	// IncorrectCodeError reports a wrong code and the attempts left.
	IncorrectCodeError = failure.IncorrectCodeError
	// CooldownError reports how long to wait before another code.
	CooldownError = failure.CooldownError
	// ValidationError names the first input field that failed.
	ValidationError = failure.ValidationError
)

var (
	ErrValidation = failure.ErrValidation

	ErrAccountNotFound            = failure.ErrAccountNotFound
	ErrInvalidOrExpiredResetToken = failure.ErrInvalidOrExpiredResetToken
	ErrOTPNotFoundOrExpired       = failure.ErrOTPNotFoundOrExpired
	ErrRefreshNotFound            = failure.ErrRefreshNotFound

	ErrAlreadyRegistered   = failure.ErrAlreadyRegistered
	ErrPendingVerification = failure.ErrPendingVerification
	ErrAlreadyFavorited    = failure.ErrAlreadyFavorited
	ErrIdentityLinked      = failure.ErrIdentityLinked

	ErrInvalidCredentials = failure.ErrInvalidCredentials
	ErrTokenExpired       = failure.ErrTokenExpired
	ErrInvalidToken       = failure.ErrInvalidToken
	ErrStaleSession       = failure.ErrStaleSession
	ErrRefreshReuse       = failure.ErrRefreshReuse
	ErrRefreshMismatch    = failure.ErrRefreshMismatch
	ErrAccountUnavailable = failure.ErrAccountUnavailable
	ErrAccountDisabled    = failure.ErrAccountDisabled
	ErrAccountUnverified  = failure.ErrAccountUnverified
	ErrIdentityRejected   = failure.ErrIdentityRejected

	ErrOTPIncorrect        = failure.ErrOTPIncorrect
	ErrOTPAttemptsExceeded = failure.ErrOTPAttemptsExceeded
	ErrOTPCooldown         = failure.ErrOTPCooldown
	ErrLoginRateLimited    = failure.ErrLoginRateLimited

	ErrUnavailable    = failure.ErrUnavailable
	ErrEngineNotReady = failure.ErrEngineNotReady
)
