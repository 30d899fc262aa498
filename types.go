package authcore

import (
	"io"

	"go.uber.org/zap"

	"github.com/MrEthical07/authcore/account"
	internalaudit "github.com/MrEthical07/authcore/internal/audit"
	"github.com/MrEthical07/authcore/internal/flows"
	"github.com/MrEthical07/authcore/otp"
	"github.com/MrEthical07/authcore/refresh"
)

// Account is the persisted identity returned by sign-in operations.
type Account = account.Account

// Role is the authorization role carried in access tokens.
type Role = account.Role

const (
	RoleUser  = account.RoleUser
	RoleAdmin = account.RoleAdmin
)

// DeviceMeta describes the client a refresh credential is issued to.
type DeviceMeta = refresh.DeviceMeta

// Purpose scopes a one-time code.
type Purpose = otp.Purpose

const (
	PurposeEmailVerification = otp.PurposeEmailVerification
	PurposeForgotPassword    = otp.PurposeForgotPassword
)

// TokenPair is an access token plus its paired refresh token.
type TokenPair = flows.TokenPair

// AuthResult is returned by every operation that signs an account in.
// Created is set when the call created the account.
type AuthResult = flows.AuthResult

// Session is one active refresh credential as listed to its owner.
type Session = flows.Session

// Principal is the identity behind a validated access token.
type Principal = flows.Principal

// Operation inputs. Field rules are enforced by the engine and reported as
// *ValidationError.
type (
	RegisterInput       = flows.RegisterInput
	LoginInput          = flows.LoginInput
	VerifyEmailInput    = flows.VerifyEmailInput
	ResetInput          = flows.ResetInput
	ResetWithCodeInput  = flows.ResetWithCodeInput
	ChangePasswordInput = flows.ChangePasswordInput
)

// AuditEvent is one security-relevant transition.
type AuditEvent = internalaudit.Event

// AuditSink receives audit events from the dispatcher goroutine.
type AuditSink = internalaudit.Sink

// NoOpSink discards every event.
type NoOpSink = internalaudit.NoOpSink

// ChannelSink forwards events to a buffered channel.
type ChannelSink = internalaudit.ChannelSink

// JSONWriterSink writes one JSON document per event.
type JSONWriterSink = internalaudit.JSONWriterSink

// ZapSink logs events through a zap logger.
type ZapSink = internalaudit.ZapSink

// NewChannelSink returns a ChannelSink with the given buffer.
func NewChannelSink(buffer int) *ChannelSink {
	return internalaudit.NewChannelSink(buffer)
}

// NewJSONWriterSink returns a sink writing to w.
func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return internalaudit.NewJSONWriterSink(w)
}

// NewZapSink returns a sink logging through logger.
func NewZapSink(logger *zap.Logger) *ZapSink {
	return internalaudit.NewZapSink(logger)
}

// Audit event types.
const (
	AuditRegister         = internalaudit.EventRegister
	AuditEmailVerified    = internalaudit.EventEmailVerified
	AuditOTPSent          = internalaudit.EventOTPSent
	AuditOTPFailed        = internalaudit.EventOTPFailed
	AuditLogin            = internalaudit.EventLogin
	AuditAdminLogin       = internalaudit.EventAdminLogin
	AuditIdentityLogin    = internalaudit.EventIdentityLogin
	AuditRefresh          = internalaudit.EventRefresh
	AuditRefreshReuse     = internalaudit.EventRefreshReuse
	AuditStaleSession     = internalaudit.EventStaleSession
	AuditLogout           = internalaudit.EventLogout
	AuditLogoutAll        = internalaudit.EventLogoutAll
	AuditResetRequested   = internalaudit.EventResetRequested
	AuditPasswordReset    = internalaudit.EventPasswordReset
	AuditPasswordChanged  = internalaudit.EventPasswordChanged
	AuditLoginRateLimited = internalaudit.EventLoginRateLimited
	AuditAccessRejected   = internalaudit.EventAccessRejected
)
