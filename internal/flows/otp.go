package flows

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrEthical07/authcore/account"
	"github.com/MrEthical07/authcore/internal/audit"
	"github.com/MrEthical07/authcore/internal/failure"
	"github.com/MrEthical07/authcore/notify"
	"github.com/MrEthical07/authcore/otp"
)

func otpJobType(purpose otp.Purpose) notify.JobType {
	if purpose == otp.PurposeForgotPassword {
		return notify.JobResetCode
	}
	return notify.JobVerificationCode
}

// RunSendOTP supersedes any pending code of (acct, purpose), persists a
// fresh one and dispatches it. The record is persisted before dispatch, so
// a dispatch failure leaves a valid code the caller can resend.
func RunSendOTP(ctx context.Context, acct *account.Account, purpose otp.Purpose, deps Deps) (*otp.Record, error) {
	code, err := otp.GenerateCode()
	if err != nil {
		return nil, err
	}
	now := deps.Now()
	rec := &otp.Record{
		ID:              deps.NewID(),
		AccountID:       acct.ID,
		Email:           acct.Email,
		Purpose:         purpose,
		CreatedAt:       now,
		ExpiresAt:       now.Add(deps.Policy.OTPTTL),
		ResendAllowedAt: now.Add(deps.Policy.OTPResendCooldown),
	}
	rec.SetCode(code)

	superseded, err := deps.OTP.Create(ctx, rec, now)
	if err != nil {
		return nil, err
	}

	job := notify.Job{
		Type: otpJobType(purpose),
		To:   acct.Email,
		Payload: map[string]string{
			notify.KeyName:      acct.DisplayName,
			notify.KeyCode:      code,
			notify.KeyExpiresIn: deps.Policy.OTPTTL.String(),
		},
	}
	if err := deps.Notifier.Dispatch(ctx, job); err != nil {
		deps.inc(deps.Metrics.NotifyFailed)
		return nil, err
	}

	deps.inc(deps.Metrics.OTPSent)
	deps.emit(ctx, audit.Event{
		Type:      audit.EventOTPSent,
		AccountID: acct.ID,
		Success:   true,
		Metadata: map[string]string{
			"purpose":    string(purpose),
			"superseded": fmt.Sprint(superseded),
		},
	})
	return rec, nil
}

// RunVerifyOTP consumes the pending code of (email, purpose). The attempt
// counter is persisted before the code is compared.
func RunVerifyOTP(ctx context.Context, email, code string, purpose otp.Purpose, deps Deps) (*otp.Record, error) {
	now := deps.Now()
	rec, err := deps.OTP.Pending(ctx, email, purpose, now)
	if err != nil {
		return nil, err
	}
	maxAttempts := deps.Policy.OTPMaxAttempts
	if rec.Attempts >= maxAttempts {
		return nil, otpFailed(ctx, rec, failure.ErrOTPAttemptsExceeded, deps)
	}

	attempts, err := deps.OTP.IncrementAttempts(ctx, rec.ID)
	if err != nil {
		return nil, err
	}
	if attempts > maxAttempts {
		return nil, otpFailed(ctx, rec, failure.ErrOTPAttemptsExceeded, deps)
	}

	if !rec.Matches(code) {
		remaining := maxAttempts - attempts
		if remaining <= 0 {
			return nil, otpFailed(ctx, rec, failure.ErrOTPAttemptsExceeded, deps)
		}
		return nil, otpFailed(ctx, rec, &failure.IncorrectCodeError{Remaining: remaining}, deps)
	}

	used, err := deps.OTP.MarkUsed(ctx, rec.ID)
	if err != nil {
		return nil, err
	}
	if !used {
		return nil, failure.ErrOTPNotFoundOrExpired
	}
	rec.Used = true
	rec.Attempts = attempts
	deps.inc(deps.Metrics.OTPVerified)
	return rec, nil
}

func otpFailed(ctx context.Context, rec *otp.Record, err error, deps Deps) error {
	if errors.Is(err, failure.ErrOTPAttemptsExceeded) {
		deps.inc(deps.Metrics.OTPExhausted)
	} else {
		deps.inc(deps.Metrics.OTPIncorrect)
	}
	deps.emit(ctx, audit.Event{
		Type:      audit.EventOTPFailed,
		AccountID: rec.AccountID,
		Error:     err.Error(),
		Metadata:  map[string]string{"purpose": string(rec.Purpose)},
	})
	return err
}

// RunResendOTP issues a new code for (email, purpose) once the cooldown of
// the pending one has elapsed.
//
// For email verification an unknown email is NotFound and a verified
// account is AlreadyRegistered. For forgot_password every outcome that would
// reveal whether the email exists returns nil.
func RunResendOTP(ctx context.Context, email string, purpose otp.Purpose, deps Deps) error {
	if !purpose.Valid() {
		return &failure.ValidationError{Field: "purpose", Rule: "oneof"}
	}
	if err := validateEmail(email); err != nil {
		return err
	}

	acct, err := deps.Accounts.ByEmail(ctx, email)
	switch {
	case errors.Is(err, failure.ErrAccountNotFound):
		if purpose == otp.PurposeForgotPassword {
			return nil
		}
		return err
	case err != nil:
		return err
	}

	switch purpose {
	case otp.PurposeEmailVerification:
		if acct.Verified {
			return failure.ErrAlreadyRegistered
		}
	case otp.PurposeForgotPassword:
		if !acct.Active || !acct.HasPassword() {
			return nil
		}
	}

	if err := checkCooldown(ctx, acct.ID, purpose, deps); err != nil {
		return err
	}
	_, err = RunSendOTP(ctx, acct, purpose, deps)
	return err
}

// checkCooldown fails with a *failure.CooldownError while the pending code
// of (accountID, purpose) blocks a resend.
func checkCooldown(ctx context.Context, accountID string, purpose otp.Purpose, deps Deps) error {
	now := deps.Now()
	pending, err := deps.OTP.PendingForAccount(ctx, accountID, purpose, now)
	if err != nil {
		if errors.Is(err, failure.ErrOTPNotFoundOrExpired) {
			return nil
		}
		return err
	}
	if wait := pending.CooldownRemaining(now); wait > 0 {
		deps.inc(deps.Metrics.OTPCooldown)
		return &failure.CooldownError{Remaining: wait}
	}
	return nil
}
