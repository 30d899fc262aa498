package flows

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/MrEthical07/authcore/account"
	"github.com/MrEthical07/authcore/internal/audit"
	"github.com/MrEthical07/authcore/internal/failure"
	"github.com/MrEthical07/authcore/notify"
	"github.com/MrEthical07/authcore/otp"
)

// HashResetToken is the digest stored for a reset token.
func HashResetToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// RunRequestPasswordReset starts a reset for email. It returns nil whether
// or not the email belongs to an account; only backend lookup failures
// surface.
func RunRequestPasswordReset(ctx context.Context, email string, deps Deps) error {
	if err := validateEmail(email); err != nil {
		return err
	}
	deps.inc(deps.Metrics.ResetRequested)

	acct, err := deps.Accounts.ByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, failure.ErrAccountNotFound) {
			return nil
		}
		return err
	}
	if !acct.Active || !acct.HasPassword() {
		return nil
	}

	switch deps.Policy.ResetStrategy {
	case ResetOTP:
		if err := checkCooldown(ctx, acct.ID, otp.PurposeForgotPassword, deps); err != nil {
			deps.log().Debug("reset code still cooling down", zap.String("account_id", acct.ID))
			return nil
		}
		if _, err := RunSendOTP(ctx, acct, otp.PurposeForgotPassword, deps); err != nil {
			deps.log().Warn("reset code dispatch failed", zap.String("account_id", acct.ID), zap.Error(err))
		}
	default:
		sendResetLink(ctx, acct, deps)
	}
	deps.emit(ctx, audit.Event{Type: audit.EventResetRequested, AccountID: acct.ID, Success: true})
	return nil
}

func sendResetLink(ctx context.Context, acct *account.Account, deps Deps) {
	token := deps.NewResetToken()
	now := deps.Now()
	err := deps.Accounts.SetResetToken(ctx, acct.ID, account.ResetToken{
		Hash:      HashResetToken(token),
		IssuedAt:  now,
		ExpiresAt: now.Add(deps.Policy.ResetTTL),
	})
	if err != nil {
		deps.log().Warn("reset token store failed", zap.String("account_id", acct.ID), zap.Error(err))
		return
	}
	notifyBestEffort(ctx, notify.Job{
		Type: notify.JobResetLink,
		To:   acct.Email,
		Payload: map[string]string{
			notify.KeyName:      acct.DisplayName,
			notify.KeyLink:      resetLink(deps.Policy.ResetLinkBase, token),
			notify.KeyExpiresIn: deps.Policy.ResetTTL.String(),
		},
	}, deps)
}

func resetLink(base, token string) string {
	u, err := url.Parse(base)
	if err != nil || base == "" {
		return token
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String()
}

// RunResetPassword completes a link reset. The password is replaced only
// while the token is still current, and the same update clears it, so
// concurrent redemptions of one token have a single winner.
func RunResetPassword(ctx context.Context, in ResetInput, deps Deps) error {
	if err := validateInput(in); err != nil {
		return err
	}
	digest := HashResetToken(in.Token)
	acct, err := deps.Accounts.ByResetToken(ctx, digest, deps.Now())
	if err != nil {
		if errors.Is(err, failure.ErrAccountNotFound) {
			return failure.ErrInvalidOrExpiredResetToken
		}
		return err
	}
	consume := func(encoded string, now time.Time) (uint64, error) {
		gen, err := deps.Accounts.ConsumeResetToken(ctx, acct.ID, digest, encoded, now)
		if errors.Is(err, failure.ErrAccountNotFound) {
			return 0, failure.ErrInvalidOrExpiredResetToken
		}
		return gen, err
	}
	return commitPassword(ctx, acct, in.NewPassword, "newPassword", audit.EventPasswordReset, consume, deps)
}

// RunResetPasswordWithOTP completes a code reset.
func RunResetPasswordWithOTP(ctx context.Context, in ResetWithCodeInput, deps Deps) error {
	if err := validateInput(in); err != nil {
		return err
	}
	rec, err := RunVerifyOTP(ctx, in.Email, in.Code, otp.PurposeForgotPassword, deps)
	if err != nil {
		return err
	}
	acct, err := deps.Accounts.ByID(ctx, rec.AccountID)
	if err != nil {
		return err
	}
	return replacePassword(ctx, acct, in.NewPassword, "newPassword", audit.EventPasswordReset, deps)
}

// RunChangePassword replaces the password of a signed-in account after
// checking the current one.
func RunChangePassword(ctx context.Context, accountID string, in ChangePasswordInput, deps Deps) error {
	if err := validateInput(in); err != nil {
		return err
	}
	acct, err := deps.Accounts.ByID(ctx, accountID)
	if err != nil {
		return err
	}
	if !acct.HasPassword() {
		deps.Credentials.CompareDummy(in.Current)
		return failure.ErrInvalidCredentials
	}
	ok, err := deps.Credentials.Compare(in.Current, acct.PasswordHash)
	if err != nil || !ok {
		return failure.ErrInvalidCredentials
	}
	return replacePassword(ctx, acct, in.Next, "newPassword", audit.EventPasswordChanged, deps)
}

// replacePassword stores the new verifier unconditionally.
func replacePassword(ctx context.Context, acct *account.Account, plain, field, event string, deps Deps) error {
	update := func(encoded string, now time.Time) (uint64, error) {
		return deps.Accounts.UpdatePassword(ctx, acct.ID, encoded, now)
	}
	return commitPassword(ctx, acct, plain, field, event, update, deps)
}

// commitPassword hashes plain, stores it through store (which bumps the
// generation), revokes every refresh credential and notifies the owner.
func commitPassword(ctx context.Context, acct *account.Account, plain, field, event string,
	store func(encoded string, now time.Time) (uint64, error), deps Deps) error {
	encoded, err := hashPassword(plain, field, deps)
	if err != nil {
		return err
	}
	now := deps.Now()
	gen, err := store(encoded, now)
	if err != nil {
		return err
	}
	acct.PasswordHash, acct.Generation = encoded, gen
	acct.ResetTokenHash = ""

	revoked, err := deps.Refresh.RevokeAll(ctx, acct.ID, now)
	if err != nil {
		return err
	}

	if event == audit.EventPasswordChanged {
		deps.inc(deps.Metrics.PasswordChanged)
	} else {
		deps.inc(deps.Metrics.PasswordReset)
	}
	deps.emit(ctx, audit.Event{
		Type:      event,
		AccountID: acct.ID,
		Success:   true,
		Metadata:  map[string]string{"revoked_sessions": fmt.Sprint(revoked)},
	})
	notifyBestEffort(ctx, notify.Job{
		Type:    notify.JobPasswordChanged,
		To:      acct.Email,
		Payload: map[string]string{notify.KeyName: acct.DisplayName},
	}, deps)
	return nil
}
