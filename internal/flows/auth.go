package flows

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/MrEthical07/authcore/account"
	"github.com/MrEthical07/authcore/identity"
	"github.com/MrEthical07/authcore/internal/audit"
	"github.com/MrEthical07/authcore/internal/failure"
	"github.com/MrEthical07/authcore/notify"
	"github.com/MrEthical07/authcore/otp"
	"github.com/MrEthical07/authcore/password"
	"github.com/MrEthical07/authcore/refresh"
)

// AuthResult is a signed-in account with its new token pair.
type AuthResult struct {
	Account *account.Account
	Tokens  TokenPair
	// Created is set when an external-identity login created the account.
	Created bool
}

func hashPassword(plain, field string, deps Deps) (string, error) {
	encoded, err := deps.Credentials.Hash(plain)
	if err != nil {
		if errors.Is(err, password.ErrTooShort) {
			return "", &failure.ValidationError{Field: field, Rule: "min"}
		}
		return "", err
	}
	return encoded, nil
}

// RunRegister creates an unverified account and sends it a verification
// code.
//
// An email that is already registered but unverified gets a new code (unless
// the pending one is still inside its resend cooldown) and the call fails
// with failure.ErrPendingVerification.
func RunRegister(ctx context.Context, in RegisterInput, deps Deps) (*account.Account, error) {
	if err := validateInput(in); err != nil {
		return nil, err
	}

	existing, err := deps.Accounts.ByEmail(ctx, in.Email)
	switch {
	case err == nil:
		if existing.Verified {
			return nil, failure.ErrAlreadyRegistered
		}
		return nil, resendPending(ctx, existing, deps)
	case !errors.Is(err, failure.ErrAccountNotFound):
		return nil, err
	}

	encoded, err := hashPassword(in.Password, "password", deps)
	if err != nil {
		return nil, err
	}
	now := deps.Now()
	acct := &account.Account{
		ID:           deps.NewID(),
		Email:        account.NormalizeEmail(in.Email),
		DisplayName:  in.DisplayName,
		Role:         account.RoleUser,
		PasswordHash: encoded,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := deps.Accounts.Create(ctx, acct); err != nil {
		if errors.Is(err, failure.ErrEmailTaken) {
			return nil, failure.ErrAlreadyRegistered
		}
		return nil, err
	}
	deps.inc(deps.Metrics.Register)
	deps.emit(ctx, audit.Event{Type: audit.EventRegister, AccountID: acct.ID, Success: true})

	if _, err := RunSendOTP(ctx, acct, otp.PurposeEmailVerification, deps); err != nil {
		return acct, err
	}
	return acct, nil
}

func resendPending(ctx context.Context, acct *account.Account, deps Deps) error {
	err := checkCooldown(ctx, acct.ID, otp.PurposeEmailVerification, deps)
	var cooldown *failure.CooldownError
	switch {
	case errors.As(err, &cooldown):
		// the pending code is still fresh
	case err != nil:
		return err
	default:
		if _, err := RunSendOTP(ctx, acct, otp.PurposeEmailVerification, deps); err != nil {
			return err
		}
	}
	return failure.ErrPendingVerification
}

// RunVerifyEmail consumes an email verification code, marks the account
// verified and signs it in.
func RunVerifyEmail(ctx context.Context, in VerifyEmailInput, device refresh.DeviceMeta, deps Deps) (*AuthResult, error) {
	if err := validateInput(in); err != nil {
		return nil, err
	}
	rec, err := RunVerifyOTP(ctx, in.Email, in.Code, otp.PurposeEmailVerification, deps)
	if err != nil {
		return nil, err
	}

	acct, err := deps.Accounts.ByID(ctx, rec.AccountID)
	if err != nil {
		return nil, err
	}
	if !acct.Verified {
		if err := deps.Accounts.MarkVerified(ctx, acct.ID); err != nil {
			return nil, err
		}
		acct.Verified = true
		notifyBestEffort(ctx, notify.Job{
			Type:    notify.JobWelcome,
			To:      acct.Email,
			Payload: map[string]string{notify.KeyName: acct.DisplayName},
		}, deps)
	}
	deps.emit(ctx, audit.Event{Type: audit.EventEmailVerified, AccountID: acct.ID, Success: true})

	if !acct.Active {
		return nil, failure.ErrAccountDisabled
	}
	return signIn(ctx, acct, device, audit.EventLogin, deps)
}

// RunLogin signs in with email and password.
//
// Unknown emails, accounts without a password and wrong passwords share
// failure.ErrInvalidCredentials and the same hashing cost. Disabled and
// unverified states are only reported after the password matched.
func RunLogin(ctx context.Context, in LoginInput, device refresh.DeviceMeta, deps Deps) (*AuthResult, error) {
	if err := validateInput(in); err != nil {
		return nil, err
	}
	acct, err := authenticate(ctx, in, device, deps)
	if err != nil {
		return nil, err
	}
	if !acct.Active {
		return nil, loginFailed(ctx, acct.ID, device, failure.ErrAccountDisabled, deps)
	}
	if !acct.Verified {
		return nil, loginFailed(ctx, acct.ID, device, failure.ErrAccountUnverified, deps)
	}
	return signIn(ctx, acct, device, audit.EventLogin, deps)
}

// RunAdminLogin is RunLogin restricted to admins. Every rejection is
// failure.ErrInvalidCredentials.
func RunAdminLogin(ctx context.Context, in LoginInput, device refresh.DeviceMeta, deps Deps) (*AuthResult, error) {
	if err := validateInput(in); err != nil {
		return nil, failure.ErrInvalidCredentials
	}
	acct, err := authenticate(ctx, in, device, deps)
	if err != nil {
		if errors.Is(err, failure.ErrInvalidCredentials) {
			return nil, failure.ErrInvalidCredentials
		}
		return nil, err
	}
	if acct.Role != account.RoleAdmin || !acct.Active || !acct.Verified {
		return nil, loginFailed(ctx, acct.ID, device, failure.ErrInvalidCredentials, deps)
	}
	return signIn(ctx, acct, device, audit.EventAdminLogin, deps)
}

// authenticate checks the throttle and the password. The throttle counter is
// cleared only by a matching password.
func authenticate(ctx context.Context, in LoginInput, device refresh.DeviceMeta, deps Deps) (*account.Account, error) {
	if deps.Limiter != nil {
		if err := deps.Limiter.Check(ctx, in.Email); err != nil {
			if errors.Is(err, failure.ErrLoginRateLimited) {
				deps.inc(deps.Metrics.LoginRateLimited)
				deps.emit(ctx, audit.Event{Type: audit.EventLoginRateLimited, IP: device.IP, Error: err.Error()})
			}
			return nil, err
		}
	}

	acct, err := deps.Accounts.ByEmail(ctx, in.Email)
	if err != nil {
		if !errors.Is(err, failure.ErrAccountNotFound) {
			return nil, err
		}
		deps.Credentials.CompareDummy(in.Password)
		return nil, credentialsRejected(ctx, in.Email, "", device, deps)
	}
	if !acct.HasPassword() {
		deps.Credentials.CompareDummy(in.Password)
		return nil, credentialsRejected(ctx, in.Email, acct.ID, device, deps)
	}
	ok, err := deps.Credentials.Compare(in.Password, acct.PasswordHash)
	if err != nil {
		deps.log().Error("stored password hash unreadable", zap.String("account_id", acct.ID), zap.Error(err))
		return nil, credentialsRejected(ctx, in.Email, acct.ID, device, deps)
	}
	if !ok {
		return nil, credentialsRejected(ctx, in.Email, acct.ID, device, deps)
	}

	if deps.Limiter != nil {
		if err := deps.Limiter.Reset(ctx, in.Email); err != nil {
			deps.log().Warn("login throttle reset failed", zap.String("account_id", acct.ID), zap.Error(err))
		}
	}
	return acct, nil
}

func credentialsRejected(ctx context.Context, email, accountID string, device refresh.DeviceMeta, deps Deps) error {
	if deps.Limiter != nil {
		if err := deps.Limiter.Fail(ctx, email); err != nil {
			deps.log().Warn("login throttle update failed", zap.Error(err))
		}
	}
	return loginFailed(ctx, accountID, device, failure.ErrInvalidCredentials, deps)
}

func loginFailed(ctx context.Context, accountID string, device refresh.DeviceMeta, err error, deps Deps) error {
	deps.inc(deps.Metrics.LoginFailure)
	deps.emit(ctx, audit.Event{Type: audit.EventLogin, AccountID: accountID, IP: device.IP, Error: err.Error()})
	return err
}

// signIn records the login and issues a pair.
func signIn(ctx context.Context, acct *account.Account, device refresh.DeviceMeta, event string, deps Deps) (*AuthResult, error) {
	now := deps.Now()
	if err := deps.Accounts.TouchLastLogin(ctx, acct.ID, now); err != nil {
		deps.log().Warn("last login update failed", zap.String("account_id", acct.ID), zap.Error(err))
	} else {
		acct.LastLoginAt = now
	}

	pair, err := RunIssuePair(ctx, acct, device, deps)
	if err != nil {
		return nil, err
	}
	deps.inc(deps.Metrics.LoginSuccess)
	deps.emit(ctx, audit.Event{Type: event, AccountID: acct.ID, TokenID: pair.TokenID, IP: device.IP, Success: true})
	return &AuthResult{Account: acct, Tokens: pair}, nil
}

// RunIdentityLogin signs in with a token from an external identity provider.
// The account is found by external id, then by email (and linked), and
// otherwise created already verified.
func RunIdentityLogin(ctx context.Context, rawToken string, device refresh.DeviceMeta, deps Deps) (*AuthResult, error) {
	if deps.Identity == nil {
		return nil, failure.ErrIdentityRejected
	}
	id, err := deps.Identity.VerifyExternalToken(ctx, rawToken)
	if err != nil {
		deps.emit(ctx, audit.Event{Type: audit.EventIdentityLogin, IP: device.IP, Error: err.Error()})
		if errors.Is(err, identity.ErrRejected) {
			return nil, failure.ErrIdentityRejected
		}
		return nil, failure.Unavailable(err)
	}

	acct, created, err := findOrCreateExternal(ctx, id, deps)
	if err != nil {
		return nil, err
	}
	if !acct.Active {
		return nil, failure.ErrAccountDisabled
	}
	if created {
		notifyBestEffort(ctx, notify.Job{
			Type:    notify.JobWelcome,
			To:      acct.Email,
			Payload: map[string]string{notify.KeyName: acct.DisplayName},
		}, deps)
	}

	res, err := signIn(ctx, acct, device, audit.EventIdentityLogin, deps)
	if err != nil {
		return nil, err
	}
	deps.inc(deps.Metrics.IdentityLogin)
	res.Created = created
	return res, nil
}

func findOrCreateExternal(ctx context.Context, id identity.Identity, deps Deps) (*account.Account, bool, error) {
	acct, err := deps.Accounts.ByExternalID(ctx, id.Subject)
	if err == nil {
		return acct, false, nil
	}
	if !errors.Is(err, failure.ErrAccountNotFound) {
		return nil, false, err
	}

	acct, err = deps.Accounts.ByEmail(ctx, id.Email)
	switch {
	case err == nil:
		if acct.ExternalID != "" && acct.ExternalID != id.Subject {
			return nil, false, failure.ErrIdentityLinked
		}
		if err := deps.Accounts.LinkExternalID(ctx, acct.ID, id.Subject, id.PictureURL); err != nil {
			return nil, false, err
		}
		acct.ExternalID, acct.PictureURL = id.Subject, id.PictureURL
		if !acct.Verified {
			if err := deps.Accounts.MarkVerified(ctx, acct.ID); err != nil {
				return nil, false, err
			}
			acct.Verified = true
		}
		return acct, false, nil
	case !errors.Is(err, failure.ErrAccountNotFound):
		return nil, false, err
	}

	now := deps.Now()
	acct = &account.Account{
		ID:          deps.NewID(),
		Email:       account.NormalizeEmail(id.Email),
		DisplayName: id.DisplayName,
		Role:        account.RoleUser,
		ExternalID:  id.Subject,
		PictureURL:  id.PictureURL,
		Verified:    true,
		Active:      true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := deps.Accounts.Create(ctx, acct); err != nil {
		return nil, false, err
	}
	deps.emit(ctx, audit.Event{Type: audit.EventRegister, AccountID: acct.ID, Success: true, Metadata: map[string]string{"via": "identity"}})
	return acct, true, nil
}

// notifyBestEffort dispatches job and only logs a failure.
func notifyBestEffort(ctx context.Context, job notify.Job, deps Deps) {
	if deps.Notifier == nil {
		return
	}
	if err := deps.Notifier.Dispatch(ctx, job); err != nil {
		deps.inc(deps.Metrics.NotifyFailed)
		deps.log().Warn("notification dispatch failed",
			zap.String("job_type", string(job.Type)),
			zap.Error(err),
		)
	}
}
