package flows

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/MrEthical07/authcore/account"
	"github.com/MrEthical07/authcore/internal/audit"
	"github.com/MrEthical07/authcore/internal/failure"
	"github.com/MrEthical07/authcore/jwt"
	"github.com/MrEthical07/authcore/refresh"
)

// TokenPair is an issued access + refresh pair with their lifetimes.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	TokenID          string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
	AccessTTL        time.Duration
	RefreshTTL       time.Duration
}

// Session is the token-free view of one active refresh credential.
type Session struct {
	TokenID   string
	Device    refresh.DeviceMeta
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Principal is what a valid access token proves.
type Principal struct {
	AccountID  string
	Email      string
	Role       account.Role
	Generation uint64
	ExpiresAt  time.Time
}

// RunIssuePair signs an access and a refresh token for acct and persists the
// refresh credential before returning either of them.
func RunIssuePair(ctx context.Context, acct *account.Account, device refresh.DeviceMeta, deps Deps) (TokenPair, error) {
	now := deps.Now()
	tokenID := deps.NewID()

	access, accessExp, err := deps.Codec.CreateAccess(jwt.AccessInput{
		AccountID:  acct.ID,
		Email:      acct.Email,
		Role:       string(acct.Role),
		Generation: acct.Generation,
	})
	if err != nil {
		return TokenPair{}, fmt.Errorf("sign access token: %w", err)
	}
	raw, refreshExp, err := deps.Codec.CreateRefresh(jwt.RefreshInput{
		TokenID:    tokenID,
		AccountID:  acct.ID,
		Generation: acct.Generation,
	})
	if err != nil {
		return TokenPair{}, fmt.Errorf("sign refresh token: %w", err)
	}

	cred := &refresh.Credential{
		TokenID:    tokenID,
		AccountID:  acct.ID,
		Hash:       refresh.Hash(raw),
		Generation: acct.Generation,
		Device:     device,
		CreatedAt:  now,
		ExpiresAt:  refreshExp,
	}
	if err := deps.Refresh.Save(ctx, cred, refreshExp.Sub(now)); err != nil {
		return TokenPair{}, err
	}
	deps.inc(deps.Metrics.PairIssued)

	return TokenPair{
		AccessToken:      access,
		RefreshToken:     raw,
		TokenID:          tokenID,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
		AccessTTL:        deps.Codec.AccessTTL(),
		RefreshTTL:       deps.Codec.RefreshTTL(),
	}, nil
}

// RotateResult is a successful rotation.
type RotateResult struct {
	Account *account.Account
	Tokens  TokenPair
}

// RunRotate exchanges a refresh token for a new pair. The presented token is
// single-use: presenting it again after a rotation revokes every session of
// the account.
func RunRotate(ctx context.Context, raw string, device refresh.DeviceMeta, deps Deps) (*RotateResult, error) {
	claims, err := deps.Codec.ParseRefresh(raw)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, failure.ErrTokenExpired
		}
		return nil, failure.ErrInvalidToken
	}
	tokenID := claims.TokenID()

	cred, err := deps.Refresh.Lookup(ctx, tokenID)
	if err != nil {
		if errors.Is(err, failure.ErrRefreshNotFound) {
			deps.inc(deps.Metrics.RefreshNotFound)
		}
		return nil, err
	}

	now := deps.Now()
	if cred.Revoked {
		return nil, reuseDetected(ctx, cred.AccountID, tokenID, "revoked_token_presented", deps)
	}
	if cred.Expired(now) {
		deps.inc(deps.Metrics.RefreshNotFound)
		return nil, failure.ErrRefreshNotFound
	}
	if cred.AccountID != claims.AccountID ||
		subtle.ConstantTimeCompare([]byte(refresh.Hash(raw)), []byte(cred.Hash)) != 1 {
		deps.inc(deps.Metrics.RefreshMismatch)
		deps.emit(ctx, audit.Event{Type: audit.EventRefresh, AccountID: cred.AccountID, TokenID: tokenID, Error: failure.ErrRefreshMismatch.Error()})
		return nil, failure.ErrRefreshMismatch
	}

	acct, err := deps.Accounts.ByID(ctx, cred.AccountID)
	if err != nil {
		if errors.Is(err, failure.ErrAccountNotFound) {
			return nil, failure.ErrAccountUnavailable
		}
		return nil, err
	}
	if !acct.Active {
		return nil, failure.ErrAccountUnavailable
	}

	if claims.Generation != acct.Generation || cred.Generation != acct.Generation {
		if _, err := deps.Refresh.Revoke(ctx, tokenID, now); err != nil {
			return nil, err
		}
		deps.inc(deps.Metrics.StaleSession)
		deps.emit(ctx, audit.Event{Type: audit.EventStaleSession, AccountID: acct.ID, TokenID: tokenID, Error: failure.ErrStaleSession.Error()})
		return nil, failure.ErrStaleSession
	}

	won, err := deps.Refresh.Revoke(ctx, tokenID, now)
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, reuseDetected(ctx, acct.ID, tokenID, "concurrent_rotation", deps)
	}

	if device == (refresh.DeviceMeta{}) {
		device = cred.Device
	}
	pair, err := RunIssuePair(ctx, acct, device, deps)
	if err != nil {
		return nil, err
	}
	deps.inc(deps.Metrics.RefreshRotated)
	deps.emit(ctx, audit.Event{
		Type:      audit.EventRefresh,
		AccountID: acct.ID,
		TokenID:   pair.TokenID,
		IP:        device.IP,
		Success:   true,
		Metadata:  map[string]string{"rotated_from": tokenID},
	})
	return &RotateResult{Account: acct, Tokens: pair}, nil
}

func reuseDetected(ctx context.Context, accountID, tokenID, reason string, deps Deps) error {
	revoked, err := deps.Refresh.RevokeAll(ctx, accountID, deps.Now())
	deps.inc(deps.Metrics.RefreshReuse)
	deps.log().Warn("refresh token reuse detected",
		zap.String("account_id", accountID),
		zap.String("token_id", tokenID),
		zap.String("reason", reason),
		zap.Int("revoked", revoked),
		zap.Error(err),
	)
	deps.emit(ctx, audit.Event{
		Type:      audit.EventRefreshReuse,
		AccountID: accountID,
		TokenID:   tokenID,
		Error:     failure.ErrRefreshReuse.Error(),
		Metadata:  map[string]string{"reason": reason},
	})
	if err != nil {
		return err
	}
	return failure.ErrRefreshReuse
}

// RunLogout revokes the credential behind raw. Tokens that do not decode
// carry nothing to revoke and are ignored.
func RunLogout(ctx context.Context, raw string, deps Deps) error {
	claims, err := deps.Codec.ParseRefresh(raw)
	if err != nil {
		return nil
	}
	revoked, err := deps.Refresh.Revoke(ctx, claims.TokenID(), deps.Now())
	if err != nil {
		return err
	}
	deps.inc(deps.Metrics.Logout)
	deps.emit(ctx, audit.Event{
		Type:      audit.EventLogout,
		AccountID: claims.AccountID,
		TokenID:   claims.TokenID(),
		Success:   true,
		Metadata:  map[string]string{"revoked": fmt.Sprint(revoked)},
	})
	return nil
}

// RunLogoutAll bumps the account generation, which kills every outstanding
// access token, then revokes every refresh credential.
func RunLogoutAll(ctx context.Context, accountID string, deps Deps) (int, error) {
	gen, err := deps.Accounts.IncrementGeneration(ctx, accountID)
	if err != nil {
		return 0, err
	}
	n, err := deps.Refresh.RevokeAll(ctx, accountID, deps.Now())
	if err != nil {
		return 0, err
	}
	deps.inc(deps.Metrics.LogoutAll)
	deps.emit(ctx, audit.Event{
		Type:      audit.EventLogoutAll,
		AccountID: accountID,
		Success:   true,
		Metadata: map[string]string{
			"generation": fmt.Sprint(gen),
			"revoked":    fmt.Sprint(n),
		},
	})
	return n, nil
}

// RunListSessions returns the active sessions of accountID, newest first.
func RunListSessions(ctx context.Context, accountID string, deps Deps) ([]Session, error) {
	creds, err := deps.Refresh.ListActive(ctx, accountID, deps.Now())
	if err != nil {
		return nil, err
	}
	out := make([]Session, 0, len(creds))
	for _, c := range creds {
		out = append(out, Session{
			TokenID:   c.TokenID,
			Device:    c.Device,
			CreatedAt: c.CreatedAt,
			ExpiresAt: c.ExpiresAt,
		})
	}
	return out, nil
}

// RunValidateAccess decodes an access token and checks it against the
// account's current state. An advanced generation rejects the token
// regardless of its own expiry.
func RunValidateAccess(ctx context.Context, raw string, deps Deps) (*Principal, error) {
	claims, err := deps.Codec.ParseAccess(raw)
	if err != nil {
		deps.inc(deps.Metrics.AccessRejected)
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, failure.ErrTokenExpired
		}
		return nil, failure.ErrInvalidToken
	}

	acct, err := deps.Accounts.ByID(ctx, claims.AccountID)
	if err != nil {
		if errors.Is(err, failure.ErrAccountNotFound) {
			deps.inc(deps.Metrics.AccessRejected)
			return nil, failure.ErrAccountUnavailable
		}
		return nil, err
	}
	if !acct.Active {
		deps.inc(deps.Metrics.AccessRejected)
		return nil, failure.ErrAccountUnavailable
	}
	if claims.Generation != acct.Generation {
		deps.inc(deps.Metrics.AccessRejected)
		deps.emit(ctx, audit.Event{Type: audit.EventAccessRejected, AccountID: acct.ID, Error: failure.ErrStaleSession.Error()})
		return nil, failure.ErrStaleSession
	}

	deps.inc(deps.Metrics.AccessValid)
	var exp time.Time
	if claims.ExpiresAt != nil {
		exp = claims.ExpiresAt.Time
	}
	return &Principal{
		AccountID:  acct.ID,
		Email:      acct.Email,
		Role:       acct.Role,
		Generation: acct.Generation,
		ExpiresAt:  exp,
	}, nil
}
