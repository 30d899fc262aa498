package flows

import (
	"context"

	"github.com/MrEthical07/authcore/account"
	"github.com/MrEthical07/authcore/otp"
	"github.com/MrEthical07/authcore/refresh"
)

// Service is the flow runner built once by the root engine.
type Service struct {
	deps Deps
}

// New returns a service over immutable deps.
func New(deps Deps) Service {
	return Service{deps: deps}
}

// Initialized reports whether the service has been wired.
func (s Service) Initialized() bool {
	return s.deps.Codec != nil && s.deps.Refresh != nil && s.deps.Accounts != nil && s.deps.Now != nil
}

func (s Service) IssuePair(ctx context.Context, acct *account.Account, device refresh.DeviceMeta) (TokenPair, error) {
	return RunIssuePair(ctx, acct, device, s.deps)
}

func (s Service) Rotate(ctx context.Context, raw string, device refresh.DeviceMeta) (*RotateResult, error) {
	return RunRotate(ctx, raw, device, s.deps)
}

func (s Service) Logout(ctx context.Context, raw string) error {
	return RunLogout(ctx, raw, s.deps)
}

func (s Service) LogoutAll(ctx context.Context, accountID string) (int, error) {
	return RunLogoutAll(ctx, accountID, s.deps)
}

func (s Service) ListSessions(ctx context.Context, accountID string) ([]Session, error) {
	return RunListSessions(ctx, accountID, s.deps)
}

func (s Service) ValidateAccess(ctx context.Context, raw string) (*Principal, error) {
	return RunValidateAccess(ctx, raw, s.deps)
}

func (s Service) Register(ctx context.Context, in RegisterInput) (*account.Account, error) {
	return RunRegister(ctx, in, s.deps)
}

func (s Service) VerifyEmail(ctx context.Context, in VerifyEmailInput, device refresh.DeviceMeta) (*AuthResult, error) {
	return RunVerifyEmail(ctx, in, device, s.deps)
}

func (s Service) ResendOTP(ctx context.Context, email string, purpose otp.Purpose) error {
	return RunResendOTP(ctx, email, purpose, s.deps)
}

func (s Service) Login(ctx context.Context, in LoginInput, device refresh.DeviceMeta) (*AuthResult, error) {
	return RunLogin(ctx, in, device, s.deps)
}

func (s Service) AdminLogin(ctx context.Context, in LoginInput, device refresh.DeviceMeta) (*AuthResult, error) {
	return RunAdminLogin(ctx, in, device, s.deps)
}

func (s Service) IdentityLogin(ctx context.Context, raw string, device refresh.DeviceMeta) (*AuthResult, error) {
	return RunIdentityLogin(ctx, raw, device, s.deps)
}

func (s Service) RequestPasswordReset(ctx context.Context, email string) error {
	return RunRequestPasswordReset(ctx, email, s.deps)
}

func (s Service) ResetPassword(ctx context.Context, in ResetInput) error {
	return RunResetPassword(ctx, in, s.deps)
}

func (s Service) ResetPasswordWithOTP(ctx context.Context, in ResetWithCodeInput) error {
	return RunResetPasswordWithOTP(ctx, in, s.deps)
}

func (s Service) ChangePassword(ctx context.Context, accountID string, in ChangePasswordInput) error {
	return RunChangePassword(ctx, accountID, in, s.deps)
}

func (s Service) AddFavorite(ctx context.Context, accountID, productID string) error {
	return RunAddFavorite(ctx, accountID, productID, s.deps)
}

func (s Service) RemoveFavorite(ctx context.Context, accountID, productID string) error {
	return RunRemoveFavorite(ctx, accountID, productID, s.deps)
}
