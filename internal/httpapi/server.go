// Package httpapi exposes an authcore engine as a small JSON API.
//
// Refresh tokens travel both in the response body and in an HttpOnly
// cookie; the refresh and logout endpoints accept either.
package httpapi

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/MrEthical07/authcore"
	"github.com/MrEthical07/authcore/middleware"
)

// Engine is the slice of *authcore.Engine the API drives.
type Engine interface {
	Register(ctx context.Context, in authcore.RegisterInput) (*authcore.Account, error)
	VerifyEmail(ctx context.Context, in authcore.VerifyEmailInput, device authcore.DeviceMeta) (*authcore.AuthResult, error)
	ResendOTP(ctx context.Context, email string, purpose authcore.Purpose) error
	Login(ctx context.Context, in authcore.LoginInput, device authcore.DeviceMeta) (*authcore.AuthResult, error)
	AdminLogin(ctx context.Context, in authcore.LoginInput, device authcore.DeviceMeta) (*authcore.AuthResult, error)
	LoginWithIdentity(ctx context.Context, token string, device authcore.DeviceMeta) (*authcore.AuthResult, error)
	Refresh(ctx context.Context, refreshToken string, device authcore.DeviceMeta) (*authcore.AuthResult, error)
	Logout(ctx context.Context, refreshToken string) error
	LogoutAll(ctx context.Context, accountID string) (int, error)
	ListSessions(ctx context.Context, accountID string) ([]authcore.Session, error)
	ValidateAccess(ctx context.Context, accessToken string) (*authcore.Principal, error)
	RequestPasswordReset(ctx context.Context, email string) error
	ResetPassword(ctx context.Context, in authcore.ResetInput) error
	ResetPasswordWithOTP(ctx context.Context, in authcore.ResetWithCodeInput) error
	ChangePassword(ctx context.Context, accountID string, in authcore.ChangePasswordInput) error
	AddFavorite(ctx context.Context, accountID, productID string) error
	RemoveFavorite(ctx context.Context, accountID, productID string) error
}

// Options configures New. Every field is optional.
type Options struct {
	Logger *zap.Logger
	// Metrics is mounted at GET /metrics when set.
	Metrics http.Handler
	// Health is called by GET /healthz.
	Health func(ctx context.Context) error
	// TrustProxy takes the client address from X-Forwarded-For.
	TrustProxy bool
	// SecureCookies marks the refresh cookie Secure even on plain HTTP
	// requests, for deployments behind a TLS terminating proxy.
	SecureCookies bool
}

// Server routes requests to the engine.
type Server struct {
	engine Engine
	opts   Options
	logger *zap.Logger
	mux    *http.ServeMux
}

// New returns a Server with every route registered.
func New(engine Engine, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{engine: engine, opts: opts, logger: logger, mux: http.NewServeMux()}
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	guard := middleware.Guard(s.engine)
	admin := middleware.RequireRole(s.engine, authcore.RoleAdmin)

	s.mux.HandleFunc("POST /auth/register", s.handleRegister)
	s.mux.HandleFunc("POST /auth/verify-email", s.handleVerifyEmail)
	s.mux.HandleFunc("POST /auth/resend-otp", s.handleResendOTP)
	s.mux.HandleFunc("POST /auth/login", s.handleLogin)
	s.mux.HandleFunc("POST /auth/admin/login", s.handleAdminLogin)
	s.mux.HandleFunc("POST /auth/oauth/google", s.handleIdentityLogin)
	s.mux.HandleFunc("POST /auth/refresh", s.handleRefresh)
	s.mux.HandleFunc("POST /auth/logout", s.handleLogout)
	s.mux.Handle("POST /auth/logout-all", guard(http.HandlerFunc(s.handleLogoutAll)))
	s.mux.Handle("GET /auth/sessions", guard(http.HandlerFunc(s.handleSessions)))

	s.mux.HandleFunc("POST /auth/password/forgot", s.handleForgotPassword)
	s.mux.HandleFunc("POST /auth/password/reset", s.handleResetPassword)
	s.mux.Handle("POST /auth/password/change", guard(http.HandlerFunc(s.handleChangePassword)))

	s.mux.Handle("PUT /me/favorites/{productID}", guard(http.HandlerFunc(s.handleAddFavorite)))
	s.mux.Handle("DELETE /me/favorites/{productID}", guard(http.HandlerFunc(s.handleRemoveFavorite)))
	s.mux.Handle("GET /admin/me", admin(http.HandlerFunc(s.handleMe)))
	s.mux.Handle("GET /me", guard(http.HandlerFunc(s.handleMe)))

	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.opts.Metrics != nil {
		s.mux.Handle("GET /metrics", s.opts.Metrics)
	}
}
