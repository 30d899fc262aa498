package httpapi

import (
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/MrEthical07/authcore"
	"github.com/MrEthical07/authcore/middleware"
)

type accountView struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	DisplayName string    `json:"displayName,omitempty"`
	Role        string    `json:"role"`
	Verified    bool      `json:"verified"`
	PictureURL  string    `json:"pictureUrl,omitempty"`
	Favorites   []string  `json:"favorites"`
	CreatedAt   time.Time `json:"createdAt"`
}

func newAccountView(a *authcore.Account) accountView {
	favs := a.Favorites
	if favs == nil {
		favs = []string{}
	}
	return accountView{
		ID:          a.ID,
		Email:       a.Email,
		DisplayName: a.DisplayName,
		Role:        string(a.Role),
		Verified:    a.Verified,
		PictureURL:  a.PictureURL,
		Favorites:   favs,
		CreatedAt:   a.CreatedAt,
	}
}

type tokenView struct {
	AccessToken      string    `json:"accessToken"`
	RefreshToken     string    `json:"refreshToken"`
	TokenType        string    `json:"tokenType"`
	ExpiresIn        int64     `json:"expiresIn"`
	RefreshExpiresIn int64     `json:"refreshExpiresIn"`
	AccessExpiresAt  time.Time `json:"accessExpiresAt"`
}

type authView struct {
	Account accountView `json:"account"`
	Tokens  tokenView   `json:"tokens"`
	Created bool        `json:"created,omitempty"`
}

type sessionView struct {
	ID        string    `json:"id"`
	UserAgent string    `json:"userAgent,omitempty"`
	IP        string    `json:"ip,omitempty"`
	Label     string    `json:"label,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (s *Server) writeAuth(w http.ResponseWriter, r *http.Request, status int, res *authcore.AuthResult) {
	t := res.Tokens
	s.setRefreshCookie(w, r, t.RefreshToken, t.RefreshExpiresAt)
	writeJSON(w, status, authView{
		Account: newAccountView(res.Account),
		Tokens: tokenView{
			AccessToken:      t.AccessToken,
			RefreshToken:     t.RefreshToken,
			TokenType:        "Bearer",
			ExpiresIn:        int64(t.AccessTTL / time.Second),
			RefreshExpiresIn: int64(t.RefreshTTL / time.Second),
			AccessExpiresAt:  t.AccessExpiresAt,
		},
		Created: res.Created,
	})
}

func deviceFrom(label string) authcore.DeviceMeta {
	return authcore.DeviceMeta{Label: strings.TrimSpace(label)}
}

/*
====================================
REGISTRATION
====================================
*/

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var in authcore.RegisterInput
	if !decode(w, r, &in) {
		return
	}
	acct, err := s.engine.Register(s.requestContext(r), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newAccountView(acct))
}

func (s *Server) handleVerifyEmail(w http.ResponseWriter, r *http.Request) {
	var body struct {
		authcore.VerifyEmailInput
		Device string `json:"device"`
	}
	if !decode(w, r, &body) {
		return
	}
	res, err := s.engine.VerifyEmail(s.requestContext(r), body.VerifyEmailInput, deviceFrom(body.Device))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeAuth(w, r, http.StatusOK, res)
}

func (s *Server) handleResendOTP(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email   string `json:"email"`
		Purpose string `json:"purpose"`
	}
	if !decode(w, r, &body) {
		return
	}
	purpose := authcore.Purpose(body.Purpose)
	if purpose == "" {
		purpose = authcore.PurposeEmailVerification
	}
	if err := s.engine.ResendOTP(s.requestContext(r), body.Email, purpose); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

/*
====================================
SIGN-IN
====================================
*/

type loginBody struct {
	authcore.LoginInput
	Device string `json:"device"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body loginBody
	if !decode(w, r, &body) {
		return
	}
	res, err := s.engine.Login(s.requestContext(r), body.LoginInput, deviceFrom(body.Device))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeAuth(w, r, http.StatusOK, res)
}

func (s *Server) handleAdminLogin(w http.ResponseWriter, r *http.Request) {
	var body loginBody
	if !decode(w, r, &body) {
		return
	}
	res, err := s.engine.AdminLogin(s.requestContext(r), body.LoginInput, deviceFrom(body.Device))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeAuth(w, r, http.StatusOK, res)
}

func (s *Server) handleIdentityLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		IDToken string `json:"idToken"`
		Device  string `json:"device"`
	}
	if !decode(w, r, &body) {
		return
	}
	res, err := s.engine.LoginWithIdentity(s.requestContext(r), body.IDToken, deviceFrom(body.Device))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	s.writeAuth(w, r, status, res)
}

/*
====================================
TOKENS
====================================
*/

type refreshBody struct {
	RefreshToken string `json:"refreshToken"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var body refreshBody
	if !decodeOptional(w, r, &body) {
		return
	}
	token := refreshToken(r, body.RefreshToken)
	if token == "" {
		s.writeError(w, r, authcore.ErrInvalidToken)
		return
	}
	res, err := s.engine.Refresh(s.requestContext(r), token, authcore.DeviceMeta{})
	if err != nil {
		s.clearRefreshCookie(w, r)
		s.writeError(w, r, err)
		return
	}
	s.writeAuth(w, r, http.StatusOK, res)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	var body refreshBody
	if !decodeOptional(w, r, &body) {
		return
	}
	if token := refreshToken(r, body.RefreshToken); token != "" {
		if err := s.engine.Logout(s.requestContext(r), token); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	s.clearRefreshCookie(w, r)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	p, _ := middleware.PrincipalFromContext(r.Context())
	n, err := s.engine.LogoutAll(s.requestContext(r), p.AccountID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.clearRefreshCookie(w, r)
	writeJSON(w, http.StatusOK, map[string]int{"revoked": n})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	p, _ := middleware.PrincipalFromContext(r.Context())
	sessions, err := s.engine.ListSessions(r.Context(), p.AccountID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]sessionView, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sessionView{
			ID:        sess.TokenID,
			UserAgent: sess.Device.UserAgent,
			IP:        sess.Device.IP,
			Label:     sess.Device.Label,
			CreatedAt: sess.CreatedAt,
			ExpiresAt: sess.ExpiresAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string][]sessionView{"sessions": out})
}

/*
====================================
PASSWORDS
====================================
*/

func (s *Server) handleForgotPassword(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email string `json:"email"`
	}
	if !decode(w, r, &body) {
		return
	}
	if err := s.engine.RequestPasswordReset(s.requestContext(r), body.Email); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleResetPassword takes either a link token or an email and code.
func (s *Server) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token       string `json:"token"`
		Email       string `json:"email"`
		Code        string `json:"code"`
		NewPassword string `json:"newPassword"`
	}
	if !decode(w, r, &body) {
		return
	}

	ctx := s.requestContext(r)
	var err error
	if body.Token != "" {
		err = s.engine.ResetPassword(ctx, authcore.ResetInput{Token: body.Token, NewPassword: body.NewPassword})
	} else {
		err = s.engine.ResetPasswordWithOTP(ctx, authcore.ResetWithCodeInput{
			Email:       body.Email,
			Code:        body.Code,
			NewPassword: body.NewPassword,
		})
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.clearRefreshCookie(w, r)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	var in authcore.ChangePasswordInput
	if !decode(w, r, &in) {
		return
	}
	p, _ := middleware.PrincipalFromContext(r.Context())
	if err := s.engine.ChangePassword(s.requestContext(r), p.AccountID, in); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.clearRefreshCookie(w, r)
	w.WriteHeader(http.StatusNoContent)
}

/*
====================================
ACCOUNT
====================================
*/

func (s *Server) handleAddFavorite(w http.ResponseWriter, r *http.Request) {
	p, _ := middleware.PrincipalFromContext(r.Context())
	if err := s.engine.AddFavorite(r.Context(), p.AccountID, r.PathValue("productID")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemoveFavorite(w http.ResponseWriter, r *http.Request) {
	p, _ := middleware.PrincipalFromContext(r.Context())
	if err := s.engine.RemoveFavorite(r.Context(), p.AccountID, r.PathValue("productID")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	p, _ := middleware.PrincipalFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"id":        p.AccountID,
		"email":     p.Email,
		"role":      string(p.Role),
		"expiresAt": p.ExpiresAt,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.opts.Health != nil {
		if err := s.opts.Health(r.Context()); err != nil {
			s.logger.Warn("health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
