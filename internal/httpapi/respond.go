package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/MrEthical07/authcore"
)

const (
	refreshCookie = "refresh_token"
	maxBodyBytes  = 1 << 16
)

type errorBody struct {
	Error     string `json:"error"`
	Kind      string `json:"kind,omitempty"`
	Field     string `json:"field,omitempty"`
	Remaining *int   `json:"remainingAttempts,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	return decodeBody(w, r, dst, false)
}

// decodeOptional accepts an empty body and leaves dst untouched.
func decodeOptional(w http.ResponseWriter, r *http.Request, dst any) bool {
	return decodeBody(w, r, dst, true)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any, optional bool) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	err := dec.Decode(dst)
	if err == nil || (optional && errors.Is(err, io.EOF)) {
		return true
	}
	writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed request body", Kind: "validation"})
	return false
}

func statusFor(err error) int {
	if errors.Is(err, authcore.ErrPendingVerification) {
		return http.StatusAccepted
	}
	switch authcore.KindOf(err) {
	case authcore.KindValidation:
		return http.StatusBadRequest
	case authcore.KindNotFound:
		return http.StatusNotFound
	case authcore.KindConflict:
		return http.StatusConflict
	case authcore.KindUnauthorized:
		return http.StatusUnauthorized
	case authcore.KindRateLimited:
		return http.StatusTooManyRequests
	case authcore.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	body := errorBody{Error: err.Error(), Kind: authcore.KindOf(err).String()}

	var verr *authcore.ValidationError
	if errors.As(err, &verr) {
		body.Field = verr.Field
	}
	var incorrect *authcore.IncorrectCodeError
	if errors.As(err, &incorrect) {
		remaining := incorrect.Remaining
		body.Remaining = &remaining
	}
	var cooldown *authcore.CooldownError
	if errors.As(err, &cooldown) {
		w.Header().Set("Retry-After", strconv.Itoa(cooldown.Seconds()))
	}
	if errors.Is(err, authcore.ErrLoginRateLimited) {
		w.Header().Set("Retry-After", "60")
	}

	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Error(err),
		)
		if status == http.StatusInternalServerError {
			body = errorBody{Error: "internal error"}
		}
	}
	writeJSON(w, status, body)
}

// requestContext carries the caller's address and user agent into the
// engine so issued sessions record them.
func (s *Server) requestContext(r *http.Request) context.Context {
	ctx := authcore.WithClientIP(r.Context(), s.clientIP(r))
	return authcore.WithUserAgent(ctx, r.UserAgent())
}

func (s *Server) clientIP(r *http.Request) string {
	if s.opts.TrustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) setRefreshCookie(w http.ResponseWriter, r *http.Request, token string, expires time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookie,
		Value:    token,
		Path:     "/auth",
		Expires:  expires,
		HttpOnly: true,
		Secure:   s.opts.SecureCookies || r.TLS != nil,
		SameSite: http.SameSiteStrictMode,
	})
}

func (s *Server) clearRefreshCookie(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookie,
		Value:    "",
		Path:     "/auth",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.opts.SecureCookies || r.TLS != nil,
		SameSite: http.SameSiteStrictMode,
	})
}

// refreshToken prefers the body and falls back to the cookie.
func refreshToken(r *http.Request, fromBody string) string {
	if t := strings.TrimSpace(fromBody); t != "" {
		return t
	}
	if c, err := r.Cookie(refreshCookie); err == nil {
		return c.Value
	}
	return ""
}
