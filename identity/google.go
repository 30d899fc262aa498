// Package identity verifies tokens issued by external identity providers.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// ErrRejected is returned for any token the provider does not vouch for.
var ErrRejected = errors.New("identity: token rejected")

// Identity is what the provider asserts about the token holder.
type Identity struct {
	Subject     string
	Email       string
	DisplayName string
	PictureURL  string
}

// Verifier checks a raw external token.
type Verifier interface {
	VerifyExternalToken(ctx context.Context, raw string) (Identity, error)
}

// DefaultGoogleTokenInfoURL is Google's ID token introspection endpoint.
const DefaultGoogleTokenInfoURL = "https://oauth2.googleapis.com/tokeninfo"

var googleIssuers = map[string]bool{
	"accounts.google.com":         true,
	"https://accounts.google.com": true,
}

// GoogleVerifier validates Google ID tokens through the tokeninfo endpoint.
type GoogleVerifier struct {
	clientID string
	endpoint string
	client   *http.Client
	now      func() time.Time
}

// GoogleOption customizes a GoogleVerifier.
type GoogleOption func(*GoogleVerifier)

// WithEndpoint overrides the tokeninfo URL.
func WithEndpoint(u string) GoogleOption {
	return func(v *GoogleVerifier) { v.endpoint = u }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) GoogleOption {
	return func(v *GoogleVerifier) { v.client = c }
}

// WithClock overrides the clock used for the exp check.
func WithClock(now func() time.Time) GoogleOption {
	return func(v *GoogleVerifier) { v.now = now }
}

// NewGoogleVerifier accepts tokens whose audience is clientID.
func NewGoogleVerifier(clientID string, opts ...GoogleOption) *GoogleVerifier {
	v := &GoogleVerifier{
		clientID: clientID,
		endpoint: DefaultGoogleTokenInfoURL,
		client:   &http.Client{Timeout: 5 * time.Second},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

type tokenInfo struct {
	Aud           string `json:"aud"`
	Iss           string `json:"iss"`
	Sub           string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified string `json:"email_verified"`
	Exp           string `json:"exp"`
	Name          string `json:"name"`
	Picture       string `json:"picture"`
}

// VerifyExternalToken implements Verifier. Transport failures are returned
// as-is; anything the provider refuses wraps ErrRejected.
func (v *GoogleVerifier) VerifyExternalToken(ctx context.Context, raw string) (Identity, error) {
	if raw == "" {
		return Identity{}, ErrRejected
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.endpoint+"?id_token="+url.QueryEscape(raw), nil)
	if err != nil {
		return Identity{}, err
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return Identity{}, fmt.Errorf("identity: tokeninfo request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		if resp.StatusCode >= 500 {
			return Identity{}, fmt.Errorf("identity: tokeninfo status %d", resp.StatusCode)
		}
		return Identity{}, fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode)
	}

	var info tokenInfo
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&info); err != nil {
		return Identity{}, fmt.Errorf("%w: decode: %v", ErrRejected, err)
	}

	switch {
	case info.Aud != v.clientID:
		return Identity{}, fmt.Errorf("%w: audience mismatch", ErrRejected)
	case !googleIssuers[info.Iss]:
		return Identity{}, fmt.Errorf("%w: unexpected issuer", ErrRejected)
	case info.Sub == "" || info.Email == "":
		return Identity{}, fmt.Errorf("%w: missing subject or email", ErrRejected)
	case info.EmailVerified != "true":
		return Identity{}, fmt.Errorf("%w: email not verified", ErrRejected)
	}
	if info.Exp != "" {
		exp, err := strconv.ParseInt(info.Exp, 10, 64)
		if err != nil || !v.now().Before(time.Unix(exp, 0)) {
			return Identity{}, fmt.Errorf("%w: expired", ErrRejected)
		}
	}

	return Identity{
		Subject:     "google:" + info.Sub,
		Email:       info.Email,
		DisplayName: info.Name,
		PictureURL:  info.Picture,
	}, nil
}

// Static is a Verifier backed by a fixed token table, for tests and local
// development.
type Static map[string]Identity

// VerifyExternalToken implements Verifier.
func (s Static) VerifyExternalToken(_ context.Context, raw string) (Identity, error) {
	id, ok := s[raw]
	if !ok {
		return Identity{}, ErrRejected
	}
	return id, nil
}
