package refresh

import "time"

// DeviceMeta describes the client a refresh credential was issued to.
type DeviceMeta struct {
	UserAgent string `json:"user_agent,omitempty"`
	IP        string `json:"ip,omitempty"`
	Label     string `json:"label,omitempty"`
}

// Credential is the persisted record of one issued refresh token.
//
// States: active -> revoked, or active -> expired. Both are terminal.
type Credential struct {
	TokenID    string
	AccountID  string
	Hash       string
	Generation uint64
	Revoked    bool
	Device     DeviceMeta
	CreatedAt  time.Time
	ExpiresAt  time.Time
	RevokedAt  time.Time
}

// Active reports whether c is usable at now.
func (c *Credential) Active(now time.Time) bool {
	return !c.Revoked && now.Before(c.ExpiresAt)
}

// Expired reports whether c passed its expiry at now.
func (c *Credential) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}
