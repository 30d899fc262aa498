// Package account defines the account record and the store contract the
// engine persists it through, with Redis (this package) and PostgreSQL
// (account/postgres) implementations.
package account

import (
	"context"
	"strings"
	"time"
)

// Role is the authorization role of an account.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAdmin
}

// Account is the persisted identity.
//
// Generation only ever increases and is bumped by UpdatePassword and
// IncrementGeneration, never by Create.
type Account struct {
	ID             string
	Email          string
	DisplayName    string
	Role           Role
	PasswordHash   string
	ExternalID     string
	PictureURL     string
	Verified       bool
	Active         bool
	Generation     uint64
	Favorites      []string
	ResetTokenHash string
	ResetExpiresAt time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
	LastLoginAt    time.Time
}

// HasPassword reports whether the account can sign in with a password.
func (a *Account) HasPassword() bool {
	return a.PasswordHash != ""
}

// ResetToken is a single-use password reset credential. Only its digest is
// stored.
type ResetToken struct {
	Hash      string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// NormalizeEmail lowercases and trims an email for lookups and uniqueness.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Store persists accounts.
//
// Lookups fail with failure.ErrAccountNotFound; Create fails with
// failure.ErrEmailTaken on a case-insensitive email collision; backend
// errors wrap failure.ErrUnavailable.
type Store interface {
	Create(ctx context.Context, a *Account) error
	ByID(ctx context.Context, id string) (*Account, error)
	ByEmail(ctx context.Context, email string) (*Account, error)
	ByExternalID(ctx context.Context, externalID string) (*Account, error)
	// ByResetToken fails with failure.ErrInvalidOrExpiredResetToken.
	ByResetToken(ctx context.Context, tokenHash string, now time.Time) (*Account, error)

	LinkExternalID(ctx context.Context, id, externalID, pictureURL string) error
	MarkVerified(ctx context.Context, id string) error
	SetActive(ctx context.Context, id string, active bool) error
	TouchLastLogin(ctx context.Context, id string, at time.Time) error
	SetResetToken(ctx context.Context, id string, token ResetToken) error

	// UpdatePassword sets the verifier, clears any reset token and bumps the
	// generation in one atomic update, returning the new generation.
	UpdatePassword(ctx context.Context, id, passwordHash string, at time.Time) (uint64, error)
	// ConsumeResetToken is UpdatePassword conditioned on tokenHash still being
	// the account's unexpired reset token at now. Exactly one caller can
	// consume a token; the rest fail with failure.ErrInvalidOrExpiredResetToken.
	ConsumeResetToken(ctx context.Context, id, tokenHash, passwordHash string, now time.Time) (uint64, error)
	// IncrementGeneration atomically bumps the generation and returns it.
	IncrementGeneration(ctx context.Context, id string) (uint64, error)

	// AddFavorite fails with failure.ErrAlreadyFavorited on duplicates.
	AddFavorite(ctx context.Context, id, productID string) error
	RemoveFavorite(ctx context.Context, id, productID string) error
}
