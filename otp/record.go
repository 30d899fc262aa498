package otp

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"
)

// Purpose scopes a code to one flow.
type Purpose string

const (
	PurposeEmailVerification Purpose = "email_verification"
	PurposeForgotPassword    Purpose = "forgot_password"
)

// Valid reports whether p is a known purpose.
func (p Purpose) Valid() bool {
	return p == PurposeEmailVerification || p == PurposeForgotPassword
}

const (
	codeMin = 100000
	codeMax = 999999
)

var codeSpan = big.NewInt(codeMax - codeMin + 1)

// Record is one issued code. At most one record per (account, purpose) is
// pending at a time.
type Record struct {
	ID              string
	AccountID       string
	Email           string
	Purpose         Purpose
	CodeHash        string
	Attempts        int
	Used            bool
	CreatedAt       time.Time
	ExpiresAt       time.Time
	ResendAllowedAt time.Time
}

// Pending reports whether r can still be verified at now.
func (r *Record) Pending(now time.Time) bool {
	return !r.Used && now.Before(r.ExpiresAt)
}

// CooldownRemaining returns how long until a resend is allowed, or zero.
func (r *Record) CooldownRemaining(now time.Time) time.Duration {
	if d := r.ResendAllowedAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Matches compares code against the stored digest in constant time.
func (r *Record) Matches(code string) bool {
	want, err := hex.DecodeString(r.CodeHash)
	if err != nil {
		return false
	}
	got := digest(r.ID, code)
	return subtle.ConstantTimeCompare(want, got[:]) == 1
}

// SetCode stores the digest of code on r. r.ID must already be set.
func (r *Record) SetCode(code string) {
	sum := digest(r.ID, code)
	r.CodeHash = hex.EncodeToString(sum[:])
}

func digest(recordID, code string) [32]byte {
	return sha256.Sum256([]byte(recordID + ":" + code))
}

// GenerateCode returns a six digit code drawn uniformly from
// [100000, 999999] using crypto/rand.
func GenerateCode() (string, error) {
	n, err := rand.Int(rand.Reader, codeSpan)
	if err != nil {
		return "", fmt.Errorf("otp: generate code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()+codeMin), nil
}
