// Package auth holds the upstream account domain for the Kiro proxy: typed
// credentials, account runtime state, machine fingerprints, the token
// refresher, and the on-disk account store.
package auth

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/kiroproxy/kiroproxy/internal/interfaces"
)

// AuthKind identifies how a credential was issued upstream. The set is
// closed; the refresher dispatches on it.
type AuthKind string

const (
	AuthKindGoogle         AuthKind = "google"
	AuthKindGitHub         AuthKind = "github"
	AuthKindAwsBuilderID   AuthKind = "aws_builder_id"
	AuthKindIdentityCenter AuthKind = "identity_center"
)

// Valid reports whether k is one of the four known kinds.
func (k AuthKind) Valid() bool {
	switch k {
	case AuthKindGoogle, AuthKindGitHub, AuthKindAwsBuilderID, AuthKindIdentityCenter:
		return true
	}
	return false
}

// Social reports whether the credential refreshes against a provider OAuth
// endpoint rather than the Kiro refresh endpoint.
func (k AuthKind) Social() bool {
	return k == AuthKindGoogle || k == AuthKindGitHub
}

// ParseAuthKind normalizes the spellings that appear in Kiro token exports
// ("builder-id", "idc", "social") onto the canonical kinds.
func ParseAuthKind(s string) (AuthKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "google", "social":
		return AuthKindGoogle, nil
	case "github":
		return AuthKindGitHub, nil
	case "aws_builder_id", "builder-id", "builderid", "builder_id":
		return AuthKindAwsBuilderID, nil
	case "identity_center", "identity-center", "idc":
		return AuthKindIdentityCenter, nil
	}
	return "", fmt.Errorf("unknown auth kind %q", s)
}

// Credential is an upstream identity. The refresh token outlives every
// access token; ExpiresAt always refers to the access token.
type Credential struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	AuthKind     AuthKind  `json:"auth_kind"`
	ClientIDHash string    `json:"client_id_hash,omitempty"`
	IssuedAt     time.Time `json:"issued_at"`
}

// Expired reports whether the access token is stale at now.
func (c *Credential) Expired(now time.Time) bool {
	return !c.ExpiresAt.After(now)
}

// ExpiresWithin reports whether the access token expires inside the window.
func (c *Credential) ExpiresWithin(now time.Time, window time.Duration) bool {
	return c.ExpiresAt.Before(now.Add(window))
}

// NewCredentialID derives the stable account id from the issuing authority
// and the subject it named. The id never changes across token refreshes.
func NewCredentialID(issuer, subject string) string {
	h, _ := blake2b.New(16, nil)
	h.Write([]byte(issuer))
	h.Write([]byte{0})
	h.Write([]byte(subject))
	return hex.EncodeToString(h.Sum(nil))
}

// Status is the scheduling state of an account.
type Status string

const (
	StatusActive    Status = "active"
	StatusCooldown  Status = "cooldown"
	StatusUnhealthy Status = "unhealthy"
	StatusDisabled  Status = "disabled"
)

// LastError captures the most recent failure attributed to an account.
type LastError struct {
	Kind    interfaces.ErrorKind `json:"kind"`
	Message string               `json:"message"`
	At      time.Time            `json:"at"`
}

// UsageSnapshot is an optional cached quota reading. It is runtime-only and
// never persisted.
type UsageSnapshot struct {
	Used        int64
	Limit       int64
	RefreshedAt time.Time
}

// Account is a credential plus the runtime state the pool schedules on.
// The pool owns every Account; other components receive clones or ids.
type Account struct {
	ID            string     `json:"id"`
	Credential    Credential `json:"credential"`
	Enabled       bool       `json:"enabled"`
	Status        Status     `json:"status"`
	CooldownUntil *time.Time `json:"cooldown_until,omitempty"`
	LastError     *LastError `json:"last_error,omitempty"`

	// Runtime fields, rebuilt after a restart.
	LastUsedAt time.Time      `json:"-"`
	Usage      *UsageSnapshot `json:"-"`
}

// NewAccount builds an Active account around cred. The id is derived once
// from issuer and subject and stays attached to the account for life.
func NewAccount(issuer, subject string, cred Credential) *Account {
	return &Account{
		ID:         NewCredentialID(issuer, subject),
		Credential: cred,
		Enabled:    true,
		Status:     StatusActive,
	}
}

// Clone returns a deep copy safe to hand outside the pool's lock.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	dup := *a
	if a.CooldownUntil != nil {
		t := *a.CooldownUntil
		dup.CooldownUntil = &t
	}
	if a.LastError != nil {
		le := *a.LastError
		dup.LastError = &le
	}
	if a.Usage != nil {
		u := *a.Usage
		dup.Usage = &u
	}
	return &dup
}

// Reconcile enforces the status invariants at the given instant:
// Disabled tracks the enabled bit, and Cooldown holds only while
// cooldown_until lies in the future. Unhealthy is sticky until a refresh
// or restore clears it.
func (a *Account) Reconcile(now time.Time) {
	if !a.Enabled {
		a.Status = StatusDisabled
		return
	}
	if a.Status == StatusDisabled {
		// Re-enabled; the credential kept its refresh token so it may serve.
		a.Status = StatusActive
	}
	if a.CooldownUntil != nil && a.CooldownUntil.After(now) {
		a.Status = StatusCooldown
		return
	}
	if a.Status == StatusCooldown {
		a.CooldownUntil = nil
		a.Status = StatusActive
	}
	if a.Status == "" {
		a.Status = StatusActive
	}
}

// Selectable reports whether the pool may hand this account to a request.
func (a *Account) Selectable(now time.Time) bool {
	a.Reconcile(now)
	return a.Status == StatusActive
}
