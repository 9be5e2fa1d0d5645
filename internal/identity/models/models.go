// Package models defines the identity domain: users, account status and
// passkey credentials. The authentication pipeline is the only writer of
// AccountStatus; the passkey state machine is the only writer of credential
// counters. Stores expose atomic operations so those ownership rules hold
// under concurrent requests.
package models

import (
	"strings"
	"time"

	id "authd/pkg/domain"
)

// NormaliseEmail maps an address to its canonical lookup form: trimmed and
// lower-cased. Go's strings.ToLower is locale-insensitive, so the mapping is
// stable across deployments.
func NormaliseEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// AccountStatus carries the flags and counters the pipeline evaluates in
// order on every login.
type AccountStatus struct {
	EmailVerified       bool
	Enabled             bool
	FailedLoginAttempts int
	// LockoutExpiresAt is set when the failure counter crosses the
	// maximum. Nil means not locked. An expired value with the counter
	// still at maximum is auto-unlocked by the next login attempt.
	LockoutExpiresAt      *time.Time
	AccountNonExpired     bool
	CredentialsNonExpired bool
}

// LockedAt reports whether the account is inside an active lockout window.
func (s AccountStatus) LockedAt(now time.Time) bool {
	return s.LockoutExpiresAt != nil && s.LockoutExpiresAt.After(now)
}

// User is an account. Email is stored normalised and unique among
// non-deleted users; the recovery email and mobile number are encrypted at
// rest with a blind index for the recovery email's uniqueness lookup.
type User struct {
	ID id.UserID
	// Handle is the external opaque identifier and WebAuthn user handle.
	// Immutable after registration.
	Handle id.UserHandle

	Email                   string
	RecoveryEmailEncrypted  []byte
	RecoveryEmailBlindIndex string
	MobileNumberEncrypted   []byte

	// PasswordHash is empty for passkey-only users.
	PasswordHash string

	GivenName  string
	MiddleName string
	Surname    string
	Nickname   string

	Status AccountStatus

	CreatedAt            time.Time
	UpdatedAt            time.Time
	LastLoginAt          *time.Time
	LastPasswordChangeAt *time.Time
	DeletedAt            *time.Time
}

// DisplayName returns the name shown in authenticator prompts: the
// nickname when set, otherwise given name and surname, otherwise the email.
func (u *User) DisplayName() string {
	if u.Nickname != "" {
		return u.Nickname
	}
	full := strings.TrimSpace(u.GivenName + " " + u.Surname)
	if full != "" {
		return full
	}
	return u.Email
}

// HasPassword reports whether password login is possible for this user.
func (u *User) HasPassword() bool { return u.PasswordHash != "" }

// Deleted reports the soft-delete state. Deleted users are invisible to
// every login flow.
func (u *User) Deleted() bool { return u.DeletedAt != nil }

// PasskeyCredential is a registered WebAuthn credential. The signature
// counter is monotonic; a regression marks the credential compromised.
type PasskeyCredential struct {
	// CredentialID is the authenticator-assigned opaque identifier,
	// globally unique.
	CredentialID []byte
	UserID       id.UserID
	// PublicKey is the COSE-encoded credential public key.
	PublicKey []byte
	// SignCount is the stored signature counter. Zero both here and in an
	// assertion is tolerated once for authenticators that never count.
	SignCount         uint32
	Transports        []string
	Name              string
	AttestationFormat string
	Compromised       bool
	CreatedAt         time.Time
	LastUsedAt        *time.Time
}

// FailureRecord is the result of an atomic login-failure write.
type FailureRecord struct {
	FailedLoginAttempts int
	LockoutExpiresAt    *time.Time
	// Locked reports whether this failure crossed the maximum and set the
	// lockout window.
	Locked bool
}
