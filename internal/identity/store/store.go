// Package store defines the persistence contracts for identity data and
// provides the memory and Postgres implementations. Stores are pure I/O:
// lockout policy, hashing and validation live in the services.
package store

import (
	"context"
	"time"

	"authd/internal/identity/models"
	id "authd/pkg/domain"
)

// UserStore persists users and their account status. Lookups exclude
// soft-deleted rows. Counter mutations are single atomic operations so two
// concurrent logins can never interleave a read with a write.
type UserStore interface {
	// Create inserts a user. Returns sentinel.ErrConflict (wrapped) when
	// the email or recovery-email blind index is already taken by a
	// non-deleted user.
	Create(ctx context.Context, user *models.User) error

	// FindByEmail looks a user up by normalised email.
	FindByEmail(ctx context.Context, email string) (*models.User, error)

	// FindByID looks a user up by internal id.
	FindByID(ctx context.Context, userID id.UserID) (*models.User, error)

	// FindByHandle looks a user up by external handle.
	FindByHandle(ctx context.Context, handle id.UserHandle) (*models.User, error)

	// ExistsByRecoveryEmailBlindIndex reports whether a non-deleted user
	// already claims the recovery email.
	ExistsByRecoveryEmailBlindIndex(ctx context.Context, blindIndex string) (bool, error)

	// UpdatePassword replaces the stored hash and stamps the change time.
	UpdatePassword(ctx context.Context, userID id.UserID, hash string, at time.Time) error

	// UpdateProfile updates the mutable profile fields.
	UpdateProfile(ctx context.Context, user *models.User) error

	// SoftDelete hides the user from all lookups. Audit rows referencing
	// the user survive.
	SoftDelete(ctx context.Context, userID id.UserID, at time.Time) error

	// RecordLoginFailure atomically increments the failure counter,
	// capping it at maxAttempts+overflow, and sets the lockout expiry
	// when the counter crosses maxAttempts. Single statement; returns the
	// resulting record.
	RecordLoginFailure(ctx context.Context, userID id.UserID, at time.Time, maxAttempts int, lockoutUntil time.Time) (*models.FailureRecord, error)

	// RecordLoginSuccess atomically resets the failure counter, clears
	// any lockout, stamps lastLogin, and (when rehash is non-empty)
	// replaces the stored password hash.
	RecordLoginSuccess(ctx context.Context, userID id.UserID, at time.Time, rehash string) error

	// ClearExpiredLockout resets the counter and clears the lockout only
	// if the lockout has expired by now. Returns whether a row changed.
	ClearExpiredLockout(ctx context.Context, userID id.UserID, now time.Time) (bool, error)

	// AppendFailureEvent records a timestamped failure observation for
	// the recent-failures window queries.
	AppendFailureEvent(ctx context.Context, userID id.UserID, ip string, at time.Time) error

	// CountRecentFailures counts failure observations since the cutoff.
	CountRecentFailures(ctx context.Context, userID id.UserID, since time.Time) (int, error)

	// AssignRole links a role to the user. Idempotent.
	AssignRole(ctx context.Context, userID id.UserID, roleName string) error

	// RevokeRole unlinks a role from the user.
	RevokeRole(ctx context.Context, userID id.UserID, roleName string) error

	// RoleNames returns the names of the user's directly assigned roles.
	RoleNames(ctx context.Context, userID id.UserID) ([]string, error)
}

// PasskeyStore persists WebAuthn credentials. The passkey state machine is
// the only caller of counter mutations.
type PasskeyStore interface {
	// Add inserts a credential. Returns sentinel.ErrConflict (wrapped)
	// when the credential id is already registered.
	Add(ctx context.Context, credential *models.PasskeyCredential) error

	// FindByCredentialID resolves a credential.
	FindByCredentialID(ctx context.Context, credentialID []byte) (*models.PasskeyCredential, error)

	// ListByUser returns the user's credentials ordered by creation time.
	ListByUser(ctx context.Context, userID id.UserID) ([]*models.PasskeyCredential, error)

	// Remove deletes the user's credential. The user scoping prevents
	// deleting someone else's credential through a guessed id.
	Remove(ctx context.Context, userID id.UserID, credentialID []byte) error

	// UpdateCounter compare-and-sets the signature counter from expected
	// to next and stamps lastUsed. Returns false when the stored counter
	// no longer matches expected (a concurrent assertion won).
	UpdateCounter(ctx context.Context, credentialID []byte, expected, next uint32, at time.Time) (bool, error)

	// MarkCompromised flags the credential after a counter regression.
	MarkCompromised(ctx context.Context, credentialID []byte) error
}
