// Package store persists token revocation state and refresh-token lineage.
// The revocation list is tiered at the service layer; each implementation
// here is one tier.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"authd/internal/token/models"
	id "authd/pkg/domain"
)

// RevocationList is one tier of the revoked-jti set. Entries expire with
// the token they shadow; an expired entry reads as not revoked.
type RevocationList interface {
	// Revoke marks the jti revoked for ttl.
	Revoke(ctx context.Context, jti string, ttl time.Duration) error

	// RevokeBatch marks many jtis revoked in one round trip.
	RevokeBatch(ctx context.Context, jtis []string, ttl time.Duration) error

	// IsRevoked reports whether the jti is currently revoked.
	IsRevoked(ctx context.Context, jti string) (bool, error)
}

// RefreshStore persists refresh-token records.
type RefreshStore interface {
	// Create inserts a record.
	Create(ctx context.Context, record *models.RefreshRecord) error

	// Find resolves a record by jti. Returns sentinel.ErrNotFound (wrapped)
	// when absent.
	Find(ctx context.Context, jti uuid.UUID) (*models.RefreshRecord, error)

	// MarkRotated links the record to its successor, only if it is still
	// active. Returns false when a concurrent exchange won.
	MarkRotated(ctx context.Context, jti, successor uuid.UUID, at time.Time) (bool, error)

	// RevokeSession revokes every active record in the session family and
	// returns their jtis.
	RevokeSession(ctx context.Context, sessionID id.SessionID, at time.Time) ([]uuid.UUID, error)

	// RevokeAllForUser revokes every active record across all of the
	// user's sessions and returns their jtis.
	RevokeAllForUser(ctx context.Context, userID id.UserID, at time.Time) ([]uuid.UUID, error)
}

// UserRevocationStore records per-user revoke-all cutoffs. Any token issued
// at or before the cutoff is dead regardless of the jti lists.
type UserRevocationStore interface {
	// RecordRevocation stores or advances the user's cutoff.
	RecordRevocation(ctx context.Context, userID id.UserID, at time.Time, reason string) error

	// RevokedAt returns the user's cutoff, or nil when none exists.
	RevokedAt(ctx context.Context, userID id.UserID) (*time.Time, error)
}
