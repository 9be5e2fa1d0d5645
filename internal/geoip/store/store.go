// Package store persists geo observations, per-IP reputation metadata and
// the administrative IP blocklist.
package store

import (
	"context"
	"time"

	"authd/internal/geoip/models"
	id "authd/pkg/domain"
)

// MetadataStore records login-time sightings. History is per user, newest
// first, trimmed to models.HistoryLimit; the suspicious counter is per IP.
type MetadataStore interface {
	// RecordObservation appends to the user's history (trimming the tail)
	// and upserts the IP's lastSeen, bumping the suspicious counter when
	// the sighting was classified suspicious.
	RecordObservation(ctx context.Context, obs models.Observation, suspicious bool) error

	// History returns the user's most recent observations, newest first,
	// at most limit entries.
	History(ctx context.Context, userID id.UserID, limit int) ([]models.Observation, error)

	// IPMetadata loads the reputation record for an IP. Unseen IPs return
	// a zero-count record, not an error.
	IPMetadata(ctx context.Context, ip string) (*models.IPMetadata, error)
}

// BlocklistStore holds administratively blocked IPs.
type BlocklistStore interface {
	// IsBlocked reports whether the IP has an active block at now.
	IsBlocked(ctx context.Context, ip string, now time.Time) (bool, error)

	// Block upserts a block. A nil expiry blocks indefinitely.
	Block(ctx context.Context, entry models.BlocklistEntry) error

	// Unblock removes a block. Unblocking an unlisted IP is a no-op.
	Unblock(ctx context.Context, ip string) error
}
