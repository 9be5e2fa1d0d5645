// Package ports defines the interfaces the rate limiter service depends on.
package ports

import (
	"context"
	"time"

	"authd/internal/ratelimit/models"
	"authd/pkg/platform/audit"
)

// WindowStore manages the per-key sorted sets backing the sliding window.
// Acquire must be atomic: prune, count, and conditional append happen as a
// single operation on the store (server-side script or one critical
// section), never as a client-side read-modify-write.
type WindowStore interface {
	// Acquire prunes entries at or before now-window, counts the rest,
	// and appends now when the count is below limit.
	Acquire(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (*models.Decision, error)

	// Count returns the in-window entry count without consuming a slot.
	Count(ctx context.Context, key string, window time.Duration, now time.Time) (int, error)

	// Reset clears a key.
	Reset(ctx context.Context, key string) error

	// Sweep drops keys whose newest entry is older than cutoff and
	// returns how many were removed. Missing a sweep affects space only.
	Sweep(ctx context.Context, cutoff time.Time) (int, error)
}

// AuditPublisher emits security audit events for limiter denials.
type AuditPublisher interface {
	Emit(ctx context.Context, event audit.SecurityEvent)
}
