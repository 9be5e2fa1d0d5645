// Package window implements the sliding-window stores backing the rate
// limiter. The memory store serves unit tests and single-node deployments;
// the Redis store is the shared-state implementation.
package window

import (
	"context"
	"sync"
	"time"

	"authd/internal/ratelimit/models"
)

// MemoryStore is a mutex-guarded sliding-window store. The critical section
// provides the same prune-count-append atomicity the Redis script does.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string][]time.Time
}

// NewMemory constructs an empty memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{windows: make(map[string][]time.Time)}
}

// Acquire prunes entries at or before now-window, counts the rest, and
// appends now when under limit.
func (s *MemoryStore) Acquire(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (*models.Decision, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entries := prune(s.windows[key], now.Add(-window))

	if len(entries) < limit {
		entries = append(entries, now)
		s.windows[key] = entries
		return &models.Decision{
			Allowed:   true,
			Limit:     limit,
			Remaining: limit - len(entries),
			ResetAt:   entries[0].Add(window),
		}, nil
	}

	s.windows[key] = entries
	resetAt := entries[0].Add(window)
	retryAfter := resetAt.Sub(now)
	if retryAfter < 0 {
		retryAfter = 0
	}
	return &models.Decision{
		Allowed:    false,
		Limit:      limit,
		Remaining:  0,
		ResetAt:    resetAt,
		RetryAfter: retryAfter,
	}, nil
}

// Count returns the in-window entry count without consuming a slot.
func (s *MemoryStore) Count(ctx context.Context, key string, window time.Duration, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entries := prune(s.windows[key], now.Add(-window))
	s.windows[key] = entries
	return len(entries), nil
}

// Reset clears a key.
func (s *MemoryStore) Reset(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.windows, key)
	return nil
}

// Sweep drops keys whose newest entry is older than cutoff.
func (s *MemoryStore) Sweep(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, entries := range s.windows {
		if len(entries) == 0 || !entries[len(entries)-1].After(cutoff) {
			delete(s.windows, key)
			removed++
		}
	}
	return removed, nil
}

// prune drops entries with timestamp at or before the cutoff. Entries are
// appended in order, so the first survivor ends the scan.
func prune(entries []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for ; i < len(entries); i++ {
		if entries[i].After(cutoff) {
			break
		}
	}
	return entries[i:]
}
