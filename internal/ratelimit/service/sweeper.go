package service

import (
	"context"
	"log/slog"
	"time"

	"authd/internal/ratelimit/ports"
)

// Sweeper periodically garbage-collects idle window keys. Correctness never
// depends on it: Acquire prunes opportunistically, the sweep only reclaims
// space for keys that stopped receiving traffic.
type Sweeper struct {
	store    ports.WindowStore
	interval time.Duration
	// retention is how long past its window an idle key is kept. The
	// longest configured window bounds it from below.
	retention time.Duration
	logger    *slog.Logger
}

// NewSweeper constructs a sweeper. The retention must cover the longest key
// window so a sweep can never remove live entries.
func NewSweeper(store ports.WindowStore, interval, retention time.Duration, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{store: store, interval: interval, retention: retention, logger: logger}
}

// Run sweeps until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			cutoff := time.Now().Add(-s.retention)
			removed, err := s.store.Sweep(ctx, cutoff)
			if err != nil {
				s.logger.WarnContext(ctx, "rate limit sweep failed", "error", err)
				continue
			}
			if removed > 0 {
				s.logger.DebugContext(ctx, "rate limit sweep completed", "keys_removed", removed)
			}
		}
	}
}
