package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	// localTTL bounds how stale a negative answer from the local tier can
	// be. One second keeps the hot verification path off Redis without
	// letting a fresh revocation go unnoticed for long.
	localTTL     = time.Second
	localEntries = 8192
)

// TieredRevocationList layers a one-second in-process cache over Redis over
// Postgres. Reads stop at the first tier with an answer: the local cache
// absorbs the hot path, Redis shares state across the fleet, Postgres is
// authoritative and survives Redis loss.
//
// Writes go to Postgres first and fail if it does; the upper tiers are
// populated best-effort afterwards, since a miss there just falls through
// to Postgres.
type TieredRevocationList struct {
	local      *expirable.LRU[string, bool]
	shared     RevocationList
	persistent RevocationList
	logger     *slog.Logger
}

// NewTieredRevocationList builds the stack. shared may be nil when running
// without Redis; persistent must not be.
func NewTieredRevocationList(persistent, shared RevocationList, logger *slog.Logger) *TieredRevocationList {
	if logger == nil {
		logger = slog.Default()
	}
	return &TieredRevocationList{
		local:      expirable.NewLRU[string, bool](localEntries, nil, localTTL),
		shared:     shared,
		persistent: persistent,
		logger:     logger,
	}
}

func (l *TieredRevocationList) Revoke(ctx context.Context, jti string, ttl time.Duration) error {
	return l.RevokeBatch(ctx, []string{jti}, ttl)
}

func (l *TieredRevocationList) RevokeBatch(ctx context.Context, jtis []string, ttl time.Duration) error {
	if err := l.persistent.RevokeBatch(ctx, jtis, ttl); err != nil {
		return fmt.Errorf("persist revocation: %w", err)
	}
	if l.shared != nil {
		if err := l.shared.RevokeBatch(ctx, jtis, ttl); err != nil {
			l.logger.WarnContext(ctx, "shared revocation tier write failed", "error", err)
		}
	}
	for _, jti := range jtis {
		if jti != "" {
			l.local.Add(jti, true)
		}
	}
	return nil
}

func (l *TieredRevocationList) IsRevoked(ctx context.Context, jti string) (bool, error) {
	if jti == "" {
		return false, nil
	}
	if revoked, ok := l.local.Get(jti); ok {
		return revoked, nil
	}
	if l.shared != nil {
		revoked, err := l.shared.IsRevoked(ctx, jti)
		if err == nil {
			if revoked {
				l.local.Add(jti, true)
				return true, nil
			}
			// A shared-tier miss is not final: entries written while Redis
			// was down live only in Postgres.
		} else {
			l.logger.WarnContext(ctx, "shared revocation tier read failed", "error", err)
		}
	}
	revoked, err := l.persistent.IsRevoked(ctx, jti)
	if err != nil {
		return false, err
	}
	l.local.Add(jti, revoked)
	return revoked, nil
}
