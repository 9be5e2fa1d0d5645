package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"authd/internal/token/models"
	id "authd/pkg/domain"
	"authd/pkg/platform/sentinel"
	"authd/pkg/requestcontext"
)

// MemoryRevocationList is the in-memory RevocationList.
type MemoryRevocationList struct {
	mu      sync.Mutex
	entries map[string]time.Time
}

// NewMemoryRevocationList constructs an empty list.
func NewMemoryRevocationList() *MemoryRevocationList {
	return &MemoryRevocationList{entries: make(map[string]time.Time)}
}

func (l *MemoryRevocationList) Revoke(ctx context.Context, jti string, ttl time.Duration) error {
	if jti == "" {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[jti] = requestcontext.Now(ctx).Add(ttl)
	return nil
}

func (l *MemoryRevocationList) RevokeBatch(ctx context.Context, jtis []string, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	expiry := requestcontext.Now(ctx).Add(ttl)
	for _, jti := range jtis {
		if jti != "" {
			l.entries[jti] = expiry
		}
	}
	return nil
}

func (l *MemoryRevocationList) IsRevoked(ctx context.Context, jti string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	expiry, ok := l.entries[jti]
	if !ok {
		return false, nil
	}
	if !expiry.After(requestcontext.Now(ctx)) {
		delete(l.entries, jti)
		return false, nil
	}
	return true, nil
}

// MemoryRefreshStore is the in-memory RefreshStore.
type MemoryRefreshStore struct {
	mu      sync.Mutex
	records map[uuid.UUID]*models.RefreshRecord
}

// NewMemoryRefreshStore constructs an empty store.
func NewMemoryRefreshStore() *MemoryRefreshStore {
	return &MemoryRefreshStore{records: make(map[uuid.UUID]*models.RefreshRecord)}
}

func (s *MemoryRefreshStore) Create(ctx context.Context, record *models.RefreshRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[record.JTI]; ok {
		return fmt.Errorf("refresh jti taken: %w", sentinel.ErrConflict)
	}
	clone := *record
	s.records[record.JTI] = &clone
	return nil
}

func (s *MemoryRefreshStore) Find(ctx context.Context, jti uuid.UUID) (*models.RefreshRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[jti]
	if !ok {
		return nil, fmt.Errorf("refresh record: %w", sentinel.ErrNotFound)
	}
	clone := *record
	return &clone, nil
}

func (s *MemoryRefreshStore) MarkRotated(ctx context.Context, jti, successor uuid.UUID, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[jti]
	if !ok || !record.Active() {
		return false, nil
	}
	record.RotatedTo = &successor
	return true, nil
}

func (s *MemoryRefreshStore) RevokeSession(ctx context.Context, sessionID id.SessionID, at time.Time) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var revoked []uuid.UUID
	for _, record := range s.records {
		if record.SessionID == sessionID && record.RevokedAt == nil {
			when := at
			record.RevokedAt = &when
			revoked = append(revoked, record.JTI)
		}
	}
	return revoked, nil
}

func (s *MemoryRefreshStore) RevokeAllForUser(ctx context.Context, userID id.UserID, at time.Time) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var revoked []uuid.UUID
	for _, record := range s.records {
		if record.UserID == userID && record.RevokedAt == nil {
			when := at
			record.RevokedAt = &when
			revoked = append(revoked, record.JTI)
		}
	}
	return revoked, nil
}

// MemoryUserRevocationStore is the in-memory UserRevocationStore.
type MemoryUserRevocationStore struct {
	mu      sync.Mutex
	cutoffs map[id.UserID]time.Time
}

// NewMemoryUserRevocationStore constructs an empty store.
func NewMemoryUserRevocationStore() *MemoryUserRevocationStore {
	return &MemoryUserRevocationStore{cutoffs: make(map[id.UserID]time.Time)}
}

func (s *MemoryUserRevocationStore) RecordRevocation(ctx context.Context, userID id.UserID, at time.Time, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.cutoffs[userID]; !ok || at.After(existing) {
		s.cutoffs[userID] = at
	}
	return nil
}

func (s *MemoryUserRevocationStore) RevokedAt(ctx context.Context, userID id.UserID) (*time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff, ok := s.cutoffs[userID]
	if !ok {
		return nil, nil
	}
	return &cutoff, nil
}
