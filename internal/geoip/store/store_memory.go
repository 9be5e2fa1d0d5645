package store

import (
	"context"
	"sync"
	"time"

	"authd/internal/geoip/models"
	id "authd/pkg/domain"
)

// MemoryMetadataStore is the in-memory MetadataStore.
type MemoryMetadataStore struct {
	mu      sync.Mutex
	history map[id.UserID][]models.Observation
	ips     map[string]*models.IPMetadata
}

// NewMemoryMetadataStore constructs an empty store.
func NewMemoryMetadataStore() *MemoryMetadataStore {
	return &MemoryMetadataStore{
		history: make(map[id.UserID][]models.Observation),
		ips:     make(map[string]*models.IPMetadata),
	}
}

func (s *MemoryMetadataStore) RecordObservation(ctx context.Context, obs models.Observation, suspicious bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := append([]models.Observation{obs}, s.history[obs.UserID]...)
	if len(entries) > models.HistoryLimit {
		entries = entries[:models.HistoryLimit]
	}
	s.history[obs.UserID] = entries

	meta, ok := s.ips[obs.IP]
	if !ok {
		meta = &models.IPMetadata{IP: obs.IP, FirstSeenAt: obs.ObservedAt}
		s.ips[obs.IP] = meta
	}
	meta.LastSeenAt = obs.ObservedAt
	meta.LastLocation = obs.Location
	if suspicious {
		meta.SuspiciousCount++
	}
	return nil
}

func (s *MemoryMetadataStore) History(ctx context.Context, userID id.UserID, limit int) ([]models.Observation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.history[userID]
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	out := make([]models.Observation, len(entries))
	copy(out, entries)
	return out, nil
}

func (s *MemoryMetadataStore) IPMetadata(ctx context.Context, ip string) (*models.IPMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if meta, ok := s.ips[ip]; ok {
		clone := *meta
		return &clone, nil
	}
	return &models.IPMetadata{IP: ip}, nil
}

// MemoryBlocklistStore is the in-memory BlocklistStore.
type MemoryBlocklistStore struct {
	mu      sync.Mutex
	entries map[string]models.BlocklistEntry
}

// NewMemoryBlocklistStore constructs an empty store.
func NewMemoryBlocklistStore() *MemoryBlocklistStore {
	return &MemoryBlocklistStore{entries: make(map[string]models.BlocklistEntry)}
}

func (s *MemoryBlocklistStore) IsBlocked(ctx context.Context, ip string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[ip]
	if !ok {
		return false, nil
	}
	return entry.ActiveAt(now), nil
}

func (s *MemoryBlocklistStore) Block(ctx context.Context, entry models.BlocklistEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.IP] = entry
	return nil
}

func (s *MemoryBlocklistStore) Unblock(ctx context.Context, ip string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, ip)
	return nil
}
