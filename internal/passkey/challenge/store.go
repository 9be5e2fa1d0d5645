// Package challenge holds pending WebAuthn ceremony state between the begin
// and finish calls. Entries live for one ceremony: Take removes on read, so
// a consumed challenge can never be finished twice.
package challenge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-webauthn/webauthn/webauthn"

	"authd/pkg/platform/sentinel"
	"authd/pkg/requestcontext"
)

// TTL is how long a begun ceremony stays finishable.
const TTL = 5 * time.Minute

// Store persists pending ceremony session data.
type Store interface {
	// Save stores the session under the key, replacing any pending ceremony
	// for the same key.
	Save(ctx context.Context, key string, session *webauthn.SessionData, ttl time.Duration) error

	// Take returns and removes the session. Returns sentinel.ErrNotFound
	// (wrapped) when the key is absent or expired.
	Take(ctx context.Context, key string) (*webauthn.SessionData, error)
}

type memoryEntry struct {
	session   webauthn.SessionData
	expiresAt time.Time
}

// MemoryStore is the in-memory Store.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry)}
}

func (s *MemoryStore) Save(ctx context.Context, key string, session *webauthn.SessionData, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = memoryEntry{
		session:   *session,
		expiresAt: requestcontext.Now(ctx).Add(ttl),
	}
	return nil
}

func (s *MemoryStore) Take(ctx context.Context, key string) (*webauthn.SessionData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok {
		return nil, fmt.Errorf("pending ceremony: %w", sentinel.ErrNotFound)
	}
	delete(s.entries, key)
	if !entry.expiresAt.After(requestcontext.Now(ctx)) {
		return nil, fmt.Errorf("pending ceremony expired: %w", sentinel.ErrNotFound)
	}
	session := entry.session
	return &session, nil
}
