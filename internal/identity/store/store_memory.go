package store

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"authd/internal/identity/models"
	id "authd/pkg/domain"
	"authd/pkg/platform/sentinel"
)

// MemoryUserStore is the in-memory UserStore for unit tests and single-node
// development. The mutex provides the same serialisation guarantees the
// Postgres implementation gets from atomic statements.
type MemoryUserStore struct {
	mu       sync.Mutex
	users    map[id.UserID]*models.User
	failures map[id.UserID][]failureEvent
	roles    map[id.UserID]map[string]struct{}
}

type failureEvent struct {
	at time.Time
	ip string
}

// NewMemoryUserStore constructs an empty store.
func NewMemoryUserStore() *MemoryUserStore {
	return &MemoryUserStore{
		users:    make(map[id.UserID]*models.User),
		failures: make(map[id.UserID][]failureEvent),
		roles:    make(map[id.UserID]map[string]struct{}),
	}
}

func (s *MemoryUserStore) Create(ctx context.Context, user *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.users {
		if existing.Deleted() {
			continue
		}
		if existing.Email == user.Email {
			return fmt.Errorf("email already registered: %w", sentinel.ErrConflict)
		}
		if user.RecoveryEmailBlindIndex != "" && existing.RecoveryEmailBlindIndex == user.RecoveryEmailBlindIndex {
			return fmt.Errorf("recovery email already registered: %w", sentinel.ErrConflict)
		}
	}

	clone := *user
	s.users[user.ID] = &clone
	return nil
}

func (s *MemoryUserStore) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range s.users {
		if !u.Deleted() && u.Email == email {
			clone := *u
			return &clone, nil
		}
	}
	return nil, fmt.Errorf("user by email: %w", sentinel.ErrNotFound)
}

func (s *MemoryUserStore) FindByID(ctx context.Context, userID id.UserID) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok || u.Deleted() {
		return nil, fmt.Errorf("user by id: %w", sentinel.ErrNotFound)
	}
	clone := *u
	return &clone, nil
}

func (s *MemoryUserStore) FindByHandle(ctx context.Context, handle id.UserHandle) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range s.users {
		if !u.Deleted() && u.Handle == handle {
			clone := *u
			return &clone, nil
		}
	}
	return nil, fmt.Errorf("user by handle: %w", sentinel.ErrNotFound)
}

func (s *MemoryUserStore) ExistsByRecoveryEmailBlindIndex(ctx context.Context, blindIndex string) (bool, error) {
	if blindIndex == "" {
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range s.users {
		if !u.Deleted() && u.RecoveryEmailBlindIndex == blindIndex {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryUserStore) UpdatePassword(ctx context.Context, userID id.UserID, hash string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok || u.Deleted() {
		return fmt.Errorf("update password: %w", sentinel.ErrNotFound)
	}
	u.PasswordHash = hash
	u.LastPasswordChangeAt = &at
	u.UpdatedAt = at
	return nil
}

func (s *MemoryUserStore) UpdateProfile(ctx context.Context, user *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[user.ID]
	if !ok || u.Deleted() {
		return fmt.Errorf("update profile: %w", sentinel.ErrNotFound)
	}
	u.GivenName = user.GivenName
	u.MiddleName = user.MiddleName
	u.Surname = user.Surname
	u.Nickname = user.Nickname
	u.RecoveryEmailEncrypted = user.RecoveryEmailEncrypted
	u.RecoveryEmailBlindIndex = user.RecoveryEmailBlindIndex
	u.MobileNumberEncrypted = user.MobileNumberEncrypted
	u.UpdatedAt = user.UpdatedAt
	return nil
}

func (s *MemoryUserStore) SoftDelete(ctx context.Context, userID id.UserID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok || u.Deleted() {
		return fmt.Errorf("soft delete: %w", sentinel.ErrNotFound)
	}
	u.DeletedAt = &at
	u.UpdatedAt = at
	return nil
}

func (s *MemoryUserStore) RecordLoginFailure(ctx context.Context, userID id.UserID, at time.Time, maxAttempts int, lockoutUntil time.Time) (*models.FailureRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok || u.Deleted() {
		return nil, fmt.Errorf("record login failure: %w", sentinel.ErrNotFound)
	}

	// Cap the counter so a sustained attack cannot overflow it.
	if u.Status.FailedLoginAttempts < maxAttempts+overflowBuffer {
		u.Status.FailedLoginAttempts++
	}

	record := &models.FailureRecord{FailedLoginAttempts: u.Status.FailedLoginAttempts}
	if u.Status.FailedLoginAttempts >= maxAttempts && u.Status.LockoutExpiresAt == nil {
		until := lockoutUntil
		u.Status.LockoutExpiresAt = &until
		record.Locked = true
	}
	record.LockoutExpiresAt = u.Status.LockoutExpiresAt
	u.UpdatedAt = at
	return record, nil
}

func (s *MemoryUserStore) RecordLoginSuccess(ctx context.Context, userID id.UserID, at time.Time, rehash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok || u.Deleted() {
		return fmt.Errorf("record login success: %w", sentinel.ErrNotFound)
	}
	u.Status.FailedLoginAttempts = 0
	u.Status.LockoutExpiresAt = nil
	u.LastLoginAt = &at
	if rehash != "" {
		u.PasswordHash = rehash
		u.LastPasswordChangeAt = &at
	}
	u.UpdatedAt = at
	return nil
}

func (s *MemoryUserStore) ClearExpiredLockout(ctx context.Context, userID id.UserID, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok || u.Deleted() {
		return false, fmt.Errorf("clear expired lockout: %w", sentinel.ErrNotFound)
	}
	if u.Status.LockoutExpiresAt == nil || u.Status.LockoutExpiresAt.After(now) {
		return false, nil
	}
	u.Status.FailedLoginAttempts = 0
	u.Status.LockoutExpiresAt = nil
	u.UpdatedAt = now
	return true, nil
}

func (s *MemoryUserStore) AppendFailureEvent(ctx context.Context, userID id.UserID, ip string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[userID] = append(s.failures[userID], failureEvent{at: at, ip: ip})
	return nil
}

func (s *MemoryUserStore) CountRecentFailures(ctx context.Context, userID id.UserID, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, f := range s.failures[userID] {
		if !f.at.Before(since) {
			count++
		}
	}
	return count, nil
}

func (s *MemoryUserStore) AssignRole(ctx context.Context, userID id.UserID, roleName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[userID]; !ok {
		return fmt.Errorf("assign role: %w", sentinel.ErrNotFound)
	}
	if s.roles[userID] == nil {
		s.roles[userID] = make(map[string]struct{})
	}
	s.roles[userID][roleName] = struct{}{}
	return nil
}

func (s *MemoryUserStore) RevokeRole(ctx context.Context, userID id.UserID, roleName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.roles[userID], roleName)
	return nil
}

func (s *MemoryUserStore) RoleNames(ctx context.Context, userID id.UserID) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.roles[userID]))
	for name := range s.roles[userID] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// overflowBuffer lets the counter exceed the maximum by a small margin so
// near-simultaneous failures around the threshold stay observable without
// unbounded growth.
const overflowBuffer = 10

// MemoryPasskeyStore is the in-memory PasskeyStore.
type MemoryPasskeyStore struct {
	mu          sync.Mutex
	credentials []*models.PasskeyCredential
}

// NewMemoryPasskeyStore constructs an empty store.
func NewMemoryPasskeyStore() *MemoryPasskeyStore {
	return &MemoryPasskeyStore{}
}

func (s *MemoryPasskeyStore) Add(ctx context.Context, credential *models.PasskeyCredential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.credentials {
		if bytes.Equal(c.CredentialID, credential.CredentialID) {
			return fmt.Errorf("credential id already registered: %w", sentinel.ErrConflict)
		}
	}
	clone := *credential
	s.credentials = append(s.credentials, &clone)
	return nil
}

func (s *MemoryPasskeyStore) FindByCredentialID(ctx context.Context, credentialID []byte) (*models.PasskeyCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.credentials {
		if bytes.Equal(c.CredentialID, credentialID) {
			clone := *c
			return &clone, nil
		}
	}
	return nil, fmt.Errorf("passkey credential: %w", sentinel.ErrNotFound)
}

func (s *MemoryPasskeyStore) ListByUser(ctx context.Context, userID id.UserID) ([]*models.PasskeyCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.PasskeyCredential
	for _, c := range s.credentials {
		if c.UserID == userID {
			clone := *c
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryPasskeyStore) Remove(ctx context.Context, userID id.UserID, credentialID []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, c := range s.credentials {
		if c.UserID == userID && bytes.Equal(c.CredentialID, credentialID) {
			s.credentials = append(s.credentials[:i], s.credentials[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("remove passkey: %w", sentinel.ErrNotFound)
}

func (s *MemoryPasskeyStore) UpdateCounter(ctx context.Context, credentialID []byte, expected, next uint32, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.credentials {
		if bytes.Equal(c.CredentialID, credentialID) {
			if c.SignCount != expected {
				return false, nil
			}
			c.SignCount = next
			c.LastUsedAt = &at
			return true, nil
		}
	}
	return false, fmt.Errorf("update passkey counter: %w", sentinel.ErrNotFound)
}

func (s *MemoryPasskeyStore) MarkCompromised(ctx context.Context, credentialID []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.credentials {
		if bytes.Equal(c.CredentialID, credentialID) {
			c.Compromised = true
			return nil
		}
	}
	return fmt.Errorf("mark passkey compromised: %w", sentinel.ErrNotFound)
}
