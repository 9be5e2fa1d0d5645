package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"authd/internal/identity/models"
	id "authd/pkg/domain"
	"authd/pkg/platform/sentinel"
)

type MemoryUserStoreSuite struct {
	suite.Suite
	ctx   context.Context
	store *MemoryUserStore
	now   time.Time
}

func TestMemoryUserStoreSuite(t *testing.T) {
	suite.Run(t, new(MemoryUserStoreSuite))
}

func (s *MemoryUserStoreSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = NewMemoryUserStore()
	s.now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
}

func (s *MemoryUserStoreSuite) newUser(email string) *models.User {
	handle, err := id.NewUserHandle()
	s.Require().NoError(err)
	return &models.User{
		ID:     id.UserID(uuid.New()),
		Handle: handle,
		Email:  email,
		Status: models.AccountStatus{
			Enabled:               true,
			AccountNonExpired:     true,
			CredentialsNonExpired: true,
		},
		CreatedAt: s.now,
		UpdatedAt: s.now,
	}
}

func (s *MemoryUserStoreSuite) TestCreateAndFind() {
	user := s.newUser("alice@example.com")
	s.Require().NoError(s.store.Create(s.ctx, user))

	byEmail, err := s.store.FindByEmail(s.ctx, "alice@example.com")
	s.Require().NoError(err)
	s.Equal(user.ID, byEmail.ID)

	byID, err := s.store.FindByID(s.ctx, user.ID)
	s.Require().NoError(err)
	s.Equal(user.Email, byID.Email)

	byHandle, err := s.store.FindByHandle(s.ctx, user.Handle)
	s.Require().NoError(err)
	s.Equal(user.ID, byHandle.ID)
}

func (s *MemoryUserStoreSuite) TestCreateRejectsDuplicateEmail() {
	s.Require().NoError(s.store.Create(s.ctx, s.newUser("alice@example.com")))

	err := s.store.Create(s.ctx, s.newUser("alice@example.com"))
	s.Require().Error(err)
	s.ErrorIs(err, sentinel.ErrConflict)
}

func (s *MemoryUserStoreSuite) TestCreateRejectsDuplicateRecoveryEmail() {
	first := s.newUser("alice@example.com")
	first.RecoveryEmailBlindIndex = "abc123"
	s.Require().NoError(s.store.Create(s.ctx, first))

	second := s.newUser("bob@example.com")
	second.RecoveryEmailBlindIndex = "abc123"
	err := s.store.Create(s.ctx, second)
	s.ErrorIs(err, sentinel.ErrConflict)
}

func (s *MemoryUserStoreSuite) TestSoftDeleteHidesFromLookupsAndFreesEmail() {
	user := s.newUser("alice@example.com")
	s.Require().NoError(s.store.Create(s.ctx, user))
	s.Require().NoError(s.store.SoftDelete(s.ctx, user.ID, s.now))

	_, err := s.store.FindByEmail(s.ctx, "alice@example.com")
	s.ErrorIs(err, sentinel.ErrNotFound)
	_, err = s.store.FindByID(s.ctx, user.ID)
	s.ErrorIs(err, sentinel.ErrNotFound)

	// A deleted row no longer claims the email.
	s.NoError(s.store.Create(s.ctx, s.newUser("alice@example.com")))
}

func (s *MemoryUserStoreSuite) TestRecordLoginFailureLocksAtThreshold() {
	user := s.newUser("alice@example.com")
	s.Require().NoError(s.store.Create(s.ctx, user))

	lockoutUntil := s.now.Add(15 * time.Minute)
	for i := 1; i <= 4; i++ {
		record, err := s.store.RecordLoginFailure(s.ctx, user.ID, s.now, 5, lockoutUntil)
		s.Require().NoError(err)
		s.Equal(i, record.FailedLoginAttempts)
		s.False(record.Locked)
		s.Nil(record.LockoutExpiresAt)
	}

	record, err := s.store.RecordLoginFailure(s.ctx, user.ID, s.now, 5, lockoutUntil)
	s.Require().NoError(err)
	s.Equal(5, record.FailedLoginAttempts)
	s.True(record.Locked)
	s.Require().NotNil(record.LockoutExpiresAt)
	s.True(record.LockoutExpiresAt.Equal(lockoutUntil))

	// Further failures never extend the existing lockout.
	later := s.now.Add(time.Minute)
	record, err = s.store.RecordLoginFailure(s.ctx, user.ID, later, 5, later.Add(15*time.Minute))
	s.Require().NoError(err)
	s.False(record.Locked)
	s.True(record.LockoutExpiresAt.Equal(lockoutUntil))
}

func (s *MemoryUserStoreSuite) TestRecordLoginSuccessResetsCountersAndRehashes() {
	user := s.newUser("alice@example.com")
	user.PasswordHash = "$2a$10$legacy"
	s.Require().NoError(s.store.Create(s.ctx, user))

	_, err := s.store.RecordLoginFailure(s.ctx, user.ID, s.now, 5, s.now.Add(15*time.Minute))
	s.Require().NoError(err)

	s.Require().NoError(s.store.RecordLoginSuccess(s.ctx, user.ID, s.now, "$argon2id$upgraded"))

	loaded, err := s.store.FindByID(s.ctx, user.ID)
	s.Require().NoError(err)
	s.Zero(loaded.Status.FailedLoginAttempts)
	s.Nil(loaded.Status.LockoutExpiresAt)
	s.Equal("$argon2id$upgraded", loaded.PasswordHash)
	s.Require().NotNil(loaded.LastLoginAt)
	s.True(loaded.LastLoginAt.Equal(s.now))
}

func (s *MemoryUserStoreSuite) TestClearExpiredLockout() {
	user := s.newUser("alice@example.com")
	s.Require().NoError(s.store.Create(s.ctx, user))

	lockoutUntil := s.now.Add(15 * time.Minute)
	for i := 0; i < 5; i++ {
		_, err := s.store.RecordLoginFailure(s.ctx, user.ID, s.now, 5, lockoutUntil)
		s.Require().NoError(err)
	}

	cleared, err := s.store.ClearExpiredLockout(s.ctx, user.ID, s.now.Add(time.Minute))
	s.Require().NoError(err)
	s.False(cleared)

	cleared, err = s.store.ClearExpiredLockout(s.ctx, user.ID, lockoutUntil)
	s.Require().NoError(err)
	s.True(cleared)

	loaded, err := s.store.FindByID(s.ctx, user.ID)
	s.Require().NoError(err)
	s.Zero(loaded.Status.FailedLoginAttempts)
	s.Nil(loaded.Status.LockoutExpiresAt)
}

func (s *MemoryUserStoreSuite) TestRecentFailureWindow() {
	user := s.newUser("alice@example.com")
	s.Require().NoError(s.store.Create(s.ctx, user))

	s.Require().NoError(s.store.AppendFailureEvent(s.ctx, user.ID, "198.51.100.7", s.now.Add(-11*time.Minute)))
	s.Require().NoError(s.store.AppendFailureEvent(s.ctx, user.ID, "198.51.100.7", s.now.Add(-5*time.Minute)))
	s.Require().NoError(s.store.AppendFailureEvent(s.ctx, user.ID, "198.51.100.8", s.now.Add(-time.Minute)))

	count, err := s.store.CountRecentFailures(s.ctx, user.ID, s.now.Add(-10*time.Minute))
	s.Require().NoError(err)
	s.Equal(2, count)
}

func (s *MemoryUserStoreSuite) TestRoleAssignment() {
	user := s.newUser("alice@example.com")
	s.Require().NoError(s.store.Create(s.ctx, user))

	s.Require().NoError(s.store.AssignRole(s.ctx, user.ID, "USER"))
	s.Require().NoError(s.store.AssignRole(s.ctx, user.ID, "ADMIN"))
	s.Require().NoError(s.store.AssignRole(s.ctx, user.ID, "USER")) // idempotent

	names, err := s.store.RoleNames(s.ctx, user.ID)
	s.Require().NoError(err)
	s.Equal([]string{"ADMIN", "USER"}, names)

	s.Require().NoError(s.store.RevokeRole(s.ctx, user.ID, "ADMIN"))
	names, err = s.store.RoleNames(s.ctx, user.ID)
	s.Require().NoError(err)
	s.Equal([]string{"USER"}, names)
}

type MemoryPasskeyStoreSuite struct {
	suite.Suite
	ctx   context.Context
	store *MemoryPasskeyStore
	now   time.Time
}

func TestMemoryPasskeyStoreSuite(t *testing.T) {
	suite.Run(t, new(MemoryPasskeyStoreSuite))
}

func (s *MemoryPasskeyStoreSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = NewMemoryPasskeyStore()
	s.now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
}

func (s *MemoryPasskeyStoreSuite) newCredential(userID id.UserID, credentialID []byte) *models.PasskeyCredential {
	return &models.PasskeyCredential{
		CredentialID: credentialID,
		UserID:       userID,
		PublicKey:    []byte{0xa5, 0x01, 0x02},
		SignCount:    0,
		CreatedAt:    s.now,
	}
}

func (s *MemoryPasskeyStoreSuite) TestAddRejectsDuplicateCredentialID() {
	userID := id.UserID(uuid.New())
	s.Require().NoError(s.store.Add(s.ctx, s.newCredential(userID, []byte{1, 2, 3})))

	err := s.store.Add(s.ctx, s.newCredential(id.UserID(uuid.New()), []byte{1, 2, 3}))
	s.ErrorIs(err, sentinel.ErrConflict)
}

func (s *MemoryPasskeyStoreSuite) TestUpdateCounterCompareAndSet() {
	userID := id.UserID(uuid.New())
	s.Require().NoError(s.store.Add(s.ctx, s.newCredential(userID, []byte{1, 2, 3})))

	ok, err := s.store.UpdateCounter(s.ctx, []byte{1, 2, 3}, 0, 7, s.now)
	s.Require().NoError(err)
	s.True(ok)

	// Stale expected value loses the race.
	ok, err = s.store.UpdateCounter(s.ctx, []byte{1, 2, 3}, 0, 8, s.now)
	s.Require().NoError(err)
	s.False(ok)

	loaded, err := s.store.FindByCredentialID(s.ctx, []byte{1, 2, 3})
	s.Require().NoError(err)
	s.Equal(uint32(7), loaded.SignCount)
	s.Require().NotNil(loaded.LastUsedAt)
}

func (s *MemoryPasskeyStoreSuite) TestRemoveIsUserScoped() {
	owner := id.UserID(uuid.New())
	s.Require().NoError(s.store.Add(s.ctx, s.newCredential(owner, []byte{1, 2, 3})))

	err := s.store.Remove(s.ctx, id.UserID(uuid.New()), []byte{1, 2, 3})
	s.ErrorIs(err, sentinel.ErrNotFound)

	s.Require().NoError(s.store.Remove(s.ctx, owner, []byte{1, 2, 3}))
	_, err = s.store.FindByCredentialID(s.ctx, []byte{1, 2, 3})
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *MemoryPasskeyStoreSuite) TestMarkCompromised() {
	userID := id.UserID(uuid.New())
	s.Require().NoError(s.store.Add(s.ctx, s.newCredential(userID, []byte{1, 2, 3})))

	s.Require().NoError(s.store.MarkCompromised(s.ctx, []byte{1, 2, 3}))

	loaded, err := s.store.FindByCredentialID(s.ctx, []byte{1, 2, 3})
	s.Require().NoError(err)
	s.True(loaded.Compromised)
}

func (s *MemoryPasskeyStoreSuite) TestListByUserOrdersByCreation() {
	userID := id.UserID(uuid.New())
	second := s.newCredential(userID, []byte{2})
	second.CreatedAt = s.now.Add(time.Hour)
	s.Require().NoError(s.store.Add(s.ctx, second))

	first := s.newCredential(userID, []byte{1})
	s.Require().NoError(s.store.Add(s.ctx, first))
	s.Require().NoError(s.store.Add(s.ctx, s.newCredential(id.UserID(uuid.New()), []byte{3})))

	listed, err := s.store.ListByUser(s.ctx, userID)
	s.Require().NoError(err)
	s.Require().Len(listed, 2)
	s.Equal([]byte{1}, listed[0].CredentialID)
	s.Equal([]byte{2}, listed[1].CredentialID)
}
