package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"authd/internal/identity/models"
	"authd/internal/identity/store"
	"authd/internal/passkey/challenge"
	id "authd/pkg/domain"
	dErrors "authd/pkg/domain-errors"
	"authd/pkg/platform/audit"
	"authd/pkg/requestcontext"
)

type recordingSecurity struct {
	events []audit.SecurityEvent
}

func (r *recordingSecurity) Emit(_ context.Context, event audit.SecurityEvent) {
	r.events = append(r.events, event)
}

type PasskeyCounterSuite struct {
	suite.Suite
	ctx      context.Context
	now      time.Time
	users    *store.MemoryUserStore
	passkeys *store.MemoryPasskeyStore
	security *recordingSecurity
	service  *Service
	userID   id.UserID
}

func TestPasskeyCounterSuite(t *testing.T) {
	suite.Run(t, new(PasskeyCounterSuite))
}

func (s *PasskeyCounterSuite) SetupTest() {
	s.now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s.ctx = requestcontext.WithTime(context.Background(), s.now)
	s.users = store.NewMemoryUserStore()
	s.passkeys = store.NewMemoryPasskeyStore()
	s.security = &recordingSecurity{}

	svc, err := New(Config{
		RPID:     "localhost",
		RPName:   "authd test",
		RPOrigin: "http://localhost",
	}, s.users, s.passkeys, challenge.NewMemoryStore(),
		WithSecurityPublisher(s.security))
	s.Require().NoError(err)
	s.service = svc

	s.userID = id.NewUserID()
}

func (s *PasskeyCounterSuite) addCredential(signCount uint32) *models.PasskeyCredential {
	cred := &models.PasskeyCredential{
		CredentialID: []byte("cred-1"),
		UserID:       s.userID,
		PublicKey:    []byte("cose-key"),
		SignCount:    signCount,
		CreatedAt:    s.now,
	}
	s.Require().NoError(s.passkeys.Add(s.ctx, cred))
	return cred
}

func (s *PasskeyCounterSuite) TestCounterAdvances() {
	cred := s.addCredential(5)

	err := s.service.advanceCounter(s.ctx, cred, 6, false)
	s.Require().NoError(err)
	s.Equal(uint32(6), cred.SignCount)

	stored, err := s.passkeys.FindByCredentialID(s.ctx, cred.CredentialID)
	s.Require().NoError(err)
	s.Equal(uint32(6), stored.SignCount)
	s.Require().NotNil(stored.LastUsedAt)
	s.Equal(s.now, *stored.LastUsedAt)
}

func (s *PasskeyCounterSuite) TestBothZeroToleratedOnce() {
	cred := s.addCredential(0)

	err := s.service.advanceCounter(s.ctx, cred, 0, false)
	s.Require().NoError(err)

	stored, err := s.passkeys.FindByCredentialID(s.ctx, cred.CredentialID)
	s.Require().NoError(err)
	s.False(stored.Compromised)
}

func (s *PasskeyCounterSuite) TestEqualNonZeroIsRegression() {
	cred := s.addCredential(7)

	err := s.service.advanceCounter(s.ctx, cred, 7, false)
	s.Require().Error(err)
	s.True(dErrors.HasKind(err, dErrors.KindPasskeyValidationFailed))
}

func (s *PasskeyCounterSuite) TestRegressionMarksCompromised() {
	cred := s.addCredential(10)

	err := s.service.advanceCounter(s.ctx, cred, 3, false)
	s.Require().Error(err)
	s.True(dErrors.HasKind(err, dErrors.KindPasskeyValidationFailed))

	stored, err := s.passkeys.FindByCredentialID(s.ctx, cred.CredentialID)
	s.Require().NoError(err)
	s.True(stored.Compromised)

	s.Require().Len(s.security.events, 1)
	event := s.security.events[0]
	s.Equal(string(audit.EventPasskeyCounterRegression), event.Action)
	s.Equal(audit.SeverityCritical, event.Severity)
	s.Equal("10", event.Details["stored_count"])
	s.Equal("3", event.Details["asserted_count"])
}

func (s *PasskeyCounterSuite) TestCloneWarningTreatedAsRegression() {
	cred := s.addCredential(0)

	err := s.service.advanceCounter(s.ctx, cred, 9, true)
	s.Require().Error(err)
	s.True(dErrors.HasKind(err, dErrors.KindPasskeyValidationFailed))

	stored, err := s.passkeys.FindByCredentialID(s.ctx, cred.CredentialID)
	s.Require().NoError(err)
	s.True(stored.Compromised)
}

func (s *PasskeyCounterSuite) TestConcurrentAssertionLosesRace() {
	cred := s.addCredential(5)

	// Another instance advanced the stored counter after this assertion
	// was verified but before the CAS.
	ok, err := s.passkeys.UpdateCounter(s.ctx, cred.CredentialID, 5, 6, s.now)
	s.Require().NoError(err)
	s.Require().True(ok)

	err = s.service.advanceCounter(s.ctx, cred, 7, false)
	s.Require().Error(err)
	s.True(dErrors.HasKind(err, dErrors.KindPasskeyValidationFailed))
}

func (s *PasskeyCounterSuite) TestRemoveCredentialEmitsEvent() {
	cred := s.addCredential(0)

	s.Require().NoError(s.service.RemoveCredential(s.ctx, s.userID, cred.CredentialID))
	s.Require().Len(s.security.events, 1)
	s.Equal(string(audit.EventPasskeyRemoved), s.security.events[0].Action)

	err := s.service.RemoveCredential(s.ctx, s.userID, cred.CredentialID)
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
}
