// Package service runs the WebAuthn ceremonies. The go-webauthn library
// owns the ceremony cryptography (origin, rpId hash, signature, attestation
// format); the challenge lifecycle, the signature-counter rule and
// compromise marking are enforced here.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/protocol/webauthncose"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/google/uuid"

	"authd/internal/identity/models"
	"authd/internal/identity/store"
	"authd/internal/passkey/challenge"
	id "authd/pkg/domain"
	dErrors "authd/pkg/domain-errors"
	"authd/pkg/platform/audit"
	"authd/pkg/platform/sentinel"
	"authd/pkg/requestcontext"
)

const ceremonyTimeout = 60 * time.Second

// Accepted credential algorithms, in server preference order.
var credentialParameters = []protocol.CredentialParameter{
	{Type: protocol.PublicKeyCredentialType, Algorithm: webauthncose.AlgES256},
	{Type: protocol.PublicKeyCredentialType, Algorithm: webauthncose.AlgRS256},
	{Type: protocol.PublicKeyCredentialType, Algorithm: webauthncose.AlgES384},
	{Type: protocol.PublicKeyCredentialType, Algorithm: webauthncose.AlgEdDSA},
}

// UserSource resolves accounts for ceremony binding.
type UserSource interface {
	FindByID(ctx context.Context, userID id.UserID) (*models.User, error)
	FindByHandle(ctx context.Context, handle id.UserHandle) (*models.User, error)
}

// SecurityPublisher records security-relevant events without blocking.
type SecurityPublisher interface {
	Emit(ctx context.Context, event audit.SecurityEvent)
}

// Config carries the relying-party identity.
type Config struct {
	RPID     string
	RPName   string
	RPOrigin string
}

// Service is the passkey ceremony coordinator.
type Service struct {
	wa         *webauthn.WebAuthn
	users      UserSource
	passkeys   store.PasskeyStore
	challenges challenge.Store
	logger     *slog.Logger
	security   SecurityPublisher
}

// Option configures a Service.
type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithSecurityPublisher(p SecurityPublisher) Option {
	return func(s *Service) { s.security = p }
}

// New constructs the service. Registration and login ceremonies share one
// relying-party configuration: no attestation, user verification and
// resident keys preferred, 60 second client timeout.
func New(cfg Config, users UserSource, passkeys store.PasskeyStore, challenges challenge.Store, opts ...Option) (*Service, error) {
	if users == nil || passkeys == nil || challenges == nil {
		return nil, fmt.Errorf("user source, passkey store and challenge store are required")
	}
	wa, err := webauthn.New(&webauthn.Config{
		RPID:                  cfg.RPID,
		RPDisplayName:         cfg.RPName,
		RPOrigins:             []string{cfg.RPOrigin},
		AttestationPreference: protocol.PreferNoAttestation,
		AuthenticatorSelection: protocol.AuthenticatorSelection{
			ResidentKey:      protocol.ResidentKeyRequirementPreferred,
			UserVerification: protocol.VerificationPreferred,
		},
		Timeouts: webauthn.TimeoutsConfig{
			Login:        webauthn.TimeoutConfig{Enforce: true, Timeout: ceremonyTimeout, TimeoutUVD: ceremonyTimeout},
			Registration: webauthn.TimeoutConfig{Enforce: true, Timeout: ceremonyTimeout, TimeoutUVD: ceremonyTimeout},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("configure webauthn: %w", err)
	}

	s := &Service{
		wa:         wa,
		users:      users,
		passkeys:   passkeys,
		challenges: challenges,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// ceremonyUser adapts an account and its credentials to webauthn.User. The
// WebAuthn user handle is the external opaque handle, never the internal id.
type ceremonyUser struct {
	user        *models.User
	credentials []*models.PasskeyCredential
}

func (u *ceremonyUser) WebAuthnID() []byte          { return u.user.Handle.Bytes() }
func (u *ceremonyUser) WebAuthnName() string        { return u.user.Email }
func (u *ceremonyUser) WebAuthnDisplayName() string { return u.user.DisplayName() }

func (u *ceremonyUser) WebAuthnCredentials() []webauthn.Credential {
	out := make([]webauthn.Credential, 0, len(u.credentials))
	for _, c := range u.credentials {
		transports := make([]protocol.AuthenticatorTransport, 0, len(c.Transports))
		for _, t := range c.Transports {
			transports = append(transports, protocol.AuthenticatorTransport(t))
		}
		out = append(out, webauthn.Credential{
			ID:        c.CredentialID,
			PublicKey: c.PublicKey,
			Transport: transports,
			Flags: webauthn.CredentialFlags{
				UserPresent:  true,
				UserVerified: true,
			},
			Authenticator: webauthn.Authenticator{
				SignCount: c.SignCount,
			},
		})
	}
	return out
}

func registrationKey(handle id.UserHandle) string { return "register:" + handle.String() }
func loginKey(handle id.UserHandle) string        { return "login:" + handle.String() }
func anonymousLoginKey(ref string) string         { return "login:anon:" + ref }

func (s *Service) loadCeremonyUser(ctx context.Context, userID id.UserID) (*ceremonyUser, error) {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "user not found").
				WithKind(dErrors.KindUserNotFound)
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "load user")
	}
	credentials, err := s.passkeys.ListByUser(ctx, userID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "load passkeys")
	}
	return &ceremonyUser{user: user, credentials: credentials}, nil
}

// BeginRegistration issues CreationOptions for a new credential. Existing
// credential ids are excluded so an authenticator cannot double-register.
func (s *Service) BeginRegistration(ctx context.Context, userID id.UserID) (*protocol.CredentialCreation, error) {
	cu, err := s.loadCeremonyUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	exclusions := make([]protocol.CredentialDescriptor, 0, len(cu.credentials))
	for _, c := range cu.credentials {
		exclusions = append(exclusions, protocol.CredentialDescriptor{
			Type:         protocol.PublicKeyCredentialType,
			CredentialID: c.CredentialID,
		})
	}

	options, session, err := s.wa.BeginRegistration(cu,
		webauthn.WithCredentialParameters(credentialParameters),
		webauthn.WithExclusions(exclusions),
	)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "begin passkey registration")
	}

	if err := s.challenges.Save(ctx, registrationKey(cu.user.Handle), session, challenge.TTL); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "store registration challenge")
	}
	return options, nil
}

// FinishRegistration validates the attestation response against the pending
// challenge and persists the credential with a zero counter. Any validation
// failure consumes the challenge; the client must begin again.
func (s *Service) FinishRegistration(ctx context.Context, userID id.UserID, name string, r *http.Request) (*models.PasskeyCredential, error) {
	cu, err := s.loadCeremonyUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	session, err := s.challenges.Take(ctx, registrationKey(cu.user.Handle))
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, validationFailed("no pending registration challenge")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "load registration challenge")
	}

	cred, err := s.wa.FinishRegistration(cu, *session, r)
	if err != nil {
		s.logger.InfoContext(ctx, "passkey registration rejected",
			"user_id", userID.String(), "error", err)
		return nil, validationFailed("attestation response rejected")
	}

	transports := make([]string, 0, len(cred.Transport))
	for _, t := range cred.Transport {
		transports = append(transports, string(t))
	}
	if name == "" {
		name = fmt.Sprintf("Passkey %d", len(cu.credentials)+1)
	}

	credential := &models.PasskeyCredential{
		CredentialID:      cred.ID,
		UserID:            userID,
		PublicKey:         cred.PublicKey,
		SignCount:         0,
		Transports:        transports,
		Name:              name,
		AttestationFormat: cred.AttestationType,
		CreatedAt:         requestcontext.Now(ctx),
	}
	if err := s.passkeys.Add(ctx, credential); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			return nil, validationFailed("credential id already registered")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "persist passkey")
	}

	s.emitSecurity(ctx, audit.SecurityEvent{
		Subject:   userID.String(),
		Action:    string(audit.EventPasskeyRegistered),
		Severity:  audit.SeverityInfo,
		Details:   map[string]string{"credential_name": name},
		Timestamp: requestcontext.Now(ctx),
	})
	return credential, nil
}

// BeginAuthentication issues RequestOptions. With a known user the allow
// list is scoped to their credentials; without one the list is empty and
// the client discovers a resident key. The returned reference locates the
// pending ceremony in FinishAuthentication.
func (s *Service) BeginAuthentication(ctx context.Context, handle *id.UserHandle) (*protocol.CredentialAssertion, string, error) {
	if handle != nil {
		user, err := s.users.FindByHandle(ctx, *handle)
		if err != nil {
			if errors.Is(err, sentinel.ErrNotFound) {
				return nil, "", dErrors.New(dErrors.CodeNotFound, "user not found").
					WithKind(dErrors.KindUserNotFound)
			}
			return nil, "", dErrors.Wrap(err, dErrors.CodeInternal, "load user")
		}
		cu, err := s.loadCeremonyUser(ctx, user.ID)
		if err != nil {
			return nil, "", err
		}
		options, session, err := s.wa.BeginLogin(cu)
		if err != nil {
			return nil, "", dErrors.Wrap(err, dErrors.CodeInternal, "begin passkey login")
		}
		key := loginKey(*handle)
		if err := s.challenges.Save(ctx, key, session, challenge.TTL); err != nil {
			return nil, "", dErrors.Wrap(err, dErrors.CodeInternal, "store login challenge")
		}
		return options, key, nil
	}

	options, session, err := s.wa.BeginDiscoverableLogin()
	if err != nil {
		return nil, "", dErrors.Wrap(err, dErrors.CodeInternal, "begin discoverable login")
	}
	key := anonymousLoginKey(uuid.NewString())
	if err := s.challenges.Save(ctx, key, session, challenge.TTL); err != nil {
		return nil, "", dErrors.Wrap(err, dErrors.CodeInternal, "store login challenge")
	}
	return options, key, nil
}

// AuthenticationResult is a verified assertion.
type AuthenticationResult struct {
	User       *models.User
	Credential *models.PasskeyCredential
	// UserVerified reports whether the authenticator performed user
	// verification (PIN, biometric) during this assertion.
	UserVerified bool
}

// FinishAuthentication validates the assertion against the pending ceremony
// referenced by ref. The library verifies the signature, origin and rpId;
// the counter rule and the atomic counter advance happen here.
func (s *Service) FinishAuthentication(ctx context.Context, ref string, r *http.Request) (*AuthenticationResult, error) {
	session, err := s.challenges.Take(ctx, ref)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, validationFailed("no pending login challenge")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "load login challenge")
	}

	var resolved *ceremonyUser
	loadUser := func(rawID, userHandle []byte) (webauthn.User, error) {
		handle, err := id.UserHandleFromBytes(userHandle)
		if err != nil {
			return nil, fmt.Errorf("assertion user handle: %w", err)
		}
		user, err := s.users.FindByHandle(ctx, handle)
		if err != nil {
			return nil, fmt.Errorf("resolve assertion user: %w", err)
		}
		cu, err := s.loadCeremonyUser(ctx, user.ID)
		if err != nil {
			return nil, err
		}
		resolved = cu
		return cu, nil
	}

	var verified *webauthn.Credential
	if len(session.UserID) > 0 {
		user, err := loadUser(nil, session.UserID)
		if err != nil {
			s.logger.InfoContext(ctx, "passkey login rejected", "error", err)
			return nil, validationFailed("assertion rejected")
		}
		verified, err = s.wa.FinishLogin(user, *session, r)
		if err != nil {
			s.logger.InfoContext(ctx, "passkey login rejected", "error", err)
			return nil, validationFailed("assertion rejected")
		}
	} else {
		verified, err = s.wa.FinishDiscoverableLogin(loadUser, *session, r)
		if err != nil {
			s.logger.InfoContext(ctx, "passkey login rejected", "error", err)
			return nil, validationFailed("assertion rejected")
		}
	}
	if resolved == nil {
		return nil, validationFailed("assertion rejected")
	}

	var stored *models.PasskeyCredential
	for _, c := range resolved.credentials {
		if string(c.CredentialID) == string(verified.ID) {
			stored = c
			break
		}
	}
	if stored == nil {
		return nil, validationFailed("unknown credential")
	}
	if stored.Compromised {
		return nil, validationFailed("credential is marked compromised")
	}

	if err := s.advanceCounter(ctx, stored, verified.Authenticator.SignCount, verified.Authenticator.CloneWarning); err != nil {
		return nil, err
	}

	return &AuthenticationResult{
		User:         resolved.user,
		Credential:   stored,
		UserVerified: verified.Flags.UserVerified,
	}, nil
}

// advanceCounter enforces the monotonic signature counter. The asserted
// value must be strictly greater than the stored one; zero on both sides is
// tolerated for authenticators that never count. A regression means the
// credential was cloned: mark it compromised and reject.
func (s *Service) advanceCounter(ctx context.Context, stored *models.PasskeyCredential, asserted uint32, cloneWarning bool) error {
	regression := cloneWarning || (asserted <= stored.SignCount && !(asserted == 0 && stored.SignCount == 0))
	if regression {
		if err := s.passkeys.MarkCompromised(ctx, stored.CredentialID); err != nil {
			s.logger.ErrorContext(ctx, "mark compromised passkey failed",
				"user_id", stored.UserID.String(), "error", err)
		}
		s.emitSecurity(ctx, audit.SecurityEvent{
			Subject:  stored.UserID.String(),
			Action:   string(audit.EventPasskeyCounterRegression),
			Reason:   "counter_regression",
			Severity: audit.SeverityCritical,
			Details: map[string]string{
				"stored_count":   fmt.Sprintf("%d", stored.SignCount),
				"asserted_count": fmt.Sprintf("%d", asserted),
			},
			Timestamp: requestcontext.Now(ctx),
		})
		return validationFailed("signature counter regression")
	}

	ok, err := s.passkeys.UpdateCounter(ctx, stored.CredentialID, stored.SignCount, asserted, requestcontext.Now(ctx))
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "advance passkey counter")
	}
	if !ok {
		// A concurrent assertion advanced the counter first; this one is
		// either a replay or lost the race. Reject rather than guess.
		return validationFailed("concurrent assertion detected")
	}
	stored.SignCount = asserted
	return nil
}

// ListCredentials returns the user's registered credentials.
func (s *Service) ListCredentials(ctx context.Context, userID id.UserID) ([]*models.PasskeyCredential, error) {
	credentials, err := s.passkeys.ListByUser(ctx, userID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "list passkeys")
	}
	return credentials, nil
}

// RemoveCredential deletes the user's credential. The user scoping in the
// store means a guessed id belonging to someone else reads as not found.
func (s *Service) RemoveCredential(ctx context.Context, userID id.UserID, credentialID []byte) error {
	if err := s.passkeys.Remove(ctx, userID, credentialID); err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return dErrors.New(dErrors.CodeNotFound, "passkey not found")
		}
		return dErrors.Wrap(err, dErrors.CodeInternal, "remove passkey")
	}
	s.emitSecurity(ctx, audit.SecurityEvent{
		Subject:   userID.String(),
		Action:    string(audit.EventPasskeyRemoved),
		Severity:  audit.SeverityInfo,
		Timestamp: requestcontext.Now(ctx),
	})
	return nil
}

func (s *Service) emitSecurity(ctx context.Context, event audit.SecurityEvent) {
	if s.security == nil {
		return
	}
	if event.RequestID == "" {
		event.RequestID = requestcontext.RequestID(ctx)
	}
	if event.IP == "" {
		event.IP = requestcontext.ClientIP(ctx)
	}
	s.security.Emit(ctx, event)
}

func validationFailed(msg string) error {
	return dErrors.New(dErrors.CodeBadRequest, msg).
		WithKind(dErrors.KindPasskeyValidationFailed)
}
