// Package service implements account lifecycle: registration, password
// change, profile maintenance and soft deletion. Authentication lives in the
// pipeline; this service owns everything that writes the user row outside a
// login attempt.
package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"authd/internal/identity/fieldcrypt"
	"authd/internal/identity/metrics"
	"authd/internal/identity/models"
	"authd/internal/identity/password"
	"authd/internal/identity/store"
	id "authd/pkg/domain"
	dErrors "authd/pkg/domain-errors"
	emailutil "authd/pkg/email"
	"authd/pkg/platform/audit"
	"authd/pkg/platform/sentinel"
	"authd/pkg/platform/tx"
	"authd/pkg/requestcontext"
)

// DefaultRole is granted to every new registration.
const DefaultRole = "USER"

// CompliancePublisher persists regulatory-significant events fail-closed.
type CompliancePublisher interface {
	Emit(ctx context.Context, event audit.ComplianceEvent) error
}

// SecurityPublisher records security-relevant events without blocking.
type SecurityPublisher interface {
	Emit(ctx context.Context, event audit.SecurityEvent)
}

// SessionRevoker invalidates every outstanding token for a user. Wired to
// the token service so a password change cuts off stolen sessions.
type SessionRevoker interface {
	RevokeAllForUser(ctx context.Context, userID id.UserID, reason string) error
}

// Service is the account lifecycle facade.
type Service struct {
	users    store.UserStore
	policy   *password.Policy
	codec    *fieldcrypt.Codec
	db       *sql.DB
	logger   *slog.Logger
	audit    CompliancePublisher
	security SecurityPublisher
	revoker  SessionRevoker
	metrics  *metrics.Metrics
}

// Option configures a Service.
type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithDB enables transactional multi-statement writes. Without it each store
// call stands alone, which is what the memory store needs.
func WithDB(db *sql.DB) Option {
	return func(s *Service) { s.db = db }
}

func WithCompliancePublisher(p CompliancePublisher) Option {
	return func(s *Service) { s.audit = p }
}

func WithSecurityPublisher(p SecurityPublisher) Option {
	return func(s *Service) { s.security = p }
}

func WithSessionRevoker(r SessionRevoker) Option {
	return func(s *Service) { s.revoker = r }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// New constructs the service.
func New(users store.UserStore, policy *password.Policy, codec *fieldcrypt.Codec, opts ...Option) (*Service, error) {
	if users == nil {
		return nil, fmt.Errorf("user store is required")
	}
	if policy == nil {
		return nil, fmt.Errorf("password policy is required")
	}
	if codec == nil {
		return nil, fmt.Errorf("field codec is required")
	}
	s := &Service{
		users:  users,
		policy: policy,
		codec:  codec,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// runTx wraps fn in a transaction when a database is wired.
func (s *Service) runTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.db == nil {
		return fn(ctx)
	}
	return tx.Run(ctx, s.db, fn)
}

// CreateUserParams is the registration payload after transport decoding.
type CreateUserParams struct {
	Email         string
	Password      string
	RecoveryEmail string
	MobileNumber  string
	GivenName     string
	MiddleName    string
	Surname       string
	Nickname      string
}

// CreateUser registers a new account: normalises the email, validates and
// hashes the password, encrypts the sensitive profile fields and grants the
// default role, all inside one transaction. Duplicate email or recovery
// email surfaces as a conflict.
func (s *Service) CreateUser(ctx context.Context, params CreateUserParams) (*models.User, error) {
	email := models.NormaliseEmail(params.Email)
	if email == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "email is required")
	}

	if err := s.policy.Validate(ctx, params.Password); err != nil {
		return nil, err
	}
	hash, err := password.Hash(params.Password)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "hash password")
	}

	handle, err := id.NewUserHandle()
	if err != nil {
		return nil, err
	}

	givenName, surname := params.GivenName, params.Surname
	if givenName == "" && surname == "" {
		givenName, surname = emailutil.DeriveNameFromEmail(email)
	}

	user := &models.User{
		ID:           id.UserID(uuid.New()),
		Handle:       handle,
		Email:        email,
		PasswordHash: hash,
		GivenName:    givenName,
		MiddleName:   params.MiddleName,
		Surname:      surname,
		Nickname:     params.Nickname,
		Status: models.AccountStatus{
			Enabled:               true,
			AccountNonExpired:     true,
			CredentialsNonExpired: true,
		},
	}
	now := requestcontext.Now(ctx)
	user.CreatedAt = now
	user.UpdatedAt = now

	if err := s.sealContactFields(user, params.RecoveryEmail, params.MobileNumber); err != nil {
		return nil, err
	}

	err = s.runTx(ctx, func(ctx context.Context) error {
		if user.RecoveryEmailBlindIndex != "" {
			taken, err := s.users.ExistsByRecoveryEmailBlindIndex(ctx, user.RecoveryEmailBlindIndex)
			if err != nil {
				return dErrors.Wrap(err, dErrors.CodeInternal, "recovery email lookup")
			}
			if taken {
				return dErrors.New(dErrors.CodeConflict, "recovery email is already in use").
					WithKind(dErrors.KindUserAlreadyExists)
			}
		}
		if err := s.users.Create(ctx, user); err != nil {
			if errors.Is(err, sentinel.ErrConflict) {
				return dErrors.New(dErrors.CodeConflict, "account already exists").
					WithKind(dErrors.KindUserAlreadyExists)
			}
			return dErrors.Wrap(err, dErrors.CodeInternal, "create user")
		}
		return s.users.AssignRole(ctx, user.ID, DefaultRole)
	})
	if err != nil {
		return nil, err
	}

	if s.audit != nil {
		if err := s.audit.Emit(ctx, audit.ComplianceEvent{
			Timestamp: now,
			UserID:    user.ID,
			Subject:   user.Handle.String(),
			Action:    string(audit.EventUserCreated),
			Decision:  "created",
			Email:     user.Email,
			RequestID: requestcontext.RequestID(ctx),
		}); err != nil {
			// Compliance persistence is fail-closed for the trail, not for
			// the registration: the row exists, so log loudly and move on.
			s.logger.ErrorContext(ctx, "compliance audit emit failed",
				"action", audit.EventUserCreated, "error", err)
		}
	}

	if s.metrics != nil {
		s.metrics.IncrementUsersCreated()
	}
	s.logger.InfoContext(ctx, "user registered", "user_handle", user.Handle.String())
	return user, nil
}

// ChangePassword verifies the current password, validates the replacement,
// rewrites the hash and revokes every outstanding session.
func (s *Service) ChangePassword(ctx context.Context, userID id.UserID, current, next string) error {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return dErrors.New(dErrors.CodeNotFound, "user not found").WithKind(dErrors.KindUserNotFound)
		}
		return dErrors.Wrap(err, dErrors.CodeInternal, "load user")
	}

	if !user.HasPassword() {
		// Passkey-only accounts burn the same hashing work before refusing.
		password.VerifyDummy(current)
		return dErrors.New(dErrors.CodeValidation, "account has no password to change")
	}
	ok, err := password.Verify(current, user.PasswordHash)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "verify password")
	}
	if !ok {
		return dErrors.New(dErrors.CodeUnauthorized, "current password is incorrect").
			WithKind(dErrors.KindInvalidCredentials)
	}

	if err := s.policy.Validate(ctx, next); err != nil {
		return err
	}
	hash, err := password.Hash(next)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "hash password")
	}

	now := requestcontext.Now(ctx)
	if err := s.users.UpdatePassword(ctx, userID, hash, now); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "update password")
	}

	if s.revoker != nil {
		if err := s.revoker.RevokeAllForUser(ctx, userID, "password_changed"); err != nil {
			s.logger.ErrorContext(ctx, "session revocation after password change failed",
				"error", err)
		}
	}
	if s.security != nil {
		s.security.Emit(ctx, audit.SecurityEvent{
			Timestamp: now,
			Subject:   userID.String(),
			Action:    string(audit.EventPasswordChanged),
			IP:        requestcontext.ClientIP(ctx),
			RequestID: requestcontext.RequestID(ctx),
			Severity:  audit.SeverityInfo,
		})
	}
	if s.metrics != nil {
		s.metrics.IncrementPasswordChanges()
	}
	return nil
}

// Profile is the decrypted read model served to the account owner.
type Profile struct {
	Handle        id.UserHandle
	Email         string
	RecoveryEmail string
	MobileNumber  string
	GivenName     string
	MiddleName    string
	Surname       string
	Nickname      string
	EmailVerified bool
	HasPassword   bool
}

// GetProfile loads and decrypts the user's own profile.
func (s *Service) GetProfile(ctx context.Context, userID id.UserID) (*Profile, error) {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "user not found").WithKind(dErrors.KindUserNotFound)
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "load user")
	}

	recovery, err := s.codec.Decrypt(user.RecoveryEmailEncrypted)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "decrypt recovery email")
	}
	mobile, err := s.codec.Decrypt(user.MobileNumberEncrypted)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "decrypt mobile number")
	}

	return &Profile{
		Handle:        user.Handle,
		Email:         user.Email,
		RecoveryEmail: recovery,
		MobileNumber:  mobile,
		GivenName:     user.GivenName,
		MiddleName:    user.MiddleName,
		Surname:       user.Surname,
		Nickname:      user.Nickname,
		EmailVerified: user.Status.EmailVerified,
		HasPassword:   user.HasPassword(),
	}, nil
}

// UpdateProfileParams carries the mutable profile fields. Nil pointers leave
// the current value untouched.
type UpdateProfileParams struct {
	GivenName     *string
	MiddleName    *string
	Surname       *string
	Nickname      *string
	RecoveryEmail *string
	MobileNumber  *string
}

// UpdateProfile applies a partial profile update. A changed recovery email
// re-derives the blind index and re-checks uniqueness.
func (s *Service) UpdateProfile(ctx context.Context, userID id.UserID, params UpdateProfileParams) error {
	return s.runTx(ctx, func(ctx context.Context) error {
		user, err := s.users.FindByID(ctx, userID)
		if err != nil {
			if errors.Is(err, sentinel.ErrNotFound) {
				return dErrors.New(dErrors.CodeNotFound, "user not found").WithKind(dErrors.KindUserNotFound)
			}
			return dErrors.Wrap(err, dErrors.CodeInternal, "load user")
		}

		if params.GivenName != nil {
			user.GivenName = *params.GivenName
		}
		if params.MiddleName != nil {
			user.MiddleName = *params.MiddleName
		}
		if params.Surname != nil {
			user.Surname = *params.Surname
		}
		if params.Nickname != nil {
			user.Nickname = *params.Nickname
		}
		if params.RecoveryEmail != nil {
			previous := user.RecoveryEmailBlindIndex
			if err := s.sealRecoveryEmail(user, *params.RecoveryEmail); err != nil {
				return err
			}
			if user.RecoveryEmailBlindIndex != "" && user.RecoveryEmailBlindIndex != previous {
				taken, err := s.users.ExistsByRecoveryEmailBlindIndex(ctx, user.RecoveryEmailBlindIndex)
				if err != nil {
					return dErrors.Wrap(err, dErrors.CodeInternal, "recovery email lookup")
				}
				if taken {
					return dErrors.New(dErrors.CodeConflict, "recovery email is already in use")
				}
			}
		}
		if params.MobileNumber != nil {
			encrypted, err := s.codec.Encrypt(*params.MobileNumber)
			if err != nil {
				return dErrors.Wrap(err, dErrors.CodeInternal, "encrypt mobile number")
			}
			user.MobileNumberEncrypted = encrypted
		}

		user.UpdatedAt = requestcontext.Now(ctx)
		if err := s.users.UpdateProfile(ctx, user); err != nil {
			if errors.Is(err, sentinel.ErrConflict) {
				return dErrors.New(dErrors.CodeConflict, "recovery email is already in use")
			}
			return dErrors.Wrap(err, dErrors.CodeInternal, "update profile")
		}
		return nil
	})
}

// DeleteUser soft-deletes the account and revokes every session. The row
// survives for the audit trail; all lookups stop seeing it.
func (s *Service) DeleteUser(ctx context.Context, userID id.UserID) error {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return dErrors.New(dErrors.CodeNotFound, "user not found").WithKind(dErrors.KindUserNotFound)
		}
		return dErrors.Wrap(err, dErrors.CodeInternal, "load user")
	}

	now := requestcontext.Now(ctx)
	if err := s.users.SoftDelete(ctx, userID, now); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "soft delete user")
	}

	if s.revoker != nil {
		if err := s.revoker.RevokeAllForUser(ctx, userID, "account_deleted"); err != nil {
			s.logger.ErrorContext(ctx, "session revocation after deletion failed", "error", err)
		}
	}
	if s.audit != nil {
		if err := s.audit.Emit(ctx, audit.ComplianceEvent{
			Timestamp: now,
			UserID:    userID,
			Subject:   user.Handle.String(),
			Action:    string(audit.EventUserDeleted),
			Decision:  "deleted",
			Email:     user.Email,
			RequestID: requestcontext.RequestID(ctx),
		}); err != nil {
			s.logger.ErrorContext(ctx, "compliance audit emit failed",
				"action", audit.EventUserDeleted, "error", err)
		}
	}
	if s.metrics != nil {
		s.metrics.IncrementUsersDeleted()
	}
	return nil
}

func (s *Service) sealContactFields(user *models.User, recoveryEmail, mobileNumber string) error {
	if err := s.sealRecoveryEmail(user, recoveryEmail); err != nil {
		return err
	}
	encrypted, err := s.codec.Encrypt(mobileNumber)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "encrypt mobile number")
	}
	user.MobileNumberEncrypted = encrypted
	return nil
}

func (s *Service) sealRecoveryEmail(user *models.User, recoveryEmail string) error {
	normalised := models.NormaliseEmail(recoveryEmail)
	encrypted, err := s.codec.Encrypt(normalised)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "encrypt recovery email")
	}
	user.RecoveryEmailEncrypted = encrypted
	user.RecoveryEmailBlindIndex = s.codec.BlindIndex(normalised)
	return nil
}
