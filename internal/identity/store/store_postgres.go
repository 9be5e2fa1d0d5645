package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"authd/internal/identity/models"
	id "authd/pkg/domain"
	"authd/pkg/platform/sentinel"
	"authd/pkg/platform/tx"
)

const pqUniqueViolation = "23505"

// PostgresUserStore persists users in PostgreSQL. This store is pure I/O:
// lockout thresholds and rehash decisions arrive as parameters, and every
// counter mutation is a single statement.
type PostgresUserStore struct {
	db *sql.DB
}

// NewPostgresUserStore constructs a PostgreSQL-backed user store.
func NewPostgresUserStore(db *sql.DB) *PostgresUserStore {
	return &PostgresUserStore{db: db}
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// q joins a context-carried transaction when one is present.
func (s *PostgresUserStore) q(ctx context.Context) querier {
	if sqlTx, ok := tx.From(ctx); ok {
		return sqlTx
	}
	return s.db
}

const userColumns = `
	id, handle, email,
	recovery_email_encrypted, recovery_email_blind_index, mobile_number_encrypted,
	password_hash, given_name, middle_name, surname, nickname,
	email_verified, enabled, failed_login_attempts, lockout_expires_at,
	account_non_expired, credentials_non_expired,
	created_at, updated_at, last_login_at, last_password_change_at, deleted_at`

func (s *PostgresUserStore) Create(ctx context.Context, user *models.User) error {
	query := `
		INSERT INTO users (
			id, handle, email,
			recovery_email_encrypted, recovery_email_blind_index, mobile_number_encrypted,
			password_hash, given_name, middle_name, surname, nickname,
			email_verified, enabled, failed_login_attempts, lockout_expires_at,
			account_non_expired, credentials_non_expired,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`
	_, err := s.q(ctx).ExecContext(ctx, query,
		user.ID, user.Handle.String(), user.Email,
		user.RecoveryEmailEncrypted, user.RecoveryEmailBlindIndex, user.MobileNumberEncrypted,
		user.PasswordHash, user.GivenName, user.MiddleName, user.Surname, user.Nickname,
		user.Status.EmailVerified, user.Status.Enabled, user.Status.FailedLoginAttempts, user.Status.LockoutExpiresAt,
		user.Status.AccountNonExpired, user.Status.CredentialsNonExpired,
		user.CreatedAt, user.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
			return fmt.Errorf("create user: %w", sentinel.ErrConflict)
		}
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *PostgresUserStore) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE email = $1 AND deleted_at IS NULL`
	return s.scanOne(s.q(ctx).QueryRowContext(ctx, query, email), "user by email")
}

func (s *PostgresUserStore) FindByID(ctx context.Context, userID id.UserID) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1 AND deleted_at IS NULL`
	return s.scanOne(s.q(ctx).QueryRowContext(ctx, query, userID), "user by id")
}

func (s *PostgresUserStore) FindByHandle(ctx context.Context, handle id.UserHandle) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE handle = $1 AND deleted_at IS NULL`
	return s.scanOne(s.q(ctx).QueryRowContext(ctx, query, handle.String()), "user by handle")
}

func (s *PostgresUserStore) ExistsByRecoveryEmailBlindIndex(ctx context.Context, blindIndex string) (bool, error) {
	if blindIndex == "" {
		return false, nil
	}
	var exists bool
	query := `SELECT EXISTS (SELECT 1 FROM users WHERE recovery_email_blind_index = $1 AND deleted_at IS NULL)`
	if err := s.q(ctx).QueryRowContext(ctx, query, blindIndex).Scan(&exists); err != nil {
		return false, fmt.Errorf("recovery email exists: %w", err)
	}
	return exists, nil
}

func (s *PostgresUserStore) UpdatePassword(ctx context.Context, userID id.UserID, hash string, at time.Time) error {
	query := `
		UPDATE users
		SET password_hash = $2, last_password_change_at = $3, updated_at = $3
		WHERE id = $1 AND deleted_at IS NULL
	`
	return s.execOne(ctx, "update password", query, userID, hash, at)
}

func (s *PostgresUserStore) UpdateProfile(ctx context.Context, user *models.User) error {
	query := `
		UPDATE users
		SET given_name = $2, middle_name = $3, surname = $4, nickname = $5,
			recovery_email_encrypted = $6, recovery_email_blind_index = NULLIF($7, ''),
			mobile_number_encrypted = $8, updated_at = $9
		WHERE id = $1 AND deleted_at IS NULL
	`
	err := s.execOne(ctx, "update profile", query,
		user.ID, user.GivenName, user.MiddleName, user.Surname, user.Nickname,
		user.RecoveryEmailEncrypted, user.RecoveryEmailBlindIndex,
		user.MobileNumberEncrypted, user.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
			return fmt.Errorf("update profile: %w", sentinel.ErrConflict)
		}
		return err
	}
	return nil
}

func (s *PostgresUserStore) SoftDelete(ctx context.Context, userID id.UserID, at time.Time) error {
	query := `
		UPDATE users
		SET deleted_at = $2, updated_at = $2
		WHERE id = $1 AND deleted_at IS NULL
	`
	return s.execOne(ctx, "soft delete user", query, userID, at)
}

// RecordLoginFailure increments the counter and sets the lockout in one
// statement so concurrent failures cannot interleave a read with a write. The
// counter is capped well above the maximum to stay observable without
// unbounded growth.
func (s *PostgresUserStore) RecordLoginFailure(ctx context.Context, userID id.UserID, at time.Time, maxAttempts int, lockoutUntil time.Time) (*models.FailureRecord, error) {
	query := `
		UPDATE users
		SET failed_login_attempts = LEAST(failed_login_attempts + 1, $3 + 10),
			lockout_expires_at = CASE
				WHEN failed_login_attempts + 1 >= $3 AND lockout_expires_at IS NULL THEN $4
				ELSE lockout_expires_at
			END,
			updated_at = $2
		WHERE id = $1 AND deleted_at IS NULL
		RETURNING failed_login_attempts, lockout_expires_at,
			(failed_login_attempts >= $3 AND lockout_expires_at = $4)
	`
	var record models.FailureRecord
	var lockout sql.NullTime
	err := s.q(ctx).QueryRowContext(ctx, query, userID, at, maxAttempts, lockoutUntil).
		Scan(&record.FailedLoginAttempts, &lockout, &record.Locked)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("record login failure: %w", sentinel.ErrNotFound)
		}
		return nil, fmt.Errorf("record login failure: %w", err)
	}
	if lockout.Valid {
		record.LockoutExpiresAt = &lockout.Time
	}
	return &record, nil
}

func (s *PostgresUserStore) RecordLoginSuccess(ctx context.Context, userID id.UserID, at time.Time, rehash string) error {
	query := `
		UPDATE users
		SET failed_login_attempts = 0,
			lockout_expires_at = NULL,
			last_login_at = $2,
			password_hash = COALESCE(NULLIF($3, ''), password_hash),
			last_password_change_at = CASE WHEN $3 <> '' THEN $2 ELSE last_password_change_at END,
			updated_at = $2
		WHERE id = $1 AND deleted_at IS NULL
	`
	return s.execOne(ctx, "record login success", query, userID, at, rehash)
}

func (s *PostgresUserStore) ClearExpiredLockout(ctx context.Context, userID id.UserID, now time.Time) (bool, error) {
	query := `
		UPDATE users
		SET failed_login_attempts = 0, lockout_expires_at = NULL, updated_at = $2
		WHERE id = $1 AND deleted_at IS NULL
		  AND lockout_expires_at IS NOT NULL AND lockout_expires_at <= $2
	`
	result, err := s.q(ctx).ExecContext(ctx, query, userID, now)
	if err != nil {
		return false, fmt.Errorf("clear expired lockout: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("clear expired lockout rows affected: %w", err)
	}
	return rows > 0, nil
}

func (s *PostgresUserStore) AppendFailureEvent(ctx context.Context, userID id.UserID, ip string, at time.Time) error {
	query := `INSERT INTO login_failure_events (user_id, ip, occurred_at) VALUES ($1, $2, $3)`
	if _, err := s.q(ctx).ExecContext(ctx, query, userID, ip, at); err != nil {
		return fmt.Errorf("append failure event: %w", err)
	}
	return nil
}

func (s *PostgresUserStore) CountRecentFailures(ctx context.Context, userID id.UserID, since time.Time) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM login_failure_events WHERE user_id = $1 AND occurred_at >= $2`
	if err := s.q(ctx).QueryRowContext(ctx, query, userID, since).Scan(&count); err != nil {
		return 0, fmt.Errorf("count recent failures: %w", err)
	}
	return count, nil
}

func (s *PostgresUserStore) AssignRole(ctx context.Context, userID id.UserID, roleName string) error {
	query := `
		INSERT INTO user_roles (user_id, role_name)
		VALUES ($1, $2)
		ON CONFLICT (user_id, role_name) DO NOTHING
	`
	if _, err := s.q(ctx).ExecContext(ctx, query, userID, roleName); err != nil {
		return fmt.Errorf("assign role: %w", err)
	}
	return nil
}

func (s *PostgresUserStore) RevokeRole(ctx context.Context, userID id.UserID, roleName string) error {
	query := `DELETE FROM user_roles WHERE user_id = $1 AND role_name = $2`
	if _, err := s.q(ctx).ExecContext(ctx, query, userID, roleName); err != nil {
		return fmt.Errorf("revoke role: %w", err)
	}
	return nil
}

func (s *PostgresUserStore) RoleNames(ctx context.Context, userID id.UserID) ([]string, error) {
	query := `SELECT role_name FROM user_roles WHERE user_id = $1 ORDER BY role_name`
	rows, err := s.q(ctx).QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("role names: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan role name: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate role names: %w", err)
	}
	return names, nil
}

func (s *PostgresUserStore) execOne(ctx context.Context, op, query string, args ...any) error {
	result, err := s.q(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", op, err)
	}
	if rows == 0 {
		return fmt.Errorf("%s: %w", op, sentinel.ErrNotFound)
	}
	return nil
}

type userRow interface {
	Scan(dest ...any) error
}

func (s *PostgresUserStore) scanOne(row userRow, op string) (*models.User, error) {
	var u models.User
	var handle string
	var blindIndex sql.NullString
	var lockout, lastLogin, lastPasswordChange, deleted sql.NullTime
	err := row.Scan(
		&u.ID, &handle, &u.Email,
		&u.RecoveryEmailEncrypted, &blindIndex, &u.MobileNumberEncrypted,
		&u.PasswordHash, &u.GivenName, &u.MiddleName, &u.Surname, &u.Nickname,
		&u.Status.EmailVerified, &u.Status.Enabled, &u.Status.FailedLoginAttempts, &lockout,
		&u.Status.AccountNonExpired, &u.Status.CredentialsNonExpired,
		&u.CreatedAt, &u.UpdatedAt, &lastLogin, &lastPasswordChange, &deleted,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, sentinel.ErrNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	parsedHandle, err := id.ParseUserHandle(handle)
	if err != nil {
		return nil, fmt.Errorf("%s: parse handle: %w", op, err)
	}
	u.Handle = parsedHandle
	u.RecoveryEmailBlindIndex = blindIndex.String
	if lockout.Valid {
		u.Status.LockoutExpiresAt = &lockout.Time
	}
	if lastLogin.Valid {
		u.LastLoginAt = &lastLogin.Time
	}
	if lastPasswordChange.Valid {
		u.LastPasswordChangeAt = &lastPasswordChange.Time
	}
	if deleted.Valid {
		u.DeletedAt = &deleted.Time
	}
	return &u, nil
}

// PostgresPasskeyStore persists WebAuthn credentials in PostgreSQL.
type PostgresPasskeyStore struct {
	db *sql.DB
}

// NewPostgresPasskeyStore constructs a PostgreSQL-backed passkey store.
func NewPostgresPasskeyStore(db *sql.DB) *PostgresPasskeyStore {
	return &PostgresPasskeyStore{db: db}
}

func (s *PostgresPasskeyStore) q(ctx context.Context) querier {
	if sqlTx, ok := tx.From(ctx); ok {
		return sqlTx
	}
	return s.db
}

const passkeyColumns = `
	credential_id, user_id, public_key, sign_count, transports,
	name, attestation_format, compromised, created_at, last_used_at`

func (s *PostgresPasskeyStore) Add(ctx context.Context, credential *models.PasskeyCredential) error {
	query := `
		INSERT INTO passkey_credentials (
			credential_id, user_id, public_key, sign_count, transports,
			name, attestation_format, compromised, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := s.q(ctx).ExecContext(ctx, query,
		credential.CredentialID, credential.UserID, credential.PublicKey,
		credential.SignCount, pq.Array(credential.Transports),
		credential.Name, credential.AttestationFormat, credential.Compromised, credential.CreatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
			return fmt.Errorf("add passkey: %w", sentinel.ErrConflict)
		}
		return fmt.Errorf("add passkey: %w", err)
	}
	return nil
}

func (s *PostgresPasskeyStore) FindByCredentialID(ctx context.Context, credentialID []byte) (*models.PasskeyCredential, error) {
	query := `SELECT ` + passkeyColumns + ` FROM passkey_credentials WHERE credential_id = $1`
	return scanPasskey(s.q(ctx).QueryRowContext(ctx, query, credentialID), "passkey by credential id")
}

func (s *PostgresPasskeyStore) ListByUser(ctx context.Context, userID id.UserID) ([]*models.PasskeyCredential, error) {
	query := `SELECT ` + passkeyColumns + ` FROM passkey_credentials WHERE user_id = $1 ORDER BY created_at`
	rows, err := s.q(ctx).QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list passkeys: %w", err)
	}
	defer rows.Close()

	var out []*models.PasskeyCredential
	for rows.Next() {
		credential, err := scanPasskey(rows, "list passkeys")
		if err != nil {
			return nil, err
		}
		out = append(out, credential)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate passkeys: %w", err)
	}
	return out, nil
}

func (s *PostgresPasskeyStore) Remove(ctx context.Context, userID id.UserID, credentialID []byte) error {
	query := `DELETE FROM passkey_credentials WHERE user_id = $1 AND credential_id = $2`
	result, err := s.q(ctx).ExecContext(ctx, query, userID, credentialID)
	if err != nil {
		return fmt.Errorf("remove passkey: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("remove passkey rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("remove passkey: %w", sentinel.ErrNotFound)
	}
	return nil
}

// UpdateCounter compare-and-sets the signature counter. A false return with
// nil error means a concurrent assertion advanced the counter first.
func (s *PostgresPasskeyStore) UpdateCounter(ctx context.Context, credentialID []byte, expected, next uint32, at time.Time) (bool, error) {
	query := `
		UPDATE passkey_credentials
		SET sign_count = $3, last_used_at = $4
		WHERE credential_id = $1 AND sign_count = $2
	`
	result, err := s.q(ctx).ExecContext(ctx, query, credentialID, expected, next, at)
	if err != nil {
		return false, fmt.Errorf("update passkey counter: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update passkey counter rows affected: %w", err)
	}
	return rows > 0, nil
}

func (s *PostgresPasskeyStore) MarkCompromised(ctx context.Context, credentialID []byte) error {
	query := `UPDATE passkey_credentials SET compromised = TRUE WHERE credential_id = $1`
	result, err := s.q(ctx).ExecContext(ctx, query, credentialID)
	if err != nil {
		return fmt.Errorf("mark passkey compromised: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark passkey compromised rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("mark passkey compromised: %w", sentinel.ErrNotFound)
	}
	return nil
}

func scanPasskey(row userRow, op string) (*models.PasskeyCredential, error) {
	var c models.PasskeyCredential
	var transports pq.StringArray
	var lastUsed sql.NullTime
	err := row.Scan(
		&c.CredentialID, &c.UserID, &c.PublicKey, &c.SignCount, &transports,
		&c.Name, &c.AttestationFormat, &c.Compromised, &c.CreatedAt, &lastUsed,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, sentinel.ErrNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	c.Transports = transports
	if lastUsed.Valid {
		c.LastUsedAt = &lastUsed.Time
	}
	return &c, nil
}
