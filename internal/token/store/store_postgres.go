package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"authd/internal/token/models"
	id "authd/pkg/domain"
	"authd/pkg/platform/sentinel"
	"authd/pkg/platform/tx"
	"authd/pkg/requestcontext"
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PostgresRevocationList is the authoritative revoked-jti tier.
type PostgresRevocationList struct {
	db *sql.DB
}

// NewPostgresRevocationList constructs the list.
func NewPostgresRevocationList(db *sql.DB) *PostgresRevocationList {
	return &PostgresRevocationList{db: db}
}

func (l *PostgresRevocationList) q(ctx context.Context) querier {
	if sqlTx, ok := tx.From(ctx); ok {
		return sqlTx
	}
	return l.db
}

func (l *PostgresRevocationList) Revoke(ctx context.Context, jti string, ttl time.Duration) error {
	if jti == "" {
		return nil
	}
	return l.RevokeBatch(ctx, []string{jti}, ttl)
}

func (l *PostgresRevocationList) RevokeBatch(ctx context.Context, jtis []string, ttl time.Duration) error {
	valid := make([]string, 0, len(jtis))
	for _, jti := range jtis {
		if jti != "" {
			valid = append(valid, jti)
		}
	}
	if len(valid) == 0 {
		return nil
	}
	now := requestcontext.Now(ctx)
	query := `
		INSERT INTO revoked_tokens (jti, revoked_at, expires_at)
		SELECT unnest($1::uuid[]), $2, $3
		ON CONFLICT (jti) DO UPDATE SET
			expires_at = GREATEST(revoked_tokens.expires_at, EXCLUDED.expires_at)
	`
	if _, err := l.q(ctx).ExecContext(ctx, query, pq.Array(valid), now, now.Add(ttl)); err != nil {
		return fmt.Errorf("revoke tokens: %w", err)
	}
	return nil
}

func (l *PostgresRevocationList) IsRevoked(ctx context.Context, jti string) (bool, error) {
	if jti == "" {
		return false, nil
	}
	var expiresAt time.Time
	err := l.q(ctx).QueryRowContext(ctx,
		`SELECT expires_at FROM revoked_tokens WHERE jti = $1`, jti).Scan(&expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("check token revocation: %w", err)
	}
	return expiresAt.After(requestcontext.Now(ctx)), nil
}

// PostgresRefreshStore persists refresh-token lineage.
type PostgresRefreshStore struct {
	db *sql.DB
}

// NewPostgresRefreshStore constructs the store.
func NewPostgresRefreshStore(db *sql.DB) *PostgresRefreshStore {
	return &PostgresRefreshStore{db: db}
}

func (s *PostgresRefreshStore) q(ctx context.Context) querier {
	if sqlTx, ok := tx.From(ctx); ok {
		return sqlTx
	}
	return s.db
}

func (s *PostgresRefreshStore) Create(ctx context.Context, record *models.RefreshRecord) error {
	query := `
		INSERT INTO refresh_tokens (jti, user_id, session_id, issued_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := s.q(ctx).ExecContext(ctx, query,
		record.JTI, record.UserID, uuid.UUID(record.SessionID), record.IssuedAt, record.ExpiresAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return fmt.Errorf("refresh jti taken: %w", sentinel.ErrConflict)
		}
		return fmt.Errorf("create refresh record: %w", err)
	}
	return nil
}

func (s *PostgresRefreshStore) Find(ctx context.Context, jti uuid.UUID) (*models.RefreshRecord, error) {
	query := `
		SELECT jti, user_id, session_id, issued_at, expires_at, rotated_to, revoked_at
		FROM refresh_tokens
		WHERE jti = $1
	`
	var record models.RefreshRecord
	var sessionID uuid.UUID
	var rotatedTo uuid.NullUUID
	var revokedAt sql.NullTime
	err := s.q(ctx).QueryRowContext(ctx, query, jti).Scan(
		&record.JTI, &record.UserID, &sessionID,
		&record.IssuedAt, &record.ExpiresAt, &rotatedTo, &revokedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("refresh record: %w", sentinel.ErrNotFound)
		}
		return nil, fmt.Errorf("find refresh record: %w", err)
	}
	record.SessionID = id.SessionID(sessionID)
	if rotatedTo.Valid {
		record.RotatedTo = &rotatedTo.UUID
	}
	if revokedAt.Valid {
		record.RevokedAt = &revokedAt.Time
	}
	return &record, nil
}

func (s *PostgresRefreshStore) MarkRotated(ctx context.Context, jti, successor uuid.UUID, at time.Time) (bool, error) {
	query := `
		UPDATE refresh_tokens
		SET rotated_to = $2
		WHERE jti = $1 AND rotated_to IS NULL AND revoked_at IS NULL
	`
	result, err := s.q(ctx).ExecContext(ctx, query, jti, successor)
	if err != nil {
		return false, fmt.Errorf("rotate refresh record: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rotate refresh record: %w", err)
	}
	return rows > 0, nil
}

func (s *PostgresRefreshStore) RevokeSession(ctx context.Context, sessionID id.SessionID, at time.Time) ([]uuid.UUID, error) {
	query := `
		UPDATE refresh_tokens
		SET revoked_at = $2
		WHERE session_id = $1 AND revoked_at IS NULL
		RETURNING jti
	`
	return s.revokeReturning(ctx, query, uuid.UUID(sessionID), at)
}

func (s *PostgresRefreshStore) RevokeAllForUser(ctx context.Context, userID id.UserID, at time.Time) ([]uuid.UUID, error) {
	query := `
		UPDATE refresh_tokens
		SET revoked_at = $2
		WHERE user_id = $1 AND revoked_at IS NULL
		RETURNING jti
	`
	return s.revokeReturning(ctx, query, userID, at)
}

func (s *PostgresRefreshStore) revokeReturning(ctx context.Context, query string, key any, at time.Time) ([]uuid.UUID, error) {
	rows, err := s.q(ctx).QueryContext(ctx, query, key, at)
	if err != nil {
		return nil, fmt.Errorf("revoke refresh records: %w", err)
	}
	defer rows.Close()

	var jtis []uuid.UUID
	for rows.Next() {
		var jti uuid.UUID
		if err := rows.Scan(&jti); err != nil {
			return nil, fmt.Errorf("scan revoked jti: %w", err)
		}
		jtis = append(jtis, jti)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate revoked jtis: %w", err)
	}
	return jtis, nil
}

// PostgresUserRevocationStore persists revoke-all cutoffs.
type PostgresUserRevocationStore struct {
	db *sql.DB
}

// NewPostgresUserRevocationStore constructs the store.
func NewPostgresUserRevocationStore(db *sql.DB) *PostgresUserRevocationStore {
	return &PostgresUserRevocationStore{db: db}
}

func (s *PostgresUserRevocationStore) q(ctx context.Context) querier {
	if sqlTx, ok := tx.From(ctx); ok {
		return sqlTx
	}
	return s.db
}

func (s *PostgresUserRevocationStore) RecordRevocation(ctx context.Context, userID id.UserID, at time.Time, reason string) error {
	query := `
		INSERT INTO user_revocations (user_id, revoked_at, reason)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE SET
			revoked_at = GREATEST(user_revocations.revoked_at, EXCLUDED.revoked_at),
			reason = EXCLUDED.reason
	`
	if _, err := s.q(ctx).ExecContext(ctx, query, userID, at, reason); err != nil {
		return fmt.Errorf("record user revocation: %w", err)
	}
	return nil
}

func (s *PostgresUserRevocationStore) RevokedAt(ctx context.Context, userID id.UserID) (*time.Time, error) {
	var at time.Time
	err := s.q(ctx).QueryRowContext(ctx,
		`SELECT revoked_at FROM user_revocations WHERE user_id = $1`, userID).Scan(&at)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load user revocation: %w", err)
	}
	return &at, nil
}
