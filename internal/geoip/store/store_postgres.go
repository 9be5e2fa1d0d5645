package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"authd/internal/geoip/models"
	id "authd/pkg/domain"
	"authd/pkg/platform/tx"
)

// PostgresMetadataStore persists geo observations in PostgreSQL.
type PostgresMetadataStore struct {
	db *sql.DB
}

// NewPostgresMetadataStore constructs a PostgreSQL-backed metadata store.
func NewPostgresMetadataStore(db *sql.DB) *PostgresMetadataStore {
	return &PostgresMetadataStore{db: db}
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *PostgresMetadataStore) q(ctx context.Context) querier {
	if sqlTx, ok := tx.From(ctx); ok {
		return sqlTx
	}
	return s.db
}

func (s *PostgresMetadataStore) RecordObservation(ctx context.Context, obs models.Observation, suspicious bool) error {
	return tx.Run(ctx, s.db, func(ctx context.Context) error {
		insert := `
			INSERT INTO geo_history (user_id, ip, country_code, city, latitude, longitude, asn, device_fingerprint, observed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`
		var lat, lon any
		if obs.Location.HasCoordinates() {
			lat, lon = obs.Location.Latitude, obs.Location.Longitude
		}
		if _, err := s.q(ctx).ExecContext(ctx, insert,
			obs.UserID, obs.IP, obs.Location.CountryCode, obs.Location.City,
			lat, lon, obs.ASN.Number, obs.DeviceFingerprint, obs.ObservedAt,
		); err != nil {
			return fmt.Errorf("insert geo observation: %w", err)
		}

		trim := `
			DELETE FROM geo_history
			WHERE user_id = $1 AND id NOT IN (
				SELECT id FROM geo_history
				WHERE user_id = $1
				ORDER BY observed_at DESC, id DESC
				LIMIT $2
			)
		`
		if _, err := s.q(ctx).ExecContext(ctx, trim, obs.UserID, models.HistoryLimit); err != nil {
			return fmt.Errorf("trim geo history: %w", err)
		}

		bump := 0
		if suspicious {
			bump = 1
		}
		upsert := `
			INSERT INTO ip_metadata (ip, suspicious_count, first_seen_at, last_seen_at, last_country_code, last_city, last_latitude, last_longitude, updated_at)
			VALUES ($1, $2, $3, $3, $4, $5, $6, $7, $3)
			ON CONFLICT (ip) DO UPDATE SET
				suspicious_count = ip_metadata.suspicious_count + $2,
				last_seen_at = $3,
				last_country_code = $4,
				last_city = $5,
				last_latitude = $6,
				last_longitude = $7,
				updated_at = $3
		`
		if _, err := s.q(ctx).ExecContext(ctx, upsert, obs.IP, bump, obs.ObservedAt,
			obs.Location.CountryCode, obs.Location.City, lat, lon); err != nil {
			return fmt.Errorf("upsert ip metadata: %w", err)
		}
		return nil
	})
}

func (s *PostgresMetadataStore) History(ctx context.Context, userID id.UserID, limit int) ([]models.Observation, error) {
	if limit <= 0 || limit > models.HistoryLimit {
		limit = models.HistoryLimit
	}
	query := `
		SELECT ip, country_code, city, latitude, longitude, asn, device_fingerprint, observed_at
		FROM geo_history
		WHERE user_id = $1
		ORDER BY observed_at DESC, id DESC
		LIMIT $2
	`
	rows, err := s.q(ctx).QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("geo history: %w", err)
	}
	defer rows.Close()

	var out []models.Observation
	for rows.Next() {
		obs := models.Observation{UserID: userID}
		var lat, lon sql.NullFloat64
		var asn int64
		if err := rows.Scan(&obs.IP, &obs.Location.CountryCode, &obs.Location.City,
			&lat, &lon, &asn, &obs.DeviceFingerprint, &obs.ObservedAt); err != nil {
			return nil, fmt.Errorf("scan geo observation: %w", err)
		}
		if lat.Valid {
			obs.Location.Latitude = lat.Float64
		}
		if lon.Valid {
			obs.Location.Longitude = lon.Float64
		}
		obs.ASN.Number = uint(asn)
		out = append(out, obs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate geo history: %w", err)
	}
	return out, nil
}

func (s *PostgresMetadataStore) IPMetadata(ctx context.Context, ip string) (*models.IPMetadata, error) {
	query := `
		SELECT ip, suspicious_count, first_seen_at, last_seen_at, last_country_code, last_city, last_latitude, last_longitude
		FROM ip_metadata WHERE ip = $1
	`
	var meta models.IPMetadata
	var lat, lon sql.NullFloat64
	err := s.q(ctx).QueryRowContext(ctx, query, ip).
		Scan(&meta.IP, &meta.SuspiciousCount, &meta.FirstSeenAt, &meta.LastSeenAt,
			&meta.LastLocation.CountryCode, &meta.LastLocation.City, &lat, &lon)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &models.IPMetadata{IP: ip}, nil
		}
		return nil, fmt.Errorf("ip metadata: %w", err)
	}
	if lat.Valid {
		meta.LastLocation.Latitude = lat.Float64
	}
	if lon.Valid {
		meta.LastLocation.Longitude = lon.Float64
	}
	return &meta, nil
}

// PostgresBlocklistStore persists the IP blocklist in PostgreSQL.
type PostgresBlocklistStore struct {
	db *sql.DB
}

// NewPostgresBlocklistStore constructs a PostgreSQL-backed blocklist store.
func NewPostgresBlocklistStore(db *sql.DB) *PostgresBlocklistStore {
	return &PostgresBlocklistStore{db: db}
}

func (s *PostgresBlocklistStore) q(ctx context.Context) querier {
	if sqlTx, ok := tx.From(ctx); ok {
		return sqlTx
	}
	return s.db
}

func (s *PostgresBlocklistStore) IsBlocked(ctx context.Context, ip string, now time.Time) (bool, error) {
	var blocked bool
	query := `
		SELECT EXISTS (
			SELECT 1 FROM ip_blocklist
			WHERE ip = $1 AND (expires_at IS NULL OR expires_at > $2)
		)
	`
	if err := s.q(ctx).QueryRowContext(ctx, query, ip, now).Scan(&blocked); err != nil {
		return false, fmt.Errorf("blocklist check: %w", err)
	}
	return blocked, nil
}

func (s *PostgresBlocklistStore) Block(ctx context.Context, entry models.BlocklistEntry) error {
	query := `
		INSERT INTO ip_blocklist (ip, reason, blocked_at, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (ip) DO UPDATE SET
			reason = EXCLUDED.reason,
			blocked_at = EXCLUDED.blocked_at,
			expires_at = EXCLUDED.expires_at
	`
	if _, err := s.q(ctx).ExecContext(ctx, query, entry.IP, entry.Reason, entry.BlockedAt, entry.ExpiresAt); err != nil {
		return fmt.Errorf("block ip: %w", err)
	}
	return nil
}

func (s *PostgresBlocklistStore) Unblock(ctx context.Context, ip string) error {
	if _, err := s.q(ctx).ExecContext(ctx, `DELETE FROM ip_blocklist WHERE ip = $1`, ip); err != nil {
		return fmt.Errorf("unblock ip: %w", err)
	}
	return nil
}
