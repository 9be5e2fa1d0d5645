//go:build integration

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"authd/internal/geoip/models"
	id "authd/pkg/domain"
	"authd/pkg/testutil/containers"
)

const geoSchema = `
CREATE TABLE geo_history (
	id BIGSERIAL PRIMARY KEY,
	user_id UUID NOT NULL,
	ip TEXT NOT NULL,
	country_code TEXT NOT NULL DEFAULT '',
	city TEXT NOT NULL DEFAULT '',
	latitude DOUBLE PRECISION,
	longitude DOUBLE PRECISION,
	asn BIGINT NOT NULL DEFAULT 0,
	device_fingerprint TEXT NOT NULL DEFAULT '',
	observed_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX geo_history_user_idx ON geo_history (user_id, observed_at DESC);

CREATE TABLE ip_metadata (
	ip TEXT PRIMARY KEY,
	suspicious_count INT NOT NULL DEFAULT 0,
	first_seen_at TIMESTAMPTZ NOT NULL,
	last_seen_at TIMESTAMPTZ NOT NULL,
	last_country_code TEXT NOT NULL DEFAULT '',
	last_city TEXT NOT NULL DEFAULT '',
	last_latitude DOUBLE PRECISION,
	last_longitude DOUBLE PRECISION,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE ip_blocklist (
	ip TEXT PRIMARY KEY,
	reason TEXT NOT NULL DEFAULT '',
	blocked_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ
);
`

// PostgresGeoStoreSuite exercises the observation history, IP metadata and
// blocklist tables against a real Postgres.
type PostgresGeoStoreSuite struct {
	suite.Suite
	pg        *containers.PostgresContainer
	metadata  *PostgresMetadataStore
	blocklist *PostgresBlocklistStore
}

func (s *PostgresGeoStoreSuite) SetupSuite() {
	s.pg = containers.NewPostgresContainer(s.T(), geoSchema)
	s.metadata = NewPostgresMetadataStore(s.pg.DB)
	s.blocklist = NewPostgresBlocklistStore(s.pg.DB)
}

func (s *PostgresGeoStoreSuite) SetupTest() {
	ctx := context.Background()
	for _, table := range []string{"geo_history", "ip_metadata", "ip_blocklist"} {
		_, err := s.pg.DB.ExecContext(ctx, "TRUNCATE "+table)
		s.Require().NoError(err)
	}
}

func TestPostgresGeoStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresGeoStoreSuite))
}

func observationAt(userID id.UserID, ip string, at time.Time) models.Observation {
	return models.Observation{
		UserID: userID,
		IP:     ip,
		Location: models.GeoLocation{
			CountryCode: "DE",
			City:        "Berlin",
			Latitude:    52.52,
			Longitude:   13.405,
		},
		ASN:               models.ASNInfo{Number: 3320},
		DeviceFingerprint: "fp-1",
		ObservedAt:        at,
	}
}

func (s *PostgresGeoStoreSuite) TestHistoryNewestFirstAndTrimmed() {
	ctx := context.Background()
	userID := id.NewUserID()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < models.HistoryLimit+3; i++ {
		obs := observationAt(userID, "203.0.113.7", base.Add(time.Duration(i)*time.Minute))
		s.Require().NoError(s.metadata.RecordObservation(ctx, obs, false))
	}

	history, err := s.metadata.History(ctx, userID, 0)
	s.Require().NoError(err)
	s.Len(history, models.HistoryLimit)
	// Newest first; the oldest three fell off.
	s.True(history[0].ObservedAt.After(history[len(history)-1].ObservedAt))
	s.Equal(base.Add(time.Duration(models.HistoryLimit+2)*time.Minute), history[0].ObservedAt.UTC())
	s.Equal("DE", history[0].Location.CountryCode)
	s.Equal(uint(3320), history[0].ASN.Number)
}

func (s *PostgresGeoStoreSuite) TestSuspiciousCountAccumulates() {
	ctx := context.Background()
	userID := id.NewUserID()
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	s.Require().NoError(s.metadata.RecordObservation(ctx, observationAt(userID, "198.51.100.4", at), true))
	s.Require().NoError(s.metadata.RecordObservation(ctx, observationAt(userID, "198.51.100.4", at.Add(time.Minute)), false))
	s.Require().NoError(s.metadata.RecordObservation(ctx, observationAt(userID, "198.51.100.4", at.Add(2*time.Minute)), true))

	meta, err := s.metadata.IPMetadata(ctx, "198.51.100.4")
	s.Require().NoError(err)
	s.Equal(2, meta.SuspiciousCount)
	s.Equal(at.Add(2*time.Minute), meta.LastSeenAt.UTC())
}

func (s *PostgresGeoStoreSuite) TestIPMetadataTracksFirstAndLastSighting() {
	ctx := context.Background()
	userID := id.NewUserID()
	first := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	second := first.Add(3 * time.Hour)

	s.Require().NoError(s.metadata.RecordObservation(ctx, observationAt(userID, "198.51.100.4", first), false))

	later := observationAt(userID, "198.51.100.4", second)
	later.Location = models.GeoLocation{
		CountryCode: "JP",
		City:        "Tokyo",
		Latitude:    35.68,
		Longitude:   139.69,
	}
	s.Require().NoError(s.metadata.RecordObservation(ctx, later, false))

	meta, err := s.metadata.IPMetadata(ctx, "198.51.100.4")
	s.Require().NoError(err)
	// The first sighting never moves; the location tracks the latest one.
	s.Equal(first, meta.FirstSeenAt.UTC())
	s.Equal(second, meta.LastSeenAt.UTC())
	s.Equal("JP", meta.LastLocation.CountryCode)
	s.Equal("Tokyo", meta.LastLocation.City)
	s.InDelta(35.68, meta.LastLocation.Latitude, 0.001)
	s.InDelta(139.69, meta.LastLocation.Longitude, 0.001)
}

func (s *PostgresGeoStoreSuite) TestUnknownIPMetadataIsZero() {
	meta, err := s.metadata.IPMetadata(context.Background(), "192.0.2.1")
	s.Require().NoError(err)
	s.Equal("192.0.2.1", meta.IP)
	s.Zero(meta.SuspiciousCount)
}

func (s *PostgresGeoStoreSuite) TestBlocklistExpiry() {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	expires := now.Add(time.Hour)

	s.Require().NoError(s.blocklist.Block(ctx, models.BlocklistEntry{
		IP: "198.51.100.4", Reason: "abuse", BlockedAt: now, ExpiresAt: &expires,
	}))

	blocked, err := s.blocklist.IsBlocked(ctx, "198.51.100.4", now.Add(time.Minute))
	s.Require().NoError(err)
	s.True(blocked)

	blocked, err = s.blocklist.IsBlocked(ctx, "198.51.100.4", now.Add(2*time.Hour))
	s.Require().NoError(err)
	s.False(blocked)

	// Indefinite blocks never lapse.
	s.Require().NoError(s.blocklist.Block(ctx, models.BlocklistEntry{
		IP: "203.0.113.9", BlockedAt: now,
	}))
	blocked, err = s.blocklist.IsBlocked(ctx, "203.0.113.9", now.Add(24*365*time.Hour))
	s.Require().NoError(err)
	s.True(blocked)

	s.Require().NoError(s.blocklist.Unblock(ctx, "203.0.113.9"))
	blocked, err = s.blocklist.IsBlocked(ctx, "203.0.113.9", now)
	s.Require().NoError(err)
	s.False(blocked)
}
