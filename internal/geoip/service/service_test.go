package service

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"authd/internal/geoip/models"
	"authd/internal/geoip/store"
	id "authd/pkg/domain"
	"authd/pkg/platform/audit"
	"authd/pkg/requestcontext"
)

type stubLocator struct {
	locations map[string]models.GeoLocation
	asns      map[string]models.ASNInfo
}

func (l *stubLocator) Locate(ip string) models.GeoLocation { return l.locations[ip] }
func (l *stubLocator) ASN(ip string) models.ASNInfo        { return l.asns[ip] }

type recordingSecurity struct {
	events []audit.SecurityEvent
}

func (r *recordingSecurity) Emit(_ context.Context, event audit.SecurityEvent) {
	r.events = append(r.events, event)
}

type GeoServiceSuite struct {
	suite.Suite
	ctx      context.Context
	service  *Service
	metadata *store.MemoryMetadataStore
	security *recordingSecurity
	now      time.Time
}

func TestGeoServiceSuite(t *testing.T) {
	suite.Run(t, new(GeoServiceSuite))
}

func (s *GeoServiceSuite) SetupTest() {
	s.now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s.ctx = requestcontext.WithTime(context.Background(), s.now)
	s.metadata = store.NewMemoryMetadataStore()
	s.security = &recordingSecurity{}

	locator := &stubLocator{
		locations: map[string]models.GeoLocation{
			"198.51.100.7": {CountryCode: "CH", City: "Zurich", Latitude: 47.37, Longitude: 8.54},
		},
		asns: map[string]models.ASNInfo{
			"198.51.100.7": {Number: 3303, Organization: "Swisscom"},
		},
	}

	svc, err := New(locator, s.metadata, store.NewMemoryBlocklistStore(),
		WithSecurityPublisher(s.security))
	s.Require().NoError(err)
	s.service = svc
}

func (s *GeoServiceSuite) TestObserveRecordsResolvedLocation() {
	userID := id.UserID(uuid.New())

	obs, err := s.service.Observe(s.ctx, userID, "198.51.100.7", false)
	s.Require().NoError(err)
	s.Equal("CH", obs.Location.CountryCode)
	s.Equal(uint(3303), obs.ASN.Number)
	s.True(obs.ObservedAt.Equal(s.now))

	history, err := s.service.History(s.ctx, userID, 0)
	s.Require().NoError(err)
	s.Require().Len(history, 1)
	s.Equal("198.51.100.7", history[0].IP)
}

func (s *GeoServiceSuite) TestObserveUnknownIPStillRecords() {
	userID := id.UserID(uuid.New())

	obs, err := s.service.Observe(s.ctx, userID, "203.0.113.200", true)
	s.Require().NoError(err)
	s.False(obs.Location.Known())

	meta, err := s.service.IPMetadata(s.ctx, "203.0.113.200")
	s.Require().NoError(err)
	s.Equal(1, meta.SuspiciousCount)
}

func (s *GeoServiceSuite) TestBlockAndUnblock() {
	s.False(s.service.IsBlocked(s.ctx, "203.0.113.9"))

	s.Require().NoError(s.service.BlockIP(s.ctx, "203.0.113.9", "credential stuffing", time.Hour))
	s.True(s.service.IsBlocked(s.ctx, "203.0.113.9"))

	s.Require().Len(s.security.events, 1)
	s.Equal(string(audit.EventIPBlocked), s.security.events[0].Action)
	s.Equal("203.0.113.9", s.security.events[0].Subject)

	// Block expires with request time.
	later := requestcontext.WithTime(context.Background(), s.now.Add(2*time.Hour))
	s.False(s.service.IsBlocked(later, "203.0.113.9"))

	s.Require().NoError(s.service.UnblockIP(s.ctx, "203.0.113.9"))
	s.False(s.service.IsBlocked(s.ctx, "203.0.113.9"))
}

func (s *GeoServiceSuite) TestDistanceKm() {
	zurich := models.GeoLocation{Latitude: 47.3769, Longitude: 8.5417}
	london := models.GeoLocation{Latitude: 51.5074, Longitude: -0.1278}

	s.InDelta(776, s.service.DistanceKm(s.ctx, zurich, london), 10)

	invalid := models.GeoLocation{Latitude: 95, Longitude: 0}
	s.Equal(float64(-1), s.service.DistanceKm(s.ctx, invalid, london))
}
