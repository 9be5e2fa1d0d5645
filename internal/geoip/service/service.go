// Package service exposes geolocation to the rest of the server: resolving
// IPs, recording login-time observations and maintaining the IP blocklist.
// Lookups are advisory; nothing here fails a login on its own.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"authd/internal/geoip/models"
	"authd/internal/geoip/store"
	id "authd/pkg/domain"
	dErrors "authd/pkg/domain-errors"
	"authd/pkg/platform/audit"
	"authd/pkg/requestcontext"
)

// Locator resolves IPs to locations and autonomous systems.
type Locator interface {
	Locate(ip string) models.GeoLocation
	ASN(ip string) models.ASNInfo
}

// SecurityPublisher records security-relevant events without blocking.
type SecurityPublisher interface {
	Emit(ctx context.Context, event audit.SecurityEvent)
}

// Service is the geo/IP facade.
type Service struct {
	locator   Locator
	metadata  store.MetadataStore
	blocklist store.BlocklistStore
	logger    *slog.Logger
	security  SecurityPublisher
}

// Option configures a Service.
type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithSecurityPublisher(p SecurityPublisher) Option {
	return func(s *Service) { s.security = p }
}

// New constructs the service.
func New(locator Locator, metadata store.MetadataStore, blocklist store.BlocklistStore, opts ...Option) (*Service, error) {
	if locator == nil {
		return nil, fmt.Errorf("locator is required")
	}
	if metadata == nil {
		return nil, fmt.Errorf("metadata store is required")
	}
	if blocklist == nil {
		return nil, fmt.Errorf("blocklist store is required")
	}
	s := &Service{
		locator:   locator,
		metadata:  metadata,
		blocklist: blocklist,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Resolve looks an IP up without recording anything.
func (s *Service) Resolve(ip string) (models.GeoLocation, models.ASNInfo) {
	return s.locator.Locate(ip), s.locator.ASN(ip)
}

// Observe resolves the IP and records the sighting against the user. Called
// on every successful login; suspicious marks sightings the risk engine
// flagged.
func (s *Service) Observe(ctx context.Context, userID id.UserID, ip string, suspicious bool) (*models.Observation, error) {
	location, asn := s.Resolve(ip)
	obs := models.Observation{
		UserID:            userID,
		IP:                ip,
		Location:          location,
		ASN:               asn,
		DeviceFingerprint: requestcontext.DeviceFingerprint(ctx),
		ObservedAt:        requestcontext.Now(ctx),
	}
	if err := s.metadata.RecordObservation(ctx, obs, suspicious); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "record geo observation")
	}
	return &obs, nil
}

// History returns the user's recent sightings, newest first.
func (s *Service) History(ctx context.Context, userID id.UserID, limit int) ([]models.Observation, error) {
	history, err := s.metadata.History(ctx, userID, limit)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "load geo history")
	}
	return history, nil
}

// IPMetadata loads the per-IP reputation record.
func (s *Service) IPMetadata(ctx context.Context, ip string) (*models.IPMetadata, error) {
	meta, err := s.metadata.IPMetadata(ctx, ip)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "load ip metadata")
	}
	return meta, nil
}

// IsBlocked reports whether the IP has an active administrative block. A
// store failure reads as not blocked; the blocklist is one risk signal, not
// an availability dependency.
func (s *Service) IsBlocked(ctx context.Context, ip string) bool {
	blocked, err := s.blocklist.IsBlocked(ctx, ip, requestcontext.Now(ctx))
	if err != nil {
		s.logger.WarnContext(ctx, "blocklist check failed", "error", err)
		return false
	}
	return blocked
}

// BlockIP adds or refreshes an administrative block. Admin surface.
func (s *Service) BlockIP(ctx context.Context, ip, reason string, ttl time.Duration) error {
	now := requestcontext.Now(ctx)
	entry := models.BlocklistEntry{IP: ip, Reason: reason, BlockedAt: now}
	if ttl > 0 {
		expires := now.Add(ttl)
		entry.ExpiresAt = &expires
	}
	if err := s.blocklist.Block(ctx, entry); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "block ip")
	}
	if s.security != nil {
		s.security.Emit(ctx, audit.SecurityEvent{
			Timestamp: now,
			Subject:   ip,
			Action:    string(audit.EventIPBlocked),
			Reason:    reason,
			RequestID: requestcontext.RequestID(ctx),
			ActorID:   requestcontext.UserID(ctx).String(),
			Severity:  audit.SeverityWarning,
		})
	}
	return nil
}

// UnblockIP removes an administrative block. Admin surface.
func (s *Service) UnblockIP(ctx context.Context, ip string) error {
	if err := s.blocklist.Unblock(ctx, ip); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "unblock ip")
	}
	return nil
}

// DistanceKm computes the great-circle distance between two observations'
// coordinates. Invalid coordinates log once and yield -1.
func (s *Service) DistanceKm(ctx context.Context, a, b models.GeoLocation) float64 {
	distance := models.HaversineKm(a.Latitude, a.Longitude, b.Latitude, b.Longitude)
	if distance < 0 {
		s.logger.WarnContext(ctx, "coordinates out of range for distance calculation",
			"lat1", a.Latitude, "lon1", a.Longitude,
			"lat2", b.Latitude, "lon2", b.Longitude,
		)
	}
	return distance
}
