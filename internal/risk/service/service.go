// Package service is the risk engine: it folds geo, IP-reputation, device
// and failure-history signals into a single advisory verdict for the
// authentication pipeline. The engine never errors; a signal whose source
// is unavailable contributes nothing.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	geomodels "authd/internal/geoip/models"
	"authd/internal/risk/models"
	id "authd/pkg/domain"
	"authd/pkg/platform/audit"
	"authd/pkg/requestcontext"
)

// Default weights and thresholds. Weights are per signal; the score is
// their sum clamped to 100.
const (
	DefaultDenyThreshold      = 70
	DefaultChallengeThreshold = 40

	defaultImpossibleTravelWeight = 40
	defaultCountryChangeWeight    = 20
	defaultASNChangeWeight        = 10
	defaultNewDeviceWeight        = 15
	defaultSuspiciousIPWeight     = 20
	defaultRecentFailuresWeight   = 15

	// MaxPlausibleSpeedKmh separates long-haul flights from credential
	// sharing across continents.
	MaxPlausibleSpeedKmh = 900.0

	countryChangeWindow    = 5
	recentFailureWindow    = 10 * time.Minute
	recentFailureThreshold = 3

	defaultSuspiciousIPThreshold = 3
)

// GeoSource provides the location and reputation signals.
type GeoSource interface {
	Resolve(ip string) (geomodels.GeoLocation, geomodels.ASNInfo)
	History(ctx context.Context, userID id.UserID, limit int) ([]geomodels.Observation, error)
	IPMetadata(ctx context.Context, ip string) (*geomodels.IPMetadata, error)
	IsBlocked(ctx context.Context, ip string) bool
}

// FailureSource counts recent login failures for a user.
type FailureSource interface {
	CountRecentFailures(ctx context.Context, userID id.UserID, since time.Time) (int, error)
}

// SecurityPublisher records security-relevant events without blocking.
type SecurityPublisher interface {
	Emit(ctx context.Context, event audit.SecurityEvent)
}

// Weights configures the per-signal contributions.
type Weights struct {
	ImpossibleTravel int
	CountryChange    int
	ASNChange        int
	NewDevice        int
	SuspiciousIP     int
	RecentFailures   int
}

// Service is the risk engine.
type Service struct {
	geo      GeoSource
	failures FailureSource
	logger   *slog.Logger
	security SecurityPublisher

	weights               Weights
	denyThreshold         int
	challengeThreshold    int
	suspiciousIPThreshold int
}

// Option configures a Service.
type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithSecurityPublisher(p SecurityPublisher) Option {
	return func(s *Service) { s.security = p }
}

// WithWeights overrides the per-signal weights.
func WithWeights(w Weights) Option {
	return func(s *Service) { s.weights = w }
}

// WithThresholds overrides the deny and challenge score boundaries.
func WithThresholds(deny, challenge int) Option {
	return func(s *Service) { s.denyThreshold, s.challengeThreshold = deny, challenge }
}

// WithSuspiciousIPThreshold overrides how many suspicious sightings an IP
// needs before it contributes.
func WithSuspiciousIPThreshold(n int) Option {
	return func(s *Service) { s.suspiciousIPThreshold = n }
}

// New constructs the engine.
func New(geo GeoSource, failures FailureSource, opts ...Option) (*Service, error) {
	if geo == nil {
		return nil, fmt.Errorf("geo source is required")
	}
	s := &Service{
		geo:      geo,
		failures: failures,
		logger:   slog.Default(),
		weights: Weights{
			ImpossibleTravel: defaultImpossibleTravelWeight,
			CountryChange:    defaultCountryChangeWeight,
			ASNChange:        defaultASNChangeWeight,
			NewDevice:        defaultNewDeviceWeight,
			SuspiciousIP:     defaultSuspiciousIPWeight,
			RecentFailures:   defaultRecentFailuresWeight,
		},
		denyThreshold:         DefaultDenyThreshold,
		challengeThreshold:    DefaultChallengeThreshold,
		suspiciousIPThreshold: defaultSuspiciousIPThreshold,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Input describes one login attempt.
type Input struct {
	// UserID is nil before the account is identified.
	UserID            *id.UserID
	IP                string
	DeviceFingerprint string
}

// Evaluate scores the attempt. An active blocklist entry denies outright;
// otherwise signals accumulate and the thresholds decide.
func (s *Service) Evaluate(ctx context.Context, input Input) models.Verdict {
	now := requestcontext.Now(ctx)

	if s.geo.IsBlocked(ctx, input.IP) {
		verdict := models.Verdict{
			Score: 100,
			Signals: []models.Signal{{
				Name:   models.SignalIPBlocklisted,
				Weight: 100,
				Detail: input.IP,
			}},
			Recommendation: models.RecommendDeny,
		}
		s.audit(ctx, input, verdict)
		return verdict
	}

	var signals []models.Signal
	location, asn := s.geo.Resolve(input.IP)

	if input.UserID != nil {
		signals = append(signals, s.historySignals(ctx, *input.UserID, location, asn, input.DeviceFingerprint, now)...)
		signals = append(signals, s.failureSignals(ctx, *input.UserID, now)...)
	}
	signals = append(signals, s.reputationSignals(ctx, input.IP)...)

	score := 0
	for _, sig := range signals {
		score += sig.Weight
	}
	if score > 100 {
		score = 100
	}

	verdict := models.Verdict{Score: score, Signals: signals}
	switch {
	case score >= s.denyThreshold:
		verdict.Recommendation = models.RecommendDeny
	case score >= s.challengeThreshold:
		verdict.Recommendation = models.RecommendChallenge
	default:
		verdict.Recommendation = models.RecommendAllow
	}
	s.audit(ctx, input, verdict)
	return verdict
}

// historySignals derives travel, country, ASN and device signals from the
// user's recent sightings. A user without history contributes nothing: the
// first login from anywhere is not anomalous.
func (s *Service) historySignals(ctx context.Context, userID id.UserID, location geomodels.GeoLocation, asn geomodels.ASNInfo, fingerprint string, now time.Time) []models.Signal {
	history, err := s.geo.History(ctx, userID, geomodels.HistoryLimit)
	if err != nil {
		s.logger.WarnContext(ctx, "risk: geo history unavailable", "error", err)
		return nil
	}
	if len(history) == 0 {
		return nil
	}

	var signals []models.Signal

	if sig, ok := s.travelSignal(history[0], location, now); ok {
		signals = append(signals, sig)
	}

	recent := history
	if len(recent) > countryChangeWindow {
		recent = recent[:countryChangeWindow]
	}

	if location.CountryCode != "" {
		seen, match := false, false
		for _, obs := range recent {
			if obs.Location.CountryCode == "" {
				continue
			}
			seen = true
			if obs.Location.CountryCode == location.CountryCode {
				match = true
				break
			}
		}
		if seen && !match {
			signals = append(signals, models.Signal{
				Name:   models.SignalCountryChange,
				Weight: s.weights.CountryChange,
				Detail: location.CountryCode,
			})
		}
	}

	if asn.Known() {
		seen, match := false, false
		for _, obs := range recent {
			if !obs.ASN.Known() {
				continue
			}
			seen = true
			if obs.ASN.Number == asn.Number {
				match = true
				break
			}
		}
		if seen && !match {
			signals = append(signals, models.Signal{
				Name:   models.SignalASNChange,
				Weight: s.weights.ASNChange,
				Detail: fmt.Sprintf("AS%d", asn.Number),
			})
		}
	}

	if fingerprint != "" {
		seen, match := false, false
		for _, obs := range history {
			if obs.DeviceFingerprint == "" {
				continue
			}
			seen = true
			if obs.DeviceFingerprint == fingerprint {
				match = true
				break
			}
		}
		if seen && !match {
			signals = append(signals, models.Signal{
				Name:   models.SignalNewDevice,
				Weight: s.weights.NewDevice,
			})
		}
	}

	return signals
}

// travelSignal compares the attempt against the most recent sighting. The
// implied ground speed must stay under MaxPlausibleSpeedKmh.
func (s *Service) travelSignal(last geomodels.Observation, location geomodels.GeoLocation, now time.Time) (models.Signal, bool) {
	if !last.Location.HasCoordinates() || !location.HasCoordinates() {
		return models.Signal{}, false
	}
	distance := geomodels.HaversineKm(
		last.Location.Latitude, last.Location.Longitude,
		location.Latitude, location.Longitude,
	)
	if distance < 0 {
		return models.Signal{}, false
	}
	elapsed := now.Sub(last.ObservedAt)
	if elapsed <= 0 {
		// Clock skew or same-instant observations; treat any real distance
		// as impossible.
		if distance > 1 {
			return models.Signal{
				Name:   models.SignalImpossibleTravel,
				Weight: s.weights.ImpossibleTravel,
				Detail: fmt.Sprintf("%.0fkm in no elapsed time", distance),
			}, true
		}
		return models.Signal{}, false
	}
	speed := distance / elapsed.Hours()
	if speed > MaxPlausibleSpeedKmh {
		return models.Signal{
			Name:   models.SignalImpossibleTravel,
			Weight: s.weights.ImpossibleTravel,
			Detail: fmt.Sprintf("%.0fkm/h implied", speed),
		}, true
	}
	return models.Signal{}, false
}

func (s *Service) failureSignals(ctx context.Context, userID id.UserID, now time.Time) []models.Signal {
	if s.failures == nil {
		return nil
	}
	count, err := s.failures.CountRecentFailures(ctx, userID, now.Add(-recentFailureWindow))
	if err != nil {
		s.logger.WarnContext(ctx, "risk: failure history unavailable", "error", err)
		return nil
	}
	if count < recentFailureThreshold {
		return nil
	}
	return []models.Signal{{
		Name:   models.SignalRecentFailures,
		Weight: s.weights.RecentFailures,
		Detail: fmt.Sprintf("%d failures in %s", count, recentFailureWindow),
	}}
}

func (s *Service) reputationSignals(ctx context.Context, ip string) []models.Signal {
	meta, err := s.geo.IPMetadata(ctx, ip)
	if err != nil {
		s.logger.WarnContext(ctx, "risk: ip metadata unavailable", "error", err)
		return nil
	}
	if meta.SuspiciousCount < s.suspiciousIPThreshold {
		return nil
	}
	return []models.Signal{{
		Name:   models.SignalSuspiciousIP,
		Weight: s.weights.SuspiciousIP,
		Detail: fmt.Sprintf("%d suspicious sightings", meta.SuspiciousCount),
	}}
}

// audit records denials in the security trail. Allow and challenge verdicts
// are logged; the pipeline audits what it does with them.
func (s *Service) audit(ctx context.Context, input Input, verdict models.Verdict) {
	subject := input.IP
	if input.UserID != nil {
		subject = input.UserID.String()
	}
	s.logger.DebugContext(ctx, "risk verdict",
		"subject", subject,
		"score", verdict.Score,
		"recommendation", string(verdict.Recommendation),
	)
	if !verdict.Denied() || s.security == nil {
		return
	}

	details := make(map[string]string, len(verdict.Signals)+1)
	details["score"] = fmt.Sprintf("%d", verdict.Score)
	for _, sig := range verdict.Signals {
		details[sig.Name] = sig.Detail
	}
	s.security.Emit(ctx, audit.SecurityEvent{
		Subject:   subject,
		Action:    string(audit.EventRiskDenied),
		Reason:    string(verdict.Recommendation),
		IP:        input.IP,
		RequestID: requestcontext.RequestID(ctx),
		Severity:  audit.SeverityWarning,
		Details:   details,
		Timestamp: requestcontext.Now(ctx),
	})
}
