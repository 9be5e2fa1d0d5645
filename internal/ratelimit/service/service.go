// Package service implements the sliding-window rate limiter used around
// every credential-bearing request. Admission decisions are evaluated
// atomically inside the window store; this service owns key namespacing,
// per-deployment failure policy, metrics and audit.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"authd/internal/ratelimit/metrics"
	"authd/internal/ratelimit/models"
	"authd/internal/ratelimit/ports"
	dErrors "authd/pkg/domain-errors"
	"authd/pkg/platform/audit"
	"authd/pkg/requestcontext"
)

// Config carries the limiter's per-deployment knobs. FailOpen is a
// deployment decision, never a per-request one: login paths run fail-closed,
// CAPTCHA-only deployments may opt into fail-open.
type Config struct {
	IP          models.KeyConfig
	User        models.KeyConfig
	Captcha     models.KeyConfig
	FailOpen    bool
	CallTimeout time.Duration
}

// DefaultConfig mirrors the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		IP:          models.KeyConfig{Limit: 100, Window: 60 * time.Second},
		User:        models.KeyConfig{Limit: 20, Window: 60 * time.Second},
		Captcha:     models.KeyConfig{Limit: 50, Window: 60 * time.Second},
		FailOpen:    false,
		CallTimeout: 200 * time.Millisecond,
	}
}

// configFor resolves the (limit, window) pair from the key's namespace.
func (c *Config) configFor(key string) (models.KeyConfig, error) {
	switch {
	case strings.HasPrefix(key, models.KeyPrefixIP):
		return c.IP, nil
	case strings.HasPrefix(key, models.KeyPrefixUser):
		return c.User, nil
	case key == models.KeyCaptchaGlobal:
		return c.Captcha, nil
	default:
		return models.KeyConfig{}, fmt.Errorf("unknown rate limit key namespace: %q", key)
	}
}

// Service is the limiter facade consumed by the authentication pipeline and
// the CAPTCHA gate.
type Service struct {
	store          ports.WindowStore
	config         *Config
	logger         *slog.Logger
	metrics        *metrics.Metrics
	auditPublisher ports.AuditPublisher
}

// Option configures a Service.
type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithConfig(cfg *Config) Option {
	return func(s *Service) {
		if cfg != nil {
			s.config = cfg
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithAuditPublisher(p ports.AuditPublisher) Option {
	return func(s *Service) { s.auditPublisher = p }
}

// New constructs the limiter service.
func New(store ports.WindowStore, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("window store is required")
	}
	s := &Service{
		store:  store,
		config: DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// TryAcquire admits or denies one request for the key. On store failure the
// per-deployment policy applies: fail-closed surfaces RateLimiterUnavailable
// (the pipeline must deny), fail-open logs and admits.
func (s *Service) TryAcquire(ctx context.Context, key string) (*models.Decision, error) {
	cfg, err := s.config.configFor(key)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "rate limit key not configured")
	}

	now := requestcontext.Now(ctx)
	callCtx, cancel := context.WithTimeout(ctx, s.config.CallTimeout)
	defer cancel()

	start := time.Now()
	decision, err := s.store.Acquire(callCtx, key, cfg.Limit, cfg.Window, now)
	elapsedMs := float64(time.Since(start).Microseconds()) / 1000.0

	if err != nil {
		if s.metrics != nil {
			s.metrics.IncrementErrors()
		}
		if s.config.FailOpen {
			s.logger.WarnContext(ctx, "rate limit store unavailable, failing open",
				"key_namespace", namespaceOf(key),
				"error", err,
			)
			return &models.Decision{Allowed: true, Limit: cfg.Limit, Remaining: -1}, nil
		}
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "rate limiter unavailable").
			WithKind(dErrors.KindRateLimiterUnavailable)
	}

	if s.metrics != nil {
		s.metrics.ObserveAcquire(decision.Allowed, elapsedMs)
		if key == models.KeyCaptchaGlobal {
			s.metrics.SetRemaining(key, decision.Remaining)
		}
	}

	if !decision.Allowed {
		s.logger.InfoContext(ctx, "rate limit exceeded",
			"key_namespace", namespaceOf(key),
			"limit", decision.Limit,
			"retry_after_seconds", int(decision.RetryAfter.Seconds()),
		)
		if s.auditPublisher != nil {
			s.auditPublisher.Emit(ctx, audit.SecurityEvent{
				Timestamp: now,
				Subject:   key,
				Action:    string(audit.EventRateLimitExceeded),
				Reason:    "sliding_window_limit",
				IP:        requestcontext.ClientIP(ctx),
				RequestID: requestcontext.RequestID(ctx),
				Severity:  audit.SeverityWarning,
			})
		}
	}

	return decision, nil
}

// Remaining reports the approximate slots left for a key without consuming
// one. Store failures yield -1; callers treat the value as advisory.
func (s *Service) Remaining(ctx context.Context, key string) (int, error) {
	cfg, err := s.config.configFor(key)
	if err != nil {
		return -1, dErrors.Wrap(err, dErrors.CodeInternal, "rate limit key not configured")
	}

	callCtx, cancel := context.WithTimeout(ctx, s.config.CallTimeout)
	defer cancel()

	count, err := s.store.Count(callCtx, key, cfg.Window, requestcontext.Now(ctx))
	if err != nil {
		if s.metrics != nil {
			s.metrics.IncrementErrors()
		}
		return -1, nil
	}
	remaining := cfg.Limit - count
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// Reset clears a key. Admin surface only.
func (s *Service) Reset(ctx context.Context, key string) error {
	if err := s.store.Reset(ctx, key); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to reset rate limit key")
	}
	return nil
}

// namespaceOf strips the identifier so logs never carry raw emails.
func namespaceOf(key string) string {
	if i := strings.LastIndexByte(key, ':'); i >= 0 {
		return key[:i+1]
	}
	return key
}
