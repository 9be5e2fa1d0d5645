// Package captcha verifies challenge tokens against the provider's
// server-side endpoint. The provider is an outbound dependency on the login
// path, so calls run under a hard time limit, a consecutive-failure circuit
// breaker and the global captcha rate-limit key.
package captcha

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	ratelimitmodels "authd/internal/ratelimit/models"
	dErrors "authd/pkg/domain-errors"
	"authd/pkg/platform/circuit"
)

// DefaultTimeout bounds one provider round trip.
const DefaultTimeout = 3 * time.Second

// Limiter throttles outbound verification calls.
type Limiter interface {
	TryAcquire(ctx context.Context, key string) (*ratelimitmodels.Decision, error)
}

// Verifier calls the provider's verification endpoint.
type Verifier struct {
	endpoint string
	secret   string
	client   *http.Client
	breaker  *circuit.Breaker
	limiter  Limiter
	logger   *slog.Logger
	timeout  time.Duration
}

// Option configures a Verifier.
type Option func(*Verifier)

func WithLogger(logger *slog.Logger) Option {
	return func(v *Verifier) { v.logger = logger }
}

func WithHTTPClient(client *http.Client) Option {
	return func(v *Verifier) { v.client = client }
}

func WithTimeout(timeout time.Duration) Option {
	return func(v *Verifier) {
		if timeout > 0 {
			v.timeout = timeout
		}
	}
}

// WithLimiter throttles verification calls through the captcha:global key.
func WithLimiter(limiter Limiter) Option {
	return func(v *Verifier) { v.limiter = limiter }
}

// New constructs a verifier for the given provider endpoint.
func New(endpoint, secret string, opts ...Option) (*Verifier, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("captcha verifier: endpoint is required")
	}
	if secret == "" {
		return nil, fmt.Errorf("captcha verifier: secret is required")
	}
	v := &Verifier{
		endpoint: endpoint,
		secret:   secret,
		client:   &http.Client{},
		breaker:  circuit.New("captcha-provider"),
		logger:   slog.Default(),
		timeout:  DefaultTimeout,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// providerResponse is the siteverify wire format shared by the major
// providers.
type providerResponse struct {
	Success    bool     `json:"success"`
	ErrorCodes []string `json:"error-codes"`
}

// Verify checks a client-supplied token. An empty token is CaptchaRequired,
// a token the provider rejects is InvalidCaptcha, and provider trouble
// (breaker open, timeout, non-2xx) surfaces as an unavailability the
// pipeline fails closed on.
func (v *Verifier) Verify(ctx context.Context, token, remoteIP string) error {
	if token == "" {
		return dErrors.New(dErrors.CodePreconditionRequired, "captcha token is required").
			WithKind(dErrors.KindCaptchaRequired)
	}
	if v.breaker.IsOpen() {
		return dErrors.New(dErrors.CodeUnavailable, "captcha provider unavailable").
			WithKind(dErrors.KindDependencyTimeout)
	}
	if v.limiter != nil {
		decision, err := v.limiter.TryAcquire(ctx, ratelimitmodels.KeyCaptchaGlobal)
		if err != nil {
			return err
		}
		if !decision.Allowed {
			return dErrors.New(dErrors.CodeTooManyRequests, "captcha verification throttled").
				WithKind(dErrors.KindRateLimitExceeded)
		}
	}

	ok, err := v.callProvider(ctx, token, remoteIP)
	if err != nil {
		if _, change := v.breaker.RecordFailure(); change.Opened {
			v.logger.ErrorContext(ctx, "captcha provider circuit opened", "error", err)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return dErrors.Wrap(err, dErrors.CodeTimeout, "captcha provider timed out").
				WithKind(dErrors.KindDependencyTimeout)
		}
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "captcha verification failed").
			WithKind(dErrors.KindDependencyTimeout)
	}
	if _, change := v.breaker.RecordSuccess(); change.Closed {
		v.logger.InfoContext(ctx, "captcha provider circuit closed")
	}

	if !ok {
		return dErrors.New(dErrors.CodeBadRequest, "captcha token rejected").
			WithKind(dErrors.KindInvalidCaptcha)
	}
	return nil
}

func (v *Verifier) callProvider(ctx context.Context, token, remoteIP string) (bool, error) {
	callCtx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	form := url.Values{
		"secret":   {v.secret},
		"response": {token},
	}
	if remoteIP != "" {
		form.Set("remoteip", remoteIP)
	}

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, v.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return false, fmt.Errorf("build captcha request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := v.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("call captcha provider: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, fmt.Errorf("captcha provider returned status %d", resp.StatusCode)
	}

	var result providerResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return false, fmt.Errorf("decode captcha response: %w", err)
	}
	return result.Success, nil
}
