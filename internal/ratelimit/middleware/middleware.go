// Package middleware applies per-IP rate limiting to routes outside the
// authentication pipeline (profile, admin). Pipeline endpoints do their own
// ordered acquisitions inside the flow service and must not be wrapped here,
// or every login would consume two slots.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"authd/internal/ratelimit/models"
	dErrors "authd/pkg/domain-errors"
	"authd/pkg/platform/httputil"
	"authd/pkg/requestcontext"
)

// Limiter is the slice of the rate limit service the middleware needs.
type Limiter interface {
	TryAcquire(ctx context.Context, key string) (*models.Decision, error)
}

// PerIP denies requests once the client IP exhausts its window. Denials
// carry the standard X-RateLimit headers and Retry-After.
func PerIP(limiter Limiter, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			ip := requestcontext.ClientIP(ctx)
			if ip == "" {
				// No resolvable peer address: treat as hostile.
				httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "client address could not be determined"))
				return
			}

			decision, err := limiter.TryAcquire(ctx, models.IPKey(ip))
			if err != nil {
				logger.ErrorContext(ctx, "rate limit check failed",
					"request_id", requestcontext.RequestID(ctx),
					"error", err,
				)
				httputil.WriteError(w, err)
				return
			}

			writeLimitHeaders(w, decision)
			if !decision.Allowed {
				httputil.WriteError(w, dErrors.New(dErrors.CodeTooManyRequests, "rate limit exceeded").
					WithKind(dErrors.KindRateLimitExceeded))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func writeLimitHeaders(w http.ResponseWriter, d *models.Decision) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	if d.Remaining >= 0 {
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	}
	if !d.ResetAt.IsZero() {
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
	}
	if !d.Allowed {
		retryAfter := int(d.RetryAfter / time.Second)
		if d.RetryAfter%time.Second > 0 {
			retryAfter++
		}
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	}
}
