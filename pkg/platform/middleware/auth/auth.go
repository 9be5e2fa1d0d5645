// Package auth guards resource routes with bearer-token authentication.
// Token verification (signature, claims, subject status, revocation) is the
// token service's job; this middleware extracts the bearer token, delegates,
// and stamps the verified identity into the request context.
package auth

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	id "authd/pkg/domain"
	dErrors "authd/pkg/domain-errors"
	"authd/pkg/platform/httputil"
	"authd/pkg/requestcontext"
)

// Identity is the verified subject of an access token.
type Identity struct {
	UserID    id.UserID
	SessionID id.SessionID
	JTI       string
}

// TokenVerifier performs the full inbound-token validation: signature,
// required claims, issuer/audience/type, clock-skewed expiry, subject
// resolution and revocation.
type TokenVerifier interface {
	VerifyAccessToken(ctx context.Context, token string) (*Identity, error)
}

// RequireAuth rejects requests without a verifiable bearer token and makes
// the verified identity available through pkg/requestcontext.
func RequireAuth(verifier TokenVerifier, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			token, ok := bearerToken(r)
			if !ok {
				logger.WarnContext(ctx, "unauthorized access - missing bearer token",
					"request_id", requestcontext.RequestID(ctx),
				)
				httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "missing or invalid Authorization header"))
				return
			}

			identity, err := verifier.VerifyAccessToken(ctx, token)
			if err != nil {
				logger.WarnContext(ctx, "unauthorized access - token rejected",
					"request_id", requestcontext.RequestID(ctx),
					"error", err,
				)
				// Internal verification failures must not leak as 401 noise.
				if dErrors.HasCode(err, dErrors.CodeInternal) || dErrors.HasCode(err, dErrors.CodeUnavailable) {
					httputil.WriteError(w, err)
					return
				}
				httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "invalid or expired token"))
				return
			}

			ctx = requestcontext.WithUserID(ctx, identity.UserID)
			ctx = requestcontext.WithSessionID(ctx, identity.SessionID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	const bearerPrefix = "Bearer "
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, bearerPrefix)
	if !ok || token == "" {
		return "", false
	}
	return token, true
}
