// Package device stamps a device fingerprint into the request context.
// The fingerprint computation itself lives with the auth services; this
// middleware only wires it into the HTTP chain.
package device

import (
	"net/http"

	"authd/pkg/requestcontext"
)

// Fingerprinter derives a stable device fingerprint from a User-Agent.
// An empty result means fingerprinting is disabled or the input was unusable.
type Fingerprinter interface {
	ComputeFingerprint(userAgent string) string
}

// Middleware computes the fingerprint from the User-Agent header and stores
// it in the context. Apply after metadata so services can also read the raw
// User-Agent.
func Middleware(fp Fingerprinter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if fingerprint := fp.ComputeFingerprint(r.Header.Get("User-Agent")); fingerprint != "" {
				ctx = requestcontext.WithDeviceFingerprint(ctx, fingerprint)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
