// Package httptransport assembles the HTTP surface: the shared middleware
// chain, the anonymous authentication endpoints, the bearer-gated
// self-service group and the permission-gated admin group.
//
// The login and registration endpoints are deliberately left outside the
// per-IP limiter middleware: the pipeline service performs its own ordered
// acquisitions and wrapping them here would double-count every attempt.
package httptransport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	adminhandler "authd/internal/admin/handler"
	authflowhandler "authd/internal/authflow/handler"
	profilehandler "authd/internal/profile/handler"
	ratelimitmw "authd/internal/ratelimit/middleware"
	tokenhandler "authd/internal/token/handler"
	tokenservice "authd/internal/token/service"
	"authd/pkg/platform/httputil"
	"authd/pkg/platform/middleware/auth"
	"authd/pkg/platform/middleware/device"
	"authd/pkg/platform/middleware/metadata"
	"authd/pkg/platform/middleware/permission"
	"authd/pkg/platform/middleware/requestid"
	"authd/pkg/platform/middleware/requesttime"
)

// AccessVerifier is the token-service slice behind bearer authentication.
type AccessVerifier interface {
	VerifyAccessToken(ctx context.Context, token string) (*tokenservice.Principal, error)
}

// TokenVerifier adapts the token service to the auth middleware contract.
type TokenVerifier struct {
	Tokens AccessVerifier
}

func (v TokenVerifier) VerifyAccessToken(ctx context.Context, token string) (*auth.Identity, error) {
	principal, err := v.Tokens.VerifyAccessToken(ctx, token)
	if err != nil {
		return nil, err
	}
	return &auth.Identity{UserID: principal.UserID, SessionID: principal.SessionID}, nil
}

// HealthCheck probes one dependency. A non-nil error marks the process
// degraded.
type HealthCheck func(ctx context.Context) error

// Deps carries everything the router mounts. AuthFlow, Tokens, Profile,
// Admin, Verifier and Permissions are required; the rest are optional.
type Deps struct {
	Logger *slog.Logger

	AuthFlow *authflowhandler.Handler
	Tokens   *tokenhandler.Handler
	Profile  *profilehandler.Handler
	Admin    *adminhandler.Handler

	Verifier    auth.TokenVerifier
	Permissions permission.Checker

	// Fingerprint enables device fingerprinting for the risk engine.
	Fingerprint device.Fingerprinter
	// Limiter applies per-IP limiting to the authenticated groups.
	Limiter ratelimitmw.Limiter

	// TrustedProxies are the CIDRs whose forwarding headers are honoured
	// when resolving the client IP.
	TrustedProxies []string

	// HealthChecks are probed by GET /healthz, keyed by dependency name.
	HealthChecks map[string]HealthCheck
}

// New builds the router.
func New(deps Deps) (chi.Router, error) {
	if deps.AuthFlow == nil || deps.Tokens == nil || deps.Profile == nil || deps.Admin == nil {
		return nil, fmt.Errorf("router: all handlers are required")
	}
	if deps.Verifier == nil || deps.Permissions == nil {
		return nil, fmt.Errorf("router: token verifier and permission checker are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	extractor, err := metadata.NewExtractor(deps.TrustedProxies)
	if err != nil {
		return nil, fmt.Errorf("router: trusted proxies: %w", err)
	}

	r := chi.NewRouter()
	r.Use(requestid.Middleware)
	r.Use(requesttime.Middleware)
	r.Use(extractor.Middleware)
	if deps.Fingerprint != nil {
		r.Use(device.Middleware(deps.Fingerprint))
	}

	r.Get("/healthz", handleHealth(deps.HealthChecks))
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	// Anonymous surface: registration, login, token exchange.
	deps.AuthFlow.Register(r)
	deps.Tokens.Register(r)

	// Self-service surface.
	r.Group(func(g chi.Router) {
		g.Use(auth.RequireAuth(deps.Verifier, logger))
		if deps.Limiter != nil {
			g.Use(ratelimitmw.PerIP(deps.Limiter, logger))
		}
		deps.Profile.Register(g)
	})

	// Admin surface. Role management and the blocklist are separate grants.
	r.Group(func(g chi.Router) {
		g.Use(auth.RequireAuth(deps.Verifier, logger))
		g.Group(func(rg chi.Router) {
			rg.Use(permission.Require(deps.Permissions, adminhandler.PermissionManageRoles, logger))
			deps.Admin.RegisterRoles(rg)
		})
		g.Group(func(bg chi.Router) {
			bg.Use(permission.Require(deps.Permissions, adminhandler.PermissionManageBlocklist, logger))
			deps.Admin.RegisterBlocklist(bg)
		})
	})

	return r, nil
}

type healthResponse struct {
	Status string   `json:"status"`
	Failed []string `json:"failed,omitempty"`
}

func handleHealth(checks map[string]HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var failed []string
		for name, check := range checks {
			if err := check(r.Context()); err != nil {
				failed = append(failed, name)
			}
		}
		if len(failed) > 0 {
			httputil.WriteJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "degraded", Failed: failed})
			return
		}
		httputil.WriteJSON(w, http.StatusOK, healthResponse{Status: "ok"})
	}
}
