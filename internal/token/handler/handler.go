// Package handler exposes the OAuth2 token endpoints: refresh-token
// exchange, revocation and the JWKS document.
package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"authd/internal/token/models"
	dErrors "authd/pkg/domain-errors"
	"authd/pkg/platform/httputil"
	"authd/pkg/requestcontext"
)

// Service is the token service surface the endpoints need.
type Service interface {
	Refresh(ctx context.Context, refreshToken string) (*models.Pair, error)
	RevokeToken(ctx context.Context, token, reason string) error
}

// Handler handles the /oauth2 endpoints.
type Handler struct {
	logger *slog.Logger
	tokens Service
}

// New creates the handler.
func New(tokens Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, tokens: tokens}
}

// Register mounts the endpoints on the router.
func (h *Handler) Register(r chi.Router) {
	r.Post("/oauth2/token", h.handleToken)
	r.Post("/oauth2/revoke", h.handleRevoke)
	r.Get("/oauth2/jwks", h.handleJWKS)
}

// oauthError is the RFC 6749 error envelope. The token endpoints speak the
// OAuth2 wire format rather than the internal one.
type oauthError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

func (h *Handler) handleToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := r.ParseForm(); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, oauthError{Error: "invalid_request", ErrorDescription: "malformed form body"})
		return
	}

	if grantType := r.PostFormValue("grant_type"); grantType != "refresh_token" {
		httputil.WriteJSON(w, http.StatusBadRequest, oauthError{Error: "unsupported_grant_type"})
		return
	}
	refreshToken := r.PostFormValue("refresh_token")
	if refreshToken == "" {
		httputil.WriteJSON(w, http.StatusBadRequest, oauthError{Error: "invalid_request", ErrorDescription: "refresh_token is required"})
		return
	}

	pair, err := h.tokens.Refresh(ctx, refreshToken)
	if err != nil {
		switch dErrors.CodeOf(err) {
		case dErrors.CodeUnauthorized:
			httputil.WriteJSON(w, http.StatusBadRequest, oauthError{Error: "invalid_grant"})
		case dErrors.CodeUnavailable:
			httputil.WriteJSON(w, http.StatusServiceUnavailable, oauthError{Error: "temporarily_unavailable"})
		default:
			h.logger.ErrorContext(ctx, "refresh token exchange failed",
				"request_id", requestcontext.RequestID(ctx), "error", err)
			httputil.WriteJSON(w, http.StatusInternalServerError, oauthError{Error: "server_error"})
		}
		return
	}

	// RFC 6749 section 5.1: token responses must not be cached.
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	httputil.WriteJSON(w, http.StatusOK, pair)
}

// handleRevoke implements RFC 7009. Unknown or forged tokens still return
// 200 so the endpoint leaks nothing about token validity.
func (h *Handler) handleRevoke(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := r.ParseForm(); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, oauthError{Error: "invalid_request", ErrorDescription: "malformed form body"})
		return
	}
	token := r.PostFormValue("token")
	if token == "" {
		httputil.WriteJSON(w, http.StatusBadRequest, oauthError{Error: "invalid_request", ErrorDescription: "token is required"})
		return
	}

	if err := h.tokens.RevokeToken(ctx, token, "client_revocation"); err != nil {
		if dErrors.CodeOf(err) == dErrors.CodeUnavailable {
			httputil.WriteJSON(w, http.StatusServiceUnavailable, oauthError{Error: "temporarily_unavailable"})
			return
		}
		h.logger.ErrorContext(ctx, "token revocation failed",
			"request_id", requestcontext.RequestID(ctx), "error", err)
		httputil.WriteJSON(w, http.StatusInternalServerError, oauthError{Error: "server_error"})
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleJWKS serves the published key set. Tokens are signed with a
// symmetric key, which is never published, so the set is empty; the
// endpoint exists so standard OIDC tooling can discover that.
func (h *Handler) handleJWKS(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"keys": []any{}})
}
