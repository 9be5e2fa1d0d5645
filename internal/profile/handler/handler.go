// Package handler exposes the authenticated self-service endpoints: the
// profile read/update/delete surface, password change and passkey
// management. Every route assumes the bearer-token middleware has already
// stamped the caller into the request context.
package handler

import (
	"context"
	"encoding/base64"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-webauthn/webauthn/protocol"

	identitymodels "authd/internal/identity/models"
	identityservice "authd/internal/identity/service"
	id "authd/pkg/domain"
	dErrors "authd/pkg/domain-errors"
	"authd/pkg/platform/httputil"
	"authd/pkg/requestcontext"
)

// ProfileService is the account lifecycle surface.
type ProfileService interface {
	GetProfile(ctx context.Context, userID id.UserID) (*identityservice.Profile, error)
	UpdateProfile(ctx context.Context, userID id.UserID, params identityservice.UpdateProfileParams) error
	DeleteUser(ctx context.Context, userID id.UserID) error
	ChangePassword(ctx context.Context, userID id.UserID, current, next string) error
}

// PasskeyManager is the credential management surface.
type PasskeyManager interface {
	BeginRegistration(ctx context.Context, userID id.UserID) (*protocol.CredentialCreation, error)
	FinishRegistration(ctx context.Context, userID id.UserID, name string, r *http.Request) (*identitymodels.PasskeyCredential, error)
	ListCredentials(ctx context.Context, userID id.UserID) ([]*identitymodels.PasskeyCredential, error)
	RemoveCredential(ctx context.Context, userID id.UserID, credentialID []byte) error
}

// Handler handles the /api/profile routes.
type Handler struct {
	logger   *slog.Logger
	profiles ProfileService
	passkeys PasskeyManager
}

// New creates the handler.
func New(profiles ProfileService, passkeys PasskeyManager, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, profiles: profiles, passkeys: passkeys}
}

// Register mounts the endpoints on the router.
func (h *Handler) Register(r chi.Router) {
	r.Get("/api/profile", h.handleGet)
	r.Put("/api/profile", h.handleUpdate)
	r.Delete("/api/profile", h.handleDelete)
	r.Post("/api/profile/change-password", h.handleChangePassword)
	r.Post("/api/profile/passkeys/registration-options", h.handlePasskeyOptions)
	r.Post("/api/profile/passkeys", h.handlePasskeyRegister)
	r.Get("/api/profile/passkeys", h.handlePasskeyList)
	r.Delete("/api/profile/passkeys/{credentialId}", h.handlePasskeyRemove)
}

type profileResponse struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	RecoveryEmail string `json:"recoveryEmail,omitempty"`
	MobileNumber  string `json:"mobileNumber,omitempty"`
	GivenName     string `json:"givenName,omitempty"`
	MiddleName    string `json:"middleName,omitempty"`
	Surname       string `json:"surname,omitempty"`
	Nickname      string `json:"nickname,omitempty"`
	EmailVerified bool   `json:"emailVerified"`
	HasPassword   bool   `json:"hasPassword"`
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	profile, err := h.profiles.GetProfile(ctx, requestcontext.UserID(ctx))
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, profileResponse{
		ID:            profile.Handle.String(),
		Email:         profile.Email,
		RecoveryEmail: profile.RecoveryEmail,
		MobileNumber:  profile.MobileNumber,
		GivenName:     profile.GivenName,
		MiddleName:    profile.MiddleName,
		Surname:       profile.Surname,
		Nickname:      profile.Nickname,
		EmailVerified: profile.EmailVerified,
		HasPassword:   profile.HasPassword,
	})
}

// updateProfileRequest uses pointers so an absent field and an explicit
// empty string stay distinguishable.
type updateProfileRequest struct {
	GivenName     *string `json:"givenName"`
	MiddleName    *string `json:"middleName"`
	Surname       *string `json:"surname"`
	Nickname      *string `json:"nickname"`
	RecoveryEmail *string `json:"recoveryEmail"`
	MobileNumber  *string `json:"mobileNumber"`
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req, ok := httputil.DecodeAndPrepare[updateProfileRequest](w, r, h.logger, ctx, requestcontext.RequestID(ctx))
	if !ok {
		return
	}

	err := h.profiles.UpdateProfile(ctx, requestcontext.UserID(ctx), identityservice.UpdateProfileParams{
		GivenName:     req.GivenName,
		MiddleName:    req.MiddleName,
		Surname:       req.Surname,
		Nickname:      req.Nickname,
		RecoveryEmail: req.RecoveryEmail,
		MobileNumber:  req.MobileNumber,
	})
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := h.profiles.DeleteUser(ctx, requestcontext.UserID(ctx)); err != nil {
		h.writeError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type changePasswordRequest struct {
	OldPassword string `json:"oldPassword"`
	Password    string `json:"password"`
}

func (r *changePasswordRequest) Validate() error {
	if r.OldPassword == "" || r.Password == "" {
		return dErrors.New(dErrors.CodeValidation, "oldPassword and password are required")
	}
	return nil
}

func (h *Handler) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req, ok := httputil.DecodeAndPrepare[changePasswordRequest](w, r, h.logger, ctx, requestcontext.RequestID(ctx))
	if !ok {
		return
	}

	if err := h.profiles.ChangePassword(ctx, requestcontext.UserID(ctx), req.OldPassword, req.Password); err != nil {
		h.writeError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handlePasskeyOptions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	options, err := h.passkeys.BeginRegistration(ctx, requestcontext.UserID(ctx))
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, options)
}

type passkeyResponse struct {
	CredentialID string     `json:"credentialId"`
	Name         string     `json:"name,omitempty"`
	Transports   []string   `json:"transports,omitempty"`
	Compromised  bool       `json:"compromised,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	LastUsedAt   *time.Time `json:"lastUsedAt,omitempty"`
}

func toPasskeyResponse(credential *identitymodels.PasskeyCredential) passkeyResponse {
	return passkeyResponse{
		CredentialID: base64.RawURLEncoding.EncodeToString(credential.CredentialID),
		Name:         credential.Name,
		Transports:   credential.Transports,
		Compromised:  credential.Compromised,
		CreatedAt:    credential.CreatedAt,
		LastUsedAt:   credential.LastUsedAt,
	}
}

// handlePasskeyRegister finishes the ceremony. The body is the raw
// attestation response, so the display name rides in the query string.
func (h *Handler) handlePasskeyRegister(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	credential, err := h.passkeys.FinishRegistration(ctx, requestcontext.UserID(ctx), r.URL.Query().Get("name"), r)
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, toPasskeyResponse(credential))
}

func (h *Handler) handlePasskeyList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	credentials, err := h.passkeys.ListCredentials(ctx, requestcontext.UserID(ctx))
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	out := make([]passkeyResponse, 0, len(credentials))
	for _, credential := range credentials {
		out = append(out, toPasskeyResponse(credential))
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}

func (h *Handler) handlePasskeyRemove(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	credentialID, err := base64.RawURLEncoding.DecodeString(chi.URLParam(r, "credentialId"))
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "credential id is not valid base64url"))
		return
	}

	if err := h.passkeys.RemoveCredential(ctx, requestcontext.UserID(ctx), credentialID); err != nil {
		h.writeError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, err error) {
	if dErrors.CodeOf(err) == dErrors.CodeInternal {
		h.logger.ErrorContext(ctx, "profile request failed",
			"request_id", requestcontext.RequestID(ctx), "error", err)
	}
	httputil.WriteError(w, err)
}
