// Package handler exposes the authentication endpoints: registration, the
// form and JSON login flows, MFA completion and the passkey login ceremony.
package handler

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-webauthn/webauthn/protocol"

	"authd/internal/authflow/service"
	identitymodels "authd/internal/identity/models"
	identityservice "authd/internal/identity/service"
	dErrors "authd/pkg/domain-errors"
	"authd/pkg/platform/httputil"
	"authd/pkg/requestcontext"
)

// Header names for values that cannot travel in the body because the body
// is the raw WebAuthn assertion.
const (
	HeaderCeremonyRef  = "X-Ceremony-Ref"
	HeaderCaptchaToken = "X-Captcha-Token"
)

// sessionCookie carries the access token for the form login flow.
const sessionCookie = "authd_session"

// Service is the pipeline surface the endpoints drive.
type Service interface {
	Register(ctx context.Context, params service.RegisterParams) (*identitymodels.User, error)
	PasswordLogin(ctx context.Context, email, password, captchaToken string) (*service.LoginResult, error)
	BeginPasskeyLogin(ctx context.Context, email string) (*protocol.CredentialAssertion, string, error)
	FinishPasskeyLogin(ctx context.Context, ref string, r *http.Request, captchaToken string) (*service.LoginResult, error)
	CompleteMFA(ctx context.Context, challengeToken, ref string, r *http.Request) (*service.LoginResult, error)
	Logout(ctx context.Context, accessToken string) error
}

// Handler handles registration and login.
type Handler struct {
	logger *slog.Logger
	svc    Service
}

// New creates the handler.
func New(svc Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, svc: svc}
}

// Register mounts the endpoints on the router.
func (h *Handler) Register(r chi.Router) {
	r.Post("/api/register", h.handleRegister)
	r.Post("/login", h.handleFormLogin)
	r.Post("/logout", h.handleLogout)
	r.Post("/api/auth/login", h.handleLogin)
	r.Post("/api/auth/mfa", h.handleMFA)
	r.Post("/api/auth/passkeys/authentication-options", h.handlePasskeyOptions)
	r.Post("/api/auth/passkeys", h.handlePasskeyLogin)
}

type registerRequest struct {
	GivenName     string `json:"givenName"`
	MiddleName    string `json:"middleName,omitempty"`
	Surname       string `json:"surname,omitempty"`
	Nickname      string `json:"nickname,omitempty"`
	Email         string `json:"email"`
	Password      string `json:"password"`
	MobileNumber  string `json:"mobileNumber,omitempty"`
	RecoveryEmail string `json:"recoveryEmail,omitempty"`
	CaptchaToken  string `json:"captchaToken,omitempty"`
}

func (r *registerRequest) Validate() error {
	if strings.TrimSpace(r.Email) == "" {
		return dErrors.New(dErrors.CodeValidation, "email is required")
	}
	if r.Password == "" {
		return dErrors.New(dErrors.CodeValidation, "password is required")
	}
	return nil
}

type userResponse struct {
	Handle    string    `json:"id"`
	Email     string    `json:"email"`
	GivenName string    `json:"givenName,omitempty"`
	Surname   string    `json:"surname,omitempty"`
	Nickname  string    `json:"nickname,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

func toUserResponse(user *identitymodels.User) userResponse {
	return userResponse{
		Handle:    user.Handle.String(),
		Email:     user.Email,
		GivenName: user.GivenName,
		Surname:   user.Surname,
		Nickname:  user.Nickname,
		CreatedAt: user.CreatedAt,
	}
}

func identityCreateParams(req *registerRequest) identityservice.CreateUserParams {
	return identityservice.CreateUserParams{
		Email:         req.Email,
		Password:      req.Password,
		RecoveryEmail: req.RecoveryEmail,
		MobileNumber:  req.MobileNumber,
		GivenName:     req.GivenName,
		MiddleName:    req.MiddleName,
		Surname:       req.Surname,
		Nickname:      req.Nickname,
	}
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req, ok := httputil.DecodeAndPrepare[registerRequest](w, r, h.logger, ctx, requestcontext.RequestID(ctx))
	if !ok {
		return
	}

	user, err := h.svc.Register(ctx, service.RegisterParams{
		CreateUserParams: identityCreateParams(req),
		CaptchaToken:     req.CaptchaToken,
	})
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, toUserResponse(user))
}

type loginRequest struct {
	Email        string `json:"email"`
	Password     string `json:"password"`
	CaptchaToken string `json:"captchaToken,omitempty"`
}

func (r *loginRequest) Validate() error {
	if strings.TrimSpace(r.Email) == "" || r.Password == "" {
		return dErrors.New(dErrors.CodeValidation, "email and password are required")
	}
	return nil
}

// mfaRequiredResponse tells the client to answer a challenge before tokens
// are issued.
type mfaRequiredResponse struct {
	Error        string `json:"error"`
	MFAChallenge string `json:"mfa_challenge"`
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req, ok := httputil.DecodeAndPrepare[loginRequest](w, r, h.logger, ctx, requestcontext.RequestID(ctx))
	if !ok {
		return
	}

	result, err := h.svc.PasswordLogin(ctx, req.Email, req.Password, req.CaptchaToken)
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	h.writeLoginResult(w, result)
}

// handleFormLogin is the browser flow: a form post that ends in a redirect
// rather than a JSON body. Failures map to /login?error=<kind> so the page
// can render the reason without a server session.
func (h *Handler) handleFormLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := r.ParseForm(); err != nil {
		h.redirectLoginError(w, r, "invalid_request")
		return
	}
	email := r.PostFormValue("username")
	password := r.PostFormValue("password")
	captchaToken := r.PostFormValue("captchaToken")
	if email == "" || password == "" {
		h.redirectLoginError(w, r, string(dErrors.KindInvalidCredentials))
		return
	}

	result, err := h.svc.PasswordLogin(ctx, email, password, captchaToken)
	if err != nil {
		kind := string(dErrors.KindOf(err))
		if kind == "" {
			kind = string(dErrors.CodeOf(err))
		}
		h.redirectLoginError(w, r, kind)
		return
	}
	if result.Outcome == service.OutcomeMFARequired {
		http.SetCookie(w, &http.Cookie{
			Name:     "authd_mfa_challenge",
			Value:    result.MFAChallenge,
			Path:     "/",
			MaxAge:   300,
			HttpOnly: true,
			Secure:   true,
			SameSite: http.SameSiteStrictMode,
		})
		http.Redirect(w, r, "/login/mfa", http.StatusFound)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    result.Pair.AccessToken,
		Path:     "/",
		MaxAge:   int(result.Pair.ExpiresIn),
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, "/", http.StatusFound)
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	token := bearerToken(r)
	if token == "" {
		if cookie, err := r.Cookie(sessionCookie); err == nil {
			token = cookie.Value
		}
	}
	if token != "" {
		if err := h.svc.Logout(ctx, token); err != nil {
			h.logger.WarnContext(ctx, "logout revocation failed",
				"request_id", requestcontext.RequestID(ctx), "error", err)
		}
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   true,
	})
	http.Redirect(w, r, "/login?logout", http.StatusFound)
}

// handleMFA completes a CHALLENGE verdict. The body is the raw assertion,
// so the challenge token travels as the bearer credential and the ceremony
// reference in its header.
func (h *Handler) handleMFA(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	challengeToken := bearerToken(r)
	ref := r.Header.Get(HeaderCeremonyRef)
	if challengeToken == "" || ref == "" {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "challenge token and ceremony reference are required"))
		return
	}

	result, err := h.svc.CompleteMFA(ctx, challengeToken, ref, r)
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	h.writeLoginResult(w, result)
}

type passkeyOptionsRequest struct {
	Email string `json:"email,omitempty"`
}

type passkeyOptionsResponse struct {
	Ref     string                        `json:"ref"`
	Options *protocol.CredentialAssertion `json:"options"`
}

func (h *Handler) handlePasskeyOptions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req, ok := httputil.DecodeAndPrepare[passkeyOptionsRequest](w, r, h.logger, ctx, requestcontext.RequestID(ctx))
	if !ok {
		return
	}

	options, ref, err := h.svc.BeginPasskeyLogin(ctx, req.Email)
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, passkeyOptionsResponse{Ref: ref, Options: options})
}

func (h *Handler) handlePasskeyLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	ref := r.Header.Get(HeaderCeremonyRef)
	if ref == "" {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "ceremony reference is required"))
		return
	}

	result, err := h.svc.FinishPasskeyLogin(ctx, ref, r, r.Header.Get(HeaderCaptchaToken))
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	h.writeLoginResult(w, result)
}

func (h *Handler) writeLoginResult(w http.ResponseWriter, result *service.LoginResult) {
	if result.Outcome == service.OutcomeMFARequired {
		httputil.WriteJSON(w, http.StatusUnauthorized, mfaRequiredResponse{
			Error:        string(dErrors.KindMfaRequired),
			MFAChallenge: result.MFAChallenge,
		})
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	httputil.WriteJSON(w, http.StatusOK, result.Pair)
}

func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, err error) {
	if dErrors.CodeOf(err) == dErrors.CodeInternal {
		h.logger.ErrorContext(ctx, "authentication request failed",
			"request_id", requestcontext.RequestID(ctx), "error", err)
	}
	httputil.WriteError(w, err)
}

func (h *Handler) redirectLoginError(w http.ResponseWriter, r *http.Request, reason string) {
	http.Redirect(w, r, "/login?error="+url.QueryEscape(reason), http.StatusFound)
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return header[len(prefix):]
	}
	return ""
}
