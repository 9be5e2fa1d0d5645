package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-webauthn/webauthn/protocol"
	"github.com/stretchr/testify/require"

	identitymodels "authd/internal/identity/models"
	identityservice "authd/internal/identity/service"
	id "authd/pkg/domain"
	dErrors "authd/pkg/domain-errors"
	"authd/pkg/requestcontext"
)

type stubProfiles struct {
	profile     *identityservice.Profile
	updated     *identityservice.UpdateProfileParams
	deleted     bool
	passwordErr error
}

func (s *stubProfiles) GetProfile(_ context.Context, _ id.UserID) (*identityservice.Profile, error) {
	if s.profile == nil {
		return nil, dErrors.New(dErrors.CodeNotFound, "user not found").WithKind(dErrors.KindUserNotFound)
	}
	return s.profile, nil
}

func (s *stubProfiles) UpdateProfile(_ context.Context, _ id.UserID, params identityservice.UpdateProfileParams) error {
	s.updated = &params
	return nil
}

func (s *stubProfiles) DeleteUser(_ context.Context, _ id.UserID) error {
	s.deleted = true
	return nil
}

func (s *stubProfiles) ChangePassword(_ context.Context, _ id.UserID, _, _ string) error {
	return s.passwordErr
}

type stubPasskeys struct {
	credentials []*identitymodels.PasskeyCredential
	removed     [][]byte
	removeErr   error
}

func (s *stubPasskeys) BeginRegistration(_ context.Context, _ id.UserID) (*protocol.CredentialCreation, error) {
	return &protocol.CredentialCreation{}, nil
}

func (s *stubPasskeys) FinishRegistration(_ context.Context, userID id.UserID, name string, _ *http.Request) (*identitymodels.PasskeyCredential, error) {
	return &identitymodels.PasskeyCredential{
		CredentialID: []byte{1, 2, 3},
		UserID:       userID,
		Name:         name,
		CreatedAt:    time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}, nil
}

func (s *stubPasskeys) ListCredentials(_ context.Context, _ id.UserID) ([]*identitymodels.PasskeyCredential, error) {
	return s.credentials, nil
}

func (s *stubPasskeys) RemoveCredential(_ context.Context, _ id.UserID, credentialID []byte) error {
	if s.removeErr != nil {
		return s.removeErr
	}
	s.removed = append(s.removed, credentialID)
	return nil
}

func newProfileRouter(profiles *stubProfiles, passkeys *stubPasskeys) (chi.Router, context.Context) {
	router := chi.NewRouter()
	New(profiles, passkeys, nil).Register(router)

	ctx := requestcontext.WithTime(context.Background(), time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	return router, requestcontext.WithUserID(ctx, id.NewUserID())
}

func do(router chi.Router, ctx context.Context, method, path, body string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader).WithContext(ctx)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestGetProfile(t *testing.T) {
	profiles := &stubProfiles{profile: &identityservice.Profile{
		Handle:        id.UserHandle("usr_abc"),
		Email:         "lena@example.com",
		RecoveryEmail: "backup@example.com",
		GivenName:     "Lena",
		HasPassword:   true,
	}}
	router, ctx := newProfileRouter(profiles, &stubPasskeys{})

	rec := do(router, ctx, http.MethodGet, "/api/profile", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		ID            string `json:"id"`
		Email         string `json:"email"`
		RecoveryEmail string `json:"recoveryEmail"`
		HasPassword   bool   `json:"hasPassword"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Equal(t, "usr_abc", resp.ID)
	require.Equal(t, "lena@example.com", resp.Email)
	require.Equal(t, "backup@example.com", resp.RecoveryEmail)
	require.True(t, resp.HasPassword)
}

func TestGetProfileNotFound(t *testing.T) {
	router, ctx := newProfileRouter(&stubProfiles{}, &stubPasskeys{})

	rec := do(router, ctx, http.MethodGet, "/api/profile", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpdateProfileKeepsAbsentFields(t *testing.T) {
	profiles := &stubProfiles{}
	router, ctx := newProfileRouter(profiles, &stubPasskeys{})

	rec := do(router, ctx, http.MethodPut, "/api/profile", `{"nickname":"len","recoveryEmail":""}`)
	require.Equal(t, http.StatusNoContent, rec.Code)

	require.NotNil(t, profiles.updated)
	require.Nil(t, profiles.updated.GivenName)
	require.NotNil(t, profiles.updated.Nickname)
	require.Equal(t, "len", *profiles.updated.Nickname)
	// Explicit empty string clears the field rather than keeping it.
	require.NotNil(t, profiles.updated.RecoveryEmail)
	require.Empty(t, *profiles.updated.RecoveryEmail)
}

func TestDeleteProfile(t *testing.T) {
	profiles := &stubProfiles{}
	router, ctx := newProfileRouter(profiles, &stubPasskeys{})

	rec := do(router, ctx, http.MethodDelete, "/api/profile", "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.True(t, profiles.deleted)
}

func TestChangePasswordValidatesBody(t *testing.T) {
	router, ctx := newProfileRouter(&stubProfiles{}, &stubPasskeys{})

	rec := do(router, ctx, http.MethodPost, "/api/profile/change-password", `{"oldPassword":"","password":"next"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(router, ctx, http.MethodPost, "/api/profile/change-password", `{"oldPassword":"old","password":"next"}`)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestChangePasswordWrongCurrentIs401(t *testing.T) {
	profiles := &stubProfiles{
		passwordErr: dErrors.New(dErrors.CodeUnauthorized, "current password is incorrect").
			WithKind(dErrors.KindInvalidCredentials),
	}
	router, ctx := newProfileRouter(profiles, &stubPasskeys{})

	rec := do(router, ctx, http.MethodPost, "/api/profile/change-password", `{"oldPassword":"wrong","password":"next"}`)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestListPasskeysEncodesCredentialIDs(t *testing.T) {
	passkeys := &stubPasskeys{credentials: []*identitymodels.PasskeyCredential{
		{CredentialID: []byte{0xde, 0xad, 0xbe, 0xef}, Name: "laptop", CreatedAt: time.Now()},
	}}
	router, ctx := newProfileRouter(&stubProfiles{}, passkeys)

	rec := do(router, ctx, http.MethodGet, "/api/profile/passkeys", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp []struct {
		CredentialID string `json:"credentialId"`
		Name         string `json:"name"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp, 1)
	require.Equal(t, base64.RawURLEncoding.EncodeToString([]byte{0xde, 0xad, 0xbe, 0xef}), resp[0].CredentialID)
	require.Equal(t, "laptop", resp[0].Name)
}

func TestRegisterPasskeyTakesNameFromQuery(t *testing.T) {
	router, ctx := newProfileRouter(&stubProfiles{}, &stubPasskeys{})

	rec := do(router, ctx, http.MethodPost, "/api/profile/passkeys?name=yubikey", `{}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp struct {
		Name string `json:"name"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Equal(t, "yubikey", resp.Name)
}

func TestRemovePasskeyDecodesID(t *testing.T) {
	passkeys := &stubPasskeys{}
	router, ctx := newProfileRouter(&stubProfiles{}, passkeys)

	encoded := base64.RawURLEncoding.EncodeToString([]byte{1, 2, 3})
	rec := do(router, ctx, http.MethodDelete, "/api/profile/passkeys/"+encoded, "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, [][]byte{{1, 2, 3}}, passkeys.removed)

	rec = do(router, ctx, http.MethodDelete, "/api/profile/passkeys/%21%21", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRemoveUnknownPasskeyIs404(t *testing.T) {
	passkeys := &stubPasskeys{removeErr: dErrors.New(dErrors.CodeNotFound, "passkey not found")}
	router, ctx := newProfileRouter(&stubProfiles{}, passkeys)

	encoded := base64.RawURLEncoding.EncodeToString([]byte{9})
	rec := do(router, ctx, http.MethodDelete, "/api/profile/passkeys/"+encoded, "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}