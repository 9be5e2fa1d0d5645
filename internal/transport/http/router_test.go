package httptransport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-webauthn/webauthn/protocol"
	"github.com/stretchr/testify/require"

	adminhandler "authd/internal/admin/handler"
	authflowhandler "authd/internal/authflow/handler"
	authflowservice "authd/internal/authflow/service"
	identitymodels "authd/internal/identity/models"
	identityservice "authd/internal/identity/service"
	profilehandler "authd/internal/profile/handler"
	rbacmodels "authd/internal/rbac/models"
	rbacservice "authd/internal/rbac/service"
	tokenhandler "authd/internal/token/handler"
	tokenmodels "authd/internal/token/models"
	tokenservice "authd/internal/token/service"
	id "authd/pkg/domain"
	dErrors "authd/pkg/domain-errors"
)

type stubAuthFlow struct{}

func (stubAuthFlow) Register(context.Context, authflowservice.RegisterParams) (*identitymodels.User, error) {
	return nil, dErrors.New(dErrors.CodeNotFound, "registration is not enabled")
}

func (stubAuthFlow) PasswordLogin(context.Context, string, string, string) (*authflowservice.LoginResult, error) {
	return &authflowservice.LoginResult{
		Outcome: authflowservice.OutcomeSuccess,
		Pair:    &tokenmodels.Pair{AccessToken: "at", RefreshToken: "rt", TokenType: "Bearer", ExpiresIn: 900},
	}, nil
}

func (stubAuthFlow) BeginPasskeyLogin(context.Context, string) (*protocol.CredentialAssertion, string, error) {
	return &protocol.CredentialAssertion{}, "ref-1", nil
}

func (stubAuthFlow) FinishPasskeyLogin(context.Context, string, *http.Request, string) (*authflowservice.LoginResult, error) {
	return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid credentials")
}

func (stubAuthFlow) CompleteMFA(context.Context, string, string, *http.Request) (*authflowservice.LoginResult, error) {
	return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid credentials")
}

func (stubAuthFlow) Logout(context.Context, string) error { return nil }

type stubTokens struct{}

func (stubTokens) Refresh(context.Context, string) (*tokenmodels.Pair, error) {
	return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid or expired token")
}

func (stubTokens) RevokeToken(context.Context, string, string) error { return nil }

type stubProfiles struct{}

func (stubProfiles) GetProfile(context.Context, id.UserID) (*identityservice.Profile, error) {
	return &identityservice.Profile{Handle: id.UserHandle("usr_abc"), Email: "lena@example.com"}, nil
}

func (stubProfiles) UpdateProfile(context.Context, id.UserID, identityservice.UpdateProfileParams) error {
	return nil
}

func (stubProfiles) DeleteUser(context.Context, id.UserID) error { return nil }

func (stubProfiles) ChangePassword(context.Context, id.UserID, string, string) error { return nil }

type stubPasskeys struct{}

func (stubPasskeys) BeginRegistration(context.Context, id.UserID) (*protocol.CredentialCreation, error) {
	return &protocol.CredentialCreation{}, nil
}

func (stubPasskeys) FinishRegistration(context.Context, id.UserID, string, *http.Request) (*identitymodels.PasskeyCredential, error) {
	return &identitymodels.PasskeyCredential{}, nil
}

func (stubPasskeys) ListCredentials(context.Context, id.UserID) ([]*identitymodels.PasskeyCredential, error) {
	return nil, nil
}

func (stubPasskeys) RemoveCredential(context.Context, id.UserID, []byte) error { return nil }

type stubRoles struct{ created bool }

func (s *stubRoles) CreateRole(_ context.Context, params rbacservice.CreateRoleParams) (*rbacmodels.Role, error) {
	s.created = true
	return &rbacmodels.Role{Name: params.Name, Path: params.Name}, nil
}

func (s *stubRoles) DeleteRole(context.Context, string) error { return nil }

func (s *stubRoles) AssignRole(context.Context, id.UserID, id.UserID, string) error { return nil }

func (s *stubRoles) RevokeRole(context.Context, id.UserID, id.UserID, string) error { return nil }

func (s *stubRoles) DescendantsOf(context.Context, string) ([]*rbacmodels.Role, error) {
	return nil, nil
}

func (s *stubRoles) GrantPermission(context.Context, string, string) error { return nil }

func (s *stubRoles) RevokePermission(context.Context, string, string) error { return nil }

type stubUsers struct{}

func (stubUsers) FindByHandle(context.Context, id.UserHandle) (*identitymodels.User, error) {
	return nil, dErrors.New(dErrors.CodeNotFound, "user not found")
}

type stubBlocklist struct{ blocked []string }

func (s *stubBlocklist) BlockIP(_ context.Context, ip, _ string, _ time.Duration) error {
	s.blocked = append(s.blocked, ip)
	return nil
}

func (s *stubBlocklist) UnblockIP(context.Context, string) error { return nil }

type stubVerifier struct{ principal *tokenservice.Principal }

func (s stubVerifier) VerifyAccessToken(_ context.Context, token string) (*tokenservice.Principal, error) {
	if token != "good" {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid or expired token")
	}
	return s.principal, nil
}

type stubPermissions struct{ granted map[string]bool }

func (s stubPermissions) HasPermission(_ context.Context, _ id.UserID, permission string) (bool, error) {
	return s.granted[permission], nil
}

type routerFixture struct {
	router    chi.Router
	roles     *stubRoles
	blocklist *stubBlocklist
}

func newRouter(t *testing.T, granted map[string]bool, checks map[string]HealthCheck) routerFixture {
	t.Helper()

	roles := &stubRoles{}
	blocklist := &stubBlocklist{}
	router, err := New(Deps{
		AuthFlow:     authflowhandler.New(stubAuthFlow{}, nil),
		Tokens:       tokenhandler.New(stubTokens{}, nil),
		Profile:      profilehandler.New(stubProfiles{}, stubPasskeys{}, nil),
		Admin:        adminhandler.New(roles, stubUsers{}, blocklist, nil),
		Verifier:     TokenVerifier{Tokens: stubVerifier{principal: &tokenservice.Principal{UserID: id.NewUserID()}}},
		Permissions:  stubPermissions{granted: granted},
		HealthChecks: checks,
	})
	require.NoError(t, err)
	return routerFixture{router: router, roles: roles, blocklist: blocklist}
}

func (f routerFixture) do(method, path, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	healthy := newRouter(t, nil, map[string]HealthCheck{
		"postgres": func(context.Context) error { return nil },
	})
	rec := healthy.do(http.MethodGet, "/healthz", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	degraded := newRouter(t, nil, map[string]HealthCheck{
		"postgres": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return context.DeadlineExceeded },
	})
	rec = degraded.do(http.MethodGet, "/healthz", "", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp struct {
		Status string   `json:"status"`
		Failed []string `json:"failed"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Equal(t, "degraded", resp.Status)
	require.Equal(t, []string{"redis"}, resp.Failed)
}

func TestMetricsExposed(t *testing.T) {
	f := newRouter(t, nil, nil)
	rec := f.do(http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestLoginIsAnonymous(t *testing.T) {
	f := newRouter(t, nil, nil)
	rec := f.do(http.MethodPost, "/api/auth/login", "", `{"email":"lena@example.com","password":"pw"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "access_token")
}

func TestProfileRequiresBearer(t *testing.T) {
	f := newRouter(t, nil, nil)

	rec := f.do(http.MethodGet, "/api/profile", "", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(http.MethodGet, "/api/profile", "bad", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(http.MethodGet, "/api/profile", "good", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "lena@example.com")
}

func TestAdminRoutesArePermissionGated(t *testing.T) {
	denied := newRouter(t, nil, nil)
	rec := denied.do(http.MethodPost, "/api/admin/roles", "good", `{"name":"AUDITOR"}`)
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.False(t, denied.roles.created)

	granted := newRouter(t, map[string]bool{adminhandler.PermissionManageRoles: true}, nil)
	rec = granted.do(http.MethodPost, "/api/admin/roles", "good", `{"name":"AUDITOR"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.True(t, granted.roles.created)

	// A roles grant does not extend to the blocklist.
	rec = granted.do(http.MethodPost, "/api/admin/blocklist", "good", `{"ip":"198.51.100.4"}`)
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Empty(t, granted.blocklist.blocked)
}
