package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	identitymodels "authd/internal/identity/models"
	rbacmodels "authd/internal/rbac/models"
	rbacservice "authd/internal/rbac/service"
	id "authd/pkg/domain"
	dErrors "authd/pkg/domain-errors"
	"authd/pkg/requestcontext"
)

type stubRoles struct {
	created     *rbacservice.CreateRoleParams
	assigned    []string
	revoked     []string
	granted     []string
	permRevoked []string
	actorIDs    []id.UserID
	err         error
}

func (s *stubRoles) CreateRole(_ context.Context, params rbacservice.CreateRoleParams) (*rbacmodels.Role, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.created = &params
	path := params.Name
	if params.ParentName != "" {
		path = params.ParentName + "/" + params.Name
	}
	return &rbacmodels.Role{Name: params.Name, Description: params.Description, Path: path, Depth: strings.Count(path, "/")}, nil
}

func (s *stubRoles) DeleteRole(_ context.Context, _ string) error { return s.err }

func (s *stubRoles) AssignRole(_ context.Context, actorID, _ id.UserID, roleName string) error {
	s.actorIDs = append(s.actorIDs, actorID)
	s.assigned = append(s.assigned, roleName)
	return s.err
}

func (s *stubRoles) RevokeRole(_ context.Context, actorID, _ id.UserID, roleName string) error {
	s.actorIDs = append(s.actorIDs, actorID)
	s.revoked = append(s.revoked, roleName)
	return s.err
}

func (s *stubRoles) GrantPermission(_ context.Context, roleName, permission string) error {
	s.granted = append(s.granted, roleName+":"+permission)
	return s.err
}

func (s *stubRoles) RevokePermission(_ context.Context, roleName, permission string) error {
	s.permRevoked = append(s.permRevoked, roleName+":"+permission)
	return s.err
}

func (s *stubRoles) DescendantsOf(_ context.Context, name string) ([]*rbacmodels.Role, error) {
	return []*rbacmodels.Role{
		{Name: "ADMIN", Path: name + "/ADMIN", Depth: 1},
		{Name: "USER", Path: name + "/ADMIN/USER", Depth: 2},
	}, nil
}

type stubUsers struct {
	user *identitymodels.User
}

func (s *stubUsers) FindByHandle(_ context.Context, handle id.UserHandle) (*identitymodels.User, error) {
	if s.user == nil || s.user.Handle != handle {
		return nil, dErrors.New(dErrors.CodeNotFound, "user not found").WithKind(dErrors.KindUserNotFound)
	}
	return s.user, nil
}

type stubBlocklist struct {
	blocked   []string
	ttls      []time.Duration
	unblocked []string
}

func (s *stubBlocklist) BlockIP(_ context.Context, ip, _ string, ttl time.Duration) error {
	s.blocked = append(s.blocked, ip)
	s.ttls = append(s.ttls, ttl)
	return nil
}

func (s *stubBlocklist) UnblockIP(_ context.Context, ip string) error {
	s.unblocked = append(s.unblocked, ip)
	return nil
}

func newAdminRouter(roles *stubRoles, users *stubUsers, blocklist *stubBlocklist) (chi.Router, context.Context, id.UserID) {
	router := chi.NewRouter()
	New(roles, users, blocklist, nil).Register(router)

	actorID := id.NewUserID()
	ctx := requestcontext.WithTime(context.Background(), time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	return router, requestcontext.WithUserID(ctx, actorID), actorID
}

func do(router chi.Router, ctx context.Context, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body)).WithContext(ctx)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestCreateRole(t *testing.T) {
	roles := &stubRoles{}
	router, ctx, _ := newAdminRouter(roles, &stubUsers{}, &stubBlocklist{})

	rec := do(router, ctx, http.MethodPost, "/api/admin/roles", `{"name":"AUDITOR","parent":"ADMIN"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.NotNil(t, roles.created)
	require.Equal(t, "ADMIN", roles.created.ParentName)

	var resp struct {
		Name string `json:"name"`
		Path string `json:"path"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Equal(t, "AUDITOR", resp.Name)
	require.Equal(t, "ADMIN/AUDITOR", resp.Path)
}

func TestCreateRoleRequiresName(t *testing.T) {
	router, ctx, _ := newAdminRouter(&stubRoles{}, &stubUsers{}, &stubBlocklist{})

	rec := do(router, ctx, http.MethodPost, "/api/admin/roles", `{"name":"  "}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeleteRoleConflictSurfaces(t *testing.T) {
	roles := &stubRoles{err: dErrors.New(dErrors.CodeConflict, "role has children")}
	router, ctx, _ := newAdminRouter(roles, &stubUsers{}, &stubBlocklist{})

	rec := do(router, ctx, http.MethodDelete, "/api/admin/roles/ADMIN", "")
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestAssignRoleResolvesHandleAndActor(t *testing.T) {
	handle := id.UserHandle("usr_abc")
	roles := &stubRoles{}
	users := &stubUsers{user: &identitymodels.User{ID: id.NewUserID(), Handle: handle}}
	router, ctx, actorID := newAdminRouter(roles, users, &stubBlocklist{})

	rec := do(router, ctx, http.MethodPost, "/api/admin/users/usr_abc/roles", `{"role":"ADMIN"}`)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, []string{"ADMIN"}, roles.assigned)
	require.Equal(t, []id.UserID{actorID}, roles.actorIDs)

	rec = do(router, ctx, http.MethodPost, "/api/admin/users/usr_unknown/roles", `{"role":"ADMIN"}`)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRevokeRole(t *testing.T) {
	handle := id.UserHandle("usr_abc")
	roles := &stubRoles{}
	users := &stubUsers{user: &identitymodels.User{ID: id.NewUserID(), Handle: handle}}
	router, ctx, _ := newAdminRouter(roles, users, &stubBlocklist{})

	rec := do(router, ctx, http.MethodDelete, "/api/admin/users/usr_abc/roles/ADMIN", "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, []string{"ADMIN"}, roles.revoked)
}

func TestDescendants(t *testing.T) {
	router, ctx, _ := newAdminRouter(&stubRoles{}, &stubUsers{}, &stubBlocklist{})

	rec := do(router, ctx, http.MethodGet, "/api/admin/roles/ROOT/descendants", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp []struct {
		Name string `json:"name"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp, 2)
}

func TestGrantAndRevokePermission(t *testing.T) {
	roles := &stubRoles{}
	router, ctx, _ := newAdminRouter(roles, &stubUsers{}, &stubBlocklist{})

	rec := do(router, ctx, http.MethodPost, "/api/admin/roles/AUDITOR/permissions", `{"permission":"audit:read"}`)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, []string{"AUDITOR:audit:read"}, roles.granted)

	rec = do(router, ctx, http.MethodPost, "/api/admin/roles/AUDITOR/permissions", `{"permission":" "}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(router, ctx, http.MethodDelete, "/api/admin/roles/AUDITOR/permissions/audit:read", "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, []string{"AUDITOR:audit:read"}, roles.permRevoked)
}

func TestBlocklist(t *testing.T) {
	blocklist := &stubBlocklist{}
	router, ctx, _ := newAdminRouter(&stubRoles{}, &stubUsers{}, blocklist)

	rec := do(router, ctx, http.MethodPost, "/api/admin/blocklist", `{"ip":"198.51.100.4","reason":"abuse","ttl":"24h"}`)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, []string{"198.51.100.4"}, blocklist.blocked)
	require.Equal(t, []time.Duration{24 * time.Hour}, blocklist.ttls)

	rec = do(router, ctx, http.MethodPost, "/api/admin/blocklist", `{"ip":"198.51.100.4","ttl":"bogus"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(router, ctx, http.MethodDelete, "/api/admin/blocklist/198.51.100.4", "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, []string{"198.51.100.4"}, blocklist.unblocked)
}