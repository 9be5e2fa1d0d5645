package service

import (
	"context"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"authd/internal/rbac/store"
	id "authd/pkg/domain"
	dErrors "authd/pkg/domain-errors"
	"authd/pkg/platform/audit"
	"authd/pkg/requestcontext"
)

type fakeRoleSource struct {
	roles map[id.UserID][]string
}

func newFakeRoleSource() *fakeRoleSource {
	return &fakeRoleSource{roles: make(map[id.UserID][]string)}
}

func (f *fakeRoleSource) RoleNames(_ context.Context, userID id.UserID) ([]string, error) {
	return slices.Clone(f.roles[userID]), nil
}

func (f *fakeRoleSource) AssignRole(_ context.Context, userID id.UserID, roleName string) error {
	if !slices.Contains(f.roles[userID], roleName) {
		f.roles[userID] = append(f.roles[userID], roleName)
	}
	return nil
}

func (f *fakeRoleSource) RevokeRole(_ context.Context, userID id.UserID, roleName string) error {
	f.roles[userID] = slices.DeleteFunc(f.roles[userID], func(n string) bool { return n == roleName })
	return nil
}

type recordingSecurity struct {
	events []audit.SecurityEvent
}

func (r *recordingSecurity) Emit(_ context.Context, event audit.SecurityEvent) {
	r.events = append(r.events, event)
}

func (r *recordingSecurity) actions() []string {
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Action)
	}
	return out
}

type RbacServiceSuite struct {
	suite.Suite
	ctx      context.Context
	roles    *store.MemoryRoleStore
	source   *fakeRoleSource
	security *recordingSecurity
	service  *Service

	admin id.UserID
	alice id.UserID
}

func TestRbacServiceSuite(t *testing.T) {
	suite.Run(t, new(RbacServiceSuite))
}

func (s *RbacServiceSuite) SetupTest() {
	s.ctx = requestcontext.WithTime(context.Background(),
		time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	s.roles = store.NewMemoryRoleStore()
	s.Require().NoError(store.SeedBootstrapRoles(s.ctx, s.roles))
	s.source = newFakeRoleSource()
	s.security = &recordingSecurity{}

	svc, err := New(s.roles, s.source, WithSecurityPublisher(s.security))
	s.Require().NoError(err)
	s.service = svc

	s.admin = id.NewUserID()
	s.alice = id.NewUserID()
	s.Require().NoError(s.source.AssignRole(s.ctx, s.admin, store.RoleAdmin))
}

func (s *RbacServiceSuite) TestEffectivePermissionsUnionsAncestors() {
	// AUTH_ADMIN holders get the seeded grants; a grant on an ancestor is
	// inherited through the path union.
	admin, err := s.roles.FindByName(s.ctx, store.RoleAdmin)
	s.Require().NoError(err)
	s.Require().NoError(s.roles.GrantPermission(s.ctx, admin.ID, "REPORT_VIEW"))

	s.Require().NoError(s.source.AssignRole(s.ctx, s.alice, store.RoleAuthAdmin))

	perms, err := s.service.EffectivePermissions(s.ctx, s.alice)
	s.Require().NoError(err)
	s.ElementsMatch([]string{
		"REPORT_VIEW",
		store.PermOAuthClientManage,
		store.PermUserEditAny,
		store.PermUserPasswordResetAny,
		store.PermUserReadAny,
	}, perms)
}

func (s *RbacServiceSuite) TestHasPermission() {
	s.Require().NoError(s.source.AssignRole(s.ctx, s.alice, store.RoleAuthAdmin))

	ok, err := s.service.HasPermission(s.ctx, s.alice, store.PermUserReadAny)
	s.Require().NoError(err)
	s.True(ok)

	ok, err = s.service.HasPermission(s.ctx, s.alice, "BILLING_MANAGE")
	s.Require().NoError(err)
	s.False(ok)
}

func (s *RbacServiceSuite) TestNoRolesMeansNoPermissions() {
	perms, err := s.service.EffectivePermissions(s.ctx, s.alice)
	s.Require().NoError(err)
	s.Empty(perms)
}

func (s *RbacServiceSuite) TestCreateRoleUnderParent() {
	role, err := s.service.CreateRole(s.ctx, CreateRoleParams{
		Name:       "SUPPORT",
		ParentName: store.RoleAdmin,
	})
	s.Require().NoError(err)
	s.Equal("ROOT/SUPER_ADMIN/ADMIN/SUPPORT", role.Path)
	s.Equal(3, role.Depth)
	s.Require().NotNil(role.ParentID)
}

func (s *RbacServiceSuite) TestCreateRootRole() {
	role, err := s.service.CreateRole(s.ctx, CreateRoleParams{Name: "SERVICE"})
	s.Require().NoError(err)
	s.Equal("SERVICE", role.Path)
	s.Equal(0, role.Depth)
	s.Nil(role.ParentID)
}

func (s *RbacServiceSuite) TestCreateRoleRejectsCycle() {
	// Inserting ADMIN under its own descendant would close a loop.
	_, err := s.service.CreateRole(s.ctx, CreateRoleParams{
		Name:       store.RoleSuperAdmin,
		ParentName: store.RoleAdmin,
	})
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeInvariantViolation))
}

func (s *RbacServiceSuite) TestCreateRoleRejectsDuplicateAndBadNames() {
	_, err := s.service.CreateRole(s.ctx, CreateRoleParams{Name: store.RoleUser})
	s.True(dErrors.HasCode(err, dErrors.CodeConflict))

	_, err = s.service.CreateRole(s.ctx, CreateRoleParams{Name: "A/B"})
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))

	_, err = s.service.CreateRole(s.ctx, CreateRoleParams{Name: "X", ParentName: "NO_SUCH"})
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
}

func (s *RbacServiceSuite) TestDeleteRoleReparentsChildren() {
	s.Require().NoError(s.service.DeleteRole(s.ctx, store.RoleAdmin))

	superAdmin, err := s.roles.FindByName(s.ctx, store.RoleSuperAdmin)
	s.Require().NoError(err)

	user, err := s.roles.FindByName(s.ctx, store.RoleUser)
	s.Require().NoError(err)
	s.Equal("ROOT/SUPER_ADMIN/USER", user.Path)
	s.Equal(2, user.Depth)
	s.Require().NotNil(user.ParentID)
	s.Equal(superAdmin.ID, *user.ParentID)

	authAdmin, err := s.roles.FindByName(s.ctx, store.RoleAuthAdmin)
	s.Require().NoError(err)
	s.Equal("ROOT/SUPER_ADMIN/AUTH_ADMIN", authAdmin.Path)
}

func (s *RbacServiceSuite) TestDeleteRootPromotesChildrenToRoots() {
	s.Require().NoError(s.service.DeleteRole(s.ctx, store.RoleRoot))

	superAdmin, err := s.roles.FindByName(s.ctx, store.RoleSuperAdmin)
	s.Require().NoError(err)
	s.Equal("SUPER_ADMIN", superAdmin.Path)
	s.Equal(0, superAdmin.Depth)
	s.Nil(superAdmin.ParentID)

	user, err := s.roles.FindByName(s.ctx, store.RoleUser)
	s.Require().NoError(err)
	s.Equal("SUPER_ADMIN/ADMIN/USER", user.Path)
}

func (s *RbacServiceSuite) TestAssignRoleWithinSubtree() {
	err := s.service.AssignRole(s.ctx, s.admin, s.alice, store.RoleUser)
	s.Require().NoError(err)
	s.Contains(s.source.roles[s.alice], store.RoleUser)
	s.Contains(s.security.actions(), string(audit.EventRoleAssignment))
}

func (s *RbacServiceSuite) TestAssignRoleOutsideSubtreeForbidden() {
	err := s.service.AssignRole(s.ctx, s.admin, s.alice, store.RoleSuperAdmin)
	s.Require().Error(err)
	s.True(dErrors.HasKind(err, dErrors.KindRoleAssignmentForbidden))
	s.Empty(s.source.roles[s.alice])

	// The attempt itself lands in the security trail.
	s.Require().NotEmpty(s.security.events)
	last := s.security.events[len(s.security.events)-1]
	s.Equal(string(audit.EventRoleAssignment), last.Action)
	s.Equal("outside_actor_subtree", last.Reason)
	s.Equal(audit.SeverityWarning, last.Severity)
}

func (s *RbacServiceSuite) TestAssignRoleInvalidatesCachedPermissions() {
	perms, err := s.service.EffectivePermissions(s.ctx, s.alice)
	s.Require().NoError(err)
	s.Empty(perms)

	s.Require().NoError(s.service.AssignRole(s.ctx, s.admin, s.alice, store.RoleAuthAdmin))

	perms, err = s.service.EffectivePermissions(s.ctx, s.alice)
	s.Require().NoError(err)
	s.Contains(perms, store.PermUserReadAny)
}

func (s *RbacServiceSuite) TestRevokeRole() {
	s.Require().NoError(s.service.AssignRole(s.ctx, s.admin, s.alice, store.RoleAuthAdmin))

	s.Require().NoError(s.service.RevokeRole(s.ctx, s.admin, s.alice, store.RoleAuthAdmin))
	s.Empty(s.source.roles[s.alice])
	s.Contains(s.security.actions(), string(audit.EventRoleRevocation))

	perms, err := s.service.EffectivePermissions(s.ctx, s.alice)
	s.Require().NoError(err)
	s.Empty(perms)
}

func (s *RbacServiceSuite) TestGrantPermissionPurgesCache() {
	s.Require().NoError(s.source.AssignRole(s.ctx, s.alice, store.RoleUser))

	perms, err := s.service.EffectivePermissions(s.ctx, s.alice)
	s.Require().NoError(err)
	s.Empty(perms)

	s.Require().NoError(s.service.GrantPermission(s.ctx, store.RoleUser, "PROFILE_EDIT_SELF"))

	perms, err = s.service.EffectivePermissions(s.ctx, s.alice)
	s.Require().NoError(err)
	s.Equal([]string{"PROFILE_EDIT_SELF"}, perms)
	s.Contains(s.security.actions(), string(audit.EventCacheCleared))
}

func (s *RbacServiceSuite) TestDescendantsAndAncestors() {
	descendants, err := s.service.DescendantsOf(s.ctx, store.RoleAdmin)
	s.Require().NoError(err)
	names := make([]string, 0, len(descendants))
	for _, r := range descendants {
		names = append(names, r.Name)
	}
	s.ElementsMatch([]string{store.RoleAuthAdmin, store.RoleUser}, names)

	ancestors, err := s.service.AncestorsOf(s.ctx, store.RoleAdmin)
	s.Require().NoError(err)
	names = names[:0]
	for _, r := range ancestors {
		names = append(names, r.Name)
	}
	s.Equal([]string{store.RoleRoot, store.RoleSuperAdmin}, names)
}

func (s *RbacServiceSuite) TestRolesAtDepth() {
	roles, err := s.service.RolesAtDepth(s.ctx, 3)
	s.Require().NoError(err)
	names := make([]string, 0, len(roles))
	for _, r := range roles {
		names = append(names, r.Name)
	}
	s.ElementsMatch([]string{store.RoleAuthAdmin, store.RoleUser}, names)
}

func (s *RbacServiceSuite) TestValidatorSubtreeChecks() {
	v := s.service.Validator()

	ok, err := v.CanGrant(s.ctx, []string{store.RoleAdmin}, store.RoleUser)
	s.Require().NoError(err)
	s.True(ok)

	ok, err = v.CanGrant(s.ctx, []string{store.RoleAdmin}, store.RoleAdmin)
	s.Require().NoError(err)
	s.True(ok, "a role is inside its own subtree")

	ok, err = v.CanGrant(s.ctx, []string{store.RoleAdmin}, store.RoleSuperAdmin)
	s.Require().NoError(err)
	s.False(ok)

	ok, err = v.CanGrant(s.ctx, nil, store.RoleUser)
	s.Require().NoError(err)
	s.False(ok, "no roles grants nothing")

	ok, err = v.CanGrant(s.ctx, []string{store.RoleRoot}, "NO_SUCH")
	s.Require().NoError(err)
	s.False(ok, "unknown target is a refusal, not an error")
}
