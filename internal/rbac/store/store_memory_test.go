package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"authd/internal/rbac/models"
	id "authd/pkg/domain"
	"authd/pkg/platform/sentinel"
	"authd/pkg/requestcontext"
)

type MemoryRoleStoreSuite struct {
	suite.Suite
	ctx   context.Context
	store *MemoryRoleStore
}

func TestMemoryRoleStoreSuite(t *testing.T) {
	suite.Run(t, new(MemoryRoleStoreSuite))
}

func (s *MemoryRoleStoreSuite) SetupTest() {
	s.ctx = requestcontext.WithTime(context.Background(),
		time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	s.store = NewMemoryRoleStore()
	s.Require().NoError(SeedBootstrapRoles(s.ctx, s.store))
}

func (s *MemoryRoleStoreSuite) TestSeedBuildsDefaultTree() {
	admin, err := s.store.FindByName(s.ctx, RoleAdmin)
	s.Require().NoError(err)
	s.Equal("ROOT/SUPER_ADMIN/ADMIN", admin.Path)
	s.Equal(2, admin.Depth)

	authAdmin, err := s.store.FindByName(s.ctx, RoleAuthAdmin)
	s.Require().NoError(err)
	s.Equal("ROOT/SUPER_ADMIN/ADMIN/AUTH_ADMIN", authAdmin.Path)

	perms, err := s.store.PermissionsOf(s.ctx, authAdmin.ID)
	s.Require().NoError(err)
	s.ElementsMatch([]string{
		PermOAuthClientManage,
		PermUserEditAny,
		PermUserPasswordResetAny,
		PermUserReadAny,
	}, perms)
}

func (s *MemoryRoleStoreSuite) TestSeedIsIdempotent() {
	s.Require().NoError(SeedBootstrapRoles(s.ctx, s.store))

	all, err := s.store.ListAll(s.ctx)
	s.Require().NoError(err)
	s.Len(all, 5)
}

func (s *MemoryRoleStoreSuite) TestCreateRejectsDuplicateName() {
	err := s.store.Create(s.ctx, &models.Role{
		ID:   id.NewRoleID(),
		Name: RoleAdmin,
		Path: RoleAdmin,
	})
	s.Require().ErrorIs(err, sentinel.ErrConflict)
}

func (s *MemoryRoleStoreSuite) TestListByPathPrefixReturnsSubtree() {
	admin, err := s.store.FindByName(s.ctx, RoleAdmin)
	s.Require().NoError(err)

	subtree, err := s.store.ListByPathPrefix(s.ctx, admin.Path)
	s.Require().NoError(err)
	names := make([]string, 0, len(subtree))
	for _, r := range subtree {
		names = append(names, r.Name)
	}
	s.Equal([]string{RoleAdmin, RoleAuthAdmin, RoleUser}, names, "ordered by path")
}

func (s *MemoryRoleStoreSuite) TestReplacePathPrefixRewritesSubtree() {
	admin, err := s.store.FindByName(s.ctx, RoleAdmin)
	s.Require().NoError(err)

	// Lift ADMIN's subtree one level, as a delete of SUPER_ADMIN would.
	count, err := s.store.ReplacePathPrefix(s.ctx, admin.Path, "ROOT/ADMIN", -1)
	s.Require().NoError(err)
	s.Equal(3, count)

	user, err := s.store.FindByName(s.ctx, RoleUser)
	s.Require().NoError(err)
	s.Equal("ROOT/ADMIN/USER", user.Path)
	s.Equal(2, user.Depth)

	// Siblings outside the prefix are untouched.
	superAdmin, err := s.store.FindByName(s.ctx, RoleSuperAdmin)
	s.Require().NoError(err)
	s.Equal("ROOT/SUPER_ADMIN", superAdmin.Path)
}

func (s *MemoryRoleStoreSuite) TestPermissionsForRoleNamesUnions() {
	admin, err := s.store.FindByName(s.ctx, RoleAdmin)
	s.Require().NoError(err)
	s.Require().NoError(s.store.GrantPermission(s.ctx, admin.ID, PermUserReadAny))

	perms, err := s.store.PermissionsForRoleNames(s.ctx, []string{RoleAdmin, RoleAuthAdmin, "NO_SUCH_ROLE"})
	s.Require().NoError(err)
	s.ElementsMatch([]string{
		PermOAuthClientManage,
		PermUserEditAny,
		PermUserPasswordResetAny,
		PermUserReadAny,
	}, perms, "duplicates collapse, unknown names are skipped")
}

func (s *MemoryRoleStoreSuite) TestRevokePermissionOnAbsentGrantIsNoop() {
	admin, err := s.store.FindByName(s.ctx, RoleAdmin)
	s.Require().NoError(err)
	s.NoError(s.store.RevokePermission(s.ctx, admin.ID, PermUserReadAny))
}

func (s *MemoryRoleStoreSuite) TestDeleteRemovesRoleAndGrants() {
	authAdmin, err := s.store.FindByName(s.ctx, RoleAuthAdmin)
	s.Require().NoError(err)
	s.Require().NoError(s.store.Delete(s.ctx, authAdmin.ID))

	_, err = s.store.FindByName(s.ctx, RoleAuthAdmin)
	s.Require().ErrorIs(err, sentinel.ErrNotFound)

	perms, err := s.store.PermissionsForRoleNames(s.ctx, []string{RoleAuthAdmin})
	s.Require().NoError(err)
	s.Empty(perms)
}
