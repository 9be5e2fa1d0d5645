package store

import (
	"context"
	"errors"
	"fmt"

	"authd/internal/rbac/models"
	id "authd/pkg/domain"
	"authd/pkg/platform/sentinel"
	"authd/pkg/requestcontext"
)

// Default role names seeded on first boot.
const (
	RoleRoot       = "ROOT"
	RoleSuperAdmin = "SUPER_ADMIN"
	RoleAdmin      = "ADMIN"
	RoleUser       = "USER"
	RoleAuthAdmin  = "AUTH_ADMIN"
)

// Permissions granted to AUTH_ADMIN out of the box.
const (
	PermUserReadAny          = "USER_READ_ANY"
	PermUserEditAny          = "USER_EDIT_ANY"
	PermUserPasswordResetAny = "USER_PASSWORD_RESET_ANY"
	PermOAuthClientManage    = "OAUTH_CLIENT_MANAGE"
)

// SeedBootstrapRoles creates the default role tree when it does not exist:
//
//	ROOT
//	└── SUPER_ADMIN
//	    └── ADMIN
//	        ├── USER
//	        └── AUTH_ADMIN  (USER_READ_ANY, USER_EDIT_ANY,
//	                         USER_PASSWORD_RESET_ANY, OAUTH_CLIENT_MANAGE)
//
// Idempotent: existing roles are left untouched and permission grants are
// re-applied (grants themselves are idempotent).
func SeedBootstrapRoles(ctx context.Context, roles RoleStore) error {
	root, err := ensureRole(ctx, roles, RoleRoot, "Hierarchy root", nil)
	if err != nil {
		return err
	}
	superAdmin, err := ensureRole(ctx, roles, RoleSuperAdmin, "Full administrative control", root)
	if err != nil {
		return err
	}
	admin, err := ensureRole(ctx, roles, RoleAdmin, "Day-to-day administration", superAdmin)
	if err != nil {
		return err
	}
	if _, err := ensureRole(ctx, roles, RoleUser, "Standard account", admin); err != nil {
		return err
	}
	authAdmin, err := ensureRole(ctx, roles, RoleAuthAdmin, "User and client administration", admin)
	if err != nil {
		return err
	}

	for _, perm := range []string{
		PermUserReadAny,
		PermUserEditAny,
		PermUserPasswordResetAny,
		PermOAuthClientManage,
	} {
		if err := roles.GrantPermission(ctx, authAdmin.ID, perm); err != nil {
			return fmt.Errorf("seed grant %s: %w", perm, err)
		}
	}
	return nil
}

func ensureRole(ctx context.Context, roles RoleStore, name, description string, parent *models.Role) (*models.Role, error) {
	existing, err := roles.FindByName(ctx, name)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, sentinel.ErrNotFound) {
		return nil, fmt.Errorf("seed lookup %s: %w", name, err)
	}

	now := requestcontext.Now(ctx)
	role := &models.Role{
		ID:          id.NewRoleID(),
		Name:        name,
		Description: description,
		Path:        name,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if parent != nil {
		parentID := parent.ID
		role.ParentID = &parentID
		role.Path = parent.ChildPath(name)
		role.Depth = parent.Depth + 1
	}
	if err := roles.Create(ctx, role); err != nil {
		// Lost a race with another instance seeding concurrently.
		if errors.Is(err, sentinel.ErrConflict) {
			return roles.FindByName(ctx, name)
		}
		return nil, fmt.Errorf("seed create %s: %w", name, err)
	}
	return role, nil
}
