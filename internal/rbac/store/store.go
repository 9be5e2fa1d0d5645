// Package store persists the role hierarchy and role-permission grants.
// Graph rules (cycle rejection, re-parenting) live in the service; stores
// expose path-prefix primitives that make them cheap.
package store

import (
	"context"

	"authd/internal/rbac/models"
	id "authd/pkg/domain"
)

// RoleStore persists roles and their permission grants.
type RoleStore interface {
	// Create inserts a role. Returns sentinel.ErrConflict (wrapped) when
	// the name is taken.
	Create(ctx context.Context, role *models.Role) error

	// FindByName resolves a role by its globally unique name.
	FindByName(ctx context.Context, name string) (*models.Role, error)

	// FindByID resolves a role by id.
	FindByID(ctx context.Context, roleID id.RoleID) (*models.Role, error)

	// FindByNames resolves many roles at once. Unknown names are skipped.
	FindByNames(ctx context.Context, names []string) ([]*models.Role, error)

	// ListAll returns every role ordered by path.
	ListAll(ctx context.Context) ([]*models.Role, error)

	// ListByPathPrefix returns the subtree rooted at the exact path plus
	// every descendant, ordered by path.
	ListByPathPrefix(ctx context.Context, path string) ([]*models.Role, error)

	// ListAtDepth returns the roles at one hierarchy depth (root = 0).
	ListAtDepth(ctx context.Context, depth int) ([]*models.Role, error)

	// ListChildren returns the direct children of a role.
	ListChildren(ctx context.Context, roleID id.RoleID) ([]*models.Role, error)

	// Update rewrites a role's mutable fields (description, parent, path,
	// depth, updatedAt).
	Update(ctx context.Context, role *models.Role) error

	// ReplacePathPrefix rewrites the subtree rooted at oldPath to live
	// under newPath, shifting depths by depthDelta. Returns the number of
	// roles rewritten.
	ReplacePathPrefix(ctx context.Context, oldPath, newPath string, depthDelta int) (int, error)

	// Delete removes a role and its permission grants. The caller has
	// already re-parented the children.
	Delete(ctx context.Context, roleID id.RoleID) error

	// GrantPermission links a permission to a role. Idempotent.
	GrantPermission(ctx context.Context, roleID id.RoleID, permission string) error

	// RevokePermission unlinks a permission from a role.
	RevokePermission(ctx context.Context, roleID id.RoleID, permission string) error

	// PermissionsOf returns the direct permissions of one role.
	PermissionsOf(ctx context.Context, roleID id.RoleID) ([]string, error)

	// PermissionsForRoleNames returns the distinct union of direct
	// permissions across the named roles.
	PermissionsForRoleNames(ctx context.Context, names []string) ([]string, error)
}
