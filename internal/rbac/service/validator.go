package service

import (
	"context"
	"errors"
	"fmt"

	"authd/internal/rbac/store"
	"authd/pkg/platform/sentinel"
)

// RoleHierarchyValidator decides whether an actor may grant or revoke a
// role: only roles inside the actor's own subtree qualify, so an ADMIN can
// hand out USER but never SUPER_ADMIN.
type RoleHierarchyValidator struct {
	roles store.RoleStore
}

// NewRoleHierarchyValidator constructs the validator.
func NewRoleHierarchyValidator(roles store.RoleStore) *RoleHierarchyValidator {
	return &RoleHierarchyValidator{roles: roles}
}

// CanGrant reports whether any of the actor's roles places the target role
// inside the actor's subtree. An actor with no roles can grant nothing.
func (v *RoleHierarchyValidator) CanGrant(ctx context.Context, actorRoleNames []string, targetRoleName string) (bool, error) {
	if len(actorRoleNames) == 0 {
		return false, nil
	}

	target, err := v.roles.FindByName(ctx, targetRoleName)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("resolve target role: %w", err)
	}

	actorRoles, err := v.roles.FindByNames(ctx, actorRoleNames)
	if err != nil {
		return false, fmt.Errorf("resolve actor roles: %w", err)
	}

	for _, actorRole := range actorRoles {
		if target.InSubtreeOf(actorRole) {
			return true, nil
		}
	}
	return false, nil
}
