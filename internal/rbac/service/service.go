// Package service resolves permissions through the role hierarchy and owns
// every mutation of the role graph. Reads go through the in-process cache;
// writes purge it and fan the invalidation out to the other instances.
package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"authd/internal/rbac/cache"
	"authd/internal/rbac/models"
	"authd/internal/rbac/store"
	id "authd/pkg/domain"
	dErrors "authd/pkg/domain-errors"
	"authd/pkg/platform/audit"
	"authd/pkg/platform/sentinel"
	"authd/pkg/platform/tx"
	"authd/pkg/requestcontext"
)

// RoleSource is the user-to-role link, owned by the identity store.
type RoleSource interface {
	RoleNames(ctx context.Context, userID id.UserID) ([]string, error)
	AssignRole(ctx context.Context, userID id.UserID, roleName string) error
	RevokeRole(ctx context.Context, userID id.UserID, roleName string) error
}

// SecurityPublisher records security-relevant events without blocking.
type SecurityPublisher interface {
	Emit(ctx context.Context, event audit.SecurityEvent)
}

// Service is the role/permission resolver.
type Service struct {
	roles     store.RoleStore
	source    RoleSource
	validator *RoleHierarchyValidator
	cache     *cache.Cache
	fanout    cache.Fanout
	db        *sql.DB
	logger    *slog.Logger
	security  SecurityPublisher
}

// Option configures a Service.
type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithCache(c *cache.Cache) Option {
	return func(s *Service) { s.cache = c }
}

// WithFanout wires the cross-instance invalidation channel.
func WithFanout(f cache.Fanout) Option {
	return func(s *Service) { s.fanout = f }
}

// WithDB enables transactional graph mutations.
func WithDB(db *sql.DB) Option {
	return func(s *Service) { s.db = db }
}

func WithSecurityPublisher(p SecurityPublisher) Option {
	return func(s *Service) { s.security = p }
}

// New constructs the service.
func New(roles store.RoleStore, source RoleSource, opts ...Option) (*Service, error) {
	if roles == nil {
		return nil, fmt.Errorf("role store is required")
	}
	if source == nil {
		return nil, fmt.Errorf("role source is required")
	}
	s := &Service{
		roles:     roles,
		source:    source,
		validator: NewRoleHierarchyValidator(roles),
		cache:     cache.New(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Validator exposes the hierarchy validator for admin handlers.
func (s *Service) Validator() *RoleHierarchyValidator { return s.validator }

func (s *Service) runTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.db == nil {
		return fn(ctx)
	}
	return tx.Run(ctx, s.db, fn)
}

// HasPermission reports whether the user's effective permission set contains
// the permission. The effective set is the union over every assigned role of
// that role's direct permissions plus all of its ancestors' permissions.
func (s *Service) HasPermission(ctx context.Context, userID id.UserID, permission string) (bool, error) {
	perms, err := s.EffectivePermissions(ctx, userID)
	if err != nil {
		return false, err
	}
	return slices.Contains(perms, permission), nil
}

// EffectivePermissions resolves and caches the user's effective set.
func (s *Service) EffectivePermissions(ctx context.Context, userID id.UserID) ([]string, error) {
	return s.cache.UserPermissions(userID.String(), func() ([]string, error) {
		return s.loadEffectivePermissions(ctx, userID)
	})
}

func (s *Service) loadEffectivePermissions(ctx context.Context, userID id.UserID) ([]string, error) {
	assigned, err := s.source.RoleNames(ctx, userID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "load user roles")
	}
	if len(assigned) == 0 {
		return nil, nil
	}

	// Expand each assigned role to itself plus every ancestor on its path.
	nameSet := make(map[string]struct{})
	for _, name := range assigned {
		role, err := s.cachedRole(ctx, name)
		if err != nil {
			if errors.Is(err, sentinel.ErrNotFound) {
				s.logger.WarnContext(ctx, "user references unknown role", "role", name)
				continue
			}
			return nil, err
		}
		nameSet[role.Name] = struct{}{}
		for _, ancestor := range role.AncestorNames() {
			nameSet[ancestor] = struct{}{}
		}
	}
	if len(nameSet) == 0 {
		return nil, nil
	}

	names := make([]string, 0, len(nameSet))
	for n := range nameSet {
		names = append(names, n)
	}
	perms, err := s.roles.PermissionsForRoleNames(ctx, names)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "load role permissions")
	}
	return perms, nil
}

func (s *Service) cachedRole(ctx context.Context, name string) (*models.Role, error) {
	return s.cache.Role(name, func() (*models.Role, error) {
		return s.roles.FindByName(ctx, name)
	})
}

// CreateRoleParams describes a new role.
type CreateRoleParams struct {
	Name        string
	Description string
	// ParentName empty creates a root.
	ParentName string
}

// CreateRole inserts a role under its parent. The materialised path makes
// the cycle check an O(1) string scan: a parent whose path already carries
// the new name would close a loop.
func (s *Service) CreateRole(ctx context.Context, params CreateRoleParams) (*models.Role, error) {
	name := strings.TrimSpace(params.Name)
	if name == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "role name is required")
	}
	if strings.Contains(name, models.PathSeparator) {
		return nil, dErrors.New(dErrors.CodeValidation, "role name must not contain '/'")
	}

	now := requestcontext.Now(ctx)
	role := &models.Role{
		ID:          id.NewRoleID(),
		Name:        name,
		Description: params.Description,
		Path:        name,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err := s.runTx(ctx, func(ctx context.Context) error {
		if params.ParentName != "" {
			parent, err := s.roles.FindByName(ctx, params.ParentName)
			if err != nil {
				if errors.Is(err, sentinel.ErrNotFound) {
					return dErrors.New(dErrors.CodeNotFound, "parent role not found")
				}
				return dErrors.Wrap(err, dErrors.CodeInternal, "resolve parent role")
			}
			if models.PathContains(parent.Path, name) {
				return dErrors.New(dErrors.CodeInvariantViolation, "role hierarchy must stay acyclic")
			}
			parentID := parent.ID
			role.ParentID = &parentID
			role.Path = parent.ChildPath(name)
			role.Depth = parent.Depth + 1
		}
		if err := s.roles.Create(ctx, role); err != nil {
			if errors.Is(err, sentinel.ErrConflict) {
				return dErrors.New(dErrors.CodeConflict, "role name already exists")
			}
			return dErrors.Wrap(err, dErrors.CodeInternal, "create role")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.invalidate(ctx, "role_created")
	return role, nil
}

// DeleteRole removes a role, re-parenting its children to the grandparent
// (children of a deleted root become roots themselves).
func (s *Service) DeleteRole(ctx context.Context, name string) error {
	err := s.runTx(ctx, func(ctx context.Context) error {
		role, err := s.roles.FindByName(ctx, name)
		if err != nil {
			if errors.Is(err, sentinel.ErrNotFound) {
				return dErrors.New(dErrors.CodeNotFound, "role not found")
			}
			return dErrors.Wrap(err, dErrors.CodeInternal, "resolve role")
		}

		children, err := s.roles.ListChildren(ctx, role.ID)
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "list role children")
		}

		parentPath := parentPathOf(role)
		now := requestcontext.Now(ctx)
		for _, child := range children {
			newPath := child.Name
			if parentPath != "" {
				newPath = parentPath + models.PathSeparator + child.Name
			}
			if _, err := s.roles.ReplacePathPrefix(ctx, child.Path, newPath, -1); err != nil {
				return dErrors.Wrap(err, dErrors.CodeInternal, "re-parent role subtree")
			}

			fresh, err := s.roles.FindByID(ctx, child.ID)
			if err != nil {
				return dErrors.Wrap(err, dErrors.CodeInternal, "reload re-parented role")
			}
			fresh.ParentID = role.ParentID
			fresh.UpdatedAt = now
			if err := s.roles.Update(ctx, fresh); err != nil {
				return dErrors.Wrap(err, dErrors.CodeInternal, "update re-parented role")
			}
		}

		if err := s.roles.Delete(ctx, role.ID); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "delete role")
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.invalidate(ctx, "role_deleted")
	return nil
}

// GrantPermission links a permission to a role.
func (s *Service) GrantPermission(ctx context.Context, roleName, permission string) error {
	role, err := s.roles.FindByName(ctx, roleName)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return dErrors.New(dErrors.CodeNotFound, "role not found")
		}
		return dErrors.Wrap(err, dErrors.CodeInternal, "resolve role")
	}
	if err := s.roles.GrantPermission(ctx, role.ID, permission); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "grant permission")
	}
	s.invalidate(ctx, "permission_granted")
	return nil
}

// RevokePermission unlinks a permission from a role.
func (s *Service) RevokePermission(ctx context.Context, roleName, permission string) error {
	role, err := s.roles.FindByName(ctx, roleName)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return dErrors.New(dErrors.CodeNotFound, "role not found")
		}
		return dErrors.Wrap(err, dErrors.CodeInternal, "resolve role")
	}
	if err := s.roles.RevokePermission(ctx, role.ID, permission); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "revoke permission")
	}
	s.invalidate(ctx, "permission_revoked")
	return nil
}

// AssignRole grants a role to a user on behalf of an actor. The hierarchy
// validator confines actors to their own subtree; violations are audited
// and rejected.
func (s *Service) AssignRole(ctx context.Context, actorID, targetUserID id.UserID, roleName string) error {
	actorRoles, err := s.source.RoleNames(ctx, actorID)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "load actor roles")
	}
	allowed, err := s.validator.CanGrant(ctx, actorRoles, roleName)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "validate role grant")
	}
	if !allowed {
		s.emitSecurity(ctx, audit.SecurityEvent{
			Subject:   targetUserID.String(),
			Action:    string(audit.EventRoleAssignment),
			Reason:    "outside_actor_subtree",
			ActorID:   actorID.String(),
			Severity:  audit.SeverityWarning,
			Details:   map[string]string{"role": roleName},
			Timestamp: requestcontext.Now(ctx),
		})
		return dErrors.New(dErrors.CodeForbidden, "role is outside the actor's subtree").
			WithKind(dErrors.KindRoleAssignmentForbidden)
	}

	if err := s.source.AssignRole(ctx, targetUserID, roleName); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "assign role")
	}
	s.cache.InvalidateUser(targetUserID.String())
	s.emitSecurity(ctx, audit.SecurityEvent{
		Subject:   targetUserID.String(),
		Action:    string(audit.EventRoleAssignment),
		Reason:    "granted",
		ActorID:   actorID.String(),
		Severity:  audit.SeverityInfo,
		Details:   map[string]string{"role": roleName},
		Timestamp: requestcontext.Now(ctx),
	})
	return nil
}

// RevokeRole removes a role from a user, under the same subtree rule.
func (s *Service) RevokeRole(ctx context.Context, actorID, targetUserID id.UserID, roleName string) error {
	actorRoles, err := s.source.RoleNames(ctx, actorID)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "load actor roles")
	}
	allowed, err := s.validator.CanGrant(ctx, actorRoles, roleName)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "validate role revoke")
	}
	if !allowed {
		return dErrors.New(dErrors.CodeForbidden, "role is outside the actor's subtree").
			WithKind(dErrors.KindRoleAssignmentForbidden)
	}

	if err := s.source.RevokeRole(ctx, targetUserID, roleName); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "revoke role")
	}
	s.cache.InvalidateUser(targetUserID.String())
	s.emitSecurity(ctx, audit.SecurityEvent{
		Subject:   targetUserID.String(),
		Action:    string(audit.EventRoleRevocation),
		ActorID:   actorID.String(),
		Severity:  audit.SeverityInfo,
		Details:   map[string]string{"role": roleName},
		Timestamp: requestcontext.Now(ctx),
	})
	return nil
}

// DescendantsOf returns the subtree strictly below the named role.
func (s *Service) DescendantsOf(ctx context.Context, name string) ([]*models.Role, error) {
	role, err := s.roles.FindByName(ctx, name)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "role not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "resolve role")
	}
	subtree, err := s.roles.ListByPathPrefix(ctx, role.Path)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "list role subtree")
	}
	out := make([]*models.Role, 0, len(subtree))
	for _, r := range subtree {
		if r.ID != role.ID {
			out = append(out, r)
		}
	}
	return out, nil
}

// AncestorsOf returns the chain above the named role, outermost first.
func (s *Service) AncestorsOf(ctx context.Context, name string) ([]*models.Role, error) {
	role, err := s.roles.FindByName(ctx, name)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "role not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "resolve role")
	}
	names := role.AncestorNames()
	if len(names) == 0 {
		return nil, nil
	}
	ancestors, err := s.roles.FindByNames(ctx, names)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "resolve ancestors")
	}
	return ancestors, nil
}

// RolesAtDepth returns the roles at one hierarchy level (roots = 0).
func (s *Service) RolesAtDepth(ctx context.Context, depth int) ([]*models.Role, error) {
	roles, err := s.roles.ListAtDepth(ctx, depth)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "list roles at depth")
	}
	return roles, nil
}

// invalidate purges the local caches, broadcasts to the other instances and
// records the purge in the security trail.
func (s *Service) invalidate(ctx context.Context, reason string) {
	s.cache.PurgeAll()
	if s.fanout != nil {
		if err := s.fanout.Publish(ctx, reason); err != nil {
			s.logger.WarnContext(ctx, "rbac invalidation fan-out failed",
				"reason", reason, "error", err)
		}
	}
	s.emitSecurity(ctx, audit.SecurityEvent{
		Subject:   "rbac",
		Action:    string(audit.EventCacheCleared),
		Reason:    reason,
		Severity:  audit.SeverityInfo,
		Timestamp: requestcontext.Now(ctx),
	})
}

func (s *Service) emitSecurity(ctx context.Context, event audit.SecurityEvent) {
	if s.security == nil {
		return
	}
	if event.RequestID == "" {
		event.RequestID = requestcontext.RequestID(ctx)
	}
	s.security.Emit(ctx, event)
}

func parentPathOf(role *models.Role) string {
	idx := strings.LastIndex(role.Path, models.PathSeparator)
	if idx < 0 {
		return ""
	}
	return role.Path[:idx]
}
