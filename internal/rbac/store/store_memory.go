package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"authd/internal/rbac/models"
	id "authd/pkg/domain"
	"authd/pkg/platform/sentinel"
)

// MemoryRoleStore is the in-memory RoleStore.
type MemoryRoleStore struct {
	mu          sync.Mutex
	roles       map[id.RoleID]*models.Role
	permissions map[id.RoleID]map[string]struct{}
}

// NewMemoryRoleStore constructs an empty store.
func NewMemoryRoleStore() *MemoryRoleStore {
	return &MemoryRoleStore{
		roles:       make(map[id.RoleID]*models.Role),
		permissions: make(map[id.RoleID]map[string]struct{}),
	}
}

func (s *MemoryRoleStore) Create(ctx context.Context, role *models.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.roles {
		if r.Name == role.Name {
			return fmt.Errorf("role name taken: %w", sentinel.ErrConflict)
		}
	}
	clone := *role
	s.roles[role.ID] = &clone
	return nil
}

func (s *MemoryRoleStore) FindByName(ctx context.Context, name string) (*models.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.roles {
		if r.Name == name {
			clone := *r
			return &clone, nil
		}
	}
	return nil, fmt.Errorf("role by name: %w", sentinel.ErrNotFound)
}

func (s *MemoryRoleStore) FindByID(ctx context.Context, roleID id.RoleID) (*models.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.roles[roleID]
	if !ok {
		return nil, fmt.Errorf("role by id: %w", sentinel.ErrNotFound)
	}
	clone := *r
	return &clone, nil
}

func (s *MemoryRoleStore) FindByNames(ctx context.Context, names []string) ([]*models.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	want := make(map[string]struct{}, len(names))
	for _, n := range names {
		want[n] = struct{}{}
	}
	var out []*models.Role
	for _, r := range s.roles {
		if _, ok := want[r.Name]; ok {
			clone := *r
			out = append(out, &clone)
		}
	}
	sortByPath(out)
	return out, nil
}

func (s *MemoryRoleStore) ListAll(ctx context.Context) ([]*models.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*models.Role, 0, len(s.roles))
	for _, r := range s.roles {
		clone := *r
		out = append(out, &clone)
	}
	sortByPath(out)
	return out, nil
}

func (s *MemoryRoleStore) ListByPathPrefix(ctx context.Context, path string) ([]*models.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.Role
	for _, r := range s.roles {
		if r.Path == path || strings.HasPrefix(r.Path, path+models.PathSeparator) {
			clone := *r
			out = append(out, &clone)
		}
	}
	sortByPath(out)
	return out, nil
}

func (s *MemoryRoleStore) ListAtDepth(ctx context.Context, depth int) ([]*models.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.Role
	for _, r := range s.roles {
		if r.Depth == depth {
			clone := *r
			out = append(out, &clone)
		}
	}
	sortByPath(out)
	return out, nil
}

func (s *MemoryRoleStore) ListChildren(ctx context.Context, roleID id.RoleID) ([]*models.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.Role
	for _, r := range s.roles {
		if r.ParentID != nil && *r.ParentID == roleID {
			clone := *r
			out = append(out, &clone)
		}
	}
	sortByPath(out)
	return out, nil
}

func (s *MemoryRoleStore) Update(ctx context.Context, role *models.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.roles[role.ID]; !ok {
		return fmt.Errorf("update role: %w", sentinel.ErrNotFound)
	}
	clone := *role
	s.roles[role.ID] = &clone
	return nil
}

func (s *MemoryRoleStore) ReplacePathPrefix(ctx context.Context, oldPath, newPath string, depthDelta int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, r := range s.roles {
		switch {
		case r.Path == oldPath:
			r.Path = newPath
		case strings.HasPrefix(r.Path, oldPath+models.PathSeparator):
			r.Path = newPath + strings.TrimPrefix(r.Path, oldPath)
		default:
			continue
		}
		r.Depth += depthDelta
		count++
	}
	return count, nil
}

func (s *MemoryRoleStore) Delete(ctx context.Context, roleID id.RoleID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.roles[roleID]; !ok {
		return fmt.Errorf("delete role: %w", sentinel.ErrNotFound)
	}
	delete(s.roles, roleID)
	delete(s.permissions, roleID)
	return nil
}

func (s *MemoryRoleStore) GrantPermission(ctx context.Context, roleID id.RoleID, permission string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.roles[roleID]; !ok {
		return fmt.Errorf("grant permission: %w", sentinel.ErrNotFound)
	}
	if s.permissions[roleID] == nil {
		s.permissions[roleID] = make(map[string]struct{})
	}
	s.permissions[roleID][permission] = struct{}{}
	return nil
}

func (s *MemoryRoleStore) RevokePermission(ctx context.Context, roleID id.RoleID, permission string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.permissions[roleID], permission)
	return nil
}

func (s *MemoryRoleStore) PermissionsOf(ctx context.Context, roleID id.RoleID) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.permissions[roleID]))
	for p := range s.permissions[roleID] {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryRoleStore) PermissionsForRoleNames(ctx context.Context, names []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	want := make(map[string]struct{}, len(names))
	for _, n := range names {
		want[n] = struct{}{}
	}
	set := make(map[string]struct{})
	for roleID, r := range s.roles {
		if _, ok := want[r.Name]; !ok {
			continue
		}
		for p := range s.permissions[roleID] {
			set[p] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

func sortByPath(roles []*models.Role) {
	sort.Slice(roles, func(i, j int) bool { return roles[i].Path < roles[j].Path })
}
