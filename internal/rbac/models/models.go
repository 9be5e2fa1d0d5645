// Package models defines the role hierarchy. Roles form a forest; each node
// carries a materialised path of ancestor names, which makes ancestry checks
// and cycle detection string operations instead of graph walks.
package models

import (
	"strings"
	"time"

	id "authd/pkg/domain"
)

// PathSeparator joins role names inside a materialised path.
const PathSeparator = "/"

// Role is a node in the hierarchy. Path is the concatenation of every
// ancestor's name plus the role's own name, e.g. "ROOT/SUPER_ADMIN/ADMIN".
// A permission granted to a role is implied for every descendant's holder
// through the ancestor union.
type Role struct {
	ID          id.RoleID
	Name        string
	Description string
	ParentID    *id.RoleID
	Path        string
	Depth       int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// AncestorNames returns the names above this role, outermost first.
func (r *Role) AncestorNames() []string {
	parts := strings.Split(r.Path, PathSeparator)
	if len(parts) <= 1 {
		return nil
	}
	return parts[:len(parts)-1]
}

// IsAncestorOf reports whether r lies strictly above other.
func (r *Role) IsAncestorOf(other *Role) bool {
	return other.Path != r.Path && strings.HasPrefix(other.Path, r.Path+PathSeparator)
}

// InSubtreeOf reports whether r is other or one of other's descendants.
func (r *Role) InSubtreeOf(other *Role) bool {
	return r.Path == other.Path || other.IsAncestorOf(r)
}

// ChildPath derives the materialised path of a child named name.
func (r *Role) ChildPath(name string) string {
	return r.Path + PathSeparator + name
}

// PathContains reports whether the path already carries the name as a
// component, which is exactly the cycle condition on insert and re-parent.
func PathContains(path, name string) bool {
	for _, part := range strings.Split(path, PathSeparator) {
		if part == name {
			return true
		}
	}
	return false
}

// Permission is an atomic capability.
type Permission struct {
	Name        string
	Description string
}
