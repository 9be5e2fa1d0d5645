// Package domain holds the typed identifiers and small value primitives
// shared across services. Typed IDs prevent cross-entity assignment at
// compile time; Parse functions enforce validity at trust boundaries.
package domain

import (
	"database/sql/driver"

	"github.com/google/uuid"

	dErrors "authd/pkg/domain-errors"
)

// Typed identifiers. Construct with NewXxx for fresh entities and ParseXxx
// at trust boundaries; direct casting bypasses validation.
type (
	// UserID identifies a user account.
	UserID uuid.UUID

	// SessionID identifies a login session (the token family shared by an
	// access/refresh pair and its refresh descendants).
	SessionID uuid.UUID

	// RoleID identifies a node in the role hierarchy.
	RoleID uuid.UUID

	// PermissionID identifies an atomic capability.
	PermissionID uuid.UUID
)

// NewUserID returns a random UserID.
func NewUserID() UserID { return UserID(uuid.New()) }

// NewSessionID returns a random SessionID.
func NewSessionID() SessionID { return SessionID(uuid.New()) }

// NewRoleID returns a random RoleID.
func NewRoleID() RoleID { return RoleID(uuid.New()) }

// NewPermissionID returns a random PermissionID.
func NewPermissionID() PermissionID { return PermissionID(uuid.New()) }

// ParseUserID validates and converts an external string into a UserID.
func ParseUserID(s string) (UserID, error) {
	id, err := parseUUID(s, "user id")
	return UserID(id), err
}

// ParseSessionID validates and converts an external string into a SessionID.
func ParseSessionID(s string) (SessionID, error) {
	id, err := parseUUID(s, "session id")
	return SessionID(id), err
}

// ParseRoleID validates and converts an external string into a RoleID.
func ParseRoleID(s string) (RoleID, error) {
	id, err := parseUUID(s, "role id")
	return RoleID(id), err
}

// ParsePermissionID validates and converts an external string into a PermissionID.
func ParsePermissionID(s string) (PermissionID, error) {
	id, err := parseUUID(s, "permission id")
	return PermissionID(id), err
}

// parseUUID enforces the shared invariant: IDs must be valid, non-empty,
// non-nil UUIDs. Every attack vector (injection strings, traversal, nul
// bytes, oversized input) fails uuid.Parse and is rejected here.
func parseUUID(s, what string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, what+" must not be empty")
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, dErrors.Wrap(err, dErrors.CodeInvalidInput, "invalid "+what)
	}
	if id == uuid.Nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, what+" must not be the nil uuid")
	}
	return id, nil
}

func (id UserID) String() string { return uuid.UUID(id).String() }
func (id UserID) IsNil() bool    { return uuid.UUID(id) == uuid.Nil }

func (id SessionID) String() string { return uuid.UUID(id).String() }
func (id SessionID) IsNil() bool    { return uuid.UUID(id) == uuid.Nil }

func (id RoleID) String() string { return uuid.UUID(id).String() }
func (id RoleID) IsNil() bool    { return uuid.UUID(id) == uuid.Nil }

func (id PermissionID) String() string { return uuid.UUID(id).String() }
func (id PermissionID) IsNil() bool    { return uuid.UUID(id) == uuid.Nil }

// database/sql support. Defined types do not inherit uuid.UUID's methods,
// so each ID forwards explicitly.

func (id UserID) Value() (driver.Value, error) { return uuid.UUID(id).Value() }
func (id *UserID) Scan(src any) error          { return (*uuid.UUID)(id).Scan(src) }

func (id SessionID) Value() (driver.Value, error) { return uuid.UUID(id).Value() }
func (id *SessionID) Scan(src any) error          { return (*uuid.UUID)(id).Scan(src) }

func (id RoleID) Value() (driver.Value, error) { return uuid.UUID(id).Value() }
func (id *RoleID) Scan(src any) error          { return (*uuid.UUID)(id).Scan(src) }

func (id PermissionID) Value() (driver.Value, error) { return uuid.UUID(id).Value() }
func (id *PermissionID) Scan(src any) error          { return (*uuid.UUID)(id).Scan(src) }
