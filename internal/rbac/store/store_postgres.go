package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"authd/internal/rbac/models"
	id "authd/pkg/domain"
	"authd/pkg/platform/sentinel"
	"authd/pkg/platform/tx"
)

const pqUniqueViolation = "23505"

// PostgresRoleStore persists the role hierarchy in PostgreSQL.
type PostgresRoleStore struct {
	db *sql.DB
}

// NewPostgresRoleStore constructs a PostgreSQL-backed role store.
func NewPostgresRoleStore(db *sql.DB) *PostgresRoleStore {
	return &PostgresRoleStore{db: db}
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *PostgresRoleStore) q(ctx context.Context) querier {
	if sqlTx, ok := tx.From(ctx); ok {
		return sqlTx
	}
	return s.db
}

const roleColumns = `id, name, description, parent_id, path, depth, created_at, updated_at`

func (s *PostgresRoleStore) Create(ctx context.Context, role *models.Role) error {
	query := `
		INSERT INTO roles (id, name, description, parent_id, path, depth, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	var parentID any
	if role.ParentID != nil {
		parentID = *role.ParentID
	}
	_, err := s.q(ctx).ExecContext(ctx, query,
		role.ID, role.Name, role.Description, parentID,
		role.Path, role.Depth, role.CreatedAt, role.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
			return fmt.Errorf("create role: %w", sentinel.ErrConflict)
		}
		return fmt.Errorf("create role: %w", err)
	}
	return nil
}

func (s *PostgresRoleStore) FindByName(ctx context.Context, name string) (*models.Role, error) {
	query := `SELECT ` + roleColumns + ` FROM roles WHERE name = $1`
	return scanRole(s.q(ctx).QueryRowContext(ctx, query, name), "role by name")
}

func (s *PostgresRoleStore) FindByID(ctx context.Context, roleID id.RoleID) (*models.Role, error) {
	query := `SELECT ` + roleColumns + ` FROM roles WHERE id = $1`
	return scanRole(s.q(ctx).QueryRowContext(ctx, query, roleID), "role by id")
}

func (s *PostgresRoleStore) FindByNames(ctx context.Context, names []string) ([]*models.Role, error) {
	query := `SELECT ` + roleColumns + ` FROM roles WHERE name = ANY($1) ORDER BY path`
	return s.queryRoles(ctx, query, pq.Array(names))
}

func (s *PostgresRoleStore) ListAll(ctx context.Context) ([]*models.Role, error) {
	query := `SELECT ` + roleColumns + ` FROM roles ORDER BY path`
	return s.queryRoles(ctx, query)
}

func (s *PostgresRoleStore) ListByPathPrefix(ctx context.Context, path string) ([]*models.Role, error) {
	query := `SELECT ` + roleColumns + ` FROM roles WHERE path = $1 OR path LIKE $2 ORDER BY path`
	return s.queryRoles(ctx, query, path, path+models.PathSeparator+"%")
}

func (s *PostgresRoleStore) ListAtDepth(ctx context.Context, depth int) ([]*models.Role, error) {
	query := `SELECT ` + roleColumns + ` FROM roles WHERE depth = $1 ORDER BY path`
	return s.queryRoles(ctx, query, depth)
}

func (s *PostgresRoleStore) ListChildren(ctx context.Context, roleID id.RoleID) ([]*models.Role, error) {
	query := `SELECT ` + roleColumns + ` FROM roles WHERE parent_id = $1 ORDER BY path`
	return s.queryRoles(ctx, query, roleID)
}

func (s *PostgresRoleStore) Update(ctx context.Context, role *models.Role) error {
	query := `
		UPDATE roles
		SET description = $2, parent_id = $3, path = $4, depth = $5, updated_at = $6
		WHERE id = $1
	`
	var parentID any
	if role.ParentID != nil {
		parentID = *role.ParentID
	}
	result, err := s.q(ctx).ExecContext(ctx, query,
		role.ID, role.Description, parentID, role.Path, role.Depth, role.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update role: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update role rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("update role: %w", sentinel.ErrNotFound)
	}
	return nil
}

func (s *PostgresRoleStore) ReplacePathPrefix(ctx context.Context, oldPath, newPath string, depthDelta int) (int, error) {
	query := `
		UPDATE roles
		SET path = $2 || substr(path, length($1) + 1),
			depth = depth + $3
		WHERE path = $1 OR path LIKE $1 || '/%'
	`
	result, err := s.q(ctx).ExecContext(ctx, query, oldPath, newPath, depthDelta)
	if err != nil {
		return 0, fmt.Errorf("replace path prefix: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("replace path prefix rows affected: %w", err)
	}
	return int(rows), nil
}

func (s *PostgresRoleStore) Delete(ctx context.Context, roleID id.RoleID) error {
	return tx.Run(ctx, s.db, func(ctx context.Context) error {
		if _, err := s.q(ctx).ExecContext(ctx, `DELETE FROM role_permissions WHERE role_id = $1`, roleID); err != nil {
			return fmt.Errorf("delete role permissions: %w", err)
		}
		result, err := s.q(ctx).ExecContext(ctx, `DELETE FROM roles WHERE id = $1`, roleID)
		if err != nil {
			return fmt.Errorf("delete role: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("delete role rows affected: %w", err)
		}
		if rows == 0 {
			return fmt.Errorf("delete role: %w", sentinel.ErrNotFound)
		}
		return nil
	})
}

func (s *PostgresRoleStore) GrantPermission(ctx context.Context, roleID id.RoleID, permission string) error {
	query := `
		INSERT INTO role_permissions (role_id, permission)
		VALUES ($1, $2)
		ON CONFLICT (role_id, permission) DO NOTHING
	`
	if _, err := s.q(ctx).ExecContext(ctx, query, roleID, permission); err != nil {
		return fmt.Errorf("grant permission: %w", err)
	}
	return nil
}

func (s *PostgresRoleStore) RevokePermission(ctx context.Context, roleID id.RoleID, permission string) error {
	query := `DELETE FROM role_permissions WHERE role_id = $1 AND permission = $2`
	if _, err := s.q(ctx).ExecContext(ctx, query, roleID, permission); err != nil {
		return fmt.Errorf("revoke permission: %w", err)
	}
	return nil
}

func (s *PostgresRoleStore) PermissionsOf(ctx context.Context, roleID id.RoleID) ([]string, error) {
	query := `SELECT permission FROM role_permissions WHERE role_id = $1 ORDER BY permission`
	return s.queryPermissions(ctx, query, roleID)
}

func (s *PostgresRoleStore) PermissionsForRoleNames(ctx context.Context, names []string) ([]string, error) {
	query := `
		SELECT DISTINCT rp.permission
		FROM role_permissions rp
		JOIN roles r ON r.id = rp.role_id
		WHERE r.name = ANY($1)
		ORDER BY rp.permission
	`
	return s.queryPermissions(ctx, query, pq.Array(names))
}

func (s *PostgresRoleStore) queryRoles(ctx context.Context, query string, args ...any) ([]*models.Role, error) {
	rows, err := s.q(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query roles: %w", err)
	}
	defer rows.Close()

	var out []*models.Role
	for rows.Next() {
		role, err := scanRole(rows, "query roles")
		if err != nil {
			return nil, err
		}
		out = append(out, role)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate roles: %w", err)
	}
	return out, nil
}

func (s *PostgresRoleStore) queryPermissions(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.q(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query permissions: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan permission: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate permissions: %w", err)
	}
	return out, nil
}

type roleRow interface {
	Scan(dest ...any) error
}

func scanRole(row roleRow, op string) (*models.Role, error) {
	var r models.Role
	var parentID sql.NullString
	err := row.Scan(&r.ID, &r.Name, &r.Description, &parentID, &r.Path, &r.Depth, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, sentinel.ErrNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if parentID.Valid {
		parsed, err := id.ParseRoleID(parentID.String)
		if err != nil {
			return nil, fmt.Errorf("%s: parse parent id: %w", op, err)
		}
		r.ParentID = &parsed
	}
	return &r, nil
}
