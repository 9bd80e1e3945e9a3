package rbac

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atlas-admin/atlas-admin/internal/platform/db"
)

// Repository provides PostgreSQL backed persistence for the rbac module: the
// loader's Store plus the catalog queries used by the admin Service.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ Store = (*Repository)(nil)

// UserGrants loads the role and permission names for one user. An inactive
// or unknown user, or a user without a role, reports Found=false.
func (r *Repository) UserGrants(ctx context.Context, userID string) (Grants, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT r.id::text, r.name, COALESCE(p.name, '')
		FROM users u
		JOIN roles r ON r.id = u.role_id
		LEFT JOIN role_permissions rp ON rp.role_id = r.id
		LEFT JOIN permissions p ON p.id = rp.permission_id
		WHERE u.id = $1::uuid AND u.is_active`, userID)
	if err != nil {
		return Grants{}, err
	}
	defer rows.Close()

	var grants Grants
	for rows.Next() {
		var roleID, roleName, perm string
		if err := rows.Scan(&roleID, &roleName, &perm); err != nil {
			return Grants{}, err
		}
		grants.Found = true
		grants.RoleID = roleID
		grants.RoleName = roleName
		if perm != "" {
			grants.Permissions = append(grants.Permissions, perm)
		}
	}
	if err := rows.Err(); err != nil {
		return Grants{}, err
	}
	return grants, nil
}

// UsersGrants is the batched variant of UserGrants. Users absent from the
// result had no resolvable role.
func (r *Repository) UsersGrants(ctx context.Context, userIDs []string) (map[string]Grants, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT u.id::text, r.id::text, r.name, COALESCE(p.name, '')
		FROM users u
		JOIN roles r ON r.id = u.role_id
		LEFT JOIN role_permissions rp ON rp.role_id = r.id
		LEFT JOIN permissions p ON p.id = rp.permission_id
		WHERE u.id = ANY($1::uuid[]) AND u.is_active`, userIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]Grants, len(userIDs))
	for rows.Next() {
		var userID, roleID, roleName, perm string
		if err := rows.Scan(&userID, &roleID, &roleName, &perm); err != nil {
			return nil, err
		}
		grants := result[userID]
		grants.Found = true
		grants.RoleID = roleID
		grants.RoleName = roleName
		if perm != "" {
			grants.Permissions = append(grants.Permissions, perm)
		}
		result[userID] = grants
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// ListRoles returns all roles ordered by name, with user counts.
func (r *Repository) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT r.id, r.name, r.description, r.created_at, r.updated_at,
		       (SELECT COUNT(*) FROM users u WHERE u.role_id = r.id) AS user_count
		FROM roles r
		ORDER BY r.name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []Role
	for rows.Next() {
		var role Role
		if err := rows.Scan(&role.ID, &role.Name, &role.Description, &role.CreatedAt, &role.UpdatedAt, &role.UserCount); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

// GetRole fetches a role by ID.
func (r *Repository) GetRole(ctx context.Context, id int64) (Role, error) {
	var role Role
	err := r.pool.QueryRow(ctx, `
		SELECT id, name, description, created_at, updated_at
		FROM roles WHERE id = $1`, id).
		Scan(&role.ID, &role.Name, &role.Description, &role.CreatedAt, &role.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Role{}, ErrNotFound
	}
	if err != nil {
		return Role{}, err
	}
	return role, nil
}

// CreateRole inserts a new role.
func (r *Repository) CreateRole(ctx context.Context, name, description string) (Role, error) {
	var role Role
	err := r.pool.QueryRow(ctx, `
		INSERT INTO roles (name, description, created_at, updated_at)
		VALUES ($1, $2, NOW(), NOW())
		RETURNING id, name, description, created_at, updated_at`, name, description).
		Scan(&role.ID, &role.Name, &role.Description, &role.CreatedAt, &role.UpdatedAt)
	if isUniqueViolation(err) {
		return Role{}, ErrDuplicateName
	}
	if err != nil {
		return Role{}, err
	}
	return role, nil
}

// UpdateRole updates name and description of an existing role.
func (r *Repository) UpdateRole(ctx context.Context, id int64, name, description string) (Role, error) {
	var role Role
	err := r.pool.QueryRow(ctx, `
		UPDATE roles SET name = $2, description = $3, updated_at = NOW()
		WHERE id = $1
		RETURNING id, name, description, created_at, updated_at`, id, name, description).
		Scan(&role.ID, &role.Name, &role.Description, &role.CreatedAt, &role.UpdatedAt)
	if isUniqueViolation(err) {
		return Role{}, ErrDuplicateName
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return Role{}, ErrNotFound
	}
	if err != nil {
		return Role{}, err
	}
	return role, nil
}

// DeleteRole removes a role by ID.
func (r *Repository) DeleteRole(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM roles WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CountUsersWithRole reports how many users reference the role.
func (r *Repository) CountUsersWithRole(ctx context.Context, roleID int64) (int64, error) {
	var count int64
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM users WHERE role_id = $1`, roleID).Scan(&count)
	return count, err
}

// ListPermissions returns catalog entries ordered by category then name,
// optionally filtered to one category.
func (r *Repository) ListPermissions(ctx context.Context, category string) ([]PermissionRecord, error) {
	query := `
		SELECT id, name, category, description, created_at, updated_at
		FROM permissions`
	args := []any{}
	if category != "" {
		query += ` WHERE category = $1`
		args = append(args, category)
	}
	query += ` ORDER BY category, name`
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var perms []PermissionRecord
	for rows.Next() {
		var p PermissionRecord
		if err := rows.Scan(&p.ID, &p.Name, &p.Category, &p.Description, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

// GetPermission fetches a catalog entry by ID.
func (r *Repository) GetPermission(ctx context.Context, id int64) (PermissionRecord, error) {
	var p PermissionRecord
	err := r.pool.QueryRow(ctx, `
		SELECT id, name, category, description, created_at, updated_at
		FROM permissions WHERE id = $1`, id).
		Scan(&p.ID, &p.Name, &p.Category, &p.Description, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return PermissionRecord{}, ErrNotFound
	}
	if err != nil {
		return PermissionRecord{}, err
	}
	return p, nil
}

// PermissionNameExists reports whether a catalog entry with the name exists.
func (r *Repository) PermissionNameExists(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM permissions WHERE name = $1)`, name).Scan(&exists)
	return exists, err
}

// CreatePermission inserts a catalog entry.
func (r *Repository) CreatePermission(ctx context.Context, name, category, description string) (PermissionRecord, error) {
	var p PermissionRecord
	err := r.pool.QueryRow(ctx, `
		INSERT INTO permissions (name, category, description, created_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW())
		RETURNING id, name, category, description, created_at, updated_at`, name, category, description).
		Scan(&p.ID, &p.Name, &p.Category, &p.Description, &p.CreatedAt, &p.UpdatedAt)
	if isUniqueViolation(err) {
		return PermissionRecord{}, ErrDuplicateName
	}
	if err != nil {
		return PermissionRecord{}, err
	}
	return p, nil
}

// UpdatePermission updates a catalog entry.
func (r *Repository) UpdatePermission(ctx context.Context, id int64, name, category, description string) (PermissionRecord, error) {
	var p PermissionRecord
	err := r.pool.QueryRow(ctx, `
		UPDATE permissions SET name = $2, category = $3, description = $4, updated_at = NOW()
		WHERE id = $1
		RETURNING id, name, category, description, created_at, updated_at`, id, name, category, description).
		Scan(&p.ID, &p.Name, &p.Category, &p.Description, &p.CreatedAt, &p.UpdatedAt)
	if isUniqueViolation(err) {
		return PermissionRecord{}, ErrDuplicateName
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return PermissionRecord{}, ErrNotFound
	}
	if err != nil {
		return PermissionRecord{}, err
	}
	return p, nil
}

// DeletePermission removes a catalog entry.
func (r *Repository) DeletePermission(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM permissions WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CountRolesWithPermission reports how many roles hold the permission.
func (r *Repository) CountRolesWithPermission(ctx context.Context, permissionID int64) (int64, error) {
	var count int64
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM role_permissions WHERE permission_id = $1`, permissionID).Scan(&count)
	return count, err
}

// ListRolePermissionIDs returns the IDs of permissions attached to a role.
func (r *Repository) ListRolePermissionIDs(ctx context.Context, roleID int64) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `SELECT permission_id FROM role_permissions WHERE role_id = $1`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListRolePermissionNames returns the permission names attached to a role.
func (r *Repository) ListRolePermissionNames(ctx context.Context, roleID int64) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT p.name FROM role_permissions rp
		JOIN permissions p ON p.id = rp.permission_id
		WHERE rp.role_id = $1
		ORDER BY p.name`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// ApplyRolePermissionDiff attaches and detaches grants in one transaction so
// concurrent readers never observe a half-applied permission set.
func (r *Repository) ApplyRolePermissionDiff(ctx context.Context, roleID int64, attach, detach []int64) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if len(attach) > 0 {
			_, err := tx.Exec(ctx, `
				INSERT INTO role_permissions (role_id, permission_id, created_at)
				SELECT $1, unnest($2::bigint[]), NOW()
				ON CONFLICT DO NOTHING`, roleID, attach)
			if err != nil {
				return err
			}
		}
		if len(detach) > 0 {
			_, err := tx.Exec(ctx, `
				DELETE FROM role_permissions
				WHERE role_id = $1 AND permission_id = ANY($2::bigint[])`, roleID, detach)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// isUniqueViolation reports whether err is a postgres unique constraint
// violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
