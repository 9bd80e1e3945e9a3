package users

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const userColumns = `u.id, u.email, u.name, u.is_active, u.role_id, COALESCE(r.name, ''), u.created_at, u.updated_at`

func scanUser(row pgx.Row) (User, error) {
	var user User
	err := row.Scan(&user.ID, &user.Email, &user.Name, &user.IsActive, &user.RoleID, &user.RoleName, &user.CreatedAt, &user.UpdatedAt)
	return user, err
}

// ListUsers returns a page of users with the total match count.
func (r *Repository) ListUsers(ctx context.Context, filter ListFilter) ([]User, int, error) {
	where := []string{"TRUE"}
	args := []any{}
	if s := strings.TrimSpace(filter.Search); s != "" {
		args = append(args, "%"+strings.ToLower(s)+"%")
		where = append(where, fmt.Sprintf("(lower(u.email) LIKE $%d OR lower(u.name) LIKE $%d)", len(args), len(args)))
	}
	if filter.RoleID != nil {
		args = append(args, *filter.RoleID)
		where = append(where, fmt.Sprintf("u.role_id = $%d", len(args)))
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM users u WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	perPage := filter.PerPage
	if perPage <= 0 {
		perPage = 20
	}
	page := filter.Page
	if page <= 0 {
		page = 1
	}
	args = append(args, perPage, (page-1)*perPage)
	query := fmt.Sprintf(`
SELECT %s
FROM users u
LEFT JOIN roles r ON r.id = u.role_id
WHERE %s
ORDER BY u.created_at DESC, u.id
LIMIT $%d OFFSET $%d`, userColumns, cond, len(args)-1, len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, user)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

// GetUser fetches one user by ID.
func (r *Repository) GetUser(ctx context.Context, id string) (User, error) {
	row := r.pool.QueryRow(ctx, fmt.Sprintf(`
SELECT %s
FROM users u
LEFT JOIN roles r ON r.id = u.role_id
WHERE u.id = $1::uuid`, userColumns), id)
	user, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, ErrNotFound
	}
	return user, err
}

// CreateUser inserts an account with a pre-hashed password.
func (r *Repository) CreateUser(ctx context.Context, email, name, passwordHash string, roleID *int64) (User, error) {
	row := r.pool.QueryRow(ctx, `
INSERT INTO users (id, email, name, password_hash, is_active, role_id, created_at, updated_at)
VALUES (gen_random_uuid(), $1, $2, $3, TRUE, $4, NOW(), NOW())
RETURNING id, email, name, is_active, role_id, '', created_at, updated_at`,
		email, name, passwordHash, roleID)
	user, err := scanUser(row)
	if isUniqueViolation(err) {
		return User{}, ErrEmailTaken
	}
	return user, err
}

// UpdateUser changes profile fields and the active flag.
func (r *Repository) UpdateUser(ctx context.Context, id, email, name string, isActive bool) (User, error) {
	row := r.pool.QueryRow(ctx, `
UPDATE users
SET email = $2, name = $3, is_active = $4, updated_at = NOW()
WHERE id = $1::uuid
RETURNING id, email, name, is_active, role_id, '', created_at, updated_at`,
		id, email, name, isActive)
	user, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if isUniqueViolation(err) {
		return User{}, ErrEmailTaken
	}
	return user, err
}

// DeleteUser removes the account and its session audit rows.
func (r *Repository) DeleteUser(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM users WHERE id = $1::uuid`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AssignRole sets or clears (nil) the user's role.
func (r *Repository) AssignRole(ctx context.Context, userID string, roleID *int64) error {
	tag, err := r.pool.Exec(ctx, `
UPDATE users SET role_id = $2, updated_at = NOW() WHERE id = $1::uuid`, userID, roleID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
