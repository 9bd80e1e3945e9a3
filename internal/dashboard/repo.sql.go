package dashboard

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Stats is the admin landing page summary.
type Stats struct {
	TotalUsers       int64          `json:"totalUsers"`
	ActiveUsers      int64          `json:"activeUsers"`
	TotalRoles       int64          `json:"totalRoles"`
	TotalPermissions int64          `json:"totalPermissions"`
	ActiveSessions   int64          `json:"activeSessions"`
	UsersPerRole     []RoleUsage    `json:"usersPerRole"`
	RecentActivity   []AuditSummary `json:"recentActivity"`
	GeneratedAt      time.Time      `json:"generatedAt"`
}

// RoleUsage counts users per role.
type RoleUsage struct {
	RoleName string `json:"roleName"`
	Count    int64  `json:"count"`
}

// AuditSummary is one recent audit log line.
type AuditSummary struct {
	Action     string    `json:"action"`
	Entity     string    `json:"entity"`
	EntityID   string    `json:"entityId"`
	OccurredAt time.Time `json:"occurredAt"`
}

// Repository reads aggregate figures from PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// CollectStats gathers the dashboard figures in one round per aggregate.
func (r *Repository) CollectStats(ctx context.Context) (Stats, error) {
	stats := Stats{GeneratedAt: time.Now().UTC()}

	row := r.pool.QueryRow(ctx, `
SELECT
  (SELECT COUNT(*) FROM users),
  (SELECT COUNT(*) FROM users WHERE is_active),
  (SELECT COUNT(*) FROM roles),
  (SELECT COUNT(*) FROM permissions),
  (SELECT COUNT(*) FROM sessions WHERE expires_at > NOW())`)
	if err := row.Scan(&stats.TotalUsers, &stats.ActiveUsers, &stats.TotalRoles, &stats.TotalPermissions, &stats.ActiveSessions); err != nil {
		return Stats{}, err
	}

	rows, err := r.pool.Query(ctx, `
SELECT r.name, COUNT(u.id)
FROM roles r
LEFT JOIN users u ON u.role_id = r.id
GROUP BY r.name
ORDER BY COUNT(u.id) DESC, r.name`)
	if err != nil {
		return Stats{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var usage RoleUsage
		if err := rows.Scan(&usage.RoleName, &usage.Count); err != nil {
			return Stats{}, err
		}
		stats.UsersPerRole = append(stats.UsersPerRole, usage)
	}
	if err := rows.Err(); err != nil {
		return Stats{}, err
	}

	auditRows, err := r.pool.Query(ctx, `
SELECT action, entity, entity_id, occurred_at
FROM audit_logs
ORDER BY occurred_at DESC
LIMIT 10`)
	if err != nil {
		return Stats{}, err
	}
	defer auditRows.Close()
	for auditRows.Next() {
		var entry AuditSummary
		if err := auditRows.Scan(&entry.Action, &entry.Entity, &entry.EntityID, &entry.OccurredAt); err != nil {
			return Stats{}, err
		}
		stats.RecentActivity = append(stats.RecentActivity, entry)
	}
	return stats, auditRows.Err()
}
