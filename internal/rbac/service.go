package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// CatalogRepository is the persistence contract for administrative role and
// permission management.
type CatalogRepository interface {
	ListRoles(ctx context.Context) ([]Role, error)
	GetRole(ctx context.Context, id int64) (Role, error)
	CreateRole(ctx context.Context, name, description string) (Role, error)
	UpdateRole(ctx context.Context, id int64, name, description string) (Role, error)
	DeleteRole(ctx context.Context, id int64) error
	CountUsersWithRole(ctx context.Context, roleID int64) (int64, error)

	ListPermissions(ctx context.Context, category string) ([]PermissionRecord, error)
	GetPermission(ctx context.Context, id int64) (PermissionRecord, error)
	PermissionNameExists(ctx context.Context, name string) (bool, error)
	CreatePermission(ctx context.Context, name, category, description string) (PermissionRecord, error)
	UpdatePermission(ctx context.Context, id int64, name, category, description string) (PermissionRecord, error)
	DeletePermission(ctx context.Context, id int64) error
	CountRolesWithPermission(ctx context.Context, permissionID int64) (int64, error)

	ListRolePermissionIDs(ctx context.Context, roleID int64) ([]int64, error)
	ListRolePermissionNames(ctx context.Context, roleID int64) ([]string, error)
	ApplyRolePermissionDiff(ctx context.Context, roleID int64, attach, detach []int64) error
}

// VersionBumper propagates catalog invalidation beyond this process, e.g.
// the dashboard cache's redis version bump.
type VersionBumper interface {
	Bump(ctx context.Context) error
}

// Service orchestrates administrative RBAC mutations. Every
// privilege-affecting write calls the loader's invalidation hooks on its
// success path; that obligation lives here, not in the checker or cache.
type Service struct {
	repo   CatalogRepository
	loader *Loader
	pairs  *PairRegistry
	bumper VersionBumper
	logger *slog.Logger
}

// NewService constructs the catalog service. bumper may be nil when no
// cross-process invalidation channel is configured.
func NewService(repo CatalogRepository, loader *Loader, pairs *PairRegistry, bumper VersionBumper, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, loader: loader, pairs: pairs, bumper: bumper, logger: logger}
}

// Pairs exposes the escalation registry shared with the enforcement
// surfaces.
func (s *Service) Pairs() *PairRegistry {
	return s.pairs
}

// ListRoles returns all roles with user counts.
func (s *Service) ListRoles(ctx context.Context) ([]Role, error) {
	return s.repo.ListRoles(ctx)
}

// GetRole returns one role including its permission names.
func (s *Service) GetRole(ctx context.Context, id int64) (Role, error) {
	role, err := s.repo.GetRole(ctx, id)
	if err != nil {
		return Role{}, err
	}
	names, err := s.repo.ListRolePermissionNames(ctx, id)
	if err != nil {
		return Role{}, err
	}
	role.Permissions = names
	count, err := s.repo.CountUsersWithRole(ctx, id)
	if err != nil {
		return Role{}, err
	}
	role.UserCount = count
	return role, nil
}

// CreateRole inserts a new role with a unique name.
func (s *Service) CreateRole(ctx context.Context, name, description string) (Role, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Role{}, errors.New("rbac: role name required")
	}
	return s.repo.CreateRole(ctx, name, strings.TrimSpace(description))
}

// UpdateRole renames or re-describes a role. Cached contexts embed the role
// name, so the whole cache is dropped.
func (s *Service) UpdateRole(ctx context.Context, id int64, name, description string) (Role, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Role{}, errors.New("rbac: role name required")
	}
	role, err := s.repo.UpdateRole(ctx, id, name, strings.TrimSpace(description))
	if err != nil {
		return Role{}, err
	}
	s.invalidateAll(ctx)
	return role, nil
}

// DeleteRole removes a role. Deletion is blocked while any user references
// the role; the error carries the current user count.
func (s *Service) DeleteRole(ctx context.Context, id int64) error {
	if _, err := s.repo.GetRole(ctx, id); err != nil {
		return err
	}
	count, err := s.repo.CountUsersWithRole(ctx, id)
	if err != nil {
		return err
	}
	if count > 0 {
		return &InUseError{Entity: "role", Count: count}
	}
	if err := s.repo.DeleteRole(ctx, id); err != nil {
		return err
	}
	s.invalidateAll(ctx)
	return nil
}

// SetRolePermissions replaces a role's permission set with a diff-based
// attach/detach, then drops every cached context.
func (s *Service) SetRolePermissions(ctx context.Context, roleID int64, permissionIDs []int64) error {
	if _, err := s.repo.GetRole(ctx, roleID); err != nil {
		return err
	}
	current, err := s.repo.ListRolePermissionIDs(ctx, roleID)
	if err != nil {
		return err
	}
	existing := make(map[int64]struct{}, len(current))
	for _, id := range current {
		existing[id] = struct{}{}
	}
	keep := make(map[int64]struct{}, len(permissionIDs))
	var attach []int64
	for _, id := range permissionIDs {
		if _, dup := keep[id]; dup {
			continue
		}
		keep[id] = struct{}{}
		if _, ok := existing[id]; !ok {
			attach = append(attach, id)
		}
	}
	var detach []int64
	for id := range existing {
		if _, ok := keep[id]; !ok {
			detach = append(detach, id)
		}
	}
	if len(attach) == 0 && len(detach) == 0 {
		return nil
	}
	if err := s.repo.ApplyRolePermissionDiff(ctx, roleID, attach, detach); err != nil {
		return err
	}
	s.invalidateAll(ctx)
	return nil
}

// ListPermissions returns catalog entries, optionally filtered by category.
func (s *Service) ListPermissions(ctx context.Context, category string) ([]PermissionRecord, error) {
	return s.repo.ListPermissions(ctx, category)
}

// CreatePermission inserts a catalog entry. A convention-named _OWN/_ANY
// sibling already present in the catalog registers the pair for scope
// escalation.
func (s *Service) CreatePermission(ctx context.Context, name, category, description string) (PermissionRecord, error) {
	name = strings.TrimSpace(name)
	if !IsValidPermission(name) {
		return PermissionRecord{}, fmt.Errorf("rbac: invalid permission name %q", name)
	}
	record, err := s.repo.CreatePermission(ctx, name, strings.TrimSpace(category), strings.TrimSpace(description))
	if err != nil {
		return PermissionRecord{}, err
	}
	s.registerPair(ctx, record.Name)
	s.invalidateAll(ctx)
	return record, nil
}

// UpdatePermission updates a catalog entry. Renames can affect role grants,
// so the cache is dropped and pairing re-evaluated.
func (s *Service) UpdatePermission(ctx context.Context, id int64, name, category, description string) (PermissionRecord, error) {
	name = strings.TrimSpace(name)
	if !IsValidPermission(name) {
		return PermissionRecord{}, fmt.Errorf("rbac: invalid permission name %q", name)
	}
	record, err := s.repo.UpdatePermission(ctx, id, name, strings.TrimSpace(category), strings.TrimSpace(description))
	if err != nil {
		return PermissionRecord{}, err
	}
	s.registerPair(ctx, record.Name)
	s.invalidateAll(ctx)
	return record, nil
}

// DeletePermission removes a catalog entry. Deletion is blocked while any
// role holds the permission; the error carries the using-role count.
func (s *Service) DeletePermission(ctx context.Context, id int64) error {
	if _, err := s.repo.GetPermission(ctx, id); err != nil {
		return err
	}
	count, err := s.repo.CountRolesWithPermission(ctx, id)
	if err != nil {
		return err
	}
	if count > 0 {
		return &InUseError{Entity: "permission", Count: count}
	}
	if err := s.repo.DeletePermission(ctx, id); err != nil {
		return err
	}
	s.invalidateAll(ctx)
	return nil
}

// RegisterCatalogPairs seeds the escalation registry from the persisted
// catalog, pairing convention-named _OWN/_ANY entries. Called at startup so
// pairs created by earlier deployments survive restarts.
func (s *Service) RegisterCatalogPairs(ctx context.Context) error {
	records, err := s.repo.ListPermissions(ctx, "")
	if err != nil {
		return err
	}
	names := make(map[string]struct{}, len(records))
	for _, record := range records {
		names[record.Name] = struct{}{}
	}
	exists := func(p Permission) bool {
		_, ok := names[p]
		return ok
	}
	for _, record := range records {
		if IsOwnPermission(record.Name) {
			s.pairs.RegisterByConvention(record.Name, exists)
		}
	}
	return nil
}

func (s *Service) registerPair(ctx context.Context, name Permission) {
	exists := func(p Permission) bool {
		ok, err := s.repo.PermissionNameExists(ctx, p)
		if err != nil {
			s.logger.Warn("pair lookup failed", slog.String("permission", p), slog.Any("error", err))
			return false
		}
		return ok
	}
	if s.pairs.RegisterByConvention(name, exists) {
		s.logger.Info("registered permission scope pair", slog.String("permission", name))
	}
}

// invalidateAll drops the local cache and bumps the shared version so other
// processes drop theirs.
func (s *Service) invalidateAll(ctx context.Context) {
	if s.loader != nil {
		s.loader.InvalidateAll()
	}
	if s.bumper != nil {
		if err := s.bumper.Bump(ctx); err != nil {
			s.logger.Warn("catalog version bump failed", slog.Any("error", err))
		}
	}
}
