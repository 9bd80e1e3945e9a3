package users

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/atlas-admin/atlas-admin/internal/rbac"
	"github.com/atlas-admin/atlas-admin/internal/shared"
)

// RepositoryPort defines data access methods for users.
type RepositoryPort interface {
	ListUsers(ctx context.Context, filter ListFilter) ([]User, int, error)
	GetUser(ctx context.Context, id string) (User, error)
	CreateUser(ctx context.Context, email, name, passwordHash string, roleID *int64) (User, error)
	UpdateUser(ctx context.Context, id, email, name string, isActive bool) (User, error)
	DeleteUser(ctx context.Context, id string) error
	AssignRole(ctx context.Context, userID string, roleID *int64) error
}

// Notifier tells a user their access changed. Implemented by the jobs client
// so the email leaves through the worker, not the request path.
type Notifier interface {
	NotifyAccessChanged(ctx context.Context, userID, email, roleName string) error
}

// Service handles user management logic. Role assignment is the one mutation
// here that changes what a user may do, so it drops that user's cached
// permission context on its success path.
type Service struct {
	repo     RepositoryPort
	loader   *rbac.Loader
	notifier Notifier
	audit    *shared.AuditLogger
	logger   *slog.Logger
}

// NewService builds Service instance. notifier and audit may be nil.
func NewService(repo RepositoryPort, loader *rbac.Loader, notifier Notifier, audit *shared.AuditLogger, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, loader: loader, notifier: notifier, audit: audit, logger: logger}
}

// ListUsers returns a page of users and pagination metadata.
func (s *Service) ListUsers(ctx context.Context, filter ListFilter) ([]User, shared.Pagination, error) {
	users, total, err := s.repo.ListUsers(ctx, filter)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return users, shared.NewPagination(filter.Page, filter.PerPage, total), nil
}

// GetUser fetches one user.
func (s *Service) GetUser(ctx context.Context, id string) (User, error) {
	return s.repo.GetUser(ctx, id)
}

// CreateUser registers an account with a bcrypt-hashed password.
func (s *Service) CreateUser(ctx context.Context, actorID, email, name, password string, roleID *int64) (User, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	name = strings.TrimSpace(name)
	if email == "" || password == "" {
		return User{}, errors.New("users: email and password required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return User{}, err
	}
	user, err := s.repo.CreateUser(ctx, email, name, string(hash), roleID)
	if err != nil {
		return User{}, err
	}
	s.recordAudit(ctx, actorID, "user.create", user.ID, nil)
	return user, nil
}

// UpdateUser changes profile fields.
func (s *Service) UpdateUser(ctx context.Context, actorID, id, email, name string, isActive bool) (User, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	user, err := s.repo.UpdateUser(ctx, id, email, strings.TrimSpace(name), isActive)
	if err != nil {
		return User{}, err
	}
	s.recordAudit(ctx, actorID, "user.update", id, map[string]any{"is_active": isActive})
	return user, nil
}

// DeleteUser removes the account and drops its cached permission context.
func (s *Service) DeleteUser(ctx context.Context, actorID, id string) error {
	if err := s.repo.DeleteUser(ctx, id); err != nil {
		return err
	}
	s.loader.InvalidateUser(id)
	s.recordAudit(ctx, actorID, "user.delete", id, nil)
	return nil
}

// AssignRole sets or clears the user's role. The user's cached context is
// dropped immediately; the next request resolves the new grants. The
// notification email is best-effort.
func (s *Service) AssignRole(ctx context.Context, actorID, userID string, roleID *int64) (User, error) {
	if err := s.repo.AssignRole(ctx, userID, roleID); err != nil {
		return User{}, err
	}
	s.loader.InvalidateUser(userID)

	user, err := s.repo.GetUser(ctx, userID)
	if err != nil {
		return User{}, err
	}
	s.recordAudit(ctx, actorID, "user.assign_role", userID, map[string]any{"role_id": roleID})
	if s.notifier != nil {
		if err := s.notifier.NotifyAccessChanged(ctx, user.ID, user.Email, user.RoleName); err != nil {
			s.logger.Warn("access change notification failed",
				slog.String("user_id", userID), slog.Any("error", err))
		}
	}
	return user, nil
}

func (s *Service) recordAudit(ctx context.Context, actorID, action, entityID string, meta map[string]any) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "user",
		EntityID: entityID,
		Meta:     meta,
	})
	if err != nil {
		s.logger.Warn("audit record failed", slog.String("action", action), slog.Any("error", err))
	}
}
