// Package rbac implements the permission model used across the admin
// backend: a catalog of permission identifiers, roles grouping them, a
// cache-backed loader resolving a user's effective permissions, and a pure
// checker shared by the server and client enforcement surfaces.
package rbac

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Permission is a single capability identifier in UPPERCASE_WITH_UNDERSCORES
// form. The catalog is open-ended: any string matching the format is valid,
// not only the baseline constants below, because administrators create
// permissions at runtime.
type Permission = string

// Baseline permission catalog. Seeded by scripts/seed; runtime-created
// permissions extend this set without a deploy.
const (
	PermUserCreate    Permission = "USER_CREATE"
	PermUserViewOwn   Permission = "USER_VIEW_OWN"
	PermUserViewAny   Permission = "USER_VIEW_ANY"
	PermUserUpdateOwn Permission = "USER_UPDATE_OWN"
	PermUserUpdateAny Permission = "USER_UPDATE_ANY"
	PermUserDeleteAny Permission = "USER_DELETE_ANY"

	PermContentCreate    Permission = "CONTENT_CREATE"
	PermContentViewOwn   Permission = "CONTENT_VIEW_OWN"
	PermContentViewAny   Permission = "CONTENT_VIEW_ANY"
	PermContentUpdateOwn Permission = "CONTENT_UPDATE_OWN"
	PermContentUpdateAny Permission = "CONTENT_UPDATE_ANY"
	PermContentDeleteOwn Permission = "CONTENT_DELETE_OWN"
	PermContentDeleteAny Permission = "CONTENT_DELETE_ANY"

	PermRoleView         Permission = "ROLE_VIEW"
	PermRoleManage       Permission = "ROLE_MANAGE"
	PermPermissionView   Permission = "PERMISSION_VIEW"
	PermPermissionManage Permission = "PERMISSION_MANAGE"

	PermDashboardView Permission = "DASHBOARD_VIEW"

	PermAdminPanelAccess Permission = "ADMIN_PANEL_ACCESS"
)

const (
	// OwnSuffix marks permissions scoped to resources the caller owns.
	OwnSuffix = "_OWN"
	// AnySuffix marks permissions scoped to all resources of a type.
	AnySuffix = "_ANY"
	// AdminPrefix is reserved for administrative permissions; holding any
	// permission with this prefix marks the user as admin-like in UIs.
	AdminPrefix = "ADMIN_"
)

var permissionFormat = regexp.MustCompile(`^[A-Z_0-9]+$`)

// IsValidPermission reports whether name matches the permission identifier
// format.
func IsValidPermission(name string) bool {
	return name != "" && permissionFormat.MatchString(name)
}

// IsOwnPermission reports whether the permission is owner-scoped.
func IsOwnPermission(p Permission) bool {
	return strings.HasSuffix(p, OwnSuffix)
}

// IsAnyPermission reports whether the permission is any-resource scoped.
func IsAnyPermission(p Permission) bool {
	return strings.HasSuffix(p, AnySuffix)
}

// siblingAny derives the conventional _ANY counterpart of an _OWN permission.
func siblingAny(own Permission) Permission {
	return strings.TrimSuffix(own, OwnSuffix) + AnySuffix
}

// PairRegistry maps _OWN permissions to the _ANY permission that escalates
// over them. Escalation is one-directional: holding the _ANY member implies
// the _OWN member, never the reverse. An _OWN permission absent from the
// registry is checked literally.
type PairRegistry struct {
	mu       sync.RWMutex
	ownToAny map[Permission]Permission
}

// NewPairRegistry returns a registry seeded with the baseline OWN/ANY pairs.
func NewPairRegistry() *PairRegistry {
	r := &PairRegistry{ownToAny: make(map[Permission]Permission)}
	for _, own := range []Permission{
		PermUserViewOwn,
		PermUserUpdateOwn,
		PermContentViewOwn,
		PermContentUpdateOwn,
		PermContentDeleteOwn,
	} {
		r.ownToAny[own] = siblingAny(own)
	}
	return r
}

// Register adds an OWN→ANY escalation pair. Both names must be valid and
// carry the matching suffixes.
func (r *PairRegistry) Register(own, any Permission) error {
	if !IsValidPermission(own) || !IsValidPermission(any) {
		return fmt.Errorf("rbac: invalid permission pair %q/%q", own, any)
	}
	if !IsOwnPermission(own) {
		return fmt.Errorf("rbac: %q does not end in %s", own, OwnSuffix)
	}
	if !IsAnyPermission(any) {
		return fmt.Errorf("rbac: %q does not end in %s", any, AnySuffix)
	}
	r.mu.Lock()
	r.ownToAny[own] = any
	r.mu.Unlock()
	return nil
}

// RegisterByConvention registers the pair derived from name by suffix swap
// when name is an _OWN or _ANY permission and both siblings exist according
// to exists. Returns true when a pair was registered.
func (r *PairRegistry) RegisterByConvention(name Permission, exists func(Permission) bool) bool {
	var own, any Permission
	switch {
	case IsOwnPermission(name):
		own, any = name, siblingAny(name)
	case IsAnyPermission(name):
		own, any = strings.TrimSuffix(name, AnySuffix)+OwnSuffix, name
	default:
		return false
	}
	if exists == nil || !exists(own) || !exists(any) {
		return false
	}
	return r.Register(own, any) == nil
}

// AnyFor returns the registered _ANY counterpart for an _OWN permission.
func (r *PairRegistry) AnyFor(own Permission) (Permission, bool) {
	r.mu.RLock()
	any, ok := r.ownToAny[own]
	r.mu.RUnlock()
	return any, ok
}

// Pairs returns a copy of the registered OWN→ANY mapping.
func (r *PairRegistry) Pairs() map[Permission]Permission {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[Permission]Permission, len(r.ownToAny))
	for own, any := range r.ownToAny {
		out[own] = any
	}
	return out
}

// UserPermissionsContext is the resolved, cacheable snapshot of a user's role
// and permissions. It is replaced, never mutated in place, whenever the
// user's role assignment or the role's permission set changes.
type UserPermissionsContext struct {
	UserID      string       `json:"userId"`
	RoleID      string       `json:"roleId"`
	RoleName    string       `json:"roleName"`
	Permissions []Permission `json:"permissions"`
	LoadedAt    time.Time    `json:"loadedAt"`
}

// EmptyContext is the canonical context for a user with no valid role. It
// means "no access", not an error.
func EmptyContext(userID string) UserPermissionsContext {
	return UserPermissionsContext{
		UserID:      userID,
		Permissions: []Permission{},
		LoadedAt:    time.Now().UTC(),
	}
}

// Has reports whether the context holds the permission verbatim, with no
// scope escalation applied.
func (c *UserPermissionsContext) Has(p Permission) bool {
	if c == nil {
		return false
	}
	for _, held := range c.Permissions {
		if held == p {
			return true
		}
	}
	return false
}

// PermissionCheckResult carries the outcome of a single check. Constructed
// fresh per call, never persisted.
type PermissionCheckResult struct {
	Allowed   bool       `json:"allowed"`
	GrantedBy Permission `json:"grantedBy,omitempty"`
	Reason    string     `json:"reason,omitempty"`
}

// CheckOptions tunes a permission check. CurrentUserID and ResourceOwnerID
// enable the ownership gate for _OWN permissions; both must be supplied or
// ownership is never assumed. Strict switches the combination from any-of
// (OR) to all-of (AND).
type CheckOptions struct {
	CurrentUserID   string
	ResourceOwnerID string
	Strict          bool
}

// Role is a named, reusable set of permissions assigned to users.
type Role struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Permissions []string  `json:"permissions,omitempty"`
	UserCount   int64     `json:"userCount,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// PermissionRecord is the administrative view of a catalog entry.
type PermissionRecord struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Category    string    `json:"category"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// ErrNotFound indicates that the requested role or permission record does not
// exist. The loader's "user with no role" case is not this error; it resolves
// to the empty context instead.
var ErrNotFound = errors.New("rbac: not found")

// ErrDuplicateName indicates a role or permission name collision.
var ErrDuplicateName = errors.New("rbac: name already in use")

// InUseError blocks deletion of a role or permission record that is still
// referenced, carrying the current usage count for the caller's messaging.
type InUseError struct {
	Entity string
	Count  int64
}

func (e *InUseError) Error() string {
	return fmt.Sprintf("rbac: %s is in use by %d reference(s)", e.Entity, e.Count)
}
