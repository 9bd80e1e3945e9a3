package rbac

import (
	"context"
	"log/slog"

	"golang.org/x/sync/singleflight"
)

// Grants is the storage-shaped answer to "what can this user do": the user's
// role and that role's permission names. Found is false when the user does
// not exist, is inactive, or has no role; that is not an error.
type Grants struct {
	RoleID      string
	RoleName    string
	Permissions []Permission
	Found       bool
}

// Store resolves grants from persistent storage. Implementations must report
// absence through Grants.Found, reserving errors for genuine storage
// failures.
type Store interface {
	UserGrants(ctx context.Context, userID string) (Grants, error)
	UsersGrants(ctx context.Context, userIDs []string) (map[string]Grants, error)
}

// MetricsRecorder receives authorization decision and cache activity
// signals. observability.Metrics satisfies it; a nil recorder disables
// instrumentation.
type MetricsRecorder interface {
	RecordCheck(allowed bool)
	RecordCacheEvent(event string)
}

// Loader is the sole authority turning a user ID into a
// UserPermissionsContext, and the sole writer of cache invalidation after
// privilege-affecting mutations. Administrative CRUD is contractually
// required to call InvalidateUser after a role reassignment and
// InvalidateAll after any role-definition or catalog change.
type Loader struct {
	store   Store
	cache   *ContextCache
	logger  *slog.Logger
	metrics MetricsRecorder
	group   singleflight.Group
}

// NewLoader constructs a Loader backed by the given store and cache.
func NewLoader(store Store, cache *ContextCache, logger *slog.Logger) *Loader {
	if cache == nil {
		cache = NewContextCache(DefaultCacheTTL)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{store: store, cache: cache, logger: logger}
}

// Cache exposes the server-side cache instance, primarily for housekeeping
// (Cleanup) wiring.
func (l *Loader) Cache() *ContextCache {
	return l.cache
}

// SetMetrics attaches a recorder for cache hit/miss/invalidation counts.
func (l *Loader) SetMetrics(m MetricsRecorder) {
	l.metrics = m
}

func (l *Loader) recordCacheEvent(event string) {
	if l.metrics != nil {
		l.metrics.RecordCacheEvent(event)
	}
}

// Load resolves the permission context for userID, consulting the cache
// first. On a miss it queries storage, writes through to the cache, and
// returns the fresh context. A user with no valid role resolves to the empty
// context; storage failures propagate.
func (l *Loader) Load(ctx context.Context, userID string) (UserPermissionsContext, error) {
	if cached, ok := l.cache.Get(userID); ok {
		l.recordCacheEvent("hit")
		return cached, nil
	}
	l.recordCacheEvent("miss")
	return l.fetch(ctx, userID)
}

// Refresh bypasses the cache and reloads the context from storage.
func (l *Loader) Refresh(ctx context.Context, userID string) (UserPermissionsContext, error) {
	return l.fetch(ctx, userID)
}

// fetch loads from storage, collapsing concurrent misses for the same user
// into one query. Duplicate queries across processes remain acceptable; both
// write the same result.
func (l *Loader) fetch(ctx context.Context, userID string) (UserPermissionsContext, error) {
	value, err, _ := l.group.Do(userID, func() (any, error) {
		grants, err := l.store.UserGrants(ctx, userID)
		if err != nil {
			return UserPermissionsContext{}, err
		}
		pctx := contextFromGrants(userID, grants)
		l.cache.Set(userID, pctx)
		return pctx, nil
	})
	if err != nil {
		return UserPermissionsContext{}, err
	}
	return value.(UserPermissionsContext), nil
}

// LoadMany resolves contexts for a batch of users with a single storage
// query for the cache misses. Every requested user appears in the result;
// users with no role map to the empty context.
func (l *Loader) LoadMany(ctx context.Context, userIDs []string) (map[string]UserPermissionsContext, error) {
	result := make(map[string]UserPermissionsContext, len(userIDs))
	var misses []string
	for _, id := range userIDs {
		if _, seen := result[id]; seen {
			continue
		}
		if cached, ok := l.cache.Get(id); ok {
			l.recordCacheEvent("hit")
			result[id] = cached
			continue
		}
		l.recordCacheEvent("miss")
		misses = append(misses, id)
	}
	if len(misses) == 0 {
		return result, nil
	}

	grants, err := l.store.UsersGrants(ctx, misses)
	if err != nil {
		return nil, err
	}
	for _, id := range misses {
		pctx := contextFromGrants(id, grants[id])
		l.cache.Set(id, pctx)
		result[id] = pctx
	}
	return result, nil
}

// InvalidateUser drops the cached context for one user. Call after changing
// that user's role assignment.
func (l *Loader) InvalidateUser(userID string) {
	l.cache.Invalidate(userID)
	l.recordCacheEvent("invalidate")
}

// InvalidateAll drops every cached context. Call after mutating a role's
// permission set or the permission catalog; such changes are not indexed by
// user ID.
func (l *Loader) InvalidateAll() {
	l.cache.Clear()
	l.recordCacheEvent("invalidate_all")
}

func contextFromGrants(userID string, grants Grants) UserPermissionsContext {
	if !grants.Found {
		return EmptyContext(userID)
	}
	pctx := EmptyContext(userID)
	pctx.RoleID = grants.RoleID
	pctx.RoleName = grants.RoleName
	if len(grants.Permissions) > 0 {
		pctx.Permissions = append([]Permission(nil), grants.Permissions...)
	}
	return pctx
}
