package rbac

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type memoryStore struct {
	mu         sync.Mutex
	grants     map[string]Grants
	userCalls  int64
	bulkCalls  int64
	failSingle error
	delay      time.Duration
}

func newMemoryStore() *memoryStore {
	return &memoryStore{grants: make(map[string]Grants)}
}

func (s *memoryStore) put(userID, roleID, roleName string, perms ...Permission) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grants[userID] = Grants{RoleID: roleID, RoleName: roleName, Permissions: perms, Found: true}
}

func (s *memoryStore) UserGrants(ctx context.Context, userID string) (Grants, error) {
	atomic.AddInt64(&s.userCalls, 1)
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.failSingle != nil {
		return Grants{}, s.failSingle
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.grants[userID], nil
}

func (s *memoryStore) UsersGrants(ctx context.Context, userIDs []string) (map[string]Grants, error) {
	atomic.AddInt64(&s.bulkCalls, 1)
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Grants, len(userIDs))
	for _, id := range userIDs {
		if g, ok := s.grants[id]; ok {
			out[id] = g
		}
	}
	return out, nil
}

func TestLoaderLoadCachesResult(t *testing.T) {
	store := newMemoryStore()
	store.put("u1", "r1", "Editor", PermContentUpdateOwn)
	loader := NewLoader(store, NewContextCache(time.Minute), nil)

	pctx, err := loader.Load(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, "Editor", pctx.RoleName)
	require.Equal(t, []Permission{PermContentUpdateOwn}, pctx.Permissions)

	_, err = loader.Load(context.Background(), "u1")
	require.NoError(t, err)
	require.EqualValues(t, 1, atomic.LoadInt64(&store.userCalls))
}

func TestLoaderRoleLessUserGetsEmptyContext(t *testing.T) {
	store := newMemoryStore()
	loader := NewLoader(store, NewContextCache(time.Minute), nil)

	pctx, err := loader.Load(context.Background(), "ghost")
	require.NoError(t, err)
	require.Equal(t, "ghost", pctx.UserID)
	require.Empty(t, pctx.RoleID)
	require.NotNil(t, pctx.Permissions)
	require.Len(t, pctx.Permissions, 0)
}

func TestLoaderStorageErrorPropagates(t *testing.T) {
	store := newMemoryStore()
	store.failSingle = errors.New("connection refused")
	loader := NewLoader(store, NewContextCache(time.Minute), nil)

	_, err := loader.Load(context.Background(), "u1")
	require.Error(t, err)
	// A failed load must not poison the cache.
	require.Equal(t, 0, loader.Cache().Len())
}

func TestLoaderConcurrentMissesCollapse(t *testing.T) {
	store := newMemoryStore()
	store.put("u1", "r1", "Editor", PermContentUpdateOwn)
	store.delay = 20 * time.Millisecond
	loader := NewLoader(store, NewContextCache(time.Minute), nil)

	const workers = 16
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			_, err := loader.Load(context.Background(), "u1")
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	require.EqualValues(t, 1, atomic.LoadInt64(&store.userCalls))
}

func TestLoaderRefreshBypassesCache(t *testing.T) {
	store := newMemoryStore()
	store.put("u1", "r1", "Editor", PermContentUpdateOwn)
	loader := NewLoader(store, NewContextCache(time.Minute), nil)

	_, err := loader.Load(context.Background(), "u1")
	require.NoError(t, err)

	store.put("u1", "r2", "Admin", PermContentUpdateAny)
	pctx, err := loader.Refresh(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, "Admin", pctx.RoleName)
	require.EqualValues(t, 2, atomic.LoadInt64(&store.userCalls))
}

func TestLoaderLoadMany(t *testing.T) {
	store := newMemoryStore()
	store.put("u1", "r1", "Editor", PermContentUpdateOwn)
	store.put("u2", "r2", "Viewer", PermContentViewAny)
	loader := NewLoader(store, NewContextCache(time.Minute), nil)

	// Prime one entry so the bulk query only covers the misses.
	_, err := loader.Load(context.Background(), "u1")
	require.NoError(t, err)

	result, err := loader.LoadMany(context.Background(), []string{"u1", "u2", "ghost", "u2"})
	require.NoError(t, err)
	require.Len(t, result, 3)
	require.Equal(t, "Editor", result["u1"].RoleName)
	require.Equal(t, "Viewer", result["u2"].RoleName)
	require.Empty(t, result["ghost"].RoleID)

	require.EqualValues(t, 1, atomic.LoadInt64(&store.userCalls))
	require.EqualValues(t, 1, atomic.LoadInt64(&store.bulkCalls))

	// The bulk results were written through to the cache.
	_, err = loader.Load(context.Background(), "u2")
	require.NoError(t, err)
	require.EqualValues(t, 1, atomic.LoadInt64(&store.userCalls))
}

func TestLoaderInvalidateUser(t *testing.T) {
	store := newMemoryStore()
	store.put("u1", "r1", "Viewer", PermContentViewAny)
	loader := NewLoader(store, NewContextCache(time.Minute), nil)

	pctx, err := loader.Load(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, "Viewer", pctx.RoleName)

	// Role reassignment: invalidate, then the next load sees the new grants.
	store.put("u1", "r2", "Editor", PermContentUpdateOwn, PermContentViewAny)
	loader.InvalidateUser("u1")

	pctx, err = loader.Load(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, "Editor", pctx.RoleName)
	require.Contains(t, pctx.Permissions, PermContentUpdateOwn)
}

func TestLoaderInvalidateAll(t *testing.T) {
	store := newMemoryStore()
	store.put("u1", "r1", "Viewer", PermContentViewAny)
	store.put("u2", "r1", "Viewer", PermContentViewAny)
	loader := NewLoader(store, NewContextCache(time.Minute), nil)

	_, err := loader.Load(context.Background(), "u1")
	require.NoError(t, err)
	_, err = loader.Load(context.Background(), "u2")
	require.NoError(t, err)

	loader.InvalidateAll()
	require.Equal(t, 0, loader.Cache().Len())

	_, err = loader.Load(context.Background(), "u1")
	require.NoError(t, err)
	require.EqualValues(t, 3, atomic.LoadInt64(&store.userCalls))
}

type recordingMetrics struct {
	checks []bool
	events []string
}

func (r *recordingMetrics) RecordCheck(allowed bool) { r.checks = append(r.checks, allowed) }

func (r *recordingMetrics) RecordCacheEvent(event string) { r.events = append(r.events, event) }

func TestLoaderRecordsCacheEvents(t *testing.T) {
	store := newMemoryStore()
	store.put("u1", "r1", "Viewer", PermContentViewAny)
	loader := NewLoader(store, NewContextCache(time.Minute), nil)
	metrics := &recordingMetrics{}
	loader.SetMetrics(metrics)

	_, err := loader.Load(context.Background(), "u1")
	require.NoError(t, err)
	_, err = loader.Load(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, []string{"miss", "hit"}, metrics.events)

	loader.InvalidateUser("u1")
	require.Equal(t, "invalidate", metrics.events[len(metrics.events)-1])

	loader.InvalidateAll()
	require.Equal(t, "invalidate_all", metrics.events[len(metrics.events)-1])
}

func TestLoaderLoadManyRecordsCacheEvents(t *testing.T) {
	store := newMemoryStore()
	store.put("u1", "r1", "Viewer", PermContentViewAny)
	store.put("u2", "r1", "Viewer", PermContentViewAny)
	loader := NewLoader(store, NewContextCache(time.Minute), nil)
	metrics := &recordingMetrics{}
	loader.SetMetrics(metrics)

	_, err := loader.Load(context.Background(), "u1")
	require.NoError(t, err)
	metrics.events = nil

	_, err = loader.LoadMany(context.Background(), []string{"u1", "u2"})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"hit", "miss"}, metrics.events)
}
