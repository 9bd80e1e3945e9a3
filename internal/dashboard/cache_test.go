package dashboard

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*Cache, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewCache(client, time.Minute), client
}

func TestCacheVersionInitialises(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	ver, err := cache.Version(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, ver)

	// Stable across reads.
	ver, err = cache.Version(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, ver)
}

func TestCacheBumpChangesKeys(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	before, err := cache.BuildKey(ctx, "dashboard", "stats")
	require.NoError(t, err)

	require.NoError(t, cache.Bump(ctx))

	after, err := cache.BuildKey(ctx, "dashboard", "stats")
	require.NoError(t, err)
	require.NotEqual(t, before, after)
}

func TestCacheFetchJSONPopulatesOnce(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	var loads atomic.Int64
	loader := func(ctx context.Context) (interface{}, error) {
		loads.Add(1)
		return map[string]int{"totalUsers": 7}, nil
	}

	key, err := cache.BuildKey(ctx, "dashboard", "stats")
	require.NoError(t, err)

	var first, second map[string]int
	require.NoError(t, cache.FetchJSON(ctx, key, &first, loader))
	require.NoError(t, cache.FetchJSON(ctx, key, &second, loader))

	require.Equal(t, 7, second["totalUsers"])
	require.EqualValues(t, 1, loads.Load())
}

func TestCacheBumpNotifiesListeners(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bumped := make(chan int64, 1)
	require.NoError(t, cache.ListenForInvalidation(ctx, "", func(ver int64) {
		bumped <- ver
	}))

	// Give the subscriber a moment to attach.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, cache.Bump(context.Background()))

	select {
	case ver := <-bumped:
		require.Greater(t, ver, int64(0))
	case <-time.After(2 * time.Second):
		t.Fatal("bump notification not received")
	}
}

func TestCacheNilSafe(t *testing.T) {
	var cache *Cache
	ctx := context.Background()

	require.NoError(t, cache.Bump(ctx))
	ver, err := cache.Version(ctx)
	require.NoError(t, err)
	require.Zero(t, ver)

	var out map[string]int
	err = cache.FetchJSON(ctx, "key", &out, func(ctx context.Context) (interface{}, error) {
		return map[string]int{"x": 1}, nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, out["x"])
}
