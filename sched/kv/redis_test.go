package kv

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisStoreFromClient(client, "test:"), mr
}

func TestRedisStore_GetSetDelete(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Set(ctx, "k", []byte("v"), 0))
	got, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)

	ok, err := store.Delete(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = store.Delete(ctx, "k")
	assert.False(t, ok, "second delete should report false")
}

func TestRedisStore_PrefixIsolation(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	a := NewRedisStoreFromClient(client, "a:")
	b := NewRedisStoreFromClient(client, "b:")
	ctx := context.Background()

	require.NoError(t, a.Set(ctx, "k", []byte("from-a"), 0))
	_, err := b.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound, "prefixes must not leak")
}

func TestRedisStore_ScanReturnsPrefixedPairs(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"b1", "b2"} {
		require.NoError(t, store.Set(ctx, RegistryKey(id), []byte(id), 0))
	}
	require.NoError(t, store.Set(ctx, JobKey("j1"), []byte("job"), 0))

	pairs, err := store.Scan(ctx, "backends:registry/", 0)
	require.NoError(t, err)
	require.Len(t, pairs, 2)
	for _, p := range pairs {
		// The store prefix is stripped; the namespace prefix is kept.
		assert.Equal(t, RegistryKey(string(p.Value)), p.Key)
	}
}

func TestRedisStore_ScanHonorsLimit(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	for _, k := range []string{"cache/a", "cache/b", "cache/c"} {
		require.NoError(t, store.Set(ctx, k, []byte("v"), 0))
	}
	pairs, err := store.Scan(ctx, "cache/", 2)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(pairs), 2)
}

func TestRedisStore_TTL(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "expiring", []byte("v"), time.Minute))
	d, err := store.TTL(ctx, "expiring")
	require.NoError(t, err)
	assert.Greater(t, d, time.Duration(0))
	assert.LessOrEqual(t, d, time.Minute)

	require.NoError(t, store.Set(ctx, "forever", []byte("v"), 0))
	d, err = store.TTL(ctx, "forever")
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), d)

	_, err = store.TTL(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	// Expiry actually removes the key.
	mr.FastForward(2 * time.Minute)
	_, err = store.Get(ctx, "expiring")
	assert.ErrorIs(t, err, ErrNotFound)
}
