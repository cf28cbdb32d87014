package kv

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dmitrijs2005/uploadgate/internal/common"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisStore(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedis(client, "test:"), mr
}

func stores(t *testing.T) map[string]Store {
	r, _ := newRedisStore(t)
	return map[string]Store{
		"memory": NewMemory(),
		"redis":  r,
	}
}

func TestStore_Contract(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := s.Get(ctx, "missing")
			require.ErrorIs(t, err, common.ErrorNotFound)

			require.NoError(t, s.Set(ctx, "a", []byte("1"), 0))
			got, err := s.Get(ctx, "a")
			require.NoError(t, err)
			assert.Equal(t, []byte("1"), got)

			ok, err := s.SetNX(ctx, "a", []byte("2"), 0)
			require.NoError(t, err)
			assert.False(t, ok, "SetNX must not overwrite")

			ok, err = s.SetNX(ctx, "b", []byte("x"), time.Minute)
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = s.CompareAndSwap(ctx, "a", []byte("stale"), []byte("3"), 0)
			require.NoError(t, err)
			assert.False(t, ok)

			ok, err = s.CompareAndSwap(ctx, "a", []byte("1"), []byte("3"), 0)
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = s.CompareAndSwap(ctx, "c", nil, []byte("new"), 0)
			require.NoError(t, err)
			assert.True(t, ok, "nil prev creates an absent key")

			ok, err = s.CompareAndSwap(ctx, "c", nil, []byte("again"), 0)
			require.NoError(t, err)
			assert.False(t, ok, "nil prev fails when key exists")

			keys, err := s.Keys(ctx, "")
			require.NoError(t, err)
			assert.Equal(t, []string{"a", "b", "c"}, keys)

			ok, err = s.CompareAndDelete(ctx, "b", []byte("nope"))
			require.NoError(t, err)
			assert.False(t, ok)

			ok, err = s.CompareAndDelete(ctx, "b", []byte("x"))
			require.NoError(t, err)
			assert.True(t, ok)

			require.NoError(t, s.Delete(ctx, "a"))
			keys, err = s.Keys(ctx, "")
			require.NoError(t, err)
			assert.Equal(t, []string{"c"}, keys)
		})
	}
}

func TestMemory_TTLExpiry(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	m := NewMemory().WithClock(func() time.Time { return now })
	ctx := context.Background()

	ok, err := m.SetNX(ctx, "lock:h", []byte("holder"), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	now = now.Add(59 * time.Second)
	_, err = m.Get(ctx, "lock:h")
	require.NoError(t, err)

	now = now.Add(time.Second)
	_, err = m.Get(ctx, "lock:h")
	require.ErrorIs(t, err, common.ErrorNotFound)

	ok, err = m.SetNX(ctx, "lock:h", []byte("other"), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "expired key must be reclaimable")
}

func TestRedis_TTLExpiry(t *testing.T) {
	s, mr := newRedisStore(t)
	ctx := context.Background()

	ok, err := s.CompareAndSwap(ctx, "lock:h", nil, []byte("holder"), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, mr.Exists("test:lock:h"), "keys are namespaced")

	mr.FastForward(2 * time.Minute)
	_, err = s.Get(ctx, "lock:h")
	require.ErrorIs(t, err, common.ErrorNotFound)
}

func TestRedis_KeysPrefix(t *testing.T) {
	s, _ := newRedisStore(t)
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "breaker:a", []byte("1"), 0))
	require.NoError(t, s.Set(ctx, "breaker:b", []byte("1"), 0))
	require.NoError(t, s.Set(ctx, "lock:x", []byte("1"), 0))

	keys, err := s.Keys(ctx, "breaker:")
	require.NoError(t, err)
	assert.Equal(t, []string{"breaker:a", "breaker:b"}, keys)
}
