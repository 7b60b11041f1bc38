package cache

import (
	"context"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func newTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "cache_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStores(t *testing.T) {
	stores := map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
		"redis":  func(t *testing.T) Store { return NewRedisStore(newTestRedis(t), "test:", 0) },
		"sqlite": func(t *testing.T) Store { return newTestSQLite(t) },
	}

	for name, newStore := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)

			t.Run("missing key is not an error", func(t *testing.T) {
				v, ok, err := s.Get(ctx, "absent")
				require.NoError(t, err)
				assert.False(t, ok)
				assert.Nil(t, v)
			})

			t.Run("set then get", func(t *testing.T) {
				require.NoError(t, s.Set(ctx, "k1", []byte("v1")))
				v, ok, err := s.Get(ctx, "k1")
				require.NoError(t, err)
				assert.True(t, ok)
				assert.Equal(t, []byte("v1"), v)
			})

			t.Run("overwrite", func(t *testing.T) {
				require.NoError(t, s.Set(ctx, "k1", []byte("v2")))
				v, _, err := s.Get(ctx, "k1")
				require.NoError(t, err)
				assert.Equal(t, []byte("v2"), v)
			})

			t.Run("iterate visits every entry", func(t *testing.T) {
				require.NoError(t, s.Set(ctx, "k2", []byte("v2")))
				require.NoError(t, s.Set(ctx, "k3", []byte("v3")))

				var keys []string
				require.NoError(t, s.Iterate(ctx, func(key string, value []byte) bool {
					keys = append(keys, key)
					return true
				}))
				sort.Strings(keys)
				assert.Equal(t, []string{"k1", "k2", "k3"}, keys)
			})

			t.Run("iterate stops when visitor returns false", func(t *testing.T) {
				visited := 0
				require.NoError(t, s.Iterate(ctx, func(string, []byte) bool {
					visited++
					return false
				}))
				assert.Equal(t, 1, visited)
			})

			t.Run("remove", func(t *testing.T) {
				require.NoError(t, s.Remove(ctx, "k2"))
				_, ok, err := s.Get(ctx, "k2")
				require.NoError(t, err)
				assert.False(t, ok)
				require.NoError(t, s.Remove(ctx, "never-there"))
			})

			t.Run("clear", func(t *testing.T) {
				require.NoError(t, s.Clear(ctx))
				count := 0
				require.NoError(t, s.Iterate(ctx, func(string, []byte) bool {
					count++
					return true
				}))
				assert.Equal(t, 0, count)
			})
		})
	}
}

func TestRedisStore_PrefixIsolation(t *testing.T) {
	ctx := context.Background()
	client := newTestRedis(t)
	require.NoError(t, client.Set(ctx, "unrelated", "keep", 0).Err())

	s := NewRedisStore(client, "semcache:", time.Hour)
	require.NoError(t, s.Set(ctx, "k", []byte("v")))

	ttl, err := client.TTL(ctx, "semcache:k").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	require.NoError(t, s.Clear(ctx))
	v, err := client.Get(ctx, "unrelated").Result()
	require.NoError(t, err)
	assert.Equal(t, "keep", v)
}

func TestSQLiteStore_Closed(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "closed.db"))
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, _, err = s.Get(context.Background(), "k")
	assert.ErrorIs(t, err, ErrStoreClosed)
}
