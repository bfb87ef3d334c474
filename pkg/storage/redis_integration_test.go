//go:build integration

package storage_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/illmade-knight/go-roomclient/pkg/storage"
)

// redisAddr points the test at a running Redis server; defaults to a local
// instance.
func redisAddr() string {
	if addr := os.Getenv("REDIS_STORE_TEST_ADDR"); addr != "" {
		return addr
	}
	return "localhost:6379"
}

func TestRedisStore_Integration(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	t.Cleanup(cancel)

	store, err := storage.NewRedisStore(ctx, &storage.RedisConfig{Addr: redisAddr()}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	// Namespace every key so concurrent runs against a shared server cannot
	// collide, and sweep them up afterwards.
	prefix := "roomclient_test_" + uuid.New().String() + "_"
	key := func(suffix string) string { return prefix + suffix }
	t.Cleanup(func() {
		keys, err := store.ListKeys(context.Background(), prefix)
		if err != nil {
			return
		}
		for _, k := range keys {
			_ = store.Remove(context.Background(), k)
		}
	})

	t.Run("Set and Get round-trip", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, key("doc"), []byte("hello world")))

		value, err := store.Get(ctx, key("doc"))
		require.NoError(t, err)
		assert.Equal(t, []byte("hello world"), value)
	})

	t.Run("Get miss maps to ErrNotFound", func(t *testing.T) {
		_, err := store.Get(ctx, key("never-written"))
		require.Error(t, err)
		assert.True(t, errors.Is(err, storage.ErrNotFound), "a Redis nil reply must surface as ErrNotFound")
	})

	t.Run("Remove is idempotent", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, key("victim"), []byte("x")))
		require.NoError(t, store.Remove(ctx, key("victim")))
		require.NoError(t, store.Remove(ctx, key("victim")))

		_, err := store.Get(ctx, key("victim"))
		assert.True(t, errors.Is(err, storage.ErrNotFound))
	})

	t.Run("ListKeys scans only the requested prefix", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, key("room_a"), []byte("a")))
		require.NoError(t, store.Set(ctx, key("room_b"), []byte("b")))
		require.NoError(t, store.Set(ctx, key("profile_x"), []byte("x")))

		keys, err := store.ListKeys(ctx, key("room_"))
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{key("room_a"), key("room_b")}, keys)
	})

	t.Run("TTL expires entries", func(t *testing.T) {
		shortTTL, err := storage.NewRedisStore(ctx, &storage.RedisConfig{
			Addr: redisAddr(),
			TTL:  100 * time.Millisecond,
		}, zerolog.Nop())
		require.NoError(t, err)
		t.Cleanup(func() { _ = shortTTL.Close() })

		require.NoError(t, shortTTL.Set(ctx, key("ephemeral"), []byte("x")))

		// Sleeping is acceptable here: the behavior under test is itself
		// time-based expiry.
		time.Sleep(150 * time.Millisecond)

		_, err = shortTTL.Get(ctx, key("ephemeral"))
		assert.True(t, errors.Is(err, storage.ErrNotFound), "entry must expire after the TTL")
	})
}
