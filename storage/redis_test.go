package storage

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/flowcore/types"
)

// redisOptions assumes Redis is running locally; tests skip otherwise.
func redisOptions() RedisOptions {
	return RedisOptions{
		Addr:         "localhost:6379",
		PoolSize:     10,
		MinIdleConns: 2,
		IdleTimeout:  5 * time.Minute,
		Namespace:    "flowcore-test-" + uuid.NewString(),
	}
}

func newTestRedis(t *testing.T) *RedisStorage {
	t.Helper()
	store, err := NewRedisStorage(redisOptions())
	if err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	t.Cleanup(func() {
		ctx := context.Background()
		keys, _ := store.client.Keys(ctx, store.ns+":*").Result()
		if len(keys) > 0 {
			store.client.Del(ctx, keys...)
		}
		_ = store.Close()
	})
	return store
}

func TestRedisStorage(t *testing.T) {
	runStorageSuite(t, func(t *testing.T) Storage { return newTestRedis(t) })
}

func TestNewRedisStorage_BadAddr(t *testing.T) {
	opts := redisOptions()
	opts.Addr = "invalid:6379"
	_, err := NewRedisStorage(opts)
	assert.Error(t, err)
}

func TestGetFromRedis(t *testing.T) {
	store := newTestRedis(t)
	ctx := context.Background()
	require.NoError(t, store.SaveDefinition(ctx, newDefinition("wf", 1, "fp")))

	t.Run("Found", func(t *testing.T) {
		def, err := getFromRedis[types.Definition](ctx, store.client, store.definitionKey("wf", 1))
		require.NoError(t, err)
		assert.Equal(t, "fp", def.Fingerprint)
	})

	t.Run("NotFound", func(t *testing.T) {
		_, err := getFromRedis[types.Definition](ctx, store.client, store.definitionKey("wf", 2))
		assert.ErrorIs(t, err, types.ErrNotFound)
	})

	t.Run("CanceledContext", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := getFromRedis[types.Definition](ctx, store.client, store.definitionKey("wf", 1))
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestRedisStorage_Close(t *testing.T) {
	store, err := NewRedisStorage(redisOptions())
	if err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	require.NoError(t, store.Close())

	err = store.AppendHistory(context.Background(), types.HistoryEntry{InstanceID: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "closed")
}
