//go:build integration

package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func redisAddr() string {
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		return addr
	}
	return "localhost:6379"
}

func newTestRedisStore(t *testing.T, prefix string) *RedisStore[RetainedRecord] {
	t.Helper()

	probe := redis.NewClient(&redis.Options{Addr: redisAddr()})
	if err := probe.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis not reachable at %s: %v", redisAddr(), err)
	}
	probe.Close()

	s, err := NewRedisStore[RetainedRecord](RedisStoreConfig{Addr: redisAddr(), Prefix: prefix})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx := context.Background()
		keys, _ := s.List(ctx)
		for _, key := range keys {
			_ = s.Delete(ctx, key)
		}
		_ = s.Close()
	})
	return s
}

func TestRedisStoreSaveLoadRoundTrip(t *testing.T) {
	s := newTestRedisStore(t, "test:retained:")
	ctx := context.Background()

	rec := record("cfg/x", "v1", 1)
	require.NoError(t, s.Save(ctx, rec.Topic, rec))

	got, err := s.Load(ctx, "cfg/x")
	require.NoError(t, err)
	assert.Equal(t, rec, got)
}

func TestRedisStoreLoadMissingKey(t *testing.T) {
	s := newTestRedisStore(t, "test:retained:")

	_, err := s.Load(context.Background(), "no/such/topic")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStoreDeleteAndExists(t *testing.T) {
	s := newTestRedisStore(t, "test:retained:")
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "cfg/x", record("cfg/x", "v1", 0)))

	ok, err := s.Exists(ctx, "cfg/x")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.Delete(ctx, "cfg/x"))

	ok, err = s.Exists(ctx, "cfg/x")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisStoreListAndCount(t *testing.T) {
	s := newTestRedisStore(t, "test:retained:")
	ctx := context.Background()

	topics := []string{"cfg/x", "cfg/y", "sensor/1/temp"}
	for _, topic := range topics {
		require.NoError(t, s.Save(ctx, topic, record(topic, "v", 0)))
	}

	keys, err := s.List(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, topics, keys)

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

// Two stores on one Redis instance must not see each other's keys when
// configured with distinct prefixes.
func TestRedisStorePrefixIsolation(t *testing.T) {
	a := newTestRedisStore(t, "test:a:")
	b := newTestRedisStore(t, "test:b:")
	ctx := context.Background()

	require.NoError(t, a.Save(ctx, "cfg/x", record("cfg/x", "from-a", 0)))
	require.NoError(t, b.Save(ctx, "cfg/x", record("cfg/x", "from-b", 0)))

	gotA, err := a.Load(ctx, "cfg/x")
	require.NoError(t, err)
	assert.Equal(t, []byte("from-a"), gotA.Payload)

	keysB, err := b.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"cfg/x"}, keysB)
}

func TestRedisStoreTTLExpiresEntries(t *testing.T) {
	probe := redis.NewClient(&redis.Options{Addr: redisAddr()})
	if err := probe.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis not reachable at %s: %v", redisAddr(), err)
	}
	probe.Close()

	s, err := NewRedisStore[RetainedRecord](RedisStoreConfig{
		Addr:   redisAddr(),
		Prefix: "test:ttl:",
		TTL:    time.Second,
	})
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "cfg/x", record("cfg/x", "v1", 0)))
	time.Sleep(1500 * time.Millisecond)

	_, err = s.Load(ctx, "cfg/x")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStoreClosed(t *testing.T) {
	s := newTestRedisStore(t, "test:closed:")
	require.NoError(t, s.Close())
	ctx := context.Background()

	assert.ErrorIs(t, s.Save(ctx, "cfg/x", record("cfg/x", "v1", 0)), ErrStoreClosed)
	_, err := s.Load(ctx, "cfg/x")
	assert.ErrorIs(t, err, ErrStoreClosed)
}

func TestRedisStoreUnreachableAddr(t *testing.T) {
	_, err := NewRedisStore[RetainedRecord](RedisStoreConfig{Addr: "127.0.0.1:1"})
	assert.Error(t, err)
}
