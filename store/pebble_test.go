package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPebbleStore(t *testing.T) *PebbleStore[RetainedRecord] {
	t.Helper()
	s, err := NewPebbleStore[RetainedRecord](PebbleStoreConfig{
		Path:   filepath.Join(t.TempDir(), "retained"),
		Prefix: "retained:",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPebbleStoreSaveLoadRoundTrip(t *testing.T) {
	s := newTestPebbleStore(t)
	ctx := context.Background()

	rec := record("cfg/x", "v1", 1)
	require.NoError(t, s.Save(ctx, rec.Topic, rec))

	got, err := s.Load(ctx, "cfg/x")
	require.NoError(t, err)
	assert.Equal(t, rec, got)
}

func TestPebbleStoreLoadMissingKey(t *testing.T) {
	s := newTestPebbleStore(t)

	_, err := s.Load(context.Background(), "no/such/topic")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPebbleStoreDeleteAndExists(t *testing.T) {
	s := newTestPebbleStore(t)
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

func TestPebbleStoreListAndCount(t *testing.T) {
	s := newTestPebbleStore(t)
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

func TestPebbleStorePersistsAcrossReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "retained")
	ctx := context.Background()

	s, err := NewPebbleStore[RetainedRecord](PebbleStoreConfig{Path: dir})
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, "cfg/x", record("cfg/x", "survives", 1)))
	require.NoError(t, s.Close())

	reopened, err := NewPebbleStore[RetainedRecord](PebbleStoreConfig{Path: dir})
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Load(ctx, "cfg/x")
	require.NoError(t, err)
	assert.Equal(t, []byte("survives"), got.Payload)
	assert.Equal(t, byte(1), got.QoS)
}

func TestPebbleStoreClosed(t *testing.T) {
	s, err := NewPebbleStore[RetainedRecord](PebbleStoreConfig{
		Path: filepath.Join(t.TempDir(), "retained"),
	})
	require.NoError(t, err)
	require.NoError(t, s.Close())
	ctx := context.Background()

	assert.ErrorIs(t, s.Save(ctx, "cfg/x", record("cfg/x", "v1", 0)), ErrStoreClosed)
	_, err = s.Load(ctx, "cfg/x")
	assert.ErrorIs(t, err, ErrStoreClosed)
	assert.ErrorIs(t, s.Close(), ErrStoreClosed)
}

func TestPebbleStoreCanceledContext(t *testing.T) {
	s := newTestPebbleStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Error(t, s.Save(ctx, "cfg/x", record("cfg/x", "v1", 0)))
	_, err := s.List(ctx)
	assert.Error(t, err)
}
