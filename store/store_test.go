package store

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFileStore(t *testing.T) *FileStore {
	t.Helper()
	s, err := NewFileStore(t.TempDir(), 0)
	require.NoError(t, err)
	return s
}

func newTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := NewRedisStore(context.Background(), RedisConfig{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func storeImplementations(t *testing.T) map[string]Store {
	return map[string]Store{
		"file":  newTestFileStore(t),
		"redis": newTestRedisStore(t),
	}
}

func TestStoreContract(t *testing.T) {
	ctx := context.Background()

	for name, s := range storeImplementations(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Load(ctx, Active)
			assert.ErrorIs(t, err, ErrNotFound)

			ok, err := s.Exists(ctx, Active)
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, s.Save(ctx, Active, []byte("model-v1")))
			got, err := s.Load(ctx, Active)
			require.NoError(t, err)
			assert.Equal(t, []byte("model-v1"), got)

			require.NoError(t, s.Save(ctx, Active, []byte("model-v2")))
			got, err = s.Load(ctx, Active)
			require.NoError(t, err)
			assert.Equal(t, []byte("model-v2"), got)

			ok, err = s.Exists(ctx, Backup)
			require.NoError(t, err)
			assert.False(t, ok, "saving active must not touch backup")

			require.NoError(t, s.Save(ctx, Backup, []byte("model-v1")))
			ok, err = s.Exists(ctx, Backup)
			require.NoError(t, err)
			assert.True(t, ok)

			require.NoError(t, s.Delete(ctx, Backup))
			_, err = s.Load(ctx, Backup)
			assert.ErrorIs(t, err, ErrNotFound)
			require.NoError(t, s.Delete(ctx, Backup))

			got, err = s.Load(ctx, Active)
			require.NoError(t, err)
			assert.Equal(t, []byte("model-v2"), got)
		})
	}
}

func TestStoreRejectsUnknownSlot(t *testing.T) {
	ctx := context.Background()

	for name, s := range storeImplementations(t) {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, s.Save(ctx, Slot("other"), []byte("x")), ErrUnknownSlot)
			_, err := s.Load(ctx, Slot("other"))
			assert.ErrorIs(t, err, ErrUnknownSlot)
			_, err = s.Exists(ctx, Slot(""))
			assert.ErrorIs(t, err, ErrUnknownSlot)
			assert.ErrorIs(t, s.Delete(ctx, Slot("x")), ErrUnknownSlot)
		})
	}
}

func TestFileStoreLeavesNoTempFiles(t *testing.T) {
	s := newTestFileStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, Active, bytes.Repeat([]byte{1}, 1<<16)))
	require.NoError(t, s.Save(ctx, Backup, []byte("b")))

	matches, err := filepath.Glob(filepath.Join(s.Dir(), "*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestFileStoreFailedWriteKeepsPreviousArtifact(t *testing.T) {
	if os.Getuid() == 0 {
		t.Skip("permission checks do not apply to root")
	}

	s := newTestFileStore(t)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, Active, []byte("good")))

	require.NoError(t, os.Chmod(s.Dir(), 0555))
	t.Cleanup(func() { os.Chmod(s.Dir(), 0755) })

	err := s.Save(ctx, Active, []byte("replacement"))
	assert.ErrorIs(t, err, ErrStorage)

	got, err := s.Load(ctx, Active)
	require.NoError(t, err)
	assert.Equal(t, []byte("good"), got)
}

func TestFileStoreConcurrentWritersNeverTear(t *testing.T) {
	s := newTestFileStore(t)
	ctx := context.Background()

	payloads := [][]byte{
		bytes.Repeat([]byte{'a'}, 1<<15),
		bytes.Repeat([]byte{'b'}, 1<<14),
		bytes.Repeat([]byte{'c'}, 1<<13),
	}

	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func(p []byte) {
			defer wg.Done()
			assert.NoError(t, s.Save(ctx, Active, p))
		}(payloads[i%len(payloads)])
	}
	wg.Wait()

	got, err := s.Load(ctx, Active)
	require.NoError(t, err)
	assert.Contains(t, payloads, got)
}

func TestFileStoreCancelledContext(t *testing.T) {
	s := newTestFileStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, s.Save(ctx, Active, []byte("x")), context.Canceled)
	_, err := s.Load(ctx, Active)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewFileStoreRequiresDir(t *testing.T) {
	_, err := NewFileStore("", 0)
	assert.ErrorIs(t, err, ErrStorage)
}

func TestNewRedisStoreUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewRedisStore(context.Background(), RedisConfig{Addr: addr})
	assert.ErrorIs(t, err, ErrStorage)

	_, err = NewRedisStore(context.Background(), RedisConfig{})
	assert.ErrorIs(t, err, ErrStorage)
}

func TestRedisStoreKeyPrefix(t *testing.T) {
	mr := miniredis.RunT(t)
	s, err := NewRedisStore(context.Background(), RedisConfig{Addr: mr.Addr(), KeyPrefix: "test:"})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Save(context.Background(), Backup, []byte("artifact")))
	got, err := mr.Get("test:backup-model")
	require.NoError(t, err)
	assert.Equal(t, "artifact", got)
}
