package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultLockTimeout bounds how long a writer waits for the directory lock.
const DefaultLockTimeout = 30 * time.Second

const (
	artifactExt  = ".model"
	lockFileName = ".slots.lock"
)

// FileStore keeps each slot in its own file under dir. Writes go to a temp
// file that is renamed over the slot, so readers never see a partial artifact.
type FileStore struct {
	dir         string
	lockTimeout time.Duration

	// mu orders in-process readers and writers; the file lock covers other
	// processes sharing dir.
	mu sync.RWMutex
}

var _ Store = (*FileStore)(nil)

func NewFileStore(dir string, lockTimeout time.Duration) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("%w: empty data directory", ErrStorage)
	}
	if lockTimeout <= 0 {
		lockTimeout = DefaultLockTimeout
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("%w: create %s: %v", ErrStorage, dir, err)
	}
	return &FileStore{dir: dir, lockTimeout: lockTimeout}, nil
}

func (s *FileStore) Dir() string {
	return s.dir
}

func (s *FileStore) path(slot Slot) string {
	return filepath.Join(s.dir, string(slot)+artifactExt)
}

func (s *FileStore) Save(ctx context.Context, slot Slot, artifact []byte) error {
	if err := slot.validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	lock, err := newFileLock(filepath.Join(s.dir, lockFileName), s.lockTimeout)
	if err != nil {
		return fmt.Errorf("%w: create lock: %v", ErrStorage, err)
	}
	if err := lock.Lock(ctx); err != nil {
		lock.Unlock()
		return fmt.Errorf("%w: acquire lock: %v", ErrStorage, err)
	}
	defer lock.Unlock()

	if err := s.atomicWrite(s.path(slot), artifact); err != nil {
		return err
	}

	log.Debug().Str("slot", string(slot)).Int("bytes", len(artifact)).Msg("model artifact saved")
	return nil
}

func (s *FileStore) atomicWrite(path string, data []byte) error {
	tmp, err := os.CreateTemp(s.dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("%w: create temp file: %v", ErrStorage, err)
	}
	tmpPath := tmp.Name()

	cleanup := func() {
		tmp.Close()
		os.Remove(tmpPath)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("%w: write temp file: %v", ErrStorage, err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("%w: sync temp file: %v", ErrStorage, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: close temp file: %v", ErrStorage, err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: rename temp file: %v", ErrStorage, err)
	}
	return nil
}

func (s *FileStore) Load(ctx context.Context, slot Slot) ([]byte, error) {
	if err := slot.validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.path(slot))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, slot)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrStorage, slot, err)
	}
	return data, nil
}

func (s *FileStore) Exists(ctx context.Context, slot Slot) (bool, error) {
	if err := slot.validate(); err != nil {
		return false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	_, err := os.Stat(s.path(slot))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: stat %s: %v", ErrStorage, slot, err)
	}
	return true, nil
}

func (s *FileStore) Delete(ctx context.Context, slot Slot) error {
	if err := slot.validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path(slot)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: remove %s: %v", ErrStorage, slot, err)
	}
	return nil
}

func (s *FileStore) Close() error {
	return nil
}
