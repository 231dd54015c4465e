package realtime

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sync"
)

// FileQueueStore persists each key as a JSON file inside Dir.
// Writes go to a temp file that is renamed into place.
type FileQueueStore struct {
	mu  sync.Mutex
	dir string
}

var fileKeyRE = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// NewFileQueueStore creates dir if needed.
func NewFileQueueStore(dir string) (*FileQueueStore, error) {
	if dir == "" {
		return nil, errors.New("realtime: empty queue dir")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("realtime: queue dir: %w", err)
	}
	return &FileQueueStore{dir: dir}, nil
}

func (s *FileQueueStore) path(key string) (string, error) {
	if !fileKeyRE.MatchString(key) {
		return "", fmt.Errorf("realtime: invalid queue key %q", key)
	}
	return filepath.Join(s.dir, key+".json"), nil
}

// Load implements QueueStore.
func (s *FileQueueStore) Load(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return b, err
}

// Save implements QueueStore.
func (s *FileQueueStore) Save(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := s.path(key)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(s.dir, key+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, p)
}

// Close is a no-op.
func (s *FileQueueStore) Close() error { return nil }
