package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileStore persists session flags as a small JSON file. Writes go through a
// temp file and rename so a crash mid-write never leaves a torn record.
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore creates a file-backed store at path. The parent directory is
// created if missing.
func NewFileStore(path string) (*FileStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}
	return &FileStore{path: path}, nil
}

// Load reads the persisted flags. A missing file or a record older than
// MaxSessionAge yields zero flags; the stale file is removed.
func (s *FileStore) Load(_ context.Context) (Flags, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return Flags{}, nil
	}
	if err != nil {
		return Flags{}, fmt.Errorf("read session file: %w", err)
	}

	var f Flags
	if err := json.Unmarshal(data, &f); err != nil {
		// A corrupt file is unrecoverable state; drop it rather than
		// wedging every startup.
		_ = os.Remove(s.path)
		return Flags{}, nil
	}

	if stale(f, time.Now()) {
		_ = os.Remove(s.path)
		return Flags{}, nil
	}
	return f, nil
}

// Save writes the flags atomically.
func (s *FileStore) Save(_ context.Context, f Flags) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session flags: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write session file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace session file: %w", err)
	}
	return nil
}

// Clear removes the session file.
func (s *FileStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove session file: %w", err)
	}
	return nil
}
