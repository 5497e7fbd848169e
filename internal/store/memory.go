package store

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store used in tests and for ephemeral
// deployments where nothing should survive a restart.
type MemoryStore struct {
	mu    sync.Mutex
	flags Flags
	set   bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Load(_ context.Context) (Flags, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.set || stale(s.flags, time.Now()) {
		return Flags{}, nil
	}
	return s.flags, nil
}

func (s *MemoryStore) Save(_ context.Context, f Flags) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flags = f
	s.set = true
	return nil
}

func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flags = Flags{}
	s.set = false
	return nil
}
