package sessionstore

import (
	"sync"

	"photovote/internal/photovote"
)

// MemoryStore keeps the session in memory. Use in tests and for the
// in-process backend.
type MemoryStore struct {
	mu      sync.Mutex
	session *photovote.Session
	saves   int
}

var _ photovote.SessionStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Load() (*photovote.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return nil, nil
	}
	c := *s.session
	return &c, nil
}

func (s *MemoryStore) Save(sess *photovote.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *sess
	s.session = &c
	s.saves++
	return nil
}

func (s *MemoryStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session = nil
	return nil
}

// Saves returns how many times Save was called.
func (s *MemoryStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}
