package session

import (
	"context"
	"strings"
	"sync"
)

// MemoryStore provides an in-memory implementation useful for testing and
// single-process deployments where markers live for the process lifetime.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]map[string]string
}

// NewMemoryStore constructs an empty memory-backed session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]map[string]string)}
}

// Get implements the Store interface.
func (s *MemoryStore) Get(_ context.Context, sessionID, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	markers, ok := s.sessions[sessionID]
	if !ok {
		return "", false, nil
	}
	value, ok := markers[key]
	return value, ok, nil
}

// Set implements the Store interface.
func (s *MemoryStore) Set(_ context.Context, sessionID, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	markers, ok := s.sessions[sessionID]
	if !ok {
		markers = make(map[string]string)
		s.sessions[sessionID] = markers
	}
	markers[key] = value
	return nil
}

// Delete implements the Store interface.
func (s *MemoryStore) Delete(_ context.Context, sessionID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if markers, ok := s.sessions[sessionID]; ok {
		delete(markers, key)
	}
	return nil
}

// DeletePrefix implements the Store interface.
func (s *MemoryStore) DeletePrefix(_ context.Context, sessionID, prefix string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	markers, ok := s.sessions[sessionID]
	if !ok {
		return 0, nil
	}
	removed := 0
	for key := range markers {
		if strings.HasPrefix(key, prefix) {
			delete(markers, key)
			removed++
		}
	}
	return removed, nil
}
