package payload

import (
	"context"
	"sync"
)

// Compile-time interface assertion.
var _ Store = (*MemoryStore)(nil)

// MemoryStore is a thread-safe in-memory payload store for tests and dry runs.
type MemoryStore struct {
	mutex    sync.RWMutex
	payloads map[string][]byte
}

// NewMemoryStore creates an empty in-memory payload store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{payloads: make(map[string][]byte)}
}

// Put stores payload bytes under their content hash.
func (s *MemoryStore) Put(_ context.Context, hash string, data []byte) error {
	if hash == "" {
		return ErrEmptyHash
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	stored := make([]byte, len(data))
	copy(stored, data)
	s.payloads[hash] = stored

	return nil
}

// Get returns the payload for a hash.
func (s *MemoryStore) Get(_ context.Context, hash string) ([]byte, error) {
	if hash == "" {
		return nil, ErrEmptyHash
	}

	s.mutex.RLock()
	defer s.mutex.RUnlock()

	data, exists := s.payloads[hash]
	if !exists {
		return nil, ErrPayloadNotFound
	}

	result := make([]byte, len(data))
	copy(result, data)

	return result, nil
}

// Exists reports whether a payload is present.
func (s *MemoryStore) Exists(_ context.Context, hash string) (bool, error) {
	if hash == "" {
		return false, ErrEmptyHash
	}

	s.mutex.RLock()
	defer s.mutex.RUnlock()

	_, exists := s.payloads[hash]

	return exists, nil
}

// Len reports the number of stored payloads.
func (s *MemoryStore) Len() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return len(s.payloads)
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}
