package audit

import (
	"context"
	"slices"
	"strings"
	"sync"
)

var _ KeyStore = (*InMemoryKeyStore)(nil)

// InMemoryKeyStore holds API keys in process memory. It backs tests and
// single-node development setups where provisioning PostgreSQL is overkill.
//
// byID is the source of truth; byValue only indexes key strings back to IDs
// so FindByKey stays O(1). Entries are copied on the way in and out, so
// callers cannot mutate stored state through retained pointers.
type InMemoryKeyStore struct {
	mu      sync.RWMutex
	byID    map[string]*Key
	byValue map[string]string
}

// NewInMemoryKeyStore returns an empty store ready for concurrent use.
func NewInMemoryKeyStore() *InMemoryKeyStore {
	return &InMemoryKeyStore{
		byID:    make(map[string]*Key),
		byValue: make(map[string]string),
	}
}

// FindByKey looks up a key by its plaintext value.
func (s *InMemoryKeyStore) FindByKey(_ context.Context, key string) (*Key, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byValue[key]
	if !ok {
		return nil, false
	}

	return copyKey(s.byID[id]), true
}

// Add stores a new key. Both the ID and the key value must be unused.
func (s *InMemoryKeyStore) Add(_ context.Context, apiKey *Key) error {
	if apiKey == nil { // pragma: allowlist secret
		return ErrKeyNil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.byID[apiKey.ID]; dup {
		return ErrKeyAlreadyExists
	}

	if _, dup := s.byValue[apiKey.Key]; dup {
		return ErrKeyAlreadyExists
	}

	s.index(copyKey(apiKey))

	return nil
}

// Update replaces the stored key with the given state, re-indexing the key
// value if it changed.
func (s *InMemoryKeyStore) Update(_ context.Context, apiKey *Key) error {
	if apiKey == nil { // pragma: allowlist secret
		return ErrKeyNil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.byID[apiKey.ID]
	if !ok {
		return ErrKeyNotFound
	}

	delete(s.byValue, current.Key)
	s.index(copyKey(apiKey))

	return nil
}

// Delete removes a key by ID. Unlike the persistent store there is no audit
// trail to preserve, so the entry is dropped outright.
func (s *InMemoryKeyStore) Delete(_ context.Context, keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.byID[keyID]
	if !ok {
		return ErrKeyNotFound
	}

	delete(s.byValue, current.Key)
	delete(s.byID, keyID)

	return nil
}

// ListByClient returns the client's keys newest first, matching the order
// the persistent store produces. Unknown clients get an empty slice.
func (s *InMemoryKeyStore) ListByClient(_ context.Context, clientID string) ([]*Key, error) {
	if clientID == "" {
		return nil, ErrClientIDEmpty
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := []*Key{}

	for _, k := range s.byID {
		if k.ClientID == clientID {
			keys = append(keys, copyKey(k))
		}
	}

	slices.SortFunc(keys, func(a, b *Key) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}

		return strings.Compare(a.ID, b.ID)
	})

	return keys, nil
}

// index files the (already copied) key under both maps. Caller holds the
// write lock.
func (s *InMemoryKeyStore) index(k *Key) {
	s.byID[k.ID] = k
	s.byValue[k.Key] = k.ID
}

func copyKey(k *Key) *Key {
	c := *k
	c.Permissions = slices.Clone(k.Permissions)

	return &c
}
