package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// InMemoryStore is a thread-safe, in-memory KeyValueStore with an optional
// byte quota. It stands in for a browser's session storage: bounded, shared
// within one process, and gone when the process exits.
type InMemoryStore struct {
	// QuotaBytes caps the aggregate size of stored values. Zero means
	// unbounded. A Set that would exceed the quota fails with
	// ErrQuotaExceeded and leaves the store unchanged.
	quotaBytes int

	mu        sync.RWMutex
	data      map[string][]byte
	usedBytes int
}

// NewInMemoryStore creates an unbounded in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{data: make(map[string][]byte)}
}

// NewBoundedInMemoryStore creates an in-memory store that rejects writes
// once the aggregate value size would exceed quotaBytes.
func NewBoundedInMemoryStore(quotaBytes int) *InMemoryStore {
	return &InMemoryStore{data: make(map[string][]byte), quotaBytes: quotaBytes}
}

// Get retrieves the value for a key, or ErrNotFound.
func (s *InMemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	// Copy so callers cannot mutate stored state.
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

// Set stores a value, replacing any existing one. Returns ErrQuotaExceeded
// if a quota is configured and the write would exceed it.
func (s *InMemoryStore) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	newUsed := s.usedBytes - len(s.data[key]) + len(value)
	if s.quotaBytes > 0 && newUsed > s.quotaBytes {
		return ErrQuotaExceeded
	}

	stored := make([]byte, len(value))
	copy(stored, value)
	s.data[key] = stored
	s.usedBytes = newUsed
	return nil
}

// Remove deletes a key; removing an absent key is a no-op.
func (s *InMemoryStore) Remove(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.data[key]; ok {
		s.usedBytes -= len(existing)
		delete(s.data, key)
	}
	return nil
}

// ListKeys returns every key with the given prefix, in sorted order so
// enumeration-dependent callers behave deterministically.
func (s *InMemoryStore) ListKeys(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Close is a no-op for the in-memory store but satisfies KeyValueStore.
func (s *InMemoryStore) Close() error {
	return nil
}
