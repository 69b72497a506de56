package store

import (
	"context"
	"sync"
)

// MemoryStore is a ConfigStore kept in process memory. Flush snapshots the
// current mapping so callers can observe what was durably "written".
type MemoryStore struct {
	mu       sync.RWMutex
	values   map[string]string
	flushed  map[string]string
	flushes  int
	flushErr error
}

// NewMemoryStore creates a store seeded with initial, which counts as
// already flushed.
func NewMemoryStore(initial map[string]string) *MemoryStore {
	if initial == nil {
		initial = map[string]string{}
	}
	return &MemoryStore{
		values:  copyMap(initial),
		flushed: copyMap(initial),
	}
}

func (s *MemoryStore) Get(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	if !ok {
		return "", missingKey(key)
	}
	return v, nil
}

func (s *MemoryStore) Set(key, value string) error {
	if key == "" {
		return NewStoreError("Set", "key", "", "key is empty", ErrInvalidKey)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

func (s *MemoryStore) Flush(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.flushErr != nil {
		return NewStoreError("Flush", "", "", s.flushErr.Error(), ErrWriteFailed)
	}
	s.flushed = copyMap(s.values)
	s.flushes++
	return nil
}

func (s *MemoryStore) Snapshot() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyMap(s.values)
}

// Flushed returns the mapping as of the last successful flush.
func (s *MemoryStore) Flushed() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyMap(s.flushed)
}

// Flushes returns the number of successful flushes.
func (s *MemoryStore) Flushes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.flushes
}

// FailFlushWith makes every following Flush fail with err. Nil restores
// normal behavior.
func (s *MemoryStore) FailFlushWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushErr = err
}
