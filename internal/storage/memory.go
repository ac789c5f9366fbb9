package storage

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type memoryEntry struct {
	data     []byte
	modified time.Time
}

// MemoryStore keeps blobs in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry)}
}

func (s *MemoryStore) Read(_ context.Context, location string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[location]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, location)
	}
	return append([]byte(nil), e.data...), nil
}

func (s *MemoryStore) Write(_ context.Context, location string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.entries[location].modified
	s.entries[location] = memoryEntry{
		data:     append([]byte(nil), data...),
		modified: nextMarker(prev),
	}
	return nil
}

func (s *MemoryStore) ModTime(_ context.Context, location string) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[location]
	if !ok {
		return time.Time{}, fmt.Errorf("%w: %s", ErrNotFound, location)
	}
	return e.modified, nil
}

func (s *MemoryStore) Close() error { return nil }
