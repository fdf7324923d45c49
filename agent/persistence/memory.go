package persistence

import (
	"context"
	"sync"
	"time"
)

// MemoryCheckpointStore keeps records in process memory. Nothing survives a
// restart.
type MemoryCheckpointStore struct {
	records map[string]*Record
	mu      sync.RWMutex
	closed  bool
}

// NewMemoryCheckpointStore creates an empty in-memory store.
func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{records: make(map[string]*Record)}
}

// Close closes the store
func (s *MemoryCheckpointStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Ping checks if the store is healthy
func (s *MemoryCheckpointStore) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// Save persists rec.
func (s *MemoryCheckpointStore) Save(_ context.Context, rec *Record) error {
	if err := rec.prepare(time.Now()); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	s.records[rec.ID] = rec.clone()
	return nil
}

// Get returns the record with id.
func (s *MemoryCheckpointStore) Get(_ context.Context, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	rec, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.clone(), nil
}

// List returns records matching filter.
func (s *MemoryCheckpointStore) List(_ context.Context, filter Filter) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	out := make([]*Record, 0)
	for _, rec := range s.records {
		if filter.matches(rec) {
			out = append(out, rec.clone())
		}
	}
	return filter.page(out), nil
}

// Cleanup removes records older than olderThan.
func (s *MemoryCheckpointStore) Cleanup(_ context.Context, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStoreClosed
	}

	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for id, rec := range s.records {
		if rec.At.Before(cutoff) {
			delete(s.records, id)
			removed++
		}
	}
	return removed, nil
}
