package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// FileCheckpointStore keeps records in memory and rewrites a JSON index on
// every Save. Suitable for single-host deployments.
type FileCheckpointStore struct {
	baseDir string
	records map[string]*Record
	logger  *zap.Logger

	mu        sync.RWMutex
	closed    bool
	stop      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewFileCheckpointStore opens or creates the index under config.BaseDir.
func NewFileCheckpointStore(config StoreConfig, logger *zap.Logger) (*FileCheckpointStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.BaseDir == "" {
		return nil, fmt.Errorf("%w: file store requires base_dir", ErrInvalidInput)
	}

	baseDir := filepath.Join(config.BaseDir, "checkpoints")
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	s := &FileCheckpointStore{
		baseDir: baseDir,
		records: make(map[string]*Record),
		logger:  logger.With(zap.String("component", "file_checkpoint_store")),
		stop:    make(chan struct{}),
	}
	if err := s.loadFromDisk(); err != nil {
		return nil, err
	}

	if config.Cleanup.Enabled && config.Cleanup.Interval > 0 {
		s.wg.Add(1)
		go s.cleanupLoop(config.Cleanup.Interval, config.Cleanup.Retention)
	}
	return s, nil
}

func (s *FileCheckpointStore) indexPath() string {
	return filepath.Join(s.baseDir, "index.json")
}

func (s *FileCheckpointStore) loadFromDisk() error {
	data, err := os.ReadFile(s.indexPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read index: %w", err)
	}

	var records []*Record
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("failed to parse index: %w", err)
	}
	for _, rec := range records {
		s.records[rec.ID] = rec
	}
	return nil
}

// saveToDisk writes the index to a temp file and renames it into place.
// Callers hold s.mu.
func (s *FileCheckpointStore) saveToDisk() error {
	records := make([]*Record, 0, len(s.records))
	for _, rec := range s.records {
		records = append(records, rec)
	}
	sortRecords(records)

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal index: %w", err)
	}

	tempPath := s.indexPath() + ".tmp"
	if err := os.WriteFile(tempPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write index: %w", err)
	}
	return os.Rename(tempPath, s.indexPath())
}

// Close stops the cleanup loop and flushes the index.
func (s *FileCheckpointStore) Close() error {
	s.closeOnce.Do(func() { close(s.stop) })
	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.saveToDisk()
}

// Ping checks if the store is healthy
func (s *FileCheckpointStore) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	_, err := os.Stat(s.baseDir)
	return err
}

// Save persists rec and rewrites the index.
func (s *FileCheckpointStore) Save(_ context.Context, rec *Record) error {
	if err := rec.prepare(time.Now()); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	s.records[rec.ID] = rec.clone()
	return s.saveToDisk()
}

// Get returns the record with id.
func (s *FileCheckpointStore) Get(_ context.Context, id string) (*Record, error) {
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
func (s *FileCheckpointStore) List(_ context.Context, filter Filter) ([]*Record, error) {
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

// Cleanup removes records older than olderThan and rewrites the index.
func (s *FileCheckpointStore) Cleanup(_ context.Context, olderThan time.Duration) (int, error) {
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
	if removed == 0 {
		return 0, nil
	}
	return removed, s.saveToDisk()
}

func (s *FileCheckpointStore) cleanupLoop(interval, retention time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			n, err := s.Cleanup(context.Background(), retention)
			if err != nil {
				s.logger.Warn("checkpoint cleanup failed", zap.Error(err))
				continue
			}
			if n > 0 {
				s.logger.Debug("checkpoint cleanup", zap.Int("removed", n))
			}
		}
	}
}
