package persistence

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/moltenlabs/cabal/internal/database"
)

// SQLCheckpointStore stores records in the cabal_checkpoints table through
// gorm. Writes retry on transient lock and serialization errors.
type SQLCheckpointStore struct {
	db     *database.DB
	logger *zap.Logger
}

// NewSQLCheckpointStore opens config.SQL and migrates the schema.
func NewSQLCheckpointStore(config StoreConfig, logger *zap.Logger) (*SQLCheckpointStore, error) {
	db, err := database.Open(config.SQL, logger)
	if err != nil {
		return nil, err
	}
	s, err := NewSQLCheckpointStoreFromDB(db, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLCheckpointStoreFromDB uses an open database and migrates the schema.
func NewSQLCheckpointStoreFromDB(db *database.DB, logger *zap.Logger) (*SQLCheckpointStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := db.Gorm().AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("failed to migrate checkpoint table: %w", err)
	}
	return &SQLCheckpointStore{
		db:     db,
		logger: logger.With(zap.String("component", "sql_checkpoint_store")),
	}, nil
}

// Close closes the store
func (s *SQLCheckpointStore) Close() error {
	return s.db.Close()
}

// Ping checks if the store is healthy
func (s *SQLCheckpointStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Save inserts rec, or updates it when the ID already exists.
func (s *SQLCheckpointStore) Save(ctx context.Context, rec *Record) error {
	if err := rec.prepare(time.Now()); err != nil {
		return err
	}
	err := s.db.TxRetry(ctx, func(tx *gorm.DB) error {
		return tx.Save(rec).Error
	})
	if err != nil {
		return fmt.Errorf("failed to save record: %w", err)
	}
	return nil
}

// Get returns the record with id.
func (s *SQLCheckpointStore) Get(ctx context.Context, id string) (*Record, error) {
	var rec Record
	err := s.db.Gorm().WithContext(ctx).First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	return &rec, nil
}

// List returns records matching filter.
func (s *SQLCheckpointStore) List(ctx context.Context, filter Filter) ([]*Record, error) {
	q := s.db.Gorm().WithContext(ctx).Model(&Record{})
	if filter.SessionID != "" {
		q = q.Where("session_id = ?", filter.SessionID)
	}
	if filter.AgentID != "" {
		q = q.Where("agent_id = ?", filter.AgentID)
	}
	if len(filter.Status) > 0 {
		q = q.Where("status IN ?", filter.Status)
	}
	if filter.TerminalOnly {
		q = q.Where("terminal = ?", true)
	}
	if filter.After != nil {
		q = q.Where("recorded_at >= ?", filter.After.UTC())
	}
	if filter.Before != nil {
		q = q.Where("recorded_at <= ?", filter.Before.UTC())
	}
	q = q.Order("recorded_at ASC").Order("id ASC")
	switch {
	case filter.Limit > 0:
		q = q.Limit(filter.Limit)
	case filter.Offset > 0:
		// OFFSET needs a LIMIT on sqlite and mysql.
		q = q.Limit(math.MaxInt32)
	}
	if filter.Offset > 0 {
		q = q.Offset(filter.Offset)
	}

	out := make([]*Record, 0)
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	return out, nil
}

// Cleanup removes records older than olderThan.
func (s *SQLCheckpointStore) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	var removed int64
	err := s.db.TxRetry(ctx, func(tx *gorm.DB) error {
		res := tx.Where("recorded_at < ?", cutoff).Delete(&Record{})
		removed = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup records: %w", err)
	}
	if removed > 0 {
		s.logger.Debug("checkpoint cleanup", zap.Int64("removed", removed))
	}
	return int(removed), nil
}
