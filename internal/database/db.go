package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrClosed is returned by a closed DB.
var ErrClosed = errors.New("database: closed")

// DB is a tuned gorm handle.
type DB struct {
	gorm   *gorm.DB
	sql    *sql.DB
	retry  RetryPolicy
	logger *zap.Logger
	closed atomic.Bool
}

// Stats is a JSON view of the pool counters.
type Stats struct {
	MaxOpen      int           `json:"max_open"`
	Open         int           `json:"open"`
	InUse        int           `json:"in_use"`
	Idle         int           `json:"idle"`
	WaitCount    int64         `json:"wait_count"`
	WaitDuration time.Duration `json:"wait_duration"`
}

// Wrap applies cfg.Pool to gdb's pool and keeps cfg.Retry for TxRetry.
func Wrap(gdb *gorm.DB, cfg Config, logger *zap.Logger) (*DB, error) {
	if gdb == nil {
		return nil, fmt.Errorf("gorm db is nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}

	sqlDB.SetMaxOpenConns(cfg.Pool.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.Pool.MaxIdleConns)
	if cfg.Pool.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.Pool.ConnMaxLifetime)
	}
	if cfg.Pool.ConnMaxIdleTime > 0 {
		sqlDB.SetConnMaxIdleTime(cfg.Pool.ConnMaxIdleTime)
	}

	retry := cfg.Retry
	if retry.Attempts < 1 {
		retry.Attempts = 1
	}
	return &DB{
		gorm:   gdb,
		sql:    sqlDB,
		retry:  retry,
		logger: logger.With(zap.String("component", "database")),
	}, nil
}

// Gorm returns the underlying handle.
func (d *DB) Gorm() *gorm.DB { return d.gorm }

// Ping checks the connection.
func (d *DB) Ping(ctx context.Context) error {
	if d.closed.Load() {
		return ErrClosed
	}
	return d.sql.PingContext(ctx)
}

// Stats returns pool counters.
func (d *DB) Stats() Stats {
	s := d.sql.Stats()
	return Stats{
		MaxOpen:      s.MaxOpenConnections,
		Open:         s.OpenConnections,
		InUse:        s.InUse,
		Idle:         s.Idle,
		WaitCount:    s.WaitCount,
		WaitDuration: s.WaitDuration,
	}
}

// Close closes the pool. Later calls are no-ops.
func (d *DB) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	return d.sql.Close()
}

// Tx runs fn in one transaction.
func (d *DB) Tx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	if d.closed.Load() {
		return ErrClosed
	}
	return d.gorm.WithContext(ctx).Transaction(fn)
}

// TxRetry runs fn in a transaction, starting a fresh one while the error is
// Transient and attempts remain. The wait doubles after every attempt.
func (d *DB) TxRetry(ctx context.Context, fn func(tx *gorm.DB) error) error {
	wait := d.retry.Backoff
	var err error
	for attempt := 1; ; attempt++ {
		err = d.Tx(ctx, fn)
		if err == nil || !Transient(err) {
			return err
		}
		if attempt >= d.retry.Attempts {
			break
		}

		d.logger.Warn("transient transaction error",
			zap.Int("attempt", attempt),
			zap.Int("attempts", d.retry.Attempts),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
	}
	return fmt.Errorf("transaction failed after %d attempts: %w", d.retry.Attempts, err)
}
