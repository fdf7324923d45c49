package persistence

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/moltenlabs/cabal/internal/database"
	"github.com/moltenlabs/cabal/types"
)

// Common errors
var (
	ErrNotFound     = errors.New("not found")
	ErrStoreClosed  = errors.New("store is closed")
	ErrInvalidInput = errors.New("invalid input")
)

// StoreType represents the type of storage backend
type StoreType string

const (
	StoreTypeMemory StoreType = "memory"
	StoreTypeFile   StoreType = "file"
	StoreTypeRedis  StoreType = "redis"
	StoreTypeSQL    StoreType = "sql"
)

// IsValid reports whether t names a known backend.
func (t StoreType) IsValid() bool {
	switch t {
	case StoreTypeMemory, StoreTypeFile, StoreTypeRedis, StoreTypeSQL:
		return true
	default:
		return false
	}
}

// CleanupConfig controls periodic removal of old records.
type CleanupConfig struct {
	Enabled   bool          `json:"enabled" yaml:"enabled"`
	Interval  time.Duration `json:"interval" yaml:"interval"`
	Retention time.Duration `json:"retention" yaml:"retention"`
}

// DefaultCleanupConfig returns the default cleanup configuration.
func DefaultCleanupConfig() CleanupConfig {
	return CleanupConfig{
		Enabled:   false,
		Interval:  time.Hour,
		Retention: 7 * 24 * time.Hour,
	}
}

// RedisStoreConfig contains Redis-specific configuration.
type RedisStoreConfig struct {
	Addr      string `json:"addr" yaml:"addr" env:"ADDR"`
	Password  string `json:"password" yaml:"password" env:"PASSWORD"`
	DB        int    `json:"db" yaml:"db" env:"DB"`
	PoolSize  int    `json:"pool_size" yaml:"pool_size"`
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`
	// TTL expires records automatically; 0 keeps them until Cleanup.
	TTL time.Duration `json:"ttl" yaml:"ttl"`
}

// StoreConfig selects and configures a backend.
type StoreConfig struct {
	Type    StoreType        `json:"type" yaml:"type" env:"TYPE"`
	BaseDir string           `json:"base_dir" yaml:"base_dir" env:"BASE_DIR"`
	Redis   RedisStoreConfig `json:"redis" yaml:"redis" env:"REDIS"`
	SQL     database.Config  `json:"sql" yaml:"sql" env:"SQL"`
	Cleanup CleanupConfig    `json:"cleanup" yaml:"cleanup"`
}

// DefaultStoreConfig returns the default store configuration.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Type:    StoreTypeMemory,
		BaseDir: "./data/checkpoints",
		Redis: RedisStoreConfig{
			Addr:      "localhost:6379",
			PoolSize:  10,
			KeyPrefix: "cabal:",
		},
		SQL:     database.DefaultConfig(),
		Cleanup: DefaultCleanupConfig(),
	}
}

// Store is the base interface for all persistent stores
type Store interface {
	// Close closes the store and releases resources
	Close() error

	// Ping checks if the store is healthy
	Ping(ctx context.Context) error
}

// CheckpointStore persists checkpoint records.
type CheckpointStore interface {
	Store

	// Save persists rec, assigning an ID and CreatedAt if unset.
	Save(ctx context.Context, rec *Record) error

	// Get returns the record with id or ErrNotFound.
	Get(ctx context.Context, id string) (*Record, error)

	// List returns records matching filter ordered by At, then ID.
	List(ctx context.Context, filter Filter) ([]*Record, error)

	// Cleanup removes records whose At is older than olderThan.
	Cleanup(ctx context.Context, olderThan time.Duration) (int, error)
}

// Filter selects records in List.
type Filter struct {
	SessionID    types.SessionID `json:"session_id,omitempty"`
	AgentID      types.AgentID   `json:"agent_id,omitempty"`
	Status       []types.Status  `json:"status,omitempty"`
	TerminalOnly bool            `json:"terminal_only,omitempty"`
	After        *time.Time      `json:"after,omitempty"`
	Before       *time.Time      `json:"before,omitempty"`
	Limit        int             `json:"limit,omitempty"`
	Offset       int             `json:"offset,omitempty"`
}

func (f Filter) matches(r *Record) bool {
	if f.SessionID != "" && r.SessionID != f.SessionID {
		return false
	}
	if f.AgentID != "" && r.AgentID != f.AgentID {
		return false
	}
	if len(f.Status) > 0 && !slices.Contains(f.Status, r.Status) {
		return false
	}
	if f.TerminalOnly && !r.Terminal {
		return false
	}
	if f.After != nil && r.At.Before(*f.After) {
		return false
	}
	if f.Before != nil && r.At.After(*f.Before) {
		return false
	}
	return true
}

// page sorts rs and applies the filter's offset and limit.
func (f Filter) page(rs []*Record) []*Record {
	sortRecords(rs)

	if f.Offset > 0 {
		if f.Offset >= len(rs) {
			return []*Record{}
		}
		rs = rs[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(rs) {
		rs = rs[:f.Limit]
	}
	return rs
}

func sortRecords(rs []*Record) {
	slices.SortStableFunc(rs, func(a, b *Record) int {
		if c := a.At.Compare(b.At); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
}
