package database

import (
	"fmt"
	"time"

	glebarez "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	cgosqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Supported drivers.
const (
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
	DriverSQLite   = "sqlite"
	DriverSQLite3  = "sqlite3"
)

// Config selects and tunes a database connection.
type Config struct {
	Driver string      `yaml:"driver" json:"driver" env:"DRIVER"`
	DSN    string      `yaml:"dsn" json:"dsn" env:"DSN"`
	Pool   PoolConfig  `yaml:"pool" json:"pool"`
	Retry  RetryPolicy `yaml:"retry" json:"retry"`
}

// PoolConfig sizes the database/sql pool. Zero durations leave the
// driver defaults in place.
type PoolConfig struct {
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" json:"conn_max_idle_time"`
}

// RetryPolicy bounds TxRetry. Attempts counts the first try.
type RetryPolicy struct {
	Attempts int           `yaml:"attempts" json:"attempts"`
	Backoff  time.Duration `yaml:"backoff" json:"backoff"`
}

// DefaultConfig returns an in-memory sqlite configuration.
func DefaultConfig() Config {
	return Config{
		Driver: DriverSQLite,
		DSN:    "file::memory:?cache=shared",
		Pool: PoolConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: time.Hour,
			ConnMaxIdleTime: 10 * time.Minute,
		},
		Retry: RetryPolicy{Attempts: 3, Backoff: 50 * time.Millisecond},
	}
}

// Validate checks the driver name, DSN, pool limits and retry policy.
func (c Config) Validate() error {
	if _, err := dialector(c); err != nil {
		return err
	}
	if c.DSN == "" {
		return fmt.Errorf("database dsn is required")
	}
	if c.Pool.MaxOpenConns <= 0 {
		return fmt.Errorf("max_open_conns must be positive, got %d", c.Pool.MaxOpenConns)
	}
	if c.Pool.MaxIdleConns < 0 || c.Pool.MaxIdleConns > c.Pool.MaxOpenConns {
		return fmt.Errorf("max_idle_conns must be within [0, %d], got %d", c.Pool.MaxOpenConns, c.Pool.MaxIdleConns)
	}
	if c.Retry.Attempts < 1 {
		return fmt.Errorf("retry attempts must be at least 1, got %d", c.Retry.Attempts)
	}
	if c.Retry.Backoff < 0 {
		return fmt.Errorf("retry backoff must not be negative")
	}
	return nil
}

func dialector(c Config) (gorm.Dialector, error) {
	switch c.Driver {
	case DriverPostgres:
		return postgres.Open(c.DSN), nil
	case DriverMySQL:
		return mysql.Open(c.DSN), nil
	case DriverSQLite, "":
		return glebarez.Open(c.DSN), nil
	case DriverSQLite3:
		return cgosqlite.Open(c.DSN), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", c.Driver)
	}
}

// Open connects with cfg.
func Open(cfg Config, logger *zap.Logger) (*DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	d, err := dialector(cfg)
	if err != nil {
		return nil, err
	}

	gdb, err := gorm.Open(d, &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", cfg.Driver, err)
	}

	db, err := Wrap(gdb, cfg, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("database connected", zap.String("driver", cfg.Driver))
	return db, nil
}
