package persistence

import (
	"fmt"

	"go.uber.org/zap"
)

// NewCheckpointStore creates a CheckpointStore based on the configuration
func NewCheckpointStore(config StoreConfig, logger *zap.Logger) (CheckpointStore, error) {
	switch config.Type {
	case StoreTypeMemory, "":
		return NewMemoryCheckpointStore(), nil
	case StoreTypeFile:
		return NewFileCheckpointStore(config, logger)
	case StoreTypeRedis:
		return NewRedisCheckpointStore(config, logger)
	case StoreTypeSQL:
		return NewSQLCheckpointStore(config, logger)
	default:
		return nil, fmt.Errorf("unsupported checkpoint store type: %s", config.Type)
	}
}
