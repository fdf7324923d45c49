package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisCheckpointStore stores each record under its own key and indexes it
// in sorted sets scored by At.
type RedisCheckpointStore struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
	logger    *zap.Logger
}

// NewRedisCheckpointStore connects to config.Redis.Addr and pings it.
func NewRedisCheckpointStore(config StoreConfig, logger *zap.Logger) (*RedisCheckpointStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     config.Redis.Addr,
		Password: config.Redis.Password,
		DB:       config.Redis.DB,
		PoolSize: config.Redis.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	keyPrefix := config.Redis.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "cabal:"
	}

	return &RedisCheckpointStore{
		client:    client,
		keyPrefix: keyPrefix + "checkpoint:",
		ttl:       config.Redis.TTL,
		logger:    logger.With(zap.String("component", "redis_checkpoint_store")),
	}, nil
}

// Close closes the store
func (s *RedisCheckpointStore) Close() error {
	return s.client.Close()
}

// Ping checks if the store is healthy
func (s *RedisCheckpointStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisCheckpointStore) dataKey(id string) string {
	return s.keyPrefix + "data:" + id
}

func (s *RedisCheckpointStore) sessionKey(sessionID string) string {
	return s.keyPrefix + "session:" + sessionID
}

func (s *RedisCheckpointStore) agentKey(agentID string) string {
	return s.keyPrefix + "agent:" + agentID
}

func (s *RedisCheckpointStore) allKey() string {
	return s.keyPrefix + "all"
}

// Save persists rec and updates the indexes in one pipeline.
func (s *RedisCheckpointStore) Save(ctx context.Context, rec *Record) error {
	if err := rec.prepare(time.Now()); err != nil {
		return err
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	score := float64(rec.At.UnixNano())
	member := redis.Z{Score: score, Member: rec.ID}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.dataKey(rec.ID), data, s.ttl)
	pipe.ZAdd(ctx, s.allKey(), member)
	if rec.SessionID != "" {
		pipe.ZAdd(ctx, s.sessionKey(string(rec.SessionID)), member)
	}
	if rec.AgentID != "" {
		pipe.ZAdd(ctx, s.agentKey(string(rec.AgentID)), member)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save record: %w", err)
	}
	return nil
}

// Get returns the record with id.
func (s *RedisCheckpointStore) Get(ctx context.Context, id string) (*Record, error) {
	data, err := s.client.Get(ctx, s.dataKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return &rec, nil
}

// List reads the narrowest index the filter allows, then filters in memory.
func (s *RedisCheckpointStore) List(ctx context.Context, filter Filter) ([]*Record, error) {
	indexKey := s.allKey()
	switch {
	case filter.AgentID != "":
		indexKey = s.agentKey(string(filter.AgentID))
	case filter.SessionID != "":
		indexKey = s.sessionKey(string(filter.SessionID))
	}

	rng := &redis.ZRangeBy{Min: "-inf", Max: "+inf"}
	if filter.After != nil {
		rng.Min = strconv.FormatInt(filter.After.UnixNano(), 10)
	}
	if filter.Before != nil {
		rng.Max = strconv.FormatInt(filter.Before.UnixNano(), 10)
	}

	ids, err := s.client.ZRangeByScore(ctx, indexKey, rng).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read index: %w", err)
	}

	records, missing, err := s.load(ctx, ids)
	if err != nil {
		return nil, err
	}
	if len(missing) > 0 {
		s.prune(ctx, indexKey, missing)
	}

	out := make([]*Record, 0, len(records))
	for _, rec := range records {
		if filter.matches(rec) {
			out = append(out, rec)
		}
	}
	return filter.page(out), nil
}

// load fetches records by id. Expired ids are returned in missing.
func (s *RedisCheckpointStore) load(ctx context.Context, ids []string) ([]*Record, []string, error) {
	if len(ids) == 0 {
		return nil, nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.dataKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load records: %w", err)
	}

	var (
		records []*Record
		missing []string
	)
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			missing = append(missing, ids[i])
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(str), &rec); err != nil {
			s.logger.Warn("skipping corrupt record", zap.String("id", ids[i]), zap.Error(err))
			continue
		}
		records = append(records, &rec)
	}
	return records, missing, nil
}

func (s *RedisCheckpointStore) prune(ctx context.Context, indexKey string, ids []string) {
	members := make([]any, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	if err := s.client.ZRem(ctx, indexKey, members...).Err(); err != nil {
		s.logger.Debug("failed to prune expired ids", zap.Error(err))
	}
}

// Cleanup removes records older than olderThan along with their index
// entries.
func (s *RedisCheckpointStore) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	ids, err := s.client.ZRangeByScore(ctx, s.allKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff.UnixNano(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read index: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	records, _, err := s.load(ctx, ids)
	if err != nil {
		return 0, err
	}

	pipe := s.client.Pipeline()
	for _, rec := range records {
		if rec.SessionID != "" {
			pipe.ZRem(ctx, s.sessionKey(string(rec.SessionID)), rec.ID)
		}
		if rec.AgentID != "" {
			pipe.ZRem(ctx, s.agentKey(string(rec.AgentID)), rec.ID)
		}
	}
	for _, id := range ids {
		pipe.Del(ctx, s.dataKey(id))
		pipe.ZRem(ctx, s.allKey(), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to cleanup records: %w", err)
	}
	return len(records), nil
}
