package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stepflow-ai/stepflow/types"
)

// RedisConfig holds connection settings for the Redis-backed store.
type RedisConfig struct {
	Addr      string `yaml:"addr" json:"addr"`
	Password  string `yaml:"password" json:"password"`
	DB        int    `yaml:"db" json:"db"`
	PoolSize  int    `yaml:"pool_size" json:"pool_size"`
	KeyPrefix string `yaml:"key_prefix" json:"key_prefix"`
}

// RedisStore is a Redis-backed RunStore for distributed deployments. Runs
// are stored as JSON blobs with sorted-set indexes per agent and per status,
// scored by start time so range reads come back in chronological order.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(config RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
		PoolSize: config.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	keyPrefix := config.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "stepflow:"
	}

	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix + "run:",
	}, nil
}

// NewRedisStoreFromClient wraps an existing client. Used by tests that run
// against an embedded Redis.
func NewRedisStoreFromClient(client *redis.Client, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "stepflow:"
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix + "run:"}
}

func (s *RedisStore) runKey(runID string) string {
	return s.keyPrefix + "data:" + runID
}

func (s *RedisStore) statusKey(status types.RunStatus) string {
	return s.keyPrefix + "status:" + string(status)
}

func (s *RedisStore) agentKey(agentID string) string {
	return s.keyPrefix + "agent:" + agentID
}

func (s *RedisStore) allRunsKey() string {
	return s.keyPrefix + "all"
}

func (s *RedisStore) Save(ctx context.Context, run *types.AgentRun) error {
	if run == nil || run.ID == "" {
		return ErrInvalidInput
	}

	// Old record is needed to move the run between status indexes.
	oldRun, _ := s.Load(ctx, run.ID)

	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}

	score := float64(run.StartedAt.UnixNano())
	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.runKey(run.ID), data, 0)
	if oldRun != nil && oldRun.Status != run.Status {
		pipe.ZRem(ctx, s.statusKey(oldRun.Status), run.ID)
	}
	pipe.ZAdd(ctx, s.statusKey(run.Status), redis.Z{Score: score, Member: run.ID})
	pipe.ZAdd(ctx, s.allRunsKey(), redis.Z{Score: score, Member: run.ID})
	if run.AgentID != "" {
		pipe.ZAdd(ctx, s.agentKey(run.AgentID), redis.Z{Score: score, Member: run.ID})
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) Load(ctx context.Context, runID string) (*types.AgentRun, error) {
	data, err := s.client.Get(ctx, s.runKey(runID)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var run types.AgentRun
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

func (s *RedisStore) List(ctx context.Context, agentID string, status types.RunStatus, limit int) ([]*types.AgentRun, error) {
	var runIDs []string
	var err error

	// Narrowest index first, then filter the rest in memory.
	switch {
	case status != "":
		runIDs, err = s.client.ZRevRange(ctx, s.statusKey(status), 0, -1).Result()
	case agentID != "":
		runIDs, err = s.client.ZRevRange(ctx, s.agentKey(agentID), 0, -1).Result()
	default:
		runIDs, err = s.client.ZRevRange(ctx, s.allRunsKey(), 0, -1).Result()
	}
	if err != nil {
		return nil, err
	}

	result := make([]*types.AgentRun, 0, len(runIDs))
	for _, runID := range runIDs {
		run, err := s.Load(ctx, runID)
		if err != nil {
			continue
		}
		if agentID != "" && run.AgentID != agentID {
			continue
		}
		if status != "" && run.Status != status {
			continue
		}
		result = append(result, run)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (s *RedisStore) Delete(ctx context.Context, runID string) error {
	run, err := s.Load(ctx, runID)
	if err != nil {
		return err
	}

	pipe := s.client.Pipeline()
	pipe.Del(ctx, s.runKey(runID))
	pipe.ZRem(ctx, s.statusKey(run.Status), runID)
	pipe.ZRem(ctx, s.allRunsKey(), runID)
	if run.AgentID != "" {
		pipe.ZRem(ctx, s.agentKey(run.AgentID), runID)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

var _ RunStore = (*RedisStore)(nil)
