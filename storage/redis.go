package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/songzhibin97/genflow/types"
)

const (
	workflowPrefix = "workflow:"
	runPrefix      = "run:"
	runLogsPrefix  = "runlogs:"
)

// RedisStorage is a Redis-backed implementation of the Storage interface.
// Logs of a run live in one hash keyed by node id.
type RedisStorage struct {
	client *redis.Client
}

// RedisOptions extends redis.Options with additional configuration.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	IdleTimeout  time.Duration
}

// NewRedisStorage creates a new RedisStorage instance with configurable options.
func NewRedisStorage(opts RedisOptions) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		IdleTimeout:  opts.IdleTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisStorage{client: client}, nil
}

// saveToRedis saves a value to Redis under key.
func (s *RedisStorage) saveToRedis(ctx context.Context, key string, value interface{}) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("failed to marshal %s: %w", key, err)
		}
		if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
			return fmt.Errorf("failed to set %s in Redis: %w", key, err)
		}
		return nil
	})
}

// getFromRedis retrieves and unmarshals a value from Redis.
func getFromRedis[T any](ctx context.Context, client *redis.Client, key string, errNotFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		var zero T
		data, err := client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return zero, fmt.Errorf("%w: key=%s", errNotFound, key)
		} else if err != nil {
			return zero, fmt.Errorf("failed to get %s from Redis: %w", key, err)
		}

		var result T
		if err := json.Unmarshal(data, &result); err != nil {
			return zero, fmt.Errorf("failed to unmarshal %s: %w", key, err)
		}
		return result, nil
	})
}

func runKey(id uint64) string {
	return fmt.Sprintf("%s%d", runPrefix, id)
}

func runLogsKey(id uint64) string {
	return fmt.Sprintf("%s%d", runLogsPrefix, id)
}

// SaveWorkflow saves a workflow to Redis.
func (s *RedisStorage) SaveWorkflow(ctx context.Context, wf types.Workflow) error {
	return s.saveToRedis(ctx, workflowPrefix+wf.ID, wf)
}

// GetWorkflow retrieves a workflow from Redis.
func (s *RedisStorage) GetWorkflow(ctx context.Context, id string) (types.Workflow, error) {
	return getFromRedis[types.Workflow](ctx, s.client, workflowPrefix+id, ErrWorkflowNotFound)
}

// SaveRun saves a run to Redis.
func (s *RedisStorage) SaveRun(ctx context.Context, run types.WorkflowRun) error {
	return s.saveToRedis(ctx, runKey(run.ID), run)
}

// GetRun retrieves a run from Redis.
func (s *RedisStorage) GetRun(ctx context.Context, id uint64) (types.WorkflowRun, error) {
	return getFromRedis[types.WorkflowRun](ctx, s.client, runKey(id), ErrRunNotFound)
}

// SaveLogs writes logs into their run hashes using pipelining.
func (s *RedisStorage) SaveLogs(ctx context.Context, logs []types.ExecutionLog) error {
	return withContextError(ctx, func() error {
		if len(logs) == 0 {
			return nil
		}
		pipe := s.client.Pipeline()
		for _, l := range logs {
			data, err := json.Marshal(l)
			if err != nil {
				return fmt.Errorf("failed to marshal log %d/%s: %w", l.RunID, l.NodeID, err)
			}
			pipe.HSet(ctx, runLogsKey(l.RunID), l.NodeID, data)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to execute pipeline for logs: %w", err)
		}
		return nil
	})
}

// GetLog retrieves one execution log from Redis.
func (s *RedisStorage) GetLog(ctx context.Context, runID uint64, nodeID string) (types.ExecutionLog, error) {
	return withContext(ctx, func() (types.ExecutionLog, error) {
		key := runLogsKey(runID)
		data, err := s.client.HGet(ctx, key, nodeID).Bytes()
		if errors.Is(err, redis.Nil) {
			return types.ExecutionLog{}, fmt.Errorf("%w: key=%s node=%s", ErrLogNotFound, key, nodeID)
		} else if err != nil {
			return types.ExecutionLog{}, fmt.Errorf("failed to get %s/%s from Redis: %w", key, nodeID, err)
		}
		var l types.ExecutionLog
		if err := json.Unmarshal(data, &l); err != nil {
			return types.ExecutionLog{}, fmt.Errorf("failed to unmarshal %s/%s: %w", key, nodeID, err)
		}
		return l, nil
	})
}

// ListLogs lists the execution logs of a run.
func (s *RedisStorage) ListLogs(ctx context.Context, runID uint64) ([]types.ExecutionLog, error) {
	return withContext(ctx, func() ([]types.ExecutionLog, error) {
		key := runLogsKey(runID)
		fields, err := s.client.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to get %s from Redis: %w", key, err)
		}
		out := make([]types.ExecutionLog, 0, len(fields))
		for nodeID, raw := range fields {
			var l types.ExecutionLog
			if err := json.Unmarshal([]byte(raw), &l); err != nil {
				return nil, fmt.Errorf("failed to unmarshal %s/%s: %w", key, nodeID, err)
			}
			out = append(out, l)
		}
		sortLogs(out)
		return out, nil
	})
}

// ClearFinished removes runs with "completed" or "failed" status, and their logs, from Redis.
func (s *RedisStorage) ClearFinished(ctx context.Context) (int, error) {
	return withContext(ctx, func() (int, error) {
		keys, err := s.client.Keys(ctx, runPrefix+"*").Result()
		if err != nil {
			return 0, fmt.Errorf("failed to scan run keys: %w", err)
		}
		if len(keys) == 0 {
			return 0, nil
		}

		removed := 0
		pipe := s.client.Pipeline()
		for _, key := range keys {
			data, err := s.client.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				continue
			} else if err != nil {
				return 0, fmt.Errorf("failed to get %s: %w", key, err)
			}

			var run types.WorkflowRun
			if err := json.Unmarshal(data, &run); err != nil {
				return 0, fmt.Errorf("failed to unmarshal %s: %w", key, err)
			}

			if run.Status.Terminal() {
				pipe.Del(ctx, key, runLogsPrefix+strings.TrimPrefix(key, runPrefix))
				removed++
			}
		}

		if removed == 0 {
			return 0, nil
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return 0, fmt.Errorf("failed to execute pipeline for deletion: %w", err)
		}
		return removed, nil
	})
}

// Close closes the Redis client connection.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}
