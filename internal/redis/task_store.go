package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ramiqadoumi/go-task-tracker/internal/domain"
)

const (
	indexKey      = "task:ids"
	loadBatchSize = 500
)

func recordKey(taskID string) string { return "task:record:" + taskID }

// TaskStore persists one JSON record per task plus a set indexing all ids.
type TaskStore struct {
	client *redis.Client
}

// NewTaskStore creates a Redis-backed task record store.
func NewTaskStore(client *redis.Client) *TaskStore {
	return &TaskStore{client: client}
}

// NewClient creates and returns a new Redis client.
func NewClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
		PoolSize:     10,
	})
}

func (s *TaskStore) Save(ctx context.Context, task *domain.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", task.ID, err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, recordKey(task.ID), data, 0)
	pipe.SAdd(ctx, indexKey, task.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis save task %s: %w", task.ID, err)
	}
	return nil
}

func (s *TaskStore) Delete(ctx context.Context, taskID string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, recordKey(taskID))
	pipe.SRem(ctx, indexKey, taskID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis delete task %s: %w", taskID, err)
	}
	return nil
}

// LoadAll reads every indexed record. Index entries whose record is gone
// are skipped.
func (s *TaskStore) LoadAll(ctx context.Context) ([]*domain.Task, error) {
	ids, err := s.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list task ids: %w", err)
	}

	tasks := make([]*domain.Task, 0, len(ids))
	for start := 0; start < len(ids); start += loadBatchSize {
		end := min(start+loadBatchSize, len(ids))
		keys := make([]string, 0, end-start)
		for _, id := range ids[start:end] {
			keys = append(keys, recordKey(id))
		}
		vals, err := s.client.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, fmt.Errorf("redis load tasks: %w", err)
		}
		for i, v := range vals {
			raw, ok := v.(string)
			if !ok {
				continue
			}
			var task domain.Task
			if err := json.Unmarshal([]byte(raw), &task); err != nil {
				return nil, fmt.Errorf("unmarshal task %s: %w", ids[start+i], err)
			}
			tasks = append(tasks, &task)
		}
	}
	return tasks, nil
}

func (s *TaskStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}
