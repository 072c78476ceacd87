package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"souk-chat/internal/database"
	"souk-chat/internal/models"
)

// ChatQueue is the Redis list feeding the reply workers.
type ChatQueue struct {
	redis   *redis.Client
	name    string
	lockTTL time.Duration
}

func NewChatQueue(redisClient *redis.Client) *ChatQueue {
	return &ChatQueue{
		redis:   redisClient,
		name:    database.ChatReplyQueue,
		lockTTL: 5 * time.Minute,
	}
}

func (q *ChatQueue) Push(ctx context.Context, job *models.ChatJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}
	if err := q.redis.RPush(ctx, q.name, data).Err(); err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	return nil
}

// Pop blocks up to timeout for the next job. It returns nil, nil when the
// wait timed out.
func (q *ChatQueue) Pop(ctx context.Context, timeout time.Duration) (*models.ChatJob, error) {
	result, err := q.redis.BLPop(ctx, timeout, q.name).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(result) < 2 {
		return nil, nil
	}

	var job models.ChatJob
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		return nil, fmt.Errorf("failed to parse job: %w", err)
	}
	return &job, nil
}

// Lock claims a job for one worker.
func (q *ChatQueue) Lock(ctx context.Context, jobID string) (bool, error) {
	return q.redis.SetNX(ctx, database.JobLockKey(jobID), "1", q.lockTTL).Result()
}

func (q *ChatQueue) Unlock(ctx context.Context, jobID string) error {
	return q.redis.Del(ctx, database.JobLockKey(jobID)).Err()
}
