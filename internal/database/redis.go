package database

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis key layout shared by the API, the worker pool and the socket hub.
const (
	ChatReplyQueue = "queue:chat-replies"

	threadChannelPrefix = "thread_updates:"
)

// ThreadChannel is the pub/sub channel carrying frames for one thread.
func ThreadChannel(threadID string) string { return threadChannelPrefix + threadID }

// ThreadChannelPattern matches every thread channel.
func ThreadChannelPattern() string { return threadChannelPrefix + "*" }

// ThreadIDFromChannel reverses ThreadChannel.
func ThreadIDFromChannel(channel string) (string, bool) {
	if len(channel) <= len(threadChannelPrefix) || channel[:len(threadChannelPrefix)] != threadChannelPrefix {
		return "", false
	}
	return channel[len(threadChannelPrefix):], true
}

func JobLockKey(jobID string) string      { return "chat_job_lock:" + jobID }
func TypingKey(threadID string) string    { return "typing:" + threadID }
func RefreshTokenKey(token string) string { return "refresh_token:" + token }

// RedisClients keeps the blocking queue traffic off the pub/sub connection.
type RedisClients struct {
	Queue  *redis.Client
	PubSub *redis.Client
}

func NewRedisClients(ctx context.Context, redisURL string) (*RedisClients, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	queueClient := redis.NewClient(opt)
	if err := queueClient.Ping(ctx).Err(); err != nil {
		queueClient.Close()
		return nil, fmt.Errorf("failed to ping Redis (queue): %w", err)
	}

	pubsubOpt := *opt
	pubsubClient := redis.NewClient(&pubsubOpt)
	if err := pubsubClient.Ping(ctx).Err(); err != nil {
		queueClient.Close()
		pubsubClient.Close()
		return nil, fmt.Errorf("failed to ping Redis (pubsub): %w", err)
	}

	return &RedisClients{
		Queue:  queueClient,
		PubSub: pubsubClient,
	}, nil
}

func (r *RedisClients) Close() {
	r.Queue.Close()
	r.PubSub.Close()
}
