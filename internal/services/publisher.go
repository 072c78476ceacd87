package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"souk-chat/internal/database"
	"souk-chat/internal/models"
)

// Publisher fans frames out to every socket subscribed to a thread.
type Publisher struct {
	redis     *redis.Client
	typingTTL time.Duration
}

func NewPublisher(redisClient *redis.Client) *Publisher {
	return &Publisher{redis: redisClient, typingTTL: 2 * time.Minute}
}

// Publish sends v as a JSON frame on the thread's channel.
func (p *Publisher) Publish(ctx context.Context, threadID string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}
	return p.redis.Publish(ctx, database.ThreadChannel(threadID), data).Err()
}

// SetTyping records the indicator so reconnecting clients can be told about
// it, then publishes it to the sockets that are already open.
func (p *Publisher) SetTyping(ctx context.Context, threadID string, on bool) error {
	key := database.TypingKey(threadID)
	var err error
	if on {
		err = p.redis.Set(ctx, key, "1", p.typingTTL).Err()
	} else {
		err = p.redis.Del(ctx, key).Err()
	}
	if err != nil {
		return fmt.Errorf("failed to store typing state: %w", err)
	}
	return p.Publish(ctx, threadID, models.NewTyping(threadID, on))
}

func (p *Publisher) Typing(ctx context.Context, threadID string) (bool, error) {
	n, err := p.redis.Exists(ctx, database.TypingKey(threadID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
