package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// CachedSend is the minimal identity of an accepted send.
type CachedSend struct {
	MessageID      int64 `json:"messageId"`
	ConversationID int64 `json:"conversationId"`
	SenderID       int64 `json:"senderId"`
}

// IdempotencyCache maps client idempotency tokens to the message they created.
type IdempotencyCache struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewIdempotencyCache(redisClient *redis.Client, ttl time.Duration) *IdempotencyCache {
	return &IdempotencyCache{redis: redisClient, ttl: ttl}
}

func idempotencyKey(token string) string {
	return "chat:idem:" + token
}

// Get returns nil on a miss.
func (c *IdempotencyCache) Get(ctx context.Context, token string) (*CachedSend, error) {
	raw, err := c.redis.Get(ctx, idempotencyKey(token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("idempotency lookup: %w", err)
	}
	var cs CachedSend
	if err := json.Unmarshal(raw, &cs); err != nil {
		return nil, fmt.Errorf("idempotency decode: %w", err)
	}
	return &cs, nil
}

// Put records the token only if no entry exists yet; the first accepted send
// owns the token for the TTL.
func (c *IdempotencyCache) Put(ctx context.Context, token string, cs CachedSend) error {
	raw, err := json.Marshal(cs)
	if err != nil {
		return err
	}
	return c.redis.SetNX(ctx, idempotencyKey(token), raw, c.ttl).Err()
}
