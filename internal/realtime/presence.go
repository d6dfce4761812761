package realtime

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Presence counts open connections per user across all processes. The key
// expires unless refreshed, so a crashed process cannot pin a user online.
type Presence struct {
	redis  *redis.Client
	ttl    time.Duration
	logger *logrus.Logger
}

func NewPresence(redisClient *redis.Client, ttl time.Duration, logger *logrus.Logger) *Presence {
	return &Presence{redis: redisClient, ttl: ttl, logger: logger}
}

func presenceKey(userID int64) string {
	return "chat:presence:" + strconv.FormatInt(userID, 10)
}

func (p *Presence) Connect(ctx context.Context, userID int64) error {
	key := presenceKey(userID)
	_, err := p.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, p.ttl)
		return nil
	})
	return err
}

// Refresh extends the expiry while a connection is alive.
func (p *Presence) Refresh(ctx context.Context, userID int64) error {
	return p.redis.Expire(ctx, presenceKey(userID), p.ttl).Err()
}

func (p *Presence) Disconnect(ctx context.Context, userID int64) error {
	key := presenceKey(userID)
	n, err := p.redis.Decr(ctx, key).Result()
	if err != nil {
		return err
	}
	if n <= 0 {
		return p.redis.Del(ctx, key).Err()
	}
	return nil
}

// IsOnline treats a Redis failure as offline, which routes the message to the
// offline queue instead of dropping it.
func (p *Presence) IsOnline(ctx context.Context, userID int64) bool {
	n, err := p.redis.Get(ctx, presenceKey(userID)).Int64()
	if errors.Is(err, redis.Nil) {
		return false
	}
	if err != nil {
		p.logger.WithError(err).WithField("user_id", userID).Warn("Presence lookup failed")
		return false
	}
	return n > 0
}
