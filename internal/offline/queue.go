// Package offline buffers messages for recipients with no open connection.
//
// Each user has one Redis sorted set scored by message creation time. The set
// is capped and the oldest entries are trimmed first, so a long absence loses
// the oldest backlog rather than the newest. Drain does not remove anything;
// the caller clears the queue only after the batch reached the client.
package offline

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"go-chat-delivery/internal/chat"
)

const (
	DefaultMaxMessages = 1000
	DefaultTTL         = 7 * 24 * time.Hour
)

// QueuedMessage is one buffered delivery.
type QueuedMessage struct {
	MessageID      int64         `json:"messageId"`
	ConversationID int64         `json:"conversationId"`
	Message        *chat.Message `json:"message"`
	Timestamp      int64         `json:"timestamp"`

	member string
}

type Queue struct {
	redis       *redis.Client
	maxMessages int64
	ttl         time.Duration
}

func NewQueue(redisClient *redis.Client, maxMessages int64, ttl time.Duration) *Queue {
	if maxMessages <= 0 {
		maxMessages = DefaultMaxMessages
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Queue{redis: redisClient, maxMessages: maxMessages, ttl: ttl}
}

func queueKey(userID int64) string {
	return "chat:offline:" + strconv.FormatInt(userID, 10)
}

// Enqueue adds msg to the user's queue, trims it to the cap and refreshes the
// expiry. Enqueuing the same message twice stores it once, because the member
// encoding is deterministic.
func (q *Queue) Enqueue(ctx context.Context, userID int64, msg *chat.Message) error {
	ts := msg.CreatedAt.UnixMilli()
	member, err := json.Marshal(QueuedMessage{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		Message:        msg,
		Timestamp:      ts,
	})
	if err != nil {
		return fmt.Errorf("encode queued message: %w", err)
	}

	key := queueKey(userID)
	_, err = q.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(ts), Member: member})
		pipe.ZRemRangeByRank(ctx, key, 0, -(q.maxMessages + 1))
		pipe.Expire(ctx, key, q.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("enqueue for user %d: %w", userID, err)
	}
	return nil
}

// Drain returns every queued message, oldest first, without removing them.
func (q *Queue) Drain(ctx context.Context, userID int64) ([]QueuedMessage, error) {
	raw, err := q.redis.ZRange(ctx, queueKey(userID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("drain for user %d: %w", userID, err)
	}
	out := make([]QueuedMessage, 0, len(raw))
	for _, member := range raw {
		var qm QueuedMessage
		if err := json.Unmarshal([]byte(member), &qm); err != nil {
			return nil, fmt.Errorf("decode queued message: %w", err)
		}
		qm.member = member
		out = append(out, qm)
	}
	// Members sharing a score come back in lexical order of their JSON, which
	// puts id 100 before id 99.
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp < out[j].Timestamp
		}
		return out[i].MessageID < out[j].MessageID
	})
	return out, nil
}

// Clear removes the user's queue. When drained entries are passed only those
// are removed, so anything enqueued after the Drain survives for the next
// sync. Redis drops the key once the set is empty.
func (q *Queue) Clear(ctx context.Context, userID int64, drained ...QueuedMessage) error {
	key := queueKey(userID)
	if len(drained) == 0 {
		return q.redis.Del(ctx, key).Err()
	}
	members := make([]interface{}, 0, len(drained))
	for _, qm := range drained {
		if qm.member != "" {
			members = append(members, qm.member)
		}
	}
	if len(members) == 0 {
		return nil
	}
	return q.redis.ZRem(ctx, key, members...).Err()
}

func (q *Queue) Size(ctx context.Context, userID int64) (int64, error) {
	return q.redis.ZCard(ctx, queueKey(userID)).Result()
}
