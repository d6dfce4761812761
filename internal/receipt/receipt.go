// Package receipt tracks per-recipient delivered/seen state.
//
// Direct conversations keep an inline JSON map on the message row plus two
// counters. Group conversations keep one message_receipts row per recipient
// and a per-member read pointer. Both implementations only ever move state
// forward with guarded writes, so every call is safe to repeat.
package receipt

import (
	"context"
	"time"

	"go-chat-delivery/internal/chat"
)

// Transition is a message whose state changed for the acting user, along with
// the sender who should be told about it.
type Transition struct {
	MessageID int64 `json:"messageId"`
	SenderID  int64 `json:"senderId"`
}

// Entry is one recipient's receipt state for a message.
type Entry struct {
	UserID    int64      `json:"userId"`
	Delivered *time.Time `json:"delivered"`
	Seen      *time.Time `json:"seen"`
}

type Store interface {
	// MarkDelivered returns the messages newly marked delivered for userID.
	MarkDelivered(ctx context.Context, messageIDs []int64, userID int64) ([]Transition, error)
	// MarkSeen returns the messages newly marked seen for userID.
	MarkSeen(ctx context.Context, conversationID int64, messageIDs []int64, userID int64) ([]Transition, error)
	List(ctx context.Context, messageID int64) ([]Entry, error)
}

// Router picks the receipt model for a conversation type.
type Router struct {
	direct Store
	group  Store
}

func NewRouter(direct, group Store) *Router {
	return &Router{direct: direct, group: group}
}

func (r *Router) For(t chat.ConversationType) Store {
	if t == chat.ConversationGroup {
		return r.group
	}
	return r.direct
}

func maxID(ids []int64) int64 {
	var m int64
	for _, id := range ids {
		if id > m {
			m = id
		}
	}
	return m
}
