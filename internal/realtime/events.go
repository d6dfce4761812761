package realtime

import (
	"time"

	"go-chat-delivery/internal/chat"
)

// Inbound websocket events.
const (
	EventMessageSend       = "message:send"
	EventMessageSeen       = "message:seen"
	EventTypingStart       = "typing:start"
	EventTypingStop        = "typing:stop"
	EventConversationJoin  = "conversation:join"
	EventConversationLeave = "conversation:leave"
)

// Outbound websocket events.
const (
	EventMessageNew      = "message:new"
	EventMessageAck      = "message:ack"
	EventMessageError    = "message:error"
	EventMessagesOffline = "messages:offline"
	EventReceiptUpdate   = "receipt:update"
	EventTypingUpdate    = "typing:update"
	EventMessageDeleted  = "message:deleted"
)

type ReceiptStatus string

const (
	StatusDelivered ReceiptStatus = "DELIVERED"
	StatusSeen      ReceiptStatus = "SEEN"
)

// ReceiptUpdate tells a sender that UserID reached Status on MessageIDs.
type ReceiptUpdate struct {
	MessageIDs []int64       `json:"messageIds"`
	UserID     int64         `json:"userId"`
	Status     ReceiptStatus `json:"status"`
	At         time.Time     `json:"at"`
}

type TypingUpdate struct {
	ConversationID int64 `json:"conversationId"`
	UserID         int64 `json:"userId"`
	IsTyping       bool  `json:"isTyping"`
}

type OfflineBatch struct {
	Messages []*chat.Message `json:"messages"`
}

type DeletedMessage struct {
	MessageID      int64 `json:"messageId"`
	ConversationID int64 `json:"conversationId"`
	DeletedBy      int64 `json:"deletedBy"`
}

// SeenInput is the payload of message:seen.
type SeenInput struct {
	ConversationID int64   `json:"conversationId"`
	MessageIDs     []int64 `json:"messageIds"`
}

type ConversationRef struct {
	ConversationID int64 `json:"conversationId"`
}

type MessageAck struct {
	ClientMessageID string        `json:"clientMessageId"`
	Message         *chat.Message `json:"message"`
	Duplicate       bool          `json:"duplicate"`
}

type MessageError struct {
	ClientMessageID string `json:"clientMessageId,omitempty"`
	Event           string `json:"event"`
	Code            string `json:"code"`
	Message         string `json:"message"`
	Retryable       bool   `json:"retryable,omitempty"`
}
