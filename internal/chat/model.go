package chat

import (
	"encoding/json"
	"time"
)

type MessageType string

const (
	TypeText    MessageType = "TEXT"
	TypeImage   MessageType = "IMAGE"
	TypeVideo   MessageType = "VIDEO"
	TypeFile    MessageType = "FILE"
	TypeAudio   MessageType = "AUDIO"
	TypeVoice   MessageType = "VOICE"
	TypeSticker MessageType = "STICKER"
	TypeSystem  MessageType = "SYSTEM"
)

func (t MessageType) Valid() bool {
	switch t {
	case TypeText, TypeImage, TypeVideo, TypeFile, TypeAudio, TypeVoice, TypeSticker, TypeSystem:
		return true
	}
	return false
}

type ConversationType string

const (
	ConversationDirect ConversationType = "DIRECT"
	ConversationGroup  ConversationType = "GROUP"
)

type MediaKind string

const (
	MediaImage    MediaKind = "IMAGE"
	MediaVideo    MediaKind = "VIDEO"
	MediaAudio    MediaKind = "AUDIO"
	MediaDocument MediaKind = "DOCUMENT"
)

type MediaStatus string

const (
	MediaUploading  MediaStatus = "UPLOADING"
	MediaProcessing MediaStatus = "PROCESSING"
	MediaReady      MediaStatus = "READY"
	MediaFailed     MediaStatus = "FAILED"
)

// Media is an uploaded attachment as stored by the media service.
type Media struct {
	ID        int64
	OwnerID   int64
	MessageID *int64
	Kind      MediaKind
	Status    MediaStatus
	URL       string
	MimeType  string
	SizeBytes int64
	DeletedAt *time.Time
}

// Attachment is the summary of a Media row embedded in a hydrated message.
type Attachment struct {
	ID        int64       `json:"id"`
	Kind      MediaKind   `json:"kind"`
	Status    MediaStatus `json:"status"`
	URL       string      `json:"url"`
	MimeType  string      `json:"mimeType"`
	SizeBytes int64       `json:"sizeBytes"`
}

type Sender struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

// Receipt is one user's entry in a direct message's inline receipt map.
type Receipt struct {
	Delivered *time.Time `json:"delivered"`
	Seen      *time.Time `json:"seen"`
}

// Message is an entry of the append-only conversation log.
type Message struct {
	ID               int64              `json:"id"`
	ConversationID   int64              `json:"conversationId"`
	ConversationType ConversationType   `json:"conversationType"`
	SenderID         *int64             `json:"senderId"`
	Sender           *Sender            `json:"sender,omitempty"`
	Type             MessageType        `json:"type"`
	Content          *string            `json:"content"`
	Metadata         json.RawMessage    `json:"metadata,omitempty"`
	ClientMessageID  string             `json:"clientMessageId"`
	ReplyToID        *int64             `json:"replyToId,omitempty"`
	Attachments      []Attachment       `json:"attachments"`
	Receipts         map[string]Receipt `json:"receipts,omitempty"`
	DeliveredCount   int                `json:"deliveredCount"`
	SeenCount        int                `json:"seenCount"`
	DeletedAt        *time.Time         `json:"deletedAt,omitempty"`
	DeletedBy        *int64             `json:"deletedBy,omitempty"`
	CreatedAt        time.Time          `json:"createdAt"`
}

// SenderIDOrZero returns 0 for system messages.
func (m *Message) SenderIDOrZero() int64 {
	if m.SenderID == nil {
		return 0
	}
	return *m.SenderID
}

// SendInput is what a client submits to send a message.
type SendInput struct {
	ConversationID  int64           `json:"conversationId"`
	ClientMessageID string          `json:"clientMessageId"`
	Type            MessageType     `json:"type"`
	Content         *string         `json:"content,omitempty"`
	MediaIDs        []int64         `json:"mediaIds,omitempty"`
	ReplyToID       *int64          `json:"replyToId,omitempty"`
	Metadata        json.RawMessage `json:"metadata,omitempty"`
}

// SendResult reports whether Send created a row or resolved a retry to an
// existing one. Duplicates must not be broadcast again.
type SendResult struct {
	Message   *Message
	Duplicate bool
}

type Direction string

const (
	DirectionOlder Direction = "older"
	DirectionNewer Direction = "newer"
)

const (
	DefaultPageLimit = 50
	MaxPageLimit     = 100
)

type PageQuery struct {
	ConversationID int64
	Limit          int
	Cursor         *int64
	Direction      Direction
}

// Page is always newest-first.
type Page struct {
	Messages    []*Message `json:"messages"`
	NextCursor  *int64     `json:"nextCursor,omitempty"`
	HasNextPage bool       `json:"hasNextPage"`
}

// Conversation is the subset of the conversation row the engine reads.
type Conversation struct {
	ID   int64
	Type ConversationType
}
