// Package broadcast carries realtime events between server processes.
//
// Delivery is best-effort: nothing is replayed to a subscriber that was not
// listening at publish time. Durable delivery to disconnected users is the
// offline queue's job.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
)

// Envelope is the wire form of every event on the bus and on the websocket.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Handler runs on the bus's delivery goroutine and must not block.
type Handler func(env Envelope)

type Bus interface {
	Publish(ctx context.Context, channel, event string, payload interface{}) error
	// Deliver publishes like Publish and reports how many server processes
	// had a subscriber on channel. Zero means nobody received the event.
	Deliver(ctx context.Context, channel, event string, payload interface{}) (int64, error)
	// Subscribe registers h on channel. The returned func removes it.
	Subscribe(ctx context.Context, channel string, h Handler) (func(), error)
	Close() error
}

func ConversationChannel(conversationID int64) string {
	return fmt.Sprintf("conv:%d:messages", conversationID)
}

func TypingChannel(conversationID int64) string {
	return fmt.Sprintf("conv:%d:typing", conversationID)
}

func ReceiptChannel(userID int64) string {
	return fmt.Sprintf("user:%d:receipts", userID)
}

// UserEventsChannel carries events addressed to one user regardless of which
// process holds their socket.
func UserEventsChannel(userID int64) string {
	return fmt.Sprintf("user:%d:events", userID)
}

// Encode builds the envelope bytes for event and payload.
func Encode(event string, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", event, err)
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}

func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}
