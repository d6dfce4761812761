package realtime

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go-chat-delivery/internal/broadcast"
	"go-chat-delivery/internal/chat"
	apperr "go-chat-delivery/internal/errors"
	"go-chat-delivery/internal/offline"
	"go-chat-delivery/internal/receipt"
)

// fakeMessages is an in-memory send pipeline with token dedup.
type fakeMessages struct {
	mu      sync.Mutex
	nextID  int64
	byID    map[int64]*chat.Message
	byToken map[string]*chat.Message
	convs   map[int64]*chat.Conversation
	members *fakeMembers
	sendErr error
}

func newFakeMessages(members *fakeMembers) *fakeMessages {
	return &fakeMessages{
		nextID:  100,
		byID:    make(map[int64]*chat.Message),
		byToken: make(map[string]*chat.Message),
		convs:   make(map[int64]*chat.Conversation),
		members: members,
	}
}

func (f *fakeMessages) Send(_ context.Context, in *chat.SendInput, senderID int64) (*chat.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	if m, ok := f.byToken[in.ClientMessageID]; ok {
		return &chat.SendResult{Message: m, Duplicate: true}, nil
	}
	conv, ok := f.convs[in.ConversationID]
	if !ok {
		return nil, apperr.NotFound("conversation", in.ConversationID)
	}
	f.nextID++
	sender := senderID
	m := &chat.Message{
		ID:               f.nextID,
		ConversationID:   conv.ID,
		ConversationType: conv.Type,
		SenderID:         &sender,
		Type:             in.Type,
		Content:          in.Content,
		ClientMessageID:  in.ClientMessageID,
		CreatedAt:        time.Date(2024, 1, 1, 0, 0, int(f.nextID), 0, time.UTC),
	}
	f.byID[m.ID] = m
	f.byToken[in.ClientMessageID] = m
	return &chat.SendResult{Message: m}, nil
}

func (f *fakeMessages) Get(ctx context.Context, messageID, userID int64) (*chat.Message, error) {
	f.mu.Lock()
	m, ok := f.byID[messageID]
	f.mu.Unlock()
	if !ok {
		return nil, apperr.NotFound("message", messageID)
	}
	if ok, _ := f.members.IsActiveMember(ctx, m.ConversationID, userID); !ok {
		return nil, apperr.Forbidden("not a member of this conversation")
	}
	return m, nil
}

func (f *fakeMessages) Delete(_ context.Context, messageID, userID int64) (*chat.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.byID[messageID]
	if !ok {
		return nil, apperr.NotFound("message", messageID)
	}
	if m.SenderIDOrZero() != userID {
		return nil, apperr.Forbidden("only the sender can delete a message")
	}
	delete(f.byID, messageID)
	return m, nil
}

func (f *fakeMessages) Conversation(ctx context.Context, conversationID, userID int64) (*chat.Conversation, error) {
	if ok, _ := f.members.IsActiveMember(ctx, conversationID, userID); !ok {
		return nil, apperr.Forbidden("not a member of this conversation")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	conv, ok := f.convs[conversationID]
	if !ok {
		return nil, apperr.NotFound("conversation", conversationID)
	}
	return conv, nil
}

type fakeMembers struct {
	mu       sync.Mutex
	members  map[int64][]int64
	unread   map[int64]int
	readUpTo map[int64]int64
}

func newFakeMembers() *fakeMembers {
	return &fakeMembers{
		members:  make(map[int64][]int64),
		unread:   make(map[int64]int),
		readUpTo: make(map[int64]int64),
	}
}

func (f *fakeMembers) IsActiveMember(_ context.Context, conversationID, userID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range f.members[conversationID] {
		if id == userID {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeMembers) ActiveMembers(_ context.Context, conversationID int64) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.members[conversationID]...), nil
}

func (f *fakeMembers) IncrementUnread(_ context.Context, _, userID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unread[userID]++
	return nil
}

func (f *fakeMembers) MarkRead(_ context.Context, _, userID, lastMessageID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unread[userID] = 0
	if lastMessageID > f.readUpTo[userID] {
		f.readUpTo[userID] = lastMessageID
	}
	return nil
}

func (f *fakeMembers) unreadFor(userID int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unread[userID]
}

// fakeReceipts keeps guarded delivered/seen state per (message, user).
type fakeReceipts struct {
	mu        sync.Mutex
	messages  *fakeMessages
	delivered map[[2]int64]bool
	seen      map[[2]int64]bool
	failFor   map[int64]bool
}

func newFakeReceipts(messages *fakeMessages) *fakeReceipts {
	return &fakeReceipts{
		messages:  messages,
		delivered: make(map[[2]int64]bool),
		seen:      make(map[[2]int64]bool),
		failFor:   make(map[int64]bool),
	}
}

func (f *fakeReceipts) For(chat.ConversationType) receipt.Store { return f }

func (f *fakeReceipts) sender(id int64) int64 {
	f.messages.mu.Lock()
	defer f.messages.mu.Unlock()
	if m, ok := f.messages.byID[id]; ok {
		return m.SenderIDOrZero()
	}
	return 0
}

func (f *fakeReceipts) MarkDelivered(_ context.Context, ids []int64, userID int64) ([]receipt.Transition, error) {
	if f.failFor[userID] {
		return nil, errors.New("receipt store down")
	}
	var out []receipt.Transition
	for _, id := range ids {
		sender := f.sender(id)
		f.mu.Lock()
		k := [2]int64{id, userID}
		fresh := !f.delivered[k]
		f.delivered[k] = true
		f.mu.Unlock()
		if fresh {
			out = append(out, receipt.Transition{MessageID: id, SenderID: sender})
		}
	}
	return out, nil
}

func (f *fakeReceipts) MarkSeen(_ context.Context, _ int64, ids []int64, userID int64) ([]receipt.Transition, error) {
	var out []receipt.Transition
	for _, id := range ids {
		sender := f.sender(id)
		f.mu.Lock()
		k := [2]int64{id, userID}
		fresh := !f.seen[k]
		f.seen[k] = true
		f.delivered[k] = true
		f.mu.Unlock()
		if fresh {
			out = append(out, receipt.Transition{MessageID: id, SenderID: sender})
		}
	}
	return out, nil
}

func (f *fakeReceipts) List(_ context.Context, messageID int64) ([]receipt.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []receipt.Entry
	for k := range f.delivered {
		if k[0] == messageID {
			out = append(out, receipt.Entry{UserID: k[1]})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (f *fakeReceipts) isDelivered(messageID, userID int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.delivered[[2]int64{messageID, userID}]
}

type fakeQueue struct {
	mu     sync.Mutex
	queued map[int64][]offline.QueuedMessage
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{queued: make(map[int64][]offline.QueuedMessage)}
}

func (f *fakeQueue) Enqueue(_ context.Context, userID int64, msg *chat.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queued[userID] = append(f.queued[userID], offline.QueuedMessage{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		Message:        msg,
		Timestamp:      msg.CreatedAt.UnixMilli(),
	})
	return nil
}

func (f *fakeQueue) Drain(_ context.Context, userID int64) ([]offline.QueuedMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]offline.QueuedMessage(nil), f.queued[userID]...), nil
}

func (f *fakeQueue) Clear(_ context.Context, userID int64, _ ...offline.QueuedMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.queued, userID)
	return nil
}

func (f *fakeQueue) size(userID int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queued[userID])
}

type published struct {
	Channel string
	Event   string
	Payload interface{}
}

// recordingBus records publishes and delivers nothing.
type recordingBus struct {
	mu   sync.Mutex
	sent []published
}

func (b *recordingBus) Publish(_ context.Context, channel, event string, payload interface{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, published{Channel: channel, Event: event, Payload: payload})
	return nil
}

func (b *recordingBus) Deliver(ctx context.Context, channel, event string, payload interface{}) (int64, error) {
	return 1, b.Publish(ctx, channel, event, payload)
}

func (b *recordingBus) Subscribe(context.Context, string, broadcast.Handler) (func(), error) {
	return func() {}, nil
}

func (b *recordingBus) Close() error { return nil }

func (b *recordingBus) on(channel string) []published {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []published
	for _, p := range b.sent {
		if p.Channel == channel {
			out = append(out, p)
		}
	}
	return out
}

type emitted struct {
	UserID  int64
	Event   string
	Payload interface{}
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []emitted
	fail   map[int64]bool
}

func (e *recordingEmitter) emit(_ context.Context, userID int64, event string, payload interface{}) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fail[userID] {
		return errors.New("push failed")
	}
	e.events = append(e.events, emitted{UserID: userID, Event: event, Payload: payload})
	return nil
}

func (e *recordingEmitter) forUser(userID int64) []emitted {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []emitted
	for _, ev := range e.events {
		if ev.UserID == userID {
			out = append(out, ev)
		}
	}
	return out
}

func onlineSet(ids ...int64) OnlineFunc {
	set := make(map[int64]bool)
	for _, id := range ids {
		set[id] = true
	}
	return func(_ context.Context, userID int64) bool { return set[userID] }
}
