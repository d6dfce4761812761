package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-chat-delivery/internal/broadcast"
	"go-chat-delivery/internal/chat"
	apperr "go-chat-delivery/internal/errors"
	"go-chat-delivery/internal/logging"
)

const (
	sender    int64 = 1
	recipient int64 = 2
	third     int64 = 3
	outsider  int64 = 9

	directID int64 = 10
	groupID  int64 = 20
)

type harness struct {
	orch     *Orchestrator
	messages *fakeMessages
	members  *fakeMembers
	receipts *fakeReceipts
	queue    *fakeQueue
	bus      *recordingBus
	emitter  *recordingEmitter
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	members := newFakeMembers()
	members.members[directID] = []int64{sender, recipient}
	members.members[groupID] = []int64{sender, recipient, third}

	messages := newFakeMessages(members)
	messages.convs[directID] = &chat.Conversation{ID: directID, Type: chat.ConversationDirect}
	messages.convs[groupID] = &chat.Conversation{ID: groupID, Type: chat.ConversationGroup}

	h := &harness{
		messages: messages,
		members:  members,
		receipts: newFakeReceipts(messages),
		queue:    newFakeQueue(),
		bus:      &recordingBus{},
		emitter:  &recordingEmitter{fail: make(map[int64]bool)},
	}
	h.orch = NewOrchestrator(h.messages, h.members, h.receipts, h.queue, h.bus, logging.Discard(), 4)
	return h
}

func text(conversationID int64, token, body string) *chat.SendInput {
	return &chat.SendInput{
		ConversationID:  conversationID,
		ClientMessageID: token,
		Type:            chat.TypeText,
		Content:         &body,
	}
}

func TestSendToOfflineRecipientThenSync(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.orch.SendMessageAndBroadcast(ctx, text(directID, "tok-1", "hi"), sender, h.emitter.emit, onlineSet())
	require.NoError(t, err)
	msgID := res.Message.ID

	assert.Len(t, h.messages.byToken, 1)
	assert.Empty(t, h.emitter.forUser(recipient), "offline recipient must not get a direct push")
	assert.Equal(t, 1, h.queue.size(recipient))
	assert.Equal(t, 1, h.members.unreadFor(recipient))
	assert.False(t, h.receipts.isDelivered(msgID, recipient))
	assert.Len(t, h.bus.on(broadcast.ConversationChannel(directID)), 1)

	// Recipient reconnects.
	var batches []OfflineBatch
	connEmit := func(_ context.Context, event string, payload interface{}) error {
		assert.Equal(t, EventMessagesOffline, event)
		batches = append(batches, payload.(OfflineBatch))
		return nil
	}
	n, err := h.orch.SyncOfflineMessages(ctx, recipient, connEmit)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, batches, 1)
	require.Len(t, batches[0].Messages, 1)
	assert.Equal(t, msgID, batches[0].Messages[0].ID)
	assert.True(t, h.receipts.isDelivered(msgID, recipient))
	assert.Zero(t, h.queue.size(recipient))

	receipts := h.bus.on(broadcast.ReceiptChannel(sender))
	require.Len(t, receipts, 1)
	update := receipts[0].Payload.(ReceiptUpdate)
	assert.Equal(t, []int64{msgID}, update.MessageIDs)
	assert.Equal(t, StatusDelivered, update.Status)
	assert.Equal(t, recipient, update.UserID)

	// A second reconnect delivers nothing again.
	n, err = h.orch.SyncOfflineMessages(ctx, recipient, connEmit)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, batches, 1)
}

func TestSendToOnlineRecipient(t *testing.T) {
	h := newHarness(t)

	res, err := h.orch.SendMessageAndBroadcast(context.Background(), text(directID, "tok-on", "hey"), sender, h.emitter.emit, onlineSet(recipient))
	require.NoError(t, err)

	pushes := h.emitter.forUser(recipient)
	require.Len(t, pushes, 1)
	assert.Equal(t, EventMessageNew, pushes[0].Event)
	assert.True(t, h.receipts.isDelivered(res.Message.ID, recipient))
	assert.Zero(t, h.queue.size(recipient))
	assert.Equal(t, 1, h.members.unreadFor(recipient))
	assert.Empty(t, h.emitter.forUser(sender))

	receipts := h.bus.on(broadcast.ReceiptChannel(sender))
	require.Len(t, receipts, 1)
	assert.Equal(t, StatusDelivered, receipts[0].Payload.(ReceiptUpdate).Status)
}

func TestDuplicateSendIsNotBroadcastAgain(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.orch.SendMessageAndBroadcast(ctx, text(directID, "tok-dup", "x"), sender, h.emitter.emit, onlineSet(recipient))
	require.NoError(t, err)
	second, err := h.orch.SendMessageAndBroadcast(ctx, text(directID, "tok-dup", "x"), sender, h.emitter.emit, onlineSet(recipient))
	require.NoError(t, err)

	assert.Equal(t, first.Message.ID, second.Message.ID)
	assert.True(t, second.Duplicate)
	assert.Len(t, h.emitter.forUser(recipient), 1)
	assert.Len(t, h.bus.on(broadcast.ConversationChannel(directID)), 1)
	assert.Equal(t, 1, h.members.unreadFor(recipient))
}

func TestConcurrentDuplicateSends(t *testing.T) {
	h := newHarness(t)

	var wg sync.WaitGroup
	ids := make([]int64, 2)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := h.orch.SendMessageAndBroadcast(context.Background(), text(directID, "tok-2", "x"), sender, h.emitter.emit, onlineSet())
			if assert.NoError(t, err) {
				ids[i] = res.Message.ID
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, ids[0], ids[1])
	assert.Len(t, h.messages.byToken, 1)
	assert.Equal(t, 1, h.queue.size(recipient))
}

func TestGroupFanoutIsolatesRecipientFailures(t *testing.T) {
	h := newHarness(t)
	h.emitter.fail[recipient] = true
	h.receipts.failFor[third] = true

	res, err := h.orch.SendMessageAndBroadcast(context.Background(), text(groupID, "tok-g", "all"), sender, h.emitter.emit, onlineSet(recipient, third))
	require.NoError(t, err)
	require.NotNil(t, res.Message)

	// Failed push falls back to the offline queue.
	assert.Equal(t, 1, h.queue.size(recipient))
	// Receipt failure for the third member does not stop its push.
	assert.Len(t, h.emitter.forUser(third), 1)
	assert.False(t, h.receipts.isDelivered(res.Message.ID, third))

	assert.Equal(t, 1, h.members.unreadFor(recipient))
	assert.Equal(t, 1, h.members.unreadFor(third))
	assert.Zero(t, h.members.unreadFor(sender))
}

func TestSendValidationErrorsPropagate(t *testing.T) {
	h := newHarness(t)
	h.messages.sendErr = apperr.Invalid("TEXT messages cannot carry media")

	_, err := h.orch.SendMessageAndBroadcast(context.Background(), text(directID, "tok-bad", "x"), sender, h.emitter.emit, onlineSet(recipient))
	assert.Equal(t, apperr.ErrCodeInvalidInput, apperr.GetCode(err))
	assert.Empty(t, h.bus.sent)
	assert.Empty(t, h.emitter.events)
}

func TestMarkAsSeen(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	a, err := h.orch.SendMessageAndBroadcast(ctx, text(groupID, "s-1", "a"), sender, h.emitter.emit, onlineSet())
	require.NoError(t, err)
	b, err := h.orch.SendMessageAndBroadcast(ctx, text(groupID, "s-2", "b"), third, h.emitter.emit, onlineSet())
	require.NoError(t, err)

	in := &SeenInput{ConversationID: groupID, MessageIDs: []int64{a.Message.ID, b.Message.ID}}
	transitions, err := h.orch.MarkAsSeen(ctx, recipient, in)
	require.NoError(t, err)
	assert.Len(t, transitions, 2)
	assert.Zero(t, h.members.unreadFor(recipient))
	assert.Equal(t, b.Message.ID, h.members.readUpTo[recipient])

	toSender := h.bus.on(broadcast.ReceiptChannel(sender))
	require.Len(t, toSender, 1)
	assert.Equal(t, []int64{a.Message.ID}, toSender[0].Payload.(ReceiptUpdate).MessageIDs)
	assert.Equal(t, StatusSeen, toSender[0].Payload.(ReceiptUpdate).Status)
	require.Len(t, h.bus.on(broadcast.ReceiptChannel(third)), 1)

	// Repeating the call changes nothing and publishes nothing new.
	transitions, err = h.orch.MarkAsSeen(ctx, recipient, in)
	require.NoError(t, err)
	assert.Empty(t, transitions)
	assert.Len(t, h.bus.on(broadcast.ReceiptChannel(sender)), 1)
}

func TestMarkAsSeenRejects(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		userID int64
		in     *SeenInput
		code   apperr.ErrorCode
	}{
		{"no conversation", recipient, &SeenInput{MessageIDs: []int64{1}}, apperr.ErrCodeInvalidInput},
		{"no messages", recipient, &SeenInput{ConversationID: directID}, apperr.ErrCodeInvalidInput},
		{"bad id", recipient, &SeenInput{ConversationID: directID, MessageIDs: []int64{0}}, apperr.ErrCodeInvalidInput},
		{"not a member", outsider, &SeenInput{ConversationID: directID, MessageIDs: []int64{1}}, apperr.ErrCodeForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.orch.MarkAsSeen(ctx, tt.userID, tt.in)
			assert.Equal(t, tt.code, apperr.GetCode(err))
		})
	}
	assert.Empty(t, h.bus.sent)
}

func TestSyncKeepsQueueWhenPushFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.orch.SendMessageAndBroadcast(ctx, text(directID, "tok-k", "x"), sender, h.emitter.emit, onlineSet())
	require.NoError(t, err)

	failing := func(context.Context, string, interface{}) error { return errors.New("socket gone") }
	_, err = h.orch.SyncOfflineMessages(ctx, recipient, failing)
	require.Error(t, err)
	assert.Equal(t, 1, h.queue.size(recipient))
	assert.Empty(t, h.bus.on(broadcast.ReceiptChannel(sender)))
}

func TestTyping(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.orch.TypingStart(ctx, recipient, directID))
	require.NoError(t, h.orch.TypingStop(ctx, recipient, directID))

	events := h.bus.on(broadcast.TypingChannel(directID))
	require.Len(t, events, 2)
	assert.True(t, events[0].Payload.(TypingUpdate).IsTyping)
	assert.False(t, events[1].Payload.(TypingUpdate).IsTyping)

	err := h.orch.TypingStart(ctx, outsider, directID)
	assert.Equal(t, apperr.ErrCodeForbidden, apperr.GetCode(err))
	assert.Len(t, h.bus.on(broadcast.TypingChannel(directID)), 2)
}

func TestDeleteMessagePublishes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.orch.SendMessageAndBroadcast(ctx, text(directID, "tok-d", "oops"), sender, h.emitter.emit, onlineSet())
	require.NoError(t, err)

	_, err = h.orch.DeleteMessage(ctx, res.Message.ID, recipient)
	assert.Equal(t, apperr.ErrCodeForbidden, apperr.GetCode(err))

	_, err = h.orch.DeleteMessage(ctx, res.Message.ID, sender)
	require.NoError(t, err)

	events := h.bus.on(broadcast.ConversationChannel(directID))
	require.Len(t, events, 2)
	assert.Equal(t, EventMessageDeleted, events[1].Event)
	assert.Equal(t, res.Message.ID, events[1].Payload.(DeletedMessage).MessageID)
}

func TestReceiptsVisibleToSenderOnly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.orch.SendMessageAndBroadcast(ctx, text(directID, "tok-r", "x"), sender, h.emitter.emit, onlineSet(recipient))
	require.NoError(t, err)

	entries, err := h.orch.Receipts(ctx, res.Message.ID, sender)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, recipient, entries[0].UserID)

	_, err = h.orch.Receipts(ctx, res.Message.ID, recipient)
	assert.Equal(t, apperr.ErrCodeForbidden, apperr.GetCode(err))
}
