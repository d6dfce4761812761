// Package realtime ties message persistence, receipts, the offline queue and
// the broadcast bus together, and hosts the websocket connection layer that
// drives them.
package realtime

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"go-chat-delivery/internal/broadcast"
	"go-chat-delivery/internal/chat"
	apperr "go-chat-delivery/internal/errors"
	"go-chat-delivery/internal/offline"
	"go-chat-delivery/internal/receipt"
	"go-chat-delivery/internal/tracing"
)

type MessageService interface {
	Send(ctx context.Context, in *chat.SendInput, senderID int64) (*chat.SendResult, error)
	Get(ctx context.Context, messageID, userID int64) (*chat.Message, error)
	Delete(ctx context.Context, messageID, userID int64) (*chat.Message, error)
	Conversation(ctx context.Context, conversationID, userID int64) (*chat.Conversation, error)
}

type Members interface {
	IsActiveMember(ctx context.Context, conversationID, userID int64) (bool, error)
	ActiveMembers(ctx context.Context, conversationID int64) ([]int64, error)
	IncrementUnread(ctx context.Context, conversationID, userID int64) error
	MarkRead(ctx context.Context, conversationID, userID, lastMessageID int64) error
}

type ReceiptRouter interface {
	For(t chat.ConversationType) receipt.Store
}

type OfflineQueue interface {
	Enqueue(ctx context.Context, userID int64, msg *chat.Message) error
	Drain(ctx context.Context, userID int64) ([]offline.QueuedMessage, error)
	Clear(ctx context.Context, userID int64, drained ...offline.QueuedMessage) error
}

// EmitFunc pushes an event to every connection of userID.
type EmitFunc func(ctx context.Context, userID int64, event string, payload interface{}) error

// OnlineFunc reports whether userID currently holds a connection anywhere.
type OnlineFunc func(ctx context.Context, userID int64) bool

// ConnEmitFunc pushes an event to one specific connection. It returns nil
// only once the event was written to the socket.
type ConnEmitFunc func(ctx context.Context, event string, payload interface{}) error

const DefaultFanoutConcurrency = 16

type Orchestrator struct {
	messages MessageService
	members  Members
	receipts ReceiptRouter
	queue    OfflineQueue
	bus      broadcast.Bus
	logger   *logrus.Logger
	fanout   int
	now      func() time.Time
}

func NewOrchestrator(messages MessageService, members Members, receipts ReceiptRouter, queue OfflineQueue, bus broadcast.Bus, logger *logrus.Logger, fanout int) *Orchestrator {
	if fanout <= 0 {
		fanout = DefaultFanoutConcurrency
	}
	return &Orchestrator{
		messages: messages,
		members:  members,
		receipts: receipts,
		queue:    queue,
		bus:      bus,
		logger:   logger,
		fanout:   fanout,
		now:      time.Now,
	}
}

// SendMessageAndBroadcast persists the message and fans it out. Once the
// message is stored the call succeeds; delivery side effects that fail are
// logged and dropped.
func (o *Orchestrator) SendMessageAndBroadcast(ctx context.Context, in *chat.SendInput, senderID int64, emit EmitFunc, isOnline OnlineFunc) (*chat.SendResult, error) {
	ctx, span := tracing.Tracer().Start(ctx, "realtime.SendMessageAndBroadcast")
	defer span.End()

	res, err := o.messages.Send(ctx, in, senderID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	msg := res.Message
	span.SetAttributes(attribute.Int64("message.id", msg.ID), attribute.Bool("duplicate", res.Duplicate))

	// A retried send was already fanned out by the call that created it.
	if res.Duplicate {
		return res, nil
	}

	log := o.logger.WithFields(logrus.Fields{
		"conversation_id": msg.ConversationID,
		"message_id":      msg.ID,
		"sender_id":       senderID,
	})

	members, err := o.members.ActiveMembers(ctx, msg.ConversationID)
	if err != nil {
		log.WithError(err).Warn("Failed to resolve recipients")
		return res, nil
	}

	if err := o.bus.Publish(ctx, broadcast.ConversationChannel(msg.ConversationID), EventMessageNew, msg); err != nil {
		log.WithError(err).Warn("Failed to publish new message")
	}

	g := new(errgroup.Group)
	g.SetLimit(o.fanout)
	recipients := 0
	for _, userID := range members {
		if userID == senderID {
			continue
		}
		recipients++
		g.Go(func() error {
			o.deliver(ctx, msg, userID, emit, isOnline, log)
			return nil
		})
	}
	_ = g.Wait()

	span.SetAttributes(attribute.Int("recipients", recipients))
	return res, nil
}

// deliver handles one recipient. It never fails the send.
func (o *Orchestrator) deliver(ctx context.Context, msg *chat.Message, userID int64, emit EmitFunc, isOnline OnlineFunc, log *logrus.Entry) {
	log = log.WithField("recipient_id", userID)

	pushed := false
	if isOnline(ctx, userID) {
		if err := emit(ctx, userID, EventMessageNew, msg); err != nil {
			log.WithError(err).Warn("Direct push failed, queueing instead")
		} else {
			pushed = true
		}
	}

	if pushed {
		transitions, err := o.receipts.For(msg.ConversationType).MarkDelivered(ctx, []int64{msg.ID}, userID)
		if err != nil {
			log.WithError(err).Warn("Failed to mark delivered")
		} else {
			o.publishReceipts(ctx, transitions, userID, StatusDelivered)
		}
	} else if err := o.queue.Enqueue(ctx, userID, msg); err != nil {
		log.WithError(err).Warn("Failed to queue offline message")
	}

	if err := o.members.IncrementUnread(ctx, msg.ConversationID, userID); err != nil {
		log.WithError(err).Warn("Failed to increment unread")
	}
}

// MarkAsSeen records that userID has seen messageIDs and tells each sender.
func (o *Orchestrator) MarkAsSeen(ctx context.Context, userID int64, in *SeenInput) ([]receipt.Transition, error) {
	ctx, span := tracing.Tracer().Start(ctx, "realtime.MarkAsSeen")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("conversation.id", in.ConversationID),
		attribute.Int64("user.id", userID),
		attribute.Int("messages", len(in.MessageIDs)),
	)

	if in.ConversationID <= 0 {
		return nil, apperr.Invalid("conversationId is required")
	}
	if len(in.MessageIDs) == 0 {
		return nil, apperr.Invalid("messageIds must not be empty")
	}
	var latest int64
	for _, id := range in.MessageIDs {
		if id <= 0 {
			return nil, apperr.Invalid("invalid message id %d", id)
		}
		if id > latest {
			latest = id
		}
	}

	conv, err := o.messages.Conversation(ctx, in.ConversationID, userID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	log := o.logger.WithFields(logrus.Fields{"conversation_id": conv.ID, "user_id": userID})

	transitions, err := o.receipts.For(conv.Type).MarkSeen(ctx, conv.ID, in.MessageIDs, userID)
	if err != nil {
		log.WithError(err).Warn("Failed to mark seen")
		transitions = nil
	}
	if err := o.members.MarkRead(ctx, conv.ID, userID, latest); err != nil {
		log.WithError(err).Warn("Failed to reset unread")
	}

	o.publishReceipts(ctx, transitions, userID, StatusSeen)
	span.SetAttributes(attribute.Int("transitions", len(transitions)))
	return transitions, nil
}

// SyncOfflineMessages sends a reconnecting client its queued backlog in one
// batch. The queue is cleared only after emit confirmed the batch was written
// to the socket, so a failed push leaves it for the next reconnect.
func (o *Orchestrator) SyncOfflineMessages(ctx context.Context, userID int64, emit ConnEmitFunc) (int, error) {
	ctx, span := tracing.Tracer().Start(ctx, "realtime.SyncOfflineMessages")
	defer span.End()
	span.SetAttributes(attribute.Int64("user.id", userID))

	queued, err := o.queue.Drain(ctx, userID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}
	if len(queued) == 0 {
		return 0, nil
	}

	batch := OfflineBatch{Messages: make([]*chat.Message, 0, len(queued))}
	byType := make(map[chat.ConversationType][]int64)
	for _, q := range queued {
		if q.Message == nil {
			continue
		}
		batch.Messages = append(batch.Messages, q.Message)
		byType[q.Message.ConversationType] = append(byType[q.Message.ConversationType], q.MessageID)
	}

	if err := emit(ctx, EventMessagesOffline, batch); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}

	log := o.logger.WithField("user_id", userID)
	var transitions []receipt.Transition
	for convType, ids := range byType {
		t, err := o.receipts.For(convType).MarkDelivered(ctx, ids, userID)
		if err != nil {
			log.WithError(err).Warn("Failed to mark offline batch delivered")
			continue
		}
		transitions = append(transitions, t...)
	}
	o.publishReceipts(ctx, transitions, userID, StatusDelivered)

	if err := o.queue.Clear(ctx, userID, queued...); err != nil {
		log.WithError(err).Warn("Failed to clear offline queue")
	}

	span.SetAttributes(attribute.Int("messages", len(batch.Messages)))
	log.WithField("count", len(batch.Messages)).Info("Delivered offline backlog")
	return len(batch.Messages), nil
}

// TypingStart and TypingStop publish typing state. Nothing is stored.
func (o *Orchestrator) TypingStart(ctx context.Context, userID, conversationID int64) error {
	return o.typing(ctx, userID, conversationID, true)
}

func (o *Orchestrator) TypingStop(ctx context.Context, userID, conversationID int64) error {
	return o.typing(ctx, userID, conversationID, false)
}

func (o *Orchestrator) typing(ctx context.Context, userID, conversationID int64, isTyping bool) error {
	if err := o.Authorize(ctx, userID, conversationID); err != nil {
		return err
	}
	update := TypingUpdate{ConversationID: conversationID, UserID: userID, IsTyping: isTyping}
	if err := o.bus.Publish(ctx, broadcast.TypingChannel(conversationID), EventTypingUpdate, update); err != nil {
		o.logger.WithError(err).WithField("conversation_id", conversationID).Warn("Failed to publish typing")
	}
	return nil
}

// Authorize fails unless userID is an active member of conversationID.
func (o *Orchestrator) Authorize(ctx context.Context, userID, conversationID int64) error {
	if conversationID <= 0 {
		return apperr.Invalid("conversationId is required")
	}
	ok, err := o.members.IsActiveMember(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.Forbidden("not a member of this conversation")
	}
	return nil
}

// DeleteMessage soft-deletes a message and tells everyone viewing the
// conversation.
func (o *Orchestrator) DeleteMessage(ctx context.Context, messageID, userID int64) (*chat.Message, error) {
	msg, err := o.messages.Delete(ctx, messageID, userID)
	if err != nil {
		return nil, err
	}
	ev := DeletedMessage{MessageID: msg.ID, ConversationID: msg.ConversationID, DeletedBy: userID}
	if err := o.bus.Publish(ctx, broadcast.ConversationChannel(msg.ConversationID), EventMessageDeleted, ev); err != nil {
		o.logger.WithError(err).WithField("message_id", msg.ID).Warn("Failed to publish delete")
	}
	return msg, nil
}

// Receipts lists per-recipient state for a message. Only its sender may ask.
func (o *Orchestrator) Receipts(ctx context.Context, messageID, userID int64) ([]receipt.Entry, error) {
	msg, err := o.messages.Get(ctx, messageID, userID)
	if err != nil {
		return nil, err
	}
	if msg.SenderIDOrZero() != userID {
		return nil, apperr.Forbidden("only the sender can view receipts")
	}
	return o.receipts.For(msg.ConversationType).List(ctx, messageID)
}

// publishReceipts sends one update per distinct sender.
func (o *Orchestrator) publishReceipts(ctx context.Context, transitions []receipt.Transition, userID int64, status ReceiptStatus) {
	if len(transitions) == 0 {
		return
	}
	bySender := make(map[int64][]int64)
	var order []int64
	for _, t := range transitions {
		if t.SenderID == 0 {
			continue
		}
		if _, ok := bySender[t.SenderID]; !ok {
			order = append(order, t.SenderID)
		}
		bySender[t.SenderID] = append(bySender[t.SenderID], t.MessageID)
	}

	at := o.now().UTC()
	for _, senderID := range order {
		update := ReceiptUpdate{MessageIDs: bySender[senderID], UserID: userID, Status: status, At: at}
		if err := o.bus.Publish(ctx, broadcast.ReceiptChannel(senderID), EventReceiptUpdate, update); err != nil {
			o.logger.WithError(err).WithFields(logrus.Fields{
				"sender_id": senderID,
				"user_id":   userID,
			}).Warn("Failed to publish receipt update")
		}
	}
}
