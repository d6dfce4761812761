package chat

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	apperr "go-chat-delivery/internal/errors"
	"go-chat-delivery/internal/membership"
	"go-chat-delivery/internal/tracing"
)

// Store is the persistence the send pipeline needs. *Repository implements it.
type Store interface {
	FindByID(ctx context.Context, id int64) (*Message, error)
	FindByClientMessageID(ctx context.Context, token string) (*Message, error)
	GetConversation(ctx context.Context, id int64) (*Conversation, error)
	GetMedia(ctx context.Context, ids []int64) ([]Media, error)
	GetReplyTarget(ctx context.Context, id int64) (*ReplyTarget, error)
	Create(ctx context.Context, nm *NewMessage) (int64, error)
	ListPage(ctx context.Context, q PageQuery) ([]*Message, error)
	SoftDelete(ctx context.Context, id, userID int64) (bool, error)
}

type TokenCache interface {
	Get(ctx context.Context, token string) (*CachedSend, error)
	Put(ctx context.Context, token string, cs CachedSend) error
}

type Members interface {
	IsActiveMember(ctx context.Context, conversationID, userID int64) (bool, error)
	ActiveMembers(ctx context.Context, conversationID int64) ([]int64, error)
}

type Authorizer interface {
	CanInteract(ctx context.Context, senderID, targetID int64, action membership.Action) (membership.Decision, error)
}

type Service struct {
	store   Store
	cache   TokenCache
	members Members
	authz   Authorizer
	logger  *logrus.Logger
}

func NewService(store Store, cache TokenCache, members Members, authz Authorizer, logger *logrus.Logger) *Service {
	return &Service{
		store:   store,
		cache:   cache,
		members: members,
		authz:   authz,
		logger:  logger,
	}
}

// Send persists a client message exactly once per idempotency token.
func (s *Service) Send(ctx context.Context, in *SendInput, senderID int64) (*SendResult, error) {
	ctx, span := tracing.Tracer().Start(ctx, "chat.Send")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("conversation.id", in.ConversationID),
		attribute.Int64("sender.id", senderID),
	)

	res, err := s.send(ctx, in, senderID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int64("message.id", res.Message.ID), attribute.Bool("duplicate", res.Duplicate))
	return res, nil
}

func (s *Service) send(ctx context.Context, in *SendInput, senderID int64) (*SendResult, error) {
	if err := ValidateSendInput(in); err != nil {
		return nil, err
	}
	log := s.logger.WithFields(logrus.Fields{
		"conversation_id":   in.ConversationID,
		"sender_id":         senderID,
		"client_message_id": in.ClientMessageID,
	})

	if res, err := s.resolveCached(ctx, in.ClientMessageID, senderID, log); err != nil || res != nil {
		return res, err
	}

	conv, err := s.authorize(ctx, in.ConversationID, senderID)
	if err != nil {
		return nil, err
	}
	if err := s.checkAttachments(ctx, in, senderID); err != nil {
		return nil, err
	}
	if err := s.checkReply(ctx, in); err != nil {
		return nil, err
	}

	id, err := s.store.Create(ctx, &NewMessage{
		ConversationID:  conv.ID,
		SenderID:        senderID,
		Type:            in.Type,
		Content:         in.Content,
		Metadata:        in.Metadata,
		ClientMessageID: in.ClientMessageID,
		ReplyToID:       in.ReplyToID,
		MediaIDs:        in.MediaIDs,
	})
	if errors.Is(err, ErrDuplicateClientMessageID) {
		log.Debug("concurrent duplicate send resolved to committed row")
		existing, err := s.store.FindByClientMessageID(ctx, in.ClientMessageID)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, fmt.Errorf("duplicate token %q but no committed row", in.ClientMessageID)
		}
		if existing.SenderIDOrZero() != senderID {
			return nil, apperr.Invalid("clientMessageId already used")
		}
		s.remember(ctx, in.ClientMessageID, existing, log)
		return &SendResult{Message: existing, Duplicate: true}, nil
	}
	if err != nil {
		return nil, err
	}

	msg, err := s.store.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, fmt.Errorf("message %d vanished after commit", id)
	}
	s.remember(ctx, in.ClientMessageID, msg, log)
	log.WithField("message_id", msg.ID).Debug("message persisted")
	return &SendResult{Message: msg}, nil
}

// resolveCached short-circuits retries whose token is already cached. A cache
// failure is not fatal; the unique constraint still protects the insert.
func (s *Service) resolveCached(ctx context.Context, token string, senderID int64, log *logrus.Entry) (*SendResult, error) {
	cached, err := s.cache.Get(ctx, token)
	if err != nil {
		log.WithError(err).Warn("idempotency cache unavailable")
		return nil, nil
	}
	if cached == nil {
		return nil, nil
	}
	if cached.SenderID != senderID {
		return nil, apperr.Invalid("clientMessageId already used")
	}
	existing, err := s.store.FindByClientMessageID(ctx, token)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, nil
	}
	log.WithField("message_id", existing.ID).Debug("idempotent retry served from cache")
	return &SendResult{Message: existing, Duplicate: true}, nil
}

func (s *Service) remember(ctx context.Context, token string, msg *Message, log *logrus.Entry) {
	err := s.cache.Put(ctx, token, CachedSend{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderIDOrZero(),
	})
	if err != nil {
		log.WithError(err).Warn("failed to cache idempotency token")
	}
}

func (s *Service) authorize(ctx context.Context, conversationID, senderID int64) (*Conversation, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, apperr.NotFound("conversation", conversationID)
	}
	ok, err := s.members.IsActiveMember(ctx, conversationID, senderID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.Forbidden("not a member of this conversation")
	}
	if conv.Type != ConversationDirect {
		return conv, nil
	}

	members, err := s.members.ActiveMembers(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	for _, target := range members {
		if target == senderID {
			continue
		}
		decision, err := s.authz.CanInteract(ctx, senderID, target, membership.ActionSendMessage)
		if err != nil {
			return nil, err
		}
		if !decision.Allowed {
			reason := decision.Reason
			if reason == "" {
				reason = "messaging this user is not allowed"
			}
			return nil, apperr.Forbidden("%s", reason)
		}
	}
	return conv, nil
}

func (s *Service) checkAttachments(ctx context.Context, in *SendInput, senderID int64) error {
	if len(in.MediaIDs) == 0 {
		return nil
	}
	media, err := s.store.GetMedia(ctx, in.MediaIDs)
	if err != nil {
		return err
	}
	found := make(map[int64]Media, len(media))
	for _, m := range media {
		found[m.ID] = m
	}

	ordered := make([]Media, 0, len(in.MediaIDs))
	for _, id := range in.MediaIDs {
		m, ok := found[id]
		if !ok {
			return apperr.NotFound("media", id)
		}
		if m.OwnerID != senderID {
			return apperr.Forbidden("media %d does not belong to you", id)
		}
		if m.DeletedAt != nil {
			return apperr.Invalid("media %d has been deleted", id)
		}
		if m.MessageID != nil {
			return apperr.Invalid("media %d is already attached to a message", id)
		}
		if m.Status != MediaReady && m.Status != MediaProcessing {
			return apperr.Invalid("media %d is not ready (status %s)", id, m.Status)
		}
		ordered = append(ordered, m)
	}
	return ValidateMediaTypeConsistency(in.Type, ordered)
}

func (s *Service) checkReply(ctx context.Context, in *SendInput) error {
	if in.ReplyToID == nil {
		return nil
	}
	target, err := s.store.GetReplyTarget(ctx, *in.ReplyToID)
	if err != nil {
		return err
	}
	if target == nil {
		return apperr.NotFound("reply target", *in.ReplyToID)
	}
	if target.ConversationID != in.ConversationID {
		return apperr.Invalid("replies must stay in the same conversation")
	}
	if target.Deleted {
		return apperr.Invalid("cannot reply to a deleted message")
	}
	return nil
}

// History returns one page of a conversation, newest first.
func (s *Service) History(ctx context.Context, userID int64, q PageQuery) (*Page, error) {
	if q.Limit == 0 {
		q.Limit = DefaultPageLimit
	}
	if q.Limit < 1 || q.Limit > MaxPageLimit {
		return nil, apperr.Invalid("limit must be between 1 and %d", MaxPageLimit)
	}
	switch q.Direction {
	case "":
		q.Direction = DirectionOlder
	case DirectionOlder, DirectionNewer:
	default:
		return nil, apperr.Invalid("direction must be %q or %q", DirectionOlder, DirectionNewer)
	}
	if q.Cursor != nil && *q.Cursor <= 0 {
		return nil, apperr.Invalid("invalid cursor")
	}

	ok, err := s.members.IsActiveMember(ctx, q.ConversationID, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.Forbidden("not a member of this conversation")
	}

	rows, err := s.store.ListPage(ctx, q)
	if err != nil {
		return nil, err
	}
	return buildPage(rows, q), nil
}

func buildPage(rows []*Message, q PageQuery) *Page {
	page := &Page{Messages: rows}
	if len(rows) > q.Limit {
		page.HasNextPage = true
		page.Messages = rows[:q.Limit]
	}
	if q.Direction == DirectionNewer {
		msgs := page.Messages
		for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
			msgs[i], msgs[j] = msgs[j], msgs[i]
		}
	}
	if page.Messages == nil {
		page.Messages = []*Message{}
	}
	if page.HasNextPage && len(page.Messages) > 0 {
		var cursor int64
		if q.Direction == DirectionNewer {
			cursor = page.Messages[0].ID
		} else {
			cursor = page.Messages[len(page.Messages)-1].ID
		}
		page.NextCursor = &cursor
	}
	return page
}

// Delete soft-deletes a message. Only its sender may delete it.
func (s *Service) Delete(ctx context.Context, messageID, userID int64) (*Message, error) {
	msg, err := s.store.FindByID(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, apperr.NotFound("message", messageID)
	}
	if msg.SenderIDOrZero() != userID {
		return nil, apperr.Forbidden("only the sender can delete a message")
	}
	ok, err := s.store.SoftDelete(ctx, messageID, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.NotFound("message", messageID)
	}
	s.logger.WithFields(logrus.Fields{"message_id": messageID, "user_id": userID}).Info("message deleted")
	return msg, nil
}

// Get returns a single undeleted message visible to userID.
func (s *Service) Get(ctx context.Context, messageID, userID int64) (*Message, error) {
	msg, err := s.store.FindByID(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, apperr.NotFound("message", messageID)
	}
	ok, err := s.members.IsActiveMember(ctx, msg.ConversationID, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.Forbidden("not a member of this conversation")
	}
	return msg, nil
}

// Conversation returns the conversation if userID is an active member.
func (s *Service) Conversation(ctx context.Context, conversationID, userID int64) (*Conversation, error) {
	ok, err := s.members.IsActiveMember(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.Forbidden("not a member of this conversation")
	}
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, apperr.NotFound("conversation", conversationID)
	}
	return conv, nil
}
