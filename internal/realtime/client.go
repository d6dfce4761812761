package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"go-chat-delivery/internal/broadcast"
	"go-chat-delivery/internal/chat"
	apperr "go-chat-delivery/internal/errors"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Send pings to peer with this period. Must be less than pongWait.
	maxMessageSize = 64 * 1024           // Maximum message size allowed from peer.

	sendBufferSize = 256
	handlerTimeout = 10 * time.Second
	recentLimit    = 256
)

// TypingTimeout is how long a typing:start stays active without a refresh.
var TypingTimeout = 5 * time.Second

var (
	errConnClosed   = errors.New("connection closed")
	errSlowConsumer = errors.New("send buffer full")
)

// frame is one outbound websocket message. When written is set the write
// pump reports the outcome of the socket write on it.
type frame struct {
	raw     []byte
	written chan error
}

// Client is a middleman between one websocket connection and the hub.
type Client struct {
	ID       string
	UserID   int64
	Username string

	hub  *Hub
	conn *websocket.Conn
	// Buffered channel of outbound frames.
	send chan frame
	// writerDone is closed when the write pump exits.
	writerDone chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	log    *logrus.Entry

	// views and subs are only touched by the read goroutine.
	views map[int64]func()
	subs  []func()

	mu     sync.Mutex
	closed bool
	typing map[int64]*time.Timer
	recent map[int64]struct{}
	order  []int64
}

func newClient(hub *Hub, conn *websocket.Conn, userID int64, username string) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	return &Client{
		ID:         id,
		UserID:     userID,
		Username:   username,
		hub:        hub,
		conn:       conn,
		send:       make(chan frame, sendBufferSize),
		writerDone: make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
		log: hub.logger.WithFields(logrus.Fields{
			"client_id": id,
			"user_id":   userID,
		}),
		views:  make(map[int64]func()),
		typing: make(map[int64]*time.Timer),
		recent: make(map[int64]struct{}),
	}
}

// Emit queues an event for this connection only.
func (c *Client) Emit(_ context.Context, event string, payload interface{}) error {
	raw, err := broadcast.Encode(event, payload)
	if err != nil {
		return err
	}
	return c.enqueue(frame{raw: raw})
}

// EmitAndWait queues an event and returns once it was written to the socket.
// A nil result means the peer's connection accepted the frame.
func (c *Client) EmitAndWait(ctx context.Context, event string, payload interface{}) error {
	raw, err := broadcast.Encode(event, payload)
	if err != nil {
		return err
	}
	f := frame{raw: raw, written: make(chan error, 1)}
	if err := c.enqueue(f); err != nil {
		return err
	}
	select {
	case err := <-f.written:
		return err
	case <-c.writerDone:
		select {
		case err := <-f.written:
			return err
		default:
			return errConnClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) enqueue(f frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errConnClosed
	}
	select {
	case c.send <- f:
		return nil
	default:
		return errSlowConsumer
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// forward relays a bus event to the socket. A message reaches a viewer both
// through the conversation channel and through the direct push, so
// message:new is deduplicated by id.
func (c *Client) forward(env broadcast.Envelope) {
	switch env.Event {
	case EventMessageNew:
		var m struct {
			ID int64 `json:"id"`
		}
		if err := json.Unmarshal(env.Data, &m); err == nil && !c.remember(m.ID) {
			return
		}
	case EventTypingUpdate:
		var t TypingUpdate
		if err := json.Unmarshal(env.Data, &t); err == nil && t.UserID == c.UserID {
			return
		}
	}

	raw, err := json.Marshal(env)
	if err != nil {
		return
	}
	if err := c.enqueue(frame{raw: raw}); err != nil && !errors.Is(err, errConnClosed) {
		c.log.WithError(err).WithField("event", env.Event).Warn("Dropping event for slow client")
	}
}

// remember reports whether id is new to this connection.
func (c *Client) remember(id int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.recent[id]; ok {
		return false
	}
	c.recent[id] = struct{}{}
	c.order = append(c.order, id)
	if len(c.order) > recentLimit {
		delete(c.recent, c.order[0])
		c.order = c.order[1:]
	}
	return true
}

// readPump pumps frames from the websocket connection to the orchestrator.
// Frames from one connection are handled one at a time, in order.
func (c *Client) readPump() {
	defer c.cleanup()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	c.syncOffline()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.WithError(err).Warn("Websocket closed unexpectedly")
			}
			return
		}
		env, err := broadcast.Decode(raw)
		if err != nil {
			c.replyError("", "", apperr.Invalid("malformed frame"))
			continue
		}
		c.handle(env)
	}
}

func (c *Client) syncOffline() {
	ctx, cancel := context.WithTimeout(c.ctx, handlerTimeout)
	defer cancel()
	if _, err := c.hub.orch.SyncOfflineMessages(ctx, c.UserID, c.EmitAndWait); err != nil {
		c.log.WithError(err).Warn("Offline sync failed")
	}
}

func (c *Client) handle(env broadcast.Envelope) {
	ctx, cancel := context.WithTimeout(c.ctx, handlerTimeout)
	defer cancel()
	orch := c.hub.orch

	switch env.Event {
	case EventMessageSend:
		var in chat.SendInput
		if err := json.Unmarshal(env.Data, &in); err != nil {
			c.replyError(env.Event, "", apperr.Invalid("malformed payload"))
			return
		}
		res, err := orch.SendMessageAndBroadcast(ctx, &in, c.UserID, c.hub.Emit, c.hub.IsOnline)
		if err != nil {
			c.replyError(env.Event, in.ClientMessageID, err)
			return
		}
		c.Emit(ctx, EventMessageAck, MessageAck{
			ClientMessageID: in.ClientMessageID,
			Message:         res.Message,
			Duplicate:       res.Duplicate,
		})

	case EventMessageSeen:
		var in SeenInput
		if err := json.Unmarshal(env.Data, &in); err != nil {
			c.replyError(env.Event, "", apperr.Invalid("malformed payload"))
			return
		}
		if _, err := orch.MarkAsSeen(ctx, c.UserID, &in); err != nil {
			c.replyError(env.Event, "", err)
		}

	case EventTypingStart, EventTypingStop:
		var ref ConversationRef
		if err := json.Unmarshal(env.Data, &ref); err != nil {
			c.replyError(env.Event, "", apperr.Invalid("malformed payload"))
			return
		}
		if env.Event == EventTypingStart {
			if err := orch.TypingStart(ctx, c.UserID, ref.ConversationID); err != nil {
				c.replyError(env.Event, "", err)
				return
			}
			c.armTyping(ref.ConversationID)
			return
		}
		c.disarmTyping(ref.ConversationID)
		if err := orch.TypingStop(ctx, c.UserID, ref.ConversationID); err != nil {
			c.replyError(env.Event, "", err)
		}

	case EventConversationJoin:
		var ref ConversationRef
		if err := json.Unmarshal(env.Data, &ref); err != nil {
			c.replyError(env.Event, "", apperr.Invalid("malformed payload"))
			return
		}
		if err := c.join(ctx, ref.ConversationID); err != nil {
			c.replyError(env.Event, "", err)
		}

	case EventConversationLeave:
		var ref ConversationRef
		if err := json.Unmarshal(env.Data, &ref); err != nil {
			c.replyError(env.Event, "", apperr.Invalid("malformed payload"))
			return
		}
		c.leave(ref.ConversationID)

	default:
		c.replyError(env.Event, "", apperr.Invalid("unknown event %q", env.Event))
	}
}

// join subscribes the connection to a conversation's message and typing
// channels while the user has it open.
func (c *Client) join(ctx context.Context, conversationID int64) error {
	if _, ok := c.views[conversationID]; ok {
		return nil
	}
	if err := c.hub.orch.Authorize(ctx, c.UserID, conversationID); err != nil {
		return err
	}
	unsubMessages, err := c.hub.bus.Subscribe(ctx, broadcast.ConversationChannel(conversationID), c.forward)
	if err != nil {
		return err
	}
	unsubTyping, err := c.hub.bus.Subscribe(ctx, broadcast.TypingChannel(conversationID), c.forward)
	if err != nil {
		unsubMessages()
		return err
	}
	c.views[conversationID] = func() {
		unsubMessages()
		unsubTyping()
	}
	return nil
}

func (c *Client) leave(conversationID int64) {
	if unsub, ok := c.views[conversationID]; ok {
		unsub()
		delete(c.views, conversationID)
	}
}

// armTyping starts or refreshes the implicit typing:stop for a conversation.
func (c *Client) armTyping(conversationID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.typing[conversationID]; ok {
		t.Reset(TypingTimeout)
		return
	}
	c.typing[conversationID] = time.AfterFunc(TypingTimeout, func() {
		c.mu.Lock()
		delete(c.typing, conversationID)
		c.mu.Unlock()
		c.stopTyping(conversationID)
	})
}

func (c *Client) disarmTyping(conversationID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.typing[conversationID]; ok {
		t.Stop()
		delete(c.typing, conversationID)
	}
}

func (c *Client) stopTyping(conversationID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()
	if err := c.hub.orch.TypingStop(ctx, c.UserID, conversationID); err != nil {
		c.log.WithError(err).WithField("conversation_id", conversationID).Debug("Implicit typing stop failed")
	}
}

func (c *Client) replyError(event, clientMessageID string, err error) {
	resp := apperr.ToResponse(err)
	if resp.Code == apperr.ErrCodeInternalError || resp.Code == apperr.ErrCodeDatabaseQuery {
		c.log.WithError(err).WithField("event", event).Error("Request failed")
	}
	c.Emit(c.ctx, EventMessageError, MessageError{
		ClientMessageID: clientMessageID,
		Event:           event,
		Code:            string(resp.Code),
		Message:         resp.Message,
		Retryable:       resp.Retryable,
	})
}

// cleanup runs once when the read side ends.
func (c *Client) cleanup() {
	c.cancel()

	// Presence goes first so nobody treats this user as reachable once the
	// user channels below are unsubscribed.
	presenceCtx, presenceCancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer presenceCancel()
	if err := c.hub.presence.Disconnect(presenceCtx, c.UserID); err != nil {
		c.log.WithError(err).Warn("Presence disconnect failed")
	}

	c.mu.Lock()
	pending := make([]int64, 0, len(c.typing))
	for conversationID, t := range c.typing {
		t.Stop()
		pending = append(pending, conversationID)
	}
	c.typing = make(map[int64]*time.Timer)
	c.mu.Unlock()
	for _, conversationID := range pending {
		c.stopTyping(conversationID)
	}

	for conversationID := range c.views {
		c.leave(conversationID)
	}
	for _, unsub := range c.subs {
		unsub()
	}
	c.subs = nil

	c.hub.leave(c)
	c.conn.Close()
}

// writePump pumps frames from the send channel to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		close(c.writerDone)
		c.conn.Close()
	}()

	for {
		select {
		case f, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			err := c.conn.WriteMessage(websocket.TextMessage, f.raw)
			if f.written != nil {
				f.written <- err
			}
			if err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			ctx, cancel := context.WithTimeout(c.ctx, writeWait)
			if err := c.hub.presence.Refresh(ctx, c.UserID); err != nil {
				c.log.WithError(err).Debug("Presence refresh failed")
			}
			cancel()
		}
	}
}
