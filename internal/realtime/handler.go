package realtime

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"

	"go-chat-delivery/internal/broadcast"
	myMiddleware "go-chat-delivery/internal/middleware"
)

type Handler struct {
	hub      *Hub
	upgrader websocket.Upgrader
}

func NewHandler(hub *Hub, checkOrigin func(r *http.Request) bool) *Handler {
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}
	return &Handler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
	}
}

// ServeWs upgrades an authenticated request and starts the client pumps.
func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	userID, username, ok := myMiddleware.UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.hub.logger.WithError(err).Warn("Websocket upgrade failed")
		return
	}

	client := newClient(h.hub, conn, userID, username)
	if err := h.hub.attach(client); err != nil {
		client.log.WithError(err).Error("Failed to attach client")
		client.cleanup()
		return
	}

	go client.writePump()
	go client.readPump()
}

// attach registers presence and the per-user subscriptions before the pumps
// start, so nothing published after this point is missed.
func (h *Hub) attach(c *Client) error {
	ctx, cancel := context.WithTimeout(c.ctx, handlerTimeout)
	defer cancel()

	if err := h.presence.Connect(ctx, c.UserID); err != nil {
		return err
	}
	for _, channel := range []string{
		broadcast.UserEventsChannel(c.UserID),
		broadcast.ReceiptChannel(c.UserID),
	} {
		unsub, err := h.bus.Subscribe(ctx, channel, c.forward)
		if err != nil {
			return err
		}
		c.subs = append(c.subs, unsub)
	}
	h.join(c)
	c.log.Info("Client connected")
	return nil
}
