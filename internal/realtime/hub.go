package realtime

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"go-chat-delivery/internal/broadcast"
)

// Hub tracks the connections held by this process. Run is the only
// goroutine that touches the clients map.
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	bus      broadcast.Bus
	presence *Presence
	orch     *Orchestrator
	logger   *logrus.Logger

	connections atomic.Int64
}

func NewHub(bus broadcast.Bus, presence *Presence, orch *Orchestrator, logger *logrus.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		bus:        bus,
		presence:   presence,
		orch:       orch,
		logger:     logger,
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case client := <-h.register:
			h.clients[client] = true
			h.connections.Add(1)

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				h.connections.Add(-1)
				client.close()
			}

		case <-ctx.Done():
			for client := range h.clients {
				client.close()
			}
			h.clients = make(map[*Client]bool)
			h.connections.Store(0)
			return
		}
	}
}

func (h *Hub) join(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		c.close()
	}
}

func (h *Hub) leave(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Connections is the number of sockets open on this process.
func (h *Hub) Connections() int64 {
	return h.connections.Load()
}

// ErrNoListener means no process had a socket listening for the user, even
// though presence may still report them online.
var ErrNoListener = errors.New("no listener for user")

// Emit delivers an event to userID on whichever process holds their sockets.
func (h *Hub) Emit(ctx context.Context, userID int64, event string, payload interface{}) error {
	n, err := h.bus.Deliver(ctx, broadcast.UserEventsChannel(userID), event, payload)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNoListener
	}
	return nil
}

func (h *Hub) IsOnline(ctx context.Context, userID int64) bool {
	return h.presence.IsOnline(ctx, userID)
}
