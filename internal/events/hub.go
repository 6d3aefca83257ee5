package events

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	maxHubConnections = 200
	hubBuffer         = 256
	writeDeadline     = 5 * time.Second
)

// Hub broadcasts events to websocket clients. A single broadcaster
// goroutine owns all writes; registration and publishing go through
// channels so no client can stall a state transition.
type Hub struct {
	log        *zap.Logger
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	feed       chan Event

	mu      sync.RWMutex
	clients map[*websocket.Conn]struct{}
}

func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		log:        log,
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		feed:       make(chan Event, hubBuffer),
		clients:    make(map[*websocket.Conn]struct{}),
	}
}

// Publish enqueues the event for broadcast, dropping when the buffer is
// full.
func (h *Hub) Publish(e Event) {
	select {
	case h.feed <- e:
	default:
		h.log.Warn("event feed full, dropping", zap.String("kind", string(e.Kind)))
	}
}

// Register adds a client connection.
func (h *Hub) Register(conn *websocket.Conn) {
	h.register <- conn
}

// Unregister removes and closes a client connection.
func (h *Hub) Unregister(conn *websocket.Conn) {
	h.unregister <- conn
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Run is the broadcaster loop. It exits when ctx is cancelled, closing
// every client.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case conn := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxHubConnections {
				h.mu.Unlock()
				conn.Close()
				h.log.Warn("websocket connection rejected, hub full",
					zap.Int("max", maxHubConnections))
				continue
			}
			h.clients[conn] = struct{}{}
			h.mu.Unlock()

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			h.mu.Unlock()

		case e := <-h.feed:
			h.broadcast(e)
		}
	}
}

func (h *Hub) broadcast(e Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(writeDeadline))
		if err := conn.WriteJSON(e); err != nil {
			h.log.Debug("websocket write failed", zap.Error(err))
			go h.Unregister(conn)
		}
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]struct{})
}
