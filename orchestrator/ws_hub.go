package main

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/observability"
	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/timeline"
)

// maxWSClients caps concurrent stream connections.
const maxWSClients = 200

// wsWriteWait bounds a single frame write; a client that cannot take a
// frame within it is evicted rather than allowed to stall the hub.
const wsWriteWait = 5 * time.Second

// Hub fans timeline events out to WebSocket clients. A single goroutine
// owns the client set; handlers talk to it through channels.
type Hub struct {
	feed       <-chan timeline.RequestEvent
	register   chan *websocket.Conn
	unregister chan *websocket.Conn

	mu      sync.RWMutex
	clients map[*websocket.Conn]struct{}

	log zerolog.Logger
}

func NewHub(feed <-chan timeline.RequestEvent, log zerolog.Logger) *Hub {
	return &Hub{
		feed:       feed,
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		clients:    make(map[*websocket.Conn]struct{}),
		log:        log.With().Str("component", "ws-hub").Logger(),
	}
}

// Run processes registrations and broadcasts until the context ends.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case conn := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxWSClients {
				h.mu.Unlock()
				conn.Close()
				h.log.Warn().Int("max", maxWSClients).Msg("stream connection rejected, hub full")
				continue
			}
			h.clients[conn] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			observability.WSClients.Set(float64(n))
			h.log.Debug().Int("clients", n).Msg("stream client connected")

		case conn := <-h.unregister:
			h.drop(conn)

		case e := <-h.feed:
			h.broadcast(e)
		}
	}
}

// broadcast writes one event to every client, evicting the ones that fail.
func (h *Hub) broadcast(e timeline.RequestEvent) {
	h.mu.RLock()
	var dead []*websocket.Conn
	for conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(e); err != nil {
			dead = append(dead, conn)
		}
	}
	h.mu.RUnlock()

	for _, conn := range dead {
		h.log.Debug().Msg("evicting slow stream client")
		h.drop(conn)
	}
}

func (h *Hub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
	n := len(h.clients)
	h.mu.Unlock()
	observability.WSClients.Set(float64(n))
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]struct{})
	h.mu.Unlock()
	observability.WSClients.Set(0)
}

// Register hands a fresh connection to the hub.
func (h *Hub) Register(conn *websocket.Conn) {
	h.register <- conn
}

// Unregister removes a connection. When the hub loop is saturated or gone
// the connection is dropped directly instead of waiting.
func (h *Hub) Unregister(conn *websocket.Conn) {
	select {
	case h.unregister <- conn:
	default:
		h.drop(conn)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
