// Package realtime pushes change notifications to connected browser clients
// over WebSocket. The sync engine publishes through a [Hub] whenever a pull
// creates, updates or deletes internal events.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// Message is the envelope written to every client.
type Message struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// EventsPayload lists the internal event IDs a message refers to.
type EventsPayload struct {
	IDs []string `json:"ids"`
}

const sendBuffer = 64

// Hub tracks connected clients and fans messages out to them. Slow clients
// whose buffer fills up are dropped.
type Hub struct {
	log *slog.Logger
	now func() time.Time

	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client

	mu      sync.RWMutex
	clients map[*Client]bool
}

// NewHub creates a Hub. Call [Hub.Run] before connecting clients.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		log:        logger,
		now:        func() time.Time { return time.Now().UTC() },
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
	}
}

// Run serves registrations and broadcasts until ctx is cancelled, then
// disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("websocket client connected", "clients", n)

		case c := <-h.unregister:
			h.mu.Lock()
			if h.clients[c] {
				delete(h.clients, c)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("websocket client disconnected", "clients", n)

		case msg := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					delete(h.clients, c)
					close(c.send)
					h.log.Warn("dropping slow websocket client")
				}
			}
			h.mu.Unlock()
		}
	}
}

// Publish broadcasts an "events.<kind>" message carrying ids. It never
// blocks; messages are dropped when the broadcast queue is full.
func (h *Hub) Publish(kind string, ids []string) {
	msg, err := json.Marshal(Message{
		Type:      "events." + kind,
		Timestamp: h.now(),
		Payload:   EventsPayload{IDs: ids},
	})
	if err != nil {
		h.log.Error("encoding websocket message", "error", err)
		return
	}
	select {
	case h.broadcast <- msg:
	default:
		h.log.Warn("broadcast queue full, dropping message", "kind", kind)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Client is one connected browser.
type Client struct {
	send chan []byte
}

func newClient() *Client {
	return &Client{send: make(chan []byte, sendBuffer)}
}
