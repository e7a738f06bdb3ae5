// Package realtime is the gateway's websocket event feed. Connected UI
// clients receive chat deltas, run updates, port state, and approval
// lifecycle events pushed from the internal event bus.
package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/neboloop/conductor/internal/logging"
)

// Message is the envelope for every frame pushed to clients.
type Message struct {
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Hub tracks connected feed clients and fans broadcast frames out to them.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client
}

// NewHub creates an empty hub. Run must be started for clients to attach.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
}

// Run processes register/unregister requests until ctx is cancelled, then
// closes every remaining client.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				client.Close()
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			logging.Infof("[Realtime] Client connected: %s (%d total)", client.ID, h.ClientCount())

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.Close()
			}
			h.mu.Unlock()
			logging.Infof("[Realtime] Client disconnected: %s (%d total)", client.ID, h.ClientCount())
		}
	}
}

// Broadcast sends a frame to every connected client. Slow clients whose send
// buffer is full have the frame dropped rather than stalling the feed.
func (h *Hub) Broadcast(msg *Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		logging.Errorf("[Realtime] Failed to marshal %s frame: %v", msg.Type, err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if err := client.sendRaw(data); err != nil {
			logging.Debugf("[Realtime] Dropped %s frame for %s: %v", msg.Type, client.ID, err)
		}
	}
}

// ClientCount returns the number of attached clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
