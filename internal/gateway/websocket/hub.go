// Package websocket streams timeline events to dashboard clients. Each
// connection holds one broadcaster subscription; the broadcaster's bounded
// queues and stale-subscriber eviction apply to websocket clients the same
// way they apply to any in-process consumer.
package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/samotage/claude-headspace/internal/common/logger"
)

// heartbeatInterval is how long a pump waits on the subscription before
// emitting a heartbeat frame. It doubles as the subscription's activity
// signal, keeping idle dashboards out of the stale sweep.
const heartbeatInterval = 25 * time.Second

// heartbeat is the frame sent when no event arrived within the interval.
var heartbeat = []byte(`{"type":"heartbeat"}`)

// Hub manages all WebSocket client connections.
type Hub struct {
	register   chan *Client
	unregister chan *Client

	mu      sync.Mutex
	clients map[*Client]bool
	logger  *logger.Logger
}

// NewHub creates a hub.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		register:   make(chan *Client),
		unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
		logger:     log.WithFields(zap.String("component", "ws_hub")),
	}
}

// Register adds a client and starts its event pump.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Run processes client registration until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket hub started")
	defer h.logger.Info("WebSocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			go h.pump(client)
			h.logger.Debug("Client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

// pump moves events from the client's broadcaster subscription into its
// send buffer until the subscription is evicted or the client goes away.
func (h *Hub) pump(client *Client) {
	for {
		event := client.sub.Next(heartbeatInterval)
		if event == nil {
			if client.sub.Closed() {
				h.Unregister(client)
				return
			}
			if !client.enqueue(heartbeat) {
				return
			}
			continue
		}

		data, err := json.Marshal(event)
		if err != nil {
			h.logger.Error("Failed to marshal event", zap.Error(err))
			continue
		}
		if !client.enqueue(data) {
			return
		}
	}
}

// removeClient drops a client and closes its subscription.
func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		client.sub.Close()
		client.closeSend()
	}
	h.logger.Debug("Client unregistered", zap.String("client_id", client.ID))
}

// closeAllClients closes every connection at shutdown.
func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		client.sub.Close()
		client.closeSend()
		delete(h.clients, client)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
