// Package gateway is the browser-facing websocket surface: a hub of client
// connections, per-sandbox subscriber sets, and a dispatcher mapping message
// types to operations on the services.
package gateway

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/vedranjukic/apex/internal/logger"
)

// Hub manages all client connections and the sandbox subscriber sets.
type Hub struct {
	// All registered clients.
	clients map[*Client]bool

	// Clients subscribed to a sandbox's event stream.
	sandboxSubscribers map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client

	mu  sync.RWMutex
	log *logger.Logger
}

// NewHub creates an empty hub.
func NewHub(log *logger.Logger) *Hub {
	if log == nil {
		log = logger.Nop()
	}
	return &Hub{
		clients:            make(map[*Client]bool),
		sandboxSubscribers: make(map[string]map[*Client]bool),
		register:           make(chan *Client),
		unregister:         make(chan *Client),
		log:                log.With("component", "ws_hub"),
	}
}

// Run processes client registration until the context ends.
func (h *Hub) Run(ctx context.Context) {
	h.log.Info("websocket hub started")
	defer h.log.Info("websocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.log.Debug("client registered", "client_id", client.ID)

		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
	h.sandboxSubscribers = make(map[string]map[*Client]bool)
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)

	for sandboxID := range client.subscriptions {
		if subs, ok := h.sandboxSubscribers[sandboxID]; ok {
			delete(subs, client)
			if len(subs) == 0 {
				delete(h.sandboxSubscribers, sandboxID)
			}
		}
	}
	h.log.Debug("client unregistered", "client_id", client.ID)
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// SubscribeToSandbox adds a client to a sandbox's subscriber set.
func (h *Hub) SubscribeToSandbox(client *Client, sandboxID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.sandboxSubscribers[sandboxID]; !ok {
		h.sandboxSubscribers[sandboxID] = make(map[*Client]bool)
	}
	h.sandboxSubscribers[sandboxID][client] = true
	client.subscriptions[sandboxID] = true
}

// BroadcastToSandbox delivers one event to every subscriber of the sandbox.
// Each subscriber receives exactly one copy; clients subscribed elsewhere
// receive none.
func (h *Hub) BroadcastToSandbox(sandboxID string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		h.log.Error("failed to marshal broadcast", "error", err)
		return
	}

	h.mu.RLock()
	subs := h.sandboxSubscribers[sandboxID]
	clients := make([]*Client, 0, len(subs))
	for client := range subs {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	for _, client := range clients {
		select {
		case client.send <- data:
		default:
			// Buffer full; the write pump will reap the connection.
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
