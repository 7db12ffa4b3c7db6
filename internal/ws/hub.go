// Package ws pushes server messages to connected game clients over
// WebSocket and feeds client commands back into the channel registry.
package ws

import (
	"log/slog"
	"sync"

	"github.com/quantrush/invest-engine/internal/message"
	"github.com/quantrush/invest-engine/internal/metrics"
)

// Client is one connected socket. Send must not block: implementations
// buffer and report false when the buffer is full, at which point the hub
// drops the client rather than stall a broadcast.
type Client interface {
	UserID() int64
	Send(msg message.Server) bool
	Close()
}

// Hub tracks which clients are subscribed to which channel and fans
// messages out to them. It implements the registry's Broadcaster.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[Client]struct{}
	users map[int64]map[Client]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		rooms: make(map[string]map[Client]struct{}),
		users: make(map[int64]map[Client]struct{}),
	}
}

// Register tracks a newly connected client.
func (h *Hub) Register(c Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.users[c.UserID()] == nil {
		h.users[c.UserID()] = make(map[Client]struct{})
	}
	h.users[c.UserID()][c] = struct{}{}
	metrics.WebSocketClients.Inc()
}

// Unregister removes a client from every room and closes it.
func (h *Hub) Unregister(c Client) {
	h.mu.Lock()
	removed := false
	if set, ok := h.users[c.UserID()]; ok {
		if _, ok := set[c]; ok {
			removed = true
			delete(set, c)
			if len(set) == 0 {
				delete(h.users, c.UserID())
			}
		}
	}
	for id, room := range h.rooms {
		delete(room, c)
		if len(room) == 0 {
			delete(h.rooms, id)
		}
	}
	h.mu.Unlock()

	if removed {
		metrics.WebSocketClients.Dec()
		c.Close()
	}
}

// Join subscribes a client to a channel's broadcasts.
func (h *Hub) Join(channelID string, c Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[channelID] == nil {
		h.rooms[channelID] = make(map[Client]struct{})
	}
	h.rooms[channelID][c] = struct{}{}
}

// Leave unsubscribes a client from a channel's broadcasts.
func (h *Hub) Leave(channelID string, c Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[channelID]
	if !ok {
		return
	}
	delete(room, c)
	if len(room) == 0 {
		delete(h.rooms, channelID)
	}
}

// Publish sends a message to every client subscribed to the channel.
// Clients whose send buffer is full are dropped.
func (h *Hub) Publish(channelID string, msg message.Server) {
	h.mu.RLock()
	room := h.rooms[channelID]
	targets := make([]Client, 0, len(room))
	for c := range room {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if !c.Send(msg) {
			slog.Warn("dropping slow websocket client", "user", c.UserID(), "channel", channelID)
			h.Unregister(c)
		}
	}
}

// PublishTo sends a message to every socket a user has open.
func (h *Hub) PublishTo(userID int64, msg message.Server) {
	h.mu.RLock()
	set := h.users[userID]
	targets := make([]Client, 0, len(set))
	for c := range set {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if !c.Send(msg) {
			slog.Warn("dropping slow websocket client", "user", userID)
			h.Unregister(c)
		}
	}
}
