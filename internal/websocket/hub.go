package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/dukerupert/rouse/internal/event"
	"github.com/dukerupert/rouse/internal/model"
)

// Message is one bus event as seen by presentation clients.
type Message struct {
	Type   string `json:"type"`
	Entity string `json:"entity"`
	Action string `json:"action"`
	ID     string `json:"id,omitempty"`
	Data   any    `json:"data,omitempty"`
}

// NewMessage creates a Message with the Type field derived from entity and action.
func NewMessage(entity, action, id string, data any) Message {
	return Message{
		Type:   fmt.Sprintf("%s_%s", entity, action),
		Entity: entity,
		Action: action,
		ID:     id,
		Data:   data,
	}
}

// MessageFromEvent maps a topic like "ringing.started" to entity "ringing"
// and action "started".
func MessageFromEvent(ev event.Event) Message {
	entity, action, _ := strings.Cut(ev.Topic, ".")
	var id string
	if a, ok := ev.Payload.(model.Alarm); ok {
		id = a.ID
	}
	return NewMessage(entity, action, id, ev.Payload)
}

// Hub maintains the set of active WebSocket clients and broadcasts messages.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	logger  *slog.Logger
}

// NewHub creates a new Hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients: make(map[*Client]struct{}),
		logger:  logger,
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

// Unregister removes a client from the hub and closes its send channel.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// Broadcast queues msg for every client. A client whose buffer is full has
// fallen behind the ringing state and is dropped; its connection closes and
// the presentation layer reconnects with fresh state.
func (h *Hub) Broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("marshal broadcast", "type", msg.Type, "error", err)
		return
	}

	var slow []*Client
	h.mu.RLock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn("dropping slow client", "type", msg.Type)
		h.Unregister(c)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// forwarded lists the topic prefixes clients care about. Raw channel
// triggers stay internal.
var forwarded = []string{"ringing.", "mission.", "alarm.", "sync."}

// Bridge broadcasts bus events to every client until ctx is done.
func (h *Hub) Bridge(ctx context.Context, bus *event.Bus) error {
	sub := bus.SubscribeSize("", 64)
	defer bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-sub.Ch():
			for _, p := range forwarded {
				if strings.HasPrefix(ev.Topic, p) {
					h.Broadcast(MessageFromEvent(ev))
					break
				}
			}
		}
	}
}
