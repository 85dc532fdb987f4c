// Package ws fans stored messages and status changes out to connected
// dashboard sessions. Delivery is best-effort and scoped per conversation:
// a session only sees events for conversations it subscribed to, and slow
// consumers are dropped rather than buffered without bound. Dashboards
// reconcile via fetch-on-reconnect.
package ws

import (
	"encoding/json"
	"log/slog"
	"sync"

	"ChatHive/entity"
)

// ClientMessageHandler handles actionable messages from dashboard sessions.
type ClientMessageHandler interface {
	HandleMarkRead(user *entity.UserAuth, conversationID string) error
}

// Event is a fan-out message for dashboard sessions.
type Event struct {
	Type           string `json:"type"` // "new_message" | "status_changed"
	ConversationID string `json:"conversation_id"`
	Data           any    `json:"data"`
}

// Hub maintains the set of active sessions and routes events to the ones
// subscribed to an event's conversation channel.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan *Event
	register   chan *Client
	unregister chan *Client
	mu         sync.Mutex
	handler    ClientMessageHandler
	log        *slog.Logger
}

func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan *Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		log:        log,
	}
}

// SetHandler sets the handler for actionable client messages.
func (h *Hub) SetHandler(handler ClientMessageHandler) {
	h.handler = handler
}

// Run starts the hub's event loop. Should be called in a goroutine.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()

		case event := <-h.broadcast:
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			h.mu.Lock()
			for client := range h.clients {
				if !client.subscribed(event.ConversationID) {
					continue
				}
				select {
				case client.send <- data:
				default:
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Publish queues an event for every session subscribed to the conversation.
// With zero subscribers this is a cheap no-op.
func (h *Hub) Publish(conversationID string, event *Event) {
	event.ConversationID = conversationID
	h.broadcast <- event
}

// NotifyNewMessage implements the conversation store's fan-out hook.
func (h *Hub) NotifyNewMessage(conversationID string, msg *entity.Message) {
	h.Publish(conversationID, &Event{
		Type: "new_message",
		Data: msg,
	})
}

// NotifyStatusChanged implements the conversation store's fan-out hook.
func (h *Hub) NotifyStatusChanged(conversationID string, data any) {
	h.Publish(conversationID, &Event{
		Type: "status_changed",
		Data: data,
	})
}

// clientEvent is an incoming message from a dashboard session.
type clientEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// HandleClientMessage parses and dispatches an incoming session message.
// Subscribe and unsubscribe manage the session's conversation channels;
// mark_read is forwarded to the handler.
func (h *Hub) HandleClientMessage(client *Client, raw []byte) {
	var event clientEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		if h.log != nil {
			h.log.Warn("failed to parse client ws message", slog.String("error", err.Error()))
		}
		return
	}

	var data struct {
		ConversationID string `json:"conversation_id"`
	}
	if err := json.Unmarshal(event.Data, &data); err != nil || data.ConversationID == "" {
		return
	}

	switch event.Type {
	case "subscribe":
		client.subscribe(data.ConversationID)
	case "unsubscribe":
		client.unsubscribe(data.ConversationID)
	case "mark_read":
		if h.handler == nil {
			return
		}
		if err := h.handler.HandleMarkRead(client.user, data.ConversationID); err != nil {
			if h.log != nil {
				h.log.Error("failed to handle mark_read",
					slog.String("username", client.user.Username),
					slog.String("conversation_id", data.ConversationID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
