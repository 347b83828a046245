package websocket

import (
	"encoding/json"
	"log/slog"
	"sync"
)

const TypeEntitlementChanged = "entitlement_changed"

// Message tells a client its entitlement record changed. Clients re-read the
// record with check-pro-status rather than trusting the message body.
type Message struct {
	Type   string `json:"type"`
	Email  string `json:"email"`
	Source string `json:"source"`
}

// Hub tracks open streams by the email they watch.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}
	logger  *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
		logger:  logger,
	}
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[c.email]
	if !ok {
		set = make(map[*Client]struct{})
		h.clients[c.email] = set
	}
	set[c] = struct{}{}
}

// Unregister removes c and closes its send channel. Safe to call twice.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.clients[c.email]
	if _, ok := set[c]; !ok {
		return
	}
	delete(set, c)
	close(c.send)
	if len(set) == 0 {
		delete(h.clients, c.email)
	}
}

// EntitlementChanged notifies every stream watching email. It never blocks:
// a client with a full buffer misses the message.
func (h *Hub) EntitlementChanged(email, source string) {
	data, err := json.Marshal(Message{Type: TypeEntitlementChanged, Email: email, Source: source})
	if err != nil {
		h.logger.Error("marshal entitlement message", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients[email] {
		select {
		case c.send <- data:
		default:
			h.logger.Debug("dropped entitlement message, client buffer full", "email", email)
		}
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.clients {
		n += len(set)
	}
	return n
}
