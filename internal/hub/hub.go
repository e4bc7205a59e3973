package hub

import (
	"encoding/json"
	"expvar"
	"log/slog"
	"sync"
)

// MessageDataUpdated is the only message type pushed to viewers.
const MessageDataUpdated = "data.updated"

var (
	droppedMessages  = expvar.NewInt("hub_dropped_messages_total")
	connectedClients = expvar.NewInt("hub_clients")
)

type Message struct {
	Type string `json:"type"`
}

type Client struct {
	ID   string
	Send chan []byte
}

// Hub fans change messages out to every connected viewer. Delivery is best
// effort: a client whose buffer is full misses the message and is expected to
// catch up through polling.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	logger  *slog.Logger
}

func New(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{clients: make(map[string]*Client), logger: logger}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID] = client
	connectedClients.Set(int64(len(h.clients)))
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	delete(h.clients, client.ID)
	close(client.Send)
	connectedClients.Set(int64(len(h.clients)))
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) Broadcast(payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		select {
		case client.Send <- payload:
		default:
			droppedMessages.Add(1)
			h.logger.Warn("drop message for slow client", "client_id", client.ID)
		}
	}
}

// Notify broadcasts a data.updated message. reason is only logged; viewers
// always reload everything.
func (h *Hub) Notify(reason string) {
	payload, err := json.Marshal(Message{Type: MessageDataUpdated})
	if err != nil {
		h.logger.Error("encode hub message", "error", err)
		return
	}
	h.logger.Debug("broadcast change", "reason", reason, "clients", h.Len())
	h.Broadcast(payload)
}
