package ws

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"framepipe/internal/pipeline"
)

// DetectionHub manages WebSocket clients for real-time detection streaming
type DetectionHub struct {
	clients map[*client]bool
	mu      sync.RWMutex

	labels map[int]string
	logger *zap.SugaredLogger

	sent    atomic.Uint64
	dropped atomic.Uint64
}

// HubStats is a snapshot of hub counters
type HubStats struct {
	Clients int    `json:"clients"`
	Sent    uint64 `json:"sent"`
	Dropped uint64 `json:"dropped"` // Messages not queued because a client was too slow
}

// NewDetectionHub creates a new detection hub. labels may be nil.
func NewDetectionHub(labels map[int]string, logger *zap.SugaredLogger) *DetectionHub {
	return &DetectionHub{
		clients: make(map[*client]bool),
		labels:  labels,
		logger:  logger,
	}
}

func (h *DetectionHub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = true
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Infow("Client registered", "remote", c.remote, "total", n)
}

// unregister removes a client and closes its send queue. Safe to call twice.
func (h *DetectionHub) unregister(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
	if ok {
		h.logger.Infow("Client unregistered", "remote", c.remote)
	}
}

// HasClients returns true if any client is connected
func (h *DetectionHub) HasClients() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients) > 0
}

// ClientCount returns the number of connected clients
func (h *DetectionHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast queues a message for every client. Clients whose queue is full
// miss the message.
func (h *DetectionHub) Broadcast(message []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		select {
		case c.send <- message:
			h.sent.Add(1)
		default:
			h.dropped.Add(1)
		}
	}
}

// OnResult broadcasts a pipeline result to all clients
func (h *DetectionHub) OnResult(result *pipeline.Result) {
	if !h.HasClients() {
		return
	}

	data, err := json.Marshal(NewDetectionMessage(result, h.labels))
	if err != nil {
		h.logger.Errorw("Error marshaling detection message", "error", err)
		return
	}
	h.Broadcast(data)
}

// Close disconnects all clients
func (h *DetectionHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

// Stats returns a snapshot of the hub counters
func (h *DetectionHub) Stats() HubStats {
	return HubStats{
		Clients: h.ClientCount(),
		Sent:    h.sent.Load(),
		Dropped: h.dropped.Load(),
	}
}

var _ pipeline.ResultHandler = (*DetectionHub)(nil)
