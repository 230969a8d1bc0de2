package ws

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 512 // Clients are not expected to send much
	sendQueueSize  = 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 64 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// client is one WebSocket connection. Only writePump writes to conn.
type client struct {
	conn   *websocket.Conn
	send   chan []byte
	remote string
}

// Handler handles WebSocket connections for real-time detections
type Handler struct {
	hub *DetectionHub
}

// NewHandler creates a new WebSocket handler
func NewHandler(hub *DetectionHub) *Handler {
	return &Handler{hub: hub}
}

// ServeHTTP upgrades the request and streams detection messages until the
// client disconnects
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.hub.logger.Warnw("Upgrade error", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := &client{
		conn:   conn,
		send:   make(chan []byte, sendQueueSize),
		remote: r.RemoteAddr,
	}
	h.hub.register(c)

	go h.writePump(c)
	go h.readPump(c)
}

// readPump keeps the connection alive and detects client disconnection
func (h *Handler) readPump(c *client) {
	defer func() {
		h.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.hub.logger.Warnw("Read error", "remote", c.remote, "error", err)
			}
			return
		}
	}
}

// writePump sends queued messages and pings. It exits when the hub closes
// the send queue or a write fails.
func (h *Handler) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				h.hub.logger.Warnw("Error sending to client", "remote", c.remote, "error", err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
