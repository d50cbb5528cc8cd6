// ABOUTME: One WebSocket connection with a buffered FIFO send queue and read/write pumps
// ABOUTME: Send never blocks; a full queue drops the message for this connection only

package transport

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/sacmes-gateway/internal/protocol"
)

type role string

const (
	roleAgent  role = "agent"
	roleViewer role = "viewer"
)

// client adapts a WebSocket to broker.Conn.
type client struct {
	ws     *websocket.Conn
	handle string
	role   role
	timing timing
	logger *slog.Logger

	mu     sync.RWMutex
	send   chan []byte
	closed bool
}

type timing struct {
	writeWait      time.Duration
	pongWait       time.Duration
	pingPeriod     time.Duration
	maxMessageSize int64
}

func newClient(ws *websocket.Conn, handle string, r role, buffer int, t timing, logger *slog.Logger) *client {
	return &client{
		ws:     ws,
		handle: handle,
		role:   r,
		timing: t,
		send:   make(chan []byte, buffer),
		logger: logger.With("handle", handle, "role", string(r)),
	}
}

// Handle returns the connection's opaque identifier.
func (c *client) Handle() string {
	return c.handle
}

// Send encodes ev and queues it for the write pump.
func (c *client) Send(ev protocol.Outbound) bool {
	data, err := protocol.Encode(ev)
	if err != nil {
		c.logger.Error("encoding outbound event", "kind", ev.Kind(), "error", err)
		return false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// Close stops accepting messages. The write pump flushes what is queued,
// sends a close frame, and closes the socket.
func (c *client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// readPump delivers each text frame to handle until the socket fails.
func (c *client) readPump(handle func(data []byte)) {
	defer func() {
		c.Close()
		_ = c.ws.Close()
	}()

	c.ws.SetReadLimit(c.timing.maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.timing.pongWait))
	c.ws.SetPongHandler(func(string) error {
		_ = c.ws.SetReadDeadline(time.Now().Add(c.timing.pongWait))
		return nil
	})

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn("read error", "error", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.timing.pongWait))

		if msgType != websocket.TextMessage {
			continue
		}
		handle(data)
	}
}

// writePump drains the send queue in order and keeps the peer alive with pings.
func (c *client) writePump() {
	ticker := time.NewTicker(c.timing.pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.timing.writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.timing.writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
