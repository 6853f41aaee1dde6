// Package websocket implements the per-user, per-thread isolated WebSocket
// connection managers and the factory that owns them.
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/netra-systems/netra-gateway/internal/common/logger"
	ws "github.com/netra-systems/netra-gateway/pkg/websocket"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024 // 512KB
)

// Connection represents a single physical WebSocket connection. It belongs to
// exactly one manager at a time.
type Connection struct {
	ID          string
	UserID      string
	ConnectedAt time.Time

	conn     *websocket.Conn
	manager  *IsolatedManager
	send     chan []byte
	metadata map[string]string

	sendMu     sync.Mutex
	sendClosed bool

	closeOnce sync.Once
	logger    *logger.Logger
}

// NewConnection wraps an upgraded socket for the given manager.
func NewConnection(id, userID string, conn *websocket.Conn, manager *IsolatedManager, log *logger.Logger) *Connection {
	return &Connection{
		ID:          id,
		UserID:      userID,
		ConnectedAt: time.Now().UTC(),
		conn:        conn,
		manager:     manager,
		send:        make(chan []byte, 256),
		metadata:    make(map[string]string),
		logger:      log.WithFields(zap.String("client_id", id)),
	}
}

// SetMetadata records a metadata entry on the connection.
func (c *Connection) SetMetadata(key, value string) {
	c.metadata[key] = value
}

// enqueue hands serialized bytes to the write pump. Returns an error when the
// connection is already closed or the client's send buffer is full; the
// caller records it as a delivery failure. The closed check and the channel
// send share one mutex with Close, so manager teardown racing an in-flight
// dispatch can never send on a closed channel.
func (c *Connection) enqueue(data []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.sendClosed {
		return fmt.Errorf("connection %s is closed", c.ID)
	}

	select {
	case c.send <- data:
		return nil
	default:
		return fmt.Errorf("send buffer full for connection %s", c.ID)
	}
}

// Close shuts the connection down exactly once: the send channel is closed so
// the write pump exits, then the socket itself is closed.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.sendMu.Lock()
		c.sendClosed = true
		close(c.send)
		c.sendMu.Unlock()
		if c.conn != nil {
			_ = c.conn.Close()
		}
	})
}

// ReadPump pumps messages from the WebSocket connection into the dispatcher.
// It detaches the connection from its manager when the peer goes away.
func (c *Connection) ReadPump(ctx context.Context, dispatcher *ws.Dispatcher) {
	defer func() {
		c.manager.RemoveConnection(c.ID)
		c.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket read error", zap.Error(err))
			}
			break
		}

		var msg ws.Message
		if err := json.Unmarshal(message, &msg); err != nil {
			c.logger.Error("Failed to parse message", zap.Error(err))
			c.sendError("", "", ws.ErrorCodeBadRequest, "Invalid message format", nil)
			continue
		}

		c.handleMessage(ctx, dispatcher, &msg)
	}
}

// handleMessage processes one inbound message.
func (c *Connection) handleMessage(ctx context.Context, dispatcher *ws.Dispatcher, msg *ws.Message) {
	c.logger.Debug("Received message",
		zap.String("action", msg.Action),
		zap.String("id", msg.ID))

	// thread.status needs the owning manager, so it is answered here
	if msg.Action == ws.ActionThreadStatus {
		c.handleThreadStatus(msg)
		return
	}

	response, err := dispatcher.Dispatch(ctx, msg)
	if err != nil {
		c.logger.Error("Handler error",
			zap.String("action", msg.Action),
			zap.Error(err))
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error(), nil)
		return
	}

	if response != nil {
		c.sendMessage(response)
	}
}

// handleThreadStatus reports the owning manager's state and agent run status.
func (c *Connection) handleThreadStatus(msg *ws.Message) {
	resp, err := ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"thread_id":   c.manager.Context().ThreadID,
		"state":       c.manager.State().String(),
		"connections": c.manager.ConnectionCount(),
		"agent_runs":  c.manager.AgentStates(),
	})
	if err != nil {
		c.logger.Error("Failed to create status response", zap.Error(err))
		return
	}
	c.sendMessage(resp)
}

// sendMessage serializes and enqueues a message for this connection only.
func (c *Connection) sendMessage(msg *ws.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("Failed to marshal message", zap.Error(err))
		return
	}

	if err := c.enqueue(data); err != nil {
		c.logger.Warn("Client send buffer full")
	}
}

// sendError sends an error message to the client
func (c *Connection) sendError(id, action, code, message string, details map[string]interface{}) {
	msg, err := ws.NewError(id, action, code, message, details)
	if err != nil {
		c.logger.Error("Failed to create error message", zap.Error(err))
		return
	}
	c.sendMessage(msg)
}

// WritePump pumps queued messages out to the peer and keeps the connection
// alive with periodic pings.
func (c *Connection) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Manager closed the channel
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)

			// Batch additional queued messages
			n := len(c.send)
			for i := 0; i < n; i++ {
				_, _ = w.Write([]byte{'\n'})
				_, _ = w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
