package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/netra-systems/netra-gateway/internal/common/errors"
	"github.com/netra-systems/netra-gateway/internal/common/logger"
	"github.com/netra-systems/netra-gateway/internal/gateway/identity"
	ws "github.com/netra-systems/netra-gateway/pkg/websocket"
)

// ManagerState tracks the lifecycle of an isolated manager.
type ManagerState int

const (
	StateCreated ManagerState = iota
	StateActive
	StateCleaning
	StateInactive
)

// String returns the lowercase name of the state.
func (s ManagerState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateActive:
		return "active"
	case StateCleaning:
		return "cleaning_up"
	case StateInactive:
		return "inactive"
	default:
		return "unknown"
	}
}

// IsolatedManager owns the live WebSocket connections for one isolation scope
// (one user's conversation thread). While active it is reachable in the
// factory registry under its isolation key; after cleanup it accepts no
// further connections and all sends fail fast.
type IsolatedManager struct {
	uec *identity.UserExecutionContext
	key string

	connections map[string]*Connection
	agentState  map[string]string // run ID -> status

	state        ManagerState
	createdAt    time.Time
	lastActive   time.Time
	sendFailures uint64

	mu     sync.RWMutex
	logger *logger.Logger
}

// newManager builds a manager in the Created state. The factory activates it
// once it is registered under its isolation key.
func newManager(uec *identity.UserExecutionContext, log *logger.Logger) *IsolatedManager {
	now := time.Now().UTC()
	return &IsolatedManager{
		uec:         uec,
		key:         uec.IsolationKey(),
		connections: make(map[string]*Connection),
		agentState:  make(map[string]string),
		state:       StateCreated,
		createdAt:   now,
		lastActive:  now,
		logger: log.WithFields(
			zap.String("component", "ws_manager"),
			zap.String("isolation_key", uec.IsolationKey()),
		),
	}
}

// activate transitions Created -> Active.
func (m *IsolatedManager) activate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateCreated {
		m.state = StateActive
	}
}

// Context returns the execution context the manager was created for.
func (m *IsolatedManager) Context() *identity.UserExecutionContext {
	return m.uec
}

// Key returns the isolation key the manager is registered under.
func (m *IsolatedManager) Key() string {
	return m.key
}

// State returns the current lifecycle state.
func (m *IsolatedManager) State() ManagerState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// IsActive reports whether the manager still accepts connections and sends.
func (m *IsolatedManager) IsActive() bool {
	return m.State() == StateActive
}

// CreatedAt returns the manager creation time.
func (m *IsolatedManager) CreatedAt() time.Time {
	return m.createdAt
}

// LastActive returns the time of the most recent connection or send activity.
func (m *IsolatedManager) LastActive() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastActive
}

// IdleFor returns how long the manager has been without traffic.
func (m *IsolatedManager) IdleFor() time.Duration {
	return time.Since(m.LastActive())
}

// ConnectionCount returns the number of live connections.
func (m *IsolatedManager) ConnectionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// SendFailures returns the count of per-connection delivery failures recorded
// during broadcasts.
func (m *IsolatedManager) SendFailures() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sendFailures
}

// touch updates the activity timestamp. Callers must hold m.mu.
func (m *IsolatedManager) touch() {
	m.lastActive = time.Now().UTC()
}

// Touch updates the activity timestamp, for callers outside the package lock.
func (m *IsolatedManager) Touch() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touch()
}

// AddConnection registers a connection with the manager. Adding to a manager
// that is no longer active is an error: the caller must not silently attach a
// socket to a dead scope.
func (m *IsolatedManager) AddConnection(c *Connection) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateActive {
		return apperrors.ManagerInactive(m.key)
	}

	m.connections[c.ID] = c
	m.touch()

	m.logger.Debug("Connection added",
		zap.String("connection_id", c.ID),
		zap.Int("connections", len(m.connections)))
	return nil
}

// RemoveConnection detaches a connection, typically when its read pump exits.
func (m *IsolatedManager) RemoveConnection(connectionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.connections[connectionID]; !ok {
		return
	}
	delete(m.connections, connectionID)
	m.touch()

	m.logger.Debug("Connection removed",
		zap.String("connection_id", connectionID),
		zap.Int("connections", len(m.connections)))
}

// Broadcast serializes the message once and fans it out to every live
// connection. A failure on one connection is recorded and never aborts
// delivery to the others. Broadcasting on an inactive manager fails fast.
func (m *IsolatedManager) Broadcast(msg *ws.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return apperrors.InternalError("failed to marshal broadcast message", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateActive {
		return apperrors.ManagerInactive(m.key)
	}

	for _, conn := range m.connections {
		if err := conn.enqueue(data); err != nil {
			m.sendFailures++
			m.logger.Warn("Dropped message for connection",
				zap.String("connection_id", conn.ID),
				zap.Error(err))
		}
	}
	m.touch()
	return nil
}

// SendEvent broadcasts a notification with the given action and payload.
func (m *IsolatedManager) SendEvent(action string, payload interface{}) error {
	msg, err := ws.NewNotification(action, payload)
	if err != nil {
		return apperrors.InternalError("failed to build notification", err)
	}
	return m.Broadcast(msg)
}

// SetAgentState records the status of an agent run within this scope.
func (m *IsolatedManager) SetAgentState(runID, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agentState[runID] = status
}

// AgentState returns the status of one agent run.
func (m *IsolatedManager) AgentState(runID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	status, ok := m.agentState[runID]
	return status, ok
}

// AgentStates returns a copy of all tracked agent run statuses.
func (m *IsolatedManager) AgentStates() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.agentState))
	for k, v := range m.agentState {
		out[k] = v
	}
	return out
}

// teardown transitions the manager to Inactive and closes every connection.
// Socket closes are bounded by closeTimeout so one unresponsive peer cannot
// stall the cap-enforcement path. Safe to call more than once.
func (m *IsolatedManager) teardown(closeTimeout time.Duration) {
	m.mu.Lock()
	if m.state == StateCleaning || m.state == StateInactive {
		m.mu.Unlock()
		return
	}
	m.state = StateCleaning
	conns := make([]*Connection, 0, len(m.connections))
	for _, c := range m.connections {
		conns = append(conns, c)
	}
	m.connections = make(map[string]*Connection)
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		for _, c := range conns {
			c.Close()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(closeTimeout):
		m.logger.Warn("Manager teardown timed out closing connections",
			zap.Int("connections", len(conns)),
			zap.Duration("timeout", closeTimeout))
	}

	m.mu.Lock()
	m.state = StateInactive
	m.mu.Unlock()

	m.logger.Debug("Manager torn down", zap.Int("closed_connections", len(conns)))
}
