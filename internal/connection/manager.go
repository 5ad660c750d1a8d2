// Package connection owns the single live push channel to the portal.
// It handles the dial, the heartbeat and reconnection; every other
// component observes it read-only through bus events.
package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/BRUFHALO/gestion-de-proyectos-unexca-sub000/internal/bus"
)

// State represents the push-channel lifecycle.
type State string

const (
	StateConnecting State = "connecting"
	StateOpen       State = "open"
	StateClosing    State = "closing"
	StateClosed     State = "closed"
)

// StateChange is the payload of conn.state_changed bus events.
type StateChange struct {
	From State
	To   State
}

// Manager maintains one duplex connection per user identity. A closed
// connection always schedules exactly one reconnect attempt after a fixed
// delay unless the manager has been disposed. Absence of traffic is not
// treated as failure; only transport-level close and error events drive
// reconnection.
type Manager struct {
	endpoint          string
	heartbeatInterval time.Duration
	reconnectDelay    time.Duration
	bus               *bus.Bus
	logger            *zap.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	state    State
	disposed bool
	cancel   context.CancelFunc
}

// NewManager creates a connection manager for the given user identity.
func NewManager(wsBaseURL, userID string, heartbeat, reconnectDelay time.Duration, b *bus.Bus, logger *zap.Logger) *Manager {
	return &Manager{
		endpoint:          endpointFor(wsBaseURL, userID),
		heartbeatInterval: heartbeat,
		reconnectDelay:    reconnectDelay,
		bus:               b,
		logger:            logger,
		state:             StateClosed,
	}
}

func endpointFor(base, userID string) string {
	return strings.TrimRight(base, "/") + "/ws/" + url.PathEscape(userID)
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Open establishes the push channel. Opening while one is already open or
// connecting is a no-op; there is never more than one live connection per
// user identity.
func (m *Manager) Open(ctx context.Context) error {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return fmt.Errorf("connection manager disposed")
	}
	if m.state == StateOpen || m.state == StateConnecting {
		m.mu.Unlock()
		return nil
	}
	m.setStateLocked(StateConnecting)
	m.mu.Unlock()

	conn, _, err := websocket.Dial(ctx, m.endpoint, nil)
	if err != nil {
		m.mu.Lock()
		m.setStateLocked(StateClosed)
		disposed := m.disposed
		m.mu.Unlock()
		if !disposed {
			m.scheduleReconnect()
		}
		return fmt.Errorf("dial push channel: %w", err)
	}

	connCtx, cancel := context.WithCancel(context.Background())

	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		cancel()
		_ = conn.Close(websocket.StatusNormalClosure, "disposed")
		return fmt.Errorf("connection manager disposed")
	}
	m.conn = conn
	m.cancel = cancel
	m.setStateLocked(StateOpen)
	m.mu.Unlock()

	if m.logger != nil {
		m.logger.Info("push channel open", zap.String("endpoint", m.endpoint))
	}

	go m.readLoop(connCtx, conn)
	go m.heartbeatLoop(connCtx, conn)
	return nil
}

// Send writes a raw text frame on the channel.
func (m *Manager) Send(ctx context.Context, data []byte) error {
	m.mu.Lock()
	conn := m.conn
	state := m.state
	m.mu.Unlock()
	if conn == nil || state != StateOpen {
		return fmt.Errorf("push channel not open (state %s)", state)
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// Dispose closes the channel for good; no reconnect is scheduled. The
// manager cannot be reused afterwards.
func (m *Manager) Dispose() {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return
	}
	m.disposed = true
	conn := m.conn
	m.conn = nil
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	if m.state != StateClosed {
		m.setStateLocked(StateClosing)
	}
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client disposed")
	}

	m.mu.Lock()
	if m.state != StateClosed {
		m.setStateLocked(StateClosed)
	}
	m.mu.Unlock()
}

func (m *Manager) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			m.handleClosed(conn)
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			if m.logger != nil {
				m.logger.Warn("undecodable push envelope", zap.Error(err))
			}
			continue
		}
		m.bus.Emit("push."+env.Type, env.Payload)
	}
}

// heartbeatLoop sends a ping text frame every interval while open. A
// missing pong is not treated as failure: reconnection is driven only by
// transport-level close and error events.
func (m *Manager) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(m.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.State() != StateOpen {
				return
			}
			if err := conn.Write(ctx, websocket.MessageText, []byte("ping")); err != nil {
				if m.logger != nil {
					m.logger.Warn("heartbeat write failed", zap.Error(err))
				}
				return
			}
		}
	}
}

// handleClosed runs once per connection when its read loop ends. It clears
// the heartbeat, transitions to closed and schedules exactly one reconnect.
func (m *Manager) handleClosed(conn *websocket.Conn) {
	m.mu.Lock()
	if m.conn != conn {
		// A newer connection already replaced this one.
		m.mu.Unlock()
		return
	}
	m.conn = nil
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	disposed := m.disposed
	m.setStateLocked(StateClosed)
	m.mu.Unlock()

	if disposed {
		return
	}
	if m.logger != nil {
		m.logger.Warn("push channel closed, scheduling reconnect",
			zap.Duration("delay", m.reconnectDelay))
	}
	m.scheduleReconnect()
}

func (m *Manager) scheduleReconnect() {
	time.AfterFunc(m.reconnectDelay, func() {
		m.mu.Lock()
		disposed := m.disposed
		m.mu.Unlock()
		if disposed {
			return
		}
		if err := m.Open(context.Background()); err != nil && m.logger != nil {
			m.logger.Warn("reconnect attempt failed", zap.Error(err))
		}
	})
}

// setStateLocked transitions the state and publishes the change. Callers
// hold m.mu.
func (m *Manager) setStateLocked(to State) {
	if m.state == to {
		return
	}
	from := m.state
	m.state = to
	m.bus.Emit("conn.state_changed", StateChange{From: from, To: to})
}
