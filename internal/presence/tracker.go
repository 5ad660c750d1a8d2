// Package presence keeps an in-memory view of which portal users are
// currently online. The map is fed by push envelopes and reset whenever
// the socket reopens, since events missed while offline are never replayed.
package presence

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BRUFHALO/gestion-de-proyectos-unexca-sub000/internal/bus"
	"github.com/BRUFHALO/gestion-de-proyectos-unexca-sub000/internal/connection"
)

// Status is the last known presence of a single user.
type Status struct {
	Online     bool
	LastSeenAt time.Time
}

// Tracker maintains presence state for every user the server has
// reported on during the current connection.
type Tracker struct {
	bus    *bus.Bus
	logger *zap.Logger

	mu    sync.RWMutex
	users map[string]Status
}

func NewTracker(b *bus.Bus, logger *zap.Logger) *Tracker {
	return &Tracker{
		bus:    b,
		logger: logger,
		users:  make(map[string]Status),
	}
}

// Start subscribes to presence pushes and connection state changes,
// running until ctx is cancelled.
func (t *Tracker) Start(ctx context.Context) {
	pushes, cancelPush := t.bus.Subscribe("push", 64)
	states, cancelState := t.bus.Subscribe("conn", 8)

	go func() {
		defer cancelPush()
		defer cancelState()
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-pushes:
				t.handlePush(ev)
			case ev := <-states:
				t.handleState(ev)
			}
		}
	}()
}

func (t *Tracker) handlePush(ev bus.Event) {
	switch ev.Kind {
	case "push.user_online":
		if id := decodeUserID(ev.Payload); id != "" {
			t.SetOnline(id, true)
		}
	case "push.user_offline":
		if id := decodeUserID(ev.Payload); id != "" {
			t.SetOnline(id, false)
		}
	}
}

func (t *Tracker) handleState(ev bus.Event) {
	if ev.Kind != "conn.state_changed" {
		return
	}
	change, ok := ev.Payload.(connection.StateChange)
	if !ok || change.To != connection.StateOpen {
		return
	}
	t.Reset()
	t.logger.Debug("presence reset on reconnect")
}

func decodeUserID(payload any) string {
	raw, ok := payload.(json.RawMessage)
	if !ok {
		return ""
	}
	var p connection.PresencePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return ""
	}
	return p.UserID
}

// SetOnline records a presence transition for one user.
func (t *Tracker) SetOnline(userID string, online bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.users[userID] = Status{Online: online, LastSeenAt: time.Now()}
}

// IsOnline reports whether the user is currently marked online. Users
// the server never reported on default to offline.
func (t *Tracker) IsOnline(userID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.users[userID].Online
}

// Lookup returns the full status and whether the user is known at all.
func (t *Tracker) Lookup(userID string) (Status, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.users[userID]
	return s, ok
}

// Reset drops all presence state. Called when the socket reopens, since
// transitions missed while disconnected leave the map stale.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	clear(t.users)
}
