package presence

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/BRUFHALO/gestion-de-proyectos-unexca-sub000/internal/bus"
	"github.com/BRUFHALO/gestion-de-proyectos-unexca-sub000/internal/connection"
)

func presencePayload(t *testing.T, userID string) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(connection.PresencePayload{UserID: userID})
	if err != nil {
		t.Fatal(err)
	}
	return json.RawMessage(raw)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never met")
}

func TestPresenceFollowsPushEvents(t *testing.T) {
	b := bus.New()
	tr := NewTracker(b, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr.Start(ctx)

	if tr.IsOnline("u2") {
		t.Fatal("unknown user must default to offline")
	}

	b.Publish(bus.Event{Kind: "push.user_online", Payload: presencePayload(t, "u2")})
	waitFor(t, func() bool { return tr.IsOnline("u2") })

	b.Publish(bus.Event{Kind: "push.user_offline", Payload: presencePayload(t, "u2")})
	waitFor(t, func() bool { return !tr.IsOnline("u2") })

	s, known := tr.Lookup("u2")
	if !known || s.Online {
		t.Fatalf("expected known offline user, got %+v known=%v", s, known)
	}
}

func TestReconnectResetsPresence(t *testing.T) {
	b := bus.New()
	tr := NewTracker(b, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr.Start(ctx)

	b.Publish(bus.Event{Kind: "push.user_online", Payload: presencePayload(t, "u3")})
	waitFor(t, func() bool { return tr.IsOnline("u3") })

	b.Publish(bus.Event{
		Kind:    "conn.state_changed",
		Payload: connection.StateChange{From: connection.StateClosed, To: connection.StateOpen},
	})
	waitFor(t, func() bool {
		_, known := tr.Lookup("u3")
		return !known
	})
}
