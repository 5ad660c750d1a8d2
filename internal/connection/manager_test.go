package connection

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/BRUFHALO/gestion-de-proyectos-unexca-sub000/internal/bus"
)

// pushServer accepts websocket connections and exposes them to the test.
type pushServer struct {
	*httptest.Server
	conns    chan *websocket.Conn
	accepted atomic.Int32
}

func newPushServer(t *testing.T) *pushServer {
	t.Helper()
	ps := &pushServer{conns: make(chan *websocket.Conn, 4)}
	ps.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ps.accepted.Add(1)
		ps.conns <- c
		// Keep the connection alive until the test server shuts down.
		ctx := r.Context()
		<-ctx.Done()
	}))
	t.Cleanup(ps.Close)
	return ps
}

func wsURL(s *pushServer) string {
	return strings.Replace(s.URL, "http://", "ws://", 1)
}

func waitConn(t *testing.T, ps *pushServer) *websocket.Conn {
	t.Helper()
	select {
	case c := <-ps.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for server-side connection")
		return nil
	}
}

func TestOpenPublishesEnvelopes(t *testing.T) {
	ps := newPushServer(t)
	b := bus.New()
	ch, unsub := b.Subscribe("push.", 10)
	defer unsub()

	m := NewManager(wsURL(ps), "u1", time.Minute, time.Minute, b, nil)
	defer m.Dispose()
	if err := m.Open(context.Background()); err != nil {
		t.Fatal(err)
	}

	server := waitConn(t, ps)
	err := server.Write(context.Background(), websocket.MessageText,
		[]byte(`{"type":"new_message","payload":{"id":"m1"}}`))
	if err != nil {
		t.Fatal(err)
	}

	select {
	case evt := <-ch:
		if evt.Kind != "push.new_message" {
			t.Errorf("kind = %q, want push.new_message", evt.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for push event")
	}

	if got := m.State(); got != StateOpen {
		t.Errorf("state = %s, want open", got)
	}
}

func TestOpenWhileOpenIsNoOp(t *testing.T) {
	ps := newPushServer(t)
	b := bus.New()

	m := NewManager(wsURL(ps), "u1", time.Minute, time.Minute, b, nil)
	defer m.Dispose()
	if err := m.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitConn(t, ps)

	// Second open must not dial again.
	if err := m.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	if n := ps.accepted.Load(); n != 1 {
		t.Errorf("server accepted %d connections, want 1", n)
	}
}

func TestHeartbeatSendsPing(t *testing.T) {
	ps := newPushServer(t)
	b := bus.New()

	m := NewManager(wsURL(ps), "u1", 50*time.Millisecond, time.Minute, b, nil)
	defer m.Dispose()
	if err := m.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	server := waitConn(t, ps)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := server.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "ping" {
		t.Errorf("frame = %q, want ping", data)
	}
}

func TestReconnectAfterServerClose(t *testing.T) {
	ps := newPushServer(t)
	b := bus.New()
	stateCh, unsub := b.Subscribe("conn.", 20)
	defer unsub()

	m := NewManager(wsURL(ps), "u1", time.Minute, 50*time.Millisecond, b, nil)
	defer m.Dispose()
	if err := m.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	server := waitConn(t, ps)

	// Server drops the connection.
	_ = server.Close(websocket.StatusGoingAway, "bye")

	// The manager must pass through closed and re-open on its own.
	sawClosed := false
	deadline := time.After(3 * time.Second)
	for {
		select {
		case evt := <-stateCh:
			change := evt.Payload.(StateChange)
			if change.To == StateClosed {
				sawClosed = true
			}
			if sawClosed && change.To == StateOpen {
				if n := ps.accepted.Load(); n != 2 {
					t.Errorf("server accepted %d connections, want 2", n)
				}
				return
			}
		case <-deadline:
			t.Fatal("timeout waiting for reconnect")
		}
	}
}

func TestDisposePreventsReconnect(t *testing.T) {
	ps := newPushServer(t)
	b := bus.New()

	m := NewManager(wsURL(ps), "u1", time.Minute, 20*time.Millisecond, b, nil)
	if err := m.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitConn(t, ps)

	m.Dispose()
	time.Sleep(200 * time.Millisecond)

	if n := ps.accepted.Load(); n != 1 {
		t.Errorf("server accepted %d connections after dispose, want 1", n)
	}
	if got := m.State(); got != StateClosed {
		t.Errorf("state = %s, want closed", got)
	}
	if err := m.Open(context.Background()); err == nil {
		t.Error("Open after Dispose should fail")
	}
}

func TestSendRequiresOpenChannel(t *testing.T) {
	b := bus.New()
	m := NewManager("ws://127.0.0.1:0", "u1", time.Minute, time.Minute, b, nil)
	if err := m.Send(context.Background(), []byte("x")); err == nil {
		t.Error("Send on closed channel should fail")
	}
}
