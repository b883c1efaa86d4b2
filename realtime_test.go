package chatterbox

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// ============================================================================
// Test Helpers
// ============================================================================

type wsServer struct {
	*httptest.Server
	frames  chan Envelope
	headers chan string
	conns   atomic.Int32
}

// newWSServer accepts websocket connections, forwards every client frame to
// frames and lets handle drive the server side of each connection.
func newWSServer(t *testing.T, handle func(ctx context.Context, n int32, conn *websocket.Conn)) *wsServer {
	t.Helper()
	s := &wsServer{
		frames:  make(chan Envelope, 64),
		headers: make(chan string, 8),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		n := s.conns.Add(1)
		s.headers <- r.Header.Get("Authorization")
		ctx := r.Context()

		if handle != nil {
			handle(ctx, n, conn)
		}
		for {
			var env Envelope
			if err := wsjson.Read(ctx, conn, &env); err != nil {
				return
			}
			s.frames <- env
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *wsServer) next(t *testing.T) Envelope {
	t.Helper()
	select {
	case env := <-s.frames:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a client frame")
		return Envelope{}
	}
}

func payloadUserID(t *testing.T, env Envelope) string {
	t.Helper()
	var p UserIDPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("decode %s payload: %v", env.Type, err)
	}
	return p.UserID
}

func serverSend(ctx context.Context, conn *websocket.Conn, kind string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return wsjson.Write(ctx, conn, Envelope{Type: kind, Payload: raw})
}

// ============================================================================
// Channel
// ============================================================================

func TestChannelConnect(t *testing.T) {
	srv := newWSServer(t, func(ctx context.Context, _ int32, conn *websocket.Conn) {
		for _, id := range []string{"m1", "m2", "m3"} {
			_ = serverSend(ctx, conn, EventReceiveMessage, InboundMessage{ID: id, From: bobID, To: aliceID, Message: id})
		}
	})

	ch := NewChannel(RealtimeConfig{URL: srv.URL, DisableReconnect: true})
	t.Cleanup(ch.Disconnect)

	var mu sync.Mutex
	var got []string
	all := make(chan struct{})
	ch.On(EventReceiveMessage, func(p json.RawMessage) {
		var in InboundMessage
		_ = json.Unmarshal(p, &in)
		mu.Lock()
		defer mu.Unlock()
		got = append(got, in.ID)
		if len(got) == 3 {
			close(all)
		}
	})
	var connects atomic.Int32
	ch.On(EventConnect, func(json.RawMessage) { connects.Add(1) })

	if err := ch.Connect(context.Background(), "tok-1", aliceID); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if ch.State() != StateConnected || connects.Load() != 1 {
		t.Fatalf("expected connected, got %s with %d connect events", ch.State(), connects.Load())
	}
	if h := <-srv.headers; h != "Bearer tok-1" {
		t.Errorf("expected bearer header on upgrade, got %q", h)
	}

	if env := srv.next(t); env.Type != eventJoin || payloadUserID(t, env) != aliceID {
		t.Errorf("expected join for alice, got %s %s", env.Type, env.Payload)
	}
	if env := srv.next(t); env.Type != EventUserConnected || payloadUserID(t, env) != aliceID {
		t.Errorf("expected user-connected for alice, got %s %s", env.Type, env.Payload)
	}

	select {
	case <-all:
	case <-time.After(2 * time.Second):
		t.Fatal("inbound messages not dispatched")
	}
	mu.Lock()
	if want := []string{"m1", "m2", "m3"}; len(got) != 3 || got[0] != want[0] || got[1] != want[1] || got[2] != want[2] {
		t.Errorf("expected arrival order %v, got %v", want, got)
	}
	mu.Unlock()

	ctx := context.Background()
	if err := ch.NotifyTyping(ctx, bobID, "   "); err != nil {
		t.Fatalf("NotifyTyping: %v", err)
	}
	if err := ch.NotifyTyping(ctx, bobID, "h"); err != nil {
		t.Fatalf("NotifyTyping: %v", err)
	}
	if err := ch.NotifyTyping(ctx, bobID, "he"); err != nil {
		t.Fatalf("NotifyTyping: %v", err)
	}
	if err := ch.SendReadReceipt(ctx, "m1"); err != nil {
		t.Fatalf("SendReadReceipt: %v", err)
	}
	if env := srv.next(t); env.Type != EventTyping || payloadUserID(t, env) != bobID {
		t.Errorf("expected one typing frame for bob, got %s %s", env.Type, env.Payload)
	}
	if env := srv.next(t); env.Type != EventMessageRead {
		t.Errorf("expected throttled typing followed by message-read, got %s", env.Type)
	}

	ch.Disconnect()
	if ch.State() != StateDisconnected {
		t.Errorf("expected disconnected, got %s", ch.State())
	}
	if err := ch.Emit(ctx, EventTyping, nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestChannelReconnect(t *testing.T) {
	srv := newWSServer(t, func(ctx context.Context, n int32, conn *websocket.Conn) {
		if n == 1 {
			conn.Close(websocket.StatusGoingAway, "restart")
		}
	})

	ch := NewChannel(RealtimeConfig{
		URL:                  srv.URL,
		ReconnectBaseDelay:   10 * time.Millisecond,
		ReconnectMaxDelay:    20 * time.Millisecond,
		MaxReconnectAttempts: 3,
	})
	t.Cleanup(ch.Disconnect)

	var connects, disconnects atomic.Int32
	ch.On(EventConnect, func(json.RawMessage) { connects.Add(1) })
	ch.On(EventDisconnect, func(json.RawMessage) { disconnects.Add(1) })

	if err := ch.Connect(context.Background(), "tok-1", aliceID); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, "second connect", func() bool { return connects.Load() == 2 })
	if disconnects.Load() != 1 {
		t.Errorf("expected 1 disconnect, got %d", disconnects.Load())
	}
	waitFor(t, "connected state", func() bool { return ch.State() == StateConnected })
	if ch.UserID() != aliceID {
		t.Errorf("expected identity kept, got %q", ch.UserID())
	}
}

func TestChannelDialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	ch := NewChannel(RealtimeConfig{URL: url, DisableReconnect: true})
	var errorsSeen atomic.Int32
	ch.On(EventConnectError, func(json.RawMessage) { errorsSeen.Add(1) })

	if err := ch.Connect(context.Background(), "tok", aliceID); err == nil {
		t.Fatal("expected dial error")
	}
	if ch.State() != StateDisconnected {
		t.Errorf("expected disconnected, got %s", ch.State())
	}
	if errorsSeen.Load() != 1 {
		t.Errorf("expected one connect_error, got %d", errorsSeen.Load())
	}
	ch.Disconnect()
}

func TestReconnector(t *testing.T) {
	cfg := RealtimeConfig{ReconnectBaseDelay: 5 * time.Second, ReconnectMaxDelay: 10 * time.Second, MaxReconnectAttempts: 5}
	r := newReconnector(&cfg)

	attempts := 0
	for r.shouldReconnect() {
		if d := r.nextDelay(); d < cfg.ReconnectBaseDelay || d > cfg.ReconnectMaxDelay {
			t.Errorf("attempt %d: delay %v outside [%v, %v]", attempts, d, cfg.ReconnectBaseDelay, cfg.ReconnectMaxDelay)
		}
		attempts++
	}
	if attempts != 5 {
		t.Errorf("expected 5 attempts, got %d", attempts)
	}
	r.reset()
	if !r.shouldReconnect() {
		t.Error("expected reset to allow reconnecting")
	}

	unlimited := newReconnector(&RealtimeConfig{MaxReconnectAttempts: -1})
	unlimited.attempt = 1000
	if !unlimited.shouldReconnect() {
		t.Error("negative limit must mean unlimited")
	}
}

func TestSocketURL(t *testing.T) {
	cases := map[string]string{
		"http://localhost:5000":     "ws://localhost:5000/ws",
		"https://chat.example.com/": "wss://chat.example.com/ws",
		"wss://chat.example.com/ws": "wss://chat.example.com/ws",
	}
	for in, want := range cases {
		cfg := RealtimeConfig{URL: in}
		if got := cfg.socketURL(); got != want {
			t.Errorf("socketURL(%q) = %q, want %q", in, got, want)
		}
	}
}
