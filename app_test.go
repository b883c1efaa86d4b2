package chatterbox

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

type appServer struct {
	*httptest.Server
	frames chan Envelope
}

func newAppServer(t *testing.T) *appServer {
	t.Helper()
	s := &appServer{frames: make(chan Envelope, 64)}
	token := makeTestToken(t, aliceID, time.Now().Add(time.Hour))

	r := chi.NewRouter()
	r.Post("/api/login", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"user": map[string]string{
			"id": aliceID, "name": "Alice", "email": "alice@example.com", "token": token,
		}}})
	})
	r.Get("/api/messages/unread-counts", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"data": []any{}})
	})
	r.Get("/api/followed-users", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": map[string]string{"message": "Token expired"}})
	})
	r.Get("/api/follow-requests/incoming", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"requests": []any{}}})
	})
	r.Get("/ws", func(w http.ResponseWriter, req *http.Request) {
		conn, err := websocket.Accept(w, req, nil)
		if err != nil {
			return
		}
		for {
			var env Envelope
			if err := wsjson.Read(req.Context(), conn, &env); err != nil {
				return
			}
			s.frames <- env
		}
	})

	s.Server = httptest.NewServer(r)
	t.Cleanup(s.Close)
	return s
}

func (s *appServer) expect(t *testing.T, kind string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case env := <-s.frames:
			if env.Type == kind {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", kind)
		}
	}
}

func newTestApp(t *testing.T, srv *appServer, slotPath string) (*App, *MemoryNavigator) {
	t.Helper()
	nav := NewMemoryNavigator(ScreenHome)
	app := New(Config{
		BaseURL:   srv.URL,
		Slot:      &FileSlot{Path: slotPath},
		Navigator: nav,
		Notifier:  &recordingNotifier{},
		Realtime:  RealtimeConfig{DisableReconnect: true},
	})
	t.Cleanup(app.Close)
	return app, nav
}

func TestAppLifecycle(t *testing.T) {
	srv := newAppServer(t)
	slotPath := filepath.Join(t.TempDir(), "session.toml")
	ctx := context.Background()

	app, nav := newTestApp(t, srv, slotPath)
	if sess := app.Start(ctx); sess.IsAuthenticated() {
		t.Fatal("expected no session on first start")
	}
	if nav.Screen() != ScreenLogin {
		t.Errorf("expected login screen, got %s", nav.Screen())
	}

	user, err := app.Login(ctx, "alice@example.com", "secret")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if user.ID != aliceID || nav.Screen() != ScreenHome {
		t.Errorf("unexpected login result %+v on %s", user, nav.Screen())
	}
	if app.Channel.State() != StateConnected || app.Channel.UserID() != aliceID {
		t.Fatalf("expected channel connected as alice, got %s %q", app.Channel.State(), app.Channel.UserID())
	}
	srv.expect(t, eventJoin)
	if _, err := os.Stat(slotPath); err != nil {
		t.Fatalf("expected session persisted: %v", err)
	}

	// A second client restores the persisted session.
	restored, nav2 := newTestApp(t, srv, slotPath)
	nav2.Navigate(ScreenLogin)
	sess := restored.Start(ctx)
	if !sess.IsAuthenticated() || sess.UserID() != aliceID || sess.User.Name != "Alice" {
		t.Fatalf("expected restored alice, got %+v", sess)
	}
	if nav2.Screen() != ScreenHome {
		t.Errorf("expected home after restore, got %s", nav2.Screen())
	}
	restored.Close()

	app.Logout("manual")
	srv.expect(t, EventUserDisconnected)
	if app.Session.Current().IsAuthenticated() {
		t.Error("expected session cleared")
	}
	if app.Channel.State() != StateDisconnected {
		t.Errorf("expected channel disconnected, got %s", app.Channel.State())
	}
	if nav.Screen() != ScreenLogin {
		t.Errorf("expected login screen, got %s", nav.Screen())
	}
	if _, err := os.Stat(slotPath); !os.IsNotExist(err) {
		t.Errorf("expected slot removed, got %v", err)
	}

	app.Logout("again")
}

func TestAppUnauthorizedLogsOut(t *testing.T) {
	srv := newAppServer(t)
	app, nav := newTestApp(t, srv, filepath.Join(t.TempDir(), "session.toml"))
	ctx := context.Background()
	app.Start(ctx)

	if _, err := app.Login(ctx, "alice@example.com", "secret"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if err := app.LoadContacts(ctx, false); Classify(err) != KindAuth {
		t.Fatalf("expected auth error, got %v", err)
	}
	if app.Session.Current().IsAuthenticated() {
		t.Fatal("expected 401 to end the session")
	}
	if nav.Screen() != ScreenLogin {
		t.Errorf("expected login screen, got %s", nav.Screen())
	}
	if app.Channel.State() != StateDisconnected {
		t.Errorf("expected channel disconnected, got %s", app.Channel.State())
	}
}
