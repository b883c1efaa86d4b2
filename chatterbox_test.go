package chatterbox

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
)

// ============================================================================
// Fake server
// ============================================================================

type fakeServer struct {
	*httptest.Server

	mu      sync.Mutex
	auth    map[string]string // path -> Authorization header seen
	sent    []map[string]string
	refresh func(w http.ResponseWriter)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{auth: make(map[string]string)}

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			fs.mu.Lock()
			fs.auth[req.URL.Path] = req.Header.Get("Authorization")
			fs.mu.Unlock()
			next.ServeHTTP(w, req)
		})
	})

	r.Post("/api/login", func(w http.ResponseWriter, req *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(req.Body).Decode(&body)
		if body["password"] != "secret" {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": map[string]string{"message": "Invalid credentials"}})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"user": map[string]string{
			"id": aliceID, "name": "Alice", "email": body["email"], "token": "tok-1",
		}}})
	})
	r.Post("/api/refreshtoken", func(w http.ResponseWriter, req *http.Request) {
		fs.mu.Lock()
		respond := fs.refresh
		fs.mu.Unlock()
		respond(w)
	})
	r.Get("/api/users", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"users": []map[string]string{
			{"_id": bobID, "name": "Bob", "email": "bob@example.com"},
		}}})
	})
	r.Get("/api/users/search", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"users": []map[string]string{
			{"_id": carolID, "name": req.URL.Query().Get("query")},
		}}})
	})
	r.Get("/api/followed-users", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": map[string]string{"message": "Token expired"}})
	})
	r.Get("/api/messages/unread-counts", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"data": []map[string]any{{"userId": bobID, "count": 3}}})
	})
	r.Get("/api/messages/{peer}", func(w http.ResponseWriter, req *http.Request) {
		if chi.URLParam(req, "peer") != bobID {
			writeJSON(w, http.StatusNotFound, map[string]string{"message": "Recipient not found"})
			return
		}
		q := req.URL.Query()
		writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"messages": []map[string]any{
			{"id": "m1", "fromSelf": false, "content": "page " + q.Get("page") + " limit " + q.Get("limit"), "createdAt": "2026-03-01T12:00:00Z", "read": false},
		}}})
	})
	r.Post("/api/messages", func(w http.ResponseWriter, req *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(req.Body).Decode(&body)
		fs.mu.Lock()
		fs.sent = append(fs.sent, body)
		fs.mu.Unlock()
		writeJSON(w, http.StatusCreated, map[string]any{"data": map[string]any{
			"id": "srv-1", "content": body["message"], "createdAt": "2026-03-01T12:01:00Z", "read": false,
		}})
	})
	r.Post("/api/follow-requests/accept/{id}", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"user": map[string]string{"_id": carolID, "name": "Carol"}}})
	})
	r.Get("/api/follow-requests/incoming", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"requests": []map[string]any{
			{"_id": "req-1", "from": map[string]string{"_id": carolID, "name": "Carol"}},
		}}})
	})

	fs.Server = httptest.NewServer(r)
	t.Cleanup(fs.Close)
	return fs
}

func (fs *fakeServer) setRefresh(fn func(w http.ResponseWriter)) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.refresh = fn
}

func (fs *fakeServer) authFor(path string) string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.auth[path]
}

// ============================================================================
// Client
// ============================================================================

func TestClientAuth(t *testing.T) {
	fs := newFakeServer(t)
	ctx := context.Background()

	t.Run("login skips the bearer header", func(t *testing.T) {
		client := NewClient(WithBaseURL(fs.URL), WithToken("stale"))
		res, err := client.Auth.Login(ctx, "alice@example.com", "secret")
		if err != nil {
			t.Fatalf("Login: %v", err)
		}
		if res.Token != "tok-1" || res.User.ID != aliceID || res.User.Email != "alice@example.com" {
			t.Errorf("unexpected result %+v", res)
		}
		if got := fs.authFor("/api/login"); got != "" {
			t.Errorf("expected no Authorization on login, got %q", got)
		}
	})

	t.Run("bad credentials surface the server message", func(t *testing.T) {
		client := NewClient(WithBaseURL(fs.URL))
		_, err := client.Auth.Login(ctx, "alice@example.com", "wrong")
		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			t.Fatalf("expected *APIError, got %v", err)
		}
		if apiErr.StatusCode != http.StatusBadRequest || apiErr.Message != "Invalid credentials" {
			t.Errorf("unexpected error %+v", apiErr)
		}
	})

	t.Run("refresh accepts both response shapes", func(t *testing.T) {
		client := NewClient(WithBaseURL(fs.URL), WithToken("tok-1"))

		fs.setRefresh(func(w http.ResponseWriter) { writeJSON(w, http.StatusOK, map[string]string{"token": "tok-2"}) })
		if tok, err := client.Auth.RefreshToken(ctx); err != nil || tok != "tok-2" {
			t.Fatalf("expected tok-2, got %q, %v", tok, err)
		}
		fs.setRefresh(func(w http.ResponseWriter) {
			writeJSON(w, http.StatusOK, map[string]any{"data": map[string]string{"token": "tok-3"}})
		})
		if tok, err := client.Auth.RefreshToken(ctx); err != nil || tok != "tok-3" {
			t.Fatalf("expected tok-3, got %q, %v", tok, err)
		}
		if got := fs.authFor("/api/refreshtoken"); got != "Bearer tok-1" {
			t.Errorf("expected bearer header, got %q", got)
		}
	})
}

func TestClientInterceptor(t *testing.T) {
	fs := newFakeServer(t)
	ctx := context.Background()

	token := "tok-a"
	var unauthorized int
	client := NewClient(
		WithBaseURL(fs.URL),
		WithTokenSource(func() string { return token }),
		WithUnauthorizedHook(func() { unauthorized++ }),
	)

	if _, err := client.Users.List(ctx); err != nil {
		t.Fatalf("List: %v", err)
	}
	if got := fs.authFor("/api/users"); got != "Bearer tok-a" {
		t.Errorf("expected Bearer tok-a, got %q", got)
	}

	token = "tok-b"
	if _, err := client.Users.List(ctx); err != nil {
		t.Fatalf("List: %v", err)
	}
	if got := fs.authFor("/api/users"); got != "Bearer tok-b" {
		t.Errorf("expected refreshed token, got %q", got)
	}

	_, err := client.Users.Followed(ctx)
	if Classify(err) != KindAuth {
		t.Fatalf("expected auth error, got %v", err)
	}
	if unauthorized != 1 {
		t.Errorf("expected logout hook once, got %d", unauthorized)
	}
}

func TestClientResources(t *testing.T) {
	fs := newFakeServer(t)
	ctx := context.Background()
	client := NewClient(WithBaseURL(fs.URL), WithToken("tok-1"), WithTimeout(5*time.Second))

	t.Run("users decode _id", func(t *testing.T) {
		users, err := client.Users.List(ctx)
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(users) != 1 || users[0].ID != bobID {
			t.Fatalf("unexpected users %+v", users)
		}
		found, err := client.Users.Search(ctx, "car")
		if err != nil || len(found) != 1 || found[0].Name != "car" {
			t.Fatalf("unexpected search result %+v, %v", found, err)
		}
	})

	t.Run("history requests one page", func(t *testing.T) {
		msgs, err := client.Messages.History(ctx, bobID, 1, HistoryPageSize)
		if err != nil {
			t.Fatalf("History: %v", err)
		}
		if len(msgs) != 1 || msgs[0].Content != "page 1 limit 50" {
			t.Fatalf("unexpected messages %+v", msgs)
		}
		if msgs[0].CreatedAt.IsZero() {
			t.Error("expected createdAt decoded")
		}

		_, err = client.Messages.History(ctx, carolID, 1, 1)
		if !IsStatus(err, http.StatusNotFound) {
			t.Fatalf("expected 404, got %v", err)
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Message != "Recipient not found" {
			t.Errorf("expected flat message, got %q", apiErr.Message)
		}
	})

	t.Run("send posts to and message", func(t *testing.T) {
		msg, err := client.Messages.Send(ctx, bobID, "hello")
		if err != nil {
			t.Fatalf("Send: %v", err)
		}
		if msg.ID != "srv-1" || !msg.FromSelf || msg.Content != "hello" {
			t.Errorf("unexpected ack %+v", msg)
		}
		fs.mu.Lock()
		body := fs.sent[len(fs.sent)-1]
		fs.mu.Unlock()
		if body["to"] != bobID || body["message"] != "hello" {
			t.Errorf("unexpected request body %v", body)
		}
	})

	t.Run("unread counts", func(t *testing.T) {
		counts, err := client.Messages.UnreadCounts(ctx)
		if err != nil {
			t.Fatalf("UnreadCounts: %v", err)
		}
		if counts[bobID] != 3 {
			t.Errorf("expected 3 for bob, got %v", counts)
		}
	})

	t.Run("follow requests", func(t *testing.T) {
		reqs, err := client.Follows.Incoming(ctx)
		if err != nil {
			t.Fatalf("Incoming: %v", err)
		}
		if len(reqs) != 1 || reqs[0].ID != "req-1" || reqs[0].From.ID != carolID {
			t.Fatalf("unexpected requests %+v", reqs)
		}
		user, err := client.Follows.Accept(ctx, "req-1")
		if err != nil {
			t.Fatalf("Accept: %v", err)
		}
		if user == nil || user.ID != carolID {
			t.Errorf("expected carol, got %+v", user)
		}
	})
}
