package chatterbox

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ============================================================================
// Test Helpers
// ============================================================================

const (
	aliceID = "64b7f0c2a1b2c3d4e5f60001"
	bobID   = "64b7f0c2a1b2c3d4e5f60002"
	carolID = "64b7f0c2a1b2c3d4e5f60003"
)

func makeTestToken(t *testing.T, userID string, expires time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"id":        userID,
		"expiresAt": expires.UnixMilli(),
	})
	signed, err := tok.SignedString([]byte("test-signing-key"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func newTestSession(t *testing.T, userID string, expires time.Time) *SessionStore {
	t.Helper()
	store := NewSessionStore(&MemorySlot{}, nil)
	store.Update(Session{
		Token: makeTestToken(t, userID, expires),
		User:  &User{ID: userID, Name: "Alice", Email: "alice@example.com"},
	})
	return store
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// ── Notifier ─────────────────────────────────────────────

type notification struct {
	level   NotifyLevel
	message string
}

type recordingNotifier struct {
	mu        sync.Mutex
	notes     []notification
	hasUnread bool
}

func (n *recordingNotifier) Notify(level NotifyLevel, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes = append(n.notes, notification{level, message})
}

func (n *recordingNotifier) SetUnread(hasUnread bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.hasUnread = hasUnread
}

func (n *recordingNotifier) last() notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.notes) == 0 {
		return notification{}
	}
	return n.notes[len(n.notes)-1]
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.notes)
}

func (n *recordingNotifier) unread() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.hasUnread
}

// ── MessageService ───────────────────────────────────────

type fakeMessages struct {
	mu       sync.Mutex
	calls    map[string]int
	marked   []string
	history  func(peerID string, page, limit int) ([]Message, error)
	send     func(peerID, content string) (*Message, error)
	markRead func(ids []string) error
	unread   func() (map[string]int, error)
}

func newFakeMessages() *fakeMessages {
	return &fakeMessages{calls: make(map[string]int)}
}

func (f *fakeMessages) record(name string) {
	f.mu.Lock()
	f.calls[name]++
	f.mu.Unlock()
}

func (f *fakeMessages) callCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeMessages) History(_ context.Context, peerID string, page, limit int) ([]Message, error) {
	f.record("history")
	if f.history == nil {
		return nil, nil
	}
	return f.history(peerID, page, limit)
}

func (f *fakeMessages) Send(_ context.Context, peerID, content string) (*Message, error) {
	f.record("send")
	if f.send == nil {
		return &Message{ID: "server-1", FromSelf: true, Content: content, CreatedAt: time.Now()}, nil
	}
	return f.send(peerID, content)
}

func (f *fakeMessages) MarkRead(_ context.Context, ids []string) error {
	f.record("markRead")
	f.mu.Lock()
	f.marked = append(f.marked, ids...)
	f.mu.Unlock()
	if f.markRead == nil {
		return nil
	}
	return f.markRead(ids)
}

func (f *fakeMessages) UnreadCounts(context.Context) (map[string]int, error) {
	f.record("unread")
	if f.unread == nil {
		return map[string]int{}, nil
	}
	return f.unread()
}

// ── EventSource ──────────────────────────────────────────

type fakeSource struct {
	mu       sync.Mutex
	handlers map[string][]EventHandler
	receipts []string
	typing   []string
}

func newFakeSource() *fakeSource {
	return &fakeSource{handlers: make(map[string][]EventHandler)}
}

func (s *fakeSource) On(kind string, h EventHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[kind] = append(s.handlers[kind], h)
}

func (s *fakeSource) SendReadReceipt(_ context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receipts = append(s.receipts, messageID)
	return nil
}

func (s *fakeSource) NotifyTyping(_ context.Context, peerID, draft string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.typing = append(s.typing, peerID)
	return nil
}

func (s *fakeSource) fire(t *testing.T, kind string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal %s: %v", kind, err)
	}
	s.mu.Lock()
	handlers := append([]EventHandler(nil), s.handlers[kind]...)
	s.mu.Unlock()
	for _, h := range handlers {
		h(raw)
	}
}

func (s *fakeSource) receiptList() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.receipts...)
}

// ── FollowChecker ────────────────────────────────────────

type followSet map[string]bool

func (f followSet) IsFollowed(peerID string) bool { return f[peerID] }
