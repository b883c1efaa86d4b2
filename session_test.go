package chatterbox

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFileSlot(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		slot := &FileSlot{Path: filepath.Join(t.TempDir(), "nested", "session.toml")}
		want := PersistedSession{Token: "tok", User: PersistedUser{Name: "Alice", Email: "alice@example.com"}}
		if err := slot.Save(want); err != nil {
			t.Fatalf("Save: %v", err)
		}

		info, err := os.Stat(slot.Path)
		if err != nil {
			t.Fatalf("Stat: %v", err)
		}
		if perm := info.Mode().Perm(); perm != 0o600 {
			t.Errorf("expected mode 0600, got %o", perm)
		}

		got, err := slot.Load()
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if got == nil || *got != want {
			t.Fatalf("expected %+v, got %+v", want, got)
		}
	})

	t.Run("missing file is empty", func(t *testing.T) {
		slot := &FileSlot{Path: filepath.Join(t.TempDir(), "none.toml")}
		got, err := slot.Load()
		if err != nil || got != nil {
			t.Fatalf("expected (nil, nil), got (%+v, %v)", got, err)
		}
		if err := slot.Clear(); err != nil {
			t.Errorf("Clear on missing file: %v", err)
		}
	})
}

func TestSessionStoreRestore(t *testing.T) {
	t.Run("derives the user id from the token", func(t *testing.T) {
		slot := &MemorySlot{}
		_ = slot.Save(PersistedSession{
			Token: makeTestToken(t, aliceID, time.Now().Add(time.Hour)),
			User:  PersistedUser{Name: "Alice", Email: "alice@example.com"},
		})
		store := NewSessionStore(slot, nil)

		var notified int
		store.Subscribe(func(prev, next Session) { notified++ })

		sess := store.Restore()
		if !sess.IsAuthenticated() || sess.UserID() != aliceID {
			t.Fatalf("expected alice, got %+v", sess)
		}
		if sess.User.Name != "Alice" {
			t.Errorf("expected name from slot, got %q", sess.User.Name)
		}
		if notified != 1 {
			t.Errorf("expected 1 notification, got %d", notified)
		}
	})

	t.Run("corrupt file is discarded", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "session.toml")
		if err := os.WriteFile(path, []byte("token = [unterminated"), 0o600); err != nil {
			t.Fatal(err)
		}
		store := NewSessionStore(&FileSlot{Path: path}, nil)

		if sess := store.Restore(); sess.IsAuthenticated() {
			t.Fatalf("expected unauthenticated, got %+v", sess)
		}
		if _, err := os.Stat(path); !os.IsNotExist(err) {
			t.Errorf("expected slot removed, got %v", err)
		}
	})

	t.Run("undecodable token is discarded", func(t *testing.T) {
		slot := &MemorySlot{}
		_ = slot.Save(PersistedSession{Token: "not.a.jwt", User: PersistedUser{Name: "A", Email: "a@x"}})
		store := NewSessionStore(slot, nil)

		if sess := store.Restore(); sess.IsAuthenticated() {
			t.Fatalf("expected unauthenticated, got %+v", sess)
		}
		if ps, _ := slot.Load(); ps != nil {
			t.Errorf("expected slot cleared, got %+v", ps)
		}
	})

	t.Run("incomplete slot is discarded", func(t *testing.T) {
		slot := &MemorySlot{}
		_ = slot.Save(PersistedSession{Token: makeTestToken(t, aliceID, time.Now().Add(time.Hour))})
		store := NewSessionStore(slot, nil)

		var notified int
		store.Subscribe(func(prev, next Session) { notified++ })
		if sess := store.Restore(); sess.IsAuthenticated() {
			t.Fatalf("expected unauthenticated, got %+v", sess)
		}
		if notified != 0 {
			t.Errorf("restoring nothing must not notify, got %d", notified)
		}
	})
}

func TestSessionStoreUpdateAndClear(t *testing.T) {
	slot := &MemorySlot{}
	store := NewSessionStore(slot, nil)

	type change struct{ prev, next string }
	var changes []change
	store.Subscribe(func(prev, next Session) {
		changes = append(changes, change{prev.UserID(), next.UserID()})
	})

	store.Update(Session{Token: "t1", User: &User{ID: aliceID, Name: "Alice", Email: "a@x"}})
	ps, _ := slot.Load()
	if ps == nil || ps.Token != "t1" || ps.User.Name != "Alice" {
		t.Fatalf("expected persisted session, got %+v", ps)
	}

	cur := store.Current()
	cur.User.Name = "mutated"
	if store.Current().User.Name != "Alice" {
		t.Error("Current must return a copy")
	}

	if !store.Clear() {
		t.Error("expected first Clear to report a live session")
	}
	if store.Clear() {
		t.Error("expected second Clear to be a no-op")
	}
	if ps, _ := slot.Load(); ps != nil {
		t.Errorf("expected slot cleared, got %+v", ps)
	}

	want := []change{{"", aliceID}, {aliceID, ""}}
	if len(changes) != len(want) || changes[0] != want[0] || changes[1] != want[1] {
		t.Fatalf("expected %v, got %v", want, changes)
	}
}
