package chatterbox

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	toml "github.com/pelletier/go-toml/v2"
)

// ============================================================================
// Session
// ============================================================================

// Session is the authenticated identity of the running client.
type Session struct {
	Token string
	User  *User
}

// IsAuthenticated reports whether both a token and a user are present.
func (s Session) IsAuthenticated() bool {
	return s.Token != "" && s.User != nil
}

// UserID returns the id of the session user, or "" when unauthenticated.
func (s Session) UserID() string {
	if s.User == nil {
		return ""
	}
	return s.User.ID
}

// ============================================================================
// Slots
// ============================================================================

// PersistedSession is what survives a restart. The user id is not stored;
// it is decoded from the token on restore.
type PersistedSession struct {
	Token string        `toml:"token"`
	User  PersistedUser `toml:"user"`
}

type PersistedUser struct {
	Name  string `toml:"name"`
	Email string `toml:"email"`
}

// Slot stores at most one persisted session. Load returns (nil, nil) when
// the slot is empty.
type Slot interface {
	Load() (*PersistedSession, error)
	Save(PersistedSession) error
	Clear() error
}

// FileSlot keeps the session in a TOML file.
type FileSlot struct {
	Path string
}

// DefaultSessionPath returns ~/.chatterbox/session.toml.
func DefaultSessionPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, ".chatterbox", "session.toml"), nil
}

func (f *FileSlot) Load() (*PersistedSession, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("cannot read session: %w", err)
	}
	var ps PersistedSession
	if err := toml.Unmarshal(data, &ps); err != nil {
		return nil, fmt.Errorf("cannot parse session: %w", err)
	}
	return &ps, nil
}

func (f *FileSlot) Save(ps PersistedSession) error {
	if err := os.MkdirAll(filepath.Dir(f.Path), 0o700); err != nil {
		return fmt.Errorf("cannot create session directory: %w", err)
	}
	data, err := toml.Marshal(ps)
	if err != nil {
		return fmt.Errorf("cannot marshal session: %w", err)
	}
	if err := os.WriteFile(f.Path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write session: %w", err)
	}
	return nil
}

func (f *FileSlot) Clear() error {
	if err := os.Remove(f.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("cannot remove session: %w", err)
	}
	return nil
}

// MemorySlot is an in-process Slot.
type MemorySlot struct {
	mu sync.Mutex
	ps *PersistedSession
}

func (m *MemorySlot) Load() (*PersistedSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ps == nil {
		return nil, nil
	}
	cp := *m.ps
	return &cp, nil
}

func (m *MemorySlot) Save(ps PersistedSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ps = &ps
	return nil
}

func (m *MemorySlot) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ps = nil
	return nil
}

// ============================================================================
// SessionStore
// ============================================================================

// SessionListener is called after every session change with the previous
// and the new value.
type SessionListener func(prev, next Session)

// SessionStore holds the one live Session and mirrors it into a Slot.
// Listeners run synchronously, outside the store's lock, in the order they
// subscribed.
type SessionStore struct {
	slot   Slot
	logger *slog.Logger

	mu        sync.Mutex
	current   Session
	listeners []SessionListener
}

func NewSessionStore(slot Slot, logger *slog.Logger) *SessionStore {
	if slot == nil {
		slot = &MemorySlot{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionStore{slot: slot, logger: logger}
}

// Subscribe registers fn for future changes.
func (s *SessionStore) Subscribe(fn SessionListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Current returns a copy of the live session.
func (s *SessionStore) Current() Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copySession(s.current)
}

// Token returns the live token, or "".
func (s *SessionStore) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.Token
}

// Restore loads the persisted session. A missing, corrupt or undecodable
// slot yields an unauthenticated session and is cleared; it is never an
// error.
func (s *SessionStore) Restore() Session {
	ps, err := s.slot.Load()
	if err != nil {
		s.logger.Warn("discarding unreadable session", "error", err)
		s.discardSlot()
		return s.set(Session{})
	}
	if ps == nil {
		return s.set(Session{})
	}
	if ps.Token == "" || ps.User.Name == "" || ps.User.Email == "" {
		s.logger.Warn("discarding incomplete session")
		s.discardSlot()
		return s.set(Session{})
	}
	claims, err := DecodeToken(ps.Token)
	if err != nil || !IsValidID(claims.UserID) {
		s.logger.Warn("discarding session with undecodable token", "error", err)
		s.discardSlot()
		return s.set(Session{})
	}

	return s.set(Session{
		Token: ps.Token,
		User:  &User{ID: claims.UserID, Name: ps.User.Name, Email: ps.User.Email},
	})
}

// Update replaces the live session and persists it. Passing an
// unauthenticated session is the same as Clear.
func (s *SessionStore) Update(next Session) {
	if !next.IsAuthenticated() {
		s.Clear()
		return
	}
	if err := s.slot.Save(PersistedSession{
		Token: next.Token,
		User:  PersistedUser{Name: next.User.Name, Email: next.User.Email},
	}); err != nil {
		s.logger.Error("failed to persist session", "error", err)
	}
	s.set(copySession(next))
}

// Clear destroys the session. It reports whether a session was live;
// clearing an unauthenticated store notifies nobody.
func (s *SessionStore) Clear() bool {
	s.discardSlot()

	s.mu.Lock()
	prev := s.current
	if !prev.IsAuthenticated() {
		s.mu.Unlock()
		return false
	}
	s.current = Session{}
	listeners := append([]SessionListener(nil), s.listeners...)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(copySession(prev), Session{})
	}
	return true
}

func (s *SessionStore) discardSlot() {
	if err := s.slot.Clear(); err != nil {
		s.logger.Error("failed to clear session slot", "error", err)
	}
}

func (s *SessionStore) set(next Session) Session {
	s.mu.Lock()
	prev := s.current
	s.current = next
	listeners := append([]SessionListener(nil), s.listeners...)
	s.mu.Unlock()

	if !prev.IsAuthenticated() && !next.IsAuthenticated() {
		return copySession(next)
	}
	for _, fn := range listeners {
		fn(copySession(prev), copySession(next))
	}
	return copySession(next)
}

func copySession(s Session) Session {
	if s.User != nil {
		u := *s.User
		s.User = &u
	}
	return s
}
