package chatterbox

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// TokenState is the lifecycle state of the session token.
type TokenState int

const (
	TokenValid TokenState = iota
	TokenRefreshDue
	TokenRefreshing
	TokenExpired
)

func (s TokenState) String() string {
	switch s {
	case TokenValid:
		return "valid"
	case TokenRefreshDue:
		return "refresh-due"
	case TokenRefreshing:
		return "refreshing"
	case TokenExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// ActivityKind names a user interaction that counts as activity for the
// idle timeout.
type ActivityKind string

const (
	ActivityPointerMove ActivityKind = "pointer-move"
	ActivityKey         ActivityKind = "key"
	ActivityClick       ActivityKind = "click"
	ActivityScroll      ActivityKind = "scroll"
	ActivityTouch       ActivityKind = "touch"
)

// Expiry reasons passed to the OnExpire callback.
const (
	ExpireReasonInvalidToken  = "invalid-token"
	ExpireReasonTokenExpired  = "token-expired"
	ExpireReasonIdle          = "idle"
	ExpireReasonRefreshFailed = "refresh-failed"
)

// TokenConfig tunes the token lifecycle. Zero fields take the defaults.
type TokenConfig struct {
	CheckInterval      time.Duration // how often expiry is checked (default: 30s)
	RefreshThreshold   time.Duration // refresh when less than this remains (default: 5m)
	IdleTimeout        time.Duration // inactivity before forced logout (default: 15m)
	MinRefreshInterval time.Duration // minimum gap between refresh attempts (default: 60s)
	ActivityThrottle   time.Duration // activity coalescing window (default: 500ms)
}

func (c *TokenConfig) defaults() {
	if c.CheckInterval <= 0 {
		c.CheckInterval = 30 * time.Second
	}
	if c.RefreshThreshold <= 0 {
		c.RefreshThreshold = 5 * time.Minute
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 15 * time.Minute
	}
	if c.MinRefreshInterval <= 0 {
		c.MinRefreshInterval = 60 * time.Second
	}
	if c.ActivityThrottle <= 0 {
		c.ActivityThrottle = 500 * time.Millisecond
	}
}

// TokenRefresher obtains a fresh token for the current session.
// *AuthClient implements it.
type TokenRefresher interface {
	RefreshToken(ctx context.Context) (string, error)
}

// TokenManager watches the session token: it refreshes it shortly before
// expiry while the user is active and expires the session when the token
// lapses, cannot be decoded, or the user goes idle.
type TokenManager struct {
	cfg       TokenConfig
	store     *SessionStore
	refresher TokenRefresher
	logger    *slog.Logger
	now       func() time.Time
	activity  *Throttle

	mu           sync.Mutex
	state        TokenState
	refreshing   bool
	lastAttempt  time.Time
	lastActivity time.Time
	idleTimer    *time.Timer
	cancel       context.CancelFunc
	gen          uint64
	onExpire     func(reason string)
}

func NewTokenManager(store *SessionStore, refresher TokenRefresher, cfg TokenConfig, logger *slog.Logger) *TokenManager {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	m := &TokenManager{
		cfg:       cfg,
		store:     store,
		refresher: refresher,
		logger:    logger,
		now:       time.Now,
		activity:  NewThrottle(cfg.ActivityThrottle),
	}
	m.activity.now = func() time.Time { return m.now() }
	return m
}

// OnExpire registers the callback run when the session must end. It runs
// outside the manager's lock.
func (m *TokenManager) OnExpire(fn func(reason string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = fn
}

// State returns the current lifecycle state.
func (m *TokenManager) State() TokenState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Start begins the periodic expiry check and arms the idle timer. Calling
// Start again restarts both.
func (m *TokenManager) Start(ctx context.Context) {
	m.Stop()

	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.gen++
	gen := m.gen
	m.cancel = cancel
	m.state = TokenValid
	m.lastActivity = m.now()
	m.armIdleLocked(gen)
	m.mu.Unlock()

	go m.run(ctx, gen)
}

// Stop cancels the expiry check and the idle timer. It does not wait for
// an in-flight check, but nothing scheduled before Stop acts afterwards.
func (m *TokenManager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gen++
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	if m.idleTimer != nil {
		m.idleTimer.Stop()
		m.idleTimer = nil
	}
}

func (m *TokenManager) run(ctx context.Context, gen uint64) {
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !m.current(gen) {
				return
			}
			m.Check(ctx)
		}
	}
}

func (m *TokenManager) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen == gen
}

// RecordActivity marks the user as active. Bursts are coalesced: at most
// one event per ActivityThrottle window resets the idle timer.
func (m *TokenManager) RecordActivity(kind ActivityKind) {
	if !m.activity.Allow() {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastActivity = m.now()
	if m.cancel != nil {
		m.armIdleLocked(m.gen)
	}
}

// LastActivity returns when activity was last recorded.
func (m *TokenManager) LastActivity() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastActivity
}

func (m *TokenManager) armIdleLocked(gen uint64) {
	if m.idleTimer != nil {
		m.idleTimer.Stop()
	}
	m.idleTimer = time.AfterFunc(m.cfg.IdleTimeout, func() {
		if !m.current(gen) {
			return
		}
		m.logger.Info("session idle, logging out", "idle_timeout", m.cfg.IdleTimeout)
		m.expire(ExpireReasonIdle)
	})
}

// Check evaluates the stored token once and acts on the result: it
// refreshes a token close to expiry while the user is active, and expires
// the session when the token has lapsed, cannot be decoded, or the user has
// been idle for the whole idle window.
func (m *TokenManager) Check(ctx context.Context) TokenState {
	token := m.store.Token()
	if token == "" {
		return m.State()
	}

	claims, err := DecodeToken(token)
	if err != nil {
		m.logger.Warn("stored token cannot be decoded", "error", err)
		m.expire(ExpireReasonInvalidToken)
		return TokenExpired
	}

	now := m.now()
	remaining := claims.ExpiresAt.Sub(now)
	if remaining <= 0 {
		m.expire(ExpireReasonTokenExpired)
		return TokenExpired
	}
	if remaining >= m.cfg.RefreshThreshold {
		return m.State()
	}

	if now.Sub(m.LastActivity()) >= m.cfg.IdleTimeout {
		m.expire(ExpireReasonIdle)
		return TokenExpired
	}

	m.setState(TokenRefreshDue)
	if _, err := m.Refresh(ctx); err != nil && !errors.Is(err, ErrRefreshSuppressed) {
		return TokenExpired
	}
	return m.State()
}

// Refresh exchanges the current token for a new one. Concurrent attempts,
// and attempts within MinRefreshInterval of the previous one, are
// suppressed with ErrRefreshSuppressed and yield no token. A 429 answer is
// retried once after MinRefreshInterval; any other failure expires the
// session.
func (m *TokenManager) Refresh(ctx context.Context) (string, error) {
	m.mu.Lock()
	now := m.now()
	if m.refreshing || (!m.lastAttempt.IsZero() && now.Sub(m.lastAttempt) < m.cfg.MinRefreshInterval) {
		m.mu.Unlock()
		return "", ErrRefreshSuppressed
	}
	m.refreshing = true
	m.lastAttempt = now
	prevState := m.state
	m.state = TokenRefreshing
	m.mu.Unlock()

	token, err := m.refresher.RefreshToken(ctx)
	if err != nil && IsStatus(err, http.StatusTooManyRequests) {
		m.logger.Warn("token refresh rate limited, retrying once", "wait", m.cfg.MinRefreshInterval)
		if werr := sleepCtx(ctx, m.cfg.MinRefreshInterval); werr != nil {
			err = werr
		} else {
			m.mu.Lock()
			m.lastAttempt = m.now()
			m.mu.Unlock()
			token, err = m.refresher.RefreshToken(ctx)
		}
	}

	m.mu.Lock()
	m.refreshing = false
	m.mu.Unlock()

	if err != nil {
		if ctx.Err() != nil {
			// Stopped mid-flight; the session is not at fault.
			m.setState(prevState)
			return "", err
		}
		m.logger.Error("token refresh failed", "error", err)
		m.expire(ExpireReasonRefreshFailed)
		return "", err
	}

	sess := m.store.Current()
	if !sess.IsAuthenticated() {
		// Logged out while the request was in flight.
		m.setState(prevState)
		return "", ErrNotAuthenticated
	}
	user := *sess.User
	if user.ID == "" {
		claims, derr := DecodeToken(token)
		if derr != nil {
			m.expire(ExpireReasonInvalidToken)
			return "", derr
		}
		user.ID = claims.UserID
	}
	m.store.Update(Session{Token: token, User: &user})
	m.setState(TokenValid)
	m.logger.Info("token refreshed", "user_id", user.ID)
	return token, nil
}

func (m *TokenManager) setState(s TokenState) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// expire moves to TokenExpired, cancels every timer and runs OnExpire once
// per live session.
func (m *TokenManager) expire(reason string) {
	m.mu.Lock()
	already := m.state == TokenExpired
	m.state = TokenExpired
	m.gen++
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	if m.idleTimer != nil {
		m.idleTimer.Stop()
		m.idleTimer = nil
	}
	fn := m.onExpire
	m.mu.Unlock()

	if already {
		return
	}
	m.logger.Info("session expired", "reason", reason)
	if fn != nil {
		fn(reason)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
