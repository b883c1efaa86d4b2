package chatterbox

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// ============================================================================
// Collaborators
// ============================================================================

// NotifyLevel is the severity of a user-facing notification.
type NotifyLevel int

const (
	NotifyInfo NotifyLevel = iota
	NotifyWarn
	NotifyError
)

func (l NotifyLevel) String() string {
	switch l {
	case NotifyWarn:
		return "warn"
	case NotifyError:
		return "error"
	default:
		return "info"
	}
}

// Notifier shows short messages to the user (toasts in a UI, stderr in the
// CLI).
type Notifier interface {
	Notify(level NotifyLevel, message string)
}

// UnreadIndicator is an optional Notifier extension told whenever the
// "anything unread" flag may have changed.
type UnreadIndicator interface {
	SetUnread(hasUnread bool)
}

// LogNotifier writes notifications to a structured logger.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(level NotifyLevel, message string) {
	switch level {
	case NotifyError:
		n.logger.Error(message)
	case NotifyWarn:
		n.logger.Warn(message)
	default:
		n.logger.Info(message)
	}
}

// Screen identifies a top-level view.
type Screen string

const (
	ScreenLogin    Screen = "login"
	ScreenRegister Screen = "register"
	ScreenHome     Screen = "home"
	ScreenMessages Screen = "messages"
)

// authScreen reports whether s is shown to signed-out users.
func (s Screen) authScreen() bool {
	return s == ScreenLogin || s == ScreenRegister
}

// Navigator moves the user between screens.
type Navigator interface {
	Screen() Screen
	Navigate(to Screen)
}

// MemoryNavigator records the current screen and nothing else.
type MemoryNavigator struct {
	mu     sync.Mutex
	screen Screen
}

func NewMemoryNavigator(start Screen) *MemoryNavigator {
	return &MemoryNavigator{screen: start}
}

func (n *MemoryNavigator) Screen() Screen {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.screen
}

func (n *MemoryNavigator) Navigate(to Screen) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.screen = to
}

// ============================================================================
// App
// ============================================================================

// Config wires an App. Zero fields take the defaults.
type Config struct {
	BaseURL    string       // REST base URL (default: DefaultBaseURL)
	SocketURL  string       // websocket URL (default: derived from BaseURL)
	HTTPClient *http.Client // must not set Timeout when used for the websocket
	Logger     *slog.Logger
	Slot       Slot // session persistence (default: MemorySlot)
	Navigator  Navigator
	Notifier   Notifier

	Token    TokenConfig
	Realtime RealtimeConfig
	Engine   EngineConfig
	Contacts ContactsConfig

	// ConnectTimeout bounds the initial websocket dial after sign-in
	// (default: 15s).
	ConnectTimeout time.Duration
}

func (c *Config) defaults() {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.SocketURL == "" {
		c.SocketURL = c.BaseURL
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Slot == nil {
		c.Slot = &MemorySlot{}
	}
	if c.Navigator == nil {
		c.Navigator = NewMemoryNavigator(ScreenLogin)
	}
	if c.Notifier == nil {
		c.Notifier = NewLogNotifier(c.Logger)
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 15 * time.Second
	}
	if c.Realtime.URL == "" {
		c.Realtime.URL = c.SocketURL
	}
	if c.Realtime.Logger == nil {
		c.Realtime.Logger = c.Logger
	}
	if c.Engine.Logger == nil {
		c.Engine.Logger = c.Logger
	}
	if c.Contacts.Logger == nil {
		c.Contacts.Logger = c.Logger
	}
}

// App owns one signed-in client: the session, its token lifecycle, the
// realtime channel, and the engine and contacts fed by it. Session changes
// drive everything else: signing in connects the channel and starts the
// token manager, a refreshed token is handed to the channel for future
// reconnects, and signing out tears all of it down.
type App struct {
	Session  *SessionStore
	Tokens   *TokenManager
	Channel  *Channel
	Client   *Client
	Engine   *Engine
	Contacts *Contacts

	cfg       Config
	logger    *slog.Logger
	navigator Navigator
	notifier  Notifier

	mu      sync.Mutex
	baseCtx context.Context
}

func New(cfg Config) *App {
	cfg.defaults()
	a := &App{
		cfg:       cfg,
		logger:    cfg.Logger,
		navigator: cfg.Navigator,
		notifier:  cfg.Notifier,
		baseCtx:   context.Background(),
	}

	a.Session = NewSessionStore(cfg.Slot, cfg.Logger)

	opts := []ClientOption{
		WithBaseURL(cfg.BaseURL),
		WithLogger(cfg.Logger),
		WithTokenSource(a.Session.Token),
		WithUnauthorizedHook(func() { a.Logout("unauthorized") }),
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, WithHTTPClient(cfg.HTTPClient))
	}
	a.Client = NewClient(opts...)

	a.Tokens = NewTokenManager(a.Session, a.Client.Auth, cfg.Token, cfg.Logger)
	a.Tokens.OnExpire(a.Logout)

	if cfg.Realtime.HTTPClient == nil {
		cfg.Realtime.HTTPClient = cfg.HTTPClient
	}
	a.Channel = NewChannel(cfg.Realtime)

	a.Engine = NewEngine(a.Client.Messages, a.Session, nil, cfg.Notifier, cfg.Engine)
	a.Contacts = NewContacts(a.Client.Follows, a.Client.Users, a.Session, a.Engine, cfg.Notifier, cfg.Contacts)
	a.Engine.SetFollowChecker(a.Contacts)

	a.Engine.Attach(a.Channel)
	a.Contacts.Attach(a.Channel)
	a.Session.Subscribe(a.sessionChanged)
	return a
}

// Start restores the persisted session and checks its token right away.
// ctx scopes the background work started for the session.
func (a *App) Start(ctx context.Context) Session {
	a.mu.Lock()
	a.baseCtx = ctx
	a.mu.Unlock()

	sess := a.Session.Restore()
	if !sess.IsAuthenticated() {
		if !a.navigator.Screen().authScreen() {
			a.navigator.Navigate(ScreenLogin)
		}
		return sess
	}
	if a.Tokens.Check(ctx) == TokenExpired {
		return a.Session.Current()
	}
	if a.navigator.Screen().authScreen() {
		a.navigator.Navigate(ScreenHome)
	}
	return a.Session.Current()
}

// Login signs in and makes the result the live session.
func (a *App) Login(ctx context.Context, email, password string) (*User, error) {
	res, err := a.Client.Auth.Login(ctx, email, password)
	if err != nil {
		return nil, err
	}
	return a.signedIn(res)
}

// Register creates an account and signs in as it.
func (a *App) Register(ctx context.Context, name, email, password string) (*User, error) {
	res, err := a.Client.Auth.Register(ctx, name, email, password)
	if err != nil {
		return nil, err
	}
	return a.signedIn(res)
}

func (a *App) signedIn(res *AuthResult) (*User, error) {
	user := res.User
	if !IsValidID(user.ID) {
		claims, err := DecodeToken(res.Token)
		if err != nil {
			return nil, fmt.Errorf("sign in: %w", err)
		}
		if !IsValidID(claims.UserID) {
			return nil, fmt.Errorf("sign in: %w", ErrInvalidID)
		}
		user.ID = claims.UserID
	}
	a.Session.Update(Session{Token: res.Token, User: &user})
	a.navigator.Navigate(ScreenHome)
	a.logger.Info("signed in", "user_id", user.ID)
	return &user, nil
}

// Logout ends the session. It is safe to call repeatedly and from any
// goroutine other than a realtime handler; only the first call for a live
// session does anything.
func (a *App) Logout(reason string) {
	if !a.Session.Current().IsAuthenticated() {
		return
	}
	if a.Channel.State() == StateConnected {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := a.Channel.WithdrawPresence(ctx); err != nil {
			a.logger.Debug("presence withdraw failed", "error", err)
		}
		cancel()
	}
	if !a.Session.Clear() {
		return
	}
	a.logger.Info("signed out", "reason", reason)
	if !a.navigator.Screen().authScreen() {
		a.navigator.Navigate(ScreenLogin)
	}
}

// LoadContacts loads the follow graph and seeds the conversation order from
// each followed peer's latest message.
func (a *App) LoadContacts(ctx context.Context, force bool) error {
	if err := a.Contacts.Load(ctx, force); err != nil {
		return err
	}
	followed := a.Contacts.Followed()
	ids := make([]string, 0, len(followed))
	for _, u := range followed {
		ids = append(ids, u.ID)
	}
	a.Engine.PrimeActivity(ctx, ids)
	return nil
}

// RecordActivity forwards a user interaction to the idle tracker.
func (a *App) RecordActivity(kind ActivityKind) {
	a.Tokens.RecordActivity(kind)
}

// Close stops background work without touching the persisted session.
func (a *App) Close() {
	a.Tokens.Stop()
	a.Channel.Disconnect()
	a.Contacts.Reset()
}

func (a *App) context() context.Context {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.baseCtx
}

func (a *App) sessionChanged(prev, next Session) {
	switch {
	case !next.IsAuthenticated():
		a.Tokens.Stop()
		a.Channel.Disconnect()
		a.Engine.Reset()
		a.Contacts.Reset()

	case prev.UserID() != next.UserID():
		a.Engine.Reset()
		a.Contacts.Reset()
		ctx := a.context()
		dialCtx, cancel := context.WithTimeout(ctx, a.cfg.ConnectTimeout)
		if err := a.Channel.Connect(dialCtx, next.Token, next.UserID()); err != nil {
			a.logger.Warn("realtime connect failed", "user_id", next.UserID(), "error", err)
		}
		cancel()
		a.Tokens.Start(ctx)

	default:
		a.Channel.SetToken(next.Token)
	}
}
