package chatterbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Event kinds
// ============================================================================

// Inbound event kinds.
const (
	EventReceiveMessage   = "receive-message"
	EventMessageRead      = "message-read"
	EventTyping           = "typing"
	EventOnlineUsers      = "online-users"
	EventUserConnected    = "user-connected"
	EventUserDisconnected = "user-disconnected"
	EventNewUser          = "new-user"
	EventFollowRequest    = "follow-request"
	EventFollowAccepted   = "follow-accepted"
	EventUnreadCounts     = "unread-counts"
)

// Meta events, raised by the channel itself and dispatched like inbound
// events.
const (
	EventConnect      = "connect"
	EventConnectError = "connect_error"
	EventDisconnect   = "disconnect"
)

// Outbound-only kinds.
const (
	eventJoin = "join"
)

// Envelope is the wire format of every frame in both directions.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ErrorPayload accompanies connect_error and disconnect.
type ErrorPayload struct {
	Message string `json:"message"`
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the Channel. Zero fields take the defaults.
type RealtimeConfig struct {
	// URL of the websocket endpoint. http(s) schemes are rewritten to ws(s).
	URL                  string
	DisableReconnect     bool
	MaxReconnectAttempts int           // default: 5
	ReconnectBaseDelay   time.Duration // default: 5s
	ReconnectMaxDelay    time.Duration // default: 10s
	HeartbeatInterval    time.Duration // default: 25s
	TypingCooldown       time.Duration // default: 500ms
	HTTPClient           *http.Client
	Logger               *slog.Logger
}

func (c *RealtimeConfig) defaults() {
	if c.URL == "" {
		c.URL = DefaultBaseURL
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 5 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 10 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.TypingCooldown == 0 {
		c.TypingCooldown = 500 * time.Millisecond
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

func (c *RealtimeConfig) socketURL() string {
	u := strings.TrimRight(c.URL, "/")
	u = strings.Replace(u, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	if !strings.HasSuffix(u, "/ws") {
		u += "/ws"
	}
	return u
}

// ChannelState represents the connection state.
type ChannelState string

const (
	StateDisconnected ChannelState = "disconnected"
	StateConnecting   ChannelState = "connecting"
	StateConnected    ChannelState = "connected"
	StateReconnecting ChannelState = "reconnecting"
)

// ============================================================================
// Event Dispatcher
// ============================================================================

// EventHandler receives the raw payload of one event.
type EventHandler func(payload json.RawMessage)

// eventDispatcher runs handlers synchronously, in registration order, on
// the caller's goroutine. The channel only ever dispatches from one
// goroutine at a time, so handlers observe events in arrival order.
type eventDispatcher struct {
	mu       sync.RWMutex
	handlers map[string][]EventHandler
	logger   *slog.Logger
}

func newEventDispatcher(logger *slog.Logger) *eventDispatcher {
	return &eventDispatcher{
		handlers: make(map[string][]EventHandler),
		logger:   logger,
	}
}

func (d *eventDispatcher) on(kind string, h EventHandler) {
	d.mu.Lock()
	d.handlers[kind] = append(d.handlers[kind], h)
	d.mu.Unlock()
}

func (d *eventDispatcher) dispatch(env Envelope) {
	d.mu.RLock()
	handlers := append([]EventHandler(nil), d.handlers[env.Type]...)
	d.mu.RUnlock()

	for _, h := range handlers {
		d.call(env.Type, h, env.Payload)
	}
}

func (d *eventDispatcher) call(kind string, h EventHandler, payload json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("realtime handler panicked", "event", kind, "panic", r)
		}
	}()
	h(payload)
}

func (d *eventDispatcher) emitMeta(kind string, payload any) {
	var raw json.RawMessage
	if payload != nil {
		raw, _ = json.Marshal(payload)
	}
	d.dispatch(Envelope{Type: kind, Payload: raw})
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

// nextDelay returns the wait before the next attempt: exponential in the
// attempt number with up to 50% jitter, never above maxDelay.
func (r *reconnector) nextDelay() time.Duration {
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
}

// ============================================================================
// Channel
// ============================================================================

// Channel is the websocket connection for one authenticated identity. It
// announces presence on every (re)connect, reconnects with capped backoff
// and keeps the link alive with pings.
type Channel struct {
	config     RealtimeConfig
	logger     *slog.Logger
	dispatcher *eventDispatcher
	typing     *Throttle

	mu       sync.Mutex
	state    ChannelState
	conn     *websocket.Conn
	token    string
	userID   string
	cancelFn context.CancelFunc
	done     chan struct{}
}

func NewChannel(config RealtimeConfig) *Channel {
	config.defaults()
	return &Channel{
		config:     config,
		logger:     config.Logger,
		dispatcher: newEventDispatcher(config.Logger),
		typing:     NewThrottle(config.TypingCooldown),
		state:      StateDisconnected,
	}
}

// On registers a handler for an inbound or meta event kind. Handlers must
// not block: they run on the channel's reader goroutine.
func (ch *Channel) On(kind string, h EventHandler) {
	ch.dispatcher.on(kind, h)
}

// State returns the current connection state.
func (ch *Channel) State() ChannelState {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state
}

// UserID returns the identity the channel is connected as.
func (ch *Channel) UserID() string {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.userID
}

// Connect dials the server as userID, authenticating with token. Any
// existing connection is closed first. On success the channel joins the
// user's room, announces presence and dispatches "connect"; afterwards it
// reads, pings and reconnects in the background until Disconnect. A failed
// first dial is returned but still retried in the background unless
// reconnects are disabled.
func (ch *Channel) Connect(ctx context.Context, token, userID string) error {
	ch.Disconnect()

	ch.mu.Lock()
	ch.token = token
	ch.userID = userID
	ch.state = StateConnecting
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	ch.cancelFn = cancel
	done := make(chan struct{})
	ch.done = done
	ch.mu.Unlock()

	conn, err := ch.dial(ctx)
	if err != nil {
		ch.dispatcher.emitMeta(EventConnectError, ErrorPayload{Message: err.Error()})
		if ch.config.DisableReconnect {
			cancel()
			close(done)
			ch.mu.Lock()
			if ch.done == done {
				ch.state = StateDisconnected
				ch.cancelFn = nil
			}
			ch.mu.Unlock()
			return err
		}
		ch.mu.Lock()
		ch.state = StateReconnecting
		ch.mu.Unlock()
		go ch.run(runCtx, nil, done)
		return err
	}

	if !ch.established(runCtx, conn) {
		close(done)
		return ErrNotConnected
	}
	go ch.run(runCtx, conn, done)
	return nil
}

// SetToken replaces the token used for future reconnects. The live
// connection is kept.
func (ch *Channel) SetToken(token string) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.token = token
}

// Disconnect closes the connection and stops reconnecting. It waits for the
// background goroutine to exit, so no handler runs after it returns. It must
// not be called from an event handler.
func (ch *Channel) Disconnect() {
	ch.mu.Lock()
	cancel := ch.cancelFn
	conn := ch.conn
	done := ch.done
	ch.cancelFn = nil
	ch.conn = nil
	ch.state = StateDisconnected
	if cancel != nil {
		cancel()
	}
	ch.mu.Unlock()

	if cancel == nil {
		return
	}
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	if done != nil {
		<-done
	}
}

func (ch *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	ch.mu.Lock()
	token := ch.token
	ch.mu.Unlock()

	opts := &websocket.DialOptions{
		HTTPClient: ch.config.HTTPClient,
		HTTPHeader: http.Header{"Authorization": {"Bearer " + token}},
	}
	conn, _, err := websocket.Dial(ctx, ch.config.socketURL(), opts)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	return conn, nil
}

// established publishes conn, announces the user and dispatches "connect".
// It reports false, closing conn, when Disconnect won the race.
func (ch *Channel) established(ctx context.Context, conn *websocket.Conn) bool {
	ch.mu.Lock()
	if ctx.Err() != nil {
		ch.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
		return false
	}
	ch.conn = conn
	ch.state = StateConnected
	userID := ch.userID
	ch.mu.Unlock()

	ch.logger.Info("realtime connected", "user_id", userID)
	if err := ch.Emit(ctx, eventJoin, UserIDPayload{UserID: userID}); err != nil {
		ch.logger.Warn("join failed", "error", err)
	}
	if err := ch.AnnouncePresence(ctx); err != nil {
		ch.logger.Warn("presence announce failed", "error", err)
	}
	ch.dispatcher.emitMeta(EventConnect, nil)
	return true
}

// run owns the connection: it reads until the link fails, then reconnects
// with backoff. It is the only goroutine that dispatches inbound events.
func (ch *Channel) run(ctx context.Context, conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	recon := newReconnector(&ch.config)

	for {
		if conn != nil {
			err := ch.readLoop(ctx, conn)
			if ctx.Err() != nil {
				return
			}

			ch.mu.Lock()
			if ch.conn == conn {
				ch.conn = nil
			}
			ch.state = StateReconnecting
			ch.mu.Unlock()
			ch.logger.Warn("realtime disconnected", "error", err)
			ch.dispatcher.emitMeta(EventDisconnect, ErrorPayload{Message: errString(err)})
		}

		conn = ch.reconnect(ctx, recon)
		if conn == nil {
			ch.mu.Lock()
			if ctx.Err() == nil {
				ch.state = StateDisconnected
			}
			ch.mu.Unlock()
			return
		}
		recon.reset()
		if !ch.established(ctx, conn) {
			return
		}
	}
}

func (ch *Channel) reconnect(ctx context.Context, recon *reconnector) *websocket.Conn {
	if ch.config.DisableReconnect {
		return nil
	}
	for recon.shouldReconnect() {
		delay := recon.nextDelay()
		ch.logger.Info("realtime reconnecting", "attempt", recon.attempt, "delay", delay)
		if sleepCtx(ctx, delay) != nil {
			return nil
		}
		conn, err := ch.dial(ctx)
		if err == nil {
			return conn
		}
		if ctx.Err() != nil {
			return nil
		}
		ch.dispatcher.emitMeta(EventConnectError, ErrorPayload{Message: err.Error()})
	}
	ch.logger.Error("realtime reconnect attempts exhausted", "attempts", recon.attempt)
	return nil
}

func (ch *Channel) readLoop(ctx context.Context, conn *websocket.Conn) error {
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go ch.heartbeatLoop(hbCtx, conn)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
			ch.logger.Debug("dropping malformed frame", "error", err)
			continue
		}
		ch.dispatcher.dispatch(env)
	}
}

func (ch *Channel) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(ch.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					ch.logger.Warn("heartbeat failed", "error", err)
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

// ============================================================================
// Outbound signals
// ============================================================================

// Emit sends one event.
func (ch *Channel) Emit(ctx context.Context, kind string, payload any) error {
	ch.mu.Lock()
	conn := ch.conn
	ch.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	data, err := json.Marshal(Envelope{Type: kind, Payload: raw})
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// AnnouncePresence tells the server the user is online.
func (ch *Channel) AnnouncePresence(ctx context.Context) error {
	return ch.Emit(ctx, EventUserConnected, UserIDPayload{UserID: ch.UserID()})
}

// WithdrawPresence tells the server the user is leaving.
func (ch *Channel) WithdrawPresence(ctx context.Context) error {
	return ch.Emit(ctx, EventUserDisconnected, UserIDPayload{UserID: ch.UserID()})
}

// NotifyTyping tells peerID the user is typing. Blank drafts send nothing,
// and at most one notification leaves per TypingCooldown.
func (ch *Channel) NotifyTyping(ctx context.Context, peerID, draft string) error {
	if strings.TrimSpace(draft) == "" {
		return nil
	}
	if !ch.typing.Allow() {
		return nil
	}
	return ch.Emit(ctx, EventTyping, UserIDPayload{UserID: peerID})
}

// SendReadReceipt acknowledges that messageID has been seen.
func (ch *Channel) SendReadReceipt(ctx context.Context, messageID string) error {
	return ch.Emit(ctx, EventMessageRead, MessageReadPayload{MessageID: messageID})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		return fmt.Sprintf("closed (%d): %s", ce.Code, ce.Reason)
	}
	return err.Error()
}
