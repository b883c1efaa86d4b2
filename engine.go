package chatterbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// ============================================================================
// Collaborators
// ============================================================================

// MessageService is the REST surface the engine needs. *MessagesClient
// implements it.
type MessageService interface {
	History(ctx context.Context, peerID string, page, limit int) ([]Message, error)
	Send(ctx context.Context, peerID, content string) (*Message, error)
	MarkRead(ctx context.Context, messageIDs []string) error
	UnreadCounts(ctx context.Context) (map[string]int, error)
}

// SignalEmitter sends outbound realtime signals. *Channel implements it.
type SignalEmitter interface {
	SendReadReceipt(ctx context.Context, messageID string) error
	NotifyTyping(ctx context.Context, peerID, draft string) error
}

// EventSource delivers inbound realtime events and accepts outbound
// signals. *Channel implements it.
type EventSource interface {
	SignalEmitter
	On(kind string, h EventHandler)
}

// SessionReader exposes the live session. *SessionStore implements it.
type SessionReader interface {
	Current() Session
}

// FollowChecker reports whether messaging a peer is allowed. *Contacts
// implements it.
type FollowChecker interface {
	IsFollowed(peerID string) bool
}

// ============================================================================
// Engine events
// ============================================================================

// Events emitted by the Engine after its state changed.
const (
	EngineMessageLocal       = "message.local"
	EngineMessageConfirmed   = "message.confirmed"
	EngineMessageFailed      = "message.failed"
	EngineMessageReceived    = "message.received"
	EngineMessageRead        = "message.read"
	EngineConversationLoaded = "conversation.loaded"
	EngineConversationClosed = "conversation.closed"
	EngineTypingChanged      = "typing.changed"
	EngineUnreadChanged      = "unread.changed"
	EnginePresenceChanged    = "presence.changed"
)

// EngineEvent describes one state change. Fields that do not apply to the
// event are zero.
type EngineEvent struct {
	PeerID  string
	Message *Message
	Typing  bool
	Unread  bool
	Err     error
}

// EngineEventHandler observes engine state changes.
type EngineEventHandler func(event string, ev EngineEvent)

type engineEmitter struct {
	mu        sync.RWMutex
	listeners map[string][]EngineEventHandler
	logger    *slog.Logger
}

func (e *engineEmitter) On(event string, handler EngineEventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[event] = append(e.listeners[event], handler)
}

func (e *engineEmitter) emit(event string, ev EngineEvent) {
	e.mu.RLock()
	handlers := append([]EngineEventHandler(nil), e.listeners[event]...)
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error("engine listener panicked", "event", event, "panic", r)
				}
			}()
			h(event, ev)
		}()
	}
}

// ============================================================================
// Engine
// ============================================================================

// fetchState guards one fetchable resource against duplicate requests.
type fetchState int

const (
	fetchIdle fetchState = iota
	fetchInFlight
	fetchBackoff
)

// EngineConfig tunes the Engine. Zero fields take the defaults.
type EngineConfig struct {
	HistoryPageSize  int           // default: 50
	TypingTTL        time.Duration // how long a typing signal shows (default: 3s)
	UnreadRetries    int           // retries of the unread-count fetch (default: 3)
	UnreadRetryDelay time.Duration // default: 2s
	SignalTimeout    time.Duration // bound on outbound signal writes (default: 5s)
	Logger           *slog.Logger
}

func (c *EngineConfig) defaults() {
	if c.HistoryPageSize <= 0 {
		c.HistoryPageSize = HistoryPageSize
	}
	if c.TypingTTL <= 0 {
		c.TypingTTL = 3 * time.Second
	}
	if c.UnreadRetries == 0 {
		c.UnreadRetries = 3
	}
	if c.UnreadRetryDelay <= 0 {
		c.UnreadRetryDelay = 2 * time.Second
	}
	if c.SignalTimeout <= 0 {
		c.SignalTimeout = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Greeting is the quick first message offered for an empty conversation.
const Greeting = "Hi 👋"

// Engine keeps every tracked conversation consistent across history
// fetches, inbound realtime events and optimistic sends. It owns the
// conversation cache, the unread counts and the presence set; nothing else
// writes to them.
//
// All methods are safe for concurrent use. The engine's lock is never held
// across network calls, so overlapping operations are reconciled by message
// id rather than by ordering.
type Engine struct {
	engineEmitter

	cfg      EngineConfig
	messages MessageService
	session  SessionReader
	follows  FollowChecker
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time

	mu          sync.Mutex
	cache       *conversationCache
	selected    string
	history     map[string]fetchState
	unreadFetch fetchState
	typingPeer  string
	typingTimer *time.Timer
	greeted     map[string]bool
	signals     SignalEmitter
}

func NewEngine(messages MessageService, session SessionReader, follows FollowChecker, notifier Notifier, cfg EngineConfig) *Engine {
	cfg.defaults()
	if notifier == nil {
		notifier = NewLogNotifier(cfg.Logger)
	}
	return &Engine{
		engineEmitter: engineEmitter{listeners: make(map[string][]EngineEventHandler), logger: cfg.Logger},
		cfg:           cfg,
		messages:      messages,
		session:       session,
		follows:       follows,
		notifier:      notifier,
		logger:        cfg.Logger,
		now:           time.Now,
		cache:         newConversationCache(),
		history:       make(map[string]fetchState),
		greeted:       make(map[string]bool),
	}
}

// SetFollowChecker replaces the follow gate consulted by Send.
func (e *Engine) SetFollowChecker(f FollowChecker) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.follows = f
}

// Attach subscribes the engine to src's inbound events and routes its
// outbound signals through src.
func (e *Engine) Attach(src EventSource) {
	e.mu.Lock()
	e.signals = src
	e.mu.Unlock()

	src.On(EventReceiveMessage, func(p json.RawMessage) {
		var in InboundMessage
		if e.decode(EventReceiveMessage, p, &in) {
			e.HandleInbound(in)
		}
	})
	src.On(EventMessageRead, func(p json.RawMessage) {
		var r MessageReadPayload
		if e.decode(EventMessageRead, p, &r) {
			e.HandleReadReceipt(r.MessageID)
		}
	})
	src.On(EventTyping, func(p json.RawMessage) {
		var t UserIDPayload
		if e.decode(EventTyping, p, &t) {
			e.HandleTyping(t.UserID)
		}
	})
	src.On(EventOnlineUsers, func(p json.RawMessage) {
		var o OnlineUsersPayload
		if e.decode(EventOnlineUsers, p, &o) {
			e.SetOnline(o.Users)
		}
	})
	src.On(EventUserConnected, func(p json.RawMessage) {
		var u UserIDPayload
		if e.decode(EventUserConnected, p, &u) {
			e.PeerConnected(u.UserID)
		}
	})
	src.On(EventUserDisconnected, func(p json.RawMessage) {
		var u UserIDPayload
		if e.decode(EventUserDisconnected, p, &u) {
			e.PeerDisconnected(u.UserID)
		}
	})
	src.On(EventUnreadCounts, func(p json.RawMessage) {
		var counts []unreadCount
		if e.decode(EventUnreadCounts, p, &counts) {
			m := make(map[string]int, len(counts))
			for _, c := range counts {
				m[c.UserID] = c.Count
			}
			e.applyUnreadCounts(m)
		}
	})
	src.On(EventConnect, func(json.RawMessage) {
		// Off the reader goroutine: the fetch may end in a logout, which
		// tears the channel down.
		go func() {
			if err := e.RefreshUnreadCounts(context.Background()); err != nil && !errors.Is(err, ErrAlreadyLoading) {
				e.logger.Warn("unread counts refresh on connect failed", "error", err)
			}
		}()
	})
}

func (e *Engine) decode(kind string, p json.RawMessage, v any) bool {
	if err := json.Unmarshal(p, v); err != nil {
		e.logger.Warn("dropping malformed event", "event", kind, "error", err)
		return false
	}
	return true
}

// ── History ──────────────────────────────────────────────

// LoadHistory fetches the latest page of the conversation with peerID and
// installs it in the cache. Unread messages from the peer are marked read
// on the server, and the peer's unread count drops to zero once that
// succeeds.
//
// If the fetch fails and messages for the peer are cached, the cached
// sequence stays and LoadHistory returns nil after warning the user. A 404
// drops the selection of peerID.
func (e *Engine) LoadHistory(ctx context.Context, peerID string) error {
	if !IsValidID(peerID) {
		return ErrInvalidID
	}
	if !e.session.Current().IsAuthenticated() {
		return ErrNotAuthenticated
	}

	e.mu.Lock()
	if e.history[peerID] == fetchInFlight {
		e.mu.Unlock()
		return ErrAlreadyLoading
	}
	e.history[peerID] = fetchInFlight
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(e.history, peerID)
		e.mu.Unlock()
	}()

	page, err := e.messages.History(ctx, peerID, 1, e.cfg.HistoryPageSize)
	if err != nil {
		return e.historyFailed(peerID, err)
	}

	e.mu.Lock()
	if !e.session.Current().IsAuthenticated() {
		e.mu.Unlock()
		return ErrNotAuthenticated
	}
	e.cache.replace(peerID, page)
	for _, m := range page {
		e.cache.touch(peerID, m.CreatedAt)
	}
	unread := e.cache.unreadInbound(peerID)
	if len(unread) == 0 {
		e.cache.setUnread(peerID, 0)
	}
	e.mu.Unlock()

	e.logger.Debug("history loaded", "peer_id", peerID, "count", len(page), "unread", len(unread))
	e.emit(EngineConversationLoaded, EngineEvent{PeerID: peerID})

	if len(unread) > 0 {
		if err := e.messages.MarkRead(ctx, unread); err != nil {
			e.logger.Warn("mark read failed", "peer_id", peerID, "error", err)
			e.notifier.Notify(NotifyError, "Failed to mark messages as read.")
			return nil
		}
		e.mu.Lock()
		e.cache.markRead(peerID, unread...)
		e.cache.setUnread(peerID, 0)
		e.mu.Unlock()
		e.emit(EngineMessageRead, EngineEvent{PeerID: peerID})
	}
	e.unreadChanged()
	return nil
}

func (e *Engine) historyFailed(peerID string, err error) error {
	e.mu.Lock()
	cached := len(e.cache.messages(peerID)) > 0
	e.mu.Unlock()

	switch {
	case cached:
		e.logger.Warn("history fetch failed, serving cache", "peer_id", peerID, "error", err)
		e.notifier.Notify(NotifyWarn, "Failed to fetch messages, showing cached messages.")
		return nil
	case IsStatus(err, http.StatusNotFound):
		e.mu.Lock()
		closed := e.selected == peerID
		if closed {
			e.closeLocked()
		}
		e.mu.Unlock()
		e.notifier.Notify(NotifyError, "Recipient not found.")
		if closed {
			e.emit(EngineConversationClosed, EngineEvent{PeerID: peerID})
		}
		return fmt.Errorf("load history: %w", err)
	case Classify(err) == KindAuth:
		return fmt.Errorf("load history: %w", err)
	default:
		e.notifier.Notify(NotifyError, "Failed to load messages. Please try again.")
		return fmt.Errorf("load history: %w", err)
	}
}

// PrimeActivity seeds the last-activity time of each peer from its most
// recent message so that ConversationOrder is meaningful before any
// conversation is opened. Failures are logged and skipped.
func (e *Engine) PrimeActivity(ctx context.Context, peerIDs []string) {
	for _, peer := range peerIDs {
		if ctx.Err() != nil {
			return
		}
		if !IsValidID(peer) {
			continue
		}
		msgs, err := e.messages.History(ctx, peer, 1, 1)
		if err != nil {
			e.logger.Warn("recent message fetch failed", "peer_id", peer, "error", err)
			continue
		}
		if len(msgs) == 0 {
			continue
		}
		e.mu.Lock()
		e.cache.touch(peer, msgs[0].CreatedAt)
		e.mu.Unlock()
	}
}

// ── Inbound ──────────────────────────────────────────────

// HandleInbound applies a receive-message event. Events with malformed
// ids, or whose message id is already cached, are dropped.
func (e *Engine) HandleInbound(in InboundMessage) {
	self := e.session.Current().UserID()
	if self == "" || !IsValidID(in.From) || !IsValidID(in.To) || in.ID == "" {
		return
	}

	msg := Message{
		ID:        in.ID,
		FromSelf:  in.From == self,
		Content:   in.Message,
		CreatedAt: in.CreatedAt,
		Read:      in.Read,
	}
	peer := in.From
	if msg.FromSelf {
		peer = in.To
	}
	at := msg.CreatedAt
	if at.IsZero() {
		at = e.now()
	}

	e.mu.Lock()
	if !e.cache.add(peer, msg) {
		e.mu.Unlock()
		return
	}
	receipt := false
	if peer == e.selected {
		if !msg.FromSelf && !msg.Read {
			receipt = true
			e.cache.markRead(peer, msg.ID)
			e.cache.setUnread(peer, 0)
		}
	} else if !msg.FromSelf {
		e.cache.incUnread(peer)
	}
	e.cache.touch(peer, at)
	signals := e.signals
	e.mu.Unlock()

	if receipt && signals != nil {
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.SignalTimeout)
		if err := signals.SendReadReceipt(ctx, msg.ID); err != nil {
			e.logger.Warn("read receipt failed", "message_id", msg.ID, "error", err)
		}
		cancel()
	}
	e.emit(EngineMessageReceived, EngineEvent{PeerID: peer, Message: &msg})
	e.unreadChanged()
}

// HandleReadReceipt applies a message-read event to the open conversation.
func (e *Engine) HandleReadReceipt(messageID string) {
	e.mu.Lock()
	peer := e.selected
	if peer == "" {
		e.mu.Unlock()
		return
	}
	e.cache.markRead(peer, messageID)
	e.cache.setUnread(peer, 0)
	e.mu.Unlock()

	e.emit(EngineMessageRead, EngineEvent{PeerID: peer})
	e.unreadChanged()
}

// HandleTyping shows the typing flag for the open peer for TypingTTL.
func (e *Engine) HandleTyping(userID string) {
	e.mu.Lock()
	if userID == "" || userID != e.selected {
		e.mu.Unlock()
		return
	}
	e.typingPeer = userID
	if e.typingTimer != nil {
		e.typingTimer.Stop()
	}
	e.typingTimer = time.AfterFunc(e.cfg.TypingTTL, func() {
		e.mu.Lock()
		if e.typingPeer != userID {
			e.mu.Unlock()
			return
		}
		e.typingPeer = ""
		e.mu.Unlock()
		e.emit(EngineTypingChanged, EngineEvent{PeerID: userID, Typing: false})
	})
	e.mu.Unlock()

	e.emit(EngineTypingChanged, EngineEvent{PeerID: userID, Typing: true})
}

// IsTyping reports whether peerID is currently shown as typing.
func (e *Engine) IsTyping(peerID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return peerID != "" && e.typingPeer == peerID
}

// ── Sending ──────────────────────────────────────────────

// Send delivers content to peerID, which must be the open conversation and
// a followed peer. A provisional entry appears in the conversation at once
// and is swapped for the server's copy on acknowledgement. On failure the
// provisional entry is removed, the user is notified and the error is
// returned; the send is not retried.
func (e *Engine) Send(ctx context.Context, peerID, content string) (*Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyMessage
	}
	e.mu.Lock()
	selected := e.selected
	follows := e.follows
	e.mu.Unlock()
	if selected == "" {
		return nil, ErrNoConversation
	}
	if !e.session.Current().IsAuthenticated() {
		return nil, ErrNotAuthenticated
	}
	if !IsValidID(peerID) {
		return nil, ErrInvalidID
	}
	if peerID != selected {
		return nil, ErrNoConversation
	}
	if follows != nil && !follows.IsFollowed(peerID) {
		return nil, ErrNotFollowed
	}

	provisional := Message{
		ID:          newProvisionalID(),
		FromSelf:    true,
		Content:     content,
		CreatedAt:   e.now().UTC(),
		Provisional: true,
	}
	e.mu.Lock()
	e.cache.add(peerID, provisional)
	e.mu.Unlock()
	e.emit(EngineMessageLocal, EngineEvent{PeerID: peerID, Message: &provisional})

	server, err := e.messages.Send(ctx, peerID, content)
	if err == nil && (server == nil || server.ID == "") {
		err = errors.New("acknowledgement carries no message id")
	}
	if err != nil {
		e.mu.Lock()
		e.cache.remove(peerID, provisional.ID)
		e.mu.Unlock()
		e.logger.Error("send failed", "peer_id", peerID, "error", err)
		e.notifier.Notify(NotifyError, "Failed to send message: "+errorMessage(err))
		e.emit(EngineMessageFailed, EngineEvent{PeerID: peerID, Message: &provisional, Err: err})
		return nil, fmt.Errorf("send message: %w", err)
	}

	confirmed := *server
	confirmed.FromSelf = true
	confirmed.Provisional = false
	if confirmed.Content == "" {
		confirmed.Content = provisional.Content
	}
	if confirmed.CreatedAt.IsZero() {
		confirmed.CreatedAt = provisional.CreatedAt
	}

	e.mu.Lock()
	e.cache.confirm(peerID, provisional.ID, confirmed)
	if e.cache.get(peerID) != nil {
		e.cache.touch(peerID, confirmed.CreatedAt)
	}
	e.mu.Unlock()

	e.emit(EngineMessageConfirmed, EngineEvent{PeerID: peerID, Message: &confirmed})
	return &confirmed, nil
}

// SendGreeting sends Greeting to the open conversation if it is still
// empty. It sends at most once per opened conversation.
func (e *Engine) SendGreeting(ctx context.Context) (*Message, error) {
	e.mu.Lock()
	peer := e.selected
	eligible := peer != "" && !e.greeted[peer] && len(e.cache.messages(peer)) == 0
	if eligible {
		e.greeted[peer] = true
	}
	e.mu.Unlock()
	if peer == "" {
		return nil, ErrNoConversation
	}
	if !eligible {
		return nil, nil
	}

	msg, err := e.Send(ctx, peer, Greeting)
	if err != nil {
		e.mu.Lock()
		delete(e.greeted, peer)
		e.mu.Unlock()
	}
	return msg, err
}

// Typing signals the open peer that the user is typing draft. Blank drafts
// and bursts within the channel's cooldown send nothing.
func (e *Engine) Typing(ctx context.Context, draft string) error {
	e.mu.Lock()
	peer := e.selected
	signals := e.signals
	e.mu.Unlock()
	if peer == "" {
		return ErrNoConversation
	}
	if signals == nil {
		return ErrNotConnected
	}
	return signals.NotifyTyping(ctx, peer, draft)
}

// ── Selection ────────────────────────────────────────────

// SelectConversation opens the conversation with peerID and loads its
// history. Cached messages are visible through View immediately. Selecting
// the open peer again does nothing.
func (e *Engine) SelectConversation(ctx context.Context, peerID string) error {
	if !IsValidID(peerID) {
		e.notifier.Notify(NotifyError, "Invalid user selected.")
		return ErrInvalidID
	}

	e.mu.Lock()
	if e.selected == peerID {
		e.mu.Unlock()
		return nil
	}
	e.closeLocked()
	e.selected = peerID
	e.mu.Unlock()

	err := e.LoadHistory(ctx, peerID)
	if errors.Is(err, ErrAlreadyLoading) {
		return nil
	}
	return err
}

// CloseConversation leaves the open conversation, if any.
func (e *Engine) CloseConversation() {
	e.mu.Lock()
	peer := e.selected
	e.closeLocked()
	e.mu.Unlock()
	if peer != "" {
		e.emit(EngineConversationClosed, EngineEvent{PeerID: peer})
	}
}

func (e *Engine) closeLocked() {
	if e.selected != "" {
		delete(e.greeted, e.selected)
	}
	e.selected = ""
	e.typingPeer = ""
	if e.typingTimer != nil {
		e.typingTimer.Stop()
		e.typingTimer = nil
	}
}

// Selected returns the open peer, or "".
func (e *Engine) Selected() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.selected
}

// Evict drops everything cached for peerID and closes its conversation if
// it is open.
func (e *Engine) Evict(peerID string) {
	e.mu.Lock()
	wasOpen := e.selected == peerID
	if wasOpen {
		e.closeLocked()
	}
	e.cache.evict(peerID)
	e.mu.Unlock()
	if wasOpen {
		e.emit(EngineConversationClosed, EngineEvent{PeerID: peerID})
	}
	e.unreadChanged()
}

// Reset forgets all session-scoped state.
func (e *Engine) Reset() {
	e.mu.Lock()
	e.closeLocked()
	e.cache.reset()
	e.history = make(map[string]fetchState)
	e.greeted = make(map[string]bool)
	e.unreadFetch = fetchIdle
	e.mu.Unlock()
	e.unreadChanged()
}

// ── Views ────────────────────────────────────────────────

// ConversationView is a snapshot of the open conversation.
type ConversationView struct {
	PeerID   string
	Messages []Message
	Typing   bool
	Online   bool
	Loading  bool
}

// View returns the open conversation. It is derived from the cache, so
// cached messages are served while a fetch is in flight.
func (e *Engine) View() ConversationView {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.selected == "" {
		return ConversationView{}
	}
	return ConversationView{
		PeerID:   e.selected,
		Messages: e.cache.messages(e.selected),
		Typing:   e.typingPeer == e.selected,
		Online:   e.cache.isOnline(e.selected),
		Loading:  e.history[e.selected] == fetchInFlight,
	}
}

// Conversation returns the cached messages for peerID.
func (e *Engine) Conversation(peerID string) []Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cache.messages(peerID)
}

// SearchMessages returns cached messages containing query, optionally
// restricted to one peer.
func (e *Engine) SearchMessages(query, peerID string, limit int) []Message {
	if limit <= 0 {
		limit = HistoryPageSize
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cache.search(query, peerID, limit)
}

// ConversationOrder sorts peers for the conversation list: most recent
// activity first, peers without activity last, ties in input order.
func (e *Engine) ConversationOrder(peerIDs []string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cache.order(peerIDs)
}

// LastActivity returns the last recorded activity with peerID.
func (e *Engine) LastActivity(peerID string) time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cache.lastActivity(peerID)
}

// ── Unread counts ────────────────────────────────────────

// UnreadCount returns the unread count for peerID.
func (e *Engine) UnreadCount(peerID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cache.unreadCount(peerID)
}

// UnreadCounts returns a copy of every non-zero unread count.
func (e *Engine) UnreadCounts() map[string]int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cache.unreadSnapshot()
}

// HasUnread reports whether any conversation has unread messages.
func (e *Engine) HasUnread() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cache.hasUnread()
}

// RefreshUnreadCounts replaces the unread counts with the server's. A
// transport failure is retried UnreadRetries times, UnreadRetryDelay apart;
// auth and validation failures are not retried.
func (e *Engine) RefreshUnreadCounts(ctx context.Context) error {
	if e.session.Current().UserID() == "" {
		return ErrNotAuthenticated
	}

	e.mu.Lock()
	if e.unreadFetch != fetchIdle {
		e.mu.Unlock()
		return ErrAlreadyLoading
	}
	e.unreadFetch = fetchInFlight
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.unreadFetch = fetchIdle
		e.mu.Unlock()
	}()

	for attempt := 0; ; attempt++ {
		counts, err := e.messages.UnreadCounts(ctx)
		if err == nil {
			e.applyUnreadCounts(counts)
			return nil
		}
		if kind := Classify(err); kind == KindAuth || kind == KindValidation {
			return fmt.Errorf("unread counts: %w", err)
		}
		if attempt >= e.cfg.UnreadRetries {
			e.notifier.Notify(NotifyError, "Unable to fetch unread messages. Please try again later.")
			return fmt.Errorf("unread counts: %w", err)
		}

		e.logger.Warn("unread counts fetch failed, retrying", "attempt", attempt+1, "error", err)
		e.mu.Lock()
		e.unreadFetch = fetchBackoff
		e.mu.Unlock()
		if werr := sleepCtx(ctx, e.cfg.UnreadRetryDelay); werr != nil {
			return werr
		}
		e.mu.Lock()
		e.unreadFetch = fetchInFlight
		e.mu.Unlock()
	}
}

// applyUnreadCounts installs server counts. The open conversation keeps a
// zero count when every cached message from the peer is already read.
func (e *Engine) applyUnreadCounts(counts map[string]int) {
	e.mu.Lock()
	e.cache.replaceUnread(counts)
	if e.selected != "" {
		if conv := e.cache.get(e.selected); conv != nil && conv.loaded && len(e.cache.unreadInbound(e.selected)) == 0 {
			e.cache.setUnread(e.selected, 0)
		}
	}
	e.mu.Unlock()
	e.unreadChanged()
}

func (e *Engine) unreadChanged() {
	has := e.HasUnread()
	if ind, ok := e.notifier.(UnreadIndicator); ok {
		ind.SetUnread(has)
	}
	e.emit(EngineUnreadChanged, EngineEvent{Unread: has})
}

// ── Presence ─────────────────────────────────────────────

// SetOnline replaces the presence set. Malformed ids are ignored.
func (e *Engine) SetOnline(ids []string) {
	valid := make([]string, 0, len(ids))
	for _, id := range ids {
		if IsValidID(id) {
			valid = append(valid, id)
		}
	}
	e.mu.Lock()
	e.cache.setOnline(valid)
	e.mu.Unlock()
	e.emit(EnginePresenceChanged, EngineEvent{})
}

// PeerConnected adds peerID to the presence set.
func (e *Engine) PeerConnected(peerID string) {
	if !IsValidID(peerID) {
		return
	}
	e.mu.Lock()
	e.cache.addOnline(peerID)
	e.mu.Unlock()
	e.emit(EnginePresenceChanged, EngineEvent{PeerID: peerID})
}

// PeerDisconnected removes peerID from the presence set.
func (e *Engine) PeerDisconnected(peerID string) {
	if !IsValidID(peerID) {
		return
	}
	e.mu.Lock()
	e.cache.removeOnline(peerID)
	e.mu.Unlock()
	e.emit(EnginePresenceChanged, EngineEvent{PeerID: peerID})
}

// Online returns the presence set, sorted.
func (e *Engine) Online() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cache.onlineIDs()
}

// IsOnline reports whether peerID is in the presence set.
func (e *Engine) IsOnline(peerID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cache.isOnline(peerID)
}

func errorMessage(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	return err.Error()
}
