package chatterbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Relation is where a peer stands in the user's follow graph.
type Relation int

const (
	RelationNone Relation = iota
	RelationPending
	RelationFollowed
	RelationIncoming
)

func (r Relation) String() string {
	switch r {
	case RelationPending:
		return "pending"
	case RelationFollowed:
		return "followed"
	case RelationIncoming:
		return "incoming"
	default:
		return "none"
	}
}

// FollowService is the REST surface for the follow graph. *FollowsClient
// implements it.
type FollowService interface {
	Request(ctx context.Context, userID string) error
	Unfollow(ctx context.Context, userID string) error
	Incoming(ctx context.Context) ([]FollowRequest, error)
	Accept(ctx context.Context, requestID string) (*User, error)
	Reject(ctx context.Context, requestID string) error
	Block(ctx context.Context, userID string) error
}

// UserDirectory lists users. *UsersClient implements it.
type UserDirectory interface {
	List(ctx context.Context) ([]User, error)
	Followed(ctx context.Context) ([]User, error)
	Search(ctx context.Context, query string) ([]User, error)
}

// ConversationEvictor drops a peer's conversation. *Engine implements it.
type ConversationEvictor interface {
	Evict(peerID string)
}

// EventSubscriber delivers inbound realtime events. *Channel implements it.
type EventSubscriber interface {
	On(kind string, h EventHandler)
}

// ContactsConfig tunes Contacts. Zero fields take the defaults.
type ContactsConfig struct {
	SearchDebounce time.Duration // default: 300ms
	Logger         *slog.Logger
}

func (c *ContactsConfig) defaults() {
	if c.SearchDebounce <= 0 {
		c.SearchDebounce = 300 * time.Millisecond
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Contacts tracks the follow graph: followed users, outgoing requests,
// incoming requests and search results. Every transition updates the
// in-memory snapshot so reads never need a round trip for known state.
// Revoking a relationship evicts the peer's conversation from the engine.
type Contacts struct {
	follows  FollowService
	users    UserDirectory
	session  SessionReader
	evictor  ConversationEvictor
	notifier Notifier
	logger   *slog.Logger
	debounce *Debouncer

	mu        sync.Mutex
	loadState fetchState
	loaded    bool
	followed  []User
	pending   map[string]struct{}
	incoming  []FollowRequest
	directory []User
	searched  []User
	blocked   map[string]struct{}
}

func NewContacts(follows FollowService, users UserDirectory, session SessionReader, evictor ConversationEvictor, notifier Notifier, cfg ContactsConfig) *Contacts {
	cfg.defaults()
	if notifier == nil {
		notifier = NewLogNotifier(cfg.Logger)
	}
	return &Contacts{
		follows:  follows,
		users:    users,
		session:  session,
		evictor:  evictor,
		notifier: notifier,
		logger:   cfg.Logger,
		debounce: NewDebouncer(cfg.SearchDebounce),
		pending:  make(map[string]struct{}),
		blocked:  make(map[string]struct{}),
	}
}

// Attach subscribes to new-user, follow-request and follow-accepted.
func (c *Contacts) Attach(src EventSubscriber) {
	src.On(EventNewUser, func(p json.RawMessage) {
		var u User
		if err := json.Unmarshal(p, &u); err != nil {
			c.logger.Warn("dropping malformed event", "event", EventNewUser, "error", err)
			return
		}
		c.HandleNewUser(u)
	})
	src.On(EventFollowRequest, func(p json.RawMessage) {
		var r FollowRequest
		if err := json.Unmarshal(p, &r); err != nil {
			c.logger.Warn("dropping malformed event", "event", EventFollowRequest, "error", err)
			return
		}
		c.HandleFollowRequest(r)
	})
	src.On(EventFollowAccepted, func(p json.RawMessage) {
		var a FollowAcceptedPayload
		if err := json.Unmarshal(p, &a); err != nil {
			c.logger.Warn("dropping malformed event", "event", EventFollowAccepted, "error", err)
			return
		}
		c.HandleFollowAccepted(a.User)
	})
}

func (c *Contacts) self() string {
	return c.session.Current().UserID()
}

// ── Loading ──────────────────────────────────────────────

// Load fetches followed users and incoming requests. After the first
// successful load the snapshot is served unless force is set.
func (c *Contacts) Load(ctx context.Context, force bool) error {
	self := c.self()
	if self == "" {
		return ErrNotAuthenticated
	}

	c.mu.Lock()
	if c.loaded && !force {
		c.mu.Unlock()
		return nil
	}
	if c.loadState == fetchInFlight {
		c.mu.Unlock()
		return ErrAlreadyLoading
	}
	c.loadState = fetchInFlight
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.loadState = fetchIdle
		c.mu.Unlock()
	}()

	var (
		followed []User
		incoming []FollowRequest
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		followed, err = c.users.Followed(gctx)
		if err != nil {
			return fmt.Errorf("followed users: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		incoming, err = c.follows.Incoming(gctx)
		if err != nil {
			return fmt.Errorf("incoming requests: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		if Classify(err) != KindAuth {
			c.notifier.Notify(NotifyError, "Failed to load users. Please try again.")
		}
		return err
	}

	c.mu.Lock()
	c.followed = withoutUser(followed, self)
	c.incoming = c.incoming[:0]
	for _, r := range incoming {
		if r.From.ID != self {
			c.incoming = append(c.incoming, r)
		}
	}
	for _, u := range c.followed {
		delete(c.pending, u.ID)
	}
	c.loaded = true
	c.mu.Unlock()

	c.logger.Debug("contacts loaded", "followed", len(followed), "incoming", len(incoming))
	return nil
}

// Directory returns every other user known to the server. The list is
// fetched once and then kept current by new-user events.
func (c *Contacts) Directory(ctx context.Context) ([]User, error) {
	self := c.self()
	if self == "" {
		return nil, ErrNotAuthenticated
	}
	c.mu.Lock()
	if c.directory != nil {
		out := append([]User(nil), c.directory...)
		c.mu.Unlock()
		return out, nil
	}
	c.mu.Unlock()

	users, err := c.users.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.directory = c.visible(withoutUser(users, self))
	return append([]User(nil), c.directory...), nil
}

// ── Search ───────────────────────────────────────────────

// Search queries the server for users. A blank query clears the results.
// The caller and blocked users are filtered out.
func (c *Contacts) Search(ctx context.Context, query string) ([]User, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		c.mu.Lock()
		c.searched = nil
		c.mu.Unlock()
		return nil, nil
	}
	self := c.self()
	if self == "" {
		return nil, ErrNotAuthenticated
	}

	users, err := c.users.Search(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("search users: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.searched = c.visible(withoutUser(users, self))
	return append([]User(nil), c.searched...), nil
}

// QueueSearch runs Search once query has been stable for the debounce
// window and passes the outcome to fn. Earlier queued queries are dropped.
func (c *Contacts) QueueSearch(query string, fn func([]User, error)) {
	c.debounce.Call(func() {
		users, err := c.Search(context.Background(), query)
		if fn != nil {
			fn(users, err)
		}
	})
}

// Searched returns the latest search results.
func (c *Contacts) Searched() []User {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]User(nil), c.searched...)
}

// ── Transitions ──────────────────────────────────────────

// Request asks peerID to accept a follow. The peer becomes pending.
func (c *Contacts) Request(ctx context.Context, peerID string) error {
	if !IsValidID(peerID) || peerID == c.self() {
		return ErrInvalidID
	}
	if c.State(peerID) == RelationFollowed {
		return nil
	}
	if err := c.follows.Request(ctx, peerID); err != nil {
		if !IsStatus(err, http.StatusConflict) {
			return fmt.Errorf("follow request: %w", err)
		}
		// Already requested.
	}
	c.mu.Lock()
	c.pending[peerID] = struct{}{}
	c.mu.Unlock()
	return nil
}

// Accept accepts an incoming request; the requester becomes followed.
func (c *Contacts) Accept(ctx context.Context, requestID string) error {
	req, ok := c.findRequest(requestID)
	if !ok {
		return ErrUnknownRequest
	}
	user, err := c.follows.Accept(ctx, requestID)
	if err != nil {
		return fmt.Errorf("accept request: %w", err)
	}
	if user == nil || user.ID == "" {
		user = &req.From
	}

	c.mu.Lock()
	c.removeRequestLocked(requestID)
	c.addFollowedLocked(*user)
	c.mu.Unlock()
	return nil
}

// Reject declines an incoming request.
func (c *Contacts) Reject(ctx context.Context, requestID string) error {
	if _, ok := c.findRequest(requestID); !ok {
		return ErrUnknownRequest
	}
	if err := c.follows.Reject(ctx, requestID); err != nil {
		return fmt.Errorf("reject request: %w", err)
	}
	c.mu.Lock()
	c.removeRequestLocked(requestID)
	c.mu.Unlock()
	return nil
}

// Unfollow removes peerID from the followed set and evicts its
// conversation.
func (c *Contacts) Unfollow(ctx context.Context, peerID string) error {
	if !IsValidID(peerID) {
		return ErrInvalidID
	}
	if err := c.follows.Unfollow(ctx, peerID); err != nil {
		return fmt.Errorf("unfollow: %w", err)
	}
	c.mu.Lock()
	c.followed = withoutUser(c.followed, peerID)
	delete(c.pending, peerID)
	c.mu.Unlock()

	if c.evictor != nil {
		c.evictor.Evict(peerID)
	}
	return nil
}

// Block blocks peerID. The peer disappears from every list and its
// conversation is evicted.
func (c *Contacts) Block(ctx context.Context, peerID string) error {
	if !IsValidID(peerID) || peerID == c.self() {
		return ErrInvalidID
	}
	if err := c.follows.Block(ctx, peerID); err != nil {
		return fmt.Errorf("block: %w", err)
	}
	c.mu.Lock()
	c.blocked[peerID] = struct{}{}
	c.followed = withoutUser(c.followed, peerID)
	c.searched = withoutUser(c.searched, peerID)
	if c.directory != nil {
		c.directory = withoutUser(c.directory, peerID)
	}
	delete(c.pending, peerID)
	kept := c.incoming[:0]
	for _, r := range c.incoming {
		if r.From.ID != peerID {
			kept = append(kept, r)
		}
	}
	c.incoming = kept
	c.mu.Unlock()

	if c.evictor != nil {
		c.evictor.Evict(peerID)
	}
	return nil
}

// ── Inbound events ───────────────────────────────────────

// HandleNewUser adds a newly registered user to the directory.
func (c *Contacts) HandleNewUser(u User) {
	if !IsValidID(u.ID) || u.ID == c.self() {
		return
	}
	c.mu.Lock()
	if _, blocked := c.blocked[u.ID]; blocked || indexUser(c.directory, u.ID) >= 0 {
		c.mu.Unlock()
		return
	}
	c.directory = append(c.directory, u)
	c.mu.Unlock()
	c.notifier.Notify(NotifyInfo, "New user joined: "+u.Name)
}

// HandleFollowRequest records an incoming follow request.
func (c *Contacts) HandleFollowRequest(r FollowRequest) {
	if r.ID == "" || !IsValidID(r.From.ID) {
		return
	}
	c.mu.Lock()
	if _, blocked := c.blocked[r.From.ID]; blocked {
		c.mu.Unlock()
		return
	}
	for _, existing := range c.incoming {
		if existing.ID == r.ID {
			c.mu.Unlock()
			return
		}
	}
	c.incoming = append(c.incoming, r)
	c.mu.Unlock()
	c.notifier.Notify(NotifyInfo, "New follow request from "+r.From.Name)
}

// HandleFollowAccepted marks u as followed after they accepted our
// request.
func (c *Contacts) HandleFollowAccepted(u User) {
	if !IsValidID(u.ID) {
		return
	}
	c.mu.Lock()
	c.addFollowedLocked(u)
	c.mu.Unlock()
	c.notifier.Notify(NotifyInfo, u.Name+" accepted your follow request")
}

// ── Reads ────────────────────────────────────────────────

// Followed returns the followed users.
func (c *Contacts) Followed() []User {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]User(nil), c.followed...)
}

// Incoming returns the pending incoming requests.
func (c *Contacts) Incoming() []FollowRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]FollowRequest(nil), c.incoming...)
}

// State returns the relation with peerID.
func (c *Contacts) State(peerID string) Relation {
	c.mu.Lock()
	defer c.mu.Unlock()
	if indexUser(c.followed, peerID) >= 0 {
		return RelationFollowed
	}
	if _, ok := c.pending[peerID]; ok {
		return RelationPending
	}
	for _, r := range c.incoming {
		if r.From.ID == peerID {
			return RelationIncoming
		}
	}
	return RelationNone
}

// IsFollowed reports whether peerID is followed.
func (c *Contacts) IsFollowed(peerID string) bool {
	return c.State(peerID) == RelationFollowed
}

// Reset forgets the snapshot and cancels a queued search.
func (c *Contacts) Reset() {
	c.debounce.Stop()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loaded = false
	c.loadState = fetchIdle
	c.followed = nil
	c.pending = make(map[string]struct{})
	c.incoming = nil
	c.directory = nil
	c.searched = nil
	c.blocked = make(map[string]struct{})
}

// ── helpers ──────────────────────────────────────────────

func (c *Contacts) findRequest(id string) (FollowRequest, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.incoming {
		if r.ID == id {
			return r, true
		}
	}
	return FollowRequest{}, false
}

func (c *Contacts) removeRequestLocked(id string) {
	kept := c.incoming[:0]
	for _, r := range c.incoming {
		if r.ID != id {
			kept = append(kept, r)
		}
	}
	c.incoming = kept
}

func (c *Contacts) addFollowedLocked(u User) {
	delete(c.pending, u.ID)
	if indexUser(c.followed, u.ID) < 0 {
		c.followed = append(c.followed, u)
	}
}

func (c *Contacts) visible(users []User) []User {
	out := users[:0]
	for _, u := range users {
		if _, blocked := c.blocked[u.ID]; !blocked {
			out = append(out, u)
		}
	}
	return out
}

func withoutUser(users []User, id string) []User {
	out := make([]User, 0, len(users))
	for _, u := range users {
		if u.ID != id {
			out = append(out, u)
		}
	}
	return out
}

func indexUser(users []User, id string) int {
	for i, u := range users {
		if u.ID == id {
			return i
		}
	}
	return -1
}
