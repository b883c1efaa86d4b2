// Package chatterbox is the Go client for the ChatterBox direct-messaging
// service.
//
// It keeps a logged-in session alive, mirrors the user's follow graph and
// conversations over a persistent websocket, and sends messages
// optimistically, reconciling them against what the server confirms.
//
// Example:
//
//	app := chatterbox.New(chatterbox.Config{BaseURL: "http://localhost:5000"})
//	defer app.Close()
//	app.Start(ctx)
//
//	if _, err := app.Login(ctx, "ada@example.com", "secret"); err != nil {
//		return err
//	}
//	_ = app.LoadContacts(ctx, false)
//	_ = app.Engine.SelectConversation(ctx, peerID)
//	_, _ = app.Engine.Send(ctx, peerID, "hello")
//
// The REST surface is also usable on its own through Client and its
// sub-clients:
//
//	client := chatterbox.NewClient(chatterbox.WithBaseURL(url), chatterbox.WithToken(tok))
//	users, _ := client.Users.Followed(ctx)
package chatterbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ============================================================================
// Client
// ============================================================================

const (
	DefaultBaseURL = "http://localhost:5000"
	DefaultTimeout = 30 * time.Second

	// HistoryPageSize is the number of messages fetched when a conversation
	// is opened.
	HistoryPageSize = 50
)

// Client is the ChatterBox REST client. The zero value is not usable; call
// NewClient.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger

	token          func() string
	onUnauthorized func()

	Auth     *AuthClient
	Users    *UsersClient
	Messages *MessagesClient
	Follows  *FollowsClient
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

// WithHTTPClient replaces the underlying HTTP client. Its transport is
// wrapped, not modified.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// WithToken sets a fixed bearer token.
func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = func() string { return token } }
}

// WithTokenSource reads the bearer token from fn on every request, so a
// refreshed token is picked up without rebuilding the client.
func WithTokenSource(fn func() string) ClientOption {
	return func(c *Client) { c.token = fn }
}

// WithUnauthorizedHook registers fn to run whenever the server answers 401
// or 403.
func WithUnauthorizedHook(fn func()) ClientOption {
	return func(c *Client) { c.onUnauthorized = fn }
}

// NewClient creates a new ChatterBox REST client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: slog.Default(),
		token:  func() string { return "" },
	}

	for _, opt := range opts {
		opt(c)
	}

	wrapped := *c.httpClient
	wrapped.Transport = &authTransport{
		base:           c.httpClient.Transport,
		token:          c.token,
		onUnauthorized: c.onUnauthorized,
		logger:         c.logger,
	}
	c.httpClient = &wrapped

	c.Auth = &AuthClient{c: c}
	c.Users = &UsersClient{c: c}
	c.Messages = &MessagesClient{c: c}
	c.Follows = &FollowsClient{c: c}
	return c
}

// BaseURL returns the server URL the client talks to.
func (c *Client) BaseURL() string { return c.baseURL }

// ============================================================================
// Internal request helper
// ============================================================================

// doRequest performs the request and returns the raw body of a 2xx
// response. Any other status is returned as *APIError.
func (c *Client) doRequest(ctx context.Context, method, path string, body any, query url.Values) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return data, nil
	}

	apiErr := &APIError{StatusCode: resp.StatusCode}
	var env apiEnvelope
	if json.Unmarshal(data, &env) == nil && env.Error != nil {
		apiErr.Name = env.Error.Name
		apiErr.Message = env.Error.Message
	} else {
		var flat APIError
		if json.Unmarshal(data, &flat) == nil && flat.Message != "" {
			apiErr.Message = flat.Message
		} else {
			apiErr.Message = strings.TrimSpace(string(data))
		}
	}
	return nil, apiErr
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// doData performs the request and decodes the "data" member of the
// response envelope into T.
func doData[T any](ctx context.Context, c *Client, method, path string, body any, query url.Values) (*T, error) {
	raw, err := c.doRequest(ctx, method, path, body, query)
	if err != nil {
		return nil, err
	}
	env, err := decodeJSON[apiEnvelope](raw)
	if err != nil {
		return nil, err
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		var zero T
		return &zero, nil
	}
	return decodeJSON[T](env.Data)
}

// ============================================================================
// Auth
// ============================================================================

// AuthClient covers login, registration and token refresh.
type AuthClient struct{ c *Client }

// Login exchanges credentials for a session token.
func (a *AuthClient) Login(ctx context.Context, email, password string) (*AuthResult, error) {
	body := map[string]string{"email": email, "password": password}
	data, err := doData[authData](ctx, a.c, http.MethodPost, "/api/login", body, nil)
	if err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	return validAuth(data.result())
}

// Register creates an account and returns its first session token.
func (a *AuthClient) Register(ctx context.Context, name, email, password string) (*AuthResult, error) {
	body := map[string]string{"name": name, "email": email, "password": password}
	data, err := doData[authData](ctx, a.c, http.MethodPost, "/api/register", body, nil)
	if err != nil {
		return nil, fmt.Errorf("register: %w", err)
	}
	return validAuth(data.result())
}

func validAuth(res *AuthResult) (*AuthResult, error) {
	if res.Token == "" {
		return nil, fmt.Errorf("%w: response carries no token", ErrTokenInvalid)
	}
	return res, nil
}

// RefreshToken asks the server for a new token for the current session.
// The server answers with either {"token": ...} or {"data": {"token": ...}}.
func (a *AuthClient) RefreshToken(ctx context.Context) (string, error) {
	raw, err := a.c.doRequest(ctx, http.MethodPost, "/api/refreshtoken", struct{}{}, nil)
	if err != nil {
		return "", fmt.Errorf("refresh token: %w", err)
	}
	var resp struct {
		Token string       `json:"token"`
		Data  *refreshData `json:"data"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("refresh token: %w", err)
	}
	token := resp.Token
	if token == "" && resp.Data != nil {
		token = resp.Data.Token
	}
	if token == "" {
		return "", fmt.Errorf("refresh token: %w: response carries no token", ErrTokenInvalid)
	}
	return token, nil
}

// ============================================================================
// Users
// ============================================================================

// UsersClient lists and searches users.
type UsersClient struct{ c *Client }

// List returns every user known to the server.
func (u *UsersClient) List(ctx context.Context) ([]User, error) {
	return u.users(ctx, "/api/users", nil)
}

// Followed returns the users the caller follows.
func (u *UsersClient) Followed(ctx context.Context) ([]User, error) {
	return u.users(ctx, "/api/followed-users", nil)
}

// Search returns users matching query.
func (u *UsersClient) Search(ctx context.Context, query string) ([]User, error) {
	return u.users(ctx, "/api/users/search", url.Values{"query": {query}})
}

func (u *UsersClient) users(ctx context.Context, path string, query url.Values) ([]User, error) {
	data, err := doData[usersData](ctx, u.c, http.MethodGet, path, nil, query)
	if err != nil {
		return nil, err
	}
	return data.Users, nil
}

// ============================================================================
// Messages
// ============================================================================

// MessagesClient reads and writes direct messages.
type MessagesClient struct{ c *Client }

// History returns one page of the conversation with peerID, oldest first.
func (m *MessagesClient) History(ctx context.Context, peerID string, page, limit int) ([]Message, error) {
	query := url.Values{
		"page":  {strconv.Itoa(page)},
		"limit": {strconv.Itoa(limit)},
	}
	data, err := doData[messagesData](ctx, m.c, http.MethodGet, "/api/messages/"+url.PathEscape(peerID), nil, query)
	if err != nil {
		return nil, err
	}
	return data.Messages, nil
}

// Send posts a message to peerID and returns the server's copy.
func (m *MessagesClient) Send(ctx context.Context, peerID, content string) (*Message, error) {
	body := map[string]string{"to": peerID, "message": content}
	msg, err := doData[Message](ctx, m.c, http.MethodPost, "/api/messages", body, nil)
	if err != nil {
		return nil, err
	}
	msg.FromSelf = true
	return msg, nil
}

// MarkRead marks the given messages as read.
func (m *MessagesClient) MarkRead(ctx context.Context, messageIDs []string) error {
	_, err := m.c.doRequest(ctx, http.MethodPost, "/api/messages/mark-read", map[string][]string{"messageIds": messageIDs}, nil)
	return err
}

// UnreadCounts returns the number of unread messages per peer.
func (m *MessagesClient) UnreadCounts(ctx context.Context) (map[string]int, error) {
	data, err := doData[[]unreadCount](ctx, m.c, http.MethodGet, "/api/messages/unread-counts", nil, nil)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int, len(*data))
	for _, uc := range *data {
		counts[uc.UserID] = uc.Count
	}
	return counts, nil
}

// ============================================================================
// Follows
// ============================================================================

// FollowsClient manages the follow graph.
type FollowsClient struct{ c *Client }

// Request sends a follow request to userID.
func (f *FollowsClient) Request(ctx context.Context, userID string) error {
	_, err := f.c.doRequest(ctx, http.MethodPost, "/api/follow/"+url.PathEscape(userID), nil, nil)
	return err
}

// Unfollow removes userID from the followed set.
func (f *FollowsClient) Unfollow(ctx context.Context, userID string) error {
	_, err := f.c.doRequest(ctx, http.MethodDelete, "/api/follow/"+url.PathEscape(userID), nil, nil)
	return err
}

// Incoming lists pending follow requests addressed to the caller.
func (f *FollowsClient) Incoming(ctx context.Context) ([]FollowRequest, error) {
	data, err := doData[requestsData](ctx, f.c, http.MethodGet, "/api/follow-requests/incoming", nil, nil)
	if err != nil {
		return nil, err
	}
	return data.Requests, nil
}

// Accept accepts a follow request. The returned user is the requester when
// the server reports it, nil otherwise.
func (f *FollowsClient) Accept(ctx context.Context, requestID string) (*User, error) {
	data, err := doData[acceptData](ctx, f.c, http.MethodPost, "/api/follow-requests/accept/"+url.PathEscape(requestID), nil, nil)
	if err != nil {
		return nil, err
	}
	return data.User, nil
}

// Reject declines a follow request.
func (f *FollowsClient) Reject(ctx context.Context, requestID string) error {
	_, err := f.c.doRequest(ctx, http.MethodPost, "/api/follow-requests/reject/"+url.PathEscape(requestID), nil, nil)
	return err
}

// Block blocks userID.
func (f *FollowsClient) Block(ctx context.Context, userID string) error {
	_, err := f.c.doRequest(ctx, http.MethodPost, "/api/block/"+url.PathEscape(userID), nil, nil)
	return err
}
