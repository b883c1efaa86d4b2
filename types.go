package chatterbox

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// User is a ChatterBox account. Identity is ID; Name and Email are display
// data only.
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// UnmarshalJSON accepts both "id" and the "_id" form used by user listings.
func (u *User) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID    string `json:"id"`
		OID   string `json:"_id"`
		Name  string `json:"name"`
		Email string `json:"email"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	u.ID = raw.ID
	if u.ID == "" {
		u.ID = raw.OID
	}
	u.Name = raw.Name
	u.Email = raw.Email
	return nil
}

// Message is one entry of a direct conversation.
//
// Provisional is set on a locally created entry that the server has not
// acknowledged yet; its ID is a temp- id rather than a server id.
type Message struct {
	ID          string    `json:"id"`
	FromSelf    bool      `json:"fromSelf"`
	Content     string    `json:"content"`
	CreatedAt   time.Time `json:"createdAt"`
	Read        bool      `json:"read"`
	Provisional bool      `json:"-"`
}

// FollowRequest is an incoming request from another user to follow us.
type FollowRequest struct {
	ID   string `json:"id"`
	From User   `json:"from"`
}

// UnmarshalJSON accepts "_id" for the request id as well.
func (r *FollowRequest) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID   string `json:"id"`
		OID  string `json:"_id"`
		From User   `json:"from"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	r.ID = raw.ID
	if r.ID == "" {
		r.ID = raw.OID
	}
	r.From = raw.From
	return nil
}

// ============================================================================
// REST payloads
// ============================================================================

// apiEnvelope is the common response shape: {"data": ..., "error": {...}}.
type apiEnvelope struct {
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// AuthResult is returned by login and registration.
type AuthResult struct {
	Token string
	User  User
}

type authData struct {
	User struct {
		ID    string `json:"id"`
		OID   string `json:"_id"`
		Name  string `json:"name"`
		Email string `json:"email"`
		Token string `json:"token"`
	} `json:"user"`
}

func (a *authData) result() *AuthResult {
	id := a.User.ID
	if id == "" {
		id = a.User.OID
	}
	return &AuthResult{
		Token: a.User.Token,
		User:  User{ID: id, Name: a.User.Name, Email: a.User.Email},
	}
}

type refreshData struct {
	Token string `json:"token"`
}

type usersData struct {
	Users []User `json:"users"`
}

type messagesData struct {
	Messages []Message `json:"messages"`
}

type unreadCount struct {
	UserID string `json:"userId"`
	Count  int    `json:"count"`
}

type requestsData struct {
	Requests []FollowRequest `json:"requests"`
}

type acceptData struct {
	User *User `json:"user,omitempty"`
}

// ============================================================================
// Real-time payloads
// ============================================================================

// InboundMessage is the receive-message payload.
type InboundMessage struct {
	ID        string    `json:"id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
	Read      bool      `json:"read"`
}

// OnlineUsersPayload is the online-users presence snapshot.
type OnlineUsersPayload struct {
	Users []string `json:"users"`
}

// UserIDPayload carries a single user id (user-connected, user-disconnected,
// typing, join).
type UserIDPayload struct {
	UserID string `json:"userId"`
}

// MessageReadPayload is the message-read receipt, in both directions.
type MessageReadPayload struct {
	MessageID string `json:"messageId"`
}

// FollowAcceptedPayload is sent when someone accepts our follow request.
type FollowAcceptedPayload struct {
	User User `json:"user"`
}
