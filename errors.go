package chatterbox

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Validation and state errors. They are returned before any network call
// is made and leave every cache untouched.
var (
	ErrNotAuthenticated  = errors.New("chatterbox: not authenticated")
	ErrInvalidID         = errors.New("chatterbox: malformed user id")
	ErrEmptyMessage      = errors.New("chatterbox: message is empty")
	ErrNoConversation    = errors.New("chatterbox: no conversation selected")
	ErrNotFollowed       = errors.New("chatterbox: peer is not followed")
	ErrAlreadyLoading    = errors.New("chatterbox: already loading")
	ErrRefreshSuppressed = errors.New("chatterbox: token refresh suppressed")
	ErrNotConnected      = errors.New("chatterbox: realtime channel not connected")
	ErrUnknownRequest    = errors.New("chatterbox: unknown follow request")
)

// APIError is an error response from the ChatterBox REST API.
// Callers can use errors.As to extract the status:
//
//	var apiErr *APIError
//	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound { ... }
type APIError struct {
	Name       string `json:"name,omitempty"`
	Message    string `json:"message"`
	StatusCode int    `json:"-"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("chatterbox: api error (%d)", e.StatusCode)
	}
	return fmt.Sprintf("chatterbox: api error (%d): %s", e.StatusCode, e.Message)
}

// IsStatus reports whether err is an *APIError with the given HTTP status.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == status
	}
	return false
}

// ErrorKind classifies an error for reporting.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	// KindAuth: expired, invalid or undecodable credentials. Ends in logout.
	KindAuth
	// KindTransport: network failures and 5xx responses. Cached data is
	// served where available.
	KindTransport
	// KindValidation: rejected locally before reaching the network.
	KindValidation
	// KindRateLimit: HTTP 429.
	KindRateLimit
	// KindNotFound: the addressed peer does not exist.
	KindNotFound
	// KindConflict: HTTP 409, e.g. a follow request that already exists.
	KindConflict
)

func (k ErrorKind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindTransport:
		return "transport"
	case KindValidation:
		return "validation"
	case KindRateLimit:
		return "rate-limit"
	case KindNotFound:
		return "not-found"
	case KindConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// Classify maps err onto the error taxonomy. Duplicate-message races are
// resolved silently by the engine and never surface as errors.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	switch {
	case errors.Is(err, ErrInvalidID), errors.Is(err, ErrEmptyMessage),
		errors.Is(err, ErrNoConversation), errors.Is(err, ErrNotFollowed),
		errors.Is(err, ErrUnknownRequest):
		return KindValidation
	case errors.Is(err, ErrNotAuthenticated), errors.Is(err, ErrTokenInvalid):
		return KindAuth
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindTransport
	}

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return KindTransport
	}
	switch {
	case apiErr.StatusCode == http.StatusUnauthorized, apiErr.StatusCode == http.StatusForbidden:
		return KindAuth
	case apiErr.StatusCode == http.StatusTooManyRequests:
		return KindRateLimit
	case apiErr.StatusCode == http.StatusNotFound:
		return KindNotFound
	case apiErr.StatusCode == http.StatusConflict:
		return KindConflict
	case apiErr.StatusCode >= 500:
		return KindTransport
	case apiErr.StatusCode == http.StatusBadRequest:
		return KindValidation
	}
	return KindUnknown
}
