package chatterbox

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var objectIDPattern = regexp.MustCompile(`^[0-9a-fA-F]{24}$`)

// IsValidID reports whether id is a well-formed user identifier
// (24 hexadecimal characters).
func IsValidID(id string) bool {
	return objectIDPattern.MatchString(id)
}

const provisionalPrefix = "temp-"

func newProvisionalID() string {
	return provisionalPrefix + uuid.NewString()
}

// IsProvisionalID reports whether id was generated locally for a message the
// server has not acknowledged.
func IsProvisionalID(id string) bool {
	return strings.HasPrefix(id, provisionalPrefix)
}

// ErrTokenInvalid is returned when a session token cannot be decoded or
// lacks the claims the client relies on.
var ErrTokenInvalid = errors.New("chatterbox: invalid token")

// TokenClaims are the claims the client reads from a session token.
type TokenClaims struct {
	UserID    string
	ExpiresAt time.Time
}

// DecodeToken reads the claims of a session token without verifying its
// signature; verification is the server's job. The expiry comes from the
// "expiresAt" claim (epoch milliseconds) or, failing that, the standard
// "exp" claim.
func DecodeToken(token string) (TokenClaims, error) {
	if token == "" {
		return TokenClaims{}, ErrTokenInvalid
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return TokenClaims{}, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	var tc TokenClaims
	if id, ok := claims["id"].(string); ok {
		tc.UserID = id
	}
	if ms, ok := claims["expiresAt"].(float64); ok {
		tc.ExpiresAt = time.UnixMilli(int64(ms))
	} else if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		tc.ExpiresAt = exp.Time
	}
	if tc.ExpiresAt.IsZero() {
		return TokenClaims{}, fmt.Errorf("%w: missing expiry claim", ErrTokenInvalid)
	}
	return tc, nil
}
