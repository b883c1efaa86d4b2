package chatterbox

import (
	"log/slog"
	"net/http"
	"strings"
)

// unauthenticatedPaths never carry a bearer token.
var unauthenticatedPaths = []string{"/api/login", "/api/register"}

// authTransport attaches the session token to outgoing requests and reports
// authorization failures. Every 401 or 403 triggers onUnauthorized, whatever
// the token manager believes about the token.
type authTransport struct {
	base           http.RoundTripper
	token          func() string
	onUnauthorized func()
	logger         *slog.Logger
}

func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if tok := t.token(); tok != "" && !skipsAuth(req.URL.Path) {
		// RoundTrippers must not modify the caller's request.
		req = req.Clone(req.Context())
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := t.transport().RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		t.logger.Warn("authorization rejected",
			"method", req.Method,
			"path", req.URL.Path,
			"status", resp.StatusCode,
		)
		if t.onUnauthorized != nil {
			t.onUnauthorized()
		}
	}
	return resp, nil
}

func (t *authTransport) transport() http.RoundTripper {
	if t.base != nil {
		return t.base
	}
	return http.DefaultTransport
}

func skipsAuth(path string) bool {
	for _, p := range unauthenticatedPaths {
		if strings.Contains(path, p) {
			return true
		}
	}
	return false
}
