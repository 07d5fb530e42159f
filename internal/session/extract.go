package session

import (
	"net/http"

	"github.com/wazo-platform/wazo-websocketd/internal/wsproto"
)

// extractToken tries the ?token= query parameter first, else the
// X-Auth-Token header (case-insensitive, handled by Go's
// canonical header lookup), else NoTokenError.
func extractToken(r *http.Request) (string, error) {
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok, nil
	}
	if tok := r.Header.Get("X-Auth-Token"); tok != "" {
		return tok, nil
	}
	return "", wsproto.NoTokenError{}
}

// extractVersion implements ?version=1|2, defaulting to 1 and rejecting
// anything else.
func extractVersion(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("version")
	switch raw {
	case "", "1":
		return 1, nil
	case "2":
		return 2, nil
	default:
		return 0, &wsproto.UnsupportedVersionError{Version: raw}
	}
}

// remoteAddress logs X-Forwarded-For when present, else the TCP peer
// address, per SessionFactory's accept-side logging requirement.
func remoteAddress(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return xff
	}
	return r.RemoteAddr
}
