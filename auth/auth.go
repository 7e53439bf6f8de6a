// Package auth is the boundary to the external identity service.
// Credential issuance and verification live outside this process; the
// core only consumes an already-verified identity.
package auth

import (
	"context"
	"net/http"
	"strings"
)

// Identity is the authenticated caller as supplied by the identity
// service.
type Identity struct {
	Uid      int32
	Username string
	Name     string
}

type Client interface {
	// Verify validates a bearer credential and returns the identity it
	// was minted for.
	Verify(ctx context.Context, token string) (*Identity, error)
}

// BearerToken extracts the credential from a request: Authorization
// header first, then the `token` query parameter (browser websocket
// handshakes cannot set headers), then the x-token cookie.
func BearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	if v := r.URL.Query().Get("token"); v != "" {
		return v
	}
	if c, err := r.Cookie("x-token"); err == nil {
		return c.Value
	}
	return ""
}
