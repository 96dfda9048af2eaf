// Package auth resolves websocket and HTTP requests to identities using a
// static token table that can be swapped at runtime.
package auth

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/tchow-twistedxcom/tmux-collab/internal/logging"
	"github.com/tchow-twistedxcom/tmux-collab/internal/protocol"
)

var authLog = logging.ForComponent(logging.CompAuth)

// User is one entry of the token table.
type User struct {
	ID    string        `toml:"id"`
	Name  string        `toml:"name"`
	Role  protocol.Role `toml:"role"`
	Token string        `toml:"token"`
}

// Identity returns the authenticated form of u.
func (u User) Identity() protocol.Identity {
	name := u.Name
	if name == "" {
		name = u.ID
	}
	return protocol.Identity{UserID: u.ID, UserName: name, Role: protocol.ParseRole(string(u.Role))}
}

// Anonymous is the identity granted when anonymous access is allowed.
var Anonymous = protocol.Identity{UserID: "anonymous", UserName: "anonymous", Role: protocol.RoleViewer}

// TokenAuthenticator matches a request token against the user table.
type TokenAuthenticator struct {
	mu             sync.RWMutex
	users          []User
	allowAnonymous bool
}

// NewTokenAuthenticator returns an authenticator over users. With
// allowAnonymous set and no users configured, every request is an anonymous
// viewer.
func NewTokenAuthenticator(users []User, allowAnonymous bool) *TokenAuthenticator {
	a := &TokenAuthenticator{allowAnonymous: allowAnonymous}
	a.Replace(users)
	return a
}

// Replace swaps the user table. Entries without a token are ignored.
func (a *TokenAuthenticator) Replace(users []User) {
	kept := make([]User, 0, len(users))
	for _, u := range users {
		if strings.TrimSpace(u.Token) == "" || u.ID == "" {
			authLog.Warn("user_skipped_no_token", slog.String("user", u.ID))
			continue
		}
		kept = append(kept, u)
	}
	a.mu.Lock()
	a.users = kept
	a.mu.Unlock()
	authLog.Info("users_loaded", slog.Int("count", len(kept)))
}

// Len returns the number of usable users.
func (a *TokenAuthenticator) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.users)
}

// Authenticate resolves r's token from ?token= or an Authorization bearer
// header.
func (a *TokenAuthenticator) Authenticate(r *http.Request) (protocol.Identity, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if len(a.users) == 0 {
		if a.allowAnonymous {
			return Anonymous, true
		}
		return protocol.Identity{}, false
	}

	candidates := []string{
		strings.TrimSpace(r.URL.Query().Get("token")),
		bearerToken(r.Header.Get("Authorization")),
	}
	for _, tok := range candidates {
		if tok == "" {
			continue
		}
		if u, ok := a.match(tok); ok {
			return u.Identity(), true
		}
	}
	return protocol.Identity{}, false
}

// match compares tok with every entry so the time taken does not reveal
// which entry matched.
func (a *TokenAuthenticator) match(tok string) (User, bool) {
	var found User
	ok := false
	for _, u := range a.users {
		if secureEqual(tok, u.Token) && !ok {
			found, ok = u, true
		}
	}
	return found, ok
}

func bearerToken(authHeader string) string {
	authHeader = strings.TrimSpace(authHeader)
	if authHeader == "" {
		return ""
	}

	const bearerPrefix = "Bearer "
	if !strings.HasPrefix(authHeader, bearerPrefix) {
		return ""
	}

	return strings.TrimSpace(strings.TrimPrefix(authHeader, bearerPrefix))
}

func secureEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
