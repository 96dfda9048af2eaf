package web

import (
	"log/slog"
	"net/http"

	"github.com/tchow-twistedxcom/tmux-collab/internal/protocol"
)

func (s *Server) identify(r *http.Request) (protocol.Identity, bool) {
	if s.cfg.Auth == nil {
		return protocol.Identity{}, false
	}
	return s.cfg.Auth.Authenticate(r)
}

// requireIdentity writes a 401 envelope when the request is not
// authenticated.
func (s *Server) requireIdentity(w http.ResponseWriter, r *http.Request) (protocol.Identity, bool) {
	ident, ok := s.identify(r)
	if !ok {
		webLog.Info("auth_rejected", slog.String("path", r.URL.Path), slog.String("remote", r.RemoteAddr))
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return protocol.Identity{}, false
	}
	return ident, true
}
