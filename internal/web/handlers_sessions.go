package web

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/sahilm/fuzzy"

	"github.com/tchow-twistedxcom/tmux-collab/internal/coordinator"
	"github.com/tchow-twistedxcom/tmux-collab/internal/protocol"
)

type sessionsResponse struct {
	Sessions []protocol.Session `json:"sessions"`
	Claims   []protocol.Claim   `json:"claims"`
}

type scrollbackResponse struct {
	Session string `json:"session"`
	Pane    string `json:"pane"`
	Lines   int    `json:"lines"`
	Content string `json:"content"`
}

// sessionSource implements fuzzy.Source over session names.
type sessionSource []protocol.Session

func (s sessionSource) String(i int) string { return s[i].Name }
func (s sessionSource) Len() int            { return len(s) }

// filterSessions returns sessions matching query, best match first. An
// empty query keeps the input order.
func filterSessions(sessions []protocol.Session, query string) []protocol.Session {
	query = strings.TrimSpace(query)
	if query == "" {
		return sessions
	}
	matches := fuzzy.FindFrom(query, sessionSource(sessions))
	out := make([]protocol.Session, 0, len(matches))
	for _, m := range matches {
		out = append(out, sessions[m.Index])
	}
	return out
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireIdentity(w, r); !ok {
		return
	}
	sessions, err := s.coord.Sessions(r.Context())
	if err != nil {
		webLog.Warn("list_sessions_failed", slog.String("error", err.Error()))
		writeAPIError(w, http.StatusBadGateway, string(protocol.CodeTmuxError), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sessionsResponse{
		Sessions: filterSessions(sessions, r.URL.Query().Get("q")),
		Claims:   wireClaims(s.coord.ListLocks()),
	})
}

func (s *Server) handleScrollback(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireIdentity(w, r); !ok {
		return
	}
	name := r.PathValue("name")
	pane := r.URL.Query().Get("pane")
	if pane == "" {
		pane = protocol.DefaultPane
	}
	lines := 1000
	if raw := r.URL.Query().Get("lines"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeAPIError(w, http.StatusBadRequest, "BAD_REQUEST", "lines must be a positive integer")
			return
		}
		lines = n
	}

	content, err := s.coord.Scrollback(r.Context(), name, lines, pane)
	if err != nil {
		if errors.Is(err, coordinator.ErrSessionNotFound) {
			writeAPIError(w, http.StatusNotFound, string(protocol.CodeSessionNotFound), "session not found")
			return
		}
		webLog.Warn("scrollback_failed", slog.String("session", name), slog.String("error", err.Error()))
		writeAPIError(w, http.StatusBadGateway, string(protocol.CodeTmuxError), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, scrollbackResponse{Session: name, Pane: pane, Lines: lines, Content: content})
}
