package web

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/tchow-twistedxcom/tmux-collab/internal/claims"
	"github.com/tchow-twistedxcom/tmux-collab/internal/coordinator"
	"github.com/tchow-twistedxcom/tmux-collab/internal/protocol"
)

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type apiErrorResponse struct {
	Error apiError `json:"error"`
}

type locksResponse struct {
	Locks []protocol.Claim `json:"locks"`
}

type lockResponse struct {
	Lock protocol.Claim `json:"lock"`
}

type lockEvent struct {
	ID       int64     `json:"id"`
	Session  string    `json:"session"`
	UserID   string    `json:"userId"`
	UserName string    `json:"userName"`
	Action   string    `json:"action"`
	ActorID  string    `json:"actorId,omitempty"`
	At       time.Time `json:"at"`
}

type lockHistoryResponse struct {
	Events []lockEvent `json:"events"`
}

func wireClaims(list []claims.Claim) []protocol.Claim {
	out := make([]protocol.Claim, 0, len(list))
	for _, cl := range list {
		out = append(out, cl.Wire())
	}
	return out
}

func (s *Server) handleListLocks(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireIdentity(w, r); !ok {
		return
	}
	writeJSON(w, http.StatusOK, locksResponse{Locks: wireClaims(s.coord.ListLocks())})
}

func (s *Server) handleGetLock(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireIdentity(w, r); !ok {
		return
	}
	session := r.PathValue("session")
	cl, ok := s.coord.GetLock(session)
	if !ok {
		writeAPIError(w, http.StatusNotFound, string(protocol.CodeNotClaimed), "session is not claimed")
		return
	}
	writeJSON(w, http.StatusOK, lockResponse{Lock: cl.Wire()})
}

func (s *Server) handleAcquireLock(w http.ResponseWriter, r *http.Request) {
	ident, ok := s.requireIdentity(w, r)
	if !ok {
		return
	}
	session := r.PathValue("session")
	cl, err := s.coord.AcquireLock(r.Context(), session, ident)
	if err != nil {
		writeCoordinatorError(w, session, err)
		return
	}
	writeJSON(w, http.StatusOK, lockResponse{Lock: cl.Wire()})
}

func (s *Server) handleReleaseLock(w http.ResponseWriter, r *http.Request) {
	ident, ok := s.requireIdentity(w, r)
	if !ok {
		return
	}
	session := r.PathValue("session")
	if err := s.coord.ReleaseLock(r.Context(), session, ident); err != nil {
		writeCoordinatorError(w, session, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLockHistory(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireIdentity(w, r); !ok {
		return
	}
	if s.cfg.History == nil {
		writeAPIError(w, http.StatusServiceUnavailable, "HISTORY_DISABLED", "claim history is not recorded")
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeAPIError(w, http.StatusBadRequest, "BAD_REQUEST", "limit must be a positive integer")
			return
		}
		limit = n
	}
	rows, err := s.cfg.History.ClaimHistory(r.Context(), r.URL.Query().Get("session"), limit)
	if err != nil {
		webLog.Error("lock_history_failed", slog.String("error", err.Error()))
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to read claim history")
		return
	}
	resp := lockHistoryResponse{Events: make([]lockEvent, 0, len(rows))}
	for _, row := range rows {
		resp.Events = append(resp.Events, lockEvent{
			ID:       row.ID,
			Session:  row.Session,
			UserID:   row.UserID,
			UserName: row.UserName,
			Action:   row.Action,
			ActorID:  row.ActorID,
			At:       row.At,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// statusFor maps a wire error code to an HTTP status.
func statusFor(code protocol.ErrorCode) int {
	switch code {
	case protocol.CodeNotOperator, protocol.CodePermissionDenied:
		return http.StatusForbidden
	case protocol.CodeSessionClaimed, protocol.CodeNotClaimed:
		return http.StatusConflict
	case protocol.CodeSessionNotFound:
		return http.StatusNotFound
	case protocol.CodeTmuxError:
		return http.StatusBadGateway
	default:
		return http.StatusBadRequest
	}
}

func writeCoordinatorError(w http.ResponseWriter, session string, err error) {
	code := coordinator.ErrorCode(err)
	if code == protocol.CodeTmuxError {
		webLog.Warn("lock_request_failed", slog.String("session", session), slog.String("error", err.Error()))
	}
	writeAPIError(w, statusFor(code), string(code), err.Error())
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, apiErrorResponse{
		Error: apiError{
			Code:    code,
			Message: message,
		},
	})
}
