package web

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tchow-twistedxcom/tmux-collab/internal/coordinator"
	"github.com/tchow-twistedxcom/tmux-collab/internal/protocol"
)

const (
	maxInboundFrame = 64 * 1024
	pongWait        = 60 * time.Second
	pingPeriod      = pongWait * 9 / 10
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     allowWSOrigin,
}

func allowWSOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}

	originURL, err := url.Parse(origin)
	if err != nil || originURL.Host == "" {
		return false
	}

	return strings.EqualFold(originURL.Host, r.Host)
}

// wsConn is the coordinator's view of one websocket. Send never blocks:
// frames go through a bounded queue drained by writePump.
type wsConn struct {
	ws           *websocket.Conn
	queue        chan protocol.ServerMessage
	done         chan struct{}
	closeOnce    sync.Once
	writeTimeout time.Duration
}

var _ coordinator.Conn = (*wsConn)(nil)

func newWSConn(ws *websocket.Conn, queue int, writeTimeout time.Duration) *wsConn {
	return &wsConn{
		ws:           ws,
		queue:        make(chan protocol.ServerMessage, queue),
		done:         make(chan struct{}),
		writeTimeout: writeTimeout,
	}
}

// Send enqueues msg. It reports false when the connection is closed or its
// queue is full.
func (c *wsConn) Send(msg protocol.ServerMessage) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.queue <- msg:
		return true
	default:
		return false
	}
}

// Close stops the writer; queued frames are flushed before the close frame.
func (c *wsConn) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *wsConn) write(msg protocol.ServerMessage) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.ws.WriteJSON(msg)
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case msg := <-c.queue:
			if err := c.write(msg); err != nil {
				c.Close()
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(c.writeTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			c.flush()
			deadline := time.Now().Add(c.writeTimeout)
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return
		}
	}
}

// flush writes whatever is already queued, stopping at the first error.
func (c *wsConn) flush() {
	for {
		select {
		case msg := <-c.queue:
			if err := c.write(msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

// readLoop feeds inbound text frames to the coordinator until the socket
// fails or is closed.
func (s *Server) readLoop(ctx context.Context, c *wsConn, id string) {
	c.ws.SetReadLimit(maxInboundFrame)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, payload, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(
				err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				webLog.Warn("websocket_closed_unexpectedly",
					slog.String("connection_id", id),
					slog.String("error", err.Error()))
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		s.coord.HandleMessage(ctx, id, payload)
	}
}

// rejectAuth tells an unauthenticated socket why and closes it.
func rejectAuth(ws *websocket.Conn, writeTimeout time.Duration) {
	deadline := time.Now().Add(writeTimeout)
	_ = ws.SetWriteDeadline(deadline)
	_ = ws.WriteJSON(protocol.ErrorFrame(protocol.CodeAuthFailed, "", "authentication failed"))
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "authentication failed"), deadline)
	_ = ws.Close()
}

// handleWS serves the multiplexed transport.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}

	ws, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	ident, ok := s.identify(r)
	if !ok {
		webLog.Info("auth_rejected", slog.String("path", r.URL.Path), slog.String("remote", r.RemoteAddr))
		rejectAuth(ws, s.cfg.WriteTimeout)
		return
	}

	c := newWSConn(ws, s.cfg.SendQueue, s.cfg.WriteTimeout)
	go c.writePump()

	ctx := r.Context()
	id := s.coord.Connect(ctx, ident, c)
	s.readLoop(ctx, c, id)
	s.coord.Disconnect(context.WithoutCancel(ctx), id)
	c.Close()
}

// handleSessionWS serves the dedicated transport bound to one session and
// pane. Authentication and session existence are checked before upgrading.
func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	ident, ok := s.requireIdentity(w, r)
	if !ok {
		return
	}

	session := r.PathValue("name")
	if session == "" {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "session name is required")
		return
	}
	pane := r.URL.Query().Get("pane")

	exists, err := s.coord.SessionExists(r.Context(), session)
	if err != nil {
		webLog.Warn("session_lookup_failed", slog.String("session", session), slog.String("error", err.Error()))
		writeAPIError(w, http.StatusBadGateway, string(protocol.CodeTmuxError), "failed to look up session")
		return
	}
	if !exists {
		writeAPIError(w, http.StatusNotFound, string(protocol.CodeSessionNotFound), "session not found")
		return
	}

	ws, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := newWSConn(ws, s.cfg.SendQueue, s.cfg.WriteTimeout)
	go c.writePump()

	ctx := r.Context()
	id, err := s.coord.ConnectSession(ctx, ident, session, pane, c)
	if err != nil {
		// The session vanished between the check and the upgrade.
		c.Send(protocol.ErrorFrame(coordinator.ErrorCode(err), session, err.Error()))
		c.Close()
		return
	}
	s.readLoop(ctx, c, id)
	s.coord.Disconnect(context.WithoutCancel(ctx), id)
	c.Close()
}
