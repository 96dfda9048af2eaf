package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tchow-twistedxcom/tmux-collab/internal/logging"
	"github.com/tchow-twistedxcom/tmux-collab/internal/protocol"
	"github.com/tchow-twistedxcom/tmux-collab/internal/tmux"
)

func normPane(pane string) string {
	if pane == "" {
		return protocol.DefaultPane
	}
	return pane
}

// Connect registers an authenticated multiplexed connection, sends
// connected and the session roster, and returns the connection id.
func (c *Coordinator) Connect(ctx context.Context, ident protocol.Identity, out Conn) string {
	cn := c.newConn(ident, Multiplexed, out)
	user := ident

	c.mu.Lock()
	c.registerLocked(cn)
	c.sendLocked(cn, protocol.ServerMessage{
		Type:         protocol.TypeConnected,
		ConnectionID: cn.id,
		User:         &user,
	})
	c.mu.Unlock()

	c.sendRoster(ctx, cn)
	return cn.id
}

// HandleMessage processes one inbound frame from connection id. Protocol
// and authorization failures are answered with error frames; the connection
// stays open.
func (c *Coordinator) HandleMessage(ctx context.Context, id string, raw []byte) {
	cn := c.lookup(id)
	if cn == nil {
		return
	}

	var msg protocol.ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.replyError(cn, protocol.CodeInvalidMessage, "", "malformed JSON")
		return
	}
	if msg.Type == "" {
		c.replyError(cn, protocol.CodeInvalidMessage, "", "missing type")
		return
	}
	if msg.Type != protocol.TypeHeartbeat && !cn.limiter.Allow() {
		logging.Aggregate(logging.CompCoordinator, "rate_limited", slog.String("conn", cn.id))
		c.replyError(cn, protocol.CodeRateLimited, msg.Session, "too many messages")
		return
	}

	if cn.transport == Dedicated {
		c.handleDedicated(ctx, cn, msg)
		return
	}

	switch msg.Type {
	case protocol.TypeHeartbeat:
		c.heartbeat(cn)
	case protocol.TypeListSessions:
		c.sendRoster(ctx, cn)
	case protocol.TypeSubscribe, protocol.TypeUnsubscribe, protocol.TypeClaim,
		protocol.TypeRelease, protocol.TypeSendKeys:
		if msg.Session == "" {
			c.replyError(cn, protocol.CodeInvalidMessage, "", msg.Type+" requires a session")
			return
		}
		c.dispatch(ctx, cn, msg)
	default:
		c.replyError(cn, protocol.CodeUnknownType, msg.Session, fmt.Sprintf("unknown message type %q", msg.Type))
	}
}

func (c *Coordinator) dispatch(ctx context.Context, cn *conn, msg protocol.ClientMessage) {
	switch msg.Type {
	case protocol.TypeSubscribe:
		c.subscribe(ctx, cn, msg.Session, normPane(msg.Pane))
	case protocol.TypeUnsubscribe:
		c.unsubscribe(cn, msg.Session, msg.Pane)
	case protocol.TypeClaim:
		if _, err := c.acquire(ctx, msg.Session, cn.ident, cn, false); err != nil && !errors.Is(err, errConnClosed) {
			c.replyError(cn, ErrorCode(err), msg.Session, err.Error())
		}
	case protocol.TypeRelease:
		if _, err := c.release(ctx, msg.Session, cn.ident, cn, false); err != nil {
			c.replyError(cn, ErrorCode(err), msg.Session, err.Error())
		}
	case protocol.TypeSendKeys:
		if msg.Keys == "" {
			c.replyError(cn, protocol.CodeInvalidMessage, msg.Session, "sendKeys requires keys")
			return
		}
		c.sendKeys(ctx, cn, msg.Session, normPane(msg.Pane), msg.Keys)
	}
}

func (c *Coordinator) heartbeat(cn *conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.liveLocked(cn) {
		cn.lastBeat = c.now()
	}
}

// requireSession returns ErrSessionNotFound when session does not exist.
func (c *Coordinator) requireSession(ctx context.Context, session string) error {
	s, err := c.driver.GetSession(ctx, session)
	if err != nil {
		c.opts.Metrics.DriverError("get_session")
		return fmt.Errorf("look up session %s: %w", session, err)
	}
	if s == nil {
		return ErrSessionNotFound
	}
	return nil
}

// SessionExists reports whether tmux has the named session.
func (c *Coordinator) SessionExists(ctx context.Context, session string) (bool, error) {
	err := c.requireSession(ctx, session)
	if errors.Is(err, ErrSessionNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Sessions lists tmux sessions. No running server is an empty list.
func (c *Coordinator) Sessions(ctx context.Context) ([]protocol.Session, error) {
	list, err := c.driver.ListSessions(ctx)
	if err != nil {
		if errors.Is(err, tmux.ErrNoServer) {
			return []protocol.Session{}, nil
		}
		c.opts.Metrics.DriverError("list")
		return nil, err
	}
	out := make([]protocol.Session, 0, len(list))
	for _, s := range list {
		out = append(out, wireSession(s))
	}
	return out, nil
}

func wireSession(s tmux.Session) protocol.Session {
	return protocol.Session{
		Name:     s.Name,
		Windows:  s.Windows,
		Attached: s.Attached,
		Created:  s.Created,
		Width:    s.Width,
		Height:   s.Height,
	}
}

// sendRoster pushes the session list with current claims to cn.
func (c *Coordinator) sendRoster(ctx context.Context, cn *conn) {
	sessions, err := c.Sessions(ctx)
	if err != nil {
		coordLog.Warn("list_sessions_failed", slog.String("error", err.Error()))
		c.replyError(cn, protocol.CodeTmuxError, "", err.Error())
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.liveLocked(cn) {
		return
	}
	list := c.claims.List()
	wire := make([]protocol.Claim, 0, len(list))
	for _, cl := range list {
		wire = append(wire, cl.Wire())
	}
	c.sendLocked(cn, protocol.ServerMessage{
		Type:     protocol.TypeSessions,
		Sessions: sessions,
		Claims:   wire,
	})
}

// subscribe records the subscription, then sends the first paint, the
// current claim and presence.
func (c *Coordinator) subscribe(ctx context.Context, cn *conn, session, pane string) {
	if err := c.requireSession(ctx, session); err != nil {
		c.replyError(cn, ErrorCode(err), session, err.Error())
		return
	}

	c.mu.Lock()
	if !c.liveLocked(cn) {
		c.mu.Unlock()
		return
	}
	panes, ok := cn.subs[session]
	if !ok {
		panes = make(map[string]struct{})
		cn.subs[session] = panes
	}
	if _, dup := panes[pane]; !dup {
		panes[pane] = struct{}{}
		c.watchLocked(session, pane)
	}
	c.mu.Unlock()

	capture, err := c.poller.ForceRefresh(ctx, session, pane)

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.liveLocked(cn) || !cn.watchesPane(session, pane) {
		return
	}
	switch {
	case errors.Is(err, tmux.ErrNotFound):
		c.unsubscribeLocked(cn, session, pane)
		c.sendLocked(cn, protocol.ErrorFrame(protocol.CodeSessionNotFound, session, err.Error()))
		return
	case err != nil:
		coordLog.Warn("initial_capture_failed",
			slog.String("session", session), slog.String("pane", pane), slog.String("error", err.Error()))
		c.sendLocked(cn, protocol.ErrorFrame(protocol.CodeTmuxError, session, err.Error()))
	default:
		// Other watchers of the pane may hold older content than the
		// refreshed cache, so they are painted too.
		c.paintLocked(cn, session, pane, capture.Content, capture.Timestamp)
	}
	if cl, ok := c.claims.Get(session); ok {
		c.sendLocked(cn, claimedMsg(cl))
	}
	c.broadcastPresenceLocked(session)
}

func (c *Coordinator) unsubscribe(cn *conn, session, pane string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.liveLocked(cn) {
		c.unsubscribeLocked(cn, session, pane)
	}
}

// unsubscribeLocked drops one pane, or every pane of session when pane is
// empty, and rebroadcasts presence if anything changed.
func (c *Coordinator) unsubscribeLocked(cn *conn, session, pane string) {
	panes, ok := cn.subs[session]
	if !ok {
		return
	}
	removed := 0
	for p := range panes {
		if pane != "" && p != pane {
			continue
		}
		delete(panes, p)
		delete(cn.painted, paneKey{session, p})
		c.unwatchLocked(session, p)
		removed++
	}
	if len(panes) == 0 {
		delete(cn.subs, session)
	}
	if removed > 0 {
		c.broadcastPresenceLocked(session)
	}
}

// sendKeys forwards keys if cn's user holds the claim. The driver call runs
// unlocked; its error is dropped if cn closed meanwhile.
func (c *Coordinator) sendKeys(ctx context.Context, cn *conn, session, pane, keys string) {
	if !cn.ident.Role.AtLeast(protocol.RoleOperator) {
		c.replyError(cn, protocol.CodeNotOperator, session, "operator role required")
		return
	}
	if holder, ok := c.holder.Holder(session); !ok || holder != cn.ident.UserID {
		c.replyError(cn, protocol.CodeNotClaimed, session, "you do not hold the claim on this session")
		return
	}
	if err := c.driver.SendKeys(ctx, session, keys, pane); err != nil {
		c.opts.Metrics.DriverError("send_keys")
		coordLog.Warn("send_keys_failed",
			slog.String("session", session), slog.String("pane", pane), slog.String("error", err.Error()))
		c.replyError(cn, protocol.CodeTmuxError, session, err.Error())
		return
	}
	logging.Aggregate(logging.CompCoordinator, "send_keys", slog.String("session", session))
}

// Scrollback returns history plus the visible screen of a pane. A missing
// session or pane is ErrSessionNotFound.
func (c *Coordinator) Scrollback(ctx context.Context, session string, lines int, pane string) (string, error) {
	out, err := c.driver.GetScrollback(ctx, session, lines, normPane(pane))
	if err != nil {
		if errors.Is(err, tmux.ErrNotFound) || errors.Is(err, tmux.ErrNoServer) {
			return "", fmt.Errorf("%w: %s", ErrSessionNotFound, session)
		}
		c.opts.Metrics.DriverError("scrollback")
		return "", err
	}
	return out, nil
}

// TmuxAvailable reports whether the tmux binary can be run.
func (c *Coordinator) TmuxAvailable(ctx context.Context) bool {
	return c.driver.IsAvailable(ctx)
}
