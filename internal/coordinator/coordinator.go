// Package coordinator is the collaboration protocol engine. It owns the
// connection registry and per-connection subscriptions, arbitrates claims
// through the shared claims.Table, derives presence, and fans poller events
// out to both websocket transports.
//
// One mutex serializes every registry, subscription and claim mutation
// together with the enqueueing of the messages they produce, so per-session
// claim events reach each connection in the order they were applied. Driver
// calls never run under it.
package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/tchow-twistedxcom/tmux-collab/internal/claims"
	"github.com/tchow-twistedxcom/tmux-collab/internal/logging"
	"github.com/tchow-twistedxcom/tmux-collab/internal/poller"
	"github.com/tchow-twistedxcom/tmux-collab/internal/protocol"
	"github.com/tchow-twistedxcom/tmux-collab/internal/telemetry"
	"github.com/tchow-twistedxcom/tmux-collab/internal/tmux"
)

var coordLog = logging.ForComponent(logging.CompCoordinator)

// ErrSessionNotFound is returned when a session does not exist.
var ErrSessionNotFound = errors.New("session not found")

// errConnClosed marks work whose requesting connection went away mid-flight.
var errConnClosed = errors.New("connection closed")

// Conn is the outbound half of a client connection. Send must not block and
// reports false when msg could not be queued. Close must not call back into
// the Coordinator synchronously.
type Conn interface {
	Send(msg protocol.ServerMessage) bool
	Close()
}

// Poller is the subset of *poller.Poller the coordinator drives.
type Poller interface {
	Subscribe(session, pane string)
	Unsubscribe(session, pane string)
	ForceRefresh(ctx context.Context, session, pane string) (tmux.Capture, error)
	Events() <-chan poller.Event
}

// ClaimHolder looks up the user holding a session's claim.
type ClaimHolder interface {
	Holder(session string) (userID string, ok bool)
}

// Transport distinguishes the two connection variants.
type Transport int

const (
	Multiplexed Transport = iota
	Dedicated
)

func (t Transport) String() string {
	if t == Dedicated {
		return "dedicated"
	}
	return "multiplexed"
}

// Options tunes the coordinator. Zero values take defaults.
type Options struct {
	HeartbeatInterval time.Duration // sweep period, default 10s
	HeartbeatTimeout  time.Duration // default 30s
	// RateLimit is the sustained inbound messages per second per connection.
	RateLimit float64 // default 50
	RateBurst int     // default 100

	// ClaimHolder answers claim lookups for sendKeys. Defaults to the table.
	ClaimHolder ClaimHolder
	// Audit receives claim events. Nil disables auditing.
	Audit   claims.AuditSink
	Metrics *telemetry.Metrics
}

type paneKey struct {
	session string
	pane    string
}

type conn struct {
	id        string
	ident     protocol.Identity
	transport Transport
	out       Conn
	limiter   *rate.Limiter

	// guarded by Coordinator.mu
	subs     map[string]map[string]struct{}
	painted  map[paneKey]paint
	lastBeat time.Time
	closed   bool

	// dedicated binding
	session string
	pane    string
}

func (cn *conn) watches(session string) bool {
	if cn.transport == Dedicated {
		return cn.session == session
	}
	return len(cn.subs[session]) > 0
}

func (cn *conn) watchesPane(session, pane string) bool {
	if cn.transport == Dedicated {
		return cn.session == session && cn.pane == pane
	}
	_, ok := cn.subs[session][pane]
	return ok
}

// Coordinator is safe for concurrent use.
type Coordinator struct {
	driver tmux.Driver
	poller Poller
	claims *claims.Table
	holder ClaimHolder
	opts   Options

	mu       sync.Mutex
	conns    map[string]*conn
	watchers map[paneKey]int
	now      func() time.Time
}

// New wires a coordinator to its collaborators. table is the single claim
// table shared with every other surface.
func New(driver tmux.Driver, p Poller, table *claims.Table, opts Options) *Coordinator {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 10 * time.Second
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = 30 * time.Second
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = 50
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 100
	}
	holder := opts.ClaimHolder
	if holder == nil {
		holder = table
	}
	return &Coordinator{
		driver:   driver,
		poller:   p,
		claims:   table,
		holder:   holder,
		opts:     opts,
		conns:    make(map[string]*conn),
		watchers: make(map[paneKey]int),
		now:      time.Now,
	}
}

// Run consumes poller events and runs the heartbeat sweep until ctx is done
// or the poller's event channel closes.
func (c *Coordinator) Run(ctx context.Context) {
	t := time.NewTicker(c.opts.HeartbeatInterval)
	defer t.Stop()
	events := c.poller.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.HandleEvent(ctx, ev)
		case <-t.C:
			c.Sweep(ctx)
		}
	}
}

func (c *Coordinator) newConn(ident protocol.Identity, t Transport, out Conn) *conn {
	return &conn{
		id:        uuid.NewString(),
		ident:     ident,
		transport: t,
		out:       out,
		limiter:   rate.NewLimiter(rate.Limit(c.opts.RateLimit), c.opts.RateBurst),
		subs:      make(map[string]map[string]struct{}),
		painted:   make(map[paneKey]paint),
	}
}

func (c *Coordinator) registerLocked(cn *conn) {
	cn.lastBeat = c.now()
	c.conns[cn.id] = cn
	c.opts.Metrics.ConnectionOpened(cn.transport.String())
	coordLog.Info("connection_opened",
		slog.String("conn", cn.id),
		slog.String("user", cn.ident.UserID),
		slog.String("role", string(cn.ident.Role)),
		slog.String("transport", cn.transport.String()))
}

func (c *Coordinator) lookup(id string) *conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conns[id]
}

func (c *Coordinator) liveLocked(cn *conn) bool {
	return c.conns[cn.id] == cn && !cn.closed
}

// sendLocked queues msg; a connection whose queue is full is closed.
func (c *Coordinator) sendLocked(cn *conn, msg protocol.ServerMessage) {
	if cn.closed {
		return
	}
	if !cn.out.Send(msg) {
		cn.closed = true
		coordLog.Warn("send_queue_full", slog.String("conn", cn.id), slog.String("user", cn.ident.UserID))
		cn.out.Close()
	}
}

// reply sends msg to cn if it is still registered.
func (c *Coordinator) reply(cn *conn, msg protocol.ServerMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.liveLocked(cn) {
		c.sendLocked(cn, msg)
	}
}

func (c *Coordinator) replyError(cn *conn, code protocol.ErrorCode, session, message string) {
	c.reply(cn, protocol.ErrorFrame(code, session, message))
}

// sortedConnsLocked returns live connections ordered by id.
func (c *Coordinator) sortedConnsLocked() []*conn {
	out := make([]*conn, 0, len(c.conns))
	for _, cn := range c.conns {
		if !cn.closed {
			out = append(out, cn)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (c *Coordinator) broadcastLocked(msg protocol.ServerMessage) {
	for _, cn := range c.sortedConnsLocked() {
		if cn.transport == Multiplexed {
			c.sendLocked(cn, msg)
		}
	}
}

// subscribersLocked returns multiplexed connections subscribed to any pane
// of session.
func (c *Coordinator) subscribersLocked(session string) []*conn {
	var out []*conn
	for _, cn := range c.sortedConnsLocked() {
		if cn.transport == Multiplexed && cn.watches(session) {
			out = append(out, cn)
		}
	}
	return out
}

// watchLocked counts a watcher on a pane; the first one starts polling it.
func (c *Coordinator) watchLocked(session, pane string) {
	k := paneKey{session, pane}
	c.watchers[k]++
	if c.watchers[k] == 1 {
		c.poller.Subscribe(session, pane)
	}
}

// unwatchLocked drops a watcher; the last one stops polling the pane.
func (c *Coordinator) unwatchLocked(session, pane string) {
	k := paneKey{session, pane}
	if c.watchers[k] == 0 {
		return
	}
	c.watchers[k]--
	if c.watchers[k] == 0 {
		delete(c.watchers, k)
		c.poller.Unsubscribe(session, pane)
	}
}

// removeLocked drops cn from the registry and returns the sessions it
// watched.
func (c *Coordinator) removeLocked(cn *conn) []string {
	if c.conns[cn.id] != cn {
		return nil
	}
	delete(c.conns, cn.id)
	cn.closed = true

	var sessions []string
	if cn.transport == Dedicated {
		c.unwatchLocked(cn.session, cn.pane)
		sessions = append(sessions, cn.session)
	} else {
		for s, panes := range cn.subs {
			for p := range panes {
				c.unwatchLocked(s, p)
			}
			sessions = append(sessions, s)
		}
		cn.subs = make(map[string]map[string]struct{})
	}
	sort.Strings(sessions)

	c.opts.Metrics.ConnectionClosed(cn.transport.String())
	coordLog.Info("connection_closed",
		slog.String("conn", cn.id),
		slog.String("user", cn.ident.UserID),
		slog.String("transport", cn.transport.String()))
	return sessions
}

func (c *Coordinator) hasMultiplexedLocked(userID string) bool {
	for _, cn := range c.conns {
		if cn.transport == Multiplexed && cn.ident.UserID == userID {
			return true
		}
	}
	return false
}

// dropLocked removes cn and, when it was its user's last multiplexed
// connection, releases every claim the user held.
func (c *Coordinator) dropLocked(cn *conn) []claims.Event {
	affected := make(map[string]struct{})
	for _, s := range c.removeLocked(cn) {
		affected[s] = struct{}{}
	}

	var evs []claims.Event
	if cn.transport == Multiplexed && !c.hasMultiplexedLocked(cn.ident.UserID) {
		now := c.now()
		for _, cl := range c.claims.ReleaseAllFor(cn.ident.UserID) {
			c.fanReleasedLocked(cl, cn.ident.UserID, nil, false)
			c.opts.Metrics.ClaimReleased(claims.ActionDisconnect)
			coordLog.Info("claim_released_on_disconnect",
				slog.String("session", cl.Session), slog.String("user", cl.UserID))
			evs = append(evs, auditEvent(cl, claims.ActionDisconnect, "", now))
			affected[cl.Session] = struct{}{}
		}
	}

	sessions := make([]string, 0, len(affected))
	for s := range affected {
		sessions = append(sessions, s)
	}
	sort.Strings(sessions)
	for _, s := range sessions {
		c.broadcastPresenceLocked(s)
	}
	return evs
}

// Disconnect unregisters a connection. Unknown ids are ignored.
func (c *Coordinator) Disconnect(ctx context.Context, id string) {
	c.mu.Lock()
	cn, ok := c.conns[id]
	if !ok {
		c.mu.Unlock()
		return
	}
	evs := c.dropLocked(cn)
	c.mu.Unlock()
	c.record(ctx, evs)
}

// Sweep closes connections whose last heartbeat is older than the timeout
// and expires claims past their expiry.
func (c *Coordinator) Sweep(ctx context.Context) {
	c.mu.Lock()
	cutoff := c.now().Add(-c.opts.HeartbeatTimeout)
	var evs []claims.Event
	for _, cn := range c.sortedConnsLocked() {
		if !cn.lastBeat.Before(cutoff) {
			continue
		}
		coordLog.Info("heartbeat_timeout",
			slog.String("conn", cn.id), slog.String("user", cn.ident.UserID))
		c.sendLocked(cn, protocol.ErrorFrame(protocol.CodeHeartbeatTimeout, "", "no heartbeat received"))
		cn.closed = true
		cn.out.Close()
		evs = append(evs, c.dropLocked(cn)...)
	}

	now := c.now()
	for _, cl := range c.claims.Expire() {
		c.fanReleasedLocked(cl, "", nil, false)
		c.broadcastPresenceLocked(cl.Session)
		c.opts.Metrics.ClaimReleased(claims.ActionExpired)
		coordLog.Info("claim_expired", slog.String("session", cl.Session), slog.String("user", cl.UserID))
		evs = append(evs, auditEvent(cl, claims.ActionExpired, "", now))
	}
	c.mu.Unlock()
	c.record(ctx, evs)
}

// CloseAll closes every connection. Used on shutdown.
func (c *Coordinator) CloseAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cn := range c.sortedConnsLocked() {
		cn.closed = true
		cn.out.Close()
	}
}

// ConnectionCount returns the number of registered connections.
func (c *Coordinator) ConnectionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.conns)
}

// Presence returns the current presence of session.
func (c *Coordinator) Presence(session string) []protocol.PresenceUser {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.presenceLocked(session)
}

func (c *Coordinator) record(ctx context.Context, evs []claims.Event) {
	if c.opts.Audit == nil || len(evs) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	for _, ev := range evs {
		if err := c.opts.Audit.RecordClaimEvent(ctx, ev); err != nil {
			coordLog.Warn("audit_write_failed",
				slog.String("session", ev.Session),
				slog.String("action", ev.Action),
				slog.String("error", err.Error()))
		}
	}
}

func auditEvent(cl claims.Claim, action, actor string, at time.Time) claims.Event {
	return claims.Event{
		Session:  cl.Session,
		UserID:   cl.UserID,
		UserName: cl.UserName,
		Action:   action,
		ActorID:  actor,
		At:       at,
	}
}

// ErrorCode maps a coordinator, claim or driver error to its wire code.
func ErrorCode(err error) protocol.ErrorCode {
	var coded *protocol.Error
	switch {
	case errors.As(err, &coded):
		return coded.Code
	case errors.Is(err, claims.ErrNotOperator):
		return protocol.CodeNotOperator
	case errors.Is(err, claims.ErrClaimed):
		return protocol.CodeSessionClaimed
	case errors.Is(err, claims.ErrNotClaimed):
		return protocol.CodeNotClaimed
	case errors.Is(err, claims.ErrPermissionDenied):
		return protocol.CodePermissionDenied
	case errors.Is(err, ErrSessionNotFound), errors.Is(err, tmux.ErrNotFound):
		return protocol.CodeSessionNotFound
	default:
		return protocol.CodeTmuxError
	}
}
