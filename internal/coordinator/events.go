package coordinator

import (
	"context"
	"log/slog"
	"time"

	"github.com/tchow-twistedxcom/tmux-collab/internal/claims"
	"github.com/tchow-twistedxcom/tmux-collab/internal/poller"
	"github.com/tchow-twistedxcom/tmux-collab/internal/protocol"
)

// HandleEvent fans one poller event out to connections.
func (c *Coordinator) HandleEvent(ctx context.Context, ev poller.Event) {
	switch ev.Kind {
	case poller.EventOutput:
		c.deliverOutput(ev)
	case poller.EventSessionCreated:
		c.sessionCreated(ev)
	case poller.EventSessionDestroyed:
		c.sessionDestroyed(ctx, ev.Session)
	}
}

func (c *Coordinator) deliverOutput(ev poller.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paintLocked(nil, ev.Session, ev.Pane, ev.Content, ev.Timestamp)
}

// paint is the last pane content sent to one connection.
type paint struct {
	content string
	ts      time.Time
}

// paintLocked sends content to every connection watching the pane, except
// those that already hold it or were sent a newer capture. first, when set,
// is a connection that just asked for the pane and gets it even if unchanged.
// A zero ts is never treated as older.
func (c *Coordinator) paintLocked(first *conn, session, pane, content string, ts time.Time) {
	k := paneKey{session, pane}
	for _, cn := range c.sortedConnsLocked() {
		if !cn.watchesPane(session, pane) {
			continue
		}
		if last, ok := cn.painted[k]; ok {
			if !ts.IsZero() && ts.Before(last.ts) {
				continue
			}
			if cn != first && last.content == content {
				continue
			}
		}
		cn.painted[k] = paint{content: content, ts: ts}
		stamp := ts
		c.sendLocked(cn, protocol.ServerMessage{
			Type:      protocol.TypeOutput,
			Session:   session,
			Pane:      pane,
			Content:   content,
			Timestamp: &stamp,
		})
	}
}

func (c *Coordinator) sessionCreated(ev poller.Event) {
	msg := protocol.ServerMessage{Type: protocol.TypeSessionCreated, Session: ev.Session}
	if ev.Info != nil {
		info := wireSession(*ev.Info)
		msg.SessionInfo = &info
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.broadcastLocked(msg)
}

// sessionDestroyed drops every subscription to session, removes its claim
// and tells everyone. Dedicated connections bound to it are closed.
func (c *Coordinator) sessionDestroyed(ctx context.Context, session string) {
	gone := protocol.ServerMessage{Type: protocol.TypeSessionDestroyed, Session: session}
	var evs []claims.Event

	c.mu.Lock()
	if cl, ok := c.claims.Remove(session); ok {
		c.fanReleasedLocked(cl, "", nil, false)
		c.opts.Metrics.ClaimReleased(claims.ActionSessionGone)
		evs = append(evs, auditEvent(cl, claims.ActionSessionGone, "", c.now()))
	}

	for _, cn := range c.sortedConnsLocked() {
		switch cn.transport {
		case Dedicated:
			if cn.session != session {
				continue
			}
			c.sendLocked(cn, gone)
			cn.closed = true
			cn.out.Close()
			c.removeLocked(cn)
		case Multiplexed:
			delete(cn.subs, session)
			for k := range cn.painted {
				if k.session == session {
					delete(cn.painted, k)
				}
			}
		}
	}
	for k := range c.watchers {
		if k.session == session {
			delete(c.watchers, k)
		}
	}
	c.poller.Unsubscribe(session, "")

	c.broadcastLocked(gone)
	c.mu.Unlock()

	coordLog.Info("session_destroyed", slog.String("session", session))
	c.record(ctx, evs)
}
