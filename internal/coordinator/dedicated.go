package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/tchow-twistedxcom/tmux-collab/internal/protocol"
	"github.com/tchow-twistedxcom/tmux-collab/internal/tmux"
)

// ConnectSession registers a dedicated connection bound to one pane of
// session. It returns ErrSessionNotFound if the session does not exist.
// The connection gets connected, then one output frame with the current
// pane content.
//
// Dedicated connections only send keys and heartbeats. They never grant or
// revoke claims; sendKeys checks the holder through the ClaimHolder.
func (c *Coordinator) ConnectSession(ctx context.Context, ident protocol.Identity, session, pane string, out Conn) (string, error) {
	pane = normPane(pane)
	if err := c.requireSession(ctx, session); err != nil {
		return "", err
	}

	cn := c.newConn(ident, Dedicated, out)
	cn.session = session
	cn.pane = pane
	user := ident

	c.mu.Lock()
	c.registerLocked(cn)
	c.watchLocked(session, pane)
	c.sendLocked(cn, protocol.ServerMessage{
		Type:         protocol.TypeConnected,
		ConnectionID: cn.id,
		User:         &user,
		Session:      session,
		Pane:         pane,
	})
	c.broadcastPresenceLocked(session)
	c.mu.Unlock()

	capture, err := c.poller.ForceRefresh(ctx, session, pane)

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.liveLocked(cn) {
		return cn.id, nil
	}
	switch {
	case errors.Is(err, tmux.ErrNotFound):
		c.sendLocked(cn, protocol.ErrorFrame(protocol.CodeSessionNotFound, session, err.Error()))
	case err != nil:
		c.sendLocked(cn, protocol.ErrorFrame(protocol.CodeTmuxError, session, err.Error()))
	default:
		c.paintLocked(cn, session, pane, capture.Content, capture.Timestamp)
	}
	return cn.id, nil
}

func (c *Coordinator) handleDedicated(ctx context.Context, cn *conn, msg protocol.ClientMessage) {
	switch msg.Type {
	case protocol.TypeHeartbeat:
		c.heartbeat(cn)
	case protocol.TypeSendKeys:
		if msg.Keys == "" {
			c.replyError(cn, protocol.CodeInvalidMessage, cn.session, "sendKeys requires keys")
			return
		}
		c.sendKeys(ctx, cn, cn.session, cn.pane, msg.Keys)
	default:
		c.replyError(cn, protocol.CodeUnknownType, cn.session,
			fmt.Sprintf("message type %q is not supported on a session connection", msg.Type))
	}
}
