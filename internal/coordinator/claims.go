package coordinator

import (
	"context"
	"log/slog"

	"github.com/tchow-twistedxcom/tmux-collab/internal/claims"
	"github.com/tchow-twistedxcom/tmux-collab/internal/protocol"
)

// claimAudienceLocked selects who hears about a claim change. The REST path
// (global) reaches every multiplexed connection; the socket path reaches the
// session's subscribers, the requester, and every multiplexed connection of
// the users named in also.
func (c *Coordinator) claimAudienceLocked(session string, requester *conn, global bool, also ...string) []*conn {
	if global {
		var all []*conn
		for _, cn := range c.sortedConnsLocked() {
			if cn.transport == Multiplexed {
				all = append(all, cn)
			}
		}
		return all
	}

	users := make(map[string]bool, len(also))
	for _, u := range also {
		if u != "" {
			users[u] = true
		}
	}
	var out []*conn
	for _, cn := range c.sortedConnsLocked() {
		if cn.transport != Multiplexed {
			continue
		}
		if cn == requester || cn.watches(session) || users[cn.ident.UserID] {
			out = append(out, cn)
		}
	}
	return out
}

func claimedMsg(cl claims.Claim) protocol.ServerMessage {
	w := cl.Wire()
	return protocol.ServerMessage{Type: protocol.TypeClaimed, Session: cl.Session, Claim: &w}
}

func releasedMsg(cl claims.Claim, by string) protocol.ServerMessage {
	w := cl.Wire()
	return protocol.ServerMessage{Type: protocol.TypeReleased, Session: cl.Session, Claim: &w, ReleasedBy: by}
}

// fanReleasedLocked tells the audience that cl is gone. The former holder's
// connections always hear it.
func (c *Coordinator) fanReleasedLocked(cl claims.Claim, by string, requester *conn, global bool) {
	msg := releasedMsg(cl, by)
	for _, cn := range c.claimAudienceLocked(cl.Session, requester, global, cl.UserID) {
		c.sendLocked(cn, msg)
	}
}

// acquire applies a claim for who. On override the dispossessed holder's
// released is queued before anyone's claimed.
func (c *Coordinator) acquire(ctx context.Context, session string, who protocol.Identity, requester *conn, global bool) (claims.AcquireResult, error) {
	if !who.Role.AtLeast(protocol.RoleOperator) {
		return claims.AcquireResult{}, claims.ErrNotOperator
	}
	if err := c.requireSession(ctx, session); err != nil {
		return claims.AcquireResult{}, err
	}

	c.mu.Lock()
	if requester != nil && !c.liveLocked(requester) {
		c.mu.Unlock()
		return claims.AcquireResult{}, errConnClosed
	}
	res, err := c.claims.Acquire(session, who)
	if err != nil {
		c.mu.Unlock()
		return res, err
	}

	var evs []claims.Event
	switch res.Outcome {
	case claims.AlreadyHeld:
		if requester != nil {
			c.sendLocked(requester, claimedMsg(res.Claim))
		}
	case claims.Granted, claims.Overridden:
		prevHolder := ""
		if res.Previous != nil {
			prev := *res.Previous
			prevHolder = prev.UserID
			c.fanReleasedLocked(prev, who.UserID, requester, global)
			evs = append(evs, auditEvent(prev, claims.ActionOverridden, who.UserID, res.Claim.AcquiredAt))
			c.opts.Metrics.ClaimGranted("overridden")
			coordLog.Info("claim_overridden",
				slog.String("session", session),
				slog.String("previous", prev.UserID),
				slog.String("user", who.UserID))
		} else {
			c.opts.Metrics.ClaimGranted("granted")
			coordLog.Info("claim_granted", slog.String("session", session), slog.String("user", who.UserID))
		}
		msg := claimedMsg(res.Claim)
		for _, cn := range c.claimAudienceLocked(session, requester, global, prevHolder) {
			c.sendLocked(cn, msg)
		}
		c.broadcastPresenceLocked(session)
		evs = append(evs, auditEvent(res.Claim, claims.ActionAcquired, who.UserID, res.Claim.AcquiredAt))
	}
	c.mu.Unlock()

	c.record(ctx, evs)
	return res, nil
}

// release removes who's claim (or any claim, for an admin).
func (c *Coordinator) release(ctx context.Context, session string, who protocol.Identity, requester *conn, global bool) (claims.Claim, error) {
	c.mu.Lock()
	cl, err := c.claims.Release(session, who)
	if err != nil {
		c.mu.Unlock()
		return claims.Claim{}, err
	}
	c.fanReleasedLocked(cl, who.UserID, requester, global)
	c.broadcastPresenceLocked(session)
	c.opts.Metrics.ClaimReleased(claims.ActionReleased)
	coordLog.Info("claim_released",
		slog.String("session", session),
		slog.String("holder", cl.UserID),
		slog.String("by", who.UserID))
	c.mu.Unlock()

	c.record(ctx, []claims.Event{auditEvent(cl, claims.ActionReleased, who.UserID, c.now())})
	return cl, nil
}

// AcquireLock claims session for who on behalf of an HTTP caller. The
// result is broadcast to every connection.
func (c *Coordinator) AcquireLock(ctx context.Context, session string, who protocol.Identity) (claims.Claim, error) {
	res, err := c.acquire(ctx, session, who, nil, true)
	if err != nil {
		return claims.Claim{}, err
	}
	return res.Claim, nil
}

// ReleaseLock releases session on behalf of an HTTP caller.
func (c *Coordinator) ReleaseLock(ctx context.Context, session string, who protocol.Identity) error {
	_, err := c.release(ctx, session, who, nil, true)
	return err
}

// GetLock returns the live claim on session.
func (c *Coordinator) GetLock(session string) (claims.Claim, bool) {
	return c.claims.Get(session)
}

// ListLocks returns every live claim.
func (c *Coordinator) ListLocks() []claims.Claim {
	return c.claims.List()
}
