package coordinator

import (
	"sort"

	"github.com/tchow-twistedxcom/tmux-collab/internal/protocol"
)

// presenceLocked lists the distinct users watching session over either
// transport. The claim holder is controlling; everyone else is viewing.
func (c *Coordinator) presenceLocked(session string) []protocol.PresenceUser {
	holder, held := c.claims.Holder(session)

	seen := make(map[string]int)
	var users []protocol.PresenceUser
	for _, cn := range c.conns {
		if cn.closed || !cn.watches(session) {
			continue
		}
		if _, dup := seen[cn.ident.UserID]; dup {
			continue
		}
		status := protocol.PresenceViewing
		if held && holder == cn.ident.UserID {
			status = protocol.PresenceControlling
		}
		seen[cn.ident.UserID] = len(users)
		users = append(users, protocol.PresenceUser{
			UserID:   cn.ident.UserID,
			UserName: cn.ident.UserName,
			Status:   status,
		})
	}
	sort.Slice(users, func(i, j int) bool { return users[i].UserID < users[j].UserID })
	return users
}

func (c *Coordinator) broadcastPresenceLocked(session string) {
	msg := protocol.ServerMessage{
		Type:    protocol.TypePresence,
		Session: session,
		Users:   c.presenceLocked(session),
	}
	for _, cn := range c.subscribersLocked(session) {
		c.sendLocked(cn, msg)
	}
}
