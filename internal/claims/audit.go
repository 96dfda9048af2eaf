package claims

import (
	"context"
	"time"
)

// Audit actions.
const (
	ActionAcquired    = "acquired"
	ActionOverridden  = "overridden"
	ActionReleased    = "released"
	ActionDisconnect  = "disconnect_released"
	ActionExpired     = "expired"
	ActionSessionGone = "session_destroyed"
)

// Event is one claim-table change as recorded by an AuditSink.
type Event struct {
	Session  string
	UserID   string
	UserName string
	Action   string
	// ActorID is who caused the change; empty for system actions.
	ActorID string
	At      time.Time
}

// AuditSink persists claim events. Implementations must be safe for
// concurrent use.
type AuditSink interface {
	RecordClaimEvent(ctx context.Context, ev Event) error
}
