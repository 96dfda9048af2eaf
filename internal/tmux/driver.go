package tmux

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when the target session or pane does not exist.
var ErrNotFound = errors.New("tmux target not found")

// ErrNoServer is returned when no tmux server is running. Callers that list
// state treat it as "nothing exists" rather than a failure.
var ErrNoServer = errors.New("no tmux server running")

// ErrCaptureTimeout is returned when a capture exceeds the command timeout.
var ErrCaptureTimeout = errors.New("capture-pane timed out")

// Session is one tmux session as reported by list-sessions.
type Session struct {
	Name     string
	Windows  int
	Attached int
	Created  time.Time
	Width    int
	Height   int
}

// Capture is the visible content of one pane at a point in time.
// Timestamp is taken before the capture command is issued.
type Capture struct {
	Content   string
	Timestamp time.Time
}

// Driver is the synchronous interface to the terminal multiplexer. It holds
// no state beyond its CLI handle and is safe for concurrent use.
type Driver interface {
	ListSessions(ctx context.Context) ([]Session, error)
	// GetSession returns nil, nil when the session does not exist.
	GetSession(ctx context.Context, name string) (*Session, error)
	CapturePane(ctx context.Context, session, pane string) (Capture, error)
	SendKeys(ctx context.Context, session, keys, pane string) error
	GetScrollback(ctx context.Context, session string, lines int, pane string) (string, error)
	IsAvailable(ctx context.Context) bool
}
