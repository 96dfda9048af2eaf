package tmux

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tchow-twistedxcom/tmux-collab/internal/logging"
)

var tmuxLog = logging.ForComponent(logging.CompTmux)

// Options configures the CLI driver.
type Options struct {
	// Binary is the tmux executable (default "tmux").
	Binary string
	// SocketPath selects a server with -S. Empty uses $TMUX's socket when set,
	// otherwise the default server.
	SocketPath string
	// CommandTimeout bounds every tmux invocation (default 3s).
	CommandTimeout time.Duration
	// Escapes keeps ANSI colour sequences in captures (capture-pane -e).
	Escapes bool
}

// runFunc executes tmux with args and returns stdout and stderr.
type runFunc func(ctx context.Context, args ...string) (stdout, stderr []byte, err error)

// CLI is a Driver that shells out to the tmux binary.
type CLI struct {
	opts      Options
	run       runFunc
	captureSf singleflight.Group
}

var _ Driver = (*CLI)(nil)

// NewCLI returns a driver for the tmux binary described by opts.
func NewCLI(opts Options) *CLI {
	if opts.Binary == "" {
		opts.Binary = "tmux"
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 3 * time.Second
	}
	if opts.SocketPath == "" {
		if sock, ok := socketFromEnv(); ok {
			opts.SocketPath = sock
		}
	}
	c := &CLI{opts: opts}
	c.run = c.exec
	return c
}

func (c *CLI) exec(ctx context.Context, args ...string) ([]byte, []byte, error) {
	if c.opts.SocketPath != "" {
		args = append([]string{"-S", c.opts.SocketPath}, args...)
	}
	cmd := exec.CommandContext(ctx, c.opts.Binary, args...)
	if c.opts.SocketPath != "" {
		cmd.Env = environWithoutTMUX(os.Environ())
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// command runs args with the configured timeout and classifies failures.
func (c *CLI) command(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.CommandTimeout)
	defer cancel()

	stdout, stderr, err := c.run(ctx, args...)
	if err == nil {
		return string(stdout), nil
	}
	if ctx.Err() == context.DeadlineExceeded {
		return "", fmt.Errorf("tmux %s: %w", args[0], context.DeadlineExceeded)
	}
	return "", classify(args[0], strings.TrimSpace(string(stderr)), err)
}

func classify(op, stderr string, err error) error {
	msg := strings.ToLower(stderr)
	switch {
	case strings.Contains(msg, "no server running"),
		strings.Contains(msg, "error connecting to"),
		strings.Contains(msg, "no sessions"):
		return fmt.Errorf("tmux %s: %w", op, ErrNoServer)
	case strings.Contains(msg, "can't find session"),
		strings.Contains(msg, "can't find pane"),
		strings.Contains(msg, "can't find window"),
		strings.Contains(msg, "session not found"):
		return fmt.Errorf("tmux %s: %s: %w", op, stderr, ErrNotFound)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && stderr != "" {
		return fmt.Errorf("tmux %s: %s: %w", op, stderr, err)
	}
	return fmt.Errorf("tmux %s: %w", op, err)
}

const sessionFormat = "#{session_name}\t#{session_windows}\t#{session_attached}\t#{session_created}\t#{session_width}\t#{session_height}"

// ListSessions returns every session on the server.
func (c *CLI) ListSessions(ctx context.Context) ([]Session, error) {
	out, err := c.command(ctx, "list-sessions", "-F", sessionFormat)
	if err != nil {
		return nil, err
	}
	return parseSessions(out), nil
}

func parseSessions(out string) []Session {
	var sessions []Session
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line == "" {
			continue
		}
		parts := strings.Split(line, "\t")
		if len(parts) != 6 || parts[0] == "" {
			tmuxLog.Debug("list_sessions_skip_line", slog.String("line", line))
			continue
		}
		s := Session{Name: parts[0]}
		s.Windows, _ = strconv.Atoi(parts[1])
		s.Attached, _ = strconv.Atoi(parts[2])
		if created, err := strconv.ParseInt(parts[3], 10, 64); err == nil {
			s.Created = time.Unix(created, 0).UTC()
		}
		s.Width, _ = strconv.Atoi(parts[4])
		s.Height, _ = strconv.Atoi(parts[5])
		sessions = append(sessions, s)
	}
	return sessions
}

// GetSession returns the named session, or nil when it does not exist or no
// server is running.
func (c *CLI) GetSession(ctx context.Context, name string) (*Session, error) {
	sessions, err := c.ListSessions(ctx)
	if err != nil {
		if errors.Is(err, ErrNoServer) {
			return nil, nil
		}
		return nil, err
	}
	for i := range sessions {
		if sessions[i].Name == name {
			return &sessions[i], nil
		}
	}
	return nil, nil
}

// Target builds a tmux target for a pane of a session. Pane ids ("%3") are
// global and used as-is; anything else is relative to the exact session name.
func Target(session, pane string) string {
	if strings.HasPrefix(pane, "%") {
		return pane
	}
	if pane == "" {
		pane = "0"
	}
	return "=" + session + ":" + pane
}

// CapturePane captures the visible content of a pane. Concurrent captures of
// the same target share one tmux invocation.
func (c *CLI) CapturePane(ctx context.Context, session, pane string) (Capture, error) {
	target := Target(session, pane)
	v, err, _ := c.captureSf.Do(target, func() (interface{}, error) {
		args := []string{"capture-pane", "-p", "-J", "-t", target}
		if c.opts.Escapes {
			args = append(args, "-e")
		}
		ts := time.Now()
		out, err := c.command(ctx, args...)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return Capture{}, ErrCaptureTimeout
			}
			return Capture{}, err
		}
		return Capture{Content: out, Timestamp: ts}, nil
	})
	if err != nil {
		return Capture{}, err
	}
	return v.(Capture), nil
}

// SendKeys sends keys to a pane literally (send-keys -l), so names such as
// "Enter" are typed as text rather than interpreted.
func (c *CLI) SendKeys(ctx context.Context, session, keys, pane string) error {
	if keys == "" {
		return nil
	}
	_, err := c.command(ctx, "send-keys", "-l", "-t", Target(session, pane), "--", keys)
	if errors.Is(err, ErrNoServer) {
		return fmt.Errorf("%w: %s", ErrNotFound, session)
	}
	return err
}

// GetScrollback returns the last lines of history plus the visible screen.
func (c *CLI) GetScrollback(ctx context.Context, session string, lines int, pane string) (string, error) {
	if lines <= 0 {
		lines = 1000
	}
	return c.command(ctx, "capture-pane", "-p", "-J", "-S", "-"+strconv.Itoa(lines), "-t", Target(session, pane))
}

// IsAvailable reports whether the tmux binary runs.
func (c *CLI) IsAvailable(ctx context.Context) bool {
	_, err := c.command(ctx, "-V")
	return err == nil
}

func socketFromEnv() (string, bool) {
	raw := strings.TrimSpace(os.Getenv("TMUX"))
	if raw == "" {
		return "", false
	}
	sock := strings.TrimSpace(strings.SplitN(raw, ",", 2)[0])
	return sock, sock != ""
}

func environWithoutTMUX(env []string) []string {
	out := make([]string, 0, len(env))
	for _, kv := range env {
		if strings.HasPrefix(kv, "TMUX=") {
			continue
		}
		out = append(out, kv)
	}
	return out
}
