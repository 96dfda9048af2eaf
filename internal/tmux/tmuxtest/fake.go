// Package tmuxtest provides an in-memory tmux.Driver for tests.
package tmuxtest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tchow-twistedxcom/tmux-collab/internal/tmux"
)

// SentKeys records one SendKeys call.
type SentKeys struct {
	Session string
	Pane    string
	Keys    string
}

// Fake is a scriptable tmux.Driver. The zero value is not usable; call New.
type Fake struct {
	mu         sync.Mutex
	noServer   bool
	sessions   map[string]tmux.Session
	panes      map[string]string
	captureErr map[string]error
	sendErr    error
	listErr    error
	sent       []SentKeys
	captures   map[string]int
	now        func() time.Time
}

var _ tmux.Driver = (*Fake)(nil)

// New returns a fake server hosting the named sessions, each with pane "0".
func New(names ...string) *Fake {
	f := &Fake{
		sessions:   make(map[string]tmux.Session),
		panes:      make(map[string]string),
		captureErr: make(map[string]error),
		captures:   make(map[string]int),
		now:        time.Now,
	}
	for _, n := range names {
		f.AddSession(n)
	}
	return f
}

func key(session, pane string) string {
	if pane == "" {
		pane = "0"
	}
	return session + ":" + pane
}

// AddSession creates a session (and starts the server if it was stopped).
func (f *Fake) AddSession(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.noServer = false
	f.sessions[name] = tmux.Session{Name: name, Windows: 1, Created: f.now().UTC(), Width: 80, Height: 24}
}

// RemoveSession destroys a session and its panes.
func (f *Fake) RemoveSession(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, name)
	for k := range f.panes {
		if len(k) > len(name) && k[:len(name)+1] == name+":" {
			delete(f.panes, k)
		}
	}
}

// KillServer makes every call behave as if no tmux server is running.
func (f *Fake) KillServer() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.noServer = true
	f.sessions = make(map[string]tmux.Session)
	f.panes = make(map[string]string)
}

// SetPane sets the content returned for a pane.
func (f *Fake) SetPane(session, pane, content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.panes[key(session, pane)] = content
}

// FailCapture makes captures of a pane return err (nil clears it).
func (f *Fake) FailCapture(session, pane string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.captureErr, key(session, pane))
		return
	}
	f.captureErr[key(session, pane)] = err
}

// FailSendKeys makes SendKeys return err (nil clears it).
func (f *Fake) FailSendKeys(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = err
}

// FailList makes ListSessions return err (nil clears it).
func (f *Fake) FailList(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listErr = err
}

// Sent returns every SendKeys call so far.
func (f *Fake) Sent() []SentKeys {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SentKeys(nil), f.sent...)
}

// Captures reports how many times a pane was captured.
func (f *Fake) Captures(session, pane string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.captures[key(session, pane)]
}

func (f *Fake) ListSessions(ctx context.Context) ([]tmux.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	if f.noServer {
		return nil, fmt.Errorf("tmux list-sessions: %w", tmux.ErrNoServer)
	}
	out := make([]tmux.Session, 0, len(f.sessions))
	for _, s := range f.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (f *Fake) GetSession(ctx context.Context, name string) (*tmux.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[name]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (f *Fake) CapturePane(ctx context.Context, session, pane string) (tmux.Capture, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := key(session, pane)
	f.captures[k]++
	if err := f.captureErr[k]; err != nil {
		return tmux.Capture{}, err
	}
	if _, ok := f.sessions[session]; !ok {
		return tmux.Capture{}, fmt.Errorf("tmux capture-pane: can't find session %s: %w", session, tmux.ErrNotFound)
	}
	return tmux.Capture{Content: f.panes[k], Timestamp: f.now()}, nil
}

func (f *Fake) SendKeys(ctx context.Context, session, keys, pane string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	if _, ok := f.sessions[session]; !ok {
		return fmt.Errorf("%w: %s", tmux.ErrNotFound, session)
	}
	f.sent = append(f.sent, SentKeys{Session: session, Pane: pane, Keys: keys})
	return nil
}

func (f *Fake) GetScrollback(ctx context.Context, session string, lines int, pane string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[session]; !ok {
		return "", fmt.Errorf("%w: %s", tmux.ErrNotFound, session)
	}
	return f.panes[key(session, pane)], nil
}

func (f *Fake) IsAvailable(ctx context.Context) bool { return true }
