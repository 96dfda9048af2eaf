// Package poller turns periodic tmux captures into discrete change events.
// It owns the pane subscription table and the last-delivered content cache;
// it is the only component that reads pane output.
package poller

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tchow-twistedxcom/tmux-collab/internal/logging"
	"github.com/tchow-twistedxcom/tmux-collab/internal/protocol"
	"github.com/tchow-twistedxcom/tmux-collab/internal/telemetry"
	"github.com/tchow-twistedxcom/tmux-collab/internal/tmux"
)

var pollLog = logging.ForComponent(logging.CompPoller)

// EventKind identifies a poller event.
type EventKind int

const (
	EventOutput EventKind = iota + 1
	EventSessionCreated
	EventSessionDestroyed
)

func (k EventKind) String() string {
	switch k {
	case EventOutput:
		return "output"
	case EventSessionCreated:
		return "session_created"
	case EventSessionDestroyed:
		return "session_destroyed"
	default:
		return "unknown"
	}
}

// Event is one change detected by the poller.
type Event struct {
	Kind      EventKind
	Session   string
	Pane      string
	Content   string
	Timestamp time.Time
	// Info is set for EventSessionCreated.
	Info *tmux.Session
}

// Options tunes the poller. Zero values take defaults.
type Options struct {
	OutputInterval time.Duration // default 200ms
	RosterInterval time.Duration // default 2s
	// MaxConcurrentCaptures bounds in-flight captures per output tick.
	MaxConcurrentCaptures int // default 16
	EventBuffer           int // default 256
	Metrics               *telemetry.Metrics
}

type paneKey struct {
	session string
	pane    string
}

type entry struct {
	content string
	ts      time.Time
}

// Poller diffs subscribed panes and the session roster on two cadences.
type Poller struct {
	driver tmux.Driver
	opts   Options

	mu    sync.Mutex
	subs  map[string]map[string]struct{}
	cache map[paneKey]entry
	known map[string]struct{}

	events chan Event
	done   chan struct{}

	outputBusy atomic.Bool
	rosterBusy atomic.Bool

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New returns a stopped poller reading from driver.
func New(driver tmux.Driver, opts Options) *Poller {
	if opts.OutputInterval <= 0 {
		opts.OutputInterval = 200 * time.Millisecond
	}
	if opts.RosterInterval <= 0 {
		opts.RosterInterval = 2 * time.Second
	}
	if opts.MaxConcurrentCaptures <= 0 {
		opts.MaxConcurrentCaptures = 16
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 256
	}
	return &Poller{
		driver: driver,
		opts:   opts,
		subs:   make(map[string]map[string]struct{}),
		cache:  make(map[paneKey]entry),
		known:  make(map[string]struct{}),
		events: make(chan Event, opts.EventBuffer),
		done:   make(chan struct{}),
	}
}

// Events delivers change events. It is closed by Stop.
func (p *Poller) Events() <-chan Event {
	return p.events
}

func normPane(pane string) string {
	if pane == "" {
		return protocol.DefaultPane
	}
	return pane
}

// Subscribe starts polling a pane. Subscribing twice is a no-op.
func (p *Poller) Subscribe(session, pane string) {
	pane = normPane(pane)
	p.mu.Lock()
	defer p.mu.Unlock()
	panes, ok := p.subs[session]
	if !ok {
		panes = make(map[string]struct{})
		p.subs[session] = panes
	}
	panes[pane] = struct{}{}
}

// Unsubscribe stops polling a pane and drops its cache entry. An empty pane
// removes every pane of the session.
func (p *Poller) Unsubscribe(session, pane string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pane == "" {
		p.dropSessionLocked(session)
		return
	}
	panes, ok := p.subs[session]
	if !ok {
		return
	}
	delete(panes, pane)
	delete(p.cache, paneKey{session, pane})
	if len(panes) == 0 {
		delete(p.subs, session)
	}
}

// Subscribed reports whether a pane is being polled.
func (p *Poller) Subscribed(session, pane string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.subs[session][normPane(pane)]
	return ok
}

// SubscriptionCount returns the number of polled panes.
func (p *Poller) SubscriptionCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, panes := range p.subs {
		n += len(panes)
	}
	return n
}

func (p *Poller) dropSessionLocked(session string) {
	delete(p.subs, session)
	for k := range p.cache {
		if k.session == session {
			delete(p.cache, k)
		}
	}
}

// Start takes the current roster as the baseline and begins both ticks.
func (p *Poller) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.baseline(ctx)

	p.wg.Add(2)
	go p.loop(ctx, p.opts.OutputInterval, p.pollOutput)
	go p.loop(ctx, p.opts.RosterInterval, p.pollRoster)

	pollLog.Info("poller_started",
		slog.String("output_interval", p.opts.OutputInterval.String()),
		slog.String("roster_interval", p.opts.RosterInterval.String()))
}

// Stop ends both ticks, waits for in-flight work and closes Events.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() {
		if p.cancel != nil {
			p.cancel()
		}
		close(p.done)
		p.wg.Wait()
		close(p.events)
		pollLog.Info("poller_stopped")
	})
}

func (p *Poller) loop(ctx context.Context, every time.Duration, tick func(context.Context)) {
	defer p.wg.Done()
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			tick(ctx)
		}
	}
}

func (p *Poller) baseline(ctx context.Context) {
	sessions, err := p.driver.ListSessions(ctx)
	if err != nil && !errors.Is(err, tmux.ErrNoServer) {
		pollLog.Warn("roster_baseline_failed", slog.String("error", err.Error()))
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range sessions {
		p.known[s.Name] = struct{}{}
	}
}

func (p *Poller) emit(ctx context.Context, ev Event) {
	if ev.Kind == EventOutput {
		p.opts.Metrics.OutputEvent()
	}
	select {
	case p.events <- ev:
	case <-ctx.Done():
	case <-p.done:
	}
}

// ForceRefresh captures a pane regardless of the cache and records the
// result, so the next tick only reports later changes. It emits nothing; the
// caller delivers the returned capture itself.
func (p *Poller) ForceRefresh(ctx context.Context, session, pane string) (tmux.Capture, error) {
	pane = normPane(pane)
	c, err := p.driver.CapturePane(ctx, session, pane)
	if err != nil {
		p.opts.Metrics.DriverError("capture")
		return tmux.Capture{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.subs[session][pane]; !ok {
		return c, nil
	}
	k := paneKey{session, pane}
	if cur, ok := p.cache[k]; ok && c.Timestamp.Before(cur.ts) {
		return tmux.Capture{Content: cur.content, Timestamp: cur.ts}, nil
	}
	p.cache[k] = entry{content: c.Content, ts: c.Timestamp}
	return c, nil
}

func (p *Poller) targets() []paneKey {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]paneKey, 0, len(p.subs))
	for s, panes := range p.subs {
		for pane := range panes {
			out = append(out, paneKey{s, pane})
		}
	}
	return out
}

// pollOutput captures every subscribed pane once. Failures are independent.
func (p *Poller) pollOutput(ctx context.Context) {
	if !p.outputBusy.CompareAndSwap(false, true) {
		logging.Aggregate(logging.CompPoller, "output_tick_skipped")
		return
	}
	defer p.outputBusy.Store(false)

	targets := p.targets()
	if len(targets) == 0 {
		return
	}

	var g errgroup.Group
	g.SetLimit(p.opts.MaxConcurrentCaptures)
	for _, k := range targets {
		k := k
		g.Go(func() error {
			c, err := p.driver.CapturePane(ctx, k.session, k.pane)
			if err != nil {
				p.captureFailed(ctx, k, err)
				return nil
			}
			if ev, ok := p.apply(k, c); ok {
				p.emit(ctx, ev)
			}
			return nil
		})
	}
	_ = g.Wait()
	logging.Aggregate(logging.CompPoller, "output_tick", slog.Int("panes", len(targets)))
}

// apply diffs a capture against the cache. The pane must still be
// subscribed and the capture must not be older than what was delivered.
func (p *Poller) apply(k paneKey, c tmux.Capture) (Event, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.subs[k.session][k.pane]; !ok {
		return Event{}, false
	}
	cur, seen := p.cache[k]
	if seen && c.Timestamp.Before(cur.ts) {
		return Event{}, false
	}
	if seen && cur.content == c.Content {
		cur.ts = c.Timestamp
		p.cache[k] = cur
		return Event{}, false
	}
	p.cache[k] = entry{content: c.Content, ts: c.Timestamp}
	return Event{
		Kind:      EventOutput,
		Session:   k.session,
		Pane:      k.pane,
		Content:   c.Content,
		Timestamp: c.Timestamp,
	}, true
}

func (p *Poller) captureFailed(ctx context.Context, k paneKey, err error) {
	p.opts.Metrics.DriverError("capture")
	logging.Aggregate(logging.CompPoller, "capture_failed",
		slog.String("session", k.session), slog.String("pane", k.pane))

	if !errors.Is(err, tmux.ErrNotFound) {
		return
	}

	p.mu.Lock()
	_, known := p.known[k.session]
	_, subscribed := p.subs[k.session]
	delete(p.known, k.session)
	p.dropSessionLocked(k.session)
	p.mu.Unlock()

	if known || subscribed {
		pollLog.Info("session_vanished", slog.String("session", k.session))
		p.emit(ctx, Event{Kind: EventSessionDestroyed, Session: k.session})
	}
}

// pollRoster diffs the session list. A missing server is an empty roster.
func (p *Poller) pollRoster(ctx context.Context) {
	if !p.rosterBusy.CompareAndSwap(false, true) {
		logging.Aggregate(logging.CompPoller, "roster_tick_skipped")
		return
	}
	defer p.rosterBusy.Store(false)

	sessions, err := p.driver.ListSessions(ctx)
	noServer := false
	if err != nil {
		if !errors.Is(err, tmux.ErrNoServer) {
			p.opts.Metrics.DriverError("list")
			pollLog.Warn("roster_poll_failed", slog.String("error", err.Error()))
			return
		}
		noServer = true
		sessions = nil
	}

	current := make(map[string]tmux.Session, len(sessions))
	for _, s := range sessions {
		current[s.Name] = s
	}

	var created []tmux.Session
	var destroyed []string

	p.mu.Lock()
	for name := range p.known {
		if _, ok := current[name]; !ok {
			destroyed = append(destroyed, name)
			p.dropSessionLocked(name)
		}
	}
	for name, s := range current {
		if _, ok := p.known[name]; !ok {
			created = append(created, s)
		}
	}
	if noServer {
		p.subs = make(map[string]map[string]struct{})
		p.cache = make(map[paneKey]entry)
	}
	p.known = make(map[string]struct{}, len(current))
	for name := range current {
		p.known[name] = struct{}{}
	}
	p.mu.Unlock()

	sort.Strings(destroyed)
	sort.Slice(created, func(i, j int) bool { return created[i].Name < created[j].Name })

	for _, name := range destroyed {
		pollLog.Info("session_destroyed", slog.String("session", name), slog.Bool("no_server", noServer))
		p.emit(ctx, Event{Kind: EventSessionDestroyed, Session: name})
	}
	for i := range created {
		s := created[i]
		pollLog.Info("session_created", slog.String("session", s.Name))
		p.emit(ctx, Event{Kind: EventSessionCreated, Session: s.Name, Info: &s})
	}
}
