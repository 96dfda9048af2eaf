package logging

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// tally counts one (component, event) pair within a window. Occurrences
// carrying a "session" attribute are also counted per session so the
// summary can name the busiest one.
type tally struct {
	component string
	event     string
	n         int64
	sessions  map[string]int64
	attrs     []slog.Attr
}

// Aggregator folds high-frequency events such as output ticks, failed
// captures and rate-limited frames into one "event_summary" record per
// event per window.
type Aggregator struct {
	log    *slog.Logger
	window time.Duration

	mu      sync.Mutex
	tallies map[string]*tally

	stop    chan struct{}
	stopped chan struct{}
	once    sync.Once
	started bool
}

// NewAggregator returns an aggregator whose window is windowSecs seconds
// (30 when <= 0). With a nil logger summaries are counted and discarded.
func NewAggregator(logger *slog.Logger, windowSecs int) *Aggregator {
	if windowSecs <= 0 {
		windowSecs = 30
	}
	return &Aggregator{
		log:     logger,
		window:  time.Duration(windowSecs) * time.Second,
		tallies: make(map[string]*tally),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Start begins summarizing once per window.
func (a *Aggregator) Start() {
	a.mu.Lock()
	a.started = true
	a.mu.Unlock()
	go func() {
		defer close(a.stopped)
		t := time.NewTicker(a.window)
		defer t.Stop()
		for {
			select {
			case <-a.stop:
				return
			case <-t.C:
				a.flush()
			}
		}
	}()
}

// Stop ends the window loop, if running, and writes what is pending.
func (a *Aggregator) Stop() {
	a.once.Do(func() {
		close(a.stop)
		a.mu.Lock()
		started := a.started
		a.mu.Unlock()
		if started {
			<-a.stopped
		}
		a.flush()
	})
}

// Record counts one occurrence of event. The session attribute, if any, is
// tallied; the remaining attributes of the latest occurrence are kept.
func (a *Aggregator) Record(component, event string, attrs ...slog.Attr) {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := component + "/" + event
	t := a.tallies[key]
	if t == nil {
		t = &tally{component: component, event: event}
		a.tallies[key] = t
	}
	t.n++

	kept := attrs[:0:0]
	for _, at := range attrs {
		if at.Key == "session" {
			if t.sessions == nil {
				t.sessions = make(map[string]int64)
			}
			t.sessions[at.Value.String()]++
			continue
		}
		kept = append(kept, at)
	}
	if len(kept) > 0 {
		t.attrs = kept
	}
}

func (a *Aggregator) flush() {
	a.mu.Lock()
	pending := a.tallies
	a.tallies = make(map[string]*tally)
	a.mu.Unlock()

	if a.log == nil || len(pending) == 0 {
		return
	}
	keys := make([]string, 0, len(pending))
	for k := range pending {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		t := pending[k]
		args := []any{
			slog.String("component", t.component),
			slog.String("event", t.event),
			slog.Int64("count", t.n),
			slog.Int("window_seconds", int(a.window.Seconds())),
		}
		if len(t.sessions) > 0 {
			busiest, most := "", int64(-1)
			for s, n := range t.sessions {
				if n > most || (n == most && s < busiest) {
					busiest, most = s, n
				}
			}
			args = append(args,
				slog.Int("sessions", len(t.sessions)),
				slog.String("busiest_session", busiest))
		}
		for _, at := range t.attrs {
			args = append(args, at)
		}
		a.log.Info("event_summary", args...)
	}
}
