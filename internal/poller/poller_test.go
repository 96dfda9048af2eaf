package poller

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tchow-twistedxcom/tmux-collab/internal/tmux"
	"github.com/tchow-twistedxcom/tmux-collab/internal/tmux/tmuxtest"
)

func drain(p *Poller) []Event {
	var out []Event
	for {
		select {
		case ev := <-p.events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func newTestPoller(t *testing.T, names ...string) (*Poller, *tmuxtest.Fake) {
	t.Helper()
	fake := tmuxtest.New(names...)
	p := New(fake, Options{})
	p.baseline(context.Background())
	return p, fake
}

func TestOutputOnlyOnChange(t *testing.T) {
	ctx := context.Background()
	p, fake := newTestPoller(t, "dev")
	fake.SetPane("dev", "0", "$ ls")
	p.Subscribe("dev", "0")

	p.pollOutput(ctx)
	evs := drain(p)
	require.Len(t, evs, 1)
	assert.Equal(t, EventOutput, evs[0].Kind)
	assert.Equal(t, "$ ls", evs[0].Content)

	p.pollOutput(ctx)
	p.pollOutput(ctx)
	assert.Empty(t, drain(p), "unchanged content must not produce output")

	fake.SetPane("dev", "0", "$ ls\nfile.txt")
	p.pollOutput(ctx)
	evs = drain(p)
	require.Len(t, evs, 1)
	assert.Equal(t, "$ ls\nfile.txt", evs[0].Content)
	assert.Equal(t, "dev", evs[0].Session)
	assert.Equal(t, "0", evs[0].Pane)
}

func TestUnsubscribedPaneNotPolled(t *testing.T) {
	ctx := context.Background()
	p, fake := newTestPoller(t, "dev")
	p.Subscribe("dev", "")
	p.Subscribe("dev", "0")
	assert.Equal(t, 1, p.SubscriptionCount())

	p.Unsubscribe("dev", "0")
	p.Unsubscribe("dev", "0")
	p.pollOutput(ctx)
	assert.Zero(t, fake.Captures("dev", "0"))
	assert.Zero(t, p.SubscriptionCount())
}

func TestUnsubscribeAllPanesPurgesCache(t *testing.T) {
	ctx := context.Background()
	p, fake := newTestPoller(t, "dev")
	fake.SetPane("dev", "0", "a")
	fake.SetPane("dev", "1", "b")
	p.Subscribe("dev", "0")
	p.Subscribe("dev", "1")
	p.pollOutput(ctx)
	require.Len(t, drain(p), 2)

	p.Unsubscribe("dev", "")
	assert.False(t, p.Subscribed("dev", "0"))
	assert.False(t, p.Subscribed("dev", "1"))
	p.mu.Lock()
	assert.Empty(t, p.cache)
	p.mu.Unlock()

	// Resubscribing starts from an empty cache, so content is delivered again.
	p.Subscribe("dev", "0")
	p.pollOutput(ctx)
	assert.Len(t, drain(p), 1)
}

func TestCaptureFailureIsIsolated(t *testing.T) {
	ctx := context.Background()
	p, fake := newTestPoller(t, "a", "b")
	fake.SetPane("a", "0", "alpha")
	fake.SetPane("b", "0", "beta")
	fake.FailCapture("a", "0", errors.New("boom"))
	p.Subscribe("a", "0")
	p.Subscribe("b", "0")

	p.pollOutput(ctx)
	evs := drain(p)
	require.Len(t, evs, 1)
	assert.Equal(t, "b", evs[0].Session)
	assert.True(t, p.Subscribed("a", "0"), "transient failure keeps the subscription")
}

func TestCaptureNotFoundTearsDownSession(t *testing.T) {
	ctx := context.Background()
	p, fake := newTestPoller(t, "dev")
	p.Subscribe("dev", "0")
	p.Subscribe("dev", "1")
	fake.RemoveSession("dev")

	p.pollOutput(ctx)
	evs := drain(p)
	require.Len(t, evs, 1)
	assert.Equal(t, EventSessionDestroyed, evs[0].Kind)
	assert.Equal(t, "dev", evs[0].Session)
	assert.Zero(t, p.SubscriptionCount())

	// The roster tick must not report it a second time.
	p.pollRoster(ctx)
	assert.Empty(t, drain(p))
}

func TestStaleCaptureDiscarded(t *testing.T) {
	p, _ := newTestPoller(t, "dev")
	p.Subscribe("dev", "0")
	k := paneKey{"dev", "0"}
	now := time.Now()

	_, ok := p.apply(k, tmux.Capture{Content: "new", Timestamp: now})
	require.True(t, ok)

	_, ok = p.apply(k, tmux.Capture{Content: "old", Timestamp: now.Add(-time.Second)})
	assert.False(t, ok)
	p.mu.Lock()
	assert.Equal(t, "new", p.cache[k].content)
	p.mu.Unlock()
}

func TestRosterCreatedAndDestroyed(t *testing.T) {
	ctx := context.Background()
	p, fake := newTestPoller(t, "a")

	p.pollRoster(ctx)
	assert.Empty(t, drain(p), "baseline sessions are not reported as created")

	fake.AddSession("b")
	p.pollRoster(ctx)
	evs := drain(p)
	require.Len(t, evs, 1)
	assert.Equal(t, EventSessionCreated, evs[0].Kind)
	require.NotNil(t, evs[0].Info)
	assert.Equal(t, "b", evs[0].Info.Name)

	p.Subscribe("a", "0")
	fake.RemoveSession("a")
	p.pollRoster(ctx)
	evs = drain(p)
	require.Len(t, evs, 1)
	assert.Equal(t, EventSessionDestroyed, evs[0].Kind)
	assert.Equal(t, "a", evs[0].Session)
	assert.False(t, p.Subscribed("a", "0"))
}

func TestNoServerDestroysEverySession(t *testing.T) {
	ctx := context.Background()
	p, fake := newTestPoller(t, "a", "b")
	fake.SetPane("a", "0", "x")
	p.Subscribe("a", "0")
	p.Subscribe("b", "0")
	p.pollOutput(ctx)
	drain(p)

	fake.KillServer()
	p.pollRoster(ctx)
	evs := drain(p)
	require.Len(t, evs, 2)
	for _, ev := range evs {
		assert.Equal(t, EventSessionDestroyed, ev.Kind)
	}
	assert.Equal(t, "a", evs[0].Session)
	assert.Equal(t, "b", evs[1].Session)
	assert.Zero(t, p.SubscriptionCount())
	p.mu.Lock()
	assert.Empty(t, p.cache)
	p.mu.Unlock()

	p.pollRoster(ctx)
	assert.Empty(t, drain(p))
}

func TestRosterErrorIsNotEmptyRoster(t *testing.T) {
	ctx := context.Background()
	p, fake := newTestPoller(t, "a")
	fake.FailList(errors.New("exec failed"))
	p.pollRoster(ctx)
	assert.Empty(t, drain(p))

	fake.FailList(nil)
	p.pollRoster(ctx)
	assert.Empty(t, drain(p))
}

func TestForceRefreshUpdatesCache(t *testing.T) {
	ctx := context.Background()
	p, fake := newTestPoller(t, "dev")
	fake.SetPane("dev", "0", "prompt")
	p.Subscribe("dev", "0")

	c, err := p.ForceRefresh(ctx, "dev", "")
	require.NoError(t, err)
	assert.Equal(t, "prompt", c.Content)
	assert.Empty(t, drain(p), "force refresh does not emit")

	p.pollOutput(ctx)
	assert.Empty(t, drain(p), "content already delivered by force refresh")
}

func TestForceRefreshMissingSession(t *testing.T) {
	p, _ := newTestPoller(t)
	_, err := p.ForceRefresh(context.Background(), "nope", "0")
	assert.ErrorIs(t, err, tmux.ErrNotFound)
}

func TestStartStop(t *testing.T) {
	fake := tmuxtest.New("dev")
	fake.SetPane("dev", "0", "hello")
	p := New(fake, Options{OutputInterval: 5 * time.Millisecond, RosterInterval: 5 * time.Millisecond})
	p.Subscribe("dev", "0")
	p.Start(context.Background())

	select {
	case ev := <-p.Events():
		assert.Equal(t, EventOutput, ev.Kind)
		assert.Equal(t, "hello", ev.Content)
	case <-time.After(2 * time.Second):
		t.Fatal("no output event")
	}

	p.Stop()
	p.Stop()
	for range p.Events() {
	}
}
