package coordinator

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tchow-twistedxcom/tmux-collab/internal/claims"
	"github.com/tchow-twistedxcom/tmux-collab/internal/poller"
	"github.com/tchow-twistedxcom/tmux-collab/internal/protocol"
	"github.com/tchow-twistedxcom/tmux-collab/internal/tmux/tmuxtest"
)

type fakeConn struct {
	mu     sync.Mutex
	msgs   []protocol.ServerMessage
	closed bool
	full   bool
}

func (f *fakeConn) Send(msg protocol.ServerMessage) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || f.full {
		return false
	}
	f.msgs = append(f.msgs, msg)
	return true
}

func (f *fakeConn) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// take returns and clears the queued messages.
func (f *fakeConn) take() []protocol.ServerMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.msgs
	f.msgs = nil
	return out
}

func types(msgs []protocol.ServerMessage) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Type)
	}
	return out
}

func findType(msgs []protocol.ServerMessage, typ string) (protocol.ServerMessage, bool) {
	for _, m := range msgs {
		if m.Type == typ {
			return m, true
		}
	}
	return protocol.ServerMessage{}, false
}

type memAudit struct {
	mu  sync.Mutex
	evs []claims.Event
}

func (m *memAudit) RecordClaimEvent(_ context.Context, ev claims.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evs = append(m.evs, ev)
	return nil
}

func (m *memAudit) actions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, ev := range m.evs {
		out = append(out, ev.Action)
	}
	return out
}

type harness struct {
	t      *testing.T
	fake   *tmuxtest.Fake
	poller *poller.Poller
	table  *claims.Table
	audit  *memAudit
	c      *Coordinator
	clock  time.Time
}

func newHarness(t *testing.T, sessions ...string) *harness {
	return newHarnessOpts(t, Options{}, sessions...)
}

func newHarnessOpts(t *testing.T, opts Options, sessions ...string) *harness {
	t.Helper()
	h := &harness{
		t:     t,
		fake:  tmuxtest.New(sessions...),
		table: claims.NewTable(0),
		audit: &memAudit{},
		clock: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	h.poller = poller.New(h.fake, poller.Options{})
	opts.Audit = h.audit
	h.c = New(h.fake, h.poller, h.table, opts)
	h.c.now = func() time.Time { return h.clock }
	return h
}

func (h *harness) advance(d time.Duration) {
	h.clock = h.clock.Add(d)
}

func ident(id string, role protocol.Role) protocol.Identity {
	return protocol.Identity{UserID: id, UserName: "user-" + id, Role: role}
}

// connect opens a multiplexed connection and discards the handshake frames.
func (h *harness) connect(who protocol.Identity) (string, *fakeConn) {
	h.t.Helper()
	fc := &fakeConn{}
	id := h.c.Connect(context.Background(), who, fc)
	fc.take()
	return id, fc
}

func (h *harness) send(id string, msg protocol.ClientMessage) {
	h.t.Helper()
	raw, err := json.Marshal(msg)
	require.NoError(h.t, err)
	h.c.HandleMessage(context.Background(), id, raw)
}

func (h *harness) subscribe(id string, fc *fakeConn, session string) {
	h.t.Helper()
	h.send(id, protocol.ClientMessage{Type: protocol.TypeSubscribe, Session: session})
	fc.take()
}
