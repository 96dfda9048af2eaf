package web

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tchow-twistedxcom/tmux-collab/internal/coordinator"
	"github.com/tchow-twistedxcom/tmux-collab/internal/protocol"
)

func wsURL(baseURL, path string) string {
	if strings.HasPrefix(baseURL, "https://") {
		return "wss://" + strings.TrimPrefix(baseURL, "https://") + path
	}
	return "ws://" + strings.TrimPrefix(baseURL, "http://") + path
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial %s: %v (status %d)", url, err, status)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) protocol.ServerMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var msg protocol.ServerMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return msg
}

// readUntil reads frames until one of type typ arrives.
func readUntil(t *testing.T, conn *websocket.Conn, typ string) protocol.ServerMessage {
	t.Helper()
	for i := 0; i < 20; i++ {
		if msg := readFrame(t, conn); msg.Type == typ {
			return msg
		}
	}
	t.Fatalf("no %s frame received", typ)
	return protocol.ServerMessage{}
}

func writeFrame(t *testing.T, conn *websocket.Conn, msg protocol.ClientMessage) {
	t.Helper()
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func TestWSEndpointRejectsBadToken(t *testing.T) {
	env := newTestEnv(t, nil, "alpha")
	testServer := httptest.NewServer(env.srv.Handler())
	defer testServer.Close()

	conn := dial(t, wsURL(testServer.URL, "/ws?token=wrong"))

	msg := readFrame(t, conn)
	if msg.Type != protocol.TypeError || msg.Code != protocol.CodeAuthFailed {
		t.Fatalf("expected AUTH_FAILED error frame, got %+v", msg)
	}
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("expected connection to be closed after auth failure")
	}
	if n := env.coord.ConnectionCount(); n != 0 {
		t.Fatalf("expected no registered connections, got %d", n)
	}
}

func TestWSEndpointHandshakeAndClaim(t *testing.T) {
	env := newTestEnv(t, nil, "alpha", "beta")
	env.fake.SetPane("alpha", "0", "$ ls\n")
	testServer := httptest.NewServer(env.srv.Handler())
	defer testServer.Close()

	conn := dial(t, wsURL(testServer.URL, "/ws?token=tok-alice"))

	connected := readFrame(t, conn)
	if connected.Type != protocol.TypeConnected || connected.ConnectionID == "" {
		t.Fatalf("expected connected frame, got %+v", connected)
	}
	if connected.User == nil || connected.User.UserID != "alice" || connected.User.Role != protocol.RoleOperator {
		t.Fatalf("unexpected identity in connected frame: %+v", connected.User)
	}
	roster := readFrame(t, conn)
	if roster.Type != protocol.TypeSessions || len(roster.Sessions) != 2 {
		t.Fatalf("expected sessions frame with 2 sessions, got %+v", roster)
	}

	writeFrame(t, conn, protocol.ClientMessage{Type: protocol.TypeSubscribe, Session: "alpha"})
	output := readUntil(t, conn, protocol.TypeOutput)
	if output.Session != "alpha" || output.Content != "$ ls\n" {
		t.Fatalf("unexpected output frame: %+v", output)
	}

	writeFrame(t, conn, protocol.ClientMessage{Type: protocol.TypeClaim, Session: "alpha"})
	claimed := readUntil(t, conn, protocol.TypeClaimed)
	if claimed.Claim == nil || claimed.Claim.UserID != "alice" {
		t.Fatalf("unexpected claimed frame: %+v", claimed)
	}

	writeFrame(t, conn, protocol.ClientMessage{Type: protocol.TypeSendKeys, Session: "alpha", Keys: "pwd"})
	deadline := time.Now().Add(3 * time.Second)
	for len(env.fake.Sent()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	sent := env.fake.Sent()
	if len(sent) != 1 || sent[0].Keys != "pwd" {
		t.Fatalf("expected keys forwarded to tmux, got %+v", sent)
	}

	writeFrame(t, conn, protocol.ClientMessage{Type: "bogus"})
	if errFrame := readUntil(t, conn, protocol.TypeError); errFrame.Code != protocol.CodeUnknownType {
		t.Fatalf("expected UNKNOWN_TYPE, got %+v", errFrame)
	}
}

func TestWSDisconnectReleasesClaim(t *testing.T) {
	env := newTestEnv(t, nil, "alpha")
	testServer := httptest.NewServer(env.srv.Handler())
	defer testServer.Close()

	conn := dial(t, wsURL(testServer.URL, "/ws?token=tok-alice"))
	readUntil(t, conn, protocol.TypeSessions)
	writeFrame(t, conn, protocol.ClientMessage{Type: protocol.TypeClaim, Session: "alpha"})
	readUntil(t, conn, protocol.TypeClaimed)

	_ = conn.Close()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, held := env.coord.GetLock("alpha"); !held && env.coord.ConnectionCount() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected claim released and connection dropped after disconnect")
}

func TestSessionWSUnauthorized(t *testing.T) {
	env := newTestEnv(t, nil, "alpha")
	testServer := httptest.NewServer(env.srv.Handler())
	defer testServer.Close()

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(testServer.URL, "/ws/session/alpha"), nil)
	if err == nil {
		t.Fatalf("expected websocket dial to fail for unauthorized request")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected status %d, got %+v", http.StatusUnauthorized, resp)
	}
}

func TestSessionWSNotFoundBeforeUpgrade(t *testing.T) {
	env := newTestEnv(t, nil, "alpha")
	testServer := httptest.NewServer(env.srv.Handler())
	defer testServer.Close()

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(testServer.URL, "/ws/session/missing?token=tok-alice"), nil)
	if err == nil {
		t.Fatalf("expected websocket dial to fail for unknown session")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected status %d, got %+v", http.StatusNotFound, resp)
	}
}

func TestSessionWSConnectAndOutput(t *testing.T) {
	env := newTestEnv(t, nil, "alpha")
	env.fake.SetPane("alpha", "1", "pane one\n")
	testServer := httptest.NewServer(env.srv.Handler())
	defer testServer.Close()

	conn := dial(t, wsURL(testServer.URL, "/ws/session/alpha?pane=1&token=tok-vic"))

	connected := readFrame(t, conn)
	if connected.Type != protocol.TypeConnected || connected.Session != "alpha" || connected.Pane != "1" {
		t.Fatalf("unexpected connected frame: %+v", connected)
	}
	output := readUntil(t, conn, protocol.TypeOutput)
	if output.Content != "pane one\n" || output.Pane != "1" {
		t.Fatalf("unexpected output frame: %+v", output)
	}

	writeFrame(t, conn, protocol.ClientMessage{Type: protocol.TypeClaim, Session: "alpha"})
	if errFrame := readUntil(t, conn, protocol.TypeError); errFrame.Code != protocol.CodeUnknownType {
		t.Fatalf("expected UNKNOWN_TYPE on dedicated transport, got %+v", errFrame)
	}

	writeFrame(t, conn, protocol.ClientMessage{Type: protocol.TypeSendKeys, Keys: "ls"})
	if errFrame := readUntil(t, conn, protocol.TypeError); errFrame.Code != protocol.CodeNotOperator {
		t.Fatalf("expected NOT_OPERATOR for viewer, got %+v", errFrame)
	}
}

func TestWSConnSendBoundedQueue(t *testing.T) {
	c := newWSConn(nil, 1, time.Second)

	if !c.Send(protocol.ServerMessage{Type: protocol.TypeOutput}) {
		t.Fatalf("expected first send to be queued")
	}
	if c.Send(protocol.ServerMessage{Type: protocol.TypeOutput}) {
		t.Fatalf("expected send on a full queue to fail")
	}
	c.Close()
	c.Close()
	<-c.queue
	if c.Send(protocol.ServerMessage{Type: protocol.TypeOutput}) {
		t.Fatalf("expected send after close to fail")
	}
}

func TestLockEventsStream(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config, _ *coordinator.Options) {
		cfg.LockPollInterval = 10 * time.Millisecond
	}, "alpha")
	testServer := httptest.NewServer(env.srv.Handler())
	defer testServer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, testServer.URL+"/events/locks", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer tok-vic")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("expected event stream, got %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	nextData := func() string {
		t.Helper()
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				t.Fatalf("read stream: %v", err)
			}
			if strings.HasPrefix(line, "data: ") {
				return strings.TrimSpace(strings.TrimPrefix(line, "data: "))
			}
		}
	}

	if first := nextData(); first != `{"locks":[]}` {
		t.Fatalf("expected empty initial table, got %s", first)
	}

	if _, err := env.coord.AcquireLock(context.Background(), "alpha", protocol.Identity{UserID: "alice", UserName: "Alice", Role: protocol.RoleOperator}); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if next := nextData(); !strings.Contains(next, `"session":"alpha"`) || !strings.Contains(next, `"userId":"alice"`) {
		t.Fatalf("expected alpha claimed by alice, got %s", next)
	}
}
