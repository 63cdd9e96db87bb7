package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/whisper/messenger/internal/dispatch"
	"github.com/whisper/messenger/internal/history"
	"github.com/whisper/messenger/internal/identity"
	"github.com/whisper/messenger/internal/presence"
	"github.com/whisper/messenger/internal/protocol"
	"github.com/whisper/messenger/internal/session"
)

const testSecret = "test-secret"

var (
	alice = identity.User{ID: 1, Name: "Alice"}
	bob   = identity.User{ID: 2, Name: "Bob"}
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

type testServer struct {
	srv      *Server
	http     *httptest.Server
	registry *presence.Registry
}

func newTestServer(t *testing.T, mutate func(*ServerConfig)) *testServer {
	t.Helper()

	store, err := history.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "chat.db"))
	if err != nil {
		t.Fatalf("OpenSQLite() error: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	for _, u := range []identity.User{alice, bob} {
		if err := store.UpsertUser(context.Background(), u); err != nil {
			t.Fatalf("UpsertUser() error: %v", err)
		}
	}

	cfg := DefaultServerConfig()
	cfg.Heartbeat.Interval = 0
	if mutate != nil {
		mutate(&cfg)
	}

	registry := presence.NewRegistry()
	srv := NewServer(cfg, session.DefaultConfig(), session.Deps{
		Verifier:   identity.NewJWTVerifier(testSecret, store),
		Store:      store,
		Registry:   registry,
		Dispatcher: dispatch.New(registry, 0, zerolog.Nop()),
		Logger:     zerolog.Nop(),
	})
	srv.Start()

	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		ts.Close()
	})
	return &testServer{srv: srv, http: ts, registry: registry}
}

func (ts *testServer) url(token string) string {
	return "ws" + strings.TrimPrefix(ts.http.URL, "http") + "/?token=" + token
}

func token(t *testing.T, userID int64) string {
	t.Helper()
	tok, _, err := identity.IssueToken(testSecret, userID, time.Minute)
	if err != nil {
		t.Fatalf("IssueToken() error: %v", err)
	}
	return tok
}

// client is the test side of a connection. r holds bytes buffered during
// the handshake, if any.
type client struct {
	conn net.Conn
	r    io.Reader
}

func dial(t *testing.T, url string) *client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, br, _, err := ws.Dial(ctx, url)
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	c := &client{conn: conn, r: conn}
	if br != nil {
		c.r = br
	}
	return c
}

func (c *client) send(t *testing.T, payload string) {
	t.Helper()
	if err := wsutil.WriteClientText(c.conn, []byte(payload)); err != nil {
		t.Fatalf("write error: %v", err)
	}
}

// sendFragments writes one text message split across masked frames.
func (c *client) sendFragments(t *testing.T, parts ...[]byte) {
	t.Helper()
	for i, part := range parts {
		op := ws.OpContinuation
		if i == 0 {
			op = ws.OpText
		}
		frame := ws.NewFrame(op, i == len(parts)-1, part)
		if err := ws.WriteFrame(c.conn, ws.MaskFrameInPlace(frame)); err != nil {
			t.Fatalf("WriteFrame() error: %v", err)
		}
	}
}

// next returns the next text payload, or the close code when the server
// closed the connection instead.
func (c *client) next(t *testing.T) ([]byte, ws.StatusCode) {
	t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		frame, err := ws.ReadFrame(c.r)
		if err != nil {
			t.Fatalf("ReadFrame() error: %v", err)
		}
		switch frame.Header.OpCode {
		case ws.OpText:
			return frame.Payload, 0
		case ws.OpClose:
			code, _ := ws.ParseCloseFrameData(frame.Payload)
			return nil, code
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

// ---------------------------------------------------------------------------
// End to end
// ---------------------------------------------------------------------------

func TestServer_DirectMessageDelivered(t *testing.T) {
	ts := newTestServer(t, nil)

	a := dial(t, ts.url(token(t, alice.ID)))
	b := dial(t, ts.url(token(t, bob.ID)))
	waitFor(t, func() bool { return ts.registry.IsOnline(alice.ID) && ts.registry.IsOnline(bob.ID) })

	a.send(t, fmt.Sprintf(`{"type":"message","content":"hi","recipient_id":%d}`, bob.ID))

	payload, code := b.next(t)
	if code != 0 {
		t.Fatalf("expected a message, got close %d", code)
	}
	var got protocol.Delivered
	if err := json.Unmarshal(payload, &got); err != nil {
		t.Fatalf("unmarshal delivered: %v", err)
	}
	if got.SenderID != alice.ID || got.SenderName != alice.Name || got.Content != "hi" {
		t.Errorf("unexpected delivery: %+v", got)
	}
	if got.RecipientID == nil || *got.RecipientID != bob.ID {
		t.Errorf("expected recipient %d, got %v", bob.ID, got.RecipientID)
	}
	if got.ID <= 0 || got.CreatedAt == "" {
		t.Errorf("expected persisted id and timestamp, got %+v", got)
	}
}

func TestServer_InvalidTokenClosesWithPolicyViolation(t *testing.T) {
	ts := newTestServer(t, nil)

	c := dial(t, ts.url("not-a-token"))
	_, code := c.next(t)
	if code != ws.StatusPolicyViolation {
		t.Errorf("expected close %d, got %d", ws.StatusPolicyViolation, code)
	}
	waitFor(t, func() bool { return ts.srv.Connections().Count() == 0 })
	if ts.registry.Count() != 0 {
		t.Errorf("expected nothing registered, got %d", ts.registry.Count())
	}
}

func TestServer_PingPong(t *testing.T) {
	ts := newTestServer(t, nil)

	c := dial(t, ts.url(token(t, alice.ID)))
	waitFor(t, func() bool { return ts.registry.IsOnline(alice.ID) })

	c.send(t, `{"type":"ping"}`)
	payload, code := c.next(t)
	if code != 0 || string(payload) != string(protocol.Pong) {
		t.Errorf("expected pong, got %q (close %d)", payload, code)
	}
}

func TestServer_MalformedKeepsConnectionOpen(t *testing.T) {
	ts := newTestServer(t, nil)

	c := dial(t, ts.url(token(t, alice.ID)))
	waitFor(t, func() bool { return ts.registry.IsOnline(alice.ID) })

	c.send(t, `not json`)
	payload, code := c.next(t)
	if code != 0 || !strings.Contains(string(payload), "invalid message format") {
		t.Fatalf("expected malformed error, got %q (close %d)", payload, code)
	}

	c.send(t, `{"type":"ping"}`)
	if payload, _ := c.next(t); string(payload) != string(protocol.Pong) {
		t.Errorf("expected pong after malformed payload, got %q", payload)
	}
}

func TestServer_MaxConnections(t *testing.T) {
	ts := newTestServer(t, func(cfg *ServerConfig) { cfg.MaxConnections = 1 })

	dial(t, ts.url(token(t, alice.ID)))
	waitFor(t, func() bool { return ts.srv.Connections().Count() == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, _, err := ws.Dial(ctx, ts.url(token(t, bob.ID)))
	if err == nil {
		conn.Close()
		t.Fatal("expected second upgrade to be refused")
	}
	if n := ts.srv.Connections().Count(); n != 1 {
		t.Errorf("expected 1 connection, got %d", n)
	}
}

func TestServer_FragmentedMessageReassembled(t *testing.T) {
	ts := newTestServer(t, nil)

	c := dial(t, ts.url(token(t, alice.ID)))
	waitFor(t, func() bool { return ts.registry.IsOnline(alice.ID) })

	c.sendFragments(t, []byte(`{"type":`), []byte(`"ping"}`))
	payload, code := c.next(t)
	if code != 0 || string(payload) != string(protocol.Pong) {
		t.Errorf("expected pong, got %q (close %d)", payload, code)
	}
}

func TestServer_FragmentedOversizeMessageClosesWithTooBig(t *testing.T) {
	ts := newTestServer(t, func(cfg *ServerConfig) { cfg.Conn.MaxFrameBytes = 1024 })

	c := dial(t, ts.url(token(t, alice.ID)))
	waitFor(t, func() bool { return ts.registry.IsOnline(alice.ID) })

	// Every frame is under the limit; the message is one byte over it.
	c.sendFragments(t,
		[]byte(strings.Repeat("a", 512)),
		[]byte(strings.Repeat("a", 512)),
		[]byte("a"),
	)

	_, code := c.next(t)
	if code != ws.StatusMessageTooBig {
		t.Errorf("expected close %d, got %d", ws.StatusMessageTooBig, code)
	}
	waitFor(t, func() bool { return !ts.registry.IsOnline(alice.ID) })
	waitFor(t, func() bool { return ts.srv.Connections().Count() == 0 })
}

func TestServer_ShutdownClosesWithGoingAway(t *testing.T) {
	ts := newTestServer(t, nil)

	c := dial(t, ts.url(token(t, alice.ID)))
	waitFor(t, func() bool { return ts.registry.IsOnline(alice.ID) })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := ts.srv.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}

	_, code := c.next(t)
	if code != ws.StatusGoingAway {
		t.Errorf("expected close %d, got %d", ws.StatusGoingAway, code)
	}
	if ts.registry.IsOnline(alice.ID) {
		t.Error("expected user to be deregistered after shutdown")
	}
	if n := ts.srv.Connections().Count(); n != 0 {
		t.Errorf("expected no connections, got %d", n)
	}
}

// ---------------------------------------------------------------------------
// Heartbeat
// ---------------------------------------------------------------------------

func TestCheckConnections_EvictsStale(t *testing.T) {
	ts := newTestServer(t, nil)

	c := dial(t, ts.url(token(t, alice.ID)))
	waitFor(t, func() bool { return ts.registry.IsOnline(alice.ID) })

	cfg := HeartbeatConfig{Interval: time.Second, Timeout: time.Second}
	ts.srv.checkConnections(cfg, time.Now().Add(time.Minute))

	_, code := c.next(t)
	if code != ws.StatusGoingAway {
		t.Errorf("expected close %d, got %d", ws.StatusGoingAway, code)
	}
	waitFor(t, func() bool { return !ts.registry.IsOnline(alice.ID) })
}

func TestCheckConnections_PingsLive(t *testing.T) {
	ts := newTestServer(t, nil)

	c := dial(t, ts.url(token(t, alice.ID)))
	waitFor(t, func() bool { return ts.registry.IsOnline(alice.ID) })

	ts.srv.checkConnections(DefaultHeartbeatConfig(), time.Now())

	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	frame, err := ws.ReadFrame(c.r)
	if err != nil {
		t.Fatalf("ReadFrame() error: %v", err)
	}
	if frame.Header.OpCode != ws.OpPing {
		t.Errorf("expected ping frame, got opcode %v", frame.Header.OpCode)
	}
}
