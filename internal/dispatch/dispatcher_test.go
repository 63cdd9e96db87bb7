package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/whisper/messenger/internal/presence"
)

// recordingChannel stores every payload it receives. When block is set the
// push waits for the context to expire, as a full outbound queue would.
type recordingChannel struct {
	id    string
	err   error
	block bool

	mu       sync.Mutex
	payloads [][]byte
}

func (c *recordingChannel) ID() string { return c.id }

func (c *recordingChannel) Push(ctx context.Context, payload []byte) error {
	if c.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if c.err != nil {
		return c.err
	}
	c.mu.Lock()
	c.payloads = append(c.payloads, payload)
	c.mu.Unlock()
	return nil
}

func (c *recordingChannel) Close(int, string) error { return nil }

func (c *recordingChannel) received() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.payloads)
}

func newDispatcher(timeout time.Duration) (*Dispatcher, *presence.Registry) {
	reg := presence.NewRegistry()
	return New(reg, timeout, zerolog.Nop()), reg
}

// ---------------------------------------------------------------------------
// Unicast
// ---------------------------------------------------------------------------

func TestDeliverUnicast_Offline(t *testing.T) {
	d, _ := newDispatcher(0)
	if d.DeliverUnicast(context.Background(), 5, []byte("x")) {
		t.Fatal("expected false for offline recipient")
	}
}

func TestDeliverUnicast_Delivered(t *testing.T) {
	d, reg := newDispatcher(0)
	ch := &recordingChannel{id: "b"}
	reg.Register(2, ch)

	if !d.DeliverUnicast(context.Background(), 2, []byte(`{"id":1}`)) {
		t.Fatal("expected delivery")
	}
	if ch.received() != 1 || string(ch.payloads[0]) != `{"id":1}` {
		t.Errorf("unexpected payloads: %q", ch.payloads)
	}
}

func TestDeliverUnicast_PushFailure(t *testing.T) {
	d, reg := newDispatcher(0)
	reg.Register(2, &recordingChannel{id: "b", err: errors.New("closed")})

	if d.DeliverUnicast(context.Background(), 2, []byte("x")) {
		t.Fatal("expected false when push fails")
	}
}

func TestDeliverUnicast_SlowConsumerBounded(t *testing.T) {
	d, reg := newDispatcher(20 * time.Millisecond)
	reg.Register(2, &recordingChannel{id: "b", block: true})

	start := time.Now()
	if d.DeliverUnicast(context.Background(), 2, []byte("x")) {
		t.Fatal("expected false for a blocked consumer")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("push was not bounded by the timeout: %v", elapsed)
	}
}

// ---------------------------------------------------------------------------
// Broadcast
// ---------------------------------------------------------------------------

func TestDeliverBroadcast_IsolatesFailures(t *testing.T) {
	d, reg := newDispatcher(20 * time.Millisecond)

	ok1 := &recordingChannel{id: "1"}
	ok2 := &recordingChannel{id: "2"}
	reg.Register(1, ok1)
	reg.Register(2, ok2)
	reg.Register(3, &recordingChannel{id: "3", err: errors.New("broken pipe")})
	reg.Register(4, &recordingChannel{id: "4", block: true})

	n := d.DeliverBroadcast(context.Background(), []byte("hello"))
	if n != 2 {
		t.Fatalf("expected 2 successful pushes, got %d", n)
	}
	if ok1.received() != 1 || ok2.received() != 1 {
		t.Errorf("healthy channels should each receive once: %d, %d", ok1.received(), ok2.received())
	}
}

func TestDeliverBroadcast_Empty(t *testing.T) {
	d, _ := newDispatcher(0)
	if n := d.DeliverBroadcast(context.Background(), []byte("x")); n != 0 {
		t.Errorf("expected 0, got %d", n)
	}
}
