// Package client provides a reusable WebSocket load test client for the chat
// server. It connects using gobwas/ws (the same library the server uses),
// authenticates with a bearer token in the handshake query and tracks
// per-connection performance metrics.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/golang-jwt/jwt/v5"
)

// ---------------------------------------------------------------------------
// Protocol payload kinds
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeMessage = "message"
	TypePing    = "ping"
)

// Server -> Client payload kinds. Delivered messages and errors carry no
// "type" field; the client classifies them by shape.
const (
	KindMessage = "message"
	KindError   = "error"
	KindPong    = "pong"
)

// Inbound is the payload a client sends.
type Inbound struct {
	Type        string `json:"type,omitempty"`
	Content     string `json:"content,omitempty"`
	RecipientID *int64 `json:"recipient_id,omitempty"`
}

// Delivered is a message pushed by the server.
type Delivered struct {
	ID          int64  `json:"id"`
	SenderID    int64  `json:"sender_id"`
	SenderName  string `json:"sender_name"`
	Content     string `json:"content"`
	RecipientID *int64 `json:"recipient_id,omitempty"`
	CreatedAt   string `json:"created_at"`
}

// ---------------------------------------------------------------------------
// Tokens
// ---------------------------------------------------------------------------

// Token signs an HS256 bearer token for userID, matching what the server's
// verifier accepts.
func Token(secret string, userID int64, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   strconv.FormatInt(userID, 10),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ---------------------------------------------------------------------------
// Metrics
// ---------------------------------------------------------------------------

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration
	ReadyLatency     time.Duration // handshake + authentication, measured by the first pong
	MessagesReceived int
	MessagesSent     int
	Errors           int
	CloseCode        int // 0 while open or after an unannounced drop
}

// ---------------------------------------------------------------------------
// Client
// ---------------------------------------------------------------------------

// Client represents a single simulated user connection to the chat server.
// It manages the WebSocket lifecycle and dispatches incoming payloads to
// registered handlers by kind.
type Client struct {
	conn   net.Conn
	rw     io.ReadWriter // conn, or handshake-buffered reader + conn
	userID int64
	start  time.Time

	mu       sync.Mutex
	writeMu  sync.Mutex
	metrics  Metrics
	handlers map[string]func(json.RawMessage)
	ready    chan struct{}
	readyOne sync.Once
	pongs    chan struct{}
	pingMu   sync.Mutex

	done      chan struct{}
	closeOnce sync.Once
}

// New dials the server at rawURL with token in the query string. The
// connection is established immediately and a background goroutine begins
// reading payloads.
func New(ctx context.Context, rawURL string, userID int64, token string) (*Client, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	start := time.Now()
	conn, br, _, err := ws.Dial(ctx, u.String())
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	c := &Client{
		conn:     conn,
		rw:       conn,
		userID:   userID,
		start:    start,
		handlers: make(map[string]func(json.RawMessage)),
		ready:    make(chan struct{}),
		pongs:    make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	if br != nil {
		c.rw = struct {
			io.Reader
			io.Writer
		}{br, conn}
	}
	c.metrics.ConnectLatency = time.Since(start)

	go c.readLoop()
	return c, nil
}

// UserID returns the user the client authenticated as.
func (c *Client) UserID() int64 {
	return c.userID
}

// Send sends a JSON payload to the server. It is goroutine-safe.
func (c *Client) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := wsutil.WriteClientMessage(c.conn, ws.OpText, data); err != nil {
		return err
	}
	c.mu.Lock()
	c.metrics.MessagesSent++
	c.mu.Unlock()
	return nil
}

// SendTo sends a direct message. A nil recipient broadcasts.
func (c *Client) SendTo(recipientID *int64, content string) error {
	return c.Send(Inbound{Type: TypeMessage, Content: content, RecipientID: recipientID})
}

// On registers a handler for a payload kind. Handlers run on the read loop
// goroutine and replace any earlier handler for the same kind. Register
// handlers before traffic starts.
func (c *Client) On(kind string, handler func(json.RawMessage)) {
	c.mu.Lock()
	c.handlers[kind] = handler
	c.mu.Unlock()
}

// WaitReady sends a ping and blocks until the pong arrives. The server only
// answers once the credential has been accepted, so a pong proves the
// session is active.
func (c *Client) WaitReady(ctx context.Context) error {
	if err := c.Send(Inbound{Type: TypePing}); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	select {
	case <-c.ready:
		return nil
	case <-c.done:
		return fmt.Errorf("connection closed before ready (close code %d)", c.GetMetrics().CloseCode)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ping sends a ping and waits for the next pong, returning the round trip.
// The session handles frames in order, so a pong also means every payload
// sent before the ping has been processed.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	c.pingMu.Lock()
	defer c.pingMu.Unlock()

	select {
	case <-c.pongs:
	default:
	}
	start := time.Now()
	if err := c.Send(Inbound{Type: TypePing}); err != nil {
		return 0, fmt.Errorf("ping: %w", err)
	}
	select {
	case <-c.pongs:
		return time.Since(start), nil
	case <-c.done:
		return 0, fmt.Errorf("connection closed (close code %d)", c.GetMetrics().CloseCode)
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Done is closed when the read loop stops.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close closes the connection and stops the read loop. It is safe to call
// multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// GetMetrics returns a copy of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

// readLoop continuously reads WebSocket frames from the server and dispatches
// them to registered handlers. It runs until the connection is closed or an
// unrecoverable error occurs.
func (c *Client) readLoop() {
	defer c.Close()

	for {
		data, err := wsutil.ReadServerText(c.rw)
		if err != nil {
			select {
			case <-c.done:
				// Connection was intentionally closed; do not count as error.
				return
			default:
			}
			c.mu.Lock()
			var closed wsutil.ClosedError
			if errors.As(err, &closed) {
				c.metrics.CloseCode = int(closed.Code)
			} else {
				c.metrics.Errors++
			}
			c.mu.Unlock()
			return
		}

		kind := classify(data)

		c.mu.Lock()
		c.metrics.MessagesReceived++
		if kind == KindError {
			c.metrics.Errors++
		}
		handler := c.handlers[kind]
		c.mu.Unlock()

		if kind == KindPong {
			c.readyOne.Do(func() {
				c.mu.Lock()
				c.metrics.ReadyLatency = time.Since(c.start)
				c.mu.Unlock()
				close(c.ready)
			})
			select {
			case c.pongs <- struct{}{}:
			default:
			}
		}

		if handler != nil {
			handler(json.RawMessage(data))
		}
	}
}

// classify maps a server payload to its kind.
func classify(data []byte) string {
	var probe struct {
		Type     string `json:"type"`
		Error    string `json:"error"`
		SenderID int64  `json:"sender_id"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return ""
	}
	switch {
	case probe.Type != "":
		return probe.Type
	case probe.Error != "":
		return KindError
	case probe.SenderID != 0:
		return KindMessage
	}
	return ""
}
