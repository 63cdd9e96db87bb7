package ws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"
)

var (
	// ErrConnectionClosed is returned by Push after the connection has closed.
	ErrConnectionClosed = errors.New("ws: connection closed")

	// ErrMessageTooLarge is returned by ReadMessage when a fragmented message
	// exceeds MaxFrameBytes in total.
	ErrMessageTooLarge = errors.New("ws: message too large")
)

// ConnConfig holds per-connection limits.
type ConnConfig struct {
	OutboundBuffer int           // queued outbound payloads before Push blocks
	WriteTimeout   time.Duration // deadline for a single frame write
	IdleTimeout    time.Duration // read deadline; any frame resets it
	MaxFrameBytes  int64         // larger frames or reassembled messages close with 1009
}

// DefaultConnConfig returns sensible defaults.
func DefaultConnConfig() ConnConfig {
	return ConnConfig{
		OutboundBuffer: 64,
		WriteTimeout:   10 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxFrameBytes:  16 * 1024,
	}
}

// Connection is one upgraded WebSocket. Reads happen on the session
// goroutine; outbound payloads are queued and written by a dedicated writer
// goroutine. The write mutex serializes data frames with control replies,
// heartbeat pings and the close frame.
type Connection struct {
	id         string
	conn       net.Conn
	remoteAddr string
	createdAt  time.Time
	lastActive atomic.Int64 // unix nanos of the last frame received
	cfg        ConnConfig
	logger     zerolog.Logger

	rd      wsutil.Reader
	writeMu sync.Mutex

	send      chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

// newConnection wraps an upgraded socket and starts its writer. src is the
// reader to consume frames from; it differs from conn when the handshake
// left bytes buffered.
func newConnection(id string, conn net.Conn, src io.Reader, remoteAddr string, cfg ConnConfig, logger zerolog.Logger) *Connection {
	if cfg.OutboundBuffer <= 0 {
		cfg.OutboundBuffer = DefaultConnConfig().OutboundBuffer
	}
	c := &Connection{
		id:         id,
		conn:       conn,
		remoteAddr: remoteAddr,
		createdAt:  time.Now(),
		cfg:        cfg,
		logger:     logger.With().Str("conn", id).Logger(),
		send:       make(chan []byte, cfg.OutboundBuffer),
		closed:     make(chan struct{}),
	}
	c.rd = wsutil.Reader{
		Source:         src,
		State:          ws.StateServerSide,
		CheckUTF8:      true,
		MaxFrameSize:   cfg.MaxFrameBytes,
		OnIntermediate: c.handleControl,
	}
	c.touch()
	go c.writeLoop()
	return c
}

// ID returns the connection id.
func (c *Connection) ID() string { return c.id }

// RemoteAddr returns the client address seen at upgrade time.
func (c *Connection) RemoteAddr() string { return c.remoteAddr }

// LastActive returns when the last frame was received.
func (c *Connection) LastActive() time.Time {
	return time.Unix(0, c.lastActive.Load())
}

func (c *Connection) touch() {
	c.lastActive.Store(time.Now().UnixNano())
}

// Done is closed once the connection is closed.
func (c *Connection) Done() <-chan struct{} {
	return c.closed
}

// Push queues payload for the writer. It fails when ctx expires before the
// queue has room or when the connection is closed.
func (c *Connection) Push(ctx context.Context, payload []byte) error {
	select {
	case <-c.closed:
		return ErrConnectionClosed
	default:
	}

	select {
	case c.send <- payload:
		return nil
	case <-c.closed:
		return ErrConnectionClosed
	case <-ctx.Done():
		return fmt.Errorf("ws: push to %s: %w", c.id, ctx.Err())
	}
}

func (c *Connection) writeLoop() {
	for {
		select {
		case <-c.closed:
			return
		case payload := <-c.send:
			if err := c.writeFrame(ws.OpText, payload); err != nil {
				c.logger.Debug().Err(err).Msg("write failed")
				c.abort()
				return
			}
		}
	}
}

// writeFrame writes one frame under the write mutex.
func (c *Connection) writeFrame(op ws.OpCode, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.cfg.WriteTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
		// Clear the deadline so it doesn't affect later writes.
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteServerMessage(c.conn, op, payload)
}

// WritePing sends a protocol-level ping frame.
func (c *Connection) WritePing() error {
	return c.writeFrame(ws.OpPing, nil)
}

// ReadMessage returns the next text or binary message. Control frames are
// answered in place. It returns io.EOF when the peer closed the connection
// or the connection was closed locally, and ctx.Err() when ctx ends.
func (c *Connection) ReadMessage(ctx context.Context) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Unix(1, 0))
	})
	defer stop()

	for {
		if c.cfg.IdleTimeout > 0 {
			_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.IdleTimeout))
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		hdr, err := c.rd.NextFrame()
		if err != nil {
			return nil, c.readErr(ctx, err)
		}
		c.touch()

		if hdr.OpCode.IsControl() {
			if err := c.handleControl(hdr, &c.rd); err != nil {
				return nil, c.readErr(ctx, err)
			}
			continue
		}
		if hdr.OpCode&(ws.OpText|ws.OpBinary) == 0 {
			if err := c.rd.Discard(); err != nil {
				return nil, c.readErr(ctx, err)
			}
			continue
		}

		var src io.Reader = &c.rd
		if c.cfg.MaxFrameBytes > 0 {
			src = io.LimitReader(&c.rd, c.cfg.MaxFrameBytes+1)
		}
		data, err := io.ReadAll(src)
		if err != nil {
			return nil, c.readErr(ctx, err)
		}
		if c.cfg.MaxFrameBytes > 0 && int64(len(data)) > c.cfg.MaxFrameBytes {
			_ = c.Close(int(ws.StatusMessageTooBig), "message too large")
			return nil, fmt.Errorf("ws: read %s: %w", c.id, ErrMessageTooLarge)
		}
		return data, nil
	}
}

// handleControl answers ping with pong and close with a close echo. Pongs
// only count as activity.
func (c *Connection) handleControl(hdr ws.Header, r io.Reader) error {
	payload := make([]byte, hdr.Length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return err
	}

	switch hdr.OpCode {
	case ws.OpPing:
		return c.writeFrame(ws.OpPong, payload)
	case ws.OpClose:
		code, reason := ws.ParseCloseFrameData(payload)
		reply := code
		if reply == ws.StatusNoStatusRcvd || reply == 0 {
			reply = ws.StatusNormalClosure
		}
		c.closeOnce.Do(func() {
			close(c.closed)
			c.writeMu.Lock()
			_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
			_ = ws.WriteFrame(c.conn, ws.NewCloseFrame(ws.NewCloseFrameBody(reply, "")))
			c.writeMu.Unlock()
			_ = c.conn.Close()
		})
		return wsutil.ClosedError{Code: code, Reason: reason}
	}
	return nil
}

// readErr maps a read failure to the session contract and makes sure the
// socket is released.
func (c *Connection) readErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	var closedErr wsutil.ClosedError
	switch {
	case errors.As(err, &closedErr), errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		c.abort()
		return io.EOF
	case errors.Is(err, wsutil.ErrFrameTooLarge):
		_ = c.Close(int(ws.StatusMessageTooBig), "frame too large")
		return fmt.Errorf("ws: read %s: %w", c.id, err)
	}

	select {
	case <-c.closed:
		return io.EOF
	default:
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		_ = c.Close(int(ws.StatusGoingAway), "idle timeout")
		return fmt.Errorf("ws: read %s: idle timeout", c.id)
	}

	_ = c.Close(int(ws.StatusProtocolError), "protocol error")
	return fmt.Errorf("ws: read %s: %w", c.id, err)
}

// Close sends a close frame with code and reason and closes the socket.
// Only the first call has any effect.
func (c *Connection) Close(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)

		c.writeMu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = ws.WriteFrame(c.conn, ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusCode(code), reason)))
		c.writeMu.Unlock()

		err = c.conn.Close()
	})
	return err
}

// abort closes the socket without a close frame.
func (c *Connection) abort() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
	})
}

// ConnectionManager is a thread-safe registry of every open socket on this
// server, authenticated or not. It backs the connection cap, heartbeat and
// shutdown.
type ConnectionManager struct {
	mu   sync.RWMutex
	byID map[string]*Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{byID: make(map[string]*Connection)}
}

// Add registers a connection.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID()] = conn
	cm.mu.Unlock()
}

// Remove removes a connection by id. It returns false if it was already
// gone, which guards against double cleanup.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	_, ok := cm.byID[id]
	delete(cm.byID, id)
	cm.mu.Unlock()
	return ok
}

// Get returns the connection for the given id, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// Count returns the current number of open connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
