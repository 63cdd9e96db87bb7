// Package ws upgrades HTTP requests to WebSocket connections with gobwas/ws,
// tracks every open socket and hands each one to a chat session.
package ws

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/whisper/messenger/internal/identity"
	"github.com/whisper/messenger/internal/metrics"
	"github.com/whisper/messenger/internal/ratelimit"
	"github.com/whisper/messenger/internal/session"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	MaxConnections int             // hard cap on open sockets
	Conn           ConnConfig      // per-connection limits
	Heartbeat      HeartbeatConfig // ping cadence and eviction
	ConnectRule    ratelimit.Rule  // per-IP upgrade limit, used when a limiter is set
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		MaxConnections: 100000,
		Conn:           DefaultConnConfig(),
		Heartbeat:      DefaultHeartbeatConfig(),
		ConnectRule:    ratelimit.RuleConnect,
	}
}

// Server accepts WebSocket upgrades and runs one session goroutine per
// connection. It implements http.Handler so it can be mounted on a router.
type Server struct {
	config     ServerConfig
	sessionCfg session.Config
	deps       session.Deps
	conns      *ConnectionManager
	logger     zerolog.Logger

	ctx    context.Context // cancelled on shutdown; parent of every session
	cancel context.CancelFunc
	wg     sync.WaitGroup

	done      chan struct{}
	stopOnce  sync.Once
	startedAt time.Time
}

// NewServer creates a Server. Sessions share deps; deps.Limiter, when set,
// also enforces config.ConnectRule per client IP.
func NewServer(config ServerConfig, sessionCfg session.Config, deps session.Deps) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		config:     config,
		sessionCfg: sessionCfg,
		deps:       deps,
		conns:      NewConnectionManager(),
		logger:     deps.Logger.With().Str("component", "ws").Logger(),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		startedAt:  time.Now(),
	}
}

// Start begins background maintenance (heartbeat). It returns immediately.
func (s *Server) Start() {
	s.startHeartbeat(s.config.Heartbeat)
	s.logger.Info().Int("max_conns", s.config.MaxConnections).Msg("websocket server started")
}

// ServeHTTP upgrades the request and starts a session for the connection.
// The credential is read from the handshake before upgrading; it is
// verified by the session.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case <-s.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	// Enforce maximum connection limit.
	if s.config.MaxConnections > 0 && s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	ip := clientIP(r)
	if s.deps.Limiter != nil {
		d, err := s.deps.Limiter.Allow(r.Context(), ip, s.config.ConnectRule)
		if err == nil && !d.Allowed {
			w.Header().Set("Retry-After", strconv.Itoa(d.RetryAfterSeconds()))
			http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
			return
		}
	}

	credential := identity.TokenFromRequest(r)

	conn, rw, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Debug().Err(err).Str("remote", ip).Msg("upgrade failed")
		return
	}

	var src io.Reader = conn
	if rw != nil && rw.Reader.Buffered() > 0 {
		src = rw.Reader
	}

	c := newConnection(uuid.New().String(), conn, src, r.RemoteAddr, s.config.Conn, s.logger)
	s.conns.Add(c)
	metrics.ConnectionsTotal.Inc()

	s.wg.Add(1)
	go s.serve(c, credential)

	s.logger.Debug().Str("conn", c.ID()).Str("remote", ip).Int("total", s.conns.Count()).
		Msg("new connection")
}

// serve runs the session for c and releases the socket afterwards.
func (s *Server) serve(c *Connection, credential string) {
	defer s.wg.Done()
	defer s.removeConnection(c)

	sess := session.New(s.sessionCfg, s.deps, c, credential)
	if err := sess.Run(s.ctx); err != nil && !identity.IsAuthFailure(err) {
		s.logger.Debug().Err(err).Str("conn", c.ID()).Msg("session ended with error")
	}
}

// removeConnection forgets c and closes its socket. Only the first call
// for a connection has any effect.
func (s *Server) removeConnection(c *Connection) {
	if !s.conns.Remove(c.ID()) {
		return
	}
	_ = c.Close(int(ws.StatusNormalClosure), "")
	metrics.ConnectionsTotal.Dec()

	s.logger.Debug().Str("conn", c.ID()).Int("total", s.conns.Count()).Msg("connection closed")
}

// Connections returns the ConnectionManager for external access to connection
// state (e.g., by the health endpoint).
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// ConnectionCount returns the number of open sockets.
func (s *Server) ConnectionCount() int {
	return s.conns.Count()
}

// OnlineUsers returns the number of users with a registered connection.
func (s *Server) OnlineUsers() int {
	if s.deps.Registry == nil {
		return 0
	}
	return s.deps.Registry.Count()
}

// Uptime returns how long the server has been running.
func (s *Server) Uptime() time.Duration {
	return time.Since(s.startedAt)
}

// Shutdown stops accepting upgrades, closes every connection with 1001 and
// waits for sessions to finish or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.logger.Info().Int("connections", s.conns.Count()).Msg("shutting down websocket server")
		close(s.done)
		for _, c := range s.conns.All() {
			_ = c.Close(int(ws.StatusGoingAway), "server shutting down")
		}
		s.cancel()
	})

	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		s.logger.Info().Msg("websocket server stopped, all connections closed")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("ws: shutdown: %w", ctx.Err())
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
