// Package session drives one authenticated chat connection: it verifies the
// handshake credential, registers the user in presence, persists every
// inbound message before dispatching it and deregisters exactly once when
// the connection ends.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/whisper/messenger/internal/chat"
	"github.com/whisper/messenger/internal/dispatch"
	"github.com/whisper/messenger/internal/history"
	"github.com/whisper/messenger/internal/identity"
	"github.com/whisper/messenger/internal/metrics"
	"github.com/whisper/messenger/internal/presence"
	"github.com/whisper/messenger/internal/protocol"
	"github.com/whisper/messenger/internal/ratelimit"
)

// WebSocket close codes used by the session.
const (
	CloseNormal          = 1000
	ClosePolicyViolation = 1008
	CloseInternalError   = 1011
	CloseSuperseded      = 4000
)

// errAuthTimeout marks a verification that did not finish within
// AuthTimeout. It is reported as an invalid credential.
var errAuthTimeout = errors.New("verification timed out")

// State is the lifecycle state of a session.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticating
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Transport is the connection a session reads from and pushes to.
type Transport interface {
	presence.Channel
	// ReadMessage blocks until the next application payload arrives. It
	// returns io.EOF once the peer has closed the connection.
	ReadMessage(ctx context.Context) ([]byte, error)
	RemoteAddr() string
}

// Limiter throttles inbound messages per user.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (ratelimit.Decision, error)
}

// Ledger records session lifecycle outside the process.
type Ledger interface {
	Create(ctx context.Context, connID, remoteAddr string) error
	Activate(ctx context.Context, connID string, userID int64) error
	Touch(ctx context.Context, connID string) error
	Delete(ctx context.Context, connID string) error
}

// Publisher announces persisted messages.
type Publisher interface {
	PublishMessageCreated(event any) error
}

// Config holds per-session tuning.
type Config struct {
	AuthTimeout time.Duration
	PushTimeout time.Duration
	ServerName  string
	MessageRule ratelimit.Rule
}

// DefaultConfig returns the defaults used when no configuration is given.
func DefaultConfig() Config {
	return Config{
		AuthTimeout: 5 * time.Second,
		PushTimeout: dispatch.DefaultPushTimeout,
		ServerName:  "chat",
		MessageRule: ratelimit.MessageRule(20, 10*time.Second),
	}
}

// Deps are the collaborators shared by all sessions. Limiter, Ledger and
// Publisher are optional.
type Deps struct {
	Verifier   identity.Verifier
	Store      history.Store
	Registry   *presence.Registry
	Dispatcher *dispatch.Dispatcher
	Limiter    Limiter
	Ledger     Ledger
	Publisher  Publisher
	Logger     zerolog.Logger
}

// Session is the state machine for one connection.
type Session struct {
	cfg        Config
	deps       Deps
	transport  Transport
	credential string
	logger     zerolog.Logger

	state     atomic.Int32
	user      identity.User
	closeOnce sync.Once
}

// New creates a session for transport. credential is the token presented in
// the handshake.
func New(cfg Config, deps Deps, transport Transport, credential string) *Session {
	s := &Session{
		cfg:        cfg,
		deps:       deps,
		transport:  transport,
		credential: credential,
		logger:     deps.Logger.With().Str("component", "session").Str("conn", transport.ID()).Logger(),
	}
	s.state.Store(int32(StateConnecting))
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// User returns the authenticated user. It is the zero value before the
// session becomes active.
func (s *Session) User() identity.User {
	return s.user
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// Run authenticates the connection and processes inbound payloads until the
// peer disconnects or ctx is cancelled. It returns nil on an orderly close.
func (s *Session) Run(ctx context.Context) error {
	s.setState(StateAuthenticating)
	s.ledger(func(ctx context.Context, l Ledger) error {
		return l.Create(ctx, s.transport.ID(), s.transport.RemoteAddr())
	})

	user, err := s.authenticate(ctx)
	if err != nil {
		s.rejectAuth(err)
		return err
	}

	s.user = user
	s.logger = s.logger.With().Int64("user", user.ID).Logger()
	s.activate()
	defer s.close(CloseNormal, "")

	for {
		data, err := s.transport.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("session: read: %w", err)
		}
		s.handle(ctx, data)
	}
}

func (s *Session) authenticate(ctx context.Context) (identity.User, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.AuthTimeout)
	defer cancel()

	user, err := s.deps.Verifier.Verify(ctx, s.credential)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return identity.User{}, fmt.Errorf("%w: %w", identity.ErrInvalidCredential, errAuthTimeout)
		}
		return identity.User{}, err
	}
	return user, nil
}

// rejectAuth closes an unauthenticated connection. Nothing was registered.
func (s *Session) rejectAuth(err error) {
	code, reason, result := ClosePolicyViolation, "authentication failed", "rejected"
	switch {
	case errors.Is(err, errAuthTimeout):
		result = "timeout"
		s.logger.Info().Msg("authentication timed out")
	case identity.IsAuthFailure(err):
		s.logger.Info().Err(err).Msg("authentication rejected")
	default:
		code, reason, result = CloseInternalError, "internal error", "error"
		s.logger.Error().Err(err).Msg("credential verification failed")
	}
	metrics.AuthTotal.WithLabelValues(result).Inc()

	s.setState(StateClosed)
	_ = s.transport.Close(code, reason)
	s.ledger(func(ctx context.Context, l Ledger) error {
		return l.Delete(ctx, s.transport.ID())
	})
}

func (s *Session) activate() {
	displaced := s.deps.Registry.Register(s.user.ID, s.transport)
	s.setState(StateActive)
	metrics.AuthTotal.WithLabelValues("ok").Inc()
	metrics.OnlineUsers.Set(float64(s.deps.Registry.Count()))

	if displaced != nil {
		metrics.Displacements.Inc()
		s.logger.Info().Str("displaced", displaced.ID()).Msg("superseding previous connection")
		_ = displaced.Close(CloseSuperseded, "superseded by a newer connection")
	}

	s.ledger(func(ctx context.Context, l Ledger) error {
		return l.Activate(ctx, s.transport.ID(), s.user.ID)
	})
	s.logger.Info().Str("remote", s.transport.RemoteAddr()).Msg("session active")
}

// close runs the Closing -> Closed transition once, whichever path gets
// here first.
func (s *Session) close(code int, reason string) {
	s.closeOnce.Do(func() {
		s.setState(StateClosing)

		s.deps.Registry.Deregister(s.user.ID, s.transport)
		metrics.OnlineUsers.Set(float64(s.deps.Registry.Count()))
		_ = s.transport.Close(code, reason)
		s.ledger(func(ctx context.Context, l Ledger) error {
			return l.Delete(ctx, s.transport.ID())
		})

		s.setState(StateClosed)
		s.logger.Info().Msg("session closed")
	})
}

// handle processes one inbound payload. Every outcome except a successful
// persist is answered on the sender's own connection and keeps the session
// active.
func (s *Session) handle(ctx context.Context, data []byte) {
	in, err := protocol.ParseInbound(data)
	if err != nil {
		s.rejectMalformed(ctx, err)
		return
	}
	if in.IsPing() {
		s.reply(ctx, protocol.Pong)
		return
	}
	if err := chat.ValidateContent(in.Content); err != nil {
		s.rejectMalformed(ctx, protocol.Malformed(err.Error()))
		return
	}

	if s.deps.Limiter != nil {
		d, err := s.deps.Limiter.Allow(ctx, strconv.FormatInt(s.user.ID, 10), s.cfg.MessageRule)
		if err == nil && !d.Allowed {
			metrics.MessagesTotal.WithLabelValues("rate_limited").Inc()
			s.reply(ctx, protocol.NewRateLimited(d.RetryAfterSeconds()))
			return
		}
	}

	msg, err := s.deps.Store.Append(ctx, history.NewMessage{
		SenderID:    s.user.ID,
		RecipientID: in.RecipientID,
		Content:     in.Content,
	})
	switch {
	case errors.Is(err, history.ErrUnknownRecipient):
		s.rejectMalformed(ctx, protocol.Malformed("unknown recipient"))
		return
	case err != nil:
		metrics.MessagesTotal.WithLabelValues("store_error").Inc()
		s.logger.Error().Err(err).Msg("persist message failed")
		s.reply(ctx, protocol.InternalError)
		return
	}
	metrics.MessagesTotal.WithLabelValues("persisted").Inc()

	payload, err := protocol.NewDelivered(msg, s.user.Name)
	if err != nil {
		// The row is stored; it stays reachable through history.
		s.logger.Error().Err(err).Int64("message", msg.ID).Msg("encode delivered payload")
		return
	}

	delivered := 0
	if msg.RecipientID != nil {
		if s.deps.Dispatcher.DeliverUnicast(ctx, *msg.RecipientID, payload) {
			delivered = 1
		}
	} else {
		delivered = s.deps.Dispatcher.DeliverBroadcast(ctx, payload)
	}

	if s.deps.Publisher != nil {
		event := chat.NewMessageCreated(msg, delivered, s.cfg.ServerName)
		if err := s.deps.Publisher.PublishMessageCreated(event); err != nil {
			s.logger.Warn().Err(err).Int64("message", msg.ID).Msg("publish message event")
		}
	}
	s.ledger(func(ctx context.Context, l Ledger) error {
		return l.Touch(ctx, s.transport.ID())
	})
}

func (s *Session) rejectMalformed(ctx context.Context, err error) {
	metrics.MessagesTotal.WithLabelValues("malformed").Inc()
	me, ok := protocol.IsMalformed(err)
	if !ok {
		me = &protocol.MalformedError{Reason: err.Error()}
	}
	s.logger.Debug().Str("reason", me.Reason).Msg("malformed payload")
	s.reply(ctx, protocol.NewMalformedError(me))
}

// reply pushes a payload to this session's own connection with the same
// bound as a dispatch.
func (s *Session) reply(ctx context.Context, payload []byte) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.PushTimeout)
	defer cancel()
	if err := s.transport.Push(ctx, payload); err != nil {
		s.logger.Debug().Err(err).Msg("reply dropped")
	}
}

// ledger runs fn against the optional session ledger. Failures are logged
// and never affect the connection.
func (s *Session) ledger(fn func(ctx context.Context, l Ledger) error) {
	if s.deps.Ledger == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := fn(ctx, s.deps.Ledger); err != nil {
		s.logger.Warn().Err(err).Msg("session ledger update failed")
	}
}
