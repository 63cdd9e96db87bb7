// Package api wires the HTTP surface of the chat server: the WebSocket
// endpoint, the authenticated history and conversation queries, health and
// Prometheus metrics.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/whisper/messenger/internal/chat"
	"github.com/whisper/messenger/internal/identity"
	"github.com/whisper/messenger/internal/metrics"
)

// Stats reports live connection figures for the health endpoint.
type Stats interface {
	ConnectionCount() int
	OnlineUsers() int
	Uptime() time.Duration
}

// Pinger checks that a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators of the router. Stats and Store are optional.
type Deps struct {
	Logger         zerolog.Logger
	Verifier       identity.Verifier
	Chat           *chat.Service
	Gateway        http.Handler // WebSocket upgrade handler for /chat/ws
	Stats          Stats
	Store          Pinger
	AllowedOrigins []string
}

// NewRouter creates and configures the HTTP router.
func NewRouter(deps Deps) *chi.Mux {
	logger := deps.Logger.With().Str("component", "api").Logger()
	deps.Logger = logger

	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(RequestLogger(logger))
	r.Use(chimw.Recoverer)

	origins := deps.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	h := newHandler(deps)

	r.Handle("/metrics", metrics.Handler())
	r.Get("/health", h.Health)

	r.Route("/chat", func(r chi.Router) {
		if deps.Gateway != nil {
			r.Handle("/ws", deps.Gateway)
		}

		r.Group(func(r chi.Router) {
			r.Use(RequireAuth(deps.Verifier, logger))

			r.Get("/history/{other_user_id}", h.History)
			r.Get("/conversations", h.Conversations)
		})
	})

	return r
}
