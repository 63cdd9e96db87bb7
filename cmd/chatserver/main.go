package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/whisper/messenger/internal/api"
	"github.com/whisper/messenger/internal/chat"
	"github.com/whisper/messenger/internal/config"
	"github.com/whisper/messenger/internal/dispatch"
	"github.com/whisper/messenger/internal/history"
	"github.com/whisper/messenger/internal/identity"
	"github.com/whisper/messenger/internal/logging"
	"github.com/whisper/messenger/internal/messaging"
	"github.com/whisper/messenger/internal/presence"
	"github.com/whisper/messenger/internal/ratelimit"
	"github.com/whisper/messenger/internal/session"
	"github.com/whisper/messenger/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		l := logging.New(true, "info")
		l.Fatal().Err(err).Msg("invalid configuration")
	}
	logger := logging.New(cfg.IsDevelopment(), cfg.LogLevel).
		With().Str("server", cfg.ServerName).Logger()

	// --- History store ---
	store, err := openStore(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.DBDriver).Msg("failed to open history store")
	}
	defer store.Close()

	registry := presence.NewRegistry()
	verifier := identity.NewJWTVerifier(cfg.JWTSecret, store)

	deps := session.Deps{
		Verifier:   verifier,
		Store:      store,
		Registry:   registry,
		Dispatcher: dispatch.New(registry, cfg.PushTimeout, logger),
		Logger:     logger,
	}

	// --- Redis (optional): rate limits + session ledger ---
	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := redisClient.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			logger.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("failed to connect to Redis")
		}
		deps.Limiter = ratelimit.NewLimiter(redisClient, logger)
		deps.Ledger = session.NewStoreWithClient(redisClient, cfg.ServerName)
	}

	// --- NATS (optional): message events ---
	var natsClient *messaging.NATSClient
	if cfg.NATSURL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATSURL
		natsConfig.Name = "chat-" + cfg.ServerName
		natsClient, err = messaging.NewNATSClient(natsConfig, logger)
		if err != nil {
			logger.Fatal().Err(err).Str("url", cfg.NATSURL).Msg("failed to connect to NATS")
		}
		deps.Publisher = natsClient
		watchPeerEvents(natsClient, cfg.ServerName, logger)
	}

	sessionCfg := session.DefaultConfig()
	sessionCfg.AuthTimeout = cfg.AuthTimeout
	sessionCfg.PushTimeout = cfg.PushTimeout
	sessionCfg.ServerName = cfg.ServerName
	sessionCfg.MessageRule = ratelimit.MessageRule(cfg.MessageRateLimit, cfg.MessageRateWindow)

	serverCfg := ws.DefaultServerConfig()
	serverCfg.MaxConnections = cfg.MaxConnections
	serverCfg.Conn.WriteTimeout = cfg.WriteTimeout
	serverCfg.Conn.IdleTimeout = cfg.IdleTimeout
	serverCfg.Conn.OutboundBuffer = cfg.OutboundBuffer
	serverCfg.Conn.MaxFrameBytes = cfg.MaxFrameBytes

	gateway := ws.NewServer(serverCfg, sessionCfg, deps)
	gateway.Start()

	router := api.NewRouter(api.Deps{
		Logger:         logger,
		Verifier:       verifier,
		Chat:           chat.NewService(store, registry, logger),
		Gateway:        gateway,
		Stats:          gateway,
		Store:          store,
		AllowedOrigins: cfg.CORSAllowedOrigins,
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info().
		Str("listen_addr", cfg.ListenAddr).
		Str("db_driver", cfg.DBDriver).
		Int("max_connections", cfg.MaxConnections).
		Bool("redis", redisClient != nil).
		Bool("nats", natsClient != nil).
		Msg("chat server starting")

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server error")
		}
	}()

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("initiating graceful shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := gateway.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("websocket shutdown incomplete")
	}
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown error")
	}
	if natsClient != nil {
		natsClient.Close()
	}
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			logger.Warn().Err(err).Msg("redis close error")
		}
	}
	logger.Info().Msg("chat server stopped")
}

func openStore(cfg *config.Config, logger zerolog.Logger) (*history.SQLStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if cfg.DBDriver == config.DriverSQLite {
		return history.OpenSQLite(ctx, cfg.SQLitePath)
	}

	if cfg.MigrateOnStart {
		if err := history.RunMigrations(logger, cfg.DatabaseURL, "up", nil); err != nil {
			return nil, err
		}
	}
	return history.OpenPostgres(ctx, cfg.DatabaseURL)
}

// watchPeerEvents logs messages persisted by other chat servers sharing the
// NATS cluster.
func watchPeerEvents(client *messaging.NATSClient, serverName string, logger zerolog.Logger) {
	err := client.Subscribe(messaging.SubjectMessageCreated, func(data []byte) {
		var event chat.MessageCreated
		if err := json.Unmarshal(data, &event); err != nil {
			logger.Warn().Err(err).Msg("malformed message event")
			return
		}
		if event.Server == serverName {
			return
		}
		logger.Debug().Int64("message", event.ID).Str("origin", event.Server).
			Int("delivered", event.Delivered).Msg("peer message event")
	})
	if err != nil {
		logger.Warn().Err(err).Msg("subscribe to message events failed")
	}
}
