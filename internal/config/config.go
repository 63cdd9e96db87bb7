// Package config loads service configuration from the environment. A .env
// file in the working directory is read first when present.
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Storage drivers accepted by DB_DRIVER.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config holds all configuration for the chat server.
type Config struct {
	AppEnv   string
	LogLevel string

	ListenAddr string
	ServerName string

	DBDriver       string
	DatabaseURL    string
	SQLitePath     string
	MigrateOnStart bool

	JWTSecret string

	RedisAddr string // empty disables rate limiting and the session ledger
	NATSURL   string // empty disables event publication

	MaxConnections int
	AuthTimeout    time.Duration
	PushTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	OutboundBuffer int
	MaxFrameBytes  int64

	MessageRateLimit  int
	MessageRateWindow time.Duration

	CORSAllowedOrigins []string
}

// Load reads configuration from environment variables. JWT_SECRET is the
// only required key.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}

	secret, ok := os.LookupEnv("JWT_SECRET")
	if !ok || strings.TrimSpace(secret) == "" {
		return nil, fmt.Errorf("config: JWT_SECRET is required")
	}

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "chat-1"
	}

	cfg := &Config{
		AppEnv:   normalizeEnv(getEnv("APP_ENV", "production")),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		ListenAddr: getEnv("LISTEN_ADDR", ":8080"),
		ServerName: getEnv("SERVER_NAME", hostname),

		DBDriver:       strings.ToLower(getEnv("DB_DRIVER", DriverPostgres)),
		DatabaseURL:    getEnv("DATABASE_URL", ""),
		SQLitePath:     getEnv("SQLITE_PATH", "./data/chat.db"),
		MigrateOnStart: getEnvBool("MIGRATE_ON_START", false),

		JWTSecret: secret,

		RedisAddr: getEnv("REDIS_ADDR", ""),
		NATSURL:   getEnv("NATS_URL", ""),

		MaxConnections: getEnvInt("MAX_CONNECTIONS", 100000),
		AuthTimeout:    getEnvDuration("AUTH_TIMEOUT", 5*time.Second),
		PushTimeout:    getEnvDuration("PUSH_TIMEOUT", 250*time.Millisecond),
		WriteTimeout:   getEnvDuration("WRITE_TIMEOUT", 10*time.Second),
		IdleTimeout:    getEnvDuration("IDLE_TIMEOUT", 60*time.Second),
		OutboundBuffer: getEnvInt("OUTBOUND_BUFFER", 64),
		MaxFrameBytes:  int64(getEnvInt("MAX_FRAME_BYTES", 16*1024)),

		MessageRateLimit:  getEnvInt("MESSAGE_RATE_LIMIT", 20),
		MessageRateWindow: getEnvDuration("MESSAGE_RATE_WINDOW", 10*time.Second),

		CORSAllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS", []string{"*"}),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.DBDriver {
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("config: DATABASE_URL is required for driver %q", c.DBDriver)
		}
	case DriverSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("config: SQLITE_PATH is required for driver %q", c.DBDriver)
		}
	default:
		return fmt.Errorf("config: unsupported DB_DRIVER %q", c.DBDriver)
	}
	if c.OutboundBuffer <= 0 {
		return fmt.Errorf("config: OUTBOUND_BUFFER must be positive")
	}
	if c.MessageRateLimit < 1 {
		return fmt.Errorf("config: MESSAGE_RATE_LIMIT must be at least 1")
	}
	return nil
}

// IsDevelopment reports whether the service runs in development mode.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func getEnvBool(key string, fallback bool) bool {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return fallback
	}

	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvList(key string, fallback []string) []string {
	value, exists := os.LookupEnv(key)
	if !exists || strings.TrimSpace(value) == "" {
		return fallback
	}
	var out []string
	for _, entry := range strings.Split(value, ",") {
		entry = strings.TrimSpace(entry)
		if entry != "" {
			out = append(out, entry)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

func normalizeEnv(value string) string {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "dev", "develop", "development", "local":
		return "development"
	case "prod", "production":
		return "production"
	case "stage", "staging":
		return "staging"
	case "test", "testing":
		return "test"
	default:
		return strings.ToLower(strings.TrimSpace(value))
	}
}
