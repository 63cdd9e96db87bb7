package config

import (
	"testing"
	"time"
)

func TestLoad_RequiresSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected error when JWT_SECRET is empty")
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("APP_ENV", "dev")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Errorf("expected default listen addr, got %q", cfg.ListenAddr)
	}
	if !cfg.IsDevelopment() {
		t.Errorf("expected development env, got %q", cfg.AppEnv)
	}
	if cfg.AuthTimeout != 5*time.Second {
		t.Errorf("expected 5s auth timeout, got %s", cfg.AuthTimeout)
	}
	if cfg.OutboundBuffer != 64 {
		t.Errorf("expected outbound buffer 64, got %d", cfg.OutboundBuffer)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("DB_DRIVER", "postgres")
	t.Setenv("DATABASE_URL", "postgres://localhost/chat?sslmode=disable")
	t.Setenv("PUSH_TIMEOUT", "1s")
	t.Setenv("MAX_CONNECTIONS", "42")
	t.Setenv("MIGRATE_ON_START", "yes")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.PushTimeout != time.Second {
		t.Errorf("expected 1s push timeout, got %s", cfg.PushTimeout)
	}
	if cfg.MaxConnections != 42 {
		t.Errorf("expected 42 max connections, got %d", cfg.MaxConnections)
	}
	if !cfg.MigrateOnStart {
		t.Error("expected MigrateOnStart=true")
	}
	if len(cfg.CORSAllowedOrigins) != 2 || cfg.CORSAllowedOrigins[1] != "https://b.example" {
		t.Errorf("unexpected CORS origins: %v", cfg.CORSAllowedOrigins)
	}
}

func TestLoad_PostgresNeedsURL(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("DB_DRIVER", "postgres")
	t.Setenv("DATABASE_URL", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for postgres without DATABASE_URL")
	}
}

func TestLoad_UnknownDriver(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("DB_DRIVER", "mongo")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}

func TestLoad_ZeroMessageRateLimitRejected(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("MESSAGE_RATE_LIMIT", "0")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for MESSAGE_RATE_LIMIT=0")
	}
}

func TestLoad_MessageRateLimit(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("MESSAGE_RATE_LIMIT", "1")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.MessageRateLimit != 1 {
		t.Errorf("expected rate limit 1, got %d", cfg.MessageRateLimit)
	}
}
