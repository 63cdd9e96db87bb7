package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/whisper/messenger/internal/config"
)

// ---------------------------------------------------------------------------
// openStore
// ---------------------------------------------------------------------------

func TestOpenStore_SQLite(t *testing.T) {
	cfg := &config.Config{
		DBDriver:   config.DriverSQLite,
		SQLitePath: filepath.Join(t.TempDir(), "chat.db"),
	}

	store, err := openStore(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("openStore() error: %v", err)
	}
	defer store.Close()
}

func TestOpenStore_SQLiteBadPath(t *testing.T) {
	file := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(file, nil, 0o644); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}
	cfg := &config.Config{
		DBDriver:   config.DriverSQLite,
		SQLitePath: filepath.Join(file, "chat.db"),
	}

	store, err := openStore(cfg, zerolog.Nop())
	if err == nil {
		store.Close()
		t.Fatal("expected error for unreachable sqlite path")
	}
}
