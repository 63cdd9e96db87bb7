package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/whisper/messenger/internal/history"
	"github.com/whisper/messenger/internal/identity"
)

// ---------------------------------------------------------------------------
// envTTL
// ---------------------------------------------------------------------------

func TestEnvTTL(t *testing.T) {
	tests := []struct {
		value string
		want  time.Duration
	}{
		{"", defaultTTL},
		{"1h", time.Hour},
		{" 90m ", 90 * time.Minute},
		{"soon", defaultTTL},
		{"0s", defaultTTL},
		{"-5m", defaultTTL},
	}
	for _, tt := range tests {
		if got := envTTL(tt.value); got != tt.want {
			t.Errorf("envTTL(%q) = %s, want %s", tt.value, got, tt.want)
		}
	}
}

// ---------------------------------------------------------------------------
// seedUser
// ---------------------------------------------------------------------------

func TestSeedUser_DefaultName(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chat.db")
	if err := seedUser(path, identity.User{ID: 7}); err != nil {
		t.Fatalf("seedUser() error: %v", err)
	}

	store, err := history.OpenSQLite(context.Background(), path)
	if err != nil {
		t.Fatalf("OpenSQLite() error: %v", err)
	}
	defer store.Close()

	user, err := store.LookupUser(context.Background(), 7)
	if err != nil {
		t.Fatalf("GetUser() error: %v", err)
	}
	if user.Name != "user-7" {
		t.Errorf("expected name user-7, got %q", user.Name)
	}
}
