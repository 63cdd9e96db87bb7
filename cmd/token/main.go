// Command token issues a signed bearer token for a user id. With -sqlite it
// also upserts the user into a local SQLite history database so the token
// resolves during development.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/whisper/messenger/internal/history"
	"github.com/whisper/messenger/internal/identity"
)

const defaultTTL = 24 * time.Hour

func main() {
	_ = godotenv.Load()

	userID := flag.Int64("user", 0, "user id (token subject)")
	name := flag.String("name", "", "display name to seed with -sqlite")
	ttl := flag.Duration("ttl", envTTL(os.Getenv("JWT_TTL")), "token lifetime (default from JWT_TTL)")
	sqlitePath := flag.String("sqlite", "", "SQLite database to seed the user into")
	flag.Parse()

	secret := os.Getenv("JWT_SECRET")
	if secret == "" || *userID <= 0 {
		fmt.Fprintln(os.Stderr, "Usage: JWT_SECRET=... token -user <id> [-ttl 24h] [-sqlite ./data/chat.db -name <name>]")
		os.Exit(1)
	}

	if *sqlitePath != "" {
		if err := seedUser(*sqlitePath, identity.User{ID: *userID, Name: *name}); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to seed user: %v\n", err)
			os.Exit(1)
		}
	}

	token, expiresAt, err := identity.IssueToken(secret, *userID, *ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to issue token: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(token)
	fmt.Fprintf(os.Stderr, "expires: %s\n", expiresAt.UTC().Format(time.RFC3339))
}

// envTTL parses a JWT_TTL value, falling back to 24h when it is unset or
// not a positive duration.
func envTTL(value string) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil || d <= 0 {
		return defaultTTL
	}
	return d
}

func seedUser(path string, user identity.User) error {
	if user.Name == "" {
		user.Name = fmt.Sprintf("user-%d", user.ID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, err := history.OpenSQLite(ctx, path)
	if err != nil {
		return err
	}
	defer store.Close()
	return store.UpsertUser(ctx, user)
}
