package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// OpenPostgres connects to Postgres through lib/pq. The schema is managed by
// migrations (see RunMigrations).
func OpenPostgres(ctx context.Context, dsn string) (*SQLStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("history: open postgres: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)
	db.SetConnMaxIdleTime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: ping postgres: %w", err)
	}
	return NewSQLStore(db, DialectPostgres), nil
}

// OpenSQLite opens (creating if needed) a SQLite database file and
// initialises its schema.
func OpenSQLite(ctx context.Context, path string) (*SQLStore, error) {
	if path == "" {
		path = "./data/chat.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("history: create sqlite dir: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("history: open sqlite: %w", err)
	}
	// SQLite allows one writer; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: ping sqlite: %w", err)
	}

	s := NewSQLStore(db, DialectSQLite)
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: init sqlite schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id        INTEGER PRIMARY KEY,
		full_name TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS chat_messages (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		sender_id    INTEGER NOT NULL REFERENCES users(id),
		recipient_id INTEGER REFERENCES users(id),
		content      TEXT NOT NULL,
		is_read      INTEGER NOT NULL DEFAULT 0,
		created_at   TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
	);

	CREATE INDEX IF NOT EXISTS idx_chat_messages_pair
		ON chat_messages (sender_id, recipient_id, created_at DESC, id DESC);
	CREATE INDEX IF NOT EXISTS idx_chat_messages_unread
		ON chat_messages (recipient_id, sender_id) WHERE is_read = 0;
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
