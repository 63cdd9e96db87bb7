package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/whisper/messenger/internal/identity"
	"github.com/whisper/messenger/internal/metrics"
)

// Dialect selects placeholder syntax for the underlying driver.
type Dialect int

const (
	DialectPostgres Dialect = iota
	DialectSQLite
)

// SQLStore implements Store on database/sql. Queries are written with
// Postgres-style $N placeholders and rebound for SQLite.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLStore wraps an open database handle.
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

const insertMessageSQL = `
INSERT INTO chat_messages (sender_id, recipient_id, content)
SELECT CAST($1 AS BIGINT), CAST($2 AS BIGINT), CAST($3 AS TEXT)
WHERE CAST($2 AS BIGINT) IS NULL
   OR EXISTS (SELECT 1 FROM users WHERE id = CAST($2 AS BIGINT))
RETURNING id, sender_id, recipient_id, content, is_read, created_at`

// Append inserts the message in a single statement that only succeeds when
// the recipient exists, so no row is written for an unknown recipient.
func (s *SQLStore) Append(ctx context.Context, msg NewMessage) (Message, error) {
	defer observe("append", time.Now())

	var recipient any
	if msg.RecipientID != nil {
		recipient = *msg.RecipientID
	}

	row := s.db.QueryRowContext(ctx, s.rebind(insertMessageSQL), msg.SenderID, recipient, msg.Content)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, ErrUnknownRecipient
	}
	if err != nil {
		return Message{}, &StoreError{Op: "append", Err: err}
	}
	return m, nil
}

const listBetweenSQL = `
SELECT id, sender_id, recipient_id, content, is_read, created_at
FROM chat_messages
WHERE (sender_id = $1 AND recipient_id = $2)
   OR (sender_id = $2 AND recipient_id = $1)
ORDER BY created_at DESC, id DESC
LIMIT $3 OFFSET $4`

// ListBetween returns one page of the direct history between a and b,
// newest first.
func (s *SQLStore) ListBetween(ctx context.Context, a, b int64, limit, offset int) ([]Message, error) {
	defer observe("list", time.Now())

	rows, err := s.db.QueryContext(ctx, s.rebind(listBetweenSQL), a, b, limit, offset)
	if err != nil {
		return nil, &StoreError{Op: "list", Err: err}
	}
	defer rows.Close()

	messages := make([]Message, 0, limit)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, &StoreError{Op: "list", Err: err}
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, &StoreError{Op: "list", Err: err}
	}
	return messages, nil
}

const markReadSQL = `
UPDATE chat_messages SET is_read = TRUE
WHERE sender_id = $1 AND recipient_id = $2 AND is_read = FALSE`

// MarkRead flips unread messages from senderID to recipientID. Rows that are
// already read are not touched, so repeated calls report zero.
func (s *SQLStore) MarkRead(ctx context.Context, recipientID, senderID int64) (int64, error) {
	defer observe("mark_read", time.Now())

	res, err := s.db.ExecContext(ctx, s.rebind(markReadSQL), senderID, recipientID)
	if err != nil {
		return 0, &StoreError{Op: "mark read", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, &StoreError{Op: "mark read", Err: err}
	}
	return n, nil
}

const conversationsSQL = `
WITH involved AS (
    SELECT id, content, created_at, sender_id, recipient_id, is_read,
           CASE WHEN sender_id = $1 THEN recipient_id ELSE sender_id END AS partner_id
    FROM chat_messages
    WHERE recipient_id IS NOT NULL
      AND (sender_id = $1 OR recipient_id = $1)
),
ranked AS (
    SELECT id, content, created_at, partner_id,
           ROW_NUMBER() OVER (PARTITION BY partner_id ORDER BY created_at DESC, id DESC) AS rn,
           SUM(CASE WHEN recipient_id = $1 AND is_read = FALSE THEN 1 ELSE 0 END)
               OVER (PARTITION BY partner_id) AS unread
    FROM involved
)
SELECT r.partner_id, u.full_name, r.id, r.content, r.created_at, r.unread
FROM ranked r
JOIN users u ON u.id = r.partner_id
WHERE r.rn = 1
ORDER BY r.created_at DESC, r.id DESC`

// Conversations returns the latest direct message per partner with the
// partner's unread count. Partners without a users row are dropped by the
// join.
func (s *SQLStore) Conversations(ctx context.Context, userID int64) ([]ConversationRow, error) {
	defer observe("conversations", time.Now())

	rows, err := s.db.QueryContext(ctx, s.rebind(conversationsSQL), userID)
	if err != nil {
		return nil, &StoreError{Op: "conversations", Err: err}
	}
	defer rows.Close()

	var out []ConversationRow
	for rows.Next() {
		var (
			c      ConversationRow
			at     timestamp
			unread int64
		)
		if err := rows.Scan(&c.PartnerID, &c.PartnerName, &c.LastMessageID, &c.LastMessage, &at, &unread); err != nil {
			return nil, &StoreError{Op: "conversations", Err: err}
		}
		c.LastMessageTime = at.Time
		c.UnreadCount = int(unread)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, &StoreError{Op: "conversations", Err: err}
	}
	return out, nil
}

// LookupUser resolves a user id against the users table.
func (s *SQLStore) LookupUser(ctx context.Context, id int64) (identity.User, error) {
	defer observe("lookup_user", time.Now())

	var u identity.User
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT id, full_name FROM users WHERE id = $1`), id).
		Scan(&u.ID, &u.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return identity.User{}, identity.ErrUnknownUser
	}
	if err != nil {
		return identity.User{}, &StoreError{Op: "lookup user", Err: err}
	}
	return u, nil
}

const upsertUserSQL = `
INSERT INTO users (id, full_name) VALUES ($1, $2)
ON CONFLICT (id) DO UPDATE SET full_name = excluded.full_name`

// UpsertUser writes a users row. The platform owns that table in
// production; this is used to seed development databases.
func (s *SQLStore) UpsertUser(ctx context.Context, u identity.User) error {
	if _, err := s.db.ExecContext(ctx, s.rebind(upsertUserSQL), u.ID, u.Name); err != nil {
		return &StoreError{Op: "upsert user", Err: err}
	}
	return nil
}

// Ping checks database connectivity.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database handle.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// DB returns the underlying handle.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (Message, error) {
	var (
		m         Message
		recipient sql.NullInt64
		at        timestamp
	)
	if err := row.Scan(&m.ID, &m.SenderID, &recipient, &m.Content, &m.IsRead, &at); err != nil {
		return Message{}, err
	}
	if recipient.Valid {
		id := recipient.Int64
		m.RecipientID = &id
	}
	m.CreatedAt = at.Time
	return m, nil
}

// rebind rewrites $N placeholders as ?N for SQLite.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectSQLite {
		return query
	}
	var b strings.Builder
	b.Grow(len(query))
	for i := 0; i < len(query); i++ {
		if query[i] == '$' && i+1 < len(query) && query[i+1] >= '0' && query[i+1] <= '9' {
			b.WriteByte('?')
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// timestamp scans created_at from drivers that return time.Time (lib/pq)
// or text (SQLite).
type timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
}

func (t *timestamp) Scan(src any) error {
	switch v := src.(type) {
	case time.Time:
		t.Time = v.UTC()
		return nil
	case string:
		return t.parse(v)
	case []byte:
		return t.parse(string(v))
	case int64:
		t.Time = time.Unix(v, 0).UTC()
		return nil
	case nil:
		t.Time = time.Time{}
		return nil
	default:
		return fmt.Errorf("history: cannot scan %T into timestamp", src)
	}
}

func (t *timestamp) parse(s string) error {
	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		t.Time = time.Unix(secs, 0).UTC()
		return nil
	}
	return fmt.Errorf("history: unrecognised timestamp %q", s)
}

func observe(op string, start time.Time) {
	metrics.StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
