// Package history is the durable message log: it appends chat messages,
// pages through the history between two users, flips read flags and
// aggregates per-partner conversation rows. Postgres and SQLite share one
// SQL implementation.
package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/whisper/messenger/internal/identity"
)

// ErrUnknownRecipient is returned by Append when the recipient id does not
// name an existing user. Nothing is persisted in that case.
var ErrUnknownRecipient = errors.New("history: unknown recipient")

// Message is one persisted chat message. RecipientID is nil for broadcasts.
// Only IsRead ever changes after insertion, and only from false to true.
type Message struct {
	ID          int64
	SenderID    int64
	RecipientID *int64
	Content     string
	IsRead      bool
	CreatedAt   time.Time
}

// IsBroadcast reports whether the message was addressed to everyone.
func (m Message) IsBroadcast() bool {
	return m.RecipientID == nil
}

// NewMessage is the input to Append. The store assigns id, read flag and
// timestamp.
type NewMessage struct {
	SenderID    int64
	RecipientID *int64
	Content     string
}

// ConversationRow is the latest direct message exchanged with one partner
// plus the number of unread messages that partner sent to the user.
type ConversationRow struct {
	PartnerID       int64
	PartnerName     string
	LastMessageID   int64
	LastMessage     string
	LastMessageTime time.Time
	UnreadCount     int
}

// Store is the durable message log consumed by the session and the query
// service.
type Store interface {
	identity.Directory

	// Append persists a message and returns the stored row.
	Append(ctx context.Context, msg NewMessage) (Message, error)

	// ListBetween returns direct messages exchanged between a and b in either
	// direction, newest first.
	ListBetween(ctx context.Context, a, b int64, limit, offset int) ([]Message, error)

	// MarkRead sets is_read on every unread message from sender to recipient
	// and returns the number of rows it changed.
	MarkRead(ctx context.Context, recipientID, senderID int64) (int64, error)

	// Conversations returns one row per direct-message partner of userID,
	// most recent first. Broadcasts are excluded.
	Conversations(ctx context.Context, userID int64) ([]ConversationRow, error)
}

// StoreError wraps a driver failure with the operation that hit it.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("history: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// IsStoreFailure reports whether err is an infrastructure failure of the
// store rather than a domain outcome such as ErrUnknownRecipient.
func IsStoreFailure(err error) bool {
	var se *StoreError
	return errors.As(err, &se)
}
