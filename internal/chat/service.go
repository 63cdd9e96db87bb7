// Package chat holds the read side of the chat service: history paging, read
// receipts and per-partner conversation summaries, plus the content rules
// shared with the live connection path.
package chat

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/whisper/messenger/internal/history"
)

// Page size bounds for history queries.
const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 100
)

// Presence reports whether a user is connected right now.
type Presence interface {
	IsOnline(userID int64) bool
}

// ConversationSummary describes the latest exchange with one partner.
// IsOnline is read from presence at query time and never stored.
type ConversationSummary struct {
	PartnerID       int64
	PartnerName     string
	LastMessage     string
	LastMessageTime time.Time
	UnreadCount     int
	IsOnline        bool
}

// Service answers history and conversation queries.
type Service struct {
	store    history.Store
	presence Presence
	logger   zerolog.Logger
}

// NewService creates a Service over the given store and presence source.
func NewService(store history.Store, presence Presence, logger zerolog.Logger) *Service {
	return &Service{
		store:    store,
		presence: presence,
		logger:   logger.With().Str("component", "chat").Logger(),
	}
}

// ClampPage bounds limit to [1, MaxHistoryLimit] and offset to >= 0.
func ClampPage(limit, offset int) (int, int) {
	if limit < 1 {
		limit = 1
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// History returns one page of the direct messages between userA and userB
// in chronological order. Offset counts back from the newest message.
func (s *Service) History(ctx context.Context, userA, userB int64, limit, offset int) ([]history.Message, error) {
	limit, offset = ClampPage(limit, offset)

	msgs, err := s.store.ListBetween(ctx, userA, userB, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("chat: history %d/%d: %w", userA, userB, err)
	}

	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// MarkRead marks every unread message from senderID to recipientID as read.
// Calling it again changes nothing.
func (s *Service) MarkRead(ctx context.Context, recipientID, senderID int64) (int64, error) {
	n, err := s.store.MarkRead(ctx, recipientID, senderID)
	if err != nil {
		return 0, fmt.Errorf("chat: mark read %d<-%d: %w", recipientID, senderID, err)
	}
	return n, nil
}

// ReadHistory is History followed by MarkRead on behalf of userID: fetching
// a conversation acknowledges everything otherID sent. The returned page
// reflects the new read state.
func (s *Service) ReadHistory(ctx context.Context, userID, otherID int64, limit, offset int) ([]history.Message, error) {
	msgs, err := s.History(ctx, userID, otherID, limit, offset)
	if err != nil {
		return nil, err
	}

	n, err := s.MarkRead(ctx, userID, otherID)
	if err != nil {
		return nil, err
	}
	if n > 0 {
		s.logger.Debug().Int64("user", userID).Int64("partner", otherID).Int64("marked", n).
			Msg("messages marked read")
	}

	for i := range msgs {
		if msgs[i].SenderID == otherID && msgs[i].RecipientID != nil && *msgs[i].RecipientID == userID {
			msgs[i].IsRead = true
		}
	}
	return msgs, nil
}

// Conversations lists userID's direct-message partners, most recent first,
// each with its unread count and current online state.
func (s *Service) Conversations(ctx context.Context, userID int64) ([]ConversationSummary, error) {
	rows, err := s.store.Conversations(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("chat: conversations for %d: %w", userID, err)
	}

	out := make([]ConversationSummary, 0, len(rows))
	for _, r := range rows {
		out = append(out, ConversationSummary{
			PartnerID:       r.PartnerID,
			PartnerName:     r.PartnerName,
			LastMessage:     r.LastMessage,
			LastMessageTime: r.LastMessageTime,
			UnreadCount:     r.UnreadCount,
			IsOnline:        s.presence.IsOnline(r.PartnerID),
		})
	}
	return out, nil
}
