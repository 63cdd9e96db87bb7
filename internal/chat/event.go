package chat

import (
	"time"

	"github.com/whisper/messenger/internal/history"
)

// MessageCreated is the event published after a message has been persisted
// and dispatched, for consumers outside the delivery path.
type MessageCreated struct {
	ID          int64     `json:"id"`
	SenderID    int64     `json:"sender_id"`
	RecipientID *int64    `json:"recipient_id,omitempty"`
	Content     string    `json:"content"`
	CreatedAt   time.Time `json:"created_at"`
	Delivered   int       `json:"delivered"` // live connections reached
	Server      string    `json:"server"`
}

// NewMessageCreated builds the event for a stored message.
func NewMessageCreated(m history.Message, delivered int, server string) MessageCreated {
	return MessageCreated{
		ID:          m.ID,
		SenderID:    m.SenderID,
		RecipientID: m.RecipientID,
		Content:     m.Content,
		CreatedAt:   m.CreatedAt.UTC(),
		Delivered:   delivered,
		Server:      server,
	}
}
