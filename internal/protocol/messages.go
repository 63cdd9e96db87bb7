// Package protocol defines the JSON payloads exchanged over the chat
// WebSocket. Clients send a message object with optional recipient; the
// server answers with delivered messages, error objects and pongs.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/whisper/messenger/internal/history"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server types. An inbound payload without a type is a message.
const (
	TypeMessage = "message"
	TypePing    = "ping"
)

// Server -> Client types.
const (
	TypePong = "pong"
)

// TimeFormat renders created_at as RFC 3339 in UTC with millisecond
// precision.
const TimeFormat = "2006-01-02T15:04:05.000Z07:00"

// ---------------------------------------------------------------------------
// Errors
// ---------------------------------------------------------------------------

// MalformedError reports an inbound payload that cannot be processed. It is
// recoverable: the connection stays open.
type MalformedError struct {
	Reason string
}

func (e *MalformedError) Error() string {
	return "protocol: malformed message: " + e.Reason
}

// Malformed builds a MalformedError.
func Malformed(reason string) error {
	return &MalformedError{Reason: reason}
}

// IsMalformed reports whether err is a MalformedError and returns it.
func IsMalformed(err error) (*MalformedError, bool) {
	var me *MalformedError
	if errors.As(err, &me) {
		return me, true
	}
	return nil, false
}

// ---------------------------------------------------------------------------
// Client -> Server
// ---------------------------------------------------------------------------

// Inbound is a parsed client payload. RecipientID is nil for broadcasts.
type Inbound struct {
	Type        string `json:"type,omitempty"`
	Content     string `json:"content"`
	RecipientID *int64 `json:"recipient_id,omitempty"`
}

// IsPing reports whether the payload is a keepalive.
func (in Inbound) IsPing() bool {
	return in.Type == TypePing
}

// ParseInbound decodes a client payload and checks its structure. Content
// rules are applied by the caller.
func ParseInbound(data []byte) (Inbound, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Inbound{}, Malformed("expected a JSON object")
	}

	var in Inbound
	if err := json.Unmarshal(trimmed, &in); err != nil {
		return Inbound{}, Malformed("invalid JSON")
	}

	switch in.Type {
	case "":
		in.Type = TypeMessage
	case TypeMessage, TypePing:
	default:
		return Inbound{}, Malformed(fmt.Sprintf("unsupported message type %q", in.Type))
	}

	if in.Type == TypeMessage && in.RecipientID != nil && *in.RecipientID <= 0 {
		return Inbound{}, Malformed("recipient_id must be a positive integer")
	}
	return in, nil
}

// ---------------------------------------------------------------------------
// Server -> Client
// ---------------------------------------------------------------------------

// Delivered is the payload pushed to recipients of a persisted message.
type Delivered struct {
	ID          int64  `json:"id"`
	SenderID    int64  `json:"sender_id"`
	SenderName  string `json:"sender_name"`
	Content     string `json:"content"`
	RecipientID *int64 `json:"recipient_id,omitempty"`
	CreatedAt   string `json:"created_at"`
}

// NewDelivered builds the delivered payload from the stored row, so id and
// created_at are the ones the store assigned.
func NewDelivered(m history.Message, senderName string) ([]byte, error) {
	data, err := json.Marshal(Delivered{
		ID:          m.ID,
		SenderID:    m.SenderID,
		SenderName:  senderName,
		Content:     m.Content,
		RecipientID: m.RecipientID,
		CreatedAt:   m.CreatedAt.UTC().Format(TimeFormat),
	})
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal delivered: %w", err)
	}
	return data, nil
}

// ErrorPayload is sent to the client when a payload is rejected.
type ErrorPayload struct {
	Error      string `json:"error"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

// NewError encodes an error reply.
func NewError(message string) []byte {
	data, _ := json.Marshal(ErrorPayload{Error: message})
	return data
}

// NewMalformedError encodes the reply for a MalformedError.
func NewMalformedError(err *MalformedError) []byte {
	return NewError("invalid message format: " + err.Reason)
}

// NewRateLimited encodes the reply for a rate-limited sender.
func NewRateLimited(retryAfterSeconds int) []byte {
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	data, _ := json.Marshal(ErrorPayload{Error: "rate limit exceeded", RetryAfter: retryAfterSeconds})
	return data
}

// Pong is the keepalive reply.
var Pong = []byte(`{"type":"pong"}`)

// InternalError is the generic reply for store failures.
var InternalError = NewError("internal server error")
