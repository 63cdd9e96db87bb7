package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/whisper/messenger/internal/chat"
	"github.com/whisper/messenger/internal/history"
	"github.com/whisper/messenger/internal/protocol"
)

// MessageResponse is one history item.
type MessageResponse struct {
	ID          int64  `json:"id"`
	SenderID    int64  `json:"sender_id"`
	RecipientID *int64 `json:"recipient_id"`
	Content     string `json:"content"`
	IsRead      bool   `json:"is_read"`
	CreatedAt   string `json:"created_at"`
}

// ConversationResponse is one conversation list item.
type ConversationResponse struct {
	UserID          int64  `json:"user_id"`
	FullName        string `json:"full_name"`
	LastMessage     string `json:"last_message"`
	LastMessageTime string `json:"last_message_time"`
	UnreadCount     int    `json:"unread_count"`
	IsOnline        bool   `json:"is_online"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status      string `json:"status"` // "healthy" or "degraded"
	Connections int    `json:"connections"`
	OnlineUsers int    `json:"online_users"`
	Uptime      string `json:"uptime"`
}

// Handler serves the HTTP query surface.
type Handler struct {
	chat    *chat.Service
	stats   Stats
	store   Pinger
	logger  zerolog.Logger
	started time.Time
}

func newHandler(deps Deps) *Handler {
	return &Handler{
		chat:    deps.Chat,
		stats:   deps.Stats,
		store:   deps.Store,
		logger:  deps.Logger,
		started: time.Now(),
	}
}

// History handles GET /chat/history/{other_user_id}. It returns one page of
// the conversation in chronological order and marks the partner's messages
// to the caller as read.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	otherID, err := strconv.ParseInt(chi.URLParam(r, "other_user_id"), 10, 64)
	if err != nil || otherID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}

	limit, ok := queryInt(r, "limit", chat.DefaultHistoryLimit)
	if !ok || limit < 1 || limit > chat.MaxHistoryLimit {
		writeError(w, http.StatusBadRequest, "limit must be between 1 and 100")
		return
	}
	offset, ok := queryInt(r, "offset", 0)
	if !ok || offset < 0 {
		writeError(w, http.StatusBadRequest, "offset must be non-negative")
		return
	}

	messages, err := h.chat.ReadHistory(r.Context(), user.ID, otherID, limit, offset)
	if err != nil {
		h.logger.Error().Err(err).Int64("user", user.ID).Int64("other", otherID).Msg("history query failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	resp := make([]MessageResponse, 0, len(messages))
	for _, m := range messages {
		resp = append(resp, newMessageResponse(m))
	}
	writeJSON(w, http.StatusOK, resp)
}

// Conversations handles GET /chat/conversations.
func (h *Handler) Conversations(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	summaries, err := h.chat.Conversations(r.Context(), user.ID)
	if err != nil {
		h.logger.Error().Err(err).Int64("user", user.ID).Msg("conversations query failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	resp := make([]ConversationResponse, 0, len(summaries))
	for _, s := range summaries {
		resp = append(resp, ConversationResponse{
			UserID:          s.PartnerID,
			FullName:        s.PartnerName,
			LastMessage:     s.LastMessage,
			LastMessageTime: s.LastMessageTime.UTC().Format(protocol.TimeFormat),
			UnreadCount:     s.UnreadCount,
			IsOnline:        s.IsOnline,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// Health handles GET /health. A failing store ping reports "degraded" with
// 503.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status, code := "healthy", http.StatusOK
	if h.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if err := h.store.Ping(ctx); err != nil {
			h.logger.Warn().Err(err).Msg("health: store ping failed")
			status, code = "degraded", http.StatusServiceUnavailable
		}
	}

	resp := HealthResponse{Status: status, Uptime: time.Since(h.started).Round(time.Second).String()}
	if h.stats != nil {
		resp.Connections = h.stats.ConnectionCount()
		resp.OnlineUsers = h.stats.OnlineUsers()
		resp.Uptime = h.stats.Uptime().Round(time.Second).String()
	}
	writeJSON(w, code, resp)
}

func newMessageResponse(m history.Message) MessageResponse {
	return MessageResponse{
		ID:          m.ID,
		SenderID:    m.SenderID,
		RecipientID: m.RecipientID,
		Content:     m.Content,
		IsRead:      m.IsRead,
		CreatedAt:   m.CreatedAt.UTC().Format(protocol.TimeFormat),
	}
}

// queryInt reads an integer query parameter. A missing parameter yields
// fallback; an unparsable one reports ok=false.
func queryInt(r *http.Request, key string, fallback int) (int, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return n, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
