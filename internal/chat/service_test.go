package chat

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/whisper/messenger/internal/history"
	"github.com/whisper/messenger/internal/identity"
)

type onlineSet map[int64]bool

func (o onlineSet) IsOnline(id int64) bool { return o[id] }

func newTestService(t *testing.T, online onlineSet) (*Service, *history.SQLStore) {
	t.Helper()

	store, err := history.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "chat.db"))
	if err != nil {
		t.Fatalf("OpenSQLite() error: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	for _, u := range []identity.User{{ID: 1, Name: "Alice"}, {ID: 2, Name: "Bob"}, {ID: 3, Name: "Carol"}} {
		if err := store.UpsertUser(context.Background(), u); err != nil {
			t.Fatalf("UpsertUser() error: %v", err)
		}
	}
	return NewService(store, online, zerolog.Nop()), store
}

func send(t *testing.T, s *history.SQLStore, from, to int64, content string) history.Message {
	t.Helper()
	m, err := s.Append(context.Background(), history.NewMessage{SenderID: from, RecipientID: &to, Content: content})
	if err != nil {
		t.Fatalf("Append() error: %v", err)
	}
	return m
}

// ---------------------------------------------------------------------------
// History
// ---------------------------------------------------------------------------

func TestHistory_Chronological(t *testing.T) {
	svc, store := newTestService(t, nil)

	a := send(t, store, 1, 2, "first")
	b := send(t, store, 2, 1, "second")
	c := send(t, store, 1, 2, "third")

	msgs, err := svc.History(context.Background(), 1, 2, 50, 0)
	if err != nil {
		t.Fatalf("History() error: %v", err)
	}
	want := []int64{a.ID, b.ID, c.ID}
	if len(msgs) != len(want) {
		t.Fatalf("expected %d messages, got %d", len(want), len(msgs))
	}
	for i, id := range want {
		if msgs[i].ID != id {
			t.Errorf("position %d: expected %d, got %d", i, id, msgs[i].ID)
		}
	}
}

func TestHistory_PaginationRoundTrip(t *testing.T) {
	svc, store := newTestService(t, nil)
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		from, to := int64(1), int64(2)
		if i%2 == 1 {
			from, to = to, from
		}
		send(t, store, from, to, strings.Repeat("x", i+1))
	}

	full, err := svc.History(ctx, 1, 2, 100, 0)
	if err != nil {
		t.Fatalf("History() error: %v", err)
	}

	// Pages walk backwards in time; each page is chronological internally.
	var stitched []history.Message
	for offset := 0; ; offset += 3 {
		page, err := svc.History(ctx, 1, 2, 3, offset)
		if err != nil {
			t.Fatalf("History(offset=%d) error: %v", offset, err)
		}
		if len(page) == 0 {
			break
		}
		stitched = append(append([]history.Message{}, page...), stitched...)
	}

	if len(stitched) != len(full) {
		t.Fatalf("expected %d messages, got %d", len(full), len(stitched))
	}
	for i := range full {
		if stitched[i].ID != full[i].ID {
			t.Errorf("position %d: expected %d, got %d", i, full[i].ID, stitched[i].ID)
		}
	}
}

func TestClampPage(t *testing.T) {
	tests := []struct {
		limit, offset         int
		wantLimit, wantOffset int
	}{
		{50, 0, 50, 0},
		{0, 0, 1, 0},
		{-5, -1, 1, 0},
		{101, 10, 100, 10},
		{100, 3, 100, 3},
	}
	for _, tt := range tests {
		l, o := ClampPage(tt.limit, tt.offset)
		if l != tt.wantLimit || o != tt.wantOffset {
			t.Errorf("ClampPage(%d, %d) = %d, %d; want %d, %d",
				tt.limit, tt.offset, l, o, tt.wantLimit, tt.wantOffset)
		}
	}
}

// ---------------------------------------------------------------------------
// Read state
// ---------------------------------------------------------------------------

func TestMarkRead_Idempotent(t *testing.T) {
	svc, store := newTestService(t, nil)
	ctx := context.Background()

	send(t, store, 1, 2, "a")
	send(t, store, 1, 2, "b")

	if n, err := svc.MarkRead(ctx, 2, 1); err != nil || n != 2 {
		t.Fatalf("first MarkRead() = %d, %v", n, err)
	}
	if n, err := svc.MarkRead(ctx, 2, 1); err != nil || n != 0 {
		t.Fatalf("second MarkRead() = %d, %v", n, err)
	}

	msgs, _ := svc.History(ctx, 1, 2, 50, 0)
	for _, m := range msgs {
		if !m.IsRead {
			t.Errorf("message %d should be read", m.ID)
		}
	}
}

func TestReadHistory_MarksAndReportsRead(t *testing.T) {
	svc, store := newTestService(t, onlineSet{1: true})
	ctx := context.Background()

	send(t, store, 1, 2, "hi bob")
	send(t, store, 1, 2, "are you there")
	send(t, store, 2, 1, "yes")

	before, err := svc.Conversations(ctx, 2)
	if err != nil {
		t.Fatalf("Conversations() error: %v", err)
	}
	if len(before) != 1 || before[0].UnreadCount != 2 {
		t.Fatalf("expected 2 unread from alice, got %+v", before)
	}

	msgs, err := svc.ReadHistory(ctx, 2, 1, 50, 0)
	if err != nil {
		t.Fatalf("ReadHistory() error: %v", err)
	}
	for _, m := range msgs {
		if m.SenderID == 1 && !m.IsRead {
			t.Errorf("message %d from alice should be reported read", m.ID)
		}
		if m.SenderID == 2 && m.IsRead {
			t.Errorf("bob's own message %d must stay unread", m.ID)
		}
	}

	after, err := svc.Conversations(ctx, 2)
	if err != nil {
		t.Fatalf("Conversations() error: %v", err)
	}
	if len(after) != 1 {
		t.Fatalf("expected 1 conversation, got %d", len(after))
	}
	if after[0].PartnerID != 1 || after[0].UnreadCount != 0 {
		t.Errorf("expected unread_count=0 for partner 1, got %+v", after[0])
	}
	if !after[0].IsOnline {
		t.Error("expected partner 1 to be reported online")
	}
}

// ---------------------------------------------------------------------------
// Conversations
// ---------------------------------------------------------------------------

func TestConversations_OrderAndPresence(t *testing.T) {
	svc, store := newTestService(t, onlineSet{3: true})
	ctx := context.Background()

	send(t, store, 2, 1, "old")
	send(t, store, 1, 3, "newer")
	if _, err := store.Append(ctx, history.NewMessage{SenderID: 2, Content: "broadcast"}); err != nil {
		t.Fatalf("Append() error: %v", err)
	}

	convs, err := svc.Conversations(ctx, 1)
	if err != nil {
		t.Fatalf("Conversations() error: %v", err)
	}
	if len(convs) != 2 {
		t.Fatalf("expected 2 conversations, got %d", len(convs))
	}
	if convs[0].PartnerID != 3 || convs[0].PartnerName != "Carol" || !convs[0].IsOnline {
		t.Errorf("unexpected first conversation: %+v", convs[0])
	}
	if convs[1].PartnerID != 2 || convs[1].LastMessage != "old" || convs[1].UnreadCount != 1 || convs[1].IsOnline {
		t.Errorf("unexpected second conversation: %+v", convs[1])
	}
}
