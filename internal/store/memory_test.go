package store

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestCanonicalConversationID_OrderIndependent(t *testing.T) {
	id1 := CanonicalConversationID("u1", "u2")
	id2 := CanonicalConversationID("u2", "u1")

	if id1 != id2 {
		t.Errorf("ids should be identical regardless of order: %q vs %q", id1, id2)
	}
	if id1 != "u1-u2" {
		t.Errorf("expected canonical id %q, got %q", "u1-u2", id1)
	}
}

func TestFindOrCreateConversation_Idempotent(t *testing.T) {
	m := NewMemoryBackend()
	ctx := context.Background()

	c1, err := m.FindOrCreateConversation(ctx, "u1", "u2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	c2, err := m.FindOrCreateConversation(ctx, "u2", "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if c1.ID != c2.ID {
		t.Errorf("expected same conversation for either argument order, got %q and %q", c1.ID, c2.ID)
	}
	if c1.ID != "u1-u2" {
		t.Errorf("expected canonical id %q, got %q", "u1-u2", c1.ID)
	}
	if c2.MessageCount != 0 || c2.LastMessage != "" {
		t.Errorf("new conversation should have empty summary, got %+v", c2)
	}

	convs, _ := m.ConversationsByParticipant(ctx, "u1")
	if len(convs) != 1 {
		t.Fatalf("expected 1 conversation, got %d (duplicate created)", len(convs))
	}
}

func TestSaveMessage_UpdatesSummary(t *testing.T) {
	m := NewMemoryBackend()
	ctx := context.Background()

	if _, err := m.FindOrCreateConversation(ctx, "u1", "u2"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ts := time.Now()
	err := m.SaveMessage(ctx, &Message{
		ID:             "1",
		SenderID:       "u1",
		ReceiverID:     "u2",
		Content:        "hi",
		ConversationID: "u1-u2",
		Timestamp:      ts,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	convs, _ := m.ConversationsByParticipant(ctx, "u2")
	if len(convs) != 1 {
		t.Fatalf("expected 1 conversation, got %d", len(convs))
	}
	conv := convs[0]
	if conv.LastMessage != "hi" {
		t.Errorf("expected lastMessage %q, got %q", "hi", conv.LastMessage)
	}
	if conv.MessageCount != 1 {
		t.Errorf("expected messageCount 1, got %d", conv.MessageCount)
	}
	if !conv.LastMessageTime.Equal(ts) {
		t.Errorf("expected lastMessageTime %v, got %v", ts, conv.LastMessageTime)
	}
}

func TestSaveMessage_UnknownConversationStillBuffers(t *testing.T) {
	m := NewMemoryBackend()
	ctx := context.Background()

	err := m.SaveMessage(ctx, &Message{
		ID: "1", SenderID: "u1", ReceiverID: "u2",
		Content: "hello", ConversationID: "u1-u2", Timestamp: time.Now(),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msgs, _ := m.MessagesByConversation(ctx, "u1-u2")
	if len(msgs) != 1 {
		t.Fatalf("expected 1 buffered message, got %d", len(msgs))
	}
}

func TestMessagesByConversation_CapAndOrder(t *testing.T) {
	m := NewMemoryBackend()
	ctx := context.Background()

	base := time.Now()
	for i := 0; i < 60; i++ {
		err := m.SaveMessage(ctx, &Message{
			ID:             fmt.Sprintf("%d", i),
			SenderID:       "u1",
			ReceiverID:     "u2",
			Content:        fmt.Sprintf("msg-%d", i),
			ConversationID: "u1-u2",
			Timestamp:      base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}

	msgs, err := m.MessagesByConversation(ctx, "u1-u2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(msgs) != HistoryLimit {
		t.Fatalf("expected exactly %d messages, got %d", HistoryLimit, len(msgs))
	}
	// The 50 most recent: msg-10 through msg-59, ascending.
	if msgs[0].Content != "msg-10" {
		t.Errorf("expected oldest returned message msg-10, got %q", msgs[0].Content)
	}
	if msgs[len(msgs)-1].Content != "msg-59" {
		t.Errorf("expected newest returned message msg-59, got %q", msgs[len(msgs)-1].Content)
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].Timestamp.Before(msgs[i-1].Timestamp) {
			t.Fatalf("timestamps not non-decreasing at index %d", i)
		}
	}
}

func TestMessagesByConversation_Unknown(t *testing.T) {
	m := NewMemoryBackend()

	msgs, err := m.MessagesByConversation(context.Background(), "missing")
	if err != nil {
		t.Fatalf("unknown conversation should not error: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected empty history, got %d messages", len(msgs))
	}
}

func TestConversationsByParticipant_NewestFirst(t *testing.T) {
	m := NewMemoryBackend()
	ctx := context.Background()

	base := time.Now()
	m.FindOrCreateConversation(ctx, "u1", "u2")
	m.FindOrCreateConversation(ctx, "u1", "u3")

	m.SaveMessage(ctx, &Message{ID: "1", SenderID: "u1", ReceiverID: "u2",
		Content: "older", ConversationID: "u1-u2", Timestamp: base})
	m.SaveMessage(ctx, &Message{ID: "2", SenderID: "u1", ReceiverID: "u3",
		Content: "newer", ConversationID: "u1-u3", Timestamp: base.Add(time.Minute)})

	convs, err := m.ConversationsByParticipant(ctx, "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(convs) != 2 {
		t.Fatalf("expected 2 conversations, got %d", len(convs))
	}
	if convs[0].ID != "u1-u3" {
		t.Errorf("expected newest conversation u1-u3 first, got %q", convs[0].ID)
	}

	// u2 participates only in u1-u2.
	convs, _ = m.ConversationsByParticipant(ctx, "u2")
	if len(convs) != 1 || convs[0].ID != "u1-u2" {
		t.Errorf("unexpected conversations for u2: %+v", convs)
	}
}

func TestUnreadByReceiver(t *testing.T) {
	m := NewMemoryBackend()
	ctx := context.Background()
	base := time.Now()

	m.SaveMessage(ctx, &Message{ID: "1", SenderID: "u1", ReceiverID: "u2",
		Content: "first", ConversationID: "u1-u2", Timestamp: base})
	m.SaveMessage(ctx, &Message{ID: "2", SenderID: "u1", ReceiverID: "u2",
		Content: "second", ConversationID: "u1-u2", Timestamp: base.Add(time.Second)})
	m.SaveMessage(ctx, &Message{ID: "3", SenderID: "u2", ReceiverID: "u1",
		Content: "reply", ConversationID: "u1-u2", Timestamp: base.Add(2 * time.Second)})
	m.SaveMessage(ctx, &Message{ID: "4", SenderID: "u1", ReceiverID: "u2",
		Content: "seen", ConversationID: "u1-u2", Timestamp: base.Add(3 * time.Second), Read: true})

	unread, err := m.UnreadByReceiver(ctx, "u2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(unread) != 2 {
		t.Fatalf("expected 2 unread messages for u2, got %d", len(unread))
	}
	if unread[0].Content != "second" || unread[1].Content != "first" {
		t.Errorf("expected newest-first order, got %q then %q", unread[0].Content, unread[1].Content)
	}
}
