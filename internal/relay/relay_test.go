package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pingline/chat-relay/internal/presence"
	"github.com/pingline/chat-relay/internal/protocol"
	"github.com/pingline/chat-relay/internal/store"
)

// fakeSender records every frame the relay emits, per connection and
// broadcast, so tests can assert on the exact outbound traffic.
type fakeSender struct {
	mu         sync.Mutex
	sent       map[string][]map[string]interface{}
	broadcasts []map[string]interface{}
}

func newFakeSender() *fakeSender {
	return &fakeSender{sent: make(map[string][]map[string]interface{})}
}

func (s *fakeSender) SendTo(connID string, data []byte) error {
	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	s.mu.Lock()
	s.sent[connID] = append(s.sent[connID], decoded)
	s.mu.Unlock()
	return nil
}

func (s *fakeSender) Broadcast(data []byte) {
	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		return
	}
	s.mu.Lock()
	s.broadcasts = append(s.broadcasts, decoded)
	s.mu.Unlock()
}

// framesOfType returns the frames sent to connID with the given type.
func (s *fakeSender) framesOfType(connID, msgType string) []map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []map[string]interface{}
	for _, f := range s.sent[connID] {
		if f["type"] == msgType {
			out = append(out, f)
		}
	}
	return out
}

// lastBroadcastUsers returns the user id set of the most recent active:users
// broadcast.
func (s *fakeSender) lastBroadcastUsers(t *testing.T) []string {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.broadcasts) == 0 {
		t.Fatal("no presence broadcast recorded")
	}
	last := s.broadcasts[len(s.broadcasts)-1]
	if last["type"] != protocol.TypeActiveUsers {
		t.Fatalf("last broadcast is %v, not active:users", last["type"])
	}
	raw, _ := last["users"].([]interface{})
	ids := make([]string, 0, len(raw))
	for _, u := range raw {
		m := u.(map[string]interface{})
		ids = append(ids, m["id"].(string))
	}
	return ids
}

// brokenBackend fails every call, standing in for an unreachable database.
type brokenBackend struct{}

var errDown = errors.New("dial tcp: connection refused")

func (brokenBackend) SaveMessage(context.Context, *store.Message) error { return errDown }
func (brokenBackend) ConversationsByParticipant(context.Context, string) ([]store.Conversation, error) {
	return nil, errDown
}
func (brokenBackend) MessagesByConversation(context.Context, string) ([]store.Message, error) {
	return nil, errDown
}
func (brokenBackend) FindOrCreateConversation(context.Context, string, string) (*store.Conversation, error) {
	return nil, errDown
}
func (brokenBackend) UnreadByReceiver(context.Context, string) ([]store.Message, error) {
	return nil, errDown
}

// denyLimiter rejects every send.
type denyLimiter struct{}

func (denyLimiter) Allow(context.Context, string) (bool, error) { return false, nil }

func newTestRelay(sender Sender) *Relay {
	return New(presence.NewRegistry(), store.NewFacade(nil, store.NewMemoryBackend()), sender, nil, nil)
}

func TestLoginBroadcastsPresence(t *testing.T) {
	sender := newFakeSender()
	r := newTestRelay(sender)

	r.HandleLogin("c1", protocol.LoginMsg{UserID: "u1", Name: "Alice", Email: "a@x.io"})
	r.HandleLogin("c2", protocol.LoginMsg{UserID: "u2", Name: "Bob", Email: "b@x.io"})

	ids := sender.lastBroadcastUsers(t)
	if len(ids) != 2 || ids[0] != "u1" || ids[1] != "u2" {
		t.Fatalf("expected broadcast [u1 u2], got %v", ids)
	}
}

func TestDoubleLoginSameUser(t *testing.T) {
	sender := newFakeSender()
	r := newTestRelay(sender)

	r.HandleLogin("c1", protocol.LoginMsg{UserID: "u1", Name: "Alice"})
	r.HandleLogin("c2", protocol.LoginMsg{UserID: "u1", Name: "Alice"})

	ids := sender.lastBroadcastUsers(t)
	if len(ids) != 1 {
		t.Fatalf("expected u1 present exactly once, got %v", ids)
	}
}

func TestLoginEmptyUserIgnored(t *testing.T) {
	sender := newFakeSender()
	r := newTestRelay(sender)

	r.HandleLogin("c1", protocol.LoginMsg{UserID: ""})

	if len(sender.broadcasts) != 0 {
		t.Fatal("empty login should not broadcast presence")
	}
}

func TestSendDeliversAndConfirms(t *testing.T) {
	sender := newFakeSender()
	r := newTestRelay(sender)

	r.HandleLogin("c1", protocol.LoginMsg{UserID: "u1", Name: "Alice"})
	r.HandleLogin("c2", protocol.LoginMsg{UserID: "u2", Name: "Bob"})

	r.HandleSend("c1", protocol.SendMsg{
		SenderID: "u1", ReceiverID: "u2", Content: "hi", ConversationID: "u1-u2",
	})

	received := sender.framesOfType("c2", protocol.TypeMessageReceive)
	if len(received) != 1 {
		t.Fatalf("expected 1 message:receive on B's connection, got %d", len(received))
	}
	if received[0]["content"] != "hi" {
		t.Errorf("expected content %q, got %v", "hi", received[0]["content"])
	}
	if received[0]["read"] != false {
		t.Errorf("receiver copy must have read=false, got %v", received[0]["read"])
	}

	confirmed := sender.framesOfType("c1", protocol.TypeMessageSent)
	if len(confirmed) != 1 {
		t.Fatalf("expected 1 message:sent on A's connection, got %d", len(confirmed))
	}
	if confirmed[0]["content"] != "hi" {
		t.Errorf("expected content %q, got %v", "hi", confirmed[0]["content"])
	}
	if confirmed[0]["read"] != true {
		t.Errorf("sender copy must have read=true, got %v", confirmed[0]["read"])
	}
}

func TestSendToOfflineReceiver(t *testing.T) {
	sender := newFakeSender()
	r := newTestRelay(sender)

	r.HandleLogin("c1", protocol.LoginMsg{UserID: "u1"})

	r.HandleSend("c1", protocol.SendMsg{
		SenderID: "u1", ReceiverID: "u2", Content: "anyone there?", ConversationID: "u1-u2",
	})

	if got := sender.framesOfType("c1", protocol.TypeMessageSent); len(got) != 1 {
		t.Fatalf("sender must always get message:sent, got %d", len(got))
	}
	if got := sender.framesOfType("c2", protocol.TypeMessageReceive); len(got) != 0 {
		t.Fatalf("offline receiver should get nothing, got %d frames", len(got))
	}
}

func TestSendConfirmsDespiteDurableOutage(t *testing.T) {
	sender := newFakeSender()
	facade := store.NewFacade(brokenBackend{}, store.NewMemoryBackend())
	r := New(presence.NewRegistry(), facade, sender, nil, nil)

	r.HandleLogin("c1", protocol.LoginMsg{UserID: "u1"})

	r.HandleSend("c1", protocol.SendMsg{
		SenderID: "u1", ReceiverID: "u2", Content: "hi", ConversationID: "u1-u2",
	})

	if got := sender.framesOfType("c1", protocol.TypeMessageSent); len(got) != 1 {
		t.Fatalf("message:sent must be delivered despite durable outage, got %d", len(got))
	}
	// The durable failure is absorbed by the fallback, so no error event.
	if got := sender.framesOfType("c1", protocol.TypeMessageError); len(got) != 0 {
		t.Fatalf("fallback-absorbed failure must not surface, got %d error frames", len(got))
	}

	// The message is retrievable from the fallback store.
	msgs, err := facade.MessagesByConversation(context.Background(), "u1-u2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "hi" {
		t.Fatalf("expected message buffered in fallback, got %+v", msgs)
	}
}

func TestSendInvalidPayload(t *testing.T) {
	sender := newFakeSender()
	r := newTestRelay(sender)

	r.HandleSend("c1", protocol.SendMsg{SenderID: "u1", Content: "hi"})

	if got := sender.framesOfType("c1", protocol.TypeMessageError); len(got) != 1 {
		t.Fatalf("expected message:error for partial payload, got %d", len(got))
	}
	if got := sender.framesOfType("c1", protocol.TypeMessageSent); len(got) != 0 {
		t.Fatal("invalid send must not be confirmed")
	}
}

func TestSendEmptyContent(t *testing.T) {
	sender := newFakeSender()
	r := newTestRelay(sender)

	r.HandleSend("c1", protocol.SendMsg{
		SenderID: "u1", ReceiverID: "u2", Content: "", ConversationID: "u1-u2",
	})

	if got := sender.framesOfType("c1", protocol.TypeMessageError); len(got) != 1 {
		t.Fatalf("expected message:error for empty content, got %d", len(got))
	}
}

func TestSendRateLimited(t *testing.T) {
	sender := newFakeSender()
	r := New(presence.NewRegistry(), store.NewFacade(nil, store.NewMemoryBackend()),
		sender, denyLimiter{}, nil)

	r.HandleSend("c1", protocol.SendMsg{
		SenderID: "u1", ReceiverID: "u2", Content: "spam", ConversationID: "u1-u2",
	})

	errsFrames := sender.framesOfType("c1", protocol.TypeMessageError)
	if len(errsFrames) != 1 {
		t.Fatalf("expected 1 message:error, got %d", len(errsFrames))
	}
	if errsFrames[0]["code"] != "rate_limited" {
		t.Errorf("expected code rate_limited, got %v", errsFrames[0]["code"])
	}
	if got := sender.framesOfType("c1", protocol.TypeMessageSent); len(got) != 0 {
		t.Fatal("rate-limited send must not be confirmed")
	}
}

func TestCreateConversationWhileDegraded(t *testing.T) {
	sender := newFakeSender()
	r := newTestRelay(sender) // nil durable backend: degraded from the start

	r.HandleCreateConversation("c1", protocol.CreateConversationMsg{UserID1: "u2", UserID2: "u1"})

	created := sender.framesOfType("c1", protocol.TypeConversationCreated)
	if len(created) != 1 {
		t.Fatalf("expected conversation:created, got %d frames", len(created))
	}
	conv := created[0]["conversation"].(map[string]interface{})
	if conv["id"] != "u1-u2" {
		t.Errorf("expected canonical id u1-u2, got %v", conv["id"])
	}
	if conv["messageCount"] != float64(0) {
		t.Errorf("expected messageCount 0, got %v", conv["messageCount"])
	}

	// The conversation shows up in u1's list.
	r.HandleGetConversations("c1", protocol.GetConversationsMsg{UserID: "u1"})
	lists := sender.framesOfType("c1", protocol.TypeConversationsList)
	if len(lists) != 1 {
		t.Fatalf("expected conversations:list, got %d frames", len(lists))
	}
	convs := lists[0]["conversations"].([]interface{})
	if len(convs) != 1 {
		t.Fatalf("expected 1 conversation for u1, got %d", len(convs))
	}
}

func TestCreateConversationIdempotent(t *testing.T) {
	sender := newFakeSender()
	r := newTestRelay(sender)

	r.HandleCreateConversation("c1", protocol.CreateConversationMsg{UserID1: "u1", UserID2: "u2"})
	r.HandleCreateConversation("c1", protocol.CreateConversationMsg{UserID1: "u2", UserID2: "u1"})

	created := sender.framesOfType("c1", protocol.TypeConversationCreated)
	if len(created) != 2 {
		t.Fatalf("expected 2 conversation:created responses, got %d", len(created))
	}
	id1 := created[0]["conversation"].(map[string]interface{})["id"]
	id2 := created[1]["conversation"].(map[string]interface{})["id"]
	if id1 != id2 {
		t.Errorf("expected same conversation id for both orders, got %v and %v", id1, id2)
	}

	r.HandleGetConversations("c1", protocol.GetConversationsMsg{UserID: "u1"})
	lists := sender.framesOfType("c1", protocol.TypeConversationsList)
	convs := lists[0]["conversations"].([]interface{})
	if len(convs) != 1 {
		t.Fatalf("expected no duplicate conversation, got %d", len(convs))
	}
}

func TestHistoryCappedAtFifty(t *testing.T) {
	sender := newFakeSender()
	r := newTestRelay(sender)

	r.HandleCreateConversation("c1", protocol.CreateConversationMsg{UserID1: "u1", UserID2: "u2"})
	for i := 0; i < 60; i++ {
		r.HandleSend("c1", protocol.SendMsg{
			SenderID: "u1", ReceiverID: "u2",
			Content: fmt.Sprintf("msg-%d", i), ConversationID: "u1-u2",
		})
	}

	r.HandleGetMessages("c1", protocol.GetMessagesMsg{ConversationID: "u1-u2"})

	histories := sender.framesOfType("c1", protocol.TypeMessagesHistory)
	if len(histories) != 1 {
		t.Fatalf("expected messages:history, got %d frames", len(histories))
	}
	msgs := histories[0]["messages"].([]interface{})
	if len(msgs) != 50 {
		t.Fatalf("expected exactly 50 messages, got %d", len(msgs))
	}
	first := msgs[0].(map[string]interface{})
	last := msgs[len(msgs)-1].(map[string]interface{})
	if first["content"] != "msg-10" || last["content"] != "msg-59" {
		t.Errorf("expected the 50 most recent (msg-10..msg-59), got %v..%v",
			first["content"], last["content"])
	}

	var prev time.Time
	for i, raw := range msgs {
		m := raw.(map[string]interface{})
		ts, err := time.Parse(time.RFC3339Nano, m["timestamp"].(string))
		if err != nil {
			t.Fatalf("bad timestamp at index %d: %v", i, err)
		}
		if ts.Before(prev) {
			t.Fatalf("timestamps not non-decreasing at index %d", i)
		}
		prev = ts
	}
}

func TestGetMessagesUnknownConversation(t *testing.T) {
	sender := newFakeSender()
	r := newTestRelay(sender)

	r.HandleGetMessages("c1", protocol.GetMessagesMsg{ConversationID: "nope"})

	histories := sender.framesOfType("c1", protocol.TypeMessagesHistory)
	if len(histories) != 1 {
		t.Fatalf("unknown conversation must yield an empty history, got %d frames", len(histories))
	}
	msgs := histories[0]["messages"].([]interface{})
	if len(msgs) != 0 {
		t.Fatalf("expected empty history, got %d messages", len(msgs))
	}
	if got := sender.framesOfType("c1", protocol.TypeMessagesError); len(got) != 0 {
		t.Fatal("unknown conversation is not an error")
	}
}

func TestDisconnectRebroadcastsPresence(t *testing.T) {
	sender := newFakeSender()
	r := newTestRelay(sender)

	r.HandleLogin("c1", protocol.LoginMsg{UserID: "u1"})
	r.HandleLogin("c2", protocol.LoginMsg{UserID: "u2"})

	r.HandleDisconnect("c1")

	ids := sender.lastBroadcastUsers(t)
	if len(ids) != 1 || ids[0] != "u2" {
		t.Fatalf("expected only u2 online after disconnect, got %v", ids)
	}

	// A connection that never logged in leaves presence untouched.
	before := len(sender.broadcasts)
	r.HandleDisconnect("c-never-logged-in")
	if len(sender.broadcasts) != before {
		t.Fatal("disconnect of unknown connection must not rebroadcast")
	}
}

func TestReconnectReplacesConnection(t *testing.T) {
	sender := newFakeSender()
	r := newTestRelay(sender)

	r.HandleLogin("c1", protocol.LoginMsg{UserID: "u1"})
	r.HandleLogin("c2", protocol.LoginMsg{UserID: "u2"})
	// u2 reconnects on a new connection.
	r.HandleLogin("c3", protocol.LoginMsg{UserID: "u2"})

	r.HandleSend("c1", protocol.SendMsg{
		SenderID: "u1", ReceiverID: "u2", Content: "hi again", ConversationID: "u1-u2",
	})

	if got := sender.framesOfType("c2", protocol.TypeMessageReceive); len(got) != 0 {
		t.Fatal("stale connection must not receive messages")
	}
	if got := sender.framesOfType("c3", protocol.TypeMessageReceive); len(got) != 1 {
		t.Fatalf("expected delivery on the most recent connection, got %d", len(got))
	}
}
