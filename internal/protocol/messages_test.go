package protocol

import (
	"encoding/json"
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// Test: Parsing a valid user:login event
// ---------------------------------------------------------------------------

func TestParseClientMessage_Login(t *testing.T) {
	input := []byte(`{"type":"user:login","userId":"u1","name":"Alice","email":"alice@example.com","image":"https://cdn/a.png"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeLogin {
		t.Fatalf("expected type %q, got %q", TypeLogin, msgType)
	}

	lm, ok := msg.(LoginMsg)
	if !ok {
		t.Fatalf("expected LoginMsg, got %T", msg)
	}
	if lm.UserID != "u1" {
		t.Errorf("expected userId %q, got %q", "u1", lm.UserID)
	}
	if lm.Name != "Alice" {
		t.Errorf("expected name %q, got %q", "Alice", lm.Name)
	}
	if lm.Email != "alice@example.com" {
		t.Errorf("expected email %q, got %q", "alice@example.com", lm.Email)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing a valid message:send event
// ---------------------------------------------------------------------------

func TestParseClientMessage_Send(t *testing.T) {
	input := []byte(`{"type":"message:send","senderId":"u1","receiverId":"u2","content":"hi","conversationId":"u1-u2"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeSend {
		t.Fatalf("expected type %q, got %q", TypeSend, msgType)
	}

	sm, ok := msg.(SendMsg)
	if !ok {
		t.Fatalf("expected SendMsg, got %T", msg)
	}
	if sm.SenderID != "u1" || sm.ReceiverID != "u2" {
		t.Errorf("unexpected sender/receiver: %q -> %q", sm.SenderID, sm.ReceiverID)
	}
	if sm.Content != "hi" {
		t.Errorf("expected content %q, got %q", "hi", sm.Content)
	}
	if sm.ConversationID != "u1-u2" {
		t.Errorf("expected conversationId %q, got %q", "u1-u2", sm.ConversationID)
	}
}

// ---------------------------------------------------------------------------
// Test: Malformed and unknown inputs
// ---------------------------------------------------------------------------

func TestParseClientMessage_InvalidJSON(t *testing.T) {
	_, _, err := ParseClientMessage([]byte(`{not json`))
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestParseClientMessage_MissingType(t *testing.T) {
	_, _, err := ParseClientMessage([]byte(`{"userId":"u1"}`))
	if err == nil {
		t.Fatal("expected error for missing type field")
	}
}

func TestParseClientMessage_UnknownType(t *testing.T) {
	msgType, msg, err := ParseClientMessage([]byte(`{"type":"message:receive"}`))
	if err == nil {
		t.Fatal("expected error for server-only event type")
	}
	if msgType != TypeMessageReceive {
		t.Errorf("expected type to be reported even on error, got %q", msgType)
	}
	if msg != nil {
		t.Errorf("expected nil msg for unknown type, got %#v", msg)
	}
}

// ---------------------------------------------------------------------------
// Test: Server message construction
// ---------------------------------------------------------------------------

func TestNewServerMessage_InjectsType(t *testing.T) {
	data, err := NewServerMessage(TypeActiveUsers, ActiveUsersMsg{
		Users: []User{{ID: "u1", Name: "Alice", Email: "alice@example.com"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if decoded["type"] != TypeActiveUsers {
		t.Errorf("expected type %q, got %v", TypeActiveUsers, decoded["type"])
	}
	users, ok := decoded["users"].([]interface{})
	if !ok || len(users) != 1 {
		t.Fatalf("expected 1 user in payload, got %v", decoded["users"])
	}
}

func TestNewServerMessage_MessageEventFlattens(t *testing.T) {
	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	data, err := NewServerMessage(TypeMessageSent, MessageEventMsg{
		Message: Message{
			ID:             "1717243200000",
			SenderID:       "u1",
			ReceiverID:     "u2",
			Content:        "hi",
			ConversationID: "u1-u2",
			Timestamp:      ts,
			Read:           true,
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if decoded["type"] != TypeMessageSent {
		t.Errorf("expected type %q, got %v", TypeMessageSent, decoded["type"])
	}
	// Message fields must be promoted to the top level, not nested.
	if decoded["content"] != "hi" {
		t.Errorf("expected flattened content field, got %v", decoded["content"])
	}
	if decoded["read"] != true {
		t.Errorf("expected read=true, got %v", decoded["read"])
	}
}
