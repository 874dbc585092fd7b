// Package protocol defines the WebSocket event types and structures exchanged
// between chat clients and the relay. All events are serialized as JSON and
// follow a consistent envelope format with a type discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// ---------------------------------------------------------------------------
// Event type constants
// ---------------------------------------------------------------------------

// Client -> Server event types.
const (
	TypeLogin              = "user:login"
	TypeSend               = "message:send"
	TypeGetConversations   = "conversations:get"
	TypeGetMessages        = "messages:get"
	TypeCreateConversation = "conversation:create"
	TypePing               = "ping"
)

// Server -> Client event types.
const (
	TypeSessionCreated      = "session:created"
	TypeActiveUsers         = "active:users"
	TypeMessageReceive      = "message:receive"
	TypeMessageSent         = "message:sent"
	TypeMessageError        = "message:error"
	TypeConversationsList   = "conversations:list"
	TypeConversationsError  = "conversations:error"
	TypeMessagesHistory     = "messages:history"
	TypeMessagesError       = "messages:error"
	TypeConversationCreated = "conversation:created"
	TypeConversationError   = "conversation:error"
	TypeError               = "error"
	TypePong                = "pong"
)

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the event type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Shared record types
// ---------------------------------------------------------------------------

// User is the presence record broadcast in active:users. Identity is issued
// by the external identity provider and trusted as supplied at login.
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Image string `json:"image,omitempty"`
}

// Conversation is the wire representation of a two-party message thread.
type Conversation struct {
	ID              string    `json:"id"`
	Participants    []string  `json:"participants"`
	LastMessage     string    `json:"lastMessage"`
	LastMessageTime time.Time `json:"lastMessageTime"`
	MessageCount    int64     `json:"messageCount"`
}

// Message is the wire representation of a single chat message.
type Message struct {
	ID             string    `json:"id"`
	SenderID       string    `json:"senderId"`
	ReceiverID     string    `json:"receiverId"`
	Content        string    `json:"content"`
	ConversationID string    `json:"conversationId"`
	Timestamp      time.Time `json:"timestamp"`
	Read           bool      `json:"read"`
}

// ---------------------------------------------------------------------------
// Client -> Server event structs
// ---------------------------------------------------------------------------

// LoginMsg announces an authenticated user on this connection. The identity
// fields are externally issued and not re-verified by the relay.
type LoginMsg struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
	Name   string `json:"name"`
	Email  string `json:"email"`
	Image  string `json:"image"`
}

// SendMsg carries a text message from sender to receiver.
type SendMsg struct {
	Type           string `json:"type"`
	SenderID       string `json:"senderId"`
	ReceiverID     string `json:"receiverId"`
	Content        string `json:"content"`
	ConversationID string `json:"conversationId"`
}

// GetConversationsMsg requests the conversation list for a user.
type GetConversationsMsg struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

// GetMessagesMsg requests the message history of a conversation.
type GetMessagesMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId"`
}

// CreateConversationMsg requests creation of (or lookup of an existing)
// conversation between two users.
type CreateConversationMsg struct {
	Type    string `json:"type"`
	UserID1 string `json:"userId1"`
	UserID2 string `json:"userId2"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client event structs
// ---------------------------------------------------------------------------

// SessionCreatedMsg is sent by the server when a connection is established,
// carrying the server-assigned connection handle.
type SessionCreatedMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

// ActiveUsersMsg carries the full current presence list. It is broadcast to
// every connection after each login and disconnect.
type ActiveUsersMsg struct {
	Type  string `json:"type"`
	Users []User `json:"users"`
}

// MessageEventMsg delivers a message to the receiver (message:receive) or
// confirms it back to the sender (message:sent).
type MessageEventMsg struct {
	Type string `json:"type"`
	Message
}

// ConversationsListMsg carries a user's conversations, newest activity first.
type ConversationsListMsg struct {
	Type          string         `json:"type"`
	Conversations []Conversation `json:"conversations"`
}

// MessagesHistoryMsg carries up to the 50 most recent messages of a
// conversation in ascending timestamp order.
type MessagesHistoryMsg struct {
	Type           string    `json:"type"`
	ConversationID string    `json:"conversationId"`
	Messages       []Message `json:"messages"`
}

// ConversationCreatedMsg confirms a conversation:create request.
type ConversationCreatedMsg struct {
	Type         string       `json:"type"`
	Conversation Conversation `json:"conversation"`
}

// ErrorMsg is sent by the server to communicate an error condition. The same
// shape is used for the generic "error" event and for the per-domain
// message:error / conversations:error / messages:error / conversation:error
// events.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client event.
// It returns the event type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only event types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeLogin:
		var m LoginMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSend:
		var m SendMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeGetConversations:
		var m GetConversationsMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeGetMessages:
		var m GetMessagesMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeCreateConversation:
		var m CreateConversationMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client event type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server event.
// The msgType is injected into the payload under the "type" key. The payload
// should be one of the server event structs; this function marshals it to
// JSON, injects the type field, and returns the final bytes.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
