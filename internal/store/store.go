// Package store persists conversations and messages behind a facade that
// selects between a durable PostgreSQL backend and an in-process fallback.
// Both backends implement the same capability set; the facade picks one per
// call based on a connectivity flag so the relay never sees the difference.
package store

import (
	"context"
	"sort"
	"time"
)

// HistoryLimit is the maximum number of messages returned for a conversation:
// the most recent 50, sorted ascending for display.
const HistoryLimit = 50

// Conversation is a two-party message thread. Participants are unordered;
// the ID is canonical so the same pair always resolves to the same thread.
type Conversation struct {
	ID              string
	Participants    [2]string
	LastMessage     string
	LastMessageTime time.Time
	MessageCount    int64
	CreatedAt       time.Time
}

// HasParticipant reports whether userID is one of the two participants.
func (c *Conversation) HasParticipant(userID string) bool {
	return c.Participants[0] == userID || c.Participants[1] == userID
}

// Message is a single chat message. Immutable once created except for the
// read flag; read-flag mutation happens outside the relay.
type Message struct {
	ID             string
	SenderID       string
	ReceiverID     string
	Content        string
	ConversationID string
	Timestamp      time.Time
	Read           bool
}

// Backend is the capability set shared by the durable and fallback stores.
// SaveMessage inserts the message and updates the owning conversation's
// summary fields (lastMessage, lastMessageTime, messageCount) as one atomic
// step on backends that support it.
type Backend interface {
	SaveMessage(ctx context.Context, msg *Message) error
	ConversationsByParticipant(ctx context.Context, userID string) ([]Conversation, error)
	MessagesByConversation(ctx context.Context, conversationID string) ([]Message, error)
	FindOrCreateConversation(ctx context.Context, userA, userB string) (*Conversation, error)
	UnreadByReceiver(ctx context.Context, receiverID string) ([]Message, error)
}

// CanonicalConversationID derives the stable conversation identifier for an
// unordered pair of user ids: the two ids sorted lexicographically and joined
// with "-". Both backends apply this identically; it is part of the
// Conversation entity's identity contract.
func CanonicalConversationID(userA, userB string) string {
	if userB < userA {
		userA, userB = userB, userA
	}
	return userA + "-" + userB
}

// sortConversationsNewestFirst orders conversations by lastMessageTime,
// newest first, the order the client sidebar renders them in.
func sortConversationsNewestFirst(convs []Conversation) {
	sort.Slice(convs, func(i, j int) bool {
		return convs[i].LastMessageTime.After(convs[j].LastMessageTime)
	})
}
