package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryBackend is the in-process fallback store used whenever the durable
// backend is unreachable. It holds two mappings guarded by one mutex:
// conversationId -> ordered message list and conversationId -> summary.
// Contents survive only for the process lifetime and are never migrated to
// the durable backend after recovery.
type MemoryBackend struct {
	mu            sync.RWMutex
	messages      map[string][]Message     // conversationId -> messages, append order
	conversations map[string]*Conversation // conversationId -> summary
}

// NewMemoryBackend creates an empty in-memory store.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		messages:      make(map[string][]Message),
		conversations: make(map[string]*Conversation),
	}
}

// SaveMessage appends the message to its conversation's list and updates the
// conversation summary if the conversation exists. A message for an unknown
// conversation is still buffered so history is not lost; the summary update
// is simply skipped, mirroring the durable backend's no-op UPDATE.
func (m *MemoryBackend) SaveMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.messages[msg.ConversationID] = append(m.messages[msg.ConversationID], *msg)

	if conv, ok := m.conversations[msg.ConversationID]; ok {
		conv.LastMessage = msg.Content
		conv.LastMessageTime = msg.Timestamp
		conv.MessageCount++
	}
	return nil
}

// ConversationsByParticipant returns the conversations userID participates
// in, newest lastMessageTime first.
func (m *MemoryBackend) ConversationsByParticipant(ctx context.Context, userID string) ([]Conversation, error) {
	m.mu.RLock()
	convs := make([]Conversation, 0)
	for _, conv := range m.conversations {
		if conv.HasParticipant(userID) {
			convs = append(convs, *conv)
		}
	}
	m.mu.RUnlock()

	sortConversationsNewestFirst(convs)
	return convs, nil
}

// MessagesByConversation returns up to the HistoryLimit most recent messages
// of the conversation in ascending timestamp order. An unknown conversation
// yields an empty slice, not an error.
func (m *MemoryBackend) MessagesByConversation(ctx context.Context, conversationID string) ([]Message, error) {
	m.mu.RLock()
	stored := m.messages[conversationID]
	msgs := make([]Message, len(stored))
	copy(msgs, stored)
	m.mu.RUnlock()

	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})
	if len(msgs) > HistoryLimit {
		msgs = msgs[len(msgs)-HistoryLimit:]
	}
	return msgs, nil
}

// FindOrCreateConversation returns the conversation for the unordered pair,
// creating it with an empty summary when absent. Repeated calls with either
// argument order return the same conversation.
func (m *MemoryBackend) FindOrCreateConversation(ctx context.Context, userA, userB string) (*Conversation, error) {
	id := CanonicalConversationID(userA, userB)

	m.mu.Lock()
	defer m.mu.Unlock()

	if conv, ok := m.conversations[id]; ok {
		c := *conv
		return &c, nil
	}

	now := time.Now()
	conv := &Conversation{
		ID:              id,
		Participants:    [2]string{userA, userB},
		LastMessage:     "",
		LastMessageTime: now,
		MessageCount:    0,
		CreatedAt:       now,
	}
	m.conversations[id] = conv

	c := *conv
	return &c, nil
}

// UnreadReceivers returns the ids of all users with at least one unread
// message, sorted.
func (m *MemoryBackend) UnreadReceivers(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	seen := make(map[string]struct{})
	for _, msgs := range m.messages {
		for _, msg := range msgs {
			if !msg.Read {
				seen[msg.ReceiverID] = struct{}{}
			}
		}
	}
	m.mu.RUnlock()

	receivers := make([]string, 0, len(seen))
	for id := range seen {
		receivers = append(receivers, id)
	}
	sort.Strings(receivers)
	return receivers, nil
}

// UnreadByReceiver returns all unread messages addressed to receiverID,
// newest first. Read by the digest worker; the relay never calls this.
func (m *MemoryBackend) UnreadByReceiver(ctx context.Context, receiverID string) ([]Message, error) {
	m.mu.RLock()
	unread := make([]Message, 0)
	for _, msgs := range m.messages {
		for _, msg := range msgs {
			if msg.ReceiverID == receiverID && !msg.Read {
				unread = append(unread, msg)
			}
		}
	}
	m.mu.RUnlock()

	sort.SliceStable(unread, func(i, j int) bool {
		return unread[i].Timestamp.After(unread[j].Timestamp)
	})
	return unread, nil
}
