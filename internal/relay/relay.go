// Package relay implements the connection-event dispatcher at the core of
// the chat service: it tracks presence, routes messages between live
// connections, and writes the conversation/message log through the
// persistence facade. Each inbound event type has one handler; handlers fail
// closed on malformed input and report faults to the originating connection
// via typed error events, never across connections.
package relay

import (
	"context"
	"encoding/json"
	"log"
	"strconv"
	"time"

	"github.com/pingline/chat-relay/internal/metrics"
	"github.com/pingline/chat-relay/internal/presence"
	"github.com/pingline/chat-relay/internal/protocol"
	"github.com/pingline/chat-relay/internal/store"
	"github.com/pingline/chat-relay/internal/ws"
)

// Sender delivers outbound frames to live connections. Implemented by the
// ws.Server; faked in tests.
type Sender interface {
	SendTo(connID string, data []byte) error
	Broadcast(data []byte)
}

// MessageLimiter throttles message:send per sender. A nil limiter disables
// throttling. Implementations should fail open on infrastructure errors.
type MessageLimiter interface {
	Allow(ctx context.Context, senderID string) (bool, error)
}

// EventPublisher receives persisted-message events for external consumers
// (audit stream, digest worker). Publication is best-effort; a nil publisher
// disables it.
type EventPublisher interface {
	PublishMessageSaved(data []byte) error
}

// Relay owns the presence registry and the persistence facade. Both are
// mutated exclusively by its handlers; no other component writes them.
type Relay struct {
	registry *presence.Registry
	store    *store.Facade
	sender   Sender
	limiter  MessageLimiter
	events   EventPublisher
}

// New creates a Relay over the given registry, store facade, and sender.
// limiter and events may be nil.
func New(registry *presence.Registry, st *store.Facade, sender Sender, limiter MessageLimiter, events EventPublisher) *Relay {
	return &Relay{
		registry: registry,
		store:    st,
		sender:   sender,
		limiter:  limiter,
		events:   events,
	}
}

// Register wires the relay's handlers into the dispatcher, one per inbound
// event type. The dispatch table is the full inbound surface of the relay.
func (r *Relay) Register(d *ws.MessageDispatcher) {
	d.Register(protocol.TypeLogin, func(conn *ws.Connection, msg interface{}) {
		if m, ok := msg.(protocol.LoginMsg); ok {
			r.HandleLogin(conn.ID, m)
		}
	})
	d.Register(protocol.TypeSend, func(conn *ws.Connection, msg interface{}) {
		if m, ok := msg.(protocol.SendMsg); ok {
			r.HandleSend(conn.ID, m)
		}
	})
	d.Register(protocol.TypeGetConversations, func(conn *ws.Connection, msg interface{}) {
		if m, ok := msg.(protocol.GetConversationsMsg); ok {
			r.HandleGetConversations(conn.ID, m)
		}
	})
	d.Register(protocol.TypeGetMessages, func(conn *ws.Connection, msg interface{}) {
		if m, ok := msg.(protocol.GetMessagesMsg); ok {
			r.HandleGetMessages(conn.ID, m)
		}
	})
	d.Register(protocol.TypeCreateConversation, func(conn *ws.Connection, msg interface{}) {
		if m, ok := msg.(protocol.CreateConversationMsg); ok {
			r.HandleCreateConversation(conn.ID, m)
		}
	})
}

// NewMessageID builds a wall-clock message identifier (unix milliseconds).
// Collisions under concurrent sends are not a correctness requirement of
// this layer; ordering within a conversation comes from the timestamp.
func NewMessageID() string {
	return strconv.FormatInt(time.Now().UnixMilli(), 10)
}

// HandleLogin upserts the presence entry for the announced user, bound to
// the originating connection, and broadcasts the full presence list to all
// connections. Identity is externally issued and trusted as supplied. A
// login for an already-online user replaces the previous entry
// (last-login-wins); there is no error path once the connection exists.
func (r *Relay) HandleLogin(connID string, m protocol.LoginMsg) {
	if m.UserID == "" {
		log.Printf("[relay] login with empty userId conn=%s ignored", connID)
		return
	}

	r.registry.Set(presence.Entry{
		UserID: m.UserID,
		Name:   m.Name,
		Email:  m.Email,
		Image:  m.Image,
		ConnID: connID,
	})
	metrics.OnlineUsers.Set(float64(r.registry.Count()))

	log.Printf("[relay] user %s (%s) logged in conn=%s online=%d",
		m.UserID, m.Name, connID, r.registry.Count())

	r.broadcastPresence()
}

// HandleSend persists the message through the facade and routes it: a
// message:receive to the receiver if online, and unconditionally a
// message:sent confirmation to the sender. Persistence and delivery are
// independent steps — a persistence failure is reported to the sender as a
// message:error but never blocks delivery.
func (r *Relay) HandleSend(connID string, m protocol.SendMsg) {
	ctx := context.Background()

	if m.SenderID == "" || m.ReceiverID == "" || m.ConversationID == "" {
		r.sendEvent(connID, protocol.TypeMessageError, protocol.ErrorMsg{
			Code: "invalid_message", Message: "senderId, receiverId and conversationId are required",
		})
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return
	}
	if err := ValidateContent(m.Content); err != nil {
		r.sendEvent(connID, protocol.TypeMessageError, protocol.ErrorMsg{
			Code: "invalid_message", Message: err.Error(),
		})
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return
	}

	if r.limiter != nil {
		allowed, err := r.limiter.Allow(ctx, m.SenderID)
		if err != nil {
			log.Printf("[relay] rate limit check failed sender=%s: %v (failing open)", m.SenderID, err)
		} else if !allowed {
			r.sendEvent(connID, protocol.TypeMessageError, protocol.ErrorMsg{
				Code: "rate_limited", Message: "too many messages, slow down",
			})
			metrics.MessagesTotal.WithLabelValues("rejected").Inc()
			return
		}
	}

	msg := store.Message{
		ID:             NewMessageID(),
		SenderID:       m.SenderID,
		ReceiverID:     m.ReceiverID,
		Content:        m.Content,
		ConversationID: m.ConversationID,
		Timestamp:      time.Now(),
		Read:           false,
	}

	if err := r.store.SaveMessage(ctx, &msg); err != nil {
		// Even the fallback store failed. Delivery still proceeds; the
		// sender learns about the persistence loss through a distinct
		// error event rather than a dropped message.
		log.Printf("[relay] persist failed conv=%s sender=%s: %v", m.ConversationID, m.SenderID, err)
		r.sendEvent(connID, protocol.TypeMessageError, protocol.ErrorMsg{
			Code: "persist_failed", Message: "failed to save message",
		})
	} else if r.events != nil {
		if data, err := json.Marshal(toProtoMessage(msg)); err == nil {
			if err := r.events.PublishMessageSaved(data); err != nil {
				log.Printf("[relay] event publish failed conv=%s: %v", m.ConversationID, err)
			}
		}
	}

	// Deliver to the receiver's live connection, if any.
	if entry, online := r.registry.Get(m.ReceiverID); online {
		out := toProtoMessage(msg)
		out.Read = false
		r.sendEvent(entry.ConnID, protocol.TypeMessageReceive, protocol.MessageEventMsg{Message: out})
		metrics.MessagesTotal.WithLabelValues("delivered").Inc()
	} else {
		metrics.MessagesTotal.WithLabelValues("offline").Inc()
	}

	// Confirm back to the sender. The sender's copy is marked read=true
	// immediately; there is no corresponding receiver-side read marking.
	confirmation := toProtoMessage(msg)
	confirmation.Read = true
	r.sendEvent(connID, protocol.TypeMessageSent, protocol.MessageEventMsg{Message: confirmation})
}

// HandleGetConversations returns the conversations the user participates in,
// newest activity first.
func (r *Relay) HandleGetConversations(connID string, m protocol.GetConversationsMsg) {
	if m.UserID == "" {
		r.sendEvent(connID, protocol.TypeConversationsError, protocol.ErrorMsg{
			Code: "invalid_request", Message: "userId is required",
		})
		return
	}

	convs, err := r.store.ConversationsByParticipant(context.Background(), m.UserID)
	if err != nil {
		log.Printf("[relay] fetch conversations failed user=%s: %v", m.UserID, err)
		r.sendEvent(connID, protocol.TypeConversationsError, protocol.ErrorMsg{
			Code: "fetch_failed", Message: "failed to fetch conversations",
		})
		return
	}

	list := make([]protocol.Conversation, 0, len(convs))
	for _, c := range convs {
		list = append(list, toProtoConversation(c))
	}
	r.sendEvent(connID, protocol.TypeConversationsList, protocol.ConversationsListMsg{Conversations: list})
}

// HandleGetMessages returns up to the 50 most recent messages of the
// conversation in ascending timestamp order. An unknown conversation yields
// an empty history, not an error.
func (r *Relay) HandleGetMessages(connID string, m protocol.GetMessagesMsg) {
	if m.ConversationID == "" {
		r.sendEvent(connID, protocol.TypeMessagesError, protocol.ErrorMsg{
			Code: "invalid_request", Message: "conversationId is required",
		})
		return
	}

	msgs, err := r.store.MessagesByConversation(context.Background(), m.ConversationID)
	if err != nil {
		log.Printf("[relay] fetch messages failed conv=%s: %v", m.ConversationID, err)
		r.sendEvent(connID, protocol.TypeMessagesError, protocol.ErrorMsg{
			Code: "fetch_failed", Message: "failed to fetch messages",
		})
		return
	}

	history := make([]protocol.Message, 0, len(msgs))
	for _, msg := range msgs {
		history = append(history, toProtoMessage(msg))
	}
	r.sendEvent(connID, protocol.TypeMessagesHistory, protocol.MessagesHistoryMsg{
		ConversationID: m.ConversationID,
		Messages:       history,
	})
}

// HandleCreateConversation resolves the unordered user pair to its
// conversation, creating one with an empty summary when absent. Repeated
// calls with either argument order return the same conversation.
func (r *Relay) HandleCreateConversation(connID string, m protocol.CreateConversationMsg) {
	if m.UserID1 == "" || m.UserID2 == "" {
		r.sendEvent(connID, protocol.TypeConversationError, protocol.ErrorMsg{
			Code: "invalid_request", Message: "userId1 and userId2 are required",
		})
		return
	}

	conv, err := r.store.FindOrCreateConversation(context.Background(), m.UserID1, m.UserID2)
	if err != nil {
		log.Printf("[relay] create conversation failed %s/%s: %v", m.UserID1, m.UserID2, err)
		r.sendEvent(connID, protocol.TypeConversationError, protocol.ErrorMsg{
			Code: "create_failed", Message: "failed to create conversation",
		})
		return
	}

	r.sendEvent(connID, protocol.TypeConversationCreated, protocol.ConversationCreatedMsg{
		Conversation: toProtoConversation(*conv),
	})
}

// HandleDisconnect evicts the presence entry owned by the closed connection
// and rebroadcasts the presence list. Connections that never logged in
// leave no entry behind. Wired into the ws server's disconnect callback.
func (r *Relay) HandleDisconnect(connID string) {
	entry, ok := r.registry.RemoveByConn(connID)
	if !ok {
		return
	}
	metrics.OnlineUsers.Set(float64(r.registry.Count()))

	log.Printf("[relay] user %s disconnected conn=%s online=%d",
		entry.UserID, connID, r.registry.Count())

	r.broadcastPresence()
}

// broadcastPresence sends the full current presence list to every
// connection, logged-in or not.
func (r *Relay) broadcastPresence() {
	entries := r.registry.List()
	users := make([]protocol.User, 0, len(entries))
	for _, e := range entries {
		users = append(users, protocol.User{
			ID:    e.UserID,
			Name:  e.Name,
			Email: e.Email,
			Image: e.Image,
		})
	}

	data, err := protocol.NewServerMessage(protocol.TypeActiveUsers, protocol.ActiveUsersMsg{Users: users})
	if err != nil {
		log.Printf("[relay] failed to build presence broadcast: %v", err)
		return
	}
	r.sender.Broadcast(data)
}

// sendEvent builds and sends a server event to one connection. Failures are
// logged, never propagated: a closed receiving connection must not affect
// the sender's event processing.
func (r *Relay) sendEvent(connID string, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("[relay] failed to build %s event conn=%s: %v", msgType, connID, err)
		return
	}
	if err := r.sender.SendTo(connID, data); err != nil {
		log.Printf("[relay] failed to send %s event conn=%s: %v", msgType, connID, err)
	}
}

// toProtoConversation converts a stored conversation to its wire shape.
func toProtoConversation(c store.Conversation) protocol.Conversation {
	return protocol.Conversation{
		ID:              c.ID,
		Participants:    []string{c.Participants[0], c.Participants[1]},
		LastMessage:     c.LastMessage,
		LastMessageTime: c.LastMessageTime,
		MessageCount:    c.MessageCount,
	}
}

// toProtoMessage converts a stored message to its wire shape.
func toProtoMessage(m store.Message) protocol.Message {
	return protocol.Message{
		ID:             m.ID,
		SenderID:       m.SenderID,
		ReceiverID:     m.ReceiverID,
		Content:        m.Content,
		ConversationID: m.ConversationID,
		Timestamp:      m.Timestamp,
		Read:           m.Read,
	}
}
