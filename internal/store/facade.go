package store

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/pingline/chat-relay/internal/metrics"
)

// DurableCallTimeout bounds every call against the durable backend so a
// stuck database call blocks only the event currently processing it.
const DurableCallTimeout = 5 * time.Second

// Facade presents one uniform store to the relay and routes each call to the
// durable backend when it is believed reachable, or to the fallback store
// otherwise. The connectivity flag is evaluated per call, not cached per
// session. Any durable-backend error marks the flag down and the call is
// transparently retried on the fallback; there is no automatic reconnection
// loop, and data written while degraded stays in the fallback store even if
// the durable backend later recovers.
type Facade struct {
	durable   Backend
	fallback  Backend
	available atomic.Bool
}

// NewFacade creates a facade over the given backends. durable may be nil
// (connection failed at startup), in which case every call uses the
// fallback. fallback must be non-nil.
func NewFacade(durable Backend, fallback Backend) *Facade {
	f := &Facade{
		durable:  durable,
		fallback: fallback,
	}
	f.available.Store(durable != nil)
	return f
}

// Available reports whether the durable backend is currently selected.
func (f *Facade) Available() bool {
	return f.durable != nil && f.available.Load()
}

// SetAvailable flips the connectivity flag. Exposed so an operator signal or
// driver-level recovery notification can restore durable selection; the
// facade itself never probes.
func (f *Facade) SetAvailable(v bool) {
	if f.durable == nil {
		return
	}
	f.available.Store(v)
}

// markDown records a durable-backend failure and demotes to the fallback.
func (f *Facade) markDown(op string, err error) {
	if f.available.CompareAndSwap(true, false) {
		log.Printf("[store] durable backend down (op=%s): %v — using in-memory fallback", op, err)
	}
	metrics.PersistenceFallbacks.Inc()
}

// observe times a durable call for the store latency histogram.
func observe(start time.Time) {
	metrics.StoreLatency.Observe(time.Since(start).Seconds())
}

// SaveMessage writes the message and its conversation summary update through
// the selected backend.
func (f *Facade) SaveMessage(ctx context.Context, msg *Message) error {
	if f.Available() {
		dctx, cancel := context.WithTimeout(ctx, DurableCallTimeout)
		start := time.Now()
		err := f.durable.SaveMessage(dctx, msg)
		observe(start)
		cancel()
		if err == nil {
			return nil
		}
		f.markDown("save_message", err)
	}
	return f.fallback.SaveMessage(ctx, msg)
}

// ConversationsByParticipant lists userID's conversations, newest first.
func (f *Facade) ConversationsByParticipant(ctx context.Context, userID string) ([]Conversation, error) {
	if f.Available() {
		dctx, cancel := context.WithTimeout(ctx, DurableCallTimeout)
		start := time.Now()
		convs, err := f.durable.ConversationsByParticipant(dctx, userID)
		observe(start)
		cancel()
		if err == nil {
			return convs, nil
		}
		f.markDown("conversations_by_participant", err)
	}
	return f.fallback.ConversationsByParticipant(ctx, userID)
}

// MessagesByConversation returns the capped ascending history of a
// conversation.
func (f *Facade) MessagesByConversation(ctx context.Context, conversationID string) ([]Message, error) {
	if f.Available() {
		dctx, cancel := context.WithTimeout(ctx, DurableCallTimeout)
		start := time.Now()
		msgs, err := f.durable.MessagesByConversation(dctx, conversationID)
		observe(start)
		cancel()
		if err == nil {
			return msgs, nil
		}
		f.markDown("messages_by_conversation", err)
	}
	return f.fallback.MessagesByConversation(ctx, conversationID)
}

// FindOrCreateConversation resolves the unordered pair to its conversation,
// creating it when absent.
func (f *Facade) FindOrCreateConversation(ctx context.Context, userA, userB string) (*Conversation, error) {
	if f.Available() {
		dctx, cancel := context.WithTimeout(ctx, DurableCallTimeout)
		start := time.Now()
		conv, err := f.durable.FindOrCreateConversation(dctx, userA, userB)
		observe(start)
		cancel()
		if err == nil {
			return conv, nil
		}
		f.markDown("find_or_create_conversation", err)
	}
	return f.fallback.FindOrCreateConversation(ctx, userA, userB)
}

// UnreadByReceiver returns unread messages for receiverID, newest first.
func (f *Facade) UnreadByReceiver(ctx context.Context, receiverID string) ([]Message, error) {
	if f.Available() {
		dctx, cancel := context.WithTimeout(ctx, DurableCallTimeout)
		start := time.Now()
		msgs, err := f.durable.UnreadByReceiver(dctx, receiverID)
		observe(start)
		cancel()
		if err == nil {
			return msgs, nil
		}
		f.markDown("unread_by_receiver", err)
	}
	return f.fallback.UnreadByReceiver(ctx, receiverID)
}
