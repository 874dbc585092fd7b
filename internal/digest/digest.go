// Package digest implements the periodic unread-message digest. On each tick
// the worker finds every user with unread messages and publishes one email
// job per user to the digest queue. Sending the actual email is the digest
// consumer's job; this worker only assembles and publishes.
package digest

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/pingline/chat-relay/internal/metrics"
	"github.com/pingline/chat-relay/internal/store"
)

// MaxEntriesPerJob caps how many messages a single digest job carries. The
// job's UnreadCount still reflects the full unread total.
const MaxEntriesPerJob = 10

// UnreadSource is the slice of the store the worker reads. Both store
// backends implement it; the worker runs against the durable backend
// directly since relay-local fallback contents are not reachable from a
// separate process.
type UnreadSource interface {
	UnreadReceivers(ctx context.Context) ([]string, error)
	UnreadByReceiver(ctx context.Context, receiverID string) ([]store.Message, error)
}

// Publisher delivers assembled digest jobs to the email queue.
type Publisher interface {
	PublishDigest(data []byte) error
}

// Job is the wire format of one digest email job.
type Job struct {
	ReceiverID  string    `json:"receiverId"`
	UnreadCount int       `json:"unreadCount"`
	Messages    []Entry   `json:"messages"` // newest first, capped
	GeneratedAt time.Time `json:"generatedAt"`
}

// Entry is one unread message inside a digest job.
type Entry struct {
	SenderID       string    `json:"senderId"`
	Content        string    `json:"content"`
	ConversationID string    `json:"conversationId"`
	Timestamp      time.Time `json:"timestamp"`
}

// Worker assembles and publishes digest jobs on a fixed interval.
type Worker struct {
	source    UnreadSource
	publisher Publisher
	interval  time.Duration
}

// NewWorker creates a digest worker. interval is how often a full digest pass
// runs.
func NewWorker(source UnreadSource, publisher Publisher, interval time.Duration) *Worker {
	return &Worker{
		source:    source,
		publisher: publisher,
		interval:  interval,
	}
}

// Run executes digest passes on the worker's interval until ctx is canceled.
// A failed pass is logged and retried on the next tick.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	log.Printf("[digest] worker started interval=%s", w.interval)

	for {
		select {
		case <-ctx.Done():
			log.Printf("[digest] worker stopped")
			return
		case <-ticker.C:
			if err := w.RunOnce(ctx); err != nil {
				log.Printf("[digest] pass failed: %v", err)
			}
		}
	}
}

// RunOnce performs a single digest pass: one job published per receiver with
// unread messages. A per-receiver failure is counted and logged but does not
// abort the pass.
func (w *Worker) RunOnce(ctx context.Context) error {
	receivers, err := w.source.UnreadReceivers(ctx)
	if err != nil {
		return fmt.Errorf("digest: list receivers: %w", err)
	}

	published := 0
	for _, receiverID := range receivers {
		if err := w.publishFor(ctx, receiverID); err != nil {
			log.Printf("[digest] job failed receiver=%s: %v", receiverID, err)
			metrics.DigestJobsTotal.WithLabelValues("failed").Inc()
			continue
		}
		metrics.DigestJobsTotal.WithLabelValues("published").Inc()
		published++
	}

	if len(receivers) > 0 {
		log.Printf("[digest] pass complete receivers=%d published=%d", len(receivers), published)
	}
	return nil
}

// publishFor assembles and publishes the digest job for one receiver.
func (w *Worker) publishFor(ctx context.Context, receiverID string) error {
	unread, err := w.source.UnreadByReceiver(ctx, receiverID)
	if err != nil {
		return fmt.Errorf("fetch unread: %w", err)
	}
	if len(unread) == 0 {
		return nil
	}

	job := BuildJob(receiverID, unread)
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := w.publisher.PublishDigest(data); err != nil {
		return fmt.Errorf("publish job: %w", err)
	}
	return nil
}

// BuildJob turns a receiver's unread set (expected newest first) into a
// digest job, capping the embedded entries at MaxEntriesPerJob.
func BuildJob(receiverID string, unread []store.Message) Job {
	entries := make([]Entry, 0, len(unread))
	for _, m := range unread {
		if len(entries) == MaxEntriesPerJob {
			break
		}
		entries = append(entries, Entry{
			SenderID:       m.SenderID,
			Content:        m.Content,
			ConversationID: m.ConversationID,
			Timestamp:      m.Timestamp,
		})
	}

	return Job{
		ReceiverID:  receiverID,
		UnreadCount: len(unread),
		Messages:    entries,
		GeneratedAt: time.Now(),
	}
}
