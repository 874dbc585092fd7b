package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	pgmigrate "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresBackend is the durable store. All write paths that touch both a
// message and its conversation summary run inside a single transaction so
// the summary never drifts from the message log.
type PostgresBackend struct {
	db *sql.DB
}

// OpenPostgres connects to PostgreSQL using the given connection string,
// verifies the connection with a bounded ping, and applies any pending
// schema migrations. The caller decides how to degrade if this fails; the
// relay treats a failed open as "durable backend down" and starts on the
// fallback store.
func OpenPostgres(dsn string) (*PostgresBackend, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: postgres open: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: postgres ping: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	return &PostgresBackend{db: db}, nil
}

// runMigrations applies the embedded SQL migrations to the connected
// database, treating "no change" as success.
func runMigrations(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("store: migration source: %w", err)
	}

	driver, err := pgmigrate.WithInstance(db, &pgmigrate.Config{})
	if err != nil {
		return fmt.Errorf("store: migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("store: migrate init: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("store: migrate up: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (p *PostgresBackend) Close() error {
	return p.db.Close()
}

// SaveMessage inserts the message and bumps the owning conversation's
// summary fields in one transaction. A message for a conversation that was
// never created still inserts; the summary UPDATE is then a no-op.
func (p *PostgresBackend) SaveMessage(ctx context.Context, msg *Message) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	const insertQuery = `
		INSERT INTO messages (id, conversation_id, sender_id, receiver_id, content, sent_at, read)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	if _, err := tx.ExecContext(ctx, insertQuery,
		msg.ID, msg.ConversationID, msg.SenderID, msg.ReceiverID,
		msg.Content, msg.Timestamp, msg.Read,
	); err != nil {
		return fmt.Errorf("store: insert message: %w", err)
	}

	const summaryQuery = `
		UPDATE conversations
		SET last_message = $2, last_message_time = $3, message_count = message_count + 1
		WHERE id = $1`

	if _, err := tx.ExecContext(ctx, summaryQuery,
		msg.ConversationID, msg.Content, msg.Timestamp,
	); err != nil {
		return fmt.Errorf("store: update conversation summary: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// ConversationsByParticipant returns the conversations userID participates
// in, newest lastMessageTime first.
func (p *PostgresBackend) ConversationsByParticipant(ctx context.Context, userID string) ([]Conversation, error) {
	const query = `
		SELECT id, participant_a, participant_b, last_message, last_message_time, message_count, created_at
		FROM conversations
		WHERE participant_a = $1 OR participant_b = $1
		ORDER BY last_message_time DESC`

	rows, err := p.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("store: query conversations: %w", err)
	}
	defer rows.Close()

	convs := make([]Conversation, 0)
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.Participants[0], &c.Participants[1],
			&c.LastMessage, &c.LastMessageTime, &c.MessageCount, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan conversation: %w", err)
		}
		convs = append(convs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: conversations rows: %w", err)
	}
	return convs, nil
}

// MessagesByConversation returns up to the HistoryLimit most recent messages
// of the conversation in ascending timestamp order.
func (p *PostgresBackend) MessagesByConversation(ctx context.Context, conversationID string) ([]Message, error) {
	const query = `
		SELECT id, conversation_id, sender_id, receiver_id, content, sent_at, read
		FROM (
			SELECT id, conversation_id, sender_id, receiver_id, content, sent_at, read
			FROM messages
			WHERE conversation_id = $1
			ORDER BY sent_at DESC, id DESC
			LIMIT $2
		) recent
		ORDER BY sent_at ASC, id ASC`

	rows, err := p.db.QueryContext(ctx, query, conversationID, HistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("store: query messages: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

// FindOrCreateConversation upserts the conversation for the unordered pair
// keyed on the canonical id. ON CONFLICT DO NOTHING makes repeated calls
// idempotent regardless of argument order.
func (p *PostgresBackend) FindOrCreateConversation(ctx context.Context, userA, userB string) (*Conversation, error) {
	id := CanonicalConversationID(userA, userB)
	if userB < userA {
		userA, userB = userB, userA
	}

	const insertQuery = `
		INSERT INTO conversations (id, participant_a, participant_b, last_message, last_message_time, message_count, created_at)
		VALUES ($1, $2, $3, '', NOW(), 0, NOW())
		ON CONFLICT (id) DO NOTHING`

	if _, err := p.db.ExecContext(ctx, insertQuery, id, userA, userB); err != nil {
		return nil, fmt.Errorf("store: create conversation: %w", err)
	}

	const selectQuery = `
		SELECT id, participant_a, participant_b, last_message, last_message_time, message_count, created_at
		FROM conversations
		WHERE id = $1`

	var c Conversation
	if err := p.db.QueryRowContext(ctx, selectQuery, id).Scan(
		&c.ID, &c.Participants[0], &c.Participants[1],
		&c.LastMessage, &c.LastMessageTime, &c.MessageCount, &c.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("store: load conversation: %w", err)
	}
	return &c, nil
}

// UnreadByReceiver returns all unread messages addressed to receiverID,
// newest first. Used by the digest worker.
func (p *PostgresBackend) UnreadByReceiver(ctx context.Context, receiverID string) ([]Message, error) {
	const query = `
		SELECT id, conversation_id, sender_id, receiver_id, content, sent_at, read
		FROM messages
		WHERE receiver_id = $1 AND NOT read
		ORDER BY sent_at DESC`

	rows, err := p.db.QueryContext(ctx, query, receiverID)
	if err != nil {
		return nil, fmt.Errorf("store: query unread: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

// UnreadReceivers returns the ids of all users with at least one unread
// message. The digest worker uses this to enumerate who needs a digest,
// then fetches each user's unread set with UnreadByReceiver.
func (p *PostgresBackend) UnreadReceivers(ctx context.Context) ([]string, error) {
	const query = `
		SELECT DISTINCT receiver_id
		FROM messages
		WHERE NOT read
		ORDER BY receiver_id`

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("store: query unread receivers: %w", err)
	}
	defer rows.Close()

	receivers := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan receiver: %w", err)
		}
		receivers = append(receivers, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: receiver rows: %w", err)
	}
	return receivers, nil
}

// scanMessages drains a message result set in column order.
func scanMessages(rows *sql.Rows) ([]Message, error) {
	msgs := make([]Message, 0)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.ReceiverID,
			&m.Content, &m.Timestamp, &m.Read); err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: message rows: %w", err)
	}
	return msgs, nil
}
