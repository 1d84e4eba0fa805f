// Package events keeps a local record of processed messages and publishes
// invoice.processed events through a transactional outbox drained to NATS.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS processed_messages (
	message_id TEXT PRIMARY KEY,
	invoice_ref TEXT NOT NULL,
	folder_id TEXT NOT NULL,
	processed_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS outbox (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ts INTEGER NOT NULL,
	subject TEXT NOT NULL,
	payload BLOB NOT NULL,
	msg_id TEXT NOT NULL,
	retries INTEGER NOT NULL DEFAULT 0,
	next_attempt_at INTEGER NOT NULL,
	published_at INTEGER
);

CREATE INDEX IF NOT EXISTS idx_outbox_pending ON outbox (next_attempt_at) WHERE published_at IS NULL;
`

// Subject carries processed-invoice events.
const Subject = "facturador.invoice.processed"

// Ledger is the sqlite-backed processed-message record plus outbox.
type Ledger struct {
	db *sql.DB
}

// OutboxMessage is one pending event.
type OutboxMessage struct {
	ID      int64
	Subject string
	Payload []byte
	MsgID   string
}

// ProcessedEvent is the payload published for each completed message.
type ProcessedEvent struct {
	EventID    string `json:"event_id"`
	TS         int64  `json:"ts"`
	MessageID  string `json:"message_id"`
	InvoiceRef string `json:"invoice_ref"`
	FolderID   string `json:"folder_id"`
}

// OpenLedger opens or creates the ledger database at path.
func OpenLedger(path string) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open ledger database: %w", err)
	}
	if _, err := db.Exec(ledgerSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply ledger schema: %w", err)
	}
	return &Ledger{db: db}, nil
}

func (l *Ledger) Close() error {
	return l.db.Close()
}

// IsProcessed reports whether messageID already has a ledger entry. This is a
// secondary idempotency gate ahead of the processed label, covering a mailbox
// that is slow to reflect just-applied labels.
func (l *Ledger) IsProcessed(ctx context.Context, messageID string) (bool, error) {
	var one int
	err := l.db.QueryRowContext(ctx, `
		SELECT 1 FROM processed_messages WHERE message_id = ?
	`, messageID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query processed record: %w", err)
	}
	return true, nil
}

// RecordProcessed stores the processed marker and enqueues the corresponding
// event in one transaction. Re-recording the same message is a no-op.
func (l *Ledger) RecordProcessed(ctx context.Context, messageID, invoiceRef, folderID string) error {
	now := time.Now()
	event := ProcessedEvent{
		EventID:    uuid.NewString(),
		TS:         now.Unix(),
		MessageID:  messageID,
		InvoiceRef: invoiceRef,
		FolderID:   folderID,
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode processed event: %w", err)
	}
	msgID := fmt.Sprintf("invoice.processed|%s|%s", messageID, invoiceRef)

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin ledger transaction: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO processed_messages (message_id, invoice_ref, folder_id, processed_at)
		VALUES (?, ?, ?, ?)
	`, messageID, invoiceRef, folderID, now.Unix())
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("insert processed record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Already recorded; no second event.
		tx.Rollback()
		return nil
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO outbox (ts, subject, payload, msg_id, next_attempt_at)
		VALUES (?, ?, ?, ?, ?)
	`, now.Unix(), Subject, payload, msgID, now.Unix())
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("insert outbox entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit ledger transaction: %w", err)
	}
	return nil
}

// DequeueOutbox fetches up to limit unpublished messages that are due.
func (l *Ledger) DequeueOutbox(ctx context.Context, limit int) ([]OutboxMessage, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, subject, payload, msg_id
		FROM outbox
		WHERE published_at IS NULL AND next_attempt_at <= ?
		ORDER BY id
		LIMIT ?
	`, time.Now().Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	var messages []OutboxMessage
	for rows.Next() {
		var msg OutboxMessage
		if err := rows.Scan(&msg.ID, &msg.Subject, &msg.Payload, &msg.MsgID); err != nil {
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// MarkPublished records a successful publish.
func (l *Ledger) MarkPublished(ctx context.Context, id int64) error {
	_, err := l.db.ExecContext(ctx, `
		UPDATE outbox SET published_at = ? WHERE id = ?
	`, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("mark published: %w", err)
	}
	return nil
}

// MarkRetry schedules another publish attempt after backoff.
func (l *Ledger) MarkRetry(ctx context.Context, id int64, backoff time.Duration) error {
	_, err := l.db.ExecContext(ctx, `
		UPDATE outbox
		SET retries = retries + 1, next_attempt_at = ?
		WHERE id = ?
	`, time.Now().Add(backoff).Unix(), id)
	if err != nil {
		return fmt.Errorf("mark retry: %w", err)
	}
	return nil
}
