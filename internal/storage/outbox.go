package storage

import (
	"fmt"
	"time"
)

// OutboxEntry is one message queued while offline, replayed in order on
// reconnect.
type OutboxEntry struct {
	ID             int64
	ConversationID string
	Content        string
	Kind           string
	AttachmentRef  string
	ClientMsgID    string
	CreatedAt      int64
}

// Enqueue appends a message to the pending outbox.
func (d *DB) Enqueue(e OutboxEntry) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	createdAt := e.CreatedAt
	if createdAt == 0 {
		createdAt = time.Now().UnixMilli()
	}
	_, err := d.db.Exec(`
		INSERT INTO outbox (conversation_id, content, kind, attachment_ref, client_msg_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.ConversationID, e.Content, e.Kind, e.AttachmentRef, e.ClientMsgID, createdAt)
	if err != nil {
		return fmt.Errorf("enqueue outbox: %w", err)
	}
	return nil
}

// PendingOutbox returns the unsent entries in enqueue order.
func (d *DB) PendingOutbox() ([]OutboxEntry, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rows, err := d.db.Query(`
		SELECT id, conversation_id, content, kind, attachment_ref, client_msg_id, created_at
		FROM outbox WHERE status = 'pending' ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	var out []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.ID, &e.ConversationID, &e.Content, &e.Kind,
			&e.AttachmentRef, &e.ClientMsgID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outbox entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkOutboxSent flags one entry as successfully replayed.
func (d *DB) MarkOutboxSent(id int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.db.Exec(`UPDATE outbox SET status = 'sent' WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("mark outbox sent: %w", err)
	}
	return nil
}

// ClearSentOutbox deletes entries that have been replayed.
func (d *DB) ClearSentOutbox() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.db.Exec(`DELETE FROM outbox WHERE status = 'sent'`)
	if err != nil {
		return fmt.Errorf("clear sent outbox: %w", err)
	}
	return nil
}
