package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/AngkinV/Nexus-All/internal/wire"
)

// Message statuses for the two-phase optimistic record.
const (
	StatusSending   = "sending"
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusFailed    = "failed"
)

// Message is one cached message row. LocalID is the stable handle handed to
// the UI layer; it never changes when the server id is bound later.
type Message struct {
	LocalID        int64
	ServerID       string
	ConversationID string
	SenderID       string
	Content        string
	Kind           string
	AttachmentRef  string
	ClientMsgID    string
	Sequence       int64
	Status         string
	IsRead         bool
	CreatedAt      int64
}

// SaveOptimistic inserts a local placeholder for an outbound message with
// status "sending" and no server id yet.
func (d *DB) SaveOptimistic(msg wire.ChatMessage) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	createdAt := msg.CreatedAt
	if createdAt == 0 {
		createdAt = time.Now().UnixMilli()
	}
	_, err := d.db.Exec(`
		INSERT INTO messages (conversation_id, sender_id, content, kind, attachment_ref, client_msg_id, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ConversationID, msg.SenderID, msg.Content, msg.Kind, msg.AttachmentRef,
		msg.ClientMsgID, StatusSending, createdAt)
	if err != nil {
		return fmt.Errorf("save optimistic message: %w", err)
	}
	return nil
}

// BindServerID upgrades an optimistic record to its server identity: the
// server id and sequence are bound, status becomes "sent", and the local
// row id the UI observed stays the same.
func (d *DB) BindServerID(conversationID, clientMsgID, serverMsgID string, sequence int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.db.Exec(`
		UPDATE messages SET server_id = ?, sequence = ?, status = ?
		WHERE conversation_id = ? AND client_msg_id = ?`,
		serverMsgID, sequence, StatusSent, conversationID, clientMsgID)
	if err != nil {
		return fmt.Errorf("bind server id: %w", err)
	}
	return nil
}

// MarkFailed marks the record for clientMsgID failed. The row stays visible
// for manual retry.
func (d *DB) MarkFailed(conversationID, clientMsgID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.db.Exec(`
		UPDATE messages SET status = ?
		WHERE conversation_id = ? AND client_msg_id = ?`,
		StatusFailed, conversationID, clientMsgID)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

// MarkDelivered marks a sent message as having reached its recipient.
func (d *DB) MarkDelivered(conversationID, serverMsgID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.db.Exec(`
		UPDATE messages SET status = ?
		WHERE conversation_id = ? AND server_id = ?`,
		StatusDelivered, conversationID, serverMsgID)
	if err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	return nil
}

// MarkRead applies a read receipt. MessageID "all" marks every message in
// the conversation not sent by userID.
func (d *DB) MarkRead(conversationID, userID, messageID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var err error
	if messageID == "all" {
		_, err = d.db.Exec(`
			UPDATE messages SET is_read = 1
			WHERE conversation_id = ? AND sender_id != ?`,
			conversationID, userID)
	} else {
		_, err = d.db.Exec(`
			UPDATE messages SET is_read = 1
			WHERE conversation_id = ? AND server_id = ?`,
			conversationID, messageID)
	}
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}

// MergeInbound applies an inbound chat event with deduplication: first by
// server id, then by client id, then (legacy fallback, known false-positive
// risk for two identical texts) by sender+content against a still-pending
// temporary record. First match wins; no match appends a new row. Any merge
// that lands a message also refreshes the chat's last-message preview.
func (d *DB) MergeInbound(msg wire.ChatMessage) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	eventTime := msg.CreatedAt
	if eventTime == 0 {
		eventTime = time.Now().UnixMilli()
	}

	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("merge inbound: %w", err)
	}
	defer tx.Rollback()

	// 1. Server id match: already cached, nothing to append.
	if msg.ID != "" {
		var localID int64
		err := tx.QueryRow(`
			SELECT local_id FROM messages
			WHERE conversation_id = ? AND server_id = ?`,
			msg.ConversationID, msg.ID).Scan(&localID)
		if err == nil {
			return tx.Commit()
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("merge inbound: %w", err)
		}
	}

	// 2. Client id match: rebind the optimistic record in place.
	if msg.ClientMsgID != "" {
		res, err := tx.Exec(`
			UPDATE messages SET server_id = ?, sequence = ?, status = ?, created_at = ?
			WHERE conversation_id = ? AND client_msg_id = ?`,
			msg.ID, msg.Sequence, StatusSent, msg.CreatedAt,
			msg.ConversationID, msg.ClientMsgID)
		if err != nil {
			return fmt.Errorf("merge inbound: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return d.commitWithChatPreview(tx, msg, eventTime)
		}
	}

	// 3. Legacy content-equality fallback for pre-clientMsgId senders.
	res, err := tx.Exec(`
		UPDATE messages SET server_id = ?, sequence = ?, status = ?, created_at = ?
		WHERE local_id = (
			SELECT local_id FROM messages
			WHERE conversation_id = ? AND sender_id = ? AND content = ?
			  AND status = ? AND server_id IS NULL
			ORDER BY local_id LIMIT 1
		)`,
		msg.ID, msg.Sequence, StatusSent, msg.CreatedAt,
		msg.ConversationID, msg.SenderID, msg.Content, StatusSending)
	if err != nil {
		return fmt.Errorf("merge inbound: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return d.commitWithChatPreview(tx, msg, eventTime)
	}

	// 4. Genuinely new message: append.
	if _, err := tx.Exec(`
		INSERT INTO messages (server_id, conversation_id, sender_id, content, kind, attachment_ref, client_msg_id, sequence, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		nullable(msg.ID), msg.ConversationID, msg.SenderID, msg.Content, msg.Kind,
		msg.AttachmentRef, nullable(msg.ClientMsgID), msg.Sequence, StatusSent, eventTime); err != nil {
		return fmt.Errorf("merge inbound: %w", err)
	}
	return d.commitWithChatPreview(tx, msg, eventTime)
}

// commitWithChatPreview updates the conversation's last-message preview in
// the same transaction as the merge, creating the chat row when the
// conversation is new to this client.
func (d *DB) commitWithChatPreview(tx *sql.Tx, msg wire.ChatMessage, at int64) error {
	if _, err := tx.Exec(`
		INSERT INTO chats (id, last_message, last_message_at)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_message = excluded.last_message,
			last_message_at = excluded.last_message_at`,
		msg.ConversationID, msg.Content, at); err != nil {
		return fmt.Errorf("merge inbound: touch chat: %w", err)
	}
	return tx.Commit()
}

// Messages returns up to limit messages for a conversation, oldest first.
func (d *DB) Messages(conversationID string, limit int) ([]Message, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	rows, err := d.db.Query(`
		SELECT local_id, COALESCE(server_id, ''), conversation_id, sender_id, content,
		       kind, attachment_ref, COALESCE(client_msg_id, ''), sequence, status, is_read, created_at
		FROM messages WHERE conversation_id = ?
		ORDER BY created_at, local_id LIMIT ?`,
		conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var isRead int
		if err := rows.Scan(&m.LocalID, &m.ServerID, &m.ConversationID, &m.SenderID,
			&m.Content, &m.Kind, &m.AttachmentRef, &m.ClientMsgID, &m.Sequence,
			&m.Status, &isRead, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.IsRead = isRead != 0
		out = append(out, m)
	}
	return out, rows.Err()
}

// MessageCount returns the number of cached messages for a conversation.
func (d *DB) MessageCount(conversationID string) (int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var n int
	err := d.db.QueryRow(`SELECT COUNT(*) FROM messages WHERE conversation_id = ?`,
		conversationID).Scan(&n)
	return n, err
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
