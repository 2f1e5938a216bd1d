package storage

import (
	"fmt"

	"github.com/AngkinV/Nexus-All/internal/wire"
)

// Chat is one cached conversation row.
type Chat struct {
	ID            string
	Name          string
	Type          string // "DIRECT" or "GROUP"
	MemberCount   int
	LastMessage   string
	LastMessageAt int64
}

// SaveChat inserts or replaces a chat row.
func (d *DB) SaveChat(c Chat) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.db.Exec(`
		INSERT INTO chats (id, name, type, member_count, last_message, last_message_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			type = excluded.type,
			member_count = excluded.member_count,
			last_message = excluded.last_message,
			last_message_at = excluded.last_message_at`,
		c.ID, c.Name, c.Type, c.MemberCount, c.LastMessage, c.LastMessageAt)
	if err != nil {
		return fmt.Errorf("save chat: %w", err)
	}
	return nil
}

// Chats returns all cached chats, most recently active first.
func (d *DB) Chats() ([]Chat, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rows, err := d.db.Query(`
		SELECT id, name, type, member_count, last_message, last_message_at
		FROM chats ORDER BY last_message_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query chats: %w", err)
	}
	defer rows.Close()

	var out []Chat
	for rows.Next() {
		var c Chat
		if err := rows.Scan(&c.ID, &c.Name, &c.Type, &c.MemberCount,
			&c.LastMessage, &c.LastMessageAt); err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ApplyGroupEvent folds a group/membership change into the chat row.
func (d *DB) ApplyGroupEvent(kind wire.Kind, ev wire.GroupEvent) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var err error
	switch kind {
	case wire.KindGroupMemberJoined, wire.KindGroupMemberLeft, wire.KindGroupUpdated:
		if ev.MemberCount > 0 {
			_, err = d.db.Exec(`UPDATE chats SET member_count = ? WHERE id = ?`,
				ev.MemberCount, ev.GroupID)
		}
	case wire.KindGroupDeleted:
		_, err = d.db.Exec(`DELETE FROM chats WHERE id = ?`, ev.GroupID)
		if err == nil {
			_, err = d.db.Exec(`DELETE FROM messages WHERE conversation_id = ?`, ev.GroupID)
		}
	case wire.KindGroupAdminChanged, wire.KindGroupOwnerChanged:
		// Role changes live server-side; nothing cached locally.
	}
	if err != nil {
		return fmt.Errorf("apply group event %s: %w", kind, err)
	}
	return nil
}
