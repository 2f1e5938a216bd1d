package storage

import (
	"database/sql"
	"fmt"
	"strconv"
)

// Sync checkpoint keys. One checkpoint per synchronized data kind.
const (
	SyncMessages = "last_sync_messages"
	SyncChats    = "last_sync_chats"
	SyncContacts = "last_sync_contacts"
)

// LastSyncTime returns the stored checkpoint for key, or 0 when the kind has
// never been synced.
func (d *DB) LastSyncTime(key string) (int64, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var value string
	err := d.db.QueryRow(`SELECT value FROM sync_meta WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get sync time %s: %w", key, err)
	}
	ts, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse sync time %s: %w", key, err)
	}
	return ts, nil
}

// SetLastSyncTime stores a checkpoint for key.
func (d *DB) SetLastSyncTime(key string, ts int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.db.Exec(`
		INSERT INTO sync_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, strconv.FormatInt(ts, 10))
	if err != nil {
		return fmt.Errorf("set sync time %s: %w", key, err)
	}
	return nil
}
