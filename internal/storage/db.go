// Package storage is the local cache: messages, chats, contacts, sync
// checkpoints, and the pending outbox, persisted in a per-identity SQLite
// database. The protocol engine treats every write here as a best-effort
// side effect.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// DB wraps the SQLite cache for one identity.
type DB struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// Open opens or creates the cache database in the given directory.
func Open(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	dbPath := filepath.Join(dataDir, "cache.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL mode so protocol-driven writes don't contend with UI reads.
	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	// The message row id is the stable local handle: a record keeps it for
	// life even when its server id is bound later.
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			local_id        INTEGER PRIMARY KEY AUTOINCREMENT,
			server_id       TEXT,
			conversation_id TEXT NOT NULL,
			sender_id       TEXT NOT NULL DEFAULT '',
			content         TEXT NOT NULL DEFAULT '',
			kind            TEXT NOT NULL DEFAULT 'text',
			attachment_ref  TEXT NOT NULL DEFAULT '',
			client_msg_id   TEXT,
			sequence        INTEGER NOT NULL DEFAULT 0,
			status          TEXT NOT NULL DEFAULT 'sending',
			is_read         INTEGER NOT NULL DEFAULT 0,
			created_at      INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_messages_conv ON messages(conversation_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_messages_server ON messages(server_id);
		CREATE INDEX IF NOT EXISTS idx_messages_client ON messages(client_msg_id);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create messages table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS chats (
			id              TEXT PRIMARY KEY,
			name            TEXT NOT NULL DEFAULT '',
			type            TEXT NOT NULL DEFAULT 'DIRECT',
			member_count    INTEGER NOT NULL DEFAULT 0,
			last_message    TEXT NOT NULL DEFAULT '',
			last_message_at INTEGER NOT NULL DEFAULT 0
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create chats table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS contacts (
			id        TEXT PRIMARY KEY,
			name      TEXT NOT NULL DEFAULT '',
			avatar    TEXT NOT NULL DEFAULT '',
			is_online INTEGER NOT NULL DEFAULT 0,
			last_seen INTEGER NOT NULL DEFAULT 0
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create contacts table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sync_meta (
			key   TEXT PRIMARY KEY,
			value TEXT
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create sync_meta table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS outbox (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id TEXT NOT NULL,
			content         TEXT NOT NULL DEFAULT '',
			kind            TEXT NOT NULL DEFAULT 'text',
			attachment_ref  TEXT NOT NULL DEFAULT '',
			client_msg_id   TEXT NOT NULL,
			status          TEXT NOT NULL DEFAULT 'pending',
			created_at      INTEGER NOT NULL DEFAULT 0
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create outbox table: %w", err)
	}

	return &DB{db: db, path: dbPath}, nil
}

// Close closes the database.
func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.db.Close()
}

// Path returns the database file path.
func (d *DB) Path() string { return d.path }
