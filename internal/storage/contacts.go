package storage

import "fmt"

// Contact is one cached contact row.
type Contact struct {
	ID       string
	Name     string
	Avatar   string
	IsOnline bool
	LastSeen int64
}

// SaveContacts upserts a batch of contacts in one transaction.
func (d *DB) SaveContacts(contacts []Contact) error {
	if len(contacts) == 0 {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("save contacts: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO contacts (id, name, avatar, is_online, last_seen)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			avatar = excluded.avatar,
			is_online = excluded.is_online,
			last_seen = excluded.last_seen`)
	if err != nil {
		return fmt.Errorf("save contacts: %w", err)
	}
	defer stmt.Close()

	for _, c := range contacts {
		online := 0
		if c.IsOnline {
			online = 1
		}
		if _, err := stmt.Exec(c.ID, c.Name, c.Avatar, online, c.LastSeen); err != nil {
			return fmt.Errorf("save contact %s: %w", c.ID, err)
		}
	}
	return tx.Commit()
}

// SetPresence updates a single contact's online flag and last-seen time.
func (d *DB) SetPresence(id string, online bool, lastSeen int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	flag := 0
	if online {
		flag = 1
	}
	_, err := d.db.Exec(`UPDATE contacts SET is_online = ?, last_seen = ? WHERE id = ?`,
		flag, lastSeen, id)
	if err != nil {
		return fmt.Errorf("set presence: %w", err)
	}
	return nil
}

// Contacts returns all cached contacts ordered by name.
func (d *DB) Contacts() ([]Contact, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rows, err := d.db.Query(`
		SELECT id, name, avatar, is_online, last_seen
		FROM contacts ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("query contacts: %w", err)
	}
	defer rows.Close()

	var out []Contact
	for rows.Next() {
		var c Contact
		var online int
		if err := rows.Scan(&c.ID, &c.Name, &c.Avatar, &online, &c.LastSeen); err != nil {
			return nil, fmt.Errorf("scan contact: %w", err)
		}
		c.IsOnline = online != 0
		out = append(out, c)
	}
	return out, rows.Err()
}
