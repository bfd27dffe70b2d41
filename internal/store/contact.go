package store

import (
	"database/sql"
	"fmt"
)

// UpsertContact inserts or reconciles a contact. Incoming non-null fields
// replace stored values; nil fields leave stored values untouched.
func (db *DB) UpsertContact(c *Contact) error {
	_, err := db.Exec(contactUpsertSQL,
		c.JID, c.Name, c.PhoneNumber, c.LID, c.PushName, c.VerifiedName)
	return err
}

// BulkUpsertContacts reconciles multiple contacts in a single transaction.
func (db *DB) BulkUpsertContacts(contacts []*Contact) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, c := range contacts {
		if _, err := tx.Exec(contactUpsertSQL,
			c.JID, c.Name, c.PhoneNumber, c.LID, c.PushName, c.VerifiedName); err != nil {
			return fmt.Errorf("upsert contact %q: %w", c.JID, err)
		}
	}
	return tx.Commit()
}

const contactUpsertSQL = `
	INSERT INTO contacts (jid, name, phone_number, lid, push_name, verified_name)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(jid) DO UPDATE SET
		name = COALESCE(excluded.name, contacts.name),
		phone_number = COALESCE(excluded.phone_number, contacts.phone_number),
		lid = COALESCE(excluded.lid, contacts.lid),
		push_name = COALESCE(excluded.push_name, contacts.push_name),
		verified_name = COALESCE(excluded.verified_name, contacts.verified_name)`

// GetContact returns a contact by JID, or nil if absent.
func (db *DB) GetContact(jid string) (*Contact, error) {
	var c Contact
	err := db.QueryRow(`
		SELECT jid, name, phone_number, lid, push_name, verified_name
		FROM contacts WHERE jid = ?`, jid).
		Scan(&c.JID, &c.Name, &c.PhoneNumber, &c.LID, &c.PushName, &c.VerifiedName)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// AllContacts returns every contact ordered by JID.
func (db *DB) AllContacts() ([]Contact, error) {
	rows, err := db.Query(`
		SELECT jid, name, phone_number, lid, push_name, verified_name
		FROM contacts ORDER BY jid`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var contacts []Contact
	for rows.Next() {
		var c Contact
		if err := rows.Scan(&c.JID, &c.Name, &c.PhoneNumber, &c.LID, &c.PushName, &c.VerifiedName); err != nil {
			return nil, err
		}
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}

// Stats returns the aggregate archive counts.
func (db *DB) Stats() (*Stats, error) {
	var s Stats
	err := db.QueryRow(`
		SELECT
			(SELECT COUNT(*) FROM chats),
			(SELECT COUNT(*) FROM messages),
			(SELECT COUNT(*) FROM messages WHERE media_type IS NOT NULL),
			(SELECT COUNT(*) FROM contacts)`).
		Scan(&s.Chats, &s.Messages, &s.Media, &s.Contacts)
	if err != nil {
		return nil, err
	}
	return &s, nil
}
