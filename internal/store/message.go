package store

import (
	"database/sql"
	"fmt"
)

// UpsertMessage inserts or reconciles a message (idempotent on id).
//
// Content, sender name, media path and raw metadata are fill-once: the first
// non-null value sticks and later deliveries never clear or replace it, so
// applying any set of partial updates converges regardless of order.
//
// Messages can race ahead of their chat in the source stream, so a bare
// placeholder chat row is materialized first to satisfy the foreign key.
func (db *DB) UpsertMessage(m *Message) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := upsertMessageTx(tx, m); err != nil {
		return err
	}
	return tx.Commit()
}

// BulkUpsertMessages reconciles a history batch in a single transaction.
func (db *DB) BulkUpsertMessages(msgs []*Message) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, m := range msgs {
		if err := upsertMessageTx(tx, m); err != nil {
			return fmt.Errorf("upsert message %q: %w", m.ID, err)
		}
	}
	return tx.Commit()
}

func upsertMessageTx(tx *sql.Tx, m *Message) error {
	if _, err := tx.Exec(`INSERT INTO chats (jid) VALUES (?) ON CONFLICT(jid) DO NOTHING`, m.ChatJID); err != nil {
		return fmt.Errorf("placeholder chat: %w", err)
	}
	_, err := tx.Exec(`
		INSERT INTO messages (id, chat_jid, sender_jid, sender_name, timestamp, content,
			media_type, media_mime, media_size, media_path, is_from_me,
			emoji_list, quoted_message_id, raw_metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content = COALESCE(messages.content, excluded.content),
			sender_name = COALESCE(messages.sender_name, excluded.sender_name),
			media_path = COALESCE(messages.media_path, excluded.media_path),
			raw_metadata = COALESCE(messages.raw_metadata, excluded.raw_metadata)`,
		m.ID, m.ChatJID, m.SenderJID, m.SenderName, m.Timestamp, m.Content,
		m.MediaType, m.MediaMime, m.MediaSize, m.MediaPath, m.IsFromMe,
		m.EmojiList, m.QuotedMessageID, m.RawMetadata)
	return err
}

// ListMessages returns one page of a chat's messages in timestamp ascending
// order, plus the chat's total message count. Pages are 1-based.
func (db *DB) ListMessages(chatJID string, page, limit int) ([]Message, int64, error) {
	if limit <= 0 {
		limit = 100
	}
	if page <= 0 {
		page = 1
	}
	offset := (page - 1) * limit

	rows, err := db.Query(`
		SELECT `+messageColumns+`
		FROM messages
		WHERE chat_jid = ?
		ORDER BY timestamp ASC
		LIMIT ? OFFSET ?`, chatJID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, 0, err
	}

	var total int64
	if err := db.QueryRow(`SELECT COUNT(*) FROM messages WHERE chat_jid = ?`, chatJID).Scan(&total); err != nil {
		return nil, 0, err
	}
	return msgs, total, nil
}

// AllMessages returns every message of a chat in timestamp ascending order.
func (db *DB) AllMessages(chatJID string) ([]Message, error) {
	rows, err := db.Query(`
		SELECT `+messageColumns+`
		FROM messages
		WHERE chat_jid = ?
		ORDER BY timestamp ASC`, chatJID)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

// GetMessage returns a single message by id, or nil if absent.
func (db *DB) GetMessage(id string) (*Message, error) {
	row := db.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	var m Message
	if err := scanMessage(row.Scan, &m); err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return &m, nil
}

// MessagesWithPendingMedia returns messages carrying an attachment
// descriptor whose bytes have not been persisted yet. Used to rebuild the
// download queue after a restart.
func (db *DB) MessagesWithPendingMedia() ([]Message, error) {
	rows, err := db.Query(`
		SELECT ` + messageColumns + `
		FROM messages
		WHERE media_type IS NOT NULL AND media_path IS NULL`)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

// SetMediaPath records the local path of a downloaded attachment.
// Fill-once: a path already present is never replaced.
func (db *DB) SetMediaPath(id, path string) error {
	_, err := db.Exec(`UPDATE messages SET media_path = COALESCE(media_path, ?) WHERE id = ?`, path, id)
	return err
}

const messageColumns = `id, chat_jid, sender_jid, sender_name, timestamp, content,
	media_type, media_mime, media_size, media_path, is_from_me,
	emoji_list, quoted_message_id, raw_metadata`

func scanMessage(scan func(...any) error, m *Message) error {
	return scan(&m.ID, &m.ChatJID, &m.SenderJID, &m.SenderName, &m.Timestamp, &m.Content,
		&m.MediaType, &m.MediaMime, &m.MediaSize, &m.MediaPath, &m.IsFromMe,
		&m.EmojiList, &m.QuotedMessageID, &m.RawMetadata)
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	defer func() { _ = rows.Close() }()
	var msgs []Message
	for rows.Next() {
		var m Message
		if err := scanMessage(rows.Scan, &m); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
