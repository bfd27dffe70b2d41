package store

import "database/sql"

// UpsertChat inserts or reconciles a chat record. Incoming non-null fields
// replace stored values; the last-activity timestamp only moves forward.
func (db *DB) UpsertChat(c *Chat) error {
	_, err := db.Exec(`
		INSERT INTO chats (jid, name, is_group, participant_count, last_message_time, description, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(jid) DO UPDATE SET
			name = COALESCE(excluded.name, chats.name),
			is_group = COALESCE(excluded.is_group, chats.is_group),
			participant_count = COALESCE(excluded.participant_count, chats.participant_count),
			last_message_time = MAX(COALESCE(excluded.last_message_time, 0), COALESCE(chats.last_message_time, 0)),
			description = COALESCE(excluded.description, chats.description),
			metadata = COALESCE(excluded.metadata, chats.metadata)`,
		c.JID, c.Name, c.IsGroup, c.ParticipantCount, c.LastMessageTime, c.Description, c.Metadata)
	return err
}

// ListChats returns all chats annotated with live message counts,
// ordered by most recent activity first.
func (db *DB) ListChats() ([]ChatSummary, error) {
	rows, err := db.Query(`
		SELECT c.jid, c.name, c.is_group, c.participant_count, c.last_message_time,
		       c.description, c.metadata, COUNT(m.id)
		FROM chats c
		LEFT JOIN messages m ON m.chat_jid = c.jid
		GROUP BY c.jid
		ORDER BY c.last_message_time DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var chats []ChatSummary
	for rows.Next() {
		var c ChatSummary
		if err := rows.Scan(&c.JID, &c.Name, &c.IsGroup, &c.ParticipantCount,
			&c.LastMessageTime, &c.Description, &c.Metadata, &c.MessageCount); err != nil {
			return nil, err
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

// GetChat returns a single chat by JID, or nil if absent.
func (db *DB) GetChat(jid string) (*Chat, error) {
	var c Chat
	err := db.QueryRow(`
		SELECT jid, name, is_group, participant_count, last_message_time, description, metadata
		FROM chats WHERE jid = ?`, jid).
		Scan(&c.JID, &c.Name, &c.IsGroup, &c.ParticipantCount, &c.LastMessageTime, &c.Description, &c.Metadata)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}
