package store

// SenderNames returns, for every sender alias appearing on at least one
// message, the distinct set of sender names observed on that alias
// (empty string for messages with no name). Input for the backfill pass.
func (db *DB) SenderNames() (map[string][]string, error) {
	rows, err := db.Query(`
		SELECT DISTINCT sender_jid, COALESCE(sender_name, '')
		FROM messages
		WHERE sender_jid IS NOT NULL`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	names := make(map[string][]string)
	for rows.Next() {
		var alias, name string
		if err := rows.Scan(&alias, &name); err != nil {
			return nil, err
		}
		names[alias] = append(names[alias], name)
	}
	return names, rows.Err()
}

// FillSenderNames writes name onto every currently-unnamed message from the
// given alias. Messages that already carry a name are left untouched.
// Returns the number of messages updated.
func (db *DB) FillSenderNames(alias, name string) (int64, error) {
	res, err := db.Exec(`
		UPDATE messages SET sender_name = ?
		WHERE sender_jid = ? AND (sender_name IS NULL OR sender_name = '')`,
		name, alias)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
