package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// Pragmas applied on every connection: WAL for concurrent readers,
// busy timeout for the migration lock, FK enforcement for chat_jid.
const dsnOptions = "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"

// DB is the archive database: chats, messages, contacts and their
// reconciling upserts.
type DB struct {
	*sql.DB
}

// Open opens (creating if absent) the archive database at path.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+dsnOptions)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{db}, nil
}
