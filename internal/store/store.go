// Package store persists needs, connections and envelopes in SQLite.
// Envelopes are content-addressed by message URI; the UNIQUE index makes a
// duplicate write fail instead of overwriting.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

var (
	ErrDuplicateMessageURI = errors.New("duplicate message URI")
	ErrNoSuchNeed          = errors.New("no such need")
	ErrNoSuchConnection    = errors.New("no such connection")
	ErrRemoteURIImmutable  = errors.New("remote connection URI already set")
)

type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS needs (
	uri         TEXT PRIMARY KEY,
	state       TEXT NOT NULL,
	content     TEXT NOT NULL DEFAULT '',
	facets      TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	modified_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS connections (
	uri            TEXT PRIMARY KEY,
	need_uri       TEXT NOT NULL,
	remote_need_uri TEXT NOT NULL,
	remote_conn_uri TEXT,
	facet_uri      TEXT NOT NULL,
	state          TEXT NOT NULL,
	created_at     TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	modified_at    TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_connections_need ON connections(need_uri);
CREATE TABLE IF NOT EXISTS envelopes (
	message_uri TEXT NOT NULL,
	type        TEXT NOT NULL,
	conn_uri    TEXT NOT NULL DEFAULT '',
	need_uri    TEXT NOT NULL DEFAULT '',
	body        BLOB NOT NULL,
	seq         INTEGER PRIMARY KEY AUTOINCREMENT
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_envelopes_uri ON envelopes(message_uri);
CREATE INDEX IF NOT EXISTS idx_envelopes_conn ON envelopes(conn_uri);
CREATE INDEX IF NOT EXISTS idx_envelopes_need ON envelopes(need_uri, type);
CREATE TABLE IF NOT EXISTS recipients (
	need_uri     TEXT NOT NULL,
	recipient_id TEXT NOT NULL,
	PRIMARY KEY (need_uri, recipient_id)
);
`

// Open opens (creating if necessary) the store at path and applies the
// schema. WAL mode and a busy timeout keep concurrent independent-key
// access from failing spuriously.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode on %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout on %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// execer is satisfied by both *sql.DB and *sql.Tx, so the single-statement
// writers can run standalone or inside a transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
