package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

func (s *Store) CreateConnection(ctx context.Context, c Connection) error {
	return insertConnection(ctx, s.db, c)
}

func insertConnection(ctx context.Context, e execer, c Connection) error {
	var remote sql.NullString
	if c.RemoteConnectionURI != "" {
		remote = sql.NullString{String: c.RemoteConnectionURI, Valid: true}
	}
	_, err := e.ExecContext(ctx,
		`INSERT INTO connections (uri, need_uri, remote_need_uri, remote_conn_uri, facet_uri, state)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		c.URI, c.NeedURI, c.RemoteNeedURI, remote, c.FacetURI, string(c.State))
	if isUniqueViolation(err) {
		return fmt.Errorf("connection %s already exists", c.URI)
	}
	return err
}

func (s *Store) GetConnection(ctx context.Context, uri string) (*Connection, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT uri, need_uri, remote_need_uri, remote_conn_uri, facet_uri, state, created_at, modified_at
		 FROM connections WHERE uri = ?`, uri)
	return scanConnection(row, uri)
}

// ConnectionsByNeed returns every connection (any state) owned by the
// need, in creation order.
func (s *Store) ConnectionsByNeed(ctx context.Context, needURI string) ([]*Connection, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT uri, need_uri, remote_need_uri, remote_conn_uri, facet_uri, state, created_at, modified_at
		 FROM connections WHERE need_uri = ? ORDER BY created_at, uri`, needURI)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Connection
	for rows.Next() {
		c, err := scanConnectionRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// FindNonTerminal returns the need's non-terminal connection to the given
// (remote need, facet) pair, or nil. At most one such connection may exist.
func (s *Store) FindNonTerminal(ctx context.Context, needURI, remoteNeedURI, facetURI string) (*Connection, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT uri, need_uri, remote_need_uri, remote_conn_uri, facet_uri, state, created_at, modified_at
		 FROM connections
		 WHERE need_uri = ? AND remote_need_uri = ? AND facet_uri = ? AND state != ?
		 LIMIT 1`,
		needURI, remoteNeedURI, facetURI, string(StateClosed))
	c, err := scanConnection(row, "")
	if errors.Is(err, ErrNoSuchConnection) {
		return nil, nil
	}
	return c, err
}

// UpdateConnectionState moves the connection from expected to next in one
// guarded write; a zero row count means the connection was not in the
// expected state (or does not exist) and the transition must not stand.
func (s *Store) UpdateConnectionState(ctx context.Context, uri string, expected, next ConnectionState) error {
	return updateConnectionState(ctx, s.db, uri, expected, next)
}

func updateConnectionState(ctx context.Context, e execer, uri string, expected, next ConnectionState) error {
	res, err := e.ExecContext(ctx,
		`UPDATE connections SET state = ?, modified_at = CURRENT_TIMESTAMP WHERE uri = ? AND state = ?`,
		string(next), uri, string(expected))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s not in state %s", ErrNoSuchConnection, uri, expected)
	}
	return nil
}

// SetRemoteConnectionURI records the remote half's URI. Once set the value
// is immutable; a second write with a different URI fails.
func (s *Store) SetRemoteConnectionURI(ctx context.Context, uri, remoteConnURI string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE connections SET remote_conn_uri = ?, modified_at = CURRENT_TIMESTAMP
		 WHERE uri = ? AND (remote_conn_uri IS NULL OR remote_conn_uri = ?)`,
		remoteConnURI, uri, remoteConnURI)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		existing, err := s.GetConnection(ctx, uri)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: %s has %s", ErrRemoteURIImmutable, uri, existing.RemoteConnectionURI)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConnection(row *sql.Row, uri string) (*Connection, error) {
	c, err := scanConnectionRows(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchConnection, uri)
	}
	return c, err
}

func scanConnectionRows(row rowScanner) (*Connection, error) {
	var c Connection
	var remote sql.NullString
	var state string
	err := row.Scan(&c.URI, &c.NeedURI, &c.RemoteNeedURI, &remote, &c.FacetURI, &state, &c.CreatedAt, &c.ModifiedAt)
	if err != nil {
		return nil, err
	}
	if remote.Valid {
		c.RemoteConnectionURI = remote.String
	}
	c.State = ConnectionState(state)
	return &c, nil
}
