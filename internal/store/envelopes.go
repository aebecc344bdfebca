package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"needmesh/internal/proto"
)

// SaveEnvelope stores the envelope verbatim and indexes it by connection
// and need for later reconstruction. A second write with the same message
// URI fails with ErrDuplicateMessageURI; the first row is never touched.
func (s *Store) SaveEnvelope(ctx context.Context, env *proto.Envelope, connURI, needURI string) error {
	return insertEnvelope(ctx, s.db, env, connURI, needURI)
}

func insertEnvelope(ctx context.Context, e execer, env *proto.Envelope, connURI, needURI string) error {
	body, err := proto.EncodeEnvelope(env)
	if err != nil {
		return err
	}
	_, err = e.ExecContext(ctx,
		`INSERT INTO envelopes (message_uri, type, conn_uri, need_uri, body) VALUES (?, ?, ?, ?, ?)`,
		env.MessageURI, string(env.Type), connURI, needURI, body)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", ErrDuplicateMessageURI, env.MessageURI)
	}
	return err
}

// SaveEnvelopeAndConnection persists the envelope and creates the
// connection it gives rise to in one transaction, so a crash cannot leave
// the envelope on record with the connection missing.
func (s *Store) SaveEnvelopeAndConnection(ctx context.Context, env *proto.Envelope, c Connection) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := insertEnvelope(ctx, tx, env, c.URI, c.NeedURI); err != nil {
		return err
	}
	if err := insertConnection(ctx, tx, c); err != nil {
		return err
	}
	return tx.Commit()
}

// SaveEnvelopeAndState persists the envelope and applies the state
// transition it causes in one transaction: either both are on record or
// neither is, so a redelivered envelope can always reapply the transition.
func (s *Store) SaveEnvelopeAndState(ctx context.Context, env *proto.Envelope, connURI, needURI string, expected, next ConnectionState) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := insertEnvelope(ctx, tx, env, connURI, needURI); err != nil {
		return err
	}
	if err := updateConnectionState(ctx, tx, connURI, expected, next); err != nil {
		return err
	}
	return tx.Commit()
}

// HasEnvelope reports whether a message URI is already on record.
func (s *Store) HasEnvelope(ctx context.Context, messageURI string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM envelopes WHERE message_uri = ?`, messageURI).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// GetEnvelope returns the envelope stored under messageURI, or nil if it
// is not present.
func (s *Store) GetEnvelope(ctx context.Context, messageURI string) (*proto.Envelope, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM envelopes WHERE message_uri = ?`, messageURI).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return proto.DecodeEnvelope(body)
}

// EnvelopesByConnection returns the connection's envelopes in insertion
// order.
func (s *Store) EnvelopesByConnection(ctx context.Context, connURI string) ([]*proto.Envelope, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT body FROM envelopes WHERE conn_uri = ? ORDER BY seq`, connURI)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEnvelopes(rows)
}

// HintsByNeed returns all HINT envelopes addressed to the need, in arrival
// order. Hints are never separately persisted; this is the match list.
func (s *Store) HintsByNeed(ctx context.Context, needURI string) ([]*proto.Envelope, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT body FROM envelopes WHERE need_uri = ? AND type = ? ORDER BY seq`,
		needURI, string(proto.MsgTypeHint))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEnvelopes(rows)
}

func scanEnvelopes(rows *sql.Rows) ([]*proto.Envelope, error) {
	var out []*proto.Envelope
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		env, err := proto.DecodeEnvelope(body)
		if err != nil {
			return nil, err
		}
		out = append(out, env)
	}
	return out, rows.Err()
}
