package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

func (s *Store) CreateNeed(ctx context.Context, n Need) error {
	if n.State == "" {
		n.State = NeedActive
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO needs (uri, state, content, facets) VALUES (?, ?, ?, ?)`,
		n.URI, string(n.State), n.Content, strings.Join(n.FacetURIs, " "))
	if isUniqueViolation(err) {
		return fmt.Errorf("need %s already exists", n.URI)
	}
	return err
}

func (s *Store) GetNeed(ctx context.Context, uri string) (*Need, error) {
	var n Need
	var state, facets string
	err := s.db.QueryRowContext(ctx,
		`SELECT uri, state, content, facets, created_at, modified_at FROM needs WHERE uri = ?`, uri).
		Scan(&n.URI, &state, &n.Content, &facets, &n.CreatedAt, &n.ModifiedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchNeed, uri)
	}
	if err != nil {
		return nil, err
	}
	n.State = NeedState(state)
	if facets != "" {
		n.FacetURIs = strings.Fields(facets)
	}
	return &n, nil
}

func (s *Store) UpdateNeedState(ctx context.Context, uri string, state NeedState) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE needs SET state = ?, modified_at = CURRENT_TIMESTAMP WHERE uri = ?`,
		string(state), uri)
	if err != nil {
		return err
	}
	return requireRow(res, uri)
}

func (s *Store) UpdateNeedContent(ctx context.Context, uri, content string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE needs SET content = ?, modified_at = CURRENT_TIMESTAMP WHERE uri = ? AND state != ?`,
		content, uri, string(NeedDeleted))
	if err != nil {
		return err
	}
	return requireRow(res, uri)
}

// AddRecipient authorizes an owner application for a need. Registering the
// same recipient twice is a no-op.
func (s *Store) AddRecipient(ctx context.Context, needURI, recipientID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO recipients (need_uri, recipient_id) VALUES (?, ?)`,
		needURI, recipientID)
	return err
}

func (s *Store) RemoveRecipient(ctx context.Context, needURI, recipientID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM recipients WHERE need_uri = ? AND recipient_id = ?`, needURI, recipientID)
	return err
}

// Recipients returns the need's authorized owner applications in
// registration order.
func (s *Store) Recipients(ctx context.Context, needURI string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT recipient_id FROM recipients WHERE need_uri = ? ORDER BY recipient_id`, needURI)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func requireRow(res sql.Result, uri string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNoSuchNeed, uri)
	}
	return nil
}
