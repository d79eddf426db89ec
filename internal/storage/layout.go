package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/quirelab/quire/internal/orderkey"
)

// PutLayout upserts a layout key for a session in a view.
func (s *Store) PutLayout(ctx context.Context, l Layout) error {
	if err := s.guard(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_layout (archive_id, view_id, session_id, order_key)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(archive_id, view_id, session_id) DO UPDATE SET order_key = excluded.order_key`,
		s.archiveID, l.ViewID, l.SessionID, l.OrderKey,
	)
	return err
}

// ListLayouts returns the view's layout rows in key order. An empty viewID
// returns all layout rows in the archive (used by export).
func (s *Store) ListLayouts(ctx context.Context, viewID string) ([]Layout, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	query := `SELECT view_id, session_id, order_key FROM session_layout WHERE archive_id = ?`
	args := []any{s.archiveID}
	if viewID != "" {
		query += ` AND view_id = ?`
		args = append(args, viewID)
	}
	query += ` ORDER BY view_id, order_key ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var layouts []Layout
	for rows.Next() {
		var l Layout
		if err := rows.Scan(&l.ViewID, &l.SessionID, &l.OrderKey); err != nil {
			return nil, err
		}
		layouts = append(layouts, l)
	}
	return layouts, rows.Err()
}

// EnsureLayoutTop assigns the session a key strictly before the view's
// current minimum, so a newly created session sorts first regardless of
// timestamp ties. No-op if the session already holds the minimum.
func (s *Store) EnsureLayoutTop(ctx context.Context, viewID, sessionID string) error {
	if err := s.guard(); err != nil {
		return err
	}

	var minKey, minSession string
	err := s.db.QueryRowContext(ctx, `
		SELECT order_key, session_id FROM session_layout
		WHERE archive_id = ? AND view_id = ?
		ORDER BY order_key ASC LIMIT 1`, s.archiveID, viewID,
	).Scan(&minKey, &minSession)

	var key string
	switch {
	case err == sql.ErrNoRows:
		key = orderkey.Seed()
	case err != nil:
		return err
	case minSession == sessionID:
		return nil
	default:
		if key, err = orderkey.Before(minKey); err != nil {
			return fmt.Errorf("deriving top layout key: %w", err)
		}
	}

	return s.PutLayout(ctx, Layout{ViewID: viewID, SessionID: sessionID, OrderKey: key})
}

// ReorderSessions applies a batch of move directives: the moves are
// simulated against the current order, then every item whose position no
// longer agrees with its stored key gets a fresh key relative to its new
// neighbors. All changed keys persist in one transaction.
func (s *Store) ReorderSessions(ctx context.Context, viewID string, moves []Move) error {
	if err := s.guard(); err != nil {
		return err
	}
	if len(moves) == 0 {
		return nil
	}

	sessions, err := s.ListSessions(ctx, viewID)
	if err != nil {
		return err
	}
	ids := make([]string, len(sessions))
	for i, sess := range sessions {
		ids[i] = sess.ID
	}

	ids = simulateMoves(ids, moves)

	layouts, err := s.ListLayouts(ctx, viewID)
	if err != nil {
		return err
	}
	keys := make(map[string]string, len(layouts))
	for _, l := range layouts {
		keys[l.SessionID] = l.OrderKey
	}

	changed, err := rekeySequence(ids, keys)
	if err != nil {
		return err
	}
	if len(changed) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning reorder transaction: %w", err)
	}
	defer tx.Rollback()

	for sessionID, key := range changed {
		if _, err := tx.Exec(`
			INSERT INTO session_layout (archive_id, view_id, session_id, order_key)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(archive_id, view_id, session_id) DO UPDATE SET order_key = excluded.order_key`,
			s.archiveID, viewID, sessionID, key); err != nil {
			return fmt.Errorf("persisting layout key: %w", err)
		}
	}

	return tx.Commit()
}

// simulateMoves replays the directives against the id list. A move whose
// subject is unknown is skipped; a missing before-anchor places the item at
// the front, a missing after-anchor at the end.
func simulateMoves(ids []string, moves []Move) []string {
	for _, m := range moves {
		at := indexOf(ids, m.SessionID)
		if at < 0 {
			continue
		}
		ids = append(ids[:at], ids[at+1:]...)

		switch {
		case m.AfterID != "":
			if anchor := indexOf(ids, m.AfterID); anchor >= 0 {
				ids = insertAt(ids, anchor+1, m.SessionID)
			} else {
				ids = append(ids, m.SessionID)
			}
		case m.BeforeID != "":
			if anchor := indexOf(ids, m.BeforeID); anchor >= 0 {
				ids = insertAt(ids, anchor, m.SessionID)
			} else {
				ids = insertAt(ids, 0, m.SessionID)
			}
		default:
			ids = insertAt(ids, 0, m.SessionID)
		}
	}
	return ids
}

// rekeySequence walks the final order and derives new keys for items whose
// existing key is missing or inconsistent with their neighbors.
func rekeySequence(ids []string, keys map[string]string) (map[string]string, error) {
	changed := make(map[string]string)
	prev := ""
	for i, id := range ids {
		cur := keys[id]

		// The next retained key after this position bounds the new key.
		upper := ""
		for j := i + 1; j < len(ids); j++ {
			if k := keys[ids[j]]; k != "" && k > prev {
				upper = k
				break
			}
		}

		if cur != "" && cur > prev && (upper == "" || cur < upper) {
			prev = cur
			continue
		}

		key, err := orderkey.Between(prev, upper)
		if err != nil {
			return nil, fmt.Errorf("deriving layout key at position %d: %w", i, err)
		}
		changed[id] = key
		prev = key
	}
	return changed, nil
}

func indexOf(ids []string, id string) int {
	for i, v := range ids {
		if v == id {
			return i
		}
	}
	return -1
}

func insertAt(ids []string, at int, id string) []string {
	if at < 0 {
		at = 0
	}
	if at > len(ids) {
		at = len(ids)
	}
	out := make([]string, 0, len(ids)+1)
	out = append(out, ids[:at]...)
	out = append(out, id)
	out = append(out, ids[at:]...)
	return out
}
