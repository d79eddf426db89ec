package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseStoredTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

// PutSession inserts or updates a session. Ids are scoped per archive, so
// the same id under two archives stays two independent rows.
func (s *Store) PutSession(ctx context.Context, sess Session) error {
	if err := s.guard(); err != nil {
		return err
	}
	if strings.TrimSpace(sess.ID) == "" {
		return fmt.Errorf("session id is required")
	}

	meta := "{}"
	if sess.Meta != nil {
		b, err := json.Marshal(sess.Meta)
		if err != nil {
			return fmt.Errorf("marshalling session meta: %w", err)
		}
		meta = string(b)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, archive_id, title, created_at, updated_at, linked_collection_id, meta, sort_order)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(archive_id, id) DO UPDATE SET
			title = excluded.title,
			updated_at = excluded.updated_at,
			linked_collection_id = excluded.linked_collection_id,
			meta = excluded.meta`,
		sess.ID, s.archiveID, sess.Title, fmtTime(sess.CreatedAt), fmtTime(sess.UpdatedAt),
		sess.LinkedCollectionID, meta, sess.LegacySortOrder,
	)
	return err
}

// GetSession fetches a session by id within the current archive.
func (s *Store) GetSession(ctx context.Context, id string) (Session, error) {
	if err := s.guard(); err != nil {
		return Session{}, err
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, created_at, updated_at, linked_collection_id, meta, sort_order
		FROM sessions WHERE id = ? AND archive_id = ?`, id, s.archiveID)
	return scanSession(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var sess Session
	var createdAt, updatedAt, meta string
	err := row.Scan(&sess.ID, &sess.Title, &createdAt, &updatedAt,
		&sess.LinkedCollectionID, &meta, &sess.LegacySortOrder)
	if err == sql.ErrNoRows {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, err
	}
	if sess.CreatedAt, err = parseStoredTime(createdAt); err != nil {
		return Session{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if sess.UpdatedAt, err = parseStoredTime(updatedAt); err != nil {
		return Session{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	if meta != "" && meta != "{}" {
		if err := json.Unmarshal([]byte(meta), &sess.Meta); err != nil {
			return Session{}, fmt.Errorf("parsing session meta: %w", err)
		}
	}
	return sess, nil
}

// ListSessions returns the archive's sessions ordered by the view's layout
// keys, falling back to reverse-chronological updated_at, falling back
// further to the legacy integer sort order for rows that predate both.
func (s *Store) ListSessions(ctx context.Context, viewID string) ([]Session, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.title, s.created_at, s.updated_at, s.linked_collection_id, s.meta, s.sort_order
		FROM sessions s
		LEFT JOIN session_layout l
			ON l.archive_id = s.archive_id AND l.view_id = ? AND l.session_id = s.id
		WHERE s.archive_id = ?
		ORDER BY (l.order_key IS NULL) ASC, l.order_key ASC, s.updated_at DESC, s.sort_order ASC`,
		viewID, s.archiveID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// ListAllSessions returns the archive's sessions without view ordering,
// used by export.
func (s *Store) ListAllSessions(ctx context.Context) ([]Session, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, created_at, updated_at, linked_collection_id, meta, sort_order
		FROM sessions WHERE archive_id = ? ORDER BY created_at ASC`, s.archiveID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// DeleteSession removes a session and cascades to its messages, events, and
// layout rows within the current archive.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	if err := s.guard(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning delete transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM messages WHERE session_id = ? AND archive_id = ?`, id, s.archiveID); err != nil {
		return fmt.Errorf("deleting session messages: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM events WHERE session_id = ? AND archive_id = ?`, id, s.archiveID); err != nil {
		return fmt.Errorf("deleting session events: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM session_layout WHERE session_id = ? AND archive_id = ?`, id, s.archiveID); err != nil {
		return fmt.Errorf("deleting session layout: %w", err)
	}
	res, err := tx.Exec(`DELETE FROM sessions WHERE id = ? AND archive_id = ?`, id, s.archiveID)
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}

	return tx.Commit()
}
