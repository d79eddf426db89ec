package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PutMessage inserts or updates a message. The upsert key is scoped to the
// archive and session because the projection derives deterministic ids
// (proposal_1 exists in every session that proposed a direction); replayed
// events still converge on the latest state for their own session.
func (s *Store) PutMessage(ctx context.Context, msg Message) error {
	if err := s.guard(); err != nil {
		return err
	}
	if strings.TrimSpace(msg.ID) == "" || strings.TrimSpace(msg.SessionID) == "" {
		return fmt.Errorf("message id and session id are required")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, archive_id, session_id, role, content, status, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(archive_id, session_id, id) DO UPDATE SET
			content = excluded.content,
			status = excluded.status,
			error = excluded.error`,
		msg.ID, s.archiveID, msg.SessionID, msg.Role, msg.Content, msg.Status, msg.Error,
		fmtTime(msg.CreatedAt),
	)
	return err
}

// GetMessage fetches a message by session and id within the current
// archive. The session scope matters: deterministic ids repeat across
// sessions.
func (s *Store) GetMessage(ctx context.Context, sessionID, id string) (Message, error) {
	if err := s.guard(); err != nil {
		return Message{}, err
	}

	var msg Message
	var createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, role, content, status, error, created_at
		FROM messages WHERE session_id = ? AND id = ? AND archive_id = ?`, sessionID, id, s.archiveID,
	).Scan(&msg.ID, &msg.SessionID, &msg.Role, &msg.Content, &msg.Status, &msg.Error, &createdAt)
	if err == sql.ErrNoRows {
		return Message{}, ErrNotFound
	}
	if err != nil {
		return Message{}, err
	}
	if msg.CreatedAt, err = parseStoredTime(createdAt); err != nil {
		return Message{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return msg, nil
}

// ListMessages returns a session's messages in creation order. Insertion
// order breaks ties within the stored one-second timestamp resolution.
func (s *Store) ListMessages(ctx context.Context, sessionID string) ([]Message, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, role, content, status, error, created_at
		FROM messages WHERE session_id = ? AND archive_id = ?
		ORDER BY created_at ASC, rowid ASC`, sessionID, s.archiveID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanMessages(rows)
}

// ListAllMessages returns every message in the archive, used by export.
func (s *Store) ListAllMessages(ctx context.Context) ([]Message, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, role, content, status, error, created_at
		FROM messages WHERE archive_id = ?
		ORDER BY session_id, created_at ASC, rowid ASC`, s.archiveID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var messages []Message
	for rows.Next() {
		var msg Message
		var createdAt string
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Role, &msg.Content, &msg.Status, &msg.Error, &createdAt); err != nil {
			return nil, err
		}
		t, err := parseStoredTime(createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		msg.CreatedAt = t
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}
