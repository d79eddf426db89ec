package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// SeedCollection writes a placeholder collection entry if none exists,
// so a session bound to a not-yet-synced collection renders immediately
// instead of sticking on a loading state. An existing entry (placeholder
// or real) is left untouched.
func (s *Store) SeedCollection(ctx context.Context, id, title string) error {
	if err := s.guard(); err != nil {
		return err
	}
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("collection id is required")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO collections (id, archive_id, title, placeholder, created_at)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT(archive_id, id) DO NOTHING`,
		id, s.archiveID, title, fmtTime(time.Now()),
	)
	return err
}

// PutCollection upserts a collection record, used by import.
func (s *Store) PutCollection(ctx context.Context, c Collection) error {
	if err := s.guard(); err != nil {
		return err
	}
	if strings.TrimSpace(c.ID) == "" {
		return fmt.Errorf("collection id is required")
	}

	placeholder := 0
	if c.Placeholder {
		placeholder = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO collections (id, archive_id, title, placeholder, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(archive_id, id) DO UPDATE SET
			title = excluded.title,
			placeholder = excluded.placeholder`,
		c.ID, s.archiveID, c.Title, placeholder, fmtTime(c.CreatedAt),
	)
	return err
}

// GetCollection fetches a collection by id within the current archive.
func (s *Store) GetCollection(ctx context.Context, id string) (Collection, error) {
	if err := s.guard(); err != nil {
		return Collection{}, err
	}

	var c Collection
	var placeholder int
	var createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, placeholder, created_at
		FROM collections WHERE id = ? AND archive_id = ?`, id, s.archiveID,
	).Scan(&c.ID, &c.Title, &placeholder, &createdAt)
	if err == sql.ErrNoRows {
		return Collection{}, ErrNotFound
	}
	if err != nil {
		return Collection{}, err
	}
	c.Placeholder = placeholder != 0
	if c.CreatedAt, err = parseStoredTime(createdAt); err != nil {
		return Collection{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return c, nil
}

// ListCollections returns the archive's collections, used by export.
func (s *Store) ListCollections(ctx context.Context) ([]Collection, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, placeholder, created_at
		FROM collections WHERE archive_id = ? ORDER BY created_at ASC`, s.archiveID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var collections []Collection
	for rows.Next() {
		var c Collection
		var placeholder int
		var createdAt string
		if err := rows.Scan(&c.ID, &c.Title, &placeholder, &createdAt); err != nil {
			return nil, err
		}
		c.Placeholder = placeholder != 0
		t, err := parseStoredTime(createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		c.CreatedAt = t
		collections = append(collections, c)
	}
	return collections, rows.Err()
}
