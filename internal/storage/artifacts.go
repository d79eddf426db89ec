package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PutArtifact stores an artifact. Artifacts are immutable: a duplicate id
// is ignored rather than overwritten.
func (s *Store) PutArtifact(ctx context.Context, a Artifact) error {
	if err := s.guard(); err != nil {
		return err
	}
	if strings.TrimSpace(a.ID) == "" {
		return fmt.Errorf("artifact id is required")
	}
	if a.Version <= 0 {
		a.Version = 1
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO artifacts (id, archive_id, kind, version, title, body, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(archive_id, id) DO NOTHING`,
		a.ID, s.archiveID, a.Kind, a.Version, a.Title, a.Body, fmtTime(a.CreatedAt),
	)
	return err
}

// GetArtifact fetches an artifact by id within the current archive.
func (s *Store) GetArtifact(ctx context.Context, id string) (Artifact, error) {
	if err := s.guard(); err != nil {
		return Artifact{}, err
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, version, title, body, created_at
		FROM artifacts WHERE id = ? AND archive_id = ?`, id, s.archiveID)
	return scanArtifact(row)
}

func scanArtifact(row rowScanner) (Artifact, error) {
	var a Artifact
	var createdAt string
	err := row.Scan(&a.ID, &a.Kind, &a.Version, &a.Title, &a.Body, &createdAt)
	if err == sql.ErrNoRows {
		return Artifact{}, ErrNotFound
	}
	if err != nil {
		return Artifact{}, err
	}
	if a.CreatedAt, err = parseStoredTime(createdAt); err != nil {
		return Artifact{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return a, nil
}

// ListArtifacts returns the archive's artifacts newest first, optionally
// filtered by kind (empty kind means all).
func (s *Store) ListArtifacts(ctx context.Context, kind string) ([]Artifact, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	query := `SELECT id, kind, version, title, body, created_at FROM artifacts WHERE archive_id = ?`
	args := []any{s.archiveID}
	if kind != "" {
		query += ` AND kind = ?`
		args = append(args, kind)
	}
	query += ` ORDER BY created_at DESC, rowid DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var artifacts []Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, a)
	}
	return artifacts, rows.Err()
}

// ListAllArtifacts returns every artifact in the archive, used by export.
func (s *Store) ListAllArtifacts(ctx context.Context) ([]Artifact, error) {
	return s.ListArtifacts(ctx, "")
}

// SearchReports filters final-report artifacts by a case-insensitive
// substring match against the title or a prefix of the body, newest first,
// capped at limit.
func (s *Store) SearchReports(ctx context.Context, query string, limit int) ([]Artifact, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 20
	}
	needle := strings.ToLower(strings.TrimSpace(query))

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, version, title, body, created_at
		FROM artifacts
		WHERE archive_id = ? AND kind = ?
			AND (instr(lower(title), ?) > 0 OR instr(lower(substr(body, 1, 2000)), ?) > 0)
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?`,
		s.archiveID, ArtifactKindReport, needle, needle, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reports []Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		reports = append(reports, a)
	}
	return reports, rows.Err()
}
