package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/quirelab/quire/internal/event"
)

// AppendEvent records an immutable event. The table is insert-only; an id
// seen before is ignored so replaying a journal is harmless.
func (s *Store) AppendEvent(ctx context.Context, evt event.Envelope) error {
	if err := s.guard(); err != nil {
		return err
	}
	if strings.TrimSpace(evt.ID) == "" {
		return fmt.Errorf("event id is required")
	}
	if !evt.Type.IsValid() {
		return fmt.Errorf("event type is required")
	}

	payload := "{}"
	if len(evt.Payload) > 0 {
		payload = string(evt.Payload)
	}
	artifactIDs := "[]"
	if len(evt.ArtifactIDs) > 0 {
		b, err := json.Marshal(evt.ArtifactIDs)
		if err != nil {
			return fmt.Errorf("marshalling artifact ids: %w", err)
		}
		artifactIDs = string(b)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (id, archive_id, type, ts, session_id, task_id, correlation_id, causation_id, payload, artifact_ids)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(archive_id, id) DO NOTHING`,
		evt.ID, s.archiveID, string(evt.Type), fmtTime(evt.Timestamp), evt.SessionID,
		evt.TaskID, evt.CorrelationID, evt.CausationID, payload, artifactIDs,
	)
	return err
}

// ListEvents returns the archive's events in append order, optionally
// filtered to one session (empty sessionID means all).
func (s *Store) ListEvents(ctx context.Context, sessionID string) ([]event.Envelope, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	query := `
		SELECT id, type, ts, session_id, task_id, correlation_id, causation_id, payload, artifact_ids
		FROM events WHERE archive_id = ?`
	args := []any{s.archiveID}
	if sessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY rowid ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []event.Envelope
	for rows.Next() {
		var evt event.Envelope
		var typ, ts, payload, artifactIDs string
		if err := rows.Scan(&evt.ID, &typ, &ts, &evt.SessionID, &evt.TaskID,
			&evt.CorrelationID, &evt.CausationID, &payload, &artifactIDs); err != nil {
			return nil, err
		}
		evt.Type = event.Type(typ)
		t, err := parseStoredTime(ts)
		if err != nil {
			return nil, fmt.Errorf("parsing event ts: %w", err)
		}
		evt.Timestamp = t
		if payload != "" && payload != "{}" {
			evt.Payload = json.RawMessage(payload)
		}
		if artifactIDs != "" && artifactIDs != "[]" {
			if err := json.Unmarshal([]byte(artifactIDs), &evt.ArtifactIDs); err != nil {
				return nil, fmt.Errorf("parsing artifact ids: %w", err)
			}
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}
