// Package event defines the immutable domain events produced by research
// orchestration and consumed by the projection layer. The set of event
// types is closed; the projector rejects any type it does not know.
package event

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Type identifies the kind of a domain event.
type Type string

// Session lifecycle events.
const (
	// TypeSessionCreated records the creation of a research session.
	TypeSessionCreated Type = "session.created"
	// TypeSessionRenamed records a session title change.
	TypeSessionRenamed Type = "session.renamed"
	// TypeSessionDeleted records explicit deletion of a session.
	TypeSessionDeleted Type = "session.deleted"
	// TypeSessionCollectionBound records linking a session to a literature collection.
	TypeSessionCollectionBound Type = "session.collection_bound"
)

// Message events.
const (
	// TypeUserMessageAdded records a user turn in the session timeline.
	TypeUserMessageAdded Type = "message.user_added"
)

// Assistant streaming events. A started event opens a message in the
// streaming state, delta events append text, and exactly one terminal
// event (completed, failed, or aborted) freezes it.
const (
	TypeAssistantStarted   Type = "assistant.started"
	TypeAssistantDelta     Type = "assistant.delta"
	TypeAssistantCompleted Type = "assistant.completed"
	TypeAssistantFailed    Type = "assistant.failed"
	TypeAssistantAborted   Type = "assistant.aborted"
)

// Research direction events.
const (
	// TypeDirectionProposed records a proposed research direction for a round.
	TypeDirectionProposed Type = "direction.proposed"
	// TypeDirectionConfirmed records the user confirming a proposed direction.
	TypeDirectionConfirmed Type = "direction.confirmed"
)

// Literature search events.
const (
	TypeSearchRoundStarted   Type = "search.round_started"
	TypeSearchRoundCompleted Type = "search.round_completed"
	TypeSearchRoundFailed    Type = "search.round_failed"
)

// Graph construction events.
const (
	TypeGraphBuildStarted Type = "graph.build_started"
	TypeGraphCompleted    Type = "graph.completed"
	TypeGraphFailed       Type = "graph.failed"
)

// Report generation events.
const (
	TypeReportStarted   Type = "report.started"
	TypeReportDelta     Type = "report.delta"
	TypeReportCompleted Type = "report.completed"
	TypeReportFailed    Type = "report.failed"
)

// Envelope is an immutable fact: what happened, when, and in which session.
// Payload holds type-specific data; large out-of-band payloads live in the
// artifact store and are referenced by ArtifactIDs.
type Envelope struct {
	// ID uniquely identifies the event.
	ID string `json:"id"`
	// Type identifies the kind of event.
	Type Type `json:"type"`
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// SessionID is the session this event belongs to (empty for global events).
	SessionID string `json:"session_id,omitempty"`
	// TaskID identifies the orchestration task that produced the event.
	TaskID string `json:"task_id,omitempty"`
	// CorrelationID groups events belonging to one logical operation.
	CorrelationID string `json:"correlation_id,omitempty"`
	// CausationID is the ID of the command or event that caused this one.
	CausationID string `json:"causation_id,omitempty"`
	// Payload holds type-specific data as JSON.
	Payload json.RawMessage `json:"payload,omitempty"`
	// ArtifactIDs reference separately stored artifacts.
	ArtifactIDs []string `json:"artifact_ids,omitempty"`
}

// New builds an envelope with a fresh ID and the current time.
func New(t Type, sessionID string, payload any) (Envelope, error) {
	evt := Envelope{
		ID:        uuid.New().String(),
		Type:      t,
		Timestamp: time.Now().UTC(),
		SessionID: sessionID,
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshalling %s payload: %w", t, err)
		}
		evt.Payload = raw
	}
	return evt, nil
}

// DecodePayload unmarshals the envelope payload into v. A missing payload
// leaves v at its zero value.
func (e Envelope) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decoding %s payload: %w", e.Type, err)
	}
	return nil
}

// IsValid reports whether the event type is usable.
func (t Type) IsValid() bool {
	return strings.TrimSpace(string(t)) != ""
}

// Domain returns the domain prefix of the event type (e.g. "session",
// "assistant").
func (t Type) Domain() string {
	for i, c := range t {
		if c == '.' {
			return string(t[:i])
		}
	}
	return string(t)
}
