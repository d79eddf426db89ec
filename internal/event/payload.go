package event

// SessionCreatedPayload captures the payload for session.created events.
type SessionCreatedPayload struct {
	Title string `json:"title,omitempty"`
}

// SessionRenamedPayload captures the payload for session.renamed events.
type SessionRenamedPayload struct {
	Title string `json:"title"`
}

// SessionCollectionBoundPayload captures the payload for
// session.collection_bound events.
type SessionCollectionBoundPayload struct {
	CollectionID string `json:"collection_id"`
	// Title seeds the collection placeholder when the collection store has
	// no entry yet.
	Title string `json:"title,omitempty"`
}

// UserMessageAddedPayload captures the payload for message.user_added events.
type UserMessageAddedPayload struct {
	MessageID string `json:"message_id"`
	Content   string `json:"content"`
}

// AssistantStartedPayload captures the payload for assistant.started events.
type AssistantStartedPayload struct {
	MessageID string `json:"message_id"`
}

// AssistantDeltaPayload captures the payload for assistant.delta events.
// Seq is a per-message monotonically increasing sequence number; zero means
// the producer does not number deltas and ordering is trusted as-is.
type AssistantDeltaPayload struct {
	MessageID string `json:"message_id"`
	Delta     string `json:"delta"`
	Seq       uint64 `json:"seq,omitempty"`
}

// AssistantCompletedPayload captures the payload for assistant.completed
// events. Content, when present, replaces the accumulated streamed text,
// which lets a producer emit a single completed event without any deltas.
type AssistantCompletedPayload struct {
	MessageID string `json:"message_id"`
	Content   string `json:"content,omitempty"`
}

// AssistantFailedPayload captures the payload for assistant.failed events.
type AssistantFailedPayload struct {
	MessageID string `json:"message_id"`
	Error     string `json:"error"`
}

// AssistantAbortedPayload captures the payload for assistant.aborted events.
type AssistantAbortedPayload struct {
	MessageID string `json:"message_id"`
}

// DirectionProposedPayload captures the payload for direction.proposed
// events. Round numbers the proposal; the projected message id is derived
// from it so replays and late single-shot arrivals upsert the same message.
type DirectionProposedPayload struct {
	Round   int    `json:"round"`
	Content string `json:"content"`
}

// DirectionConfirmedPayload captures the payload for direction.confirmed events.
type DirectionConfirmedPayload struct {
	Round int `json:"round"`
}

// SearchRoundStartedPayload captures the payload for search.round_started events.
type SearchRoundStartedPayload struct {
	Round int    `json:"round"`
	Query string `json:"query,omitempty"`
}

// SearchRoundCompletedPayload captures the payload for search.round_completed
// events. ArtifactID references the stored result set.
type SearchRoundCompletedPayload struct {
	Round       int    `json:"round"`
	ResultCount int    `json:"result_count"`
	ArtifactID  string `json:"artifact_id,omitempty"`
}

// SearchRoundFailedPayload captures the payload for search.round_failed events.
type SearchRoundFailedPayload struct {
	Round int    `json:"round"`
	Error string `json:"error"`
}

// GraphBuildStartedPayload captures the payload for graph.build_started events.
type GraphBuildStartedPayload struct {
	CollectionID string `json:"collection_id,omitempty"`
}

// GraphCompletedPayload captures the payload for graph.completed events.
type GraphCompletedPayload struct {
	GraphID    string `json:"graph_id"`
	ArtifactID string `json:"artifact_id,omitempty"`
}

// GraphFailedPayload captures the payload for graph.failed events.
type GraphFailedPayload struct {
	Error string `json:"error"`
}

// ReportStartedPayload captures the payload for report.started events.
// Version numbers report generations within a session.
type ReportStartedPayload struct {
	Version int `json:"version"`
}

// ReportDeltaPayload captures the payload for report.delta events.
type ReportDeltaPayload struct {
	Version int    `json:"version"`
	Delta   string `json:"delta"`
	Seq     uint64 `json:"seq,omitempty"`
}

// ReportCompletedPayload captures the payload for report.completed events.
type ReportCompletedPayload struct {
	Version    int    `json:"version"`
	Content    string `json:"content,omitempty"`
	ArtifactID string `json:"artifact_id,omitempty"`
}

// ReportFailedPayload captures the payload for report.failed events.
type ReportFailedPayload struct {
	Version int    `json:"version"`
	Error   string `json:"error"`
}
