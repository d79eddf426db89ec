package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist in the
// caller's archive. Records owned by a different archive read as not found.
var ErrNotFound = errors.New("not found")

// ErrClosed is returned when a Store handle is used after its archive was
// switched away. Holding a repository reference across an archive switch is
// a bug in the caller; the error makes the leak loud instead of silent.
var ErrClosed = errors.New("store is closed")

// AnonymousArchive is the sentinel identity assigned to rows that predate
// archive scoping.
const AnonymousArchive = "anonymous"

// ArtifactKindReport marks final report artifacts, the kind searched by
// SearchReports.
const ArtifactKindReport = "final_report"

// Message statuses. Streaming transitions to exactly one terminal status
// and never back.
const (
	StatusStreaming = "streaming"
	StatusDone      = "done"
	StatusError     = "error"
	StatusAborted   = "aborted"
)

// Session is one conversation/research thread.
type Session struct {
	ID                 string
	Title              string
	CreatedAt          time.Time
	UpdatedAt          time.Time
	LinkedCollectionID string
	// Meta is an open-ended bag holding phase flags, direction state,
	// graph id, report stage and similar per-feature concerns.
	Meta map[string]any
	// LegacySortOrder is the pre-layout integer ordering field, kept for
	// rows that were stored before fractional layout keys existed.
	LegacySortOrder int
}

// Message is one turn in a session's timeline.
type Message struct {
	ID        string
	SessionID string
	Role      string // user, assistant, system, tool
	Content   string
	Status    string
	Error     string
	CreatedAt time.Time
}

// Artifact is an immutable, separately stored payload referenced by id
// from events and messages.
type Artifact struct {
	ID        string
	Kind      string
	Version   int
	Title     string
	Body      string
	CreatedAt time.Time
}

// Layout is a per-(view, session) fractional order key persisting custom
// drag-reorder state.
type Layout struct {
	ViewID    string
	SessionID string
	OrderKey  string
}

// Collection is the minimal placeholder record the projector seeds when a
// session binds a collection the literature store has not created yet. The
// full collection model belongs to the literature feature.
type Collection struct {
	ID          string
	Title       string
	Placeholder bool
	CreatedAt   time.Time
}

// Move is one reorder directive: place SessionID after AfterID or before
// BeforeID. Exactly one of the two anchors should be set.
type Move struct {
	SessionID string
	AfterID   string
	BeforeID  string
}
