// Package session holds the in-memory projection of sessions and messages
// that the UI renders from. The store is the single writer to its own maps:
// every mutation commits synchronously in memory, then persists through the
// repository in the background. A render immediately after a mutation
// always sees the mutation, even if the durable write has not completed.
// Background write failures are logged and swallowed; for a single-user
// local-first client the in-memory state stays authoritative for the
// running process. That trade of durability-visibility for availability is
// deliberate and would need revisiting for any multi-writer setup.
package session

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/quirelab/quire/internal/storage"
)

// Repository is the durable store the projection writes through.
// Implemented by storage.Store.
type Repository interface {
	ArchiveID() string
	PutSession(ctx context.Context, sess storage.Session) error
	DeleteSession(ctx context.Context, id string) error
	PutMessage(ctx context.Context, msg storage.Message) error
	ListSessions(ctx context.Context, viewID string) ([]storage.Session, error)
	ListMessages(ctx context.Context, sessionID string) ([]storage.Message, error)
	ReorderSessions(ctx context.Context, viewID string, moves []storage.Move) error
	EnsureLayoutTop(ctx context.Context, viewID, sessionID string) error
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// MessagePatch is a partial message update. Nil fields are left untouched.
type MessagePatch struct {
	Content *string
	Status  *string
	Error   *string
}

type seqKey struct {
	sessionID string
	messageID string
}

const defaultView = "default"

const persistTimeout = 5 * time.Second

// Store is the reactive projection of one archive's sessions.
type Store struct {
	logger *slog.Logger
	clock  Clock
	viewID string

	mu        sync.Mutex
	repo      Repository
	archiveID string
	sessions  map[string]storage.Session
	messages  map[string][]storage.Message
	// lastSeq tracks the highest applied delta sequence per message,
	// guarding against out-of-order delivery from the transport. Keyed by
	// session and message id: deterministic ids like report_1 repeat across
	// sessions.
	lastSeq map[seqKey]uint64
	// order is the explicit session id order; nil means "sort by
	// updated_at descending".
	order   []string
	subs    map[int]func()
	nextSub int

	// writes serializes background persistence so durable message state
	// never regresses behind a later in-memory append.
	writes    chan func(context.Context) error
	loopDone  chan struct{}
	closeOnce sync.Once
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger for swallowed persistence errors.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithClock sets a custom clock (for testing).
func WithClock(clock Clock) Option {
	return func(s *Store) { s.clock = clock }
}

// WithView sets the layout view this store orders sessions by.
func WithView(viewID string) Option {
	return func(s *Store) { s.viewID = viewID }
}

// New creates a projection store writing through repo.
func New(repo Repository, opts ...Option) *Store {
	s := &Store{
		logger:   slog.Default(),
		clock:    realClock{},
		viewID:   defaultView,
		repo:     repo,
		sessions: make(map[string]storage.Session),
		messages: make(map[string][]storage.Message),
		lastSeq:  make(map[seqKey]uint64),
		subs:     make(map[int]func()),
		writes:   make(chan func(context.Context) error, 256),
		loopDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.persistLoop()
	return s
}

func (s *Store) persistLoop() {
	defer close(s.loopDone)
	for fn := range s.writes {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		if err := fn(ctx); err != nil && !errors.Is(err, storage.ErrClosed) {
			s.logger.Warn("background persistence failed", "error", err)
		}
		cancel()
	}
}

func (s *Store) enqueue(fn func(context.Context) error) {
	s.writes <- fn
}

// Flush blocks until all queued background writes have completed. Used on
// shutdown and by callers that need read-your-writes from storage.
func (s *Store) Flush() {
	done := make(chan struct{})
	s.enqueue(func(context.Context) error {
		close(done)
		return nil
	})
	<-done
}

// Close stops the background writer after draining queued writes.
func (s *Store) Close() {
	s.closeOnce.Do(func() { close(s.writes) })
	<-s.loopDone
}

// Subscribe registers a change listener invoked after every mutation.
// A panicking listener is isolated and cannot break other listeners.
func (s *Store) Subscribe(fn func()) (cancel func()) {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func (s *Store) emit() {
	s.mu.Lock()
	listeners := make([]func(), 0, len(s.subs))
	for _, fn := range s.subs {
		listeners = append(listeners, fn)
	}
	s.mu.Unlock()

	for _, fn := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Warn("store subscriber panicked", "panic", r)
				}
			}()
			fn()
		}()
	}
}

// Sessions returns the sessions in render order: the explicit order if one
// is set, else updated_at descending.
func (s *Store) Sessions() []storage.Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.order != nil {
		out := make([]storage.Session, 0, len(s.sessions))
		seen := make(map[string]bool, len(s.order))
		for _, id := range s.order {
			if sess, ok := s.sessions[id]; ok {
				out = append(out, sess)
				seen[id] = true
			}
		}
		// Sessions loaded outside the explicit order tail off by recency.
		var rest []storage.Session
		for id, sess := range s.sessions {
			if !seen[id] {
				rest = append(rest, sess)
			}
		}
		sort.Slice(rest, func(i, j int) bool { return rest[i].UpdatedAt.After(rest[j].UpdatedAt) })
		return append(out, rest...)
	}

	out := make([]storage.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out
}

// Session returns one session by id.
func (s *Store) Session(id string) (storage.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// Messages returns a session's message list, empty for unknown sessions.
func (s *Store) Messages(sessionID string) []storage.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[sessionID]
	out := make([]storage.Message, len(msgs))
	copy(out, msgs)
	return out
}

// UpsertSession inserts or replaces a session and schedules the durable
// write. A session new to an explicit order is placed at the front.
func (s *Store) UpsertSession(sess storage.Session) {
	s.mu.Lock()
	_, existed := s.sessions[sess.ID]
	s.sessions[sess.ID] = sess
	if !existed && s.order != nil && !slices.Contains(s.order, sess.ID) {
		s.order = append([]string{sess.ID}, s.order...)
	}
	s.persistSessionLocked(sess)
	if !existed {
		repo, viewID, id := s.repo, s.viewID, sess.ID
		s.enqueue(func(ctx context.Context) error {
			return repo.EnsureLayoutTop(ctx, viewID, id)
		})
	}
	s.mu.Unlock()
	s.emit()
}

// persistSessionLocked schedules the background write for a session value.
func (s *Store) persistSessionLocked(sess storage.Session) {
	repo := s.repo
	s.enqueue(func(ctx context.Context) error {
		return repo.PutSession(ctx, sess)
	})
}

func (s *Store) persistMessageLocked(msg storage.Message) {
	repo := s.repo
	s.enqueue(func(ctx context.Context) error {
		return repo.PutMessage(ctx, msg)
	})
}

// touch advances UpdatedAt, keeping it strictly monotonic even when the
// wall clock has not moved between mutations.
func (s *Store) touch(sess *storage.Session) {
	now := s.clock.Now().UTC()
	if !now.After(sess.UpdatedAt) {
		now = sess.UpdatedAt.Add(time.Millisecond)
	}
	sess.UpdatedAt = now
}

// mutateSession applies fn to an existing session, touches it, and
// persists. Returns false (no-op) for unknown ids.
func (s *Store) mutateSession(id string, fn func(*storage.Session)) bool {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	fn(&sess)
	s.touch(&sess)
	s.sessions[id] = sess
	s.persistSessionLocked(sess)
	s.mu.Unlock()
	s.emit()
	return true
}

// RenameSession sets the session title.
func (s *Store) RenameSession(id, title string) {
	s.mutateSession(id, func(sess *storage.Session) {
		sess.Title = title
	})
}

// BindSessionCollection links the session to a literature collection.
func (s *Store) BindSessionCollection(id, collectionID string) {
	s.mutateSession(id, func(sess *storage.Session) {
		sess.LinkedCollectionID = collectionID
	})
}

// SetSessionMeta shallow-merges patch into the session meta root. Sibling
// keys not named in the patch survive.
func (s *Store) SetSessionMeta(id string, patch map[string]any) {
	s.mutateSession(id, func(sess *storage.Session) {
		sess.Meta = mergeMeta(sess.Meta, patch)
	})
}

// MergeMetaSection merges patch into the named sub-object of meta, leaving
// sibling sections untouched.
func (s *Store) MergeMetaSection(id, section string, patch map[string]any) {
	s.mutateSession(id, func(sess *storage.Session) {
		if sess.Meta == nil {
			sess.Meta = make(map[string]any)
		} else {
			sess.Meta = mergeMeta(sess.Meta, nil)
		}
		existing, _ := sess.Meta[section].(map[string]any)
		sess.Meta[section] = mergeMeta(existing, patch)
	})
}

// SetGraphPanelOpen records the graph panel visibility flag.
func (s *Store) SetGraphPanelOpen(id string, open bool) {
	s.SetSessionMeta(id, map[string]any{"graphPanelOpen": open})
}

// ToggleGraphPanel flips the graph panel visibility flag.
func (s *Store) ToggleGraphPanel(id string) {
	s.mu.Lock()
	open := false
	if sess, ok := s.sessions[id]; ok {
		open, _ = sess.Meta["graphPanelOpen"].(bool)
	}
	s.mu.Unlock()
	s.SetGraphPanelOpen(id, !open)
}

// mergeMeta returns a fresh map holding base overlaid with patch. The copy
// keeps stored sessions immutable for concurrent readers.
func mergeMeta(base, patch map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}

// RemoveSession deletes a session and its messages from the projection and
// schedules the cascading durable delete.
func (s *Store) RemoveSession(id string) {
	s.mu.Lock()
	if _, ok := s.sessions[id]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.sessions, id)
	for _, msg := range s.messages[id] {
		delete(s.lastSeq, seqKey{id, msg.ID})
	}
	delete(s.messages, id)
	if s.order != nil {
		if at := slices.Index(s.order, id); at >= 0 {
			s.order = slices.Delete(s.order, at, at+1)
		}
	}
	repo := s.repo
	s.enqueue(func(ctx context.Context) error {
		err := repo.DeleteSession(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	})
	s.mu.Unlock()
	s.emit()
}

// AddMessage appends a message to its session's timeline. A message whose
// id already exists is merged rather than duplicated, which keeps event
// replay idempotent. The parent session's UpdatedAt is touched.
func (s *Store) AddMessage(msg storage.Message) {
	s.mu.Lock()
	list := s.messages[msg.SessionID]
	at := -1
	for i := range list {
		if list[i].ID == msg.ID {
			at = i
			break
		}
	}

	if at >= 0 {
		merged := list[at]
		if msg.Role != "" {
			merged.Role = msg.Role
		}
		if msg.Content != "" {
			merged.Content = msg.Content
		}
		if msg.Status != "" && !(isTerminal(merged.Status) && msg.Status == storage.StatusStreaming) {
			merged.Status = msg.Status
		}
		if msg.Error != "" {
			merged.Error = msg.Error
		}
		list[at] = merged
		msg = merged
	} else {
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = s.clock.Now().UTC()
		}
		if msg.Status == "" {
			msg.Status = storage.StatusDone
		}
		list = append(list, msg)
	}
	s.messages[msg.SessionID] = list
	s.persistMessageLocked(msg)

	if sess, ok := s.sessions[msg.SessionID]; ok {
		s.touch(&sess)
		s.sessions[msg.SessionID] = sess
		s.persistSessionLocked(sess)
	}
	s.mu.Unlock()
	s.emit()
}

// AppendToMessage concatenates delta onto a streaming message's content.
// Unknown ids and messages already in a terminal status are ignored, as
// are deltas whose sequence number is not beyond the last applied one.
func (s *Store) AppendToMessage(sessionID, id, delta string, seq uint64) {
	s.mu.Lock()
	list := s.messages[sessionID]
	at := -1
	for i := range list {
		if list[i].ID == id {
			at = i
			break
		}
	}
	if at < 0 || isTerminal(list[at].Status) {
		s.mu.Unlock()
		return
	}
	key := seqKey{sessionID, id}
	if seq > 0 && seq <= s.lastSeq[key] {
		s.logger.Warn("dropping out-of-order delta",
			"session_id", sessionID, "message_id", id, "seq", seq, "last_seq", s.lastSeq[key])
		s.mu.Unlock()
		return
	}
	list[at].Content += delta
	if seq > 0 {
		s.lastSeq[key] = seq
	}
	s.persistMessageLocked(list[at])
	s.mu.Unlock()
	s.emit()
}

// MarkMessage applies a partial patch to a message. Unknown ids are
// ignored. A terminal status never reverts.
func (s *Store) MarkMessage(sessionID, id string, patch MessagePatch) {
	s.mu.Lock()
	list := s.messages[sessionID]
	at := -1
	for i := range list {
		if list[i].ID == id {
			at = i
			break
		}
	}
	if at < 0 {
		s.mu.Unlock()
		return
	}
	if patch.Content != nil {
		list[at].Content = *patch.Content
	}
	if patch.Status != nil && !isTerminal(list[at].Status) {
		list[at].Status = *patch.Status
	}
	if patch.Error != nil {
		list[at].Error = *patch.Error
	}
	s.persistMessageLocked(list[at])
	s.mu.Unlock()
	s.emit()
}

// HasMessage reports whether a message id exists in a session's timeline.
func (s *Store) HasMessage(sessionID, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, msg := range s.messages[sessionID] {
		if msg.ID == id {
			return true
		}
	}
	return false
}

func isTerminal(status string) bool {
	switch status {
	case storage.StatusDone, storage.StatusError, storage.StatusAborted:
		return true
	}
	return false
}

// SetSessionsOrder replaces the explicit order optimistically and persists
// it in the background. Persistence failure does not roll back the
// in-memory order.
func (s *Store) SetSessionsOrder(ids []string) {
	s.mu.Lock()
	s.order = slices.Clone(ids)
	moves := make([]storage.Move, len(ids))
	for i, id := range ids {
		if i == 0 {
			moves[i] = storage.Move{SessionID: id}
		} else {
			moves[i] = storage.Move{SessionID: id, AfterID: ids[i-1]}
		}
	}
	repo, viewID := s.repo, s.viewID
	s.enqueue(func(ctx context.Context) error {
		return repo.ReorderSessions(ctx, viewID, moves)
	})
	s.mu.Unlock()
	s.emit()
}

// MoveAfter places a session immediately after another in the explicit
// order.
func (s *Store) MoveAfter(id, afterID string) {
	s.move(storage.Move{SessionID: id, AfterID: afterID})
}

// MoveBefore places a session immediately before another in the explicit
// order.
func (s *Store) MoveBefore(id, beforeID string) {
	s.move(storage.Move{SessionID: id, BeforeID: beforeID})
}

func (s *Store) move(m storage.Move) {
	s.mu.Lock()
	if s.order == nil {
		s.order = s.currentOrderLocked()
	}
	at := slices.Index(s.order, m.SessionID)
	if at < 0 {
		s.mu.Unlock()
		return
	}
	s.order = slices.Delete(s.order, at, at+1)
	switch {
	case m.AfterID != "":
		if anchor := slices.Index(s.order, m.AfterID); anchor >= 0 {
			s.order = slices.Insert(s.order, anchor+1, m.SessionID)
		} else {
			s.order = append(s.order, m.SessionID)
		}
	case m.BeforeID != "":
		if anchor := slices.Index(s.order, m.BeforeID); anchor >= 0 {
			s.order = slices.Insert(s.order, anchor, m.SessionID)
		} else {
			s.order = slices.Insert(s.order, 0, m.SessionID)
		}
	default:
		s.order = slices.Insert(s.order, 0, m.SessionID)
	}

	repo, viewID := s.repo, s.viewID
	s.enqueue(func(ctx context.Context) error {
		return repo.ReorderSessions(ctx, viewID, []storage.Move{m})
	})
	s.mu.Unlock()
	s.emit()
}

func (s *Store) currentOrderLocked() []string {
	out := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool {
		return s.sessions[out[i]].UpdatedAt.After(s.sessions[out[j]].UpdatedAt)
	})
	return out
}

// Rebind points the store at a different repository, typically after an
// archive switch. The next LoadSessions clears state if the archive
// changed.
func (s *Store) Rebind(repo Repository) {
	s.mu.Lock()
	s.repo = repo
	s.mu.Unlock()
}

// LoadSessions hydrates the projection from the repository. When the
// repository belongs to a different archive than the last load, all
// in-memory state is cleared first so no stale cross-archive data can
// flash into a render.
func (s *Store) LoadSessions(ctx context.Context) error {
	s.mu.Lock()
	repo := s.repo
	if repo.ArchiveID() != s.archiveID {
		s.sessions = make(map[string]storage.Session)
		s.messages = make(map[string][]storage.Message)
		s.lastSeq = make(map[seqKey]uint64)
		s.order = nil
		s.archiveID = repo.ArchiveID()
	}
	viewID := s.viewID
	s.mu.Unlock()

	sessions, err := repo.ListSessions(ctx, viewID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.repo == repo {
		order := make([]string, 0, len(sessions))
		for _, sess := range sessions {
			s.sessions[sess.ID] = sess
			order = append(order, sess.ID)
		}
		s.order = order
	}
	s.mu.Unlock()
	s.emit()
	return nil
}

// LoadMessages hydrates one session's timeline from the repository.
func (s *Store) LoadMessages(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	repo := s.repo
	s.mu.Unlock()

	msgs, err := repo.ListMessages(ctx, sessionID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.repo == repo {
		s.messages[sessionID] = msgs
	}
	s.mu.Unlock()
	s.emit()
	return nil
}
