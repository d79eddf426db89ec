package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/quirelab/quire/internal/storage"
)

// frozenClock always returns the same instant, forcing the store to make
// UpdatedAt monotonic on its own.
type frozenClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *frozenClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func openTestRepo(t *testing.T, archiveID string) *storage.Store {
	t.Helper()
	db, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db.ForArchive(archiveID)
}

func newTestStore(t *testing.T, repo Repository) *Store {
	t.Helper()
	s := New(repo)
	t.Cleanup(s.Close)
	return s
}

func TestUpsertSessionVisibleBeforePersistence(t *testing.T) {
	repo := openTestRepo(t, "alice")
	s := newTestStore(t, repo)

	s.UpsertSession(storage.Session{ID: "s1", Title: "Quantum dots", UpdatedAt: time.Now().UTC()})

	if _, ok := s.Session("s1"); !ok {
		t.Fatal("session not visible immediately after upsert")
	}

	s.Flush()
	got, err := repo.GetSession(context.Background(), "s1")
	if err != nil {
		t.Fatalf("session not persisted: %v", err)
	}
	if got.Title != "Quantum dots" {
		t.Fatalf("persisted title = %q", got.Title)
	}
}

func TestAddMessageMergesByID(t *testing.T) {
	repo := openTestRepo(t, "alice")
	s := newTestStore(t, repo)
	s.UpsertSession(storage.Session{ID: "s1", Title: "t"})

	s.AddMessage(storage.Message{ID: "m1", SessionID: "s1", Role: "assistant", Status: storage.StatusStreaming})
	s.AddMessage(storage.Message{ID: "m1", SessionID: "s1", Content: "hello", Status: storage.StatusDone})

	msgs := s.Messages("s1")
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if msgs[0].Content != "hello" || msgs[0].Status != storage.StatusDone {
		t.Fatalf("merged message = %+v", msgs[0])
	}
	if msgs[0].Role != "assistant" {
		t.Fatalf("merge dropped role: %+v", msgs[0])
	}
}

func TestAppendToMessageSequenceGuard(t *testing.T) {
	repo := openTestRepo(t, "alice")
	s := newTestStore(t, repo)
	s.UpsertSession(storage.Session{ID: "s1"})
	s.AddMessage(storage.Message{ID: "m1", SessionID: "s1", Role: "assistant", Status: storage.StatusStreaming})

	s.AppendToMessage("s1", "m1", "one ", 1)
	s.AppendToMessage("s1", "m1", "two ", 2)
	s.AppendToMessage("s1", "m1", "dup ", 2)  // duplicate seq dropped
	s.AppendToMessage("s1", "m1", "late ", 1) // stale seq dropped
	s.AppendToMessage("s1", "m1", "three", 3)

	msgs := s.Messages("s1")
	if got := msgs[0].Content; got != "one two three" {
		t.Fatalf("content = %q", got)
	}
}

func TestSequenceGuardScopedPerSession(t *testing.T) {
	repo := openTestRepo(t, "alice")
	s := newTestStore(t, repo)
	s.UpsertSession(storage.Session{ID: "sess_a"})
	s.UpsertSession(storage.Session{ID: "sess_b"})

	// Both sessions stream a message with the same deterministic id and
	// sequences starting at one. One stream's seqs must not shadow the
	// other's.
	s.AddMessage(storage.Message{ID: "report_1", SessionID: "sess_a", Role: "assistant", Status: storage.StatusStreaming})
	s.AppendToMessage("sess_a", "report_1", "A1 ", 1)
	s.AppendToMessage("sess_a", "report_1", "A2", 2)

	s.AddMessage(storage.Message{ID: "report_1", SessionID: "sess_b", Role: "assistant", Status: storage.StatusStreaming})
	s.AppendToMessage("sess_b", "report_1", "B1 ", 1)
	s.AppendToMessage("sess_b", "report_1", "B2", 2)

	if got := s.Messages("sess_a")[0].Content; got != "A1 A2" {
		t.Fatalf("sess_a content = %q", got)
	}
	if got := s.Messages("sess_b")[0].Content; got != "B1 B2" {
		t.Fatalf("sess_b content = %q", got)
	}
}

func TestAppendIgnoredAfterTerminal(t *testing.T) {
	repo := openTestRepo(t, "alice")
	s := newTestStore(t, repo)
	s.UpsertSession(storage.Session{ID: "s1"})
	s.AddMessage(storage.Message{ID: "m1", SessionID: "s1", Role: "assistant", Status: storage.StatusStreaming})

	s.AppendToMessage("s1", "m1", "body", 1)
	done := storage.StatusDone
	s.MarkMessage("s1", "m1", MessagePatch{Status: &done})
	s.AppendToMessage("s1", "m1", " straggler", 2)

	if got := s.Messages("s1")[0].Content; got != "body" {
		t.Fatalf("content = %q, terminal message accepted a delta", got)
	}

	// Unknown message ids are a silent no-op, not a panic or a create.
	s.AppendToMessage("s1", "ghost", "x", 1)
	if len(s.Messages("s1")) != 1 {
		t.Fatal("append to unknown id created a message")
	}
}

func TestMarkMessageTerminalStatusFrozen(t *testing.T) {
	repo := openTestRepo(t, "alice")
	s := newTestStore(t, repo)
	s.UpsertSession(storage.Session{ID: "s1"})
	s.AddMessage(storage.Message{ID: "m1", SessionID: "s1", Role: "assistant", Status: storage.StatusStreaming})

	aborted := storage.StatusAborted
	s.MarkMessage("s1", "m1", MessagePatch{Status: &aborted})

	streaming := storage.StatusStreaming
	s.MarkMessage("s1", "m1", MessagePatch{Status: &streaming})

	if got := s.Messages("s1")[0].Status; got != storage.StatusAborted {
		t.Fatalf("status = %q, terminal status reverted", got)
	}
}

func TestUpdatedAtStrictlyMonotonic(t *testing.T) {
	repo := openTestRepo(t, "alice")
	clock := &frozenClock{t: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	s := New(repo, WithClock(clock))
	t.Cleanup(s.Close)

	s.UpsertSession(storage.Session{ID: "s1", Title: "a", UpdatedAt: clock.Now()})

	var stamps []time.Time
	for i := 0; i < 5; i++ {
		s.RenameSession("s1", "b")
		sess, _ := s.Session("s1")
		stamps = append(stamps, sess.UpdatedAt)
	}

	for i := 1; i < len(stamps); i++ {
		if !stamps[i].After(stamps[i-1]) {
			t.Fatalf("UpdatedAt not strictly increasing at %d: %v then %v", i, stamps[i-1], stamps[i])
		}
	}
}

func TestSessionsOrderFallbackAndExplicit(t *testing.T) {
	repo := openTestRepo(t, "alice")
	s := newTestStore(t, repo)

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	s.UpsertSession(storage.Session{ID: "old", UpdatedAt: base})
	s.UpsertSession(storage.Session{ID: "mid", UpdatedAt: base.Add(time.Hour)})
	s.UpsertSession(storage.Session{ID: "new", UpdatedAt: base.Add(2 * time.Hour)})

	got := ids(s.Sessions())
	want := []string{"new", "mid", "old"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("fallback order = %v, want %v", got, want)
		}
	}

	s.SetSessionsOrder([]string{"old", "new", "mid"})
	got = ids(s.Sessions())
	want = []string{"old", "new", "mid"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("explicit order = %v, want %v", got, want)
		}
	}

	// A session created after the explicit order exists goes to the front.
	s.UpsertSession(storage.Session{ID: "fresh", UpdatedAt: base.Add(3 * time.Hour)})
	if got := ids(s.Sessions()); got[0] != "fresh" {
		t.Fatalf("new session not at front: %v", got)
	}
}

func TestMoveAfterPersistsAcrossReload(t *testing.T) {
	repo := openTestRepo(t, "alice")
	s := newTestStore(t, repo)

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"d", "c", "b", "a"} {
		s.UpsertSession(storage.Session{ID: id, UpdatedAt: base.Add(time.Duration(i) * time.Hour)})
	}
	s.Flush()
	// Seed the explicit order from storage before moving.
	if err := s.LoadSessions(context.Background()); err != nil {
		t.Fatalf("loading sessions: %v", err)
	}

	s.MoveAfter("a", "c")

	got := ids(s.Sessions())
	want := []string{"b", "c", "a", "d"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("in-memory order = %v, want %v", got, want)
		}
	}

	s.Flush()
	reloaded := newTestStore(t, repo)
	if err := reloaded.LoadSessions(context.Background()); err != nil {
		t.Fatalf("reloading sessions: %v", err)
	}
	got = ids(reloaded.Sessions())
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("reloaded order = %v, want %v", got, want)
		}
	}
}

func TestLoadSessionsClearsOnArchiveChange(t *testing.T) {
	db, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	repoA := db.ForArchive("alice")
	repoB := db.ForArchive("bob")

	seed := New(repoB)
	seed.UpsertSession(storage.Session{ID: "bob-1", Title: "Bob's"})
	seed.Flush()
	seed.Close()

	s := New(repoA)
	t.Cleanup(s.Close)
	s.UpsertSession(storage.Session{ID: "alice-1", Title: "Alice's"})
	s.Flush()
	if err := s.LoadSessions(context.Background()); err != nil {
		t.Fatalf("loading alice: %v", err)
	}

	s.Rebind(repoB)
	if err := s.LoadSessions(context.Background()); err != nil {
		t.Fatalf("loading bob: %v", err)
	}

	got := ids(s.Sessions())
	if len(got) != 1 || got[0] != "bob-1" {
		t.Fatalf("sessions after archive switch = %v, want [bob-1]", got)
	}
}

func TestMetaSectionMergeKeepsSiblings(t *testing.T) {
	repo := openTestRepo(t, "alice")
	s := newTestStore(t, repo)
	s.UpsertSession(storage.Session{ID: "s1", Meta: map[string]any{
		"graphId": "g-1",
		"search":  map[string]any{"round": 1, "status": "running"},
	}})

	s.MergeMetaSection("s1", "search", map[string]any{"status": "done"})

	sess, _ := s.Session("s1")
	if sess.Meta["graphId"] != "g-1" {
		t.Fatalf("root sibling lost: %v", sess.Meta)
	}
	search := sess.Meta["search"].(map[string]any)
	if search["round"] != 1 || search["status"] != "done" {
		t.Fatalf("section merge = %v", search)
	}

	s.SetGraphPanelOpen("s1", true)
	s.ToggleGraphPanel("s1")
	sess, _ = s.Session("s1")
	if open, _ := sess.Meta["graphPanelOpen"].(bool); open {
		t.Fatal("toggle did not flip panel flag")
	}
	if sess.Meta["graphId"] != "g-1" {
		t.Fatal("panel flag update clobbered other meta")
	}
}

func TestRemoveSessionDropsMessages(t *testing.T) {
	repo := openTestRepo(t, "alice")
	s := newTestStore(t, repo)
	s.UpsertSession(storage.Session{ID: "s1"})
	s.AddMessage(storage.Message{ID: "m1", SessionID: "s1", Role: "user", Content: "hi"})
	s.Flush()

	s.RemoveSession("s1")

	if _, ok := s.Session("s1"); ok {
		t.Fatal("session still present after remove")
	}
	if len(s.Messages("s1")) != 0 {
		t.Fatal("messages survived session removal")
	}

	s.Flush()
	if _, err := repo.GetSession(context.Background(), "s1"); err != storage.ErrNotFound {
		t.Fatalf("persisted session after remove: err = %v", err)
	}
}

func TestSubscribeSeesMutations(t *testing.T) {
	repo := openTestRepo(t, "alice")
	s := newTestStore(t, repo)

	var mu sync.Mutex
	calls := 0
	cancel := s.Subscribe(func() {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	// A panicking listener must not take the others down.
	s.Subscribe(func() { panic("listener bug") })

	s.UpsertSession(storage.Session{ID: "s1"})
	s.RenameSession("s1", "renamed")

	mu.Lock()
	got := calls
	mu.Unlock()
	if got != 2 {
		t.Fatalf("listener called %d times, want 2", got)
	}

	cancel()
	s.RenameSession("s1", "again")
	mu.Lock()
	got = calls
	mu.Unlock()
	if got != 2 {
		t.Fatalf("listener called after cancel: %d", got)
	}
}

func ids(sessions []storage.Session) []string {
	out := make([]string, len(sessions))
	for i, s := range sessions {
		out[i] = s.ID
	}
	return out
}
