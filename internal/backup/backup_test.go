package backup

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/quirelab/quire/internal/event"
	"github.com/quirelab/quire/internal/storage"
)

func openArchive(t *testing.T, archiveID string) *storage.Store {
	t.Helper()
	db, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db.ForArchive(archiveID)
}

func seedArchive(t *testing.T, store *storage.Store) {
	t.Helper()
	ctx := context.Background()
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

	sessions := []storage.Session{
		{ID: "s1", Title: "Perovskite stability", CreatedAt: now, UpdatedAt: now.Add(time.Hour),
			Meta: map[string]any{"graphId": "g-1"}},
		{ID: "s2", Title: "Defect tolerance", CreatedAt: now, UpdatedAt: now},
	}
	for _, sess := range sessions {
		if err := store.PutSession(ctx, sess); err != nil {
			t.Fatalf("seeding session: %v", err)
		}
	}
	if err := store.PutMessage(ctx, storage.Message{
		ID: "m1", SessionID: "s1", Role: "user", Content: "start", Status: storage.StatusDone, CreatedAt: now,
	}); err != nil {
		t.Fatalf("seeding message: %v", err)
	}

	evt, err := event.New(event.TypeSessionCreated, "s1", event.SessionCreatedPayload{Title: "Perovskite stability"})
	if err != nil {
		t.Fatalf("building event: %v", err)
	}
	if err := store.AppendEvent(ctx, evt); err != nil {
		t.Fatalf("seeding event: %v", err)
	}

	if err := store.PutArtifact(ctx, storage.Artifact{
		ID: "art-1", Kind: storage.ArtifactKindReport, Title: "Findings", Body: "## Report", CreatedAt: now,
	}); err != nil {
		t.Fatalf("seeding artifact: %v", err)
	}
	if err := store.PutLayout(ctx, storage.Layout{ViewID: "default", SessionID: "s1", OrderKey: "V"}); err != nil {
		t.Fatalf("seeding layout: %v", err)
	}
	if err := store.PutCollection(ctx, storage.Collection{ID: "col-1", Title: "Papers", CreatedAt: now}); err != nil {
		t.Fatalf("seeding collection: %v", err)
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	src := openArchive(t, "alice")
	seedArchive(t, src)

	arch, err := Export(ctx, src)
	if err != nil {
		t.Fatalf("exporting: %v", err)
	}
	if arch.Version != FormatVersion || arch.ArchiveID != "alice" {
		t.Fatalf("snapshot header = %+v", arch)
	}

	// Snapshots travel as JSON files; make sure the round trip through
	// encoding survives too.
	raw, err := json.Marshal(arch)
	if err != nil {
		t.Fatalf("marshalling snapshot: %v", err)
	}
	var decoded Archive
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshalling snapshot: %v", err)
	}

	dst := openArchive(t, "restored")
	if err := Import(ctx, dst, &decoded, Options{}); err != nil {
		t.Fatalf("importing: %v", err)
	}

	sessions, err := dst.ListAllSessions(ctx)
	if err != nil {
		t.Fatalf("listing sessions: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("restored %d sessions, want 2", len(sessions))
	}

	got, err := dst.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("fetching restored session: %v", err)
	}
	if got.Title != "Perovskite stability" || got.Meta["graphId"] != "g-1" {
		t.Fatalf("restored session = %+v", got)
	}

	msgs, err := dst.ListMessages(ctx, "s1")
	if err != nil || len(msgs) != 1 || msgs[0].Content != "start" {
		t.Fatalf("restored messages = %+v, err = %v", msgs, err)
	}

	events, err := dst.ListEvents(ctx, "s1")
	if err != nil || len(events) != 1 || events[0].Type != event.TypeSessionCreated {
		t.Fatalf("restored events = %+v, err = %v", events, err)
	}

	if _, err := dst.GetArtifact(ctx, "art-1"); err != nil {
		t.Fatalf("restored artifact: %v", err)
	}
	layouts, err := dst.ListLayouts(ctx, "default")
	if err != nil || len(layouts) != 1 || layouts[0].OrderKey != "V" {
		t.Fatalf("restored layouts = %+v, err = %v", layouts, err)
	}
	if _, err := dst.GetCollection(ctx, "col-1"); err != nil {
		t.Fatalf("restored collection: %v", err)
	}
}

func TestImportTwiceConverges(t *testing.T) {
	ctx := context.Background()
	src := openArchive(t, "alice")
	seedArchive(t, src)

	arch, err := Export(ctx, src)
	if err != nil {
		t.Fatalf("exporting: %v", err)
	}

	dst := openArchive(t, "restored")
	for i := 0; i < 2; i++ {
		if err := Import(ctx, dst, arch, Options{}); err != nil {
			t.Fatalf("import pass %d: %v", i+1, err)
		}
	}

	sessions, _ := dst.ListAllSessions(ctx)
	msgs, _ := dst.ListMessages(ctx, "s1")
	events, _ := dst.ListEvents(ctx, "")
	if len(sessions) != 2 || len(msgs) != 1 || len(events) != 1 {
		t.Fatalf("after double import: %d sessions, %d messages, %d events",
			len(sessions), len(msgs), len(events))
	}
}

// TestImportSameSnapshotIntoTwoArchives restores one snapshot into two
// archives sharing a database. The second import must create full copies
// under its own archive instead of colliding with the first's rows.
func TestImportSameSnapshotIntoTwoArchives(t *testing.T) {
	ctx := context.Background()
	db, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	src := db.ForArchive("alice")
	seedArchive(t, src)
	arch, err := Export(ctx, src)
	if err != nil {
		t.Fatalf("exporting: %v", err)
	}

	dst := db.ForArchive("bob")
	if err := Import(ctx, dst, arch, Options{}); err != nil {
		t.Fatalf("importing into bob: %v", err)
	}

	sessions, err := dst.ListAllSessions(ctx)
	if err != nil || len(sessions) != 2 {
		t.Fatalf("bob restored %d sessions, err = %v, want 2", len(sessions), err)
	}
	msgs, err := dst.ListMessages(ctx, "s1")
	if err != nil || len(msgs) != 1 {
		t.Fatalf("bob restored messages = %+v, err = %v", msgs, err)
	}
	events, err := dst.ListEvents(ctx, "")
	if err != nil || len(events) != 1 {
		t.Fatalf("bob restored events = %+v, err = %v", events, err)
	}
	if _, err := dst.GetArtifact(ctx, "art-1"); err != nil {
		t.Fatalf("bob restored artifact: %v", err)
	}
	if _, err := dst.GetCollection(ctx, "col-1"); err != nil {
		t.Fatalf("bob restored collection: %v", err)
	}

	// Rewriting bob's copy leaves alice's row alone.
	if err := dst.PutSession(ctx, storage.Session{ID: "s1", Title: "Bob's rename"}); err != nil {
		t.Fatalf("rewriting bob's session: %v", err)
	}
	original, err := src.GetSession(ctx, "s1")
	if err != nil || original.Title != "Perovskite stability" {
		t.Fatalf("alice's session after bob's rewrite = %+v, err = %v", original, err)
	}
}

func TestImportReplacePrunesAbsentSessions(t *testing.T) {
	ctx := context.Background()
	src := openArchive(t, "alice")
	seedArchive(t, src)

	arch, err := Export(ctx, src)
	if err != nil {
		t.Fatalf("exporting: %v", err)
	}

	dst := openArchive(t, "restored")
	if err := dst.PutSession(ctx, storage.Session{ID: "local-only", Title: "Scratch"}); err != nil {
		t.Fatalf("seeding local session: %v", err)
	}

	if err := Import(ctx, dst, arch, Options{Replace: true}); err != nil {
		t.Fatalf("replace import: %v", err)
	}

	if _, err := dst.GetSession(ctx, "local-only"); err != storage.ErrNotFound {
		t.Fatalf("local-only session after replace: err = %v, want ErrNotFound", err)
	}
	if _, err := dst.GetSession(ctx, "s1"); err != nil {
		t.Fatalf("imported session missing after replace: %v", err)
	}
}

func TestImportRejectsNewerFormat(t *testing.T) {
	dst := openArchive(t, "restored")
	err := Import(context.Background(), dst, &Archive{Version: FormatVersion + 1}, Options{})
	if err == nil {
		t.Fatal("newer snapshot version accepted")
	}
}
