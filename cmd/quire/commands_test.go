package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/quirelab/quire/internal/backup"
)

func resetFlags(t *testing.T) {
	t.Helper()
	oldDataDir, oldArchive, oldNoColor := flagDataDir, flagArchive, noColor
	t.Cleanup(func() {
		flagDataDir, flagArchive, noColor = oldDataDir, oldArchive, oldNoColor
		rootCmd.SetArgs(nil)
	})
}

func TestImportRequiresInput(t *testing.T) {
	resetFlags(t)
	rootCmd.SetArgs([]string{"import"})
	err := rootCmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "--in is required") {
		t.Fatalf("expected missing --in error, got %v", err)
	}
}

func TestArtifactAddRequiresFile(t *testing.T) {
	resetFlags(t)
	rootCmd.SetArgs([]string{"artifact", "add"})
	err := rootCmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "--file is required") {
		t.Fatalf("expected missing --file error, got %v", err)
	}
}

func TestReportsRequiresQuery(t *testing.T) {
	resetFlags(t)
	rootCmd.SetArgs([]string{"reports"})
	if err := rootCmd.Execute(); err == nil {
		t.Fatal("expected argument error")
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	resetFlags(t)
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("XDG_DATA_HOME", t.TempDir())

	dataDir := t.TempDir()
	snapshot := filepath.Join(t.TempDir(), "snapshot.json")

	// Ingest a document so the export has content.
	doc := filepath.Join(t.TempDir(), "paper.txt")
	if err := os.WriteFile(doc, []byte("perovskite defect tolerance"), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}
	rootCmd.SetArgs([]string{"artifact", "add", "--data-dir", dataDir, "--archive", "alice", "--file", doc})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("artifact add: %v", err)
	}

	rootCmd.SetArgs([]string{"export", "--data-dir", dataDir, "--archive", "alice", "--out", snapshot})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("export: %v", err)
	}

	raw, err := os.ReadFile(snapshot)
	if err != nil {
		t.Fatalf("reading snapshot: %v", err)
	}
	var arch backup.Archive
	if err := json.Unmarshal(raw, &arch); err != nil {
		t.Fatalf("parsing snapshot: %v", err)
	}
	if arch.ArchiveID != "alice" || len(arch.Artifacts) != 1 {
		t.Fatalf("snapshot = archive %q with %d artifacts", arch.ArchiveID, len(arch.Artifacts))
	}

	// Import into a fresh archive in a fresh data dir.
	otherDir := t.TempDir()
	rootCmd.SetArgs([]string{"import", "--data-dir", otherDir, "--archive", "bob", "--in", snapshot})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("import: %v", err)
	}
}

func TestStyledRespectsNoColor(t *testing.T) {
	resetFlags(t)

	noColor = true
	if got := styled(ansiGreen, "hello"); strings.Contains(got, "\033[") {
		t.Errorf("styled with noColor=true should not contain ANSI codes, got %q", got)
	}

	noColor = false
	if got := bold("hello"); !strings.Contains(got, "\033[") {
		t.Errorf("bold with noColor=false should contain ANSI codes, got %q", got)
	}
}
