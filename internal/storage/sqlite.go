// Package storage persists sessions, messages, events, artifacts, and
// layout records to an embedded SQLite database. Every record is tagged
// with the owning archive (identity partition) and every read filters by
// it, so switching identities in one process can never leak rows across
// the boundary.
package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"

	_ "modernc.org/sqlite"

	"github.com/quirelab/quire/internal/orderkey"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB wraps the shared SQLite handle. Per-archive access goes through
// scoped Store values created with ForArchive.
type DB struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) a SQLite database in dataDir, runs pending schema
// migrations, then runs best-effort data fix-ups. Pass ":memory:" as
// dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*DB, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "quire.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	d := &DB{db: db, logger: slog.Default()}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	d.runDataFixups()

	return d, nil
}

// Close closes the underlying database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// ForArchive returns a repository scoped to the given archive. An empty id
// maps to the anonymous archive.
func (d *DB) ForArchive(archiveID string) *Store {
	if strings.TrimSpace(archiveID) == "" {
		archiveID = AnonymousArchive
	}
	return &Store{db: d.db, archiveID: archiveID}
}

// Store is an identity-scoped repository over the shared database. Close
// invalidates the handle: the archive manager closes all previous stores
// when switching archives so stale references fail fast instead of writing
// into the wrong partition.
type Store struct {
	db        *sql.DB
	archiveID string
	closed    atomic.Bool
}

// ArchiveID returns the archive this store is scoped to.
func (s *Store) ArchiveID() string {
	return s.archiveID
}

// Close marks the store unusable. The shared database handle stays open;
// only this scoped view is retired.
func (s *Store) Close() error {
	s.closed.Store(true)
	return nil
}

func (s *Store) guard() error {
	if s == nil || s.db == nil {
		return fmt.Errorf("storage is not configured")
	}
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (d *DB) migrate() error {
	// Ensure schema_version table exists (bootstrap).
	if _, err := d.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		// Check if already applied.
		var exists int
		if err := d.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := d.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (d *DB) AppliedMigrations() ([]int, error) {
	rows, err := d.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// runDataFixups runs ordered best-effort data migrations that need Go code
// rather than plain SQL. Each step is idempotent and individually
// fault-isolated: a failed step is logged and retried on next startup while
// the remaining steps still run.
func (d *DB) runDataFixups() {
	fixups := []struct {
		name string
		fn   func(*sql.DB) error
	}{
		{"legacy_order_to_layout", migrateLegacyOrder},
	}
	for _, f := range fixups {
		if err := f.fn(d.db); err != nil {
			d.logger.Warn("data fixup failed, will retry on next startup", "fixup", f.name, "error", err)
		}
	}
}

// migrateLegacyOrder converts rows from the unscoped session_order table
// into archive-scoped session_layout rows with fractional keys, preserving
// relative order. Views that already have layout rows are skipped, which
// makes the step idempotent. The legacy table is left in place.
func migrateLegacyOrder(db *sql.DB) error {
	rows, err := db.Query(`
		SELECT o.view_id, o.session_id, COALESCE(s.archive_id, ?)
		FROM session_order o
		LEFT JOIN sessions s ON s.id = o.session_id
		ORDER BY o.view_id, o.sort_order ASC`, AnonymousArchive)
	if err != nil {
		return fmt.Errorf("reading legacy session_order: %w", err)
	}

	type legacyRow struct {
		viewID, sessionID, archiveID string
	}
	var legacy []legacyRow
	for rows.Next() {
		var r legacyRow
		if err := rows.Scan(&r.viewID, &r.sessionID, &r.archiveID); err != nil {
			rows.Close()
			return err
		}
		legacy = append(legacy, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	if len(legacy) == 0 {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("beginning layout migration: %w", err)
	}
	defer tx.Rollback()

	// Last assigned key per (archive, view), so keys keep ascending in
	// legacy order within each view.
	lastKey := make(map[string]string)
	for _, r := range legacy {
		scope := r.archiveID + "\x00" + r.viewID

		var existing int
		err := tx.QueryRow(`SELECT COUNT(*) FROM session_layout WHERE archive_id = ? AND view_id = ?`,
			r.archiveID, r.viewID).Scan(&existing)
		if err != nil {
			return fmt.Errorf("checking existing layout for view %q: %w", r.viewID, err)
		}
		if existing > 0 && lastKey[scope] == "" {
			// View was already migrated on an earlier startup.
			continue
		}

		key, err := orderkey.After(lastKey[scope])
		if err != nil {
			return fmt.Errorf("deriving layout key: %w", err)
		}
		lastKey[scope] = key

		if _, err := tx.Exec(`
			INSERT INTO session_layout (archive_id, view_id, session_id, order_key)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(archive_id, view_id, session_id) DO NOTHING`,
			r.archiveID, r.viewID, r.sessionID, key); err != nil {
			return fmt.Errorf("inserting layout row: %w", err)
		}
	}

	return tx.Commit()
}
