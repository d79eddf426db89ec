// Package backup serializes one archive's full contents to a portable
// snapshot and restores snapshots into an archive. Import is additive by
// default; the Replace option additionally prunes sessions the snapshot
// does not mention.
package backup

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/quirelab/quire/internal/event"
	"github.com/quirelab/quire/internal/storage"
)

// FormatVersion is bumped when the snapshot shape changes incompatibly.
const FormatVersion = 1

// Archive is a complete snapshot of one archive's data.
type Archive struct {
	Version     int                  `json:"version"`
	ArchiveID   string               `json:"archive_id"`
	ExportedAt  time.Time            `json:"exported_at"`
	Sessions    []storage.Session    `json:"sessions"`
	Messages    []storage.Message    `json:"messages"`
	Events      []event.Envelope     `json:"events"`
	Artifacts   []storage.Artifact   `json:"artifacts"`
	Layouts     []storage.Layout     `json:"layouts"`
	Collections []storage.Collection `json:"collections"`
}

// Options controls import behavior.
type Options struct {
	// Replace prunes sessions absent from the snapshot after the additive
	// upserts complete.
	Replace bool
}

// Export reads the archive's full contents into a snapshot. The table
// reads run concurrently; the single-connection database serializes them
// underneath, so this is about overlapping scan work, not parallel I/O.
func Export(ctx context.Context, store *storage.Store) (*Archive, error) {
	arch := &Archive{
		Version:    FormatVersion,
		ArchiveID:  store.ArchiveID(),
		ExportedAt: time.Now().UTC(),
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		arch.Sessions, err = store.ListAllSessions(ctx)
		return err
	})
	g.Go(func() (err error) {
		arch.Messages, err = store.ListAllMessages(ctx)
		return err
	})
	g.Go(func() (err error) {
		arch.Events, err = store.ListEvents(ctx, "")
		return err
	})
	g.Go(func() (err error) {
		arch.Artifacts, err = store.ListAllArtifacts(ctx)
		return err
	})
	g.Go(func() (err error) {
		arch.Layouts, err = store.ListLayouts(ctx, "")
		return err
	})
	g.Go(func() (err error) {
		arch.Collections, err = store.ListCollections(ctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("exporting archive %q: %w", store.ArchiveID(), err)
	}
	return arch, nil
}

// Import restores a snapshot into the store's archive. All writes are
// upserts keyed by id, so importing the same snapshot twice converges.
// The snapshot's own archive id is ignored; rows land in the store's
// archive.
func Import(ctx context.Context, store *storage.Store, arch *Archive, opts Options) error {
	if arch == nil {
		return fmt.Errorf("nil snapshot")
	}
	if arch.Version > FormatVersion {
		return fmt.Errorf("snapshot version %d is newer than supported version %d", arch.Version, FormatVersion)
	}

	for _, c := range arch.Collections {
		if err := store.PutCollection(ctx, c); err != nil {
			return fmt.Errorf("importing collection %s: %w", c.ID, err)
		}
	}
	for _, sess := range arch.Sessions {
		if err := store.PutSession(ctx, sess); err != nil {
			return fmt.Errorf("importing session %s: %w", sess.ID, err)
		}
	}
	for _, msg := range arch.Messages {
		if err := store.PutMessage(ctx, msg); err != nil {
			return fmt.Errorf("importing message %s: %w", msg.ID, err)
		}
	}
	for _, evt := range arch.Events {
		if err := store.AppendEvent(ctx, evt); err != nil {
			return fmt.Errorf("importing event %s: %w", evt.ID, err)
		}
	}
	for _, art := range arch.Artifacts {
		if err := store.PutArtifact(ctx, art); err != nil {
			return fmt.Errorf("importing artifact %s: %w", art.ID, err)
		}
	}
	for _, l := range arch.Layouts {
		if err := store.PutLayout(ctx, l); err != nil {
			return fmt.Errorf("importing layout %s/%s: %w", l.ViewID, l.SessionID, err)
		}
	}

	if !opts.Replace {
		return nil
	}

	keep := make(map[string]bool, len(arch.Sessions))
	for _, sess := range arch.Sessions {
		keep[sess.ID] = true
	}
	existing, err := store.ListAllSessions(ctx)
	if err != nil {
		return fmt.Errorf("listing sessions for prune: %w", err)
	}
	for _, sess := range existing {
		if keep[sess.ID] {
			continue
		}
		if err := store.DeleteSession(ctx, sess.ID); err != nil {
			return fmt.Errorf("pruning session %s: %w", sess.ID, err)
		}
	}
	return nil
}
