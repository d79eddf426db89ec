// Package archive coordinates identity switching. Each archive is an
// isolated data partition; switching tears down every service bound to the
// old archive and rebuilds them against the new one, so no handle created
// under one identity can touch another's rows.
package archive

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/quirelab/quire/internal/session"
	"github.com/quirelab/quire/internal/storage"
)

// Services is the per-archive service bundle. Everything in it is scoped to
// exactly one archive and dies with it on switch.
type Services struct {
	Repo        *storage.Store
	Projections *session.Store
}

// Close retires the bundle. The repository handle starts returning
// ErrClosed and the projection store drains its write queue.
func (s *Services) Close() {
	if s == nil {
		return
	}
	if s.Projections != nil {
		s.Projections.Close()
	}
	if s.Repo != nil {
		s.Repo.Close()
	}
}

// Factory builds the service bundle for an archive id.
type Factory func(archiveID string) (*Services, error)

// Manager owns the current archive and its services. Switches are
// serialized; each one bumps a generation counter that lets callers wait
// for a specific switch to finish.
type Manager struct {
	factory Factory
	logger  *slog.Logger

	// switchMu serializes SetCurrentArchive end to end. The field mutex is
	// dropped while the factory runs, so without this two interleaved
	// switches could each install a bundle and leak the loser's.
	switchMu sync.Mutex

	mu           sync.Mutex
	current      string
	services     *Services
	gen          uint64
	completedGen uint64
	done         chan struct{}
	subs         map[int]func(archiveID string)
	nextSub      int
}

// NewManager creates a Manager and activates the initial archive.
func NewManager(initialArchive string, factory Factory, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		factory: factory,
		logger:  logger,
		done:    make(chan struct{}),
		subs:    make(map[int]func(string)),
	}
	if strings.TrimSpace(initialArchive) == "" {
		initialArchive = storage.AnonymousArchive
	}
	if err := m.SetCurrentArchive(context.Background(), initialArchive); err != nil {
		return nil, err
	}
	return m, nil
}

// CurrentArchiveID returns the active archive id.
func (m *Manager) CurrentArchiveID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Services returns the active service bundle. Callers must not cache it
// across a switch; re-fetch after any archive change.
func (m *Manager) Services() *Services {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.services
}

// Generation returns the switch counter. It increases by one per completed
// switch.
func (m *Manager) Generation() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.completedGen
}

// SetCurrentArchive switches to the given archive. An empty id or the
// already-active id is a no-op. The old bundle is closed before the new one
// is built, so there is no window where both archives are writable.
func (m *Manager) SetCurrentArchive(ctx context.Context, archiveID string) error {
	archiveID = strings.TrimSpace(archiveID)
	if archiveID == "" {
		return nil
	}

	m.switchMu.Lock()
	defer m.switchMu.Unlock()

	m.mu.Lock()
	if archiveID == m.current {
		m.mu.Unlock()
		return nil
	}

	old := m.services
	m.services = nil
	m.gen++
	targetGen := m.gen
	m.mu.Unlock()

	old.Close()

	services, err := m.factory(archiveID)
	if err != nil {
		m.failSwitch(targetGen)
		return fmt.Errorf("activating archive %q: %w", archiveID, err)
	}
	if err := services.Projections.LoadSessions(ctx); err != nil {
		services.Close()
		m.failSwitch(targetGen)
		return fmt.Errorf("hydrating archive %q: %w", archiveID, err)
	}

	m.mu.Lock()
	m.current = archiveID
	m.services = services
	m.completedGen = targetGen
	close(m.done)
	m.done = make(chan struct{})
	listeners := make([]func(string), 0, len(m.subs))
	for _, fn := range m.subs {
		listeners = append(listeners, fn)
	}
	m.mu.Unlock()

	m.logger.Info("archive activated", "archive", archiveID, "generation", targetGen)

	for _, fn := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Warn("archive subscriber panicked", "panic", r)
				}
			}()
			fn(archiveID)
		}()
	}
	return nil
}

// failSwitch records a switch that did not produce a usable bundle. The old
// bundle is already closed by then, so the manager holds no archive at all:
// clearing current lets a retry of either id through the no-op check, and
// completing the generation wakes WhenReady waiters instead of stranding
// them on a switch that will never finish.
func (m *Manager) failSwitch(targetGen uint64) {
	m.mu.Lock()
	m.current = ""
	m.completedGen = targetGen
	close(m.done)
	m.done = make(chan struct{})
	m.mu.Unlock()
}

// WhenReady blocks until the switch counter reaches targetGen or the
// context is done. A target at or below the current counter resolves
// immediately, so a caller that recorded the generation before a switch
// never waits forever on a switch that already finished.
func (m *Manager) WhenReady(ctx context.Context, targetGen uint64) error {
	for {
		m.mu.Lock()
		if m.completedGen >= targetGen {
			m.mu.Unlock()
			return nil
		}
		done := m.done
		m.mu.Unlock()

		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Subscribe registers a listener invoked after each completed switch.
func (m *Manager) Subscribe(fn func(archiveID string)) (cancel func()) {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// Close tears down the active bundle.
func (m *Manager) Close() {
	m.mu.Lock()
	services := m.services
	m.services = nil
	m.mu.Unlock()
	services.Close()
}
