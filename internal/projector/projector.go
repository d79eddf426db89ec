// Package projector folds domain events into the session projection.
// Applying the same event twice, or replaying a whole log, converges on the
// same projected state: messages are keyed by deterministic ids and meta
// updates are merges, not blind overwrites.
package projector

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/quirelab/quire/internal/event"
	"github.com/quirelab/quire/internal/notify"
	"github.com/quirelab/quire/internal/session"
	"github.com/quirelab/quire/internal/storage"
)

// Notifier surfaces user-facing toasts for notable events. Implemented by
// notify.Manager.
type Notifier interface {
	Success(title, message string) notify.Notification
	Error(title, message string) notify.Notification
}

// CollectionSeeder creates placeholder collection records so a bound
// collection renders before the literature store has synced it.
// Implemented by storage.Store.
type CollectionSeeder interface {
	SeedCollection(ctx context.Context, id, title string) error
}

// Projector applies events to the projection store. Notifier and
// CollectionSeeder are optional; a nil value disables that side effect.
type Projector struct {
	store       *session.Store
	notifier    Notifier
	collections CollectionSeeder
	logger      *slog.Logger
}

// Option configures a Projector.
type Option func(*Projector)

// WithNotifier enables toast notifications for search, graph, and report
// milestones.
func WithNotifier(n Notifier) Option {
	return func(p *Projector) { p.notifier = n }
}

// WithCollectionSeeder enables placeholder seeding on collection binding.
func WithCollectionSeeder(c CollectionSeeder) Option {
	return func(p *Projector) { p.collections = c }
}

// WithLogger sets the projector's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Projector) { p.logger = logger }
}

// New creates a Projector over the given projection store.
func New(store *session.Store, opts ...Option) *Projector {
	p := &Projector{store: store, logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Apply folds one event into the projection. Unknown event types are an
// error: the type set is closed, and silently dropping a fact hides
// producer bugs.
func (p *Projector) Apply(ctx context.Context, evt event.Envelope) error {
	if !evt.Type.IsValid() {
		return fmt.Errorf("event %s has no type", evt.ID)
	}
	if strings.TrimSpace(evt.SessionID) == "" {
		return fmt.Errorf("event %s (%s) has no session id", evt.ID, evt.Type)
	}

	switch evt.Type {
	case event.TypeSessionCreated:
		return p.applySessionCreated(evt)
	case event.TypeSessionRenamed:
		return p.applySessionRenamed(evt)
	case event.TypeSessionDeleted:
		p.store.RemoveSession(evt.SessionID)
		return nil
	case event.TypeSessionCollectionBound:
		return p.applyCollectionBound(ctx, evt)

	case event.TypeUserMessageAdded:
		return p.applyUserMessage(evt)

	case event.TypeAssistantStarted:
		return p.applyAssistantStarted(evt)
	case event.TypeAssistantDelta:
		return p.applyAssistantDelta(evt)
	case event.TypeAssistantCompleted:
		return p.applyAssistantCompleted(evt)
	case event.TypeAssistantFailed:
		return p.applyAssistantFailed(evt)
	case event.TypeAssistantAborted:
		return p.applyAssistantAborted(evt)

	case event.TypeDirectionProposed:
		return p.applyDirectionProposed(evt)
	case event.TypeDirectionConfirmed:
		return p.applyDirectionConfirmed(evt)

	case event.TypeSearchRoundStarted:
		return p.applySearchStarted(evt)
	case event.TypeSearchRoundCompleted:
		return p.applySearchCompleted(evt)
	case event.TypeSearchRoundFailed:
		return p.applySearchFailed(evt)

	case event.TypeGraphBuildStarted:
		p.store.MergeMetaSection(evt.SessionID, "graph", map[string]any{"status": "building"})
		return nil
	case event.TypeGraphCompleted:
		return p.applyGraphCompleted(evt)
	case event.TypeGraphFailed:
		return p.applyGraphFailed(evt)

	case event.TypeReportStarted:
		return p.applyReportStarted(evt)
	case event.TypeReportDelta:
		return p.applyReportDelta(evt)
	case event.TypeReportCompleted:
		return p.applyReportCompleted(evt)
	case event.TypeReportFailed:
		return p.applyReportFailed(evt)
	}

	return fmt.Errorf("unknown event type %q", evt.Type)
}

// Replay folds a stored event log into the projection. Individual apply
// failures are logged and skipped so one malformed row cannot block
// hydrating the rest of the history.
func (p *Projector) Replay(ctx context.Context, events []event.Envelope) {
	for _, evt := range events {
		if err := p.Apply(ctx, evt); err != nil {
			p.logger.Warn("skipping event during replay", "event_id", evt.ID, "type", evt.Type, "error", err)
		}
	}
}

func (p *Projector) applySessionCreated(evt event.Envelope) error {
	var payload event.SessionCreatedPayload
	if err := evt.DecodePayload(&payload); err != nil {
		return err
	}
	// Replayed creation must not clobber later renames or meta.
	if _, ok := p.store.Session(evt.SessionID); ok {
		return nil
	}
	title := payload.Title
	if title == "" {
		title = "New Session"
	}
	p.store.UpsertSession(storage.Session{
		ID:        evt.SessionID,
		Title:     title,
		CreatedAt: evt.Timestamp,
		UpdatedAt: evt.Timestamp,
	})
	return nil
}

func (p *Projector) applySessionRenamed(evt event.Envelope) error {
	var payload event.SessionRenamedPayload
	if err := evt.DecodePayload(&payload); err != nil {
		return err
	}
	p.store.RenameSession(evt.SessionID, payload.Title)
	return nil
}

func (p *Projector) applyCollectionBound(ctx context.Context, evt event.Envelope) error {
	var payload event.SessionCollectionBoundPayload
	if err := evt.DecodePayload(&payload); err != nil {
		return err
	}
	p.store.BindSessionCollection(evt.SessionID, payload.CollectionID)
	if p.collections != nil && payload.CollectionID != "" {
		// Seeding is best-effort; binding already took effect.
		if err := p.collections.SeedCollection(ctx, payload.CollectionID, payload.Title); err != nil {
			p.logger.Warn("seeding collection placeholder failed", "collection_id", payload.CollectionID, "error", err)
		}
	}
	return nil
}

func (p *Projector) applyUserMessage(evt event.Envelope) error {
	var payload event.UserMessageAddedPayload
	if err := evt.DecodePayload(&payload); err != nil {
		return err
	}
	p.store.AddMessage(storage.Message{
		ID:        payload.MessageID,
		SessionID: evt.SessionID,
		Role:      "user",
		Content:   payload.Content,
		Status:    storage.StatusDone,
		CreatedAt: evt.Timestamp,
	})
	return nil
}

func (p *Projector) applyAssistantStarted(evt event.Envelope) error {
	var payload event.AssistantStartedPayload
	if err := evt.DecodePayload(&payload); err != nil {
		return err
	}
	p.store.AddMessage(storage.Message{
		ID:        payload.MessageID,
		SessionID: evt.SessionID,
		Role:      "assistant",
		Status:    storage.StatusStreaming,
		CreatedAt: evt.Timestamp,
	})
	return nil
}

func (p *Projector) applyAssistantDelta(evt event.Envelope) error {
	var payload event.AssistantDeltaPayload
	if err := evt.DecodePayload(&payload); err != nil {
		return err
	}
	p.store.AppendToMessage(evt.SessionID, payload.MessageID, payload.Delta, payload.Seq)
	return nil
}

func (p *Projector) applyAssistantCompleted(evt event.Envelope) error {
	var payload event.AssistantCompletedPayload
	if err := evt.DecodePayload(&payload); err != nil {
		return err
	}
	p.finishMessage(evt, payload.MessageID, "assistant", storage.StatusDone, payload.Content, "")
	return nil
}

func (p *Projector) applyAssistantFailed(evt event.Envelope) error {
	var payload event.AssistantFailedPayload
	if err := evt.DecodePayload(&payload); err != nil {
		return err
	}
	p.finishMessage(evt, payload.MessageID, "assistant", storage.StatusError, "", payload.Error)
	return nil
}

func (p *Projector) applyAssistantAborted(evt event.Envelope) error {
	var payload event.AssistantAbortedPayload
	if err := evt.DecodePayload(&payload); err != nil {
		return err
	}
	p.finishMessage(evt, payload.MessageID, "assistant", storage.StatusAborted, "", "")
	return nil
}

// finishMessage moves a message to a terminal status, creating it first if
// the producer emitted the terminal event without a preceding started
// event (single-shot responses, or replay of a pruned log).
func (p *Projector) finishMessage(evt event.Envelope, messageID, role, status, content, errText string) {
	if !p.store.HasMessage(evt.SessionID, messageID) {
		p.store.AddMessage(storage.Message{
			ID:        messageID,
			SessionID: evt.SessionID,
			Role:      role,
			Content:   content,
			Status:    status,
			Error:     errText,
			CreatedAt: evt.Timestamp,
		})
		return
	}

	patch := session.MessagePatch{Status: &status}
	if content != "" {
		patch.Content = &content
	}
	if errText != "" {
		patch.Error = &errText
	}
	p.store.MarkMessage(evt.SessionID, messageID, patch)
}

// proposalMessageID derives the deterministic message id for a direction
// proposal, so replays upsert instead of duplicating.
func proposalMessageID(round int) string {
	return fmt.Sprintf("proposal_%d", round)
}

// reportMessageID derives the deterministic message id for a report
// generation.
func reportMessageID(version int) string {
	return fmt.Sprintf("report_%d", version)
}

func (p *Projector) applyDirectionProposed(evt event.Envelope) error {
	var payload event.DirectionProposedPayload
	if err := evt.DecodePayload(&payload); err != nil {
		return err
	}
	p.store.AddMessage(storage.Message{
		ID:        proposalMessageID(payload.Round),
		SessionID: evt.SessionID,
		Role:      "assistant",
		Content:   payload.Content,
		Status:    storage.StatusDone,
		CreatedAt: evt.Timestamp,
	})
	p.store.MergeMetaSection(evt.SessionID, "direction", map[string]any{
		"round":  payload.Round,
		"status": "proposed",
	})
	return nil
}

func (p *Projector) applyDirectionConfirmed(evt event.Envelope) error {
	var payload event.DirectionConfirmedPayload
	if err := evt.DecodePayload(&payload); err != nil {
		return err
	}
	p.store.MergeMetaSection(evt.SessionID, "direction", map[string]any{
		"round":  payload.Round,
		"status": "confirmed",
	})
	return nil
}

func (p *Projector) applySearchStarted(evt event.Envelope) error {
	var payload event.SearchRoundStartedPayload
	if err := evt.DecodePayload(&payload); err != nil {
		return err
	}
	patch := map[string]any{"round": payload.Round, "status": "running"}
	if payload.Query != "" {
		patch["query"] = payload.Query
	}
	p.store.MergeMetaSection(evt.SessionID, "search", patch)
	return nil
}

func (p *Projector) applySearchCompleted(evt event.Envelope) error {
	var payload event.SearchRoundCompletedPayload
	if err := evt.DecodePayload(&payload); err != nil {
		return err
	}
	p.store.MergeMetaSection(evt.SessionID, "search", map[string]any{
		"round":       payload.Round,
		"status":      "done",
		"resultCount": payload.ResultCount,
	})
	p.notifySuccess("Literature search finished",
		fmt.Sprintf("Round %d found %d results", payload.Round, payload.ResultCount))
	return nil
}

func (p *Projector) applySearchFailed(evt event.Envelope) error {
	var payload event.SearchRoundFailedPayload
	if err := evt.DecodePayload(&payload); err != nil {
		return err
	}
	p.store.MergeMetaSection(evt.SessionID, "search", map[string]any{
		"round":  payload.Round,
		"status": "failed",
		"error":  payload.Error,
	})
	p.notifyError("Literature search failed", payload.Error)
	return nil
}

func (p *Projector) applyGraphCompleted(evt event.Envelope) error {
	var payload event.GraphCompletedPayload
	if err := evt.DecodePayload(&payload); err != nil {
		return err
	}
	// graphId lives at the meta root: the graph panel reads it directly
	// and it outlives any one build's status section.
	p.store.SetSessionMeta(evt.SessionID, map[string]any{"graphId": payload.GraphID})
	p.store.MergeMetaSection(evt.SessionID, "graph", map[string]any{"status": "done"})
	p.notifySuccess("Knowledge graph ready", "The literature graph finished building")
	return nil
}

func (p *Projector) applyGraphFailed(evt event.Envelope) error {
	var payload event.GraphFailedPayload
	if err := evt.DecodePayload(&payload); err != nil {
		return err
	}
	p.store.MergeMetaSection(evt.SessionID, "graph", map[string]any{
		"status": "failed",
		"error":  payload.Error,
	})
	p.notifyError("Graph build failed", payload.Error)
	return nil
}

func (p *Projector) applyReportStarted(evt event.Envelope) error {
	var payload event.ReportStartedPayload
	if err := evt.DecodePayload(&payload); err != nil {
		return err
	}
	p.store.AddMessage(storage.Message{
		ID:        reportMessageID(payload.Version),
		SessionID: evt.SessionID,
		Role:      "assistant",
		Status:    storage.StatusStreaming,
		CreatedAt: evt.Timestamp,
	})
	p.store.MergeMetaSection(evt.SessionID, "report", map[string]any{
		"version": payload.Version,
		"status":  "generating",
	})
	return nil
}

func (p *Projector) applyReportDelta(evt event.Envelope) error {
	var payload event.ReportDeltaPayload
	if err := evt.DecodePayload(&payload); err != nil {
		return err
	}
	p.store.AppendToMessage(evt.SessionID, reportMessageID(payload.Version), payload.Delta, payload.Seq)
	return nil
}

func (p *Projector) applyReportCompleted(evt event.Envelope) error {
	var payload event.ReportCompletedPayload
	if err := evt.DecodePayload(&payload); err != nil {
		return err
	}
	p.finishMessage(evt, reportMessageID(payload.Version), "assistant", storage.StatusDone, payload.Content, "")
	patch := map[string]any{"version": payload.Version, "status": "done"}
	if payload.ArtifactID != "" {
		patch["artifactId"] = payload.ArtifactID
	}
	p.store.MergeMetaSection(evt.SessionID, "report", patch)
	p.notifySuccess("Report ready", fmt.Sprintf("Report v%d finished generating", payload.Version))
	return nil
}

func (p *Projector) applyReportFailed(evt event.Envelope) error {
	var payload event.ReportFailedPayload
	if err := evt.DecodePayload(&payload); err != nil {
		return err
	}
	p.finishMessage(evt, reportMessageID(payload.Version), "assistant", storage.StatusError, "", payload.Error)
	p.store.MergeMetaSection(evt.SessionID, "report", map[string]any{
		"version": payload.Version,
		"status":  "failed",
	})
	p.notifyError("Report generation failed", payload.Error)
	return nil
}

func (p *Projector) notifySuccess(title, message string) {
	if p.notifier != nil {
		p.notifier.Success(title, message)
	}
}

func (p *Projector) notifyError(title, message string) {
	if p.notifier != nil {
		p.notifier.Error(title, message)
	}
}
