package ingest

import (
	"context"
	"log/slog"

	"github.com/truong965/zalo-clone-sub001/internal/search"
	"github.com/truong965/zalo-clone-sub001/internal/search/cache"
	"github.com/truong965/zalo-clone-sub001/internal/search/dispatch"
	"github.com/truong965/zalo-clone-sub001/internal/search/notify"
	"github.com/truong965/zalo-clone-sub001/internal/search/registry"
	"github.com/truong965/zalo-clone-sub001/pkg/kafka"
	"github.com/truong965/zalo-clone-sub001/pkg/metrics"
)

// ScopeUpdater applies a membership change locally and propagates it to peer
// instances. Implemented by the search service.
type ScopeUpdater interface {
	UpdateScope(ctx context.Context, userID, conversationID string, action search.ScopeAction) error
}

// DeadLetter receives messages that could not be decoded or whose handler
// panicked, preserving the original bytes for inspection.
type DeadLetter interface {
	PublishRaw(ctx context.Context, key []byte, value []byte) error
}

type handlerFunc func(ctx context.Context, event *DomainEvent) error

// Pipeline routes each domain event kind to its handler via an explicit
// dispatch table built at startup.
type Pipeline struct {
	gate       *Gate
	cache      *cache.ResultCache
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	scopes     ScopeUpdater
	notifier   notify.Notifier
	deadLetter DeadLetter
	metrics    *metrics.Metrics
	logger     *slog.Logger
	handlers   map[string]handlerFunc
}

// New creates a Pipeline and builds its dispatch table. scopes, notifier,
// deadLetter, and metrics may be nil.
func New(
	gate *Gate,
	resultCache *cache.ResultCache,
	reg *registry.Registry,
	dispatcher *dispatch.Dispatcher,
	scopes ScopeUpdater,
	notifier notify.Notifier,
	deadLetter DeadLetter,
	m *metrics.Metrics,
) *Pipeline {
	p := &Pipeline{
		gate:       gate,
		cache:      resultCache,
		registry:   reg,
		dispatcher: dispatcher,
		scopes:     scopes,
		notifier:   notifier,
		deadLetter: deadLetter,
		metrics:    m,
		logger:     slog.Default().With("component", "event-pipeline"),
	}
	p.handlers = map[string]handlerFunc{
		KindMessageSent:         p.handleMessageChanged,
		KindMessageUpdated:      p.handleMessageChanged,
		KindMessageDeleted:      p.handleItemDeleted,
		KindMemberAdded:         p.handleMembership(search.ScopeAdd),
		KindMemberLeft:          p.handleMembership(search.ScopeRemove),
		KindConversationUpdated: p.handleConversationUpdated,
		KindMediaUploaded:       p.handleMediaUploaded,
		KindMediaDeleted:        p.handleMediaDeleted,
		KindProfileUpdated:      p.handleContactChanged,
		KindAliasUpdated:        p.handleContactChanged,
		KindPrivacyUpdated:      p.handlePrivacyUpdated,
	}
	return p
}

// Handler adapts the pipeline to a Kafka message handler. Undecodable
// payloads and handler panics go to the dead-letter topic; neither fails the
// consume loop, since a missed push is recoverable while a crashed ingestion
// pipeline is not.
func (p *Pipeline) Handler() kafka.MessageHandler {
	return func(ctx context.Context, key []byte, value []byte) error {
		event, err := kafka.DecodeJSON[DomainEvent](value)
		if err != nil {
			p.logger.Error("undecodable event, dead-lettering", "key", string(key), "error", err)
			p.sendToDeadLetter(ctx, key, value)
			return nil
		}
		p.Process(ctx, &event, func() { p.sendToDeadLetter(ctx, key, value) })
		return nil
	}
}

// Process runs one event through the gate and its handler. onPanic, if
// non-nil, runs after a recovered handler panic.
func (p *Pipeline) Process(ctx context.Context, event *DomainEvent, onPanic func()) {
	handler, ok := p.handlers[event.Kind]
	if !ok {
		p.logger.Debug("no handler for event kind, skipping", "kind", event.Kind)
		p.countEvent(event.Kind, "skipped")
		return
	}
	if !p.gate.ShouldProcess(ctx, event.Kind, event.EventID) {
		p.logger.Debug("duplicate event dropped", "kind", event.Kind, "event_id", event.EventID)
		if p.metrics != nil {
			p.metrics.DuplicateEventsTotal.Inc()
		}
		p.countEvent(event.Kind, "duplicate")
		return
	}

	defer func() {
		if rec := recover(); rec != nil {
			p.logger.Error("event handler panicked",
				"kind", event.Kind,
				"event_id", event.EventID,
				"panic", rec,
			)
			p.countEvent(event.Kind, "error")
			if onPanic != nil {
				onPanic()
			}
		}
	}()

	if err := handler(ctx, event); err != nil {
		// Logged and swallowed: event-processing failures must not take down
		// the pipeline. The user can always re-query.
		p.logger.Error("event handler failed",
			"kind", event.Kind,
			"event_id", event.EventID,
			"error", err,
		)
		p.countEvent(event.Kind, "error")
		return
	}
	p.countEvent(event.Kind, "ok")
}

func (p *Pipeline) handleMessageChanged(ctx context.Context, event *DomainEvent) error {
	p.cache.InvalidateConversation(ctx, event.ConversationID)
	p.countInvalidation("conversation")
	// A message carrying attachments also appears on media-search pages.
	if len(event.AttachmentNames) > 0 {
		p.cache.InvalidateCategory(ctx, cache.CategoryMedia)
		p.countInvalidation("media")
	}
	p.matchAndDispatch(&event.Event)
	return nil
}

func (p *Pipeline) handleItemDeleted(ctx context.Context, event *DomainEvent) error {
	p.cache.InvalidateConversation(ctx, event.ConversationID)
	p.countInvalidation("conversation")
	if len(event.AttachmentNames) > 0 {
		p.cache.InvalidateCategory(ctx, cache.CategoryMedia)
		p.countInvalidation("media")
	}
	p.removeResults(ctx, event)
	return nil
}

func (p *Pipeline) handleMembership(action search.ScopeAction) handlerFunc {
	return func(ctx context.Context, event *DomainEvent) error {
		p.cache.InvalidateUser(ctx, event.UserID)
		p.countInvalidation("user")
		if p.scopes == nil {
			return nil
		}
		return p.scopes.UpdateScope(ctx, event.UserID, event.ConversationID, action)
	}
}

func (p *Pipeline) handleConversationUpdated(ctx context.Context, event *DomainEvent) error {
	// A rename invalidates every page that may display the old name, and can
	// itself match subscribers searching by name.
	p.cache.InvalidateConversation(ctx, event.ConversationID)
	p.countInvalidation("conversation")
	p.matchAndDispatch(&event.Event)
	return nil
}

func (p *Pipeline) handleMediaUploaded(ctx context.Context, event *DomainEvent) error {
	p.cache.InvalidateCategory(ctx, cache.CategoryMedia)
	p.cache.InvalidateConversation(ctx, event.ConversationID)
	p.countInvalidation("media")
	p.matchAndDispatch(&event.Event)
	return nil
}

func (p *Pipeline) handleMediaDeleted(ctx context.Context, event *DomainEvent) error {
	p.cache.InvalidateCategory(ctx, cache.CategoryMedia)
	p.cache.InvalidateConversation(ctx, event.ConversationID)
	p.countInvalidation("media")
	p.removeResults(ctx, event)
	return nil
}

func (p *Pipeline) handleContactChanged(ctx context.Context, event *DomainEvent) error {
	p.cache.InvalidateCategory(ctx, cache.CategoryContact)
	p.countInvalidation("contact")
	return nil
}

func (p *Pipeline) handlePrivacyUpdated(ctx context.Context, event *DomainEvent) error {
	p.cache.InvalidateUser(ctx, event.UserID)
	p.countInvalidation("user")
	if p.scopes == nil || event.ConversationID == "" {
		return nil
	}
	// A privacy change only ever tightens what a live subscription may see;
	// regained visibility is re-seeded on the next subscribe. Routing through
	// the scope updater also re-broadcasts the change to peer instances.
	return p.scopes.UpdateScope(ctx, event.UserID, event.ConversationID, search.ScopeRemove)
}

// matchAndDispatch runs candidate filtering and queues matches for batched
// delivery. When no subscription is live (the common case), matching and
// dispatch are skipped entirely.
func (p *Pipeline) matchAndDispatch(event *search.Event) {
	if !p.registry.HasAny() {
		return
	}
	matched, count := p.registry.FindMatches(event)
	if count == 0 {
		return
	}
	p.dispatcher.Queue(event, matched)
}

// removeResults pushes resultRemoved to only the connections whose
// subscriptions cover the affected conversation, never to all connections.
func (p *Pipeline) removeResults(ctx context.Context, event *DomainEvent) {
	if p.notifier == nil || !p.registry.HasAny() {
		return
	}
	for _, connectionID := range p.registry.ConnectionsCovering(event.ConversationID) {
		p.notifier.ResultRemoved(ctx, connectionID, notify.ResultRemoved{
			ConversationID: event.ConversationID,
			ItemID:         event.ItemID,
		})
	}
}

func (p *Pipeline) sendToDeadLetter(ctx context.Context, key, value []byte) {
	if p.deadLetter == nil {
		return
	}
	if err := p.deadLetter.PublishRaw(ctx, key, value); err != nil {
		p.logger.Error("dead-letter publish failed", "error", err)
	}
}

func (p *Pipeline) countEvent(kind, status string) {
	if p.metrics != nil {
		p.metrics.EventsProcessedTotal.WithLabelValues(kind, status).Inc()
	}
}

func (p *Pipeline) countInvalidation(category string) {
	if p.metrics != nil {
		p.metrics.CacheInvalidations.WithLabelValues(category).Inc()
	}
}
