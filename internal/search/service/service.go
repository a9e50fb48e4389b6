// Package service implements the client-facing operations of the search
// subscription engine: subscribe, unsubscribe, update-query, load-more, and
// scope updates. It glues the registry, result cache, store collaborators,
// scorer, and cross-instance broadcaster together; the transport layer calls
// into it and maps returned errors onto the wire.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/truong965/zalo-clone-sub001/internal/search"
	"github.com/truong965/zalo-clone-sub001/internal/search/cache"
	"github.com/truong965/zalo-clone-sub001/internal/search/cursor"
	"github.com/truong965/zalo-clone-sub001/internal/search/rank"
	"github.com/truong965/zalo-clone-sub001/internal/search/registry"
	"github.com/truong965/zalo-clone-sub001/internal/search/scopesync"
	"github.com/truong965/zalo-clone-sub001/internal/search/store"
	"github.com/truong965/zalo-clone-sub001/pkg/config"
	apperrors "github.com/truong965/zalo-clone-sub001/pkg/errors"
	"github.com/truong965/zalo-clone-sub001/pkg/metrics"
)

// Store is the persistence collaborator surface the service needs.
type Store interface {
	GetActiveConversationIDs(ctx context.Context, userID string) (map[string]struct{}, error)
	SearchMessages(ctx context.Context, q store.PageQuery) ([]search.Result, error)
	LoadRankSignals(ctx context.Context, viewerID string, results []search.Result, keyword string) (map[string]rank.Signals, error)
}

type Service struct {
	cfg         config.RankingConfig
	registry    *registry.Registry
	cache       *cache.ResultCache
	store       Store
	scorer      *rank.Scorer
	broadcaster *scopesync.Broadcaster
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

// New creates a Service. broadcaster and metrics may be nil.
func New(
	cfg config.RankingConfig,
	reg *registry.Registry,
	resultCache *cache.ResultCache,
	st Store,
	scorer *rank.Scorer,
	broadcaster *scopesync.Broadcaster,
	m *metrics.Metrics,
) *Service {
	return &Service{
		cfg:         cfg,
		registry:    reg,
		cache:       resultCache,
		store:       st,
		scorer:      scorer,
		broadcaster: broadcaster,
		metrics:     m,
		logger:      slog.Default().With("component", "search-service"),
	}
}

// Subscribe registers a live subscription for the connection and returns the
// initial result page. Validation and capacity errors surface synchronously
// and create no state.
func (s *Service) Subscribe(ctx context.Context, userID, connectionID string, q search.Query) (*search.ResultPage, error) {
	normalized := search.Normalize(q.Keyword)
	if err := s.registry.ValidateQuery(normalized, q.Filters); err != nil {
		return nil, err
	}

	allowed, err := s.store.GetActiveConversationIDs(ctx, userID)
	if err != nil {
		return nil, apperrors.Newf(apperrors.ErrInfraUnavailable, 503,
			"loading memberships: %v", err)
	}
	if q.ConversationID != "" {
		if _, ok := allowed[q.ConversationID]; !ok {
			return nil, apperrors.New(apperrors.ErrAccessDenied, 403,
				"not a member of the requested conversation")
		}
	}

	sub := &search.Subscription{
		ConnectionID:           connectionID,
		UserID:                 userID,
		Keyword:                q.Keyword,
		NormalizedKeyword:      normalized,
		ConversationID:         q.ConversationID,
		Kind:                   q.Kind,
		Filters:                q.Filters,
		AllowedConversationIDs: allowed,
		CreatedAt:              time.Now(),
	}
	if err := s.registry.Subscribe(sub); err != nil {
		return nil, err
	}
	return s.page(ctx, userID, q, normalized, nil)
}

// Unsubscribe removes every subscription of the connection. Idempotent.
func (s *Service) Unsubscribe(userID, connectionID string) {
	s.registry.Unsubscribe(userID, connectionID)
}

// UpdateQuery replaces the connection's subscriptions with a new query and
// returns its first page.
func (s *Service) UpdateQuery(ctx context.Context, userID, connectionID string, q search.Query) (*search.ResultPage, error) {
	s.registry.Unsubscribe(userID, connectionID)
	return s.Subscribe(ctx, userID, connectionID, q)
}

// LoadMore returns the next page for the cursor in q. It counts as activity
// for the inactivity timeout.
func (s *Service) LoadMore(ctx context.Context, userID, connectionID string, q search.Query) (*search.ResultPage, error) {
	if q.Cursor == "" {
		return nil, apperrors.New(apperrors.ErrInvalidCursor, 400, "cursor required")
	}
	cur, err := cursor.Decode(q.Cursor)
	if err != nil {
		return nil, err
	}
	s.registry.Touch(userID, connectionID)
	return s.page(ctx, userID, q, search.Normalize(q.Keyword), &cur)
}

// UpdateScope applies a membership change to every live subscription of the
// user on this instance and re-broadcasts it so peer instances apply the same
// mutation to their local subscriptions for that user. Implements
// ingest.ScopeUpdater.
func (s *Service) UpdateScope(ctx context.Context, userID, conversationID string, action search.ScopeAction) error {
	updated := s.registry.UpdateScope(userID, conversationID, action)
	if s.metrics != nil {
		s.metrics.ScopeUpdatesTotal.WithLabelValues("local").Inc()
	}
	s.logger.Debug("scope updated",
		"user_id", userID,
		"conversation_id", conversationID,
		"action", action,
		"subscriptions_updated", updated,
	)
	if s.broadcaster != nil {
		s.broadcaster.Broadcast(ctx, userID, conversationID, action)
	}
	s.cache.InvalidateUser(ctx, userID)
	return nil
}

// page computes one result page read-through the cache: keyset fetch with
// limit+1, cursor slicing in fetch order, then relevance scoring for display
// order.
func (s *Service) page(ctx context.Context, userID string, q search.Query, normalized string, after *cursor.Cursor) (*search.ResultPage, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = s.cfg.DefaultLimit
	}
	if s.cfg.MaxLimit > 0 && limit > s.cfg.MaxLimit {
		limit = s.cfg.MaxLimit
	}

	category := cache.CategoryFor(q.Kind)
	key := cache.Key(category, q.ConversationID, userID, s.queryFingerprint(q, normalized), limit)

	page, hit, err := s.cache.GetOrCompute(ctx, key, category, func() (*search.ResultPage, error) {
		return s.computePage(ctx, userID, q, normalized, after, limit)
	})
	if err != nil {
		return nil, err
	}
	if s.metrics != nil {
		if hit {
			s.metrics.CacheHitsTotal.Inc()
		} else {
			s.metrics.CacheMissesTotal.Inc()
		}
	}
	return page, nil
}

func (s *Service) computePage(ctx context.Context, userID string, q search.Query, normalized string, after *cursor.Cursor, limit int) (*search.ResultPage, error) {
	rows, err := s.store.SearchMessages(ctx, store.PageQuery{
		UserID:         userID,
		Keyword:        normalized,
		ConversationID: q.ConversationID,
		Kind:           q.Kind,
		Filters:        q.Filters,
		After:          after,
		Limit:          limit,
	})
	if err != nil {
		return nil, fmt.Errorf("computing result page: %w", err)
	}

	retained, next, hasMore := cursor.SlicePage(rows, limit, func(r search.Result) (time.Time, string) {
		return r.SortTimestamp, r.ID
	})

	signals, err := s.store.LoadRankSignals(ctx, userID, retained, normalized)
	if err != nil {
		// Ranking signals are an enrichment; a failure degrades to scoring on
		// text rank and recency alone.
		s.logger.Warn("loading rank signals failed", "error", err)
		signals = map[string]rank.Signals{}
	}
	s.scorer.Apply(retained, signals, time.Now())

	if retained == nil {
		retained = []search.Result{}
	}
	return &search.ResultPage{
		Results:    retained,
		NextCursor: next,
		HasMore:    hasMore,
	}, nil
}

// queryFingerprint folds every query dimension into the hashed portion of the
// cache key so distinct filter combinations never collide.
func (s *Service) queryFingerprint(q search.Query, normalized string) string {
	fp := normalized + "|" + string(q.Kind) + "|" + q.Cursor
	if f := q.Filters; f != nil {
		fp += fmt.Sprintf("|mk=%s|sn=%s", f.MessageKind, f.SenderID)
		if f.DateFrom != nil {
			fp += "|df=" + f.DateFrom.UTC().Format(time.RFC3339)
		}
		if f.DateTo != nil {
			fp += "|dt=" + f.DateTo.UTC().Format(time.RFC3339)
		}
	}
	return fp
}
