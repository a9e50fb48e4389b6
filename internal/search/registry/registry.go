// Package registry holds the in-memory state machine for live search
// subscriptions: per-user subscription sets, the keyword candidate index, and
// the inactivity timers. State is process-local and rebuilt from scratch
// (clients re-subscribe) after a restart.
package registry

import (
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/truong965/zalo-clone-sub001/internal/search"
	"github.com/truong965/zalo-clone-sub001/pkg/config"
	apperrors "github.com/truong965/zalo-clone-sub001/pkg/errors"
	"github.com/truong965/zalo-clone-sub001/pkg/metrics"
)

// ExpireFunc is invoked when a connection's subscriptions are removed by the
// inactivity timeout, once per expired subscription.
type ExpireFunc func(userID, connectionID, keyword string)

// connState groups one connection's subscriptions with its inactivity timer.
// All fields are guarded by the owning bucket's mutex.
type connState struct {
	userID string
	subs   map[string]*search.Subscription // keyed by normalized keyword
	timer  *time.Timer
}

// bucket shards registry state by user so client-driven subscribe/unsubscribe
// and event-driven matching contend per user group, not globally.
type bucket struct {
	mu    sync.Mutex
	users map[string]map[string]*connState // userID -> connectionID -> state
}

// Registry owns all live subscriptions on this instance.
//
// The per-user and per-instance caps are enforced locally with no fleet-wide
// coordination: a user connected to several instances can hold up to
// instances×MaxPerUser subscriptions. Known scaling gap, kept as-is.
type Registry struct {
	cfg      config.RegistryConfig
	buckets  []*bucket
	index    *keywordIndex
	ownersMu sync.RWMutex
	owners   map[string]string // connectionID -> userID
	total    atomic.Int64
	onExpire ExpireFunc
	metrics  *metrics.Metrics
	logger   *slog.Logger
	closed   atomic.Bool
}

// New creates a Registry. metrics and onExpire may be nil.
func New(cfg config.RegistryConfig, m *metrics.Metrics, onExpire ExpireFunc) *Registry {
	if cfg.UserBuckets <= 0 {
		cfg.UserBuckets = 16
	}
	if cfg.MaxPerUser <= 0 {
		cfg.MaxPerUser = 100
	}
	if cfg.MaxPerInstance <= 0 {
		cfg.MaxPerInstance = 1000
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
	if cfg.MinKeywordLen <= 0 {
		cfg.MinKeywordLen = 3
	}
	if cfg.MaxKeywordLen <= 0 {
		cfg.MaxKeywordLen = 256
	}
	buckets := make([]*bucket, cfg.UserBuckets)
	for i := range buckets {
		buckets[i] = &bucket{users: make(map[string]map[string]*connState)}
	}
	return &Registry{
		cfg:      cfg,
		buckets:  buckets,
		index:    newKeywordIndex(),
		owners:   make(map[string]string),
		onExpire: onExpire,
		metrics:  m,
		logger:   slog.Default().With("component", "subscription-registry"),
	}
}

// ValidateQuery checks keyword constraints before any state is created.
// Keywords shorter than MinKeywordLen are rejected as noise, unless the query
// is a filter-only browse with no text term.
func (r *Registry) ValidateQuery(normalizedKeyword string, filters *search.Filters) error {
	runeLen := len([]rune(normalizedKeyword))
	if runeLen == 0 {
		if filters.Empty() {
			return apperrors.New(apperrors.ErrInvalidQuery, 400, "keyword or filters required")
		}
		return nil
	}
	if runeLen < r.cfg.MinKeywordLen {
		return apperrors.Newf(apperrors.ErrInvalidQuery, 400,
			"keyword must be at least %d characters", r.cfg.MinKeywordLen)
	}
	if runeLen > r.cfg.MaxKeywordLen {
		return apperrors.Newf(apperrors.ErrInvalidQuery, 400,
			"keyword must be at most %d characters", r.cfg.MaxKeywordLen)
	}
	return nil
}

// Subscribe stores the subscription, indexes its keyword, and arms the
// connection's inactivity timer. Capacity and validation failures leave no
// state behind.
func (r *Registry) Subscribe(sub *search.Subscription) error {
	if err := r.ValidateQuery(sub.NormalizedKeyword, sub.Filters); err != nil {
		r.countSubscribe("validation_error")
		return err
	}

	b := r.bucket(sub.UserID)
	b.mu.Lock()
	defer b.mu.Unlock()

	userConns := b.users[sub.UserID]
	replacing := false
	if cs, ok := userConns[sub.ConnectionID]; ok {
		_, replacing = cs.subs[sub.NormalizedKeyword]
	}
	// Replacing an existing (connection, keyword) registration leaves the
	// count unchanged, so the caps only apply to genuinely new entries.
	if !replacing {
		userCount := 0
		for _, cs := range userConns {
			userCount += len(cs.subs)
		}
		if userCount >= r.cfg.MaxPerUser {
			r.countSubscribe("capacity_exceeded")
			return apperrors.Newf(apperrors.ErrCapacityExceeded, 429,
				"user has %d live subscriptions (max %d)", userCount, r.cfg.MaxPerUser)
		}
		if r.total.Load() >= int64(r.cfg.MaxPerInstance) {
			r.countSubscribe("capacity_exceeded")
			return apperrors.Newf(apperrors.ErrCapacityExceeded, 429,
				"instance subscription cap %d reached", r.cfg.MaxPerInstance)
		}
	}

	if userConns == nil {
		userConns = make(map[string]*connState)
		b.users[sub.UserID] = userConns
	}
	cs, ok := userConns[sub.ConnectionID]
	if !ok {
		cs = &connState{userID: sub.UserID, subs: make(map[string]*search.Subscription)}
		userConns[sub.ConnectionID] = cs
	}
	if prev, exists := cs.subs[sub.NormalizedKeyword]; exists {
		// Re-subscribing the same keyword replaces the old registration.
		r.index.remove(prev.NormalizedKeyword, prev.ConnectionID)
		r.total.Add(-1)
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now()
	}
	cs.subs[sub.NormalizedKeyword] = sub
	r.armTimerLocked(cs, sub.UserID, sub.ConnectionID)

	r.ownersMu.Lock()
	r.owners[sub.ConnectionID] = sub.UserID
	r.ownersMu.Unlock()
	r.index.add(sub.NormalizedKeyword, sub.ConnectionID)
	r.total.Add(1)
	r.countSubscribe("ok")
	if r.metrics != nil {
		r.metrics.ActiveSubscriptions.Set(float64(r.total.Load()))
	}
	r.logger.Debug("subscription registered",
		"user_id", sub.UserID,
		"connection_id", sub.ConnectionID,
		"keyword", sub.NormalizedKeyword,
		"kind", sub.Kind,
	)
	return nil
}

// Unsubscribe removes every subscription owned by the connection, prunes the
// keyword index, and cancels the inactivity timer. Unsubscribing twice is a
// no-op.
func (r *Registry) Unsubscribe(userID, connectionID string) {
	b := r.bucket(userID)
	b.mu.Lock()
	r.removeConnLocked(b, userID, connectionID, nil)
	b.mu.Unlock()
}

// removeConnLocked removes a connection's state. If expired is non-nil it
// collects the removed keywords for the expiry callback.
func (r *Registry) removeConnLocked(b *bucket, userID, connectionID string, expired *[]string) {
	userConns, ok := b.users[userID]
	if !ok {
		return
	}
	cs, ok := userConns[connectionID]
	if !ok {
		return
	}
	if cs.timer != nil {
		cs.timer.Stop()
	}
	for keyword := range cs.subs {
		r.index.remove(keyword, connectionID)
		r.total.Add(-1)
		if expired != nil {
			*expired = append(*expired, keyword)
		}
	}
	delete(userConns, connectionID)
	if len(userConns) == 0 {
		delete(b.users, userID)
	}
	r.ownersMu.Lock()
	delete(r.owners, connectionID)
	r.ownersMu.Unlock()
	if r.metrics != nil {
		r.metrics.ActiveSubscriptions.Set(float64(r.total.Load()))
	}
}

// UpdateScope mutates allowedConversationIds on every live subscription of
// the user on this instance. Cross-instance propagation is the caller's
// responsibility (the service re-broadcasts over the bus).
func (r *Registry) UpdateScope(userID, conversationID string, action search.ScopeAction) int {
	b := r.bucket(userID)
	b.mu.Lock()
	defer b.mu.Unlock()
	updated := 0
	for _, cs := range b.users[userID] {
		for _, sub := range cs.subs {
			switch action {
			case search.ScopeAdd:
				sub.AllowedConversationIDs[conversationID] = struct{}{}
			case search.ScopeRemove:
				delete(sub.AllowedConversationIDs, conversationID)
			}
			updated++
		}
	}
	return updated
}

// Touch re-arms the connection's inactivity timer. Load-more and query
// updates count as activity.
func (r *Registry) Touch(userID, connectionID string) {
	b := r.bucket(userID)
	b.mu.Lock()
	defer b.mu.Unlock()
	if cs, ok := b.users[userID][connectionID]; ok {
		r.armTimerLocked(cs, userID, connectionID)
	}
}

// HasAny reports whether any subscription is live on this instance. The
// ingestion pipeline uses it as a cheap early exit: when nobody is searching
// (the common case), matching and dispatch are skipped entirely.
func (r *Registry) HasAny() bool {
	return r.total.Load() > 0
}

// Count returns the number of live subscriptions on this instance.
func (r *Registry) Count() int {
	return int(r.total.Load())
}

// ConnectionsCovering returns the connections holding at least one
// subscription whose allowed set covers the conversation. Used to target
// resultRemoved pushes to only the affected subscribers.
func (r *Registry) ConnectionsCovering(conversationID string) []string {
	var out []string
	for _, b := range r.buckets {
		b.mu.Lock()
		for _, userConns := range b.users {
			for connID, cs := range userConns {
				for _, sub := range cs.subs {
					if sub.Allows(conversationID) {
						out = append(out, connID)
						break
					}
				}
			}
		}
		b.mu.Unlock()
	}
	return out
}

// Close stops all inactivity timers. Subscriptions are not individually
// removed; the process is shutting down.
func (r *Registry) Close() {
	if !r.closed.CompareAndSwap(false, true) {
		return
	}
	for _, b := range r.buckets {
		b.mu.Lock()
		for _, userConns := range b.users {
			for _, cs := range userConns {
				if cs.timer != nil {
					cs.timer.Stop()
				}
			}
		}
		b.mu.Unlock()
	}
}

func (r *Registry) armTimerLocked(cs *connState, userID, connectionID string) {
	if cs.timer != nil {
		cs.timer.Stop()
	}
	cs.timer = time.AfterFunc(r.cfg.IdleTimeout, func() {
		r.expire(userID, connectionID)
	})
}

func (r *Registry) expire(userID, connectionID string) {
	if r.closed.Load() {
		return
	}
	b := r.bucket(userID)
	var expired []string
	b.mu.Lock()
	r.removeConnLocked(b, userID, connectionID, &expired)
	b.mu.Unlock()
	if len(expired) == 0 {
		return
	}
	r.logger.Info("subscriptions expired by inactivity",
		"user_id", userID,
		"connection_id", connectionID,
		"count", len(expired),
	)
	if r.onExpire != nil {
		for _, keyword := range expired {
			r.onExpire(userID, connectionID, keyword)
		}
	}
}

func (r *Registry) bucket(userID string) *bucket {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return r.buckets[h.Sum32()%uint32(len(r.buckets))]
}

func (r *Registry) countSubscribe(outcome string) {
	if r.metrics != nil {
		r.metrics.SubscribesTotal.WithLabelValues(outcome).Inc()
	}
}
