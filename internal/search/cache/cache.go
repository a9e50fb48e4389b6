// Package cache provides the category-namespaced read-through cache for
// search result pages, with per-category TTLs and pattern-based bulk
// invalidation. The cache is a performance optimization, not a correctness
// dependency: every error degrades to a miss or a logged warning and never
// fails the originating request.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/truong965/zalo-clone-sub001/internal/search"
	"github.com/truong965/zalo-clone-sub001/pkg/config"
	pkgredis "github.com/truong965/zalo-clone-sub001/pkg/redis"
)

const keyPrefix = "search:"

// Category namespaces cache keys so a domain event can invalidate only the
// pages it may have changed.
type Category string

const (
	CategoryGlobal       Category = "global"
	CategoryConversation Category = "conversation"
	CategoryContact      Category = "contact"
	CategoryMedia        Category = "media"
)

// Store is the subset of the Redis client the cache depends on.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	FlushByPattern(ctx context.Context, pattern string) (int64, error)
}

// ResultCache caches serialized result pages keyed by query scope.
type ResultCache struct {
	store  Store
	cfg    config.CacheConfig
	group  singleflight.Group
	logger *slog.Logger
	hits   atomic.Int64
	misses atomic.Int64
}

func New(store Store, cfg config.CacheConfig) *ResultCache {
	return &ResultCache{
		store:  store,
		cfg:    cfg,
		logger: slog.Default().With("component", "result-cache"),
	}
}

// Key builds a cache key. The category, conversation scope, and user stay
// visible in the key so pattern invalidation can target them; only the query
// portion is hashed.
func Key(category Category, conversationID, userID, query string, limit int) string {
	scope := conversationID
	if scope == "" {
		scope = "all"
	}
	raw := fmt.Sprintf("%s:limit=%d", query, limit)
	hash := sha256.Sum256([]byte(raw))
	return fmt.Sprintf("%s%s:%s:%s:%x", keyPrefix, category, scope, userID, hash[:16])
}

// Get returns the cached page for key, or (nil, false) on miss. Cache errors
// count as misses.
func (c *ResultCache) Get(ctx context.Context, key string) (*search.ResultPage, bool) {
	if c.store == nil {
		c.misses.Add(1)
		return nil, false
	}
	data, err := c.store.Get(ctx, key)
	if err != nil {
		if !pkgredis.IsNilError(err) {
			c.logger.Warn("cache get failed", "key", key, "error", err)
		}
		c.misses.Add(1)
		return nil, false
	}
	var page search.ResultPage
	if err := json.Unmarshal([]byte(data), &page); err != nil {
		c.logger.Warn("cache unmarshal failed", "key", key, "error", err)
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return &page, true
}

// Set stores a page under key with the category's TTL. Failures are logged
// and swallowed.
func (c *ResultCache) Set(ctx context.Context, key string, category Category, page *search.ResultPage) {
	if c.store == nil {
		return
	}
	data, err := json.Marshal(page)
	if err != nil {
		c.logger.Warn("cache marshal failed", "key", key, "error", err)
		return
	}
	if err := c.store.Set(ctx, key, data, c.ttl(category)); err != nil {
		c.logger.Warn("cache set failed", "key", key, "error", err)
	}
}

// GetOrCompute reads through the cache, collapsing concurrent computations of
// the same key into one via singleflight. The boolean reports a cache hit.
func (c *ResultCache) GetOrCompute(
	ctx context.Context,
	key string,
	category Category,
	computeFn func() (*search.ResultPage, error),
) (*search.ResultPage, bool, error) {
	if page, ok := c.Get(ctx, key); ok {
		return page, true, nil
	}
	val, err, _ := c.group.Do(key, func() (interface{}, error) {
		if page, ok := c.Get(ctx, key); ok {
			return page, nil
		}
		page, err := computeFn()
		if err != nil {
			return nil, err
		}
		c.Set(ctx, key, category, page)
		return page, nil
	})
	if err != nil {
		return nil, false, err
	}
	return val.(*search.ResultPage), false, nil
}

// InvalidateConversation removes every cached page scoped to the conversation
// plus all global pages (any of which may contain its content).
func (c *ResultCache) InvalidateConversation(ctx context.Context, conversationID string) {
	c.invalidate(ctx, fmt.Sprintf("%s%s:%s:*", keyPrefix, CategoryConversation, conversationID))
	c.invalidate(ctx, fmt.Sprintf("%s%s:*", keyPrefix, CategoryGlobal))
}

// InvalidateUser removes every cached page belonging to one user across all
// categories (membership or privacy changed what they may see).
func (c *ResultCache) InvalidateUser(ctx context.Context, userID string) {
	c.invalidate(ctx, fmt.Sprintf("%s*:*:%s:*", keyPrefix, userID))
}

// InvalidateCategory removes every cached page in one category. Used when an
// event can affect pages of every user, e.g. a profile or alias update for
// contact search, or media changes.
func (c *ResultCache) InvalidateCategory(ctx context.Context, category Category) {
	c.invalidate(ctx, fmt.Sprintf("%s%s:*", keyPrefix, category))
}

func (c *ResultCache) invalidate(ctx context.Context, pattern string) {
	if c.store == nil {
		return
	}
	deleted, err := c.store.FlushByPattern(ctx, pattern)
	if err != nil {
		c.logger.Warn("cache invalidation failed", "pattern", pattern, "error", err)
		return
	}
	c.logger.Debug("cache invalidated", "pattern", pattern, "keys_deleted", deleted)
}

// Stats returns hit and miss counts.
func (c *ResultCache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

func (c *ResultCache) ttl(category Category) time.Duration {
	var ttl time.Duration
	switch category {
	case CategoryConversation:
		ttl = c.cfg.ConversationTTL
	case CategoryContact:
		ttl = c.cfg.ContactTTL
	case CategoryMedia:
		ttl = c.cfg.MediaTTL
	default:
		ttl = c.cfg.GlobalTTL
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return ttl
}

// CategoryFor maps a query kind to its cache category.
func CategoryFor(kind search.SearchKind) Category {
	switch kind {
	case search.KindConversation:
		return CategoryConversation
	case search.KindContact:
		return CategoryContact
	case search.KindMedia:
		return CategoryMedia
	default:
		return CategoryGlobal
	}
}
