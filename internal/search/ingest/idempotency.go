package ingest

import (
	"context"
	"log/slog"
	"time"
)

// FastStore is the hot-path dedupe primitive: an atomic set-if-absent with
// TTL, backed by the shared cache.
type FastStore interface {
	SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error)
}

// DurableStore is the slower fallback recording processed event ids when the
// fast cache is unavailable.
type DurableStore interface {
	// MarkProcessed records (kind, id) and reports whether it was newly
	// recorded (false means the event was already processed).
	MarkProcessed(ctx context.Context, kind, id string) (bool, error)
}

// Gate deduplicates at-least-once event delivery. If both stores are
// unreachable the event is still processed: best-effort idempotency tolerates
// duplicates rather than dropping events.
type Gate struct {
	fast    FastStore
	durable DurableStore
	ttl     time.Duration
	logger  *slog.Logger
}

// NewGate creates a Gate. Either store may be nil.
func NewGate(fast FastStore, durable DurableStore, ttl time.Duration) *Gate {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Gate{
		fast:    fast,
		durable: durable,
		ttl:     ttl,
		logger:  slog.Default().With("component", "idempotency-gate"),
	}
}

// ShouldProcess reports whether the event identified by (kind, id) has not
// been processed before. Events without an id are always processed.
func (g *Gate) ShouldProcess(ctx context.Context, kind, id string) bool {
	if id == "" {
		return true
	}
	key := "processed:" + kind + ":" + id
	if g.fast != nil {
		fresh, err := g.fast.SetNX(ctx, key, 1, g.ttl)
		if err == nil {
			return fresh
		}
		g.logger.Warn("fast idempotency check failed, trying durable fallback",
			"key", key, "error", err)
	}
	if g.durable != nil {
		fresh, err := g.durable.MarkProcessed(ctx, kind, id)
		if err == nil {
			return fresh
		}
		g.logger.Warn("durable idempotency check failed, processing best-effort",
			"key", key, "error", err)
	}
	return true
}
