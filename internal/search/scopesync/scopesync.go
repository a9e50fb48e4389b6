// Package scopesync propagates subscription-scope changes (membership
// add/remove) to all server instances over a shared pub/sub channel, so every
// instance's local registry stays authoritative for its own connections
// without centralizing subscription state. Propagation is asynchronous and
// eventually consistent: the staleness window is bounded by bus latency and
// monitored, not eliminated.
package scopesync

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/truong965/zalo-clone-sub001/internal/search"
	"github.com/truong965/zalo-clone-sub001/pkg/metrics"
	pkgredis "github.com/truong965/zalo-clone-sub001/pkg/redis"
	"github.com/truong965/zalo-clone-sub001/pkg/resilience"
)

// ScopeUpdate is the message exchanged between instances. Origin carries the
// broadcasting instance's id so an instance ignores its own broadcasts.
type ScopeUpdate struct {
	UserID         string             `json:"user_id"`
	ConversationID string             `json:"conversation_id"`
	Action         search.ScopeAction `json:"action"`
	Origin         string             `json:"origin"`
}

// Bus is the publish side of the shared channel.
type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Applier applies a remote scope update to the local registry.
type Applier interface {
	UpdateScope(userID, conversationID string, action search.ScopeAction) int
}

// Broadcaster publishes local scope changes to peer instances.
type Broadcaster struct {
	bus        Bus
	channel    string
	instanceID string
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// NewBroadcaster creates a Broadcaster. metrics may be nil.
func NewBroadcaster(bus Bus, channel, instanceID string, m *metrics.Metrics) *Broadcaster {
	return &Broadcaster{
		bus:        bus,
		channel:    channel,
		instanceID: instanceID,
		metrics:    m,
		logger:     slog.Default().With("component", "scope-sync", "instance_id", instanceID),
	}
}

// Broadcast publishes a scope update tagged with this instance's id. A failed
// publish degrades to local-only operation with a logged warning; the caller's
// local mutation has already been applied.
func (b *Broadcaster) Broadcast(ctx context.Context, userID, conversationID string, action search.ScopeAction) {
	if b.bus == nil {
		return
	}
	payload, err := json.Marshal(ScopeUpdate{
		UserID:         userID,
		ConversationID: conversationID,
		Action:         action,
		Origin:         b.instanceID,
	})
	if err != nil {
		b.logger.Error("marshaling scope update", "error", err)
		return
	}
	err = resilience.Retry(ctx, "scope-broadcast", resilience.RetryConfig{MaxAttempts: 3}, func() error {
		return b.bus.Publish(ctx, b.channel, payload)
	})
	if err != nil {
		b.logger.Warn("scope broadcast failed, update stays local-only",
			"user_id", userID,
			"conversation_id", conversationID,
			"action", action,
			"error", err,
		)
		if b.metrics != nil {
			b.metrics.SyncPublishFailures.Inc()
		}
	}
}

// Listener applies scope updates broadcast by peer instances to the local
// registry.
type Listener struct {
	client     *pkgredis.Client
	channel    string
	instanceID string
	applier    Applier
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// NewListener creates a Listener. metrics may be nil.
func NewListener(client *pkgredis.Client, channel, instanceID string, applier Applier, m *metrics.Metrics) *Listener {
	return &Listener{
		client:     client,
		channel:    channel,
		instanceID: instanceID,
		applier:    applier,
		metrics:    m,
		logger:     slog.Default().With("component", "scope-sync-listener", "instance_id", instanceID),
	}
}

// Start subscribes to the channel and applies incoming updates until ctx is
// cancelled.
func (l *Listener) Start(ctx context.Context) error {
	pubsub := l.client.Subscribe(ctx, l.channel)
	defer pubsub.Close()
	l.logger.Info("scope sync listener started", "channel", l.channel)
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			l.logger.Info("scope sync listener stopping", "reason", ctx.Err())
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			l.Handle([]byte(msg.Payload))
		}
	}
}

// Handle decodes and applies one bus message. Messages originating from this
// instance are ignored (the local mutation already happened).
func (l *Listener) Handle(payload []byte) {
	var update ScopeUpdate
	if err := json.Unmarshal(payload, &update); err != nil {
		l.logger.Error("undecodable scope update", "error", err)
		return
	}
	if update.Origin == l.instanceID {
		return
	}
	updated := l.applier.UpdateScope(update.UserID, update.ConversationID, update.Action)
	if l.metrics != nil {
		l.metrics.ScopeUpdatesTotal.WithLabelValues("remote").Inc()
	}
	l.logger.Debug("remote scope update applied",
		"user_id", update.UserID,
		"conversation_id", update.ConversationID,
		"action", update.Action,
		"subscriptions_updated", updated,
	)
}
