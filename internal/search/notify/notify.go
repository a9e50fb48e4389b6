// Package notify defines the outbound payloads pushed to client connections
// and the Notifier port implemented by the transport layer (the channel
// abstraction over which subscriptions are delivered is an external
// collaborator).
package notify

import (
	"context"
	"log/slog"

	"github.com/truong965/zalo-clone-sub001/internal/search"
)

// NewMatch is pushed when a live subscription matches a new event. One
// NewMatch per (connection, keyword) pair is emitted per flush window,
// carrying only the latest matching event.
type NewMatch struct {
	Keyword string       `json:"keyword"`
	Event   search.Event `json:"event"`
}

// ResultRemoved tells a connection that a previously delivered result no
// longer exists (deletion or membership loss). It is targeted to only the
// subscriptions covering the affected scope, never broadcast.
type ResultRemoved struct {
	ConversationID string `json:"conversation_id"`
	ItemID         string `json:"item_id,omitempty"`
}

// SubscriptionExpired tells a connection its subscription was removed by the
// inactivity timeout and it must re-subscribe to keep receiving pushes.
type SubscriptionExpired struct {
	Keyword string `json:"keyword"`
}

// ErrorPayload is the wire shape of a client-facing error.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Notifier delivers payloads to a single connection. Implementations must be
// safe for concurrent use; delivery is best-effort and must not block the
// caller for long (the dispatcher runs on the flush timer goroutine).
type Notifier interface {
	NewMatch(ctx context.Context, connectionID string, payload NewMatch)
	ResultRemoved(ctx context.Context, connectionID string, payload ResultRemoved)
	SubscriptionExpired(ctx context.Context, connectionID string, payload SubscriptionExpired)
}

// LogNotifier logs every delivery. It stands in for the transport layer in
// the standalone binary and in tests.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier() *LogNotifier {
	return &LogNotifier{logger: slog.Default().With("component", "notifier")}
}

func (n *LogNotifier) NewMatch(ctx context.Context, connectionID string, payload NewMatch) {
	n.logger.Info("newMatch",
		"connection_id", connectionID,
		"keyword", payload.Keyword,
		"event_id", payload.Event.EventID,
	)
}

func (n *LogNotifier) ResultRemoved(ctx context.Context, connectionID string, payload ResultRemoved) {
	n.logger.Info("resultRemoved",
		"connection_id", connectionID,
		"conversation_id", payload.ConversationID,
		"item_id", payload.ItemID,
	)
}

func (n *LogNotifier) SubscriptionExpired(ctx context.Context, connectionID string, payload SubscriptionExpired) {
	n.logger.Info("subscriptionExpired",
		"connection_id", connectionID,
		"keyword", payload.Keyword,
	)
}
