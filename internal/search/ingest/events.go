// Package ingest consumes domain events from the shared bus, deduplicates
// at-least-once delivery through the idempotency gate, and drives cache
// invalidation, subscription matching, and dispatch.
package ingest

import "github.com/truong965/zalo-clone-sub001/internal/search"

// Domain event kinds carried on the chat-events topic.
const (
	KindMessageSent         = "message.sent"
	KindMessageDeleted      = "message.deleted"
	KindMessageUpdated      = "message.updated"
	KindMemberAdded         = "conversation.member.added"
	KindMemberLeft          = "conversation.member.left"
	KindConversationUpdated = "conversation.updated"
	KindMediaUploaded       = "media.uploaded"
	KindMediaDeleted        = "media.deleted"
	KindProfileUpdated      = "user.profile.updated"
	KindPrivacyUpdated      = "privacy.updated"
	KindAliasUpdated        = "contact.alias.updated"
)

// DomainEvent is the wire payload of one domain event. EventID doubles as the
// idempotency key: processing is at-most-once per (kind, event id) even
// though bus delivery is at-least-once.
type DomainEvent struct {
	search.Event
	// UserID is the affected user for membership, privacy, and alias events.
	UserID string `json:"user_id,omitempty"`
}
