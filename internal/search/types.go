// Package search defines the domain types shared across the real-time search
// subscription engine: queries, subscriptions, chat events, and result pages.
package search

import "time"

// SearchKind selects the category of a search query.
type SearchKind string

const (
	KindGlobal       SearchKind = "global"
	KindConversation SearchKind = "conversation"
	KindContact      SearchKind = "contact"
	KindMedia        SearchKind = "media"
)

// ScopeAction mutates a subscription's allowed-conversation set.
type ScopeAction string

const (
	ScopeAdd    ScopeAction = "add"
	ScopeRemove ScopeAction = "remove"
)

// Filters narrows a query beyond its keyword.
type Filters struct {
	MessageKind string     `json:"message_kind,omitempty"`
	SenderID    string     `json:"sender_id,omitempty"`
	DateFrom    *time.Time `json:"date_from,omitempty"`
	DateTo      *time.Time `json:"date_to,omitempty"`
}

// Empty reports whether no filter field is set.
func (f *Filters) Empty() bool {
	return f == nil || (f.MessageKind == "" && f.SenderID == "" && f.DateFrom == nil && f.DateTo == nil)
}

// Query is the payload of a subscribe / update-query / load-more request.
type Query struct {
	Keyword        string     `json:"keyword"`
	ConversationID string     `json:"conversation_id,omitempty"`
	Kind           SearchKind `json:"search_kind"`
	Filters        *Filters   `json:"filters,omitempty"`
	Cursor         string     `json:"cursor,omitempty"`
	Limit          int        `json:"limit,omitempty"`
}

// Subscription is one live (connection, query) registration. It is owned
// exclusively by the registry; all fields are mutated only under the owning
// bucket's lock.
type Subscription struct {
	ConnectionID      string
	UserID            string
	Keyword           string
	NormalizedKeyword string
	// ConversationID scopes the subscription to a single conversation.
	// Empty means global (bounded by AllowedConversationIDs).
	ConversationID string
	Kind           SearchKind
	Filters        *Filters
	// AllowedConversationIDs is a snapshot of the user's active memberships,
	// kept current by scope-update propagation. A subscription must never
	// match content outside this set.
	AllowedConversationIDs map[string]struct{}
	CreatedAt              time.Time
	LastMatchedAt          time.Time
}

// Allows reports whether the subscription may observe the conversation.
func (s *Subscription) Allows(conversationID string) bool {
	_, ok := s.AllowedConversationIDs[conversationID]
	return ok
}

// Event describes a changed or created chat item flowing through ingestion.
type Event struct {
	Kind             string    `json:"kind"`
	EventID          string    `json:"event_id"`
	ConversationID   string    `json:"conversation_id"`
	ItemID           string    `json:"item_id"`
	SenderID         string    `json:"sender_id,omitempty"`
	Content          string    `json:"content,omitempty"`
	ConversationName string    `json:"conversation_name,omitempty"`
	AttachmentNames  []string  `json:"attachment_names,omitempty"`
	MessageKind      string    `json:"message_kind,omitempty"`
	Deleted          bool      `json:"deleted,omitempty"`
	OccurredAt       time.Time `json:"occurred_at"`
}

// MatchedSubscription identifies a subscription that matched an event.
type MatchedSubscription struct {
	ConnectionID string
	UserID       string
	Keyword      string
}

// Result is one row of a search result page.
type Result struct {
	ID               string    `json:"id"`
	ConversationID   string    `json:"conversation_id"`
	ConversationName string    `json:"conversation_name,omitempty"`
	SenderID         string    `json:"sender_id,omitempty"`
	Content          string    `json:"content,omitempty"`
	AttachmentNames  []string  `json:"attachment_names,omitempty"`
	MessageKind      string    `json:"message_kind,omitempty"`
	SortTimestamp    time.Time `json:"sort_timestamp"`
	TextRank         float64   `json:"text_rank"`
	Score            float64   `json:"score"`
}

// ResultPage is a cursor-delimited slice of scored results.
type ResultPage struct {
	Results    []Result `json:"results"`
	NextCursor string   `json:"next_cursor,omitempty"`
	HasMore    bool     `json:"has_more"`
}
