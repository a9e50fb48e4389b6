package registry

import (
	"strings"
	"time"

	"github.com/truong965/zalo-clone-sub001/internal/search"
)

// FindMatches evaluates the event against only the candidate connections
// returned by the keyword index, never a full scan of all subscriptions. The
// returned count is the number of matched subscriptions. LastMatchedAt is
// updated on each match.
//
// A panic while evaluating a single subscription is recovered, logged, and
// the subscription skipped: a missed real-time push must not crash the
// event-processing pipeline.
func (r *Registry) FindMatches(event *search.Event) ([]search.MatchedSubscription, int) {
	start := time.Now()
	text := event.SearchableText()
	candidates := r.index.candidates(text)
	if len(candidates) == 0 {
		return nil, 0
	}

	now := time.Now()
	var matched []search.MatchedSubscription
	for connectionID := range candidates {
		r.ownersMu.RLock()
		userID, ok := r.owners[connectionID]
		r.ownersMu.RUnlock()
		if !ok {
			// Index garbage: candidate with no live owner. Pruned on the
			// unsubscribe path; tolerate the race here.
			continue
		}
		b := r.bucket(userID)
		b.mu.Lock()
		cs, ok := b.users[userID][connectionID]
		if !ok {
			b.mu.Unlock()
			continue
		}
		for _, sub := range cs.subs {
			if r.safeMatch(sub, event, text) {
				sub.LastMatchedAt = now
				matched = append(matched, search.MatchedSubscription{
					ConnectionID: sub.ConnectionID,
					UserID:       sub.UserID,
					Keyword:      sub.NormalizedKeyword,
				})
			}
		}
		b.mu.Unlock()
	}
	if r.metrics != nil {
		r.metrics.MatchLatency.Observe(time.Since(start).Seconds())
		r.metrics.MatchesTotal.Add(float64(len(matched)))
	}
	return matched, len(matched)
}

func (r *Registry) safeMatch(sub *search.Subscription, event *search.Event, text string) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("match predicate panicked, subscription skipped",
				"connection_id", sub.ConnectionID,
				"keyword", sub.NormalizedKeyword,
				"event_id", event.EventID,
				"panic", rec,
			)
			ok = false
		}
	}()
	return matches(sub, event, text)
}

// matches is the match predicate, evaluated in order with short-circuiting:
//
//  1. the item is not soft-deleted;
//  2. the item's conversation is in the subscription's allowed set (hard
//     access-control gate, checked before anything about the text);
//  3. a conversation-scoped subscription only sees its own conversation;
//  4. declared filters (message kind, sender, date range) hold;
//  5. the normalized keyword is a substring of the event's searchable text
//     (content, conversation name, or any attachment name; any one field
//     is sufficient).
func matches(sub *search.Subscription, event *search.Event, text string) bool {
	if event.Deleted {
		return false
	}
	if !sub.Allows(event.ConversationID) {
		return false
	}
	if sub.ConversationID != "" && sub.ConversationID != event.ConversationID {
		return false
	}
	if f := sub.Filters; f != nil {
		if f.MessageKind != "" && f.MessageKind != event.MessageKind {
			return false
		}
		if f.SenderID != "" && f.SenderID != event.SenderID {
			return false
		}
		if f.DateFrom != nil && event.OccurredAt.Before(*f.DateFrom) {
			return false
		}
		if f.DateTo != nil && event.OccurredAt.After(*f.DateTo) {
			return false
		}
	}
	return strings.Contains(text, sub.NormalizedKeyword)
}
