package registry

import (
	"strings"
	"sync"
)

// keywordIndex maps a normalized keyword to the set of connection ids
// currently subscribing to it. It is derived data, rebuilt incrementally on
// every subscribe/unsubscribe; the Subscription remains the source of truth.
//
// Candidate filtering walks every distinct keyword once with a substring test
// against the event's searchable text, then unions the connection sets of the
// keywords that hit. That is O(distinctKeywords × textLen) + O(candidates)
// instead of a full scan over all live subscriptions per event.
type keywordIndex struct {
	mu      sync.RWMutex
	entries map[string]map[string]struct{}
}

func newKeywordIndex() *keywordIndex {
	return &keywordIndex{entries: make(map[string]map[string]struct{})}
}

func (ix *keywordIndex) add(keyword, connectionID string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	set, ok := ix.entries[keyword]
	if !ok {
		set = make(map[string]struct{})
		ix.entries[keyword] = set
	}
	set[connectionID] = struct{}{}
}

func (ix *keywordIndex) remove(keyword, connectionID string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	set, ok := ix.entries[keyword]
	if !ok {
		return
	}
	delete(set, connectionID)
	if len(set) == 0 {
		delete(ix.entries, keyword)
	}
}

// candidates returns the union of connection sets for every indexed keyword
// contained in text. Text must already be normalized. The empty keyword
// (filter-only browse) is contained in every text, so those connections are
// always candidates and are narrowed by the full predicate.
func (ix *keywordIndex) candidates(text string) map[string]struct{} {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make(map[string]struct{})
	for keyword, conns := range ix.entries {
		if !strings.Contains(text, keyword) {
			continue
		}
		for connID := range conns {
			out[connID] = struct{}{}
		}
	}
	return out
}

func (ix *keywordIndex) size() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.entries)
}
