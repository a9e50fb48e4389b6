package ingest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/truong965/zalo-clone-sub001/internal/search"
	"github.com/truong965/zalo-clone-sub001/internal/search/cache"
	"github.com/truong965/zalo-clone-sub001/internal/search/dispatch"
	"github.com/truong965/zalo-clone-sub001/internal/search/notify"
	"github.com/truong965/zalo-clone-sub001/internal/search/registry"
	"github.com/truong965/zalo-clone-sub001/pkg/config"
)

type fakeFast struct {
	mu   sync.Mutex
	seen map[string]bool
	err  error
}

func (f *fakeFast) SetNX(_ context.Context, key string, _ interface{}, _ time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	if f.seen == nil {
		f.seen = make(map[string]bool)
	}
	if f.seen[key] {
		return false, nil
	}
	f.seen[key] = true
	return true, nil
}

type fakeDurable struct {
	mu   sync.Mutex
	seen map[string]bool
	err  error
}

func (f *fakeDurable) MarkProcessed(_ context.Context, kind, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	if f.seen == nil {
		f.seen = make(map[string]bool)
	}
	key := kind + ":" + id
	if f.seen[key] {
		return false, nil
	}
	f.seen[key] = true
	return true, nil
}

func TestGateShouldProcess(t *testing.T) {
	ctx := context.Background()

	t.Run("fast path deduplicates", func(t *testing.T) {
		g := NewGate(&fakeFast{}, &fakeDurable{}, time.Hour)
		if !g.ShouldProcess(ctx, "message.sent", "e1") {
			t.Fatal("first delivery should process")
		}
		if g.ShouldProcess(ctx, "message.sent", "e1") {
			t.Error("second delivery should be dropped")
		}
		if !g.ShouldProcess(ctx, "message.deleted", "e1") {
			t.Error("same id under a different kind is a different event")
		}
	})

	t.Run("fast failure falls back to durable", func(t *testing.T) {
		g := NewGate(&fakeFast{err: errors.New("redis down")}, &fakeDurable{}, time.Hour)
		if !g.ShouldProcess(ctx, "message.sent", "e1") {
			t.Fatal("first delivery should process via durable fallback")
		}
		if g.ShouldProcess(ctx, "message.sent", "e1") {
			t.Error("durable fallback should still deduplicate")
		}
	})

	t.Run("both stores down processes best-effort", func(t *testing.T) {
		g := NewGate(&fakeFast{err: errors.New("redis down")}, &fakeDurable{err: errors.New("db down")}, time.Hour)
		if !g.ShouldProcess(ctx, "message.sent", "e1") {
			t.Error("with no working store, duplicates are tolerated, never dropped")
		}
		if !g.ShouldProcess(ctx, "message.sent", "e1") {
			t.Error("with no working store, duplicates are tolerated, never dropped")
		}
	})

	t.Run("nil stores process everything", func(t *testing.T) {
		g := NewGate(nil, nil, 0)
		if !g.ShouldProcess(ctx, "message.sent", "e1") {
			t.Error("gate without stores should process")
		}
	})

	t.Run("empty id always processes", func(t *testing.T) {
		g := NewGate(&fakeFast{}, nil, time.Hour)
		if !g.ShouldProcess(ctx, "message.sent", "") || !g.ShouldProcess(ctx, "message.sent", "") {
			t.Error("events without an id bypass deduplication")
		}
	})
}

// chanNotifier collects deliveries for assertion without sleeping.
type chanNotifier struct {
	matches chan notify.NewMatch
	removed chan string // connection ids receiving resultRemoved
}

func newChanNotifier() *chanNotifier {
	return &chanNotifier{
		matches: make(chan notify.NewMatch, 16),
		removed: make(chan string, 16),
	}
}

func (n *chanNotifier) NewMatch(_ context.Context, _ string, payload notify.NewMatch) {
	n.matches <- payload
}

func (n *chanNotifier) ResultRemoved(_ context.Context, connectionID string, _ notify.ResultRemoved) {
	n.removed <- connectionID
}

func (n *chanNotifier) SubscriptionExpired(context.Context, string, notify.SubscriptionExpired) {}

type fakeScopes struct {
	mu    sync.Mutex
	calls []string
	reg   *registry.Registry
}

func (s *fakeScopes) UpdateScope(_ context.Context, userID, conversationID string, action search.ScopeAction) error {
	s.mu.Lock()
	s.calls = append(s.calls, userID+"/"+conversationID+"/"+string(action))
	s.mu.Unlock()
	if s.reg != nil {
		s.reg.UpdateScope(userID, conversationID, action)
	}
	return nil
}

type fakeDeadLetter struct {
	mu     sync.Mutex
	values [][]byte
}

func (d *fakeDeadLetter) PublishRaw(_ context.Context, _ []byte, value []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.values = append(d.values, value)
	return nil
}

func (d *fakeDeadLetter) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.values)
}

type testPipeline struct {
	pipeline   *Pipeline
	registry   *registry.Registry
	notifier   *chanNotifier
	scopes     *fakeScopes
	deadLetter *fakeDeadLetter
}

// flushRecorder is a cache store that records invalidation patterns.
type flushRecorder struct {
	mu       sync.Mutex
	patterns []string
}

func (s *flushRecorder) Get(context.Context, string) (string, error) { return "", redis.Nil }

func (s *flushRecorder) Set(context.Context, string, interface{}, time.Duration) error { return nil }

func (s *flushRecorder) FlushByPattern(_ context.Context, pattern string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patterns = append(s.patterns, pattern)
	return 0, nil
}

func (s *flushRecorder) flushed(prefix string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.patterns {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}

func newTestPipeline(t *testing.T) *testPipeline {
	t.Helper()
	return newTestPipelineWithStore(t, nil)
}

func newTestPipelineWithStore(t *testing.T, store cache.Store) *testPipeline {
	t.Helper()
	reg := registry.New(config.RegistryConfig{
		MaxPerUser:     100,
		MaxPerInstance: 1000,
		IdleTimeout:    time.Hour,
		UserBuckets:    4,
		MinKeywordLen:  3,
		MaxKeywordLen:  256,
	}, nil, nil)
	t.Cleanup(reg.Close)

	notifier := newChanNotifier()
	dispatcher := dispatch.New(notifier, 10*time.Millisecond, nil)
	t.Cleanup(dispatcher.Close)

	scopes := &fakeScopes{reg: reg}
	dl := &fakeDeadLetter{}
	gate := NewGate(&fakeFast{}, nil, time.Hour)
	resultCache := cache.New(store, config.CacheConfig{})

	return &testPipeline{
		pipeline:   New(gate, resultCache, reg, dispatcher, scopes, notifier, dl, nil),
		registry:   reg,
		notifier:   notifier,
		scopes:     scopes,
		deadLetter: dl,
	}
}

func (tp *testPipeline) subscribe(t *testing.T, userID, connID, keyword string, allowed ...string) {
	t.Helper()
	set := make(map[string]struct{}, len(allowed))
	for _, c := range allowed {
		set[c] = struct{}{}
	}
	err := tp.registry.Subscribe(&search.Subscription{
		ConnectionID:           connID,
		UserID:                 userID,
		Keyword:                keyword,
		NormalizedKeyword:      search.Normalize(keyword),
		Kind:                   search.KindGlobal,
		AllowedConversationIDs: set,
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
}

func waitMatch(t *testing.T, n *chanNotifier) notify.NewMatch {
	t.Helper()
	select {
	case m := <-n.matches:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("no newMatch delivered before timeout")
		return notify.NewMatch{}
	}
}

func assertNoMatch(t *testing.T, n *chanNotifier, within time.Duration) {
	t.Helper()
	select {
	case m := <-n.matches:
		t.Fatalf("unexpected newMatch for keyword %q event %q", m.Keyword, m.Event.EventID)
	case <-time.After(within):
	}
}

func messageEvent(eventID, convID, content string) *DomainEvent {
	return &DomainEvent{Event: search.Event{
		Kind:           KindMessageSent,
		EventID:        eventID,
		ConversationID: convID,
		ItemID:         "item-" + eventID,
		SenderID:       "sender-1",
		Content:        content,
		OccurredAt:     time.Now(),
	}}
}

func TestProcessMatchesAndNotifies(t *testing.T) {
	tp := newTestPipeline(t)
	ctx := context.Background()
	tp.subscribe(t, "u1", "conn-1", "invoice", "c1", "c2")

	// A matching message inside the allowed scope produces exactly one push.
	tp.pipeline.Process(ctx, messageEvent("e1", "c1", "Hóa đơn, invoice attached"), nil)
	got := waitMatch(t, tp.notifier)
	if got.Keyword != "invoice" || got.Event.EventID != "e1" {
		t.Errorf("delivered (%q, %q), want (invoice, e1)", got.Keyword, got.Event.EventID)
	}
	assertNoMatch(t, tp.notifier, 50*time.Millisecond)

	// The same content in a conversation outside the allowed set is invisible.
	tp.pipeline.Process(ctx, messageEvent("e2", "c3", "another invoice here"), nil)
	assertNoMatch(t, tp.notifier, 50*time.Millisecond)

	// After the member leaves c1, events there stop reaching the subscriber.
	tp.pipeline.Process(ctx, &DomainEvent{
		Event:  search.Event{Kind: KindMemberLeft, EventID: "e3", ConversationID: "c1"},
		UserID: "u1",
	}, nil)
	tp.pipeline.Process(ctx, messageEvent("e4", "c1", "late invoice"), nil)
	assertNoMatch(t, tp.notifier, 50*time.Millisecond)

	// c2 remains in scope.
	tp.pipeline.Process(ctx, messageEvent("e5", "c2", "invoice again"), nil)
	if got := waitMatch(t, tp.notifier); got.Event.EventID != "e5" {
		t.Errorf("delivered event %q, want e5", got.Event.EventID)
	}
}

func TestProcessDropsDuplicates(t *testing.T) {
	tp := newTestPipeline(t)
	ctx := context.Background()
	tp.subscribe(t, "u1", "conn-1", "invoice", "c1")

	tp.pipeline.Process(ctx, messageEvent("e1", "c1", "invoice"), nil)
	waitMatch(t, tp.notifier)

	// Redelivery of the same event id must not produce a second push.
	tp.pipeline.Process(ctx, messageEvent("e1", "c1", "invoice"), nil)
	assertNoMatch(t, tp.notifier, 50*time.Millisecond)
}

func TestProcessUnknownKindSkipped(t *testing.T) {
	tp := newTestPipeline(t)
	tp.pipeline.Process(context.Background(), &DomainEvent{
		Event: search.Event{Kind: "unknown.kind", EventID: "e1"},
	}, nil)
	// Nothing to assert beyond not panicking and not notifying.
	assertNoMatch(t, tp.notifier, 30*time.Millisecond)
}

func TestMembershipEventsUpdateScopes(t *testing.T) {
	tp := newTestPipeline(t)
	ctx := context.Background()

	tp.pipeline.Process(ctx, &DomainEvent{
		Event:  search.Event{Kind: KindMemberAdded, EventID: "e1", ConversationID: "c9"},
		UserID: "u1",
	}, nil)

	tp.scopes.mu.Lock()
	defer tp.scopes.mu.Unlock()
	if len(tp.scopes.calls) != 1 || tp.scopes.calls[0] != "u1/c9/add" {
		t.Errorf("scope calls = %v, want [u1/c9/add]", tp.scopes.calls)
	}
}

func TestPrivacyUpdateRestrictsScopes(t *testing.T) {
	tp := newTestPipeline(t)
	ctx := context.Background()
	tp.subscribe(t, "u1", "conn-1", "invoice", "c1", "c2")

	tp.pipeline.Process(ctx, &DomainEvent{
		Event:  search.Event{Kind: KindPrivacyUpdated, EventID: "e1", ConversationID: "c1"},
		UserID: "u1",
	}, nil)

	tp.scopes.mu.Lock()
	calls := append([]string(nil), tp.scopes.calls...)
	tp.scopes.mu.Unlock()
	if len(calls) != 1 || calls[0] != "u1/c1/remove" {
		t.Fatalf("scope calls = %v, want [u1/c1/remove]", calls)
	}

	// The restricted conversation stops reaching the subscriber; the rest of
	// the scope is untouched.
	tp.pipeline.Process(ctx, messageEvent("e2", "c1", "invoice after privacy change"), nil)
	assertNoMatch(t, tp.notifier, 50*time.Millisecond)
	tp.pipeline.Process(ctx, messageEvent("e3", "c2", "invoice still visible"), nil)
	if got := waitMatch(t, tp.notifier); got.Event.EventID != "e3" {
		t.Errorf("delivered event %q, want e3", got.Event.EventID)
	}

	// A privacy event without a conversation only invalidates cached pages.
	tp.pipeline.Process(ctx, &DomainEvent{
		Event:  search.Event{Kind: KindPrivacyUpdated, EventID: "e4"},
		UserID: "u1",
	}, nil)
	tp.scopes.mu.Lock()
	defer tp.scopes.mu.Unlock()
	if len(tp.scopes.calls) != 1 {
		t.Errorf("scope calls = %v, want no call for a conversation-less event", tp.scopes.calls)
	}
}

func TestMessageWithAttachmentInvalidatesMediaPages(t *testing.T) {
	ctx := context.Background()

	store := &flushRecorder{}
	tp := newTestPipelineWithStore(t, store)
	event := messageEvent("e1", "c1", "photos from the trip")
	event.AttachmentNames = []string{"beach.jpg"}
	tp.pipeline.Process(ctx, event, nil)
	if !store.flushed("search:media:") {
		t.Errorf("patterns = %v, want a media flush for a message carrying attachments", store.patterns)
	}
	if !store.flushed("search:conversation:c1") {
		t.Errorf("patterns = %v, want a conversation flush", store.patterns)
	}

	// A plain text message leaves media pages alone.
	plain := &flushRecorder{}
	tp2 := newTestPipelineWithStore(t, plain)
	tp2.pipeline.Process(ctx, messageEvent("e1", "c1", "no attachments here"), nil)
	if plain.flushed("search:media:") {
		t.Errorf("patterns = %v, media pages must survive a text-only message", plain.patterns)
	}
}

func TestItemDeletedNotifiesCoveringConnectionsOnly(t *testing.T) {
	tp := newTestPipeline(t)
	ctx := context.Background()
	tp.subscribe(t, "u1", "conn-1", "invoice", "c1")
	tp.subscribe(t, "u2", "conn-2", "invoice", "c2")

	tp.pipeline.Process(ctx, &DomainEvent{Event: search.Event{
		Kind:           KindMessageDeleted,
		EventID:        "e1",
		ConversationID: "c1",
		ItemID:         "m1",
		Deleted:        true,
	}}, nil)

	select {
	case connID := <-tp.notifier.removed:
		if connID != "conn-1" {
			t.Errorf("resultRemoved went to %q, want conn-1", connID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no resultRemoved delivered")
	}
	select {
	case connID := <-tp.notifier.removed:
		t.Errorf("unexpected resultRemoved for %q", connID)
	case <-time.After(50 * time.Millisecond):
	}
	// A deleted item never produces a newMatch.
	assertNoMatch(t, tp.notifier, 50*time.Millisecond)
}

func TestConversationRenameMatchesByName(t *testing.T) {
	tp := newTestPipeline(t)
	ctx := context.Background()
	tp.subscribe(t, "u1", "conn-1", "dự án", "c1")

	tp.pipeline.Process(ctx, &DomainEvent{Event: search.Event{
		Kind:             KindConversationUpdated,
		EventID:          "e1",
		ConversationID:   "c1",
		ConversationName: "Nhóm Dự Án 2025",
		OccurredAt:       time.Now(),
	}}, nil)

	got := waitMatch(t, tp.notifier)
	if got.Keyword != search.Normalize("dự án") {
		t.Errorf("keyword = %q, want %q", got.Keyword, search.Normalize("dự án"))
	}
}

func TestHandlerDeadLettersUndecodablePayload(t *testing.T) {
	tp := newTestPipeline(t)
	handler := tp.pipeline.Handler()

	if err := handler(context.Background(), []byte("k1"), []byte("{not json")); err != nil {
		t.Fatalf("handler must swallow decode failures, got %v", err)
	}
	if got := tp.deadLetter.count(); got != 1 {
		t.Errorf("dead-lettered %d messages, want 1", got)
	}
}

func TestHandlerProcessesDecodablePayload(t *testing.T) {
	tp := newTestPipeline(t)
	tp.subscribe(t, "u1", "conn-1", "invoice", "c1")
	handler := tp.pipeline.Handler()

	payload := []byte(`{"kind":"message.sent","event_id":"e1","conversation_id":"c1","item_id":"m1","content":"your invoice","occurred_at":"2025-06-01T00:00:00Z"}`)
	if err := handler(context.Background(), []byte("c1"), payload); err != nil {
		t.Fatalf("handler error = %v", err)
	}
	if got := waitMatch(t, tp.notifier); got.Event.EventID != "e1" {
		t.Errorf("delivered event %q, want e1", got.Event.EventID)
	}
	if got := tp.deadLetter.count(); got != 0 {
		t.Errorf("dead-lettered %d messages, want 0", got)
	}
}
