package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/truong965/zalo-clone-sub001/internal/search"
	"github.com/truong965/zalo-clone-sub001/internal/search/cache"
	"github.com/truong965/zalo-clone-sub001/internal/search/cursor"
	"github.com/truong965/zalo-clone-sub001/internal/search/rank"
	"github.com/truong965/zalo-clone-sub001/internal/search/registry"
	"github.com/truong965/zalo-clone-sub001/internal/search/store"
	"github.com/truong965/zalo-clone-sub001/pkg/config"
	apperrors "github.com/truong965/zalo-clone-sub001/pkg/errors"
)

// fakeStore serves pages from an in-memory row set using the same keyset
// semantics as the SQL query: filter, sort by (ts DESC, id DESC), apply the
// cursor predicate, return limit+1 rows.
type fakeStore struct {
	memberships map[string]map[string]struct{}
	rows        []search.Result
	signals     map[string]rank.Signals

	membershipErr error
	searchErr     error
	signalsErr    error
	searchCalls   int
}

func (f *fakeStore) GetActiveConversationIDs(_ context.Context, userID string) (map[string]struct{}, error) {
	if f.membershipErr != nil {
		return nil, f.membershipErr
	}
	return f.memberships[userID], nil
}

func (f *fakeStore) SearchMessages(_ context.Context, q store.PageQuery) ([]search.Result, error) {
	f.searchCalls++
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	allowed := f.memberships[q.UserID]

	var eligible []search.Result
	for _, r := range f.rows {
		if _, ok := allowed[r.ConversationID]; !ok {
			continue
		}
		if q.ConversationID != "" && r.ConversationID != q.ConversationID {
			continue
		}
		eligible = append(eligible, r)
	}
	for i := 0; i < len(eligible); i++ {
		for j := i + 1; j < len(eligible); j++ {
			a, b := eligible[i], eligible[j]
			after := b.SortTimestamp.After(a.SortTimestamp) ||
				(b.SortTimestamp.Equal(a.SortTimestamp) && b.ID > a.ID)
			if after {
				eligible[i], eligible[j] = b, a
			}
		}
	}

	var out []search.Result
	for _, r := range eligible {
		if q.After != nil {
			before := r.SortTimestamp.Before(q.After.LastTimestamp) ||
				(r.SortTimestamp.Equal(q.After.LastTimestamp) && r.ID < q.After.LastID)
			if !before {
				continue
			}
		}
		out = append(out, r)
		if len(out) == q.Limit+1 {
			break
		}
	}
	return out, nil
}

func (f *fakeStore) LoadRankSignals(_ context.Context, _ string, _ []search.Result, _ string) (map[string]rank.Signals, error) {
	if f.signalsErr != nil {
		return nil, f.signalsErr
	}
	if f.signals == nil {
		return map[string]rank.Signals{}, nil
	}
	return f.signals, nil
}

func rankingConfig() config.RankingConfig {
	return config.RankingConfig{
		TextWeight:         0.4,
		RecencyWeight:      0.2,
		RelationshipWeight: 0.2,
		FrequencyWeight:    0.1,
		InteractionWeight:  0.1,
		RecencyHorizonDays: 30,
		DefaultLimit:       20,
		MaxLimit:           100,
	}
}

func newTestService(t *testing.T, st *fakeStore) *Service {
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

	cfg := rankingConfig()
	return New(cfg, reg, cache.New(nil, config.CacheConfig{}), st, rank.New(cfg), nil, nil)
}

func seedRows(n int, convID string) []search.Result {
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	rows := make([]search.Result, n)
	for i := range rows {
		rows[i] = search.Result{
			ID:             fmt.Sprintf("m%02d", i+1),
			ConversationID: convID,
			Content:        "invoice " + fmt.Sprint(i+1),
			SortTimestamp:  base.Add(time.Duration(i) * time.Minute),
			TextRank:       0.5,
		}
	}
	return rows
}

func TestSubscribeReturnsFirstPage(t *testing.T) {
	st := &fakeStore{
		memberships: map[string]map[string]struct{}{
			"u1": {"c1": {}, "c2": {}},
		},
		rows: seedRows(3, "c1"),
	}
	svc := newTestService(t, st)

	page, err := svc.Subscribe(context.Background(), "u1", "conn-1", search.Query{
		Keyword: "invoice",
		Kind:    search.KindGlobal,
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if len(page.Results) != 3 || page.HasMore {
		t.Errorf("page = %d results, hasMore=%v; want 3, false", len(page.Results), page.HasMore)
	}
}

func TestSubscribeValidationError(t *testing.T) {
	st := &fakeStore{memberships: map[string]map[string]struct{}{"u1": {"c1": {}}}}
	svc := newTestService(t, st)

	_, err := svc.Subscribe(context.Background(), "u1", "conn-1", search.Query{Keyword: "ab"})
	if !errors.Is(err, apperrors.ErrInvalidQuery) {
		t.Errorf("error = %v, want ErrInvalidQuery", err)
	}
	if st.searchCalls != 0 {
		t.Error("validation failure must not reach the store")
	}
}

func TestSubscribeDeniesNonMemberConversation(t *testing.T) {
	st := &fakeStore{memberships: map[string]map[string]struct{}{"u1": {"c1": {}}}}
	svc := newTestService(t, st)

	_, err := svc.Subscribe(context.Background(), "u1", "conn-1", search.Query{
		Keyword:        "invoice",
		ConversationID: "c9",
		Kind:           search.KindConversation,
	})
	if !errors.Is(err, apperrors.ErrAccessDenied) {
		t.Fatalf("error = %v, want ErrAccessDenied", err)
	}
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) || appErr.StatusCode != 403 {
		t.Errorf("status = %v, want 403", err)
	}
}

func TestSubscribeMembershipLoadFailure(t *testing.T) {
	st := &fakeStore{membershipErr: errors.New("db down")}
	svc := newTestService(t, st)

	_, err := svc.Subscribe(context.Background(), "u1", "conn-1", search.Query{Keyword: "invoice"})
	if !errors.Is(err, apperrors.ErrInfraUnavailable) {
		t.Errorf("error = %v, want ErrInfraUnavailable", err)
	}
}

func TestLoadMoreWalksAllPages(t *testing.T) {
	st := &fakeStore{
		memberships: map[string]map[string]struct{}{"u1": {"c1": {}}},
		rows:        seedRows(7, "c1"),
	}
	svc := newTestService(t, st)
	ctx := context.Background()

	q := search.Query{Keyword: "invoice", Kind: search.KindGlobal, Limit: 3}
	page, err := svc.Subscribe(ctx, "u1", "conn-1", q)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	seen := map[string]bool{}
	record := func(p *search.ResultPage) {
		for _, r := range p.Results {
			if seen[r.ID] {
				t.Fatalf("duplicate result %q across pages", r.ID)
			}
			seen[r.ID] = true
		}
	}
	record(page)

	for pages := 0; page.HasMore; pages++ {
		if pages > 10 {
			t.Fatal("pagination did not terminate")
		}
		q.Cursor = page.NextCursor
		page, err = svc.LoadMore(ctx, "u1", "conn-1", q)
		if err != nil {
			t.Fatalf("LoadMore() error = %v", err)
		}
		record(page)
	}
	if len(seen) != 7 {
		t.Errorf("collected %d distinct results, want 7", len(seen))
	}
}

func TestLoadMoreRequiresCursor(t *testing.T) {
	svc := newTestService(t, &fakeStore{})

	_, err := svc.LoadMore(context.Background(), "u1", "conn-1", search.Query{Keyword: "invoice"})
	if !errors.Is(err, apperrors.ErrInvalidCursor) {
		t.Errorf("error = %v, want ErrInvalidCursor", err)
	}

	_, err = svc.LoadMore(context.Background(), "u1", "conn-1", search.Query{
		Keyword: "invoice",
		Cursor:  "!!!garbage!!!",
	})
	if !errors.Is(err, apperrors.ErrInvalidCursor) {
		t.Errorf("error = %v, want ErrInvalidCursor", err)
	}
}

func TestPageOrdersByScoreWithinFetchOrderCursor(t *testing.T) {
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	st := &fakeStore{
		memberships: map[string]map[string]struct{}{"u1": {"c1": {}}},
		rows: []search.Result{
			{ID: "m1", ConversationID: "c1", SortTimestamp: base.Add(2 * time.Hour), TextRank: 0.1},
			{ID: "m2", ConversationID: "c1", SortTimestamp: base.Add(time.Hour), TextRank: 0.9},
			{ID: "m3", ConversationID: "c1", SortTimestamp: base, TextRank: 0.5},
		},
		signals: map[string]rank.Signals{
			"m1": {TextRank: 0.1, Timestamp: base.Add(2 * time.Hour), Relationship: rank.RelationFriend},
			"m2": {TextRank: 0.9, Timestamp: base.Add(time.Hour), Relationship: rank.RelationFriend},
			"m3": {TextRank: 0.5, Timestamp: base, Relationship: rank.RelationFriend},
		},
	}
	svc := newTestService(t, st)

	page, err := svc.Subscribe(context.Background(), "u1", "conn-1", search.Query{
		Keyword: "invoice",
		Kind:    search.KindGlobal,
		Limit:   2,
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	// The page holds the 2 newest rows (m1, m2) but displays m2 first: higher
	// text rank outweighs the small recency gap.
	if len(page.Results) != 2 || !page.HasMore {
		t.Fatalf("page = %d results, hasMore=%v; want 2, true", len(page.Results), page.HasMore)
	}
	if page.Results[0].ID != "m2" || page.Results[1].ID != "m1" {
		t.Errorf("display order = [%s %s], want [m2 m1]", page.Results[0].ID, page.Results[1].ID)
	}
	// The cursor still follows fetch order: it points at m2, the oldest
	// fetched row, so the next page starts at m3.
	cur, err := cursor.Decode(page.NextCursor)
	if err != nil {
		t.Fatalf("Decode(next) error = %v", err)
	}
	if cur.LastID != "m2" {
		t.Errorf("cursor LastID = %q, want m2", cur.LastID)
	}
}

func TestPageDegradesWhenSignalsFail(t *testing.T) {
	st := &fakeStore{
		memberships: map[string]map[string]struct{}{"u1": {"c1": {}}},
		rows:        seedRows(2, "c1"),
		signalsErr:  errors.New("contacts table locked"),
	}
	svc := newTestService(t, st)

	page, err := svc.Subscribe(context.Background(), "u1", "conn-1", search.Query{
		Keyword: "invoice",
		Kind:    search.KindGlobal,
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v (signal failure must not fail the page)", err)
	}
	if len(page.Results) != 2 {
		t.Errorf("got %d results, want 2", len(page.Results))
	}
}

func TestPageSearchFailurePropagates(t *testing.T) {
	st := &fakeStore{
		memberships: map[string]map[string]struct{}{"u1": {"c1": {}}},
		searchErr:   errors.New("query timeout"),
	}
	svc := newTestService(t, st)

	_, err := svc.Subscribe(context.Background(), "u1", "conn-1", search.Query{
		Keyword: "invoice",
		Kind:    search.KindGlobal,
	})
	if err == nil {
		t.Fatal("Subscribe() should surface the store failure")
	}
}

func TestPageClampsLimit(t *testing.T) {
	st := &fakeStore{
		memberships: map[string]map[string]struct{}{"u1": {"c1": {}}},
		rows:        seedRows(150, "c1"),
	}
	svc := newTestService(t, st)

	page, err := svc.Subscribe(context.Background(), "u1", "conn-1", search.Query{
		Keyword: "invoice",
		Kind:    search.KindGlobal,
		Limit:   500,
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if len(page.Results) != 100 || !page.HasMore {
		t.Errorf("page = %d results, hasMore=%v; want 100 (max limit), true", len(page.Results), page.HasMore)
	}

	// Zero limit falls back to the default.
	svc.Unsubscribe("u1", "conn-1")
	page, err = svc.Subscribe(context.Background(), "u1", "conn-1", search.Query{
		Keyword: "invoice",
		Kind:    search.KindGlobal,
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if len(page.Results) != 20 {
		t.Errorf("default page = %d results, want 20", len(page.Results))
	}
}

func TestUpdateQueryReplacesSubscription(t *testing.T) {
	st := &fakeStore{
		memberships: map[string]map[string]struct{}{"u1": {"c1": {}}},
		rows:        seedRows(1, "c1"),
	}
	svc := newTestService(t, st)
	ctx := context.Background()

	if _, err := svc.Subscribe(ctx, "u1", "conn-1", search.Query{Keyword: "invoice"}); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if _, err := svc.UpdateQuery(ctx, "u1", "conn-1", search.Query{Keyword: "receipt"}); err != nil {
		t.Fatalf("UpdateQuery() error = %v", err)
	}
}

func TestUpdateScopeAppliesLocally(t *testing.T) {
	st := &fakeStore{
		memberships: map[string]map[string]struct{}{"u1": {"c1": {}}},
		rows:        seedRows(1, "c1"),
	}
	svc := newTestService(t, st)
	ctx := context.Background()

	if _, err := svc.Subscribe(ctx, "u1", "conn-1", search.Query{Keyword: "invoice"}); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if err := svc.UpdateScope(ctx, "u1", "c2", search.ScopeAdd); err != nil {
		t.Fatalf("UpdateScope() error = %v", err)
	}
}
