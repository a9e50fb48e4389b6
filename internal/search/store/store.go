// Package store implements the PostgreSQL-backed collaborators of the search
// engine: initial result pages (keyset-paginated), membership snapshots,
// durable idempotency records, and ranking signals. The full-text relevance
// itself comes from the database's text index; this package only fetches its
// rank output.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/truong965/zalo-clone-sub001/internal/search"
	"github.com/truong965/zalo-clone-sub001/internal/search/cursor"
	"github.com/truong965/zalo-clone-sub001/internal/search/rank"
	"github.com/truong965/zalo-clone-sub001/pkg/postgres"
)

type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

func New(client *postgres.Client) *Store {
	return &Store{
		db:     client.DB,
		logger: slog.Default().With("component", "search-store"),
	}
}

// GetActiveConversationIDs returns the set of conversations the user is an
// active member of. Used to seed a subscription's allowed set at subscribe
// time.
func (s *Store) GetActiveConversationIDs(ctx context.Context, userID string) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT conversation_id FROM conversation_members
		 WHERE user_id = $1 AND left_at IS NULL`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying memberships for user %s: %w", userID, err)
	}
	defer rows.Close()

	ids := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning membership row: %w", err)
		}
		ids[id] = struct{}{}
	}
	return ids, rows.Err()
}

// PageQuery describes one keyset-paginated page request.
type PageQuery struct {
	UserID         string
	Keyword        string // normalized
	ConversationID string
	Kind           search.SearchKind
	Filters        *search.Filters
	After          *cursor.Cursor
	Limit          int
}

// SearchMessages fetches limit+1 rows ordered by (sort timestamp DESC,
// id DESC). The extra row lets the caller decide whether a next cursor is
// needed; see cursor.SlicePage.
func (s *Store) SearchMessages(ctx context.Context, q PageQuery) ([]search.Result, error) {
	var (
		conds []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conds = append(conds, "m.deleted_at IS NULL")
	conds = append(conds, fmt.Sprintf(
		`m.conversation_id IN (
			SELECT conversation_id FROM conversation_members
			WHERE user_id = %s AND left_at IS NULL)`, arg(q.UserID)))

	if q.ConversationID != "" {
		conds = append(conds, "m.conversation_id = "+arg(q.ConversationID))
	}
	rankExpr := "0"
	if q.Keyword != "" {
		kw := arg(q.Keyword)
		pattern := arg("%" + q.Keyword + "%")
		rankExpr = fmt.Sprintf("ts_rank(m.search_vector, plainto_tsquery('simple', %s))", kw)
		conds = append(conds, fmt.Sprintf(
			`(m.search_vector @@ plainto_tsquery('simple', %s)
			  OR m.content ILIKE %s
			  OR c.name ILIKE %s
			  OR EXISTS (
				SELECT 1 FROM attachments af
				WHERE af.message_id = m.id AND af.display_name ILIKE %s))`,
			kw, pattern, pattern, pattern))
	}
	if q.Kind == search.KindMedia {
		conds = append(conds, "EXISTS (SELECT 1 FROM attachments am WHERE am.message_id = m.id)")
	}
	if f := q.Filters; f != nil {
		if f.MessageKind != "" {
			conds = append(conds, "m.kind = "+arg(f.MessageKind))
		}
		if f.SenderID != "" {
			conds = append(conds, "m.sender_id = "+arg(f.SenderID))
		}
		if f.DateFrom != nil {
			conds = append(conds, "m.created_at >= "+arg(*f.DateFrom))
		}
		if f.DateTo != nil {
			conds = append(conds, "m.created_at <= "+arg(*f.DateTo))
		}
	}
	if q.After != nil {
		ts := arg(q.After.LastTimestamp)
		id := arg(q.After.LastID)
		conds = append(conds, fmt.Sprintf(
			"(m.created_at < %s OR (m.created_at = %s AND m.id < %s))", ts, ts, id))
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}

	query := fmt.Sprintf(`
		SELECT m.id, m.conversation_id, c.name, m.sender_id, m.content,
		       COALESCE(
		           (SELECT array_agg(af.display_name) FROM attachments af WHERE af.message_id = m.id),
		           '{}'),
		       m.kind, m.created_at, %s AS text_rank
		FROM messages m
		JOIN conversations c ON c.id = m.conversation_id
		WHERE %s
		ORDER BY m.created_at DESC, m.id DESC
		LIMIT %d`,
		rankExpr, strings.Join(conds, "\n\t\t  AND "), limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("searching messages: %w", err)
	}
	defer rows.Close()

	var results []search.Result
	for rows.Next() {
		var r search.Result
		var attachments pq.StringArray
		if err := rows.Scan(
			&r.ID, &r.ConversationID, &r.ConversationName, &r.SenderID, &r.Content,
			&attachments, &r.MessageKind, &r.SortTimestamp, &r.TextRank,
		); err != nil {
			return nil, fmt.Errorf("scanning result row: %w", err)
		}
		r.AttachmentNames = attachments
		results = append(results, r)
	}
	return results, rows.Err()
}

// LoadRankSignals fetches the relevance inputs (relationship, interaction,
// keyword frequency) for a page of results in one round trip.
func (s *Store) LoadRankSignals(ctx context.Context, viewerID string, results []search.Result, keyword string) (map[string]rank.Signals, error) {
	if len(results) == 0 {
		return map[string]rank.Signals{}, nil
	}
	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.ID
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id,
		       COALESCE(ct.status, 'none'),
		       EXISTS (SELECT 1 FROM messages r WHERE r.reply_to_id = m.id AND r.deleted_at IS NULL),
		       EXISTS (SELECT 1 FROM message_reactions mr WHERE mr.message_id = m.id)
		FROM messages m
		LEFT JOIN contacts ct ON ct.user_id = $1 AND ct.contact_id = m.sender_id
		WHERE m.id = ANY($2)`,
		viewerID, pq.Array(ids),
	)
	if err != nil {
		return nil, fmt.Errorf("loading rank signals: %w", err)
	}
	defer rows.Close()

	signals := make(map[string]rank.Signals, len(results))
	byID := make(map[string]search.Result, len(results))
	for _, r := range results {
		byID[r.ID] = r
	}
	for rows.Next() {
		var (
			id           string
			status       string
			hasReplies   bool
			hasReactions bool
		)
		if err := rows.Scan(&id, &status, &hasReplies, &hasReactions); err != nil {
			return nil, fmt.Errorf("scanning signal row: %w", err)
		}
		r := byID[id]
		occurrences := 0
		if keyword != "" {
			occurrences = strings.Count(search.Normalize(r.Content), keyword)
		}
		signals[id] = rank.Signals{
			TextRank:           r.TextRank,
			Timestamp:          r.SortTimestamp,
			Relationship:       relationshipFromStatus(status),
			KeywordOccurrences: occurrences,
			HasReplies:         hasReplies,
			HasReactions:       hasReactions,
		}
	}
	return signals, rows.Err()
}

// MarkProcessed records a processed event id and reports whether it was newly
// recorded. Durable fallback for the idempotency gate when the shared cache
// is unreachable.
func (s *Store) MarkProcessed(ctx context.Context, kind, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO processed_events (event_kind, event_id, processed_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (event_kind, event_id) DO NOTHING`,
		kind, id, time.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("recording processed event %s:%s: %w", kind, id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reading rows affected: %w", err)
	}
	return affected > 0, nil
}

func relationshipFromStatus(status string) rank.Relationship {
	switch status {
	case "friend", "accepted":
		return rank.RelationFriend
	case "pending":
		return rank.RelationPending
	case "blocked":
		return rank.RelationBlocked
	default:
		return rank.RelationNone
	}
}
