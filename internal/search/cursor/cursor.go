// Package cursor implements opaque keyset pagination tokens. A cursor encodes
// the (sort timestamp, id) of the last retained row of a page; the next page
// resumes strictly after that tuple, which guarantees no duplicate or missing
// rows even when rows share a timestamp, and avoids OFFSET cost on large
// tables.
package cursor

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	apperrors "github.com/truong965/zalo-clone-sub001/pkg/errors"
)

// Cursor is the decoded resume point of a keyset-paginated query.
// The matching SQL predicate is:
//
//	(sort_ts < $ts) OR (sort_ts = $ts AND id < $id)
//
// with rows ordered by (sort_ts DESC, id DESC).
type Cursor struct {
	LastTimestamp time.Time `json:"last_timestamp"`
	LastID        string    `json:"last_id"`
}

// Encode serialises a cursor to an opaque URL-safe token.
func Encode(ts time.Time, id string) string {
	data, _ := json.Marshal(Cursor{LastTimestamp: ts, LastID: id})
	return base64.URLEncoding.EncodeToString(data)
}

// Decode parses a token produced by Encode.
func Decode(token string) (Cursor, error) {
	var c Cursor
	data, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return c, fmt.Errorf("%w: %v", apperrors.ErrInvalidCursor, err)
	}
	if err := json.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("%w: %v", apperrors.ErrInvalidCursor, err)
	}
	if c.LastID == "" || c.LastTimestamp.IsZero() {
		return c, fmt.Errorf("%w: missing resume point", apperrors.ErrInvalidCursor)
	}
	return c, nil
}

// SlicePage applies the fetch-limit-plus-one convention: rows must have been
// fetched with limit+1; if more than limit rows came back, the extra row is
// dropped and a cursor is emitted from the last retained row.
func SlicePage[T any](rows []T, limit int, key func(T) (time.Time, string)) (retained []T, nextCursor string, hasMore bool) {
	if limit > 0 && len(rows) > limit {
		retained = rows[:limit]
		hasMore = true
	} else {
		retained = rows
	}
	if hasMore && len(retained) > 0 {
		ts, id := key(retained[len(retained)-1])
		nextCursor = Encode(ts, id)
	}
	return retained, nextCursor, hasMore
}
