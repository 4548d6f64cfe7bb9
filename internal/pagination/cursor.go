// Package pagination implements opaque keyset cursors for transaction
// listings. A cursor encodes the (created_at, id) sort key of the last
// row served, so pages stay stable while new ledger entries arrive.
package pagination

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidCursor is returned for cursors that fail to decode.
var ErrInvalidCursor = errors.New("pagination: invalid cursor")

// Cursor is the decoded position in a result set ordered by
// (created_at, id) descending.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// Encode packs a sort key into an opaque cursor string.
func Encode(createdAt time.Time, id string) string {
	raw := strconv.FormatInt(createdAt.UnixNano(), 10) + "|" + id
	return base64.URLEncoding.EncodeToString([]byte(raw))
}

// Decode unpacks a cursor produced by Encode. Empty input decodes to a
// nil cursor, meaning "first page".
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	nanosStr, id, ok := strings.Cut(string(raw), "|")
	if !ok {
		return nil, ErrInvalidCursor
	}
	nanos, err := strconv.ParseInt(nanosStr, 10, 64)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	return &Cursor{CreatedAt: time.Unix(0, nanos).UTC(), ID: id}, nil
}

// ComputePage trims a limit+1 fetch down to one page. When the extra row
// is present it returns the cursor for the next page, derived from the
// last row kept via key.
func ComputePage[T any](items []T, limit int, key func(T) (time.Time, string)) ([]T, string, bool) {
	if len(items) <= limit {
		return items, "", false
	}
	items = items[:limit]
	createdAt, id := key(items[len(items)-1])
	return items, Encode(createdAt, id), true
}
