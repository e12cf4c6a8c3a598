package pagination

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"time"
)

const (
	DefaultLimit = 50
	MaxLimit     = 250
)

var ErrInvalidCursor = errors.New("pagination: invalid cursor")

// Cursor is the keyset position of the last row of a page.
type Cursor struct {
	CreatedAt string `json:"created_at,omitempty"`
	ID        string `json:"id,omitempty"`
}

type PageInfo struct {
	NextCursor     string `json:"next_cursor"`
	PreviousCursor string `json:"previous_cursor"`
	HasMore        bool   `json:"has_more"`
}

// Limit clamps a requested page size to (0, MaxLimit], DefaultLimit otherwise.
func Limit(requested int) int {
	if requested <= 0 || requested > MaxLimit {
		return DefaultLimit
	}
	return requested
}

func EncodeCursor(data Cursor) (string, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return "", err
	}

	return base64.RawURLEncoding.EncodeToString(b), nil
}

func DecodeCursor(data string) (*Cursor, error) {
	b, err := base64.RawURLEncoding.DecodeString(data)
	if err != nil {
		return nil, ErrInvalidCursor
	}

	var cursor Cursor
	if err := json.Unmarshal(b, &cursor); err != nil || cursor.ID == "" {
		return nil, ErrInvalidCursor
	}

	return &cursor, nil
}

// TimeCursor encodes a (timestamp, id) keyset position.
func TimeCursor(at time.Time, id string) string {
	c, _ := EncodeCursor(Cursor{CreatedAt: at.UTC().Format(time.RFC3339Nano), ID: id})
	return c
}

// DecodeTimeCursor is the inverse of TimeCursor.
func DecodeTimeCursor(data string) (time.Time, string, error) {
	c, err := DecodeCursor(data)
	if err != nil {
		return time.Time{}, "", err
	}
	at, err := time.Parse(time.RFC3339Nano, c.CreatedAt)
	if err != nil {
		return time.Time{}, "", ErrInvalidCursor
	}
	return at, c.ID, nil
}

// BuildCursorPageInfo expects data fetched with limit+1 rows; the extra row
// only signals that another page exists.
func BuildCursorPageInfo[T any](data []*T, limit int, extractCursor func(*T) string) *PageInfo {
	if len(data) == 0 {
		return &PageInfo{HasMore: false}
	}

	hasMore := false
	if len(data) > limit {
		hasMore = true
		data = data[:limit]
	}

	pageInfo := &PageInfo{
		HasMore: hasMore,
	}
	if hasMore {
		pageInfo.NextCursor = extractCursor(data[len(data)-1])
	}

	return pageInfo
}
