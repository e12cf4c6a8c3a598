package pagination

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type row struct{ id string }

func TestLimit(t *testing.T) {
	require.Equal(t, DefaultLimit, Limit(0))
	require.Equal(t, DefaultLimit, Limit(MaxLimit+1))
	require.Equal(t, 7, Limit(7))
}

func TestTimeCursor(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 123, time.UTC)
	gotAt, gotID, err := DecodeTimeCursor(TimeCursor(at, "42"))
	require.NoError(t, err)
	require.True(t, at.Equal(gotAt))
	require.Equal(t, "42", gotID)

	_, _, err = DecodeTimeCursor("%%%")
	require.ErrorIs(t, err, ErrInvalidCursor)

	bad, err := EncodeCursor(Cursor{CreatedAt: "yesterday", ID: "1"})
	require.NoError(t, err)
	_, _, err = DecodeTimeCursor(bad)
	require.ErrorIs(t, err, ErrInvalidCursor)
}

func TestBuildCursorPageInfo(t *testing.T) {
	extract := func(r *row) string { return r.id }

	page := BuildCursorPageInfo([]*row{{"a"}, {"b"}, {"c"}}, 2, extract)
	require.True(t, page.HasMore)
	require.Equal(t, "b", page.NextCursor)

	page = BuildCursorPageInfo([]*row{{"a"}}, 2, extract)
	require.False(t, page.HasMore)
	require.Empty(t, page.NextCursor)

	require.False(t, BuildCursorPageInfo[row](nil, 2, extract).HasMore)
}
