package pagination

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	ts := time.Date(2026, 3, 1, 14, 5, 30, 250, time.UTC)
	id := "txn_01HQ4J8Z"

	cursor, err := Decode(Encode(ts, id))
	require.NoError(t, err)
	require.NotNil(t, cursor)
	assert.True(t, ts.Equal(cursor.CreatedAt))
	assert.Equal(t, id, cursor.ID)
}

func TestDecodeEmptyIsNil(t *testing.T) {
	cursor, err := Decode("")
	assert.NoError(t, err)
	assert.Nil(t, cursor)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	for _, s := range []string{
		"not-base64!!!",
		"bm9waXBl", // valid base64, no separator
		Encode(time.Now(), "")[:4],
	} {
		_, err := Decode(s)
		assert.ErrorIs(t, err, ErrInvalidCursor, "input %q", s)
	}
}

func TestComputePage(t *testing.T) {
	ts := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	key := func(s string) (time.Time, string) { return ts, s }

	t.Run("under limit", func(t *testing.T) {
		items, cursor, hasMore := ComputePage([]string{"txn_a", "txn_b"}, 5, key)
		assert.Len(t, items, 2)
		assert.Empty(t, cursor)
		assert.False(t, hasMore)
	})

	t.Run("exactly at limit", func(t *testing.T) {
		items, cursor, hasMore := ComputePage([]string{"txn_a", "txn_b", "txn_c"}, 3, key)
		assert.Len(t, items, 3)
		assert.Empty(t, cursor)
		assert.False(t, hasMore)
	})

	t.Run("over limit trims and points at last kept item", func(t *testing.T) {
		items, cursor, hasMore := ComputePage([]string{"txn_a", "txn_b", "txn_c", "txn_d"}, 3, key)
		assert.Len(t, items, 3)
		assert.True(t, hasMore)

		decoded, err := Decode(cursor)
		require.NoError(t, err)
		assert.Equal(t, "txn_c", decoded.ID)
	})
}

func TestDecodeErrorIsComparable(t *testing.T) {
	_, err := Decode("%%%")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidCursor))
}
