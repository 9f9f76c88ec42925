package presence

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCursorLastWriteWinsByTimestamp(t *testing.T) {
	tr := NewTracker()

	require.True(t, tr.ApplyCursor("a", Cursor{Line: 1, Column: 4, Timestamp: 100}))
	require.False(t, tr.ApplyCursor("a", Cursor{Line: 9, Column: 9, Timestamp: 99}))
	require.Equal(t, &Cursor{Line: 1, Column: 4, Timestamp: 100}, tr.Get("a").Cursor)

	// equal timestamps replace
	require.True(t, tr.ApplyCursor("a", Cursor{Line: 2, Column: 0, Timestamp: 100}))
	require.Equal(t, 2, tr.Get("a").Cursor.Line)

	// other participants are independent
	require.True(t, tr.ApplyCursor("b", Cursor{Line: 0, Column: 0, Timestamp: 1}))
}

func TestSelectionIndependentOfCursor(t *testing.T) {
	tr := NewTracker()
	require.True(t, tr.ApplyCursor("a", Cursor{Timestamp: 500}))
	require.True(t, tr.ApplySelection("a", Selection{Start: 1, End: 3, Timestamp: 10}))
	require.False(t, tr.ApplySelection("a", Selection{Start: 0, End: 0, Timestamp: 9}))

	st := tr.Get("a")
	require.Equal(t, &Selection{Start: 1, End: 3, Timestamp: 10}, st.Selection)
	require.Equal(t, int64(500), st.Cursor.Timestamp)
}

func TestGetReturnsCopy(t *testing.T) {
	tr := NewTracker()
	tr.ApplyCursor("a", Cursor{Line: 1, Timestamp: 1})
	st := tr.Get("a")
	st.Cursor.Line = 42
	require.Equal(t, 1, tr.Get("a").Cursor.Line)
}

func TestRemove(t *testing.T) {
	tr := NewTracker()
	tr.ApplyCursor("a", Cursor{Timestamp: 1})
	require.Equal(t, 1, tr.Len())
	require.True(t, tr.Remove("a"))
	require.False(t, tr.Remove("a"))
	require.Equal(t, State{}, tr.Get("a"))

	// a removed participant starts over
	require.True(t, tr.ApplyCursor("a", Cursor{Timestamp: 0}))
}
