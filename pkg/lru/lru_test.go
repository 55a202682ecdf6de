package lru

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInsertRenewsMostRecentFirst(t *testing.T) {
	l := New[string, int](Unbounded)
	require.True(t, l.Insert("a", 1, nil))
	require.True(t, l.Insert("b", 2, nil))
	require.True(t, l.Insert("c", 3, nil))

	require.Equal(t, []string{"c", "b", "a"}, l.Keys())

	_, ok := l.At("a")
	require.True(t, ok)
	require.Equal(t, []string{"a", "c", "b"}, l.Keys())
}

func TestInsertEvictsOverCapacity(t *testing.T) {
	l := New[string, int](2)
	l.Insert("a", 1, nil)
	l.Insert("b", 2, nil)

	onDrop := func(k string, v int) DropAction { return Evict }
	ok := l.Insert("c", 3, onDrop)
	require.True(t, ok)
	require.Equal(t, 2, l.Len())
	require.Equal(t, []string{"c", "b"}, l.Keys())
}

func TestInsertStopLeavesOverCapacityFailure(t *testing.T) {
	l := New[string, int](1)
	l.Insert("a", 1, nil)

	onDrop := func(k string, v int) DropAction { return Stop }
	ok := l.Insert("b", 2, onDrop)
	require.False(t, ok)
	require.Equal(t, 1, l.Len())
	require.Equal(t, []string{"a"}, l.Keys())
}

func TestInsertRenewSkipsPinnedEntries(t *testing.T) {
	l := New[string, int](2)
	l.Insert("persistent", 0, nil)
	l.Insert("b", 2, nil)

	onDrop := func(k string, v int) DropAction {
		if k == "persistent" {
			return Renew
		}
		return Evict
	}
	ok := l.Insert("c", 3, onDrop)
	require.True(t, ok)
	require.Equal(t, []string{"c", "persistent"}, l.Keys())
}

func TestFindHonoursAccessAction(t *testing.T) {
	l := New[string, int](Unbounded)
	l.Insert("a", 1, nil)
	l.Insert("b", 2, nil)

	_, ok := l.Find("a", func(string, int) GetAction { return LeaveGet })
	require.True(t, ok)
	require.Equal(t, []string{"b", "a"}, l.Keys())

	_, ok = l.Find("a", func(string, int) GetAction { return RenewGet })
	require.True(t, ok)
	require.Equal(t, []string{"a", "b"}, l.Keys())
}

func TestEraseRemovesEntry(t *testing.T) {
	l := New[string, int](Unbounded)
	l.Insert("a", 1, nil)
	require.True(t, l.Erase("a"))
	require.False(t, l.Erase("a"))
	require.Equal(t, 0, l.Len())
}

func TestTrimRemovesUpToSize(t *testing.T) {
	l := New[string, int](Unbounded)
	for _, k := range []string{"a", "b", "c", "d"} {
		l.Insert(k, 0, nil)
	}
	removed := l.Trim(2, func(string, int) DropAction { return Evict })
	require.Equal(t, 2, removed)
	require.Equal(t, 2, l.Len())
	require.Equal(t, []string{"d", "c"}, l.Keys())
}

func TestCapacityInvariantHoldsAfterBurst(t *testing.T) {
	l := New[int, int](5)
	onDrop := func(int, int) DropAction { return Evict }
	for i := 0; i < 100; i++ {
		l.Insert(i, i, onDrop)
		require.LessOrEqual(t, l.Len(), 5)
	}
}
