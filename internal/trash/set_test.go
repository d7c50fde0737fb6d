package trash_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/zonemesh/zonemesh/internal/trash"
)

func TestSet_AddContainsRemove(t *testing.T) {
	s := trash.New()
	assert.False(t, s.Contains("k"))

	s.Add("k")
	assert.True(t, s.Contains("k"))
	assert.Equal(t, 1, s.Len())

	s.Remove("k")
	assert.False(t, s.Contains("k"))
	assert.Equal(t, 0, s.Len())
}

func TestSet_RemoveAbsentIsNoop(t *testing.T) {
	s := trash.New()
	assert.NotPanics(t, func() { s.Remove("nope") })
}

func TestSet_ClearEmptiesSet(t *testing.T) {
	s := trash.New()
	s.Add("a")
	s.Add("b")
	s.Clear()
	assert.Equal(t, 0, s.Len())
	assert.Empty(t, s.Snapshot())
}

func TestSet_Snapshot(t *testing.T) {
	s := trash.New()
	s.Add("a")
	s.Add("b")
	snap := s.Snapshot()
	assert.ElementsMatch(t, []string{"a", "b"}, snap)
}
