package geo_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zonemesh/zonemesh/internal/geo"
)

func world() geo.Rect {
	return geo.Rect{From: geo.Point{X: 0, Y: 0}, To: geo.Point{X: 50, Y: 50}}
}

func TestRect_Contains_HalfOpen(t *testing.T) {
	r := geo.Rect{From: geo.Point{X: 0, Y: 0}, To: geo.Point{X: 25, Y: 50}}

	testCases := []struct {
		name string
		p    geo.Point
		want bool
	}{
		{"inside", geo.Point{X: 10, Y: 10}, true},
		{"on lower bound", geo.Point{X: 0, Y: 0}, true},
		{"on upper x bound excluded", geo.Point{X: 25, Y: 10}, false},
		{"on upper y bound excluded", geo.Point{X: 10, Y: 50}, false},
		{"outside", geo.Point{X: 30, Y: 10}, false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, r.Contains(tc.p))
		})
	}
}

// TestRect_BisectVertical_BoundaryOwnership covers spec (B1): a key whose
// point lies exactly on the split boundary belongs to the right child.
func TestRect_BisectVertical_BoundaryOwnership(t *testing.T) {
	left, right := world().BisectVertical()

	assert.Equal(t, geo.Point{X: 0, Y: 0}, left.From)
	assert.Equal(t, geo.Point{X: 25, Y: 50}, left.To)
	assert.Equal(t, geo.Point{X: 25, Y: 0}, right.From)
	assert.Equal(t, geo.Point{X: 50, Y: 50}, right.To)

	boundary := geo.Point{X: 25, Y: 10}
	assert.False(t, left.Contains(boundary), "boundary point must not belong to the left/parent half")
	assert.True(t, right.Contains(boundary), "boundary point must belong to the right/child half")
}

func TestRect_Area(t *testing.T) {
	assert.Equal(t, 2500.0, world().Area())
	left, right := world().BisectVertical()
	assert.Equal(t, left.Area()+right.Area(), world().Area())
}

func TestAreAdjacent(t *testing.T) {
	left, right := world().BisectVertical()
	assert.True(t, geo.AreAdjacent(left, right))
	assert.True(t, geo.AreAdjacent(right, left))

	unrelated := geo.Rect{From: geo.Point{X: 100, Y: 0}, To: geo.Point{X: 150, Y: 50}}
	assert.False(t, geo.AreAdjacent(left, unrelated))
}

func TestTryMerge_RoundTripsBisectVertical(t *testing.T) {
	left, right := world().BisectVertical()

	merged, ok := geo.TryMerge(left, right)
	require.True(t, ok)
	assert.Equal(t, world(), merged)

	mergedReverse, ok := geo.TryMerge(right, left)
	require.True(t, ok)
	assert.Equal(t, world(), mergedReverse)
}

func TestTryMerge_RejectsNonAdjacentOrMismatchedY(t *testing.T) {
	a := geo.Rect{From: geo.Point{X: 0, Y: 0}, To: geo.Point{X: 12.5, Y: 50}}
	b := geo.Rect{From: geo.Point{X: 25, Y: 0}, To: geo.Point{X: 50, Y: 50}}
	_, ok := geo.TryMerge(a, b)
	assert.False(t, ok, "a and b are not adjacent (c sits between them)")

	c := geo.Rect{From: geo.Point{X: 12.5, Y: 0}, To: geo.Point{X: 25, Y: 25}}
	_, ok = geo.TryMerge(a, c)
	assert.False(t, ok, "c has a different y-extent than a")
}

func TestRect_StringRoundTrip(t *testing.T) {
	r := geo.Rect{From: geo.Point{X: 12.5, Y: 0}, To: geo.Point{X: 25, Y: 50}}
	parsed, err := geo.ParseRect(r.String())
	require.NoError(t, err)
	assert.Equal(t, r, parsed)
}

func TestParseRect_RejectsGarbage(t *testing.T) {
	_, err := geo.ParseRect("not a rect")
	assert.Error(t, err)
}
