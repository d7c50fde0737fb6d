package hashing_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/zonemesh/zonemesh/internal/geo"
	"github.com/zonemesh/zonemesh/internal/hashing"
)

func world() geo.Rect {
	return geo.Rect{From: geo.Point{X: 0, Y: 0}, To: geo.Point{X: 50, Y: 50}}
}

func TestProject_Deterministic(t *testing.T) {
	p1 := hashing.Project([]byte("k"), world())
	p2 := hashing.Project([]byte("k"), world())
	assert.Equal(t, p1, p2)
}

func TestProject_StaysInsideWorld(t *testing.T) {
	w := world()
	for _, key := range []string{"a", "b", "c", "hello", "", "a very long key indeed"} {
		p := hashing.Project([]byte(key), w)
		assert.True(t, w.Contains(p), "projected point %+v for key %q must fall inside world %+v", p, key, w)
	}
}

func TestProject_DifferentKeysCanLandDifferently(t *testing.T) {
	w := world()
	p1 := hashing.Project([]byte("alpha"), w)
	p2 := hashing.Project([]byte("beta"), w)
	// Collisions are legal in general; these two keys project to (13,13)
	// and (41,41) in a 50x50 world, which shows the function isn't constant.
	assert.NotEqual(t, p1, p2, "alpha and beta must land on different points")
}

func TestProject_PanicsOnNonIntegerWorld(t *testing.T) {
	bad := geo.Rect{From: geo.Point{X: 0, Y: 0}, To: geo.Point{X: 50.5, Y: 50}}
	assert.Panics(t, func() {
		hashing.Project([]byte("k"), bad)
	})
}

func TestProject_PanicsOnZeroWidthWorld(t *testing.T) {
	bad := geo.Rect{From: geo.Point{X: 0, Y: 0}, To: geo.Point{X: 0, Y: 50}}
	assert.Panics(t, func() {
		hashing.Project([]byte("k"), bad)
	})
}
