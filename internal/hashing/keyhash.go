// Package hashing implements the deterministic key-to-point projection
// every node in a ZoneMesh cluster must agree on. It is intentionally a
// hand-rolled DJB2 variant rather than an imported hash library: the
// algorithm is fixed (h=5381, h=h*33+b per byte) because any two nodes
// disagreeing on key placement would violate ownership uniqueness —
// swapping in a library hash (fnv, xxhash, murmur3) would change the
// projection and is not a place "pick any good hash" applies.
package hashing

import "github.com/zonemesh/zonemesh/internal/geo"

// seed is DJB2's traditional starting constant.
const seed uint64 = 5381

// djb2 computes the classic DJB2 hash: h=5381, h = h*33 + b for each byte.
func djb2(key []byte) uint64 {
	h := seed
	for _, b := range key {
		h = h*33 + uint64(b)
	}
	return h
}

// Project maps key onto a point inside world using DJB2 followed by a
// modulo against the floor of world's extents. world's To coordinates
// must be integer-valued since the modulus operates on
// an integer floor of them; Project panics if they are not, since a
// non-integer world would make every node compute a different modulus
// after floating-point rounding and silently break cluster-wide
// agreement on key ownership.
func Project(key []byte, world geo.Rect) geo.Point {
	maxX := int64(world.To.X)
	maxY := int64(world.To.Y)
	if float64(maxX) != world.To.X || float64(maxY) != world.To.Y {
		panic("hashing: world rectangle's To coordinates must be integer-valued")
	}
	if maxX < 1 || maxY < 1 {
		panic("hashing: world rectangle extents must be >= 1 on each axis")
	}

	h := djb2(key)
	return geo.Point{
		X: float64(h % uint64(maxX)),
		Y: float64(h % uint64(maxY)),
	}
}
