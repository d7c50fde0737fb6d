package join_test

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zonemesh/zonemesh/internal/geo"
	"github.com/zonemesh/zonemesh/internal/neighbor"
	"github.com/zonemesh/zonemesh/internal/protocol/join"
)

func TestJoinHandshake_NoRightNeighbour(t *testing.T) {
	parentZone := geo.Rect{From: geo.Point{X: 0, Y: 0}, To: geo.Point{X: 10, Y: 10}}
	c1, c2 := net.Pipe()

	parentDone := make(chan join.ParentResult, 1)
	parentErr := make(chan error, 1)
	go func() {
		res, err := join.RunParent(c1, parentZone, "parent:9000", "parent:9001", "parent:9002", nil)
		parentDone <- res
		parentErr <- err
	}()

	childRes, err := join.RunChild(c2, "child:9000", "child:9001", "child:9002")
	require.NoError(t, err)

	res := <-parentDone
	require.NoError(t, <-parentErr)

	left, right := parentZone.BisectVertical()
	assert.Equal(t, right, res.ChildZone)
	assert.Equal(t, left, res.ParentNewZone)
	assert.Equal(t, "child:9000", res.ChildPeer.JoinEP)
	assert.Equal(t, "child:9001", res.ChildPeer.PropagateEP)

	assert.Equal(t, right, childRes.ChildZone)
	assert.Equal(t, left, childRes.ParentNewZone)
	assert.Equal(t, "parent:9000", childRes.ParentPeer.JoinEP)
	assert.Equal(t, "parent:9001", childRes.ParentPeer.PropagateEP)
	assert.Nil(t, childRes.RightNeighbor)
}

func TestJoinHandshake_WithRightNeighbour(t *testing.T) {
	parentZone := geo.Rect{From: geo.Point{X: 0, Y: 0}, To: geo.Point{X: 10, Y: 10}}
	rn := &neighbor.Record{
		JoinEP:      "neigh:9000",
		PropagateEP: "neigh:9001",
		RemovalEP:   "neigh:9002",
		Zone:        geo.Rect{From: geo.Point{X: 10, Y: 0}, To: geo.Point{X: 20, Y: 10}},
	}

	c1, c2 := net.Pipe()
	go func() {
		_, _ = join.RunParent(c1, parentZone, "parent:9000", "parent:9001", "parent:9002", rn)
	}()

	childRes, err := join.RunChild(c2, "child:9000", "child:9001", "child:9002")
	require.NoError(t, err)
	require.NotNil(t, childRes.RightNeighbor)
	assert.Equal(t, rn.PropagateEP, childRes.RightNeighbor.PropagateEP)
	assert.Equal(t, rn.Zone, childRes.RightNeighbor.Zone)
}
