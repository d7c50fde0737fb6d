package bootstrap_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zonemesh/zonemesh/internal/bootstrap"
	"github.com/zonemesh/zonemesh/internal/geo"
)

func startDirectory(t *testing.T, world geo.Rect) (string, *bootstrap.Directory) {
	t.Helper()
	dir := bootstrap.New(world, nil)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go dir.Serve(ln)
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String(), dir
}

func TestAddition_FirstJoinerBecomesRoot(t *testing.T) {
	world := geo.Rect{From: geo.Point{X: 0, Y: 0}, To: geo.Point{X: 100, Y: 100}}
	addr, dir := startDirectory(t, world)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	reply, err := bootstrap.DialAddition(ctx, addr)
	require.NoError(t, err)

	assert.True(t, reply.IsFirst)
	assert.Equal(t, world, reply.World)
	assert.NotEmpty(t, reply.JoinEP)

	entries := dir.Snapshot()
	require.Len(t, entries, 1)
	assert.Equal(t, world, entries[0].Zone)
}

func TestAddition_SecondJoinerGetsLargestAreaParent(t *testing.T) {
	world := geo.Rect{From: geo.Point{X: 0, Y: 0}, To: geo.Point{X: 100, Y: 100}}
	addr, _ := startDirectory(t, world)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	first, err := bootstrap.DialAddition(ctx, addr)
	require.NoError(t, err)

	second, err := bootstrap.DialAddition(ctx, addr)
	require.NoError(t, err)
	assert.False(t, second.IsFirst)
	assert.Equal(t, first.JoinEP, second.ParentJoinEP)
}

func TestUpdateAndDeparture_AdjustRegistry(t *testing.T) {
	world := geo.Rect{From: geo.Point{X: 0, Y: 0}, To: geo.Point{X: 100, Y: 100}}
	addr, dir := startDirectory(t, world)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	first, err := bootstrap.DialAddition(ctx, addr)
	require.NoError(t, err)

	left, right := world.BisectVertical()
	childJoinEP := "127.0.0.1:55001"
	require.NoError(t, bootstrap.SendUpdate(ctx, addr, right, childJoinEP, left, first.JoinEP))

	found := false
	for _, e := range dir.Snapshot() {
		if e.JoinEP == childJoinEP {
			found = true
			assert.Equal(t, right, e.Zone)
		}
	}
	assert.True(t, found, "child must be registered after UPDATE")

	merged, ok := geo.TryMerge(left, right)
	require.True(t, ok)
	require.NoError(t, bootstrap.SendDeparture(ctx, addr, childJoinEP, merged, first.JoinEP))

	for _, e := range dir.Snapshot() {
		assert.NotEqual(t, childJoinEP, e.JoinEP, "departed child must be removed")
		if e.JoinEP == first.JoinEP {
			assert.Equal(t, merged, e.Zone)
		}
	}
}
