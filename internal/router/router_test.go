package router_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zonemesh/zonemesh/internal/cacheadapter"
	"github.com/zonemesh/zonemesh/internal/geo"
	"github.com/zonemesh/zonemesh/internal/mode"
	"github.com/zonemesh/zonemesh/internal/neighbor"
	"github.com/zonemesh/zonemesh/internal/router"
	"github.com/zonemesh/zonemesh/internal/trash"
	"github.com/zonemesh/zonemesh/internal/wire"
)

func world() geo.Rect { return geo.Rect{From: geo.Point{X: 0, Y: 0}, To: geo.Point{X: 100, Y: 100}} }

func TestGet_LocalHit(t *testing.T) {
	w := world()
	cache := cacheadapter.NewMemory()
	cache.Set("k", 0, time.Time{}, []byte("v"))

	rt := router.New(w, cache, neighbor.New("self", 10, nil), trash.New(), router.StaticMode{State: mode.NormalState(w)}, nil, nil)

	res, err := rt.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.True(t, res.Found)
	assert.Equal(t, []byte("v"), res.Entry.Value)
}

func TestGet_ForwardsWhenOutsideZone(t *testing.T) {
	// A zone that contains nothing forces every key to forward.
	empty := geo.Rect{From: geo.Point{X: 0, Y: 0}, To: geo.Point{X: 0, Y: 0}}
	w := world()
	cache := cacheadapter.NewMemory()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		peerRouter := router.New(w, cacheadapter.NewMemory(), neighbor.New("peer", 10, nil), trash.New(), router.StaticMode{State: mode.NormalState(w)}, nil, nil)
		verb, err := wire.ReadFrame(conn)
		if err != nil {
			return
		}
		_ = peerRouter.HandleInbound(conn, verb)
	}()

	table := neighbor.New("self", 10, nil)
	table.AddOrUpdate(neighbor.Record{PropagateEP: ln.Addr().String(), RemovalEP: "x", Zone: w})

	rt := router.New(w, cache, table, trash.New(), router.StaticMode{State: mode.NormalState(empty)}, nil, nil)
	res, err := rt.Get(context.Background(), "anykey")
	require.NoError(t, err)
	assert.False(t, res.Found, "forwarded get for a missing key must report a miss, not an error")
}

func TestStore_TransitionalOutsideNewZoneGoesToTrash(t *testing.T) {
	w := world()
	cache := cacheadapter.NewMemory()
	ts := trash.New()

	empty := geo.Rect{From: geo.Point{X: 0, Y: 0}, To: geo.Point{X: 0, Y: 0}}
	st := mode.State{Tag: mode.SplittingParentMigrating, NewZone: empty}

	rt := router.New(w, cache, neighbor.New("self", 10, nil), ts, router.StaticMode{State: st}, nil, nil)

	res, err := rt.Store(context.Background(), router.StoreCommand{Key: "k", Value: []byte("v")}, func(a cacheadapter.Adapter) cacheadapter.StoreResult {
		return a.Set("k", 0, time.Time{}, []byte("v"))
	})
	require.NoError(t, err)
	assert.Equal(t, cacheadapter.Stored, res)
	assert.True(t, ts.Contains("k"), "write outside new_zone during transition must land in trash")
	assert.Equal(t, 0, cache.Len(), "the key must not actually be stored locally")
}
