package migration_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zonemesh/zonemesh/internal/cacheadapter"
	"github.com/zonemesh/zonemesh/internal/geo"
	"github.com/zonemesh/zonemesh/internal/migration"
	"github.com/zonemesh/zonemesh/internal/trash"
)

func world() geo.Rect {
	return geo.Rect{From: geo.Point{X: 0, Y: 0}, To: geo.Point{X: 100, Y: 100}}
}

func TestStreamOutIn_MovesOwnedKeysAndTrash(t *testing.T) {
	w := world()
	src := cacheadapter.NewMemory()
	dst := cacheadapter.NewMemory()

	// Keys a/b/c land wherever djb2 happens to put them; we only need a
	// peerZone guaranteed to contain at least one and the whole world to
	// contain all three, so use the whole world as peerZone.
	src.Set("a", 1, time.Time{}, []byte("va"))
	src.Set("b", 2, time.Time{}, []byte("vb"))
	src.Set("c", 3, time.Time{}, []byte("vc"))

	srcTs := trash.New()
	srcTs.Add("trashed-key")

	srcEngine, err := migration.New(src, w, 1000, 100, nil, nil)
	require.NoError(t, err)
	dstEngine, err := migration.New(dst, w, 1000, 100, nil, nil)
	require.NoError(t, err)

	c1, c2 := net.Pipe()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- srcEngine.StreamOut(ctx, c1, migration.SplitParent, w, srcTs)
	}()

	require.NoError(t, dstEngine.StreamIn(ctx, c2, migration.SplitParent))
	require.NoError(t, <-done)

	assert.Equal(t, 0, src.Len(), "source must delete every migrated key")
	assert.Equal(t, 3, dst.Len())
	e, ok := dst.Get("a")
	require.True(t, ok)
	assert.Equal(t, []byte("va"), e.Value)
	assert.Equal(t, uint32(1), e.Flags)

	assert.Equal(t, 0, srcTs.Len(), "trash set must be cleared after streaming")
}

func TestStreamOutIn_SkipsKeysOutsidePeerZone(t *testing.T) {
	w := world()
	src := cacheadapter.NewMemory()
	dst := cacheadapter.NewMemory()

	src.Set("a", 0, time.Time{}, []byte("va"))

	// An empty peer zone (From == To) contains nothing, so no keys move.
	empty := geo.Rect{From: geo.Point{X: 0, Y: 0}, To: geo.Point{X: 0, Y: 0}}

	srcEngine, err := migration.New(src, w, 1000, 100, nil, nil)
	require.NoError(t, err)
	dstEngine, err := migration.New(dst, w, 1000, 100, nil, nil)
	require.NoError(t, err)

	c1, c2 := net.Pipe()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- srcEngine.StreamOut(ctx, c1, migration.SplitParent, empty, trash.New())
	}()
	require.NoError(t, dstEngine.StreamIn(ctx, c2, migration.SplitParent))
	require.NoError(t, <-done)

	assert.Equal(t, 1, src.Len(), "key outside peer zone must stay on source")
	assert.Equal(t, 0, dst.Len())
}
