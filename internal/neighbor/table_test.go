package neighbor_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zonemesh/zonemesh/internal/geo"
	"github.com/zonemesh/zonemesh/internal/neighbor"
)

func rect(fx, fy, tx, ty float64) geo.Rect {
	return geo.Rect{From: geo.Point{X: fx, Y: fy}, To: geo.Point{X: tx, Y: ty}}
}

func TestTable_AddOrUpdate_NeverContainsSelf(t *testing.T) {
	tbl := neighbor.New("self:1", 10, nil)
	ok := tbl.AddOrUpdate(neighbor.Record{PropagateEP: "self:1", Zone: rect(0, 0, 1, 1)})
	assert.False(t, ok)
	assert.Equal(t, 0, tbl.Len())
}

func TestTable_AddOrUpdate_OverwritesByPropagateEP(t *testing.T) {
	tbl := neighbor.New("self:1", 10, nil)
	require.True(t, tbl.AddOrUpdate(neighbor.Record{PropagateEP: "n:1", RemovalEP: "n:1r", Zone: rect(0, 0, 25, 50)}))
	require.True(t, tbl.AddOrUpdate(neighbor.Record{PropagateEP: "n:1", RemovalEP: "n:1r-new", Zone: rect(0, 0, 12, 50)}))

	assert.Equal(t, 1, tbl.Len())
	rec, ok := tbl.FindByZone(rect(0, 0, 12, 50))
	require.True(t, ok)
	assert.Equal(t, "n:1r-new", rec.RemovalEP)
}

func TestTable_AddOrUpdate_RespectsCapacity(t *testing.T) {
	tbl := neighbor.New("self:1", 2, nil)
	assert.True(t, tbl.AddOrUpdate(neighbor.Record{PropagateEP: "a", Zone: rect(0, 0, 1, 1)}))
	assert.True(t, tbl.AddOrUpdate(neighbor.Record{PropagateEP: "b", Zone: rect(1, 0, 2, 1)}))
	assert.False(t, tbl.AddOrUpdate(neighbor.Record{PropagateEP: "c", Zone: rect(2, 0, 3, 1)}))
	assert.Equal(t, 2, tbl.Len())

	// Updating an existing entry is still allowed once full.
	assert.True(t, tbl.AddOrUpdate(neighbor.Record{PropagateEP: "a", Zone: rect(0, 0, 5, 5)}))
}

func TestTable_RemoveByPropagateEP_NoopIfAbsent(t *testing.T) {
	tbl := neighbor.New("self:1", 10, nil)
	tbl.RemoveByPropagateEP("does-not-exist")
	assert.Equal(t, 0, tbl.Len())
}

func TestTable_BestForPoint_PrefersContaining(t *testing.T) {
	tbl := neighbor.New("self:1", 10, nil)
	tbl.AddOrUpdate(neighbor.Record{PropagateEP: "a", Zone: rect(0, 0, 25, 50)})
	tbl.AddOrUpdate(neighbor.Record{PropagateEP: "b", Zone: rect(25, 0, 50, 50)})

	rec, ok := tbl.BestForPoint(geo.Point{X: 30, Y: 10})
	require.True(t, ok)
	assert.Equal(t, "b", rec.PropagateEP)
}

func TestTable_BestForPoint_FallsBackToClosestCentroid(t *testing.T) {
	tbl := neighbor.New("self:1", 10, nil)
	tbl.AddOrUpdate(neighbor.Record{PropagateEP: "near", Zone: rect(0, 0, 10, 10)})
	tbl.AddOrUpdate(neighbor.Record{PropagateEP: "far", Zone: rect(1000, 1000, 1010, 1010)})

	rec, ok := tbl.BestForPoint(geo.Point{X: 11, Y: 11})
	require.True(t, ok)
	assert.Equal(t, "near", rec.PropagateEP)
}

func TestTable_BestForPoint_EmptyTable(t *testing.T) {
	tbl := neighbor.New("self:1", 10, nil)
	_, ok := tbl.BestForPoint(geo.Point{X: 1, Y: 1})
	assert.False(t, ok)
}

func TestTable_SmallestByArea(t *testing.T) {
	tbl := neighbor.New("self:1", 10, nil)
	tbl.AddOrUpdate(neighbor.Record{PropagateEP: "a", Zone: rect(0, 0, 12.5, 50)})  // area 625
	tbl.AddOrUpdate(neighbor.Record{PropagateEP: "b", Zone: rect(25, 0, 50, 50)}) // area 1250

	rec, ok := tbl.SmallestByArea()
	require.True(t, ok)
	assert.Equal(t, "a", rec.PropagateEP)
}

func TestTable_Snapshot_IsACopy(t *testing.T) {
	tbl := neighbor.New("self:1", 10, nil)
	tbl.AddOrUpdate(neighbor.Record{PropagateEP: "a", Zone: rect(0, 0, 1, 1)})
	snap := tbl.Snapshot()
	require.Len(t, snap, 1)

	tbl.RemoveByPropagateEP("a")
	assert.Equal(t, 0, tbl.Len())
	assert.Len(t, snap, 1, "snapshot must not be affected by later mutation")
}
