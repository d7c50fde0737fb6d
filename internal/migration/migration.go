// Package migration implements the streamed transfer of cache entries
// and trash keys across a split or merge
// boundary. Grounded on the chunk-transfer loop in
// kernel/core/mesh/dht.go (snapshot-then-stream-then-delete), re-pointed
// at internal/cacheadapter.Adapter instead of dht.go's content-chunk
// store, and framed with internal/wire instead of length-implicit
// protobuf messages.
package migration

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/yasserelgammal/rate-limiter/limiter"
	"github.com/yasserelgammal/rate-limiter/store"

	"github.com/zonemesh/zonemesh/internal/cacheadapter"
	"github.com/zonemesh/zonemesh/internal/errs"
	"github.com/zonemesh/zonemesh/internal/geo"
	"github.com/zonemesh/zonemesh/internal/hashing"
	"github.com/zonemesh/zonemesh/internal/metrics"
	"github.com/zonemesh/zonemesh/internal/trash"
	"github.com/zonemesh/zonemesh/internal/wire"
)

// Direction names the four migration flavours this module distinguishes.
// They only affect logging: the wire algorithm is
// identical in all four, since each is just "source streams its half,
// peer absorbs it".
type Direction string

const (
	SplitParent Direction = "SPLIT_PARENT"
	SplitChild  Direction = "SPLIT_CHILD"
	MergeParent Direction = "MERGE_PARENT"
	MergeChild  Direction = "MERGE_CHILD"
)

// Engine drives both sides of a migration. One Engine is constructed per
// node and reused across transitions; it holds no per-transition state.
type Engine struct {
	cache   cacheadapter.Adapter
	world   geo.Rect
	limiter *limiter.TokenBucket
	metrics *metrics.Node
	logger  *slog.Logger
}

// New builds an Engine backed by cache, rate-limiting outbound entry sends
// to maxEntriesPerSecond so a large split cannot starve the node's
// client-serving goroutines of CPU and socket buffer space — the same
// concern internal/gossip's sender addresses with its TokenBucket, just
// applied to bulk data transfer instead of control messages.
func New(cache cacheadapter.Adapter, world geo.Rect, maxEntriesPerSecond, burst int, m *metrics.Node, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	tb, err := limiter.NewTokenBucket(
		limiter.Config{
			Rate:     int64(maxEntriesPerSecond),
			Duration: time.Second,
			Burst:    int64(burst),
		},
		store.NewMemoryStore(time.Minute),
	)
	if err != nil {
		return nil, fmt.Errorf("migration: build rate limiter: %w", err)
	}
	return &Engine{
		cache:   cache,
		world:   world,
		limiter: tb,
		metrics: m,
		logger:  logger.With("component", "migration_engine"),
	}, nil
}

// StreamOut runs the source-side algorithm: it
// snapshots every key this node owns whose hashed point falls in peerZone,
// streams each as (key, flags, exptime, value) and deletes it locally,
// then streams and clears the trash set. It does not close conn; the
// peer knows the stream is complete once it has read the declared trash
// count's worth of keys.
//
// Callers are responsible for the surrounding mode transition (entering
// the *_MIGRATING tag before calling, and returning to NORMAL with the
// zone updated only after StreamOut returns nil).
func (e *Engine) StreamOut(ctx context.Context, conn net.Conn, dir Direction, peerZone geo.Rect, ts *trash.Set) error {
	logger := e.logger.With("direction", dir, "peer_zone", peerZone.String())

	var moved uint64
	keys := e.cache.IterKeys()
	var toMove []string
	for _, k := range keys {
		p := hashing.Project([]byte(k), e.world)
		if peerZone.Contains(p) {
			toMove = append(toMove, k)
		}
	}

	if err := wire.WriteUint64(conn, uint64(len(toMove))); err != nil {
		return errs.Migration(errs.CodeMigrationStreamFailed, "write entry count", err)
	}
	for _, k := range toMove {
		if err := waitForToken(ctx, e.limiter, "migration-out"); err != nil {
			return errs.Migration(errs.CodeMigrationAborted, "rate limiter wait cancelled", err)
		}
		entry, ok := e.cache.Get(k)
		if !ok {
			// Raced out between snapshot and send; send an empty
			// tombstone so the declared count still matches, and trash
			// the key so the peer deletes the tombstone again.
			entry = cacheadapter.Entry{Key: k, Flags: 0, Exptime: time.Time{}, Value: nil}
			ts.Add(k)
		}
		if err := writeEntry(conn, entry); err != nil {
			return errs.Migration(errs.CodeMigrationStreamFailed, "stream entry", err, "key", k)
		}
		e.cache.Delete(k)
		moved++
	}
	if e.metrics != nil {
		e.metrics.MigrationEntriesMoved.Add(float64(moved))
	}

	trashed := ts.Snapshot()
	if err := wire.WriteUint64(conn, uint64(len(trashed))); err != nil {
		return errs.Migration(errs.CodeMigrationStreamFailed, "write trash count", err)
	}
	for _, k := range trashed {
		if err := wire.WriteFrame(conn, k); err != nil {
			return errs.Migration(errs.CodeMigrationStreamFailed, "stream trash key", err, "key", k)
		}
	}
	if e.metrics != nil {
		e.metrics.MigrationTrashMoved.Add(float64(len(trashed)))
	}
	ts.Clear()

	logger.Info("migration stream out complete", "entries_moved", moved, "trash_moved", len(trashed))
	return nil
}

// StreamIn runs the peer-side algorithm: receive the entry count and
// entries (inserting each, overwriting any existing entry with the same
// key), then receive the trash count and keys and delete each locally.
func (e *Engine) StreamIn(ctx context.Context, conn net.Conn, dir Direction) error {
	logger := e.logger.With("direction", dir)

	n, err := wire.ReadUint64(conn)
	if err != nil {
		return errs.Migration(errs.CodeMigrationStreamFailed, "read entry count", err)
	}
	for i := uint64(0); i < n; i++ {
		entry, err := readEntry(conn)
		if err != nil {
			return errs.Migration(errs.CodeMigrationStreamFailed, "read entry", err)
		}
		e.cache.Set(entry.Key, entry.Flags, entry.Exptime, entry.Value)
	}
	if e.metrics != nil {
		e.metrics.MigrationEntriesMoved.Add(float64(n))
	}

	tn, err := wire.ReadUint64(conn)
	if err != nil {
		return errs.Migration(errs.CodeMigrationStreamFailed, "read trash count", err)
	}
	for i := uint64(0); i < tn; i++ {
		k, err := wire.ReadFrame(conn)
		if err != nil {
			return errs.Migration(errs.CodeMigrationStreamFailed, "read trash key", err)
		}
		e.cache.Delete(k)
	}
	if e.metrics != nil {
		e.metrics.MigrationTrashMoved.Add(float64(tn))
	}

	logger.Info("migration stream in complete", "entries_received", n, "trash_received", tn)
	return nil
}

func writeEntry(conn net.Conn, entry cacheadapter.Entry) error {
	if err := wire.WriteFrame(conn, entry.Key); err != nil {
		return err
	}
	var exptimeUnix int64
	if !entry.Exptime.IsZero() {
		exptimeUnix = entry.Exptime.Unix()
	}
	if err := wire.WriteUint64(conn, uint64(entry.Flags)); err != nil {
		return err
	}
	if err := wire.WriteUint64(conn, uint64(exptimeUnix)); err != nil {
		return err
	}
	return wire.WriteBytes(conn, entry.Value)
}

func readEntry(conn net.Conn) (cacheadapter.Entry, error) {
	key, err := wire.ReadFrame(conn)
	if err != nil {
		return cacheadapter.Entry{}, err
	}
	flags, err := wire.ReadUint64(conn)
	if err != nil {
		return cacheadapter.Entry{}, err
	}
	exptimeUnix, err := wire.ReadUint64(conn)
	if err != nil {
		return cacheadapter.Entry{}, err
	}
	value, err := wire.ReadBytes(conn)
	if err != nil {
		return cacheadapter.Entry{}, err
	}
	var exptime time.Time
	if exptimeUnix != 0 {
		exptime = time.Unix(int64(exptimeUnix), 0)
	}
	return cacheadapter.Entry{Key: key, Flags: uint32(flags), Exptime: exptime, Value: value}, nil
}

func waitForToken(ctx context.Context, tb *limiter.TokenBucket, key string) error {
	for {
		if tb.Allow(key) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}
