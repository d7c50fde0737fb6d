// Package router implements the per-command decision between serving
// locally and forwarding to a neighbour, including the
// trash-set bookkeeping that keeps writes consistent during a transition.
// Grounded on mesh_coordinator.go's peer-forwarding path, whose
// hand-rolled CircuitBreaker (FailureThreshold 5, ResetTimeout 30s,
// HalfOpenMax 3) is replaced here with github.com/sony/gobreaker — one
// gobreaker.CircuitBreaker per neighbour, keyed by
// propagate_ep, so a stuck neighbour fails fast instead of blocking a
// client-serving goroutine.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/zonemesh/zonemesh/internal/cacheadapter"
	"github.com/zonemesh/zonemesh/internal/errs"
	"github.com/zonemesh/zonemesh/internal/geo"
	"github.com/zonemesh/zonemesh/internal/hashing"
	"github.com/zonemesh/zonemesh/internal/metrics"
	"github.com/zonemesh/zonemesh/internal/mode"
	"github.com/zonemesh/zonemesh/internal/neighbor"
	"github.com/zonemesh/zonemesh/internal/trash"
	"github.com/zonemesh/zonemesh/internal/wire"
)

// ModeSource is the minimal view of a node's current mode the router
// needs. internal/node supplies the live implementation; tests can supply
// a fixed State.
type ModeSource interface {
	Current() mode.State
}

// StaticMode is a ModeSource that never changes, useful in tests.
type StaticMode struct{ State mode.State }

func (s StaticMode) Current() mode.State { return s.State }

// Router dispatches client commands, deciding per command whether this
// node owns the key or must forward to a neighbour.
type Router struct {
	world      geo.Rect
	cache      cacheadapter.Adapter
	neighbours *neighbor.Table
	trash      *trash.Set
	modeSrc    ModeSource

	breakersMu sync.Mutex
	breakers   map[string]*gobreaker.CircuitBreaker

	dialTimeout time.Duration
	metrics     *metrics.Node
	logger      *slog.Logger
}

// New builds a Router. world is the cluster's WorldRect, used to project
// keys via internal/hashing.
func New(world geo.Rect, cache cacheadapter.Adapter, neighbours *neighbor.Table, ts *trash.Set, modeSrc ModeSource, m *metrics.Node, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		world:       world,
		cache:       cache,
		neighbours:  neighbours,
		trash:       ts,
		modeSrc:     modeSrc,
		breakers:    make(map[string]*gobreaker.CircuitBreaker),
		dialTimeout: 10 * time.Second,
		metrics:     m,
		logger:      logger.With("component", "router"),
	}
}

func (r *Router) breakerFor(propagateEP string) *gobreaker.CircuitBreaker {
	r.breakersMu.Lock()
	defer r.breakersMu.Unlock()
	if cb, ok := r.breakers[propagateEP]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        propagateEP,
		MaxRequests: 3,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	r.breakers[propagateEP] = cb
	return cb
}

// GetResult is what a GET command yields.
type GetResult struct {
	Found bool
	Entry cacheadapter.Entry
}

// Get implements the GET decision tree: serve locally if this node owns
// the key, forward to the owning neighbour otherwise.
func (r *Router) Get(ctx context.Context, key string) (GetResult, error) {
	p := hashing.Project([]byte(key), r.world)
	st := r.modeSrc.Current()

	if st.Tag == mode.Normal {
		if st.NewZone.Contains(p) {
			return r.localGet(key), nil
		}
		return r.forwardGet(ctx, p, key)
	}

	if st.NewZone.Contains(p) {
		return r.localGet(key), nil
	}
	if r.trash.Contains(key) {
		return GetResult{Found: false}, nil
	}
	res := r.localGet(key)
	if res.Found {
		return res, nil
	}
	return r.forwardGet(ctx, p, key)
}

func (r *Router) localGet(key string) GetResult {
	e, ok := r.cache.Get(key)
	if r.metrics != nil {
		r.metrics.RouterLocalServed.Inc()
	}
	return GetResult{Found: ok, Entry: e}
}

func (r *Router) forwardGet(ctx context.Context, p geo.Point, key string) (GetResult, error) {
	target, ok := r.neighbours.BestForPoint(p)
	if !ok {
		return GetResult{}, errs.Routing(errs.CodeNeighbourUnreachable, "no neighbour known for point", nil, "key", key)
	}
	if r.metrics != nil {
		r.metrics.RouterForwards.WithLabelValues("get").Inc()
	}
	result, err := r.withBreaker(target.PropagateEP, func() (any, error) {
		return forwardGet(ctx, target.PropagateEP, key, r.dialTimeout)
	})
	if err != nil {
		return GetResult{}, err
	}
	return result.(GetResult), nil
}

// StoreCommand names the write-class commands treated identically
// (SET/ADD/REPLACE/APPEND/PREPEND/CAS all share one decision
// tree; the verb only matters for which local cacheadapter method runs).
type StoreCommand struct {
	Key     string
	Flags   uint32
	Exptime time.Time
	Value   []byte
}

// Store implements the SET-class decision tree. apply is the local
// cacheadapter operation the caller wants performed (Set, Add, Replace,
// Append, Prepend, or the CompareAndSwap closure); Store always calls it
// first when serving or proxying locally: set locally, then forward, then
// delete the local copy once forwarding has succeeded.
func (r *Router) Store(ctx context.Context, cmd StoreCommand, apply func(cacheadapter.Adapter) cacheadapter.StoreResult) (cacheadapter.StoreResult, error) {
	p := hashing.Project([]byte(cmd.Key), r.world)
	st := r.modeSrc.Current()

	if st.Tag == mode.Normal {
		if st.NewZone.Contains(p) {
			return apply(r.cache), nil
		}
		res := apply(r.cache)
		if res != cacheadapter.Stored {
			return res, nil
		}
		if err := r.forwardStore(ctx, p, cmd); err != nil {
			return res, err
		}
		r.cache.Delete(cmd.Key)
		return res, nil
	}

	if st.NewZone.Contains(p) {
		return apply(r.cache), nil
	}
	r.trash.Add(cmd.Key)
	return cacheadapter.Stored, nil
}

func (r *Router) forwardStore(ctx context.Context, p geo.Point, cmd StoreCommand) error {
	target, ok := r.neighbours.BestForPoint(p)
	if !ok {
		return errs.Routing(errs.CodeNeighbourUnreachable, "no neighbour known for point", nil, "key", cmd.Key)
	}
	if r.metrics != nil {
		r.metrics.RouterForwards.WithLabelValues("set").Inc()
	}
	_, err := r.withBreaker(target.PropagateEP, func() (any, error) {
		return nil, forwardSet(ctx, target.PropagateEP, cmd, r.dialTimeout)
	})
	return err
}

// Delete implements the DELETE decision tree, symmetric to Store's.
func (r *Router) Delete(ctx context.Context, key string) (cacheadapter.DeleteResult, error) {
	p := hashing.Project([]byte(key), r.world)
	st := r.modeSrc.Current()

	if st.Tag == mode.Normal {
		if st.NewZone.Contains(p) {
			return r.cache.Delete(key), nil
		}
		res := r.cache.Delete(key)
		if err := r.forwardDelete(ctx, p, key); err != nil {
			return res, err
		}
		return cacheadapter.Deleted, nil
	}

	if st.NewZone.Contains(p) {
		return r.cache.Delete(key), nil
	}
	r.trash.Add(key)
	return cacheadapter.Deleted, nil
}

func (r *Router) forwardDelete(ctx context.Context, p geo.Point, key string) error {
	target, ok := r.neighbours.BestForPoint(p)
	if !ok {
		return errs.Routing(errs.CodeNeighbourUnreachable, "no neighbour known for point", nil, "key", key)
	}
	if r.metrics != nil {
		r.metrics.RouterForwards.WithLabelValues("delete").Inc()
	}
	_, err := r.withBreaker(target.PropagateEP, func() (any, error) {
		return nil, forwardDelete(ctx, target.PropagateEP, key, r.dialTimeout)
	})
	return err
}

func (r *Router) withBreaker(propagateEP string, fn func() (any, error)) (any, error) {
	cb := r.breakerFor(propagateEP)
	result, err := cb.Execute(fn)
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, errs.Routing(errs.CodeCircuitOpen, "neighbour circuit open", err, "propagate_ep", propagateEP)
		}
		return nil, errs.Routing(errs.CodeNeighbourUnreachable, "neighbour forward failed", err, "propagate_ep", propagateEP)
	}
	return result, nil
}

// forwardGet, forwardSet and forwardDelete implement the three-message
// node-to-node forwarding exchange.
func forwardGet(ctx context.Context, propagateEP, key string, dialTimeout time.Duration) (GetResult, error) {
	conn, err := dial(ctx, propagateEP, dialTimeout)
	if err != nil {
		return GetResult{}, err
	}
	defer conn.Close()

	if err := wire.WriteFrame(conn, "get"); err != nil {
		return GetResult{}, err
	}
	if err := wire.WriteFrame(conn, key); err != nil {
		return GetResult{}, err
	}
	reply, err := wire.ReadFrame(conn)
	if err != nil {
		return GetResult{}, err
	}
	if reply == "NOT FOUND" {
		return GetResult{Found: false}, nil
	}
	var flags uint64
	var exptimeUnix int64
	var length int
	if _, err := fmt.Sscanf(reply, "%s %d %d %d", new(string), &flags, &exptimeUnix, &length); err != nil {
		return GetResult{}, errs.Protocol(errs.CodeMalformedFrame, "parse forwarded get reply header", err)
	}
	value, err := wire.ReadBytes(conn)
	if err != nil {
		return GetResult{}, err
	}
	var exptime time.Time
	if exptimeUnix != 0 {
		exptime = time.Unix(exptimeUnix, 0)
	}
	return GetResult{Found: true, Entry: cacheadapter.Entry{Key: key, Flags: uint32(flags), Exptime: exptime, Value: value}}, nil
}

func forwardSet(ctx context.Context, propagateEP string, cmd StoreCommand, dialTimeout time.Duration) error {
	conn, err := dial(ctx, propagateEP, dialTimeout)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := wire.WriteFrame(conn, "set"); err != nil {
		return err
	}
	var exptimeUnix int64
	if !cmd.Exptime.IsZero() {
		exptimeUnix = cmd.Exptime.Unix()
	}
	tail := fmt.Sprintf("%s %d %d %d", cmd.Key, cmd.Flags, exptimeUnix, len(cmd.Value))
	if err := wire.WriteFrame(conn, tail); err != nil {
		return err
	}
	if err := wire.WriteBytes(conn, cmd.Value); err != nil {
		return err
	}
	reply, err := wire.ReadFrame(conn)
	if err != nil {
		return err
	}
	if reply != "STORED" {
		return errs.Routing(errs.CodeNeighbourUnreachable, "forwarded set not stored", nil, "reply", reply)
	}
	return nil
}

func forwardDelete(ctx context.Context, propagateEP, key string, dialTimeout time.Duration) error {
	conn, err := dial(ctx, propagateEP, dialTimeout)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := wire.WriteFrame(conn, "delete"); err != nil {
		return err
	}
	if err := wire.WriteFrame(conn, key); err != nil {
		return err
	}
	reply, err := wire.ReadFrame(conn)
	if err != nil {
		return err
	}
	if reply != "DELETED" {
		return errs.Routing(errs.CodeNeighbourUnreachable, "forwarded delete not acknowledged", nil, "reply", reply)
	}
	return nil
}

func dial(ctx context.Context, addr string, timeout time.Duration) (net.Conn, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errs.Routing(errs.CodeNeighbourUnreachable, "dial neighbour", err, "propagate_ep", addr)
	}
	return conn, nil
}

// HandleInbound serves the peer side of the forwarding protocol: it reads
// one verb/argument pair off conn and replies in kind. It is meant
// to be invoked once per accepted connection on a node's propagate_ep
// listener whenever the frame is not a gossip verb (see internal/gossip
// for the sibling verbs on the same listener).
func (r *Router) HandleInbound(conn net.Conn, verb string) error {
	switch verb {
	case "get":
		key, err := wire.ReadFrame(conn)
		if err != nil {
			return err
		}
		e, ok := r.cache.Get(key)
		if !ok {
			return wire.WriteFrame(conn, "NOT FOUND")
		}
		var exptimeUnix int64
		if !e.Exptime.IsZero() {
			exptimeUnix = e.Exptime.Unix()
		}
		header := fmt.Sprintf("%s %d %d %d", key, e.Flags, exptimeUnix, len(e.Value))
		if err := wire.WriteFrame(conn, header); err != nil {
			return err
		}
		return wire.WriteBytes(conn, e.Value)
	case "set":
		tail, err := wire.ReadFrame(conn)
		if err != nil {
			return err
		}
		var key string
		var flags uint64
		var exptimeUnix int64
		var length int
		if _, err := fmt.Sscanf(tail, "%s %d %d %d", &key, &flags, &exptimeUnix, &length); err != nil {
			return errs.Protocol(errs.CodeMalformedFrame, "parse forwarded set tail", err)
		}
		value, err := wire.ReadBytes(conn)
		if err != nil {
			return err
		}
		var exptime time.Time
		if exptimeUnix != 0 {
			exptime = time.Unix(exptimeUnix, 0)
		}
		r.cache.Set(key, uint32(flags), exptime, value)
		return wire.WriteFrame(conn, "STORED")
	case "delete":
		key, err := wire.ReadFrame(conn)
		if err != nil {
			return err
		}
		r.cache.Delete(key)
		return wire.WriteFrame(conn, "DELETED")
	default:
		return errs.Protocol(errs.CodeUnknownVerb, "unknown forwarding verb", nil, "verb", verb)
	}
}
