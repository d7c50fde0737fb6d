// Package node wires every ZoneMesh component into one running process:
// NeighbourTable, TrashSet, CacheAdapter, the mode state machine, and the
// join_ep/propagate_ep/removal_ep listeners that drive JoinProtocol,
// DepartureProtocol, NeighbourGossip, the Router's inbound forwarding
// side, and MigrationEngine. Grounded on the top-level MeshCoordinator
// in kernel/core/mesh/mesh_coordinator.go, which plays the same "one
// struct holds every subsystem, one accept loop per concern" role for
// its DHT/gossip/transport stack.
package node

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/zonemesh/zonemesh/internal/bootstrap"
	"github.com/zonemesh/zonemesh/internal/cacheadapter"
	"github.com/zonemesh/zonemesh/internal/clientserver"
	"github.com/zonemesh/zonemesh/internal/errs"
	"github.com/zonemesh/zonemesh/internal/geo"
	"github.com/zonemesh/zonemesh/internal/gossip"
	"github.com/zonemesh/zonemesh/internal/metrics"
	"github.com/zonemesh/zonemesh/internal/migration"
	"github.com/zonemesh/zonemesh/internal/mode"
	"github.com/zonemesh/zonemesh/internal/neighbor"
	"github.com/zonemesh/zonemesh/internal/protocol/departure"
	"github.com/zonemesh/zonemesh/internal/protocol/join"
	"github.com/zonemesh/zonemesh/internal/router"
	"github.com/zonemesh/zonemesh/internal/trash"
	"github.com/zonemesh/zonemesh/internal/wire"
)

// ModeHolder is a single-writer mode.State cell: written only by whichever
// goroutine drives a transition, read by many. Readers may observe a
// stale value and must tolerate a transition-vs-Normal mismatch. Router
// reads it through the router.ModeSource interface; only protocol drivers
// (join/departure) call Set.
type ModeHolder struct {
	mu sync.RWMutex
	st mode.State
}

// NewModeHolder builds a ModeHolder starting in NORMAL mode over zone.
func NewModeHolder(zone geo.Rect) *ModeHolder {
	return &ModeHolder{st: mode.NormalState(zone)}
}

func (h *ModeHolder) Current() mode.State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.st
}

func (h *ModeHolder) Set(st mode.State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.st = st
}

// Config is everything a Node needs to start.
type Config struct {
	World             geo.Rect
	BootstrapAddr     string
	ClientAddr        string
	JoinAddr          string
	PropagateAddr     string
	RemovalAddr       string
	AdminAddr         string
	NeighbourCapacity int
}

// Node is one running ZoneMesh process: every cache, topology and protocol
// component wired together and driven by four listeners (client, join,
// propagate, removal) plus an admin HTTP server.
type Node struct {
	cfg Config

	cache      cacheadapter.Adapter
	neighbours *neighbor.Table
	trash      *trash.Set
	modeH      *ModeHolder

	router       *router.Router
	migrationEng *migration.Engine
	gossipSender *gossip.Sender
	gossipRecv   *gossip.Receiver
	statusHub    *clientserver.StatusHub
	metrics      *metrics.Node
	logger       *slog.Logger

	selfPropagateEP string
	selfRemovalEP   string
	selfJoinEP      string

	listeners []net.Listener
}

// New constructs a Node with fresh listeners bound at the configured
// addresses, but does not yet accept connections or join the cluster —
// call Run for that. Building the listeners up front lets the caller
// learn the node's actual endpoints (useful when *Addr fields ask for an
// ephemeral port) before reporting to the bootstrap directory.
func New(cfg Config, cache cacheadapter.Adapter, logger *slog.Logger) (*Node, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cache == nil {
		cache = cacheadapter.NewMemory()
	}

	clientLn, err := net.Listen("tcp", cfg.ClientAddr)
	if err != nil {
		return nil, fmt.Errorf("node: listen client_addr: %w", err)
	}
	joinLn, err := net.Listen("tcp", cfg.JoinAddr)
	if err != nil {
		return nil, fmt.Errorf("node: listen join_addr: %w", err)
	}
	propagateLn, err := net.Listen("tcp", cfg.PropagateAddr)
	if err != nil {
		return nil, fmt.Errorf("node: listen propagate_addr: %w", err)
	}
	removalLn, err := net.Listen("tcp", cfg.RemovalAddr)
	if err != nil {
		return nil, fmt.Errorf("node: listen removal_addr: %w", err)
	}
	adminLn, err := net.Listen("tcp", cfg.AdminAddr)
	if err != nil {
		return nil, fmt.Errorf("node: listen admin_addr: %w", err)
	}

	m := metrics.NewNode(propagateLn.Addr().String())
	nodeLogger := logger.With("component", "node", "node_id", propagateLn.Addr().String())

	neighbours := neighbor.New(propagateLn.Addr().String(), cfg.NeighbourCapacity, nodeLogger)
	ts := trash.New()
	modeH := NewModeHolder(cfg.World)

	migrationEng, err := migration.New(cache, cfg.World, 5000, 500, m, nodeLogger)
	if err != nil {
		return nil, fmt.Errorf("node: build migration engine: %w", err)
	}
	gossipSender, err := gossip.NewSender(50, 20, m, nodeLogger)
	if err != nil {
		return nil, fmt.Errorf("node: build gossip sender: %w", err)
	}
	gossipRecv := gossip.NewReceiver(neighbours, m, nodeLogger)

	rt := router.New(cfg.World, cache, neighbours, ts, modeH, m, nodeLogger)
	hub := clientserver.NewStatusHub(nodeLogger)

	n := &Node{
		cfg:             cfg,
		cache:           cache,
		neighbours:      neighbours,
		trash:           ts,
		modeH:           modeH,
		router:          rt,
		migrationEng:    migrationEng,
		gossipSender:    gossipSender,
		gossipRecv:      gossipRecv,
		statusHub:       hub,
		metrics:         m,
		logger:          nodeLogger,
		selfPropagateEP: propagateLn.Addr().String(),
		selfRemovalEP:   removalLn.Addr().String(),
		selfJoinEP:      joinLn.Addr().String(),
		listeners:       []net.Listener{clientLn, joinLn, propagateLn, removalLn, adminLn},
	}
	return n, nil
}

// PropagateEP, RemovalEP, JoinEP expose this node's bound endpoints (the
// concrete addresses after an ephemeral-port bind), needed by the
// bootstrap handshake and tests.
func (n *Node) PropagateEP() string { return n.selfPropagateEP }
func (n *Node) RemovalEP() string   { return n.selfRemovalEP }
func (n *Node) JoinEP() string      { return n.selfJoinEP }
func (n *Node) ClientAddr() string  { return n.listeners[0].Addr().String() }

// Run starts every listener's accept loop and blocks until ctx is
// cancelled. JoinCluster (for non-root nodes) must be called before Run
// to perform the initial split handshake with a chosen parent.
func (n *Node) Run(ctx context.Context) error {
	clientSrv := clientserver.New(n.router, n.cache, n, n.logger)

	errc := make(chan error, 5)
	go func() { errc <- clientSrv.Serve(n.listeners[0]) }()
	go func() { errc <- n.serveJoin(n.listeners[1]) }()
	go func() { errc <- n.servePropagate(n.listeners[2]) }()
	go func() { errc <- n.serveRemoval(n.listeners[3]) }()
	go func() { errc <- n.serveAdmin(n.listeners[4]) }()

	select {
	case <-ctx.Done():
		for _, ln := range n.listeners {
			ln.Close()
		}
		return ctx.Err()
	case err := <-errc:
		return err
	}
}

func (n *Node) serveAdmin(ln net.Listener) error {
	mux := clientserver.AdminMux(n.metrics, n.statusHub)
	return http.Serve(ln, mux)
}

// serveJoin accepts connections on join_ep: each one is a new child
// wanting to split this node's zone.
func (n *Node) serveJoin(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go n.handleJoinConn(conn)
	}
}

func (n *Node) handleJoinConn(conn net.Conn) {
	defer conn.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	n.modeH.Set(mode.State{Tag: mode.SplittingParentInit, NewZone: n.modeH.Current().NewZone})
	currentZone := n.modeH.Current().NewZone

	right, ok := n.neighbours.BestForPoint(geo.Point{X: currentZone.To.X, Y: currentZone.From.Y})
	var rn *neighbor.Record
	if ok && right.Zone.From.X >= (currentZone.From.X+currentZone.To.X)/2 {
		rn = &right
	}

	result, err := join.RunParent(conn, currentZone, n.selfJoinEP, n.selfPropagateEP, n.selfRemovalEP, rn)
	if err != nil {
		n.logger.Warn("join handshake failed", "error", err)
		n.modeH.Set(mode.NormalState(currentZone))
		return
	}
	n.statusHub.NotifyModeTransition(mode.State{Tag: mode.SplittingParentMigrating, NewZone: result.ParentNewZone})
	n.modeH.Set(mode.State{Tag: mode.SplittingParentMigrating, NewZone: result.ParentNewZone, Peer: mode.PeerEndpoints{
		PropagateEP: result.ChildPeer.PropagateEP, RemovalEP: result.ChildPeer.RemovalEP,
	}})

	if err := n.migrationEng.StreamOut(ctx, conn, migration.SplitParent, result.ChildZone, n.trash); err != nil {
		n.logger.Error("split migration failed", "error", err)
		return
	}

	n.neighbours.AddOrUpdate(result.ChildPeer)
	n.gossipFanOutAfterSplit(ctx, currentZone, result)

	n.modeH.Set(mode.NormalState(result.ParentNewZone))
	n.statusHub.NotifyModeTransition(n.modeH.Current())
	n.statusHub.NotifyNeighbourTableSize(n.neighbours.Len())
}

// gossipFanOutAfterSplit notifies affected neighbours once a split
// completes: ADD_NEIGHBOUR for the new child where it became adjacent,
// REMOVE_NEIGHBOUR where the parent's shrunken zone is no longer
// adjacent, and UPDATE_NEIGHBOUR for the parent's own new zone.
func (n *Node) gossipFanOutAfterSplit(ctx context.Context, oldZone geo.Rect, result join.ParentResult) {
	for _, old := range n.neighbours.Snapshot() {
		if old.PropagateEP == result.ChildPeer.PropagateEP {
			continue
		}
		wasAdjacentToChild := geo.AreAdjacent(old.Zone, result.ChildZone)
		stillAdjacentToParent := geo.AreAdjacent(old.Zone, result.ParentNewZone)

		if wasAdjacentToChild {
			_ = n.gossipSender.Send(ctx, old.PropagateEP, gossip.AddNeighbour, result.ChildPeer)
		}
		if !stillAdjacentToParent {
			_ = n.gossipSender.Send(ctx, old.PropagateEP, gossip.RemoveNeighbour, neighbor.Record{
				JoinEP: n.selfJoinEP, PropagateEP: n.selfPropagateEP, RemovalEP: n.selfRemovalEP, Zone: result.ParentNewZone,
			})
			n.neighbours.RemoveByPropagateEP(old.PropagateEP)
			continue
		}
		_ = n.gossipSender.Send(ctx, old.PropagateEP, gossip.UpdateNeighbour, neighbor.Record{
			JoinEP: n.selfJoinEP, PropagateEP: n.selfPropagateEP, RemovalEP: n.selfRemovalEP, Zone: result.ParentNewZone,
		})
	}
}

// servePropagate accepts connections on propagate_ep. Each connection
// carries either a Router forwarding request (get/set/delete) or a
// NeighbourGossip notification; the first frame's verb disambiguates.
func (n *Node) servePropagate(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go n.handlePropagateConn(conn)
	}
}

func (n *Node) handlePropagateConn(conn net.Conn) {
	defer conn.Close()
	verb, err := wire.ReadFrame(conn)
	if err != nil {
		return
	}
	switch verb {
	case "get", "set", "delete":
		if err := n.router.HandleInbound(conn, verb); err != nil {
			n.logger.Warn("inbound forward failed", "verb", verb, "error", err)
		}
	case string(gossip.AddNeighbour), string(gossip.RemoveNeighbour), string(gossip.UpdateNeighbour):
		if err := n.gossipRecv.HandleMessage(conn, gossip.Verb(verb)); err != nil {
			n.logger.Warn("gossip handling failed", "verb", verb, "error", err)
		}
		n.statusHub.NotifyNeighbourTableSize(n.neighbours.Len())
	default:
		n.logger.Warn("unknown propagate verb", "verb", verb)
	}
}

// serveRemoval accepts connections on removal_ep: each is a departing
// neighbour wanting to merge its zone into this node.
func (n *Node) serveRemoval(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go n.handleRemovalConn(conn)
	}
}

func (n *Node) handleRemovalConn(conn net.Conn) {
	defer conn.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	currentZone := n.modeH.Current().NewZone
	n.modeH.Set(mode.State{Tag: mode.MergingParentInit, NewZone: currentZone})

	result, err := departure.RunAbsorber(conn, currentZone)
	if err != nil {
		n.logger.Warn("departure handshake rejected", "error", err)
		n.modeH.Set(mode.NormalState(currentZone))
		return
	}

	n.modeH.Set(mode.State{Tag: mode.MergingParentMigrating, NewZone: result.MergedZone})
	n.statusHub.NotifyModeTransition(n.modeH.Current())

	departing, hadDeparting := n.neighbours.FindByZone(result.DepartingZone)

	if err := n.migrationEng.StreamIn(ctx, conn, migration.MergeParent); err != nil {
		n.logger.Error("merge migration failed", "error", err)
		return
	}

	if hadDeparting {
		n.neighbours.RemoveByPropagateEP(departing.PropagateEP)
	}
	for _, rec := range result.DepartingNeighbours {
		n.neighbours.AddOrUpdate(rec)
	}
	n.gossipFanOutAfterMerge(ctx, departing.PropagateEP, result)

	n.modeH.Set(mode.NormalState(result.MergedZone))
	n.statusHub.NotifyModeTransition(n.modeH.Current())
	n.statusHub.NotifyNeighbourTableSize(n.neighbours.Len())
}

// gossipFanOutAfterMerge notifies every neighbour the departing node D
// reported: each one gets ADD_NEIGHBOUR(M) for the absorbing node M and
// REMOVE_NEIGHBOUR(D) once D is gone.
func (n *Node) gossipFanOutAfterMerge(ctx context.Context, departingPropagateEP string, result departure.AbsorberResult) {
	selfRec := neighbor.Record{JoinEP: n.selfJoinEP, PropagateEP: n.selfPropagateEP, RemovalEP: n.selfRemovalEP, Zone: result.MergedZone}
	for _, rec := range result.DepartingNeighbours {
		_ = n.gossipSender.Send(ctx, rec.PropagateEP, gossip.AddNeighbour, selfRec)
		_ = n.gossipSender.Send(ctx, rec.PropagateEP, gossip.RemoveNeighbour, neighbor.Record{PropagateEP: departingPropagateEP, Zone: result.DepartingZone})
	}
}

// Depart implements clientserver.Departer: it picks this node's
// smallest-area neighbour and runs the child side of DepartureProtocol,
// then streams every live entry across to the absorbing node.
func (n *Node) Depart(ctx context.Context) (string, error) {
	target, ok := n.neighbours.SmallestByArea()
	if !ok {
		return "", errs.Topology(errs.CodeMergeNotAdjacent, "no neighbour available to merge into", nil)
	}

	dialer := net.Dialer{Timeout: 10 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", target.RemovalEP)
	if err != nil {
		return "", errs.Routing(errs.CodeNeighbourUnreachable, "dial merge target", err, "removal_ep", target.RemovalEP)
	}
	defer conn.Close()

	currentZone := n.modeH.Current().NewZone
	n.modeH.Set(mode.State{Tag: mode.MergingChildInit, NewZone: currentZone})

	neighbours := n.neighbours.Snapshot()
	result, err := departure.RunDepart(conn, currentZone, neighbours)
	if err != nil {
		n.modeH.Set(mode.NormalState(currentZone))
		return "", err
	}

	n.modeH.Set(mode.State{Tag: mode.MergingChildMigrating, NewZone: result.MergedZone})
	if err := n.migrationEng.StreamOut(ctx, conn, migration.MergeChild, result.MergedZone, n.trash); err != nil {
		return "", err
	}

	_ = bootstrap.SendDeparture(ctx, n.cfg.BootstrapAddr, n.selfJoinEP, result.MergedZone, target.JoinEP)

	for _, ln := range n.listeners {
		ln.Close()
	}
	return result.MergedZone.String(), nil
}

// JoinCluster runs the child side of JoinProtocol against parentJoinEP,
// dialed through the bootstrap directory's NOTFIRST reply. It must be
// called before Run for any non-root node.
func (n *Node) JoinCluster(ctx context.Context, parentJoinEP string) error {
	dialer := net.Dialer{Timeout: 10 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", parentJoinEP)
	if err != nil {
		return errs.Routing(errs.CodeNeighbourUnreachable, "dial parent join_ep", err, "parent_join_ep", parentJoinEP)
	}
	defer conn.Close()

	result, err := join.RunChild(conn, n.selfJoinEP, n.selfPropagateEP, n.selfRemovalEP)
	if err != nil {
		return err
	}

	n.modeH.Set(mode.State{Tag: mode.SplittingChildMigrating, NewZone: result.ChildZone})
	if err := n.migrationEng.StreamIn(ctx, conn, migration.SplitChild); err != nil {
		return err
	}

	n.neighbours.AddOrUpdate(result.ParentPeer)
	if result.RightNeighbor != nil {
		n.neighbours.AddOrUpdate(*result.RightNeighbor)
	}

	n.modeH.Set(mode.NormalState(result.ChildZone))
	n.statusHub.NotifyModeTransition(n.modeH.Current())

	_ = bootstrap.SendUpdate(ctx, n.cfg.BootstrapAddr, result.ChildZone, n.selfJoinEP, result.ParentNewZone, parentJoinEP)
	return nil
}
