// Package bootstrap implements the single centralized process that
// allocates join ports and picks a parent for new joiners. Grounded on
// the DHT rendezvous node in kernel/core/mesh/dht.go (its bootstrap-peer
// accept loop), re-targeted from peer-discovery records to zone/area
// bookkeeping. The registry here is a plain growable map keyed by
// join_ep rather than the original prototype's fixed array-of-10.
package bootstrap

import (
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/zonemesh/zonemesh/internal/errs"
	"github.com/zonemesh/zonemesh/internal/geo"
	"github.com/zonemesh/zonemesh/internal/wire"
)

// Entry is one registered node in the directory.
type Entry struct {
	JoinEP string
	Zone   geo.Rect
}

// Directory is the bootstrap service's in-memory registry. Safe for
// concurrent use: each of ADDITION/UPDATE/DEPARTURE is a stateless
// accept-loop contending for the same mutex — ordering across channels
// is irrelevant since each message is self-contained.
type Directory struct {
	world geo.Rect

	mu      sync.Mutex
	entries map[string]Entry // keyed by join_ep

	logger *slog.Logger
}

// New builds an empty Directory for a cluster whose keyspace is world.
func New(world geo.Rect, logger *slog.Logger) *Directory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Directory{
		world:   world,
		entries: make(map[string]Entry),
		logger:  logger.With("component", "bootstrap_directory"),
	}
}

// largestAreaParent returns the registered node with the greatest zone
// area, the simplest reasonable load-spreading heuristic. Map iteration
// order is randomized, so candidates are sorted by join_ep first; ties on
// area then always resolve to the same entry regardless of iteration order.
func (d *Directory) largestAreaParent() (Entry, bool) {
	if len(d.entries) == 0 {
		return Entry{}, false
	}
	joinEPs := make([]string, 0, len(d.entries))
	for ep := range d.entries {
		joinEPs = append(joinEPs, ep)
	}
	sort.Strings(joinEPs)

	best := d.entries[joinEPs[0]]
	bestArea := best.Zone.Area()
	for _, ep := range joinEPs[1:] {
		e := d.entries[ep]
		if a := e.Zone.Area(); a > bestArea {
			best, bestArea = e, a
		}
	}
	return best, true
}

// HandleAddition serves one ADDITION connection: it allocates the
// joiner's future join_ep — a free port on the joiner's own host, which
// the joiner (not the directory) will bind — sends it back along with the
// WorldRect, replies FIRST or NOTFIRST, and records the joiner. The port
// is reserved by briefly opening and immediately closing a listener on
// the joiner's address; the directory has no way to hold the port open on
// a remote host, so a second process grabbing it before the joiner binds
// is a narrow, accepted race (the joiner's own listen call simply fails
// and it can retry the whole ADDITION exchange).
func (d *Directory) HandleAddition(conn net.Conn) error {
	requestID := uuid.NewString()
	logger := d.logger.With("request_id", requestID, "verb", "ADDITION")

	joinerHost, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return errs.Protocol(errs.CodeMalformedFrame, "split joiner remote address", err)
	}
	port, err := reserveFreePort(joinerHost)
	if err != nil {
		return errs.Protocol(errs.CodeMalformedFrame, "reserve join_ep port", err)
	}
	joinEP := fmt.Sprintf("%s:%d", joinerHost, port)

	if err := wire.WriteFrame(conn, joinEP); err != nil {
		return errs.Protocol(errs.CodeMalformedFrame, "send join_ep", err)
	}
	if err := wire.WriteFrame(conn, d.world.String()); err != nil {
		return errs.Protocol(errs.CodeMalformedFrame, "send world rect", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.entries) == 0 {
		if err := wire.WriteFrame(conn, "FIRST 0"); err != nil {
			return err
		}
		d.entries[joinEP] = Entry{JoinEP: joinEP, Zone: d.world}
		logger.Info("registered first node", "join_ep", joinEP)
		return nil
	}

	parent, ok := d.largestAreaParent()
	if !ok {
		return errs.Topology(errs.CodeMergeNotAdjacent, "directory non-empty but no parent found", nil)
	}
	if err := wire.WriteFrame(conn, fmt.Sprintf("NOTFIRST %s", parent.JoinEP)); err != nil {
		return err
	}
	// The joiner's zone is unknown until the join handshake with parent
	// completes; register a placeholder now so HandleUpdate can find it by
	// join_ep, and overwrite the zone once the child reports in.
	d.entries[joinEP] = Entry{JoinEP: joinEP}
	logger.Info("assigned parent", "join_ep", joinEP, "parent_join_ep", parent.JoinEP)
	return nil
}

// reserveFreePort asks the kernel for an unused TCP port on host by
// briefly binding port 0 and reading back what it chose.
func reserveFreePort(host string) (int, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, err
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port, nil
}

// HandleUpdate serves one UPDATE connection: a post-split child reports
// its own zone/join_ep and the parent's new zone/join_ep so the
// directory's area ordering stays correct.
func (d *Directory) HandleUpdate(conn net.Conn) error {
	requestID := uuid.NewString()
	logger := d.logger.With("request_id", requestID, "verb", "UPDATE")

	childZoneStr, err := wire.ReadFrame(conn)
	if err != nil {
		return err
	}
	childJoinEP, err := wire.ReadFrame(conn)
	if err != nil {
		return err
	}
	parentZoneStr, err := wire.ReadFrame(conn)
	if err != nil {
		return err
	}
	parentJoinEP, err := wire.ReadFrame(conn)
	if err != nil {
		return err
	}

	childZone, err := geo.ParseRect(childZoneStr)
	if err != nil {
		return err
	}
	parentZone, err := geo.ParseRect(parentZoneStr)
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.entries[childJoinEP] = Entry{JoinEP: childJoinEP, Zone: childZone}
	d.entries[parentJoinEP] = Entry{JoinEP: parentJoinEP, Zone: parentZone}
	d.mu.Unlock()

	logger.Info("updated registry after split", "child_join_ep", childJoinEP, "parent_join_ep", parentJoinEP)
	return nil
}

// HandleDeparture serves one DEPARTURE connection: a dying child reports
// itself and the absorbing parent's merged zone; the directory removes
// the child and updates the parent.
func (d *Directory) HandleDeparture(conn net.Conn) error {
	requestID := uuid.NewString()
	logger := d.logger.With("request_id", requestID, "verb", "DEPARTURE")

	childJoinEP, err := wire.ReadFrame(conn)
	if err != nil {
		return err
	}
	mergedZoneStr, err := wire.ReadFrame(conn)
	if err != nil {
		return err
	}
	parentJoinEP, err := wire.ReadFrame(conn)
	if err != nil {
		return err
	}

	mergedZone, err := geo.ParseRect(mergedZoneStr)
	if err != nil {
		return err
	}

	d.mu.Lock()
	delete(d.entries, childJoinEP)
	d.entries[parentJoinEP] = Entry{JoinEP: parentJoinEP, Zone: mergedZone}
	d.mu.Unlock()

	logger.Info("removed departed node", "child_join_ep", childJoinEP, "parent_join_ep", parentJoinEP)
	return nil
}

// Snapshot returns every currently-registered entry; it is used by tests.
func (d *Directory) Snapshot() []Entry {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Entry, 0, len(d.entries))
	for _, e := range d.entries {
		out = append(out, e)
	}
	return out
}

// Serve accepts connections on ln forever, dispatching each to the
// ADDITION/UPDATE/DEPARTURE handler named by the connection's first
// frame. It returns only when ln.Accept fails (typically because ln was
// closed by the caller during shutdown).
func (d *Directory) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go d.handleConn(conn)
	}
}

func (d *Directory) handleConn(conn net.Conn) {
	verb, err := wire.ReadFrame(conn)
	if err != nil {
		conn.Close()
		return
	}

	switch verb {
	case "ADDITION":
		defer conn.Close()
		if err := d.HandleAddition(conn); err != nil {
			d.logger.Warn("ADDITION failed", "error", err)
		}
	case "UPDATE":
		defer conn.Close()
		if err := d.HandleUpdate(conn); err != nil {
			d.logger.Warn("UPDATE failed", "error", err)
		}
	case "DEPARTURE":
		defer conn.Close()
		if err := d.HandleDeparture(conn); err != nil {
			d.logger.Warn("DEPARTURE failed", "error", err)
		}
	default:
		conn.Close()
		d.logger.Warn("unknown bootstrap verb", "verb", verb)
	}
}
