// Package gossip implements ADD_NEIGHBOUR, REMOVE_NEIGHBOUR and
// UPDATE_NEIGHBOUR notifications sent directly to
// every node whose adjacency changed (gossip here is not transitive).
// Grounded on kernel/core/mesh/routing/gossip.go's GossipManager: a
// bloom filter dedups messages seen before, and a token-bucket rate
// limiter throttles outbound sends per-peer. ZoneMesh's topology
// notifications are far smaller in volume than that epidemic
// chunk-advertisement gossip, but the same two safeguards apply
// any time a node is mid-split and re-sends a notification after a
// dial timeout.
package gossip

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/yasserelgammal/rate-limiter/limiter"
	"github.com/yasserelgammal/rate-limiter/store"

	"github.com/zonemesh/zonemesh/internal/geo"
	"github.com/zonemesh/zonemesh/internal/metrics"
	"github.com/zonemesh/zonemesh/internal/neighbor"
	"github.com/zonemesh/zonemesh/internal/wire"
)

// Verb identifies one of the three gossip notifications.
type Verb string

const (
	AddNeighbour    Verb = "ADD_NEIGHBOUR"
	RemoveNeighbour Verb = "REMOVE_NEIGHBOUR"
	UpdateNeighbour Verb = "UPDATE_NEIGHBOUR"
)

// Message is one gossip notification as received off the wire.
type Message struct {
	Verb Verb
	Rec  neighbor.Record
}

// Sender delivers gossip notifications to specific neighbours over their
// PropagateEP. Each Send dials a fresh TCP connection; ZoneMesh's
// topology-change traffic is low-rate enough that connection reuse is not
// worth the bookkeeping (unlike routing/gossip.go's high-frequency chunk
// gossip, which keeps long-lived peer connections open).
type Sender struct {
	dialTimeout time.Duration
	limiter     *limiter.TokenBucket
	limiterMu   sync.Mutex
	metrics     *metrics.Node
	logger      *slog.Logger
}

// NewSender builds a Sender rate-limited to maxPerSecond notifications
// per peer, with burst allowance burst.
func NewSender(maxPerSecond, burst int, m *metrics.Node, logger *slog.Logger) (*Sender, error) {
	if logger == nil {
		logger = slog.Default()
	}
	tb, err := limiter.NewTokenBucket(
		limiter.Config{
			Rate:     int64(maxPerSecond),
			Duration: time.Second,
			Burst:    int64(burst),
		},
		store.NewMemoryStore(time.Minute),
	)
	if err != nil {
		return nil, fmt.Errorf("gossip: build rate limiter: %w", err)
	}
	return &Sender{
		dialTimeout: 10 * time.Second,
		limiter:     tb,
		metrics:     m,
		logger:      logger.With("component", "gossip_sender"),
	}, nil
}

// Send dials target's PropagateEP and delivers one gossip notification.
// It blocks until the rate limiter admits the send or ctx is done.
func (s *Sender) Send(ctx context.Context, targetPropagateEP string, verb Verb, rec neighbor.Record) error {
	for {
		s.limiterMu.Lock()
		allowed := s.limiter.Allow(targetPropagateEP)
		s.limiterMu.Unlock()
		if allowed {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}

	dialer := net.Dialer{Timeout: s.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", targetPropagateEP)
	if err != nil {
		return fmt.Errorf("gossip: dial %s: %w", targetPropagateEP, err)
	}
	defer conn.Close()

	if err := writeMessage(conn, verb, rec); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.GossipSent.WithLabelValues(string(verb)).Inc()
	}
	s.logger.Debug("sent gossip", "verb", verb, "target", targetPropagateEP, "zone", rec.Zone.String())
	return nil
}

// SendOverConn writes one gossip message over an already-established
// connection, still subject to the same per-peer rate limit as Send. It
// exists so tests (and any future long-lived-connection transport) can
// reuse the framing and rate-limiting logic without going through a dial.
func (s *Sender) SendOverConn(ctx context.Context, conn net.Conn, verb Verb, rec neighbor.Record) error {
	peerKey := conn.RemoteAddr().String()
	for {
		s.limiterMu.Lock()
		allowed := s.limiter.Allow(peerKey)
		s.limiterMu.Unlock()
		if allowed {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}
	if err := writeMessage(conn, verb, rec); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.GossipSent.WithLabelValues(string(verb)).Inc()
	}
	return nil
}

func writeMessage(w io.Writer, verb Verb, rec neighbor.Record) error {
	if err := wire.WriteFrame(w, string(verb)); err != nil {
		return err
	}
	if err := wire.WriteFrame(w, wire.EndpointTriple(rec.JoinEP, rec.PropagateEP, rec.RemovalEP)); err != nil {
		return err
	}
	return wire.WriteFrame(w, rec.Zone.String())
}

// Receiver dedups and applies inbound gossip notifications against a
// NeighbourTable, applying per-verb semantics: ADD is
// add_or_update, REMOVE is remove_by_propagate_ep, UPDATE is
// add_or_update only when an entry already exists (otherwise ignored).
type Receiver struct {
	table *neighbor.Table

	seenMu sync.Mutex
	seen   *bloom.BloomFilter

	metrics *metrics.Node
	logger  *slog.Logger
}

// NewReceiver builds a Receiver applying notifications to table.
func NewReceiver(table *neighbor.Table, m *metrics.Node, logger *slog.Logger) *Receiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Receiver{
		table:   table,
		seen:    bloom.NewWithEstimates(10000, 0.01),
		metrics: m,
		logger:  logger.With("component", "gossip_receiver"),
	}
}

// HandleConn reads a single gossip message off conn and applies it. It is
// meant to be invoked once per accepted connection on a node's
// PropagateEP listener, as the gossip side of that listener's duties
// (the other side being the router's request-forwarding traffic).
func (r *Receiver) HandleConn(conn net.Conn) error {
	verbStr, err := wire.ReadFrame(conn)
	if err != nil {
		return fmt.Errorf("gossip: read verb: %w", err)
	}
	return r.HandleMessage(conn, Verb(verbStr))
}

// HandleMessage reads the endpoint-triple and zone frames following an
// already-consumed verb frame and applies the notification. It exists so
// a caller sharing one listener between gossip and other protocols (see
// internal/node) can peek the verb itself before dispatching, without
// gossip needing to re-read it.
func (r *Receiver) HandleMessage(conn net.Conn, verb Verb) error {
	epTriple, err := wire.ReadFrame(conn)
	if err != nil {
		return fmt.Errorf("gossip: read endpoint triple: %w", err)
	}
	zoneStr, err := wire.ReadFrame(conn)
	if err != nil {
		return fmt.Errorf("gossip: read zone: %w", err)
	}

	joinEP, propagateEP, removalEP, err := wire.ParseEndpointTriple(epTriple)
	if err != nil {
		return err
	}
	zone, err := geo.ParseRect(zoneStr)
	if err != nil {
		return err
	}

	msgID := fmt.Sprintf("%s|%s|%s", verb, propagateEP, zoneStr)

	r.seenMu.Lock()
	dup := r.seen.Test([]byte(msgID))
	if !dup {
		r.seen.Add([]byte(msgID))
	}
	r.seenMu.Unlock()
	if dup {
		r.logger.Debug("dropping duplicate gossip message", "verb", verb, "propagate_ep", propagateEP)
		return nil
	}

	rec := neighbor.Record{JoinEP: joinEP, PropagateEP: propagateEP, RemovalEP: removalEP, Zone: zone}
	r.apply(verb, rec)
	if r.metrics != nil {
		r.metrics.GossipReceived.WithLabelValues(string(verb)).Inc()
	}
	return nil
}

func (r *Receiver) apply(verb Verb, rec neighbor.Record) {
	switch verb {
	case AddNeighbour:
		r.table.AddOrUpdate(rec)
	case RemoveNeighbour:
		r.table.RemoveByPropagateEP(rec.PropagateEP)
	case UpdateNeighbour:
		if _, exists := r.table.FindByZone(rec.Zone); exists {
			r.table.AddOrUpdate(rec)
			return
		}
		// UPDATE only applies when a matching neighbour is already present;
		// otherwise it's ignored. FindByZone is an approximation of presence
		// since the table is keyed by PropagateEP; fall back to a direct
		// membership probe against the new record's endpoint.
		for _, existing := range r.table.Snapshot() {
			if existing.PropagateEP == rec.PropagateEP {
				r.table.AddOrUpdate(rec)
				return
			}
		}
		r.logger.Debug("ignoring UPDATE_NEIGHBOUR for unknown neighbour", "propagate_ep", rec.PropagateEP)
	default:
		r.logger.Warn("unknown gossip verb", "verb", verb)
	}
}
