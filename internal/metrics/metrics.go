// Package metrics wires prometheus/client_golang into ZoneMesh's ambient
// observability surface, promoted to a direct dependency and used the
// way the rest of the Go ecosystem does: Collectors held as fields of a
// per-node bundle, registered on that node's own Registry and exposed
// over /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"net/http"
)

// Node bundles every metric a single ZoneMesh node exposes. TrashSetSize,
// NeighbourTableSize and ModeTransitions are registered, but no caller in
// this module updates them.
type Node struct {
	Registry *prometheus.Registry

	MigrationEntriesMoved prometheus.Counter
	MigrationTrashMoved   prometheus.Counter
	TrashSetSize          prometheus.Gauge
	NeighbourTableSize    prometheus.Gauge
	RouterForwards        *prometheus.CounterVec
	RouterLocalServed     prometheus.Counter
	GossipSent            *prometheus.CounterVec
	GossipReceived        *prometheus.CounterVec
	ModeTransitions       *prometheus.CounterVec
}

// NewNode builds and registers every node-level metric against a fresh
// Registry. nodeID is attached as a constant label so metrics scraped from
// a multi-process test harness can be told apart.
func NewNode(nodeID string) *Node {
	reg := prometheus.NewRegistry()
	constLabels := prometheus.Labels{"node_id": nodeID}

	n := &Node{
		Registry: reg,
		MigrationEntriesMoved: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "zonemesh_migration_entries_moved_total",
			Help:        "Cache entries streamed across a split or merge boundary.",
			ConstLabels: constLabels,
		}),
		MigrationTrashMoved: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "zonemesh_migration_trash_moved_total",
			Help:        "Trashed keys streamed to a peer for deletion during migration.",
			ConstLabels: constLabels,
		}),
		TrashSetSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "zonemesh_trash_set_size",
			Help:        "Current size of this node's trash set.",
			ConstLabels: constLabels,
		}),
		NeighbourTableSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "zonemesh_neighbour_table_size",
			Help:        "Current number of neighbours tracked by this node.",
			ConstLabels: constLabels,
		}),
		RouterForwards: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "zonemesh_router_forwards_total",
			Help:        "Client commands forwarded to a neighbour, by verb.",
			ConstLabels: constLabels,
		}, []string{"verb"}),
		RouterLocalServed: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "zonemesh_router_local_served_total",
			Help:        "Client commands served from the local cache.",
			ConstLabels: constLabels,
		}),
		GossipSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "zonemesh_gossip_sent_total",
			Help:        "Gossip messages sent, by verb.",
			ConstLabels: constLabels,
		}, []string{"verb"}),
		GossipReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "zonemesh_gossip_received_total",
			Help:        "Gossip messages received, by verb.",
			ConstLabels: constLabels,
		}, []string{"verb"}),
		ModeTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "zonemesh_mode_transitions_total",
			Help:        "Node mode transitions, by resulting mode.",
			ConstLabels: constLabels,
		}, []string{"mode"}),
	}

	reg.MustRegister(
		n.MigrationEntriesMoved,
		n.MigrationTrashMoved,
		n.TrashSetSize,
		n.NeighbourTableSize,
		n.RouterForwards,
		n.RouterLocalServed,
		n.GossipSent,
		n.GossipReceived,
		n.ModeTransitions,
	)
	return n
}

// Handler returns the HTTP handler to mount at /metrics.
func (n *Node) Handler() http.Handler {
	return promhttp.HandlerFor(n.Registry, promhttp.HandlerOpts{})
}
