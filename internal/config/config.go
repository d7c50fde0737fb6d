// Package config defines the CLI surface for both ZoneMesh binaries using
// github.com/alecthomas/kong's struct-tag style. kong is declared in the
// wider example pack (AKJUS-bsc-erigon's go.mod) but without a call site
// in the retrieved sources to imitate directly; the struct-tag idiom below
// follows kong's own documented usage, which is itself the idiomatic
// replacement for hand-rolled detectOptimalConfig() flag parsing.
package config

import (
	"fmt"

	"github.com/zonemesh/zonemesh/internal/geo"
)

// NodeCLI is the flag set for the zonemesh-node binary.
type NodeCLI struct {
	WorldTo           string `kong:"name='world-to',default='1000 1000',help='upper-right corner of the cluster WorldRect, as \"x y\" (origin is always 0,0).'"`
	Bootstrap         string `kong:"name='bootstrap',required,help='host:port of the bootstrap directory.'"`
	ClientAddr        string `kong:"name='client-addr',default='0.0.0.0:11211',help='address this node serves the memcache client protocol on.'"`
	JoinAddr          string `kong:"name='join-addr',default='0.0.0.0:0',help='address this node listens on for future joiners (0 picks an ephemeral port unless the bootstrap directory assigns one).'"`
	PropagateAddr     string `kong:"name='propagate-addr',default='0.0.0.0:0',help='address this node listens on for inter-node forwarding and gossip.'"`
	RemovalAddr       string `kong:"name='removal-addr',default='0.0.0.0:0',help='address this node listens on for departure/merge requests.'"`
	AdminAddr         string `kong:"name='admin-addr',default='0.0.0.0:0',help='address this node serves /metrics and /ws/status on.'"`
	NeighbourCapacity int    `kong:"name='neighbour-capacity',default='10',help='maximum neighbours tracked in the NeighbourTable.'"`
}

// BootstrapCLI is the flag set for the zonemesh-bootstrap binary.
type BootstrapCLI struct {
	WorldTo    string `kong:"name='world-to',default='1000 1000',help='upper-right corner of the cluster WorldRect, as \"x y\".'"`
	ListenAddr string `kong:"name='listen-addr',default='0.0.0.0:9000',help='address the bootstrap directory accepts ADDITION/UPDATE/DEPARTURE connections on.'"`
}

// World parses WorldTo into the cluster's WorldRect, validating the
// integer-coordinate requirement internal/hashing depends on.
func (c NodeCLI) World() (geo.Rect, error) {
	return parseWorldTo(c.WorldTo)
}

// World parses WorldTo into the cluster's WorldRect.
func (c BootstrapCLI) World() (geo.Rect, error) {
	return parseWorldTo(c.WorldTo)
}

func parseWorldTo(s string) (geo.Rect, error) {
	var x, y int
	if _, err := fmt.Sscanf(s, "%d %d", &x, &y); err != nil {
		return geo.Rect{}, fmt.Errorf("config: parse world-to %q: %w", s, err)
	}
	world := geo.Rect{From: geo.Point{X: 0, Y: 0}, To: geo.Point{X: float64(x), Y: float64(y)}}
	if !world.Valid() {
		return geo.Rect{}, fmt.Errorf("config: world-to %q produces an invalid zone", s)
	}
	return world, nil
}
