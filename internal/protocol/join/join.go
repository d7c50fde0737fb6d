// Package join implements the split handshake that turns a connecting
// node into a child by splitting the parent's zone.
// Grounded on the DHT bootstrap handshake in kernel/core/mesh/dht.go (a
// fixed-order request/response exchange over a freshly dialed
// connection), reframed with internal/wire's length-prefixed frames
// instead of dht.go's JSON-RPC envelopes.
package join

import (
	"fmt"
	"net"

	"github.com/zonemesh/zonemesh/internal/errs"
	"github.com/zonemesh/zonemesh/internal/geo"
	"github.com/zonemesh/zonemesh/internal/neighbor"
	"github.com/zonemesh/zonemesh/internal/wire"
)

// noneToken is sent in place of a neighbour record when the parent has no
// right-adjacent neighbour to hand off to the child.
const noneToken = "NONE"

// ParentResult is everything the parent-side handshake produces; the
// caller (internal/node) uses it to drive the mode transition and launch
// MigrationEngine.
type ParentResult struct {
	ChildZone     geo.Rect
	ParentNewZone geo.Rect
	ChildPeer     neighbor.Record // endpoints only; Zone is ChildZone
	RightNeighbor *neighbor.Record
}

// RunParent executes the parent side of the handshake over conn, which
// must already be the accepted connection on this node's join_ep listener.
// currentZone is the parent's zone before the split; selfJoinEP,
// selfPropagateEP and selfRemovalEP are the parent's own endpoints, sent to
// the child so it can register the parent as a neighbour.
func RunParent(conn net.Conn, currentZone geo.Rect, selfJoinEP, selfPropagateEP, selfRemovalEP string, rightNeighbor *neighbor.Record) (ParentResult, error) {
	parentNewZone, childZone := currentZone.BisectVertical()

	if err := wire.WriteFrame(conn, childZone.String()); err != nil {
		return ParentResult{}, errs.Protocol(errs.CodeMalformedFrame, "write child zone", err)
	}
	if err := wire.WriteFrame(conn, parentNewZone.String()); err != nil {
		return ParentResult{}, errs.Protocol(errs.CodeMalformedFrame, "write parent new zone", err)
	}
	if err := wire.WriteFrame(conn, wire.EndpointTriple(selfJoinEP, selfPropagateEP, selfRemovalEP)); err != nil {
		return ParentResult{}, errs.Protocol(errs.CodeMalformedFrame, "write parent endpoints", err)
	}

	childEPs, err := wire.ReadFrame(conn)
	if err != nil {
		return ParentResult{}, errs.Protocol(errs.CodeMalformedFrame, "read child endpoints", err)
	}
	childJoinEP, childPropagateEP, childRemovalEP, err := wire.ParseEndpointTriple(childEPs)
	if err != nil {
		return ParentResult{}, errs.Protocol(errs.CodeMalformedFrame, "parse child endpoints", err)
	}

	if rightNeighbor != nil {
		payload := fmt.Sprintf("%s %s", wire.EndpointTriple(rightNeighbor.JoinEP, rightNeighbor.PropagateEP, rightNeighbor.RemovalEP), rightNeighbor.Zone.String())
		if err := wire.WriteFrame(conn, payload); err != nil {
			return ParentResult{}, errs.Protocol(errs.CodeMalformedFrame, "write right neighbour", err)
		}
	} else {
		if err := wire.WriteFrame(conn, noneToken); err != nil {
			return ParentResult{}, errs.Protocol(errs.CodeMalformedFrame, "write NONE", err)
		}
	}

	return ParentResult{
		ChildZone:     childZone,
		ParentNewZone: parentNewZone,
		ChildPeer: neighbor.Record{
			JoinEP:      childJoinEP,
			PropagateEP: childPropagateEP,
			RemovalEP:   childRemovalEP,
			Zone:        childZone,
		},
		RightNeighbor: rightNeighbor,
	}, nil
}

// ChildResult is everything the child-side handshake produces.
type ChildResult struct {
	ChildZone     geo.Rect
	ParentNewZone geo.Rect
	ParentPeer    neighbor.Record
	RightNeighbor *neighbor.Record // nil if the parent sent NONE
}

// RunChild executes the child side of the handshake over conn, which must
// already be dialed to the chosen parent's join_ep. selfJoinEP,
// selfPropagateEP and selfRemovalEP are the child's own endpoints, sent to
// the parent once its zone messages are received.
func RunChild(conn net.Conn, selfJoinEP, selfPropagateEP, selfRemovalEP string) (ChildResult, error) {
	childZoneStr, err := wire.ReadFrame(conn)
	if err != nil {
		return ChildResult{}, errs.Protocol(errs.CodeMalformedFrame, "read child zone", err)
	}
	childZone, err := geo.ParseRect(childZoneStr)
	if err != nil {
		return ChildResult{}, errs.Protocol(errs.CodeMalformedFrame, "parse child zone", err)
	}

	parentZoneStr, err := wire.ReadFrame(conn)
	if err != nil {
		return ChildResult{}, errs.Protocol(errs.CodeMalformedFrame, "read parent new zone", err)
	}
	parentNewZone, err := geo.ParseRect(parentZoneStr)
	if err != nil {
		return ChildResult{}, errs.Protocol(errs.CodeMalformedFrame, "parse parent new zone", err)
	}

	parentEPs, err := wire.ReadFrame(conn)
	if err != nil {
		return ChildResult{}, errs.Protocol(errs.CodeMalformedFrame, "read parent endpoints", err)
	}
	parentJoinEP, parentPropagateEP, parentRemovalEP, err := wire.ParseEndpointTriple(parentEPs)
	if err != nil {
		return ChildResult{}, errs.Protocol(errs.CodeMalformedFrame, "parse parent endpoints", err)
	}

	if err := wire.WriteFrame(conn, wire.EndpointTriple(selfJoinEP, selfPropagateEP, selfRemovalEP)); err != nil {
		return ChildResult{}, errs.Protocol(errs.CodeMalformedFrame, "write child endpoints", err)
	}

	rightFrame, err := wire.ReadFrame(conn)
	if err != nil {
		return ChildResult{}, errs.Protocol(errs.CodeMalformedFrame, "read right neighbour", err)
	}

	result := ChildResult{
		ChildZone:     childZone,
		ParentNewZone: parentNewZone,
		ParentPeer: neighbor.Record{
			JoinEP:      parentJoinEP,
			PropagateEP: parentPropagateEP,
			RemovalEP:   parentRemovalEP,
			Zone:        parentNewZone,
		},
	}

	if rightFrame != noneToken {
		rec, err := parseRightNeighbor(rightFrame)
		if err != nil {
			return ChildResult{}, err
		}
		result.RightNeighbor = &rec
	}

	return result, nil
}

// parseRightNeighbor splits the combined "<join_ep> <propagate_ep>
// <removal_ep> <zone>" payload the parent sends for its right neighbour.
func parseRightNeighbor(payload string) (neighbor.Record, error) {
	var joinEP, propagateEP, removalEP string
	n, err := fmt.Sscanf(payload, "%s %s %s", &joinEP, &propagateEP, &removalEP)
	if err != nil || n != 3 {
		return neighbor.Record{}, errs.Protocol(errs.CodeMalformedFrame, "parse right neighbour endpoints", err)
	}
	prefix := fmt.Sprintf("%s %s %s ", joinEP, propagateEP, removalEP)
	if len(payload) <= len(prefix) {
		return neighbor.Record{}, errs.Protocol(errs.CodeMalformedFrame, "right neighbour payload missing zone", nil)
	}
	zoneStr := payload[len(prefix):]
	zone, err := geo.ParseRect(zoneStr)
	if err != nil {
		return neighbor.Record{}, err
	}
	return neighbor.Record{JoinEP: joinEP, PropagateEP: propagateEP, RemovalEP: removalEP, Zone: zone}, nil
}
