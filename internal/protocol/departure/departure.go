// Package departure implements the merge handshake a dying node D runs
// against its smallest-area neighbour M to
// merge D's zone into M before D exits. Grounded on the same
// request/response shape as internal/protocol/join, mirrored for the
// opposite direction of zone transfer.
package departure

import (
	"net"

	"github.com/zonemesh/zonemesh/internal/errs"
	"github.com/zonemesh/zonemesh/internal/geo"
	"github.com/zonemesh/zonemesh/internal/neighbor"
	"github.com/zonemesh/zonemesh/internal/wire"
)

// AbsorberResult is what the absorbing node (M) learns from the handshake.
type AbsorberResult struct {
	DepartingZone       geo.Rect // D's zone before the merge, for looking D up in M's own NeighbourTable
	MergedZone          geo.Rect
	DepartingNeighbours []neighbor.Record
}

// RunAbsorber executes M's side of the handshake over conn, the accepted
// connection on M's removal_ep listener. mZone is M's zone before the
// merge. It returns errs.CodeMergeNotAdjacent if the departing node's zone
// cannot be merged with mZone — the merge is rejected and D aborts.
// RunAbsorber still reports the rejection to D before returning the error
// so D can tell a rejection from a protocol error.
func RunAbsorber(conn net.Conn, mZone geo.Rect) (AbsorberResult, error) {
	dZoneStr, err := wire.ReadFrame(conn)
	if err != nil {
		return AbsorberResult{}, errs.Protocol(errs.CodeMalformedFrame, "read departing zone", err)
	}
	dZone, err := geo.ParseRect(dZoneStr)
	if err != nil {
		return AbsorberResult{}, errs.Protocol(errs.CodeMalformedFrame, "parse departing zone", err)
	}

	merged, ok := geo.TryMerge(mZone, dZone)
	if !ok {
		_ = wire.WriteFrame(conn, rejectedToken)
		return AbsorberResult{DepartingZone: dZone}, errs.Topology(errs.CodeMergeNotAdjacent, "departing zone is not adjacent to absorber's zone", nil,
			"absorber_zone", mZone.String(), "departing_zone", dZone.String())
	}
	if err := wire.WriteFrame(conn, merged.String()); err != nil {
		return AbsorberResult{}, errs.Protocol(errs.CodeMalformedFrame, "write merged zone", err)
	}

	n, err := wire.ReadUint64(conn)
	if err != nil {
		return AbsorberResult{}, errs.Protocol(errs.CodeMalformedFrame, "read neighbour count", err)
	}
	recs := make([]neighbor.Record, 0, n)
	for i := uint64(0); i < n; i++ {
		rec, err := readRecord(conn)
		if err != nil {
			return AbsorberResult{}, err
		}
		recs = append(recs, rec)
	}

	return AbsorberResult{DepartingZone: dZone, MergedZone: merged, DepartingNeighbours: recs}, nil
}

// rejectedToken is sent in place of a merged zone when TryMerge fails, so
// the departing node can tell a rejection from a protocol error.
const rejectedToken = "REJECTED"

// DepartResult is what the departing node (D) learns from the handshake.
type DepartResult struct {
	MergedZone geo.Rect
}

// RunDepart executes D's side of the handshake over conn, already dialed
// to M's removal_ep. dZone is D's own zone. neighbours is D's full
// neighbour snapshot, which M uses to refresh its own NeighbourTable.
func RunDepart(conn net.Conn, dZone geo.Rect, neighbours []neighbor.Record) (DepartResult, error) {
	if err := wire.WriteFrame(conn, dZone.String()); err != nil {
		return DepartResult{}, errs.Protocol(errs.CodeMalformedFrame, "write departing zone", err)
	}

	mergedStr, err := wire.ReadFrame(conn)
	if err != nil {
		return DepartResult{}, errs.Protocol(errs.CodeMalformedFrame, "read merged zone", err)
	}
	if mergedStr == rejectedToken {
		return DepartResult{}, errs.Topology(errs.CodeMergeRejected, "absorber rejected the merge", nil, "departing_zone", dZone.String())
	}
	merged, err := geo.ParseRect(mergedStr)
	if err != nil {
		return DepartResult{}, errs.Protocol(errs.CodeMalformedFrame, "parse merged zone", err)
	}

	if err := wire.WriteUint64(conn, uint64(len(neighbours))); err != nil {
		return DepartResult{}, errs.Protocol(errs.CodeMalformedFrame, "write neighbour count", err)
	}
	for _, rec := range neighbours {
		if err := writeRecord(conn, rec); err != nil {
			return DepartResult{}, err
		}
	}

	return DepartResult{MergedZone: merged}, nil
}

func writeRecord(conn net.Conn, rec neighbor.Record) error {
	if err := wire.WriteFrame(conn, wire.EndpointTriple(rec.JoinEP, rec.PropagateEP, rec.RemovalEP)); err != nil {
		return errs.Protocol(errs.CodeMalformedFrame, "write neighbour endpoints", err)
	}
	if err := wire.WriteFrame(conn, rec.Zone.String()); err != nil {
		return errs.Protocol(errs.CodeMalformedFrame, "write neighbour zone", err)
	}
	return nil
}

func readRecord(conn net.Conn) (neighbor.Record, error) {
	epTriple, err := wire.ReadFrame(conn)
	if err != nil {
		return neighbor.Record{}, errs.Protocol(errs.CodeMalformedFrame, "read neighbour endpoints", err)
	}
	joinEP, propagateEP, removalEP, err := wire.ParseEndpointTriple(epTriple)
	if err != nil {
		return neighbor.Record{}, errs.Protocol(errs.CodeMalformedFrame, "parse neighbour endpoints", err)
	}
	zoneStr, err := wire.ReadFrame(conn)
	if err != nil {
		return neighbor.Record{}, errs.Protocol(errs.CodeMalformedFrame, "read neighbour zone", err)
	}
	zone, err := geo.ParseRect(zoneStr)
	if err != nil {
		return neighbor.Record{}, err
	}
	return neighbor.Record{JoinEP: joinEP, PropagateEP: propagateEP, RemovalEP: removalEP, Zone: zone}, nil
}
