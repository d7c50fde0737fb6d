// Package mode implements the node lifecycle state machine. The original
// integer-enum mode with ad-hoc guards is error-prone; here State is one
// struct (Tag, NewZone, Peer) whose fields are always present. Tag is kept
// as a small comparable enum (for cheap equality checks and logging).
// State is never nil; Peer is the zero Record in NORMAL and in phases that
// record no peer.
package mode

import "github.com/zonemesh/zonemesh/internal/geo"

// Tag identifies which of the nine modes a node is in.
type Tag int

const (
	Normal Tag = iota
	SplittingParentInit
	SplittingParentMigrating
	SplittingChildInit
	SplittingChildMigrating
	MergingParentInit
	MergingParentMigrating
	MergingChildInit
	MergingChildMigrating
)

func (t Tag) String() string {
	switch t {
	case Normal:
		return "NORMAL"
	case SplittingParentInit:
		return "SPLITTING_PARENT_INIT"
	case SplittingParentMigrating:
		return "SPLITTING_PARENT_MIGRATING"
	case SplittingChildInit:
		return "SPLITTING_CHILD_INIT"
	case SplittingChildMigrating:
		return "SPLITTING_CHILD_MIGRATING"
	case MergingParentInit:
		return "MERGING_PARENT_INIT"
	case MergingParentMigrating:
		return "MERGING_PARENT_MIGRATING"
	case MergingChildInit:
		return "MERGING_CHILD_INIT"
	case MergingChildMigrating:
		return "MERGING_CHILD_MIGRATING"
	default:
		return "UNKNOWN"
	}
}

// Transitional reports whether t is any mode other than Normal — the
// condition Router and MigrationEngine branch on.
func (t Tag) Transitional() bool {
	return t != Normal
}

// PeerEndpoints carries the endpoints of the node on the other side of an
// in-flight split or merge, valid only while Tag is transitional.
type PeerEndpoints struct {
	PropagateEP string
	RemovalEP   string
}

// State is the immutable snapshot of a node's current mode: the tag plus
// whatever payload that tag carries. mode is a single-writer variable;
// readers may see stale values and must tolerate a transition-vs-Normal
// mismatch, so callers should always load the whole State atomically
// rather than read Tag and NewZone separately.
type State struct {
	Tag     Tag
	NewZone geo.Rect      // target zone during a transition; equals current zone in Normal
	Peer    PeerEndpoints // valid only when Tag.Transitional()
}

// NormalState builds the State for a node serving zone z in NORMAL mode.
func NormalState(z geo.Rect) State {
	return State{Tag: Normal, NewZone: z}
}
