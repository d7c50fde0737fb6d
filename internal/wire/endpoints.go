package wire

import (
	"fmt"
	"strings"
)

// EndpointTriple serializes a (joinEP, propagateEP, removalEP) triple using
// the "<join_ep> <propagate_ep> <removal_ep>" format ZoneMesh's protocols
// exchange whenever a full neighbour identity crosses the wire.
func EndpointTriple(joinEP, propagateEP, removalEP string) string {
	return fmt.Sprintf("%s %s %s", joinEP, propagateEP, removalEP)
}

// ParseEndpointTriple parses the format produced by EndpointTriple,
// including triples in which one or more endpoints are empty.
func ParseEndpointTriple(s string) (joinEP, propagateEP, removalEP string, err error) {
	parts := strings.Split(s, " ")
	if len(parts) != 3 {
		return "", "", "", fmt.Errorf("wire: parse endpoint triple %q: want 3 space-separated fields, got %d", s, len(parts))
	}
	return parts[0], parts[1], parts[2], nil
}
