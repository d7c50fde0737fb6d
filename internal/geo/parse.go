package geo

import "fmt"

// ParseRect parses the wire format produced by Rect.String:
// "[(fx,fy) to (tx,ty)]". It is used whenever a Rect arrives as a text
// frame from a peer (join, departure, gossip).
func ParseRect(s string) (Rect, error) {
	var r Rect
	_, err := fmt.Sscanf(s, "[(%g,%g) to (%g,%g)]", &r.From.X, &r.From.Y, &r.To.X, &r.To.Y)
	if err != nil {
		return Rect{}, fmt.Errorf("geo: parse rect %q: %w", s, err)
	}
	if !r.Valid() {
		return Rect{}, fmt.Errorf("geo: parsed rect %q is not valid (from must be < to on both axes)", s)
	}
	return r, nil
}
