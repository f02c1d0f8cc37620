package peer

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidPeerData is returned for presence data missing its url,
// status or position.
var ErrInvalidPeerData = errors.New("invalid peer data")

// Status is the presence state carried in gossip.
type Status string

const (
	StatusAvailable   Status = "AVAILABLE"
	StatusUnavailable Status = "UNAVAILABLE"
)

// Position is a point in the shared coordinate space.
type Position struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
	Z float64 `json:"z" yaml:"z"`
}

// DistanceSquared returns the squared euclidean distance between p and o.
func (p Position) DistanceSquared(o Position) float64 {
	dx, dy, dz := p.X-o.X, p.Y-o.Y, p.Z-o.Z
	return dx*dx + dy*dy + dz*dz
}

func (p Position) String() string {
	return fmt.Sprintf("(%g, %g, %g)", p.X, p.Y, p.Z)
}

// Data is the last known presence of a peer. Status and position are
// always replaced together.
type Data struct {
	URL      Address  `json:"url"`
	Status   Status   `json:"status"`
	Position Position `json:"position"`
}

// Validate checks that d carries an address and a known status.
func (d Data) Validate() error {
	if d.URL.IsZero() {
		return fmt.Errorf("%w: missing url", ErrInvalidPeerData)
	}
	switch d.Status {
	case StatusAvailable, StatusUnavailable:
	case "":
		return fmt.Errorf("%w: missing status for %s", ErrInvalidPeerData, d.URL)
	default:
		return fmt.Errorf("%w: unknown status %q for %s", ErrInvalidPeerData, d.Status, d.URL)
	}
	return nil
}

// UnmarshalJSON rejects presence data with any field missing.
func (d *Data) UnmarshalJSON(b []byte) error {
	var wire struct {
		URL      *Address  `json:"url"`
		Status   Status    `json:"status"`
		Position *Position `json:"position"`
	}
	if err := json.Unmarshal(b, &wire); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPeerData, err)
	}
	if wire.URL == nil {
		return fmt.Errorf("%w: missing url", ErrInvalidPeerData)
	}
	if wire.Position == nil {
		return fmt.Errorf("%w: missing position for %s", ErrInvalidPeerData, wire.URL)
	}
	out := Data{URL: *wire.URL, Status: wire.Status, Position: *wire.Position}
	if err := out.Validate(); err != nil {
		return err
	}
	*d = out
	return nil
}
