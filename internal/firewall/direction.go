// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package firewall

// Direction identifies which way traffic flows relative to a device,
// as observed at the forward hook.
type Direction int

const (
	// DirectionIn counts traffic to the device (destination match).
	DirectionIn Direction = iota
	// DirectionOut counts traffic from the device (source match).
	DirectionOut
)

// Directions lists both directions in a stable order.
var Directions = []Direction{DirectionIn, DirectionOut}

func (d Direction) String() string {
	if d == DirectionOut {
		return "out"
	}
	return "in"
}

// ParseDirection maps the wire form back to a Direction.
func ParseDirection(s string) (Direction, bool) {
	switch s {
	case "in":
		return DirectionIn, true
	case "out":
		return DirectionOut, true
	}
	return 0, false
}
