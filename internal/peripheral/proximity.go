package peripheral

import (
	"fmt"
	"strings"
)

// Proximity is the simulated distance between the central and a peripheral.
type Proximity int

const (
	ProximityNear Proximity = iota
	ProximityImmediate
	ProximityFar
	ProximityOutOfRange
)

// RSSIOutOfRange is reported for a peripheral that cannot be heard.
const RSSIOutOfRange = 127

// RSSI returns the base signal strength for the proximity, in dBm.
func (p Proximity) RSSI() int {
	switch p {
	case ProximityNear:
		return -40
	case ProximityImmediate:
		return -70
	case ProximityFar:
		return -100
	}
	return RSSIOutOfRange
}

// InRange reports whether the peripheral can be heard at all.
func (p Proximity) InRange() bool {
	return p != ProximityOutOfRange
}

func (p Proximity) String() string {
	switch p {
	case ProximityNear:
		return "near"
	case ProximityImmediate:
		return "immediate"
	case ProximityFar:
		return "far"
	case ProximityOutOfRange:
		return "outOfRange"
	}
	return fmt.Sprintf("Proximity(%d)", int(p))
}

// ParseProximity accepts the names produced by String, case-insensitively.
func ParseProximity(s string) (Proximity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "near", "":
		return ProximityNear, nil
	case "immediate":
		return ProximityImmediate, nil
	case "far":
		return ProximityFar, nil
	case "outofrange", "out_of_range", "out-of-range":
		return ProximityOutOfRange, nil
	}
	return ProximityNear, fmt.Errorf("unknown proximity %q", s)
}
