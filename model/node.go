package model

import (
	"fmt"
	"regexp"
	"strings"
)

// Role is the part a node plays in the emulated constellation.
type Role string

const (
	RoleGroundStation Role = "ground-station"
	RoleRelay         Role = "relay"
	RoleGeneric       Role = "generic"
)

// ParseRole accepts the canonical spellings plus a few shorthands.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ground-station", "ground", "gs", "ground_station":
		return RoleGroundStation, nil
	case "relay", "satellite", "sat":
		return RoleRelay, nil
	case "generic", "":
		return RoleGeneric, nil
	default:
		return "", fmt.Errorf("unknown node role %q", s)
	}
}

// MaxNodeNameLen keeps "<name>-eth<N>" within the kernel's 15 byte
// interface name limit.
const MaxNodeNameLen = 10

var nodeNamePattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// ValidateNodeName checks that name can be used for interfaces, namespaces
// and socket files. Dashes are reserved as the link id separator.
func ValidateNodeName(name string) error {
	if name == "" {
		return fmt.Errorf("node name is empty")
	}
	if len(name) > MaxNodeNameLen {
		return fmt.Errorf("node name %q longer than %d characters", name, MaxNodeNameLen)
	}
	if !nodeNamePattern.MatchString(name) {
		return fmt.Errorf("node name %q must match %s", name, nodeNamePattern)
	}
	return nil
}

// GeoPosition is a geodetic position used for ground stations.
type GeoPosition struct {
	LatDeg float64 `json:"lat_deg"`
	LonDeg float64 `json:"lon_deg"`
	AltKm  float64 `json:"alt_km"`
}

// NodeSpec declares one emulated node.
type NodeSpec struct {
	Name string
	Role Role

	// TLE holds the two element lines for relays that take part in
	// orbit-derived delay computation.
	TLE []string

	// Position is the ground station location for orbit-derived delay.
	Position *GeoPosition
}

// HasOrbit reports whether the node carries a usable TLE pair.
func (n NodeSpec) HasOrbit() bool {
	return len(n.TLE) == 2 && n.TLE[0] != "" && n.TLE[1] != ""
}
