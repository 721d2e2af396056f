package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidSpec is returned when a topology specification is malformed.
var ErrInvalidSpec = errors.New("invalid topology spec")

// LinkSpec declares one point-to-point link.
type LinkSpec struct {
	A, B  string
	Class LinkClass

	// Standby links are created administratively down so a handover can
	// bring them up later.
	Standby bool

	// Overrides are applied on top of the class default profile.
	Overrides ProfileOverrides

	// DelayFromOrbit replaces the delay with the propagation delay between
	// a positioned ground station and a relay carrying a TLE.
	DelayFromOrbit bool
}

// ID returns the canonical link identifier "<a>-<b>".
func (l LinkSpec) ID() string { return LinkID(l.A, l.B) }

// Profile resolves the effective profile against the class defaults.
func (l LinkSpec) Profile(defaults ClassDefaults) (LinkProfile, error) {
	base := defaults.For(l.Class)
	if l.Overrides.Empty() {
		return base, nil
	}
	p, err := base.With(l.Overrides)
	if err != nil {
		return LinkProfile{}, fmt.Errorf("link %s: %w", l.ID(), err)
	}
	return p, nil
}

// LinkID builds the identifier of the link between a and b.
func LinkID(a, b string) string { return a + "-" + b }

// SplitLinkID is the inverse of LinkID. Node names never contain dashes.
func SplitLinkID(id string) (string, string, bool) {
	a, b, ok := strings.Cut(id, "-")
	if !ok || a == "" || b == "" || strings.Contains(b, "-") {
		return "", "", false
	}
	return a, b, true
}

// HandoverSpec moves traffic from one access link to another after a
// delay measured from the end of the build.
type HandoverSpec struct {
	After time.Duration
	Down  string
	Up    string
}

// TopologySpec is the declarative input of the topology builder.
type TopologySpec struct {
	Name      string
	Nodes     []NodeSpec
	Links     []LinkSpec
	Handovers []HandoverSpec
}

// Node returns the node declaration with the given name.
func (s *TopologySpec) Node(name string) (NodeSpec, bool) {
	for _, n := range s.Nodes {
		if n.Name == name {
			return n, true
		}
	}
	return NodeSpec{}, false
}

// FindLink resolves a link reference in either endpoint order.
func (s *TopologySpec) FindLink(ref string) (LinkSpec, bool) {
	a, b, ok := SplitLinkID(ref)
	if !ok {
		return LinkSpec{}, false
	}
	for _, l := range s.Links {
		if (l.A == a && l.B == b) || (l.A == b && l.B == a) {
			return l, true
		}
	}
	return LinkSpec{}, false
}

// Validate checks the spec against the class defaults. It never touches
// any resource so the builder can reject a bad spec up front.
func (s *TopologySpec) Validate(defaults ClassDefaults) error {
	if len(s.Nodes) == 0 {
		return fmt.Errorf("%w: no nodes", ErrInvalidSpec)
	}
	seen := make(map[string]bool, len(s.Nodes))
	for _, n := range s.Nodes {
		if err := ValidateNodeName(n.Name); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSpec, err)
		}
		if seen[n.Name] {
			return fmt.Errorf("%w: duplicate node %q", ErrInvalidSpec, n.Name)
		}
		seen[n.Name] = true
		if _, err := ParseRole(string(n.Role)); err != nil {
			return fmt.Errorf("%w: node %s: %v", ErrInvalidSpec, n.Name, err)
		}
		if len(n.TLE) != 0 && !n.HasOrbit() {
			return fmt.Errorf("%w: node %s: tle needs exactly two lines", ErrInvalidSpec, n.Name)
		}
	}

	pairs := make(map[string]bool, len(s.Links))
	for _, l := range s.Links {
		if !seen[l.A] || !seen[l.B] {
			return fmt.Errorf("%w: link %s references an unknown node", ErrInvalidSpec, l.ID())
		}
		if l.A == l.B {
			return fmt.Errorf("%w: link %s connects a node to itself", ErrInvalidSpec, l.ID())
		}
		key := LinkID(l.A, l.B)
		if l.B < l.A {
			key = LinkID(l.B, l.A)
		}
		if pairs[key] {
			return fmt.Errorf("%w: duplicate link between %s and %s", ErrInvalidSpec, l.A, l.B)
		}
		pairs[key] = true
		if _, err := l.Profile(defaults); err != nil {
			return err
		}
		if l.DelayFromOrbit {
			if err := s.validateOrbitLink(l); err != nil {
				return err
			}
		}
	}

	for i, h := range s.Handovers {
		if h.After <= 0 {
			return fmt.Errorf("%w: handover %d: trigger offset must be > 0", ErrInvalidSpec, i)
		}
		if _, ok := s.FindLink(h.Down); !ok {
			return fmt.Errorf("%w: handover %d: unknown link %q", ErrInvalidSpec, i, h.Down)
		}
		if _, ok := s.FindLink(h.Up); !ok {
			return fmt.Errorf("%w: handover %d: unknown link %q", ErrInvalidSpec, i, h.Up)
		}
	}
	return nil
}

func (s *TopologySpec) validateOrbitLink(l LinkSpec) error {
	a, _ := s.Node(l.A)
	b, _ := s.Node(l.B)
	switch {
	case a.Position != nil && b.HasOrbit(), b.Position != nil && a.HasOrbit(), a.HasOrbit() && b.HasOrbit():
		return nil
	default:
		return fmt.Errorf("%w: link %s: delay_from_orbit needs a tle on one end and a tle or position on the other", ErrInvalidSpec, l.ID())
	}
}

// LEO5 returns the reference five node constellation: two ground stations
// attached through a three relay chain, with standby access links to the
// middle relay. When handoverAfter is positive both ground stations are
// moved onto s2 at that offset.
func LEO5(handoverAfter time.Duration) TopologySpec {
	spec := TopologySpec{
		Name: "leo5",
		Nodes: []NodeSpec{
			{Name: "g1", Role: RoleGroundStation},
			{Name: "g2", Role: RoleGroundStation},
			{Name: "s1", Role: RoleRelay},
			{Name: "s2", Role: RoleRelay},
			{Name: "s3", Role: RoleRelay},
		},
		Links: []LinkSpec{
			{A: "s1", B: "s2", Class: LinkClassInterRelay},
			{A: "s2", B: "s3", Class: LinkClassInterRelay},
			{A: "g1", B: "s1", Class: LinkClassAccess},
			{A: "g1", B: "s2", Class: LinkClassAccess, Standby: true},
			{A: "g2", B: "s2", Class: LinkClassAccess, Standby: true},
			{A: "g2", B: "s3", Class: LinkClassAccess},
		},
	}
	if handoverAfter > 0 {
		spec.Handovers = []HandoverSpec{
			{After: handoverAfter, Down: "g1-s1", Up: "g1-s2"},
			{After: handoverAfter, Down: "g2-s3", Up: "g2-s2"},
		}
	}
	return spec
}
