package core

import (
	"fmt"
	"strings"

	"github.com/signalsfoundry/satnet-emulator/internal/substrate"
	"github.com/signalsfoundry/satnet-emulator/model"
)

// LinkState is the administrative state of a link.
type LinkState int

const (
	LinkDown LinkState = iota
	LinkUp
)

func (s LinkState) String() string {
	if s == LinkUp {
		return "up"
	}
	return "down"
}

// ParseLinkState accepts "up" and "down".
func ParseLinkState(s string) (LinkState, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "up":
		return LinkUp, nil
	case "down":
		return LinkDown, nil
	default:
		return LinkDown, fmt.Errorf("link state must be up or down, got %q", s)
	}
}

// networkLink is the topology's private record of one link.
type networkLink struct {
	id      string
	class   model.LinkClass
	standby bool
	a, b    substrate.LinkEnd
	state   LinkState

	// profile is the desired profile. When the link is down it may differ
	// from what was last installed; dirty marks that case.
	profile model.LinkProfile
	dirty   bool
	// orbit is set for links whose delay was derived from orbital geometry.
	orbit *OrbitSample
}

// NetworkLink is a read-only snapshot of a link.
type NetworkLink struct {
	ID      string
	Class   model.LinkClass
	Standby bool
	A, B    substrate.LinkEnd
	State   LinkState
	Profile model.LinkProfile
	// PendingProfile is true when Profile has not yet been installed because
	// the link is down.
	PendingProfile bool
	Orbit          *OrbitSample
}

func (l *networkLink) snapshot() NetworkLink {
	return NetworkLink{
		ID:             l.id,
		Class:          l.class,
		Standby:        l.standby,
		A:              l.a,
		B:              l.b,
		State:          l.state,
		Profile:        l.profile,
		PendingProfile: l.dirty,
		Orbit:          l.orbit,
	}
}

// Peer returns the far end of the link as seen from node.
func (l NetworkLink) Peer(node string) (substrate.LinkEnd, bool) {
	switch node {
	case l.A.Host:
		return l.B, true
	case l.B.Host:
		return l.A, true
	default:
		return substrate.LinkEnd{}, false
	}
}
