// Package substrate creates the emulated hosts and links that nodes run on.
//
// The Netns implementation drives Linux network namespaces, veth pairs and
// tc qdiscs through the ip and tc tools. Memory keeps the same state in
// process so the topology builder can be exercised without root.
package substrate

import (
	"context"
	"errors"

	"golang.org/x/sys/execabs"

	"github.com/signalsfoundry/satnet-emulator/model"
)

// ErrUnknownHost is returned when an operation names a host that was never
// added.
var ErrUnknownHost = errors.New("unknown host")

// ErrUnknownLink is returned when an operation names a link that was never
// added.
var ErrUnknownLink = errors.New("unknown link")

// LinkEnd is one side of a point-to-point link.
type LinkEnd struct {
	Host  string
	Iface string
	// Addr is the interface address in CIDR form, e.g. 10.0.0.1/30.
	Addr string
}

// Substrate is the host and link machinery the topology builder drives.
type Substrate interface {
	AddHost(ctx context.Context, host string) error
	RemoveHost(ctx context.Context, host string) error

	AddLink(ctx context.Context, a, b LinkEnd) error
	RemoveLink(ctx context.Context, a, b LinkEnd) error

	// SetLinkUp toggles both interfaces of the link.
	SetLinkUp(ctx context.Context, a, b LinkEnd, up bool) error

	// ApplyProfile installs the impairment on the egress of one interface.
	ApplyProfile(ctx context.Context, end LinkEnd, p model.LinkProfile) error

	// Command prepares argv to run inside host's network context.
	Command(ctx context.Context, host string, argv []string) (*execabs.Cmd, error)
}
