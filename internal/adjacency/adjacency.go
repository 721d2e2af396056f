// Package adjacency creates routing adjacencies over emulated links by
// asking each end's daemon to open a UDP face towards the other end.
package adjacency

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"strings"

	"github.com/signalsfoundry/satnet-emulator/core"
	"github.com/signalsfoundry/satnet-emulator/internal/handover"
	"github.com/signalsfoundry/satnet-emulator/internal/logging"
	"github.com/signalsfoundry/satnet-emulator/internal/router"
)

// ErrLinkDown is returned when an adjacency is requested over a down link.
var ErrLinkDown = errors.New("link is down")

// Dispatcher runs a control command on a node. *router.Router satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, node, command string, args []string, stdin io.Reader) (*router.Result, error)
}

// LinkSource exposes link snapshots. *core.Topology satisfies it.
type LinkSource interface {
	Link(id string) (core.NetworkLink, error)
	Links() []core.NetworkLink
}

// CommandError reports a link-create the daemon rejected.
type CommandError struct {
	Node     string
	Link     string
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("adjacency %s on %s: exit %d: %s", e.Link, e.Node, e.ExitCode, strings.TrimSpace(e.Stderr))
}

// Automation issues `dv link-create` for both ends of a link.
type Automation struct {
	disp    Dispatcher
	links   LinkSource
	udpPort int
	log     logging.Logger
}

// New returns an automation dispatching through d, reaching peers on
// udpPort.
func New(d Dispatcher, links LinkSource, udpPort int, log logging.Logger) *Automation {
	if log == nil {
		log = logging.Noop()
	}
	return &Automation{disp: d, links: links, udpPort: udpPort, log: log}
}

// PeerURI returns the face URI for a peer interface address in prefix
// form, e.g. 10.0.0.2/30 -> udp://10.0.0.2:6363.
func PeerURI(addr string, port int) (string, error) {
	p, err := netip.ParsePrefix(addr)
	if err != nil {
		return "", fmt.Errorf("peer address %q: %w", addr, err)
	}
	return "udp://" + netip.AddrPortFrom(p.Addr(), uint16(port)).String(), nil
}

// Connect creates the adjacency over an up link from both ends. Both ends
// are attempted even if the first fails.
func (a *Automation) Connect(ctx context.Context, linkID string) error {
	l, err := a.links.Link(linkID)
	if err != nil {
		return err
	}
	if l.State != core.LinkUp {
		return fmt.Errorf("adjacency %s: %w", l.ID, ErrLinkDown)
	}

	var errs []error
	for _, side := range [][2]string{{l.A.Host, l.B.Addr}, {l.B.Host, l.A.Addr}} {
		if err := a.create(ctx, l.ID, side[0], side[1]); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	a.log.Info(ctx, "adjacency created", logging.Link(l.ID))
	return nil
}

func (a *Automation) create(ctx context.Context, linkID, node, peerAddr string) error {
	uri, err := PeerURI(peerAddr, a.udpPort)
	if err != nil {
		return err
	}
	res, err := a.disp.Dispatch(ctx, node, "dv", []string{"link-create", uri}, nil)
	if err != nil {
		return fmt.Errorf("adjacency %s on %s: %w", linkID, node, err)
	}
	if res.ExitCode != 0 {
		return &CommandError{Node: node, Link: linkID, ExitCode: res.ExitCode, Stderr: res.Stderr}
	}
	return nil
}

// ConnectAll connects every link that is currently up, in declaration
// order, and reports all failures together.
func (a *Automation) ConnectAll(ctx context.Context) error {
	var errs []error
	for _, l := range a.links.Links() {
		if l.State != core.LinkUp {
			continue
		}
		if err := a.Connect(ctx, l.ID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Hook returns a scheduler hook that connects links brought up by a
// successful event.
func (a *Automation) Hook(ctx context.Context) func(handover.Result) {
	return func(r handover.Result) {
		if r.Err != nil || r.Event.State != core.LinkUp {
			return
		}
		if err := a.Connect(ctx, r.Event.Link); err != nil {
			a.log.Warn(ctx, "adjacency after handover failed", logging.Link(r.Event.Link), logging.Err(err))
		}
	}
}
