package substrate

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sys/execabs"

	"github.com/signalsfoundry/satnet-emulator/model"
)

// DefaultNamespacePrefix is prepended to node names to build namespace
// names, so emulator namespaces are easy to spot with `ip netns list`.
const DefaultNamespacePrefix = "sn-"

// Netns is the Linux substrate: one network namespace per host, veth pairs
// for links, and an htb+netem qdisc chain per interface for impairments.
type Netns struct {
	sh     Shell
	prefix string
}

var _ Substrate = &Netns{}

// NewNetns returns a namespace substrate running its commands through sh.
func NewNetns(sh Shell, prefix string) *Netns {
	if prefix == "" {
		prefix = DefaultNamespacePrefix
	}
	return &Netns{sh: sh, prefix: prefix}
}

// Namespace returns the namespace name used for host.
func (n *Netns) Namespace(host string) string { return n.prefix + host }

// AddHost creates the namespace and brings its loopback up.
func (n *Netns) AddHost(ctx context.Context, host string) error {
	ns := n.Namespace(host)
	if err := ShellRunf(ctx, n.sh, "ip netns add %s", ns); err != nil {
		return fmt.Errorf("add host %s: %w", host, err)
	}
	if err := ShellRunf(ctx, n.sh, "ip -n %s link set lo up", ns); err != nil {
		return fmt.Errorf("add host %s: %w", host, err)
	}
	return nil
}

// RemoveHost deletes the namespace; interfaces inside it go with it.
func (n *Netns) RemoveHost(ctx context.Context, host string) error {
	if err := ShellRunf(ctx, n.sh, "ip netns del %s", n.Namespace(host)); err != nil {
		return fmt.Errorf("remove host %s: %w", host, err)
	}
	return nil
}

// AddLink creates the veth pair directly inside both namespaces and assigns
// the addresses. Interfaces are left down; SetLinkUp brings them up.
func (n *Netns) AddLink(ctx context.Context, a, b LinkEnd) error {
	if err := ShellRunf(ctx, n.sh, "ip link add %s netns %s type veth peer name %s netns %s",
		a.Iface, n.Namespace(a.Host), b.Iface, n.Namespace(b.Host)); err != nil {
		return fmt.Errorf("add link %s-%s: %w", a.Host, b.Host, err)
	}
	for _, end := range []LinkEnd{a, b} {
		if end.Addr == "" {
			continue
		}
		if err := ShellRunf(ctx, n.sh, "ip -n %s addr add %s dev %s", n.Namespace(end.Host), end.Addr, end.Iface); err != nil {
			return fmt.Errorf("add link %s-%s: %w", a.Host, b.Host, err)
		}
	}
	return nil
}

// RemoveLink deletes the veth pair. Deleting one side removes its peer.
func (n *Netns) RemoveLink(ctx context.Context, a, b LinkEnd) error {
	if err := ShellRunf(ctx, n.sh, "ip -n %s link del %s", n.Namespace(a.Host), a.Iface); err != nil {
		return fmt.Errorf("remove link %s-%s: %w", a.Host, b.Host, err)
	}
	return nil
}

// SetLinkUp sets both ends administratively up or down.
func (n *Netns) SetLinkUp(ctx context.Context, a, b LinkEnd, up bool) error {
	state := "down"
	if up {
		state = "up"
	}
	var errs []error
	for _, end := range []LinkEnd{a, b} {
		if err := ShellRunf(ctx, n.sh, "ip -n %s link set dev %s %s", n.Namespace(end.Host), end.Iface, state); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("set link %s-%s %s: %w", a.Host, b.Host, state, err)
	}
	return nil
}

// ApplyProfile installs htb for the rate limit with a netem child carrying
// delay, jitter, loss and the queue limit. Each call replaces the previous
// chain, so it is safe to reapply.
func (n *Netns) ApplyProfile(ctx context.Context, end LinkEnd, p model.LinkProfile) error {
	if err := p.Validate(); err != nil {
		return err
	}
	ns := n.Namespace(end.Host)
	steps := []string{
		fmt.Sprintf("tc -n %s qdisc replace dev %s root handle 1: htb default 1", ns, end.Iface),
		fmt.Sprintf("tc -n %s class replace dev %s parent 1: classid 1:1 htb rate %s", ns, end.Iface, p.HTBRate()),
		fmt.Sprintf("tc -n %s qdisc replace dev %s parent 1:1 handle 10: netem %s", ns, end.Iface, strings.Join(p.NetemArgs(), " ")),
	}
	for _, step := range steps {
		if err := ShellRunf(ctx, n.sh, "%s", step); err != nil {
			return fmt.Errorf("apply profile on %s/%s: %w", end.Host, end.Iface, err)
		}
	}
	return nil
}

// Command wraps argv with `ip netns exec` so the process joins the host's
// namespace. ip execs argv directly, so the returned process is argv itself.
func (n *Netns) Command(ctx context.Context, host string, argv []string) (*execabs.Cmd, error) {
	if len(argv) < 1 {
		return nil, errors.New("no command specified")
	}
	full := append([]string{"netns", "exec", n.Namespace(host)}, argv...)
	return execabs.Command("ip", full...), nil
}
