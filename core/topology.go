package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/signalsfoundry/satnet-emulator/internal/logging"
	"github.com/signalsfoundry/satnet-emulator/internal/observability"
	"github.com/signalsfoundry/satnet-emulator/internal/substrate"
	"github.com/signalsfoundry/satnet-emulator/model"
	"github.com/signalsfoundry/satnet-emulator/registry"
)

// Topology is a built emulation: it owns the nodes (through its registry)
// and the links. All mutations are serialised by one mutex.
type Topology struct {
	mu sync.Mutex

	name     string
	spec     model.TopologySpec
	sub      substrate.Substrate
	reg      *registry.Registry
	stateDir string
	ownsDir  bool
	grace    time.Duration

	metrics MetricsRecorder
	status  StatusListener
	log     logging.Logger

	addresses *subnetAllocator
	ifaces    interfaceNamer

	// hosts and created are in creation order, order in declaration order.
	hosts   []string
	created []*networkLink
	order   []string
	byID    map[string]*networkLink
	// extra lists files to remove when the state dir is not ours.
	extra []string
	torn  bool
}

// Name returns the topology name.
func (t *Topology) Name() string { return t.name }

// Registry returns the node registry.
func (t *Topology) Registry() *registry.Registry { return t.reg }

// StateDir returns the runtime state directory.
func (t *Topology) StateDir() string { return t.stateDir }

// Handovers returns the handovers declared by the spec.
func (t *Topology) Handovers() []model.HandoverSpec {
	return append([]model.HandoverSpec(nil), t.spec.Handovers...)
}

// TrackFile registers a file created in the state directory by another
// component so Teardown removes it.
func (t *Topology) TrackFile(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.extra = append(t.extra, path)
}

// Link returns a snapshot of the link with the given id, in either
// endpoint order.
func (t *Topology) Link(id string) (NetworkLink, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, err := t.linkLocked(id)
	if err != nil {
		return NetworkLink{}, err
	}
	return l.snapshot(), nil
}

// Links returns snapshots of every link in declaration order.
func (t *Topology) Links() []NetworkLink {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]NetworkLink, 0, len(t.byID))
	for _, id := range t.order {
		if l, ok := t.byID[id]; ok {
			out = append(out, l.snapshot())
		}
	}
	return out
}

// ResolveLinkID returns the canonical id of the link between a and b.
func (t *Topology) ResolveLinkID(a, b string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, err := t.linkLocked(model.LinkID(a, b))
	if err != nil {
		return "", err
	}
	return l.id, nil
}

func (t *Topology) linkLocked(id string) (*networkLink, error) {
	if t.torn {
		return nil, ErrTornDown
	}
	if l, ok := t.byID[id]; ok {
		return l, nil
	}
	if a, b, ok := model.SplitLinkID(id); ok {
		if l, ok := t.byID[model.LinkID(b, a)]; ok {
			return l, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownLink, id)
}

func (t *Topology) createLink(ctx context.Context, plan linkPlan) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	addrA, addrB, err := t.addresses.allocate()
	if err != nil {
		return fmt.Errorf("create link %s: %w", plan.spec.ID(), err)
	}
	l := &networkLink{
		id:      plan.spec.ID(),
		class:   plan.spec.Class,
		standby: plan.spec.Standby,
		a:       substrate.LinkEnd{Host: plan.spec.A, Iface: t.ifaces.next(plan.spec.A), Addr: addrA.String()},
		b:       substrate.LinkEnd{Host: plan.spec.B, Iface: t.ifaces.next(plan.spec.B), Addr: addrB.String()},
		state:   LinkDown,
		profile: plan.profile,
		dirty:   true,
		orbit:   plan.orbit,
	}
	if err := t.sub.AddLink(ctx, l.a, l.b); err != nil {
		return fmt.Errorf("create link %s: %w", l.id, err)
	}
	t.created = append(t.created, l)
	t.byID[l.id] = l
	for _, end := range []substrate.LinkEnd{l.a, l.b} {
		if err := t.reg.AddInterface(end.Host, end.Iface); err != nil {
			return err
		}
	}

	if !l.standby {
		if err := t.bringUpLocked(ctx, l); err != nil {
			return err
		}
	}
	t.log.Debug(ctx, "link created",
		logging.Link(l.id),
		logging.String("state", l.state.String()),
		logging.String("profile", l.profile.String()),
	)
	return nil
}

// ApplyProfile sets the link's profile. On an up link it is installed
// immediately on both ends; on a down link it is stored and installed on
// the next transition to up. If the substrate rejects it the previous
// profile stays in effect.
func (t *Topology) ApplyProfile(ctx context.Context, id string, p model.LinkProfile) (err error) {
	if err := p.Validate(); err != nil {
		return err
	}
	ctx, span := observability.StartSpan(ctx, "link.apply_profile", "link", id)
	defer func() { observability.EndSpan(span, err) }()

	t.mu.Lock()
	defer t.mu.Unlock()
	l, err := t.linkLocked(id)
	if err != nil {
		return err
	}

	if l.state == LinkDown {
		l.profile = p
		l.dirty = true
		t.log.Info(ctx, "profile stored for down link", logging.Link(l.id), logging.String("profile", p.String()))
		return nil
	}

	if err := t.installLocked(ctx, l, p); err != nil {
		if rerr := t.installLocked(ctx, l, l.profile); rerr != nil {
			t.log.Warn(ctx, "failed to restore previous profile", logging.Link(l.id), logging.Err(rerr))
		}
		return &LinkStateError{Link: l.id, Op: "apply profile", Err: err}
	}
	l.profile = p
	l.dirty = false
	t.log.Info(ctx, "profile applied", logging.Link(l.id), logging.String("profile", p.String()))
	return nil
}

// SetLinkState brings a link up or down. Requesting the current state is a
// no-op. Bringing a link up reinstalls its profile. On failure the link is
// returned, best effort, to its previous state.
func (t *Topology) SetLinkState(ctx context.Context, id string, state LinkState) (err error) {
	ctx, span := observability.StartSpan(ctx, "link.set_state", "link", id)
	defer func() { observability.EndSpan(span, err) }()

	t.mu.Lock()
	defer t.mu.Unlock()
	l, err := t.linkLocked(id)
	if err != nil {
		return err
	}
	if l.state == state {
		t.log.Debug(ctx, "link already in requested state", logging.Link(l.id), logging.String("state", state.String()))
		return nil
	}

	if state == LinkUp {
		err = t.bringUpLocked(ctx, l)
	} else {
		err = t.bringDownLocked(ctx, l)
	}
	if err != nil {
		return err
	}
	t.publishSizeLocked()
	t.log.Info(ctx, "link state changed", logging.Link(l.id), logging.String("state", state.String()))
	return nil
}

func (t *Topology) bringUpLocked(ctx context.Context, l *networkLink) error {
	if err := t.sub.SetLinkUp(ctx, l.a, l.b, true); err != nil {
		t.restoreLocked(ctx, l, false)
		return &LinkStateError{Link: l.id, Op: "set up", Err: err}
	}
	if err := t.installLocked(ctx, l, l.profile); err != nil {
		t.restoreLocked(ctx, l, false)
		return &LinkStateError{Link: l.id, Op: "apply profile", Err: err}
	}
	l.dirty = false
	l.state = LinkUp
	t.metrics.ObserveLinkTransition(l.id, true)
	return nil
}

func (t *Topology) bringDownLocked(ctx context.Context, l *networkLink) error {
	if err := t.sub.SetLinkUp(ctx, l.a, l.b, false); err != nil {
		t.restoreLocked(ctx, l, true)
		return &LinkStateError{Link: l.id, Op: "set down", Err: err}
	}
	l.state = LinkDown
	t.metrics.ObserveLinkTransition(l.id, false)
	return nil
}

func (t *Topology) restoreLocked(ctx context.Context, l *networkLink, up bool) {
	if err := t.sub.SetLinkUp(ctx, l.a, l.b, up); err != nil {
		t.log.Warn(ctx, "failed to restore link state",
			logging.Link(l.id),
			logging.Bool("up", up),
			logging.Err(err),
		)
	}
}

func (t *Topology) installLocked(ctx context.Context, l *networkLink, p model.LinkProfile) error {
	for _, end := range []substrate.LinkEnd{l.a, l.b} {
		if err := t.sub.ApplyProfile(ctx, end, p); err != nil {
			return err
		}
	}
	t.metrics.ObserveProfileApplied(l.id)
	return nil
}

func (t *Topology) publishSize() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.publishSizeLocked()
}

func (t *Topology) publishSizeLocked() {
	up := 0
	for _, l := range t.created {
		if l.state == LinkUp {
			up++
		}
	}
	t.metrics.SetTopologySize(t.reg.Len(), len(t.created), up)
}

// Teardown stops every daemon in reverse creation order, deletes links and
// hosts, and removes the runtime state. It continues past failures and
// reports them together; nodes whose daemon would not die are listed in a
// *registry.TeardownError. A second call is a no-op.
func (t *Topology) Teardown(ctx context.Context) (err error) {
	ctx, span := observability.StartSpan(ctx, "topology.teardown", "topology", t.name)
	defer func() { observability.EndSpan(span, err) }()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.torn {
		return nil
	}
	t.torn = true

	var names []string
	for _, n := range t.reg.All() {
		names = append(names, n.Name)
	}

	var errs []error
	if err := t.reg.Teardown(ctx, t.grace); err != nil {
		errs = append(errs, err)
	}
	for i := len(t.created) - 1; i >= 0; i-- {
		l := t.created[i]
		if err := t.sub.RemoveLink(ctx, l.a, l.b); err != nil {
			errs = append(errs, fmt.Errorf("remove link %s: %w", l.id, err))
		}
	}
	for i := len(t.hosts) - 1; i >= 0; i-- {
		if err := t.sub.RemoveHost(ctx, t.hosts[i]); err != nil {
			errs = append(errs, fmt.Errorf("remove node %s: %w", t.hosts[i], err))
		}
	}
	if err := t.removeStateLocked(names); err != nil {
		errs = append(errs, err)
	}

	t.metrics.SetTopologySize(0, 0, 0)
	if t.status != nil {
		t.status.TopologyDown(names)
	}
	if len(errs) > 0 {
		t.log.Warn(ctx, "teardown finished with errors", logging.String("topology", t.name), logging.Int("errors", len(errs)))
		return errors.Join(errs...)
	}
	t.log.Info(ctx, "topology torn down", logging.String("topology", t.name))
	return nil
}

// removeStateLocked deletes the state directory when the build created it,
// or only the files the emulator put there when it was pre-existing.
func (t *Topology) removeStateLocked(nodes []string) error {
	if t.ownsDir {
		if err := os.RemoveAll(t.stateDir); err != nil {
			return fmt.Errorf("remove state dir: %w", err)
		}
		return nil
	}
	files := append([]string{filepath.Join(t.stateDir, registry.ManifestFile)}, t.extra...)
	for _, n := range nodes {
		files = append(files,
			filepath.Join(t.stateDir, n+".yml"),
			filepath.Join(t.stateDir, n+".log"),
		)
	}
	var errs []error
	for _, f := range files {
		if err := os.Remove(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
