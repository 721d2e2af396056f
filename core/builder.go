package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/signalsfoundry/satnet-emulator/internal/daemon"
	"github.com/signalsfoundry/satnet-emulator/internal/logging"
	"github.com/signalsfoundry/satnet-emulator/internal/observability"
	"github.com/signalsfoundry/satnet-emulator/internal/substrate"
	"github.com/signalsfoundry/satnet-emulator/model"
	"github.com/signalsfoundry/satnet-emulator/registry"
	"github.com/signalsfoundry/satnet-emulator/timectrl"
)

// DefaultStateDir holds per-node configs, sockets, logs and the manifest.
const DefaultStateDir = "/tmp/ndn-mn"

// Builder turns a TopologySpec into a running Topology.
type Builder struct {
	sub      substrate.Substrate
	launcher *daemon.Launcher

	log          logging.Logger
	metrics      MetricsRecorder
	status       StatusListener
	clock        timectrl.SimClock
	stateDir     string
	defaults     model.ClassDefaults
	endpointFn   registry.EndpointFunc
	readyTimeout time.Duration
	grace        time.Duration
}

// Option customises a Builder.
type Option func(*Builder)

// WithLogger sets the structured logger.
func WithLogger(l logging.Logger) Option {
	return func(b *Builder) {
		if l != nil {
			b.log = l
		}
	}
}

// WithMetricsRecorder wires topology metrics.
func WithMetricsRecorder(m MetricsRecorder) Option {
	return func(b *Builder) {
		if m != nil {
			b.metrics = m
		}
	}
}

// WithStatusListener registers a listener for node readiness and
// topology lifetime.
func WithStatusListener(s StatusListener) Option {
	return func(b *Builder) { b.status = s }
}

// WithStateDir overrides DefaultStateDir.
func WithStateDir(dir string) Option {
	return func(b *Builder) {
		if dir != "" {
			b.stateDir = dir
		}
	}
}

// WithClassDefaults overrides the per-class default profiles.
func WithClassDefaults(d model.ClassDefaults) Option {
	return func(b *Builder) { b.defaults = d }
}

// WithEndpointFunc overrides how control endpoints are derived.
func WithEndpointFunc(fn registry.EndpointFunc) Option {
	return func(b *Builder) { b.endpointFn = fn }
}

// WithClock sets the clock used as the orbit propagation epoch.
func WithClock(c timectrl.SimClock) Option {
	return func(b *Builder) {
		if c != nil {
			b.clock = c
		}
	}
}

// WithReadyTimeout bounds the wait for all control endpoints.
func WithReadyTimeout(d time.Duration) Option {
	return func(b *Builder) { b.readyTimeout = d }
}

// WithTeardownGrace sets the SIGTERM to SIGKILL grace period.
func WithTeardownGrace(d time.Duration) Option {
	return func(b *Builder) { b.grace = d }
}

// NewBuilder returns a builder creating hosts and links on sub and daemons
// through launcher. A nil launcher builds the network without daemons. The
// launcher's host commander and state directory are filled in from the
// builder when unset.
func NewBuilder(sub substrate.Substrate, launcher *daemon.Launcher, opts ...Option) *Builder {
	b := &Builder{
		sub:          sub,
		launcher:     launcher,
		log:          logging.Noop(),
		metrics:      noopMetrics{},
		clock:        timectrl.NewWallClock(),
		stateDir:     DefaultStateDir,
		defaults:     model.DefaultClassDefaults(),
		readyTimeout: daemon.DefaultReadyTimeout,
		grace:        registry.DefaultGrace,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build validates spec and creates, in order: one host per node with its
// registry entry and daemon, the required links (up, profile installed),
// then the standby links (down). Validation failures touch no resource. Any
// later failure tears down everything created so far before returning.
func (b *Builder) Build(ctx context.Context, spec model.TopologySpec) (_ *Topology, err error) {
	ctx, span := observability.StartSpan(ctx, "topology.build", "topology", spec.Name)
	defer func() { observability.EndSpan(span, err) }()

	if err := spec.Validate(b.defaults); err != nil {
		return nil, err
	}
	plans, err := b.planLinks(&spec)
	if err != nil {
		return nil, err
	}

	_, statErr := os.Stat(b.stateDir)
	ownsDir := errors.Is(statErr, os.ErrNotExist)
	if err := os.MkdirAll(b.stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	regOpts := []registry.Option{registry.WithLogger(b.log)}
	if b.endpointFn != nil {
		regOpts = append(regOpts, registry.WithEndpointFunc(b.endpointFn))
	}
	t := &Topology{
		name:      spec.Name,
		spec:      spec,
		sub:       b.sub,
		reg:       registry.New(b.stateDir, regOpts...),
		byID:      make(map[string]*networkLink),
		stateDir:  b.stateDir,
		ownsDir:   ownsDir,
		grace:     b.grace,
		metrics:   b.metrics,
		status:    b.status,
		log:       b.log,
		addresses: &subnetAllocator{},
		ifaces:    interfaceNamer{},
	}
	for _, l := range spec.Links {
		t.order = append(t.order, l.ID())
	}

	if err := b.build(ctx, t, plans); err != nil {
		b.log.Error(ctx, "topology build failed; rolling back", logging.String("topology", spec.Name), logging.Err(err))
		if terr := t.Teardown(context.WithoutCancel(ctx)); terr != nil {
			b.log.Warn(ctx, "rollback incomplete", logging.Err(terr))
		}
		return nil, err
	}

	t.publishSize()
	if b.status != nil {
		b.status.TopologyUp(spec.Name)
	}
	b.log.Info(ctx, "topology built",
		logging.String("topology", spec.Name),
		logging.Int("nodes", t.reg.Len()),
		logging.Int("links", len(t.created)),
		logging.String("state_dir", b.stateDir),
	)
	return t, nil
}

type linkPlan struct {
	spec    model.LinkSpec
	profile model.LinkProfile
	orbit   *OrbitSample
}

// planLinks resolves every link's effective profile, required links first
// and standby links after, each group in declaration order.
func (b *Builder) planLinks(spec *model.TopologySpec) ([]linkPlan, error) {
	var required, standby []linkPlan
	for _, l := range spec.Links {
		p, err := l.Profile(b.defaults)
		if err != nil {
			return nil, err
		}
		plan := linkPlan{spec: l, profile: p}
		if l.DelayFromOrbit {
			sample, err := orbitDelay(spec, l, b.clock.Now())
			if err != nil {
				return nil, fmt.Errorf("%w: link %s: %v", model.ErrInvalidSpec, l.ID(), err)
			}
			if plan.profile, err = p.WithDelay(sample.Delay); err != nil {
				return nil, fmt.Errorf("link %s: %w", l.ID(), err)
			}
			plan.orbit = &sample
		}
		if l.Standby {
			standby = append(standby, plan)
		} else {
			required = append(required, plan)
		}
	}
	return append(required, standby...), nil
}

func (b *Builder) build(ctx context.Context, t *Topology, plans []linkPlan) error {
	for _, n := range t.spec.Nodes {
		if err := b.sub.AddHost(ctx, n.Name); err != nil {
			return fmt.Errorf("create node %s: %w", n.Name, err)
		}
		t.hosts = append(t.hosts, n.Name)
		role, _ := model.ParseRole(string(n.Role))
		if _, err := t.reg.Register(&registry.Node{Name: n.Name, Role: role}); err != nil {
			return fmt.Errorf("create node %s: %w", n.Name, err)
		}
	}

	if b.launcher != nil {
		if err := b.startDaemons(ctx, t); err != nil {
			return err
		}
	}

	for _, plan := range plans {
		if err := t.createLink(ctx, plan); err != nil {
			return err
		}
	}

	manifest := filepath.Join(t.stateDir, registry.ManifestFile)
	if err := t.reg.Manifest(t.name).Write(manifest); err != nil {
		return err
	}
	return nil
}

func (b *Builder) startDaemons(ctx context.Context, t *Topology) error {
	if b.launcher.Hosts == nil {
		b.launcher.Hosts = b.sub
	}
	if b.launcher.StateDir == "" {
		b.launcher.StateDir = t.stateDir
	}
	if b.launcher.Log == nil {
		b.launcher.Log = b.log
	}

	start := time.Now()
	var procs []*daemon.Process
	for _, n := range t.reg.All() {
		p, err := b.launcher.Start(ctx, n.Name, n.Endpoint)
		if err != nil {
			b.metrics.ObserveDaemonStart(n.Name, 0, err)
			return &DaemonStartError{Node: n.Name, Err: err}
		}
		if err := t.reg.AttachProcess(n.Name, p); err != nil {
			return err
		}
		procs = append(procs, p)
	}

	if err := daemon.WaitReady(ctx, procs, b.readyTimeout); err != nil {
		var re *daemon.ReadinessError
		if errors.As(err, &re) {
			b.metrics.ObserveDaemonStart(re.Node, 0, err)
			return &DaemonStartError{Node: re.Node, LogTail: re.LogTail, Err: re.Err}
		}
		return &DaemonStartError{Err: err}
	}
	elapsed := time.Since(start)
	for _, p := range procs {
		b.metrics.ObserveDaemonStart(p.Node, elapsed, nil)
		if b.status != nil {
			b.status.NodeReady(p.Node)
		}
	}
	b.log.Info(ctx, "daemons ready", logging.Int("count", len(procs)), logging.Duration("elapsed", elapsed))
	return nil
}
