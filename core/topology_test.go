package core

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sys/execabs"

	"github.com/signalsfoundry/satnet-emulator/internal/daemon"
	"github.com/signalsfoundry/satnet-emulator/internal/daemon/daemontest"
	"github.com/signalsfoundry/satnet-emulator/internal/substrate"
	"github.com/signalsfoundry/satnet-emulator/model"
	"github.com/signalsfoundry/satnet-emulator/registry"
	"github.com/signalsfoundry/satnet-emulator/timectrl"
)

func TestMain(m *testing.M) {
	daemontest.RunIfHelper()
	os.Exit(m.Run())
}

func geo(lat, lon float64) model.GeoPosition {
	return model.GeoPosition{LatDeg: lat, LonDeg: lon}
}

// stateDir returns a short, not yet existing directory; unix socket paths
// must fit in sun_path.
func stateDir(t *testing.T) string {
	t.Helper()
	parent, err := os.MkdirTemp("", "sn")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(parent) })
	return filepath.Join(parent, "s")
}

func buildLEO5(t *testing.T, mem *substrate.Memory, opts ...Option) *Topology {
	t.Helper()
	opts = append([]Option{WithStateDir(stateDir(t))}, opts...)
	topo, err := NewBuilder(mem, nil, opts...).Build(context.Background(), model.LEO5(0))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	t.Cleanup(func() { _ = topo.Teardown(context.Background()) })
	return topo
}

func TestBuildLEO5Scenario(t *testing.T) {
	mem := substrate.NewMemory()
	topo := buildLEO5(t, mem)
	ctx := context.Background()

	var got []string
	for _, l := range topo.Links() {
		got = append(got, l.ID+":"+l.State.String())
	}
	want := []string{"s1-s2:up", "s2-s3:up", "g1-s1:up", "g1-s2:down", "g2-s2:down", "g2-s3:up"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("links mismatch (-want +got):\n%s", diff)
	}

	l, err := topo.Link("g1-s1")
	if err != nil {
		t.Fatalf("Link: %v", err)
	}
	// Required links are created before standby ones: s1-s2, s2-s3, g1-s1.
	if l.A.Addr != "10.0.0.9/30" || l.B.Addr != "10.0.0.10/30" || l.A.Iface != "g1-eth0" || l.B.Iface != "s1-eth1" {
		t.Fatalf("g1-s1 ends = %+v / %+v", l.A, l.B)
	}

	obs, ok := mem.Observe("g1", "g1-eth0")
	if !ok || !obs.Carrying || obs.Profile != model.DefaultAccessProfile {
		t.Fatalf("g1-eth0 observation = %+v", obs)
	}
	obs, _ = mem.Observe("s1", "s1-eth0")
	if obs.Profile != model.DefaultInterRelayProfile {
		t.Fatalf("s1-eth0 profile = %v, want inter-relay default", obs.Profile)
	}
	if standby, _ := mem.Observe("g1", "g1-eth1"); standby.Carrying || standby.Applied != 0 {
		t.Fatalf("standby link should be idle, got %+v", standby)
	}

	path, ok := mem.Reachable("g1", "g2")
	if !ok {
		t.Fatalf("g1 cannot reach g2")
	}
	if diff := cmp.Diff([]string{"g1", "s1", "s2", "s3", "g2"}, path); diff != "" {
		t.Fatalf("path mismatch (-want +got):\n%s", diff)
	}

	// Hand both ground stations over to s2.
	for _, step := range []struct {
		link  string
		state LinkState
	}{
		{"g1-s1", LinkDown}, {"g1-s2", LinkUp}, {"g2-s3", LinkDown}, {"g2-s2", LinkUp},
	} {
		if err := topo.SetLinkState(ctx, step.link, step.state); err != nil {
			t.Fatalf("SetLinkState(%s, %s): %v", step.link, step.state, err)
		}
	}
	path, ok = mem.Reachable("g1", "g2")
	if !ok {
		t.Fatalf("g1 cannot reach g2 after handover")
	}
	if diff := cmp.Diff([]string{"g1", "s2", "g2"}, path); diff != "" {
		t.Fatalf("post-handover path mismatch (-want +got):\n%s", diff)
	}

	if _, err := os.Stat(filepath.Join(topo.StateDir(), registry.ManifestFile)); err != nil {
		t.Fatalf("manifest missing: %v", err)
	}
}

func TestTeardownTwiceAndRemovesState(t *testing.T) {
	mem := substrate.NewMemory()
	dir := stateDir(t)
	topo, err := NewBuilder(mem, nil, WithStateDir(dir)).Build(context.Background(), model.LEO5(0))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := topo.Teardown(context.Background()); err != nil {
		t.Fatalf("Teardown: %v", err)
	}
	if err := topo.Teardown(context.Background()); err != nil {
		t.Fatalf("second Teardown: %v", err)
	}
	if len(mem.Hosts()) != 0 || mem.LinkCount() != 0 {
		t.Fatalf("substrate not empty: hosts=%v links=%d", mem.Hosts(), mem.LinkCount())
	}
	if _, err := os.Stat(dir); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("state dir survived teardown: %v", err)
	}
	if err := topo.SetLinkState(context.Background(), "g1-s1", LinkDown); !errors.Is(err, ErrTornDown) {
		t.Fatalf("err = %v, want ErrTornDown", err)
	}
}

func TestTeardownKeepsForeignStateDir(t *testing.T) {
	dir := t.TempDir()
	keep := filepath.Join(dir, "keep.txt")
	if err := os.WriteFile(keep, []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	topo, err := NewBuilder(substrate.NewMemory(), nil, WithStateDir(dir)).Build(context.Background(), model.LEO5(0))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	extra := filepath.Join(dir, "ndndctl")
	if err := os.WriteFile(extra, nil, 0o755); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	topo.TrackFile(extra)
	if err := topo.Teardown(context.Background()); err != nil {
		t.Fatalf("Teardown: %v", err)
	}
	if _, err := os.Stat(keep); err != nil {
		t.Fatalf("unrelated file removed: %v", err)
	}
	for _, f := range []string{extra, filepath.Join(dir, registry.ManifestFile)} {
		if _, err := os.Stat(f); !errors.Is(err, os.ErrNotExist) {
			t.Fatalf("%s survived teardown", f)
		}
	}
}

func TestBuildRejectsInvalidSpecBeforeTouchingResources(t *testing.T) {
	mem := substrate.NewMemory()
	dir := stateDir(t)
	spec := model.LEO5(0)
	loss := 1.5
	spec.Links[0].Overrides.Loss = &loss

	_, err := NewBuilder(mem, nil, WithStateDir(dir)).Build(context.Background(), spec)
	if !errors.Is(err, model.ErrInvalidProfile) {
		t.Fatalf("err = %v, want ErrInvalidProfile", err)
	}
	if calls := mem.Calls(); len(calls) != 0 {
		t.Fatalf("substrate touched: %v", calls)
	}
	if _, err := os.Stat(dir); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("state dir created for an invalid spec")
	}
}

func TestBuildRollsBackOnSubstrateFailure(t *testing.T) {
	mem := substrate.NewMemory()
	mem.FailOn(substrate.OpApplyProfile, errors.New("tc: RTNETLINK answers: Operation not permitted"))
	dir := stateDir(t)

	_, err := NewBuilder(mem, nil, WithStateDir(dir)).Build(context.Background(), model.LEO5(0))
	if !errors.Is(err, ErrLinkState) {
		t.Fatalf("err = %v, want ErrLinkState", err)
	}
	if len(mem.Hosts()) != 0 || mem.LinkCount() != 0 {
		t.Fatalf("partial build left resources: hosts=%v links=%d", mem.Hosts(), mem.LinkCount())
	}
	if _, err := os.Stat(dir); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("state dir survived rollback")
	}
}

func TestApplyProfileOnDownLinkIsDeferred(t *testing.T) {
	mem := substrate.NewMemory()
	topo := buildLEO5(t, mem)
	ctx := context.Background()

	p := model.MustLinkProfile(5, 40*time.Millisecond, 0, 0.01, 50)
	if err := topo.ApplyProfile(ctx, "s2-g1", p); err != nil {
		t.Fatalf("ApplyProfile: %v", err)
	}
	if obs, _ := mem.Observe("g1", "g1-eth1"); obs.Applied != 0 {
		t.Fatalf("profile pushed to a down link: %+v", obs)
	}
	if l, _ := topo.Link("g1-s2"); !l.PendingProfile || l.Profile != p {
		t.Fatalf("link snapshot = %+v, want pending %v", l, p)
	}

	if err := topo.SetLinkState(ctx, "g1-s2", LinkUp); err != nil {
		t.Fatalf("SetLinkState: %v", err)
	}
	obs, _ := mem.Observe("g1", "g1-eth1")
	if !obs.Carrying || obs.Profile != p {
		t.Fatalf("after up: %+v, want carrying with %v", obs, p)
	}
	if l, _ := topo.Link("g1-s2"); l.PendingProfile {
		t.Fatalf("profile still pending after up")
	}
}

func TestApplyProfileOnUpLinkIsImmediate(t *testing.T) {
	mem := substrate.NewMemory()
	topo := buildLEO5(t, mem)

	p := model.MustLinkProfile(10, 60*time.Millisecond, 5*time.Millisecond, 0.05, 100)
	if err := topo.ApplyProfile(context.Background(), "g1-s1", p); err != nil {
		t.Fatalf("ApplyProfile: %v", err)
	}
	for _, end := range [][2]string{{"g1", "g1-eth0"}, {"s1", "s1-eth1"}} {
		if obs, _ := mem.Observe(end[0], end[1]); obs.Profile != p {
			t.Fatalf("%s profile = %v, want %v", end[1], obs.Profile, p)
		}
	}
}

func TestSetLinkStateNoopWhenAlreadyInState(t *testing.T) {
	mem := substrate.NewMemory()
	topo := buildLEO5(t, mem)
	before := len(mem.Calls())
	if err := topo.SetLinkState(context.Background(), "g1-s1", LinkUp); err != nil {
		t.Fatalf("SetLinkState: %v", err)
	}
	if after := len(mem.Calls()); after != before {
		t.Fatalf("substrate called %d times for a no-op", after-before)
	}
}

func TestSetLinkStateFailureKeepsState(t *testing.T) {
	mem := substrate.NewMemory()
	topo := buildLEO5(t, mem)
	boom := errors.New("boom")
	mem.FailOn(substrate.OpSetLinkUp, boom)

	err := topo.SetLinkState(context.Background(), "g1-s2", LinkUp)
	if !errors.Is(err, ErrLinkState) || !errors.Is(err, boom) {
		t.Fatalf("err = %v, want ErrLinkState wrapping the cause", err)
	}
	var lse *LinkStateError
	if !errors.As(err, &lse) || lse.Link != "g1-s2" {
		t.Fatalf("err = %#v, want *LinkStateError for g1-s2", err)
	}
	if l, _ := topo.Link("g1-s2"); l.State != LinkDown {
		t.Fatalf("link state = %s after failed transition", l.State)
	}
}

func TestApplyProfileFailureKeepsPrevious(t *testing.T) {
	mem := substrate.NewMemory()
	topo := buildLEO5(t, mem)
	mem.FailOn(substrate.OpApplyProfile, errors.New("boom"))

	p := model.MustLinkProfile(1, time.Second, 0, 0, 10)
	if err := topo.ApplyProfile(context.Background(), "g1-s1", p); !errors.Is(err, ErrLinkState) {
		t.Fatalf("err = %v, want ErrLinkState", err)
	}
	if l, _ := topo.Link("g1-s1"); l.Profile != model.DefaultAccessProfile {
		t.Fatalf("profile = %v, want previous default", l.Profile)
	}
}

func TestApplyProfileRejectsInvalid(t *testing.T) {
	topo := buildLEO5(t, substrate.NewMemory())
	if err := topo.ApplyProfile(context.Background(), "g1-s1", model.LinkProfile{}); !errors.Is(err, model.ErrInvalidProfile) {
		t.Fatalf("err = %v, want ErrInvalidProfile", err)
	}
}

func TestResolveLinkID(t *testing.T) {
	topo := buildLEO5(t, substrate.NewMemory())
	id, err := topo.ResolveLinkID("s2", "g2")
	if err != nil || id != "g2-s2" {
		t.Fatalf("ResolveLinkID(s2, g2) = %q, %v", id, err)
	}
	if _, err := topo.ResolveLinkID("g1", "g2"); !errors.Is(err, ErrUnknownLink) {
		t.Fatalf("err = %v, want ErrUnknownLink", err)
	}
}

func TestBuildDerivesDelayFromOrbit(t *testing.T) {
	relay, err := RelayPosition(issTLE, issEpoch)
	if err != nil {
		t.Fatalf("RelayPosition: %v", err)
	}
	lat, lon := subSatellitePoint(relay)
	pos := geo(lat, lon)
	spec := model.TopologySpec{
		Name: "iss",
		Nodes: []model.NodeSpec{
			{Name: "gs", Role: model.RoleGroundStation, Position: &pos},
			{Name: "iss", Role: model.RoleRelay, TLE: issTLE},
		},
		Links: []model.LinkSpec{{A: "gs", B: "iss", Class: model.LinkClassAccess, DelayFromOrbit: true}},
	}

	mem := substrate.NewMemory()
	topo, err := NewBuilder(mem, nil,
		WithStateDir(stateDir(t)),
		WithClock(timectrl.NewFakeClock(issEpoch)),
	).Build(context.Background(), spec)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer topo.Teardown(context.Background())

	l, _ := topo.Link("gs-iss")
	if l.Orbit == nil {
		t.Fatalf("orbit sample missing")
	}
	if l.Profile.Delay() != l.Orbit.Delay || l.Profile.Delay() < time.Millisecond || l.Profile.Delay() > 2*time.Millisecond {
		t.Fatalf("delay = %v (orbit %v), want about 1.4ms", l.Profile.Delay(), l.Orbit.Delay)
	}
	if l.Profile.Jitter() != model.DefaultAccessProfile.Jitter() {
		t.Fatalf("orbit delay must keep the class jitter, got %v", l.Profile.Jitter())
	}
}

// recordingHosts remembers every command it builds so tests can check on
// the processes after the builder has rolled back.
type recordingHosts struct {
	substrate.Substrate
	mu   sync.Mutex
	cmds []*execabs.Cmd
}

func (r *recordingHosts) Command(ctx context.Context, host string, argv []string) (*execabs.Cmd, error) {
	cmd, err := r.Substrate.Command(ctx, host, argv)
	if err == nil {
		r.mu.Lock()
		r.cmds = append(r.cmds, cmd)
		r.mu.Unlock()
	}
	return cmd, err
}

func (r *recordingHosts) pids() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []int
	for _, c := range r.cmds {
		if c.Process != nil {
			out = append(out, c.Process.Pid)
		}
	}
	return out
}

func newDaemonBuilder(t *testing.T, env []string, opts ...Option) (*Builder, *recordingHosts, string) {
	t.Helper()
	mem := substrate.NewMemory()
	hosts := &recordingHosts{Substrate: mem}
	dir := stateDir(t)
	launcher := &daemon.Launcher{
		Binary:  daemontest.Binary(),
		Network: "/satnet",
		Hosts:   hosts,
		Env:     env,
	}
	opts = append([]Option{
		WithStateDir(dir),
		WithReadyTimeout(10 * time.Second),
		WithTeardownGrace(2 * time.Second),
	}, opts...)
	return NewBuilder(mem, launcher, opts...), hosts, dir
}

type statusRecorder struct {
	mu    sync.Mutex
	ready []string
	up    string
	down  []string
}

func (s *statusRecorder) NodeReady(n string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ready = append(s.ready, n)
}

func (s *statusRecorder) TopologyUp(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.up = name
}

func (s *statusRecorder) TopologyDown(nodes []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = nodes
}

func TestBuildStartsDaemonsAndTeardownStopsThem(t *testing.T) {
	status := &statusRecorder{}
	b, hosts, dir := newDaemonBuilder(t, daemontest.Env(), WithStatusListener(status))
	topo, err := b.Build(context.Background(), model.LEO5(0))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	nodes := topo.Registry().All()
	if len(nodes) != 5 {
		t.Fatalf("registered %d nodes, want 5", len(nodes))
	}
	seen := map[string]bool{}
	for _, n := range nodes {
		if n.Process == nil || !daemon.Alive(n.Process.Pid()) {
			t.Fatalf("node %s has no running daemon", n.Name)
		}
		if seen[n.Endpoint] {
			t.Fatalf("endpoint %s shared", n.Endpoint)
		}
		seen[n.Endpoint] = true
		conf, err := daemon.ReadConfig(filepath.Join(dir, n.Name+".yml"))
		if err != nil {
			t.Fatalf("ReadConfig: %v", err)
		}
		if conf.FW.Faces.Unix.SocketPath != n.Endpoint {
			t.Fatalf("%s config socket %s != endpoint %s", n.Name, conf.FW.Faces.Unix.SocketPath, n.Endpoint)
		}
	}
	if len(status.ready) != 5 || status.up != "leo5" {
		t.Fatalf("status listener = %+v", status)
	}

	if err := topo.Teardown(context.Background()); err != nil {
		t.Fatalf("Teardown: %v", err)
	}
	for _, pid := range hosts.pids() {
		if daemon.Alive(pid) {
			t.Fatalf("pid %d still running after teardown", pid)
		}
	}
	if diff := cmp.Diff([]string{"g1", "g2", "s1", "s2", "s3"}, status.down); diff != "" {
		t.Fatalf("TopologyDown nodes mismatch (-want +got):\n%s", diff)
	}
	if _, err := os.Stat(dir); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("state dir survived teardown")
	}
}

func TestBuildAbortsWhenDaemonExits(t *testing.T) {
	b, hosts, dir := newDaemonBuilder(t, daemontest.FailNode("s2", daemontest.ModeExit))
	_, err := b.Build(context.Background(), model.LEO5(0))
	if !errors.Is(err, ErrDaemonStart) || !errors.Is(err, daemon.ErrExited) {
		t.Fatalf("err = %v, want ErrDaemonStart wrapping ErrExited", err)
	}
	var dse *DaemonStartError
	if !errors.As(err, &dse) || dse.Node != "s2" {
		t.Fatalf("err = %#v, want *DaemonStartError for s2", err)
	}
	if !strings.Contains(dse.LogTail, "cannot bind udp port 6363") {
		t.Fatalf("log tail = %q", dse.LogTail)
	}

	pids := hosts.pids()
	if len(pids) != 5 {
		t.Fatalf("started %d daemons, want 5", len(pids))
	}
	for _, pid := range pids {
		if daemon.Alive(pid) {
			t.Fatalf("pid %d survived the aborted build", pid)
		}
	}
	if _, err := os.Stat(dir); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("state dir survived the aborted build")
	}
}

func TestBuildAbortsWhenDaemonNeverReady(t *testing.T) {
	b, hosts, dir := newDaemonBuilder(t, daemontest.FailNode("s2", daemontest.ModeHang),
		WithReadyTimeout(2*time.Second),
		WithTeardownGrace(200*time.Millisecond),
	)
	_, err := b.Build(context.Background(), model.LEO5(0))
	if !errors.Is(err, ErrDaemonStart) || !errors.Is(err, daemon.ErrNotReady) {
		t.Fatalf("err = %v, want ErrDaemonStart wrapping ErrNotReady", err)
	}
	var dse *DaemonStartError
	if !errors.As(err, &dse) || dse.Node != "s2" {
		t.Fatalf("err = %#v, want *DaemonStartError for s2", err)
	}

	// The hanging daemon ignores SIGTERM, so rollback has to escalate.
	pids := hosts.pids()
	if len(pids) != 5 {
		t.Fatalf("started %d daemons, want 5", len(pids))
	}
	for _, pid := range pids {
		if daemon.Alive(pid) {
			t.Fatalf("pid %d survived the aborted build", pid)
		}
	}
	if _, err := os.Stat(dir); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("state dir survived the aborted build")
	}
}

func TestTeardownReportsStubbornDaemon(t *testing.T) {
	b, hosts, _ := newDaemonBuilder(t, daemontest.FailNode("s3", daemontest.ModeStubborn), WithTeardownGrace(200*time.Millisecond))
	topo, err := b.Build(context.Background(), model.LEO5(0))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	// SIGKILL cannot be ignored, so the stubborn daemon still dies; the
	// escalation is what is under test.
	if err := topo.Teardown(context.Background()); err != nil {
		t.Fatalf("Teardown: %v", err)
	}
	for _, pid := range hosts.pids() {
		if daemon.Alive(pid) {
			t.Fatalf("pid %d still running", pid)
		}
	}
}
