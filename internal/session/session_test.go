package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/signalsfoundry/satnet-emulator/core"
	"github.com/signalsfoundry/satnet-emulator/internal/handover"
	"github.com/signalsfoundry/satnet-emulator/internal/router"
	"github.com/signalsfoundry/satnet-emulator/internal/substrate"
	"github.com/signalsfoundry/satnet-emulator/model"
)

type call struct {
	Node, Command string
	Args          []string
	Stdin         string
}

type fakeRouter struct {
	calls []call
}

func (f *fakeRouter) Dispatch(_ context.Context, node, command string, args []string, stdin io.Reader) (*router.Result, error) {
	if node == "s9" {
		return nil, fmt.Errorf("%w: %s", router.ErrUnknownNode, node)
	}
	c := call{Node: node, Command: command, Args: args}
	if stdin != nil {
		data, _ := io.ReadAll(stdin)
		c.Stdin = string(data)
	}
	f.calls = append(f.calls, c)
	if command == "fail" {
		return &router.Result{Stderr: "ERR\n", ExitCode: 4}, nil
	}
	return &router.Result{Stdout: "OK " + node + "\n"}, nil
}

type fakeConnector struct{ links []string }

func (f *fakeConnector) Connect(_ context.Context, id string) error {
	f.links = append(f.links, id)
	return nil
}

type fakeEvents struct{ pending, fired []handover.Event }

func (f fakeEvents) Pending() []handover.Event { return f.pending }
func (f fakeEvents) Fired() []handover.Event   { return f.fired }

func newSession(t *testing.T) (*Session, *core.Topology, *fakeRouter, *bytes.Buffer) {
	t.Helper()
	parent, err := os.MkdirTemp("", "sn")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(parent) })
	topo, err := core.NewBuilder(substrate.NewMemory(), nil,
		core.WithStateDir(filepath.Join(parent, "s")),
	).Build(context.Background(), model.LEO5(0))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	t.Cleanup(func() { _ = topo.Teardown(context.Background()) })

	r := &fakeRouter{}
	out := &bytes.Buffer{}
	s := New(Config{Topology: topo, Router: r, Out: out})
	return s, topo, r, out
}

func TestQuitAndBlankLines(t *testing.T) {
	s, _, r, _ := newSession(t)
	ctx := context.Background()
	for _, line := range []string{"", "   ", "# comment"} {
		if err := s.Handle(ctx, line); err != nil {
			t.Fatalf("Handle(%q) = %v, want nil", line, err)
		}
	}
	for _, line := range []string{"quit", "exit"} {
		if err := s.Handle(ctx, line); !errors.Is(err, ErrQuit) {
			t.Fatalf("Handle(%q) = %v, want ErrQuit", line, err)
		}
	}
	if len(r.calls) != 0 {
		t.Fatalf("built-ins dispatched to daemons: %v", r.calls)
	}
}

func TestForwardsNodeCommands(t *testing.T) {
	s, _, r, out := newSession(t)
	if err := s.Handle(context.Background(), `s2 fib add "/a b" 3`); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	want := []call{{Node: "s2", Command: "fib", Args: []string{"add", "/a b", "3"}}}
	if diff := cmp.Diff(want, r.calls); diff != "" {
		t.Fatalf("calls mismatch (-want +got):\n%s", diff)
	}
	if !strings.Contains(out.String(), "OK s2") {
		t.Fatalf("output = %q", out.String())
	}
}

func TestNonZeroExitIsPrinted(t *testing.T) {
	s, _, _, out := newSession(t)
	if err := s.Handle(context.Background(), "g1 fail"); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !strings.Contains(out.String(), "exit status 4") {
		t.Fatalf("output = %q, want exit status", out.String())
	}
}

func TestUnknownNodeAndParseErrors(t *testing.T) {
	s, _, _, _ := newSession(t)
	ctx := context.Background()
	if err := s.Handle(ctx, "s9 status"); !errors.Is(err, router.ErrUnknownNode) {
		t.Fatalf("err = %v, want ErrUnknownNode", err)
	}
	if err := s.Handle(ctx, `g1 put "unterminated`); err == nil {
		t.Fatalf("expected parse error")
	}
	if err := s.Handle(ctx, "frobnicate"); err == nil {
		t.Fatalf("expected unknown command error")
	}
}

func TestStdinRedirection(t *testing.T) {
	s, _, r, _ := newSession(t)
	file := filepath.Join(t.TempDir(), "payload.txt")
	if err := os.WriteFile(file, []byte("hello"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	ctx := context.Background()
	if err := s.Handle(ctx, "g1 put /data < "+file); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if err := s.Handle(ctx, "g2 put /data <"+file); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	want := []call{
		{Node: "g1", Command: "put", Args: []string{"/data"}, Stdin: "hello"},
		{Node: "g2", Command: "put", Args: []string{"/data"}, Stdin: "hello"},
	}
	if diff := cmp.Diff(want, r.calls); diff != "" {
		t.Fatalf("calls mismatch (-want +got):\n%s", diff)
	}
	if err := s.Handle(ctx, "g1 put /data <"); err == nil {
		t.Fatalf("expected error for missing redirect target")
	}
	for _, line := range []string{"<" + file, "< " + file} {
		if err := s.Handle(ctx, line); err == nil || !strings.Contains(err.Error(), "usage") {
			t.Fatalf("Handle(%q) = %v, want usage error", line, err)
		}
	}
	if len(r.calls) != 2 {
		t.Fatalf("redirect-only lines dispatched: %d calls", len(r.calls))
	}
}

func TestLinkCommandChangesState(t *testing.T) {
	s, topo, _, out := newSession(t)
	ctx := context.Background()
	if err := s.Handle(ctx, "link s2 g1 up"); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	l, err := topo.Link("g1-s2")
	if err != nil {
		t.Fatalf("Link: %v", err)
	}
	if l.State != core.LinkUp {
		t.Fatalf("g1-s2 state = %v, want up", l.State)
	}
	if !strings.Contains(out.String(), "g1-s2 up") {
		t.Fatalf("output = %q", out.String())
	}
	if err := s.Handle(ctx, "link g1 s2 sideways"); err == nil {
		t.Fatalf("expected error for bad state")
	}
	if err := s.Handle(ctx, "link g1 s3 up"); !errors.Is(err, core.ErrUnknownLink) {
		t.Fatalf("err = %v, want ErrUnknownLink", err)
	}
}

func TestProfileCommandOnDownLinkIsDeferred(t *testing.T) {
	s, topo, _, out := newSession(t)
	if err := s.Handle(context.Background(), "profile g1 s2 delay=40ms loss=0.01"); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	l, _ := topo.Link("g1-s2")
	if l.Profile.Delay() != 40*time.Millisecond || l.Profile.Loss() != 0.01 {
		t.Fatalf("profile = %s", l.Profile)
	}
	if !l.PendingProfile {
		t.Fatalf("profile on a down link should be pending")
	}
	if !strings.Contains(out.String(), "applied when the link comes up") {
		t.Fatalf("output = %q", out.String())
	}
	if err := s.Handle(context.Background(), "profile g1 s2 loss=2"); !errors.Is(err, model.ErrInvalidProfile) {
		t.Fatalf("err = %v, want ErrInvalidProfile", err)
	}
}

func TestListings(t *testing.T) {
	s, _, _, out := newSession(t)
	ctx := context.Background()

	if err := s.Handle(ctx, "nodes"); err != nil {
		t.Fatalf("nodes: %v", err)
	}
	for _, n := range []string{"g1", "g2", "s1", "s2", "s3"} {
		if !strings.Contains(out.String(), n+".sock") {
			t.Fatalf("nodes output missing %s:\n%s", n, out.String())
		}
	}

	out.Reset()
	if err := s.Handle(ctx, "links"); err != nil {
		t.Fatalf("links: %v", err)
	}
	if !strings.Contains(out.String(), "g1-eth0 10.0.0.9/30") {
		t.Fatalf("links output missing g1-s1 end:\n%s", out.String())
	}
	if strings.Count(out.String(), "\n") != 7 {
		t.Fatalf("links output has %d lines, want header and 6 links:\n%s", strings.Count(out.String(), "\n"), out.String())
	}

	out.Reset()
	if err := s.Handle(ctx, "help"); err != nil || !strings.Contains(out.String(), "adjacency <a> <b>") {
		t.Fatalf("help = %v, %q", err, out.String())
	}
}

func TestAdjacencyAndEvents(t *testing.T) {
	s, topo, r, out := newSession(t)
	ctx := context.Background()
	if err := s.Handle(ctx, "adjacency g1 s1"); err == nil {
		t.Fatalf("expected error without adjacency automation")
	}

	conn := &fakeConnector{}
	events := fakeEvents{
		fired:   []handover.Event{{ID: "ev1", Link: "g1-s1", State: core.LinkDown, Status: handover.Fired}},
		pending: []handover.Event{{ID: "ev2", Offset: time.Minute, Link: "g1-s2", State: core.LinkUp}},
	}
	s = New(Config{Topology: topo, Router: r, Adjacency: conn, Events: events, Out: out})
	if err := s.Handle(ctx, "adjacency s1 g1"); err != nil {
		t.Fatalf("adjacency: %v", err)
	}
	if diff := cmp.Diff([]string{"g1-s1"}, conn.links); diff != "" {
		t.Fatalf("connected links mismatch (-want +got):\n%s", diff)
	}

	out.Reset()
	if err := s.Handle(ctx, "events"); err != nil {
		t.Fatalf("events: %v", err)
	}
	got := out.String()
	if !strings.Contains(got, "ev1") || !strings.Contains(got, "fired") || !strings.Contains(got, "+1m0s") {
		t.Fatalf("events output = %q", got)
	}
	if strings.Index(got, "ev1") > strings.Index(got, "ev2") {
		t.Fatalf("fired events should be listed before pending ones:\n%s", got)
	}
}
