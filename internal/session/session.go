// Package session implements the operator's line-oriented console.
//
// A line is either a built-in command or `<node> <command> <args...>`,
// which is forwarded to that node's daemon. `< file` anywhere in a
// forwarded line attaches the file as the command's standard input.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/google/shlex"

	"github.com/signalsfoundry/satnet-emulator/core"
	"github.com/signalsfoundry/satnet-emulator/internal/daemon"
	"github.com/signalsfoundry/satnet-emulator/internal/handover"
	"github.com/signalsfoundry/satnet-emulator/internal/logging"
	"github.com/signalsfoundry/satnet-emulator/internal/router"
	"github.com/signalsfoundry/satnet-emulator/model"
	"github.com/signalsfoundry/satnet-emulator/registry"
)

// ErrQuit is returned by Handle when the operator asks to leave.
var ErrQuit = errors.New("quit")

// Topology is the part of *core.Topology the console drives.
type Topology interface {
	Registry() *registry.Registry
	Links() []core.NetworkLink
	Link(id string) (core.NetworkLink, error)
	ResolveLinkID(a, b string) (string, error)
	SetLinkState(ctx context.Context, id string, state core.LinkState) error
	ApplyProfile(ctx context.Context, id string, p model.LinkProfile) error
}

// Dispatcher runs a control command on a node. *router.Router satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, node, command string, args []string, stdin io.Reader) (*router.Result, error)
}

// Connector creates adjacencies. *adjacency.Automation satisfies it.
type Connector interface {
	Connect(ctx context.Context, linkID string) error
}

// EventSource lists scheduled events. *handover.Scheduler satisfies it.
type EventSource interface {
	Pending() []handover.Event
	Fired() []handover.Event
}

// Config wires a Session. Adjacency and Events are optional.
type Config struct {
	Topology  Topology
	Router    Dispatcher
	Adjacency Connector
	Events    EventSource
	Out       io.Writer
	Log       logging.Logger
	// Usage samples a daemon's resource use; defaults to
	// daemon.ProcessUsage.
	Usage func(pid int) (daemon.Usage, error)
}

var (
	promptColor = color.New(color.FgCyan, color.Bold)
	okColor     = color.New(color.FgGreen)
	errColor    = color.New(color.FgRed)
	headColor   = color.New(color.Bold)
)

// Session executes console lines against a running topology.
type Session struct {
	cfg Config
}

// New returns a session writing results to cfg.Out.
func New(cfg Config) *Session {
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	if cfg.Log == nil {
		cfg.Log = logging.Noop()
	}
	if cfg.Usage == nil {
		cfg.Usage = daemon.ProcessUsage
	}
	return &Session{cfg: cfg}
}

// Prompt returns the console prompt.
func (s *Session) Prompt() string { return promptColor.Sprint("satnet> ") }

// PrintError reports a failed line to the operator.
func (s *Session) PrintError(err error) {
	errColor.Fprintf(s.cfg.Out, "error: %v\n", err)
}

// Handle executes one line. Blank lines and comments do nothing.
func (s *Session) Handle(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return nil
	}
	argv, err := shlex.Split(line)
	if err != nil {
		return fmt.Errorf("parse %q: %w", line, err)
	}
	if len(argv) == 0 {
		return nil
	}

	switch argv[0] {
	case "quit", "exit":
		return ErrQuit
	case "help", "?":
		s.help()
		return nil
	case "nodes":
		return s.nodes()
	case "links":
		return s.links()
	case "link":
		return s.link(ctx, argv[1:])
	case "profile":
		return s.profile(ctx, argv[1:])
	case "adjacency":
		return s.adjacency(ctx, argv[1:])
	case "events":
		return s.events()
	}
	return s.dispatch(ctx, argv)
}

func (s *Session) help() {
	fmt.Fprint(s.cfg.Out, `commands:
  <node> <command> [args...] [< file]   run a daemon control command on node
  nodes                                 list nodes with pid, endpoint and memory
  links                                 list links with state and profile
  link <a> <b> up|down                  change a link's state
  profile <a> <b> key=value...          change a link's profile (bw, delay, jitter, loss, queue)
  adjacency <a> <b>                     create the routing adjacency over an up link
  events                                list scheduled and fired link events
  quit                                  tear down and exit
`)
}

func (s *Session) nodes() error {
	w := tabwriter.NewWriter(s.cfg.Out, 0, 4, 2, ' ', 0)
	headColor.Fprintln(w, "NODE\tROLE\tPID\tRSS\tENDPOINT")
	for _, n := range s.cfg.Topology.Registry().All() {
		pid, rss := "-", "-"
		if n.Process != nil {
			pid = fmt.Sprint(n.Process.Pid())
			if u, err := s.cfg.Usage(n.Process.Pid()); err == nil {
				rss = formatBytes(u.RSSBytes)
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", n.Name, n.Role, pid, rss, n.Endpoint)
	}
	return w.Flush()
}

func formatBytes(b uint64) string {
	const mib = 1 << 20
	return fmt.Sprintf("%.1fMiB", float64(b)/mib)
}

func (s *Session) links() error {
	w := tabwriter.NewWriter(s.cfg.Out, 0, 4, 2, ' ', 0)
	headColor.Fprintln(w, "LINK\tCLASS\tSTATE\tA\tB\tPROFILE")
	for _, l := range s.cfg.Topology.Links() {
		state := l.State.String()
		if l.State == core.LinkUp {
			state = okColor.Sprint(state)
		}
		profile := l.Profile.String()
		if l.PendingProfile {
			profile += " (pending)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s %s\t%s %s\t%s\n",
			l.ID, l.Class, state, l.A.Iface, l.A.Addr, l.B.Iface, l.B.Addr, profile)
	}
	return w.Flush()
}

func (s *Session) resolve(args []string, usage string) (string, []string, error) {
	if len(args) < 2 {
		return "", nil, fmt.Errorf("usage: %s", usage)
	}
	id, err := s.cfg.Topology.ResolveLinkID(args[0], args[1])
	if err != nil {
		return "", nil, err
	}
	return id, args[2:], nil
}

func (s *Session) link(ctx context.Context, args []string) error {
	const usage = "link <a> <b> up|down"
	id, rest, err := s.resolve(args, usage)
	if err != nil {
		return err
	}
	if len(rest) != 1 {
		return fmt.Errorf("usage: %s", usage)
	}
	state, err := core.ParseLinkState(rest[0])
	if err != nil {
		return err
	}
	if err := s.cfg.Topology.SetLinkState(ctx, id, state); err != nil {
		return err
	}
	okColor.Fprintf(s.cfg.Out, "%s %s\n", id, state)
	return nil
}

func (s *Session) profile(ctx context.Context, args []string) error {
	const usage = "profile <a> <b> key=value..."
	id, rest, err := s.resolve(args, usage)
	if err != nil {
		return err
	}
	if len(rest) == 0 {
		return fmt.Errorf("usage: %s", usage)
	}
	var o model.ProfileOverrides
	for _, kv := range rest {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return fmt.Errorf("usage: %s", usage)
		}
		if err := o.Set(k, v); err != nil {
			return err
		}
	}
	l, err := s.cfg.Topology.Link(id)
	if err != nil {
		return err
	}
	p, err := l.Profile.With(o)
	if err != nil {
		return err
	}
	if err := s.cfg.Topology.ApplyProfile(ctx, id, p); err != nil {
		return err
	}
	if l.State == core.LinkDown {
		okColor.Fprintf(s.cfg.Out, "%s profile %s (applied when the link comes up)\n", id, p)
	} else {
		okColor.Fprintf(s.cfg.Out, "%s profile %s\n", id, p)
	}
	return nil
}

func (s *Session) adjacency(ctx context.Context, args []string) error {
	if s.cfg.Adjacency == nil {
		return errors.New("adjacency automation is not available without daemons")
	}
	id, rest, err := s.resolve(args, "adjacency <a> <b>")
	if err != nil {
		return err
	}
	if len(rest) != 0 {
		return errors.New("usage: adjacency <a> <b>")
	}
	if err := s.cfg.Adjacency.Connect(ctx, id); err != nil {
		return err
	}
	okColor.Fprintf(s.cfg.Out, "%s adjacency created\n", id)
	return nil
}

func (s *Session) events() error {
	if s.cfg.Events == nil {
		fmt.Fprintln(s.cfg.Out, "no scheduler")
		return nil
	}
	w := tabwriter.NewWriter(s.cfg.Out, 0, 4, 2, ' ', 0)
	headColor.Fprintln(w, "ID\tAT\tLINK\tSTATE\tSTATUS")
	row := func(e handover.Event) {
		status := e.Status.String()
		if e.Err != nil {
			status = errColor.Sprintf("failed: %v", e.Err)
		}
		fmt.Fprintf(w, "%s\t+%s\t%s\t%s\t%s\n", e.ID, e.Offset, e.Link, e.State, status)
	}
	for _, e := range s.cfg.Events.Fired() {
		row(e)
	}
	for _, e := range s.cfg.Events.Pending() {
		row(e)
	}
	return w.Flush()
}

// splitRedirect removes `< file` (or `<file`) from argv and returns the
// file name.
func splitRedirect(argv []string) ([]string, string, error) {
	out := make([]string, 0, len(argv))
	file := ""
	for i := 0; i < len(argv); i++ {
		a := argv[i]
		if !strings.HasPrefix(a, "<") {
			out = append(out, a)
			continue
		}
		if file != "" {
			return nil, "", errors.New("only one input redirection is allowed")
		}
		if file = strings.TrimPrefix(a, "<"); file == "" {
			if i+1 >= len(argv) {
				return nil, "", errors.New("missing file after <")
			}
			i++
			file = argv[i]
		}
	}
	return out, file, nil
}

func (s *Session) dispatch(ctx context.Context, argv []string) error {
	argv, file, err := splitRedirect(argv)
	if err != nil {
		return err
	}
	switch len(argv) {
	case 0:
		return errors.New("usage: <node> <command> [args...] [< file]")
	case 1:
		return fmt.Errorf("unknown command %q (try help)", argv[0])
	}
	var stdin io.Reader
	if file != "" {
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		defer f.Close()
		stdin = f
	}

	res, err := s.cfg.Router.Dispatch(ctx, argv[0], argv[1], argv[2:], stdin)
	if err != nil {
		return err
	}
	io.WriteString(s.cfg.Out, res.Stdout)
	if res.Stderr != "" {
		errColor.Fprint(s.cfg.Out, res.Stderr)
	}
	if res.ExitCode != 0 {
		errColor.Fprintf(s.cfg.Out, "exit status %d\n", res.ExitCode)
	}
	return nil
}
