// Package router sends control commands to a node's forwarding daemon.
//
// A dispatch resolves the node name to its control endpoint and runs the
// daemon's control client with NDN_CLIENT_TRANSPORT pointing at that
// endpoint. Output and exit status come back verbatim.
package router

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"golang.org/x/sys/execabs"

	"github.com/signalsfoundry/satnet-emulator/internal/logging"
	"github.com/signalsfoundry/satnet-emulator/internal/observability"
	"github.com/signalsfoundry/satnet-emulator/registry"
)

// ErrUnknownNode is returned when the target node is not registered. No
// process is started in that case.
var ErrUnknownNode = errors.New("unknown node")

// TransportEnv names the variable the control client reads its transport
// from.
const TransportEnv = "NDN_CLIENT_TRANSPORT"

// Resolver maps node names to registered nodes. *registry.Registry and
// *registry.Manifest satisfy it.
type Resolver interface {
	Lookup(name string) (*registry.Node, error)
}

// Commander builds a command running inside a node's network context.
// substrate.Substrate satisfies it.
type Commander interface {
	Command(ctx context.Context, host string, argv []string) (*execabs.Cmd, error)
}

// Recorder receives dispatch metrics. observability.Collector implements
// it.
type Recorder interface {
	ObserveDispatch(command string, exitCode int, d time.Duration, err error)
}

// Config tells the router how to reach daemons.
type Config struct {
	// Binary is the forwarder executable whose subcommands form the
	// control client.
	Binary string
	// Hosts, when set, runs the client inside the node's namespace.
	// Otherwise it runs on the host; the unix endpoint is reachable from
	// either.
	Hosts Commander
	// Env is appended to the inherited environment.
	Env     []string
	Log     logging.Logger
	Metrics Recorder
}

// Result is what the control client printed and how it exited.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Router dispatches commands. It holds a resolver, not node copies.
type Router struct {
	resolver Resolver
	cfg      Config
}

// New returns a router resolving nodes through resolver.
func New(resolver Resolver, cfg Config) *Router {
	if cfg.Log == nil {
		cfg.Log = logging.Noop()
	}
	return &Router{resolver: resolver, cfg: cfg}
}

// Transport returns the client transport reference of an endpoint.
func Transport(endpoint string) string { return "unix://" + endpoint }

// Dispatch runs `<binary> <command> <args...>` against node's daemon with
// stdin attached when non-nil. A non-zero client exit is reported in the
// Result, not as an error; errors mean the command could not be run.
func (r *Router) Dispatch(ctx context.Context, node, command string, args []string, stdin io.Reader) (_ *Result, err error) {
	ctx, span := observability.StartSpan(ctx, "router.dispatch", "node", node)
	defer func() { observability.EndSpan(span, err) }()

	start := time.Now()
	res, err := r.dispatch(ctx, node, command, args, stdin)
	if r.cfg.Metrics != nil && !errors.Is(err, ErrUnknownNode) {
		code := -1
		if res != nil {
			code = res.ExitCode
		}
		r.cfg.Metrics.ObserveDispatch(command, code, time.Since(start), err)
	}
	return res, err
}

func (r *Router) dispatch(ctx context.Context, node, command string, args []string, stdin io.Reader) (*Result, error) {
	n, err := r.resolver.Lookup(node)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownNode, node)
		}
		return nil, err
	}
	if command == "" {
		return nil, errors.New("no command specified")
	}

	argv := append([]string{r.cfg.Binary, command}, args...)
	cmd, err := r.command(ctx, node, argv)
	if err != nil {
		return nil, fmt.Errorf("dispatch to %s: %w", node, err)
	}
	env := append(os.Environ(), r.cfg.Env...)
	cmd.Env = append(env, TransportEnv+"="+Transport(n.Endpoint))
	var stdout, stderr bytes.Buffer
	cmd.Stdout, cmd.Stderr = &stdout, &stderr
	if stdin != nil {
		cmd.Stdin = stdin
	}

	r.cfg.Log.Debug(ctx, "dispatch",
		logging.Node(node),
		logging.String("command", strings.Join(argv[1:], " ")),
		logging.String("endpoint", n.Endpoint),
	)

	res := &Result{}
	runErr := run(ctx, cmd)
	res.Stdout, res.Stderr = stdout.String(), stderr.String()
	if runErr != nil {
		var exitErr *execabs.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, fmt.Errorf("dispatch to %s: %w", node, runErr)
		}
		res.ExitCode = exitErr.ExitCode()
	}
	return res, nil
}

func (r *Router) command(ctx context.Context, node string, argv []string) (*execabs.Cmd, error) {
	if r.cfg.Hosts == nil {
		return execabs.Command(argv[0], argv[1:]...), nil
	}
	return r.cfg.Hosts.Command(ctx, node, argv)
}

// run starts cmd and waits for it, killing it if ctx ends first.
// Commanders build commands without a context, so cancellation is handled
// here for every path.
func run(ctx context.Context, cmd *execabs.Cmd) error {
	if err := cmd.Start(); err != nil {
		return err
	}
	exited := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = cmd.Process.Kill()
		case <-exited:
		}
	}()
	err := cmd.Wait()
	close(exited)
	if ctxErr := ctx.Err(); ctxErr != nil && err != nil {
		return ctxErr
	}
	return err
}
