// Package registry tracks emulated nodes, their private control endpoints
// and the daemon process serving each endpoint.
package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/signalsfoundry/satnet-emulator/internal/logging"
	"github.com/signalsfoundry/satnet-emulator/model"
)

var (
	// ErrNotFound indicates a lookup for a node that was never registered.
	ErrNotFound = errors.New("node not found")
	// ErrNodeExists indicates a second registration under the same name.
	ErrNodeExists = errors.New("node already registered")
	// ErrEndpointCollision indicates two nodes were assigned the same
	// control endpoint. Allocation is sequential and derived from node
	// identity, so this is a construction bug rather than a race.
	ErrEndpointCollision = errors.New("control endpoint collision")
	// ErrEndpointTooLong indicates the endpoint does not fit a unix socket
	// address.
	ErrEndpointTooLong = errors.New("control endpoint path too long")
	// ErrTeardownPartial indicates one or more processes did not terminate.
	ErrTeardownPartial = errors.New("teardown incomplete")
)

// maxSocketPath is sizeof(sockaddr_un.sun_path) minus the trailing NUL.
const maxSocketPath = 107

// DefaultGrace is how long a daemon gets between SIGTERM and SIGKILL.
const DefaultGrace = 2 * time.Second

// Process is the handle of a node's forwarding daemon.
type Process interface {
	Pid() int
	Signal(sig os.Signal) error
	Kill() error
	// Done is closed once the process has exited and been reaped.
	Done() <-chan struct{}
}

// Node is one emulated network endpoint.
type Node struct {
	Name       string
	Role       model.Role
	Endpoint   string
	Interfaces []string
	Process    Process
}

// EndpointFunc derives the control endpoint of a node from its name.
type EndpointFunc func(name string) string

// SocketEndpoints returns the default derivation: <dir>/<name>.sock.
func SocketEndpoints(dir string) EndpointFunc {
	return func(name string) string {
		return filepath.Join(dir, name+".sock")
	}
}

// Registry records nodes in creation order. It is owned by the topology;
// other components look nodes up by name.
type Registry struct {
	mu         sync.RWMutex
	endpointFn EndpointFunc
	log        logging.Logger

	nodes      []*Node
	byName     map[string]*Node
	byEndpoint map[string]string
}

// Option customises Registry construction.
type Option func(*Registry)

// WithEndpointFunc overrides the endpoint derivation.
func WithEndpointFunc(fn EndpointFunc) Option {
	return func(r *Registry) {
		if fn != nil {
			r.endpointFn = fn
		}
	}
}

// WithLogger attaches a structured logger.
func WithLogger(l logging.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.log = l
		}
	}
}

// New returns an empty registry allocating endpoints under stateDir.
func New(stateDir string, opts ...Option) *Registry {
	r := &Registry{
		endpointFn: SocketEndpoints(stateDir),
		log:        logging.Noop(),
		byName:     make(map[string]*Node),
		byEndpoint: make(map[string]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register allocates the node's control endpoint and records it. The
// returned endpoint is also stored on node.
func (r *Registry) Register(node *Node) (string, error) {
	if node == nil || node.Name == "" {
		return "", fmt.Errorf("register: node has no name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[node.Name]; exists {
		return "", fmt.Errorf("%w: %s", ErrNodeExists, node.Name)
	}
	endpoint := r.endpointFn(node.Name)
	if owner, taken := r.byEndpoint[endpoint]; taken {
		return "", fmt.Errorf("%w: %s and %s both map to %s", ErrEndpointCollision, owner, node.Name, endpoint)
	}
	if len(endpoint) > maxSocketPath {
		return "", fmt.Errorf("%w: %s (%d bytes, max %d)", ErrEndpointTooLong, endpoint, len(endpoint), maxSocketPath)
	}

	node.Endpoint = endpoint
	r.nodes = append(r.nodes, node)
	r.byName[node.Name] = node
	r.byEndpoint[endpoint] = node.Name
	return endpoint, nil
}

// Lookup returns the node registered under name.
func (r *Registry) Lookup(name string) (*Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return n, nil
}

// All returns the nodes in creation order.
func (r *Registry) All() []*Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Node(nil), r.nodes...)
}

// Len returns the number of registered nodes.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// AttachProcess records the daemon process serving name's endpoint.
func (r *Registry) AttachProcess(name string, p Process) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.byName[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	n.Process = p
	return nil
}

// AddInterface appends an interface name to the node.
func (r *Registry) AddInterface(name, iface string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.byName[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	n.Interfaces = append(n.Interfaces, iface)
	return nil
}

// TeardownError lists the nodes whose daemon did not terminate.
type TeardownError struct {
	Nodes  []string
	Causes []error
}

func (e *TeardownError) Error() string {
	parts := make([]string, len(e.Nodes))
	for i, n := range e.Nodes {
		parts[i] = n
		if i < len(e.Causes) && e.Causes[i] != nil {
			parts[i] = fmt.Sprintf("%s (%v)", n, e.Causes[i])
		}
	}
	return fmt.Sprintf("%v: %d node(s) did not terminate cleanly: %s", ErrTeardownPartial, len(e.Nodes), strings.Join(parts, ", "))
}

func (e *TeardownError) Is(target error) bool { return target == ErrTeardownPartial }

// Teardown stops every node's daemon in reverse creation order, removes the
// endpoints and empties the registry. Each process gets SIGTERM and grace
// to exit, then SIGKILL and another grace period. Nodes that still have not
// exited are reported in a *TeardownError; the rest of the teardown
// continues regardless. Calling Teardown on an empty registry is a no-op.
func (r *Registry) Teardown(ctx context.Context, grace time.Duration) error {
	if grace <= 0 {
		grace = DefaultGrace
	}
	r.mu.Lock()
	nodes := r.nodes
	r.nodes = nil
	r.byName = make(map[string]*Node)
	r.byEndpoint = make(map[string]string)
	r.mu.Unlock()

	var failed TeardownError
	for i := len(nodes) - 1; i >= 0; i-- {
		n := nodes[i]
		if err := stopProcess(n.Process, grace); err != nil {
			r.log.Warn(ctx, "daemon did not terminate", logging.Node(n.Name), logging.Err(err))
			failed.Nodes = append(failed.Nodes, n.Name)
			failed.Causes = append(failed.Causes, err)
		} else if n.Process != nil {
			r.log.Debug(ctx, "daemon stopped", logging.Node(n.Name), logging.Int("pid", n.Process.Pid()))
		}
		if n.Endpoint != "" {
			if err := os.Remove(n.Endpoint); err != nil && !errors.Is(err, os.ErrNotExist) {
				r.log.Warn(ctx, "failed to remove endpoint", logging.Node(n.Name), logging.String("endpoint", n.Endpoint), logging.Err(err))
			}
		}
	}
	if len(failed.Nodes) > 0 {
		return &failed
	}
	return nil
}

func stopProcess(p Process, grace time.Duration) error {
	if p == nil {
		return nil
	}
	select {
	case <-p.Done():
		return nil
	default:
	}

	if err := p.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("SIGTERM pid %d: %w", p.Pid(), err)
	}
	select {
	case <-p.Done():
		return nil
	case <-time.After(grace):
	}

	if err := p.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("SIGKILL pid %d: %w", p.Pid(), err)
	}
	select {
	case <-p.Done():
		return nil
	case <-time.After(grace):
		return fmt.Errorf("pid %d still running %s after SIGKILL", p.Pid(), grace)
	}
}
