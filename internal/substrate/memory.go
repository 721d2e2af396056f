package substrate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sys/execabs"

	"github.com/signalsfoundry/satnet-emulator/model"
)

// Memory is an in-process Substrate. It tracks hosts, interfaces, their
// administrative state and installed profiles, and answers reachability
// questions over the links that are currently up. Failures can be injected
// per operation to exercise the builder's error paths.
type Memory struct {
	mu     sync.Mutex
	hosts  map[string]bool
	ifaces map[string]*memIface // key host/iface
	links  map[string]memLink   // key a.host/a.iface
	fail   map[string]error
	calls  []string
}

type memIface struct {
	end     LinkEnd
	up      bool
	profile model.LinkProfile
	applied int
}

type memLink struct {
	a, b LinkEnd
}

var _ Substrate = &Memory{}

// Memory operation names accepted by FailOn.
const (
	OpAddHost      = "AddHost"
	OpRemoveHost   = "RemoveHost"
	OpAddLink      = "AddLink"
	OpRemoveLink   = "RemoveLink"
	OpSetLinkUp    = "SetLinkUp"
	OpSetLinkDown  = "SetLinkDown"
	OpApplyProfile = "ApplyProfile"
)

// NewMemory returns an empty in-memory substrate.
func NewMemory() *Memory {
	return &Memory{
		hosts:  make(map[string]bool),
		ifaces: make(map[string]*memIface),
		links:  make(map[string]memLink),
		fail:   make(map[string]error),
	}
}

// FailOn makes every later call of op return err. A nil err clears it.
func (m *Memory) FailOn(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.fail, op)
		return
	}
	m.fail[op] = err
}

func (m *Memory) record(op string) error {
	m.calls = append(m.calls, op)
	return m.fail[op]
}

// Calls returns the operations performed so far, in order.
func (m *Memory) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func ifaceKey(host, iface string) string { return host + "/" + iface }

// AddHost implements Substrate.
func (m *Memory) AddHost(_ context.Context, host string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(OpAddHost); err != nil {
		return err
	}
	if m.hosts[host] {
		return fmt.Errorf("host %s already exists", host)
	}
	m.hosts[host] = true
	return nil
}

// RemoveHost implements Substrate. Interfaces owned by the host and the
// links they belong to disappear with it.
func (m *Memory) RemoveHost(_ context.Context, host string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(OpRemoveHost); err != nil {
		return err
	}
	if !m.hosts[host] {
		return fmt.Errorf("%w: %s", ErrUnknownHost, host)
	}
	delete(m.hosts, host)
	for key, l := range m.links {
		if l.a.Host == host || l.b.Host == host {
			delete(m.ifaces, ifaceKey(l.a.Host, l.a.Iface))
			delete(m.ifaces, ifaceKey(l.b.Host, l.b.Iface))
			delete(m.links, key)
		}
	}
	return nil
}

// AddLink implements Substrate.
func (m *Memory) AddLink(_ context.Context, a, b LinkEnd) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(OpAddLink); err != nil {
		return err
	}
	for _, end := range []LinkEnd{a, b} {
		if !m.hosts[end.Host] {
			return fmt.Errorf("%w: %s", ErrUnknownHost, end.Host)
		}
		if _, exists := m.ifaces[ifaceKey(end.Host, end.Iface)]; exists {
			return fmt.Errorf("interface %s/%s already exists", end.Host, end.Iface)
		}
	}
	m.ifaces[ifaceKey(a.Host, a.Iface)] = &memIface{end: a}
	m.ifaces[ifaceKey(b.Host, b.Iface)] = &memIface{end: b}
	m.links[ifaceKey(a.Host, a.Iface)] = memLink{a: a, b: b}
	return nil
}

// RemoveLink implements Substrate.
func (m *Memory) RemoveLink(_ context.Context, a, b LinkEnd) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(OpRemoveLink); err != nil {
		return err
	}
	key := ifaceKey(a.Host, a.Iface)
	if _, ok := m.links[key]; !ok {
		return fmt.Errorf("%w: %s-%s", ErrUnknownLink, a.Host, b.Host)
	}
	delete(m.links, key)
	delete(m.ifaces, key)
	delete(m.ifaces, ifaceKey(b.Host, b.Iface))
	return nil
}

// SetLinkUp implements Substrate.
func (m *Memory) SetLinkUp(_ context.Context, a, b LinkEnd, up bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	op := OpSetLinkDown
	if up {
		op = OpSetLinkUp
	}
	if err := m.record(op); err != nil {
		return err
	}
	ia, oka := m.ifaces[ifaceKey(a.Host, a.Iface)]
	ib, okb := m.ifaces[ifaceKey(b.Host, b.Iface)]
	if !oka || !okb {
		return fmt.Errorf("%w: %s-%s", ErrUnknownLink, a.Host, b.Host)
	}
	ia.up, ib.up = up, up
	return nil
}

// ApplyProfile implements Substrate.
func (m *Memory) ApplyProfile(_ context.Context, end LinkEnd, p model.LinkProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(OpApplyProfile); err != nil {
		return err
	}
	if err := p.Validate(); err != nil {
		return err
	}
	i, ok := m.ifaces[ifaceKey(end.Host, end.Iface)]
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrUnknownLink, end.Host, end.Iface)
	}
	i.profile = p
	i.applied++
	return nil
}

// Command implements Substrate by running argv on the host directly.
func (m *Memory) Command(_ context.Context, host string, argv []string) (*execabs.Cmd, error) {
	if len(argv) < 1 {
		return nil, errors.New("no command specified")
	}
	m.mu.Lock()
	known := m.hosts[host]
	m.mu.Unlock()
	if !known {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHost, host)
	}
	return execabs.Command(argv[0], argv[1:]...), nil
}

// Observation is what traffic leaving one interface currently experiences.
type Observation struct {
	Carrying bool
	Profile  model.LinkProfile
	// Applied counts how many times a profile was pushed to the interface.
	Applied int
}

// Observe reports the effective state of host/iface. A link carries traffic
// only when both of its interfaces are up.
func (m *Memory) Observe(host, iface string) (Observation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.ifaces[ifaceKey(host, iface)]
	if !ok {
		return Observation{}, false
	}
	carrying := i.up
	if carrying {
		carrying = m.peerUpLocked(host, iface)
	}
	return Observation{Carrying: carrying, Profile: i.profile, Applied: i.applied}, true
}

func (m *Memory) peerUpLocked(host, iface string) bool {
	for _, l := range m.links {
		switch {
		case l.a.Host == host && l.a.Iface == iface:
			return m.ifaces[ifaceKey(l.b.Host, l.b.Iface)].up
		case l.b.Host == host && l.b.Iface == iface:
			return m.ifaces[ifaceKey(l.a.Host, l.a.Iface)].up
		}
	}
	return false
}

// Reachable reports whether a path of up links connects from and to, and
// returns the hop sequence of the shortest one.
func (m *Memory) Reachable(from, to string) ([]string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	adj := make(map[string][]string)
	for _, l := range m.links {
		ia := m.ifaces[ifaceKey(l.a.Host, l.a.Iface)]
		ib := m.ifaces[ifaceKey(l.b.Host, l.b.Iface)]
		if ia == nil || ib == nil || !ia.up || !ib.up {
			continue
		}
		adj[l.a.Host] = append(adj[l.a.Host], l.b.Host)
		adj[l.b.Host] = append(adj[l.b.Host], l.a.Host)
	}
	for h := range adj {
		sort.Strings(adj[h])
	}

	prev := map[string]string{from: ""}
	queue := []string{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == to {
			path := []string{to}
			for p := prev[to]; p != ""; p = prev[p] {
				path = append([]string{p}, path...)
			}
			return path, true
		}
		for _, next := range adj[cur] {
			if _, seen := prev[next]; seen {
				continue
			}
			prev[next] = cur
			queue = append(queue, next)
		}
	}
	return nil, false
}

// Hosts returns the hosts currently present, sorted.
func (m *Memory) Hosts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.hosts))
	for h := range m.hosts {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

// LinkCount returns the number of links currently present.
func (m *Memory) LinkCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.links)
}
