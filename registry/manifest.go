package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/signalsfoundry/satnet-emulator/model"
)

// ManifestFile is the name of the manifest inside the state directory.
const ManifestFile = "nodes.json"

// Manifest is the on-disk view of a registry. It lets a separate process,
// such as the generated dispatch helper, resolve nodes to endpoints.
type Manifest struct {
	Topology string          `json:"topology"`
	Nodes    []ManifestEntry `json:"nodes"`
}

// ManifestEntry describes one node.
type ManifestEntry struct {
	Name       string     `json:"name"`
	Role       model.Role `json:"role"`
	Endpoint   string     `json:"endpoint"`
	Pid        int        `json:"pid,omitempty"`
	Interfaces []string   `json:"interfaces,omitempty"`
}

// Manifest snapshots the registry.
func (r *Registry) Manifest(topology string) *Manifest {
	m := &Manifest{Topology: topology}
	for _, n := range r.All() {
		e := ManifestEntry{
			Name:       n.Name,
			Role:       n.Role,
			Endpoint:   n.Endpoint,
			Interfaces: append([]string(nil), n.Interfaces...),
		}
		if n.Process != nil {
			e.Pid = n.Process.Pid()
		}
		m.Nodes = append(m.Nodes, e)
	}
	return m
}

// Write stores the manifest at path, replacing any previous file
// atomically.
func (m *Manifest) Write(path string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".nodes-*.json")
	if err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

// LoadManifest reads a manifest written by Write.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest %s: %w", path, err)
	}
	return &m, nil
}

// Lookup has the same contract as Registry.Lookup. The returned node has
// no process handle.
func (m *Manifest) Lookup(name string) (*Node, error) {
	for _, e := range m.Nodes {
		if e.Name == name {
			return &Node{
				Name:       e.Name,
				Role:       e.Role,
				Endpoint:   e.Endpoint,
				Interfaces: append([]string(nil), e.Interfaces...),
			}, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
}
