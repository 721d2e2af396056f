// model/topology_loader.go
package model

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// internal JSON shapes, unexported so the file format can evolve
// independently of the Go types.
type topologyJSON struct {
	Name      string         `json:"name"`
	Nodes     []nodeJSON     `json:"nodes"`
	Links     []linkJSON     `json:"links"`
	Handovers []handoverJSON `json:"handovers"`
}

type nodeJSON struct {
	Name     string       `json:"name"`
	Role     string       `json:"role"`
	TLE      []string     `json:"tle,omitempty"`
	Position *GeoPosition `json:"position,omitempty"`
}

type linkJSON struct {
	A              string           `json:"a"`
	B              string           `json:"b"`
	Class          string           `json:"class"`
	Standby        bool             `json:"standby"`
	Profile        ProfileOverrides `json:"profile"`
	DelayFromOrbit bool             `json:"delay_from_orbit"`
}

type handoverJSON struct {
	After Duration `json:"after"`
	Down  string   `json:"down"`
	Up    string   `json:"up"`
}

// LoadTopologySpec decodes a JSON topology from r. It fails on JSON and
// vocabulary errors only; structural checks live in TopologySpec.Validate.
func LoadTopologySpec(r io.Reader) (*TopologySpec, error) {
	var payload topologyJSON
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("LoadTopologySpec: decode failed: %w", err)
	}

	spec := &TopologySpec{
		Name:      payload.Name,
		Nodes:     make([]NodeSpec, 0, len(payload.Nodes)),
		Links:     make([]LinkSpec, 0, len(payload.Links)),
		Handovers: make([]HandoverSpec, 0, len(payload.Handovers)),
	}

	for _, n := range payload.Nodes {
		role, err := ParseRole(n.Role)
		if err != nil {
			return nil, fmt.Errorf("LoadTopologySpec: node %q: %w", n.Name, err)
		}
		spec.Nodes = append(spec.Nodes, NodeSpec{
			Name:     n.Name,
			Role:     role,
			TLE:      n.TLE,
			Position: n.Position,
		})
	}

	for _, l := range payload.Links {
		class, err := ParseLinkClass(l.Class)
		if err != nil {
			return nil, fmt.Errorf("LoadTopologySpec: link %s-%s: %w", l.A, l.B, err)
		}
		spec.Links = append(spec.Links, LinkSpec{
			A:              l.A,
			B:              l.B,
			Class:          class,
			Standby:        l.Standby,
			Overrides:      l.Profile,
			DelayFromOrbit: l.DelayFromOrbit,
		})
	}

	for _, h := range payload.Handovers {
		spec.Handovers = append(spec.Handovers, HandoverSpec{
			After: h.After.Duration,
			Down:  h.Down,
			Up:    h.Up,
		})
	}

	return spec, nil
}

// LoadTopologyFile opens path and decodes it with LoadTopologySpec.
func LoadTopologyFile(path string) (*TopologySpec, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open topology %q: %w", path, err)
	}
	defer f.Close()
	return LoadTopologySpec(f)
}
