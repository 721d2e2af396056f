// Package daemon renders per-node forwarder configuration, launches one
// forwarding daemon per node and waits for its control endpoint.
package daemon

import (
	"bytes"
	"fmt"
	"os"
	"path"

	"gopkg.in/yaml.v3"
)

// DefaultUDPPort is the unicast UDP port every daemon listens on.
const DefaultUDPPort = 6363

// DefaultNetwork is the routing prefix shared by all nodes.
const DefaultNetwork = "/satnet"

// Config is the daemon's combined routing and forwarding configuration.
type Config struct {
	DV DVConfig `yaml:"dv"`
	FW FWConfig `yaml:"fw"`
}

// DVConfig configures the distance-vector router.
type DVConfig struct {
	Network  string `yaml:"network"`
	Router   string `yaml:"router"`
	Keychain string `yaml:"keychain"`
}

// FWConfig configures the forwarder.
type FWConfig struct {
	Faces FacesConfig  `yaml:"faces"`
	FW    ThreadConfig `yaml:"fw"`
}

type FacesConfig struct {
	UDP       UDPFaceConfig  `yaml:"udp"`
	TCP       ToggleConfig   `yaml:"tcp"`
	Unix      UnixFaceConfig `yaml:"unix"`
	WebSocket ToggleConfig   `yaml:"websocket"`
}

type UDPFaceConfig struct {
	EnabledUnicast   bool `yaml:"enabled_unicast"`
	EnabledMulticast bool `yaml:"enabled_multicast"`
	PortUnicast      int  `yaml:"port_unicast"`
}

type UnixFaceConfig struct {
	Enabled    bool   `yaml:"enabled"`
	SocketPath string `yaml:"socket_path"`
}

type ToggleConfig struct {
	Enabled bool `yaml:"enabled"`
}

type ThreadConfig struct {
	Threads int `yaml:"threads"`
}

// NodeConfig builds the configuration for one node. Only the unix face is
// node specific: daemons sharing a host must not share a control socket.
func NodeConfig(node, network, endpoint string, udpPort int) Config {
	if network == "" {
		network = DefaultNetwork
	}
	if udpPort == 0 {
		udpPort = DefaultUDPPort
	}
	return Config{
		DV: DVConfig{
			Network:  network,
			Router:   path.Join(network, node),
			Keychain: "insecure",
		},
		FW: FWConfig{
			Faces: FacesConfig{
				UDP:  UDPFaceConfig{EnabledUnicast: true, PortUnicast: udpPort},
				Unix: UnixFaceConfig{Enabled: true, SocketPath: endpoint},
			},
			FW: ThreadConfig{Threads: 2},
		},
	}
}

// Marshal renders the configuration as YAML.
func (c Config) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, fmt.Errorf("encode daemon config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode daemon config: %w", err)
	}
	return buf.Bytes(), nil
}

// WriteFile writes the configuration to path.
func (c Config) WriteFile(p string) error {
	data, err := c.Marshal()
	if err != nil {
		return err
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return fmt.Errorf("write daemon config: %w", err)
	}
	return nil
}

// ReadConfig parses a configuration written by WriteFile.
func ReadConfig(p string) (Config, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return Config{}, fmt.Errorf("read daemon config: %w", err)
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("decode daemon config %s: %w", p, err)
	}
	return c, nil
}
