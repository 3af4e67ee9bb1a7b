package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SeedPeer is one bootstrap peer from the seed file. The node id is optional;
// unnamed seeds get a node row once the handshake reveals their identity.
type SeedPeer struct {
	NodeID   string `yaml:"node_id"`
	Address  string `yaml:"address"`
	Port     int    `yaml:"port"`
	Provider bool   `yaml:"provider"`
}

type seedFile struct {
	Peers []SeedPeer `yaml:"peers"`
}

// LoadSeeds reads the YAML seed peer list. A missing path returns an empty
// list so a node can start with no bootstrap peers.
func LoadSeeds(path string) ([]SeedPeer, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("config: read seed file %s: %w", path, err)
	}

	var f seedFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("config: parse seed file %s: %w", path, err)
	}
	for i, p := range f.Peers {
		if p.Address == "" || p.Port <= 0 {
			return nil, fmt.Errorf("config: seed peer %d missing address or port", i)
		}
	}
	return f.Peers, nil
}
