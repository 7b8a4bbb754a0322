package config

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Hosts is the storage-node admission and decommission list
type Hosts struct {
	Include      []string `yaml:"include"`
	Exclude      []string `yaml:"exclude"`
	Decommission []string `yaml:"decommission"`
}

// LoadHosts reads a hosts file. An empty path yields an empty list that
// admits every node.
func LoadHosts(path string) (*Hosts, error) {
	if path == "" {
		return &Hosts{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read hosts file: %w", err)
	}
	return ParseHosts(data)
}

// ParseHosts decodes YAML hosts content
func ParseHosts(data []byte) (*Hosts, error) {
	var h Hosts
	if err := yaml.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("failed to parse hosts file: %w", err)
	}
	sort.Strings(h.Include)
	sort.Strings(h.Exclude)
	sort.Strings(h.Decommission)
	return &h, nil
}

// Allowed reports whether a node may register
func (h *Hosts) Allowed(nodeID string) bool {
	if contains(h.Exclude, nodeID) {
		return false
	}
	return len(h.Include) == 0 || contains(h.Include, nodeID) || contains(h.Decommission, nodeID)
}

// Decommissioning reports whether a node is listed for decommission
func (h *Hosts) Decommissioning(nodeID string) bool {
	return contains(h.Decommission, nodeID)
}

func contains(sorted []string, s string) bool {
	i := sort.SearchStrings(sorted, s)
	return i < len(sorted) && sorted[i] == s
}
