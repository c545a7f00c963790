package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// AgentConfig describes how to launch one stdio ACP agent.
type AgentConfig struct {
	Command string         `json:"command" yaml:"command"`
	Args    []string       `json:"args,omitempty" yaml:"args,omitempty"`
	Env     map[string]any `json:"env,omitempty" yaml:"env,omitempty"`
}

// AgentServers is the parsed agent-servers file.
type AgentServers struct {
	// Agents keyed by name. Order preserves file insertion order so the
	// "first agent" fallback is deterministic.
	Agents map[string]AgentConfig
	Order  []string
}

// Errors distinguishing a missing file from an empty one.
var (
	ErrAgentsFileNotFound = errors.New("ACP config not found")
	ErrNoAgentServers     = errors.New("config does not define any agent_servers")
)

type agentServersFile struct {
	AgentServers map[string]AgentConfig `json:"agent_servers" yaml:"agent_servers"`
}

// LoadAgentServers reads the agent-servers definition file. JSON and YAML
// are accepted, selected by extension.
func LoadAgentServers(path string) (*AgentServers, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrAgentsFileNotFound
		}
		return nil, fmt.Errorf("failed to read agents file: %w", err)
	}

	var file agentServersFile
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("failed to parse agents file: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("failed to parse agents file: %w", err)
		}
	}

	if len(file.AgentServers) == 0 {
		return nil, ErrNoAgentServers
	}

	servers := &AgentServers{Agents: file.AgentServers}
	servers.Order = keyOrder(data, file.AgentServers)
	return servers, nil
}

// Resolve picks an agent by explicit name, falling back to "OpenCode" when
// present and otherwise the first defined agent.
func (s *AgentServers) Resolve(name string) (string, AgentConfig, error) {
	if name != "" {
		cfg, ok := s.Agents[name]
		if !ok {
			return "", AgentConfig{}, fmt.Errorf("unknown agent %q", name)
		}
		return name, cfg, nil
	}
	if cfg, ok := s.Agents["OpenCode"]; ok {
		return "OpenCode", cfg, nil
	}
	if len(s.Order) > 0 {
		first := s.Order[0]
		return first, s.Agents[first], nil
	}
	return "", AgentConfig{}, ErrNoAgentServers
}

// Names returns agent names in file order.
func (s *AgentServers) Names() []string {
	return append([]string(nil), s.Order...)
}

// keyOrder recovers the file ordering of agent names by scanning the raw
// bytes for each key's first occurrence. Maps in Go are unordered, and the
// fallback agent is defined as the first one in the file.
func keyOrder(raw []byte, agents map[string]AgentConfig) []string {
	type pos struct {
		name  string
		index int
	}
	positions := make([]pos, 0, len(agents))
	for name := range agents {
		idx := indexOfKey(raw, name)
		positions = append(positions, pos{name: name, index: idx})
	}
	// Insertion sort; the agent list is small.
	for i := 1; i < len(positions); i++ {
		for j := i; j > 0 && positions[j].index < positions[j-1].index; j-- {
			positions[j], positions[j-1] = positions[j-1], positions[j]
		}
	}
	names := make([]string, len(positions))
	for i, p := range positions {
		names[i] = p.name
	}
	return names
}

func indexOfKey(raw []byte, name string) int {
	if idx := bytes.Index(raw, []byte(`"`+name+`"`)); idx >= 0 {
		return idx
	}
	// YAML keys may be unquoted.
	if idx := bytes.Index(raw, []byte(name+":")); idx >= 0 {
		return idx
	}
	return len(raw)
}
