package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeAgentsFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadAgentServersJSON(t *testing.T) {
	path := writeAgentsFile(t, "agents.json", `{
		"agent_servers": {
			"Gemini": {"command": "gemini", "args": ["--acp"]},
			"OpenCode": {"command": "opencode", "env": {"DEBUG": true, "PORT": 9000}}
		}
	}`)

	servers, err := LoadAgentServers(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"Gemini", "OpenCode"}, servers.Names())
	assert.Equal(t, "gemini", servers.Agents["Gemini"].Command)
	assert.Equal(t, []string{"--acp"}, servers.Agents["Gemini"].Args)
}

func TestLoadAgentServersYAML(t *testing.T) {
	path := writeAgentsFile(t, "agents.yaml", `
agent_servers:
  Claude:
    command: claude-code-acp
  Codex:
    command: codex
    args: [acp]
`)

	servers, err := LoadAgentServers(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"Claude", "Codex"}, servers.Names())
	assert.Equal(t, "codex", servers.Agents["Codex"].Command)
}

func TestLoadAgentServersMissingFile(t *testing.T) {
	_, err := LoadAgentServers(filepath.Join(t.TempDir(), "nope.json"))
	assert.ErrorIs(t, err, ErrAgentsFileNotFound)
}

func TestLoadAgentServersEmpty(t *testing.T) {
	path := writeAgentsFile(t, "agents.json", `{"agent_servers": {}}`)
	_, err := LoadAgentServers(path)
	assert.ErrorIs(t, err, ErrNoAgentServers)

	path = writeAgentsFile(t, "other.json", `{"something": "else"}`)
	_, err = LoadAgentServers(path)
	assert.ErrorIs(t, err, ErrNoAgentServers)
}

func TestResolveAgent(t *testing.T) {
	servers := &AgentServers{
		Agents: map[string]AgentConfig{
			"Gemini":   {Command: "gemini"},
			"OpenCode": {Command: "opencode"},
		},
		Order: []string{"Gemini", "OpenCode"},
	}

	name, cfg, err := servers.Resolve("Gemini")
	require.NoError(t, err)
	assert.Equal(t, "Gemini", name)
	assert.Equal(t, "gemini", cfg.Command)

	// No explicit name prefers OpenCode when present.
	name, _, err = servers.Resolve("")
	require.NoError(t, err)
	assert.Equal(t, "OpenCode", name)

	_, _, err = servers.Resolve("Missing")
	assert.Error(t, err)
}

func TestResolveAgentFirstFallback(t *testing.T) {
	servers := &AgentServers{
		Agents: map[string]AgentConfig{
			"Zed":    {Command: "zed"},
			"Gemini": {Command: "gemini"},
		},
		Order: []string{"Zed", "Gemini"},
	}
	name, cfg, err := servers.Resolve("")
	require.NoError(t, err)
	assert.Equal(t, "Zed", name)
	assert.Equal(t, "zed", cfg.Command)
}

func TestServerConfigHelpers(t *testing.T) {
	s := ServerConfig{Port: 8137, Path: "/acp///", AdvertiseHost: "relay.local", AdvertiseProtocol: "wss"}
	assert.Equal(t, "/acp", s.NormalizedPath())
	assert.Equal(t, "wss://relay.local:8137/acp", s.AdvertiseURL())

	s = ServerConfig{Port: 80, Path: ""}
	assert.Equal(t, "/acp", s.NormalizedPath())
}
