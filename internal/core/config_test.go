package core

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
monitor:
  poll_interval: 2s
  failure_threshold: 5
orchestrator:
  monitors: 8
  ready_timeout: 1m
agent:
  base_port: 41000
ssh:
  user: ops
providers:
  static:
    hosts:
      - {name: a, address: 10.0.0.1, zone: east}
      - {name: b, address: 10.0.0.2, zone: west}
    bootstrap:
      agent_binary: /opt/machinesitter
machines:
  - {host: 10.0.1.1, zone: east}
jobs:
  - task:
      name: web
      command: ./serve
      restart: true
      max_restarts: -1
    layout:
      east: {count: 2, cpu: 1.5, memory_mb: 512}
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	t.Setenv(TokenKey, "")
	path := writeConfig(t, sampleConfig)
	dir := filepath.Dir(path)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 2*time.Second, cfg.Monitor.PollInterval)
	assert.Equal(t, 5, cfg.Monitor.FailureThreshold)
	assert.Equal(t, 8, cfg.Orchestrator.Monitors)
	assert.Equal(t, time.Minute, cfg.Orchestrator.ReadyTimeout)
	assert.Equal(t, DefaultIdleRecomputeInterval, cfg.Orchestrator.IdleRecomputeInterval)
	assert.Equal(t, "static", cfg.Orchestrator.Provider)

	assert.Equal(t, 41000, cfg.Agent.BasePort)
	assert.Equal(t, "http", cfg.Agent.Scheme)
	assert.Equal(t, filepath.Join(dir, "fleetsitter.db"), cfg.Store.Path)

	require.Len(t, cfg.Providers.Static.Hosts, 2)
	boot := cfg.Providers.Static.Bootstrap
	assert.True(t, boot.Enabled())
	assert.Equal(t, "ops", boot.User)
	assert.Equal(t, filepath.Join(dir, "id_ed25519"), boot.KeyPath)
	assert.Equal(t, 41000, boot.Unit.BasePort)

	require.Len(t, cfg.Jobs, 1)
	j := cfg.Jobs[0]
	assert.Equal(t, "web", j.Name())
	assert.Equal(t, -1, j.Task.MaxRestarts)
	assert.Equal(t, []MachineProfile{{CPU: 1.5, MemoryMB: 512}, {CPU: 1.5, MemoryMB: 512}}, j.RequiredMachines("east"))
	assert.Equal(t, []MachineConfig{{Host: "10.0.1.1", Zone: "east"}}, cfg.Machines)
}

func TestLoadConfigSecrets(t *testing.T) {
	path := writeConfig(t, "machines: []\n")
	secrets := "# shared token\nexport SITTER_AGENT_TOKEN=\"from-file\"\n"
	require.NoError(t, os.WriteFile(filepath.Join(filepath.Dir(path), "secrets.env"), []byte(secrets), 0o600))

	t.Setenv(TokenKey, "")
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.Agent.Token)
	assert.Equal(t, "from-file", cfg.Providers.Static.Bootstrap.Unit.Token)
	assert.Equal(t, "from-file", cfg.Agent.MachineConfig().Token)

	t.Setenv(TokenKey, "from-env")
	cfg, err = LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Agent.Token)
}

func TestLoadConfigDefaultPath(t *testing.T) {
	base := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", base)
	require.NoError(t, os.MkdirAll(filepath.Join(base, "fleetsitter"), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(base, "fleetsitter", "config.yaml"), []byte("{}\n"), 0o600))

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "fleetsitter", "known_hosts"), cfg.SSH.KnownHosts)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = LoadConfig(writeConfig(t, "jobs: [\n"))
	assert.ErrorContains(t, err, "parse config")

	_, err = LoadConfig(writeConfig(t, "jobs:\n  - task: {name: a, command: x}\n    layout: {east: {count: 1}}\n  - task: {name: a, command: y}\n    layout: {east: {count: 1}}\n"))
	assert.ErrorContains(t, err, "duplicate job")

	_, err = LoadConfig(writeConfig(t, "providers:\n  static:\n    hosts:\n      - {address: 10.0.0.1}\n"))
	assert.ErrorContains(t, err, "zone")
}

func TestLoadSecretsEnvMissingFile(t *testing.T) {
	got, err := LoadSecretsEnv(filepath.Join(t.TempDir(), "none.env"))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestJobValidate(t *testing.T) {
	ok := Job{Layout: map[Zone]ZoneLayout{"b": {Count: 1}, "a": {Count: 0}}}
	ok.Task.Name, ok.Task.Command = "web", "serve"
	require.NoError(t, ok.Validate())
	assert.Equal(t, []Zone{"a", "b"}, ok.Zones())
	assert.Empty(t, ok.RequiredMachines("a"))
	assert.Empty(t, ok.RequiredMachines("missing"))

	noZones := ok
	noZones.Layout = nil
	assert.Error(t, noZones.Validate())

	negative := ok
	negative.Layout = map[Zone]ZoneLayout{"a": {Count: -1}}
	assert.Error(t, negative.Validate())

	unnamed := ok
	unnamed.Task.Name = ""
	assert.Error(t, unnamed.Validate())
}
