package core

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/3cpo-dev/fleetsitter/internal/machine"
	"github.com/3cpo-dev/fleetsitter/internal/monitor"
	"github.com/3cpo-dev/fleetsitter/internal/providers/static"
)

// TokenKey names the shared machine sitter token in secrets.env and the
// environment.
const TokenKey = "SITTER_AGENT_TOKEN"

type Config struct {
	Monitor      monitor.Config     `yaml:"monitor"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Agent        AgentConfig        `yaml:"agent"`
	Store        StoreConfig        `yaml:"store"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
	SSH          SSHConfig          `yaml:"ssh"`
	Providers    ProvidersConfig    `yaml:"providers"`
	Machines     []MachineConfig    `yaml:"machines"`
	Jobs         []Job              `yaml:"jobs"`
}

// AgentConfig is how the orchestrator reaches machine sitters.
type AgentConfig struct {
	BasePort int           `yaml:"base_port"`
	PortSpan int           `yaml:"port_span"`
	Scheme   string        `yaml:"scheme"`
	Timeout  time.Duration `yaml:"timeout"`
	Token    string        `yaml:"-"`
}

func (c AgentConfig) MachineConfig() machine.Config {
	return machine.Config{
		BasePort: c.BasePort,
		PortSpan: c.PortSpan,
		Scheme:   c.Scheme,
		Token:    c.Token,
		Timeout:  c.Timeout,
	}
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type TelemetryConfig struct {
	// Addr serves /metrics and /health; empty disables it.
	Addr string `yaml:"addr"`
}

type SSHConfig struct {
	KeyPath    string `yaml:"key_path"`
	KnownHosts string `yaml:"known_hosts"`
	User       string `yaml:"user"`
}

type ProvidersConfig struct {
	Static static.Config `yaml:"static"`
}

// MachineConfig is a machine already running a sitter.
type MachineConfig struct {
	Host string `yaml:"host"`
	Zone string `yaml:"zone"`
}

// ConfigDir resolves $XDG_CONFIG_HOME/fleetsitter or ~/.config/fleetsitter.
func ConfigDir() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "fleetsitter")
}

// LoadConfig reads YAML configuration from a path. If path is empty, it
// resolves config.yaml in ConfigDir. Secrets come from secrets.env next to
// the config and from the environment, the environment winning.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if path == "" {
		path = filepath.Join(ConfigDir(), "config.yaml")
	}
	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}

	secrets, err := LoadSecretsEnv(filepath.Join(filepath.Dir(path), "secrets.env"))
	if err != nil {
		return cfg, err
	}
	if v := os.Getenv(TokenKey); v != "" {
		secrets[TokenKey] = v
	}
	if t := secrets[TokenKey]; t != "" {
		cfg.Agent.Token = t
	}
	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults(dir string) {
	c.Monitor = c.Monitor.WithDefaults()
	c.Orchestrator = c.Orchestrator.WithDefaults()
	if c.Orchestrator.Provider == "" {
		c.Orchestrator.Provider = static.Name
	}
	if c.Agent.BasePort == 0 {
		c.Agent.BasePort = machine.DefaultBasePort
	}
	if c.Agent.PortSpan <= 0 {
		c.Agent.PortSpan = machine.DefaultPortSpan
	}
	if c.Agent.Scheme == "" {
		c.Agent.Scheme = "http"
	}
	if c.Agent.Timeout <= 0 {
		c.Agent.Timeout = machine.DefaultTimeout
	}
	if c.Store.Path == "" {
		c.Store.Path = filepath.Join(dir, "fleetsitter.db")
	}
	if c.SSH.KeyPath == "" {
		c.SSH.KeyPath = filepath.Join(dir, "id_ed25519")
	}
	if c.SSH.KnownHosts == "" {
		c.SSH.KnownHosts = filepath.Join(dir, "known_hosts")
	}

	b := &c.Providers.Static.Bootstrap
	if b.KeyPath == "" {
		b.KeyPath = c.SSH.KeyPath
	}
	if b.KnownHosts == "" {
		b.KnownHosts = c.SSH.KnownHosts
	}
	if b.User == "" {
		b.User = c.SSH.User
	}
	if b.Unit.BasePort == 0 {
		b.Unit.BasePort = c.Agent.BasePort
	}
	b.Unit.Token = c.Agent.Token
}

func (c Config) Validate() error {
	if err := c.Providers.Static.Validate(); err != nil {
		return err
	}
	seen := make(map[string]bool)
	for _, j := range c.Jobs {
		if err := j.Validate(); err != nil {
			return err
		}
		if seen[j.Name()] {
			return fmt.Errorf("duplicate job %s", j.Name())
		}
		seen[j.Name()] = true
	}
	for _, m := range c.Machines {
		if m.Host == "" || m.Zone == "" {
			return fmt.Errorf("machine entry needs host and zone: %+v", m)
		}
	}
	return nil
}
