// Package static provisions machines from a fixed pool of existing hosts,
// optionally installing the machine sitter on them over SSH.
package static

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/fleetsitter/internal/machine"
	"github.com/3cpo-dev/fleetsitter/internal/providers"
	"github.com/3cpo-dev/fleetsitter/internal/telemetry"
)

const Name = "static"

// Host is one pre-existing machine of the pool.
type Host struct {
	Name    string `yaml:"name"`
	Address string `yaml:"address"`
	Zone    string `yaml:"zone"`
	User    string `yaml:"user"`
	SSHPort int    `yaml:"ssh_port"`
}

type Config struct {
	Hosts     []Host          `yaml:"hosts"`
	Bootstrap BootstrapConfig `yaml:"bootstrap"`
}

// Validate checks every host has an address and zone and no address
// appears twice.
func (c Config) Validate() error {
	seen := make(map[string]bool, len(c.Hosts))
	for _, h := range c.Hosts {
		if h.Address == "" {
			return providers.ValidationError{Field: "address", Value: h.Name, Message: "host address is required"}
		}
		if h.Zone == "" {
			return providers.ValidationError{Field: "zone", Value: h.Address, Message: "host zone is required"}
		}
		if seen[h.Address] {
			return providers.ValidationError{Field: "address", Value: h.Address, Message: "duplicate host"}
		}
		seen[h.Address] = true
	}
	return nil
}

type Option func(*Provider)

func WithMetrics(m *telemetry.Metrics) Option { return func(p *Provider) { p.metrics = m } }

// WithBootstrapper overrides the bootstrapper built from the config.
func WithBootstrapper(b *Bootstrapper) Option { return func(p *Provider) { p.boot = b } }

type Provider struct {
	cfg        Config
	machineCfg machine.Config
	boot       *Bootstrapper
	metrics    *telemetry.Metrics

	mu   sync.Mutex
	used map[string]bool
}

var _ providers.Provider = (*Provider)(nil)

func New(cfg Config, mc machine.Config, opts ...Option) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p := &Provider{cfg: cfg, machineCfg: mc, used: make(map[string]bool)}
	if cfg.Bootstrap.Enabled() {
		p.boot = NewBootstrapper(cfg.Bootstrap)
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *Provider) Name() string { return Name }

// MarkUsed removes hosts that already run work from the pool.
func (p *Provider) MarkUsed(addresses ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, a := range addresses {
		p.used[a] = true
	}
}

// Free counts unallocated hosts in zone.
func (p *Provider) Free(zone string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.freeLocked(zone))
}

func (p *Provider) freeLocked(zone string) []Host {
	var free []Host
	for _, h := range p.cfg.Hosts {
		if h.Zone == zone && !p.used[h.Address] {
			free = append(free, h)
		}
	}
	return free
}

// RequestMachines allocates count unused hosts of zone in config order. It
// allocates nothing unless the whole request can be served.
func (p *Provider) RequestMachines(ctx context.Context, zone string, count int) ([]*providers.Pending, error) {
	if count <= 0 {
		return nil, nil
	}
	p.mu.Lock()
	free := p.freeLocked(zone)
	if len(free) < count {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: zone %s has %d free, %d requested", providers.ErrInsufficientHosts, zone, len(free), count)
	}
	hosts := free[:count]
	for _, h := range hosts {
		p.used[h.Address] = true
	}
	p.mu.Unlock()

	p.metrics.Provisioned(zone, count)
	pending := make([]*providers.Pending, 0, count)
	for _, h := range hosts {
		pm := providers.NewPending(machine.New(h.Address, zone, p.machineCfg))
		pending = append(pending, pm)
		if p.boot == nil {
			pm.Resolve(nil)
			continue
		}
		go p.bootstrap(context.WithoutCancel(ctx), h, pm)
	}
	log.Info().Str("zone", zone).Int("count", count).Bool("bootstrap", p.boot != nil).Msg("Allocated static hosts")
	return pending, nil
}

func (p *Provider) bootstrap(ctx context.Context, h Host, pm *providers.Pending) {
	timeout := p.boot.cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := p.boot.Bootstrap(ctx, h)
	if err != nil {
		p.metrics.ProvisioningFailure(h.Zone)
		log.Error().Err(err).Str("host", h.Address).Msg("Bootstrap failed")
	}
	pm.Resolve(err)
}
