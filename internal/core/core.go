// Package core places jobs on machines grouped by zone and keeps the fleet
// under monitoring.
package core

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/3cpo-dev/fleetsitter/internal/machine"
	"github.com/3cpo-dev/fleetsitter/internal/monitor"
	"github.com/3cpo-dev/fleetsitter/internal/providers"
	"github.com/3cpo-dev/fleetsitter/internal/telemetry"
)

const (
	DefaultMonitors              = 4
	DefaultIdleRecomputeInterval = 30 * time.Second
	DefaultReadyPollInterval     = time.Second
	DefaultReadyTimeout          = 15 * time.Minute

	rollbackTimeout = 30 * time.Second
)

type OrchestratorConfig struct {
	// Monitors is the number of monitor shards.
	Monitors              int           `yaml:"monitors"`
	IdleRecomputeInterval time.Duration `yaml:"idle_recompute_interval"`
	ReadyPollInterval     time.Duration `yaml:"ready_poll_interval"`
	// ReadyTimeout bounds how long AddJob waits for provisioned machines.
	ReadyTimeout time.Duration `yaml:"ready_timeout"`
	Provider     string        `yaml:"provider"`
}

func (c OrchestratorConfig) WithDefaults() OrchestratorConfig {
	if c.Monitors <= 0 {
		c.Monitors = DefaultMonitors
	}
	if c.IdleRecomputeInterval <= 0 {
		c.IdleRecomputeInterval = DefaultIdleRecomputeInterval
	}
	if c.ReadyPollInterval <= 0 {
		c.ReadyPollInterval = DefaultReadyPollInterval
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = DefaultReadyTimeout
	}
	return c
}

// EventLog persists fleet events. *Store implements it.
type EventLog interface {
	RecordEviction(ctx context.Context, e Eviction) error
	RecordPlacement(ctx context.Context, p Placement) error
}

type Option func(*Orchestrator)

func WithProvider(p providers.Provider) Option { return func(o *Orchestrator) { o.provider = p } }

func WithEventLog(l EventLog) Option { return func(o *Orchestrator) { o.events = l } }

func WithMetrics(m *telemetry.Metrics) Option { return func(o *Orchestrator) { o.metrics = m } }

// Orchestrator places jobs on machines and keeps the fleet under monitoring.
type Orchestrator struct {
	cfg      OrchestratorConfig
	provider providers.Provider
	events   EventLog
	metrics  *telemetry.Metrics

	failures chan monitor.Failure
	monitors []*monitor.Monitor

	mu    sync.Mutex
	zones map[Zone][]machine.Machine

	// placeMu serializes reservations against index rebuilds
	placeMu sync.Mutex
	idle    atomic.Pointer[IdleIndex]
}

func NewOrchestrator(cfg OrchestratorConfig, mcfg monitor.Config, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:   cfg.WithDefaults(),
		zones: make(map[Zone][]machine.Machine),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.failures = make(chan monitor.Failure, 64)
	for i := range o.cfg.Monitors {
		o.monitors = append(o.monitors, monitor.New(i, mcfg, o.failures, o.metrics))
	}
	o.idle.Store(newIdleIndex(map[Zone][]machine.Machine{}))
	return o
}

// AddMachines registers machines with their zone and hands each one to the
// least loaded monitor.
func (o *Orchestrator) AddMachines(ms ...machine.Machine) {
	o.mu.Lock()
	var added []machine.Machine
	for _, m := range ms {
		z := Zone(m.Zone())
		if containsHost(o.zones[z], m.Hostname()) {
			continue
		}
		o.zones[z] = append(o.zones[z], m)
		added = append(added, m)
	}
	o.mu.Unlock()

	for _, m := range added {
		mon := leastLoaded(o.monitors)
		mon.AddMachines(m)
		log.Debug().Str("host", m.Hostname()).Str("zone", m.Zone()).Int("monitor", mon.ID()).Msg("Machine assigned to monitor")
	}
}

func containsHost(ms []machine.Machine, host string) bool {
	for _, m := range ms {
		if m.Hostname() == host {
			return true
		}
	}
	return false
}

// Machines returns the registered machines of zone.
func (o *Orchestrator) Machines(zone Zone) []machine.Machine {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]machine.Machine(nil), o.zones[zone]...)
}

// IdleMachines reads the currently published idle index.
func (o *Orchestrator) IdleMachines(zone Zone) []machine.Machine {
	return o.idle.Load().Machines(zone)
}

// RecomputeIdleIndex rebuilds the idle index from the cached rosters of all
// known machines and publishes it in one store.
func (o *Orchestrator) RecomputeIdleIndex() {
	o.placeMu.Lock()
	defer o.placeMu.Unlock()

	o.mu.Lock()
	known := make(map[Zone][]machine.Machine, len(o.zones))
	for z, ms := range o.zones {
		known[z] = append([]machine.Machine(nil), ms...)
	}
	o.mu.Unlock()

	zones := make(map[Zone][]machine.Machine, len(known))
	for z, ms := range known {
		idle := make([]machine.Machine, 0, len(ms))
		for _, m := range ms {
			if len(m.RunningTasks()) == 0 {
				idle = append(idle, m)
			}
		}
		zones[z] = idle
	}
	o.publish(newIdleIndex(zones))
}

func (o *Orchestrator) publish(ix *IdleIndex) {
	o.idle.Store(ix)
	o.metrics.IdleIndex(ix.Counts())
}

// RegisterSitterFailure forgets a machine a monitor evicted.
func (o *Orchestrator) RegisterSitterFailure(ctx context.Context, f monitor.Failure) {
	m := f.Machine
	z := Zone(m.Zone())
	log.Warn().Str("host", m.Hostname()).Str("zone", string(z)).Int("monitor", f.MonitorID).Msg("Machine sitter failed, machine evicted")
	o.metrics.Eviction(string(z))

	o.mu.Lock()
	kept := o.zones[z][:0:0]
	for _, km := range o.zones[z] {
		if km != m {
			kept = append(kept, km)
		}
	}
	if len(kept) == 0 {
		delete(o.zones, z)
	} else {
		o.zones[z] = kept
	}
	o.mu.Unlock()

	o.placeMu.Lock()
	o.publish(o.idle.Load().without(map[machine.Machine]bool{m: true}))
	o.placeMu.Unlock()

	if o.events != nil {
		err := o.events.RecordEviction(ctx, Eviction{Host: m.Hostname(), Zone: z, MonitorID: f.MonitorID})
		if err != nil {
			log.Error().Err(err).Str("host", m.Hostname()).Msg("Failed to record eviction")
		}
	}
}

type zonePlan struct {
	zone    Zone
	idle    []machine.Machine
	pending []*providers.Pending
}

// AddJob reserves machines for job in every zone of its layout, starts the
// job's task on them and waits until provisioned machines are ready.
func (o *Orchestrator) AddJob(ctx context.Context, job Job) ([]machine.Machine, error) {
	if err := job.Validate(); err != nil {
		return nil, err
	}
	logger := log.With().Str("job", job.Name()).Logger()

	o.placeMu.Lock()
	plans, err := o.plan(ctx, job)
	if err != nil {
		o.placeMu.Unlock()
		return nil, err
	}

	reserved := make(map[machine.Machine]bool)
	var (
		usable  []machine.Machine
		spawned []*providers.Pending
	)
	for _, p := range plans {
		for _, pm := range p.pending {
			usable = append(usable, pm.Machine)
			spawned = append(spawned, pm)
		}
		for _, m := range p.idle {
			usable = append(usable, m)
			reserved[m] = true
		}
	}
	o.publish(o.idle.Load().without(reserved))
	for _, m := range usable {
		if err := m.StartTask(ctx, job.Task); err != nil {
			logger.Error().Err(err).Str("host", m.Hostname()).Msg("Failed to start task")
		}
	}
	o.placeMu.Unlock()

	if err := o.waitReady(ctx, plans); err != nil {
		o.rollback(ctx, job, usable)
		return nil, err
	}

	o.metrics.Placement()
	o.recordPlacements(ctx, job, plans)
	logger.Info().Int("machines", len(usable)).Int("provisioned", len(spawned)).Msg("Job placed")
	return usable, nil
}

// plan picks idle machines per zone and asks the provider for any shortfall.
// Machines provisioned before a failure are still adopted.
func (o *Orchestrator) plan(ctx context.Context, job Job) ([]zonePlan, error) {
	var plans []zonePlan
	for _, zone := range job.Zones() {
		required := len(job.RequiredMachines(zone))
		idle := o.IdleMachines(zone)
		if len(idle) >= required {
			plans = append(plans, zonePlan{zone: zone, idle: idle[:required]})
			continue
		}

		short := required - len(idle)
		pending, err := o.provision(ctx, zone, short)
		if err != nil {
			o.metrics.ProvisioningFailure(string(zone))
			for _, p := range plans {
				o.adopt(p.pending)
			}
			return nil, err
		}
		o.adopt(pending)
		plans = append(plans, zonePlan{zone: zone, idle: idle, pending: pending})
	}
	return plans, nil
}

func (o *Orchestrator) provision(ctx context.Context, zone Zone, n int) ([]*providers.Pending, error) {
	if o.provider == nil {
		return nil, &ProvisioningError{Zone: zone, Requested: n, Err: ErrNoProvider}
	}
	log.Info().Str("zone", string(zone)).Int("count", n).Str("provider", o.provider.Name()).Msg("Requesting machines")
	pending, err := o.provider.RequestMachines(ctx, string(zone), n)
	if err != nil {
		return nil, &ProvisioningError{Zone: zone, Requested: n, Err: err}
	}
	if len(pending) < n {
		o.adopt(pending)
		return nil, &ProvisioningError{Zone: zone, Requested: n, Err: fmt.Errorf("%w: got %d", ErrShortfall, len(pending))}
	}
	return pending, nil
}

// adopt hands provisioned machines to the monitors once their provisioning
// succeeded. A machine still booting must not collect handshake failures.
func (o *Orchestrator) adopt(pending []*providers.Pending) {
	for _, pm := range pending {
		select {
		case <-pm.Done():
			o.adoptResolved(pm)
		default:
			go func() {
				<-pm.Done()
				o.adoptResolved(pm)
			}()
		}
	}
}

func (o *Orchestrator) adoptResolved(pm *providers.Pending) {
	if err := pm.Err(); err != nil {
		log.Warn().Err(err).Str("host", pm.Machine.Hostname()).Msg("Provisioning failed, machine not monitored")
		return
	}
	o.AddMachines(pm.Machine)
}

// rollback stops the job's task on every machine it was started on and
// rebuilds the idle index so reserved machines can be placed again.
func (o *Orchestrator) rollback(ctx context.Context, job Job, usable []machine.Machine) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
	defer cancel()
	for _, m := range usable {
		if err := m.StopTask(ctx, job.Name()); err != nil {
			log.Warn().Err(err).Str("job", job.Name()).Str("host", m.Hostname()).Msg("Failed to roll back task start")
		}
	}
	o.RecomputeIdleIndex()
	log.Info().Str("job", job.Name()).Int("machines", len(usable)).Msg("Job placement rolled back")
}

func (o *Orchestrator) waitReady(ctx context.Context, plans []zonePlan) error {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.ReadyTimeout)
	defer cancel()
	ticker := time.NewTicker(o.cfg.ReadyPollInterval)
	defer ticker.Stop()
	for {
		var (
			waitZone Zone
			waiting  int
		)
		for _, p := range plans {
			for _, pm := range p.pending {
				if err := pm.Err(); err != nil {
					return &ProvisioningError{Zone: p.zone, Requested: len(p.pending), Err: err}
				}
				if !pm.Available() {
					if waiting == 0 {
						waitZone = p.zone
					}
					waiting++
				}
			}
		}
		if waiting == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			log.Warn().Int("waiting", waiting).Str("zone", string(waitZone)).Msg("Gave up waiting for provisioned machines")
			return &ProvisioningError{Zone: waitZone, Requested: waiting, Err: ctx.Err()}
		case <-ticker.C:
		}
	}
}

func (o *Orchestrator) recordPlacements(ctx context.Context, job Job, plans []zonePlan) {
	if o.events == nil {
		return
	}
	record := func(m machine.Machine, zone Zone, provisioned bool) {
		err := o.events.RecordPlacement(ctx, Placement{Job: job.Name(), Host: m.Hostname(), Zone: zone, Provisioned: provisioned})
		if err != nil {
			log.Error().Err(err).Str("host", m.Hostname()).Msg("Failed to record placement")
		}
	}
	for _, p := range plans {
		for _, pm := range p.pending {
			record(pm.Machine, p.zone, true)
		}
		for _, m := range p.idle {
			record(m, p.zone, false)
		}
	}
}

// Run drives the monitors, consumes their failure reports and rebuilds the
// idle index every IdleRecomputeInterval until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	log.Info().Int("monitors", len(o.monitors)).Dur("idle_interval", o.cfg.IdleRecomputeInterval).Msg("Orchestrator started")
	g, ctx := errgroup.WithContext(ctx)
	for _, m := range o.monitors {
		g.Go(func() error { return m.Run(ctx) })
	}
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case f := <-o.failures:
				o.RegisterSitterFailure(ctx, f)
			}
		}
	})
	g.Go(func() error {
		ticker := time.NewTicker(o.cfg.IdleRecomputeInterval)
		defer ticker.Stop()
		for {
			o.RecomputeIdleIndex()
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	})
	err := g.Wait()
	log.Info().Msg("Orchestrator stopped")
	return err
}

// Health is a point-in-time view of the fleet.
type Health struct {
	Machines map[string]int `json:"machines"`
	Idle     map[string]int `json:"idle"`
	// Monitored is the machine count of each monitor shard.
	Monitored  []int     `json:"monitored"`
	IndexBuilt time.Time `json:"index_built"`
}

func (o *Orchestrator) Health() Health {
	h := Health{Machines: make(map[string]int)}
	o.mu.Lock()
	for z, ms := range o.zones {
		h.Machines[string(z)] = len(ms)
	}
	o.mu.Unlock()
	ix := o.idle.Load()
	h.Idle = ix.Counts()
	h.IndexBuilt = ix.Built
	for _, m := range o.monitors {
		h.Monitored = append(h.Monitored, m.Len())
	}
	return h
}

// Zones lists zones with registered machines.
func (o *Orchestrator) Zones() []Zone {
	o.mu.Lock()
	defer o.mu.Unlock()
	zones := make([]Zone, 0, len(o.zones))
	for z := range o.zones {
		zones = append(zones, z)
	}
	sort.Slice(zones, func(a, b int) bool { return zones[a] < zones[b] })
	return zones
}
