// Package monitor polls a shard of machines and evicts the ones that stop
// answering.
package monitor

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/3cpo-dev/fleetsitter/internal/machine"
	"github.com/3cpo-dev/fleetsitter/internal/telemetry"
)

const (
	DefaultPollInterval     = 5 * time.Second
	DefaultFailureThreshold = 3
	DefaultConcurrency      = 16
	DefaultPollTimeout      = 5 * time.Second
)

// Failure reports an evicted machine.
type Failure struct {
	Machine   machine.Machine
	MonitorID int
}

type Config struct {
	PollInterval     time.Duration `yaml:"poll_interval"`
	FailureThreshold int           `yaml:"failure_threshold"`
	// Concurrency bounds the polls in flight during one cycle.
	Concurrency int           `yaml:"concurrency"`
	PollTimeout time.Duration `yaml:"poll_timeout"`
}

func (c Config) WithDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = DefaultPollTimeout
	}
	return c
}

type entry struct {
	m        machine.Machine
	failures int
}

// Monitor owns one shard. Machines enter through AddMachines and are only
// touched by the Run goroutine afterwards.
type Monitor struct {
	id       int
	label    string
	cfg      Config
	failures chan<- Failure
	metrics  *telemetry.Metrics
	logger   zerolog.Logger

	mu    sync.Mutex
	queue []machine.Machine

	// owned by the Run goroutine
	active    []*entry
	numActive atomic.Int64
}

func New(id int, cfg Config, failures chan<- Failure, metrics *telemetry.Metrics) *Monitor {
	return &Monitor{
		id:       id,
		label:    strconv.Itoa(id),
		cfg:      cfg.WithDefaults(),
		failures: failures,
		metrics:  metrics,
		logger:   log.With().Int("monitor", id).Logger(),
	}
}

func (m *Monitor) ID() int { return m.id }

// Len counts active and queued machines.
func (m *Monitor) Len() int {
	m.mu.Lock()
	queued := len(m.queue)
	m.mu.Unlock()
	return queued + int(m.numActive.Load())
}

// scanner is a machine whose handshake walks a port range.
type scanner interface {
	RestartScan()
}

// AddMachines queues machines for the next cycle. A machine joining the
// shard starts its handshake scan over.
func (m *Monitor) AddMachines(ms ...machine.Machine) {
	if len(ms) == 0 {
		return
	}
	for _, mm := range ms {
		if s, ok := mm.(scanner); ok {
			s.RestartScan()
		}
	}
	m.mu.Lock()
	m.queue = append(m.queue, ms...)
	m.mu.Unlock()
	m.logger.Info().Int("count", len(ms)).Msg("Queued machines for next poll cycle")
}

// Run polls until ctx is cancelled. Cycles start every PollInterval, or
// back to back when a cycle overruns it.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Info().Dur("interval", m.cfg.PollInterval).Int("threshold", m.cfg.FailureThreshold).Msg("Machine monitor started")
	timer := time.NewTimer(m.cfg.PollInterval)
	timer.Stop()
	defer timer.Stop()

	for {
		start := time.Now()
		m.cycle(ctx)
		if ctx.Err() != nil {
			m.logger.Info().Msg("Machine monitor stopped")
			return nil
		}

		elapsed := time.Since(start)
		m.metrics.Cycle(m.label, elapsed, len(m.active))
		sleep := m.cfg.PollInterval - elapsed
		if sleep <= 0 {
			continue
		}
		timer.Reset(sleep)
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("Machine monitor stopped")
			return nil
		case <-timer.C:
		}
	}
}

func (m *Monitor) drain() []*entry {
	m.mu.Lock()
	queued := m.queue
	m.queue = nil
	m.mu.Unlock()

	entries := make([]*entry, len(queued))
	for i, mm := range queued {
		entries[i] = &entry{m: mm}
	}
	return entries
}

func (m *Monitor) cycle(ctx context.Context) {
	polled := m.active

	fresh := m.drain()
	if len(fresh) > 0 {
		errs := m.pollAll(ctx, fresh, m.handshake)
		m.active = append(m.active, fresh...)
		m.numActive.Store(int64(len(m.active)))
		if ctx.Err() != nil {
			return
		}
		m.apply(fresh, errs)
	}

	errs := m.pollAll(ctx, polled, m.poll)
	if ctx.Err() != nil {
		return
	}
	m.apply(polled, errs)
	m.evict(ctx)
}

func (m *Monitor) handshake(ctx context.Context, mm machine.Machine) error {
	err := mm.Identify(ctx)
	m.metrics.Handshake(err == nil)
	return err
}

func (m *Monitor) poll(ctx context.Context, mm machine.Machine) error {
	if !mm.Initialized() {
		return m.handshake(ctx, mm)
	}
	_, err := mm.PullStats(ctx)
	return err
}

// pollAll runs fn for every entry concurrently. Results come back by index so
// counters stay owned by the caller.
func (m *Monitor) pollAll(ctx context.Context, entries []*entry, fn func(context.Context, machine.Machine) error) []error {
	errs := make([]error, len(entries))
	g := new(errgroup.Group)
	g.SetLimit(m.cfg.Concurrency)
	for i, e := range entries {
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(ctx, m.cfg.PollTimeout)
			defer cancel()
			errs[i] = fn(pctx, e.m)
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

func (m *Monitor) apply(entries []*entry, errs []error) {
	for i, e := range entries {
		err := errs[i]
		if err == nil {
			e.failures = 0
			continue
		}
		e.failures++
		m.metrics.PollFailure(m.label)
		m.logger.Debug().Err(err).Str("host", e.m.Hostname()).Int("failures", e.failures).Msg("Poll failed")
	}
}

func (m *Monitor) evict(ctx context.Context) {
	kept := m.active[:0]
	var evicted []*entry
	for _, e := range m.active {
		if e.failures >= m.cfg.FailureThreshold {
			evicted = append(evicted, e)
			continue
		}
		kept = append(kept, e)
	}
	for i := len(kept); i < len(m.active); i++ {
		m.active[i] = nil
	}
	m.active = kept
	m.numActive.Store(int64(len(kept)))

	for _, e := range evicted {
		m.logger.Warn().Str("host", e.m.Hostname()).Str("zone", e.m.Zone()).Int("failures", e.failures).
			Msg("Removing machine, its sitter cannot be contacted")
		m.metrics.Eviction(e.m.Zone())
		select {
		case m.failures <- Failure{Machine: e.m, MonitorID: m.id}:
		case <-ctx.Done():
			return
		}
	}
}
