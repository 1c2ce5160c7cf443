// Package harness supervises a single child process against a set of
// constraints, restarting it under a bounded policy.
//
// States: spawning -> running -> (violating) -> restarting -> running ...
// -> exited. The exited state is terminal and is reached by natural exit,
// restart exhaustion, a failed respawn or Terminate.
package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/fleetsitter/internal/constraint"
	"github.com/3cpo-dev/fleetsitter/internal/telemetry"
	"github.com/3cpo-dev/fleetsitter/pkg/api"
)

// DefaultPollInterval is how often constraints are evaluated.
const DefaultPollInterval = 100 * time.Millisecond

var (
	// ErrRestartExhausted is the terminal error of a harness whose child kept
	// violating constraints after its restart budget was spent.
	ErrRestartExhausted = errors.New("restart budget exhausted")
	// ErrTerminated is returned by Start once Terminate has been called.
	ErrTerminated = errors.New("harness terminated")
)

// Process is a spawned child as seen by the harness.
type Process interface {
	constraint.Metrics
	PID() int
	// Kill force-terminates the child and everything in its process group.
	Kill() error
	// Wait blocks until the child has been reaped and returns its exit code.
	Wait(ctx context.Context) (int, error)
	Exited() <-chan struct{}
}

// SpawnRequest is everything a Spawner needs to start one child.
type SpawnRequest struct {
	Command string
	UID     *int
	Stdout  io.Writer
	Stderr  io.Writer
}

type Spawner interface {
	Spawn(req SpawnRequest) (Process, error)
}

// LogSinks supplies fresh output sinks for every spawn.
type LogSinks interface {
	Stdout() (io.WriteCloser, error)
	Stderr() (io.WriteCloser, error)
}

// Config is the restart policy and command of a harness.
type Config struct {
	Name        string
	Command     string
	UID         *int
	Restart     bool
	MaxRestarts int
	// PollInterval defaults to DefaultPollInterval.
	PollInterval time.Duration
}

// ConfigForTask maps a task definition onto a harness configuration.
func ConfigForTask(t api.TaskConfig) Config {
	return Config{
		Name:        t.Name,
		Command:     t.Command,
		UID:         t.UID,
		Restart:     t.Restart,
		MaxRestarts: t.MaxRestarts,
	}
}

type Option func(*Harness)

func WithSpawner(s Spawner) Option { return func(h *Harness) { h.spawner = s } }

func WithLogs(l LogSinks) Option { return func(h *Harness) { h.logs = l } }

func WithMetrics(m *telemetry.Metrics) Option { return func(h *Harness) { h.metrics = m } }

// Harness owns one child process's lifecycle.
type Harness struct {
	cfg         Config
	constraints []constraint.Constraint
	spawner     Spawner
	logs        LogSinks
	metrics     *telemetry.Metrics
	logger      zerolog.Logger

	mu           sync.Mutex
	child        Process
	startCount   int
	taskStart    time.Time
	processStart time.Time
	violations   map[string]int
	running      bool
	terminated   bool
	monitoring   bool
	exitCode     int
	err          error

	stop       chan struct{}
	stopOnce   sync.Once
	finished   chan struct{}
	finishOnce sync.Once
	loopDone   chan struct{}
}

// New builds a harness. The child is not spawned until Start.
func New(cfg Config, constraints []constraint.Constraint, opts ...Option) *Harness {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	h := &Harness{
		cfg:         cfg,
		constraints: constraints,
		spawner:     ExecSpawner{},
		logger:      log.With().Str("task", cfg.Name).Logger(),
		taskStart:   time.Now(),
		violations:  make(map[string]int, len(constraints)),
		stop:        make(chan struct{}),
		finished:    make(chan struct{}),
		loopDone:    make(chan struct{}),
	}
	for _, c := range constraints {
		h.violations[c.Name()] = 0
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Start spawns a new instance of the child. A *PrivilegeError means the uid
// drop failed and the child never ran the command. A failed start leaves
// the harness terminal with the error recorded.
func (h *Harness) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.terminated {
		return ErrTerminated
	}
	if err := h.startLocked(); err != nil {
		h.finishLocked(-1, err)
		return err
	}
	return nil
}

func (h *Harness) startLocked() error {
	var closers []io.Closer
	req := SpawnRequest{Command: h.cfg.Command, UID: h.cfg.UID}
	if h.logs != nil {
		stdout, err := h.logs.Stdout()
		if err != nil {
			return fmt.Errorf("setup stdout: %w", err)
		}
		stderr, err := h.logs.Stderr()
		if err != nil {
			_ = stdout.Close()
			return fmt.Errorf("setup stderr: %w", err)
		}
		req.Stdout, req.Stderr = stdout, stderr
		closers = append(closers, stdout, stderr)
	}

	child, err := h.spawner.Spawn(req)
	if err != nil {
		closeAll(closers)
		return fmt.Errorf("spawn %q: %w", h.cfg.Command, err)
	}
	go func() {
		<-child.Exited()
		closeAll(closers)
	}()

	h.child = child
	h.startCount++
	h.processStart = time.Now()
	h.running = true
	h.metrics.Spawn(h.cfg.Name)
	h.logger.Info().Int("pid", child.PID()).Int("start_count", h.startCount).Msg("Started child")
	return nil
}

// BeginMonitoring starts the constraint loop on its own goroutine. It runs
// until the harness reaches a terminal state.
func (h *Harness) BeginMonitoring() {
	h.mu.Lock()
	if h.monitoring || h.terminated {
		h.mu.Unlock()
		return
	}
	h.monitoring = true
	h.mu.Unlock()

	go h.monitor()
}

func (h *Harness) monitor() {
	defer close(h.loopDone)
	ticker := time.NewTicker(h.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if !h.poll() {
			return
		}
		select {
		case <-h.stop:
			return
		case <-ticker.C:
		}
	}
}

// poll evaluates every constraint once. It returns false when monitoring
// should stop.
func (h *Harness) poll() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.terminated || !h.running {
		return false
	}

	child := h.child
	for _, c := range h.constraints {
		if c.Violated(child) {
			return h.violationLocked(c)
		}
	}

	if !child.Alive() {
		// Death alone counts as a liveness violation so ensure-alive tasks
		// restart even if the child died after its constraints were checked.
		if live, ok := constraint.FindLiveness(h.constraints); ok {
			return h.violationLocked(live)
		}
		code := h.reapLocked()
		h.logger.Info().Int("exit_code", code).Msg("Child exited")
		h.finishLocked(code, nil)
		return false
	}
	return true
}

// violationLocked applies the violation policy and reports whether the
// child was restarted.
func (h *Harness) violationLocked(c constraint.Constraint) bool {
	h.logger.Warn().Str("constraint", c.Name()).Int("pid", h.child.PID()).Msg("Violated constraint")
	if c.KillOnViolation() {
		h.killLocked()
	}
	h.violations[c.Name()]++
	h.metrics.Violation(h.cfg.Name, c.Name())

	if h.shouldRestartLocked() {
		// never leave two generations of the child running
		h.killLocked()
		h.reapLocked()
		h.logger.Info().Str("command", h.cfg.Command).Msg("Restarting child command")
		if err := h.startLocked(); err != nil {
			h.logger.Error().Err(err).Msg("Restart failed")
			h.finishLocked(-1, err)
			return false
		}
		return true
	}

	h.killLocked()
	code := h.reapLocked()
	var err error
	if h.cfg.Restart {
		err = ErrRestartExhausted
	}
	h.finishLocked(code, err)
	return false
}

func (h *Harness) shouldRestartLocked() bool {
	if !h.cfg.Restart {
		return false
	}
	return h.cfg.MaxRestarts < 0 || h.startCount <= h.cfg.MaxRestarts
}

func (h *Harness) killLocked() {
	if !h.child.Alive() {
		return
	}
	if err := h.child.Kill(); err != nil {
		h.logger.Debug().Err(err).Int("pid", h.child.PID()).Msg("Kill failed")
	}
}

func (h *Harness) reapLocked() int {
	code, err := h.child.Wait(context.Background())
	if err != nil {
		h.logger.Debug().Err(err).Msg("Wait failed")
	}
	return code
}

func (h *Harness) finishLocked(code int, err error) {
	h.running = false
	h.exitCode = code
	h.err = err
	switch {
	case errors.Is(err, ErrRestartExhausted):
		h.metrics.RestartExhausted(h.cfg.Name)
		h.logger.Error().Int("start_count", h.startCount).Int("exit_code", code).Msg("Restart budget exhausted, leaving task stopped")
	case err != nil:
		h.logger.Error().Err(err).Msg("Task stopped")
	}
	h.finishOnce.Do(func() { close(h.finished) })
}

// Terminate force-kills the child and waits for it to exit. It always wins
// over the monitoring loop: no restart happens after Terminate returns, and
// calling it on an already exited child is a no-op.
func (h *Harness) Terminate(ctx context.Context) (int, error) {
	h.stopOnce.Do(func() { close(h.stop) })

	h.mu.Lock()
	h.terminated = true
	child := h.child
	monitoring := h.monitoring
	if child == nil {
		select {
		case <-h.finished:
		default:
			h.finishLocked(0, nil)
		}
		code := h.exitCode
		h.mu.Unlock()
		return code, nil
	}
	h.mu.Unlock()

	if err := child.Kill(); err != nil {
		h.logger.Debug().Err(err).Msg("Kill on terminate failed")
	}
	code, err := child.Wait(ctx)
	if err != nil {
		return 0, fmt.Errorf("wait for child: %w", err)
	}

	h.mu.Lock()
	if h.running {
		h.logger.Info().Int("exit_code", code).Msg("Child terminated")
		h.finishLocked(code, nil)
	}
	code = h.exitCode
	h.mu.Unlock()

	if monitoring {
		select {
		case <-h.loopDone:
		case <-ctx.Done():
			return code, ctx.Err()
		}
	}
	return code, nil
}

// WaitForCompletion blocks until the harness is terminal and returns the
// last exit code observed.
func (h *Harness) WaitForCompletion(ctx context.Context) (int, error) {
	select {
	case <-h.finished:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.exitCode, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Done is closed once the harness reaches a terminal state.
func (h *Harness) Done() <-chan struct{} { return h.finished }

// Err is the terminal error, nil while running or after a clean exit.
func (h *Harness) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *Harness) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running
}

func (h *Harness) StartCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.startCount
}

// Violations returns a copy of the per-constraint violation counters.
func (h *Harness) Violations() map[string]int {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]int, len(h.violations))
	for k, v := range h.violations {
		out[k] = v
	}
	return out
}

// Stats returns the live view of the harness served by the control endpoint.
func (h *Harness) Stats() api.TaskStatus {
	h.mu.Lock()
	s := api.TaskStatus{
		Name:         h.cfg.Name,
		Command:      h.cfg.Command,
		StartCount:   h.startCount,
		Violations:   make(map[string]int, len(h.violations)),
		ProcessStart: h.processStart,
		TaskStart:    h.taskStart,
		ExitCode:     h.exitCode,
	}
	for k, v := range h.violations {
		s.Violations[k] = v
	}
	switch {
	case h.running:
		s.State = api.TaskRunning
	case errors.Is(h.err, ErrRestartExhausted):
		s.State = api.TaskExhausted
	case h.err != nil:
		s.State = api.TaskFailed
	default:
		s.State = api.TaskStopped
	}
	if h.err != nil {
		s.Error = h.err.Error()
	}
	child, running := h.child, h.running
	h.mu.Unlock()

	if running {
		s.CPUUsage, _ = child.CPUUsage()
		s.MemoryBytes, _ = child.MemUsage()
	}
	return s
}

func closeAll(cs []io.Closer) {
	for _, c := range cs {
		_ = c.Close()
	}
}
