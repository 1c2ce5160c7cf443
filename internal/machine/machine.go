// Package machine proxies a remote machine sitter's control endpoint.
package machine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/fleetsitter/pkg/api"
)

const (
	DefaultBasePort = 40000
	DefaultPortSpan = 100
	DefaultTimeout  = 5 * time.Second
)

// ErrUnreachable wraps transport failures talking to a control endpoint.
var ErrUnreachable = errors.New("machine unreachable")

// HandshakeError reports a failed identify attempt at one candidate port.
type HandshakeError struct {
	Host string
	Port int
	Err  error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("handshake %s:%d: %v", e.Host, e.Port, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// StatusError is a non-success response from a control endpoint.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.Code, e.Body)
}

// Machine is the orchestrator's and monitor's view of one remote machine.
type Machine interface {
	Hostname() string
	Zone() string
	// Identify performs one handshake round at the next candidate port.
	Identify(ctx context.Context) error
	// PullStats refreshes the cached roster from the control endpoint.
	PullStats(ctx context.Context) (api.StatsResponse, error)
	StartTask(ctx context.Context, task api.TaskConfig) error
	StopTask(ctx context.Context, name string) error
	Initialized() bool
	// Available reports whether the machine can accept work.
	Available() bool
	// RunningTasks is the cached roster of running task names.
	RunningTasks() []string
	// Port is the control port assigned by the handshake, zero until then.
	Port() int
}

type Config struct {
	BasePort int
	PortSpan int
	// Scheme is http or https.
	Scheme  string
	Token   string
	Timeout time.Duration
	Client  *http.Client
}

func (c Config) withDefaults() Config {
	if c.BasePort == 0 {
		c.BasePort = DefaultBasePort
	}
	if c.PortSpan <= 0 {
		c.PortSpan = DefaultPortSpan
	}
	if c.Scheme == "" {
		c.Scheme = "http"
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Client == nil {
		c.Client = &http.Client{Timeout: c.Timeout}
	}
	return c
}

// HTTPMachine talks JSON over HTTP to a machine sitter.
type HTTPMachine struct {
	hostname string
	zone     string
	cfg      Config

	mu          sync.RWMutex
	nextPort    int
	port        int
	initialized bool
	roster      []string
	// starts issued before the handshake succeeded
	pending []api.TaskConfig
}

var _ Machine = (*HTTPMachine)(nil)

func New(hostname, zone string, cfg Config) *HTTPMachine {
	cfg = cfg.withDefaults()
	return &HTTPMachine{
		hostname: hostname,
		zone:     zone,
		cfg:      cfg,
		nextPort: cfg.BasePort,
	}
}

func (m *HTTPMachine) Hostname() string { return m.hostname }

func (m *HTTPMachine) Zone() string { return m.zone }

func (m *HTTPMachine) String() string { return m.zone + "/" + m.hostname }

func (m *HTTPMachine) Port() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.port
}

func (m *HTTPMachine) Initialized() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.initialized
}

func (m *HTTPMachine) Available() bool { return m.Initialized() }

func (m *HTTPMachine) RunningTasks() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.roster...)
}

// Identify tries the current candidate port. On failure the next round
// moves to the following port, wrapping within the configured span.
func (m *HTTPMachine) Identify(ctx context.Context) error {
	m.mu.Lock()
	port := m.nextPort
	m.mu.Unlock()

	var id api.IdentifyResponse
	err := m.do(ctx, port, http.MethodGet, api.RouteIdentify, nil, &id)
	if err != nil {
		m.mu.Lock()
		m.nextPort++
		if m.nextPort >= m.cfg.BasePort+m.cfg.PortSpan {
			m.nextPort = m.cfg.BasePort
		}
		m.mu.Unlock()
		return &HandshakeError{Host: m.hostname, Port: port, Err: err}
	}

	m.mu.Lock()
	m.port = port
	m.initialized = true
	pending := m.pending
	m.pending = nil
	m.mu.Unlock()
	log.Info().Str("host", m.hostname).Int("port", port).Str("version", id.Version).Msg("Machine identified")

	for _, t := range pending {
		if err := m.postStart(ctx, port, t); err != nil {
			log.Warn().Err(err).Str("host", m.hostname).Str("task", t.Name).Msg("Deferred task start failed")
		}
	}
	return nil
}

// RestartScan moves the handshake of an unidentified machine back to the
// base port.
func (m *HTTPMachine) RestartScan() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		m.nextPort = m.cfg.BasePort
	}
}

func (m *HTTPMachine) PullStats(ctx context.Context) (api.StatsResponse, error) {
	var stats api.StatsResponse
	port, ok := m.controlPort()
	if !ok {
		return stats, fmt.Errorf("%s: not initialized", m.hostname)
	}
	if err := m.do(ctx, port, http.MethodGet, api.RouteStats, nil, &stats); err != nil {
		return stats, err
	}

	roster := make([]string, 0, len(stats.Tasks))
	for _, t := range stats.Tasks {
		if t.Running() {
			roster = append(roster, t.Name)
		}
	}
	m.mu.Lock()
	m.roster = roster
	m.mu.Unlock()
	return stats, nil
}

// StartTask asks the sitter to run task. Before the handshake the start is
// queued and sent once the machine is identified. The task joins the cached
// roster right away so the machine stops counting as idle.
func (m *HTTPMachine) StartTask(ctx context.Context, task api.TaskConfig) error {
	m.mu.Lock()
	m.addToRosterLocked(task.Name)
	if !m.initialized {
		m.pending = append(m.pending, task)
		m.mu.Unlock()
		log.Debug().Str("host", m.hostname).Str("task", task.Name).Msg("Queued task start until handshake")
		return nil
	}
	port := m.port
	m.mu.Unlock()
	return m.postStart(ctx, port, task)
}

func (m *HTTPMachine) postStart(ctx context.Context, port int, task api.TaskConfig) error {
	var st api.TaskStatus
	if err := m.do(ctx, port, http.MethodPost, api.RouteTaskStart, task, &st); err != nil {
		return fmt.Errorf("start %s on %s: %w", task.Name, m.hostname, err)
	}
	return nil
}

// StopTask asks the sitter to stop name. Before the handshake it only
// drops a queued start.
func (m *HTTPMachine) StopTask(ctx context.Context, name string) error {
	m.mu.Lock()
	if !m.initialized {
		if !m.dropPendingLocked(name) {
			m.mu.Unlock()
			return fmt.Errorf("%s: not initialized", m.hostname)
		}
		m.removeFromRosterLocked(name)
		m.mu.Unlock()
		log.Debug().Str("host", m.hostname).Str("task", name).Msg("Dropped queued task start")
		return nil
	}
	port := m.port
	m.mu.Unlock()

	if err := m.do(ctx, port, http.MethodPost, api.RouteTaskStop+"?name="+url.QueryEscape(name), nil, nil); err != nil {
		return fmt.Errorf("stop %s on %s: %w", name, m.hostname, err)
	}
	m.mu.Lock()
	m.removeFromRosterLocked(name)
	m.mu.Unlock()
	return nil
}

func (m *HTTPMachine) dropPendingLocked(name string) bool {
	for i, t := range m.pending {
		if t.Name == name {
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			return true
		}
	}
	return false
}

func (m *HTTPMachine) removeFromRosterLocked(name string) {
	for i, n := range m.roster {
		if n == name {
			m.roster = append(m.roster[:i], m.roster[i+1:]...)
			return
		}
	}
}

func (m *HTTPMachine) addToRosterLocked(name string) {
	for _, n := range m.roster {
		if n == name {
			return
		}
	}
	m.roster = append(m.roster, name)
}

func (m *HTTPMachine) controlPort() (int, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.port, m.initialized
}

func (m *HTTPMachine) do(ctx context.Context, port int, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	u := m.cfg.Scheme + "://" + net.JoinHostPort(m.hostname, strconv.Itoa(port)) + path
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if m.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+m.cfg.Token)
	}

	resp, err := m.cfg.Client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Code: resp.StatusCode, Body: string(bytes.TrimSpace(b))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
