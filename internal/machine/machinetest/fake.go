// Package machinetest provides an in-memory machine.Machine for tests.
package machinetest

import (
	"context"
	"errors"
	"sync"

	"github.com/3cpo-dev/fleetsitter/internal/machine"
	"github.com/3cpo-dev/fleetsitter/pkg/api"
)

var errDown = errors.New("fake machine down")

// Machine is a scriptable machine.Machine. The zero value is reachable
// and uninitialized.
type Machine struct {
	Host     string
	ZoneName string

	mu          sync.Mutex
	reachable   bool
	initialized bool
	ready       bool
	roster      []string
	started     []api.TaskConfig
	identifies  int
	pulls       int
}

var _ machine.Machine = (*Machine)(nil)

func New(host, zone string) *Machine {
	return &Machine{Host: host, ZoneName: zone, reachable: true, ready: true}
}

func (m *Machine) Hostname() string { return m.Host }

func (m *Machine) Zone() string { return m.ZoneName }

func (m *Machine) String() string { return m.ZoneName + "/" + m.Host }

// SetReachable toggles whether handshakes and stats pulls succeed.
func (m *Machine) SetReachable(ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reachable = ok
}

// SetReady gates Available on top of the handshake.
func (m *Machine) SetReady(ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ready = ok
}

func (m *Machine) SetRoster(names ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roster = append([]string(nil), names...)
}

func (m *Machine) Identify(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.identifies++
	if !m.reachable {
		return &machine.HandshakeError{Host: m.Host, Port: machine.DefaultBasePort, Err: machine.ErrUnreachable}
	}
	m.initialized = true
	return nil
}

func (m *Machine) PullStats(context.Context) (api.StatsResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pulls++
	if !m.reachable {
		return api.StatsResponse{}, errDown
	}
	resp := api.StatsResponse{Host: m.Host}
	for _, n := range m.roster {
		resp.Tasks = append(resp.Tasks, api.TaskStatus{Name: n, State: api.TaskRunning})
	}
	return resp, nil
}

func (m *Machine) StartTask(_ context.Context, t api.TaskConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = append(m.started, t)
	m.roster = append(m.roster, t.Name)
	return nil
}

func (m *Machine) StopTask(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, n := range m.roster {
		if n == name {
			m.roster = append(m.roster[:i], m.roster[i+1:]...)
			break
		}
	}
	return nil
}

func (m *Machine) Initialized() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initialized
}

func (m *Machine) Available() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initialized && m.ready
}

func (m *Machine) RunningTasks() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.roster...)
}

func (m *Machine) Port() int {
	if m.Initialized() {
		return machine.DefaultBasePort
	}
	return 0
}

// Started returns the tasks started on the machine, in order.
func (m *Machine) Started() []api.TaskConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]api.TaskConfig(nil), m.started...)
}

// Calls returns how many handshakes and stats pulls were attempted.
func (m *Machine) Calls() (identifies, pulls int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identifies, m.pulls
}
