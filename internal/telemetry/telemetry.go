package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus series exported by the sitters. A nil
// *Metrics is valid and records nothing, which keeps tests and library
// callers free of registry plumbing.
type Metrics struct {
	// machine monitor
	handshakes    *prometheus.CounterVec
	pollFailures  *prometheus.CounterVec
	evictions     *prometheus.CounterVec
	cycleDuration *prometheus.HistogramVec
	monitored     *prometheus.GaugeVec

	// orchestrator
	idleMachines         *prometheus.GaugeVec
	placements           prometheus.Counter
	provisioned          *prometheus.CounterVec
	provisioningFailures *prometheus.CounterVec

	// process harness
	spawns     *prometheus.CounterVec
	violations *prometheus.CounterVec
	exhausted  *prometheus.CounterVec

	// control endpoint
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// NewMetrics creates the series and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		handshakes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sitter_handshakes_total",
			Help: "Control endpoint handshakes by result",
		}, []string{"result"}),
		pollFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sitter_poll_failures_total",
			Help: "Failed handshakes or stats pulls per monitor shard",
		}, []string{"monitor"}),
		evictions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sitter_machine_evictions_total",
			Help: "Machines evicted after reaching the failure threshold",
		}, []string{"zone"}),
		cycleDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sitter_monitor_cycle_seconds",
			Help:    "Duration of one monitor poll cycle",
			Buckets: prometheus.DefBuckets,
		}, []string{"monitor"}),
		monitored: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sitter_monitored_machines",
			Help: "Machines in a monitor shard's active set",
		}, []string{"monitor"}),
		idleMachines: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sitter_idle_machines",
			Help: "Idle machines per zone in the last published index",
		}, []string{"zone"}),
		placements: f.NewCounter(prometheus.CounterOpts{
			Name: "sitter_job_placements_total",
			Help: "Jobs placed onto machines",
		}),
		provisioned: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sitter_machines_provisioned_total",
			Help: "Machines requested from the provisioning backend",
		}, []string{"zone"}),
		provisioningFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sitter_provisioning_failures_total",
			Help: "Provisioning requests that failed",
		}, []string{"zone"}),
		spawns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sitter_task_spawns_total",
			Help: "Child processes spawned by harnesses",
		}, []string{"task"}),
		violations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sitter_constraint_violations_total",
			Help: "Constraint violations observed by harnesses",
		}, []string{"task", "constraint"}),
		exhausted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sitter_restart_exhausted_total",
			Help: "Harnesses stopped because their restart budget ran out",
		}, []string{"task"}),
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sitter_control_requests_total",
			Help: "Control endpoint requests",
		}, []string{"endpoint", "status"}),
		requestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sitter_control_request_seconds",
			Help:    "Control endpoint request latency",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"endpoint"}),
	}
}

func (m *Metrics) Handshake(ok bool) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	m.handshakes.WithLabelValues(result).Inc()
}

func (m *Metrics) PollFailure(monitor string) {
	if m == nil {
		return
	}
	m.pollFailures.WithLabelValues(monitor).Inc()
}

func (m *Metrics) Eviction(zone string) {
	if m == nil {
		return
	}
	m.evictions.WithLabelValues(zone).Inc()
}

func (m *Metrics) Cycle(monitor string, d time.Duration, active int) {
	if m == nil {
		return
	}
	m.cycleDuration.WithLabelValues(monitor).Observe(d.Seconds())
	m.monitored.WithLabelValues(monitor).Set(float64(active))
}

// IdleIndex replaces the idle gauge values with a freshly published index.
func (m *Metrics) IdleIndex(counts map[string]int) {
	if m == nil {
		return
	}
	m.idleMachines.Reset()
	for zone, n := range counts {
		m.idleMachines.WithLabelValues(zone).Set(float64(n))
	}
}

func (m *Metrics) Placement() {
	if m == nil {
		return
	}
	m.placements.Inc()
}

func (m *Metrics) Provisioned(zone string, n int) {
	if m == nil {
		return
	}
	m.provisioned.WithLabelValues(zone).Add(float64(n))
}

func (m *Metrics) ProvisioningFailure(zone string) {
	if m == nil {
		return
	}
	m.provisioningFailures.WithLabelValues(zone).Inc()
}

func (m *Metrics) Spawn(task string) {
	if m == nil {
		return
	}
	m.spawns.WithLabelValues(task).Inc()
}

func (m *Metrics) Violation(task, constraint string) {
	if m == nil {
		return
	}
	m.violations.WithLabelValues(task, constraint).Inc()
}

func (m *Metrics) RestartExhausted(task string) {
	if m == nil {
		return
	}
	m.exhausted.WithLabelValues(task).Inc()
}

func (m *Metrics) Request(endpoint string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(endpoint, statusClass(status)).Inc()
	m.requestDuration.WithLabelValues(endpoint).Observe(d.Seconds())
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
