// Package agent is the machine sitter: an HTTP control endpoint hosting one
// process harness per task.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/fleetsitter/internal/constraint"
	"github.com/3cpo-dev/fleetsitter/internal/harness"
	"github.com/3cpo-dev/fleetsitter/internal/logmanager"
	"github.com/3cpo-dev/fleetsitter/internal/telemetry"
	"github.com/3cpo-dev/fleetsitter/pkg/api"
)

const (
	DefaultBasePort = 40000
	DefaultPortSpan = 100
)

var (
	ErrUnknownTask = errors.New("unknown task")
	ErrInvalidTask = errors.New("invalid task")
	ErrNoFreePort  = errors.New("no free port")
)

type Config struct {
	// Host is the name reported by identify; defaults to the listen host.
	Host         string
	ListenHost   string
	BasePort     int
	PortSpan     int
	LogDir       string
	PollInterval time.Duration
	Token        string
	TLS          MTLSConfig
}

// HarnessFactory builds an unstarted harness for a task.
type HarnessFactory func(api.TaskConfig) (*harness.Harness, error)

type Option func(*Server)

func WithMetrics(m *telemetry.Metrics) Option { return func(s *Server) { s.metrics = m } }

func WithHarnessFactory(f HarnessFactory) Option { return func(s *Server) { s.newHarness = f } }

type task struct {
	cfg api.TaskConfig
	h   *harness.Harness
}

type Server struct {
	Version string

	cfg        Config
	metrics    *telemetry.Metrics
	newHarness HarnessFactory

	// opMu serializes task starts and stops
	opMu  sync.Mutex
	mu    sync.Mutex
	tasks map[string]*task

	srv  *http.Server
	port int
}

func NewServer(version string, cfg Config, opts ...Option) *Server {
	if cfg.BasePort == 0 {
		cfg.BasePort = DefaultBasePort
	}
	if cfg.PortSpan <= 0 {
		cfg.PortSpan = DefaultPortSpan
	}
	if cfg.LogDir == "" {
		cfg.LogDir = "logs"
	}
	s := &Server{Version: version, cfg: cfg, tasks: make(map[string]*task)}
	s.newHarness = s.defaultHarness
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) defaultHarness(t api.TaskConfig) (*harness.Harness, error) {
	logs, err := logmanager.New(s.cfg.LogDir, t.Name)
	if err != nil {
		return nil, err
	}
	hc := harness.ConfigForTask(t)
	hc.PollInterval = s.cfg.PollInterval
	return harness.New(hc, constraint.ForTask(t),
		harness.WithLogs(logs),
		harness.WithMetrics(s.metrics),
	), nil
}

func validate(t api.TaskConfig) error {
	if t.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidTask)
	}
	if t.Command == "" {
		return fmt.Errorf("%w: command is required", ErrInvalidTask)
	}
	if t.MaxRestarts < api.UnlimitedRestarts {
		return fmt.Errorf("%w: max_restarts must be >= -1", ErrInvalidTask)
	}
	return nil
}

// DefineTask adds or replaces a task definition. A running harness of the
// same name keeps running until the task is started again.
func (s *Server) DefineTask(ctx context.Context, t api.TaskConfig) error {
	if err := validate(t); err != nil {
		return err
	}
	s.mu.Lock()
	if cur, ok := s.tasks[t.Name]; ok {
		cur.cfg = t
	} else {
		s.tasks[t.Name] = &task{cfg: t}
	}
	s.mu.Unlock()
	log.Info().Str("task", t.Name).Str("command", t.Command).Msg("Defined task")

	if t.AutoStart {
		return s.StartTask(ctx, t)
	}
	return nil
}

// StartTask defines the task if needed and (re)starts it under a fresh
// harness. A config carrying only a name starts the stored definition.
func (s *Server) StartTask(ctx context.Context, t api.TaskConfig) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	cur, ok := s.tasks[t.Name]
	if t.Command == "" && ok {
		t = cur.cfg
	}
	if err := validate(t); err != nil {
		s.mu.Unlock()
		return err
	}
	if !ok {
		cur = &task{}
		s.tasks[t.Name] = cur
	}
	cur.cfg = t
	prev := cur.h
	s.mu.Unlock()

	if prev != nil {
		if _, err := prev.Terminate(ctx); err != nil {
			return fmt.Errorf("stop previous instance: %w", err)
		}
	}
	h, err := s.newHarness(t)
	if err != nil {
		return fmt.Errorf("create harness: %w", err)
	}
	s.mu.Lock()
	cur.h = h
	s.mu.Unlock()

	if err := h.Start(); err != nil {
		return err
	}
	h.BeginMonitoring()
	return nil
}

// StopTask terminates the task's harness. The definition stays on the roster.
func (s *Server) StopTask(ctx context.Context, name string) (int, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	cur, ok := s.tasks[name]
	var h *harness.Harness
	if ok {
		h = cur.h
	}
	s.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	if h == nil {
		return 0, nil
	}
	code, err := h.Terminate(ctx)
	if err != nil {
		return 0, err
	}
	log.Info().Str("task", name).Int("exit_code", code).Msg("Stopped task")
	return code, nil
}

// Stats reports every task on the roster, sorted by name.
func (s *Server) Stats() api.StatsResponse {
	s.mu.Lock()
	tasks := make([]*task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, &task{cfg: t.cfg, h: t.h})
	}
	s.mu.Unlock()
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].cfg.Name < tasks[j].cfg.Name })

	resp := api.StatsResponse{Host: s.host(), Tasks: make([]api.TaskStatus, 0, len(tasks))}
	for _, t := range tasks {
		if t.h == nil {
			resp.Tasks = append(resp.Tasks, api.TaskStatus{
				Name:    t.cfg.Name,
				Command: t.cfg.Command,
				State:   api.TaskStopped,
			})
			continue
		}
		resp.Tasks = append(resp.Tasks, t.h.Stats())
	}
	return resp
}

func (s *Server) host() string {
	if s.cfg.Host != "" {
		return s.cfg.Host
	}
	return s.cfg.ListenHost
}

// Port is the port the server bound, zero before ListenAndServe.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// Handler returns the control routes wrapped with auth and metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.routes(mux)
	return s.instrument(s.authenticate(mux))
}

func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc(RouteIdentify, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, api.IdentifyResponse{
			Host:    s.host(),
			Port:    s.Port(),
			Version: s.Version,
			Time:    time.Now(),
		})
	})
	mux.HandleFunc(RouteStats, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.Stats())
	})
	mux.HandleFunc(RouteTasks, func(w http.ResponseWriter, r *http.Request) {
		t, ok := decodeTask(w, r)
		if !ok {
			return
		}
		if err := s.DefineTask(r.Context(), t); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, s.statusOf(t.Name))
	})
	mux.HandleFunc(RouteTaskStart, func(w http.ResponseWriter, r *http.Request) {
		t, ok := decodeTask(w, r)
		if !ok {
			return
		}
		if err := s.StartTask(r.Context(), t); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, s.statusOf(t.Name))
	})
	mux.HandleFunc(RouteTaskStop, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			writeJSON(w, http.StatusMethodNotAllowed, ErrorResponse{Error: "method not allowed"})
			return
		}
		name := r.URL.Query().Get("name")
		code, err := s.StopTask(r.Context(), name)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, StopResponse{Name: name, ExitCode: code})
	})
}

func (s *Server) statusOf(name string) api.TaskStatus {
	for _, t := range s.Stats().Tasks {
		if t.Name == name {
			return t
		}
	}
	return api.TaskStatus{Name: name}
}

func decodeTask(w http.ResponseWriter, r *http.Request) (api.TaskConfig, bool) {
	var t api.TaskConfig
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, http.StatusMethodNotAllowed, ErrorResponse{Error: "method not allowed"})
		return t, false
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return t, false
	}
	return t, true
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var perr *harness.PrivilegeError
	switch {
	case errors.Is(err, ErrInvalidTask):
		status = http.StatusBadRequest
	case errors.Is(err, ErrUnknownTask):
		status = http.StatusNotFound
	case errors.As(err, &perr):
		status = http.StatusForbidden
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if tok := s.cfg.Token; tok != "" {
			auth := r.Header.Get("Authorization")
			x := r.Header.Get("X-Auth-Token")
			if auth != "Bearer "+tok && x != tok {
				writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "unauthorized"})
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.metrics.Request(r.URL.Path, rec.status, time.Since(start))
	})
}

// ListenFirstAvailable binds the first free port in [base, base+span).
func ListenFirstAvailable(host string, base, span int) (net.Listener, int, error) {
	for port := base; port < base+span; port++ {
		ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err == nil {
			return ln, port, nil
		}
	}
	return nil, 0, fmt.Errorf("%w in [%d, %d)", ErrNoFreePort, base, base+span)
}

// Listen binds the control port without serving yet.
func (s *Server) Listen() (net.Listener, error) {
	ln, port, err := ListenFirstAvailable(s.cfg.ListenHost, s.cfg.BasePort, s.cfg.PortSpan)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.port = port
	s.mu.Unlock()
	return ln, nil
}

// Serve serves the control endpoint on ln until Shutdown, with TLS when
// certificates are configured.
func (s *Server) Serve(ln net.Listener) error {
	handler := s.Handler()
	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	useTLS := s.cfg.TLS.ServerCert != ""
	if useTLS {
		tlsConfig, err := s.ConfigureTLS(s.cfg.TLS)
		if err != nil {
			return err
		}
		srv.TLSConfig = tlsConfig
		srv.Handler = MTLSMiddleware(s.cfg.TLS.RequireAuth)(handler)
	}
	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()

	log.Info().Str("addr", ln.Addr().String()).Bool("tls", useTLS).Msg("Machine sitter listening")
	var err error
	if useTLS {
		err = srv.ServeTLS(ln, "", "")
	} else {
		err = srv.Serve(ln)
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// ListenAndServe scans for a free port starting at BasePort and serves on it.
func (s *Server) ListenAndServe() error {
	ln, err := s.Listen()
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Shutdown terminates every task and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	var hs []*harness.Harness
	for _, t := range s.tasks {
		if t.h != nil {
			hs = append(hs, t.h)
		}
	}
	srv := s.srv
	s.mu.Unlock()

	for _, h := range hs {
		if _, err := h.Terminate(ctx); err != nil {
			log.Warn().Err(err).Msg("Terminate on shutdown failed")
		}
	}
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
