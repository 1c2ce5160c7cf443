package harness

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/fleetsitter/internal/constraint"
	"github.com/3cpo-dev/fleetsitter/pkg/api"
)

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(e string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

type fakeProcess struct {
	pid    int
	cpu    float64
	rec    *recorder
	exited chan struct{}
	once   sync.Once
	code   int
}

func (p *fakeProcess) exit(code int) {
	p.once.Do(func() {
		p.code = code
		close(p.exited)
	})
}

func (p *fakeProcess) PID() int                   { return p.pid }
func (p *fakeProcess) Exited() <-chan struct{}    { return p.exited }
func (p *fakeProcess) CPUUsage() (float64, error) { return p.cpu, nil }
func (p *fakeProcess) MemUsage() (uint64, error)  { return 1 << 20, nil }
func (p *fakeProcess) Alive() bool {
	select {
	case <-p.exited:
		return false
	default:
		return true
	}
}

func (p *fakeProcess) Kill() error {
	p.rec.add("kill")
	p.exit(9)
	return nil
}

func (p *fakeProcess) Wait(ctx context.Context) (int, error) {
	select {
	case <-p.exited:
		return p.code, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

type fakeSpawner struct {
	rec *recorder
	cpu float64
	// exitCode >= 0 makes every child exit right after spawning.
	exitCode int
	// failAt makes the nth spawn (1-based) fail.
	failAt  int
	failErr error

	mu    sync.Mutex
	count int
}

func (s *fakeSpawner) Spawn(SpawnRequest) (Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count++
	if s.failAt > 0 && s.count == s.failAt {
		return nil, s.failErr
	}
	s.rec.add("spawn")
	p := &fakeProcess{pid: 1000 + s.count, cpu: s.cpu, rec: s.rec, exited: make(chan struct{})}
	if s.exitCode >= 0 {
		p.exit(s.exitCode)
	}
	return p, nil
}

func newFake(t *testing.T, cfg Config, cs []constraint.Constraint, sp *fakeSpawner) *Harness {
	t.Helper()
	cfg.PollInterval = time.Millisecond
	h := New(cfg, cs, WithSpawner(sp))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _ = h.Terminate(ctx)
	})
	return h
}

func waitDone(t *testing.T, h *Harness) int {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	code, err := h.WaitForCompletion(ctx)
	require.NoError(t, err)
	return code
}

func TestKillPrecedesRestart(t *testing.T) {
	rec := &recorder{}
	sp := &fakeSpawner{rec: rec, cpu: 1.0, exitCode: -1}
	cpu := constraint.NewCPU(0.5)
	h := newFake(t, Config{Name: "burner", Command: "burn", Restart: true, MaxRestarts: 1},
		[]constraint.Constraint{cpu}, sp)

	require.NoError(t, h.Start())
	h.BeginMonitoring()
	code := waitDone(t, h)

	assert.Equal(t, []string{"spawn", "kill", "spawn", "kill"}, rec.list())
	assert.Equal(t, 9, code)
	assert.Equal(t, 2, h.StartCount())
	assert.Equal(t, 2, h.Violations()[cpu.Name()])
	assert.ErrorIs(t, h.Err(), ErrRestartExhausted)
	assert.Equal(t, api.TaskExhausted, h.Stats().State)
}

func TestNaturalExitWithoutLiveness(t *testing.T) {
	rec := &recorder{}
	sp := &fakeSpawner{rec: rec, exitCode: 3}
	h := newFake(t, Config{Name: "once", Command: "true", Restart: true, MaxRestarts: api.UnlimitedRestarts}, nil, sp)

	require.NoError(t, h.Start())
	h.BeginMonitoring()

	assert.Equal(t, 3, waitDone(t, h))
	assert.Equal(t, 1, h.StartCount())
	assert.NoError(t, h.Err())
	assert.False(t, h.Running())
	assert.Equal(t, api.TaskStopped, h.Stats().State)
}

func TestLivenessRestartsUntilBudget(t *testing.T) {
	rec := &recorder{}
	sp := &fakeSpawner{rec: rec, exitCode: 0}
	h := newFake(t, Config{Name: "flaky", Command: "true", Restart: true, MaxRestarts: 2},
		[]constraint.Constraint{constraint.Living{}}, sp)

	require.NoError(t, h.Start())
	h.BeginMonitoring()
	waitDone(t, h)

	assert.Equal(t, 3, h.StartCount())
	assert.Equal(t, 3, h.Violations()["LivingConstraint"])
	assert.ErrorIs(t, h.Err(), ErrRestartExhausted)
	// a dead child is never killed
	assert.NotContains(t, rec.list(), "kill")
}

func TestViolationWithoutRestartStops(t *testing.T) {
	rec := &recorder{}
	sp := &fakeSpawner{rec: rec, cpu: 2, exitCode: -1}
	h := newFake(t, Config{Name: "burner", Command: "burn"}, []constraint.Constraint{constraint.NewCPU(1)}, sp)

	require.NoError(t, h.Start())
	h.BeginMonitoring()
	assert.Equal(t, 9, waitDone(t, h))
	assert.Equal(t, []string{"spawn", "kill"}, rec.list())
	assert.NoError(t, h.Err())
}

func TestTerminateWinsAndIsIdempotent(t *testing.T) {
	rec := &recorder{}
	sp := &fakeSpawner{rec: rec, exitCode: -1}
	h := newFake(t, Config{Name: "daemon", Command: "serve", Restart: true, MaxRestarts: api.UnlimitedRestarts},
		[]constraint.Constraint{constraint.Living{}}, sp)

	require.NoError(t, h.Start())
	h.BeginMonitoring()
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	code, err := h.Terminate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 9, code)

	code, err = h.Terminate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 9, code)

	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, h.StartCount())
	assert.False(t, h.Running())
	assert.ErrorIs(t, h.Start(), ErrTerminated)
}

func TestTerminateBeforeStart(t *testing.T) {
	h := New(Config{Name: "idle", Command: "true"}, nil, WithSpawner(&fakeSpawner{rec: &recorder{}, exitCode: -1}))
	code, err := h.Terminate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	select {
	case <-h.Done():
	default:
		t.Fatal("harness not terminal after Terminate")
	}
}

func TestPrivilegeErrorOnRestartIsFatal(t *testing.T) {
	rec := &recorder{}
	sp := &fakeSpawner{rec: rec, exitCode: 0, failAt: 2, failErr: &PrivilegeError{UID: 65534, Err: errors.New("operation not permitted")}}
	h := newFake(t, Config{Name: "nobody", Command: "true", Restart: true, MaxRestarts: api.UnlimitedRestarts},
		[]constraint.Constraint{constraint.Living{}}, sp)

	require.NoError(t, h.Start())
	h.BeginMonitoring()
	assert.Equal(t, -1, waitDone(t, h))

	var perr *PrivilegeError
	require.ErrorAs(t, h.Err(), &perr)
	assert.Equal(t, 65534, perr.UID)
	assert.Equal(t, api.TaskFailed, h.Stats().State)
	assert.Equal(t, 1, h.StartCount())
}

func TestFailedStartIsRecorded(t *testing.T) {
	sp := &fakeSpawner{rec: &recorder{}, exitCode: -1, failAt: 1, failErr: &PrivilegeError{UID: 65534, Err: errors.New("operation not permitted")}}
	h := newFake(t, Config{Name: "nobody", Command: "true"}, nil, sp)

	var perr *PrivilegeError
	require.ErrorAs(t, h.Start(), &perr)
	assert.Equal(t, -1, waitDone(t, h))
	require.ErrorAs(t, h.Err(), &perr)

	st := h.Stats()
	assert.Equal(t, api.TaskFailed, st.State)
	assert.Contains(t, st.Error, "operation not permitted")

	// a later terminate keeps the failure
	_, err := h.Terminate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, api.TaskFailed, h.Stats().State)
}

func TestStatsWhileRunning(t *testing.T) {
	sp := &fakeSpawner{rec: &recorder{}, cpu: 0.25, exitCode: -1}
	h := newFake(t, Config{Name: "svc", Command: "serve"}, []constraint.Constraint{constraint.NewMemoryMB(64)}, sp)
	require.NoError(t, h.Start())

	s := h.Stats()
	assert.Equal(t, api.TaskRunning, s.State)
	assert.Equal(t, 0.25, s.CPUUsage)
	assert.Equal(t, uint64(1<<20), s.MemoryBytes)
	assert.Equal(t, map[string]int{"MemoryConstraint(67108864B)": 0}, s.Violations)
	assert.False(t, s.ProcessStart.Before(s.TaskStart))
}

// lineGrowth is violated once per new line appended to a file, so every
// generation of the child is killed only after it has written.
type lineGrowth struct {
	path string
	seen int
}

func (c *lineGrowth) Name() string          { return "LineGrowth" }
func (c *lineGrowth) KillOnViolation() bool { return true }
func (c *lineGrowth) Violated(constraint.Metrics) bool {
	n := countLines(c.path)
	if n > c.seen {
		c.seen = n
		return true
	}
	return false
}

func countLines(path string) int {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	return bytes.Count(b, []byte("\n"))
}

func requireBash(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("spawns real processes")
	}
	if _, err := os.Stat("/bin/bash"); err != nil {
		t.Skip("bash not available")
	}
}

func TestRestartBoundedByMaxRestarts(t *testing.T) {
	requireBash(t)
	out := filepath.Join(t.TempDir(), "out")
	h := New(Config{
		Name:         "bounded",
		Command:      "echo 1 >> " + out + "; sleep 10",
		Restart:      true,
		MaxRestarts:  2,
		PollInterval: 10 * time.Millisecond,
	}, []constraint.Constraint{&lineGrowth{path: out}})

	require.NoError(t, h.Start())
	h.BeginMonitoring()
	code := waitDone(t, h)

	assert.Equal(t, 3, countLines(out))
	assert.Equal(t, 3, h.StartCount())
	assert.Equal(t, 9, code)
	assert.ErrorIs(t, h.Err(), ErrRestartExhausted)
}

func TestEnsureAliveRestartsDeadChild(t *testing.T) {
	requireBash(t)
	out := filepath.Join(t.TempDir(), "out")
	h := New(Config{
		Name:         "liveness",
		Command:      "echo 1 >> " + out,
		Restart:      true,
		MaxRestarts:  551,
		PollInterval: time.Millisecond,
	}, []constraint.Constraint{constraint.Living{}})

	require.NoError(t, h.Start())
	h.BeginMonitoring()
	waitDone(t, h)

	assert.Equal(t, 552, countLines(out))
	assert.Equal(t, 552, h.StartCount())
}

func TestTerminateReportsSignal(t *testing.T) {
	requireBash(t)
	h := New(Config{Name: "sleeper", Command: "sleep 30"}, nil)
	require.NoError(t, h.Start())
	h.BeginMonitoring()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	code, err := h.Terminate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 9, code)
}

func TestPrivilegeDropFails(t *testing.T) {
	requireBash(t)
	if os.Geteuid() == 0 {
		t.Skip("root may switch to any uid")
	}
	root := 0
	h := New(Config{Name: "escalate", Command: "true", UID: &root}, nil)
	err := h.Start()

	var perr *PrivilegeError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 0, perr.UID)
}
