package core

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/fleetsitter/internal/agent"
	"github.com/3cpo-dev/fleetsitter/internal/machine"
	"github.com/3cpo-dev/fleetsitter/internal/monitor"
	"github.com/3cpo-dev/fleetsitter/pkg/api"
)

// TestFleetAgainstMachineSitter places a job on a real machine sitter, sees
// the task running, then loses the sitter and sees the machine evicted.
func TestFleetAgainstMachineSitter(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	srv := agent.NewServer("it", agent.Config{
		Host:         "127.0.0.1",
		ListenHost:   "127.0.0.1",
		BasePort:     42000,
		PortSpan:     200,
		LogDir:       t.TempDir(),
		PollInterval: 10 * time.Millisecond,
	})
	ln, err := srv.Listen()
	require.NoError(t, err)
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ln) }()

	m := machine.New("127.0.0.1", "east", machine.Config{BasePort: srv.Port(), PortSpan: 1, Timeout: time.Second})
	o := NewOrchestrator(testConfig(), monitor.Config{
		PollInterval:     20 * time.Millisecond,
		FailureThreshold: 2,
		PollTimeout:      500 * time.Millisecond,
	})
	o.AddMachines(m)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ran := make(chan error, 1)
	go func() { ran <- o.Run(ctx) }()

	require.Eventually(t, m.Initialized, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return len(o.IdleMachines("east")) == 1 }, 5*time.Second, 10*time.Millisecond)

	placed, err := o.AddJob(ctx, Job{
		Task:   api.TaskConfig{Name: "web", Command: "sleep 30"},
		Layout: map[Zone]ZoneLayout{"east": {Count: 1}},
	})
	require.NoError(t, err)
	require.Len(t, placed, 1)
	assert.Equal(t, "127.0.0.1", placed[0].Hostname())

	require.Eventually(t, func() bool {
		stats := srv.Stats()
		return len(stats.Tasks) == 1 && stats.Tasks[0].Running()
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return len(m.RunningTasks()) == 1 && len(o.IdleMachines("east")) == 0
	}, 5*time.Second, 10*time.Millisecond)

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	require.NoError(t, srv.Shutdown(shutdownCtx))
	require.NoError(t, <-served)

	require.Eventually(t, func() bool { return len(o.Machines("east")) == 0 }, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-ran:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("orchestrator did not stop")
	}
}
