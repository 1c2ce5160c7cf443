package proc

import (
	"os"
	"os/exec"
	"runtime"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSamplerReadsOwnGroup(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("procfs is linux only")
	}
	cmd := exec.Command("sleep", "5")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	require.NoError(t, cmd.Start())
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	})

	s, err := NewSampler(cmd.Process.Pid, time.Now())
	require.NoError(t, err)

	mem, err := s.MemUsage()
	require.NoError(t, err)
	assert.Greater(t, mem, uint64(0))

	cpu, err := s.CPUUsage()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, cpu, 0.0)
	assert.Less(t, cpu, 0.5, "sleep should be idle")
}

func TestSamplerEmptyGroup(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("procfs is linux only")
	}
	// ids above pid_max never name a process group
	s, err := NewSampler(os.Getpid()+1<<22, time.Now())
	require.NoError(t, err)
	_, err = s.MemUsage()
	assert.ErrorIs(t, err, ErrNoProcesses)
}
