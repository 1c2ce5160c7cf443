package harness

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/3cpo-dev/fleetsitter/internal/proc"
)

// PrivilegeError is returned when the child could not switch to the
// configured uid. It is fatal for the harness and never retried.
type PrivilegeError struct {
	UID int
	Err error
}

func (e *PrivilegeError) Error() string {
	return fmt.Sprintf("drop privileges to uid %d: %v", e.UID, e.Err)
}

func (e *PrivilegeError) Unwrap() error { return e.Err }

// ExecSpawner runs commands through a shell in a fresh process group.
type ExecSpawner struct {
	// Shell defaults to /bin/bash.
	Shell string
}

func (s ExecSpawner) Spawn(req SpawnRequest) (Process, error) {
	shell := s.Shell
	if shell == "" {
		shell = "/bin/bash"
	}
	cmd := exec.Command(shell, "-c", req.Command)
	cmd.Stdout = req.Stdout
	cmd.Stderr = req.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if req.UID != nil {
		cmd.SysProcAttr.Credential = &syscall.Credential{
			Uid:         uint32(*req.UID),
			Gid:         uint32(os.Getgid()),
			NoSetGroups: true,
		}
	}

	if err := cmd.Start(); err != nil {
		if req.UID != nil && (errors.Is(err, syscall.EPERM) || errors.Is(err, syscall.EINVAL)) {
			return nil, &PrivilegeError{UID: *req.UID, Err: err}
		}
		return nil, err
	}

	started := time.Now()
	p := &execProcess{cmd: cmd, exited: make(chan struct{})}
	if sampler, err := proc.NewSampler(cmd.Process.Pid, started); err == nil {
		p.sampler = sampler
	}
	go p.wait()
	return p, nil
}

type execProcess struct {
	cmd     *exec.Cmd
	sampler *proc.Sampler

	exited chan struct{}
	code   int
	err    error
}

func (p *execProcess) wait() {
	err := p.cmd.Wait()
	switch {
	case err == nil:
	case errors.As(err, new(*exec.ExitError)):
		p.code = exitCode(p.cmd.ProcessState)
	default:
		p.code, p.err = -1, err
	}
	close(p.exited)
}

// exitCode reports the signal number for children killed by a signal.
func exitCode(ps *os.ProcessState) int {
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return int(ws.Signal())
	}
	return ps.ExitCode()
}

func (p *execProcess) PID() int { return p.cmd.Process.Pid }

func (p *execProcess) Exited() <-chan struct{} { return p.exited }

func (p *execProcess) Alive() bool {
	select {
	case <-p.exited:
		return false
	default:
		return true
	}
}

func (p *execProcess) Kill() error {
	err := unix.Kill(-p.cmd.Process.Pid, unix.SIGKILL)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

func (p *execProcess) Wait(ctx context.Context) (int, error) {
	select {
	case <-p.exited:
		return p.code, p.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (p *execProcess) CPUUsage() (float64, error) {
	if p.sampler == nil {
		return 0, proc.ErrNoProcesses
	}
	return p.sampler.CPUUsage()
}

func (p *execProcess) MemUsage() (uint64, error) {
	if p.sampler == nil {
		return 0, proc.ErrNoProcesses
	}
	return p.sampler.MemUsage()
}
