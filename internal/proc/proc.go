// Package proc samples resource usage of a child process group from /proc.
package proc

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/procfs"
)

// ErrNoProcesses is returned when no live process belongs to the group.
var ErrNoProcesses = errors.New("no processes in group")

// Sampler reports usage summed over every process of one process group, so
// that work done by grandchildren of the harness shell is accounted too.
type Sampler struct {
	fs   procfs.FS
	pgid int

	mu      sync.Mutex
	lastCPU float64
	lastAt  time.Time
}

// NewSampler returns a sampler for the process group pgid. started is used as
// the origin of the first CPU usage sample.
func NewSampler(pgid int, started time.Time) (*Sampler, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, fmt.Errorf("open procfs: %w", err)
	}
	return &Sampler{fs: fs, pgid: pgid, lastAt: started}, nil
}

func (s *Sampler) group() ([]procfs.ProcStat, error) {
	procs, err := s.fs.AllProcs()
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	var out []procfs.ProcStat
	for _, p := range procs {
		st, err := p.Stat()
		if err != nil {
			// exited between listing and reading
			continue
		}
		if st.PGRP == s.pgid {
			out = append(out, st)
		}
	}
	if len(out) == 0 {
		return nil, ErrNoProcesses
	}
	return out, nil
}

// CPUUsage returns the fraction of one core used by the group since the
// previous sample.
func (s *Sampler) CPUUsage() (float64, error) {
	stats, err := s.group()
	if err != nil {
		return 0, err
	}
	var total float64
	for _, st := range stats {
		total += st.CPUTime()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	elapsed := now.Sub(s.lastAt).Seconds()
	used := total - s.lastCPU
	s.lastCPU, s.lastAt = total, now
	if elapsed <= 0 || used < 0 {
		return 0, nil
	}
	return used / elapsed, nil
}

// MemUsage returns resident memory of the group in bytes.
func (s *Sampler) MemUsage() (uint64, error) {
	stats, err := s.group()
	if err != nil {
		return 0, err
	}
	var total uint64
	for _, st := range stats {
		total += uint64(st.ResidentMemory())
	}
	return total, nil
}
