package constraint

import (
	"fmt"

	"github.com/3cpo-dev/fleetsitter/pkg/api"
)

// Metrics is the view of a running child that constraints are evaluated against.
type Metrics interface {
	CPUUsage() (float64, error)
	MemUsage() (uint64, error)
	Alive() bool
}

// Constraint is a policy evaluated against a child process on every poll.
type Constraint interface {
	// Name identifies the constraint in violation counters.
	Name() string
	Violated(m Metrics) bool
	KillOnViolation() bool
}

// CPU is violated when the child's CPU usage (1.0 == one full core) exceeds Limit.
type CPU struct {
	Limit float64
	Kill  bool
}

// NewCPU returns a CPU constraint that kills the child on violation.
func NewCPU(limit float64) *CPU { return &CPU{Limit: limit, Kill: true} }

func (c *CPU) Name() string { return fmt.Sprintf("CPUConstraint(%.2f)", c.Limit) }

func (c *CPU) KillOnViolation() bool { return c.Kill }

func (c *CPU) Violated(m Metrics) bool {
	usage, err := m.CPUUsage()
	if err != nil {
		return false
	}
	return usage > c.Limit
}

// Memory is violated when resident memory exceeds LimitBytes.
type Memory struct {
	LimitBytes uint64
	Kill       bool
}

// NewMemoryMB returns a Memory constraint expressed in megabytes that kills
// the child on violation.
func NewMemoryMB(mb int) *Memory {
	return &Memory{LimitBytes: uint64(mb) * 1024 * 1024, Kill: true}
}

func (c *Memory) Name() string { return fmt.Sprintf("MemoryConstraint(%dB)", c.LimitBytes) }

func (c *Memory) KillOnViolation() bool { return c.Kill }

func (c *Memory) Violated(m Metrics) bool {
	usage, err := m.MemUsage()
	if err != nil {
		return false
	}
	return usage > c.LimitBytes
}

// Living is violated once the child has exited. The child is already gone so
// there is nothing to kill.
type Living struct{}

func (Living) Name() string { return "LivingConstraint" }

func (Living) KillOnViolation() bool { return false }

func (Living) Violated(m Metrics) bool { return !m.Alive() }

// IsLiveness reports whether c is a liveness constraint.
func IsLiveness(c Constraint) bool {
	switch c.(type) {
	case Living, *Living:
		return true
	}
	return false
}

// FindLiveness returns the first liveness constraint in cs, if any.
func FindLiveness(cs []Constraint) (Constraint, bool) {
	for _, c := range cs {
		if IsLiveness(c) {
			return c, true
		}
	}
	return nil, false
}

// ForTask builds the constraint set declared by a task configuration.
func ForTask(cfg api.TaskConfig) []Constraint {
	var cs []Constraint
	if cfg.CPULimit > 0 {
		cs = append(cs, NewCPU(cfg.CPULimit))
	}
	if cfg.MemLimitMB > 0 {
		cs = append(cs, NewMemoryMB(cfg.MemLimitMB))
	}
	if cfg.EnsureAlive {
		cs = append(cs, Living{})
	}
	return cs
}
