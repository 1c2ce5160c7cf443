package constraint

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/fleetsitter/pkg/api"
)

type fakeMetrics struct {
	cpu    float64
	mem    uint64
	err    error
	exited bool
}

func (f fakeMetrics) CPUUsage() (float64, error) { return f.cpu, f.err }
func (f fakeMetrics) MemUsage() (uint64, error)  { return f.mem, f.err }
func (f fakeMetrics) Alive() bool                { return !f.exited }

func TestCPUConstraint(t *testing.T) {
	c := NewCPU(0.5)
	assert.True(t, c.KillOnViolation())
	assert.False(t, c.Violated(fakeMetrics{cpu: 0.2}))
	assert.False(t, c.Violated(fakeMetrics{cpu: 0.5}))
	assert.True(t, c.Violated(fakeMetrics{cpu: 0.9}))
	assert.False(t, c.Violated(fakeMetrics{cpu: 5, err: errors.New("gone")}), "sampling errors never count as a violation")
}

func TestMemoryConstraint(t *testing.T) {
	c := NewMemoryMB(10)
	assert.Equal(t, uint64(10*1024*1024), c.LimitBytes)
	assert.False(t, c.Violated(fakeMetrics{mem: 1024}))
	assert.True(t, c.Violated(fakeMetrics{mem: 11 * 1024 * 1024}))
}

func TestLivingConstraint(t *testing.T) {
	c := Living{}
	assert.False(t, c.KillOnViolation())
	assert.False(t, c.Violated(fakeMetrics{}))
	assert.True(t, c.Violated(fakeMetrics{exited: true}))
	assert.True(t, IsLiveness(c))
	assert.True(t, IsLiveness(&Living{}))
	assert.False(t, IsLiveness(NewCPU(1)))
}

func TestForTask(t *testing.T) {
	cs := ForTask(api.TaskConfig{CPULimit: 0.5, MemLimitMB: 3, EnsureAlive: true})
	require.Len(t, cs, 3)

	live, ok := FindLiveness(cs)
	require.True(t, ok)
	assert.Equal(t, "LivingConstraint", live.Name())

	assert.Empty(t, ForTask(api.TaskConfig{}))
	_, ok = FindLiveness(ForTask(api.TaskConfig{CPULimit: 1}))
	assert.False(t, ok)
}

func TestNamesAreDistinct(t *testing.T) {
	names := map[string]bool{}
	for _, c := range []Constraint{NewCPU(0.5), NewMemoryMB(3), Living{}} {
		assert.False(t, names[c.Name()], "duplicate name %s", c.Name())
		names[c.Name()] = true
	}
}
