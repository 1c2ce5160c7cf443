package core

import (
	"fmt"
	"sort"

	"github.com/3cpo-dev/fleetsitter/pkg/api"
)

// Zone is a shared-fate failure domain.
type Zone string

// MachineProfile is the shape of one machine a job needs.
type MachineProfile struct {
	CPU      float64
	MemoryMB int
}

// ZoneLayout is how many machines of which shape a job needs in one zone.
type ZoneLayout struct {
	Count    int     `yaml:"count"`
	CPU      float64 `yaml:"cpu"`
	MemoryMB int     `yaml:"memory_mb"`
}

// Job is a task deployed across zones.
type Job struct {
	Task   api.TaskConfig      `yaml:"task"`
	Layout map[Zone]ZoneLayout `yaml:"layout"`
}

func (j Job) Name() string { return j.Task.Name }

// Zones lists the zones of the layout in sorted order.
func (j Job) Zones() []Zone {
	zones := make([]Zone, 0, len(j.Layout))
	for z := range j.Layout {
		zones = append(zones, z)
	}
	sort.Slice(zones, func(a, b int) bool { return zones[a] < zones[b] })
	return zones
}

func (j Job) RequiredMachines(zone Zone) []MachineProfile {
	l := j.Layout[zone]
	out := make([]MachineProfile, l.Count)
	for i := range out {
		out[i] = MachineProfile{CPU: l.CPU, MemoryMB: l.MemoryMB}
	}
	return out
}

func (j Job) Validate() error {
	if j.Task.Name == "" {
		return fmt.Errorf("job: task name is required")
	}
	if j.Task.Command == "" {
		return fmt.Errorf("job %s: task command is required", j.Task.Name)
	}
	if len(j.Layout) == 0 {
		return fmt.Errorf("job %s: layout has no zones", j.Task.Name)
	}
	for z, l := range j.Layout {
		if z == "" {
			return fmt.Errorf("job %s: empty zone name", j.Task.Name)
		}
		if l.Count < 0 {
			return fmt.Errorf("job %s: zone %s: negative count %d", j.Task.Name, z, l.Count)
		}
	}
	return nil
}
