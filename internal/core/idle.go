package core

import (
	"time"

	"github.com/3cpo-dev/fleetsitter/internal/machine"
)

// IdleIndex is an immutable snapshot of idle machines per zone. A new index
// is always built aside and published whole.
type IdleIndex struct {
	zones map[Zone][]machine.Machine
	Built time.Time
}

func newIdleIndex(zones map[Zone][]machine.Machine) *IdleIndex {
	return &IdleIndex{zones: zones, Built: time.Now()}
}

// Machines returns the idle machines of zone in index order.
func (ix *IdleIndex) Machines(zone Zone) []machine.Machine {
	if ix == nil {
		return nil
	}
	return append([]machine.Machine(nil), ix.zones[zone]...)
}

func (ix *IdleIndex) Counts() map[string]int {
	counts := make(map[string]int)
	if ix == nil {
		return counts
	}
	for z, ms := range ix.zones {
		counts[string(z)] = len(ms)
	}
	return counts
}

// without copies the index minus the given machines.
func (ix *IdleIndex) without(drop map[machine.Machine]bool) *IdleIndex {
	zones := make(map[Zone][]machine.Machine)
	if ix != nil {
		for z, ms := range ix.zones {
			kept := make([]machine.Machine, 0, len(ms))
			for _, m := range ms {
				if !drop[m] {
					kept = append(kept, m)
				}
			}
			zones[z] = kept
		}
	}
	return newIdleIndex(zones)
}
