package core

import (
	"github.com/3cpo-dev/fleetsitter/internal/monitor"
)

// leastLoaded picks the monitor with the fewest machines, lowest id first on
// ties.
func leastLoaded(monitors []*monitor.Monitor) *monitor.Monitor {
	var (
		best     *monitor.Monitor
		bestLoad int
	)
	for _, m := range monitors {
		if l := m.Len(); best == nil || l < bestLoad {
			best, bestLoad = m, l
		}
	}
	return best
}
