package main

import (
	"fmt"

	"github.com/3cpo-dev/fleetsitter/internal/telemetry"
	"github.com/3cpo-dev/fleetsitter/pkg/api"
)

// taskCheck is degraded while any task has spent its restarts or failed.
func taskCheck(stats api.StatsResponse) telemetry.HealthCheck {
	details := make(map[string]string, len(stats.Tasks))
	bad := 0
	for _, t := range stats.Tasks {
		details[t.Name] = string(t.State)
		if t.State == api.TaskExhausted || t.State == api.TaskFailed {
			bad++
		}
	}
	status := telemetry.HealthStatusHealthy
	if bad > 0 {
		status = telemetry.HealthStatusDegraded
	}
	return telemetry.HealthCheck{
		Name:    "tasks",
		Status:  status,
		Message: fmt.Sprintf("%d tasks, %d not recoverable", len(stats.Tasks), bad),
		Details: details,
	}
}
