package api

import "time"

// v0 contains the public types of the machine sitter control protocol.

// UnlimitedRestarts disables the restart bound of a task.
const UnlimitedRestarts = -1

// TaskConfig describes one long-lived task managed by a machine sitter.
type TaskConfig struct {
	Name        string  `json:"name" yaml:"name"`
	Command     string  `json:"command" yaml:"command"`
	UID         *int    `json:"uid,omitempty" yaml:"uid"`
	Restart     bool    `json:"restart" yaml:"restart"`
	MaxRestarts int     `json:"max_restarts" yaml:"max_restarts"`
	EnsureAlive bool    `json:"ensure_alive" yaml:"ensure_alive"`
	AutoStart   bool    `json:"auto_start" yaml:"auto_start"`
	CPULimit    float64 `json:"cpu_limit,omitempty" yaml:"cpu_limit"`
	MemLimitMB  int     `json:"mem_limit_mb,omitempty" yaml:"mem_limit_mb"`
}

type IdentifyResponse struct {
	Host    string    `json:"host"`
	Port    int       `json:"port"`
	Version string    `json:"version"`
	Time    time.Time `json:"time"`
}

type TaskState string

const (
	TaskStopped   TaskState = "stopped"
	TaskRunning   TaskState = "running"
	TaskExhausted TaskState = "exhausted"
	TaskFailed    TaskState = "failed"
)

// TaskStatus is the live view of a task's harness.
type TaskStatus struct {
	Name         string         `json:"name"`
	Command      string         `json:"command"`
	State        TaskState      `json:"state"`
	StartCount   int            `json:"start_count"`
	Violations   map[string]int `json:"violations,omitempty"`
	ProcessStart time.Time      `json:"process_start,omitempty"`
	TaskStart    time.Time      `json:"task_start,omitempty"`
	ExitCode     int            `json:"exit_code"`
	CPUUsage     float64        `json:"cpu_usage"`
	MemoryBytes  uint64         `json:"memory_bytes"`
	Error        string         `json:"error,omitempty"`
}

// Running reports whether the task currently has a live child.
func (s TaskStatus) Running() bool { return s.State == TaskRunning }

type StatsResponse struct {
	Host  string       `json:"host"`
	Tasks []TaskStatus `json:"tasks"`
}

// Control endpoint routes served by a machine sitter.
const (
	RouteIdentify  = "/v0/identify"
	RouteStats     = "/v0/stats"
	RouteTasks     = "/v0/tasks"
	RouteTaskStart = "/v0/tasks/start"
	RouteTaskStop  = "/v0/tasks/stop"
)
