package agent

import "github.com/3cpo-dev/fleetsitter/pkg/api"

const (
	RouteIdentify  = api.RouteIdentify
	RouteStats     = api.RouteStats
	RouteTasks     = api.RouteTasks
	RouteTaskStart = api.RouteTaskStart
	RouteTaskStop  = api.RouteTaskStop
)

// TokenEnv holds the optional shared secret checked on every request.
const TokenEnv = "SITTER_AGENT_TOKEN"

type ErrorResponse struct {
	Error string `json:"error"`
}

type StopResponse struct {
	Name     string `json:"name"`
	ExitCode int    `json:"exit_code"`
}
