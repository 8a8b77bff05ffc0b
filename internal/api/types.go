package api

import (
	"encoding/json"

	"github.com/mattjoyce/pt2/internal/backend"
)

// RequestResponse is returned by POST /backends/{id}/requests/{operation}.
type RequestResponse struct {
	RequestID    string          `json:"request_id"`
	Backend      string          `json:"backend"`
	Operation    string          `json:"operation"`
	Status       string          `json:"status"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorID      string          `json:"error_id,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

// LifecycleResponse is returned by the launch, stop and kill actions.
type LifecycleResponse struct {
	Backend   string         `json:"backend"`
	Action    string         `json:"action"`
	Status    backend.Status `json:"status"`
	LastError string         `json:"last_error,omitempty"`
}

// ErrorResponse is returned on errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status          string `json:"status"`
	UptimeSeconds   int64  `json:"uptime_seconds"`
	BackendsLoaded  int    `json:"backends_loaded"`
	BackendsRunning int    `json:"backends_running"`
	BackendsInvalid int    `json:"backends_invalid"`
}
