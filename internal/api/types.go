package api

import (
	"omb-test-runner/internal/pricing"
	"omb-test-runner/internal/session"
	"omb-test-runner/internal/uat"
)

// StartTestRequest launches a test session for a generated module.
type StartTestRequest struct {
	ProjectID     string `json:"project_id"`
	ModuleName    string `json:"module_name"`
	ModuleURL     string `json:"module_url"`
	OdooVersion   int    `json:"odoo_version,omitempty"`
	Specification string `json:"specification,omitempty"`
	QuickMode     bool   `json:"quick_mode,omitempty"`
	UserID        string `json:"user_id,omitempty"`
}

// StartTestResponse acknowledges an accepted session.
type StartTestResponse struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
	Message   string `json:"message"`
}

// StatusResponse is the polled session state. Results appear once the
// session is terminal.
type StatusResponse struct {
	session.Session
}

// StartUATRequest launches an acceptance session.
type StartUATRequest struct {
	ProjectID   string `json:"project_id"`
	ModuleName  string `json:"module_name"`
	ModuleURL   string `json:"module_url"`
	OdooVersion int    `json:"odoo_version,omitempty"`
	UserID      string `json:"user_id,omitempty"`
}

// StartUATResponse acknowledges an accepted acceptance session; setup
// continues in the background.
type StartUATResponse struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
	Message   string `json:"message"`
}

// UATSessionResponse augments the session with the derived countdown.
type UATSessionResponse struct {
	uat.Session
	TimeRemainingSeconds int64 `json:"time_remaining_seconds"`
}

// PricingRequest prices a module bundle against its specification.
type PricingRequest struct {
	Files         map[string]string `json:"files"`
	Specification string            `json:"specification,omitempty"`
	FixAttempts   int               `json:"fix_attempts,omitempty"`
}

// PricingResponse is the engine's verdict.
type PricingResponse struct {
	pricing.Result
}

// ErrorResponse is returned for API errors.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id"`
}

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status          string `json:"status"`
	DockerAvailable bool   `json:"docker_available"`
	Database        bool   `json:"database"`
	ActiveSessions  int    `json:"active_sessions"`
	Uptime          string `json:"uptime"`
}
