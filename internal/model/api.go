package model

import (
	"time"
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the envelope for list endpoints.
type ListResponse struct {
	Data  any          `json:"data"`
	Total int          `json:"total"`
	Meta  ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
	ErrCodeUnavailable   = "UNAVAILABLE"
)

// AuthTokenRequest is the request body for POST /auth/token.
type AuthTokenRequest struct {
	AgentID string `json:"agent_id"`
	APIKey  string `json:"api_key"`
}

// AuthTokenResponse is the response for POST /auth/token.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CreateAgentRequest is the request body for POST /v1/agents.
type CreateAgentRequest struct {
	AgentID string    `json:"agent_id"`
	Name    string    `json:"name"`
	Role    AgentRole `json:"role"`
	APIKey  string    `json:"api_key"`
}

// AcceptJobRequest is the request body for POST /v1/jobs/{job_id}/accept.
// It carries the offer terms published by the job board. Timing thresholds
// are not negotiable and come from the authority's configuration.
type AcceptJobRequest struct {
	Cargo                 CargoProfile `json:"cargo"`
	Refrigerated          bool         `json:"refrigerated"`
	StopCount             int          `json:"stop_count"`
	DeliveryWindowSeconds int          `json:"delivery_window_seconds"`
}

// ReportRequest is the request body for POST /v1/jobs/{job_id}/events.
// Only state changes are reported, never raw sensor readings.
type ReportRequest struct {
	Kind        EventKind    `json:"kind"`
	Cause       string       `json:"cause,omitempty"`
	Estimate    int          `json:"estimate,omitempty"`
	ToAgentID   string       `json:"to_agent_id,omitempty"`
	Coordinates *Coordinates `json:"coordinates,omitempty"`
}

// OutcomeRequest is the request body for POST /v1/jobs/{job_id}/outcome,
// used by external collaborators to record rejection or theft.
type OutcomeRequest struct {
	Outcome EventKind `json:"outcome"`
	Note    string    `json:"note,omitempty"`
}

// Outcome is what a caller observes after submitting a report.
type Outcome string

const (
	OutcomeAccepted Outcome = "accepted"
	OutcomeIgnored  Outcome = "ignored"
	OutcomeQueued   Outcome = "queued"
)

// ReportResponse is the body returned for accept, report, and resync calls.
type ReportResponse struct {
	Outcome  Outcome   `json:"outcome"`
	Snapshot *Snapshot `json:"snapshot,omitempty"`
}

// JobEventsResponse is the operator view of a job's event log.
type JobEventsResponse struct {
	Events     []JobEvent `json:"events"`
	ChainValid bool       `json:"chain_valid"`
	MerkleRoot string     `json:"merkle_root,omitempty"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	Storage       string `json:"storage"`
	OpenJobs      int    `json:"open_jobs"`
	UnhealthyJobs int    `json:"unhealthy_jobs"`
	AuditDepth    int    `json:"audit_depth"`
	Uptime        int64  `json:"uptime_seconds"`
}
