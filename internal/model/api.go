package model

import (
	"time"

	"github.com/google/uuid"
)

// Role is the access level carried by an API token.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleViewer Role = "viewer"
)

// RoleRank returns the numeric rank of a role (higher = more privileges).
func RoleRank(r Role) int {
	switch r {
	case RoleAdmin:
		return 2
	case RoleViewer:
		return 1
	default:
		return 0
	}
}

// RoleAtLeast returns true if role r has at least the privileges of minRole.
func RoleAtLeast(r, minRole Role) bool {
	return RoleRank(r) >= RoleRank(minRole)
}

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the standard envelope for paginated list endpoints.
type ListResponse struct {
	Data    any          `json:"data"`
	HasMore bool         `json:"has_more"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
	Meta    ResponseMeta `json:"meta"`
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
	APIKey string `json:"api_key"`
	// Subject names the caller in audit fields (resolved_by, submitted_by).
	Subject string `json:"subject"`
}

// AuthTokenResponse is returned by POST /auth/token.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// UpdateInsightStatusRequest is the body for PATCH /v1/insights/{id}/status.
type UpdateInsightStatusRequest struct {
	Status InsightStatus `json:"status"`
}

// RecordOutcomeRequest is the body for POST /v1/actions/{id}/outcome.
type RecordOutcomeRequest struct {
	MetricsAfter map[string]float64 `json:"metrics_after"`
}

// ResolveAlertRequest is the body for POST /v1/alerts/{id}/resolve.
type ResolveAlertRequest struct {
	Notes           string `json:"notes"`
	IsFalsePositive bool   `json:"is_false_positive"`
}

// FeedbackRequest is the body for POST /v1/decisions/{id}/feedback.
type FeedbackRequest struct {
	Kind    FeedbackKind `json:"kind"`
	Comment string       `json:"comment"`
}

// TriggerRunRequest is the body for POST /v1/runs. A nil AsOf means today.
type TriggerRunRequest struct {
	AsOf *time.Time `json:"as_of,omitempty"`
}

// TriggerRunResponse identifies a run started through the API.
type TriggerRunResponse struct {
	RunID uuid.UUID `json:"run_id"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Postgres string `json:"postgres"`
	Uptime   int64  `json:"uptime_seconds"`
}
