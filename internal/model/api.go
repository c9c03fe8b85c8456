package model

import (
	"time"

	"github.com/google/uuid"
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the standard envelope for list endpoints.
type ListResponse struct {
	Data  any          `json:"data"`
	Count int          `json:"count"`
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
	ErrCodeRateLimited   = "RATE_LIMITED"
	ErrCodeInternalError = "INTERNAL_ERROR"
)

// SearchAPIRequest is the request body for POST /api/search.
type SearchAPIRequest struct {
	Query string `json:"query"`
	Repo  string `json:"repo,omitempty"`
	Mode  string `json:"mode,omitempty"` // "hybrid" (default), "keyword", or "vector"
	Limit int    `json:"limit,omitempty"`
}

// AnalyzeIssueRequest is the request body for POST /api/agents/analyze.
type AnalyzeIssueRequest struct {
	Number int      `json:"number"`
	Title  string   `json:"title"`
	Body   string   `json:"body"`
	Labels []string `json:"labels,omitempty"`
}

// DraftResponseRequest is the request body for POST /api/agents/response.
type DraftResponseRequest struct {
	Issue AnalyzeIssueRequest `json:"issue"`
}

// AgentRunRequest is the request body for POST /api/agents/run: triage an
// issue end to end (analyze, recommend an assignee, draft a response) and
// record the whole run as a case.
type AgentRunRequest struct {
	Repo  string              `json:"repo"`
	Issue AnalyzeIssueRequest `json:"issue"`
}

// CreateCaseRequest is the request body for POST /api/court/cases.
type CreateCaseRequest struct {
	Source   map[string]any `json:"source"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Result   map[string]any `json:"result,omitempty"`
	Summary  string         `json:"summary,omitempty"`
}

// CourtRunRequest is the request body for POST /api/court/run.
type CourtRunRequest struct {
	CaseID uuid.UUID `json:"case_id"`
}

// ReviewPromptUpdateRequest is the request body for
// POST /api/court/prompt-updates/{id}/review.
type ReviewPromptUpdateRequest struct {
	Approve bool   `json:"approve"`
	Comment string `json:"comment,omitempty"`
}

// TokenRequest is the request body for POST /auth/token.
type TokenRequest struct {
	Name   string `json:"name"`
	Role   string `json:"role"`
	APIKey string `json:"api_key"`
}

// TokenResponse is the response body for POST /auth/token.
type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}
