package model

import (
	"time"

	"github.com/google/uuid"
)

// PromptUpdateStatus is the review state of a prompt-update proposal.
// Transitions are monotonic: proposed → approved | rejected; approved → applied.
type PromptUpdateStatus string

const (
	PromptProposed PromptUpdateStatus = "proposed"
	PromptApproved PromptUpdateStatus = "approved"
	PromptRejected PromptUpdateStatus = "rejected"
	PromptApplied  PromptUpdateStatus = "applied"
)

// PromptUpdate is a judge-proposed change to a role's system prompt.
type PromptUpdate struct {
	ID               uuid.UUID          `json:"id"`
	CaseID           *uuid.UUID         `json:"case_id,omitempty"`
	AgentID          string             `json:"agent_id,omitempty"`
	Role             string             `json:"role"`
	FromVersion      *int               `json:"from_version,omitempty"`
	Proposal         string             `json:"proposal"`
	Reason           string             `json:"reason,omitempty"`
	Status           PromptUpdateStatus `json:"status"`
	ReviewComment    string             `json:"review_comment,omitempty"`
	ApprovedBy       string             `json:"approved_by,omitempty"`
	ApprovedAt       *time.Time         `json:"approved_at,omitempty"`
	AppliedAt        *time.Time         `json:"applied_at,omitempty"`
	EvidenceEventIDs []uuid.UUID        `json:"evidence_event_ids,omitempty"`
	CreatedAt        time.Time          `json:"created_at"`
}

// RolePrompt is one immutable version of a role's system prompt.
// At most one row per role has IsActive=true.
type RolePrompt struct {
	ID        uuid.UUID `json:"id"`
	Role      string    `json:"role"`
	Version   int       `json:"version"`
	Prompt    string    `json:"prompt"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}
