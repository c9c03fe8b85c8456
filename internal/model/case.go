// Package model defines the core domain types for Hanrei.
//
// All types correspond directly to database tables, court stage payloads
// and API envelopes. Types use strong typing (UUIDs, time.Time, enums)
// and avoid interface{} wherever possible.
package model

import (
	"time"

	"github.com/google/uuid"
)

// ActorType identifies who produced a case event.
type ActorType string

const (
	ActorHuman  ActorType = "human"
	ActorAI     ActorType = "ai"
	ActorTool   ActorType = "tool"
	ActorSystem ActorType = "system"
)

// CaseEventType is the category of an append-only case event.
type CaseEventType string

const (
	EventModelCall   CaseEventType = "model_call"
	EventModelResult CaseEventType = "model_result"
	EventArtifact    CaseEventType = "artifact"
	EventError       CaseEventType = "error"
	EventFeedback    CaseEventType = "feedback"
	EventAgentOutput CaseEventType = "agent_output"
)

// Case is a single agent decision under review by the court.
// Created once; appended to via events only.
type Case struct {
	ID                     uuid.UUID      `json:"id"`
	Source                 map[string]any `json:"source"`
	Metadata               map[string]any `json:"metadata,omitempty"`
	Result                 map[string]any `json:"result,omitempty"`
	Feedback               map[string]any `json:"feedback,omitempty"`
	Summary                string         `json:"summary,omitempty"`
	Status                 string         `json:"status"`
	RedactionPolicyVersion string         `json:"redaction_policy_version"`
	CreatedAt              time.Time      `json:"created_at"`
}

// CaseEvent is an append-only journal entry for a case.
// Ordering within a case is (ts, seq); seq is assigned at append time.
type CaseEvent struct {
	ID         uuid.UUID      `json:"id"`
	CaseID     uuid.UUID      `json:"case_id"`
	CourtRunID *uuid.UUID     `json:"court_run_id,omitempty"`
	TS         time.Time      `json:"ts"`
	Seq        int64          `json:"seq"`
	IngestedAt time.Time      `json:"ingested_at"`
	ActorType  ActorType      `json:"actor_type"`
	ActorID    string         `json:"actor_id"`
	Role       string         `json:"role,omitempty"`
	EventType  CaseEventType  `json:"event_type"`
	Content    string         `json:"content"`
	Meta       map[string]any `json:"meta,omitempty"`
	Usage      map[string]any `json:"usage,omitempty"`
}

// CourtRunStatus is the lifecycle state of a court run.
type CourtRunStatus string

const (
	CourtRunRunning             CourtRunStatus = "running"
	CourtRunCompleted           CourtRunStatus = "completed"
	CourtRunCompletedWithErrors CourtRunStatus = "completed_with_errors"
	CourtRunFailed              CourtRunStatus = "failed"
)

// CourtRun is one pass of the four-stage court over a case.
// Exactly one row per orchestrator invocation; finalized once.
type CourtRun struct {
	ID        uuid.UUID      `json:"id"`
	CaseID    uuid.UUID      `json:"case_id"`
	Model     string         `json:"model"`
	StartedAt time.Time      `json:"started_at"`
	EndedAt   *time.Time     `json:"ended_at,omitempty"`
	Status    CourtRunStatus `json:"status"`
	Artifacts map[string]any `json:"artifacts,omitempty"`
}

// Judgement is the judge's decision JSON for a court run.
type Judgement struct {
	ID         uuid.UUID      `json:"id"`
	CourtRunID uuid.UUID      `json:"court_run_id"`
	CaseID     uuid.UUID      `json:"case_id"`
	Decision   map[string]any `json:"decision"`
	CreatedAt  time.Time      `json:"created_at"`
}
