// Package agent holds the court stage runners and the deterministic
// devrel heuristics. A Runner produces one stage's output; the court
// orchestrator owns fan-out, journaling, and persistence.
package agent

import (
	"context"
	"encoding/json"

	"github.com/ashita-ai/hanrei/internal/model"
)

// Tools is the tool surface handed to a stage runner. Every return value
// has already passed the redaction guard; runners never see raw payloads.
type Tools interface {
	// GetCase returns the case under review.
	GetCase(ctx context.Context) (map[string]any, error)
	// ListCaseEvents returns the case timeline, oldest first.
	ListCaseEvents(ctx context.Context, limit int) ([]map[string]any, error)
	// SearchLessons returns prior lessons for the role nearest to the query.
	SearchLessons(ctx context.Context, role, query string, k int) ([]map[string]any, error)
}

// Result is one stage's raw outcome before schema validation.
type Result struct {
	// Output is the stage payload, decodable by model.ParseStageOutput.
	Output json.RawMessage
	// Usage carries token accounting when an LLM produced the output.
	Usage map[string]any
	// Meta carries runner-specific details for the journal.
	Meta map[string]any
}

// Runner produces the output for a single court stage. Implementations
// must be safe for concurrent use; the fan-out stages run in parallel.
type Runner interface {
	Run(ctx context.Context, stage model.Stage, input map[string]any, tools Tools) (Result, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, stage model.Stage, input map[string]any, tools Tools) (Result, error)

func (f RunnerFunc) Run(ctx context.Context, stage model.Stage, input map[string]any, tools Tools) (Result, error) {
	return f(ctx, stage, input, tools)
}
