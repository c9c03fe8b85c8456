package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ashita-ai/hanrei/internal/model"
	"github.com/ashita-ai/hanrei/internal/storage"
)

// PromptSource resolves the active system prompt for a court role.
// *storage.DB satisfies it.
type PromptSource interface {
	GetActiveRolePrompt(ctx context.Context, role string) (model.RolePrompt, error)
}

// LLMRunner produces stage outputs by calling the chat completions API
// with the role's active prompt as the system message.
type LLMRunner struct {
	llm     *LLMClient
	prompts PromptSource
	logger  *slog.Logger
}

// NewLLMRunner wires an LLM-backed stage runner.
func NewLLMRunner(llm *LLMClient, prompts PromptSource, logger *slog.Logger) *LLMRunner {
	return &LLMRunner{
		llm:     llm,
		prompts: prompts,
		logger:  logger.With("component", "agent"),
	}
}

func (r *LLMRunner) Run(ctx context.Context, stage model.Stage, input map[string]any, tools Tools) (Result, error) {
	system, err := r.systemPrompt(ctx, stage)
	if err != nil {
		return Result{}, err
	}

	// Give the model prior lessons for its role so judgements accumulate.
	enriched := input
	if tools != nil {
		if query := caseSummary(input); query != "" {
			lessons, err := tools.SearchLessons(ctx, string(stage), query, 5)
			if err != nil {
				r.logger.Warn("lesson lookup failed, continuing without",
					"stage", string(stage), "error", err)
			} else if len(lessons) > 0 {
				enriched = make(map[string]any, len(input)+1)
				for k, v := range input {
					enriched[k] = v
				}
				enriched["prior_lessons"] = lessons
			}
		}
	}

	user, err := json.Marshal(enriched)
	if err != nil {
		return Result{}, fmt.Errorf("agent: encode %s input: %w", stage, err)
	}

	// Task(stage) resolves per-stage env overrides (OPENAI_MODEL_PROSECUTOR
	// etc.); unknown tasks fall back to the judge's default model.
	raw, usage, err := r.llm.GenerateJSON(ctx, Task(stage), system, string(user))
	if err != nil {
		return Result{}, err
	}
	return Result{
		Output: raw,
		Usage:  usage,
		Meta:   map[string]any{"runner": "llm", "model": usage["model"]},
	}, nil
}

func (r *LLMRunner) systemPrompt(ctx context.Context, stage model.Stage) (string, error) {
	rp, err := r.prompts.GetActiveRolePrompt(ctx, string(stage))
	switch {
	case err == nil:
		return rp.Prompt, nil
	case errors.Is(err, storage.ErrNotFound):
		return DefaultStagePrompt(stage), nil
	default:
		return "", fmt.Errorf("agent: load prompt for %s: %w", stage, err)
	}
}

// caseSummary pulls a lesson-search query out of the stage input.
func caseSummary(input map[string]any) string {
	c, ok := input["case"].(map[string]any)
	if !ok {
		return ""
	}
	if s, ok := c["summary"].(string); ok && s != "" {
		return s
	}
	if s, ok := c["source"].(string); ok {
		return s
	}
	return ""
}
