package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ashita-ai/hanrei/internal/model"
)

// selectConfidence is the judge heuristic's cutoff for adopting a
// candidate lesson outright instead of deferring it.
const selectConfidence = 0.6

// HeuristicRunner produces deterministic stage outputs from the case
// record alone. It is the default when no OPENAI_API_KEY is configured,
// and it keeps the orchestrator testable without network access.
type HeuristicRunner struct{}

// NewHeuristicRunner returns the credential-free stage runner.
func NewHeuristicRunner() *HeuristicRunner { return &HeuristicRunner{} }

func (r *HeuristicRunner) Run(ctx context.Context, stage model.Stage, input map[string]any, _ Tools) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	var out any
	switch stage {
	case model.StageProsecutor:
		out = r.prosecute(input)
	case model.StageDefense:
		out = r.defend(input)
	case model.StageJury:
		out = r.deliberate(input)
	case model.StageJudge:
		out = r.judge(input)
	default:
		return Result{}, fmt.Errorf("agent: unknown stage %q", stage)
	}

	raw, err := json.Marshal(out)
	if err != nil {
		return Result{}, fmt.Errorf("agent: encode %s output: %w", stage, err)
	}
	return Result{
		Output: raw,
		Meta:   map[string]any{"runner": "heuristic"},
	}, nil
}

func (r *HeuristicRunner) prosecute(input map[string]any) model.ProsecutorOutput {
	out := model.ProsecutorOutput{Criticisms: []string{}, CandidateLessons: []model.CandidateLesson{}}
	role := caseRole(input)
	for _, ev := range inputEvents(input) {
		if eventType(ev) != "error" {
			continue
		}
		out.Criticisms = append(out.Criticisms,
			fmt.Sprintf("An error was recorded: %s", eventContent(ev)))
		out.CandidateLessons = append(out.CandidateLessons, model.CandidateLesson{
			Role:             role,
			Polarity:         model.PolarityDont,
			Title:            "Avoid repeating a recorded failure",
			Content:          fmt.Sprintf("A run step failed with: %s. Check preconditions before retrying the same action.", eventContent(ev)),
			Rationale:        "The journal contains an explicit error event.",
			Confidence:       0.7,
			EvidenceEventIDs: eventIDs(ev),
		})
	}
	if len(out.Criticisms) == 0 {
		out.Criticisms = append(out.Criticisms,
			"No explicit errors recorded; verify that successes were independently confirmed rather than assumed.")
	}
	return out
}

func (r *HeuristicRunner) defend(input map[string]any) model.DefenseOutput {
	out := model.DefenseOutput{Praises: []string{}, CandidateLessons: []model.CandidateLesson{}}
	role := caseRole(input)

	completed := 0
	for _, ev := range inputEvents(input) {
		if eventType(ev) == "model_result" {
			completed++
		}
	}
	if completed > 0 {
		out.Praises = append(out.Praises,
			fmt.Sprintf("Completed %d recorded step(s) with results captured in the journal.", completed))
		out.CandidateLessons = append(out.CandidateLessons, model.CandidateLesson{
			Role:       role,
			Polarity:   model.PolarityDo,
			Title:      "Record step results in the journal",
			Content:    "Each completed step left a result event, which made this review possible. Keep journaling results.",
			Rationale:  "The timeline contains result events for completed steps.",
			Confidence: 0.6,
		})
	} else {
		out.Praises = append(out.Praises, "The case record exists and is reviewable.")
	}
	return out
}

func (r *HeuristicRunner) deliberate(input map[string]any) model.JuryOutput {
	out := model.JuryOutput{
		Observations:     []string{},
		Risks:            []string{},
		MissingInfo:      []string{},
		CandidateLessons: []model.CandidateLesson{},
	}

	events := inputEvents(input)
	out.Observations = append(out.Observations,
		fmt.Sprintf("The case timeline contains %d event(s).", len(events)))

	errored := 0
	for _, ev := range events {
		if eventType(ev) == "error" {
			errored++
		}
	}
	if errored > 0 {
		out.Risks = append(out.Risks,
			fmt.Sprintf("%d error event(s) present; the run may have partially failed.", errored))
	}

	if c, ok := input["case"].(map[string]any); ok {
		if s, _ := c["feedback"].(string); s == "" {
			out.MissingInfo = append(out.MissingInfo,
				"No user feedback is attached to the case; the outcome quality is unverified.")
		}
		if s, _ := c["summary"].(string); s == "" {
			out.MissingInfo = append(out.MissingInfo, "The case has no summary.")
		}
	}
	return out
}

func (r *HeuristicRunner) judge(input map[string]any) model.JudgeOutput {
	out := model.JudgeOutput{
		SelectedLessons:       []model.CandidateLesson{},
		DeferredLessons:       []model.DeferredLesson{},
		PromptUpdateProposals: []model.PromptUpdateProposal{},
	}

	stageOutputs, _ := input["stage_outputs"].(map[string]any)
	seen := map[string]bool{}
	for _, stage := range []string{"prosecutor", "defense", "jury"} {
		raw, ok := stageOutputs[stage].(map[string]any)
		if !ok {
			continue
		}
		for _, l := range decodeCandidates(raw["candidate_lessons"]) {
			if seen[l.Title] {
				continue
			}
			seen[l.Title] = true
			if l.Confidence >= selectConfidence {
				out.SelectedLessons = append(out.SelectedLessons, l)
			} else {
				out.DeferredLessons = append(out.DeferredLessons, model.DeferredLesson{
					Lesson: l,
					Reason: fmt.Sprintf("confidence %.2f below %.2f cutoff", l.Confidence, selectConfidence),
				})
			}
		}
	}
	return out
}

func decodeCandidates(v any) []model.CandidateLesson {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var lessons []model.CandidateLesson
	if err := json.Unmarshal(raw, &lessons); err != nil {
		return nil
	}
	return lessons
}

func inputEvents(input map[string]any) []map[string]any {
	raw, ok := input["events"].([]any)
	if !ok {
		// Already-typed slices show up when the orchestrator passes its
		// own context through without a JSON round trip.
		if typed, ok := input["events"].([]map[string]any); ok {
			return typed
		}
		return nil
	}
	events := make([]map[string]any, 0, len(raw))
	for _, e := range raw {
		if m, ok := e.(map[string]any); ok {
			events = append(events, m)
		}
	}
	return events
}

func eventType(ev map[string]any) string {
	s, _ := ev["event_type"].(string)
	return s
}

func eventContent(ev map[string]any) string {
	s, _ := ev["content"].(string)
	return s
}

func eventIDs(ev map[string]any) []string {
	if id, ok := ev["id"].(string); ok && id != "" {
		return []string{id}
	}
	return nil
}

func caseRole(input map[string]any) string {
	if c, ok := input["case"].(map[string]any); ok {
		if s, _ := c["source"].(string); s != "" {
			return s
		}
	}
	return "assistant"
}
