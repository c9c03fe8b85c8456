// Package court runs the four-stage retrospective court over a case:
// prosecutor, defense and jury fan out concurrently, then the judge
// rules on their outputs. Every step is journaled as case events and
// the whole run is finalized exactly once.
package court

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/hanrei/internal/agent"
	"github.com/ashita-ai/hanrei/internal/lesson"
	"github.com/ashita-ai/hanrei/internal/model"
	"github.com/ashita-ai/hanrei/internal/redact"
)

// maxContextEvents caps how much of the timeline is handed to the stages.
const maxContextEvents = 200

// Store is the persistence surface the orchestrator needs. *storage.DB
// satisfies it.
type Store interface {
	GetCase(ctx context.Context, id uuid.UUID) (model.Case, error)
	ListCaseEvents(ctx context.Context, caseID uuid.UUID, limit int) ([]model.CaseEvent, error)
	AppendCaseEvent(ctx context.Context, ev model.CaseEvent) (model.CaseEvent, error)
	CreateCourtRun(ctx context.Context, caseID uuid.UUID, courtModel string) (model.CourtRun, error)
	FinishCourtRun(ctx context.Context, id uuid.UUID, status model.CourtRunStatus, artifacts map[string]any) error
	GetCourtRun(ctx context.Context, id uuid.UUID) (model.CourtRun, error)
	InsertJudgement(ctx context.Context, j model.Judgement) (model.Judgement, error)
	InsertPromptUpdate(ctx context.Context, u model.PromptUpdate) (model.PromptUpdate, error)
}

// Lessons is the lesson persistence surface. *lesson.Service satisfies it.
type Lessons interface {
	Assert(ctx context.Context, l model.Lesson) (model.Lesson, error)
	Search(ctx context.Context, role, query string, k int) ([]model.LessonHit, error)
	FindDuplicateCandidates(ctx context.Context, l model.Lesson, k int) ([]model.LessonHit, error)
}

var _ Lessons = (*lesson.Service)(nil)

// StreamEventType names a progress notification emitted during a run.
type StreamEventType string

const (
	StreamStart         StreamEventType = "start"
	StreamStageStart    StreamEventType = "stage_start"
	StreamStageComplete StreamEventType = "stage_complete"
	StreamComplete      StreamEventType = "complete"
)

// StreamEvent is one progress notification; Stage is empty for run-level
// events and Error carries the stage failure, already redacted.
type StreamEvent struct {
	Type   StreamEventType      `json:"type"`
	RunID  uuid.UUID            `json:"run_id"`
	CaseID uuid.UUID            `json:"case_id"`
	Stage  model.Stage          `json:"stage,omitempty"`
	Status model.CourtRunStatus `json:"status,omitempty"`
	Error  string               `json:"error,omitempty"`
}

// Orchestrator drives court runs.
type Orchestrator struct {
	store   Store
	lessons Lessons
	runner  agent.Runner
	policy  *redact.Policy
	label   string
	logger  *slog.Logger
}

// New wires an orchestrator. label names the model recorded on each run
// (a model id for LLM runners, "heuristic" otherwise).
func New(store Store, lessons Lessons, runner agent.Runner, policy *redact.Policy, label string, logger *slog.Logger) *Orchestrator {
	if label == "" {
		label = "heuristic"
	}
	return &Orchestrator{
		store:   store,
		lessons: lessons,
		runner:  runner,
		policy:  policy,
		label:   label,
		logger:  logger.With("component", "court"),
	}
}

// RunResult is the outcome of one court run.
type RunResult struct {
	Run       model.CourtRun
	Judgement *model.Judgement
}

// stageResult is one stage's journaled outcome inside a run.
type stageResult struct {
	output model.StageOutput
	raw    map[string]any
	usage  map[string]any
	err    error
}

// Run executes the full court over a case. Stage failures are isolated:
// the run completes with status completed_with_errors rather than
// aborting. Context cancellation finalizes the run as failed.
func (o *Orchestrator) Run(ctx context.Context, caseID uuid.UUID, stream func(StreamEvent)) (RunResult, error) {
	emit := func(ev StreamEvent) {
		if stream != nil {
			stream(ev)
		}
	}

	c, err := o.store.GetCase(ctx, caseID)
	if err != nil {
		return RunResult{}, fmt.Errorf("court: load case: %w", err)
	}
	events, err := o.store.ListCaseEvents(ctx, caseID, maxContextEvents)
	if err != nil {
		return RunResult{}, fmt.Errorf("court: load case events: %w", err)
	}

	run, err := o.store.CreateCourtRun(ctx, caseID, o.label)
	if err != nil {
		return RunResult{}, fmt.Errorf("court: create run: %w", err)
	}
	emit(StreamEvent{Type: StreamStart, RunID: run.ID, CaseID: caseID})

	baseContext := map[string]any{
		"case":   o.redactedMap(c),
		"events": o.redactedSlice(events),
	}
	validEventIDs := map[string]bool{}
	for _, ev := range events {
		validEventIDs[ev.ID.String()] = true
	}
	tools := newCourtTools(o.store, o.lessons, o.policy, caseID)

	// Prosecutor, defense and jury see the same context and run in
	// parallel; one seat failing never blocks the others.
	var mu sync.Mutex
	results := map[model.Stage]*stageResult{}
	var g errgroup.Group
	for _, stage := range model.FanoutStages {
		g.Go(func() error {
			emit(StreamEvent{Type: StreamStageStart, RunID: run.ID, CaseID: caseID, Stage: stage})
			res := o.runStage(ctx, run, stage, baseContext, tools)
			mu.Lock()
			results[stage] = res
			mu.Unlock()
			emit(StreamEvent{
				Type: StreamStageComplete, RunID: run.ID, CaseID: caseID,
				Stage: stage, Error: errString(res.err),
			})
			return nil
		})
	}
	_ = g.Wait()

	stageOutputs := map[string]any{}
	stageErrors := map[string]any{}
	usage := map[string]any{}
	for _, stage := range model.FanoutStages {
		res := results[stage]
		if res.err != nil {
			stageErrors[string(stage)] = o.policy.RedactString(res.err.Error())
			continue
		}
		stageOutputs[string(stage)] = res.raw
		if res.usage != nil {
			usage[string(stage)] = res.usage
		}
	}

	judgeInput := map[string]any{
		"case":          baseContext["case"],
		"events":        baseContext["events"],
		"stage_outputs": stageOutputs,
		"stage_errors":  stageErrors,
	}
	emit(StreamEvent{Type: StreamStageStart, RunID: run.ID, CaseID: caseID, Stage: model.StageJudge})
	judge := o.runStage(ctx, run, model.StageJudge, judgeInput, tools)
	emit(StreamEvent{
		Type: StreamStageComplete, RunID: run.ID, CaseID: caseID,
		Stage: model.StageJudge, Error: errString(judge.err),
	})
	if judge.usage != nil {
		usage[string(model.StageJudge)] = judge.usage
	}

	errorsBlob := map[string]any{}
	for k, v := range stageErrors {
		errorsBlob[k] = v
	}
	if judge.err != nil {
		errorsBlob[string(model.StageJudge)] = o.policy.RedactString(judge.err.Error())
	}

	var judgement *model.Judgement
	var duplicateLessons map[string]any
	if judge.err == nil && judge.output.Judge != nil {
		// Everything below derives from the judge's ruling; none of it
		// happens when the judge failed.
		finalizeCtx := context.WithoutCancel(ctx)
		j, dups, persistErrs := o.persistRuling(finalizeCtx, run, c, *judge.output.Judge, validEventIDs)
		judgement = j
		duplicateLessons = dups
		for i, e := range persistErrs {
			errorsBlob[fmt.Sprintf("persistence[%d]", i)] = o.policy.RedactString(e)
		}
	}

	stages := map[string]any{
		"prosecutor": stageValue(results[model.StageProsecutor]),
		"defense":    stageValue(results[model.StageDefense]),
		"jury":       stageValue(results[model.StageJury]),
		"judge":      stageValue(judge),
	}
	artifacts := map[string]any{
		"context": baseContext,
		"stages":  stages,
		"errors":  errorsBlob,
		"usage":   usage,
	}
	if len(duplicateLessons) > 0 {
		artifacts["duplicate_lessons"] = duplicateLessons
	}

	status := model.CourtRunCompleted
	if len(errorsBlob) > 0 {
		status = model.CourtRunCompletedWithErrors
	}
	if ctx.Err() != nil {
		status = model.CourtRunFailed
	}

	finalizeCtx := context.WithoutCancel(ctx)
	if err := o.store.FinishCourtRun(finalizeCtx, run.ID, status, artifacts); err != nil {
		return RunResult{}, fmt.Errorf("court: finalize run: %w", err)
	}
	o.journal(finalizeCtx, run, model.CaseEvent{
		ActorType: model.ActorSystem,
		ActorID:   "court_orchestrator",
		EventType: model.EventArtifact,
		Content:   "Court run finished",
		Meta:      map[string]any{"artifacts": artifacts, "status": string(status)},
	})

	run, err = o.store.GetCourtRun(finalizeCtx, run.ID)
	if err != nil {
		return RunResult{}, fmt.Errorf("court: reload run: %w", err)
	}
	emit(StreamEvent{Type: StreamComplete, RunID: run.ID, CaseID: caseID, Status: status})
	o.logger.Info("court run finished",
		"run_id", run.ID, "case_id", caseID, "status", string(status))
	return RunResult{Run: run, Judgement: judgement}, nil
}

// runStage journals one stage's lifecycle around the runner call.
func (o *Orchestrator) runStage(ctx context.Context, run model.CourtRun, stage model.Stage, input map[string]any, tools agent.Tools) *stageResult {
	journalCtx := context.WithoutCancel(ctx)
	inputBytes := 0
	if b, err := json.Marshal(input); err == nil {
		inputBytes = len(b)
	}
	o.journal(journalCtx, run, model.CaseEvent{
		ActorType: model.ActorSystem,
		ActorID:   "court_orchestrator",
		EventType: model.EventModelCall,
		Content:   fmt.Sprintf("%s started", stage),
		Meta:      map[string]any{"stage": string(stage), "input_bytes": inputBytes},
	})

	res := &stageResult{}
	agentRes, err := o.runner.Run(ctx, stage, input, tools)
	if err == nil {
		// The output is redacted before it is parsed or journaled, so
		// everything derived from it (events, artifacts, judgement,
		// lessons, prompt proposals) carries placeholders rather than
		// raw secrets. The storage guard remains the last-line check.
		raw := map[string]any{}
		if err = json.Unmarshal(agentRes.Output, &raw); err != nil {
			err = fmt.Errorf("decode %s output: %w", stage, err)
		} else {
			res.raw = redactMap(o.policy, raw)
			var clean []byte
			if clean, err = json.Marshal(res.raw); err == nil {
				res.output, err = model.ParseStageOutput(stage, clean)
			}
		}
	}
	if err != nil {
		res.err = err
		o.journal(journalCtx, run, model.CaseEvent{
			ActorType: model.ActorSystem,
			ActorID:   "court_orchestrator",
			EventType: model.EventError,
			Content:   fmt.Sprintf("%s failed", stage),
			Meta:      map[string]any{"stage": string(stage), "error": o.policy.RedactString(err.Error())},
		})
		return res
	}

	res.usage = agentRes.Usage
	o.journal(journalCtx, run, model.CaseEvent{
		ActorType: model.ActorSystem,
		ActorID:   "court_orchestrator",
		EventType: model.EventModelResult,
		Content:   fmt.Sprintf("%s finished", stage),
		Meta:      redactMap(o.policy, agentRes.Meta),
		Usage:     redactMap(o.policy, agentRes.Usage),
	})
	o.journal(journalCtx, run, model.CaseEvent{
		ActorType: model.ActorAI,
		ActorID:   string(stage),
		Role:      string(stage),
		EventType: model.EventArtifact,
		Content:   fmt.Sprintf("%s output", stage),
		Meta:      map[string]any{"output": res.raw},
	})
	return res
}

// persistRuling stores the judgement, the selected lessons and the prompt
// update proposals. Near-duplicate hits for each asserted lesson are
// reported back for the artifacts blob; dedup is advisory, the lesson is
// still asserted. Failures do not abort the run; they are reported back
// for the artifacts errors blob.
func (o *Orchestrator) persistRuling(ctx context.Context, run model.CourtRun, c model.Case, ruling model.JudgeOutput, validEventIDs map[string]bool) (*model.Judgement, map[string]any, []string) {
	var persistErrs []string

	decision := map[string]any{}
	if b, err := json.Marshal(ruling); err == nil {
		_ = json.Unmarshal(b, &decision)
	}
	j, err := o.store.InsertJudgement(ctx, model.Judgement{
		CourtRunID: run.ID,
		CaseID:     c.ID,
		Decision:   decision,
	})
	var judgement *model.Judgement
	if err != nil {
		persistErrs = append(persistErrs, fmt.Sprintf("judgement: %v", err))
	} else {
		judgement = &j
	}

	duplicates := map[string]any{}
	for _, cand := range ruling.SelectedLessons {
		l := model.Lesson{
			CaseID:           &c.ID,
			Role:             cand.Role,
			Polarity:         cand.Polarity,
			Title:            cand.Title,
			Content:          cand.Content,
			Rationale:        cand.Rationale,
			Confidence:       cand.Confidence,
			Tags:             cand.Tags,
			EvidenceEventIDs: filterEventIDs(cand.EvidenceEventIDs, validEventIDs),
		}
		if hits, err := o.lessons.FindDuplicateCandidates(ctx, l, lesson.DefaultSearchK); err != nil {
			o.logger.Warn("duplicate lesson check failed",
				"run_id", run.ID, "title", cand.Title, "error", err)
		} else if len(hits) > 0 {
			near := make([]map[string]any, 0, len(hits))
			for _, h := range hits {
				near = append(near, map[string]any{
					"lesson_id": h.Lesson.ID, "distance": h.Distance,
				})
			}
			duplicates[cand.Title] = near
		}
		if _, err := o.lessons.Assert(ctx, l); err != nil {
			persistErrs = append(persistErrs, fmt.Sprintf("lesson %q: %v", cand.Title, err))
		}
	}

	for _, p := range ruling.PromptUpdateProposals {
		u := model.PromptUpdate{
			CaseID:           &c.ID,
			AgentID:          p.AgentID,
			Role:             p.Role,
			FromVersion:      p.FromVersion,
			Proposal:         p.Proposal,
			Reason:           p.Reason,
			Status:           model.PromptProposed,
			EvidenceEventIDs: filterEventIDs(p.EvidenceEventIDs, validEventIDs),
		}
		if _, err := o.store.InsertPromptUpdate(ctx, u); err != nil {
			persistErrs = append(persistErrs, fmt.Sprintf("prompt update for %s: %v", p.Role, err))
		}
	}
	if len(duplicates) == 0 {
		duplicates = nil
	}
	return judgement, duplicates, persistErrs
}

// journal appends a run-scoped case event; append failures are logged,
// never fatal to the run.
func (o *Orchestrator) journal(ctx context.Context, run model.CourtRun, ev model.CaseEvent) {
	ev.CaseID = run.CaseID
	ev.CourtRunID = &run.ID
	if _, err := o.store.AppendCaseEvent(ctx, ev); err != nil {
		o.logger.Warn("journal append failed",
			"run_id", run.ID, "event_type", string(ev.EventType), "error", err)
	}
}

func (o *Orchestrator) redactedMap(v any) map[string]any {
	m := toJSONMap(v)
	if red, ok := o.policy.Redact(m).(map[string]any); ok {
		return red
	}
	return m
}

func (o *Orchestrator) redactedSlice(events []model.CaseEvent) []any {
	out := make([]any, 0, len(events))
	for _, ev := range events {
		out = append(out, o.redactedMap(ev))
	}
	return out
}

// filterEventIDs keeps only well-formed ids that actually appeared in the
// run's context; stages cannot cite evidence they were never shown.
func filterEventIDs(ids []string, valid map[string]bool) []uuid.UUID {
	var out []uuid.UUID
	for _, s := range ids {
		if !valid[s] {
			continue
		}
		id, err := uuid.Parse(s)
		if err != nil {
			continue
		}
		out = append(out, id)
	}
	return out
}

func stageValue(res *stageResult) any {
	if res == nil || res.err != nil {
		return nil
	}
	return res.raw
}

func toJSONMap(v any) map[string]any {
	b, err := json.Marshal(v)
	if err != nil {
		return map[string]any{}
	}
	m := map[string]any{}
	_ = json.Unmarshal(b, &m)
	return m
}

func redactMap(p *redact.Policy, m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	if red, ok := p.Redact(m).(map[string]any); ok {
		return red
	}
	return m
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
