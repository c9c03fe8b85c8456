package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/ashita-ai/hanrei/internal/agent"
	"github.com/ashita-ai/hanrei/internal/model"
	"github.com/ashita-ai/hanrei/internal/storage"
)

// AgentRunner drives the heuristic devrel pipeline over stored contributor
// stats and records each full run as a case so the court can review it.
type AgentRunner struct {
	db     *storage.DB
	logger *slog.Logger
}

// NewAgentRunner creates an AgentRunner.
func NewAgentRunner(db *storage.DB, logger *slog.Logger) *AgentRunner {
	return &AgentRunner{db: db, logger: logger.With("component", "agents")}
}

// AgentRunOutput is the result of a full triage run.
type AgentRunOutput struct {
	CaseID     string               `json:"case_id"`
	Analysis   agent.IssueAnalysis  `json:"analysis"`
	Assignment *agent.Assignment    `json:"assignment,omitempty"`
	Response   agent.Draft          `json:"response"`
	Promotions []promotionCandidate `json:"promotions,omitempty"`
}

type promotionCandidate struct {
	Login     string          `json:"login"`
	Promotion agent.Promotion `json:"promotion"`
}

// Run triages one issue end to end: analyze, recommend an assignee from the
// repo's contributor stats, draft a response, and surface any promotion
// candidates. The run is journaled as a case with one artifact event per step.
func (a *AgentRunner) Run(ctx context.Context, repo string, issue agent.Issue) (AgentRunOutput, error) {
	analysis := agent.AnalyzeIssue(issue)

	var (
		assignment   *agent.Assignment
		contributors []agent.Contributor
	)
	stats, err := a.db.ListContributorStats(ctx, repo)
	if err != nil {
		return AgentRunOutput{}, fmt.Errorf("server: agent run: contributor stats: %w", err)
	}
	for _, s := range stats {
		contributors = append(contributors, agent.ContributorFromStats(s))
	}
	if len(contributors) > 0 {
		rec := agent.RecommendAssignee(analysis, contributors, 3)
		assignment = &rec
	}

	draft := agent.DraftResponse(issue, analysis)

	var promotions []promotionCandidate
	for _, c := range contributors {
		p := agent.EvaluatePromotion(c)
		if p.IsCandidate {
			promotions = append(promotions, promotionCandidate{Login: c.Login, Promotion: p})
		}
	}

	out := AgentRunOutput{
		Analysis:   analysis,
		Assignment: assignment,
		Response:   draft,
		Promotions: promotions,
	}

	caseID, err := a.record(ctx, repo, issue, out)
	if err != nil {
		return AgentRunOutput{}, err
	}
	out.CaseID = caseID
	a.logger.Info("agent run recorded",
		"case_id", caseID, "repo", repo, "issue", issue.Number, "type", analysis.IssueType)
	return out, nil
}

// record journals the run as a case: the issue as source, the final output
// as result, one artifact event per pipeline step.
func (a *AgentRunner) record(ctx context.Context, repo string, issue agent.Issue, out AgentRunOutput) (string, error) {
	c, err := a.db.CreateCase(ctx, model.Case{
		Source: map[string]any{
			"kind":   "agent_run",
			"repo":   repo,
			"issue":  issue.Number,
			"title":  issue.Title,
			"labels": issue.Labels,
		},
		Summary: fmt.Sprintf("Agent triage of %s#%d: %s", repo, issue.Number, issue.Title),
		Status:  "closed",
	})
	if err != nil {
		return "", fmt.Errorf("server: agent run: create case: %w", err)
	}

	steps := []struct {
		name    string
		payload any
	}{
		{"analysis", out.Analysis},
		{"assignment", out.Assignment},
		{"response", out.Response},
		{"promotions", out.Promotions},
	}
	for _, step := range steps {
		if _, err := a.db.AppendCaseEvent(ctx, model.CaseEvent{
			CaseID:    c.ID,
			EventType: model.EventArtifact,
			ActorType: model.ActorAI,
			ActorID:   "devrel_agent",
			Content:   step.name + " produced",
			Meta:      map[string]any{"step": step.name, "output": step.payload},
		}); err != nil {
			return "", fmt.Errorf("server: agent run: journal %s: %w", step.name, err)
		}
	}
	return c.ID.String(), nil
}

func issueFromRequest(req model.AnalyzeIssueRequest) agent.Issue {
	return agent.Issue{
		Number: req.Number,
		Title:  req.Title,
		Body:   req.Body,
		Labels: req.Labels,
	}
}

// HandleAnalyzeIssue responds to POST /api/agents/analyze.
func (h *Handlers) HandleAnalyzeIssue(w http.ResponseWriter, r *http.Request) {
	h.limitBody(w, r)

	var req model.AnalyzeIssueRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if req.Title == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "issue title is required")
		return
	}
	writeJSON(w, r, http.StatusOK, agent.AnalyzeIssue(issueFromRequest(req)))
}

// HandleDraftResponse responds to POST /api/agents/response.
func (h *Handlers) HandleDraftResponse(w http.ResponseWriter, r *http.Request) {
	h.limitBody(w, r)

	var req model.DraftResponseRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if req.Issue.Title == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "issue title is required")
		return
	}
	issue := issueFromRequest(req.Issue)
	analysis := agent.AnalyzeIssue(issue)
	writeJSON(w, r, http.StatusOK, map[string]any{
		"analysis": analysis,
		"draft":    agent.DraftResponse(issue, analysis),
	})
}

// HandleAgentRun responds to POST /api/agents/run.
func (h *Handlers) HandleAgentRun(w http.ResponseWriter, r *http.Request) {
	if h.agents == nil {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "agent runs are not configured")
		return
	}
	h.limitBody(w, r)

	var req model.AgentRunRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if req.Repo == "" || req.Issue.Title == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "repo and issue title are required")
		return
	}

	out, err := h.agents.Run(r.Context(), req.Repo, issueFromRequest(req.Issue))
	if err != nil {
		h.logger.Error("agent run failed", "error", err, "request_id", RequestIDFromContext(r.Context()))
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "agent run failed")
		return
	}
	writeJSON(w, r, http.StatusOK, out)
}
