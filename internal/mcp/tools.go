package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/hanrei/internal/agent"
	"github.com/ashita-ai/hanrei/internal/model"
	"github.com/ashita-ai/hanrei/internal/search"
)

func (s *Server) registerTools() {
	// hanrei_search — hybrid retrieval over the knowledge base.
	s.mcpServer.AddTool(
		mcplib.NewTool("hanrei_search",
			mcplib.WithDescription(`Search the project knowledge base built from ingested GitHub history.

WHEN TO USE: BEFORE answering a question or drafting an issue response.
The KB holds issue threads, PR discussions, and docs sections; a good
answer cites what the project has already said.

EXAMPLE QUERIES:
- "How is cache invalidation handled?"
- "Past issues about OAuth redirect failures"
- "Where is the rate limit documented?"`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("query",
				mcplib.Description("Natural language search query"),
				mcplib.Required(),
			),
			mcplib.WithString("repo",
				mcplib.Description("Optional: restrict to one repository (owner/name)"),
			),
			mcplib.WithString("mode",
				mcplib.Description("Retrieval mode: hybrid (default), keyword, or vector"),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum results to return"),
				mcplib.Min(1),
				mcplib.Max(50),
				mcplib.DefaultNumber(10),
			),
		),
		s.handleSearchTool,
	)

	// hanrei_lessons — role-scoped lessons distilled by the court.
	s.mcpServer.AddTool(
		mcplib.NewTool("hanrei_lessons",
			mcplib.WithDescription(`Retrieve lessons the court distilled from past agent sessions.

WHEN TO USE: Before repeating a kind of task the agents have done before.
Lessons are do/don't guidance with confidence scores, scoped per role.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("role",
				mcplib.Description("Role the lessons apply to (e.g. response, prosecutor, judge)"),
				mcplib.Required(),
			),
			mcplib.WithString("query",
				mcplib.Description("What you are about to do, in natural language"),
				mcplib.Required(),
			),
			mcplib.WithNumber("k",
				mcplib.Description("Maximum lessons to return"),
				mcplib.Min(1),
				mcplib.Max(20),
				mcplib.DefaultNumber(5),
			),
		),
		s.handleLessonsTool,
	)

	// hanrei_analyze_issue — heuristic triage.
	s.mcpServer.AddTool(
		mcplib.NewTool("hanrei_analyze_issue",
			mcplib.WithDescription(`Triage a GitHub issue: classify its type, grade its priority, and extract the skills and keywords it needs.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("title",
				mcplib.Description("Issue title"),
				mcplib.Required(),
			),
			mcplib.WithString("body",
				mcplib.Description("Issue body"),
			),
			mcplib.WithString("labels",
				mcplib.Description("Comma-separated issue labels"),
			),
			mcplib.WithNumber("number",
				mcplib.Description("Issue number"),
			),
		),
		s.handleAnalyzeTool,
	)

	// hanrei_draft_response — draft an issue reply, nudging toward
	// search-before-draft.
	s.mcpServer.AddTool(
		mcplib.NewTool("hanrei_draft_response",
			mcplib.WithDescription(`Draft a maintainer response to a GitHub issue.

Call hanrei_search first: the draft is heuristic and the KB usually has
project-specific context the reply should cite. The result notes when no
recent search was made in this session.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithString("title",
				mcplib.Description("Issue title"),
				mcplib.Required(),
			),
			mcplib.WithString("body",
				mcplib.Description("Issue body"),
			),
			mcplib.WithString("labels",
				mcplib.Description("Comma-separated issue labels"),
			),
			mcplib.WithString("repo",
				mcplib.Description("Repository the issue belongs to (owner/name)"),
			),
		),
		s.handleDraftTool,
	)

	// hanrei_case — one case with its recent journal.
	s.mcpServer.AddTool(
		mcplib.NewTool("hanrei_case",
			mcplib.WithDescription(`Fetch one case with its recent journal events: what an agent session did and what the court said about it.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("case_id",
				mcplib.Description("Case UUID"),
				mcplib.Required(),
			),
		),
		s.handleCaseTool,
	)
}

func (s *Server) handleSearchTool(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if s.searcher == nil {
		return errorResult("search is not configured on this server"), nil
	}
	query := request.GetString("query", "")
	if query == "" {
		return errorResult("query is required"), nil
	}

	repo := request.GetString("repo", "")
	mode := model.SearchType(request.GetString("mode", ""))
	limit := request.GetInt("limit", 10)

	project := inferProjectFromRoots(s.requestRoots(ctx))
	s.recordSearch(ctx, trackKey(repo, project))

	results, err := s.searcher.Search(ctx, mode, query, search.Options{Repo: repo, Limit: limit})
	if err != nil {
		return errorResult(fmt.Sprintf("search failed: %v", err)), nil
	}

	compact := make([]map[string]any, len(results))
	for i, r := range results {
		compact[i] = compactSearchResult(r)
	}
	out := map[string]any{
		"query":   query,
		"repo":    repo,
		"results": compact,
	}
	if project != "" {
		out["workspace"] = project
	}
	data, _ := json.MarshalIndent(out, "", "  ")
	return textResult(string(data)), nil
}

func (s *Server) handleLessonsTool(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if s.lessons == nil {
		return errorResult("lessons are not configured on this server"), nil
	}
	role := request.GetString("role", "")
	query := request.GetString("query", "")
	if role == "" || query == "" {
		return errorResult("role and query are required"), nil
	}
	k := request.GetInt("k", 5)

	hits, err := s.lessons.Search(ctx, role, query, k)
	if err != nil {
		return errorResult(fmt.Sprintf("lesson search failed: %v", err)), nil
	}

	compact := make([]map[string]any, len(hits))
	for i, h := range hits {
		compact[i] = compactLessonHit(h)
	}
	data, _ := json.MarshalIndent(map[string]any{
		"role":    role,
		"lessons": compact,
	}, "", "  ")
	return textResult(string(data)), nil
}

func (s *Server) handleAnalyzeTool(_ context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	title := request.GetString("title", "")
	if title == "" {
		return errorResult("title is required"), nil
	}
	analysis := agent.AnalyzeIssue(agent.Issue{
		Number: request.GetInt("number", 0),
		Title:  title,
		Body:   request.GetString("body", ""),
		Labels: splitLabels(request.GetString("labels", "")),
	})
	data, _ := json.MarshalIndent(analysis, "", "  ")
	return textResult(string(data)), nil
}

func (s *Server) handleDraftTool(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	title := request.GetString("title", "")
	if title == "" {
		return errorResult("title is required"), nil
	}
	issue := agent.Issue{
		Title:  title,
		Body:   request.GetString("body", ""),
		Labels: splitLabels(request.GetString("labels", "")),
	}
	analysis := agent.AnalyzeIssue(issue)
	draft := agent.DraftResponse(issue, analysis)

	out := map[string]any{
		"analysis": analysis,
		"draft":    draft,
	}
	repo := request.GetString("repo", "")
	project := inferProjectFromRoots(s.requestRoots(ctx))
	if !s.wasSearched(ctx, trackKey(repo, project)) {
		out["note"] = "No recent hanrei_search in this session. Search the knowledge base first so the reply can cite project context."
	}
	data, _ := json.MarshalIndent(out, "", "  ")
	return textResult(string(data)), nil
}

func (s *Server) handleCaseTool(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, err := uuid.Parse(request.GetString("case_id", ""))
	if err != nil {
		return errorResult("case_id must be a valid UUID"), nil
	}

	c, err := s.db.GetCase(ctx, id)
	if err != nil {
		return errorResult(fmt.Sprintf("case lookup failed: %v", err)), nil
	}
	events, err := s.db.ListCaseEvents(ctx, id, 50)
	if err != nil {
		return errorResult(fmt.Sprintf("event lookup failed: %v", err)), nil
	}

	compactEvents := make([]map[string]any, len(events))
	for i, ev := range events {
		compactEvents[i] = compactEvent(ev)
	}
	data, _ := json.MarshalIndent(map[string]any{
		"case":   compactCase(c),
		"events": compactEvents,
	}, "", "  ")
	return textResult(string(data)), nil
}

// recordSearch notes a search in the current MCP session so the draft
// tool can detect the search-before-draft workflow.
func (s *Server) recordSearch(ctx context.Context, scope string) {
	if session := mcpserver.ClientSessionFromContext(ctx); session != nil {
		s.searchTracker.Record(session.SessionID(), scope)
	}
}

func (s *Server) wasSearched(ctx context.Context, scope string) bool {
	session := mcpserver.ClientSessionFromContext(ctx)
	if session == nil {
		return false
	}
	return s.searchTracker.WasSearched(session.SessionID(), scope)
}

// trackKey scopes the search tracker: the explicit repo argument when
// given, else the workspace project inferred from roots.
func trackKey(repo, project string) string {
	if repo != "" {
		return repo
	}
	return project
}

func splitLabels(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	labels := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			labels = append(labels, p)
		}
	}
	return labels
}
