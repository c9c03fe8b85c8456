package mcp

import (
	"context"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	// before-response — guides the agent through KB and lesson retrieval first.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("before-response",
			mcplib.WithPromptDescription("Consult the knowledge base and the court's lessons before drafting an issue response"),
			mcplib.WithArgument("topic",
				mcplib.ArgumentDescription("What the issue or question is about (e.g. cache invalidation, OAuth redirect)"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleBeforeResponsePrompt,
	)

	// agent-setup — full system prompt snippet explaining the Hanrei retrieval workflow.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("agent-setup",
			mcplib.WithPromptDescription("System prompt snippet explaining the Hanrei retrieval workflow (search-before-draft, lessons-before-repeat)"),
		),
		s.handleAgentSetupPrompt,
	)
}

func (s *Server) handleBeforeResponsePrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	topic := request.Params.Arguments["topic"]
	if topic == "" {
		return nil, fmt.Errorf("topic argument is required")
	}

	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("Gather project context about %s before responding", topic),
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Before drafting a response about %s, follow these steps:

1. CALL hanrei_search with a query describing the topic. The knowledge base
   holds the project's issue threads, PR discussions, and docs; the reply
   should cite what the project has already said.

2. CALL hanrei_lessons with role="response" and the same query. The court
   distills do/don't guidance from past sessions; honor the "dont" lessons
   even when they are inconvenient.

3. REVIEW the results:
   - If a prior issue or doc answers the question, link it instead of
     restating it from memory.
   - If the KB is silent, say so in the reply and consider whether this is
     a documentation gap worth filing.

4. DRAFT the reply with hanrei_draft_response, then adjust it with the
   context you gathered.`, topic),
				},
			},
		},
	}, nil
}

func (s *Server) handleAgentSetupPrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	return &mcplib.GetPromptResult{
		Description: "Hanrei retrieval workflow",
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: `You have access to Hanrei, the project's evidence-backed memory. It holds
the full GitHub history of the project as a searchable knowledge base, plus
lessons a review court distilled from past agent sessions.

WORKFLOW:

1. SEARCH FIRST. Before answering a question, triaging an issue, or drafting
   a response, call hanrei_search. Answers grounded in the project's own
   history beat answers from memory.

2. CHECK LESSONS. Before repeating a kind of task, call hanrei_lessons with
   your role. "dont" lessons exist because something went wrong before.

3. TRIAGE WITH TOOLS. Use hanrei_analyze_issue to classify issues and
   hanrei_draft_response to draft replies; both are deterministic and cheap.

4. INSPECT CASES. Past agent sessions are recorded as cases; use hanrei_case
   or the hanrei://cases/recent resource to see what was done and how the
   court judged it.

Every session you run may itself be recorded as a case and reviewed, so
leave a journal a prosecutor could follow.`,
				},
			},
		},
	}, nil
}
