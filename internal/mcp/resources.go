package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerResources() {
	// hanrei://cases/recent — recent agent sessions awaiting or past review.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"hanrei://cases/recent",
			"Recent Cases",
			mcplib.WithResourceDescription("Recent agent sessions recorded as court cases"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleCasesRecent,
	)

	// hanrei://lessons/recent — the court's latest distilled lessons.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"hanrei://lessons/recent",
			"Recent Lessons",
			mcplib.WithResourceDescription("The latest lessons the court distilled, across all roles"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleLessonsRecent,
	)

	// hanrei://case/{id}/events — one case's journal.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			"hanrei://case/{id}/events",
			"Case Journal",
			mcplib.WithTemplateDescription("The event journal of a specific case"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleCaseEvents,
	)
}

func (s *Server) handleCasesRecent(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	cases, err := s.db.ListCases(ctx, 20, 0)
	if err != nil {
		return nil, fmt.Errorf("mcp: recent cases: %w", err)
	}

	compact := make([]map[string]any, len(cases))
	for i, c := range cases {
		compact[i] = compactCase(c)
	}
	data, err := json.MarshalIndent(compact, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal cases: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      "hanrei://cases/recent",
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleLessonsRecent(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	lessons, err := s.db.ListLessons(ctx, "", 20, 0)
	if err != nil {
		return nil, fmt.Errorf("mcp: recent lessons: %w", err)
	}

	compact := make([]map[string]any, len(lessons))
	for i, l := range lessons {
		compact[i] = compactLesson(l)
	}
	data, err := json.MarshalIndent(compact, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal lessons: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      "hanrei://lessons/recent",
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleCaseEvents(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	id, err := caseIDFromURI(request.Params.URI)
	if err != nil {
		return nil, err
	}

	events, err := s.db.ListCaseEvents(ctx, id, 100)
	if err != nil {
		return nil, fmt.Errorf("mcp: case events: %w", err)
	}

	compact := make([]map[string]any, len(events))
	for i, ev := range events {
		compact[i] = compactEvent(ev)
	}
	data, err := json.MarshalIndent(map[string]any{
		"case_id": id,
		"events":  compact,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal events: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      request.Params.URI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

// caseIDFromURI parses the case UUID out of hanrei://case/{id}/events.
func caseIDFromURI(uri string) (uuid.UUID, error) {
	trimmed := strings.TrimPrefix(uri, "hanrei://case/")
	trimmed = strings.TrimSuffix(trimmed, "/events")
	id, err := uuid.Parse(trimmed)
	if err != nil {
		return uuid.Nil, fmt.Errorf("mcp: invalid case events URI: %s", uri)
	}
	return id, nil
}
