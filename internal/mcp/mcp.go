// Package mcp implements the Model Context Protocol server for Hanrei.
//
// The MCP server exposes the retrieval and triage capabilities of the
// HTTP API through MCP resources, tools, and prompts, so MCP-compatible
// AI agents can consult the knowledge base and the court's lessons while
// they work.
package mcp

import (
	"log/slog"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/hanrei/internal/lesson"
	"github.com/ashita-ai/hanrei/internal/search"
	"github.com/ashita-ai/hanrei/internal/storage"
)

// searchWindow is how long a hanrei_search call counts as "recent" when
// hanrei_draft_response checks the search-before-draft workflow.
const searchWindow = 10 * time.Minute

// Server wraps the MCP server with Hanrei's service layer.
type Server struct {
	mcpServer *mcpserver.MCPServer
	db        *storage.DB
	searcher  *search.Service
	lessons   *lesson.Service
	logger    *slog.Logger

	rootsCache    *rootsCache
	searchTracker *searchTracker
}

// New creates and configures an MCP server with all resources, tools,
// and prompts. Searcher and lessons may be nil; the corresponding tools
// then report that retrieval is not configured.
func New(db *storage.DB, searcher *search.Service, lessons *lesson.Service, logger *slog.Logger) *Server {
	s := &Server{
		db:            db,
		searcher:      searcher,
		lessons:       lessons,
		logger:        logger.With("component", "mcp"),
		rootsCache:    newRootsCache(),
		searchTracker: newSearchTracker(searchWindow),
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"hanrei",
		"0.1.0",
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithPromptCapabilities(true),
	)

	s.registerResources()
	s.registerTools()
	s.registerPrompts()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func textResult(text string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: text},
		},
	}
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
