package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/hanrei/internal/auth"
	"github.com/ashita-ai/hanrei/internal/ratelimit"
	"github.com/ashita-ai/hanrei/internal/search"
	"github.com/ashita-ai/hanrei/internal/storage"
)

// Server is the Hanrei HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): JWTMgr, Searcher, Courts, MCPServer.
type ServerConfig struct {
	// Required dependencies.
	DB     *storage.DB
	Logger *slog.Logger

	// Optional dependencies (nil = disabled).
	JWTMgr      *auth.JWTManager // nil disables auth entirely.
	APIKeyHash  string           // Argon2id hash checked by POST /auth/token.
	Searcher    *search.Service
	Courts      CourtRunner
	Agents      *AgentRunner
	MCPServer   *mcpserver.MCPServer
	RateLimiter ratelimit.Limiter // nil disables rate limiting.

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		DB:                  cfg.DB,
		JWTMgr:              cfg.JWTMgr,
		APIKeyHash:          cfg.APIKeyHash,
		Searcher:            cfg.Searcher,
		Courts:              cfg.Courts,
		Agents:              cfg.Agents,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	authEnabled := cfg.JWTMgr != nil
	readRole := requireRole(authEnabled, auth.RoleReader)
	opRole := requireRole(authEnabled, auth.RoleOperator)
	adminRole := requireRole(authEnabled, auth.RoleAdmin)

	mux := http.NewServeMux()

	// Token endpoint (no auth required; checks the static API key).
	mux.Handle("POST /auth/token", http.HandlerFunc(h.HandleAuthToken))

	// Retrieval.
	mux.Handle("POST /api/search", readRole(http.HandlerFunc(h.HandleSearch)))

	// DevRel agents.
	mux.Handle("POST /api/agents/analyze", opRole(http.HandlerFunc(h.HandleAnalyzeIssue)))
	mux.Handle("POST /api/agents/response", opRole(http.HandlerFunc(h.HandleDraftResponse)))
	mux.Handle("POST /api/agents/run", opRole(http.HandlerFunc(h.HandleAgentRun)))

	// Cases and the court.
	mux.Handle("POST /api/court/cases", opRole(http.HandlerFunc(h.HandleCreateCase)))
	mux.Handle("GET /api/court/cases", readRole(http.HandlerFunc(h.HandleListCases)))
	mux.Handle("GET /api/court/cases/{case_id}", readRole(http.HandlerFunc(h.HandleGetCase)))
	mux.Handle("GET /api/court/cases/{case_id}/events", readRole(http.HandlerFunc(h.HandleListCaseEvents)))
	mux.Handle("POST /api/court/run", opRole(http.HandlerFunc(h.HandleCourtRun)))
	mux.Handle("POST /api/court/run/stream", opRole(http.HandlerFunc(h.HandleCourtRunStream)))
	mux.Handle("GET /api/court/runs/{run_id}", readRole(http.HandlerFunc(h.HandleGetCourtRun)))

	// Lessons and prompts.
	mux.Handle("GET /api/court/lessons", readRole(http.HandlerFunc(h.HandleListLessons)))
	mux.Handle("GET /api/court/prompt-updates", readRole(http.HandlerFunc(h.HandleListPromptUpdates)))
	mux.Handle("POST /api/court/prompt-updates/{update_id}/review", adminRole(http.HandlerFunc(h.HandleReviewPromptUpdate)))
	mux.Handle("POST /api/court/prompt-updates/{update_id}/apply", adminRole(http.HandlerFunc(h.HandleApplyPromptUpdate)))
	mux.Handle("GET /api/court/roles/{role}/prompt", readRole(http.HandlerFunc(h.HandleGetRolePrompt)))

	// MCP StreamableHTTP transport (reader+).
	if cfg.MCPServer != nil {
		mcpHTTP := mcpserver.NewStreamableHTTPServer(cfg.MCPServer)
		mux.Handle("/mcp", readRole(mcpHTTP))
	}

	// Health (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → rate limit → recovery → handler.
	// Rate limiting sits inside auth so authenticated clients are keyed
	// by token subject rather than shared proxy IPs.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = rateLimitMiddleware(cfg.RateLimiter, cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Handlers returns the underlying Handlers.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
