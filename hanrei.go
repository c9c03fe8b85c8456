// Package hanrei is the public API for embedding the hanrei retrospective
// server.
//
// Most deployments run the cmd/hanrei binary, which wraps this package.
// Consumers that need the server inside a larger process construct it
// directly:
//
//	app, err := hanrei.New(
//	    hanrei.WithVersion(version),
//	    hanrei.WithLogger(logger),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: hanrei (root) imports
// internal/*, but internal/* never imports hanrei (root).
package hanrei

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/ashita-ai/hanrei/internal/agent"
	"github.com/ashita-ai/hanrei/internal/auth"
	"github.com/ashita-ai/hanrei/internal/config"
	"github.com/ashita-ai/hanrei/internal/court"
	"github.com/ashita-ai/hanrei/internal/lesson"
	"github.com/ashita-ai/hanrei/internal/mcp"
	"github.com/ashita-ai/hanrei/internal/model"
	"github.com/ashita-ai/hanrei/internal/ratelimit"
	"github.com/ashita-ai/hanrei/internal/redact"
	"github.com/ashita-ai/hanrei/internal/search"
	"github.com/ashita-ai/hanrei/internal/server"
	"github.com/ashita-ai/hanrei/internal/service/embedding"
	"github.com/ashita-ai/hanrei/internal/storage"
	"github.com/ashita-ai/hanrei/internal/telemetry"
	"github.com/ashita-ai/hanrei/migrations"
)

// App is the hanrei server lifecycle. Construct with New(), run with Run().
// App has no public fields; use New() options to configure it.
type App struct {
	cfg          config.Config
	db           *storage.DB
	srv          *server.Server
	outbox       *search.OutboxWorker
	qdrantIndex  *search.QdrantIndex // nil when the qdrant mirror is off
	limiter      ratelimit.Limiter   // nil when rate limiting is off
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises the hanrei server. It connects to the database, runs
// migrations, wires all subsystems, and returns a ready-to-run App.
// It does not start any goroutines or accept HTTP connections; call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	var cfg config.Config
	if o.cfg != nil {
		cfg = *o.cfg
	} else {
		var err error
		cfg, err = config.Load()
		if err != nil {
			return nil, fmt.Errorf("hanrei: load config: %w", err)
		}
	}

	ctx := context.Background()

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("hanrei: telemetry: %w", err)
	}

	app := &App{
		cfg:          cfg,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}
	if err := app.wire(ctx, o); err != nil {
		app.closeResources(ctx)
		return nil, err
	}
	return app, nil
}

func (a *App) wire(ctx context.Context, o resolvedOptions) error {
	cfg, logger := a.cfg, a.logger

	policy, err := loadPolicy(cfg)
	if err != nil {
		return fmt.Errorf("hanrei: redaction policy: %w", err)
	}

	db, err := storage.New(ctx, cfg.DatabaseURL, "", policy, logger)
	if err != nil {
		return fmt.Errorf("hanrei: storage: %w", err)
	}
	a.db = db

	// Migrations track applied files in schema_migrations and skip
	// duplicates, so errors here indicate real failures.
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		logger.Warn("migrations failed", "error", err)
	}

	// Verify critical tables exist after migration. If the pgvector
	// extension failed to create, migrations 002+ fail and the server
	// would start with no tables. Catch this early.
	var schemaOK bool
	if err := db.Pool().QueryRow(ctx,
		`SELECT EXISTS (SELECT FROM information_schema.tables WHERE table_schema = 'public' AND table_name = 'cases')`,
	).Scan(&schemaOK); err != nil {
		return fmt.Errorf("hanrei: schema verification: %w", err)
	}
	if !schemaOK {
		return fmt.Errorf("hanrei: critical table 'cases' does not exist after migration; check that the pgvector extension can be created")
	}

	// Without JWT keys or an API key hash the server runs in local mode:
	// every request passes unauthenticated.
	var jwtMgr *auth.JWTManager
	if cfg.JWTPrivateKeyPath != "" || cfg.JWTPublicKeyPath != "" || cfg.APIKeyHash != "" {
		jwtMgr, err = auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
		if err != nil {
			return fmt.Errorf("hanrei: auth: %w", err)
		}
	} else {
		logger.Warn("auth disabled: no JWT keys or API key hash configured")
	}

	provider := o.provider
	if provider == nil {
		provider = NewEmbeddingProvider(cfg, logger)
	}
	searcher := search.New(db, provider, logger)

	// Qdrant mirror (optional). Postgres stays the source of truth and
	// serves all queries; the outbox worker replicates embeddings.
	if cfg.SearchBackend == "qdrant" {
		index, err := search.NewQdrantIndex(search.QdrantConfig{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.QdrantCollection,
			Dims:       uint64(cfg.EmbeddingDimensions), //nolint:gosec // validated positive in config.Validate
		}, logger)
		if err != nil {
			return fmt.Errorf("hanrei: qdrant: %w", err)
		}
		a.qdrantIndex = index

		if err := index.EnsureCollection(ctx); err != nil {
			return fmt.Errorf("hanrei: qdrant ensure collection: %w", err)
		}

		db.EnableSearchOutbox()
		a.outbox = search.NewOutboxWorker(db.Pool(), index, provider.Model(), logger, cfg.OutboxPollInterval, cfg.OutboxBatchSize)
		logger.Info("qdrant mirror: enabled", "collection", cfg.QdrantCollection)
	} else {
		logger.Info("qdrant mirror: disabled")
	}

	lessons := lesson.New(db, provider, logger)

	runner, label := o.runner, o.runnerLabel
	if runner == nil {
		runner, label = NewCourtRunner(cfg, db, logger)
	}

	if err := SeedStagePrompts(ctx, db); err != nil {
		logger.Warn("stage prompt seed failed", "error", err)
	}

	orch := court.New(db, lessons, runner, policy, label, logger)
	mcpSrv := mcp.New(db, searcher, lessons, logger)
	agents := server.NewAgentRunner(db, logger)

	if cfg.RateLimitEnabled {
		a.limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		logger.Info("rate limiting: disabled")
	}

	a.srv = server.New(server.ServerConfig{
		DB:                  db,
		Logger:              logger,
		JWTMgr:              jwtMgr,
		APIKeyHash:          cfg.APIKeyHash,
		Searcher:            searcher,
		Courts:              orch,
		Agents:              agents,
		MCPServer:           mcpSrv.MCPServer(),
		RateLimiter:         a.limiter,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             a.version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})
	return nil
}

// Run starts the outbox worker and HTTP server, then blocks until ctx is
// cancelled or the server fails. Shutdown is graceful: in-flight requests
// drain before the outbox flushes its remaining entries.
func (a *App) Run(ctx context.Context) error {
	defer a.closeResources(context.Background())

	if a.outbox != nil {
		a.outbox.Start(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	// Each shutdown phase gets its own timeout so early completion doesn't
	// steal budget from later phases. Order: stop accepting HTTP requests
	// and drain in-flight (they may still enqueue outbox entries), then
	// sync remaining outbox entries to Qdrant.
	a.logger.Info("hanrei shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	if a.outbox != nil {
		outboxCtx, outboxCancel := context.WithTimeout(context.Background(), 10*time.Second)
		a.outbox.Drain(outboxCtx)
		outboxCancel()
	}

	a.logger.Info("hanrei stopped")
	return nil
}

func (a *App) closeResources(ctx context.Context) {
	if a.limiter != nil {
		_ = a.limiter.Close()
	}
	if a.qdrantIndex != nil {
		_ = a.qdrantIndex.Close()
	}
	if a.db != nil {
		a.db.Close(ctx)
	}
	if a.otelShutdown != nil {
		_ = a.otelShutdown(ctx)
	}
}

// Handler exposes the root HTTP handler for embedding in another mux or
// for tests.
func (a *App) Handler() http.Handler { return a.srv.Handler() }

// Config returns the resolved configuration.
func (a *App) Config() config.Config { return a.cfg }

func loadPolicy(cfg config.Config) (*redact.Policy, error) {
	if cfg.RedactionPolicyPath == "" {
		return redact.DefaultPolicy(), nil
	}
	return redact.LoadPolicyFile(cfg.RedactionPolicyPath)
}

// SeedStagePrompts inserts version 1 of each stage's default prompt when
// the role has none yet. Applied prompt updates are never overwritten.
func SeedStagePrompts(ctx context.Context, db *storage.DB) error {
	stages := []model.Stage{model.StageProsecutor, model.StageDefense, model.StageJury, model.StageJudge}
	for _, stage := range stages {
		if err := db.SeedRolePrompt(ctx, string(stage), agent.DefaultStagePrompt(stage)); err != nil {
			return err
		}
	}
	return nil
}

// NewCourtRunner selects the stage runner. Auto mode uses the LLM runner
// when an OpenAI key is present, the deterministic heuristic runner
// otherwise. The returned label is recorded on each court run.
func NewCourtRunner(cfg config.Config, db *storage.DB, logger *slog.Logger) (agent.Runner, string) {
	mode := cfg.CourtRunner
	if mode == "auto" {
		if cfg.OpenAIAPIKey != "" {
			mode = "llm"
		} else {
			mode = "heuristic"
		}
	}

	switch mode {
	case "llm":
		if cfg.OpenAIAPIKey == "" {
			logger.Error("OPENAI_API_KEY required when HANREI_COURT_RUNNER=llm, falling back to heuristic")
			return agent.NewHeuristicRunner(), "heuristic"
		}
		label := agent.ModelFor(agent.TaskJudge)
		logger.Info("court runner: llm", "model", label)
		return agent.NewLLMRunner(agent.NewLLMClient(cfg.OpenAIAPIKey, logger), db, logger), label
	default:
		logger.Info("court runner: heuristic")
		return agent.NewHeuristicRunner(), "heuristic"
	}
}

// NewEmbeddingProvider creates an embedding provider based on configuration.
// Auto mode tries Ollama if reachable, then OpenAI if a key is present,
// else noop. Ollama is preferred: embeddings stay on-premises with no
// external API costs.
func NewEmbeddingProvider(cfg config.Config, logger *slog.Logger) embedding.Provider {
	dims := cfg.EmbeddingDimensions

	switch cfg.EmbeddingProvider {
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			logger.Error("OPENAI_API_KEY required when HANREI_EMBEDDING_PROVIDER=openai")
			return embedding.NewNoopProvider(dims)
		}
		logger.Info("embedding provider: openai", "model", cfg.EmbeddingModel, "dimensions", dims)
		return embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, dims, logger)

	case "ollama":
		logger.Info("embedding provider: ollama", "url", cfg.OllamaURL, "model", cfg.OllamaModel, "dimensions", dims)
		return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims)

	case "noop":
		logger.Info("embedding provider: noop (semantic search disabled)")
		return embedding.NewNoopProvider(dims)

	default:
		if ollamaReachable(cfg.OllamaURL) {
			logger.Info("embedding provider: ollama (auto-detected)", "url", cfg.OllamaURL, "model", cfg.OllamaModel, "dimensions", dims)
			return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims)
		}
		if cfg.OpenAIAPIKey != "" {
			logger.Info("embedding provider: openai (auto-detected)", "model", cfg.EmbeddingModel, "dimensions", dims)
			return embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, dims, logger)
		}
		logger.Warn("no embedding provider available, using noop (semantic search disabled)")
		return embedding.NewNoopProvider(dims)
	}
}

// ollamaReachable checks if an Ollama server is responding.
func ollamaReachable(baseURL string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
