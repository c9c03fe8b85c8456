package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/ashita-ai/hanrei"
	"github.com/ashita-ai/hanrei/internal/archive"
	"github.com/ashita-ai/hanrei/internal/auth"
	"github.com/ashita-ai/hanrei/internal/config"
	"github.com/ashita-ai/hanrei/internal/court"
	"github.com/ashita-ai/hanrei/internal/forge"
	"github.com/ashita-ai/hanrei/internal/httpx"
	"github.com/ashita-ai/hanrei/internal/insights"
	"github.com/ashita-ai/hanrei/internal/kb"
	"github.com/ashita-ai/hanrei/internal/lesson"
	"github.com/ashita-ai/hanrei/internal/project"
	"github.com/ashita-ai/hanrei/internal/redact"
	"github.com/ashita-ai/hanrei/internal/storage"
	"github.com/ashita-ai/hanrei/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	level := slog.LevelInfo
	if os.Getenv("HANREI_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cmd := "serve"
	args := os.Args[1:]
	if len(args) > 0 {
		cmd = args[0]
		args = args[1:]
	}

	var err error
	switch cmd {
	case "serve":
		err = runServe(ctx, logger)
	case "migrate":
		err = runMigrate(ctx, logger)
	case "ingest":
		err = runIngest(ctx, logger, args)
	case "project":
		err = runProject(ctx, logger, args)
	case "embed":
		err = runEmbed(ctx, logger, args)
	case "insights":
		err = runInsights(ctx, logger, args)
	case "court":
		err = runCourt(ctx, logger, args)
	case "token":
		err = runToken(logger, args)
	case "help", "-h", "--help":
		usage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		usage()
		return 2
	}
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		slog.Error("fatal error", "command", cmd, "error", err)
		if errors.Is(err, config.ErrInvalid) {
			return 2
		}
		return 1
	}
	return 0
}

func usage() {
	fmt.Fprint(os.Stderr, `Usage: hanrei <command> [flags]

Commands:
  serve     run the HTTP API, MCP endpoint and search mirror (default)
  migrate   apply pending database migrations and exit
  ingest    pull a repository's issues and PRs into the raw archive
  project   rebuild relational views from the raw archive
  embed     build knowledge-base documents and embeddings from the archive
  insights  render a retrospective report from the archive
  court     run a court over one case from the command line
  token     issue an API access token

Run "hanrei <command> -h" for command flags.
`)
}

func loadPolicy(cfg config.Config) (*redact.Policy, error) {
	if cfg.RedactionPolicyPath == "" {
		return redact.DefaultPolicy(), nil
	}
	return redact.LoadPolicyFile(cfg.RedactionPolicyPath)
}

func openDB(ctx context.Context, cfg config.Config, logger *slog.Logger) (*storage.DB, *redact.Policy, error) {
	policy, err := loadPolicy(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("redaction policy: %w", err)
	}
	db, err := storage.New(ctx, cfg.DatabaseURL, "", policy, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("storage: %w", err)
	}
	return db, policy, nil
}

func runServe(ctx context.Context, logger *slog.Logger) error {
	slog.Info("hanrei starting", "version", version)
	app, err := hanrei.New(
		hanrei.WithVersion(version),
		hanrei.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	return app.Run(ctx)
}

func runMigrate(ctx context.Context, logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	db, _, err := openDB(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close(ctx)

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	logger.Info("migrations applied")
	return nil
}

func runIngest(ctx context.Context, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("ingest", flag.ContinueOnError)
	owner := fs.String("owner", "", "repository owner (required)")
	repo := fs.String("repo", "", "repository name (required)")
	start := fs.String("start", "", "window start, YYYY-MM-DD")
	end := fs.String("end", "", "window end, YYYY-MM-DD")
	perPage := fs.Int("per-page", 100, "search page size")
	maxItems := fs.Int("max-items", 0, "stop after this many items (0 = no cap)")
	noHydrate := fs.Bool("no-hydrate", false, "discovery only, skip per-item GraphQL hydration")
	concurrency := fs.Int("concurrency", 4, "parallel hydration workers")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *owner == "" || *repo == "" {
		return fmt.Errorf("ingest: -owner and -repo are required")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	store := archive.NewStore(cfg.ArchiveDir)
	ledger, err := archive.OpenLedger(filepath.Join(cfg.ArchiveDir, "ledger.db"))
	if err != nil {
		return err
	}
	defer func() { _ = ledger.Close() }()

	runID := uuid.NewString()
	if err := ledger.BeginRun(ctx, runID, *owner+"/"+*repo); err != nil {
		return err
	}

	timeout := cfg.RESTTimeout
	if cfg.GraphQLTimeout > timeout {
		timeout = cfg.GraphQLTimeout
	}
	hc := httpx.New(timeout, logger)
	gqlURL := strings.TrimSuffix(cfg.GitHubAPIURL, "/") + "/graphql"
	client := forge.NewClient(hc, store, cfg.GitHubToken, logger,
		forge.WithEndpoints(cfg.GitHubAPIURL, gqlURL),
		forge.WithLedger(ledger, runID),
	)

	ing := forge.NewIngester(client, store, logger)
	res, err := ing.Run(ctx, forge.IngestOptions{
		Owner:       *owner,
		Repo:        *repo,
		Start:       *start,
		End:         *end,
		PerPage:     *perPage,
		MaxItems:    *maxItems,
		NoHydrate:   *noHydrate,
		Concurrency: *concurrency,
	})
	if err != nil {
		_ = ledger.FinishRun(context.Background(), runID, 0, "failed")
		return fmt.Errorf("ingest: %w", err)
	}

	items := res.Issues + res.DiscoveredPRs
	if err := ledger.FinishRun(ctx, runID, items, "completed"); err != nil {
		return err
	}
	logger.Info("ingest complete",
		"repo", res.Repo,
		"issues", res.Issues,
		"prs", res.DiscoveredPRs,
		"hydrated", res.Hydrated,
		"archive", store.Root(),
	)
	return nil
}

func runProject(ctx context.Context, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("project", flag.ContinueOnError)
	repo := fs.String("repo", "", "owner/name the projection belongs to (required)")
	export := fs.Bool("export", false, "also export CSV files to the export directory")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *repo == "" {
		return fmt.Errorf("project: -repo is required")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	store := archive.NewStore(cfg.ArchiveDir)
	proj, err := project.New(project.Options{}).Run(store)
	if err != nil {
		return fmt.Errorf("project: %w", err)
	}

	db, _, err := openDB(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close(ctx)

	if err := db.ReplaceProjection(ctx, *repo, *proj); err != nil {
		return fmt.Errorf("project: %w", err)
	}
	logger.Info("projection replaced",
		"repo", *repo,
		"work_items", len(proj.WorkItems),
		"events", len(proj.Events),
		"comments", len(proj.Comments),
		"reviews", len(proj.Reviews),
	)

	if *export {
		if err := project.ExportCSV(cfg.ExportDir, proj, true); err != nil {
			return fmt.Errorf("project: export: %w", err)
		}
		logger.Info("csv export written", "dir", cfg.ExportDir)
	}
	return nil
}

func runEmbed(ctx context.Context, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("embed", flag.ContinueOnError)
	batch := fs.Int("batch", 64, "embedding batch size")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	store := archive.NewStore(cfg.ArchiveDir)
	proj, err := project.New(project.Options{}).Run(store)
	if err != nil {
		return fmt.Errorf("embed: %w", err)
	}

	db, _, err := openDB(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close(ctx)

	if cfg.SearchBackend == "qdrant" {
		db.EnableSearchOutbox()
	}

	docs := kb.BuildDocuments(proj, time.Now().UTC())
	if err := kb.Sync(ctx, db, docs, logger); err != nil {
		return fmt.Errorf("embed: %w", err)
	}

	provider := hanrei.NewEmbeddingProvider(cfg, logger)
	n, err := kb.NewEmbedder(db, provider, *batch, logger).Run(ctx)
	if err != nil {
		return fmt.Errorf("embed: %w", err)
	}
	logger.Info("embedding complete", "documents", len(docs), "embedded", n, "model", provider.Model())
	return nil
}

func runInsights(ctx context.Context, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("insights", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	store := archive.NewStore(cfg.ArchiveDir)
	proj, err := project.New(project.Options{}).Run(store)
	if err != nil {
		return fmt.Errorf("insights: %w", err)
	}

	report := insights.Build(proj, time.Now().UTC(), insights.Options{})
	if err := insights.WriteReport(cfg.ExportDir, report); err != nil {
		return fmt.Errorf("insights: %w", err)
	}
	logger.Info("insights written", "dir", cfg.ExportDir, "work_items", len(proj.WorkItems))
	return nil
}

func runCourt(ctx context.Context, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("court", flag.ContinueOnError)
	caseFlag := fs.String("case", "", "case UUID to try (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	caseID, err := uuid.Parse(*caseFlag)
	if err != nil {
		return fmt.Errorf("court: -case must be a valid UUID: %w", err)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	db, policy, err := openDB(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close(ctx)

	provider := hanrei.NewEmbeddingProvider(cfg, logger)
	lessons := lesson.New(db, provider, logger)
	runner, label := hanrei.NewCourtRunner(cfg, db, logger)

	if err := hanrei.SeedStagePrompts(ctx, db); err != nil {
		slog.Warn("stage prompt seed failed", "error", err)
	}

	orch := court.New(db, lessons, runner, policy, label, logger)
	result, err := orch.Run(ctx, caseID, func(ev court.StreamEvent) {
		logger.Info("court progress", "type", string(ev.Type), "stage", string(ev.Stage))
	})
	if err != nil {
		return fmt.Errorf("court: %w", err)
	}

	out, err := json.MarshalIndent(map[string]any{
		"run":       result.Run,
		"judgement": result.Judgement,
	}, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func runToken(logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	name := fs.String("name", "", "subject name recorded in the token (required)")
	roleFlag := fs.String("role", "reader", "role: reader, operator or admin")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *name == "" {
		return fmt.Errorf("token: -name is required")
	}
	var role auth.Role
	switch *roleFlag {
	case "reader":
		role = auth.RoleReader
	case "operator":
		role = auth.RoleOperator
	case "admin":
		role = auth.RoleAdmin
	default:
		return fmt.Errorf("token: unknown role %q", *roleFlag)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.JWTPrivateKeyPath == "" || cfg.JWTPublicKeyPath == "" {
		return fmt.Errorf("token: HANREI_JWT_PRIVATE_KEY and HANREI_JWT_PUBLIC_KEY must point at a persistent key pair; ephemeral keys would not validate against a running server")
	}

	mgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return fmt.Errorf("token: %w", err)
	}
	tok, expiry, err := mgr.IssueToken(*name, role)
	if err != nil {
		return fmt.Errorf("token: %w", err)
	}
	logger.Info("token issued", "name", *name, "role", string(role), "expires_at", expiry.UTC().Format(time.RFC3339))
	fmt.Println(tok)
	return nil
}

