package forge

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/hanrei/internal/archive"
)

// IngestOptions describes one ingest run: a repository and a closed-at
// window, both dates YYYY-MM-DD in UTC.
type IngestOptions struct {
	Owner string
	Repo  string
	Start string
	End   string

	PerPage     int
	MaxItems    int
	NoHydrate   bool
	Concurrency int
}

func (o *IngestOptions) defaults() {
	if o.PerPage <= 0 {
		o.PerPage = 100
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
}

// IngestResult summarizes a completed run.
type IngestResult struct {
	Repo          string
	DiscoveredPRs int
	Issues        int
	Hydrated      int
}

// Ingester runs discovery and hydration against one repository, writing
// every exchange to the archive as it goes.
type Ingester struct {
	client *Client
	store  *archive.Store
	logger *slog.Logger
}

// NewIngester wires an Ingester over an archiving client.
func NewIngester(client *Client, store *archive.Store, logger *slog.Logger) *Ingester {
	return &Ingester{client: client, store: store, logger: logger}
}

// Run executes the full ingest: run manifest, REST discovery of closed
// PRs and issues in the window, then GraphQL hydration of every
// discovered number. Hydration is parallel per item with a bounded
// worker count; the first item failure cancels the rest.
func (ing *Ingester) Run(ctx context.Context, opts IngestOptions) (*IngestResult, error) {
	opts.defaults()
	repo := opts.Owner + "/" + opts.Repo

	if err := ing.store.WriteManifest("run.json", map[string]any{
		"repo":       repo,
		"window":     map[string]any{"closedAt_start": opts.Start, "closedAt_end": opts.End},
		"started_at": archive.NowUTC(),
		"notes":      "Raw-only ingestion. No normalization or downstream processing performed.",
	}); err != nil {
		return nil, err
	}

	qPR := fmt.Sprintf("repo:%s is:pr state:closed closed:%s..%s", repo, opts.Start, opts.End)
	qIssue := fmt.Sprintf("repo:%s is:issue state:closed closed:%s..%s", repo, opts.Start, opts.End)

	prItems, err := ing.client.SearchIssues(ctx, qPR, opts.PerPage, "discovery_pr")
	if err != nil {
		return nil, fmt.Errorf("forge: discover pull requests: %w", err)
	}
	issueItems, err := ing.client.SearchIssues(ctx, qIssue, opts.PerPage, "discovery_issue")
	if err != nil {
		return nil, fmt.Errorf("forge: discover issues: %w", err)
	}

	if err := ing.store.WriteManifest("discovered_index.json", map[string]any{
		"repo":   repo,
		"window": map[string]any{"closedAt_start": opts.Start, "closedAt_end": opts.End},
		"discovery": map[string]any{
			"pr_count":    len(prItems),
			"issue_count": len(issueItems),
			"prs":         indexEntries(prItems),
			"issues":      indexEntries(issueItems),
		},
	}); err != nil {
		return nil, err
	}

	result := &IngestResult{Repo: repo, DiscoveredPRs: len(prItems), Issues: len(issueItems)}
	if opts.NoHydrate {
		return result, nil
	}

	numbers := itemNumbers(prItems, issueItems)
	if opts.MaxItems > 0 && len(numbers) > opts.MaxItems {
		numbers = numbers[:opts.MaxItems]
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)
	for _, n := range numbers {
		g.Go(func() error {
			if err := ing.hydrateItem(gctx, opts, n); err != nil {
				return fmt.Errorf("forge: hydrate item %d: %w", n, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	result.Hydrated = len(numbers)
	if err := ing.store.WriteManifest("run_finished.json", archive.RunFinished{
		FinishedAt:        archive.NowUTC(),
		HydratedItemCount: len(numbers),
	}); err != nil {
		return nil, err
	}
	return result, nil
}

// hydrateItem pulls the core record, then every comment, timeline, review
// and file page for one issue or pull request.
func (ing *Ingester) hydrateItem(ctx context.Context, opts IngestOptions, number int) error {
	vars := map[string]any{"owner": opts.Owner, "name": opts.Repo}

	rec, err := ing.client.GraphQL(ctx, queryCore, withNumber(vars, number), fmt.Sprintf("graphql_core_item%d", number))
	if err != nil {
		return err
	}
	typename := itemTypename(rec.Response.JSON)

	err = ing.client.paginate(ctx, func(ctx context.Context, after *string) (*archive.Record, error) {
		tag := fmt.Sprintf("graphql_comments_item%d_p%s", number, cursorTag(after))
		return ing.client.GraphQL(ctx, queryCommentsPage, withCursor(vars, number, after), tag)
	})
	if err != nil {
		return err
	}

	err = ing.client.paginate(ctx, func(ctx context.Context, after *string) (*archive.Record, error) {
		tag := fmt.Sprintf("graphql_timeline_item%d_p%s", number, cursorTag(after))
		return ing.client.GraphQL(ctx, queryTimelinePage, withCursor(vars, number, after), tag)
	})
	if err != nil {
		return err
	}

	if typename != "PullRequest" {
		return nil
	}

	err = ing.client.paginate(ctx, func(ctx context.Context, after *string) (*archive.Record, error) {
		tag := fmt.Sprintf("graphql_reviews_pr%d_p%s", number, cursorTag(after))
		return ing.client.GraphQL(ctx, queryPRReviewsPage, withCursor(vars, number, after), tag)
	})
	if err != nil {
		return err
	}

	err = ing.client.paginate(ctx, func(ctx context.Context, after *string) (*archive.Record, error) {
		tag := fmt.Sprintf("graphql_files_pr%d_p%s", number, cursorTag(after))
		return ing.client.GraphQL(ctx, queryPRFilesPage, withCursor(vars, number, after), tag)
	})
	if err != nil {
		return err
	}

	// REST files for the patch text GraphQL does not expose.
	for page := 1; page <= maxConnectionPages; page++ {
		url := fmt.Sprintf("%s/repos/%s/%s/pulls/%d/files?per_page=%d&page=%d",
			ing.client.apiBase, opts.Owner, opts.Repo, number, opts.PerPage, page)
		tag := fmt.Sprintf("rest_pr_files_pr%d_page%d", number, page)
		rec, err := ing.client.request(ctx, http.MethodGet, url, nil, tag)
		if err != nil {
			return err
		}
		items, ok := rec.Response.JSON.([]any)
		if !ok || len(items) < opts.PerPage {
			break
		}
	}
	return nil
}

func withNumber(base map[string]any, number int) map[string]any {
	out := make(map[string]any, len(base)+1)
	for k, v := range base {
		out[k] = v
	}
	out["number"] = number
	return out
}

func withCursor(base map[string]any, number int, after *string) map[string]any {
	out := withNumber(base, number)
	if after != nil {
		out["after"] = *after
	} else {
		out["after"] = nil
	}
	return out
}

func itemTypename(data any) string {
	root, _ := data.(map[string]any)
	d, _ := root["data"].(map[string]any)
	repo, _ := d["repository"].(map[string]any)
	item, _ := repo["issueOrPullRequest"].(map[string]any)
	tn, _ := item["__typename"].(string)
	return tn
}

func itemNumbers(lists ...[]map[string]any) []int {
	seen := map[int]bool{}
	var numbers []int
	for _, items := range lists {
		for _, it := range items {
			if f, ok := it["number"].(float64); ok {
				n := int(f)
				if !seen[n] {
					seen[n] = true
					numbers = append(numbers, n)
				}
			}
		}
	}
	sort.Ints(numbers)
	return numbers
}

func indexEntries(items []map[string]any) []map[string]any {
	out := make([]map[string]any, 0, len(items))
	for _, it := range items {
		out = append(out, map[string]any{
			"number": it["number"],
			"url":    it["html_url"],
		})
	}
	return out
}
