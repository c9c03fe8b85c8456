package forge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/hanrei/internal/archive"
	"github.com/ashita-ai/hanrei/internal/httpx"
)

// fakeForge serves just enough of the REST and GraphQL surface to drive a
// full ingest run for one pull request and one issue.
type fakeForge struct {
	rateLimitOnce atomic.Bool
}

func (f *fakeForge) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /search/issues", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query().Get("q")
		var items []map[string]any
		switch {
		case strings.Contains(q, "is:pr"):
			items = []map[string]any{{"number": 7, "html_url": "https://example.com/pull/7"}}
		case strings.Contains(q, "is:issue"):
			items = []map[string]any{{"number": 3, "html_url": "https://example.com/issues/3"}}
		}
		writeJSON(w, http.StatusOK, map[string]any{"total_count": len(items), "items": items})
	})
	mux.HandleFunc("POST /graphql", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req struct {
			Query     string         `json:"query"`
			Variables map[string]any `json:"variables"`
		}
		_ = json.Unmarshal(body, &req)
		number := int(req.Variables["number"].(float64))

		switch {
		case strings.Contains(req.Query, "GetIssueOrPRCore"):
			typename := "Issue"
			if number == 7 {
				typename = "PullRequest"
			}
			writeJSON(w, http.StatusOK, gqlItem(map[string]any{
				"__typename": typename,
				"number":     number,
				"title":      fmt.Sprintf("item %d", number),
			}))
		case strings.Contains(req.Query, "GetItemCommentsPage"):
			// first comments request is rate limited once
			if f.rateLimitOnce.CompareAndSwap(false, true) {
				w.Header().Set("Retry-After", "3")
				writeJSON(w, http.StatusTooManyRequests, map[string]any{"message": "rate limited"})
				return
			}
			writeJSON(w, http.StatusOK, gqlItem(map[string]any{
				"comments": connection(nil, false, ""),
			}))
		case strings.Contains(req.Query, "GetItemTimelinePage"):
			writeJSON(w, http.StatusOK, gqlItem(map[string]any{
				"timelineItems": connection(nil, false, ""),
			}))
		case strings.Contains(req.Query, "GetPRReviewsPage"),
			strings.Contains(req.Query, "GetPRFilesPage"):
			writeJSON(w, http.StatusOK, map[string]any{
				"data": map[string]any{"repository": map[string]any{"pullRequest": map[string]any{
					"reviews": connection(nil, false, ""),
					"files":   connection(nil, false, ""),
				}}},
			})
		default:
			writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{}})
		}
	})
	mux.HandleFunc("GET /repos/octo/widgets/pulls/7/files", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, []map[string]any{
			{"filename": "main.go", "additions": 4, "deletions": 1, "patch": "@@ -1 +1 @@"},
		})
	})
	return mux
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func gqlItem(item map[string]any) map[string]any {
	return map[string]any{"data": map[string]any{"repository": map[string]any{"issueOrPullRequest": item}}}
}

func connection(nodes []any, hasNext bool, cursor string) map[string]any {
	if nodes == nil {
		nodes = []any{}
	}
	return map[string]any{
		"pageInfo": map[string]any{"hasNextPage": hasNext, "endCursor": cursor},
		"nodes":    nodes,
	}
}

func newTestIngester(t *testing.T, srv *httptest.Server, dir string, sleeps *[]time.Duration) *Ingester {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hc := httpx.New(5*time.Second, logger, httpx.WithSleep(func(_ context.Context, d time.Duration) error {
		*sleeps = append(*sleeps, d)
		return nil
	}))
	store := archive.NewStore(dir)
	client := NewClient(hc, store, "test-token", logger, WithEndpoints(srv.URL, srv.URL+"/graphql"))
	return NewIngester(client, store, logger)
}

func TestIngestRunArchivesEveryExchange(t *testing.T) {
	forge := &fakeForge{}
	srv := httptest.NewServer(forge.handler())
	defer srv.Close()

	dir := t.TempDir()
	var sleeps []time.Duration
	ing := newTestIngester(t, srv, dir, &sleeps)

	res, err := ing.Run(context.Background(), IngestOptions{
		Owner: "octo", Repo: "widgets",
		Start: "2026-06-01", End: "2026-06-15",
		PerPage: 100, Concurrency: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, "octo/widgets", res.Repo)
	assert.Equal(t, 1, res.DiscoveredPRs)
	assert.Equal(t, 1, res.Issues)
	assert.Equal(t, 2, res.Hydrated)

	// the rate-limited attempt honored Retry-After
	require.NotEmpty(t, sleeps)
	assert.GreaterOrEqual(t, sleeps[0], 3*time.Second)

	// manifests written
	for _, name := range []string{"run.json", "discovered_index.json", "run_finished.json"} {
		_, err := os.Stat(filepath.Join(dir, name))
		require.NoError(t, err, name)
	}

	var finished archive.RunFinished
	data, err := os.ReadFile(filepath.Join(dir, "run_finished.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &finished))
	assert.Equal(t, 2, finished.HydratedItemCount)

	// both attempts of the rate-limited comments page are archived
	tags := map[string]int{}
	store := archive.NewStore(dir)
	require.NoError(t, store.Walk(func(_ string, rec *archive.Record) error {
		tags[rec.Meta.Tag]++
		assert.NotContains(t, rec.Request.Headers, "Authorization")
		return nil
	}))
	assert.Equal(t, 1, tags["discovery_pr_page1"])
	assert.Equal(t, 1, tags["discovery_issue_page1"])
	assert.Equal(t, 1, tags["graphql_core_item7"])
	assert.Equal(t, 1, tags["graphql_core_item3"])
	assert.Equal(t, 1, tags["rest_pr_files_pr7_page1"])

	commentPages := 0
	for tag, count := range tags {
		if strings.HasPrefix(tag, "graphql_comments_item") {
			commentPages += count
		}
	}
	// one item paid an extra attempt for the 429, archived under the same tag
	assert.Equal(t, 3, commentPages)
}

func TestIngestNoHydrate(t *testing.T) {
	forge := &fakeForge{}
	srv := httptest.NewServer(forge.handler())
	defer srv.Close()

	dir := t.TempDir()
	var sleeps []time.Duration
	ing := newTestIngester(t, srv, dir, &sleeps)

	res, err := ing.Run(context.Background(), IngestOptions{
		Owner: "octo", Repo: "widgets",
		Start: "2026-06-01", End: "2026-06-15",
		NoHydrate: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Hydrated)

	_, err = os.Stat(filepath.Join(dir, "run_finished.json"))
	assert.True(t, os.IsNotExist(err))
}

func TestExtractPageInfo(t *testing.T) {
	var data any
	require.NoError(t, json.Unmarshal([]byte(`{
		"data": {"repository": {"issueOrPullRequest": {
			"comments": {
				"pageInfo": {"hasNextPage": true, "endCursor": "Y3Vyc29y"},
				"nodes": []
			}
		}}}
	}`), &data))

	hasNext, cursor, ok := extractPageInfo(data)
	require.True(t, ok)
	assert.True(t, hasNext)
	assert.Equal(t, "Y3Vyc29y", cursor)

	_, _, ok = extractPageInfo(map[string]any{"data": map[string]any{}})
	assert.False(t, ok)
}

func TestCursorTag(t *testing.T) {
	first := cursorTag(nil)
	assert.Len(t, first, 8)

	cursor := "abc"
	assert.NotEqual(t, first, cursorTag(&cursor))
	assert.Equal(t, cursorTag(&cursor), cursorTag(&cursor))
}

func TestGraphQLErrorSurfaced(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"errors": []map[string]any{{"message": "rate budget exhausted", "path": []any{"repository"}}},
		})
	}))
	defer srv.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hc := httpx.New(time.Second, logger)
	store := archive.NewStore(t.TempDir())
	client := NewClient(hc, store, "", logger, WithEndpoints(srv.URL, srv.URL+"/graphql"))

	_, err := client.GraphQL(context.Background(), queryCore, map[string]any{"number": 1}, "graphql_core_item1")
	var gerr *GraphQLError
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, 1, gerr.Count)
	assert.Equal(t, "rate budget exhausted", gerr.Message)
}
