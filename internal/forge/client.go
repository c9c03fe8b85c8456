// Package forge pulls closed issues and pull requests out of a GitHub
// repository and archives every raw exchange before any processing
// happens. Discovery goes through the REST search API, hydration through
// GraphQL plus the REST files endpoint.
package forge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/ashita-ai/hanrei/internal/archive"
	"github.com/ashita-ai/hanrei/internal/httpx"
)

const (
	// DefaultAPIBase is the GitHub REST endpoint.
	DefaultAPIBase = "https://api.github.com"

	// DefaultGraphQLURL is the GitHub GraphQL endpoint.
	DefaultGraphQLURL = "https://api.github.com/graphql"

	apiVersion = "2022-11-28"

	// maxConnectionPages guards cursor pagination against a forge that
	// keeps returning hasNextPage.
	maxConnectionPages = 1000

	// maxSearchPages reflects the GitHub search result cap.
	maxSearchPages = 100
)

// GraphQLError is returned when a GraphQL response carries an errors
// array. The exchange itself succeeded and was archived.
type GraphQLError struct {
	Count   int
	Message string
	Path    []any
}

func (e *GraphQLError) Error() string {
	return fmt.Sprintf("forge: graphql returned %d error(s), first: %q path=%v", e.Count, e.Message, e.Path)
}

// Client is the archiving forge client. Every attempt of every request is
// written to the archive store before the response is interpreted.
type Client struct {
	http    *httpx.Client
	store   *archive.Store
	ledger  *archive.Ledger
	runID   string
	token   string
	apiBase string
	gqlURL  string
	logger  *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithEndpoints overrides the REST and GraphQL endpoints (tests, GHE).
func WithEndpoints(apiBase, graphqlURL string) ClientOption {
	return func(c *Client) {
		c.apiBase = strings.TrimSuffix(apiBase, "/")
		c.gqlURL = graphqlURL
	}
}

// WithLedger attaches a run ledger; every archived exchange is also
// recorded there under runID.
func WithLedger(l *archive.Ledger, runID string) ClientOption {
	return func(c *Client) {
		c.ledger = l
		c.runID = runID
	}
}

// NewClient creates a forge client. token may be empty for discovery-only
// runs against public repositories.
func NewClient(hc *httpx.Client, store *archive.Store, token string, logger *slog.Logger, opts ...ClientOption) *Client {
	c := &Client{
		http:    hc,
		store:   store,
		token:   token,
		apiBase: DefaultAPIBase,
		gqlURL:  DefaultGraphQLURL,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) headers(hasBody bool) map[string]string {
	h := map[string]string{
		"Accept":               "application/vnd.github+json",
		"X-GitHub-Api-Version": apiVersion,
	}
	if c.token != "" {
		h["Authorization"] = "Bearer " + c.token
	}
	if hasBody {
		h["Content-Type"] = "application/json"
	}
	return h
}

// request performs one archived exchange. The returned record is the last
// attempt that produced an HTTP response; err carries retry-exhaustion or
// non-retriable status failures.
func (c *Client) request(ctx context.Context, method, reqURL string, body any, tag string) (*archive.Record, error) {
	headers := c.headers(body != nil)

	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("forge: marshal request body: %w", err)
		}
	}

	fingerprint := archive.Fingerprint(method, reqURL, headers, body)

	var last *archive.Record
	observe := func(a httpx.Attempt) {
		if a.Err != nil {
			// transport failures never reached the forge; nothing to archive
			return
		}
		rec := &archive.Record{
			StartedAt:  a.StartedAt.Format("2006-01-02T15:04:05.000000") + "Z",
			FinishedAt: a.FinishedAt.Format("2006-01-02T15:04:05.000000") + "Z",
			Request: archive.RecordRequest{
				Method:  method,
				URL:     reqURL,
				Headers: archive.StripAuth(headers),
				Body:    body,
			},
			Response: archive.RecordResponse{
				Status:  a.Status,
				Headers: flattenHeaders(a.Headers),
				JSON:    decodeBody(a.Body),
			},
			Meta: archive.RecordMeta{
				Tag:                tag,
				RequestFingerprint: fingerprint,
				Attempt:            a.Number,
			},
		}
		path, werr := c.store.WriteRecord(rec)
		if werr != nil {
			c.logger.Error("forge: archive write failed", "tag", tag, "error", werr)
			return
		}
		if c.ledger != nil {
			if lerr := c.ledger.RecordRequest(ctx, c.runID, rec, path); lerr != nil {
				c.logger.Warn("forge: ledger write failed", "tag", tag, "error", lerr)
			}
		}
		last = rec
	}

	if _, err := c.http.Do(ctx, method, reqURL, headers, bodyBytes, observe); err != nil {
		return last, fmt.Errorf("forge: %s %s: %w", method, tag, err)
	}
	if last == nil {
		return nil, fmt.Errorf("forge: %s %s: no archived response", method, tag)
	}
	return last, nil
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = strings.Join(v, ", ")
	}
	return out
}

// decodeBody keeps the archive honest about what came back: valid JSON is
// stored as-is, anything else wrapped so the raw text survives.
func decodeBody(body []byte) any {
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return map[string]any{"_non_json_body": string(body)}
	}
	return v
}

// GraphQL performs an archived GraphQL call and surfaces response-level
// errors as a GraphQLError.
func (c *Client) GraphQL(ctx context.Context, query string, variables map[string]any, tag string) (*archive.Record, error) {
	rec, err := c.request(ctx, http.MethodPost, c.gqlURL, map[string]any{
		"query":     query,
		"variables": variables,
	}, tag)
	if err != nil {
		return rec, err
	}
	payload, ok := rec.Response.JSON.(map[string]any)
	if !ok {
		return rec, fmt.Errorf("forge: graphql %s: non-object response", tag)
	}
	errList, _ := payload["errors"].([]any)
	if len(errList) == 0 {
		return rec, nil
	}
	gerr := &GraphQLError{Count: len(errList)}
	if first, ok := errList[0].(map[string]any); ok {
		gerr.Message, _ = first["message"].(string)
		gerr.Path, _ = first["path"].([]any)
	}
	return rec, gerr
}

// SearchIssues runs the REST search endpoint page by page and returns the
// accumulated items. Pagination stops at a short page or the search cap.
func (c *Client) SearchIssues(ctx context.Context, q string, perPage int, tagPrefix string) ([]map[string]any, error) {
	var results []map[string]any
	for page := 1; page <= maxSearchPages; page++ {
		params := url.Values{}
		params.Set("q", q)
		params.Set("per_page", strconv.Itoa(perPage))
		params.Set("page", strconv.Itoa(page))
		reqURL := c.apiBase + "/search/issues?" + params.Encode()
		tag := fmt.Sprintf("%s_page%d", tagPrefix, page)

		rec, err := c.request(ctx, http.MethodGet, reqURL, nil, tag)
		if err != nil {
			return nil, err
		}
		data, _ := rec.Response.JSON.(map[string]any)
		items, _ := data["items"].([]any)
		for _, it := range items {
			if m, ok := it.(map[string]any); ok {
				results = append(results, m)
			}
		}
		if len(items) < perPage {
			break
		}
	}
	return results, nil
}

// paginate drives a cursor connection to exhaustion. getPage receives the
// cursor of the previous page, nil for the first.
func (c *Client) paginate(ctx context.Context, getPage func(ctx context.Context, after *string) (*archive.Record, error)) error {
	var after *string
	for pages := 1; ; pages++ {
		if pages > maxConnectionPages {
			return fmt.Errorf("forge: pagination exceeded %d pages", maxConnectionPages)
		}
		rec, err := getPage(ctx, after)
		if err != nil {
			return err
		}
		hasNext, cursor, ok := extractPageInfo(rec.Response.JSON)
		if !ok || !hasNext || cursor == "" {
			return nil
		}
		after = &cursor
	}
}

// extractPageInfo locates the first pageInfo object anywhere in a decoded
// response by a deterministic depth-first walk over sorted keys. It stays
// shape-agnostic so every connection query can share it.
func extractPageInfo(data any) (hasNext bool, endCursor string, found bool) {
	switch v := data.(type) {
	case map[string]any:
		if pi, ok := v["pageInfo"].(map[string]any); ok {
			if hn, ok := pi["hasNextPage"].(bool); ok {
				cursor, _ := pi["endCursor"].(string)
				return hn, cursor, true
			}
		}
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if hn, cursor, ok := extractPageInfo(v[k]); ok {
				return hn, cursor, true
			}
		}
	case []any:
		for _, item := range v {
			if hn, cursor, ok := extractPageInfo(item); ok {
				return hn, cursor, true
			}
		}
	}
	return false, "", false
}

// cursorTag hashes a pagination cursor into the short suffix used in
// archive tags. The first page uses the literal "start".
func cursorTag(after *string) string {
	s := "start"
	if after != nil && *after != "" {
		s = *after
	}
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:8]
}
