// Package search retrieves KB documents three ways: keyword rank over
// the tsvector column, approximate nearest neighbor over pgvector, and
// the default hybrid that fuses both with Reciprocal Rank Fusion.
package search

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/ashita-ai/hanrei/internal/model"
	"github.com/ashita-ai/hanrei/internal/service/embedding"
	"github.com/ashita-ai/hanrei/internal/storage"
)

const (
	// rrfK0 is the rank-smoothing constant in Reciprocal Rank Fusion.
	rrfK0 = 60

	// DefaultKeywordWeight and DefaultVectorWeight bias the fusion
	// toward semantic hits.
	DefaultKeywordWeight = 0.3
	DefaultVectorWeight  = 0.7

	// DefaultLimit is the result count when the caller does not choose.
	DefaultLimit = 10
)

// Options tune one search call.
type Options struct {
	Repo          string
	Limit         int
	KeywordWeight float64
	VectorWeight  float64
}

func (o *Options) defaults() {
	if o.Limit <= 0 {
		o.Limit = DefaultLimit
	}
	if o.KeywordWeight <= 0 && o.VectorWeight <= 0 {
		o.KeywordWeight = DefaultKeywordWeight
		o.VectorWeight = DefaultVectorWeight
	}
}

// Service runs retrieval over the KB tables.
type Service struct {
	db       *storage.DB
	provider embedding.Provider
	logger   *slog.Logger
}

// New creates a search Service.
func New(db *storage.DB, provider embedding.Provider, logger *slog.Logger) *Service {
	return &Service{db: db, provider: provider, logger: logger}
}

// Search dispatches on the requested mode. Hybrid is the default.
func (s *Service) Search(ctx context.Context, mode model.SearchType, query string, opts Options) ([]model.KBSearchResult, error) {
	opts.defaults()
	switch mode {
	case model.SearchKeyword:
		return s.Keyword(ctx, query, opts)
	case model.SearchVector:
		return s.Vector(ctx, query, opts)
	case model.SearchHybrid, "":
		return s.Hybrid(ctx, query, opts)
	default:
		return nil, fmt.Errorf("search: unknown mode %q", mode)
	}
}

const resultCols = `d.kb_id, d.item_type, d.item_number, d.section, d.source_ref, d.text, d.metadata`

// Keyword ranks documents by ts_rank over the generated tsvector.
func (s *Service) Keyword(ctx context.Context, query string, opts Options) ([]model.KBSearchResult, error) {
	opts.defaults()
	rows, err := s.db.Pool().Query(ctx, `
		SELECT `+resultCols+`,
		       ts_rank(d.text_tsv, plainto_tsquery('simple', $1))::float8 AS score
		FROM kb_document d
		WHERE d.text_tsv @@ plainto_tsquery('simple', $1)
		  AND ($2 = '' OR d.repo_full_name = $2)
		ORDER BY score DESC, d.kb_id ASC
		LIMIT $3`,
		query, opts.Repo, opts.Limit)
	if err != nil {
		return nil, fmt.Errorf("search: keyword query: %w", err)
	}
	defer rows.Close()
	return scanResults(rows)
}

// Vector embeds the query and ranks by L2 distance, restricted to
// embeddings produced by the active model at the expected dimensions.
// Scores are negated distances so that larger is always better.
func (s *Service) Vector(ctx context.Context, query string, opts Options) ([]model.KBSearchResult, error) {
	opts.defaults()
	vec, err := s.provider.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("search: embed query: %w", err)
	}
	return s.vectorWith(ctx, vec, opts)
}

func (s *Service) vectorWith(ctx context.Context, vec pgvector.Vector, opts Options) ([]model.KBSearchResult, error) {
	rows, err := s.db.Pool().Query(ctx, `
		SELECT `+resultCols+`,
		       -(e.embedding <-> $1)::float8 AS score
		FROM kb_embedding e
		JOIN kb_document d ON d.kb_id = e.kb_id
		WHERE e.model = $2 AND e.dims = $3
		  AND ($4 = '' OR d.repo_full_name = $4)
		ORDER BY e.embedding <-> $1 ASC, d.kb_id ASC
		LIMIT $5`,
		vec, s.provider.Model(), s.provider.Dimensions(), opts.Repo, opts.Limit)
	if err != nil {
		return nil, fmt.Errorf("search: vector query: %w", err)
	}
	defer rows.Close()
	return scanResults(rows)
}

// Hybrid fetches twice the requested limit from each mode and fuses the
// ranked lists with Reciprocal Rank Fusion.
func (s *Service) Hybrid(ctx context.Context, query string, opts Options) ([]model.KBSearchResult, error) {
	opts.defaults()
	wide := opts
	wide.Limit = opts.Limit * 2

	keyword, err := s.Keyword(ctx, query, wide)
	if err != nil {
		return nil, err
	}
	vector, err := s.Vector(ctx, query, wide)
	if err != nil {
		return nil, err
	}

	return FuseRRF(keyword, vector, opts), nil
}

// FuseRRF combines two ranked lists: score(doc) = Σ wᵢ / (k₀ + rankᵢ)
// with rank starting at 1. Ties break on fused score descending, then
// the document's vector score descending, then kb_id ascending.
func FuseRRF(keyword, vector []model.KBSearchResult, opts Options) []model.KBSearchResult {
	opts.defaults()

	type fused struct {
		result      model.KBSearchResult
		score       float64
		vectorScore float64
	}
	byID := map[string]*fused{}

	fold := func(results []model.KBSearchResult, weight float64, isVector bool) {
		for rank, r := range results {
			f, ok := byID[r.KBID]
			if !ok {
				f = &fused{result: r}
				byID[r.KBID] = f
			}
			f.score += weight / float64(rrfK0+rank+1)
			if isVector {
				f.vectorScore = r.Score
			}
		}
	}
	fold(keyword, opts.KeywordWeight, false)
	fold(vector, opts.VectorWeight, true)

	all := make([]*fused, 0, len(byID))
	for _, f := range byID {
		all = append(all, f)
	}
	sort.Slice(all, func(i, j int) bool {
		a, b := all[i], all[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if a.vectorScore != b.vectorScore {
			return a.vectorScore > b.vectorScore
		}
		return a.result.KBID < b.result.KBID
	})

	out := make([]model.KBSearchResult, 0, opts.Limit)
	for _, f := range all {
		r := f.result
		r.Score = f.score
		out = append(out, r)
		if len(out) == opts.Limit {
			break
		}
	}
	return out
}

func scanResults(rows pgx.Rows) ([]model.KBSearchResult, error) {
	var results []model.KBSearchResult
	for rows.Next() {
		var r model.KBSearchResult
		var section string
		if err := rows.Scan(&r.KBID, &r.ItemType, &r.ItemNumber, &section, &r.SourceRef, &r.Text, &r.Metadata, &r.Score); err != nil {
			return nil, fmt.Errorf("search: scan result: %w", err)
		}
		r.Section = model.KBSection(section)
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("search: iterate results: %w", err)
	}
	return results, nil
}
