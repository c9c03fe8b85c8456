// Package lesson manages the reusable lessons the judge distills from
// cases: asserting new lessons with embedding provenance, role-scoped
// similarity search, and duplicate detection before insert.
package lesson

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pgvector/pgvector-go"

	"github.com/ashita-ai/hanrei/internal/model"
	"github.com/ashita-ai/hanrei/internal/service/embedding"
)

const (
	// DefaultSearchK is the Top-K for similarity search.
	DefaultSearchK = 5
	// DefaultMaxDuplicateDistance is the L2 cutoff below which an existing
	// lesson counts as a duplicate candidate.
	DefaultMaxDuplicateDistance = 0.25
)

// Store is the storage surface the service needs.
type Store interface {
	InsertLesson(ctx context.Context, l model.Lesson) (model.Lesson, error)
	SearchLessonsByVector(ctx context.Context, role string, query pgvector.Vector, embedModel string, dim, k int, requireSameModel bool) ([]model.LessonHit, error)
}

// Service asserts and searches lessons. All embeddings carry model and
// dimension provenance; searches stay within one model's vector space.
type Service struct {
	store    Store
	provider embedding.Provider
	logger   *slog.Logger
}

// New creates a lesson Service.
func New(store Store, provider embedding.Provider, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		provider: provider,
		logger:   logger.With("component", "lesson"),
	}
}

// Assert embeds and persists a lesson. The embedded text is the lesson's
// title, content, and rationale; a lesson with no embeddable text is
// rejected. The storage layer applies the redaction guard before the write.
func (s *Service) Assert(ctx context.Context, l model.Lesson) (model.Lesson, error) {
	if l.Role == "" {
		return model.Lesson{}, fmt.Errorf("lesson: assert: role is required")
	}
	if l.Polarity != model.PolarityDo && l.Polarity != model.PolarityDont {
		return model.Lesson{}, fmt.Errorf("lesson: assert: polarity must be %q or %q", model.PolarityDo, model.PolarityDont)
	}
	text := l.EmbeddingText()
	if text == "" {
		return model.Lesson{}, fmt.Errorf("lesson: assert: no embeddable text (title, content, rationale all empty)")
	}

	vec, err := s.provider.Embed(ctx, text)
	if err != nil {
		return model.Lesson{}, fmt.Errorf("lesson: embed: %w", err)
	}
	l.Embedding = &vec
	l.EmbeddingModel = s.provider.Model()
	l.EmbeddingDim = s.provider.Dimensions()

	inserted, err := s.store.InsertLesson(ctx, l)
	if err != nil {
		return model.Lesson{}, err
	}
	s.logger.Info("lesson asserted", "lesson_id", inserted.ID, "role", inserted.Role, "polarity", inserted.Polarity)
	return inserted, nil
}

// Search embeds the query and returns the k nearest lessons for a role,
// restricted to lessons embedded under the same model and dimensions.
func (s *Service) Search(ctx context.Context, role, query string, k int) ([]model.LessonHit, error) {
	if role == "" {
		return nil, fmt.Errorf("lesson: search: role is required")
	}
	if query == "" {
		return nil, fmt.Errorf("lesson: search: query is required")
	}
	if k <= 0 {
		k = DefaultSearchK
	}

	vec, err := s.provider.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("lesson: embed query: %w", err)
	}
	return s.store.SearchLessonsByVector(ctx, role, vec,
		s.provider.Model(), s.provider.Dimensions(), k, true)
}

// FindDuplicateCandidates returns existing lessons in the same role whose
// embedding sits within the duplicate distance of the given lesson's text.
// Callers use this before Assert to decide whether to supersede instead
// of insert.
func (s *Service) FindDuplicateCandidates(ctx context.Context, l model.Lesson, k int) ([]model.LessonHit, error) {
	text := l.EmbeddingText()
	if text == "" {
		return nil, fmt.Errorf("lesson: duplicates: no embeddable text")
	}
	hits, err := s.Search(ctx, l.Role, text, k)
	if err != nil {
		return nil, err
	}
	dups := make([]model.LessonHit, 0, len(hits))
	for _, h := range hits {
		if h.Distance <= DefaultMaxDuplicateDistance {
			dups = append(dups, h)
		}
	}
	return dups, nil
}
