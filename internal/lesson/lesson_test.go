package lesson

import (
	"context"
	"testing"

	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/hanrei/internal/model"
	"github.com/ashita-ai/hanrei/internal/service/embedding"
	"github.com/ashita-ai/hanrei/internal/testutil"
)

type fakeLessonStore struct {
	inserted []model.Lesson
	hits     []model.LessonHit

	lastRole      string
	lastModel     string
	lastDim       int
	lastK         int
	lastSameModel bool
}

func (f *fakeLessonStore) InsertLesson(_ context.Context, l model.Lesson) (model.Lesson, error) {
	f.inserted = append(f.inserted, l)
	return l, nil
}

func (f *fakeLessonStore) SearchLessonsByVector(_ context.Context, role string, _ pgvector.Vector, embedModel string, dim, k int, requireSameModel bool) ([]model.LessonHit, error) {
	f.lastRole = role
	f.lastModel = embedModel
	f.lastDim = dim
	f.lastK = k
	f.lastSameModel = requireSameModel
	return f.hits, nil
}

func newService(store *fakeLessonStore) *Service {
	return New(store, embedding.NewNoopProvider(8), testutil.TestLogger())
}

func TestAssertEmbedsAndInserts(t *testing.T) {
	store := &fakeLessonStore{}
	svc := newService(store)

	l, err := svc.Assert(context.Background(), model.Lesson{
		Role:     "prosecutor",
		Polarity: model.PolarityDo,
		Title:    "Ask for reproduction steps",
		Content:  "Issues without reproduction steps stall.",
	})
	require.NoError(t, err)

	require.Len(t, store.inserted, 1)
	require.NotNil(t, l.Embedding)
	assert.Len(t, l.Embedding.Slice(), 8)
	assert.Equal(t, "noop", l.EmbeddingModel)
	assert.Equal(t, 8, l.EmbeddingDim)
}

func TestAssertValidation(t *testing.T) {
	svc := newService(&fakeLessonStore{})

	_, err := svc.Assert(context.Background(), model.Lesson{Polarity: model.PolarityDo, Title: "x"})
	assert.ErrorContains(t, err, "role is required")

	_, err = svc.Assert(context.Background(), model.Lesson{Role: "jury", Polarity: "maybe", Title: "x"})
	assert.ErrorContains(t, err, "polarity")

	_, err = svc.Assert(context.Background(), model.Lesson{Role: "jury", Polarity: model.PolarityDont})
	assert.ErrorContains(t, err, "no embeddable text")
}

func TestSearchScopesToRoleAndModel(t *testing.T) {
	store := &fakeLessonStore{}
	svc := newService(store)

	_, err := svc.Search(context.Background(), "defense", "flaky test handling", 0)
	require.NoError(t, err)

	assert.Equal(t, "defense", store.lastRole)
	assert.Equal(t, "noop", store.lastModel)
	assert.Equal(t, 8, store.lastDim)
	assert.Equal(t, DefaultSearchK, store.lastK)
	assert.True(t, store.lastSameModel, "cross-model vectors must be excluded")
}

func TestFindDuplicateCandidatesFiltersByDistance(t *testing.T) {
	store := &fakeLessonStore{
		hits: []model.LessonHit{
			{Lesson: model.Lesson{Title: "near"}, Distance: 0.1},
			{Lesson: model.Lesson{Title: "edge"}, Distance: 0.25},
			{Lesson: model.Lesson{Title: "far"}, Distance: 0.6},
		},
	}
	svc := newService(store)

	dups, err := svc.FindDuplicateCandidates(context.Background(), model.Lesson{
		Role: "judge", Polarity: model.PolarityDo, Title: "Ask for logs",
	}, 5)
	require.NoError(t, err)

	require.Len(t, dups, 2)
	assert.Equal(t, "near", dups[0].Lesson.Title)
	assert.Equal(t, "edge", dups[1].Lesson.Title, "distance equal to the cutoff still counts")
}
