package kb

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/hanrei/internal/model"
	"github.com/ashita-ai/hanrei/internal/service/embedding"
	"github.com/ashita-ai/hanrei/internal/storage"
)

// fakeEmbedStore mimics the pending query: a doc is pending until an
// embedding with a matching source hash exists.
type fakeEmbedStore struct {
	texts      map[string]string
	embeddings map[string]model.KBEmbedding
}

func newFakeEmbedStore(texts map[string]string) *fakeEmbedStore {
	return &fakeEmbedStore{texts: texts, embeddings: map[string]model.KBEmbedding{}}
}

func (s *fakeEmbedStore) ListPendingEmbeddings(_ context.Context, embedModel string, limit int) ([]storage.PendingEmbedding, error) {
	var ids []string
	for id := range s.texts {
		ids = append(ids, id)
	}
	// deterministic order like the SQL's ORDER BY kb_id
	sort.Strings(ids)
	var pending []storage.PendingEmbedding
	for _, id := range ids {
		e, ok := s.embeddings[id+"|"+embedModel]
		if ok && e.SourceHash == model.TextHash(s.texts[id]) {
			continue
		}
		pending = append(pending, storage.PendingEmbedding{KBID: id, Text: s.texts[id]})
		if len(pending) == limit {
			break
		}
	}
	return pending, nil
}

func (s *fakeEmbedStore) UpsertKBEmbedding(_ context.Context, e model.KBEmbedding) error {
	s.embeddings[e.KBID+"|"+e.Model] = e
	return nil
}

func TestEmbedderDrainsBacklogInBatches(t *testing.T) {
	texts := map[string]string{}
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		texts[id] = "text " + id
	}
	store := newFakeEmbedStore(texts)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	e := NewEmbedder(store, embedding.NewNoopProvider(4), 2, logger)
	n, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Len(t, store.embeddings, 5)

	for id, text := range texts {
		emb := store.embeddings[id+"|noop"]
		assert.Equal(t, model.TextHash(text), emb.SourceHash)
		assert.Equal(t, 4, emb.Dims)
	}
}

func TestEmbedderReembedsOnTextChange(t *testing.T) {
	store := newFakeEmbedStore(map[string]string{"doc": "original text"})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := NewEmbedder(store, embedding.NewNoopProvider(4), 64, logger)

	n, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// unchanged text is not re-embedded
	n, err = e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// edited text flips the source hash and becomes pending again
	store.texts["doc"] = "edited text"
	n, err = e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, model.TextHash("edited text"), store.embeddings["doc|noop"].SourceHash)
}
