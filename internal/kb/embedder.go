package kb

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ashita-ai/hanrei/internal/model"
	"github.com/ashita-ai/hanrei/internal/service/embedding"
	"github.com/ashita-ai/hanrei/internal/storage"
)

// DefaultBatchSize is how many pending documents one embeddings call
// covers.
const DefaultBatchSize = 64

// EmbedStore is the slice of storage the embedder reads and writes.
type EmbedStore interface {
	ListPendingEmbeddings(ctx context.Context, embedModel string, limit int) ([]storage.PendingEmbedding, error)
	UpsertKBEmbedding(ctx context.Context, e model.KBEmbedding) error
}

// Embedder keeps kb_embedding rows in sync with kb_document text: a row
// is pending when no embedding exists for the active model or when the
// stored source hash no longer matches the document text.
type Embedder struct {
	store     EmbedStore
	provider  embedding.Provider
	batchSize int
	logger    *slog.Logger
}

// NewEmbedder wires an Embedder. batchSize zero selects the default.
func NewEmbedder(store EmbedStore, provider embedding.Provider, batchSize int, logger *slog.Logger) *Embedder {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Embedder{store: store, provider: provider, batchSize: batchSize, logger: logger}
}

// Run embeds pending documents batch by batch until none remain, and
// returns the number of rows embedded. Batches are always bounded.
func (e *Embedder) Run(ctx context.Context) (int, error) {
	total := 0
	for {
		pending, err := e.store.ListPendingEmbeddings(ctx, e.provider.Model(), e.batchSize)
		if err != nil {
			return total, fmt.Errorf("kb: list pending embeddings: %w", err)
		}
		if len(pending) == 0 {
			return total, nil
		}

		texts := make([]string, len(pending))
		for i, p := range pending {
			texts[i] = p.Text
		}
		vecs, err := e.provider.EmbedBatch(ctx, texts)
		if err != nil {
			return total, fmt.Errorf("kb: embed batch of %d: %w", len(texts), err)
		}
		if len(vecs) != len(pending) {
			return total, fmt.Errorf("kb: provider returned %d vectors for %d texts", len(vecs), len(pending))
		}

		for i, p := range pending {
			err := e.store.UpsertKBEmbedding(ctx, model.KBEmbedding{
				KBID:       p.KBID,
				Model:      e.provider.Model(),
				Dims:       e.provider.Dimensions(),
				Embedding:  vecs[i],
				SourceHash: model.TextHash(p.Text),
			})
			if err != nil {
				return total, fmt.Errorf("kb: upsert embedding %s: %w", p.KBID, err)
			}
			total++
		}
		e.logger.Info("kb: embedded batch", "count", len(pending), "model", e.provider.Model())

		// a short batch means the backlog is drained
		if len(pending) < e.batchSize {
			return total, nil
		}
	}
}
