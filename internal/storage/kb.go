package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/ashita-ai/hanrei/internal/model"
)

// UpsertKBDocument inserts or refreshes a kb_document row. Text and
// metadata pass the guard; kb_id is the stable content address.
func (db *DB) UpsertKBDocument(ctx context.Context, doc model.KBDocument) error {
	if err := db.guard.AssertAny(map[string]any{
		"text":     doc.Text,
		"metadata": doc.Metadata,
	}); err != nil {
		return fmt.Errorf("storage: upsert kb document refused: %w", err)
	}
	if doc.Metadata == nil {
		doc.Metadata = map[string]any{}
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO kb_document (kb_id, repo_full_name, item_type, item_number, section, source_ref, text, metadata, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
		 ON CONFLICT (kb_id) DO UPDATE SET
		   repo_full_name = EXCLUDED.repo_full_name,
		   item_type = EXCLUDED.item_type,
		   item_number = EXCLUDED.item_number,
		   section = EXCLUDED.section,
		   source_ref = EXCLUDED.source_ref,
		   text = EXCLUDED.text,
		   metadata = EXCLUDED.metadata,
		   updated_at = now()`,
		doc.KBID, doc.RepoFullName, doc.ItemType, doc.ItemNumber, string(doc.Section),
		doc.SourceRef, doc.Text, doc.Metadata,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert kb document: %w", err)
	}
	return nil
}

// PendingEmbedding is a kb_document whose embedding under a model is
// missing or stale (source_hash mismatch).
type PendingEmbedding struct {
	KBID string
	Text string
}

// ListPendingEmbeddings returns documents that need (re-)embedding under
// the given model: no kb_embedding row, or one whose source_hash no longer
// matches the current text.
func (db *DB) ListPendingEmbeddings(ctx context.Context, embedModel string, limit int) ([]PendingEmbedding, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := db.pool.Query(ctx,
		`SELECT d.kb_id, d.text
		 FROM kb_document d
		 LEFT JOIN kb_embedding e ON e.kb_id = d.kb_id AND e.model = $1
		 WHERE e.kb_id IS NULL OR e.source_hash <> encode(sha256(convert_to(d.text, 'UTF8')), 'hex')
		 ORDER BY d.kb_id
		 LIMIT $2`, embedModel, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list pending embeddings: %w", err)
	}
	defer rows.Close()

	var pending []PendingEmbedding
	for rows.Next() {
		var p PendingEmbedding
		if err := rows.Scan(&p.KBID, &p.Text); err != nil {
			return nil, fmt.Errorf("storage: scan pending embedding: %w", err)
		}
		pending = append(pending, p)
	}
	return pending, rows.Err()
}

// UpsertKBEmbedding writes the vector for (kb_id, model). The primary key
// plus ON CONFLICT DO UPDATE gives at-most-once-concurrent semantics per
// document and model.
func (db *DB) UpsertKBEmbedding(ctx context.Context, e model.KBEmbedding) error {
	if len(e.Embedding.Slice()) != e.Dims {
		return fmt.Errorf("storage: upsert kb embedding: vector length %d does not match dims %d",
			len(e.Embedding.Slice()), e.Dims)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: upsert kb embedding: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`INSERT INTO kb_embedding (kb_id, model, dims, embedding, source_hash, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (kb_id, model) DO UPDATE SET
		   dims = EXCLUDED.dims,
		   embedding = EXCLUDED.embedding,
		   source_hash = EXCLUDED.source_hash,
		   created_at = now()`,
		e.KBID, e.Model, e.Dims, e.Embedding, e.SourceHash, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert kb embedding: %w", err)
	}

	// Enqueue the mirror write in the same transaction so the secondary
	// index never observes an embedding Postgres did not commit.
	if db.mirrorOutbox {
		if _, err := tx.Exec(ctx,
			`INSERT INTO search_outbox (kb_id, operation) VALUES ($1, 'upsert')`, e.KBID,
		); err != nil {
			return fmt.Errorf("storage: enqueue search outbox: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: upsert kb embedding: commit: %w", err)
	}
	return nil
}

// GetKBEmbedding retrieves the embedding row for (kb_id, model).
func (db *DB) GetKBEmbedding(ctx context.Context, kbID, embedModel string) (model.KBEmbedding, error) {
	var e model.KBEmbedding
	err := db.pool.QueryRow(ctx,
		`SELECT kb_id, model, dims, embedding, source_hash, created_at
		 FROM kb_embedding WHERE kb_id = $1 AND model = $2`, kbID, embedModel,
	).Scan(&e.KBID, &e.Model, &e.Dims, &e.Embedding, &e.SourceHash, &e.CreatedAt)
	if err != nil {
		return model.KBEmbedding{}, fmt.Errorf("storage: get kb embedding: %w", err)
	}
	return e, nil
}

// CountKBDocuments returns the number of kb_document rows, optionally
// filtered by repo.
func (db *DB) CountKBDocuments(ctx context.Context, repo string) (int64, error) {
	var n int64
	err := db.pool.QueryRow(ctx,
		`SELECT count(*) FROM kb_document WHERE ($1 = '' OR repo_full_name = $1)`, repo,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: count kb documents: %w", err)
	}
	return n, nil
}
