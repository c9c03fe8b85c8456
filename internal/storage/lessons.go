package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/ashita-ai/hanrei/internal/model"
)

// InsertLesson persists a lesson with its embedding provenance. Free-text
// fields pass the guard before the write.
func (db *DB) InsertLesson(ctx context.Context, l model.Lesson) (model.Lesson, error) {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	if l.Embedding != nil {
		if l.EmbeddingModel == "" || l.EmbeddingDim == 0 {
			return model.Lesson{}, fmt.Errorf("storage: insert lesson: embedding present without model/dim provenance")
		}
		if len(l.Embedding.Slice()) != l.EmbeddingDim {
			return model.Lesson{}, fmt.Errorf("storage: insert lesson: embedding length %d does not match dim %d",
				len(l.Embedding.Slice()), l.EmbeddingDim)
		}
	}

	if err := db.guard.AssertAny(map[string]any{
		"title":     l.Title,
		"content":   l.Content,
		"rationale": l.Rationale,
		"tags":      l.Tags,
	}); err != nil {
		return model.Lesson{}, fmt.Errorf("storage: insert lesson refused: %w", err)
	}

	tags := l.Tags
	if tags == nil {
		tags = []string{}
	}
	evidence := l.EvidenceEventIDs
	if evidence == nil {
		evidence = []uuid.UUID{}
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO lessons
		   (id, case_id, role, polarity, title, content, rationale, confidence, tags,
		    evidence_event_ids, embedding, embedding_model, embedding_dim, supersedes_lesson_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		l.ID, l.CaseID, l.Role, string(l.Polarity), l.Title, l.Content, l.Rationale,
		l.Confidence, tags, evidence, l.Embedding, l.EmbeddingModel, l.EmbeddingDim,
		l.SupersedesLessonID, l.CreatedAt,
	)
	if err != nil {
		return model.Lesson{}, fmt.Errorf("storage: insert lesson: %w", err)
	}
	return l, nil
}

// GetLesson retrieves a lesson by ID.
func (db *DB) GetLesson(ctx context.Context, id uuid.UUID) (model.Lesson, error) {
	row := db.pool.QueryRow(ctx, lessonSelect+` WHERE id = $1`, id)
	l, err := scanLesson(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Lesson{}, fmt.Errorf("storage: lesson %s: %w", id, ErrNotFound)
		}
		return model.Lesson{}, fmt.Errorf("storage: get lesson: %w", err)
	}
	return l, nil
}

// ListLessons returns lessons, optionally filtered by role, newest first.
func (db *DB) ListLessons(ctx context.Context, role string, limit, offset int) ([]model.Lesson, error) {
	if limit <= 0 {
		limit = 50
	}
	query := lessonSelect + ` WHERE ($1 = '' OR role = $1) ORDER BY created_at DESC LIMIT $2 OFFSET $3`
	rows, err := db.pool.Query(ctx, query, role, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("storage: list lessons: %w", err)
	}
	defer rows.Close()

	var lessons []model.Lesson
	for rows.Next() {
		l, err := scanLesson(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan lesson: %w", err)
		}
		lessons = append(lessons, l)
	}
	return lessons, rows.Err()
}

// SearchLessonsByVector runs a role-scoped ANN search ordered by L2 distance.
// When requireSameModel is true, rows whose (embedding_model, embedding_dim)
// differ from the query's are excluded to avoid cross-model noise.
func (db *DB) SearchLessonsByVector(ctx context.Context, role string, query pgvector.Vector, embedModel string, dim, k int, requireSameModel bool) ([]model.LessonHit, error) {
	if k <= 0 {
		k = 5
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+lessonCols+`, embedding <-> $2 AS distance
		 FROM lessons
		 WHERE role = $1
		   AND embedding IS NOT NULL
		   AND (NOT $3::boolean OR (embedding_model = $4 AND embedding_dim = $5))
		 ORDER BY embedding <-> $2 ASC
		 LIMIT $6`,
		role, query, requireSameModel, embedModel, dim, k,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: search lessons: %w", err)
	}
	defer rows.Close()

	var hits []model.LessonHit
	for rows.Next() {
		var l model.Lesson
		var polarity string
		var embedding *pgvector.Vector
		var caseID, supersedes *uuid.UUID
		var distance float64
		if err := rows.Scan(
			&l.ID, &caseID, &l.Role, &polarity, &l.Title, &l.Content, &l.Rationale,
			&l.Confidence, &l.Tags, &l.EvidenceEventIDs, &embedding,
			&l.EmbeddingModel, &l.EmbeddingDim, &supersedes, &l.CreatedAt, &distance,
		); err != nil {
			return nil, fmt.Errorf("storage: scan lesson hit: %w", err)
		}
		l.CaseID = caseID
		l.SupersedesLessonID = supersedes
		l.Polarity = model.Polarity(polarity)
		l.Embedding = embedding
		hits = append(hits, model.LessonHit{Lesson: l, Distance: distance})
	}
	return hits, rows.Err()
}

const lessonCols = `id, case_id, role, polarity, title, content, rationale, confidence, tags,
	evidence_event_ids, embedding, embedding_model, embedding_dim, supersedes_lesson_id, created_at`

const lessonSelect = `SELECT ` + lessonCols + ` FROM lessons`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLesson(row rowScanner) (model.Lesson, error) {
	var l model.Lesson
	var polarity string
	var embedding *pgvector.Vector
	var caseID, supersedes *uuid.UUID
	if err := row.Scan(
		&l.ID, &caseID, &l.Role, &polarity, &l.Title, &l.Content, &l.Rationale,
		&l.Confidence, &l.Tags, &l.EvidenceEventIDs, &embedding,
		&l.EmbeddingModel, &l.EmbeddingDim, &supersedes, &l.CreatedAt,
	); err != nil {
		return model.Lesson{}, err
	}
	l.CaseID = caseID
	l.SupersedesLessonID = supersedes
	l.Polarity = model.Polarity(polarity)
	l.Embedding = embedding
	return l, nil
}
