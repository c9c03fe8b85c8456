package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/hanrei/internal/model"
)

// CreateCase inserts a new case. The redaction guard is applied to every
// payload field; an unredacted value refuses the write.
func (db *DB) CreateCase(ctx context.Context, c model.Case) (model.Case, error) {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	if c.Status == "" {
		c.Status = "open"
	}
	if c.Source == nil {
		c.Source = map[string]any{}
	}
	if c.Metadata == nil {
		c.Metadata = map[string]any{}
	}
	if c.Result == nil {
		c.Result = map[string]any{}
	}
	if c.Feedback == nil {
		c.Feedback = map[string]any{}
	}
	if c.RedactionPolicyVersion == "" {
		c.RedactionPolicyVersion = db.guard.Version
	}

	if err := db.guard.AssertAny(map[string]any{
		"source":   c.Source,
		"metadata": c.Metadata,
		"result":   c.Result,
		"feedback": c.Feedback,
		"summary":  c.Summary,
	}); err != nil {
		return model.Case{}, fmt.Errorf("storage: create case refused: %w", err)
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO cases (id, source, metadata, result, feedback, summary, status, redaction_policy_version, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		c.ID, c.Source, c.Metadata, c.Result, c.Feedback, c.Summary, c.Status,
		c.RedactionPolicyVersion, c.CreatedAt,
	)
	if err != nil {
		return model.Case{}, fmt.Errorf("storage: create case: %w", err)
	}
	return c, nil
}

// GetCase retrieves a case by ID.
func (db *DB) GetCase(ctx context.Context, id uuid.UUID) (model.Case, error) {
	var c model.Case
	err := db.pool.QueryRow(ctx,
		`SELECT id, source, metadata, result, feedback, summary, status, redaction_policy_version, created_at
		 FROM cases WHERE id = $1`, id,
	).Scan(
		&c.ID, &c.Source, &c.Metadata, &c.Result, &c.Feedback, &c.Summary,
		&c.Status, &c.RedactionPolicyVersion, &c.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Case{}, fmt.Errorf("storage: case %s: %w", id, ErrNotFound)
		}
		return model.Case{}, fmt.Errorf("storage: get case: %w", err)
	}
	return c, nil
}

// ListCases returns cases ordered newest first.
func (db *DB) ListCases(ctx context.Context, limit, offset int) ([]model.Case, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, source, metadata, result, feedback, summary, status, redaction_policy_version, created_at
		 FROM cases ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list cases: %w", err)
	}
	defer rows.Close()

	var cases []model.Case
	for rows.Next() {
		var c model.Case
		if err := rows.Scan(
			&c.ID, &c.Source, &c.Metadata, &c.Result, &c.Feedback, &c.Summary,
			&c.Status, &c.RedactionPolicyVersion, &c.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan case: %w", err)
		}
		cases = append(cases, c)
	}
	return cases, rows.Err()
}
