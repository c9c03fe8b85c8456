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

// InsertPromptUpdate persists a judge-proposed prompt change with
// status=proposed. Proposal and reason pass the guard.
func (db *DB) InsertPromptUpdate(ctx context.Context, u model.PromptUpdate) (model.PromptUpdate, error) {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	if u.Status == "" {
		u.Status = model.PromptProposed
	}
	if err := db.guard.AssertAny(map[string]any{
		"proposal": u.Proposal,
		"reason":   u.Reason,
	}); err != nil {
		return model.PromptUpdate{}, fmt.Errorf("storage: insert prompt update refused: %w", err)
	}
	evidence := u.EvidenceEventIDs
	if evidence == nil {
		evidence = []uuid.UUID{}
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO prompt_updates
		   (id, case_id, agent_id, role, from_version, proposal, reason, status,
		    review_comment, approved_by, evidence_event_ids, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		u.ID, u.CaseID, u.AgentID, u.Role, u.FromVersion, u.Proposal, u.Reason,
		string(u.Status), u.ReviewComment, u.ApprovedBy, evidence, u.CreatedAt,
	)
	if err != nil {
		return model.PromptUpdate{}, fmt.Errorf("storage: insert prompt update: %w", err)
	}
	return u, nil
}

// GetPromptUpdate retrieves a proposal by ID.
func (db *DB) GetPromptUpdate(ctx context.Context, id uuid.UUID) (model.PromptUpdate, error) {
	row := db.pool.QueryRow(ctx, promptUpdateSelect+` WHERE id = $1`, id)
	u, err := scanPromptUpdate(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.PromptUpdate{}, fmt.Errorf("storage: prompt update %s: %w", id, ErrNotFound)
		}
		return model.PromptUpdate{}, fmt.Errorf("storage: get prompt update: %w", err)
	}
	return u, nil
}

// ListPromptUpdates returns proposals, optionally filtered by status,
// newest first.
func (db *DB) ListPromptUpdates(ctx context.Context, status model.PromptUpdateStatus, limit, offset int) ([]model.PromptUpdate, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.pool.Query(ctx,
		promptUpdateSelect+` WHERE ($1 = '' OR status = $1) ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		string(status), limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list prompt updates: %w", err)
	}
	defer rows.Close()

	var updates []model.PromptUpdate
	for rows.Next() {
		u, err := scanPromptUpdate(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan prompt update: %w", err)
		}
		updates = append(updates, u)
	}
	return updates, rows.Err()
}

// ReviewPromptUpdate moves a proposed update to approved or rejected.
// Any other transition fails with ErrInvalidState.
func (db *DB) ReviewPromptUpdate(ctx context.Context, id uuid.UUID, approve bool, reviewer, comment string) (model.PromptUpdate, error) {
	status := model.PromptRejected
	var approvedAt *time.Time
	if approve {
		status = model.PromptApproved
		now := time.Now().UTC()
		approvedAt = &now
	}

	tag, err := db.pool.Exec(ctx,
		`UPDATE prompt_updates
		 SET status = $1, review_comment = $2, approved_by = $3, approved_at = $4
		 WHERE id = $5 AND status = 'proposed'`,
		string(status), comment, reviewer, approvedAt, id,
	)
	if err != nil {
		return model.PromptUpdate{}, fmt.Errorf("storage: review prompt update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish missing from already-reviewed.
		if _, err := db.GetPromptUpdate(ctx, id); err != nil {
			return model.PromptUpdate{}, err
		}
		return model.PromptUpdate{}, fmt.Errorf("storage: review prompt update %s: %w", id, ErrInvalidState)
	}
	return db.GetPromptUpdate(ctx, id)
}

// ApplyPromptUpdate applies an approved proposal atomically: locks the
// proposal row, bumps the role's version, inserts the new active prompt,
// deactivates the previous one and marks the proposal applied. Exactly one
// of two concurrent applies can succeed; the loser sees ErrInvalidState.
// Deadlocks between concurrent applies for different roles are retried.
func (db *DB) ApplyPromptUpdate(ctx context.Context, id uuid.UUID) (model.RolePrompt, error) {
	var rp model.RolePrompt
	err := WithRetry(ctx, 3, 50*time.Millisecond, func() error {
		var err error
		rp, err = db.applyPromptUpdate(ctx, id)
		return err
	})
	return rp, err
}

func (db *DB) applyPromptUpdate(ctx context.Context, id uuid.UUID) (model.RolePrompt, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.RolePrompt{}, fmt.Errorf("storage: apply prompt update: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var role, proposal, status string
	err = tx.QueryRow(ctx,
		`SELECT role, proposal, status FROM prompt_updates WHERE id = $1 FOR UPDATE`, id,
	).Scan(&role, &proposal, &status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.RolePrompt{}, fmt.Errorf("storage: prompt update %s: %w", id, ErrNotFound)
		}
		return model.RolePrompt{}, fmt.Errorf("storage: apply prompt update: lock: %w", err)
	}
	if status != string(model.PromptApproved) {
		return model.RolePrompt{}, fmt.Errorf("storage: apply prompt update %s (status=%s): %w", id, status, ErrInvalidState)
	}

	var newVersion int
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM role_prompts WHERE role = $1`, role,
	).Scan(&newVersion); err != nil {
		return model.RolePrompt{}, fmt.Errorf("storage: apply prompt update: next version: %w", err)
	}

	rp := model.RolePrompt{
		ID:        uuid.New(),
		Role:      role,
		Version:   newVersion,
		Prompt:    proposal,
		IsActive:  true,
		CreatedAt: time.Now().UTC(),
	}

	// Deactivate first so the partial unique index on (role) WHERE is_active
	// never sees two active rows inside the transaction.
	if _, err := tx.Exec(ctx,
		`UPDATE role_prompts SET is_active = false WHERE role = $1 AND is_active`, role,
	); err != nil {
		return model.RolePrompt{}, fmt.Errorf("storage: apply prompt update: deactivate: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO role_prompts (id, role, version, prompt, is_active, created_at)
		 VALUES ($1, $2, $3, $4, true, $5)`,
		rp.ID, rp.Role, rp.Version, rp.Prompt, rp.CreatedAt,
	); err != nil {
		return model.RolePrompt{}, fmt.Errorf("storage: apply prompt update: insert prompt: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE prompt_updates SET status = 'applied', applied_at = now() WHERE id = $1`, id,
	); err != nil {
		return model.RolePrompt{}, fmt.Errorf("storage: apply prompt update: mark applied: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.RolePrompt{}, fmt.Errorf("storage: apply prompt update: commit: %w", err)
	}
	return rp, nil
}

// GetActiveRolePrompt returns the active prompt for a role.
func (db *DB) GetActiveRolePrompt(ctx context.Context, role string) (model.RolePrompt, error) {
	var rp model.RolePrompt
	err := db.pool.QueryRow(ctx,
		`SELECT id, role, version, prompt, is_active, created_at
		 FROM role_prompts WHERE role = $1 AND is_active`, role,
	).Scan(&rp.ID, &rp.Role, &rp.Version, &rp.Prompt, &rp.IsActive, &rp.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.RolePrompt{}, fmt.Errorf("storage: active prompt for role %s: %w", role, ErrNotFound)
		}
		return model.RolePrompt{}, fmt.Errorf("storage: get active role prompt: %w", err)
	}
	return rp, nil
}

// ListRolePrompts returns all versions for a role, newest first.
func (db *DB) ListRolePrompts(ctx context.Context, role string) ([]model.RolePrompt, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, role, version, prompt, is_active, created_at
		 FROM role_prompts WHERE role = $1 ORDER BY version DESC`, role,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list role prompts: %w", err)
	}
	defer rows.Close()

	var prompts []model.RolePrompt
	for rows.Next() {
		var rp model.RolePrompt
		if err := rows.Scan(&rp.ID, &rp.Role, &rp.Version, &rp.Prompt, &rp.IsActive, &rp.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan role prompt: %w", err)
		}
		prompts = append(prompts, rp)
	}
	return prompts, rows.Err()
}

// SeedRolePrompt inserts version 1 for a role if the role has no prompts
// yet. Used at startup to bootstrap the default prompts.
func (db *DB) SeedRolePrompt(ctx context.Context, role, prompt string) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO role_prompts (id, role, version, prompt, is_active)
		 SELECT $1, $2, 1, $3, true
		 WHERE NOT EXISTS (SELECT 1 FROM role_prompts WHERE role = $2)`,
		uuid.New(), role, prompt,
	)
	if err != nil {
		return fmt.Errorf("storage: seed role prompt %s: %w", role, err)
	}
	return nil
}

const promptUpdateSelect = `SELECT id, case_id, agent_id, role, from_version, proposal, reason, status,
	review_comment, approved_by, approved_at, applied_at, evidence_event_ids, created_at
	FROM prompt_updates`

func scanPromptUpdate(row rowScanner) (model.PromptUpdate, error) {
	var u model.PromptUpdate
	var status string
	var caseID *uuid.UUID
	if err := row.Scan(
		&u.ID, &caseID, &u.AgentID, &u.Role, &u.FromVersion, &u.Proposal, &u.Reason,
		&status, &u.ReviewComment, &u.ApprovedBy, &u.ApprovedAt, &u.AppliedAt,
		&u.EvidenceEventIDs, &u.CreatedAt,
	); err != nil {
		return model.PromptUpdate{}, err
	}
	u.CaseID = caseID
	u.Status = model.PromptUpdateStatus(status)
	return u, nil
}
