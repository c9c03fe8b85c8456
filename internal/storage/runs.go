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

// CreateCourtRun inserts a new running court run.
func (db *DB) CreateCourtRun(ctx context.Context, caseID uuid.UUID, courtModel string) (model.CourtRun, error) {
	run := model.CourtRun{
		ID:        uuid.New(),
		CaseID:    caseID,
		Model:     courtModel,
		StartedAt: time.Now().UTC(),
		Status:    model.CourtRunRunning,
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO court_runs (id, case_id, model, started_at, status)
		 VALUES ($1, $2, $3, $4, $5)`,
		run.ID, run.CaseID, run.Model, run.StartedAt, string(run.Status),
	)
	if err != nil {
		return model.CourtRun{}, fmt.Errorf("storage: create court run: %w", err)
	}
	return run, nil
}

// FinishCourtRun finalizes a run exactly once: sets ended_at, status and the
// redacted artifacts blob. Artifacts pass the guard before the write.
func (db *DB) FinishCourtRun(ctx context.Context, id uuid.UUID, status model.CourtRunStatus, artifacts map[string]any) error {
	if err := db.guard.AssertAny(artifacts); err != nil {
		return fmt.Errorf("storage: finish court run refused: %w", err)
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE court_runs SET status = $1, ended_at = $2, artifacts = $3
		 WHERE id = $4 AND ended_at IS NULL`,
		string(status), time.Now().UTC(), artifacts, id,
	)
	if err != nil {
		return fmt.Errorf("storage: finish court run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: court run %s not found or already finished: %w", id, ErrNotFound)
	}
	// Best effort: external observers follow completions via LISTEN.
	if err := db.Notify(ctx, ChannelCourt, fmt.Sprintf(`{"run_id":%q,"status":%q}`, id, status)); err != nil {
		db.logger.Warn("court run notify failed", "run_id", id, "error", err)
	}
	return nil
}

// GetCourtRun retrieves a court run by ID.
func (db *DB) GetCourtRun(ctx context.Context, id uuid.UUID) (model.CourtRun, error) {
	var run model.CourtRun
	var status string
	err := db.pool.QueryRow(ctx,
		`SELECT id, case_id, model, started_at, ended_at, status, artifacts
		 FROM court_runs WHERE id = $1`, id,
	).Scan(&run.ID, &run.CaseID, &run.Model, &run.StartedAt, &run.EndedAt, &status, &run.Artifacts)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.CourtRun{}, fmt.Errorf("storage: court run %s: %w", id, ErrNotFound)
		}
		return model.CourtRun{}, fmt.Errorf("storage: get court run: %w", err)
	}
	run.Status = model.CourtRunStatus(status)
	return run, nil
}

// ListCourtRuns returns runs for a case, newest first.
func (db *DB) ListCourtRuns(ctx context.Context, caseID uuid.UUID, limit int) ([]model.CourtRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, case_id, model, started_at, ended_at, status, artifacts
		 FROM court_runs WHERE case_id = $1
		 ORDER BY started_at DESC LIMIT $2`, caseID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list court runs: %w", err)
	}
	defer rows.Close()

	var runs []model.CourtRun
	for rows.Next() {
		var run model.CourtRun
		var status string
		if err := rows.Scan(&run.ID, &run.CaseID, &run.Model, &run.StartedAt, &run.EndedAt, &status, &run.Artifacts); err != nil {
			return nil, fmt.Errorf("storage: scan court run: %w", err)
		}
		run.Status = model.CourtRunStatus(status)
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// InsertJudgement stores the judge's decision for a court run. The decision
// JSON passes the guard before the write.
func (db *DB) InsertJudgement(ctx context.Context, j model.Judgement) (model.Judgement, error) {
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}
	if err := db.guard.AssertAny(j.Decision); err != nil {
		return model.Judgement{}, fmt.Errorf("storage: insert judgement refused: %w", err)
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO judgements (id, court_run_id, case_id, decision, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		j.ID, j.CourtRunID, j.CaseID, j.Decision, j.CreatedAt,
	)
	if err != nil {
		return model.Judgement{}, fmt.Errorf("storage: insert judgement: %w", err)
	}
	return j, nil
}

// GetJudgement retrieves the judgement for a court run.
func (db *DB) GetJudgement(ctx context.Context, courtRunID uuid.UUID) (model.Judgement, error) {
	var j model.Judgement
	err := db.pool.QueryRow(ctx,
		`SELECT id, court_run_id, case_id, decision, created_at
		 FROM judgements WHERE court_run_id = $1`, courtRunID,
	).Scan(&j.ID, &j.CourtRunID, &j.CaseID, &j.Decision, &j.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Judgement{}, fmt.Errorf("storage: judgement for run %s: %w", courtRunID, ErrNotFound)
		}
		return model.Judgement{}, fmt.Errorf("storage: get judgement: %w", err)
	}
	return j, nil
}
