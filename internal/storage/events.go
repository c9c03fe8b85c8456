package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ashita-ai/hanrei/internal/model"
)

const maxSeqRetries = 5

// AppendCaseEvent appends a journal entry to a case, assigning the next
// monotonic seq within that case. The redaction guard covers content, meta
// and usage. Concurrent appends race on (case_id, seq); the unique
// constraint arbitrates and the loser retries with a fresh seq.
func (db *DB) AppendCaseEvent(ctx context.Context, ev model.CaseEvent) (model.CaseEvent, error) {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	now := time.Now().UTC()
	if ev.TS.IsZero() {
		ev.TS = now
	}
	ev.IngestedAt = now

	if err := db.guard.AssertAny(map[string]any{
		"content": ev.Content,
		"meta":    ev.Meta,
		"usage":   ev.Usage,
	}); err != nil {
		return model.CaseEvent{}, fmt.Errorf("storage: append case event refused: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < maxSeqRetries; attempt++ {
		err := db.pool.QueryRow(ctx,
			`INSERT INTO case_events
			   (id, case_id, court_run_id, ts, seq, ingested_at, actor_type, actor_id, role, event_type, content, meta, usage)
			 VALUES
			   ($1, $2, $3, $4,
			    (SELECT COALESCE(MAX(seq), 0) + 1 FROM case_events WHERE case_id = $2),
			    $5, $6, $7, $8, $9, $10, $11, $12)
			 RETURNING seq`,
			ev.ID, ev.CaseID, ev.CourtRunID, ev.TS, ev.IngestedAt,
			string(ev.ActorType), ev.ActorID, nullIfEmpty(ev.Role), string(ev.EventType),
			ev.Content, ev.Meta, ev.Usage,
		).Scan(&ev.Seq)
		if err == nil {
			return ev, nil
		}
		if !isUniqueViolation(err) {
			return model.CaseEvent{}, fmt.Errorf("storage: append case event: %w", err)
		}
		lastErr = err
	}
	return model.CaseEvent{}, fmt.Errorf("storage: append case event: seq contention: %w", lastErr)
}

// ListCaseEvents returns all events for a case ordered by (ts, seq).
func (db *DB) ListCaseEvents(ctx context.Context, caseID uuid.UUID, limit int) ([]model.CaseEvent, error) {
	if limit <= 0 {
		limit = 10000
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, case_id, court_run_id, ts, seq, ingested_at, actor_type, actor_id,
		        COALESCE(role, ''), event_type, content, meta, usage
		 FROM case_events WHERE case_id = $1
		 ORDER BY ts ASC, seq ASC
		 LIMIT $2`, caseID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list case events: %w", err)
	}
	defer rows.Close()

	var events []model.CaseEvent
	for rows.Next() {
		var ev model.CaseEvent
		if err := rows.Scan(
			&ev.ID, &ev.CaseID, &ev.CourtRunID, &ev.TS, &ev.Seq, &ev.IngestedAt,
			&ev.ActorType, &ev.ActorID, &ev.Role, &ev.EventType, &ev.Content,
			&ev.Meta, &ev.Usage,
		); err != nil {
			return nil, fmt.Errorf("storage: scan case event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// isUniqueViolation reports whether err is a Postgres unique_violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
