package court

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/ashita-ai/hanrei/internal/agent"
	"github.com/ashita-ai/hanrei/internal/redact"
)

// courtTools is the tool surface handed to stage runners, scoped to one
// case. Every return value passes the redaction policy so no stage ever
// sees a raw payload, whatever the storage layer let through.
type courtTools struct {
	store   Store
	lessons Lessons
	policy  *redact.Policy
	caseID  uuid.UUID
}

var _ agent.Tools = (*courtTools)(nil)

func newCourtTools(store Store, lessons Lessons, policy *redact.Policy, caseID uuid.UUID) *courtTools {
	return &courtTools{store: store, lessons: lessons, policy: policy, caseID: caseID}
}

func (t *courtTools) GetCase(ctx context.Context) (map[string]any, error) {
	c, err := t.store.GetCase(ctx, t.caseID)
	if err != nil {
		return nil, fmt.Errorf("court: tool get_case: %w", err)
	}
	return t.redacted(c)
}

func (t *courtTools) ListCaseEvents(ctx context.Context, limit int) ([]map[string]any, error) {
	events, err := t.store.ListCaseEvents(ctx, t.caseID, limit)
	if err != nil {
		return nil, fmt.Errorf("court: tool list_case_events: %w", err)
	}
	out := make([]map[string]any, 0, len(events))
	for _, ev := range events {
		m, err := t.redacted(ev)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (t *courtTools) SearchLessons(ctx context.Context, role, query string, k int) ([]map[string]any, error) {
	hits, err := t.lessons.Search(ctx, role, query, k)
	if err != nil {
		return nil, fmt.Errorf("court: tool search_lessons: %w", err)
	}
	out := make([]map[string]any, 0, len(hits))
	for _, hit := range hits {
		m, err := t.redacted(hit)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (t *courtTools) redacted(v any) (map[string]any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("court: encode tool result: %w", err)
	}
	m := map[string]any{}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("court: decode tool result: %w", err)
	}
	if red, ok := t.policy.Redact(m).(map[string]any); ok {
		return red, nil
	}
	return m, nil
}
