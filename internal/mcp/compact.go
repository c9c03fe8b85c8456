package mcp

import (
	"github.com/ashita-ai/hanrei/internal/model"
)

const maxCompactText = 400

// compactCase returns a minimal representation of a case for MCP
// responses. Drops payload maps the caller can fetch through the events
// template when needed.
func compactCase(c model.Case) map[string]any {
	m := map[string]any{
		"id":         c.ID,
		"status":     c.Status,
		"created_at": c.CreatedAt,
	}
	if c.Summary != "" {
		m["summary"] = truncate(c.Summary, maxCompactText)
	}
	if kind, ok := c.Source["kind"]; ok {
		m["kind"] = kind
	}
	if repo, ok := c.Source["repo"]; ok {
		m["repo"] = repo
	}
	return m
}

func compactEvent(ev model.CaseEvent) map[string]any {
	m := map[string]any{
		"id":         ev.ID,
		"seq":        ev.Seq,
		"event_type": ev.EventType,
		"actor":      ev.ActorType,
		"content":    truncate(ev.Content, maxCompactText),
		"ts":         ev.TS,
	}
	if ev.ActorID != "" {
		m["actor_id"] = ev.ActorID
	}
	return m
}

func compactLesson(l model.Lesson) map[string]any {
	m := map[string]any{
		"id":         l.ID,
		"role":       l.Role,
		"polarity":   l.Polarity,
		"title":      l.Title,
		"content":    truncate(l.Content, maxCompactText),
		"confidence": l.Confidence,
	}
	if len(l.Tags) > 0 {
		m["tags"] = l.Tags
	}
	return m
}

func compactLessonHit(h model.LessonHit) map[string]any {
	m := compactLesson(h.Lesson)
	m["distance"] = h.Distance
	return m
}

func compactSearchResult(r model.KBSearchResult) map[string]any {
	return map[string]any{
		"kb_id":      r.KBID,
		"item_type":  r.ItemType,
		"section":    r.Section,
		"source_ref": r.SourceRef,
		"text":       truncate(r.Text, maxCompactText),
		"score":      r.Score,
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
