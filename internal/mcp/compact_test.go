package mcp

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/ashita-ai/hanrei/internal/model"
)

func TestCompactCase(t *testing.T) {
	c := model.Case{
		ID:      uuid.New(),
		Status:  "open",
		Summary: "Session about cache invalidation",
		Source:  map[string]any{"kind": "agent_run", "repo": "acme/widgets", "secret_blob": "dropped"},
	}
	m := compactCase(c)

	assert.Equal(t, c.ID, m["id"])
	assert.Equal(t, "agent_run", m["kind"])
	assert.Equal(t, "acme/widgets", m["repo"])
	assert.NotContains(t, m, "source", "payload maps are dropped from the compact form")
	assert.NotContains(t, m, "secret_blob")
}

func TestCompactLessonTruncates(t *testing.T) {
	l := model.Lesson{
		ID:         uuid.New(),
		Role:       "response",
		Polarity:   model.PolarityDont,
		Title:      "Never answer from memory",
		Content:    strings.Repeat("x", maxCompactText+100),
		Confidence: 0.8,
		Tags:       []string{"retrieval"},
	}
	m := compactLesson(l)

	content := m["content"].(string)
	assert.Len(t, content, maxCompactText+3)
	assert.True(t, strings.HasSuffix(content, "..."))
	assert.Equal(t, []string{"retrieval"}, m["tags"])
}

func TestCompactLessonHitCarriesDistance(t *testing.T) {
	h := model.LessonHit{
		Lesson:   model.Lesson{ID: uuid.New(), Title: "t"},
		Distance: 0.12,
	}
	m := compactLessonHit(h)
	assert.Equal(t, 0.12, m["distance"])
}

func TestTruncateShortStringUntouched(t *testing.T) {
	assert.Equal(t, "short", truncate("short", maxCompactText))
}

func TestCaseIDFromURI(t *testing.T) {
	id := uuid.New()

	got, err := caseIDFromURI("hanrei://case/" + id.String() + "/events")
	assert.NoError(t, err)
	assert.Equal(t, id, got)

	_, err = caseIDFromURI("hanrei://case/not-a-uuid/events")
	assert.Error(t, err)

	_, err = caseIDFromURI("hanrei://lessons/recent")
	assert.Error(t, err)
}
