package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
)

// Polarity marks whether a lesson is a "do" or a "dont".
type Polarity string

const (
	PolarityDo   Polarity = "do"
	PolarityDont Polarity = "dont"
)

// Lesson is a reusable rule distilled by the judge, role-scoped and
// evidence-linked. When Embedding is present, EmbeddingModel and
// EmbeddingDim must be set and match the vector length.
type Lesson struct {
	ID                uuid.UUID        `json:"id"`
	CaseID            *uuid.UUID       `json:"case_id,omitempty"`
	Role              string           `json:"role"`
	Polarity          Polarity         `json:"polarity"`
	Title             string           `json:"title"`
	Content           string           `json:"content"`
	Rationale         string           `json:"rationale,omitempty"`
	Confidence        float64          `json:"confidence"`
	Tags              []string         `json:"tags,omitempty"`
	EvidenceEventIDs  []uuid.UUID      `json:"evidence_event_ids,omitempty"`
	Embedding         *pgvector.Vector `json:"-"`
	EmbeddingModel    string           `json:"embedding_model,omitempty"`
	EmbeddingDim      int              `json:"embedding_dim,omitempty"`
	SupersedesLessonID *uuid.UUID      `json:"supersedes_lesson_id,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
}

// EmbeddingText composes the text embedded for a lesson: title, content
// and rationale joined by blank lines, empty parts dropped.
func (l Lesson) EmbeddingText() string {
	parts := make([]string, 0, 3)
	for _, s := range []string{l.Title, l.Content, l.Rationale} {
		if t := strings.TrimSpace(s); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "\n\n")
}

// LessonHit is a lesson returned from an ANN search with its L2 distance.
type LessonHit struct {
	Lesson   Lesson  `json:"lesson"`
	Distance float64 `json:"distance"`
}
