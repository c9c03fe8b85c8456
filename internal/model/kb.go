package model

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/pgvector/pgvector-go"
)

// KBSection names the slice of a work item a kb_document row covers.
type KBSection string

const (
	SectionTitleBody KBSection = "title_body"
	SectionComments  KBSection = "comments"
	SectionReviews   KBSection = "reviews"
	SectionTimeline  KBSection = "timeline"
)

// KBDocument is one bounded, redacted excerpt of repository activity.
// KBID is stable across rebuilds: SHA-256 over repo, item type, item
// number and section.
type KBDocument struct {
	KBID         string         `json:"kb_id"`
	RepoFullName string         `json:"repo_full_name"`
	ItemType     string         `json:"item_type"`
	ItemNumber   int            `json:"item_number"`
	Section      KBSection      `json:"section"`
	SourceRef    string         `json:"source_ref"`
	Text         string         `json:"text"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// KBEmbedding carries the vector for a kb_document under one model.
// SourceHash equals the SHA-256 of the document text at embed time;
// a mismatch marks the row stale.
type KBEmbedding struct {
	KBID       string          `json:"kb_id"`
	Model      string          `json:"model"`
	Dims       int             `json:"dims"`
	Embedding  pgvector.Vector `json:"-"`
	SourceHash string          `json:"source_hash"`
	CreatedAt  time.Time       `json:"created_at"`
}

// KBDocumentID derives the stable kb_id for a document.
func KBDocumentID(repo, itemType string, itemNumber int, section KBSection) string {
	h := sha256.New()
	h.Write([]byte(repo))
	h.Write([]byte{0})
	h.Write([]byte(itemType))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(itemNumber)))
	h.Write([]byte{0})
	h.Write([]byte(section))
	return hex.EncodeToString(h.Sum(nil))
}

// TextHash returns the SHA-256 hex digest of a document text, the value
// stored as kb_embedding.source_hash.
func TextHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// SearchType selects the retrieval mode for KB search.
type SearchType string

const (
	SearchKeyword SearchType = "keyword"
	SearchVector  SearchType = "vector"
	SearchHybrid  SearchType = "hybrid"
)

// KBSearchResult is one retrieval hit with its score under the chosen mode.
type KBSearchResult struct {
	KBID       string         `json:"kb_id"`
	ItemType   string         `json:"item_type"`
	ItemNumber int            `json:"item_number"`
	Section    KBSection      `json:"section"`
	SourceRef  string         `json:"source_ref"`
	Text       string         `json:"text"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Score      float64        `json:"score"`
}
