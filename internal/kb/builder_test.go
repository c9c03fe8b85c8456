package kb

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/hanrei/internal/model"
)

func sampleProjection() *model.Projection {
	created := time.Date(2026, 6, 2, 10, 0, 0, 0, time.UTC)
	return &model.Projection{
		WorkItems: []model.WorkItem{
			{
				RepoFullName: "octo/widgets", Number: 7, Type: "pr",
				URL: "https://github.com/octo/widgets/pull/7",
				Title: "Fix flaky retry loop", BodyExcerpt: "The retry loop races.",
				State: "MERGED", AuthorLogin: "@alice", Labels: []string{"bug"},
			},
			{
				RepoFullName: "octo/widgets", Number: 3, Type: "issue",
				URL: "https://github.com/octo/widgets/issues/3",
				Title: "Crash on empty config", State: "CLOSED", Labels: []string{},
			},
		},
		Comments: []model.Comment{
			{RepoFullName: "octo/widgets", Number: 7, Type: "pr", CommentID: "C1",
				CreatedAt: created, AuthorLogin: "@bob", AuthorAssociation: "MEMBER",
				BodyExcerpt: "Can you add a test?"},
		},
		Reviews: []model.PRReview{
			{RepoFullName: "octo/widgets", PRNumber: 7, ReviewID: "R1",
				ReviewState: "APPROVED", SubmittedAt: created, AuthorLogin: "@carol"},
		},
		Events: []model.WorkItemEvent{
			{RepoFullName: "octo/widgets", Number: 3, Type: "issue", EventID: "E1",
				EventType: "Closed", OccurredAt: created, ActorLogin: "@alice"},
		},
	}
}

func TestBuildDocumentsSections(t *testing.T) {
	docs := BuildDocuments(sampleProjection(), time.Now())

	bySection := map[string]model.KBDocument{}
	for _, d := range docs {
		bySection[d.ItemType+"/"+string(d.Section)] = d
	}

	// PR 7: title_body + comments + reviews; issue 3: title_body + timeline
	require.Len(t, docs, 5)

	tb := bySection["pr/title_body"]
	assert.Equal(t, model.KBDocumentID("octo/widgets", "pr", 7, model.SectionTitleBody), tb.KBID)
	assert.Contains(t, tb.Text, "PR #7: Fix flaky retry loop")
	assert.Contains(t, tb.Text, "The retry loop races.")
	assert.Equal(t, "https://github.com/octo/widgets/pull/7", tb.SourceRef)
	assert.Equal(t, "title_body", tb.Metadata["section"])

	assert.Contains(t, bySection["pr/comments"].Text, "@bob (MEMBER): Can you add a test?")
	assert.Contains(t, bySection["pr/reviews"].Text, "@carol APPROVED")
	assert.Contains(t, bySection["issue/timeline"].Text, "Closed by @alice")

	_, hasIssueComments := bySection["issue/comments"]
	assert.False(t, hasIssueComments)
}

func TestBuildDocumentsStableIDs(t *testing.T) {
	a := BuildDocuments(sampleProjection(), time.Now())
	b := BuildDocuments(sampleProjection(), time.Now().Add(time.Hour))
	require.Equal(t, len(a), len(b))
	for i := range a {
		assert.Equal(t, a[i].KBID, b[i].KBID)
		assert.Equal(t, a[i].Text, b[i].Text)
	}
}

type recordingDocStore struct {
	docs []model.KBDocument
}

func (s *recordingDocStore) UpsertKBDocument(_ context.Context, doc model.KBDocument) error {
	s.docs = append(s.docs, doc)
	return nil
}

func TestSyncWritesAllDocuments(t *testing.T) {
	store := &recordingDocStore{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	docs := BuildDocuments(sampleProjection(), time.Now())

	require.NoError(t, Sync(context.Background(), store, docs, logger))
	assert.Len(t, store.docs, len(docs))
}
