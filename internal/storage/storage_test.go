package storage_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/hanrei/internal/model"
	"github.com/ashita-ai/hanrei/internal/redact"
	"github.com/ashita-ai/hanrei/internal/storage"
	"github.com/ashita-ai/hanrei/internal/testutil"
)

var (
	tc     *testutil.TestContainer
	testDB *storage.DB
)

func TestMain(m *testing.M) {
	tc = testutil.MustStartPostgres()
	logger := testutil.TestLogger()

	var err error
	testDB, err = tc.NewTestDB(context.Background(), logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "test db: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}

	code := m.Run()
	testDB.Close(context.Background())
	tc.Terminate()
	os.Exit(code)
}

func mustCreateCase(t *testing.T, summary string) model.Case {
	t.Helper()
	c, err := testDB.CreateCase(context.Background(), model.Case{
		Source:  map[string]any{"kind": "support_thread", "repo": "acme/widgets"},
		Summary: summary,
	})
	require.NoError(t, err)
	return c
}

func TestCreateCaseDefaults(t *testing.T) {
	ctx := context.Background()
	c := mustCreateCase(t, "agent closed the wrong issue")

	require.NotEqual(t, uuid.Nil, c.ID)
	assert.Equal(t, "open", c.Status)
	assert.NotEmpty(t, c.RedactionPolicyVersion)
	assert.False(t, c.CreatedAt.IsZero())

	got, err := testDB.GetCase(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, c.Summary, got.Summary)
	assert.Equal(t, "support_thread", got.Source["kind"])
}

func TestGetCaseNotFound(t *testing.T) {
	_, err := testDB.GetCase(context.Background(), uuid.New())
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCreateCaseRefusesUnredactedSecrets(t *testing.T) {
	_, err := testDB.CreateCase(context.Background(), model.Case{
		Source: map[string]any{"token": "sk-proj-abcdefghijklmnopqrstuvwx1234567890"},
	})
	require.Error(t, err)
	var unredacted *redact.UnredactedDataError
	require.ErrorAs(t, err, &unredacted)
}

func TestAppendCaseEventAssignsSeq(t *testing.T) {
	ctx := context.Background()
	c := mustCreateCase(t, "seq ordering")

	ts := time.Now().UTC()
	var seqs []int64
	for i := range 3 {
		ev, err := testDB.AppendCaseEvent(ctx, model.CaseEvent{
			CaseID:    c.ID,
			TS:        ts,
			ActorType: model.ActorAI,
			ActorID:   "support_agent",
			EventType: model.EventModelCall,
			Content:   fmt.Sprintf("step %d", i),
		})
		require.NoError(t, err)
		seqs = append(seqs, ev.Seq)
	}
	assert.Less(t, seqs[0], seqs[1])
	assert.Less(t, seqs[1], seqs[2])

	events, err := testDB.ListCaseEvents(ctx, c.ID, 10)
	require.NoError(t, err)
	require.Len(t, events, 3)
	// Identical timestamps: seq breaks the tie.
	assert.Equal(t, "step 0", events[0].Content)
	assert.Equal(t, "step 2", events[2].Content)
}

func TestCourtRunLifecycle(t *testing.T) {
	ctx := context.Background()
	c := mustCreateCase(t, "run lifecycle")

	run, err := testDB.CreateCourtRun(ctx, c.ID, "heuristic")
	require.NoError(t, err)
	assert.Equal(t, model.CourtRunRunning, run.Status)
	assert.Nil(t, run.EndedAt)

	err = testDB.FinishCourtRun(ctx, run.ID, model.CourtRunCompleted, map[string]any{"verdict": "upheld"})
	require.NoError(t, err)

	got, err := testDB.GetCourtRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CourtRunCompleted, got.Status)
	require.NotNil(t, got.EndedAt)
	assert.Equal(t, "upheld", got.Artifacts["verdict"])

	// A run finalizes exactly once.
	err = testDB.FinishCourtRun(ctx, run.ID, model.CourtRunFailed, nil)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestFinishCourtRunRefusesUnredactedArtifacts(t *testing.T) {
	ctx := context.Background()
	c := mustCreateCase(t, "guarded artifacts")
	run, err := testDB.CreateCourtRun(ctx, c.ID, "heuristic")
	require.NoError(t, err)

	err = testDB.FinishCourtRun(ctx, run.ID, model.CourtRunCompleted, map[string]any{
		"leak": "api key sk-proj-abcdefghijklmnopqrstuvwx1234567890",
	})
	require.Error(t, err)
	var unredacted *redact.UnredactedDataError
	require.ErrorAs(t, err, &unredacted)
}

func TestPromptUpdateLifecycle(t *testing.T) {
	ctx := context.Background()
	role := "defense-lifecycle"

	require.NoError(t, testDB.SeedRolePrompt(ctx, role, "v1 prompt"))
	active, err := testDB.GetActiveRolePrompt(ctx, role)
	require.NoError(t, err)
	assert.Equal(t, 1, active.Version)

	update, err := testDB.InsertPromptUpdate(ctx, model.PromptUpdate{
		AgentID:  "judge",
		Role:     role,
		Proposal: "v2 prompt",
		Reason:   "missed mitigation arguments on three runs",
		Status:   model.PromptProposed,
	})
	require.NoError(t, err)

	// Apply before approval is refused.
	_, err = testDB.ApplyPromptUpdate(ctx, update.ID)
	require.ErrorIs(t, err, storage.ErrInvalidState)

	reviewed, err := testDB.ReviewPromptUpdate(ctx, update.ID, true, "admin", "looks right")
	require.NoError(t, err)
	assert.Equal(t, model.PromptApproved, reviewed.Status)
	assert.Equal(t, "admin", reviewed.ApprovedBy)
	require.NotNil(t, reviewed.ApprovedAt)

	// Double review is refused.
	_, err = testDB.ReviewPromptUpdate(ctx, update.ID, false, "admin", "changed my mind")
	require.ErrorIs(t, err, storage.ErrInvalidState)

	applied, err := testDB.ApplyPromptUpdate(ctx, update.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, applied.Version)
	assert.True(t, applied.IsActive)

	active, err = testDB.GetActiveRolePrompt(ctx, role)
	require.NoError(t, err)
	assert.Equal(t, 2, active.Version)
	assert.Equal(t, "v2 prompt", active.Prompt)

	// The previous version stays in history, deactivated.
	all, err := testDB.ListRolePrompts(ctx, role)
	require.NoError(t, err)
	require.Len(t, all, 2)
	for _, rp := range all {
		if rp.Version == 1 {
			assert.False(t, rp.IsActive)
		}
	}

	// Re-apply is refused: the update is no longer approved.
	_, err = testDB.ApplyPromptUpdate(ctx, update.ID)
	require.ErrorIs(t, err, storage.ErrInvalidState)
}

func TestReviewPromptUpdateNotFound(t *testing.T) {
	_, err := testDB.ReviewPromptUpdate(context.Background(), uuid.New(), true, "admin", "")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSeedRolePromptIsIdempotent(t *testing.T) {
	ctx := context.Background()
	role := "judge-seed"
	require.NoError(t, testDB.SeedRolePrompt(ctx, role, "first"))
	require.NoError(t, testDB.SeedRolePrompt(ctx, role, "second"))

	active, err := testDB.GetActiveRolePrompt(ctx, role)
	require.NoError(t, err)
	assert.Equal(t, "first", active.Prompt)
	assert.Equal(t, 1, active.Version)
}

func TestPendingEmbeddingsTrackSourceHash(t *testing.T) {
	ctx := context.Background()
	const embedModel = "test-embed"

	doc := model.KBDocument{
		KBID:         model.KBDocumentID("acme/widgets", "issue", 101, model.SectionTitleBody),
		RepoFullName: "acme/widgets",
		ItemType:     "issue",
		ItemNumber:   101,
		Section:      model.SectionTitleBody,
		SourceRef:    "https://github.com/acme/widgets/issues/101",
		Text:         "panic on empty config",
	}
	require.NoError(t, testDB.UpsertKBDocument(ctx, doc))

	pending, err := testDB.ListPendingEmbeddings(ctx, embedModel, 100)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, doc.KBID, pending[0].KBID)

	vec := pgvector.NewVector(make([]float32, 8))
	require.NoError(t, testDB.UpsertKBEmbedding(ctx, model.KBEmbedding{
		KBID:       doc.KBID,
		Model:      embedModel,
		Dims:       8,
		Embedding:  vec,
		SourceHash: model.TextHash(doc.Text),
	}))

	pending, err = testDB.ListPendingEmbeddings(ctx, embedModel, 100)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// Editing the document text invalidates the stored hash.
	doc.Text = "panic on empty config when the loader runs twice"
	require.NoError(t, testDB.UpsertKBDocument(ctx, doc))

	pending, err = testDB.ListPendingEmbeddings(ctx, embedModel, 100)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, doc.Text, pending[0].Text)
}

func TestUpsertKBEmbeddingRejectsDimsMismatch(t *testing.T) {
	err := testDB.UpsertKBEmbedding(context.Background(), model.KBEmbedding{
		KBID:      "whatever",
		Model:     "test-embed",
		Dims:      16,
		Embedding: pgvector.NewVector(make([]float32, 8)),
	})
	require.Error(t, err)
}

func TestNotifyRoundtrip(t *testing.T) {
	ctx := context.Background()

	// A second handle with a dedicated LISTEN connection.
	listener, err := storage.New(ctx, tc.DSN, tc.DSN, nil, testutil.TestLogger())
	require.NoError(t, err)
	defer listener.Close(ctx)
	require.True(t, listener.HasNotifyConn())

	require.NoError(t, listener.Listen(ctx, storage.ChannelCourt))

	require.NoError(t, testDB.Notify(ctx, storage.ChannelCourt, `{"status":"completed"}`))

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	channel, payload, err := listener.WaitForNotification(waitCtx)
	require.NoError(t, err)
	assert.Equal(t, storage.ChannelCourt, channel)
	assert.Contains(t, payload, "completed")
}

func TestFinishCourtRunNotifies(t *testing.T) {
	ctx := context.Background()

	listener, err := storage.New(ctx, tc.DSN, tc.DSN, nil, testutil.TestLogger())
	require.NoError(t, err)
	defer listener.Close(ctx)
	require.NoError(t, listener.Listen(ctx, storage.ChannelCourt))

	c := mustCreateCase(t, "notify on finish")
	run, err := testDB.CreateCourtRun(ctx, c.ID, "heuristic")
	require.NoError(t, err)
	require.NoError(t, testDB.FinishCourtRun(ctx, run.ID, model.CourtRunCompleted, nil))

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, payload, err := listener.WaitForNotification(waitCtx)
	require.NoError(t, err)
	assert.Contains(t, payload, run.ID.String())
}

func TestWithRetryGivesUpOnNonRetriable(t *testing.T) {
	calls := 0
	sentinel := errors.New("permanent")
	err := storage.WithRetry(context.Background(), 3, time.Millisecond, func() error {
		calls++
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)
	assert.Equal(t, 1, calls)
}
